package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NodePath81/edgeprobe/internal/config"
	"github.com/NodePath81/edgeprobe/internal/control"
	"github.com/NodePath81/edgeprobe/internal/engine"
	"github.com/NodePath81/edgeprobe/internal/geo"
	"github.com/NodePath81/edgeprobe/internal/history"
	"github.com/NodePath81/edgeprobe/internal/model"
	"github.com/NodePath81/edgeprobe/internal/netinfo"
	"github.com/NodePath81/edgeprobe/internal/util"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "history":
			exportHistory(os.Args[2:])
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(config.Version)
			return
		}
	}
	runMeasurement(os.Args[1:])
}

func runMeasurement(args []string) {
	fs := flag.NewFlagSet("edgeprobe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to yaml config file")
	baseURL := fs.String("url", "", "Measurement service base url")
	downloadBytes := fs.Uint64("download-bytes", 0, "Bytes per download request")
	uploadBytes := fs.Uint64("upload-bytes", 0, "Bytes per upload request")
	concurrency := fs.Int("concurrency", 0, "Parallel transfer workers")
	idleDuration := fs.Duration("idle-duration", 0, "Idle latency phase duration")
	downloadDuration := fs.Duration("download-duration", 0, "Download phase duration")
	uploadDuration := fs.Duration("upload-duration", 0, "Upload phase duration")
	probeInterval := fs.Duration("probe-interval", 0, "Latency probe cadence")
	probeTimeout := fs.Duration("probe-timeout", 0, "Latency probe timeout")
	iface := fs.String("interface", "", "Bind transfers to this interface")
	sourceIP := fs.String("source-ip", "", "Bind transfers to this source address")
	certificate := fs.String("certificate", "", "Custom root certificate (pem or der)")
	experimental := fs.Bool("experimental", false, "Run the experimental UDP loss probe")
	traceroute := fs.Bool("traceroute", false, "Trace the path to the service after measuring")
	maxHops := fs.Int("max-hops", 0, "Traceroute hop limit")
	geoipPath := fs.String("geoip", "", "GeoIP city database for hop annotation")
	historyPath := fs.String("history", "", "Archive results in this sqlite database")
	listenAddr := fs.String("listen", "", "Serve live events and controls on this address")
	jsonOut := fs.Bool("json", false, "Print the result as JSON")
	quiet := fs.Bool("quiet", false, "Only log warnings")
	_ = fs.Parse(args)

	logger := util.NewLogger()
	if *quiet || *jsonOut {
		logger = util.NewQuietLogger()
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("config load failed", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	// Only flags the user actually set override the file, so yaml keeps
	// authority over untouched values.
	setters := map[string]func(){
		"url":               func() { cfg.BaseURL = *baseURL },
		"download-bytes":    func() { cfg.DownloadBytesPerReq = *downloadBytes },
		"upload-bytes":      func() { cfg.UploadBytesPerReq = *uploadBytes },
		"concurrency":       func() { cfg.Concurrency = *concurrency },
		"idle-duration":     func() { cfg.IdleLatencyDuration = config.Duration(*idleDuration) },
		"download-duration": func() { cfg.DownloadDuration = config.Duration(*downloadDuration) },
		"upload-duration":   func() { cfg.UploadDuration = config.Duration(*uploadDuration) },
		"probe-interval":    func() { cfg.ProbeInterval = config.Duration(*probeInterval) },
		"probe-timeout":     func() { cfg.ProbeTimeout = config.Duration(*probeTimeout) },
		"interface":         func() { cfg.Interface = *iface },
		"source-ip":         func() { cfg.SourceIP = *sourceIP },
		"certificate":       func() { cfg.CertificatePath = *certificate },
		"experimental":      func() { cfg.Experimental = *experimental },
		"traceroute":        func() { cfg.Traceroute = *traceroute },
		"max-hops":          func() { cfg.TracerouteMaxHops = *maxHops },
		"geoip":             func() { cfg.GeoIPDatabase = *geoipPath },
		"history":           func() { cfg.HistoryPath = *historyPath },
		"listen":            func() { cfg.ListenAddr = *listenAddr },
	}
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := setters[f.Name]; ok {
			apply()
		}
	})

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan model.TestEvent, 1024)
	controlCh := make(chan model.EngineControl, 16)

	var bridge *control.Server
	if cfg.ListenAddr != "" {
		bridge = control.NewServer(cfg.ListenAddr, controlCh, logger)
		if err := bridge.Start(ctx); err != nil {
			logger.Error("control server failed", "error", err)
			os.Exit(1)
		}
	}

	go consumeEvents(events, bridge, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupt, finishing up")
		select {
		case controlCh <- model.EngineControl{Kind: model.ControlCancel}:
		default:
		}
		<-sigCh
		cancel()
	}()

	result, err := eng.Run(ctx, events, controlCh)
	if err != nil {
		logger.Error("measurement failed", "error", err)
		os.Exit(1)
	}
	close(events)

	enrich(result, cfg, logger)

	if cfg.HistoryPath != "" {
		archive(result, cfg.HistoryPath, logger)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			logger.Error("encode result", "error", err)
			os.Exit(1)
		}
		return
	}
	printSummary(result)
}

func consumeEvents(events <-chan model.TestEvent, bridge *control.Server, logger util.Logger) {
	for ev := range events {
		if bridge != nil {
			bridge.Broadcast(ev)
		}
		switch ev.Kind {
		case model.EventPhaseStarted:
			logger.Info("phase started", "phase", ev.Phase)
		case model.EventMetaInfo:
			if ev.Meta != nil {
				logger.Info("connected", "colo", ev.Meta.Colo, "ip", ev.Meta.ClientIP)
			}
		case model.EventInfo:
			logger.Info(ev.Message)
		case model.EventThroughputTick:
			logger.Debug("throughput", "phase", ev.Phase, "rate", util.FormatBitsPerSecond(ev.BpsInstant*8))
		}
	}
}

func enrich(result *model.RunResult, cfg config.RunConfig, logger util.Logger) {
	result.Network = netinfo.Collect(logger)

	if cfg.GeoIPDatabase != "" {
		resolver, err := geo.Open(cfg.GeoIPDatabase)
		if err != nil {
			logger.Warn("geoip unavailable", "error", err)
			return
		}
		defer resolver.Close()
		resolver.FillMeta(result.Meta)
		if result.Traceroute != nil {
			resolver.AnnotateHops(result.Traceroute.Hops)
		}
	}
}

func archive(result *model.RunResult, path string, logger util.Logger) {
	store, err := history.Open(path)
	if err != nil {
		logger.Warn("history unavailable", "error", err)
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Save(ctx, result); err != nil {
		logger.Warn("history save failed", "error", err)
	}
}

func printSummary(res *model.RunResult) {
	fmt.Printf("Server:          %s\n", orDash(res.Server))
	if res.Meta != nil {
		fmt.Printf("Your IP:         %s (%s)\n", orDash(res.Meta.ClientIP), orDash(res.Meta.ASOrg))
	}
	fmt.Printf("Idle latency:    %s (loss %.1f%%)\n", util.FormatMilliseconds(res.IdleLatency.MedianMs), res.IdleLatency.Loss*100)
	fmt.Printf("Download:        %s over %s\n",
		util.FormatBitsPerSecond(res.Download.Mbps*1e6),
		util.FormatBytes(float64(res.Download.Bytes)))
	fmt.Printf("  loaded latency %s\n", util.FormatMilliseconds(res.LoadedLatencyDownload.MedianMs))
	fmt.Printf("Upload:          %s over %s\n",
		util.FormatBitsPerSecond(res.Upload.Mbps*1e6),
		util.FormatBytes(float64(res.Upload.Bytes)))
	fmt.Printf("  loaded latency %s\n", util.FormatMilliseconds(res.LoadedLatencyUpload.MedianMs))
	if res.UDPLoss != nil {
		fmt.Printf("UDP loss:        %.1f%% to %s\n", res.UDPLoss.Latency.Loss*100, res.UDPLoss.Target)
	}
	if res.Traceroute != nil {
		fmt.Printf("Path:            %d hops, completed=%v\n", len(res.Traceroute.Hops), res.Traceroute.Completed)
		for _, hop := range res.Traceroute.Hops {
			addr := hop.Address
			if hop.Timeout {
				addr = "*"
			}
			line := fmt.Sprintf("  %2d  %s", hop.Hop, addr)
			if hop.Location != "" {
				line += "  " + hop.Location
			}
			if len(hop.RTTMs) > 0 {
				line += "  " + util.FormatMilliseconds(&hop.RTTMs[0])
			}
			fmt.Println(line)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func exportHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	path := fs.String("history", "", "Sqlite database to export")
	format := fs.String("format", "json", "Export format: json or csv")
	limit := fs.Int("limit", 0, "Only list the newest N runs (0 = all)")
	_ = fs.Parse(args)

	if *path == "" {
		fmt.Fprintln(os.Stderr, "history: -history path is required")
		os.Exit(1)
	}
	store, err := history.Open(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *limit > 0 {
		entries, err := store.Recent(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "history: %v\n", err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  down %.2f Mbps  up %.2f Mbps\n",
				e.Result.TimestampUTC, e.Result.MeasID,
				e.Result.Download.Mbps, e.Result.Upload.Mbps)
		}
		return
	}

	switch *format {
	case "json":
		err = store.ExportJSON(ctx, os.Stdout)
	case "csv":
		err = store.ExportCSV(ctx, os.Stdout)
	default:
		err = fmt.Errorf("unknown format %q", *format)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`edgeprobe - network quality measurement

Usage:
  edgeprobe [flags]            run a measurement
  edgeprobe history [flags]    export archived runs
  edgeprobe version            print the version

Run 'edgeprobe -h' or 'edgeprobe history -h' for flags.`)
}
