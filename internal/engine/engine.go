// Package engine drives a measurement run through its phases and reports
// progress as a stream of events. The engine owns pacing, concurrency and
// aggregation; protocol details live in the edge, stunprobe and traceroute
// packages.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/NodePath81/edgeprobe/internal/config"
	"github.com/NodePath81/edgeprobe/internal/edge"
	"github.com/NodePath81/edgeprobe/internal/model"
	"github.com/NodePath81/edgeprobe/internal/stunprobe"
	"github.com/NodePath81/edgeprobe/internal/traceroute"
	"github.com/NodePath81/edgeprobe/internal/util"
)

// pausePollInterval is how often paused loops re-check the pause flag.
const pausePollInterval = 50 * time.Millisecond

// Engine executes one measurement run. It is single-use: construct, call
// Run once, discard.
type Engine struct {
	cfg    config.RunConfig
	client *edge.Client
	logger util.Logger

	paused    atomic.Bool
	cancelled atomic.Bool
}

// New validates cfg and prepares the transport. The returned engine has not
// touched the network yet.
func New(cfg config.RunConfig, logger util.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := edge.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, client: client, logger: logger}, nil
}

// MeasID returns the run's measurement identifier.
func (e *Engine) MeasID() string { return e.client.MeasID() }

// Run executes the full phase sequence. Events are sent best-effort on
// events; a full channel drops the event rather than blocking measurement.
// Control messages on control pause, resume or cancel the run; control may
// be nil. Cancellation ends the run early with the partial result and a nil
// error. Metadata resolution is best-effort: a service that reports none
// still gets measured, with result.Meta left nil.
func (e *Engine) Run(ctx context.Context, events chan<- model.TestEvent, control <-chan model.EngineControl) (*model.RunResult, error) {
	started := time.Now()

	quit := make(chan struct{})
	defer close(quit)
	go e.listenControl(control, quit)

	result := &model.RunResult{
		TimestampUTC: model.NewTimestamp(started),
		BaseURL:      e.cfg.BaseURL,
		MeasID:       e.client.MeasID(),
	}

	if meta, err := e.client.FetchMeta(ctx); err == nil {
		result.Meta = meta
		e.emit(events, model.TestEvent{Kind: model.EventMetaInfo, Meta: meta})
		if locations, err := e.client.FetchLocations(ctx); err == nil {
			result.Server = edge.ServerForColo(locations, meta.Colo)
		} else {
			e.logger.Debug("location list unavailable", "err", err)
			result.Server = edge.ServerForColo(nil, meta.Colo)
		}
	} else {
		e.logger.Warn("metadata unavailable, measuring without it", "err", err)
	}

	e.emit(events, model.TestEvent{Kind: model.EventPhaseStarted, Phase: model.PhaseIdleLatency})
	result.IdleLatency = e.runLatencyProbes(ctx, model.PhaseIdleLatency, "", e.cfg.IdleLatencyDuration.Duration(), events)

	if !e.done(ctx) {
		e.emit(events, model.TestEvent{Kind: model.EventPhaseStarted, Phase: model.PhaseDownload})
		result.Download, result.LoadedLatencyDownload = e.runThroughputPhase(ctx, model.PhaseDownload, events)
	}

	if !e.done(ctx) {
		e.emit(events, model.TestEvent{Kind: model.EventPhaseStarted, Phase: model.PhaseUpload})
		result.Upload, result.LoadedLatencyUpload = e.runThroughputPhase(ctx, model.PhaseUpload, events)
	}

	if e.cfg.Experimental && !e.done(ctx) {
		e.emit(events, model.TestEvent{Kind: model.EventPhaseStarted, Phase: model.PhasePacketLoss})
		e.runPacketLossPhase(ctx, events, result)
	}

	if e.cfg.Traceroute && !e.done(ctx) {
		e.runTraceroute(ctx, events, result)
	}

	e.emit(events, model.TestEvent{Kind: model.EventPhaseStarted, Phase: model.PhaseSummary})
	return result, nil
}

func (e *Engine) runPacketLossPhase(ctx context.Context, events chan<- model.TestEvent, result *model.RunResult) {
	turn, err := e.client.FetchTurn(ctx)
	if err != nil {
		e.emit(events, model.TestEvent{
			Kind:    model.EventInfo,
			Phase:   model.PhasePacketLoss,
			Message: "packet loss probe skipped: " + err.Error(),
		})
		return
	}
	result.Turn = &turn

	loss, err := stunprobe.Probe(ctx, turn)
	if err != nil {
		e.emit(events, model.TestEvent{
			Kind:    model.EventInfo,
			Phase:   model.PhasePacketLoss,
			Message: "packet loss probe failed: " + err.Error(),
		})
		return
	}
	result.UDPLoss = &loss
}

func (e *Engine) runTraceroute(ctx context.Context, events chan<- model.TestEvent, result *model.RunResult) {
	summary, err := traceroute.Run(ctx, e.client.Host(), e.cfg.TracerouteMaxHops, func(hop model.TracerouteHop) {
		h := hop
		e.emit(events, model.TestEvent{Kind: model.EventTracerouteHop, Hop: &h})
	})
	if err != nil {
		e.emit(events, model.TestEvent{
			Kind:    model.EventInfo,
			Message: "traceroute failed: " + err.Error(),
		})
		return
	}
	result.Traceroute = &summary
	e.emit(events, model.TestEvent{Kind: model.EventTracerouteDone, Traceroute: &summary})
}

// listenControl applies control messages until the run ends or a cancel
// arrives. Closing quit terminates the listener when Run returns.
func (e *Engine) listenControl(control <-chan model.EngineControl, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case msg, ok := <-control:
			if !ok {
				return
			}
			switch msg.Kind {
			case model.ControlPause:
				e.paused.Store(msg.Paused)
				e.logger.Info("pause state changed", "paused", msg.Paused)
			case model.ControlCancel:
				e.cancelled.Store(true)
				e.logger.Info("run cancelled")
				return
			}
		}
	}
}

// waitWhilePaused blocks while the engine is paused. It reports true when
// the loop should stop because the run was cancelled or the context ended.
func (e *Engine) waitWhilePaused(ctx context.Context) bool {
	for e.paused.Load() && !e.cancelled.Load() {
		select {
		case <-ctx.Done():
			return true
		case <-time.After(pausePollInterval):
		}
	}
	return e.done(ctx)
}

func (e *Engine) done(ctx context.Context) bool {
	return e.cancelled.Load() || ctx.Err() != nil
}

// emit sends ev without blocking. Slow consumers lose events.
func (e *Engine) emit(events chan<- model.TestEvent, ev model.TestEvent) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}
