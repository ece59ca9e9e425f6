// Package config defines the immutable parameters of a measurement run and
// loads them from a yaml file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL             = "https://speed.cloudflare.com"
	defaultDownloadBytesPerReq = 10_000_000
	defaultUploadBytesPerReq   = 5_000_000
	defaultConcurrency         = 6
	defaultIdleLatencyDuration = 2 * time.Second
	defaultDownloadDuration    = 10 * time.Second
	defaultUploadDuration      = 10 * time.Second
	defaultProbeInterval       = 250 * time.Millisecond
	defaultProbeTimeout        = 800 * time.Millisecond
	defaultTracerouteMaxHops   = 30
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// RunConfig holds every parameter of a measurement run. It is created once
// from file and flags and never mutated afterwards.
type RunConfig struct {
	BaseURL string `yaml:"base_url"`
	MeasID  string `yaml:"-"`

	DownloadBytesPerReq uint64 `yaml:"download_bytes_per_req"`
	UploadBytesPerReq   uint64 `yaml:"upload_bytes_per_req"`
	Concurrency         int    `yaml:"concurrency"`

	IdleLatencyDuration Duration `yaml:"idle_latency_duration"`
	DownloadDuration    Duration `yaml:"download_duration"`
	UploadDuration      Duration `yaml:"upload_duration"`
	ProbeInterval       Duration `yaml:"probe_interval"`
	ProbeTimeout        Duration `yaml:"probe_timeout"`

	UserAgent    string `yaml:"user_agent"`
	Experimental bool   `yaml:"experimental"`

	// Optional network binding.
	Interface string `yaml:"interface"`
	SourceIP  string `yaml:"source_ip"`

	// Optional custom root certificate (PEM or DER).
	CertificatePath string `yaml:"certificate"`

	// Diagnostics.
	Traceroute        bool `yaml:"traceroute"`
	TracerouteMaxHops int  `yaml:"traceroute_max_hops"`

	// Collaborators.
	GeoIPDatabase string `yaml:"geoip_database"`
	HistoryPath   string `yaml:"history_path"`
	ListenAddr    string `yaml:"listen_addr"`
}

// Default returns a RunConfig with all defaults applied and a fresh
// measurement id.
func Default() RunConfig {
	cfg := RunConfig{}
	cfg.setDefaults()
	return cfg
}

// Load reads a yaml config file, applies defaults and validates the result.
func Load(path string) (RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, err
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return RunConfig{}, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func (c *RunConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.MeasID == "" {
		c.MeasID = NewMeasID()
	}
	if c.DownloadBytesPerReq == 0 {
		c.DownloadBytesPerReq = defaultDownloadBytesPerReq
	}
	if c.UploadBytesPerReq == 0 {
		c.UploadBytesPerReq = defaultUploadBytesPerReq
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.IdleLatencyDuration == 0 {
		c.IdleLatencyDuration = Duration(defaultIdleLatencyDuration)
	}
	if c.DownloadDuration == 0 {
		c.DownloadDuration = Duration(defaultDownloadDuration)
	}
	if c.UploadDuration == 0 {
		c.UploadDuration = Duration(defaultUploadDuration)
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = Duration(defaultProbeInterval)
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = Duration(defaultProbeTimeout)
	}
	if c.UserAgent == "" {
		c.UserAgent = "edgeprobe/" + Version
	}
	if c.TracerouteMaxHops == 0 {
		c.TracerouteMaxHops = defaultTracerouteMaxHops
	}
}

// Validate rejects configurations the engine cannot be constructed from.
func (c *RunConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", c.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url %q has no host", c.BaseURL)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.Interface != "" && c.SourceIP != "" {
		return fmt.Errorf("interface and source_ip are mutually exclusive")
	}
	if c.CertificatePath != "" {
		if err := validateCertificatePath(c.CertificatePath); err != nil {
			return err
		}
	}
	if c.TracerouteMaxHops < 1 || c.TracerouteMaxHops > 255 {
		return fmt.Errorf("traceroute_max_hops must be in 1..255, got %d", c.TracerouteMaxHops)
	}
	return nil
}

func validateCertificatePath(path string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "pem", "crt", "cer", "der":
	default:
		return fmt.Errorf("certificate %q must have a pem, crt, cer or der extension", path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("certificate %q unreadable: %w", path, err)
	}
	return nil
}

// NewMeasID generates a fresh measurement id for tagging requests.
func NewMeasID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Version is the release string, stamped into the default user agent.
const Version = "0.3.0"
