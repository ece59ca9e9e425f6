// Package model holds the shared data types exchanged between the
// measurement engine, the protocol clients and any presentation layer.
package model

import "time"

// Phase identifies a stage of a measurement run.
type Phase string

const (
	PhaseIdleLatency Phase = "idle"
	PhaseDownload    Phase = "download"
	PhaseUpload      Phase = "upload"
	PhasePacketLoss  Phase = "packet_loss"
	PhaseSummary     Phase = "summary"
)

// QueryTag returns the value used for the `during` query parameter on
// latency probes issued concurrently with a throughput phase. Phases that
// carry no load return "".
func (p Phase) QueryTag() string {
	switch p {
	case PhaseDownload, PhaseUpload:
		return string(p)
	default:
		return ""
	}
}

// EventKind discriminates TestEvent payloads.
type EventKind string

const (
	EventPhaseStarted   EventKind = "phase_started"
	EventLatencySample  EventKind = "latency_sample"
	EventThroughputTick EventKind = "throughput_tick"
	EventMetaInfo       EventKind = "meta_info"
	EventInfo           EventKind = "info"
	EventTracerouteHop  EventKind = "traceroute_hop"
	EventTracerouteDone EventKind = "traceroute_done"
)

// TestEvent is the engine's outward message. Delivery is best-effort: a
// consumer that falls behind loses events rather than stalling measurement.
type TestEvent struct {
	Kind   EventKind `json:"kind"`
	Phase  Phase     `json:"phase,omitempty"`
	During Phase     `json:"during,omitempty"`

	// LatencySample
	OK    bool     `json:"ok,omitempty"`
	RTTMs *float64 `json:"rtt_ms,omitempty"`

	// ThroughputTick
	BytesTotal uint64  `json:"bytes_total,omitempty"`
	BpsInstant float64 `json:"bps_instant,omitempty"`

	// MetaInfo
	Meta *Meta `json:"meta,omitempty"`

	// Info
	Message string `json:"message,omitempty"`

	// Traceroute
	Hop        *TracerouteHop     `json:"hop,omitempty"`
	Traceroute *TracerouteSummary `json:"traceroute,omitempty"`
}

// ControlKind discriminates EngineControl messages.
type ControlKind int

const (
	ControlPause ControlKind = iota
	ControlCancel
)

// EngineControl is the inbound control message. Cancel is terminal for the
// run; Pause carries the desired paused state.
type EngineControl struct {
	Kind   ControlKind
	Paused bool
}

// LatencySummary aggregates round-trip-time probes for one phase.
// Percentile fields are nil when no samples were received; Jitter is nil
// when fewer than two samples were received.
type LatencySummary struct {
	Sent     uint64   `json:"sent"`
	Received uint64   `json:"received"`
	Loss     float64  `json:"loss"`
	MinMs    *float64 `json:"min_ms,omitempty"`
	MeanMs   *float64 `json:"mean_ms,omitempty"`
	MedianMs *float64 `json:"median_ms,omitempty"`
	P25Ms    *float64 `json:"p25_ms,omitempty"`
	P75Ms    *float64 `json:"p75_ms,omitempty"`
	P90Ms    *float64 `json:"p90_ms,omitempty"`
	P99Ms    *float64 `json:"p99_ms,omitempty"`
	MaxMs    *float64 `json:"max_ms,omitempty"`
	JitterMs *float64 `json:"jitter_ms,omitempty"`
}

// ThroughputSummary aggregates one throughput phase. The percentile fields
// describe the instantaneous tick samples and are nil when fewer than one
// tick was collected.
type ThroughputSummary struct {
	Bytes      uint64   `json:"bytes"`
	DurationMs uint64   `json:"duration_ms"`
	Mbps       float64  `json:"mbps"`
	MeanMbps   *float64 `json:"mean_mbps,omitempty"`
	MedianMbps *float64 `json:"median_mbps,omitempty"`
	P25Mbps    *float64 `json:"p25_mbps,omitempty"`
	P75Mbps    *float64 `json:"p75_mbps,omitempty"`
}

// TurnInfo carries the ICE server descriptors fetched from the service.
type TurnInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UDPLossSummary is the result of the experimental STUN loss probe.
type UDPLossSummary struct {
	Target  string         `json:"target"`
	Latency LatencySummary `json:"latency"`
}

// TracerouteHop is one hop on the path to the destination.
type TracerouteHop struct {
	Hop      int       `json:"hop"`
	Address  string    `json:"address,omitempty"`
	Location string    `json:"location,omitempty"`
	RTTMs    []float64 `json:"rtt_ms"`
	Timeout  bool      `json:"timeout"`
}

// TracerouteSummary is the full path result. Completed reports whether the
// walk reached the destination before the hop limit.
type TracerouteSummary struct {
	Destination string          `json:"destination"`
	Hops        []TracerouteHop `json:"hops"`
	Completed   bool            `json:"completed"`
}

// Meta describes the answering edge server and the client as seen by it.
type Meta struct {
	ClientIP string `json:"client_ip,omitempty"`
	Colo     string `json:"colo,omitempty"`
	City     string `json:"city,omitempty"`
	Country  string `json:"country,omitempty"`
	ASN      string `json:"asn,omitempty"`
	ASOrg    string `json:"as_org,omitempty"`
}

// Empty reports whether no field was populated.
func (m *Meta) Empty() bool {
	if m == nil {
		return true
	}
	return m.ClientIP == "" && m.Colo == "" && m.City == "" &&
		m.Country == "" && m.ASN == "" && m.ASOrg == ""
}

// NetworkInfo is supplied by the netinfo collaborator to enrich a result.
type NetworkInfo struct {
	InterfaceName string `json:"interface_name,omitempty"`
	NetworkName   string `json:"network_name,omitempty"`
	IsWireless    *bool  `json:"is_wireless,omitempty"`
	InterfaceMAC  string `json:"interface_mac,omitempty"`
	LinkSpeedMbps int    `json:"link_speed_mbps,omitempty"`
	LocalIPv4     string `json:"local_ipv4,omitempty"`
	LocalIPv6     string `json:"local_ipv6,omitempty"`
}

// RunResult is the terminal aggregate of a measurement run. It is
// constructed once when the engine returns; the caller owns it afterwards.
type RunResult struct {
	TimestampUTC string `json:"timestamp_utc"`
	BaseURL      string `json:"base_url"`
	MeasID       string `json:"meas_id"`

	Meta   *Meta  `json:"meta,omitempty"`
	Server string `json:"server,omitempty"`

	IdleLatency           LatencySummary    `json:"idle_latency"`
	Download              ThroughputSummary `json:"download"`
	Upload                ThroughputSummary `json:"upload"`
	LoadedLatencyDownload LatencySummary    `json:"loaded_latency_download"`
	LoadedLatencyUpload   LatencySummary    `json:"loaded_latency_upload"`

	Turn       *TurnInfo          `json:"turn,omitempty"`
	UDPLoss    *UDPLossSummary    `json:"udp_loss,omitempty"`
	Traceroute *TracerouteSummary `json:"traceroute,omitempty"`

	Network *NetworkInfo `json:"network,omitempty"`
}

// NewTimestamp formats t the way RunResult.TimestampUTC expects.
func NewTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
