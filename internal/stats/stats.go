// Package stats turns latency and throughput sample sets into summaries.
// It has no knowledge of networking and is usable in isolation.
package stats

import (
	"math"
	"sort"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/NodePath81/edgeprobe/internal/model"
)

// Histogram bounds: 1 microsecond to 60 seconds at 3 significant digits.
const (
	histMinMicros = 1
	histMaxMicros = 60_000_000
	histSigFigs   = 3
)

// OnlineStats is a running mean/variance accumulator (Welford). It computes
// jitter incrementally without retaining every sample.
type OnlineStats struct {
	count int
	mean  float64
	m2    float64
}

// Push adds one sample.
func (s *OnlineStats) Push(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	delta2 := x - s.mean
	s.m2 += delta * delta2
}

// Count returns the number of samples pushed.
func (s *OnlineStats) Count() int { return s.count }

// Mean returns the running mean, 0 for an empty accumulator.
func (s *OnlineStats) Mean() float64 { return s.mean }

// StdDev returns the sample standard deviation. ok is false when fewer than
// two samples were pushed.
func (s *OnlineStats) StdDev() (stddev float64, ok bool) {
	if s.count < 2 {
		return 0, false
	}
	return math.Sqrt(s.m2 / float64(s.count-1)), true
}

// Loss computes the loss ratio for sent/received counters. It is 0 when
// nothing was sent and always falls in [0,1].
func Loss(sent, received uint64) float64 {
	if sent == 0 {
		return 0
	}
	if received > sent {
		received = sent
	}
	return float64(sent-received) / float64(sent)
}

// LatencySummaryFromSamples builds a LatencySummary from per-probe RTT
// samples. Percentiles come from a microsecond-resolution histogram; an
// empty sample set leaves every percentile nil.
func LatencySummaryFromSamples(sent, received uint64, samplesMs []float64, jitterMs *float64) model.LatencySummary {
	out := model.LatencySummary{
		Sent:     sent,
		Received: received,
		Loss:     Loss(sent, received),
		JitterMs: jitterMs,
	}
	if len(samplesMs) == 0 {
		return out
	}

	h := hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs)
	var sum float64
	for _, ms := range samplesMs {
		us := int64(math.Round(ms * 1000))
		if us < histMinMicros {
			us = histMinMicros
		}
		if us > histMaxMicros {
			us = histMaxMicros
		}
		_ = h.RecordValue(us)
		sum += ms
	}

	mean := sum / float64(len(samplesMs))
	out.MeanMs = &mean
	out.MinMs = microsToMs(h.Min())
	out.P25Ms = microsToMs(h.ValueAtQuantile(25))
	out.MedianMs = microsToMs(h.ValueAtQuantile(50))
	out.P75Ms = microsToMs(h.ValueAtQuantile(75))
	out.P90Ms = microsToMs(h.ValueAtQuantile(90))
	out.P99Ms = microsToMs(h.ValueAtQuantile(99))
	out.MaxMs = microsToMs(h.Max())
	return out
}

func microsToMs(us int64) *float64 {
	ms := float64(us) / 1000.0
	return &ms
}

// ThroughputPercentiles fills the optional mean/median/p25/p75 fields of a
// ThroughputSummary from instantaneous Mbps tick samples.
func ThroughputPercentiles(sum *model.ThroughputSummary, samplesMbps []float64) {
	if len(samplesMbps) == 0 {
		return
	}
	sorted := append([]float64(nil), samplesMbps...)
	sort.Float64s(sorted)

	mean := meanOf(sorted)
	sum.MeanMbps = &mean
	sum.MedianMbps = ptr(percentile(sorted, 0.50))
	sum.P25Mbps = ptr(percentile(sorted, 0.25))
	sum.P75Mbps = ptr(percentile(sorted, 0.75))
}

func ptr(v float64) *float64 { return &v }

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile reads the pct-th percentile (0..1) from a sorted slice using
// the nearest-rank method.
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if pct <= 0 {
		return sorted[0]
	}
	if pct >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*pct)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
