package engine

import (
	"context"
	"time"

	"github.com/NodePath81/edgeprobe/internal/model"
	"github.com/NodePath81/edgeprobe/internal/stats"
)

// runLatencyProbes issues zero-byte probes until the phase duration elapses.
// One instance runs standalone during the idle phase (during == "") and one
// runs concurrently with each throughput phase to produce loaded latency.
// Timeouts and transport failures count as sent-but-lost samples.
func (e *Engine) runLatencyProbes(ctx context.Context, phase model.Phase, during model.Phase, total time.Duration, events chan<- model.TestEvent) model.LatencySummary {
	start := time.Now()
	var sent, received uint64
	var samples []float64
	var online stats.OnlineStats

	interval := e.cfg.ProbeInterval.Duration()
	timeout := e.cfg.ProbeTimeout.Duration()

	for time.Since(start) < total {
		if e.waitWhilePaused(ctx) {
			break
		}

		sent++
		ms, _, err := e.client.ProbeLatency(ctx, during.QueryTag(), timeout)
		if err == nil {
			received++
			samples = append(samples, ms)
			online.Push(ms)
			rtt := ms
			e.emit(events, model.TestEvent{
				Kind:   model.EventLatencySample,
				Phase:  phase,
				During: during,
				OK:     true,
				RTTMs:  &rtt,
			})
		} else {
			e.emit(events, model.TestEvent{
				Kind:   model.EventLatencySample,
				Phase:  phase,
				During: during,
				OK:     false,
			})
		}

		select {
		case <-ctx.Done():
			return summarizeLatency(sent, received, samples, &online)
		case <-time.After(interval):
		}
	}

	return summarizeLatency(sent, received, samples, &online)
}

func summarizeLatency(sent, received uint64, samplesMs []float64, online *stats.OnlineStats) model.LatencySummary {
	var jitter *float64
	if stddev, ok := online.StdDev(); ok {
		jitter = &stddev
	}
	return stats.LatencySummaryFromSamples(sent, received, samplesMs, jitter)
}
