package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/edgeprobe/internal/model"
	"github.com/NodePath81/edgeprobe/internal/stats"
)

const (
	tickInterval = 200 * time.Millisecond

	// minSteadyRampIgnore and minSteadyWindow bound the steady-state
	// estimator: the ramp-up discard is at least this long and the
	// remaining window must be at least this wide to be trusted.
	minSteadyRampIgnore = time.Second
	minSteadyWindow     = 200 * time.Millisecond
)

// tickSample is one cumulative byte-counter observation.
type tickSample struct {
	at    time.Time
	bytes uint64
}

// runThroughputPhase saturates the link with cfg.Concurrency workers for the
// phase duration, sampling the shared byte counter every tick. It returns the
// throughput summary together with the loaded latency measured concurrently.
func (e *Engine) runThroughputPhase(ctx context.Context, phase model.Phase, events chan<- model.TestEvent) (model.ThroughputSummary, model.LatencySummary) {
	var (
		duration = e.phaseDuration(phase)
		total    atomic.Uint64
		wg       sync.WaitGroup
	)

	// phaseCtx tears down in-flight request bodies once the phase ends so
	// workers do not keep transferring past the measurement window.
	phaseCtx, cancelPhase := context.WithCancel(ctx)
	defer cancelPhase()

	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.throughputWorker(phaseCtx, phase, &total)
		}()
	}

	loadedCh := make(chan model.LatencySummary, 1)
	go func() {
		loadedCh <- e.runLatencyProbes(ctx, phase, phase, duration, events)
	}()

	start := time.Now()
	var (
		samples     []tickSample
		mbpsSamples []float64
		lastAt      = start
		lastBytes   uint64
	)

	for time.Since(start) < duration {
		if e.waitWhilePaused(ctx) {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(tickInterval):
		}
		if ctx.Err() != nil {
			break
		}

		now := time.Now()
		bytes := total.Load()
		dt := now.Sub(lastAt).Seconds()
		if dt > 0 {
			bps := float64(bytes-lastBytes) / dt
			mbpsSamples = append(mbpsSamples, bps*8/1e6)
			e.emit(events, model.TestEvent{
				Kind:       model.EventThroughputTick,
				Phase:      phase,
				BytesTotal: bytes,
				BpsInstant: bps,
			})
		}
		samples = append(samples, tickSample{at: now, bytes: bytes})
		lastAt, lastBytes = now, bytes
	}

	cancelPhase()
	wg.Wait()
	elapsed := time.Since(start)
	bytesTotal := total.Load()

	estBytes, estWindow, ok := steadyWindow(samples, elapsed)
	if !ok {
		estBytes, estWindow = bytesTotal, elapsed
	}
	summary := throughputSummary(estBytes, estWindow)
	stats.ThroughputPercentiles(&summary, mbpsSamples)

	loaded := <-loadedCh
	return summary, loaded
}

// throughputWorker runs transfer requests back to back until the phase
// context is torn down. While paused it idles without touching the network.
func (e *Engine) throughputWorker(ctx context.Context, phase model.Phase, total *atomic.Uint64) {
	count := func(n int) { total.Add(uint64(n)) }
	for ctx.Err() == nil && !e.cancelled.Load() {
		if e.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pausePollInterval):
			}
			continue
		}

		var err error
		if phase == model.PhaseUpload {
			err = e.client.UploadOnce(ctx, e.cfg.UploadBytesPerReq, count)
		} else {
			err = e.client.DownloadOnce(ctx, e.cfg.DownloadBytesPerReq, count)
		}
		if err != nil && ctx.Err() == nil {
			e.logger.Debug("transfer request failed", "phase", phase, "err", err)
		}
	}
}

// steadyWindow estimates throughput over the steady-state tail of the phase,
// discarding the ramp-up at the front. The discard is a fifth of the time the
// phase actually ran, never less than a second. It reports ok=false when the samples
// cannot support an estimate, in which case the caller falls back to the
// whole-phase average.
func steadyWindow(samples []tickSample, span time.Duration) (uint64, time.Duration, bool) {
	if len(samples) < 2 {
		return 0, 0, false
	}
	ignore := span / 5
	if ignore < minSteadyRampIgnore {
		ignore = minSteadyRampIgnore
	}
	cutoff := samples[0].at.Add(ignore)
	start := 0
	for i, s := range samples {
		if !s.at.Before(cutoff) {
			start = i
			break
		}
	}
	first, last := samples[start], samples[len(samples)-1]
	window := last.at.Sub(first.at)
	if window < minSteadyWindow {
		return 0, 0, false
	}
	return last.bytes - first.bytes, window, true
}

func throughputSummary(bytes uint64, window time.Duration) model.ThroughputSummary {
	secs := window.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	return model.ThroughputSummary{
		Bytes:      bytes,
		DurationMs: uint64(window.Milliseconds()),
		Mbps:       float64(bytes) * 8 / secs / 1e6,
	}
}

func (e *Engine) phaseDuration(phase model.Phase) time.Duration {
	if phase == model.PhaseUpload {
		return e.cfg.UploadDuration.Duration()
	}
	return e.cfg.DownloadDuration.Duration()
}
