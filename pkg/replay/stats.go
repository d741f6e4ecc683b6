package replay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// statsThroughputWindow bounds how many inter-sample durations statsSampler
// keeps for its rolling commands-per-second average.
const statsThroughputWindow = 10

// statsSampler tracks a worker's executed-command count and periodically
// logs a throughput sample. It is only ever driven by the owning worker's
// loop goroutine, except for ExecutedCount/LastCommandTime
// which external observers (registry eviction, metrics) may read
// concurrently.
type statsSampler struct {
	name    string
	display bool
	every   int64
	logger  *slog.Logger

	executedCount   atomic.Int64
	lastCommandTime atomic.Int64 // unix nanoseconds

	mu          sync.Mutex
	windowStart time.Time
	samples     []float64 // rolling commands-per-second samples
}

// newStatsSampler always tracks executedCount/lastCommandTime (the registry
// depends on both for idleness/ExecutedCount regardless of display), but
// only logs a throughput sample when display is set, matching §4.6's
// "(when display_worker_stats is set)" gate.
func newStatsSampler(name string, display bool, every int64, logger *slog.Logger) *statsSampler {
	if every <= 0 {
		every = 1000
	}
	return &statsSampler{name: name, display: display, every: every, logger: logger, windowStart: time.Now()}
}

func (s *statsSampler) ExecutedCount() int64 { return s.executedCount.Load() }

// LastCommandTime reports when the most recent successful command
// completed, used by WorkerRegistry to decide idleness.
func (s *statsSampler) LastCommandTime() time.Time {
	ns := s.lastCommandTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecordSuccess marks one more successful command and, every `every`
// commands, logs a rolling throughput sample.
func (s *statsSampler) RecordSuccess(lastEventSequence int64, queueDepth int) {
	now := time.Now()
	s.lastCommandTime.Store(now.UnixNano())
	n := s.executedCount.Add(1)

	if !s.display || n%s.every != 0 {
		return
	}

	s.mu.Lock()
	elapsed := now.Sub(s.windowStart)
	cps := 0.0
	if elapsed > 0 {
		cps = float64(s.every) / elapsed.Seconds()
	}
	s.samples = append(s.samples, cps)
	if len(s.samples) > statsThroughputWindow {
		s.samples = s.samples[len(s.samples)-statsThroughputWindow:]
	}
	avg := average(s.samples)
	s.windowStart = now
	s.mu.Unlock()

	s.logger.Info("throughput sample",
		"worker", s.name,
		"executed_count", n,
		"commands_per_second", cps,
		"rolling_average_cps", avg,
		"queue_depth", queueDepth,
		"last_event_sequence", lastEventSequence,
	)
}

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}
