package replay

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// Scheduler constants. They are only overridden by tests.
const (
	DefaultCoarseSleepInterval = 25 * time.Millisecond
	DefaultSpinBurst           = 1000
	DefaultAccuracyTolerance   = 100 * time.Millisecond
	DefaultFallBehindThreshold = 10 * time.Second
	DefaultFallBehindWarnEvery = 100
)

// delayScheduler converts a command's replay offset into a wait against the
// worker's anchored start time. It combines coarse sleeping with a short
// busy-wait tail for accuracy, and tracks consecutive skipped waits.
type delayScheduler struct {
	logger *slog.Logger

	anchorSet atomic.Bool
	anchor    time.Time

	consecutiveSkippedDelays atomic.Int64

	coarseSleepInterval time.Duration
	spinBurst           int
	accuracyTolerance   time.Duration
	fallBehindThreshold time.Duration
	fallBehindWarnEvery int64

	// now is overridable by tests; defaults to time.Now.
	now func() time.Time
}

func newDelayScheduler(logger *slog.Logger) *delayScheduler {
	return &delayScheduler{
		logger:              logger,
		coarseSleepInterval: DefaultCoarseSleepInterval,
		spinBurst:           DefaultSpinBurst,
		accuracyTolerance:   DefaultAccuracyTolerance,
		fallBehindThreshold: DefaultFallBehindThreshold,
		fallBehindWarnEvery: DefaultFallBehindWarnEvery,
		now:                 time.Now,
	}
}

// ConsecutiveSkippedDelays reports the current run length of
// falling-behind executions, for tests and stats.
func (s *delayScheduler) ConsecutiveSkippedDelays() int64 {
	return s.consecutiveSkippedDelays.Load()
}

// Wait blocks until the command's target time arrives, or returns
// immediately if the worker is already behind. It anchors on the first
// call and never rewrites the anchor afterward. stopped is polled during
// both the coarse-sleep and busy-wait phases so Stop() is responsive.
func (s *delayScheduler) Wait(offset time.Duration, stopped *atomic.Bool) {
	if offset == NoOffset {
		return
	}

	if s.anchorSet.CompareAndSwap(false, true) {
		s.anchor = s.now()
	}

	target := s.anchor.Add(offset)
	now := s.now()
	delay := target.Sub(now)

	switch {
	case delay > 0:
		s.waitFor(delay, stopped)
	case delay < -s.fallBehindThreshold:
		n := s.consecutiveSkippedDelays.Add(1)
		if n%s.fallBehindWarnEvery == 0 {
			s.logger.Warn("replay falling behind schedule",
				"consecutive_skipped_delays", n,
				"behind_by", -delay,
			)
		}
	default:
		// Slightly behind (within the fall-behind threshold): execute
		// immediately, no warning, counter left untouched.
	}
}

func (s *delayScheduler) waitFor(delay time.Duration, stopped *atomic.Bool) {
	s.consecutiveSkippedDelays.Store(0)
	start := s.now()

	// Coarse phase: sleep in fixed increments, yielding the CPU, until
	// within one increment of the target.
	for {
		if stopped.Load() {
			return
		}
		elapsed := s.now().Sub(start)
		if elapsed >= delay-s.coarseSleepInterval {
			break
		}
		time.Sleep(s.coarseSleepInterval)
	}

	// Fine phase: short busy-wait bursts close the remaining gap with
	// higher accuracy than another coarse sleep would allow.
	for s.now().Sub(start) < delay {
		if stopped.Load() {
			return
		}
		for i := 0; i < s.spinBurst; i++ {
			runtime.Gosched()
		}
	}

	if elapsed := s.now().Sub(start); elapsed > delay+s.accuracyTolerance {
		s.logger.Warn("replay delay missed accuracy tolerance",
			"requested", delay,
			"actual", elapsed,
		)
	}
}
