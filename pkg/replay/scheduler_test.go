package replay

import (
	"bytes"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testScheduler() *delayScheduler {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	s := newDelayScheduler(logger)
	s.coarseSleepInterval = time.Millisecond
	s.spinBurst = 10
	return s
}

func TestDelayScheduler_NoOffsetReturnsImmediately(t *testing.T) {
	s := testScheduler()
	var stopped atomic.Bool

	start := time.Now()
	s.Wait(NoOffset, &stopped)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
	assert.False(t, s.anchorSet.Load(), "NoOffset must not anchor the scheduler")
}

func TestDelayScheduler_AnchorsOnlyOnce(t *testing.T) {
	s := testScheduler()
	var stopped atomic.Bool

	s.Wait(0, &stopped)
	firstAnchor := s.anchor

	s.Wait(5*time.Millisecond, &stopped)
	assert.Equal(t, firstAnchor, s.anchor, "anchor must never move after the first Wait")
}

func TestDelayScheduler_WaitsUntilTarget(t *testing.T) {
	s := testScheduler()
	var stopped atomic.Bool

	s.Wait(0, &stopped) // anchors at "now"
	start := time.Now()
	s.Wait(30*time.Millisecond, &stopped)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestDelayScheduler_FallingBehindDoesNotBlock(t *testing.T) {
	s := testScheduler()
	s.fallBehindThreshold = 10 * time.Millisecond
	var stopped atomic.Bool

	s.anchor = time.Now().Add(-time.Second)
	s.anchorSet.Store(true)

	start := time.Now()
	s.Wait(0, &stopped) // far in the past relative to anchor+offset
	assert.Less(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, int64(1), s.ConsecutiveSkippedDelays())
}

func TestDelayScheduler_SlightlyBehindExecutesImmediatelyWithoutCountingAsSkip(t *testing.T) {
	s := testScheduler()
	s.fallBehindThreshold = time.Second
	var stopped atomic.Bool

	s.anchor = time.Now().Add(-50 * time.Millisecond)
	s.anchorSet.Store(true)

	s.Wait(0, &stopped)
	assert.Equal(t, int64(0), s.ConsecutiveSkippedDelays())
}

func TestDelayScheduler_StoppedAbortsWait(t *testing.T) {
	s := testScheduler()
	var stopped atomic.Bool
	stopped.Store(true)

	s.Wait(0, &stopped)
	start := time.Now()
	s.Wait(time.Second, &stopped)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "a stopped worker must not block on a future offset")
}
