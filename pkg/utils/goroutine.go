// Package utils provides shared test support helpers.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector asserts that a test leaves the goroutine count
// where it found it. Serve loops and dispatcher timers unwind
// asynchronously after close, so Check polls until the count settles
// instead of reading it once.
type GoroutineLeakDetector struct {
	tb            testing.TB
	initialCount  int
	allowedGrowth int
	settleTimeout time.Duration
	pollInterval  time.Duration
}

// NewGoroutineLeakDetector creates a detector reporting through tb.
func NewGoroutineLeakDetector(tb testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		tb:            tb,
		allowedGrowth: 0,
		settleTimeout: 2 * time.Second,
		pollInterval:  50 * time.Millisecond,
	}
}

// SetAllowedGrowth permits n goroutines beyond the baseline to remain.
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetSettleTimeout bounds how long Check waits for the count to drop.
func (d *GoroutineLeakDetector) SetSettleTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.settleTimeout = timeout
	return d
}

// Start records the baseline goroutine count.
func (d *GoroutineLeakDetector) Start() {
	d.initialCount = runtime.NumGoroutine()
}

// Check polls until the goroutine count returns to the baseline plus the
// allowed growth. If it never does, the test fails with all goroutine
// stacks attached.
func (d *GoroutineLeakDetector) Check() {
	d.tb.Helper()

	target := d.initialCount + d.allowedGrowth
	deadline := time.Now().Add(d.settleTimeout)

	var current int
	for {
		runtime.GC()
		current = runtime.NumGoroutine()
		if current <= target {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(d.pollInterval)
	}

	buf := make([]byte, 1<<20)
	stackLen := runtime.Stack(buf, true)
	d.tb.Errorf("Goroutine leak detected: started with %d, still %d after %s (allowed growth: %d)\n%s",
		d.initialCount, current, d.settleTimeout, d.allowedGrowth, buf[:stackLen])
}
