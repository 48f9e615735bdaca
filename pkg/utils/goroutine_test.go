package utils

import (
	"testing"
	"time"
)

func TestLeakDetector(t *testing.T) {
	t.Run("CleanExit", func(t *testing.T) {
		det := NewGoroutineLeakDetector(t)
		det.Start()

		done := make(chan struct{})
		go func() {
			close(done)
		}()
		<-done

		det.Check()
	})

	t.Run("SettlesLateExits", func(t *testing.T) {
		det := NewGoroutineLeakDetector(t)
		det.Start()

		// Exits while Check is already polling.
		go func() {
			time.Sleep(200 * time.Millisecond)
		}()

		det.Check()
	})

	t.Run("ReportsLeak", func(t *testing.T) {
		rec := &recordingTB{TB: t}
		det := NewGoroutineLeakDetector(rec).SetSettleTimeout(300 * time.Millisecond)
		det.Start()

		block := make(chan struct{})
		defer close(block)
		go func() {
			<-block
		}()

		det.Check()

		if !rec.failed {
			t.Error("expected the detector to report a leak")
		}
	})

	t.Run("AllowedGrowth", func(t *testing.T) {
		det := NewGoroutineLeakDetector(t).
			SetAllowedGrowth(1).
			SetSettleTimeout(300 * time.Millisecond)
		det.Start()

		block := make(chan struct{})
		defer close(block)
		go func() {
			<-block
		}()

		det.Check()
	})
}

// recordingTB captures failure reports without failing the real test.
type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...interface{}) {
	r.failed = true
}
