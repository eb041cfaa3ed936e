package scheduler

import (
	"context"
	"time"
)

// SetNowForTest overrides the scheduler clock.
func (s *Scheduler) SetNowForTest(now func() time.Time) {
	s.now = now
}

// NextWaitForTest exposes the adaptive sleep computation.
func (s *Scheduler) NextWaitForTest() time.Duration {
	return s.nextWait()
}

// SweepForTest runs one sweep synchronously.
func (s *Scheduler) SweepForTest() {
	s.sweep(context.Background())
}
