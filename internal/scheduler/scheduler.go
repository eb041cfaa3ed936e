// Package scheduler decides when recurring jobs fire. One control loop
// owns a min-heap of upcoming runs and hands due jobs to a Dispatcher.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/events"
	"github.com/gwicho38/lsh/internal/logger"
)

var (
	// ErrNotRunning is returned when the scheduler loop is stopped.
	ErrNotRunning = errors.New("scheduler not running")

	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// Default check bounds. The loop never sleeps less than the minimum or
// more than the maximum, and treats jobs inside the due buffer as due.
const (
	DefaultMinCheckInterval = 100 * time.Millisecond
	DefaultMaxCheckInterval = 60 * time.Second
	DefaultDueBuffer        = 50 * time.Millisecond
)

// Dispatcher receives due jobs. Dispatch errors are isolated per job.
type Dispatcher interface {
	Dispatch(ctx context.Context, spec *domain.JobSpec) error
}

// Config bounds the control loop.
type Config struct {
	MinCheckInterval time.Duration
	MaxCheckInterval time.Duration
	DueBuffer        time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinCheckInterval <= 0 {
		c.MinCheckInterval = DefaultMinCheckInterval
	}
	if c.MaxCheckInterval <= 0 {
		c.MaxCheckInterval = DefaultMaxCheckInterval
	}
	if c.DueBuffer <= 0 {
		c.DueBuffer = DefaultDueBuffer
	}
}

// entry is one scheduled job in the heap.
type entry struct {
	jobID     string
	spec      *domain.JobSpec
	nextRun   int64 // epoch milliseconds
	priority  int
	lastRun   time.Time
	cronSched cron.Schedule
	index     int
}

// entryLess orders by next run, then priority (higher first), then id.
func entryLess(a, b *entry) bool {
	if a.nextRun != b.nextRun {
		return a.nextRun < b.nextRun
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.jobID < b.jobID
}

type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return entryLess(h[i], h[j]) }

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Metrics is a point-in-time snapshot of loop activity.
type Metrics struct {
	HeapSize       int       `json:"heapSize"`
	Sweeps         uint64    `json:"sweeps"`
	JobsDispatched uint64    `json:"jobsDispatched"`
	LastSweepAt    time.Time `json:"lastSweepAt"`
}

// Scheduler owns the heap and the control loop.
type Scheduler struct {
	cfg        Config
	dispatcher Dispatcher
	bus        *events.Bus
	log        logger.Interface

	// State, guarded by mu
	mu      sync.Mutex
	heap    jobHeap
	entries map[string]*entry
	running bool

	// Loop activity, guarded by mu
	sweeps         uint64
	jobsDispatched uint64
	lastSweepAt    time.Time

	wake     chan struct{}
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates a scheduler. Jobs can be added before Start.
func New(cfg Config, dispatcher Dispatcher, bus *events.Bus, log logger.Interface) *Scheduler {
	if log == nil {
		log = logger.NewNoOp()
	}
	cfg.applyDefaults()
	return &Scheduler{
		cfg:        cfg,
		dispatcher: dispatcher,
		bus:        bus,
		log:        log.WithComponent("scheduler"),
		entries:    make(map[string]*entry),
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Start launches the control loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(loopCtx)

	s.log.Info("scheduler started",
		"min_check", s.cfg.MinCheckInterval.String(),
		"max_check", s.cfg.MaxCheckInterval.String())
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancelFn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// AddJob schedules a job. The schedule is validated here; a job already
// scheduled is ALREADY_EXISTS.
func (s *Scheduler) AddJob(spec *domain.JobSpec) error {
	if spec == nil {
		return domain.E(domain.KindInvalidInput, "job spec is required")
	}
	if err := ValidateSchedule(spec.Schedule); err != nil {
		return err
	}

	e := &entry{
		jobID:    spec.ID,
		spec:     spec.Clone(),
		priority: spec.Priority,
	}

	now := s.now()
	switch spec.Schedule.Kind {
	case domain.ScheduleInterval:
		e.nextRun = nextInterval(spec.Schedule, time.Time{}, now).UnixMilli()
	case domain.ScheduleCron:
		sched, err := parseCron(spec.Schedule.Cron)
		if err != nil {
			return err
		}
		e.cronSched = sched
		e.nextRun = sched.Next(now).UnixMilli()
	default:
		// One-shot: due immediately, dropped after dispatch.
		e.nextRun = now.UnixMilli()
	}

	s.mu.Lock()
	if _, ok := s.entries[spec.ID]; ok {
		s.mu.Unlock()
		return domain.AlreadyExists("scheduled job", spec.ID)
	}
	s.entries[spec.ID] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	s.wakeLoop()
	s.log.Debug("job scheduled",
		"job_id", spec.ID,
		"next_run", time.UnixMilli(e.nextRun).Format(time.RFC3339))
	return nil
}

// RemoveJob drops a job from the heap.
func (s *Scheduler) RemoveJob(jobID string) error {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("scheduled job", jobID)
	}
	delete(s.entries, jobID)
	heap.Remove(&s.heap, e.index)
	s.mu.Unlock()

	s.wakeLoop()
	return nil
}

// UpdateJob is equivalent to RemoveJob followed by AddJob.
func (s *Scheduler) UpdateJob(spec *domain.JobSpec) error {
	if spec == nil {
		return domain.E(domain.KindInvalidInput, "job spec is required")
	}
	if err := s.RemoveJob(spec.ID); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		return err
	}
	return s.AddJob(spec)
}

// MarkTriggered resets an interval job's anchor after a manual run, so
// the next automatic fire is a full interval away. Cron jobs keep their
// wall-clock alignment.
func (s *Scheduler) MarkTriggered(jobID string) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok || e.spec.Schedule.Kind != domain.ScheduleInterval {
		return
	}
	e.lastRun = now
	e.nextRun = nextInterval(e.spec.Schedule, now, now).UnixMilli()
	heap.Fix(&s.heap, e.index)
	s.wakeLoop()
}

// NextRunTime reports a job's next fire time.
func (s *Scheduler) NextRunTime(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(e.nextRun), true
}

// GetDueJobs returns jobs inside the due buffer without dispatching
// them, soonest first.
func (s *Scheduler) GetDueJobs() []*domain.JobSpec {
	dueLine := s.now().Add(s.cfg.DueBuffer).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*entry, 0)
	for _, e := range s.heap {
		if e.nextRun <= dueLine {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return entryLess(due[i], due[j]) })

	out := make([]*domain.JobSpec, len(due))
	for i, e := range due {
		out[i] = e.spec.Clone()
	}
	return out
}

// JobCount reports how many jobs are scheduled.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Metrics snapshots loop activity.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		HeapSize:       len(s.heap),
		Sweeps:         s.sweeps,
		JobsDispatched: s.jobsDispatched,
		LastSweepAt:    s.lastSweepAt,
	}
}

// run is the control loop: sleep until the next job is due, sweep,
// repeat. Adds and removes interrupt the sleep through the wake
// channel.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(s.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.sweep(ctx)
	}
}

// nextWait clamps the time until the soonest job to the check bounds.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.heap) == 0 {
		return s.cfg.MaxCheckInterval
	}
	until := time.UnixMilli(s.heap[0].nextRun).Sub(s.now())
	if until < s.cfg.MinCheckInterval {
		return s.cfg.MinCheckInterval
	}
	if until > s.cfg.MaxCheckInterval {
		return s.cfg.MaxCheckInterval
	}
	return until
}

// sweep pops everything due, reschedules recurring jobs, and
// dispatches outside the lock.
func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	dueLine := now.Add(s.cfg.DueBuffer).UnixMilli()

	s.mu.Lock()
	var due []*domain.JobSpec
	for len(s.heap) > 0 && s.heap[0].nextRun <= dueLine {
		e := heap.Pop(&s.heap).(*entry)
		due = append(due, e.spec.Clone())

		switch e.spec.Schedule.Kind {
		case domain.ScheduleInterval:
			e.lastRun = now
			e.nextRun = nextInterval(e.spec.Schedule, now, now).UnixMilli()
			heap.Push(&s.heap, e)
		case domain.ScheduleCron:
			e.nextRun = e.cronSched.Next(now).UnixMilli()
			heap.Push(&s.heap, e)
		default:
			delete(s.entries, e.jobID)
		}
	}
	s.sweeps++
	s.jobsDispatched += uint64(len(due))
	s.lastSweepAt = now
	s.mu.Unlock()

	for _, spec := range due {
		if s.bus != nil {
			s.bus.Publish(events.Event{Type: events.JobDue, JobID: spec.ID})
		}
		if s.dispatcher == nil {
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, spec); err != nil {
			// One failing job must not starve the others.
			s.log.Error("dispatch failed", "job_id", spec.ID, "error", err)
		}
	}
}

// wakeLoop nudges the control loop. Non-blocking, safe under mu.
func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
