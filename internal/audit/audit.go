// Package audit records who did what to the daemon. Every mutating
// operation on the control plane produces one event; events are
// persisted through the storage backend's audit collection.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/storage"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
}

// Retry and buffering policy for failed writes.
const (
	retryBase   = 100 * time.Millisecond
	retryCap    = 2 * time.Second
	retryInline = 3
	queueLimit  = 1000
	drainEvery  = 60 * time.Second
	maxEntryAge = 24 * time.Hour
)

// Logger persists audit events. Write failures are retried inline with
// exponential backoff, then parked in a bounded in-memory queue drained
// periodically. Audit trouble never fails a caller's operation.
type Logger struct {
	store storage.Store
	log   logger.Interface
	now   func() time.Time
	sleep func(time.Duration)

	mu     sync.Mutex
	queue  []Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an audit logger and starts its drain loop.
func New(store storage.Store, log logger.Interface) *Logger {
	if log == nil {
		log = logger.NewNoOp()
	}
	l := &Logger{
		store: store,
		log:   log.WithComponent("audit"),
		now:   time.Now,
		sleep: time.Sleep,
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.drainLoop(ctx)
	return l
}

// Record persists one event. Never returns an error: a failed write is
// queued for the drain loop.
func (l *Logger) Record(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	if l.writeWithRetry(ctx, ev) {
		return
	}

	l.mu.Lock()
	if len(l.queue) >= queueLimit {
		// Bounded queue: the oldest entry makes room.
		l.queue = l.queue[1:]
	}
	l.queue = append(l.queue, ev)
	depth := len(l.queue)
	l.mu.Unlock()

	l.log.Warn("audit write failed, event queued", "event_id", ev.ID, "queue_depth", depth)
}

func (l *Logger) writeWithRetry(ctx context.Context, ev Event) bool {
	delay := retryBase
	for attempt := 0; attempt < retryInline; attempt++ {
		if attempt > 0 {
			l.sleep(delay)
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}
		if err := l.store.Put(ctx, storage.CollectionAudit, ev.ID, ev); err == nil {
			return true
		}
	}
	return false
}

// drainLoop retries queued events periodically and drops entries older
// than the age cap.
func (l *Logger) drainLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Drain(ctx)
		}
	}
}

// Drain attempts one pass over the queue. Exposed so shutdown (and
// tests) can force a flush.
func (l *Logger) Drain(ctx context.Context) {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	cutoff := l.now().Add(-maxEntryAge)
	var kept []Event
	dropped := 0
	for _, ev := range pending {
		if ev.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		if err := l.store.Put(ctx, storage.CollectionAudit, ev.ID, ev); err != nil {
			kept = append(kept, ev)
		}
	}
	if dropped > 0 {
		l.log.Warn("dropped expired audit events", "count", dropped)
	}

	if len(kept) > 0 {
		l.mu.Lock()
		// Re-queue behind anything recorded while draining.
		l.queue = append(kept, l.queue...)
		if len(l.queue) > queueLimit {
			l.queue = l.queue[len(l.queue)-queueLimit:]
		}
		l.mu.Unlock()
	}
}

// QueueDepth reports how many events await retry.
func (l *Logger) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the drain loop after a final flush attempt.
func (l *Logger) Close() error {
	l.cancel()
	l.wg.Wait()
	l.Drain(context.Background())
	return nil
}
