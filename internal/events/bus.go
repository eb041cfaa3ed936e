// Package events provides the in-process event bus connecting the
// registry and scheduler to audit and metrics subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/logger"
)

// Type identifies the kind of event.
type Type string

const (
	// ExecutionStarted fires when the registry records a new execution.
	ExecutionStarted Type = "executionStarted"
	// OutputRecorded fires for each output chunk appended to an execution.
	OutputRecorded Type = "outputRecorded"
	// ExecutionCompleted fires when an execution is sealed.
	ExecutionCompleted Type = "executionCompleted"
	// JobDue fires when the scheduler dispatches a due job.
	JobDue Type = "jobDue"
)

// Event is the envelope for all bus traffic.
type Event struct {
	EventID     uuid.UUID               `json:"eventId"`
	Type        Type                    `json:"type"`
	JobID       string                  `json:"jobId,omitempty"`
	ExecutionID string                  `json:"executionId,omitempty"`
	Stream      string                  `json:"stream,omitempty"`
	Data        []byte                  `json:"data,omitempty"`
	Record      *domain.ExecutionRecord `json:"record,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

type subscriber struct {
	id uint64
	ch chan Event
}

// Bus fans events out to subscriber channels. Publishing never blocks:
// when a subscriber's buffer is full the oldest event is dropped.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	log     logger.Interface
}

// NewBus creates an event bus.
func NewBus(log logger.Interface) *Bus {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Bus{log: log.WithComponent("events")}
}

// Subscribe registers a buffered channel. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{id: b.nextID, ch: make(chan Event, buffer)}
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Full buffer: make room by dropping the oldest event.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many events were discarded on full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
