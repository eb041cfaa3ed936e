package events_test

import (
	"testing"
	"time"

	"github.com/gwicho38/lsh/internal/events"
	"github.com/gwicho38/lsh/internal/logger"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(events.Event{Type: events.ExecutionStarted, JobID: "job-1", ExecutionID: "exec-1"})

	select {
	case ev := <-ch:
		if ev.Type != events.ExecutionStarted {
			t.Errorf("expected executionStarted, got %q", ev.Type)
		}
		if ev.JobID != "job-1" {
			t.Errorf("expected jobId job-1, got %q", ev.JobID)
		}
		if ev.EventID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Error("expected event id to be assigned")
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_DropOldestOnFullBuffer(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	defer bus.Close()

	ch, cancel := bus.Subscribe(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{Type: events.OutputRecorded, ExecutionID: "exec-1"})
	}

	if bus.Dropped() == 0 {
		t.Error("expected dropped counter to advance")
	}

	// Buffer holds the newest two events; the rest were discarded.
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received != 2 {
				t.Errorf("expected 2 buffered events, got %d", received)
			}
			return
		}
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()

	bus.Publish(events.Event{Type: events.JobDue, JobID: "job-1"})

	if _, open := <-ch; open {
		t.Error("expected channel closed after cancel")
	}
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	ch, _ := bus.Subscribe(1)

	bus.Close()
	bus.Close()

	bus.Publish(events.Event{Type: events.JobDue})

	if _, open := <-ch; open {
		t.Error("expected channel closed after bus close")
	}
}
