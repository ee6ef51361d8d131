package dispatch

import (
	"errors"
	"testing"
	"time"

	"askbridge/internal/metrics"
	"askbridge/internal/tracker"
)

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if condition() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(message)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDispatcherDeliversOnce(t *testing.T) {
	sink := NewMemorySink()
	dispatcher := New(Options{Sinks: []Sink{sink}})
	t.Cleanup(dispatcher.Close)

	dispatcher.Enqueue(tracker.Notification{RequestID: "req-1-1", State: tracker.StateCompleted})
	waitFor(t, func() bool { return len(sink.Notifications()) == 1 }, "notification not delivered")

	// Nothing further should arrive.
	time.Sleep(20 * time.Millisecond)
	if got := sink.Notifications(); len(got) != 1 {
		t.Fatalf("delivered %d times", len(got))
	}
}

func TestDispatcherEnqueueNeverBlocks(t *testing.T) {
	sink := NewMemorySink()
	release := sink.Block()
	registry := &metrics.Registry{}
	dispatcher := New(Options{QueueSize: 1, Sinks: []Sink{sink}, Metrics: registry})
	t.Cleanup(func() {
		close(release)
		dispatcher.Close()
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			dispatcher.Enqueue(tracker.Notification{RequestID: "req-1-1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a slow sink")
	}
	if registry.Snapshot().NotificationsDropped == 0 {
		t.Fatal("expected dropped notifications to be counted")
	}
}

func TestDispatcherSlowSinkTimesOut(t *testing.T) {
	sink := NewMemorySink()
	release := sink.Block()
	registry := &metrics.Registry{}
	dispatcher := New(Options{
		DeliveryTimeout: 20 * time.Millisecond,
		Sinks:           []Sink{sink},
		Metrics:         registry,
	})
	t.Cleanup(func() {
		close(release)
		dispatcher.Close()
	})

	dispatcher.Enqueue(tracker.Notification{RequestID: "req-1-1"})
	waitFor(t, func() bool { return registry.Snapshot().NotificationsFailed == 1 },
		"wedged sink delivery was not abandoned")
}

func TestDispatcherSinkErrorCounted(t *testing.T) {
	sink := NewMemorySink()
	sink.SetError(errors.New("destination refused"))
	registry := &metrics.Registry{}
	dispatcher := New(Options{Sinks: []Sink{sink}, Metrics: registry})
	t.Cleanup(dispatcher.Close)

	dispatcher.Enqueue(tracker.Notification{RequestID: "req-1-1"})
	waitFor(t, func() bool { return registry.Snapshot().NotificationsFailed == 1 },
		"sink error not counted")
}

func TestDispatcherCloseDrains(t *testing.T) {
	sink := NewMemorySink()
	dispatcher := New(Options{Sinks: []Sink{sink}})
	for i := 0; i < 5; i++ {
		dispatcher.Enqueue(tracker.Notification{RequestID: "req-1-1"})
	}
	dispatcher.Close()
	if got := len(sink.Notifications()); got != 5 {
		t.Fatalf("drained %d of 5", got)
	}
}
