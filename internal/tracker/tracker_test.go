package tracker

import (
	"sync"
	"testing"
	"time"
)

type captureNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (notifier *captureNotifier) Enqueue(notification Notification) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.notifications = append(notifier.notifications, notification)
}

func (notifier *captureNotifier) all() []Notification {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	out := make([]Notification, len(notifier.notifications))
	copy(out, notifier.notifications)
	return out
}

func newTestTracker(notifier Notifier, now func() time.Time) *Tracker {
	return New(Options{Notifier: notifier, Now: now})
}

func TestCompletionDoesNotTouchOtherRequests(t *testing.T) {
	notifier := &captureNotifier{}
	tracker := newTestTracker(notifier, nil)
	tracker.Register("req-1-1", "claude", "first", time.Minute, 0)
	tracker.Register("req-1-2", "claude", "second", time.Minute, 0)

	if !tracker.MarkCompleted("req-1-1", "done", false) {
		t.Fatal("completion rejected")
	}

	first, _ := tracker.Get("req-1-1")
	second, _ := tracker.Get("req-1-2")
	if first.State != StateCompleted {
		t.Fatalf("first state = %s", first.State)
	}
	if second.State != StatePending {
		t.Fatalf("second state = %s, want pending", second.State)
	}
	if got := notifier.all(); len(got) != 1 || got[0].RequestID != "req-1-1" {
		t.Fatalf("notifications = %+v", got)
	}
}

func TestTerminalTransitionIsOneShot(t *testing.T) {
	notifier := &captureNotifier{}
	tracker := newTestTracker(notifier, nil)
	tracker.Register("req-1-1", "claude", "p", time.Minute, 0)

	if !tracker.MarkTimedOut("req-1-1") {
		t.Fatal("timeout rejected")
	}
	// A completion that arrives after the timeout must not overwrite it.
	if tracker.MarkCompleted("req-1-1", "late", false) {
		t.Fatal("late completion accepted after timeout")
	}
	if tracker.MarkTimedOut("req-1-1") {
		t.Fatal("second timeout accepted")
	}

	snapshot, _ := tracker.Get("req-1-1")
	if snapshot.State != StateTimedOut {
		t.Fatalf("state = %s, want timed_out", snapshot.State)
	}
	if len(notifier.all()) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notifier.all()))
	}
}

func TestDuplicateIDPanics(t *testing.T) {
	tracker := newTestTracker(nil, nil)
	tracker.Register("req-1-1", "claude", "p", time.Minute, 0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate id")
		}
	}()
	tracker.Register("req-1-1", "claude", "p", time.Minute, 0)
}

func TestAppendOutputRespectsWatermark(t *testing.T) {
	tracker := newTestTracker(nil, nil)
	tracker.Register("req-1-1", "claude", "p", time.Minute, 100)

	tracker.AppendOutput("claude", 50, "before registration")
	tracker.AppendOutput("claude", 150, "after registration")

	pending := tracker.Pending("claude")
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	if pending[0].Output != "after registration" {
		t.Fatalf("output = %q", pending[0].Output)
	}
}

func TestRebaseClearsOutputAndStaysPending(t *testing.T) {
	tracker := newTestTracker(nil, nil)
	tracker.Register("req-1-1", "claude", "p", time.Minute, 0)
	tracker.AppendOutput("claude", 10, "stale session output")

	tracker.Rebase("claude", 0)

	pending := tracker.Pending("claude")
	if len(pending) != 1 {
		t.Fatal("request dropped by rebase")
	}
	if pending[0].Output != "" {
		t.Fatalf("output survived rebase: %q", pending[0].Output)
	}
	tracker.AppendOutput("claude", 0, "fresh")
	if got := tracker.Pending("claude")[0].Output; got != "fresh" {
		t.Fatalf("output = %q", got)
	}
}

func TestCancelFlagsWithoutTerminating(t *testing.T) {
	tracker := newTestTracker(nil, nil)
	tracker.Register("req-1-1", "claude", "p", time.Minute, 0)

	if err := tracker.Cancel("req-1-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snapshot, _ := tracker.Get("req-1-1")
	if snapshot.State != StatePending {
		t.Fatalf("cancel terminated directly: %s", snapshot.State)
	}
	if !tracker.Pending("claude")[0].CancelRequested {
		t.Fatal("cancel flag not visible to the poll loop")
	}
	if err := tracker.Cancel("ghost"); err != ErrUnknownRequest {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestFailAll(t *testing.T) {
	notifier := &captureNotifier{}
	tracker := newTestTracker(notifier, nil)
	tracker.Register("req-1-1", "claude", "p", time.Minute, 0)
	tracker.Register("req-1-2", "claude", "p", time.Minute, 0)
	tracker.Register("req-1-3", "codex", "p", time.Minute, 0)
	tracker.MarkCompleted("req-1-1", "done", false)

	failed := tracker.FailAll("claude", "transcript unreadable")
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	other, _ := tracker.Get("req-1-3")
	if other.State != StatePending {
		t.Fatalf("other backend affected: %s", other.State)
	}
}

func TestEvictExpired(t *testing.T) {
	current := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	tracker := New(Options{Retention: time.Minute, Now: now})
	tracker.Register("req-1-1", "claude", "p", time.Minute, 0)
	tracker.MarkCompleted("req-1-1", "done", false)

	current = current.Add(30 * time.Second)
	if tracker.EvictExpired() != 0 {
		t.Fatal("evicted inside the retention window")
	}

	current = current.Add(2 * time.Minute)
	if tracker.EvictExpired() != 1 {
		t.Fatal("expected eviction after retention")
	}
	if _, ok := tracker.Get("req-1-1"); ok {
		t.Fatal("evicted request still queryable")
	}
}

func TestSnapshotElapsed(t *testing.T) {
	current := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	tracker := New(Options{Now: now})
	tracker.Register("req-1-1", "claude", "p", time.Minute, 0)

	current = current.Add(3 * time.Second)
	snapshot, _ := tracker.Get("req-1-1")
	if snapshot.Elapsed != 3*time.Second {
		t.Fatalf("pending elapsed = %s", snapshot.Elapsed)
	}

	tracker.MarkCompleted("req-1-1", "done", true)
	current = current.Add(time.Hour)
	snapshot, _ = tracker.Get("req-1-1")
	if snapshot.Elapsed != 3*time.Second {
		t.Fatalf("terminal elapsed kept growing: %s", snapshot.Elapsed)
	}
	if !snapshot.SoftMatch {
		t.Fatal("soft match flag lost")
	}
}
