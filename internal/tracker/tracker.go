// Package tracker owns the lifecycle of submitted requests: registration,
// accumulation of backend output, terminal transitions, and retention. A
// terminal transition happens exactly once per request and is the single
// place a notification is enqueued.
package tracker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"askbridge/internal/logging"
	"askbridge/internal/metrics"
)

type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

func (state State) Terminal() bool {
	return state == StateCompleted || state == StateTimedOut || state == StateFailed
}

const (
	// DefaultRetention keeps terminal requests queryable after delivery.
	DefaultRetention = 10 * time.Minute

	// ReasonCancelled marks a failure caused by an explicit cancel.
	ReasonCancelled = "cancelled"
)

var ErrUnknownRequest = errors.New("unknown request")

// Notification describes a terminal transition. One is emitted per request.
type Notification struct {
	RequestID string    `json:"request_id"`
	Backend   string    `json:"backend"`
	State     State     `json:"state"`
	SoftMatch bool      `json:"soft_match,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives terminal notifications. Implementations must not block;
// the dispatcher queues internally.
type Notifier interface {
	Enqueue(Notification)
}

type request struct {
	id          string
	backend     string
	payload     string
	timeout     time.Duration
	submittedAt time.Time
	deadline    time.Time

	// watermark is the transcript offset at registration (or after a
	// rebase); output before it belongs to earlier exchanges.
	watermark int64
	output    strings.Builder

	state           State
	softMatch       bool
	result          string
	failure         string
	completedAt     time.Time
	cancelRequested bool
}

// Snapshot is the lock-free view handed to the API and the dispatcher.
type Snapshot struct {
	ID          string        `json:"request_id"`
	Backend     string        `json:"backend"`
	State       State         `json:"state"`
	SoftMatch   bool          `json:"soft_match,omitempty"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Timeout     time.Duration `json:"-"`
	Elapsed     time.Duration `json:"-"`
}

// PendingView is the per-cycle view the poll loop works from.
type PendingView struct {
	ID              string
	Output          string
	SubmittedAt     time.Time
	Deadline        time.Time
	CancelRequested bool
}

type Options struct {
	Retention time.Duration
	Notifier  Notifier
	Logger    *logging.Logger
	Metrics   *metrics.Registry
	Now       func() time.Time
}

// Tracker is safe for concurrent use by the API handlers and the poll loops.
type Tracker struct {
	mu        sync.Mutex
	requests  map[string]*request
	byBackend map[string]map[string]*request

	retention time.Duration
	notifier  Notifier
	logger    *logging.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

func New(options Options) *Tracker {
	retention := options.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		requests:  make(map[string]*request),
		byBackend: make(map[string]map[string]*request),
		retention: retention,
		notifier:  options.Notifier,
		logger:    options.Logger,
		metrics:   options.Metrics,
		now:       now,
	}
}

// Register adds a pending request. The id must be fresh; reusing one is a
// bug in the caller and panics.
func (tracker *Tracker) Register(id, backend, payload string, timeout time.Duration, watermark int64) Snapshot {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	if _, exists := tracker.requests[id]; exists {
		panic(fmt.Sprintf("tracker: duplicate request id %s", id))
	}

	submitted := tracker.now().UTC()
	entry := &request{
		id:          id,
		backend:     backend,
		payload:     payload,
		timeout:     timeout,
		submittedAt: submitted,
		deadline:    submitted.Add(timeout),
		watermark:   watermark,
		state:       StatePending,
	}
	tracker.requests[id] = entry
	inflight := tracker.byBackend[backend]
	if inflight == nil {
		inflight = make(map[string]*request)
		tracker.byBackend[backend] = inflight
	}
	inflight[id] = entry

	tracker.logInfo("request registered", map[string]string{
		"request": id,
		"backend": backend,
		"timeout": timeout.String(),
	})
	return entry.snapshot(tracker.now())
}

// Get reports a request's current state.
func (tracker *Tracker) Get(id string) (Snapshot, bool) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	entry, ok := tracker.requests[id]
	if !ok {
		return Snapshot{}, false
	}
	return entry.snapshot(tracker.now()), true
}

// Cancel flags a request for cancellation. The owning poll loop applies the
// flag at the start of its next cycle. Cancelling a terminal request is a
// no-op.
func (tracker *Tracker) Cancel(id string) error {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	entry, ok := tracker.requests[id]
	if !ok {
		return ErrUnknownRequest
	}
	if entry.state.Terminal() {
		return nil
	}
	entry.cancelRequested = true
	return nil
}

// AppendOutput feeds a slice of backend output to every pending request on
// the backend whose watermark precedes it.
func (tracker *Tracker) AppendOutput(backend string, offset int64, text string) {
	if text == "" {
		return
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	for _, entry := range tracker.byBackend[backend] {
		if entry.state != StatePending || offset < entry.watermark {
			continue
		}
		if entry.output.Len() > 0 {
			entry.output.WriteByte('\n')
		}
		entry.output.WriteString(text)
	}
}

// Pending returns the poll-cycle view of the backend's in-flight requests.
func (tracker *Tracker) Pending(backend string) []PendingView {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	views := make([]PendingView, 0, len(tracker.byBackend[backend]))
	for _, entry := range tracker.byBackend[backend] {
		if entry.state != StatePending {
			continue
		}
		views = append(views, PendingView{
			ID:              entry.id,
			Output:          entry.output.String(),
			SubmittedAt:     entry.submittedAt,
			Deadline:        entry.deadline,
			CancelRequested: entry.cancelRequested,
		})
	}
	return views
}

// Rebase moves every pending request on the backend to a fresh transcript
// position after a session rotation. Accumulated output from the abandoned
// session is discarded; the requests stay pending.
func (tracker *Tracker) Rebase(backend string, watermark int64) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	for _, entry := range tracker.byBackend[backend] {
		if entry.state != StatePending {
			continue
		}
		entry.watermark = watermark
		entry.output.Reset()
	}
}

// MarkCompleted records a completion. Returns false when the request is
// unknown or already terminal.
func (tracker *Tracker) MarkCompleted(id, result string, soft bool) bool {
	return tracker.transition(id, func(entry *request) {
		entry.state = StateCompleted
		entry.result = result
		entry.softMatch = soft
		if tracker.metrics != nil {
			tracker.metrics.IncCompletion(entry.backend, soft)
		}
		level := tracker.logInfo
		if soft {
			level = tracker.logWarn
		}
		level("request completed", map[string]string{
			"request":    id,
			"backend":    entry.backend,
			"soft_match": fmt.Sprintf("%t", soft),
		})
	})
}

// MarkTimedOut records a deadline expiry.
func (tracker *Tracker) MarkTimedOut(id string) bool {
	return tracker.transition(id, func(entry *request) {
		entry.state = StateTimedOut
		entry.failure = fmt.Sprintf("no completion within %s", entry.timeout)
		if tracker.metrics != nil {
			tracker.metrics.IncTimeout(entry.backend)
		}
		tracker.logWarn("request timed out", map[string]string{
			"request": id,
			"backend": entry.backend,
			"timeout": entry.timeout.String(),
		})
	})
}

// MarkFailed records a failure with a reason.
func (tracker *Tracker) MarkFailed(id, reason string) bool {
	return tracker.transition(id, func(entry *request) {
		entry.state = StateFailed
		entry.failure = reason
		if tracker.metrics != nil && reason == ReasonCancelled {
			tracker.metrics.IncCancellation(entry.backend)
		}
		tracker.logWarn("request failed", map[string]string{
			"request": id,
			"backend": entry.backend,
			"reason":  reason,
		})
	})
}

// FailAll fails every pending request on a backend, for unrecoverable
// backend-level errors such as an exhausted read budget.
func (tracker *Tracker) FailAll(backend, reason string) int {
	tracker.mu.Lock()
	var ids []string
	for id, entry := range tracker.byBackend[backend] {
		if entry.state == StatePending {
			ids = append(ids, id)
		}
	}
	tracker.mu.Unlock()

	failed := 0
	for _, id := range ids {
		if tracker.MarkFailed(id, reason) {
			failed++
		}
	}
	return failed
}

// EvictExpired drops terminal requests older than the retention window.
func (tracker *Tracker) EvictExpired() int {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	cutoff := tracker.now().Add(-tracker.retention)
	evicted := 0
	for id, entry := range tracker.requests {
		if !entry.state.Terminal() || entry.completedAt.After(cutoff) {
			continue
		}
		delete(tracker.requests, id)
		if inflight := tracker.byBackend[entry.backend]; inflight != nil {
			delete(inflight, id)
		}
		evicted++
	}
	return evicted
}

// PendingCount reports in-flight requests per backend.
func (tracker *Tracker) PendingCount(backend string) int {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	count := 0
	for _, entry := range tracker.byBackend[backend] {
		if entry.state == StatePending {
			count++
		}
	}
	return count
}

// transition applies a terminal mutation one-shot. The first terminal state
// wins; later attempts are dropped.
func (tracker *Tracker) transition(id string, apply func(*request)) bool {
	tracker.mu.Lock()
	entry, ok := tracker.requests[id]
	if !ok || entry.state.Terminal() {
		tracker.mu.Unlock()
		return false
	}
	apply(entry)
	entry.completedAt = tracker.now().UTC()
	notification := Notification{
		RequestID: entry.id,
		Backend:   entry.backend,
		State:     entry.state,
		SoftMatch: entry.softMatch,
		Result:    entry.result,
		Error:     entry.failure,
		At:        entry.completedAt,
	}
	notifier := tracker.notifier
	tracker.mu.Unlock()

	if notifier != nil {
		notifier.Enqueue(notification)
	}
	return true
}

func (entry *request) snapshot(now time.Time) Snapshot {
	snapshot := Snapshot{
		ID:          entry.id,
		Backend:     entry.backend,
		State:       entry.state,
		SoftMatch:   entry.softMatch,
		Result:      entry.result,
		Error:       entry.failure,
		SubmittedAt: entry.submittedAt,
		Timeout:     entry.timeout,
	}
	if entry.state.Terminal() {
		completed := entry.completedAt
		snapshot.CompletedAt = &completed
		snapshot.Elapsed = completed.Sub(entry.submittedAt)
	} else {
		snapshot.Elapsed = now.Sub(entry.submittedAt)
	}
	return snapshot
}

func (tracker *Tracker) logInfo(message string, fields map[string]string) {
	if tracker.logger != nil {
		tracker.logger.Info(message, fields)
	}
}

func (tracker *Tracker) logWarn(message string, fields map[string]string) {
	if tracker.logger != nil {
		tracker.logger.Warn(message, fields)
	}
}
