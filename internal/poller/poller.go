// Package poller runs one polling loop per backend. Each cycle applies
// pending cancellations, re-derives the backend's current session, reads new
// transcript output, runs completion detection, and only then sweeps
// deadlines, so a completion observed in a cycle always beats a timeout in
// the same cycle. Cycles never overlap: the loop is a single goroutine.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"askbridge/internal/logging"
	"askbridge/internal/metrics"
	"askbridge/internal/protocol"
	"askbridge/internal/tracker"
	"askbridge/internal/transcript"
)

const (
	DefaultInterval        = 1 * time.Second
	DefaultSoftMatchGrace  = 10 * time.Second
	DefaultReadRetryBudget = 5

	assistantRole = "assistant"
)

// ErrTranscriptRead marks a backend whose transcript stayed unreadable for a
// full retry budget.
var ErrTranscriptRead = errors.New("transcript read failed")

type Options struct {
	Backend  string
	Reader   transcript.Reader
	Tracker  *tracker.Tracker
	Detector protocol.Detector

	// Interval paces the loop when no wake hints arrive; defaults to 1s.
	Interval time.Duration
	// SoftMatchGrace is how long after submission relaxed marker matching
	// stays disabled; defaults to 10s.
	SoftMatchGrace time.Duration
	// ReadRetryBudget is the number of consecutive failing cycles tolerated
	// before all in-flight requests on the backend fail; defaults to 5.
	ReadRetryBudget int

	// Baselines persists read positions across restarts. Optional.
	Baselines *tracker.BaselineStore
	// Hints wakes the loop early when the transcript changed. Optional.
	Hints <-chan struct{}

	Logger  *logging.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Loop polls a single backend. Run it in its own goroutine.
type Loop struct {
	backend  string
	reader   transcript.Reader
	tracker  *tracker.Tracker
	detector protocol.Detector

	interval        time.Duration
	softMatchGrace  time.Duration
	readRetryBudget int

	baselines *tracker.BaselineStore
	hints     <-chan struct{}
	logger    *logging.Logger
	metrics   *metrics.Registry
	now       func() time.Time

	// baselineMu guards baseline and sessionSeen: the API goroutines read
	// the watermark while the loop advances it.
	baselineMu   sync.Mutex
	baseline     tracker.Baseline
	sessionSeen  bool
	readFailures int
}

func NewLoop(options Options) *Loop {
	interval := options.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	grace := options.SoftMatchGrace
	if grace <= 0 {
		grace = DefaultSoftMatchGrace
	}
	budget := options.ReadRetryBudget
	if budget <= 0 {
		budget = DefaultReadRetryBudget
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	loop := &Loop{
		backend:         options.Backend,
		reader:          options.Reader,
		tracker:         options.Tracker,
		detector:        options.Detector,
		interval:        interval,
		softMatchGrace:  grace,
		readRetryBudget: budget,
		baselines:       options.Baselines,
		hints:           options.Hints,
		logger:          options.Logger,
		metrics:         options.Metrics,
		now:             now,
	}
	loop.restoreBaseline()
	return loop
}

// Watermark returns the transcript offset a newly registered request should
// start from: the current baseline, so output that predates the request is
// never attributed to it.
func (loop *Loop) Watermark() int64 {
	loop.baselineMu.Lock()
	defer loop.baselineMu.Unlock()
	return loop.baseline.Offset
}

// Baseline reports the loop's current read position.
func (loop *Loop) Baseline() tracker.Baseline {
	loop.baselineMu.Lock()
	defer loop.baselineMu.Unlock()
	return loop.baseline
}

// Run polls until the context is cancelled.
func (loop *Loop) Run(ctx context.Context) {
	timer := time.NewTimer(loop.interval)
	defer timer.Stop()
	for {
		loop.Cycle()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(loop.interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-loop.hints:
		}
	}
}

// Cycle executes one poll pass. Exported so tests and the daemon's first
// synchronous pass can drive the loop directly.
func (loop *Loop) Cycle() {
	now := loop.now().UTC()
	if loop.metrics != nil {
		loop.metrics.IncPoll(loop.backend)
	}

	loop.applyCancellations()
	loop.resolveAndRead()
	loop.detect(now)
	loop.sweepDeadlines(now)
	loop.tracker.EvictExpired()
}

// applyCancellations runs first: a cancel flagged since the last cycle takes
// effect before any detection work.
func (loop *Loop) applyCancellations() {
	for _, view := range loop.tracker.Pending(loop.backend) {
		if view.CancelRequested {
			loop.tracker.MarkFailed(view.ID, tracker.ReasonCancelled)
		}
	}
}

func (loop *Loop) resolveAndRead() {
	sessionID, err := loop.reader.CurrentSessionID()
	if err != nil {
		if errors.Is(err, transcript.ErrNoSession) {
			// The backend has not produced a transcript yet. Not a read
			// failure; deadlines still advance.
			loop.logDebug("no session yet", nil)
			return
		}
		loop.countReadFailure(err)
		return
	}

	if sessionID != loop.Baseline().SessionID {
		loop.rebase(sessionID)
	}

	baseline := loop.Baseline()
	entries, consumed, err := loop.reader.ReadSince(baseline.SessionID, baseline.Offset)
	if err != nil {
		loop.countReadFailure(err)
		return
	}
	loop.readFailures = 0

	for _, entry := range entries {
		if entry.Role != assistantRole {
			continue
		}
		loop.tracker.AppendOutput(loop.backend, entry.ID, entry.Text)
	}
	if consumed != baseline.Offset {
		baseline.Offset = consumed
		baseline.CapturedAt = loop.now().UTC()
		loop.setBaseline(baseline)
		loop.persistBaseline()
	}
}

// rebase points the loop at a new session. Baseline session and offset are
// replaced together, in-flight requests move to the new tail and stay
// pending.
func (loop *Loop) rebase(sessionID string) {
	tail, err := loop.reader.TailOffset(sessionID)
	if err != nil {
		tail = 0
	}
	loop.baselineMu.Lock()
	rotated := loop.sessionSeen
	loop.baseline = tracker.Baseline{
		SessionID:  sessionID,
		Offset:     tail,
		CapturedAt: loop.now().UTC(),
	}
	loop.sessionSeen = true
	loop.baselineMu.Unlock()
	loop.tracker.Rebase(loop.backend, tail)
	loop.persistBaseline()

	if rotated {
		if loop.metrics != nil {
			loop.metrics.IncRotation(loop.backend)
		}
		loop.logInfo("session rotated", map[string]string{
			"session": sessionID,
			"tail":    strconv.FormatInt(tail, 10),
		})
		return
	}
	loop.logInfo("session bound", map[string]string{
		"session": sessionID,
		"tail":    strconv.FormatInt(tail, 10),
	})
}

func (loop *Loop) detect(now time.Time) {
	for _, view := range loop.tracker.Pending(loop.backend) {
		allowSoft := now.Sub(view.SubmittedAt) >= loop.softMatchGrace
		detection := loop.detector.Scan(view.Output, view.ID, allowSoft)
		if detection.Kind == protocol.MatchNone {
			continue
		}
		loop.tracker.MarkCompleted(view.ID, detection.Payload, detection.Kind == protocol.MatchSoft)
	}
}

// sweepDeadlines runs after detection so a completion observed this cycle
// wins over a timeout expiring in the same cycle.
func (loop *Loop) sweepDeadlines(now time.Time) {
	for _, view := range loop.tracker.Pending(loop.backend) {
		if !view.Deadline.After(now) {
			loop.tracker.MarkTimedOut(view.ID)
		}
	}
}

func (loop *Loop) countReadFailure(err error) {
	loop.readFailures++
	if loop.metrics != nil {
		loop.metrics.IncReadFailure(loop.backend)
	}
	loop.logWarn("transcript read failed", map[string]string{
		"error":    err.Error(),
		"failures": strconv.Itoa(loop.readFailures),
	})
	if loop.readFailures < loop.readRetryBudget {
		return
	}
	reason := fmt.Errorf("%w after %d attempts: %v", ErrTranscriptRead, loop.readFailures, err)
	loop.tracker.FailAll(loop.backend, reason.Error())
	loop.readFailures = 0
}

func (loop *Loop) restoreBaseline() {
	if loop.baselines == nil {
		return
	}
	baseline, err := loop.baselines.Load(loop.backend)
	if err != nil {
		loop.logWarn("baseline load failed", map[string]string{"error": err.Error()})
		return
	}
	if baseline.SessionID == "" {
		return
	}
	// Verify the persisted session still resolves; otherwise the first
	// cycle captures a fresh tail.
	if _, err := loop.reader.TailOffset(baseline.SessionID); err != nil {
		loop.logInfo("persisted session gone, starting fresh", map[string]string{
			"session": baseline.SessionID,
		})
		return
	}
	loop.baselineMu.Lock()
	loop.baseline = baseline
	loop.sessionSeen = true
	loop.baselineMu.Unlock()
}

func (loop *Loop) setBaseline(baseline tracker.Baseline) {
	loop.baselineMu.Lock()
	loop.baseline = baseline
	loop.baselineMu.Unlock()
}

func (loop *Loop) persistBaseline() {
	if loop.baselines == nil {
		return
	}
	if err := loop.baselines.Save(loop.backend, loop.Baseline()); err != nil {
		loop.logWarn("baseline save failed", map[string]string{"error": err.Error()})
	}
}

func (loop *Loop) logDebug(message string, fields map[string]string) {
	if loop.logger != nil {
		loop.logger.Debug(message, loop.withBackend(fields))
	}
}

func (loop *Loop) logInfo(message string, fields map[string]string) {
	if loop.logger != nil {
		loop.logger.Info(message, loop.withBackend(fields))
	}
}

func (loop *Loop) logWarn(message string, fields map[string]string) {
	if loop.logger != nil {
		loop.logger.Warn(message, loop.withBackend(fields))
	}
}

func (loop *Loop) withBackend(fields map[string]string) map[string]string {
	merged := make(map[string]string, len(fields)+1)
	merged["backend"] = loop.backend
	for key, value := range fields {
		merged[key] = value
	}
	return merged
}
