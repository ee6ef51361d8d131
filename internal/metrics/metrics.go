package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects daemon counters. All methods are safe for concurrent use
// and safe on a nil receiver.
type Registry struct {
	notificationsSent    atomic.Int64
	notificationsFailed  atomic.Int64
	notificationsDropped atomic.Int64
	eventsPublished      atomic.Int64
	eventsDropped        atomic.Int64
	backends             sync.Map
}

type backendStats struct {
	polls         atomic.Int64
	rotations     atomic.Int64
	completions   atomic.Int64
	softMatches   atomic.Int64
	timeouts      atomic.Int64
	cancellations atomic.Int64
	readFailures  atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncPoll(backend string) {
	if r == nil {
		return
	}
	r.backendStats(backend).polls.Add(1)
}

func (r *Registry) IncRotation(backend string) {
	if r == nil {
		return
	}
	r.backendStats(backend).rotations.Add(1)
}

func (r *Registry) IncCompletion(backend string, soft bool) {
	if r == nil {
		return
	}
	stats := r.backendStats(backend)
	stats.completions.Add(1)
	if soft {
		stats.softMatches.Add(1)
	}
}

func (r *Registry) IncTimeout(backend string) {
	if r == nil {
		return
	}
	r.backendStats(backend).timeouts.Add(1)
}

func (r *Registry) IncCancellation(backend string) {
	if r == nil {
		return
	}
	r.backendStats(backend).cancellations.Add(1)
}

func (r *Registry) IncReadFailure(backend string) {
	if r == nil {
		return
	}
	r.backendStats(backend).readFailures.Add(1)
}

func (r *Registry) IncNotificationSent() {
	if r == nil {
		return
	}
	r.notificationsSent.Add(1)
}

func (r *Registry) IncNotificationFailed() {
	if r == nil {
		return
	}
	r.notificationsFailed.Add(1)
}

func (r *Registry) IncNotificationDropped() {
	if r == nil {
		return
	}
	r.notificationsDropped.Add(1)
}

func (r *Registry) IncEventPublished(bus string) {
	if r == nil {
		return
	}
	r.eventsPublished.Add(1)
}

func (r *Registry) IncEventDropped(bus string) {
	if r == nil {
		return
	}
	r.eventsDropped.Add(1)
}

// BackendSummary is a point-in-time copy of one backend's counters.
type BackendSummary struct {
	Backend       string `json:"backend"`
	Polls         int64  `json:"polls"`
	Rotations     int64  `json:"rotations"`
	Completions   int64  `json:"completions"`
	SoftMatches   int64  `json:"soft_matches"`
	Timeouts      int64  `json:"timeouts"`
	Cancellations int64  `json:"cancellations"`
	ReadFailures  int64  `json:"read_failures"`
}

// Summary is a point-in-time copy of all counters.
type Summary struct {
	NotificationsSent    int64            `json:"notifications_sent"`
	NotificationsFailed  int64            `json:"notifications_failed"`
	NotificationsDropped int64            `json:"notifications_dropped"`
	EventsPublished      int64            `json:"events_published"`
	EventsDropped        int64            `json:"events_dropped"`
	Backends             []BackendSummary `json:"backends,omitempty"`
}

func (r *Registry) Snapshot() Summary {
	if r == nil {
		return Summary{}
	}
	summary := Summary{
		NotificationsSent:    r.notificationsSent.Load(),
		NotificationsFailed:  r.notificationsFailed.Load(),
		NotificationsDropped: r.notificationsDropped.Load(),
		EventsPublished:      r.eventsPublished.Load(),
		EventsDropped:        r.eventsDropped.Load(),
	}
	for _, name := range r.backendNames() {
		stats := r.backendStats(name)
		summary.Backends = append(summary.Backends, BackendSummary{
			Backend:       name,
			Polls:         stats.polls.Load(),
			Rotations:     stats.rotations.Load(),
			Completions:   stats.completions.Load(),
			SoftMatches:   stats.softMatches.Load(),
			Timeouts:      stats.timeouts.Load(),
			Cancellations: stats.cancellations.Load(),
			ReadFailures:  stats.readFailures.Load(),
		})
	}
	return summary
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "askbridge_notifications_sent_total", "Total notifications delivered", r.notificationsSent.Load())
	writeCounter(writer, "askbridge_notifications_failed_total", "Total notification delivery failures", r.notificationsFailed.Load())
	writeCounter(writer, "askbridge_notifications_dropped_total", "Total notifications dropped on a full queue", r.notificationsDropped.Load())
	writeCounter(writer, "askbridge_events_published_total", "Total bus events published", r.eventsPublished.Load())
	writeCounter(writer, "askbridge_events_dropped_total", "Total bus events dropped", r.eventsDropped.Load())

	names := r.backendNames()
	sort.Strings(names)

	perBackend := []struct {
		metric string
		help   string
		value  func(*backendStats) int64
	}{
		{"askbridge_polls_total", "Total poll cycles", func(s *backendStats) int64 { return s.polls.Load() }},
		{"askbridge_rotations_total", "Total session rotations", func(s *backendStats) int64 { return s.rotations.Load() }},
		{"askbridge_completions_total", "Total completed requests", func(s *backendStats) int64 { return s.completions.Load() }},
		{"askbridge_soft_matches_total", "Total soft-matched completions", func(s *backendStats) int64 { return s.softMatches.Load() }},
		{"askbridge_timeouts_total", "Total timed out requests", func(s *backendStats) int64 { return s.timeouts.Load() }},
		{"askbridge_cancellations_total", "Total cancelled requests", func(s *backendStats) int64 { return s.cancellations.Load() }},
		{"askbridge_read_failures_total", "Total transcript read failures", func(s *backendStats) int64 { return s.readFailures.Load() }},
	}
	for _, def := range perBackend {
		writeHelp(writer, def.metric, def.help)
		fmt.Fprintf(writer, "# TYPE %s counter\n", def.metric)
		for _, name := range names {
			fmt.Fprintf(writer, "%s{backend=%s} %d\n", def.metric, formatLabel(name), def.value(r.backendStats(name)))
		}
	}
	return nil
}

func (r *Registry) backendStats(name string) *backendStats {
	if strings.TrimSpace(name) == "" {
		name = "unknown"
	}
	value, _ := r.backends.LoadOrStore(name, &backendStats{})
	return value.(*backendStats)
}

func (r *Registry) backendNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	r.backends.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
