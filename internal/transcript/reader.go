// Package transcript provides read access to backend session logs: the
// append-only records agents write their conversational turns into. Each
// backend gets one Reader adapter; the polling core never branches on the
// backend's log shape.
package transcript

import (
	"errors"
	"time"
)

// ErrNoSession indicates the backend has no discoverable session yet.
var ErrNoSession = errors.New("no transcript session found")

// ErrRead wraps transient I/O failures from the underlying log store.
var ErrRead = errors.New("transcript read failed")

// Entry is one appended transcript record.
type Entry struct {
	// ID is the byte offset at which the record began. It is monotonically
	// increasing within a session.
	ID int64
	// Role is the speaker: "user", "assistant", or backend-specific chatter.
	Role string
	// Text is the record's textual content with log framing removed.
	Text string
	// CompletedAt is the record timestamp when the log carries one.
	CompletedAt time.Time
}

// Reader exposes a backend's transcript. Implementations must be idempotent:
// reading the same (session, offset) pair twice yields the same entries.
//
// CurrentSessionID must re-derive the latest session from authoritative
// backend state on every call; it must not serve a cached answer that could
// outlive a session rotation.
type Reader interface {
	CurrentSessionID() (string, error)
	TailOffset(sessionID string) (int64, error)
	ReadSince(sessionID string, offset int64) ([]Entry, int64, error)
}
