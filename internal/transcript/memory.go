package transcript

import (
	"sync"
	"time"
)

// MemoryReader is an in-memory Reader for tests and synthetic backends.
// Offsets count entries rather than bytes.
type MemoryReader struct {
	mu       sync.Mutex
	current  string
	sessions map[string][]Entry
	err      error
}

func NewMemoryReader(sessionID string) *MemoryReader {
	return &MemoryReader{
		current:  sessionID,
		sessions: map[string][]Entry{sessionID: nil},
	}
}

// Append adds a record to a session's transcript.
func (r *MemoryReader) Append(sessionID, role, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.sessions[sessionID]
	r.sessions[sessionID] = append(entries, Entry{
		ID:          int64(len(entries)),
		Role:        role,
		Text:        text,
		CompletedAt: time.Now().UTC(),
	})
}

// Rotate switches the current session, creating it when new.
func (r *MemoryReader) Rotate(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = sessionID
	if _, ok := r.sessions[sessionID]; !ok {
		r.sessions[sessionID] = nil
	}
}

// SetError makes all reader calls fail until cleared, to exercise retry
// handling.
func (r *MemoryReader) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *MemoryReader) CurrentSessionID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	if r.current == "" {
		return "", ErrNoSession
	}
	return r.current, nil
}

func (r *MemoryReader) TailOffset(sessionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	entries, ok := r.sessions[sessionID]
	if !ok {
		return 0, ErrNoSession
	}
	return int64(len(entries)), nil
}

func (r *MemoryReader) ReadSince(sessionID string, offset int64) ([]Entry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, offset, r.err
	}
	entries, ok := r.sessions[sessionID]
	if !ok {
		return nil, offset, ErrNoSession
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(entries)) {
		return nil, offset, nil
	}
	tail := entries[offset:]
	out := make([]Entry, len(tail))
	copy(out, tail)
	return out, int64(len(entries)), nil
}
