package protocol

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultSoftMatchPrefixLen covers "req-" plus the leading eight digits of the
// epoch-second component, i.e. a coarse ~100 second bucket. Two ids minted far
// apart never share the prefix; ids minted around the same time do.
const DefaultSoftMatchPrefixLen = 12

const reqIDPrefix = "req"

// Generator mints request ids of the form req-<unix-seconds>-<seq>. The
// sequence counter is process-wide and never resets, so ids are unique for
// the lifetime of the process even within one second.
type Generator struct {
	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorAt pins the clock, for tests.
func NewGeneratorAt(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%d-%d", reqIDPrefix, g.now().Unix(), g.seq)
}

// SoftMatchPrefix returns the coarse identity prefix of an id used by the
// relaxed completion fallback. A non-positive length selects the default.
func SoftMatchPrefix(id string, length int) string {
	if length <= 0 {
		length = DefaultSoftMatchPrefixLen
	}
	if len(id) <= length {
		return id
	}
	return id[:length]
}

// SamePrefix reports whether two ids share the coarse identity prefix.
func SamePrefix(a, b string, length int) bool {
	if a == "" || b == "" {
		return false
	}
	return SoftMatchPrefix(a, length) == SoftMatchPrefix(b, length)
}

// ValidID reports whether the value looks like an id this process could have
// minted.
func ValidID(id string) bool {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != reqIDPrefix {
		return false
	}
	for _, part := range parts[1:] {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
