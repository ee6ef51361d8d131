package protocol

import (
	"fmt"
	"strings"
)

const (
	// DefaultDoneTag is the sentinel a reply must end with. The tag name is
	// configuration, not protocol: backends may register a different one.
	DefaultDoneTag = "CCB_DONE"

	// DefaultAnchorTag marks the request id inside the outgoing prompt so the
	// echoed prompt can be distinguished from the reply.
	DefaultAnchorTag = "CCB_REQ_ID"
)

// Marker describes the wire contract for one backend.
type Marker struct {
	DoneTag   string
	AnchorTag string
}

func DefaultMarker() Marker {
	return Marker{DoneTag: DefaultDoneTag, AnchorTag: DefaultAnchorTag}
}

func (m Marker) normalized() Marker {
	if strings.TrimSpace(m.DoneTag) == "" {
		m.DoneTag = DefaultDoneTag
	}
	if strings.TrimSpace(m.AnchorTag) == "" {
		m.AnchorTag = DefaultAnchorTag
	}
	return m
}

// DoneLine renders the completion line for a request id.
func (m Marker) DoneLine(reqID string) string {
	m = m.normalized()
	return fmt.Sprintf("%s: %s", m.DoneTag, reqID)
}

// AnchorLine renders the prompt anchor line for a request id.
func (m Marker) AnchorLine(reqID string) string {
	m = m.normalized()
	return fmt.Sprintf("%s: %s", m.AnchorTag, reqID)
}

// ParseDone extracts the request id from a completion line. It accepts
// surrounding whitespace and flexible spacing after the colon, but the id must
// be the only payload on the line.
func (m Marker) ParseDone(line string) (string, bool) {
	m = m.normalized()
	trimmed := strings.TrimSpace(line)
	rest, found := strings.CutPrefix(trimmed, m.DoneTag+":")
	if !found {
		return "", false
	}
	id := strings.TrimSpace(rest)
	if id == "" || strings.ContainsAny(id, " \t") {
		return "", false
	}
	return id, true
}

// IsAnchor reports whether the line is the prompt anchor for the request.
func (m Marker) IsAnchor(line, reqID string) bool {
	m = m.normalized()
	return strings.Contains(line, m.AnchorTag+": "+reqID)
}

// WrapPrompt embeds the request id and the completion instruction into an
// outgoing payload so the backend can echo them.
func (m Marker) WrapPrompt(message, reqID string) string {
	m = m.normalized()
	var builder strings.Builder
	builder.WriteString(m.AnchorLine(reqID))
	builder.WriteString("\n\n")
	builder.WriteString(strings.TrimRight(message, "\n"))
	builder.WriteString("\n\n")
	builder.WriteString("IMPORTANT: End your reply with this exact final line:\n")
	builder.WriteString(m.DoneLine(reqID))
	builder.WriteString("\n")
	return builder.String()
}
