package protocol

import "strings"

// MatchKind classifies how a completion marker matched a request id.
type MatchKind int

const (
	// MatchNone means no authoritative marker was found; keep polling.
	MatchNone MatchKind = iota
	// MatchStrict means the final substantive line carried the exact id.
	MatchStrict
	// MatchSoft means the final marker's id differed but shared the coarse
	// identity prefix. Accepted only after the caller's grace period.
	MatchSoft
)

func (k MatchKind) String() string {
	switch k {
	case MatchStrict:
		return "strict"
	case MatchSoft:
		return "soft"
	default:
		return "none"
	}
}

// Detection is the outcome of scanning a transcript block for one request.
type Detection struct {
	Kind     MatchKind
	Payload  string
	MarkerID string
}

// Detector scans newly appended transcript text for the completion marker of
// a specific request. Scanning is pure: the same block and id always produce
// the same detection.
type Detector struct {
	Marker        Marker
	SoftPrefixLen int
}

const maxPayloadLines = 400
const maxConsecutiveBlanks = 5

// Scan inspects a block of new transcript text. Only the last substantive
// line is authoritative: a marker buried mid-block is treated as the
// backend quoting itself and leaves the request pending. The relaxed prefix
// comparison runs only when allowSoft is set.
func (d Detector) Scan(block, reqID string, allowSoft bool) Detection {
	lines := strings.Split(block, "\n")
	for i := range lines {
		lines[i] = CleanLine(lines[i])
	}

	last := lastSubstantiveIndex(lines)
	if last < 0 {
		return Detection{Kind: MatchNone}
	}

	markerID, ok := d.Marker.ParseDone(lines[last])
	if !ok {
		return Detection{Kind: MatchNone}
	}
	if isPromptEcho(lines, last) {
		return Detection{Kind: MatchNone}
	}

	if markerID == reqID {
		return Detection{
			Kind:     MatchStrict,
			Payload:  d.extractPayload(lines, last, reqID),
			MarkerID: markerID,
		}
	}
	if allowSoft && SamePrefix(markerID, reqID, d.SoftPrefixLen) {
		return Detection{
			Kind:     MatchSoft,
			Payload:  d.extractPayload(lines, last, reqID),
			MarkerID: markerID,
		}
	}
	return Detection{Kind: MatchNone}
}

// lastSubstantiveIndex finds the final line that is neither blank nor noise.
func lastSubstantiveIndex(lines []string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if IsNoiseLine(lines[i]) {
			continue
		}
		return i
	}
	return -1
}

// isPromptEcho reports whether the marker at index is part of the echoed
// prompt rather than a real terminus: the nearest preceding non-blank line is
// the completion instruction from the wrapped prompt.
func isPromptEcho(lines []string, index int) bool {
	for i := index - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		return strings.Contains(lines[i], "End your reply with this exact final line")
	}
	return false
}

// extractPayload collects the reply text preceding the marker line, walking
// backwards until it reaches the prompt anchor, the completion instruction,
// or an earlier marker for the same request (a quoted prompt echo).
func (d Detector) extractPayload(lines []string, markerIndex int, reqID string) string {
	doneLine := d.Marker.DoneLine(reqID)
	collected := make([]string, 0, markerIndex)
	blanks := 0

	for i := markerIndex - 1; i >= 0; i-- {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if trimmed == doneLine || d.Marker.IsAnchor(line, reqID) {
			break
		}
		if strings.Contains(line, "End your reply with this exact final line") {
			break
		}

		if trimmed == "" {
			blanks++
			if blanks > maxConsecutiveBlanks {
				break
			}
			if len(collected) > 0 {
				collected = append(collected, "")
			}
			continue
		}
		blanks = 0

		if IsNoiseLine(line) {
			continue
		}
		collected = append(collected, strings.TrimRight(line, " \t"))
		if len(collected) >= maxPayloadLines {
			break
		}
	}

	// Reverse into reading order and trim blank edges.
	out := make([]string, 0, len(collected))
	for i := len(collected) - 1; i >= 0; i-- {
		out = append(out, collected[i])
	}
	for len(out) > 0 && strings.TrimSpace(out[0]) == "" {
		out = out[1:]
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
