package protocol

import (
	"strings"
	"testing"
	"time"
)

func TestDoneLineRoundTrip(t *testing.T) {
	marker := DefaultMarker()
	line := marker.DoneLine("req-1724900000-1")
	id, ok := marker.ParseDone(line)
	if !ok || id != "req-1724900000-1" {
		t.Fatalf("round trip failed: %q, %v", id, ok)
	}
}

func TestParseDoneRejectsExtraPayload(t *testing.T) {
	marker := DefaultMarker()
	cases := []string{
		"CCB_DONE:",
		"CCB_DONE: req-1 trailing words",
		"prefix CCB_DONE: req-1",
		"OTHER_TAG: req-1",
	}
	for _, line := range cases {
		if _, ok := marker.ParseDone(line); ok {
			t.Fatalf("expected %q to be rejected", line)
		}
	}
}

func TestParseDoneAcceptsLooseSpacing(t *testing.T) {
	marker := DefaultMarker()
	id, ok := marker.ParseDone("  CCB_DONE:   req-1724900000-3  ")
	if !ok || id != "req-1724900000-3" {
		t.Fatalf("expected loose spacing accepted, got %q, %v", id, ok)
	}
}

func TestCustomTag(t *testing.T) {
	marker := Marker{DoneTag: "AGENT_DONE", AnchorTag: "AGENT_REQ"}
	line := marker.DoneLine("req-1-1")
	if line != "AGENT_DONE: req-1-1" {
		t.Fatalf("unexpected line: %q", line)
	}
	if _, ok := marker.ParseDone("CCB_DONE: req-1-1"); ok {
		t.Fatal("default tag must not parse under a custom tag")
	}
}

func TestWrapPromptEmbedsContract(t *testing.T) {
	marker := DefaultMarker()
	wrapped := marker.WrapPrompt("What is 2+2?", "req-1724900000-5")

	if !strings.Contains(wrapped, "CCB_REQ_ID: req-1724900000-5") {
		t.Fatalf("missing anchor: %q", wrapped)
	}
	if !strings.Contains(wrapped, "What is 2+2?") {
		t.Fatalf("missing message: %q", wrapped)
	}
	if !strings.HasSuffix(strings.TrimRight(wrapped, "\n"), "CCB_DONE: req-1724900000-5") {
		t.Fatalf("prompt must end with the done line: %q", wrapped)
	}
}

func TestGeneratorUniqueIDs(t *testing.T) {
	gen := NewGenerator()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := gen.Next()
		if !ValidID(id) {
			t.Fatalf("invalid id minted: %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id: %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestSoftMatchPrefixBuckets(t *testing.T) {
	base := time.Unix(1724900000, 0)
	gen := NewGeneratorAt(func() time.Time { return base })
	a := gen.Next()
	b := gen.Next()
	if !SamePrefix(a, b, 0) {
		t.Fatalf("ids minted together should share the prefix: %q %q", a, b)
	}

	later := NewGeneratorAt(func() time.Time { return base.Add(24 * time.Hour) })
	c := later.Next()
	if SamePrefix(a, c, 0) {
		t.Fatalf("ids minted a day apart must not share the prefix: %q %q", a, c)
	}
}

func FuzzParseDone(f *testing.F) {
	f.Add("CCB_DONE: req-1724900000-1")
	f.Add("CCB_DONE:")
	f.Add("  CCB_DONE:  req-1  ")
	f.Add("noise ─── line")
	f.Fuzz(func(t *testing.T, line string) {
		marker := DefaultMarker()
		id, ok := marker.ParseDone(line)
		if ok {
			if id == "" || strings.ContainsAny(id, " \t") {
				t.Fatalf("parsed id %q from %q", id, line)
			}
			// A parsed id must render back into a parseable line.
			rendered, ok2 := marker.ParseDone(marker.DoneLine(id))
			if !ok2 || rendered != id {
				t.Fatalf("render round trip failed for %q", id)
			}
		}
	})
}
