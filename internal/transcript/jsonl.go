package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// JSONLReader reads agent session logs laid out as one JSONL file per
// session under a root directory, the way Claude and Codex CLIs persist
// conversations. The newest file by modification time is the current session.
type JSONLReader struct {
	root string

	mu    sync.Mutex
	paths map[string]string // session id -> file path
}

func NewJSONLReader(root string) *JSONLReader {
	return &JSONLReader{
		root:  root,
		paths: make(map[string]string),
	}
}

// CurrentSessionID scans the session root for the most recently modified log
// file. The scan runs on every call: a cached binding would silently outlive
// a session rotation.
func (r *JSONLReader) CurrentSessionID() (string, error) {
	path, err := r.scanLatest()
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", ErrNoSession
	}
	id := sessionIDForPath(path)
	r.mu.Lock()
	r.paths[id] = path
	r.mu.Unlock()
	return id, nil
}

func (r *JSONLReader) TailOffset(sessionID string) (int64, error) {
	path, err := r.pathFor(sessionID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrRead, path, err)
	}
	return info.Size(), nil
}

// ReadSince returns complete entries appended after the byte offset and the
// offset consumed up to. A trailing partial line is left for the next read,
// so re-reading the same (session, offset) pair is idempotent.
func (r *JSONLReader) ReadSince(sessionID string, offset int64) ([]Entry, int64, error) {
	path, err := r.pathFor(sessionID)
	if err != nil {
		return nil, offset, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("%w: open %s: %v", ErrRead, path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("%w: stat %s: %v", ErrRead, path, err)
	}
	if info.Size() < offset {
		// Truncated or rewritten file: start over rather than read garbage.
		offset = 0
	}
	if _, err := file.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("%w: seek %s: %v", ErrRead, path, err)
	}

	var entries []Entry
	consumed := offset
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial trailing line: leave it unconsumed.
			break
		}
		lineStart := consumed
		consumed += int64(len(line))
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}
		entry, ok := parseEntry([]byte(trimmed))
		if !ok {
			continue
		}
		entry.ID = lineStart
		entries = append(entries, entry)
	}
	return entries, consumed, nil
}

func (r *JSONLReader) pathFor(sessionID string) (string, error) {
	r.mu.Lock()
	path, ok := r.paths[sessionID]
	r.mu.Unlock()
	if ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	// Fall back to a scan keyed by file name.
	var found string
	err := filepath.WalkDir(r.root, func(candidate string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(candidate) != ".jsonl" {
			return nil
		}
		if sessionIDForPath(candidate) == sessionID {
			found = candidate
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: scan %s: %v", ErrRead, r.root, err)
	}
	if found == "" {
		return "", ErrNoSession
	}
	r.mu.Lock()
	r.paths[sessionID] = found
	r.mu.Unlock()
	return found, nil
}

// scanLatest walks the root for the most recently modified .jsonl file,
// without sorting the full listing.
func (r *JSONLReader) scanLatest() (string, error) {
	var latest string
	var latestMod time.Time
	err := filepath.WalkDir(r.root, func(candidate string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || filepath.Ext(candidate) != ".jsonl" {
			return nil
		}
		if strings.HasPrefix(filepath.Base(candidate), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if latest == "" || !info.ModTime().Before(latestMod) {
			latest = candidate
			latestMod = info.ModTime()
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSession
		}
		return "", fmt.Errorf("%w: scan %s: %v", ErrRead, r.root, err)
	}
	return latest, nil
}

// sessionIDForPath prefers a uuid embedded in the file name, falling back to
// the file stem.
func sessionIDForPath(path string) string {
	base := filepath.Base(path)
	if match := sessionIDPattern.FindString(base); match != "" {
		return strings.ToLower(match)
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type rawContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rawMessage struct {
	Role    string            `json:"role"`
	Content []rawContentBlock `json:"content"`
}

type rawRecord struct {
	Type      string      `json:"type"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
	Timestamp string      `json:"timestamp"`
	Message   *rawMessage `json:"message"`
	Payload   *rawMessage `json:"payload"`
}

// parseEntry accepts the record shapes agent CLIs are known to emit:
// top-level {role, text}, Claude's {type, message:{content:[{text}]}}, and
// Codex's {type:"response_item", payload:{role, content:[...]}}. Anything
// else is chatter and is skipped.
func parseEntry(line []byte) (Entry, bool) {
	var record rawRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return Entry{}, false
	}

	entry := Entry{}
	if record.Timestamp != "" {
		if at, err := time.Parse(time.RFC3339, record.Timestamp); err == nil {
			entry.CompletedAt = at
		}
	}

	if record.Role != "" && record.Text != "" {
		entry.Role = record.Role
		entry.Text = record.Text
		return entry, true
	}

	message := record.Message
	if message == nil && record.Type == "response_item" {
		message = record.Payload
	}
	if message == nil {
		return Entry{}, false
	}

	role := message.Role
	if role == "" {
		role = record.Type
	}
	texts := make([]string, 0, len(message.Content))
	for _, block := range message.Content {
		switch block.Type {
		case "text", "output_text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
	}
	if len(texts) == 0 {
		return Entry{}, false
	}
	entry.Role = role
	entry.Text = strings.Join(texts, "\n")
	return entry, true
}
