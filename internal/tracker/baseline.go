package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Baseline records where in the transcript a backend's poll loop has read
// up to. Session id and offset always change together: mixing an offset from
// one session with another session's id would misattribute output.
type Baseline struct {
	SessionID  string    `json:"session_id"`
	Offset     int64     `json:"offset"`
	CapturedAt time.Time `json:"captured_at"`
}

// BaselineStore persists one baseline file per backend under a state
// directory, so a restarted daemon resumes from where it left off instead of
// re-reading whole transcripts.
type BaselineStore struct {
	dir string
}

func NewBaselineStore(dir string) *BaselineStore {
	return &BaselineStore{dir: dir}
}

// Save writes the baseline atomically via temp file + rename.
func (store *BaselineStore) Save(backend string, baseline Baseline) error {
	if store == nil || store.dir == "" {
		return nil
	}
	if err := os.MkdirAll(store.dir, 0o755); err != nil {
		return fmt.Errorf("baseline dir: %w", err)
	}
	payload, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}

	name := baselineFileName(backend)
	tempFile, err := os.CreateTemp(store.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	defer func() {
		_ = tempFile.Close()
		_ = os.Remove(tempName)
	}()
	if _, err := tempFile.Write(payload); err != nil {
		return err
	}
	if err := tempFile.Sync(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tempName, 0o644); err != nil {
		return err
	}
	return os.Rename(tempName, filepath.Join(store.dir, name))
}

// Load reads a backend's persisted baseline. A missing file returns a zero
// baseline and no error.
func (store *BaselineStore) Load(backend string) (Baseline, error) {
	if store == nil || store.dir == "" {
		return Baseline{}, nil
	}
	payload, err := os.ReadFile(filepath.Join(store.dir, baselineFileName(backend)))
	if err != nil {
		if os.IsNotExist(err) {
			return Baseline{}, nil
		}
		return Baseline{}, err
	}
	var baseline Baseline
	if err := json.Unmarshal(payload, &baseline); err != nil {
		return Baseline{}, fmt.Errorf("decode baseline: %w", err)
	}
	return baseline, nil
}

// baselineFileName keeps backend names from escaping the state dir.
func baselineFileName(backend string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, backend)
	return sanitized + ".baseline.json"
}
