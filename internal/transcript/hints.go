package transcript

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"askbridge/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const defaultHintDebounce = 200 * time.Millisecond

// HintWatcher watches a backend's log directory and coalesces filesystem
// events into wake hints. A hint means "the transcript may have changed";
// consumers still poll on their regular interval when no hints arrive.
type HintWatcher struct {
	watcher  *fsnotify.Watcher
	hints    chan struct{}
	debounce time.Duration
	logger   *logging.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	done   chan struct{}
}

type HintOptions struct {
	// Debounce collapses event bursts; defaults to 200ms.
	Debounce time.Duration
	Logger   *logging.Logger
}

// WatchHints watches root and its immediate subdirectories. Session logs
// are created under per-project subdirectories, so new directories that
// appear later are added to the watch as well.
func WatchHints(root string, options HintOptions) (*HintWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, err
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultHintDebounce
	}

	instance := &HintWatcher{
		watcher:  watcher,
		hints:    make(chan struct{}, 1),
		debounce: debounce,
		logger:   options.Logger,
		done:     make(chan struct{}),
	}
	instance.addSubdirs(root)
	go instance.run()
	return instance, nil
}

// Hints returns the wake channel. It carries at most one pending hint;
// coalesced bursts collapse into a single receive.
func (hintWatcher *HintWatcher) Hints() <-chan struct{} {
	if hintWatcher == nil {
		return nil
	}
	return hintWatcher.hints
}

func (hintWatcher *HintWatcher) Close() error {
	if hintWatcher == nil {
		return nil
	}
	hintWatcher.mu.Lock()
	if hintWatcher.closed {
		hintWatcher.mu.Unlock()
		return nil
	}
	hintWatcher.closed = true
	if hintWatcher.timer != nil {
		hintWatcher.timer.Stop()
		hintWatcher.timer = nil
	}
	hintWatcher.mu.Unlock()

	close(hintWatcher.done)
	return hintWatcher.watcher.Close()
}

func (hintWatcher *HintWatcher) addSubdirs(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		if err := hintWatcher.watcher.Add(filepath.Join(root, name)); err != nil {
			hintWatcher.logWarn("hint watch add failed", map[string]string{
				"path":  filepath.Join(root, name),
				"error": err.Error(),
			})
		}
	}
}

func (hintWatcher *HintWatcher) run() {
	for {
		select {
		case event, ok := <-hintWatcher.watcher.Events:
			if !ok {
				return
			}
			hintWatcher.handleEvent(event)
		case err, ok := <-hintWatcher.watcher.Errors:
			if !ok {
				return
			}
			hintWatcher.logWarn("hint watch error", map[string]string{"error": err.Error()})
		case <-hintWatcher.done:
			return
		}
	}
}

func (hintWatcher *HintWatcher) handleEvent(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := hintWatcher.watcher.Add(event.Name); err != nil {
				hintWatcher.logWarn("hint watch add failed", map[string]string{
					"path":  event.Name,
					"error": err.Error(),
				})
			}
		}
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}

	hintWatcher.mu.Lock()
	defer hintWatcher.mu.Unlock()
	if hintWatcher.closed {
		return
	}
	if hintWatcher.timer != nil {
		hintWatcher.timer.Reset(hintWatcher.debounce)
		return
	}
	hintWatcher.timer = time.AfterFunc(hintWatcher.debounce, hintWatcher.emit)
}

func (hintWatcher *HintWatcher) emit() {
	hintWatcher.mu.Lock()
	if hintWatcher.closed {
		hintWatcher.mu.Unlock()
		return
	}
	hintWatcher.timer = nil
	hintWatcher.mu.Unlock()

	select {
	case hintWatcher.hints <- struct{}{}:
	default:
	}
}

func (hintWatcher *HintWatcher) logWarn(message string, fields map[string]string) {
	if hintWatcher == nil || hintWatcher.logger == nil {
		return
	}
	hintWatcher.logger.Warn(message, fields)
}
