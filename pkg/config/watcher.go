package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent carries a freshly reloaded configuration after the watched
// file changed on disk. Err is set when the new file failed to parse; the
// previous configuration stays in effect in that case.
type ChangeEvent struct {
	Config    *Config
	Err       error
	Timestamp time.Time
}

const debounceDelay = 500 * time.Millisecond

// Watcher watches a configuration file and emits reloaded snapshots.
type Watcher struct {
	watcher       *fsnotify.Watcher
	events        chan ChangeEvent
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
	watchedPath   string
	closed        bool
	closeMu       sync.RWMutex
}

// NewWatcher creates a watcher for the configuration file at path. Watching
// the containing directory is more reliable than watching the file itself,
// since editors commonly replace files on save.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(absPath), err)
	}

	return &Watcher{
		watcher:     fw,
		events:      make(chan ChangeEvent, 16),
		watchedPath: absPath,
	}, nil
}

// Events returns the channel of reload events.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start begins processing file system events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)
}

func (w *Watcher) processEvents(ctx context.Context) {
	// The debounce callback checks closed under the same lock before sending,
	// so marking closed here fences off a timer armed right before ctx was
	// cancelled. Only then is the channel safe to close.
	defer func() {
		w.closeMu.Lock()
		w.closed = true
		w.closeMu.Unlock()

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceMu.Unlock()

		close(w.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			eventPath, err := filepath.Abs(event.Name)
			if err != nil || eventPath != w.watchedPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			slog.Debug("config file changed", "path", event.Name, "op", event.Op)
			w.scheduleReload(eventPath)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces rapid successive writes into a single reload.
func (w *Watcher) scheduleReload(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debounceDelay, func() {
		w.closeMu.RLock()
		defer w.closeMu.RUnlock()
		if w.closed {
			return
		}

		cfg, err := Load(path)
		select {
		case w.events <- ChangeEvent{Config: cfg, Err: err, Timestamp: time.Now()}:
		default:
			slog.Warn("config reload event channel full, skipping event")
		}
	})
}

// Close stops the watcher and releases resources. Idempotent, and still
// releases the fsnotify handle when processEvents already shut down on ctx
// cancellation.
func (w *Watcher) Close() error {
	w.closeMu.Lock()
	w.closed = true
	w.closeMu.Unlock()

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()

	return w.watcher.Close()
}
