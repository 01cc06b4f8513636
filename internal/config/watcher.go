package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeEvent is delivered after the watched file changed and was reloaded.
type ChangeEvent struct {
	// Config is the reloaded configuration, nil when Err is set.
	Config *Config
	// Err is the load or parse failure, if any.
	Err error
	// Timestamp is when the reload happened.
	Timestamp time.Time
}

// Watcher reloads a configuration file when it changes and notifies
// subscribers. Editors often replace files instead of writing them in place,
// so the parent directory is watched and events are filtered by name.
//
// Thread-safety: All public methods are safe for concurrent use.
type Watcher struct {
	path string

	watcher *fsnotify.Watcher

	mu          sync.RWMutex
	nextID      int
	subscribers map[int]func(ChangeEvent)

	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	logger *slog.Logger

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewWatcher creates a watcher for the configuration file at path.
// Call Start to begin watching and Close when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	return &Watcher{
		path:          absPath,
		watcher:       fw,
		subscribers:   make(map[int]func(ChangeEvent)),
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. After Close returns, no more events are delivered.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		<-w.stopped

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
			w.debounceTimer = nil
		}
		w.debounceMu.Unlock()
	})
	return err
}

// Subscribe registers fn for reload events and returns a function that removes it.
func (w *Watcher) Subscribe(fn func(ChangeEvent)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.subscribers[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subscribers, id)
	}
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	if w.logger != nil {
		w.logger.Debug("Config file changed", "path", event.Name, "op", event.Op.String())
	}

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
	w.debounceMu.Unlock()
}

// reload loads the file and notifies subscribers outside of the lock.
func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	event := ChangeEvent{Config: cfg, Err: err, Timestamp: time.Now()}
	if w.logger != nil {
		if err != nil {
			w.logger.Warn("Config reload failed", "path", w.path, "error", err)
		} else {
			w.logger.Info("Config reloaded", "path", w.path)
		}
	}

	w.mu.RLock()
	subs := make([]func(ChangeEvent), 0, len(w.subscribers))
	for _, fn := range w.subscribers {
		subs = append(subs, fn)
	}
	w.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}
