package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultPollInterval is how often the watcher re-examines the file unless
// WithInterval overrides it.
const defaultPollInterval = 5 * time.Second

// fileState is one consistent view of the config file on disk.
type fileState struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher reloads the voxline config file while calls are in flight, so
// operators can turn up log verbosity or reweight providers without bouncing
// the process. Every reload goes through the same parse-and-validate path as
// startup; a broken edit is logged and the last good config keeps serving.
//
// The watcher polls. Mounted config volumes update by atomic rename, which
// fs event APIs miss, and an mtime-then-hash comparison makes a poll cheap.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	last fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it for edits.
// onChange runs with the previous and the freshly accepted config each time
// a valid change lands; it may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = st

	go w.poll()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.reloadIfChanged()
		}
	}
}

// reloadIfChanged swaps in the file's config when its content has actually
// changed and still validates.
func (w *Watcher) reloadIfChanged() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	st, err := w.read()
	if err != nil {
		// Keep serving the previous config until the file is fixed.
		slog.Warn("config watcher: rejected config change", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.sum == w.last.sum {
		// Touched, content identical. Remember the mtime so the next poll
		// takes the fast path again.
		w.last.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	old := w.last.cfg
	w.last = st
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback can call Current.
	if w.onChange != nil {
		w.onChange(old, st.cfg)
	}
}

// read parses and validates the file, returning the config together with the
// content hash and mtime used for change detection.
func (w *Watcher) read() (fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fileState{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileState{}, err
	}

	return fileState{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
