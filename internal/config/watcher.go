package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-reads the configuration file when it changes on disk and
// hands the freshly parsed Config to a callback. Reloads are debounced
// because editors produce bursts of write events.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(*Config)

	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	running bool

	debounce time.Duration
}

// NewWatcher creates a watcher for the file at path. onLoad receives each
// successfully reloaded configuration.
func NewWatcher(path string, onLoad func(*Config), logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		logger:   logger,
		path:     path,
		watcher:  fsw,
		onLoad:   onLoad,
		done:     make(chan struct{}),
		debounce: time.Second,
	}, nil
}

// Start begins watching the configuration file.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	// Watch the directory too so atomic-rename saves are seen.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("Failed to watch config directory", zap.Error(err))
	}

	w.running = true
	go w.handleEvents()

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.done)
	w.watcher.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.running = false
}

func (w *Watcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if event.Op&fsnotify.Create != 0 {
					w.watcher.Add(w.path)
				}
				w.scheduleReload()
			case event.Op&fsnotify.Remove != 0:
				w.logger.Warn("Configuration file removed", zap.String("path", w.path))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Configuration watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Configuration reload failed, keeping previous settings",
			zap.Error(err),
		)
		return
	}

	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
	w.onLoad(cfg)
}
