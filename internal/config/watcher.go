package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeFunc receives the result of re-loading a changed file. err is nil
// when the new file is valid.
type ChangeFunc func(cfg *Config, err error)

// Watcher re-validates the configuration file whenever it changes on disk.
// The running process keeps its loaded rules; a restart applies the edit.
type Watcher struct {
	logger   *zap.Logger
	path     string
	loader   *Loader
	watcher  *fsnotify.Watcher
	onChange ChangeFunc

	mu       sync.Mutex
	debounce time.Duration
	timer    *time.Timer
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a watcher for path. onChange runs on a timer goroutine.
func NewWatcher(logger *zap.Logger, path string, loader *Loader, onChange ChangeFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		logger:   logger.Named("config_watcher"),
		path:     filepath.Clean(path),
		loader:   loader,
		watcher:  fw,
		onChange: onChange,
		debounce: time.Second,
	}, nil
}

// SetDebounce sets the quiet period before a change is processed.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start watches the file's directory, which also catches editors that
// replace the file by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true
	go w.handleEvents(ctx)

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	if w.timer != nil {
		w.timer.Stop()
	}
	done := w.done
	w.mu.Unlock()

	w.watcher.Close()
	<-done
	w.logger.Info("Configuration watcher stopped")
}

func (w *Watcher) handleEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.logger.Debug("Config file changed",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()),
				)
				w.scheduleReload()
			}
			if event.Op&fsnotify.Remove != 0 {
				w.logger.Warn("Config file removed", zap.String("path", event.Name))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Warn("Changed configuration is invalid", zap.Error(err))
	} else {
		w.logger.Info("Configuration changed on disk; restart to apply", zap.String("path", w.path))
	}
	if w.onChange != nil {
		w.onChange(cfg, err)
	}
}
