package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/geekxflood/agentxd/logging"
)

// DefaultDebounce is how long Watcher waits after the last event before
// re-loading.
const DefaultDebounce = 100 * time.Millisecond

// Watcher re-loads a configuration file when it changes. The parent
// directory is watched so that editors replacing the file by rename are
// noticed.
type Watcher struct {
	path     string
	debounce time.Duration
	fs       *fsnotify.Watcher
	log      *logging.ComponentLogger

	mu        sync.Mutex
	callbacks []func(*Config, error)
	started   bool
	wg        sync.WaitGroup
}

// NewWatcher returns a stopped watcher for path.
func NewWatcher(path string, logger logging.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		fs:       fs,
		log:      logging.ForComponent(logger, "config", "watcher"),
	}, nil
}

// OnChange registers fn. It is called with the new configuration, or with
// the load error, after every change.
func (w *Watcher) OnChange(fn func(*Config, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("watcher already started")
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.started = true

	w.wg.Add(1)
	go w.loop(ctx)
	w.log.Debug("watching config file", "path", w.path)
	return nil
}

// Close stops the watcher and waits for a pending reload to finish.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.notify(nil, fmt.Errorf("file watcher error: %w", err))

		case <-fire:
			fire = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed", "path", w.path, "error", err)
				w.notify(nil, fmt.Errorf("configuration reload failed: %w", err))
				continue
			}
			w.log.Info("config reloaded", "path", w.path)
			w.notify(cfg, nil)
		}
	}
}

func (w *Watcher) notify(cfg *Config, err error) {
	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg, err)
	}
}
