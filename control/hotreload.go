// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Watcher re-reads the configuration file when it changes and pushes the
// result into a ConfigStore. Ring geometry is process-start only; changes
// to it are logged and ignored.

package control

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher applies configuration file changes to a store.
type Watcher struct {
	path     string
	store    *ConfigStore
	logger   *zap.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the directory of path so that editor rename-over-save
// is seen as well as in-place writes.
func NewWatcher(path string, store *ConfigStore, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		store:    store,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Run blocks until ctx is done, reloading on every debounced change.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			w.Reload()
		}
	}
}

// Reload re-reads the file now. Invalid files leave the current config in place.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	old := w.store.Snapshot()
	if cfg.Ring != old.Ring || cfg.ShmDir != old.ShmDir {
		w.logger.Warn("ring geometry and shm_dir are fixed at start; change ignored",
			zap.Int("slot_size", cfg.Ring.SlotSize), zap.Int("slot_count", cfg.Ring.SlotCount))
	}
	w.store.Update(cfg)
	w.logger.Info("configuration reloaded", zap.String("path", w.path))
}
