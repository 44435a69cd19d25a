// Package watcher forwards filesystem events under the workspace root to the
// idle scheduler.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pairsight/internal/workspace"
)

// Watcher recursively watches a workspace root and reports write activity.
// Newly created directories join the watch set; ignored directories (.git,
// node_modules and friends) are never watched.
type Watcher struct {
	root       string
	onActivity func()
	logger     *zap.Logger

	fsWatcher *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Config describes the watcher dependencies.
type Config struct {
	Root       string
	OnActivity func()
	Logger     *zap.Logger
}

// New validates the configuration and constructs a stopped Watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watcher: root directory is required")
	}
	if cfg.OnActivity == nil {
		return nil, errors.New("watcher: activity callback is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:       absRoot,
		onActivity: cfg.OnActivity,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start installs watches for the root and all non-ignored subdirectories and
// begins forwarding events.
func (w *Watcher) Start() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsWatcher = fsWatcher

	if err := w.watchTree(w.root); err != nil {
		_ = fsWatcher.Close()
		return err
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

// Close stops event forwarding and releases the underlying watches.
func (w *Watcher) Close() error {
	var closeErr error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.fsWatcher != nil {
			closeErr = w.fsWatcher.Close()
		}
		w.wg.Wait()
	})
	return closeErr
}

func (w *Watcher) run() {
	defer w.wg.Done()
	defer func() {
		if recovered := recover(); recovered != nil {
			w.logger.Error("watcher loop panicked", zap.Any("panic", recovered))
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					zap.String("path", event.Name),
					zap.Error(err))
			}
		}
	}

	if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		w.onActivity()
	}
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path != w.root && workspace.SkipDirectory(entry.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			w.logger.Warn("failed to add watch", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	relPath, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, segment := range strings.Split(filepath.ToSlash(relPath), "/") {
		if workspace.SkipDirectory(segment) {
			return true
		}
	}
	return false
}
