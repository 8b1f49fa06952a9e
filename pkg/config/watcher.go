// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounce = 500 * time.Millisecond

// Watcher reloads the configuration when its file, or any YAML file in its
// directory, changes. Bursts of events are debounced into one reload.
type Watcher struct {
	path     string
	dir      string
	file     string // empty when path is a directory
	onChange func(*Config)
	logger   *zap.Logger

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for a config file or directory. onChange
// receives every config that loads and validates.
func NewWatcher(path string, onChange func(*Config), logger *zap.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		dir:      path,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		w.dir = filepath.Dir(path)
		w.file = filepath.Base(path)
	}
	return w
}

// Start begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	// Watch the directory so editors that replace the file are seen.
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("path", w.path))
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	if w.file != "" {
		return name == w.file
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer
	stop := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file changed", zap.String("file", event.Name))

			stop()
			debounceTimer = time.AfterFunc(debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stop()
			return

		case <-w.stopCh:
			stop()
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := LoadPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}
