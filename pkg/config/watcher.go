// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/logger"
)

// ReloadFunc receives the manager after a successful reload.
type ReloadFunc func(m *Manager)

// Watcher reloads a Manager when one of its files changes on disk.
type Watcher struct {
	manager  *Manager
	onReload ReloadFunc
	debounce time.Duration

	fs      *fsnotify.Watcher
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewWatcher creates a watcher over the manager's base, environment and override files.
func NewWatcher(m *Manager, onReload ReloadFunc) (*Watcher, error) {
	if m == nil {
		return nil, errors.New("manager cannot be nil")
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		manager:  m,
		onReload: onReload,
		debounce: 250 * time.Millisecond,
		fs:       fs,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the config directory until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()

	// editors replace files by rename, so watch the directory rather than the files
	dir := w.manager.options.WorkDir
	if err := w.fs.Add(dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go w.loop(ctx)
	return nil
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) watched(name string) bool {
	clean := filepath.Clean(name)
	for _, p := range w.manager.Files() {
		if filepath.Clean(p) == clean {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var last time.Time
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.watched(event.Name) || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if time.Since(last) < w.debounce {
				continue
			}
			last = time.Now()

			if err := w.manager.Load(); err != nil {
				logger.GetLogger().Warn("config reload failed", zap.String("file", event.Name), zap.Error(err))
				continue
			}
			logger.GetLogger().Info("config reloaded", zap.String("file", event.Name))
			if w.onReload != nil {
				w.onReload(w.manager)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.GetLogger().Warn("config watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}
