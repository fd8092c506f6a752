// Package filewatch turns file system changes into invalidations.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/krisalay/query-cache/invalidation"
)

const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

/*
Watcher is a Bridge whose topics are cleaned absolute file paths, the topics
filesource.Lines watches.

The first time a path gets a watcher its parent directory is added to fsnotify.
Directories survive editors that replace files by rename, single files do not.
Every write, create, remove or rename inside a watched directory is reported to
the hub; paths nobody watches are ignored there.
*/
type Watcher struct {
	fs     *fsnotify.Watcher
	hub    *invalidation.Hub
	logger *zap.Logger

	mu   sync.Mutex
	dirs map[string]struct{}

	wg sync.WaitGroup
}

// New starts a watcher. buffer sizes the hub queue.
func New(buffer int, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatch: %w", err)
	}

	w := &Watcher{
		fs:     fs,
		logger: logger,
		dirs:   make(map[string]struct{}),
	}
	w.hub = invalidation.NewHub(buffer,
		invalidation.WithWatchHook(w.watchPath),
		invalidation.WithLogger(logger),
	)

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Subscribe implements invalidation.Bridge.
func (w *Watcher) Subscribe(onChange func(invalidation.Event)) (invalidation.Subscription, error) {
	return w.hub.Subscribe(onChange)
}

// Hub exposes the underlying hub, e.g. for manual notifications.
func (w *Watcher) Hub() *invalidation.Hub { return w.hub }

// Dirs returns how many directories are being observed.
func (w *Watcher) Dirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Close stops observing the file system, then closes the hub (which fires
// every remaining subscription).
func (w *Watcher) Close() error {
	err := w.fs.Close()
	w.wg.Wait()
	return errors.Join(err, w.hub.Close())
}

func (w *Watcher) watchPath(topic string) error {
	dir := filepath.Dir(filepath.Clean(topic))

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = struct{}{}
	w.logger.Debug("watching directory", zap.String("dir", dir))
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 {
				continue
			}
			err := w.hub.Notify(context.Background(), filepath.Clean(ev.Name), ev.Op.String())
			if errors.Is(err, invalidation.ErrClosed) {
				return
			}
			if err != nil {
				w.logger.Warn("notify failed", zap.String("path", ev.Name), zap.Error(err))
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}
