// Package watch keeps one filesystem watch per directory that some view
// needs and reports throttled changes.
package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
)

// Registry owns the watched directory set. Directories are keyed by
// absolute path so two users' homes never share an entry.
type Registry struct {
	interval time.Duration
	onChange func(dir string)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	dirs    map[string]*throttle
	closed  bool
	done    chan struct{}
}

// New starts a registry. onChange is called with the absolute directory at
// most once per interval per directory, plus once after a burst settles.
// It must not block.
func New(interval time.Duration, onChange func(dir string)) (*Registry, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	r := &Registry{
		interval: interval,
		onChange: onChange,
		watcher:  w,
		dirs:     make(map[string]*throttle),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// Ensure watches dir if it is not watched yet.
func (r *Registry) Ensure(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(dir)
}

// add must be called with r.mu held.
func (r *Registry) add(dir string) error {
	if r.closed {
		return errors.New("watch registry closed")
	}
	if _, ok := r.dirs[dir]; ok {
		return nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, apperr.Classify(err))
	}
	if !info.IsDir() {
		return apperr.Wrap(apperr.ErrNotADirectory, fmt.Errorf("watch %s", dir))
	}
	if err := r.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	r.dirs[dir] = newThrottle(r.interval, func() {
		metrics.RecordWatchTrigger()
		r.onChange(dir)
	})
	metrics.SetWatchesActive(len(r.dirs))
	logging.Debug("watch added", zap.String("dir", dir))
	return nil
}

// remove must be called with r.mu held.
func (r *Registry) remove(dir string) {
	t, ok := r.dirs[dir]
	if !ok {
		return
	}
	t.Stop()
	delete(r.dirs, dir)
	// The OS drops watches on deleted directories by itself, so a failure
	// here is expected after a delete.
	if err := r.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		logging.Debug("watch remove failed", zap.String("dir", dir), zap.Error(err))
	}
	metrics.SetWatchesActive(len(r.dirs))
	logging.Debug("watch removed", zap.String("dir", dir))
}

// Reconcile makes the watched set equal to needed: watches not in needed
// are removed and missing ones are added. Add failures are logged.
func (r *Registry) Reconcile(needed map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	for dir := range r.dirs {
		if _, ok := needed[dir]; !ok {
			r.remove(dir)
		}
	}
	for dir := range needed {
		if err := r.add(dir); err != nil {
			logging.Warn("watch failed during reconcile", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// Watched returns the watched directories, sorted.
func (r *Registry) Watched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.dirs))
	for dir := range r.dirs {
		out = append(out, dir)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of watched directories.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dirs)
}

// Close stops all watches and the event loop.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for dir, t := range r.dirs {
		t.Stop()
		delete(r.dirs, dir)
	}
	metrics.SetWatchesActive(0)
	r.mu.Unlock()

	err := r.watcher.Close()
	<-r.done
	return err
}

func (r *Registry) loop() {
	defer close(r.done)
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.dispatch(ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("watch error", zap.Error(err))
		}
	}
}

// dispatch triggers the watch of the directory containing the event path,
// and the watch on the path itself when a watched directory was removed or
// renamed.
func (r *Registry) dispatch(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	r.mu.Lock()
	var targets []*throttle
	if t, ok := r.dirs[filepath.Dir(ev.Name)]; ok {
		targets = append(targets, t)
	}
	if t, ok := r.dirs[filepath.Clean(ev.Name)]; ok {
		targets = append(targets, t)
	}
	r.mu.Unlock()

	for _, t := range targets {
		t.Trigger()
	}
}
