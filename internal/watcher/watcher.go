// Package watcher is the optional background project-discovery goroutine.
// It watches a root directory for new project markers and surfaces them
// as read-only snapshots; the loop goroutine polls Snapshot() between
// tasks and never shares mutable state with the watcher.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kazz187/taskwarden/pkg/panicsafe"
	"github.com/kazz187/taskwarden/pkg/werr"
)

const debounce = 500 * time.Millisecond

// markers identify a directory as a project root.
var markers = []string{"go.mod", "package.json", "pyproject.toml", "Makefile"}

// Watcher discovers project directories under root.
type Watcher struct {
	root string

	mu       sync.RWMutex
	projects map[string]bool

	fs   *fsnotify.Watcher
	done chan struct{}
}

func New(root string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, werr.New(werr.Internal, "failed to create filesystem watcher", err)
	}
	w := &Watcher{
		root:     root,
		projects: make(map[string]bool),
		fs:       fs,
		done:     make(chan struct{}),
	}
	return w, nil
}

// Start scans once, then watches for changes until ctx is cancelled.
// The goroutine is panic-isolated; a crash inside it degrades discovery
// but never takes the run down.
func (w *Watcher) Start(ctx context.Context) error {
	w.scan()
	if err := w.fs.Add(w.root); err != nil {
		return werr.New(werr.Internal, "failed to watch project root", err)
	}
	go func() {
		defer close(w.done)
		if err := panicsafe.SafeContext(w.run)(ctx); err != nil {
			slog.Error("project watcher stopped", "error", err)
		}
	}()
	return nil
}

func (w *Watcher) run(ctx context.Context) error {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return w.fs.Close()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: bulk operations (clone, untar) fire event storms.
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.scan()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			slog.Warn("filesystem watcher error", "error", err)
		}
	}
}

// scan rebuilds the project set from the direct children of root.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		slog.Warn("failed to scan project root", "root", w.root, "error", err)
		return
	}
	found := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, entry.Name())
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				found[dir] = true
				break
			}
		}
	}

	w.mu.Lock()
	for dir := range found {
		if !w.projects[dir] {
			slog.Info("project discovered", "dir", dir)
		}
	}
	w.projects = found
	w.mu.Unlock()
}

// Snapshot returns the sorted list of currently known project
// directories. The returned slice is a copy.
func (w *Watcher) Snapshot() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	dirs := make([]string, 0, len(w.projects))
	for dir := range w.projects {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// Wait blocks until the watcher goroutine has exited.
func (w *Watcher) Wait() {
	<-w.done
}
