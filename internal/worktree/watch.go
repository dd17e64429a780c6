package worktree

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DirtyWatcher does best-effort detection of uncommitted worktree
// changes between reconciliation passes, so the orchestrator can surface
// an advisory notice ("uncommitted state survived a prior container
// kill") without waiting for the next full reconcile. The orchestrator
// starts Run but does not call IsDirty, so no such notice is sent.
type DirtyWatcher struct {
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu    sync.Mutex
	dirty map[string]bool
}

func NewDirtyWatcher(log *slog.Logger) (*DirtyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DirtyWatcher{watcher: w, log: log, dirty: make(map[string]bool)}, nil
}

// Watch adds folder's worktree path to the watch set.
func (d *DirtyWatcher) Watch(folder, path string) error {
	if err := d.watcher.Add(path); err != nil {
		return err
	}
	return nil
}

// Run consumes fsnotify events until the watcher is closed, marking a
// folder dirty on any event (chmod included) whose path is a key of
// folderByPath or sits directly inside one. Intended to run in its own
// goroutine.
func (d *DirtyWatcher) Run(folderByPath map[string]string) {
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			folder, found := folderByPath[ev.Name]
			if !found {
				folder, found = folderByPath[filepath.Dir(ev.Name)]
			}
			if found {
				d.mu.Lock()
				d.dirty[folder] = true
				d.mu.Unlock()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Debug("worktree watcher error", "error", err)
		}
	}
}

// IsDirty reports and clears the dirty flag for folder.
func (d *DirtyWatcher) IsDirty(folder string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	dirty := d.dirty[folder]
	d.dirty[folder] = false
	return dirty
}

func (d *DirtyWatcher) Close() error { return d.watcher.Close() }
