// Package watcher observes a workspace tree and reports file changes as
// protocol file events, debounced into batches.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/lsphub/internal/logging"
	"github.com/dshills/lsphub/internal/lsp"
)

// skipDirs are directory names never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
}

// Handler receives one debounced batch of file events.
type Handler func(events []lsp.FileEvent)

// Watcher recursively watches a directory tree. Raw filesystem events are
// coalesced per path within the debounce window, then delivered as one
// batch.
type Watcher struct {
	root     string
	debounce time.Duration
	handler  Handler

	fs *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]lsp.FileChangeType
	timer   *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a watcher over root. Events are delivered to handler after
// the debounce window closes.
func New(root string, debounce time.Duration, handler Handler) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		handler:  handler,
		fs:       fs,
		pending:  make(map[string]lsp.FileChangeType),
		done:     make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		fs.Close()
		return nil, err
	}
	return w, nil
}

// Run consumes filesystem events until the context ends or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", "error", err)
		}
	}
}

// Close stops the watcher. Pending events are dropped.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.fs.Close()
	})
	return err
}

// handleEvent records one raw event and arms the debounce timer. Renames
// count as deletions; a later create for the new name arrives separately.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	var typ lsp.FileChangeType
	switch {
	case ev.Op.Has(fsnotify.Create):
		typ = lsp.FileCreated
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(ev.Name)
		}
	case ev.Op.Has(fsnotify.Write):
		typ = lsp.FileChanged
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		typ = lsp.FileDeleted
	default:
		return
	}

	if skipDirs[filepath.Base(ev.Name)] || strings.HasPrefix(filepath.Base(ev.Name), ".#") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// A create followed by writes in the same window stays a create.
	if prev, ok := w.pending[ev.Name]; !ok || !(prev == lsp.FileCreated && typ == lsp.FileChanged) {
		w.pending[ev.Name] = typ
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

// flush delivers the coalesced batch.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]lsp.FileChangeType)
	w.timer = nil
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	if len(pending) == 0 {
		return
	}

	events := make([]lsp.FileEvent, 0, len(pending))
	for path, typ := range pending {
		events = append(events, lsp.FileEvent{
			URI:  lsp.FilePathToURI(path),
			Type: typ,
		})
	}
	w.handler(events)
}

// addTree registers root and every directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			logging.Debug("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}
