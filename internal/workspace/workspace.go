// Package workspace resolves and tracks the folders announced to
// language servers.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/lsphub/internal/lsp"
)

// ErrNotInWorkspace indicates a path outside every workspace folder.
var ErrNotInWorkspace = errors.New("path not in workspace")

// rootMarkers identify a project root, in priority order.
var rootMarkers = []string{
	".git",
	"go.mod",
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
	"pom.xml",
	"Gemfile",
	".lsphub.toml",
}

// DetectRoot walks up from start looking for a project marker. Without a
// marker it returns start unchanged.
func DetectRoot(start string) string {
	abs, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		abs = filepath.Dir(abs)
	}

	dir := abs
	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		dir = parent
	}
}

// Workspace is an ordered set of root folders. The first folder is the
// primary root sent as rootUri during initialization.
type Workspace struct {
	mu      sync.RWMutex
	folders []lsp.WorkspaceFolder
}

// New creates a workspace from one or more root directories.
func New(roots ...string) (*Workspace, error) {
	w := &Workspace{}
	for _, root := range roots {
		if err := w.AddFolder(root); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// AddFolder appends a root directory. Duplicates are ignored.
func (w *Workspace) AddFolder(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("workspace folder: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace folder %s: not a directory", abs)
	}

	folder := lsp.WorkspaceFolder{
		URI:  lsp.FilePathToURI(abs),
		Name: filepath.Base(abs),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.folders {
		if f.URI == folder.URI {
			return nil
		}
	}
	w.folders = append(w.folders, folder)
	return nil
}

// RemoveFolder drops a root directory by path.
func (w *Workspace) RemoveFolder(root string) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return
	}
	uri := lsp.FilePathToURI(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, f := range w.folders {
		if f.URI == uri {
			w.folders = append(w.folders[:i], w.folders[i+1:]...)
			return
		}
	}
}

// Folders returns the folders in order.
func (w *Workspace) Folders() []lsp.WorkspaceFolder {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]lsp.WorkspaceFolder, len(w.folders))
	copy(out, w.folders)
	return out
}

// Root returns the primary root path, or empty for a bare workspace.
func (w *Workspace) Root() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.folders) == 0 {
		return ""
	}
	return lsp.URIToFilePath(w.folders[0].URI)
}

// Contains reports whether a path lies under any workspace folder.
func (w *Workspace) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, f := range w.folders {
		root := lsp.URIToFilePath(f.URI)
		rel, err := filepath.Rel(root, abs)
		if err == nil && rel != ".." && !filepath.IsAbs(rel) &&
			(len(rel) < 3 || rel[:3] != ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// RelativePath returns a path relative to its containing folder.
func (w *Workspace) RelativePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, f := range w.folders {
		root := lsp.URIToFilePath(f.URI)
		rel, err := filepath.Rel(root, abs)
		if err == nil && rel != ".." && !filepath.IsAbs(rel) &&
			(len(rel) < 3 || rel[:3] != ".."+string(filepath.Separator)) {
			return rel, nil
		}
	}
	return "", fmt.Errorf("%s: %w", path, ErrNotInWorkspace)
}
