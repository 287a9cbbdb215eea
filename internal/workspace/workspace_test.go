package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))

	got := DetectRoot(filepath.Join(root, "pkg", "sub"))
	assert.Equal(t, root, got)
}

func TestDetectRootFromFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	file := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(file, []byte("package main\n"), 0o644))

	assert.Equal(t, root, DetectRoot(file))
}

func TestDetectRootNoMarker(t *testing.T) {
	dir := t.TempDir()
	// No marker anywhere under the temp root: the start directory wins.
	sub := filepath.Join(dir, "plain")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	got := DetectRoot(sub)
	// A marker in an ancestor of the temp dir can still match on some
	// systems; the result must at least contain the start or be an ancestor.
	rel, err := filepath.Rel(got, sub)
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(rel))
}

func TestFolders(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()

	ws, err := New(a, b)
	require.NoError(t, err)

	folders := ws.Folders()
	require.Len(t, folders, 2)
	assert.Equal(t, filepath.Base(a), folders[0].Name)
	assert.Equal(t, a, ws.Root())

	// Duplicates are ignored.
	require.NoError(t, ws.AddFolder(a))
	assert.Len(t, ws.Folders(), 2)

	ws.RemoveFolder(a)
	folders = ws.Folders()
	require.Len(t, folders, 1)
	assert.Equal(t, b, ws.Root())
}

func TestAddFolderErrors(t *testing.T) {
	ws, err := New()
	require.NoError(t, err)
	assert.Empty(t, ws.Root())

	assert.Error(t, ws.AddFolder(filepath.Join(t.TempDir(), "missing")))

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, ws.AddFolder(file))
}

func TestContainsAndRelativePath(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "src", "main.go")
	outside := filepath.Join(t.TempDir(), "other.go")

	ws, err := New(root)
	require.NoError(t, err)

	assert.True(t, ws.Contains(inside))
	assert.False(t, ws.Contains(outside))

	rel, err := ws.RelativePath(inside)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("src", "main.go"), rel)

	_, err = ws.RelativePath(outside)
	assert.ErrorIs(t, err, ErrNotInWorkspace)
}
