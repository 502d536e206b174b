package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrash(t *testing.T) *Trash {
	t.Helper()

	trash, err := newTrashAt(filepath.Join(t.TempDir(), "Trash"), discardLogger())
	require.NoError(t, err)

	return trash
}

func TestTrash_MoveWritesSidecar(t *testing.T) {
	t.Parallel()

	trash := newTestTrash(t)
	trash.nowFunc = func() time.Time {
		return time.Date(2025, 6, 1, 14, 30, 5, 0, time.Local)
	}

	path := filepath.Join(t.TempDir(), "report.txt")
	writeFileAt(t, path, "hello", time.Now())

	require.NoError(t, trash.Move(path))
	assert.NoFileExists(t, path)

	content, err := os.ReadFile(filepath.Join(trash.filesDir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	info, err := os.ReadFile(filepath.Join(trash.infoDir, "report.txt.trashinfo"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "[Trash Info]\n")
	assert.Contains(t, string(info), "Path="+path+"\n")
	assert.Contains(t, string(info), "DeletionDate=2025-06-01T14:30:05\n")
}

func TestTrash_PercentEncodesPath(t *testing.T) {
	t.Parallel()

	trash := newTestTrash(t)

	dir := filepath.Join(t.TempDir(), "has space")
	path := filepath.Join(dir, "o&d.txt")
	writeFileAt(t, path, "x", time.Now())

	require.NoError(t, trash.Move(path))

	info, err := os.ReadFile(filepath.Join(trash.infoDir, "o&d.txt.trashinfo"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "has%20space")
	assert.Contains(t, string(info), "o&d.txt")
}

func TestTrash_NameCollisions(t *testing.T) {
	t.Parallel()

	trash := newTestTrash(t)
	src := t.TempDir()

	for i := 0; i < 3; i++ {
		sub := filepath.Join(src, "copy", "dup.txt")
		writeFileAt(t, sub, "x", time.Now())
		require.NoError(t, trash.Move(sub))
		require.NoError(t, os.RemoveAll(filepath.Join(src, "copy")))
	}

	assert.FileExists(t, filepath.Join(trash.filesDir, "dup.txt"))
	assert.FileExists(t, filepath.Join(trash.filesDir, "dup.1.txt"))
	assert.FileExists(t, filepath.Join(trash.filesDir, "dup.2.txt"))
	assert.FileExists(t, filepath.Join(trash.infoDir, "dup.1.txt.trashinfo"))
}

func TestTrash_MovesDirectories(t *testing.T) {
	t.Parallel()

	trash := newTestTrash(t)

	dir := filepath.Join(t.TempDir(), "project")
	writeFileAt(t, filepath.Join(dir, "nested", "file.txt"), "x", time.Now())

	require.NoError(t, trash.Move(dir))
	assert.NoDirExists(t, dir)
	assert.FileExists(t, filepath.Join(trash.filesDir, "project", "nested", "file.txt"))
}
