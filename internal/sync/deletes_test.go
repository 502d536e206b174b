package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/driveid"
)

func TestLocalDeleter_RemovesPath(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.UseRecycleBin = false

	deleter, err := NewLocalDeleter(cfg, discardLogger())
	require.NoError(t, err)

	dir := t.TempDir()
	writeFileAt(t, filepath.Join(dir, "sub", "file.txt"), "x", time.Now())

	require.NoError(t, deleter.Delete(filepath.Join(dir, "sub")))
	assert.NoDirExists(t, filepath.Join(dir, "sub"))

	// Already-gone paths are fine.
	assert.NoError(t, deleter.Delete(filepath.Join(dir, "sub")))
}

func TestLocalDeleter_DryRunKeepsPath(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.UseRecycleBin = false
	cfg.DryRun = true

	deleter, err := NewLocalDeleter(cfg, discardLogger())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keep.txt")
	writeFileAt(t, path, "x", time.Now())

	require.NoError(t, deleter.Delete(path))
	assert.FileExists(t, path)
}

type remoteDeleterFixture struct {
	deleter *RemoteDeleter
	store   *SQLiteStore
	cfg     *config.Config
	deleted []string
}

func newRemoteDeleterFixture(t *testing.T, mutate func(*config.Config)) *remoteDeleterFixture {
	t.Helper()

	cfg := config.Default()
	cfg.SyncDir = t.TempDir()

	if mutate != nil {
		mutate(cfg)
	}

	fx := &remoteDeleterFixture{cfg: cfg, store: newTestStore(t)}

	api := &fakeAPI{
		deleteItemFn: func(_ context.Context, _ driveid.ID, itemID string) error {
			fx.deleted = append(fx.deleted, itemID)

			return nil
		},
		permanentDeleteFn: func(_ context.Context, _ driveid.ID, itemID string) error {
			fx.deleted = append(fx.deleted, "perm:"+itemID)

			return nil
		},
	}

	fx.deleter = NewRemoteDeleter(api, fx.store, cfg, discardLogger())

	return fx
}

func TestRemoteDeleter_ChildrenFirst(t *testing.T) {
	t.Parallel()

	fx := newRemoteDeleterFixture(t, nil)
	ctx := context.Background()

	folder := dirRow(testDrive, "d1", "root-1", "Removed")
	require.NoError(t, fx.store.UpsertBatch(ctx, []*Item{
		rootRow(testDrive),
		folder,
		dirRow(testDrive, "d2", "d1", "Nested"),
		fileRow(testDrive, "f1", "d2", "deep.txt"),
	}))

	require.NoError(t, fx.deleter.DeleteQueued(ctx, []*Item{folder}))

	assert.Equal(t, []string{"f1", "d2", "d1"}, fx.deleted)

	_, err := fx.store.Get(ctx, testDrive, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoteDeleter_BigDeleteGuard(t *testing.T) {
	t.Parallel()

	fx := newRemoteDeleterFixture(t, func(c *config.Config) {
		c.ClassifyAsBigDelete = 3
	})
	ctx := context.Background()

	folder := dirRow(testDrive, "d1", "root-1", "Big")
	require.NoError(t, fx.store.UpsertBatch(ctx, []*Item{
		rootRow(testDrive),
		folder,
		fileRow(testDrive, "f1", "d1", "a.txt"),
		fileRow(testDrive, "f2", "d1", "b.txt"),
	}))

	// Three items total: the folder plus two descendants meets the
	// threshold, so nothing is issued.
	err := fx.deleter.DeleteQueued(ctx, []*Item{folder})
	require.ErrorIs(t, err, ErrBigDeleteBlocked)
	assert.Empty(t, fx.deleted)

	_, getErr := fx.store.Get(ctx, testDrive, "f1")
	assert.NoError(t, getErr)
}

func TestRemoteDeleter_ForceOverridesGuard(t *testing.T) {
	t.Parallel()

	fx := newRemoteDeleterFixture(t, func(c *config.Config) {
		c.ClassifyAsBigDelete = 2
		c.Force = true
	})
	ctx := context.Background()

	require.NoError(t, fx.store.UpsertBatch(ctx, []*Item{
		rootRow(testDrive),
		fileRow(testDrive, "f1", "root-1", "a.txt"),
		fileRow(testDrive, "f2", "root-1", "b.txt"),
	}))

	queued := []*Item{
		fileRow(testDrive, "f1", "root-1", "a.txt"),
		fileRow(testDrive, "f2", "root-1", "b.txt"),
	}
	require.NoError(t, fx.deleter.DeleteQueued(ctx, queued))
	assert.Len(t, fx.deleted, 2)
}

func TestRemoteDeleter_ThresholdCountsWholeQueue(t *testing.T) {
	t.Parallel()

	fx := newRemoteDeleterFixture(t, func(c *config.Config) {
		c.ClassifyAsBigDelete = 10
	})
	ctx := context.Background()

	items := []*Item{rootRow(testDrive)}
	var queued []*Item

	for i := 0; i < 10; i++ {
		row := fileRow(testDrive, fmt.Sprintf("f%d", i), "root-1", fmt.Sprintf("file-%d.txt", i))
		items = append(items, row)
		queued = append(queued, row)
	}

	require.NoError(t, fx.store.UpsertBatch(ctx, items))

	err := fx.deleter.DeleteQueued(ctx, queued)
	assert.ErrorIs(t, err, ErrBigDeleteBlocked)
	assert.Empty(t, fx.deleted)
}

func TestRemoteDeleter_NoRemoteDeleteSuppresses(t *testing.T) {
	t.Parallel()

	fx := newRemoteDeleterFixture(t, func(c *config.Config) {
		c.UploadOnly = true
		c.NoRemoteDelete = true
	})
	ctx := context.Background()

	row := fileRow(testDrive, "f1", "root-1", "a.txt")
	require.NoError(t, fx.store.UpsertBatch(ctx, []*Item{rootRow(testDrive), row}))

	require.NoError(t, fx.deleter.DeleteQueued(ctx, []*Item{row}))
	assert.Empty(t, fx.deleted)

	// The row survives so the item is not re-uploaded as new.
	_, err := fx.store.Get(ctx, testDrive, "f1")
	assert.NoError(t, err)
}

func TestRemoteDeleter_PermanentDelete(t *testing.T) {
	t.Parallel()

	fx := newRemoteDeleterFixture(t, func(c *config.Config) {
		c.PermanentDelete = true
	})
	ctx := context.Background()

	row := fileRow(testDrive, "f1", "root-1", "a.txt")
	require.NoError(t, fx.store.UpsertBatch(ctx, []*Item{rootRow(testDrive), row}))

	require.NoError(t, fx.deleter.DeleteQueued(ctx, []*Item{row}))
	assert.Equal(t, []string{"perm:f1"}, fx.deleted)
}

func TestRemoteDeleter_DryRunOnlyDropsRows(t *testing.T) {
	t.Parallel()

	fx := newRemoteDeleterFixture(t, func(c *config.Config) {
		c.DryRun = true
	})
	ctx := context.Background()

	row := fileRow(testDrive, "f1", "root-1", "a.txt")
	require.NoError(t, fx.store.UpsertBatch(ctx, []*Item{rootRow(testDrive), row}))

	require.NoError(t, fx.deleter.DeleteQueued(ctx, []*Item{row}))
	assert.Empty(t, fx.deleted)

	_, err := fx.store.Get(ctx, testDrive, "f1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalDeleter_TrashKeepsContent(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg := config.Default()
	cfg.UseRecycleBin = true

	deleter, err := NewLocalDeleter(cfg, discardLogger())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "precious.txt")
	writeFileAt(t, path, "do not lose", time.Now())

	require.NoError(t, deleter.Delete(path))
	assert.NoFileExists(t, path)

	trashed := filepath.Join(os.Getenv("XDG_DATA_HOME"), "Trash", "files", "precious.txt")
	content, err := os.ReadFile(trashed)
	require.NoError(t, err)
	assert.Equal(t, "do not lose", string(content))
}
