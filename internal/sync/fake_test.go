package sync

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odmirror/odmirror/internal/driveid"
	"github.com/odmirror/odmirror/internal/graph"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// fakeAPI implements RemoteAPI through per-method function fields, so
// each test wires only the calls it expects. Unwired methods fail the
// call with graph.ErrNotFound rather than panicking.
type fakeAPI struct {
	defaultDriveFn        func(ctx context.Context) (*graph.Drive, error)
	driveFn               func(ctx context.Context, driveID driveid.ID) (*graph.Drive, error)
	getRootFn             func(ctx context.Context, driveID driveid.ID) (*graph.Item, error)
	getItemFn             func(ctx context.Context, driveID driveid.ID, itemID string) (*graph.Item, error)
	getItemByPathFn       func(ctx context.Context, driveID driveid.ID, remotePath string) (*graph.Item, error)
	listChildrenFn        func(ctx context.Context, driveID driveid.ID, parentID string) ([]graph.Item, error)
	deltaFn               func(ctx context.Context, driveID driveid.ID, rootID, token string) (*graph.DeltaPage, error)
	createFolderFn        func(ctx context.Context, driveID driveid.ID, parentID, name string) (*graph.Item, error)
	updateItemFn          func(ctx context.Context, driveID driveid.ID, itemID string, change graph.UpdateChange) (*graph.Item, error)
	deleteItemFn          func(ctx context.Context, driveID driveid.ID, itemID string) error
	permanentDeleteFn     func(ctx context.Context, driveID driveid.ID, itemID string) error
	simpleUploadFn        func(ctx context.Context, driveID driveid.ID, parentID, name string, r io.Reader, size int64) (*graph.Item, error)
	simpleUploadReplaceFn func(ctx context.Context, driveID driveid.ID, itemID string, r io.Reader, size int64) (*graph.Item, error)
	createSessionFn       func(ctx context.Context, driveID driveid.ID, parentID, name string, mtime time.Time, eTag string, replaceExisting bool) (*graph.UploadSession, error)
	uploadFragmentFn      func(ctx context.Context, session *graph.UploadSession, fragment io.Reader, offset, length, total int64) (*graph.Item, error)
	querySessionFn        func(ctx context.Context, session *graph.UploadSession) (*graph.UploadSessionStatus, error)
	cancelSessionFn       func(ctx context.Context, session *graph.UploadSession) error
	downloadFn            func(ctx context.Context, driveID driveid.ID, itemID string, offset int64) (io.ReadCloser, int64, error)
	sharedWithMeFn        func(ctx context.Context) ([]graph.SharedItem, error)
}

func (f *fakeAPI) DefaultDrive(ctx context.Context) (*graph.Drive, error) {
	if f.defaultDriveFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.defaultDriveFn(ctx)
}

func (f *fakeAPI) Drive(ctx context.Context, driveID driveid.ID) (*graph.Drive, error) {
	if f.driveFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.driveFn(ctx, driveID)
}

func (f *fakeAPI) GetRoot(ctx context.Context, driveID driveid.ID) (*graph.Item, error) {
	if f.getRootFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.getRootFn(ctx, driveID)
}

func (f *fakeAPI) GetItem(ctx context.Context, driveID driveid.ID, itemID string) (*graph.Item, error) {
	if f.getItemFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.getItemFn(ctx, driveID, itemID)
}

func (f *fakeAPI) GetItemByPath(ctx context.Context, driveID driveid.ID, remotePath string) (*graph.Item, error) {
	if f.getItemByPathFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.getItemByPathFn(ctx, driveID, remotePath)
}

func (f *fakeAPI) ListChildren(ctx context.Context, driveID driveid.ID, parentID string) ([]graph.Item, error) {
	if f.listChildrenFn == nil {
		return nil, nil
	}

	return f.listChildrenFn(ctx, driveID, parentID)
}

func (f *fakeAPI) Delta(ctx context.Context, driveID driveid.ID, rootID, token string) (*graph.DeltaPage, error) {
	if f.deltaFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.deltaFn(ctx, driveID, rootID, token)
}

func (f *fakeAPI) CreateFolder(ctx context.Context, driveID driveid.ID, parentID, name string) (*graph.Item, error) {
	if f.createFolderFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.createFolderFn(ctx, driveID, parentID, name)
}

func (f *fakeAPI) UpdateItem(ctx context.Context, driveID driveid.ID, itemID string, change graph.UpdateChange) (*graph.Item, error) {
	if f.updateItemFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.updateItemFn(ctx, driveID, itemID, change)
}

func (f *fakeAPI) DeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error {
	if f.deleteItemFn == nil {
		return graph.ErrNotFound
	}

	return f.deleteItemFn(ctx, driveID, itemID)
}

func (f *fakeAPI) PermanentDeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error {
	if f.permanentDeleteFn == nil {
		return graph.ErrNotFound
	}

	return f.permanentDeleteFn(ctx, driveID, itemID)
}

func (f *fakeAPI) SimpleUpload(ctx context.Context, driveID driveid.ID, parentID, name string, r io.Reader, size int64) (*graph.Item, error) {
	if f.simpleUploadFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.simpleUploadFn(ctx, driveID, parentID, name, r, size)
}

func (f *fakeAPI) SimpleUploadReplace(ctx context.Context, driveID driveid.ID, itemID string, r io.Reader, size int64) (*graph.Item, error) {
	if f.simpleUploadReplaceFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.simpleUploadReplaceFn(ctx, driveID, itemID, r, size)
}

func (f *fakeAPI) CreateUploadSession(ctx context.Context, driveID driveid.ID, parentID, name string,
	mtime time.Time, eTag string, replaceExisting bool) (*graph.UploadSession, error) {
	if f.createSessionFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.createSessionFn(ctx, driveID, parentID, name, mtime, eTag, replaceExisting)
}

func (f *fakeAPI) UploadFragment(ctx context.Context, session *graph.UploadSession, fragment io.Reader,
	offset, length, total int64) (*graph.Item, error) {
	if f.uploadFragmentFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.uploadFragmentFn(ctx, session, fragment, offset, length, total)
}

func (f *fakeAPI) QueryUploadSession(ctx context.Context, session *graph.UploadSession) (*graph.UploadSessionStatus, error) {
	if f.querySessionFn == nil {
		return nil, graph.ErrNotFound
	}

	return f.querySessionFn(ctx, session)
}

func (f *fakeAPI) CancelUploadSession(ctx context.Context, session *graph.UploadSession) error {
	if f.cancelSessionFn == nil {
		return nil
	}

	return f.cancelSessionFn(ctx, session)
}

func (f *fakeAPI) Download(ctx context.Context, driveID driveid.ID, itemID string, offset int64) (io.ReadCloser, int64, error) {
	if f.downloadFn == nil {
		return nil, 0, graph.ErrNotFound
	}

	return f.downloadFn(ctx, driveID, itemID, offset)
}

func (f *fakeAPI) SharedWithMe(ctx context.Context) ([]graph.SharedItem, error) {
	if f.sharedWithMeFn == nil {
		return nil, nil
	}

	return f.sharedWithMeFn(ctx)
}

var _ RemoteAPI = (*fakeAPI)(nil)

// fakeHandler records the event stream a feed delivers.
type fakeHandler struct {
	roots     []*graph.Item
	batches   [][]*graph.Item
	deletions [][]driveid.ItemKey
}

func (h *fakeHandler) ApplyRoot(_ context.Context, item *graph.Item) error {
	h.roots = append(h.roots, item)

	return nil
}

func (h *fakeHandler) ApplyBatch(_ context.Context, items []*graph.Item) error {
	batch := make([]*graph.Item, len(items))
	copy(batch, items)
	h.batches = append(h.batches, batch)

	return nil
}

func (h *fakeHandler) ApplyDeletions(_ context.Context, keys []driveid.ItemKey) error {
	h.deletions = append(h.deletions, keys)

	return nil
}

func (h *fakeHandler) batchedItems() []*graph.Item {
	var all []*graph.Item
	for _, b := range h.batches {
		all = append(all, b...)
	}

	return all
}
