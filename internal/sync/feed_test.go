package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odmirror/odmirror/internal/driveid"
	"github.com/odmirror/odmirror/internal/graph"
)

func newTestFeed(t *testing.T, api *fakeAPI, handler FeedHandler) (*Feed, *SQLiteStore) {
	t.Helper()

	store := newTestStore(t)
	feed := NewFeed(api, store, handler, discardLogger())
	feed.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return feed, store
}

func rootEvent(id string) graph.Item {
	return graph.Item{ID: id, Name: "root", DriveID: testDrive, IsRoot: true, IsFolder: true}
}

func fileEvent(id, parentID, name string) graph.Item {
	return graph.Item{
		ID:       id,
		Name:     name,
		DriveID:  testDrive,
		ParentID: parentID,
		Size:     10,
	}
}

func TestFeedNative_SingleBundle(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		deltaFn: func(_ context.Context, _ driveid.ID, _, token string) (*graph.DeltaPage, error) {
			assert.Empty(t, token)

			return &graph.DeltaPage{
				Items: []graph.Item{
					rootEvent("root-1"),
					fileEvent("f1", "root-1", "a.txt"),
					fileEvent("f2", "root-1", "b.txt"),
				},
				DeltaLink: "delta-token-1",
			}, nil
		},
	}

	handler := &fakeHandler{}
	feed, store := newTestFeed(t, api, handler)
	ctx := context.Background()

	require.NoError(t, feed.ConsumeNative(ctx, testDrive, ""))

	require.Len(t, handler.roots, 1)
	assert.Equal(t, "root-1", handler.roots[0].ID)
	assert.Len(t, handler.batchedItems(), 2)

	token, err := store.GetDeltaLink(ctx, testDrive, "")
	require.NoError(t, err)
	assert.Equal(t, "delta-token-1", token)
}

func TestFeedNative_PaginationOrder(t *testing.T) {
	t.Parallel()

	pages := map[string]*graph.DeltaPage{
		"": {
			Items:    []graph.Item{rootEvent("root-1"), fileEvent("f1", "root-1", "a.txt")},
			NextLink: "page-2",
		},
		"page-2": {
			Items:     []graph.Item{fileEvent("f2", "root-1", "b.txt")},
			DeltaLink: "final-token",
		},
	}

	api := &fakeAPI{
		deltaFn: func(_ context.Context, _ driveid.ID, _, token string) (*graph.DeltaPage, error) {
			page, ok := pages[token]
			require.True(t, ok, "unexpected token %q", token)

			return page, nil
		},
	}

	handler := &fakeHandler{}
	feed, _ := newTestFeed(t, api, handler)

	require.NoError(t, feed.ConsumeNative(context.Background(), testDrive, ""))

	items := handler.batchedItems()
	require.Len(t, items, 2)
	assert.Equal(t, "f1", items[0].ID)
	assert.Equal(t, "f2", items[1].ID)
}

func TestFeedNative_ExpiredTokenRestartsOnce(t *testing.T) {
	t.Parallel()

	var calls []string

	api := &fakeAPI{
		deltaFn: func(_ context.Context, _ driveid.ID, _, token string) (*graph.DeltaPage, error) {
			calls = append(calls, token)

			if token == "stale-token" {
				return nil, graph.ErrGone
			}

			return &graph.DeltaPage{
				Items:     []graph.Item{rootEvent("root-1")},
				DeltaLink: "fresh-token",
			}, nil
		},
	}

	handler := &fakeHandler{}
	feed, store := newTestFeed(t, api, handler)
	ctx := context.Background()

	require.NoError(t, store.SetDeltaLink(ctx, testDrive, "", "stale-token"))
	require.NoError(t, feed.ConsumeNative(ctx, testDrive, ""))

	assert.Equal(t, []string{"stale-token", ""}, calls)

	token, err := store.GetDeltaLink(ctx, testDrive, "")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
}

func TestFeedNative_ExpiredTokenOnFullEnumerationFails(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		deltaFn: func(context.Context, driveid.ID, string, string) (*graph.DeltaPage, error) {
			return nil, graph.ErrGone
		},
	}

	feed, _ := newTestFeed(t, api, &fakeHandler{})

	err := feed.ConsumeNative(context.Background(), testDrive, "")
	assert.ErrorIs(t, err, graph.ErrGone)
}

func TestFeedNative_BrokenPagingTokenRetriesWindow(t *testing.T) {
	t.Parallel()

	failedOnce := false

	api := &fakeAPI{
		deltaFn: func(_ context.Context, _ driveid.ID, _, token string) (*graph.DeltaPage, error) {
			switch token {
			case "":
				return &graph.DeltaPage{
					Items:    []graph.Item{rootEvent("root-1")},
					NextLink: "page-2",
				}, nil
			case "page-2":
				if !failedOnce {
					failedOnce = true

					return nil, graph.ErrBadRequest
				}

				return &graph.DeltaPage{DeltaLink: "final"}, nil
			default:
				t.Fatalf("unexpected token %q", token)

				return nil, nil
			}
		},
	}

	handler := &fakeHandler{}
	feed, _ := newTestFeed(t, api, handler)

	require.NoError(t, feed.ConsumeNative(context.Background(), testDrive, ""))

	// The retry restarts from the bundle's starting token, so the root
	// event is delivered twice. Reconciliation is idempotent.
	assert.Len(t, handler.roots, 2)
}

func TestFeedNative_BatchFlushThreshold(t *testing.T) {
	t.Parallel()

	items := []graph.Item{rootEvent("root-1")}
	for i := 0; i < feedBatchSize+10; i++ {
		items = append(items, fileEvent(fmt.Sprintf("f%d", i), "root-1", fmt.Sprintf("file-%d.txt", i)))
	}

	api := &fakeAPI{
		deltaFn: func(context.Context, driveid.ID, string, string) (*graph.DeltaPage, error) {
			return &graph.DeltaPage{Items: items, DeltaLink: "done"}, nil
		},
	}

	handler := &fakeHandler{}
	feed, _ := newTestFeed(t, api, handler)

	require.NoError(t, feed.ConsumeNative(context.Background(), testDrive, ""))

	require.Len(t, handler.batches, 2)
	assert.Len(t, handler.batches[0], feedBatchSize)
	assert.Len(t, handler.batches[1], 10)
}

func TestFeedNative_DeletionsApplyAfterPageItems(t *testing.T) {
	t.Parallel()

	deleted := fileEvent("f2", "root-1", "gone.txt")
	deleted.IsDeleted = true

	api := &fakeAPI{
		deltaFn: func(context.Context, driveid.ID, string, string) (*graph.DeltaPage, error) {
			return &graph.DeltaPage{
				Items: []graph.Item{
					rootEvent("root-1"),
					deleted,
					fileEvent("f1", "root-1", "kept.txt"),
				},
				DeltaLink: "done",
			}, nil
		},
	}

	handler := &fakeHandler{}
	feed, _ := newTestFeed(t, api, handler)

	require.NoError(t, feed.ConsumeNative(context.Background(), testDrive, ""))

	// The surviving item flushes before the page's deletions apply.
	require.Len(t, handler.batches, 1)
	require.Len(t, handler.deletions, 1)
	assert.Equal(t, driveid.ItemKey{Drive: testDrive, Item: "f2"}, handler.deletions[0][0])
}

func TestFeedClassify_OneNotePackageSkipsSubtree(t *testing.T) {
	t.Parallel()

	notebook := graph.Item{
		ID: "nb1", Name: "My Notebook", DriveID: testDrive, ParentID: "root-1",
		IsPackage: true, PackageType: "oneNote",
	}
	section := graph.Item{
		ID: "sec1", Name: "Section.one", DriveID: testDrive, ParentID: "nb1",
	}

	api := &fakeAPI{
		deltaFn: func(context.Context, driveid.ID, string, string) (*graph.DeltaPage, error) {
			return &graph.DeltaPage{
				Items:     []graph.Item{rootEvent("root-1"), notebook, section, fileEvent("f1", "root-1", "a.txt")},
				DeltaLink: "done",
			}, nil
		},
	}

	handler := &fakeHandler{}
	feed, _ := newTestFeed(t, api, handler)

	require.NoError(t, feed.ConsumeNative(context.Background(), testDrive, ""))

	items := handler.batchedItems()
	require.Len(t, items, 1)
	assert.Equal(t, "f1", items[0].ID)
}

func TestFeedClassify_OneNoteArtifacts(t *testing.T) {
	t.Parallel()

	feed, _ := newTestFeed(t, &fakeAPI{}, &fakeHandler{})

	tests := []struct {
		name string
		item graph.Item
		want feedEvent
	}{
		{
			"recycle bin folder",
			graph.Item{ID: "rb", Name: "OneNote_RecycleBin", DriveID: testDrive, ParentID: "p", IsFolder: true},
			eventSkip,
		},
		{
			"section file by mime",
			graph.Item{ID: "s1", Name: "Notes.one", DriveID: testDrive, ParentID: "p", MimeType: "application/msonenote"},
			eventSkip,
		},
		{
			"section file octet-stream",
			graph.Item{ID: "s2", Name: "Notes.onetoc2", DriveID: testDrive, ParentID: "p", MimeType: "application/octet-stream"},
			eventSkip,
		},
		{
			"dot-one file with real mime is kept",
			graph.Item{ID: "s3", Name: "video.one", DriveID: testDrive, ParentID: "p", MimeType: "video/mp4"},
			eventItem,
		},
		{
			"package type casing",
			graph.Item{ID: "nb", Name: "NB", DriveID: testDrive, ParentID: "p", IsPackage: true, PackageType: "OneNote"},
			eventSkip,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := tt.item
			assert.Equal(t, tt.want, feed.classify(testDrive, &item))
		})
	}
}

// promotingHandler mimics the reconciler's side effect of writing every
// walked item back to the store, which promotes the row to synced.
type promotingHandler struct {
	fakeHandler
	store Store
}

func (h *promotingHandler) ApplyBatch(ctx context.Context, items []*graph.Item) error {
	for _, g := range items {
		if err := h.store.Upsert(ctx, itemFromGraph(g)); err != nil {
			return err
		}
	}

	return h.fakeHandler.ApplyBatch(ctx, items)
}

func TestFeedSimulated_DeletesStaleRows(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		getItemFn: func(_ context.Context, _ driveid.ID, itemID string) (*graph.Item, error) {
			require.Equal(t, "root-1", itemID)
			root := rootEvent("root-1")

			return &root, nil
		},
		listChildrenFn: func(_ context.Context, _ driveid.ID, parentID string) ([]graph.Item, error) {
			if parentID == "root-1" {
				return []graph.Item{fileEvent("f1", "root-1", "kept.txt")}, nil
			}

			return nil, nil
		},
	}

	store := newTestStore(t)
	handler := &promotingHandler{store: store}
	feed := NewFeed(api, store, handler, discardLogger())
	feed.sleepFunc = func(context.Context, time.Duration) error { return nil }
	ctx := context.Background()

	// f2 exists in the store but is gone online.
	require.NoError(t, store.UpsertBatch(ctx, []*Item{
		rootRow(testDrive),
		fileRow(testDrive, "f1", "root-1", "kept.txt"),
		fileRow(testDrive, "f2", "root-1", "gone.txt"),
	}))

	require.NoError(t, feed.ConsumeSimulated(ctx, testDrive, "root-1"))

	require.Len(t, handler.roots, 1)
	require.Len(t, handler.batchedItems(), 1)
	require.Len(t, handler.deletions, 1)
	assert.Equal(t, driveid.ItemKey{Drive: testDrive, Item: "f2"}, handler.deletions[0][0])
}

func TestFeedSimulated_UnchangedItemsSurvive(t *testing.T) {
	t.Parallel()

	mtime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := remoteFile("f1", "root-1", "keep.txt", "hash-keep")

	api := &fakeAPI{
		getItemFn: func(_ context.Context, _ driveid.ID, itemID string) (*graph.Item, error) {
			require.Equal(t, "root-1", itemID)
			root := rootEvent("root-1")

			return &root, nil
		},
		listChildrenFn: func(_ context.Context, _ driveid.ID, parentID string) ([]graph.Item, error) {
			if parentID == "root-1" {
				return []graph.Item{*g}, nil
			}

			return nil, nil
		},
	}

	fx := newReconcilerFixture(t, api, nil)
	ctx := context.Background()

	localPath := filepath.Join(fx.cfg.SyncDir, "keep.txt")
	writeFileAt(t, localPath, "12345", mtime)

	require.NoError(t, fx.store.Upsert(ctx, rootRow(testDrive)))
	require.NoError(t, fx.store.Upsert(ctx, itemFromGraph(g)))

	feed := NewFeed(api, fx.store, fx.rec, discardLogger())
	feed.sleepFunc = func(context.Context, time.Duration) error { return nil }

	// The downgrade-walk-delete sequence must leave an unchanged tracked
	// file alone cycle after cycle: the walk has to promote every row it
	// visits, or the stale sweep mistakes the file for deleted online.
	for n := 0; n < 2; n++ {
		require.NoError(t, feed.ConsumeSimulated(ctx, testDrive, "root-1"))
	}

	assert.FileExists(t, localPath)
	assert.Empty(t, fx.rec.Downloads())

	row, err := fx.store.Get(ctx, testDrive, "f1")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, row.SyncStatus)
}

func TestFeedSimulated_RecursiveWalkParentsFirst(t *testing.T) {
	t.Parallel()

	folder := graph.Item{ID: "d1", Name: "Documents", DriveID: testDrive, ParentID: "root-1", IsFolder: true}

	api := &fakeAPI{
		getRootFn: func(context.Context, driveid.ID) (*graph.Item, error) {
			root := rootEvent("root-1")

			return &root, nil
		},
		listChildrenFn: func(_ context.Context, _ driveid.ID, parentID string) ([]graph.Item, error) {
			switch parentID {
			case "root-1":
				return []graph.Item{folder}, nil
			case "d1":
				return []graph.Item{fileEvent("f1", "d1", "deep.txt")}, nil
			default:
				return nil, nil
			}
		},
	}

	handler := &fakeHandler{}
	feed, _ := newTestFeed(t, api, handler)

	require.NoError(t, feed.ConsumeSimulated(context.Background(), testDrive, ""))

	items := handler.batchedItems()
	require.Len(t, items, 2)
	assert.Equal(t, "d1", items[0].ID)
	assert.Equal(t, "f1", items[1].ID)
}

func TestFeedSimulated_ScopedRoot(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		getItemFn: func(_ context.Context, _ driveid.ID, itemID string) (*graph.Item, error) {
			require.Equal(t, "scope-dir", itemID)

			return &graph.Item{ID: "scope-dir", Name: "Work", DriveID: testDrive, IsFolder: true, IsRoot: false, ParentID: "root-1"}, nil
		},
	}

	handler := &fakeHandler{}
	feed, _ := newTestFeed(t, api, handler)

	require.NoError(t, feed.ConsumeSimulated(context.Background(), testDrive, "scope-dir"))

	require.Len(t, handler.roots, 1)
	assert.Equal(t, "scope-dir", handler.roots[0].ID)
}
