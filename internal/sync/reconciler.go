package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/driveid"
	"github.com/odmirror/odmirror/internal/graph"
)

// TieEnsurer creates the state-store tie records for a shared folder
// before any of its children persist. Implemented by ShareHandler.
type TieEnsurer interface {
	EnsureTies(ctx context.Context, item *graph.Item) error
}

// DownloadTask is one queued download, resolved to its local path.
// The author names ride along for optional xattr provenance.
type DownloadTask struct {
	Item           *Item
	RelPath        string
	CreatedBy      string
	LastModifiedBy string
}

// Reconciler applies batched remote changes to the state store and the
// local tree. Directory creation, renames, and metadata updates happen
// inline; content downloads queue for the transfer pool.
type Reconciler struct {
	store    Store
	api      RemoteAPI
	filter   *Filter
	verifier *Verifier
	deleter  *LocalDeleter
	ties     TieEnsurer
	cfg      *config.Config
	logger   *slog.Logger

	downloads []DownloadTask

	// skipped carries filter exclusions down to descendants that arrive
	// later in the feed.
	skipped map[driveid.ItemKey]bool

	// shadow records dry-run creations so later events treat them as
	// real without touching disk.
	shadow map[driveid.ItemKey]bool
}

// NewReconciler wires a Reconciler for one sync cycle.
func NewReconciler(store Store, api RemoteAPI, filter *Filter, verifier *Verifier,
	deleter *LocalDeleter, ties TieEnsurer, cfg *config.Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		api:      api,
		filter:   filter,
		verifier: verifier,
		deleter:  deleter,
		ties:     ties,
		cfg:      cfg,
		logger:   logger,
		skipped:  make(map[driveid.ItemKey]bool),
		shadow:   make(map[driveid.ItemKey]bool),
	}
}

// Downloads drains the accumulated download queue.
func (r *Reconciler) Downloads() []DownloadTask {
	tasks := r.downloads
	r.downloads = nil

	return tasks
}

// itemFromGraph converts an API item to its state-store shape.
func itemFromGraph(g *graph.Item) *Item {
	item := &Item{
		DriveID:      g.DriveID,
		ID:           g.ID,
		ParentID:     g.ParentID,
		Name:         g.Name,
		Type:         TypeFile,
		ETag:         g.ETag,
		CTag:         g.CTag,
		Mtime:        g.ModifiedAt.UTC(),
		Size:         g.Size,
		QuickXorHash: g.QuickXorHash,
		SHA256Hash:   g.SHA256Hash,
		SyncStatus:   StatusSynced,
	}

	switch {
	case g.IsRoot:
		item.Type = TypeRoot
		item.ParentID = ""
	case g.IsRemote:
		item.Type = TypeRemote
		item.RemoteDriveID = g.RemoteDriveID
		item.RemoteID = g.RemoteID
		item.RemoteParentID = g.RemoteParentID
		item.RemoteType = TypeFile

		if g.RemoteIsFolder {
			item.RemoteType = TypeDir
		}
	case g.IsFolder:
		item.Type = TypeDir
	}

	return item
}

// ApplyRoot persists the feed's scope anchor. A true drive root keeps
// the relocation fields an existing tie record may carry; a scoped
// anchor (a shared folder, a --single-directory target) keeps its
// tracked directory identity instead of being promoted to a root.
func (r *Reconciler) ApplyRoot(ctx context.Context, g *graph.Item) error {
	existing, err := r.store.Get(ctx, g.DriveID, g.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	tracked := err == nil

	if !g.IsRoot {
		if !tracked {
			// First pass over a scoped directory: persist it like any
			// other folder event so its ancestor chain is filled in.
			return r.applyOne(ctx, g)
		}

		existing.ETag = g.ETag
		existing.SyncStatus = StatusSynced

		if !g.ModifiedAt.IsZero() {
			existing.Mtime = g.ModifiedAt.UTC()
		}

		return r.store.Upsert(ctx, existing)
	}

	item := itemFromGraph(g)
	item.Type = TypeRoot
	item.ParentID = ""

	if tracked && existing.Type == TypeRoot {
		item.Name = existing.Name
		item.RelocDriveID = existing.RelocDriveID
		item.RelocParentID = existing.RelocParentID
	}

	return r.store.Upsert(ctx, item)
}

// ApplyBatch reconciles one ordered batch. Per-item failures are
// logged and skipped; only state corruption and cancellation abort the
// batch.
func (r *Reconciler) ApplyBatch(ctx context.Context, items []*graph.Item) error {
	for _, g := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.applyOne(ctx, g)
		if errors.Is(err, ErrInconsistentState) {
			return err
		}

		if err != nil {
			r.logger.Error("failed to reconcile remote change",
				slog.String("name", g.Name),
				slog.String("item_id", g.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func (r *Reconciler) applyOne(ctx context.Context, g *graph.Item) error {
	// Parent-chain fetches can climb all the way to the drive root.
	if g.IsRoot {
		return r.ApplyRoot(ctx, g)
	}

	key := driveid.ItemKey{Drive: g.DriveID, Item: g.ID}

	parentDrive := g.ParentDriveID
	if parentDrive.IsZero() {
		parentDrive = g.DriveID
	}

	parentKey := driveid.ItemKey{Drive: parentDrive, Item: g.ParentID}

	if r.skipped[parentKey] {
		r.skipped[key] = true

		return nil
	}

	// Shared-folder pointers create tie records instead of ordinary
	// rows; their children then arrive via the shared-folder feed.
	if g.IsRemote {
		return r.ties.EnsureTies(ctx, g)
	}

	if err := r.ensureParent(ctx, g, parentDrive); err != nil {
		return err
	}

	// ensureParent marks the item skipped when its parent vanished
	// online mid-enumeration.
	if r.skipped[key] {
		return nil
	}

	relPath, err := r.itemPath(ctx, parentDrive, g.ParentID, g.Name)
	if err != nil {
		return err
	}

	if result := r.filter.Evaluate(relPath, g.IsFolder, g.Size); !result.Included {
		if g.IsFolder && !result.Descend {
			r.skipped[key] = true
		}

		r.logger.Debug("remote change excluded by filters",
			slog.String("path", relPath),
			slog.String("reason", result.Reason),
		)

		return nil
	}

	existing, err := r.store.Get(ctx, g.DriveID, g.ID)
	if errors.Is(err, ErrNotFound) {
		return r.applyPotentiallyNewLocalItem(ctx, g, relPath)
	}

	if err != nil {
		return err
	}

	return r.applyPotentiallyChangedItem(ctx, existing, g, relPath)
}

// ensureParent makes sure the parent row exists before a child is
// persisted. Cross-drive parents mean a shared-folder edge; same-drive
// gaps are filled by fetching the parent out of order.
func (r *Reconciler) ensureParent(ctx context.Context, g *graph.Item, parentDrive driveid.ID) error {
	if g.ParentID == "" {
		return nil
	}

	if r.shadow[driveid.ItemKey{Drive: parentDrive, Item: g.ParentID}] {
		return nil
	}

	_, err := r.store.Get(ctx, parentDrive, g.ParentID)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrNotFound) {
		return err
	}

	if !parentDrive.Equal(g.DriveID) {
		return r.ties.EnsureTies(ctx, g)
	}

	parent, err := r.api.GetItem(ctx, parentDrive, g.ParentID)
	if errors.Is(err, graph.ErrNotFound) {
		r.logger.Warn("parent of remote change no longer exists, skipping",
			slog.String("name", g.Name),
			slog.String("parent_id", g.ParentID),
		)

		r.skipped[driveid.ItemKey{Drive: g.DriveID, Item: g.ID}] = true

		return nil
	}

	if err != nil {
		return err
	}

	return r.applyOne(ctx, parent)
}

// itemPath computes the sync-root-relative path of (parent, name).
func (r *Reconciler) itemPath(ctx context.Context, parentDrive driveid.ID, parentID, name string) (string, error) {
	if parentID == "" {
		return name, nil
	}

	parentPath, err := r.store.MaterializePath(ctx, parentDrive, parentID)
	if err != nil {
		return "", err
	}

	if parentPath == "" {
		return name, nil
	}

	return parentPath + "/" + name, nil
}

// applyPotentiallyNewLocalItem handles a remote item with no store row.
// The local path may still exist (first run over a seeded directory),
// so the branches guard against clobbering local content.
func (r *Reconciler) applyPotentiallyNewLocalItem(ctx context.Context, g *graph.Item, relPath string) error {
	item := itemFromGraph(g)
	localPath := filepath.Join(r.cfg.SyncDir, filepath.FromSlash(relPath))

	if item.IsDir() {
		if !r.cfg.DryRun {
			if err := os.MkdirAll(localPath, 0o755); err != nil {
				return fmt.Errorf("sync: creating directory %s: %w", localPath, err)
			}
		} else {
			r.shadow[item.Key()] = true
		}

		return r.store.Upsert(ctx, item)
	}

	if g.IsMalware {
		r.logger.Warn("remote file flagged as malware, not downloading",
			slog.String("path", relPath),
		)

		return nil
	}

	_, statErr := os.Lstat(localPath)
	if errors.Is(statErr, os.ErrNotExist) {
		r.enqueueDownload(item, relPath, g)

		return nil
	}

	if statErr != nil {
		return fmt.Errorf("sync: stat %s: %w", localPath, statErr)
	}

	outcome, err := r.verifier.VerifyLocal(localPath, item)
	if err != nil {
		return err
	}

	switch outcome {
	case VerifyMatch:
		return r.store.Upsert(ctx, item)

	case VerifyTimestampOnly:
		// Same bytes, drifted clock. Fix the timestamp, skip the
		// transfer.
		if !r.cfg.DryRun {
			if err := os.Chtimes(localPath, item.Mtime, item.Mtime); err != nil {
				return fmt.Errorf("sync: updating mtime of %s: %w", localPath, err)
			}
		}

		return r.store.Upsert(ctx, item)

	default:
		if !r.cfg.BypassDataPreservation && !r.cfg.DryRun {
			if _, err := SafeBackup(localPath, r.logger); err != nil {
				return err
			}
		}

		r.enqueueDownload(item, relPath, g)

		return nil
	}
}

// applyPotentiallyChangedItem handles a remote change to a tracked
// item: renames and moves apply inline, content changes queue a
// download, metadata-only changes just update the row.
func (r *Reconciler) applyPotentiallyChangedItem(ctx context.Context, existing *Item, g *graph.Item, relPath string) error {
	item := itemFromGraph(g)
	item.RemoteName = existing.RemoteName

	if existing.ETag == item.ETag {
		// Upsert even when nothing changed. Simulated delta downgrades
		// the whole subtree to stale before enumerating and treats rows
		// still stale afterwards as deleted online, so every walked item
		// must be written back to promote its row.
		return r.store.Upsert(ctx, item)
	}

	oldRelPath, err := r.store.MaterializePath(ctx, existing.DriveID, existing.ID)
	if err != nil {
		return err
	}

	if oldRelPath != relPath {
		if err := r.renameLocal(ctx, oldRelPath, relPath, item); err != nil {
			return err
		}
	}

	contentChanged := item.Type == TypeFile &&
		(existing.QuickXorHash != item.QuickXorHash || existing.SHA256Hash != item.SHA256Hash ||
			(!item.HasHash() && existing.Size != item.Size))

	if contentChanged {
		if g.IsMalware {
			r.logger.Warn("remote file flagged as malware, not downloading",
				slog.String("path", relPath),
			)

			return nil
		}

		r.enqueueDownload(item, relPath, g)

		return nil
	}

	return r.store.Upsert(ctx, item)
}

// renameLocal moves the tracked local path to its new location,
// preserving an untracked occupant of the destination.
func (r *Reconciler) renameLocal(ctx context.Context, oldRelPath, newRelPath string, item *Item) error {
	oldPath := filepath.Join(r.cfg.SyncDir, filepath.FromSlash(oldRelPath))
	newPath := filepath.Join(r.cfg.SyncDir, filepath.FromSlash(newRelPath))

	if r.cfg.DryRun {
		r.logger.Info("dry run: would rename",
			slog.String("from", oldRelPath),
			slog.String("to", newRelPath),
		)

		return nil
	}

	if _, err := os.Lstat(newPath); err == nil {
		if _, err := SafeBackup(newPath, r.logger); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return fmt.Errorf("sync: creating parent of %s: %w", newPath, err)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Old path never existed locally; the download will create
			// the new one.
			return nil
		}

		return fmt.Errorf("sync: renaming %s to %s: %w", oldPath, newPath, err)
	}

	if item.Type == TypeFile {
		if err := os.Chtimes(newPath, item.Mtime, item.Mtime); err != nil {
			return fmt.Errorf("sync: updating mtime of %s: %w", newPath, err)
		}
	}

	r.logger.Info("renamed local path",
		slog.String("from", oldRelPath),
		slog.String("to", newRelPath),
	)

	return nil
}

func (r *Reconciler) enqueueDownload(item *Item, relPath string, g *graph.Item) {
	if r.cfg.UploadOnly {
		return
	}

	r.downloads = append(r.downloads, DownloadTask{
		Item:           item,
		RelPath:        relPath,
		CreatedBy:      g.CreatedBy,
		LastModifiedBy: g.LastModifiedBy,
	})
}

// ApplyDeletions removes items deleted online: local paths first
// (children before parents), then the store rows.
func (r *Reconciler) ApplyDeletions(ctx context.Context, keys []driveid.ItemKey) error {
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		existing, err := r.store.Get(ctx, key.Drive, key.Item)
		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return err
		}

		if err := r.deleteSubtree(ctx, existing); err != nil {
			r.logger.Error("failed to apply online deletion",
				slog.String("name", existing.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func (r *Reconciler) deleteSubtree(ctx context.Context, item *Item) error {
	relPath, err := r.store.MaterializePath(ctx, item.DriveID, item.ID)
	if err != nil {
		return err
	}

	if item.IsDir() {
		children, err := r.store.Children(ctx, item.DriveID, item.ID)
		if err != nil {
			return err
		}

		// Drop child rows first so the store never holds orphans; the
		// local directory goes in one move.
		for _, child := range children {
			if err := r.dropSubtreeRows(ctx, child); err != nil {
				return err
			}
		}
	}

	localPath := filepath.Join(r.cfg.SyncDir, filepath.FromSlash(relPath))
	if err := r.deleter.Delete(localPath); err != nil {
		return err
	}

	return r.store.Delete(ctx, item.DriveID, item.ID)
}

func (r *Reconciler) dropSubtreeRows(ctx context.Context, item *Item) error {
	if item.IsDir() {
		children, err := r.store.Children(ctx, item.DriveID, item.ID)
		if err != nil {
			return err
		}

		for _, child := range children {
			if err := r.dropSubtreeRows(ctx, child); err != nil {
				return err
			}
		}
	}

	return r.store.Delete(ctx, item.DriveID, item.ID)
}

// Compile-time check: the reconciler is the feed's handler.
var _ FeedHandler = (*Reconciler)(nil)
