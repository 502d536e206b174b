package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/driveid"
	"github.com/odmirror/odmirror/internal/graph"
)

// SharedScope is one shared folder to sync: the remote drive and the
// folder item the feed should enumerate.
type SharedScope struct {
	RemoteDriveID driveid.ID
	RemoteItemID  string
	LocalName     string
}

// ShareHandler maintains the state-store records that stitch shared
// folders into the local tree: a root-tie for the remote drive and a
// folder-tie for the shared folder itself. Both must exist before any
// child of the share persists, or path computation breaks.
type ShareHandler struct {
	api    RemoteAPI
	store  Store
	cfg    *config.Config
	logger *slog.Logger

	// onlineOnlySkip remembers shares the configuration excludes so
	// each feed pass does not reprocess them.
	onlineOnlySkip map[driveid.ItemKey]bool
}

// NewShareHandler builds a ShareHandler.
func NewShareHandler(api RemoteAPI, store Store, cfg *config.Config, logger *slog.Logger) *ShareHandler {
	return &ShareHandler{
		api:            api,
		store:          store,
		cfg:            cfg,
		logger:         logger,
		onlineOnlySkip: make(map[driveid.ItemKey]bool),
	}
}

// EnsureTies guarantees the tie records for the shared folder an item
// references. Called with either the remote-pointer item itself or a
// cross-drive child whose parent chain crosses into another drive.
func (h *ShareHandler) EnsureTies(ctx context.Context, g *graph.Item) error {
	if g.IsRemote {
		return h.ensureFromPointer(ctx, g)
	}

	// A child arrived whose parent lives on another drive. The pointer
	// row that mounted this share tells us the local name and graft
	// point; without it, a bare root-tie at least keeps paths valid.
	pointers, err := h.store.RemotePointersTo(ctx, g.DriveID, g.ParentID)
	if err != nil {
		return err
	}

	if len(pointers) == 0 {
		_, err := h.ensureRootTie(ctx, g.DriveID, driveid.ID{}, "")

		return err
	}

	for _, pointer := range pointers {
		rootID, err := h.ensureRootTie(ctx, pointer.RemoteDriveID, pointer.DriveID, pointer.ParentID)
		if err != nil {
			return err
		}

		if err := h.ensureFolderTie(ctx, pointer, rootID); err != nil {
			return err
		}
	}

	return nil
}

// ensureFromPointer handles a remote-pointer item from the change feed.
func (h *ShareHandler) ensureFromPointer(ctx context.Context, g *graph.Item) error {
	key := driveid.ItemKey{Drive: g.RemoteDriveID, Item: g.RemoteID}

	if h.onlineOnlySkip[key] {
		return nil
	}

	if !g.DriveID.IsPersonal() && !h.cfg.SyncBusinessSharedItems {
		h.logger.Info("shared folder not synced, sync_business_shared_items is off",
			slog.String("name", g.Name),
		)

		h.onlineOnlySkip[key] = true

		return nil
	}

	pointer := &Item{
		DriveID:        g.DriveID,
		ID:             g.ID,
		ParentID:       g.ParentID,
		Name:           g.Name,
		Type:           TypeRemote,
		ETag:           g.ETag,
		Mtime:          g.ModifiedAt.UTC(),
		RemoteDriveID:  g.RemoteDriveID,
		RemoteID:       g.RemoteID,
		RemoteParentID: g.RemoteParentID,
		RemoteType:     TypeDir,
		SyncStatus:     StatusSynced,
	}

	if !g.RemoteIsFolder {
		pointer.RemoteType = TypeFile
	}

	if err := h.store.Upsert(ctx, pointer); err != nil {
		return err
	}

	// Business shares mounted inside a sub-directory graft there; a
	// share at the account root grafts at the root (empty reloc).
	relocDrive := driveid.ID{}
	relocParent := ""

	if !g.DriveID.IsPersonal() && g.ParentID != "" {
		relocDrive = g.DriveID
		relocParent = g.ParentID
	}

	rootID, err := h.ensureRootTie(ctx, g.RemoteDriveID, relocDrive, relocParent)
	if err != nil {
		return err
	}

	return h.ensureFolderTie(ctx, pointer, rootID)
}

// ensureRootTie creates (or finds) the root record for a remote drive,
// returning its item id.
func (h *ShareHandler) ensureRootTie(ctx context.Context, remoteDrive, relocDrive driveid.ID, relocParent string) (string, error) {
	root, err := h.api.GetRoot(ctx, remoteDrive)
	if err != nil {
		return "", fmt.Errorf("sync: resolving root of shared drive %s: %w", remoteDrive, err)
	}

	existing, err := h.store.Get(ctx, remoteDrive, root.ID)
	if err == nil {
		// Upgrade a bare tie with relocation data once it is known.
		if existing.RelocParentID == "" && relocParent != "" {
			existing.RelocDriveID = relocDrive
			existing.RelocParentID = relocParent

			if err := h.store.Upsert(ctx, existing); err != nil {
				return "", err
			}
		}

		return root.ID, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	tie := &Item{
		DriveID:       remoteDrive,
		ID:            root.ID,
		Type:          TypeRoot,
		ETag:          root.ETag,
		RelocDriveID:  relocDrive,
		RelocParentID: relocParent,
		SyncStatus:    StatusSynced,
	}

	if err := h.store.Upsert(ctx, tie); err != nil {
		return "", err
	}

	h.logger.Debug("created root tie for shared drive",
		slog.String("remote_drive_id", remoteDrive.String()),
	)

	return root.ID, nil
}

// ensureFolderTie creates the shared folder's own record on the remote
// drive, named after the local mount name the user sees.
func (h *ShareHandler) ensureFolderTie(ctx context.Context, pointer *Item, rootID string) error {
	existing, err := h.store.Get(ctx, pointer.RemoteDriveID, pointer.RemoteID)
	if err == nil {
		if existing.Name != pointer.Name {
			existing.Name = pointer.Name

			return h.store.Upsert(ctx, existing)
		}

		return nil
	}

	if !errors.Is(err, ErrNotFound) {
		return err
	}

	remote, err := h.api.GetItem(ctx, pointer.RemoteDriveID, pointer.RemoteID)
	if err != nil {
		return fmt.Errorf("sync: resolving shared folder %s: %w", pointer.Name, err)
	}

	tie := &Item{
		DriveID:    pointer.RemoteDriveID,
		ID:         pointer.RemoteID,
		ParentID:   rootID,
		Name:       pointer.Name,
		RemoteName: remote.Name,
		Type:       TypeDir,
		ETag:       remote.ETag,
		Mtime:      remote.ModifiedAt.UTC(),
		SyncStatus: StatusSynced,
	}

	if err := h.store.Upsert(ctx, tie); err != nil {
		return err
	}

	h.logger.Info("mounted shared folder",
		slog.String("name", pointer.Name),
		slog.String("remote_drive_id", pointer.RemoteDriveID.String()),
	)

	return nil
}

// DiscoverShared enumerates shared-with-me entries and materializes
// ties for each eligible folder, returning the scopes the feed should
// sync.
func (h *ShareHandler) DiscoverShared(ctx context.Context) ([]SharedScope, error) {
	entries, err := h.api.SharedWithMe(ctx)
	if err != nil {
		return nil, err
	}

	var scopes []SharedScope

	for i := range entries {
		item := &entries[i].Item

		if !item.RemoteIsFolder && !item.IsFolder {
			if !h.cfg.SyncBusinessSharedFiles {
				continue
			}
		}

		remoteDrive := item.RemoteDriveID
		remoteID := item.RemoteID

		if remoteDrive.IsZero() {
			remoteDrive = item.DriveID
			remoteID = item.ID
		}

		key := driveid.ItemKey{Drive: remoteDrive, Item: remoteID}
		if h.onlineOnlySkip[key] {
			continue
		}

		if err := h.EnsureTies(ctx, item); err != nil {
			h.logger.Error("failed to mount shared folder",
				slog.String("name", item.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		if h.onlineOnlySkip[key] {
			continue
		}

		scopes = append(scopes, SharedScope{
			RemoteDriveID: remoteDrive,
			RemoteItemID:  remoteID,
			LocalName:     item.Name,
		})
	}

	return scopes, nil
}
