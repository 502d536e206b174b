package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/graph"
)

// Xattr names for item provenance, written when write_xattr_data is on.
const (
	xattrCreatedBy      = "user.onedrive.createdBy"
	xattrLastModifiedBy = "user.onedrive.lastModifiedBy"
)

const partialSuffix = ".partial"

// Downloader executes queued download tasks. One Downloader serves one
// worker; the RemoteAPI handle is not shared across workers.
type Downloader struct {
	api      RemoteAPI
	store    Store
	sessions *SessionStore
	verifier *Verifier
	drives   *DriveCache
	cfg      *config.Config
	logger   *slog.Logger
	limiter  *rate.Limiter

	freeSpaceFunc func(dir string) (int64, error)
}

// NewDownloader builds a Downloader around one API handle.
func NewDownloader(api RemoteAPI, store Store, sessions *SessionStore, verifier *Verifier,
	drives *DriveCache, cfg *config.Config, logger *slog.Logger, limiter *rate.Limiter) *Downloader {
	return &Downloader{
		api:           api,
		store:         store,
		sessions:      sessions,
		verifier:      verifier,
		drives:        drives,
		cfg:           cfg,
		logger:        logger,
		limiter:       limiter,
		freeSpaceFunc: freeSpace,
	}
}

func freeSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("sync: statfs %s: %w", dir, err)
	}

	return int64(st.Bavail) * st.Bsize, nil
}

// Download fetches one remote file to its local path, resuming a prior
// partial transfer when a descriptor matches.
func (d *Downloader) Download(ctx context.Context, task DownloadTask) error {
	item := task.Item
	localPath := filepath.Join(d.cfg.SyncDir, filepath.FromSlash(task.RelPath))

	if d.cfg.DryRun {
		d.logger.Info("dry run: would download",
			slog.String("path", task.RelPath),
			slog.Int64("size", item.Size),
		)

		return nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("sync: creating parent of %s: %w", localPath, err)
	}

	free, err := d.freeSpaceFunc(filepath.Dir(localPath))
	if err != nil {
		return err
	}

	if free < item.Size+d.cfg.SpaceReservationBytes() {
		return fmt.Errorf("%w: %s needs %d bytes, %d available",
			ErrInsufficientSpace, task.RelPath, item.Size, free)
	}

	if err := d.preserveLocalEdits(localPath, item); err != nil {
		return err
	}

	descriptor := d.findResume(item, localPath)

	if err := d.fetch(ctx, item, localPath, descriptor); err != nil {
		return err
	}

	if err := d.validate(ctx, item, localPath, task.RelPath); err != nil {
		return err
	}

	if err := os.Chtimes(localPath, item.Mtime, item.Mtime); err != nil {
		return fmt.Errorf("sync: updating mtime of %s: %w", localPath, err)
	}

	d.writeXattrs(localPath, task)

	if err := d.store.Upsert(ctx, item); err != nil {
		return err
	}

	if descriptor != nil {
		_ = d.sessions.RemoveDownload(descriptor.Nonce)
	}

	d.logger.Info("downloaded",
		slog.String("path", task.RelPath),
		slog.Int64("size", item.Size),
	)

	return nil
}

// preserveLocalEdits backs up an existing local file whose content no
// longer matches what the store last saw.
func (d *Downloader) preserveLocalEdits(localPath string, item *Item) error {
	if _, err := os.Lstat(localPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	outcome, err := d.verifier.VerifyLocal(localPath, item)
	if err != nil || outcome != VerifyModified {
		return err
	}

	if d.cfg.BypassDataPreservation {
		return nil
	}

	_, err = SafeBackup(localPath, d.logger)

	return err
}

// findResume looks for a descriptor matching this item whose partial
// file is still present with a plausible length.
func (d *Downloader) findResume(item *Item, localPath string) *DownloadDescriptor {
	descriptors, err := d.sessions.ListDownloads()
	if err != nil {
		return nil
	}

	for _, desc := range descriptors {
		if !desc.DriveID.Equal(item.DriveID) || desc.ItemID != item.ID {
			continue
		}

		if desc.ETag != item.ETag {
			// Content changed online since the partial was written.
			_ = d.sessions.RemoveDownload(desc.Nonce)
			_ = os.Remove(desc.PartialPath)

			continue
		}

		info, err := os.Lstat(desc.PartialPath)
		if err != nil || info.Size() != desc.Offset || desc.PartialPath != localPath+partialSuffix {
			_ = d.sessions.RemoveDownload(desc.Nonce)

			continue
		}

		return desc
	}

	return nil
}

// fetch streams remote content into the partial file, persisting a
// resume descriptor on failure.
func (d *Downloader) fetch(ctx context.Context, item *Item, localPath string, descriptor *DownloadDescriptor) error {
	partialPath := localPath + partialSuffix

	var offset int64
	if descriptor != nil {
		offset = descriptor.Offset

		d.logger.Info("resuming interrupted download",
			slog.String("path", partialPath),
			slog.Int64("offset", offset),
		)
	}

	body, _, err := d.api.Download(ctx, item.DriveID, item.ID, offset)
	if errors.Is(err, graph.ErrRangeNotSatisfiable) && offset > 0 {
		// Server will not honor the range; restart from scratch.
		offset = 0

		if descriptor != nil {
			_ = d.sessions.RemoveDownload(descriptor.Nonce)
			descriptor = nil
		}

		body, _, err = d.api.Download(ctx, item.DriveID, item.ID, 0)
	}

	if err != nil {
		return err
	}
	defer body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}

	out, err := os.OpenFile(partialPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("sync: opening partial file %s: %w", partialPath, err)
	}

	written, copyErr := io.Copy(out, throttle(ctx, body, d.limiter))
	closeErr := out.Close()

	if copyErr != nil || closeErr != nil {
		d.persistResume(item, localPath, descriptor, offset+written)

		if copyErr != nil {
			return fmt.Errorf("sync: downloading %s: %w", item.Name, copyErr)
		}

		return fmt.Errorf("sync: closing partial file: %w", closeErr)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		return fmt.Errorf("sync: moving %s into place: %w", partialPath, err)
	}

	return nil
}

func (d *Downloader) persistResume(item *Item, localPath string, descriptor *DownloadDescriptor, offset int64) {
	if descriptor == nil {
		descriptor = &DownloadDescriptor{
			DriveID:      item.DriveID,
			ItemID:       item.ID,
			PartialPath:  localPath + partialSuffix,
			Size:         item.Size,
			ETag:         item.ETag,
			QuickXorHash: item.QuickXorHash,
		}
	}

	descriptor.Offset = offset
	descriptor.RelPath = item.Name

	if err := d.sessions.SaveDownload(descriptor); err != nil {
		d.logger.Error("failed to persist download resume state",
			slog.String("path", localPath),
			slog.String("error", err.Error()),
		)
	}
}

// validate compares the downloaded file against the remote metadata.
// Mismatched files are removed, and on SharePoint drives the row is
// also cleared since server-side enrichment rewrote the content.
func (d *Downloader) validate(ctx context.Context, item *Item, localPath, relPath string) error {
	if d.cfg.DisableDownloadValidation {
		return nil
	}

	info, err := os.Lstat(localPath)
	if err != nil {
		return fmt.Errorf("sync: stat downloaded file: %w", err)
	}

	sizeOK := info.Size() == item.Size

	hashOK := true
	if item.HasHash() {
		outcome, err := d.verifier.VerifyLocal(localPath, item)
		if err != nil {
			return err
		}

		hashOK = outcome == VerifyMatch || outcome == VerifyTimestampOnly
	}

	if sizeOK && hashOK {
		return nil
	}

	state, stateErr := d.drives.Get(ctx, item.DriveID)
	onSharePoint := stateErr == nil && state.DriveType == graph.DriveTypeDocLib

	if onSharePoint {
		d.logger.Warn("downloaded file failed validation, SharePoint enrichment suspected",
			slog.String("path", relPath),
		)

		_ = os.Remove(localPath)
		_ = d.store.Delete(ctx, item.DriveID, item.ID)

		return fmt.Errorf("sync: downloaded %s failed integrity validation", relPath)
	}

	d.logger.Warn("downloaded file failed validation, removing",
		slog.String("path", relPath),
		slog.Int64("expected_size", item.Size),
		slog.Int64("actual_size", info.Size()),
	)

	_ = os.Remove(localPath)

	return fmt.Errorf("sync: downloaded %s failed integrity validation", relPath)
}

func (d *Downloader) writeXattrs(localPath string, task DownloadTask) {
	if !d.cfg.WriteXattrData {
		return
	}

	if task.CreatedBy != "" {
		if err := xattr.Set(localPath, xattrCreatedBy, []byte(task.CreatedBy)); err != nil {
			d.logger.Debug("failed to write xattr", slog.String("error", err.Error()))
		}
	}

	if task.LastModifiedBy != "" {
		if err := xattr.Set(localPath, xattrLastModifiedBy, []byte(task.LastModifiedBy)); err != nil {
			d.logger.Debug("failed to write xattr", slog.String("error", err.Error()))
		}
	}
}
