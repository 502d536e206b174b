package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/driveid"
	"github.com/odmirror/odmirror/internal/graph"
)

// UploadTask is one queued upload. ItemID set means replace-in-place;
// otherwise the file is created under (DriveID, ParentID).
type UploadTask struct {
	DriveID  driveid.ID
	ParentID string
	ItemID   string
	ETag     string
	Name     string
	RelPath  string
	Size     int64
	Mtime    time.Time
}

// UploadResult reports the uploaded item and whether the engine should
// re-download it to pick up server-side rewrites.
type UploadResult struct {
	Item            *Item
	NeedsRedownload bool
}

// Uploader executes queued upload tasks. One Uploader serves one
// worker.
type Uploader struct {
	api      RemoteAPI
	store    Store
	sessions *SessionStore
	drives   *DriveCache
	cfg      *config.Config
	logger   *slog.Logger
	limiter  *rate.Limiter
}

// NewUploader builds an Uploader around one API handle.
func NewUploader(api RemoteAPI, store Store, sessions *SessionStore, drives *DriveCache,
	cfg *config.Config, logger *slog.Logger, limiter *rate.Limiter) *Uploader {
	return &Uploader{
		api:      api,
		store:    store,
		sessions: sessions,
		drives:   drives,
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
	}
}

// Upload transfers one local file online, choosing simple or session
// upload by size.
func (u *Uploader) Upload(ctx context.Context, task UploadTask) (*UploadResult, error) {
	localPath := filepath.Join(u.cfg.SyncDir, filepath.FromSlash(task.RelPath))

	ok, err := u.drives.CanUpload(ctx, task.DriveID, task.Size)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: cannot upload %s (%d bytes)", ErrQuotaExhausted, task.RelPath, task.Size)
	}

	if u.cfg.DryRun {
		u.logger.Info("dry run: would upload",
			slog.String("path", task.RelPath),
			slog.Int64("size", task.Size),
		)

		return &UploadResult{Item: u.fakeItem(task)}, nil
	}

	var uploaded *graph.Item

	if task.Size <= graph.SimpleUploadMaxSize && !u.cfg.ForceSessionUpload {
		uploaded, err = u.simpleUpload(ctx, task, localPath)
	} else {
		uploaded, err = u.sessionUpload(ctx, task, localPath)
	}

	if err != nil {
		return nil, err
	}

	return u.finalize(ctx, task, localPath, uploaded)
}

// fakeItem synthesizes a store row for dry-run mode so later steps see
// the item as created.
func (u *Uploader) fakeItem(task UploadTask) *Item {
	id := task.ItemID
	if id == "" {
		id = "dryrun-" + uuid.NewString()
	}

	return &Item{
		DriveID:    task.DriveID,
		ID:         id,
		ParentID:   task.ParentID,
		Name:       task.Name,
		Type:       TypeFile,
		Mtime:      task.Mtime.UTC(),
		Size:       task.Size,
		SyncStatus: StatusSynced,
	}
}

func (u *Uploader) simpleUpload(ctx context.Context, task UploadTask, localPath string) (*graph.Item, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("sync: opening %s for upload: %w", localPath, err)
	}
	defer f.Close()

	if task.ItemID != "" {
		return u.api.SimpleUploadReplace(ctx, task.DriveID, task.ItemID, f, task.Size)
	}

	return u.api.SimpleUpload(ctx, task.DriveID, task.ParentID, task.Name, f, task.Size)
}

// sessionUpload runs the resumable upload protocol: create (or resume)
// a session, then PUT aligned fragments until the server returns the
// completed item. The descriptor persists after every fragment so a
// crash resumes instead of restarting.
func (u *Uploader) sessionUpload(ctx context.Context, task UploadTask, localPath string) (*graph.Item, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("sync: opening %s for upload: %w", localPath, err)
	}
	defer f.Close()

	descriptor, session, offset, err := u.resumeOrCreate(ctx, task, localPath)
	if err != nil {
		return nil, err
	}

	fragmentSize := u.cfg.FragmentSizeBytes()

	recreate := func() error {
		fresh, err := u.createSession(ctx, task)
		if err != nil {
			return err
		}

		session = fresh
		offset = 0
		descriptor.UploadURL = fresh.UploadURL
		descriptor.Expiration = fresh.ExpirationTime
		descriptor.NextOffset = 0

		return u.sessions.SaveUpload(descriptor)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		length := fragmentSize
		if remaining := task.Size - offset; remaining < length {
			length = remaining
		}

		fragment := throttle(ctx, io.NewSectionReader(f, offset, length), u.limiter)

		item, err := u.api.UploadFragment(ctx, session, fragment, offset, length, task.Size)

		switch {
		case errors.Is(err, graph.ErrForbidden):
			// The pre-authenticated URL's embedded token expired before
			// the session did. Only a fresh session helps.
			u.logger.Warn("upload session URL expired, restarting with a new session",
				slog.String("path", task.RelPath),
			)

			if err := recreate(); err != nil {
				return nil, err
			}

			continue

		case errors.Is(err, graph.ErrNotFound):
			u.logger.Warn("upload session no longer exists, restarting",
				slog.String("path", task.RelPath),
			)

			if err := recreate(); err != nil {
				return nil, err
			}

			continue

		case errors.Is(err, graph.ErrRangeNotSatisfiable):
			status, qErr := u.api.QueryUploadSession(ctx, session)
			if qErr != nil {
				return nil, qErr
			}

			offset = nextExpectedOffset(status.NextExpectedRanges, task.Size)
			descriptor.NextOffset = offset

			if sErr := u.sessions.SaveUpload(descriptor); sErr != nil {
				return nil, sErr
			}

			continue

		case err != nil:
			descriptor.NextOffset = offset
			if sErr := u.sessions.SaveUpload(descriptor); sErr != nil {
				u.logger.Error("failed to persist upload session state",
					slog.String("error", sErr.Error()),
				)
			}

			return nil, fmt.Errorf("sync: uploading fragment of %s at offset %d: %w", task.RelPath, offset, err)
		}

		offset += length
		descriptor.NextOffset = offset

		if err := u.sessions.SaveUpload(descriptor); err != nil {
			return nil, err
		}

		if item != nil {
			_ = u.sessions.RemoveUpload(descriptor.Nonce)

			return item, nil
		}

		if offset >= task.Size {
			return nil, fmt.Errorf("sync: upload of %s consumed all bytes without completing", task.RelPath)
		}
	}
}

// resumeOrCreate finds a matching persisted session and validates it
// against the server, falling back to a fresh session.
func (u *Uploader) resumeOrCreate(ctx context.Context, task UploadTask, localPath string) (*UploadDescriptor, *graph.UploadSession, int64, error) {
	descriptors, err := u.sessions.ListUploads()
	if err != nil {
		return nil, nil, 0, err
	}

	for _, desc := range descriptors {
		if desc.LocalPath != localPath || desc.Size != task.Size {
			continue
		}

		session := &graph.UploadSession{UploadURL: desc.UploadURL, ExpirationTime: desc.Expiration}

		status, err := u.api.QueryUploadSession(ctx, session)
		if err != nil {
			_ = u.sessions.RemoveUpload(desc.Nonce)

			continue
		}

		offset := nextExpectedOffset(status.NextExpectedRanges, task.Size)

		u.logger.Info("resuming interrupted upload",
			slog.String("path", task.RelPath),
			slog.Int64("offset", offset),
		)

		return desc, session, offset, nil
	}

	session, err := u.createSession(ctx, task)
	if err != nil {
		return nil, nil, 0, err
	}

	descriptor := &UploadDescriptor{
		UploadURL:  session.UploadURL,
		DriveID:    task.DriveID,
		ParentID:   task.ParentID,
		ItemID:     task.ItemID,
		Name:       task.Name,
		LocalPath:  localPath,
		Size:       task.Size,
		Mtime:      task.Mtime,
		Expiration: session.ExpirationTime,
	}

	if err := u.sessions.SaveUpload(descriptor); err != nil {
		return nil, nil, 0, err
	}

	return descriptor, session, 0, nil
}

func (u *Uploader) createSession(ctx context.Context, task UploadTask) (*graph.UploadSession, error) {
	replace := task.ItemID != ""

	session, err := u.api.CreateUploadSession(ctx, task.DriveID, task.ParentID, task.Name,
		task.Mtime, task.ETag, replace)
	if errors.Is(err, graph.ErrPreconditionFailed) && task.ETag != "" {
		// The row's eTag is stale; retry without the precondition.
		session, err = u.api.CreateUploadSession(ctx, task.DriveID, task.ParentID, task.Name,
			task.Mtime, "", replace)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: creating upload session for %s: %w", task.RelPath, err)
	}

	return session, nil
}

// nextExpectedOffset parses the first range the server still expects.
// Ranges look like "12345-" or "12345-99999".
func nextExpectedOffset(ranges []string, size int64) int64 {
	if len(ranges) == 0 {
		return size
	}

	first := ranges[0]
	if dash := strings.IndexByte(first, '-'); dash >= 0 {
		first = first[:dash]
	}

	offset, err := strconv.ParseInt(first, 10, 64)
	if err != nil || offset < 0 || offset > size {
		return 0
	}

	return offset
}

// finalize validates the upload, corrects the online timestamp, and
// persists the new row.
func (u *Uploader) finalize(ctx context.Context, task UploadTask, localPath string, uploaded *graph.Item) (*UploadResult, error) {
	item := itemFromGraph(uploaded)

	result := &UploadResult{Item: item}

	if !u.cfg.DisableUploadValidation {
		redownload, err := u.validate(ctx, task, localPath, uploaded)
		if err != nil {
			return nil, err
		}

		result.NeedsRedownload = redownload
	}

	if err := u.patchMtime(ctx, task, uploaded); err != nil {
		u.logger.Warn("failed to set online timestamp after upload",
			slog.String("path", task.RelPath),
			slog.String("error", err.Error()),
		)
	} else {
		item.Mtime = task.Mtime.UTC()
	}

	u.drives.RecordUpload(task.DriveID, task.Size)

	if err := u.store.Upsert(ctx, item); err != nil {
		return nil, err
	}

	u.logger.Info("uploaded",
		slog.String("path", task.RelPath),
		slog.Int64("size", task.Size),
	)

	if u.cfg.UploadOnly && u.cfg.RemoveSourceFiles && !result.NeedsRedownload {
		if err := u.removeSource(ctx, task, localPath, item); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// removeSource deletes the local file after its content is safely
// online and drops the row so the next cycle does not mistake the
// missing file for a local deletion to propagate.
func (u *Uploader) removeSource(ctx context.Context, task UploadTask, localPath string, item *Item) error {
	if err := os.Remove(localPath); err != nil {
		u.logger.Warn("failed to remove source file after upload",
			slog.String("path", task.RelPath),
			slog.String("error", err.Error()),
		)

		return nil
	}

	u.logger.Info("removed source file after upload",
		slog.String("path", task.RelPath),
	)

	return u.store.Delete(ctx, item.DriveID, item.ID)
}

// validate compares the local file against the hash the server
// reported for the uploaded item.
func (u *Uploader) validate(ctx context.Context, task UploadTask, localPath string, uploaded *graph.Item) (bool, error) {
	if uploaded.QuickXorHash == "" && uploaded.SHA256Hash == "" {
		return false, nil
	}

	var (
		local string
		err   error
	)

	remote := uploaded.QuickXorHash
	if remote != "" {
		local, err = HashFile(localPath)
	} else {
		remote = uploaded.SHA256Hash
		local, err = HashFileSHA256(localPath)
	}

	if err != nil {
		return false, err
	}

	if HashesEqual(local, remote) {
		return false, nil
	}

	if strings.EqualFold(filepath.Ext(localPath), ".heic") {
		u.logger.Warn("uploaded file rewritten by the service, known lossy format",
			slog.String("path", task.RelPath),
		)

		return false, nil
	}

	state, stateErr := u.drives.Get(ctx, task.DriveID)
	onSharePoint := stateErr == nil && state.DriveType == graph.DriveTypeDocLib

	if u.cfg.CreateNewFileVersion {
		u.logger.Warn("uploaded content differs online, pushing metadata to create a new version",
			slog.String("path", task.RelPath),
		)

		_, patchErr := u.api.UpdateItem(ctx, uploaded.DriveID, uploaded.ID, graph.UpdateChange{
			Mtime: task.Mtime,
		})

		return false, patchErr
	}

	if onSharePoint {
		u.logger.Warn("uploaded file enriched by SharePoint, will download the server copy",
			slog.String("path", task.RelPath),
		)

		return true, nil
	}

	u.logger.Warn("uploaded content hash differs from local file",
		slog.String("path", task.RelPath),
	)

	return false, nil
}

// patchMtime pushes the local mtime online so both sides agree.
// Personal drives reject stale preconditions often enough that the
// PATCH goes without one.
func (u *Uploader) patchMtime(ctx context.Context, task UploadTask, uploaded *graph.Item) error {
	if TimesEqual(uploaded.ModifiedAt, task.Mtime) {
		return nil
	}

	change := graph.UpdateChange{Mtime: task.Mtime}
	if !task.DriveID.IsPersonal() {
		change.ETag = uploaded.ETag
	}

	_, err := u.api.UpdateItem(ctx, uploaded.DriveID, uploaded.ID, change)
	if errors.Is(err, graph.ErrPreconditionFailed) && change.ETag != "" {
		change.ETag = ""
		_, err = u.api.UpdateItem(ctx, uploaded.DriveID, uploaded.ID, change)
	}

	return err
}
