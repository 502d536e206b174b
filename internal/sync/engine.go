package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/driveid"
	"github.com/odmirror/odmirror/internal/graph"
)

// ErrSyncFailures reports that a cycle completed but some files failed
// to transfer; the process should exit non-zero.
var ErrSyncFailures = errors.New("sync: some items failed to transfer")

// Engine runs full sync cycles: consume the change feed, reconcile,
// scan the local tree, transfer, and delete. One Engine serves one
// account.
type Engine struct {
	store    Store
	api      RemoteAPI
	makeAPI  func() RemoteAPI
	cfg      *config.Config
	logger   *slog.Logger
	filter   *Filter
	verifier *Verifier
	drives   *DriveCache
	sessions *SessionStore
	shares   *ShareHandler
	local    *LocalDeleter
	remote   *RemoteDeleter
	pool     *TransferPool
	limiter  *rate.Limiter

	// posixViolations collects paths refused by the case-collision
	// policy during the current cycle.
	posixViolations []string
}

// NewEngine wires an Engine. makeAPI returns a fresh RemoteAPI handle;
// transfer workers call it so no handle is shared across goroutines.
func NewEngine(store Store, api RemoteAPI, makeAPI func() RemoteAPI,
	cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	filter, err := NewFilter(cfg, logger)
	if err != nil {
		return nil, err
	}

	sessions, err := NewSessionStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	local, err := NewLocalDeleter(cfg, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:    store,
		api:      api,
		makeAPI:  makeAPI,
		cfg:      cfg,
		logger:   logger,
		filter:   filter,
		verifier: NewVerifier(logger),
		drives:   NewDriveCache(api, logger),
		sessions: sessions,
		shares:   NewShareHandler(api, store, cfg, logger),
		local:    local,
		remote:   NewRemoteDeleter(api, store, cfg, logger),
		limiter:  newByteLimiter(cfg.RateLimit),
	}

	e.pool = NewTransferPool(cfg, logger,
		func() *Downloader {
			return NewDownloader(makeAPI(), store, sessions, e.verifier, e.drives, cfg, logger, e.limiter)
		},
		func() *Uploader {
			return NewUploader(makeAPI(), store, sessions, e.drives, cfg, logger, e.limiter)
		},
	)

	return e, nil
}

// Sync runs one full cycle. The returned error is either a fatal
// condition (inconsistent state, big-delete refusal) or ErrSyncFailures
// when individual transfers failed.
func (e *Engine) Sync(ctx context.Context) error {
	started := time.Now()
	e.posixViolations = nil

	drive, err := e.api.DefaultDrive(ctx)
	if err != nil {
		return fmt.Errorf("sync: resolving default drive: %w", err)
	}

	driveID := drive.ID

	e.logger.Info("sync cycle starting",
		slog.String("drive_id", driveID.String()),
		slog.String("drive_type", drive.DriveType),
	)

	var failures []TransferFailure

	if !e.cfg.UploadOnly {
		downFailures, err := e.pullRemoteChanges(ctx, driveID)
		if err != nil {
			return err
		}

		failures = append(failures, downFailures...)
	}

	if !e.cfg.DownloadOnly || e.cfg.CleanupLocalFiles {
		scanFailures, err := e.pushLocalChanges(ctx, driveID)
		if err != nil {
			return err
		}

		failures = append(failures, scanFailures...)
	}

	if err := e.cleanupFailures(ctx, driveID, failures); err != nil {
		return err
	}

	if err := e.store.Checkpoint(ctx); err != nil {
		e.logger.Warn("state checkpoint failed", slog.String("error", err.Error()))
	}

	e.logger.Info("sync cycle finished",
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("failures", len(failures)),
		slog.Int("posix_violations", len(e.posixViolations)),
	)

	if len(failures) > 0 || len(e.posixViolations) > 0 {
		return ErrSyncFailures
	}

	return nil
}

// pullRemoteChanges consumes the change feed (in whichever mode the
// deployment requires), reconciles, and downloads queued content.
func (e *Engine) pullRemoteChanges(ctx context.Context, driveID driveid.ID) ([]TransferFailure, error) {
	reconciler := NewReconciler(e.store, e.api, e.filter, e.verifier, e.local, e.shares, e.cfg, e.logger)
	feed := NewFeed(e.api, e.store, reconciler, e.logger)

	rootID, err := e.scopeRoot(ctx, driveID)
	if err != nil {
		return nil, err
	}

	if e.cfg.SimulatedDelta() {
		err = feed.ConsumeSimulated(ctx, driveID, rootID)
	} else {
		err = feed.ConsumeNative(ctx, driveID, rootID)
	}

	if err != nil {
		return nil, err
	}

	failures := e.pool.RunDownloads(ctx, reconciler.Downloads())

	sharedFailures, err := e.pullSharedFolders(ctx, feed, reconciler)
	if err != nil {
		return nil, err
	}

	return append(failures, sharedFailures...), nil
}

// pullSharedFolders syncs each mounted shared folder through the
// simulated feed against its remote drive.
func (e *Engine) pullSharedFolders(ctx context.Context, feed *Feed, reconciler *Reconciler) ([]TransferFailure, error) {
	if e.cfg.SingleDirectory != "" {
		return nil, nil
	}

	scopes, err := e.shares.DiscoverShared(ctx)
	if err != nil {
		e.logger.Warn("cannot enumerate shared folders", slog.String("error", err.Error()))

		return nil, nil
	}

	var failures []TransferFailure

	for _, scope := range scopes {
		if err := feed.ConsumeShared(ctx, scope.RemoteDriveID, scope.RemoteItemID); err != nil {
			if errors.Is(err, ErrInconsistentState) {
				return nil, err
			}

			e.logger.Error("shared folder sync failed",
				slog.String("name", scope.LocalName),
				slog.String("error", err.Error()),
			)

			continue
		}

		failures = append(failures, e.pool.RunDownloads(ctx, reconciler.Downloads())...)
	}

	return failures, nil
}

// scopeRoot resolves the feed root: the drive root, or the item behind
// --single-directory.
func (e *Engine) scopeRoot(ctx context.Context, driveID driveid.ID) (string, error) {
	if e.cfg.SingleDirectory == "" {
		return "", nil
	}

	item, err := e.api.GetItemByPath(ctx, driveID, e.cfg.SingleDirectory)
	if err != nil {
		return "", fmt.Errorf("sync: resolving --single-directory %s: %w", e.cfg.SingleDirectory, err)
	}

	return item.ID, nil
}

// pushLocalChanges scans the local tree and applies what it found:
// directory creations, uploads, remote deletions, local cleanup.
func (e *Engine) pushLocalChanges(ctx context.Context, driveID driveid.ID) ([]TransferFailure, error) {
	scanner := NewScanner(e.store, e.filter, e.verifier, e.cfg, e.logger, driveID)

	result, err := scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	for _, relPath := range result.CleanupPaths {
		localPath := filepath.Join(e.cfg.SyncDir, filepath.FromSlash(relPath))
		if err := e.local.Delete(localPath); err != nil {
			e.logger.Error("local cleanup failed",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.cfg.DownloadOnly {
		return nil, nil
	}

	if err := e.createDirectories(ctx, driveID, result.CreateDirs); err != nil {
		return nil, err
	}

	e.patchTimestampDrift(ctx, result.TimestampDrift)

	uploads, err := e.buildUploadTasks(ctx, driveID, result)
	if err != nil {
		return nil, err
	}

	results, failures := e.pool.RunUploads(ctx, uploads)

	failures = append(failures, e.redownloadEnriched(ctx, results)...)

	if err := e.remote.DeleteQueued(ctx, result.DeletedOnline); err != nil {
		return nil, err
	}

	return failures, nil
}

// createDirectories creates queued directories online, shallowest
// first, enforcing the case-collision policy against tracked siblings.
func (e *Engine) createDirectories(ctx context.Context, driveID driveid.ID, relPaths []string) error {
	for _, relPath := range relPaths {
		if err := ctx.Err(); err != nil {
			return err
		}

		parent, name, err := e.resolveParent(ctx, driveID, relPath)
		if err != nil {
			e.logger.Error("cannot resolve parent for online directory",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)

			continue
		}

		if e.collides(ctx, parent, name, relPath) {
			continue
		}

		if e.cfg.DryRun {
			e.logger.Info("dry run: would create directory online", slog.String("path", relPath))

			continue
		}

		created, err := e.api.CreateFolder(ctx, driveID, parent.ID, name)
		if errors.Is(err, graph.ErrConflict) {
			// Lost a race with another client; adopt the existing one.
			created, err = e.findChildByName(ctx, driveID, parent.ID, name)
		}

		if err != nil {
			e.logger.Error("online directory creation failed",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := e.store.Upsert(ctx, itemFromGraph(created)); err != nil {
			return err
		}

		e.logger.Info("created directory online", slog.String("path", relPath))
	}

	return nil
}

func (e *Engine) findChildByName(ctx context.Context, driveID driveid.ID, parentID, name string) (*graph.Item, error) {
	children, err := e.api.ListChildren(ctx, driveID, parentID)
	if err != nil {
		return nil, err
	}

	for i := range children {
		if strings.EqualFold(children[i].Name, name) {
			return &children[i], nil
		}
	}

	return nil, graph.ErrNotFound
}

// patchTimestampDrift pushes drifted local mtimes online without
// re-uploading content.
func (e *Engine) patchTimestampDrift(ctx context.Context, drifted []ModifiedFile) {
	for _, mf := range drifted {
		localPath := filepath.Join(e.cfg.SyncDir, filepath.FromSlash(mf.RelPath))

		info, err := statLocal(localPath)
		if err != nil {
			continue
		}

		if e.cfg.DryRun {
			e.logger.Info("dry run: would update online timestamp", slog.String("path", mf.RelPath))

			continue
		}

		change := graph.UpdateChange{Mtime: info.ModTime()}
		if !mf.Item.DriveID.IsPersonal() {
			change.ETag = mf.Item.ETag
		}

		updated, err := e.api.UpdateItem(ctx, mf.Item.DriveID, mf.Item.ID, change)
		if err != nil {
			e.logger.Warn("failed to update online timestamp",
				slog.String("path", mf.RelPath),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := e.store.Upsert(ctx, itemFromGraph(updated)); err != nil {
			e.logger.Error("failed to persist timestamp update", slog.String("error", err.Error()))
		}
	}
}

// buildUploadTasks turns scanner output into upload tasks, enforcing
// the case-collision policy for new files.
func (e *Engine) buildUploadTasks(ctx context.Context, driveID driveid.ID, result *ScanResult) ([]UploadTask, error) {
	var tasks []UploadTask

	for _, relPath := range result.NewFiles {
		parent, name, err := e.resolveParent(ctx, driveID, relPath)
		if err != nil {
			e.logger.Error("cannot resolve parent for upload",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)

			continue
		}

		if e.collides(ctx, parent, name, relPath) {
			continue
		}

		localPath := filepath.Join(e.cfg.SyncDir, filepath.FromSlash(relPath))

		info, err := statLocal(localPath)
		if err != nil {
			continue
		}

		tasks = append(tasks, UploadTask{
			DriveID:  parent.DriveID,
			ParentID: parent.ID,
			Name:     name,
			RelPath:  relPath,
			Size:     info.Size(),
			Mtime:    info.ModTime(),
		})
	}

	for _, mf := range result.Modified {
		localPath := filepath.Join(e.cfg.SyncDir, filepath.FromSlash(mf.RelPath))

		info, err := statLocal(localPath)
		if err != nil {
			continue
		}

		tasks = append(tasks, UploadTask{
			DriveID: mf.Item.DriveID,
			ItemID:  mf.Item.ID,
			ETag:    mf.Item.ETag,
			Name:    mf.Item.Name,
			RelPath: mf.RelPath,
			Size:    info.Size(),
			Mtime:   info.ModTime(),
		})
	}

	return tasks, nil
}

// redownloadEnriched queues downloads for uploads the server rewrote,
// so local and remote content converge.
func (e *Engine) redownloadEnriched(ctx context.Context, results []*UploadResult) []TransferFailure {
	var tasks []DownloadTask

	for _, res := range results {
		if !res.NeedsRedownload {
			continue
		}

		relPath, err := e.store.MaterializePath(ctx, res.Item.DriveID, res.Item.ID)
		if err != nil {
			continue
		}

		tasks = append(tasks, DownloadTask{Item: res.Item, RelPath: relPath})
	}

	if len(tasks) == 0 {
		return nil
	}

	return e.pool.RunDownloads(ctx, tasks)
}

// resolveParent finds the tracked parent row of a sync-root-relative
// path, returning it with the leaf name.
func (e *Engine) resolveParent(ctx context.Context, driveID driveid.ID, relPath string) (*Item, string, error) {
	name := relPath
	parentPath := ""

	if idx := strings.LastIndexByte(relPath, '/'); idx >= 0 {
		parentPath = relPath[:idx]
		name = relPath[idx+1:]
	}

	if parentPath == "" {
		root, err := e.driveRootItem(ctx, driveID)

		return root, name, err
	}

	parent, err := e.store.GetByPath(ctx, driveID, parentPath)
	if err != nil {
		return nil, "", err
	}

	return parent, name, nil
}

func (e *Engine) driveRootItem(ctx context.Context, driveID driveid.ID) (*Item, error) {
	root, err := e.api.GetRoot(ctx, driveID)
	if err != nil {
		return nil, err
	}

	item, err := e.store.Get(ctx, driveID, root.ID)
	if errors.Is(err, ErrNotFound) {
		item = itemFromGraph(root)
		item.Type = TypeRoot
		item.ParentID = ""

		if err := e.store.Upsert(ctx, item); err != nil {
			return nil, err
		}

		return item, nil
	}

	return item, err
}

// collides applies the case-collision policy: a candidate whose
// lowercase name matches a differently-cased tracked sibling is
// refused, never merged.
func (e *Engine) collides(ctx context.Context, parent *Item, name, relPath string) bool {
	siblings, err := e.store.Children(ctx, parent.DriveID, parent.ID)
	if err != nil {
		return false
	}

	names := make([]string, 0, len(siblings))
	for _, sib := range siblings {
		names = append(names, sib.Name)
	}

	if existing, collision := CaseCollision(name, names); collision {
		e.logger.Error("case-insensitive name collision, rename the local item",
			slog.String("path", relPath),
			slog.String("existing", existing),
		)

		e.posixViolations = append(e.posixViolations, relPath)

		return true
	}

	return false
}

// cleanupFailures drops store rows for paths that failed to transfer,
// so a stale record cannot trigger a phantom deletion next cycle.
func (e *Engine) cleanupFailures(ctx context.Context, driveID driveid.ID, failures []TransferFailure) error {
	for _, failure := range failures {
		item, err := e.store.GetByPath(ctx, driveID, failure.RelPath)
		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return err
		}

		if err := e.store.Delete(ctx, item.DriveID, item.ID); err != nil {
			return err
		}

		e.logger.Debug("cleared state row for failed transfer",
			slog.String("path", failure.RelPath),
		)
	}

	return nil
}

// PosixViolations lists the paths refused by the collision policy in
// the last cycle.
func (e *Engine) PosixViolations() []string {
	return e.posixViolations
}

// statLocal stats a path that the scanner saw moments ago; a failure
// here means the file vanished mid-cycle and the task is dropped.
func statLocal(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}
