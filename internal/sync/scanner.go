package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/driveid"
)

// ModifiedFile pairs a tracked row with its current local path.
type ModifiedFile struct {
	Item    *Item
	RelPath string
}

// ScanResult is everything one local walk discovered.
type ScanResult struct {
	// CreateDirs lists directories to create online, unique and ordered
	// shallowest first so parents always precede children.
	CreateDirs []string

	// NewFiles lists untracked local files to upload.
	NewFiles []string

	// Modified lists tracked files whose content changed locally.
	Modified []ModifiedFile

	// TimestampDrift lists tracked files whose content matches but
	// whose local mtime moved; the remote timestamp gets patched.
	TimestampDrift []ModifiedFile

	// DeletedOnline lists tracked rows whose local path disappeared.
	DeletedOnline []*Item

	// CleanupPaths lists untracked local paths to remove, populated
	// only in download-only cleanup mode.
	CleanupPaths []string
}

// Scanner walks the local sync root and classifies every entry against
// the state store.
type Scanner struct {
	store    Store
	filter   *Filter
	verifier *Verifier
	cfg      *config.Config
	logger   *slog.Logger
	driveID  driveid.ID
}

// NewScanner builds a Scanner for the drive backing the sync root.
func NewScanner(store Store, filter *Filter, verifier *Verifier, cfg *config.Config,
	logger *slog.Logger, driveID driveid.ID) *Scanner {
	return &Scanner{
		store:    store,
		filter:   filter,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		driveID:  driveID,
	}
}

// Scan walks the sync root, then sweeps the store for rows whose local
// paths vanished.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{}

	cleanupMode := s.cfg.DownloadOnly && s.cfg.CleanupLocalFiles

	dirSet := make(map[string]bool)
	seen := make(map[string]bool)

	maxPath := config.MaxPathLength(s.driveID.IsPersonal())

	root := s.cfg.SyncDir

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("cannot access local path, skipping",
				slog.String("path", path),
				slog.String("error", walkErr.Error()),
			)

			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		relPath := norm.NFC.String(filepath.ToSlash(rel))

		if !utf8.ValidString(rel) {
			s.logger.Warn("local path is not valid UTF-8, skipping",
				slog.String("path", path),
			)

			if entry.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}

		// Partial downloads and safety backups are engine artifacts,
		// never sync candidates.
		if strings.HasSuffix(relPath, partialSuffix) || strings.Contains(relPath, "-safeBackup-") {
			return nil
		}

		verdict := s.filter.EvaluateLocal(relPath, info)
		if !verdict.Included {
			s.logger.Debug("local path excluded",
				slog.String("path", relPath),
				slog.String("reason", verdict.Reason),
			)

			if entry.IsDir() && !verdict.Descend {
				return fs.SkipDir
			}

			return nil
		}

		if pathTooLong(relPath, maxPath) {
			s.logger.Warn("local path exceeds the remote path-length limit, skipping",
				slog.String("path", relPath),
				slog.Int("limit", maxPath),
			)

			if entry.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		seen[relPath] = true

		if entry.IsDir() {
			return s.classifyDir(ctx, relPath, cleanupMode, dirSet, result)
		}

		return s.classifyFile(ctx, relPath, cleanupMode, dirSet, result)
	})
	if err != nil {
		return nil, err
	}

	if err := s.sweepMissing(ctx, seen, result); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Scanner) classifyDir(ctx context.Context, relPath string, cleanupMode bool,
	dirSet map[string]bool, result *ScanResult) error {
	item, err := s.store.GetByPath(ctx, s.driveID, relPath)
	if err == nil {
		// Shared-folder mounts belong to another drive; their contents
		// are reconciled through that drive's feed, not this walk.
		if item.Type == TypeRemote {
			return fs.SkipDir
		}

		return nil
	}

	if !errors.Is(err, ErrNotFound) {
		return err
	}

	if cleanupMode {
		result.CleanupPaths = append(result.CleanupPaths, relPath)

		return fs.SkipDir
	}

	if s.cfg.DownloadOnly {
		return nil
	}

	s.queueDirChain(relPath, dirSet, result)

	return nil
}

func (s *Scanner) classifyFile(ctx context.Context, relPath string, cleanupMode bool,
	dirSet map[string]bool, result *ScanResult) error {
	item, err := s.store.GetByPath(ctx, s.driveID, relPath)

	switch {
	case errors.Is(err, ErrNotFound):
		if cleanupMode {
			result.CleanupPaths = append(result.CleanupPaths, relPath)

			return nil
		}

		if s.cfg.DownloadOnly {
			return nil
		}

		if parent := parentOf(relPath); parent != "" {
			s.queueDirChainIfUntracked(ctx, parent, dirSet, result)
		}

		result.NewFiles = append(result.NewFiles, relPath)

		return nil

	case err != nil:
		return err
	}

	if s.cfg.DownloadOnly {
		return nil
	}

	localPath := filepath.Join(s.cfg.SyncDir, filepath.FromSlash(relPath))

	outcome, err := s.verifier.VerifyLocal(localPath, item)
	if err != nil {
		s.logger.Warn("cannot verify local file",
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)

		return nil
	}

	switch outcome {
	case VerifyModified:
		// A hash mismatch on a server-recompressed format is the service
		// rewriting the bytes, not a local edit. Re-uploading would loop
		// forever, so the divergence is logged and the file left alone.
		divergence, derr := s.verifier.CheckRemoteDivergence(localPath, item)
		if derr == nil && divergence == VerifyDataLoss {
			return nil
		}

		result.Modified = append(result.Modified, ModifiedFile{Item: item, RelPath: relPath})
	case VerifyTimestampOnly:
		result.TimestampDrift = append(result.TimestampDrift, ModifiedFile{Item: item, RelPath: relPath})
	}

	return nil
}

// queueDirChain adds relPath and every untracked ancestor to the
// create queue, shallowest first, each exactly once.
func (s *Scanner) queueDirChain(relPath string, dirSet map[string]bool, result *ScanResult) {
	var chain []string

	for p := relPath; p != "" && p != "."; p = parentOf(p) {
		if dirSet[p] {
			break
		}

		chain = append([]string{p}, chain...)
	}

	for _, p := range chain {
		dirSet[p] = true
		result.CreateDirs = append(result.CreateDirs, p)
	}
}

// queueDirChainIfUntracked queues ancestors of a new file that the
// store does not know yet.
func (s *Scanner) queueDirChainIfUntracked(ctx context.Context, relPath string,
	dirSet map[string]bool, result *ScanResult) {
	if dirSet[relPath] {
		return
	}

	if _, err := s.store.GetByPath(ctx, s.driveID, relPath); err == nil {
		return
	}

	s.queueDirChain(relPath, dirSet, result)
}

// sweepMissing finds tracked rows whose local path no longer exists;
// those become remote deletions (or are ignored in download-only mode,
// where the next cycle re-downloads them).
func (s *Scanner) sweepMissing(ctx context.Context, seen map[string]bool, result *ScanResult) error {
	if s.cfg.DownloadOnly {
		return nil
	}

	items, err := s.store.DriveItems(ctx, s.driveID)
	if err != nil {
		return err
	}

	// Only queue the shallowest missing row of each subtree; the
	// remote delete executor expands descendants itself.
	missing := make(map[string]*Item)

	for _, item := range items {
		if item.Type != TypeFile && item.Type != TypeDir {
			continue
		}

		relPath, err := s.store.MaterializePath(ctx, item.DriveID, item.ID)
		if err != nil {
			if errors.Is(err, ErrInconsistentState) {
				return err
			}

			continue
		}

		if seen[relPath] {
			continue
		}

		if _, err := os.Lstat(filepath.Join(s.cfg.SyncDir, filepath.FromSlash(relPath))); err == nil {
			// Present locally but unseen: excluded by filters this run.
			continue
		}

		missing[relPath] = item
	}

	for relPath, item := range missing {
		if hasMissingAncestor(relPath, missing) {
			continue
		}

		result.DeletedOnline = append(result.DeletedOnline, item)

		s.logger.Debug("local path removed, queueing online deletion",
			slog.String("path", relPath),
		)
	}

	return nil
}

func hasMissingAncestor(relPath string, missing map[string]*Item) bool {
	for p := parentOf(relPath); p != "" && p != "."; p = parentOf(p) {
		if _, ok := missing[p]; ok {
			return true
		}
	}

	return false
}

func parentOf(relPath string) string {
	idx := strings.LastIndexByte(relPath, '/')
	if idx < 0 {
		return ""
	}

	return relPath[:idx]
}

// pathTooLong measures the fully URL-encoded path length the way the
// service does when it rejects deep trees.
func pathTooLong(relPath string, limit int) bool {
	encoded := 0
	for _, seg := range strings.Split(relPath, "/") {
		encoded += len(url.PathEscape(seg)) + 1
	}

	return encoded > limit
}
