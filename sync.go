package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/graph"
	"github.com/odmirror/odmirror/internal/sync"
)

const (
	// stateDBName is the state database file inside the state directory.
	stateDBName = "state.db"

	// monitorInterval is the periodic full-cycle cadence in monitor
	// mode. Filesystem events trigger cycles sooner; the timer catches
	// remote-only changes.
	monitorInterval = 5 * time.Minute

	// monitorDebounce coalesces bursts of filesystem events (editors
	// write temp files, builds touch whole trees) into one cycle.
	monitorDebounce = 10 * time.Second
)

// syncFlags holds the sync command's flag values. The config is not
// loaded until PersistentPreRunE, so flags bind here and are merged
// into the config at run time.
type syncFlags struct {
	syncDir            string
	dryRun             bool
	uploadOnly         bool
	downloadOnly       bool
	cleanupLocal       bool
	removeSource       bool
	resync             bool
	force              bool
	singleDirectory    string
	monitor            bool
	noDownloadValidate bool
	noUploadValidate   bool
	bypassPreservation bool
}

func (f *syncFlags) apply(cfg *config.Config, changed func(string) bool) {
	if changed("syncdir") {
		cfg.SyncDir = f.syncDir
	}

	cfg.DryRun = f.dryRun
	cfg.UploadOnly = f.uploadOnly
	cfg.DownloadOnly = f.downloadOnly
	cfg.CleanupLocalFiles = f.cleanupLocal
	cfg.RemoveSourceFiles = f.removeSource
	cfg.Resync = f.resync
	cfg.Force = f.force
	cfg.SingleDirectory = f.singleDirectory
	cfg.Monitor = f.monitor

	if f.noDownloadValidate {
		cfg.DisableDownloadValidation = true
	}

	if f.noUploadValidate {
		cfg.DisableUploadValidation = true
	}

	if f.bypassPreservation {
		cfg.BypassDataPreservation = true
	}
}

func newSyncCmd() *cobra.Command {
	var sf syncFlags

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local directory with OneDrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sf.apply(cfg, cmd.Flags().Changed)

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runSync(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&sf.syncDir, "syncdir", "", "local directory to synchronize")
	flags.BoolVar(&sf.dryRun, "dry-run", false, "show what would happen without transferring or deleting anything")
	flags.BoolVar(&sf.uploadOnly, "upload-only", false, "only push local changes, never download")
	flags.BoolVar(&sf.downloadOnly, "download-only", false, "only pull remote changes, never upload")
	flags.BoolVar(&sf.cleanupLocal, "cleanup-local-files", false, "with --download-only, remove local files absent from OneDrive")
	flags.BoolVar(&sf.removeSource, "remove-source-files", false, "with --upload-only, delete local files after a verified upload")
	flags.BoolVar(&sf.resync, "resync", false, "discard the sync state and start over")
	flags.BoolVar(&sf.force, "force", false, "proceed past the big-delete safeguard")
	flags.StringVar(&sf.singleDirectory, "single-directory", "", "synchronize only this directory (relative to the sync root)")
	flags.BoolVar(&sf.monitor, "monitor", false, "keep running: watch for local changes and poll for remote ones")
	flags.BoolVar(&sf.noDownloadValidate, "disable-download-validation", false, "skip hash and size checks on downloaded files")
	flags.BoolVar(&sf.noUploadValidate, "disable-upload-validation", false, "skip hash checks on uploaded files")
	flags.BoolVar(&sf.bypassPreservation, "bypass-data-preservation", false, "overwrite locally modified files without a safety backup")

	return cmd
}

func runSync(ctx context.Context, cfg *config.Config) error {
	logger := buildLogger()

	if cfg.Resync {
		if err := resetState(cfg, logger); err != nil {
			return err
		}
	}

	pidPath := filepath.Join(cfg.StateDir, "monitor.pid")

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		if cfg.Monitor {
			return err
		}

		// A monitor already owns this sync root. Delegate: wake it with
		// SIGHUP so it runs a cycle now, instead of racing it.
		if hupErr := sendSIGHUP(pidPath); hupErr != nil {
			return fmt.Errorf("%w (and waking it failed: %v)", err, hupErr)
		}

		fmt.Println("A sync monitor is already running; asked it to sync now.")

		return nil
	}
	defer cleanup()

	engine, store, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx = shutdownContext(ctx, logger)

	if cfg.Monitor {
		return runMonitor(ctx, engine, cfg, logger)
	}

	// Concurrent invocations delegate by SIGHUP. A plain run has no
	// cycle loop to wake, so the signal must be a no-op, not fatal.
	signal.Ignore(syscall.SIGHUP)

	return engine.Sync(ctx)
}

// buildEngine wires the state store, the Graph client factory, and the
// sync engine. Each transfer worker gets its own client so no HTTP/2
// stream state is shared across goroutines.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sync.Engine, *sync.SQLiteStore, error) {
	ts, err := graph.TokenSourceFromPath(ctx, tokenPath(cfg), cfg.AzureADEndpoint, logger)
	if err != nil {
		return nil, nil, err
	}

	cloud := graph.CloudFor(cfg.AzureADEndpoint)

	makeAPI := func() sync.RemoteAPI {
		return graph.NewClient(graph.Options{
			BaseURL:     cloud.BaseURL,
			Token:       ts,
			Logger:      logger,
			ForceHTTP11: cfg.ForceHTTP11,
		})
	}

	store, err := sync.NewStore(filepath.Join(cfg.StateDir, stateDBName), logger)
	if err != nil {
		return nil, nil, err
	}

	engine, err := sync.NewEngine(store, makeAPI(), makeAPI, cfg, logger)
	if err != nil {
		store.Close()

		return nil, nil, err
	}

	return engine, store, nil
}

// resetState deletes the state database and any transfer descriptors.
// The next cycle rebuilds everything from the remote change feed, which
// is the recovery path for a corrupted or inconsistent database.
func resetState(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("resync requested, discarding sync state", slog.String("dir", cfg.StateDir))

	for _, suffix := range []string{"", "-wal", "-shm"} {
		path := filepath.Join(cfg.StateDir, stateDBName+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}

	entries, err := os.ReadDir(cfg.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading state directory: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "session_upload.") || strings.HasPrefix(name, "resume_download.") {
			if err := os.Remove(filepath.Join(cfg.StateDir, name)); err != nil {
				return fmt.Errorf("removing descriptor %s: %w", name, err)
			}
		}
	}

	return nil
}

// runMonitor runs sync cycles until ctx is cancelled: one immediately,
// then on debounced filesystem events, on SIGHUP, and on a periodic
// timer for remote-only changes. Cycle failures are logged and retried
// on the next trigger rather than terminating the monitor.
func runMonitor(ctx context.Context, engine *sync.Engine, cfg *config.Config, logger *slog.Logger) error {
	// First run: the sync root may not exist yet, and inotify cannot
	// watch a missing directory.
	if err := os.MkdirAll(cfg.SyncDir, 0o755); err != nil {
		return fmt.Errorf("creating sync directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchRecursive(watcher, cfg.SyncDir, logger); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	// The debounce timer starts stopped; filesystem events arm it.
	debounce := time.NewTimer(monitorDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	cycle := func(reason string) {
		logger.Info("starting sync cycle", slog.String("trigger", reason))

		if err := engine.Sync(ctx); err != nil {
			logger.Error("sync cycle failed", slog.String("error", err.Error()))
		}
	}

	cycle("startup")

	for {
		select {
		case <-ctx.Done():
			logger.Info("monitor shutting down")

			return nil

		case <-ticker.C:
			cycle("timer")

		case <-hup:
			cycle("signal")

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// New directories must be watched before anything inside
			// them changes, so handle the add before debouncing.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watchRecursive(watcher, event.Name, logger); err != nil {
						logger.Warn("failed to watch new directory",
							slog.String("path", event.Name),
							slog.String("error", err.Error()),
						)
					}
				}
			}

			debounce.Reset(monitorDebounce)

		case <-debounce.C:
			cycle("filesystem")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("filesystem watcher error", slog.String("error", err.Error()))
		}
	}
}

// watchRecursive registers root and every directory below it. inotify
// watches are per-directory, not per-tree.
func watchRecursive(watcher *fsnotify.Watcher, root string, logger *slog.Logger) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish mid-walk; skip rather than abort.
			logger.Debug("skipping unwatchable path",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}

		return nil
	})
}
