package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/graph"
)

// LocalDeleter removes local paths in response to remote deletion
// events, honoring use_recycle_bin and dry-run.
type LocalDeleter struct {
	cfg    *config.Config
	trash  *Trash
	logger *slog.Logger
}

// NewLocalDeleter builds a LocalDeleter. The trash is only initialized
// when the recycle bin is in use.
func NewLocalDeleter(cfg *config.Config, logger *slog.Logger) (*LocalDeleter, error) {
	d := &LocalDeleter{cfg: cfg, logger: logger}

	if cfg.UseRecycleBin {
		trash, err := NewTrash(logger)
		if err != nil {
			return nil, err
		}

		d.trash = trash
	}

	return d, nil
}

// Delete removes one local path. Paths already gone are not an error.
func (d *LocalDeleter) Delete(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if d.cfg.DryRun {
		d.logger.Info("dry run: would delete local path", slog.String("path", path))

		return nil
	}

	if d.trash != nil {
		return d.trash.Move(path)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("sync: deleting %s: %w", path, err)
	}

	d.logger.Info("deleted local path", slog.String("path", path))

	return nil
}

// RemoteDeleter issues online deletions for items that disappeared
// locally, guarded against accidental mass deletion.
type RemoteDeleter struct {
	api    RemoteAPI
	store  Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewRemoteDeleter builds a RemoteDeleter.
func NewRemoteDeleter(api RemoteAPI, store Store, cfg *config.Config, logger *slog.Logger) *RemoteDeleter {
	return &RemoteDeleter{api: api, store: store, cfg: cfg, logger: logger}
}

// DeleteQueued removes the queued items online. The guard counts every
// item including directory descendants before anything is issued; at
// or over the threshold without --force, nothing is deleted and the
// cycle aborts. Subtrees delete children first, as the service
// requires.
func (d *RemoteDeleter) DeleteQueued(ctx context.Context, queued []*Item) error {
	if len(queued) == 0 {
		return nil
	}

	if d.cfg.UploadOnly && d.cfg.NoRemoteDelete {
		d.logger.Info("remote deletions suppressed by no_remote_delete",
			slog.Int("count", len(queued)),
		)

		return nil
	}

	ordered, err := d.expand(ctx, queued)
	if err != nil {
		return err
	}

	if len(ordered) >= d.cfg.ClassifyAsBigDelete && !d.cfg.Force {
		d.logger.Error("refusing to delete a large number of items online, re-run with --force to proceed",
			slog.Int("count", len(ordered)),
			slog.Int("threshold", d.cfg.ClassifyAsBigDelete),
		)

		return fmt.Errorf("%w: %d items queued, threshold %d",
			ErrBigDeleteBlocked, len(ordered), d.cfg.ClassifyAsBigDelete)
	}

	for _, item := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.deleteOne(ctx, item); err != nil {
			return err
		}
	}

	return nil
}

// expand resolves directory subtrees into a children-first order. The
// queued roots end up after their descendants.
func (d *RemoteDeleter) expand(ctx context.Context, queued []*Item) ([]*Item, error) {
	var ordered []*Item

	seen := make(map[string]bool)

	var walk func(item *Item) error

	walk = func(item *Item) error {
		key := item.DriveID.String() + "/" + item.ID
		if seen[key] {
			return nil
		}

		seen[key] = true

		if item.IsDir() {
			children, err := d.store.Children(ctx, item.DriveID, item.ID)
			if err != nil {
				return err
			}

			for _, child := range children {
				if err := walk(child); err != nil {
					return err
				}
			}
		}

		ordered = append(ordered, item)

		return nil
	}

	for _, item := range queued {
		if err := walk(item); err != nil {
			return nil, err
		}
	}

	return ordered, nil
}

func (d *RemoteDeleter) deleteOne(ctx context.Context, item *Item) error {
	if d.cfg.DryRun {
		d.logger.Info("dry run: would delete online",
			slog.String("name", item.Name),
			slog.String("item_id", item.ID),
		)

		return d.store.Delete(ctx, item.DriveID, item.ID)
	}

	var err error
	if d.cfg.PermanentDelete {
		err = d.api.PermanentDeleteItem(ctx, item.DriveID, item.ID)
	} else {
		err = d.api.DeleteItem(ctx, item.DriveID, item.ID)
	}

	switch {
	case errors.Is(err, graph.ErrNotFound):
		// Already gone online; just drop the row.
	case err != nil:
		return fmt.Errorf("sync: deleting %s online: %w", item.Name, err)
	}

	d.logger.Info("deleted online",
		slog.String("name", item.Name),
		slog.String("item_id", item.ID),
		slog.Bool("permanent", d.cfg.PermanentDelete),
	)

	return d.store.Delete(ctx, item.DriveID, item.ID)
}
