package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/odmirror/odmirror/internal/driveid"
	"github.com/odmirror/odmirror/internal/graph"
)

// feedBatchSize is how many non-root, non-deletion items accumulate
// before the reconciler runs.
const feedBatchSize = 500

// feedPagePause spaces pagination requests apart.
const feedPagePause = 100 * time.Millisecond

const oneNoteRecycleBinName = "OneNote_RecycleBin"

// FeedHandler receives ordered change events from the feed consumer.
// Roots and deletions apply inline; everything else arrives batched.
type FeedHandler interface {
	ApplyRoot(ctx context.Context, item *graph.Item) error
	ApplyBatch(ctx context.Context, items []*graph.Item) error
	ApplyDeletions(ctx context.Context, keys []driveid.ItemKey) error
}

// Feed consumes remote changes for one drive scope and forwards them
// to a handler. Pages are consumed strictly in order; within a page,
// items apply strictly in order.
type Feed struct {
	api     RemoteAPI
	store   Store
	handler FeedHandler
	logger  *slog.Logger

	// skipParents propagates intake drops to descendants. OneNote
	// packages arrive before their children, so a dropped parent id is
	// enough to drop the whole subtree.
	skipParents map[driveid.ItemKey]bool

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewFeed builds a Feed for one run. The skip-parent set lives for the
// lifetime of the Feed, spanning all drives processed in a cycle.
func NewFeed(api RemoteAPI, store Store, handler FeedHandler, logger *slog.Logger) *Feed {
	return &Feed{
		api:         api,
		store:       store,
		handler:     handler,
		logger:      logger,
		skipParents: make(map[driveid.ItemKey]bool),
		sleepFunc:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConsumeNative walks the native change feed from the stored token,
// committing the new delta link only after the whole bundle applies.
// An invalid token restarts once from an empty token.
func (f *Feed) ConsumeNative(ctx context.Context, driveID driveid.ID, rootID string) error {
	token, err := f.store.GetDeltaLink(ctx, driveID, rootID)
	if err != nil {
		return err
	}

	deltaLink, err := f.consumePages(ctx, driveID, rootID, token)
	if errors.Is(err, graph.ErrGone) && token != "" {
		f.logger.Warn("delta token no longer valid, restarting from full enumeration",
			slog.String("drive_id", driveID.String()),
		)

		deltaLink, err = f.consumePages(ctx, driveID, rootID, "")
	}

	if err != nil {
		return err
	}

	if deltaLink != "" {
		if err := f.store.SetDeltaLink(ctx, driveID, rootID, deltaLink); err != nil {
			return err
		}
	}

	return nil
}

// consumePages drains one delta bundle, returning the final delta link.
func (f *Feed) consumePages(ctx context.Context, driveID driveid.ID, rootID, token string) (string, error) {
	var batch []*graph.Item

	pageToken := token

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page, err := f.api.Delta(ctx, driveID, rootID, pageToken)
		if err != nil {
			// A broken pagination token within a bundle restarts the
			// window; an expired delta token propagates to the caller.
			if errors.Is(err, graph.ErrBadRequest) && pageToken != token {
				f.logger.Warn("invalid paging token, retrying page window",
					slog.String("drive_id", driveID.String()),
				)

				pageToken = token

				continue
			}

			return "", err
		}

		var deletions []driveid.ItemKey

		for i := range page.Items {
			item := &page.Items[i]

			switch f.classify(driveID, item) {
			case eventSkip:
				continue
			case eventRoot:
				if err := f.flush(ctx, &batch); err != nil {
					return "", err
				}

				if err := f.handler.ApplyRoot(ctx, item); err != nil {
					return "", err
				}
			case eventDeletion:
				deletions = append(deletions, driveid.ItemKey{Drive: item.DriveID, Item: item.ID})
			default:
				batch = append(batch, item)
				if len(batch) >= feedBatchSize {
					if err := f.flush(ctx, &batch); err != nil {
						return "", err
					}
				}
			}
		}

		if len(deletions) > 0 {
			if err := f.flush(ctx, &batch); err != nil {
				return "", err
			}

			if err := f.handler.ApplyDeletions(ctx, deletions); err != nil {
				return "", err
			}
		}

		if page.DeltaLink != "" {
			if err := f.flush(ctx, &batch); err != nil {
				return "", err
			}

			return page.DeltaLink, nil
		}

		if page.NextLink == "" {
			return "", f.flush(ctx, &batch)
		}

		pageToken = page.NextLink

		if err := f.sleepFunc(ctx, feedPagePause); err != nil {
			return "", err
		}
	}
}

// ConsumeSimulated emulates the change feed on deployments without
// native delta. The whole subtree is downgraded to stale, children are
// enumerated recursively in delta event shape, and rows still stale
// afterwards are treated as deleted online.
func (f *Feed) ConsumeSimulated(ctx context.Context, driveID driveid.ID, rootID string) error {
	if err := f.store.DowngradeSyncStatus(ctx, driveID, rootID); err != nil {
		return err
	}

	root, err := f.fetchRoot(ctx, driveID, rootID)
	if err != nil {
		return err
	}

	if err := f.handler.ApplyRoot(ctx, root); err != nil {
		return err
	}

	var batch []*graph.Item

	if err := f.enumerate(ctx, driveID, root.ID, &batch); err != nil {
		return err
	}

	if err := f.flush(ctx, &batch); err != nil {
		return err
	}

	stale, err := f.store.StaleItems(ctx, driveID)
	if err != nil {
		return err
	}

	if len(stale) == 0 {
		return nil
	}

	keys := make([]driveid.ItemKey, 0, len(stale))
	for _, item := range stale {
		keys = append(keys, driveid.ItemKey{Drive: item.DriveID, Item: item.ID})
	}

	f.logger.Info("simulated delta found items deleted online",
		slog.String("drive_id", driveID.String()),
		slog.Int("count", len(keys)),
	)

	return f.handler.ApplyDeletions(ctx, keys)
}

// ConsumeShared runs the simulated feed against a shared folder's
// remote drive. The tie records created by the share handler map the
// deep remote path onto the shallow local one during reconciliation.
func (f *Feed) ConsumeShared(ctx context.Context, remoteDriveID driveid.ID, remoteItemID string) error {
	return f.ConsumeSimulated(ctx, remoteDriveID, remoteItemID)
}

// enumerate performs the recursive child walk of simulated delta,
// depth-first so parents always precede children.
func (f *Feed) enumerate(ctx context.Context, driveID driveid.ID, itemID string, batch *[]*graph.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	children, err := f.api.ListChildren(ctx, driveID, itemID)
	if err != nil {
		return err
	}

	if err := f.sleepFunc(ctx, feedPagePause); err != nil {
		return err
	}

	for i := range children {
		child := &children[i]

		if f.classify(driveID, child) == eventSkip {
			continue
		}

		*batch = append(*batch, child)
		if len(*batch) >= feedBatchSize {
			if err := f.flush(ctx, batch); err != nil {
				return err
			}
		}

		if child.IsFolder {
			if err := f.enumerate(ctx, driveID, child.ID, batch); err != nil {
				return err
			}
		}
	}

	return nil
}

// fetchRoot resolves the scope root item for simulated enumeration.
func (f *Feed) fetchRoot(ctx context.Context, driveID driveid.ID, rootID string) (*graph.Item, error) {
	if rootID == "" || rootID == "root" {
		root, err := f.api.GetRoot(ctx, driveID)
		if err != nil {
			return nil, fmt.Errorf("sync: fetching drive root: %w", err)
		}

		return root, nil
	}

	item, err := f.api.GetItem(ctx, driveID, rootID)
	if err != nil {
		return nil, fmt.Errorf("sync: fetching scope root %s: %w", rootID, err)
	}

	return item, nil
}

func (f *Feed) flush(ctx context.Context, batch *[]*graph.Item) error {
	if len(*batch) == 0 {
		return nil
	}

	err := f.handler.ApplyBatch(ctx, *batch)
	*batch = (*batch)[:0]

	return err
}

type feedEvent int

const (
	eventItem feedEvent = iota
	eventRoot
	eventDeletion
	eventSkip
)

// classify applies the intake filters and the root/deletion
// heuristics to one change event.
func (f *Feed) classify(driveID driveid.ID, item *graph.Item) feedEvent {
	key := driveid.ItemKey{Drive: item.DriveID, Item: item.ID}

	parentDrive := item.ParentDriveID
	if parentDrive.IsZero() {
		parentDrive = driveID
	}

	if item.ParentID != "" && f.skipParents[driveid.ItemKey{Drive: parentDrive, Item: item.ParentID}] {
		f.skipParents[key] = true

		return eventSkip
	}

	if item.IsPackage && strings.EqualFold(item.PackageType, "oneNote") {
		f.skipParents[key] = true

		f.logger.Debug("skipping OneNote package",
			slog.String("name", item.Name),
			slog.String("item_id", item.ID),
		)

		return eventSkip
	}

	if item.IsFolder && item.Name == oneNoteRecycleBinName {
		f.skipParents[key] = true

		return eventSkip
	}

	if isOneNoteFile(item) {
		return eventSkip
	}

	if item.IsDeleted {
		return eventDeletion
	}

	if item.IsRoot || item.ParentID == "" {
		return eventRoot
	}

	return eventItem
}

// isOneNoteFile matches OneNote section files, which have no usable
// filesystem representation.
func isOneNoteFile(item *graph.Item) bool {
	if item.IsFolder {
		return false
	}

	ext := strings.ToLower(path.Ext(item.Name))
	if ext != ".one" && ext != ".onetoc2" {
		return false
	}

	return item.MimeType == "application/msonenote" || item.MimeType == "application/octet-stream"
}
