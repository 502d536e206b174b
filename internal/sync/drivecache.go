package sync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/odmirror/odmirror/internal/driveid"
)

// DriveState is a process-lifetime snapshot of one drive's quota.
type DriveState struct {
	DriveType       string
	QuotaRestricted bool
	QuotaAvailable  bool
	QuotaRemaining  int64
}

// DriveCache shares per-drive quota snapshots across transfer workers.
// Entries are populated lazily from the quota endpoint, decremented
// locally after each successful upload, and re-queried on demand.
type DriveCache struct {
	api    RemoteAPI
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[driveid.ID]*DriveState
}

// NewDriveCache builds an empty cache backed by the given API.
func NewDriveCache(api RemoteAPI, logger *slog.Logger) *DriveCache {
	return &DriveCache{
		api:     api,
		logger:  logger,
		entries: make(map[driveid.ID]*DriveState),
	}
}

// Get returns the cached state for a drive, querying the quota endpoint
// on first access. The returned value is a snapshot: RecordUpload
// mutates the cached entry concurrently, so callers never see the
// shared struct.
func (c *DriveCache) Get(ctx context.Context, driveID driveid.ID) (*DriveState, error) {
	c.mu.RLock()
	state, ok := c.entries[driveID]

	if ok {
		snapshot := *state
		c.mu.RUnlock()

		return &snapshot, nil
	}

	c.mu.RUnlock()

	return c.Refresh(ctx, driveID)
}

// Refresh re-queries the drive's quota and replaces the cached entry.
// Business accounts may hide quota entirely; a missing or negative
// remaining value marks the drive restricted rather than full.
func (c *DriveCache) Refresh(ctx context.Context, driveID driveid.ID) (*DriveState, error) {
	drive, err := c.api.Drive(ctx, driveID)
	if err != nil {
		return nil, err
	}

	state := &DriveState{
		DriveType:      drive.DriveType,
		QuotaAvailable: true,
		QuotaRemaining: drive.QuotaRemain,
	}

	if drive.QuotaTotal <= 0 && drive.QuotaRemain <= 0 {
		state.QuotaRestricted = true

		c.logger.Debug("drive quota not visible, marking restricted",
			slog.String("drive_id", driveID.String()),
			slog.String("drive_type", drive.DriveType),
		)
	} else if drive.QuotaRemain <= 0 {
		state.QuotaAvailable = false
	}

	c.mu.Lock()
	c.entries[driveID] = state
	snapshot := *state
	c.mu.Unlock()

	return &snapshot, nil
}

// RecordUpload decrements the cached remaining quota after a successful
// upload. Remaining at or below zero flips QuotaAvailable off.
func (c *DriveCache) RecordUpload(driveID driveid.ID, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.entries[driveID]
	if !ok || state.QuotaRestricted {
		return
	}

	state.QuotaRemaining -= size
	if state.QuotaRemaining <= 0 {
		state.QuotaAvailable = false

		c.logger.Warn("drive quota exhausted",
			slog.String("drive_id", driveID.String()),
		)
	}
}

// CanUpload reports whether an upload of the given size should be
// attempted against the drive. Restricted drives are allowed through;
// the server is the authority when quota is not visible.
func (c *DriveCache) CanUpload(ctx context.Context, driveID driveid.ID, size int64) (bool, error) {
	state, err := c.Get(ctx, driveID)
	if err != nil {
		return false, err
	}

	if state.QuotaRestricted {
		return true, nil
	}

	return state.QuotaAvailable && state.QuotaRemaining >= size, nil
}
