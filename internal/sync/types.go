// Package sync implements the mirror engine: change-feed consumption,
// reconciliation against the local tree, parallel resumable transfers,
// deletion with safety guards, and the SQLite state store underneath
// it all.
package sync

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/odmirror/odmirror/internal/driveid"
	"github.com/odmirror/odmirror/internal/graph"
)

// ItemType discriminates state-store rows.
type ItemType string

const (
	TypeFile    ItemType = "file"
	TypeDir     ItemType = "dir"
	TypeRoot    ItemType = "root"
	TypeRemote  ItemType = "remote"
	TypeUnknown ItemType = "unknown"
)

// Sync status values used by the simulated change feed: rows are
// downgraded to StatusStale before a subtree walk and promoted back to
// StatusSynced as the walk confirms them. Rows still stale afterwards
// were deleted online.
const (
	StatusSynced = "Y"
	StatusStale  = "N"
)

// Item is one node of the unified remote-local tree, as persisted.
type Item struct {
	DriveID  driveid.ID
	ID       string
	ParentID string // empty for roots
	Name     string
	// RemoteName holds the true online name when Name was overridden,
	// which happens for re-mapped shared folders.
	RemoteName string
	Type       ItemType
	ETag       string
	CTag       string
	Mtime      time.Time // UTC, second resolution
	Size       int64

	QuickXorHash string
	SHA256Hash   string

	// Remote pointer fields, set when Type == TypeRemote.
	RemoteDriveID  driveid.ID
	RemoteID       string
	RemoteParentID string
	RemoteType     ItemType

	// Relocation fields, set only on shared-folder root-tie records:
	// the local parent under which the shared subtree is grafted.
	RelocDriveID  driveid.ID
	RelocParentID string

	SyncStatus string // StatusSynced or StatusStale
}

// Key returns the item's composite primary key.
func (it *Item) Key() driveid.ItemKey {
	return driveid.ItemKey{Drive: it.DriveID, Item: it.ID}
}

// IsDir reports whether the item occupies a directory locally. Root
// ties behave as directories for path computation.
func (it *Item) IsDir() bool {
	return it.Type == TypeDir || it.Type == TypeRoot
}

// HasHash reports whether the row carries any content hash.
func (it *Item) HasHash() bool {
	return it.QuickXorHash != "" || it.SHA256Hash != ""
}

// Engine-level sentinel errors.
var (
	// ErrInconsistentState marks a broken parent chain or a cycle in
	// the store. Not recoverable in-process; the user must resync.
	ErrInconsistentState = errors.New("sync: state database is inconsistent, resync required")

	// ErrBigDeleteBlocked is raised when queued remote deletions exceed
	// the configured threshold without --force.
	ErrBigDeleteBlocked = errors.New("sync: big delete blocked, rerun with --force to proceed")

	// ErrPosixCollision marks a local name that differs only by case
	// from an existing remote sibling.
	ErrPosixCollision = errors.New("sync: case-insensitive name collision, rename the local item")

	// ErrInsufficientSpace is raised when a download would leave less
	// than the configured free-space reservation.
	ErrInsufficientSpace = errors.New("sync: insufficient local disk space")

	// ErrMalwareDetected marks a remote item the service flagged as
	// malware; it is never downloaded.
	ErrMalwareDetected = errors.New("sync: remote item flagged as malware")

	// ErrQuotaExhausted marks a drive with no remaining upload quota.
	ErrQuotaExhausted = errors.New("sync: drive quota exhausted")

	// ErrNosyncMarker marks a directory excluded by a .nosync file.
	ErrNosyncMarker = errors.New("sync: directory contains a .nosync marker")
)

// Store is the persistence contract the engine runs against. The
// SQLite implementation lives in state.go; tests may substitute fakes.
type Store interface {
	Upsert(ctx context.Context, item *Item) error
	UpsertBatch(ctx context.Context, items []*Item) error
	Get(ctx context.Context, driveID driveid.ID, id string) (*Item, error)
	GetByPath(ctx context.Context, driveID driveid.ID, path string) (*Item, error)
	Delete(ctx context.Context, driveID driveid.ID, id string) error
	Children(ctx context.Context, driveID driveid.ID, parentID string) ([]*Item, error)
	DriveItems(ctx context.Context, driveID driveid.ID) ([]*Item, error)
	DriveIDs(ctx context.Context) ([]driveid.ID, error)
	RemotePointersTo(ctx context.Context, remoteDrive driveid.ID, remoteID string) ([]*Item, error)
	MaterializePath(ctx context.Context, driveID driveid.ID, id string) (string, error)

	SetDeltaLink(ctx context.Context, driveID driveid.ID, rootID, token string) error
	GetDeltaLink(ctx context.Context, driveID driveid.ID, rootID string) (string, error)

	DowngradeSyncStatus(ctx context.Context, driveID driveid.ID, rootID string) error
	StaleItems(ctx context.Context, driveID driveid.ID) ([]*Item, error)

	Checkpoint(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by Store lookups that match nothing.
var ErrNotFound = errors.New("sync: item not found in state store")

// RemoteAPI is the slice of the Graph client the engine consumes,
// defined here so tests can fake the network.
type RemoteAPI interface {
	DefaultDrive(ctx context.Context) (*graph.Drive, error)
	Drive(ctx context.Context, driveID driveid.ID) (*graph.Drive, error)
	GetRoot(ctx context.Context, driveID driveid.ID) (*graph.Item, error)
	GetItem(ctx context.Context, driveID driveid.ID, itemID string) (*graph.Item, error)
	GetItemByPath(ctx context.Context, driveID driveid.ID, remotePath string) (*graph.Item, error)
	ListChildren(ctx context.Context, driveID driveid.ID, parentID string) ([]graph.Item, error)
	Delta(ctx context.Context, driveID driveid.ID, rootID, token string) (*graph.DeltaPage, error)
	CreateFolder(ctx context.Context, driveID driveid.ID, parentID, name string) (*graph.Item, error)
	UpdateItem(ctx context.Context, driveID driveid.ID, itemID string, change graph.UpdateChange) (*graph.Item, error)
	DeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error
	PermanentDeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error
	SimpleUpload(ctx context.Context, driveID driveid.ID, parentID, name string, r io.Reader, size int64) (*graph.Item, error)
	SimpleUploadReplace(ctx context.Context, driveID driveid.ID, itemID string, r io.Reader, size int64) (*graph.Item, error)
	CreateUploadSession(ctx context.Context, driveID driveid.ID, parentID, name string,
		mtime time.Time, eTag string, replaceExisting bool) (*graph.UploadSession, error)
	UploadFragment(ctx context.Context, session *graph.UploadSession, fragment io.Reader,
		offset, length, total int64) (*graph.Item, error)
	QueryUploadSession(ctx context.Context, session *graph.UploadSession) (*graph.UploadSessionStatus, error)
	CancelUploadSession(ctx context.Context, session *graph.UploadSession) error
	Download(ctx context.Context, driveID driveid.ID, itemID string, offset int64) (io.ReadCloser, int64, error)
	SharedWithMe(ctx context.Context) ([]graph.SharedItem, error)
}

// Compile-time check that the real client satisfies the contract.
var _ RemoteAPI = (*graph.Client)(nil)
