package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/odmirror/odmirror/internal/driveid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// maxTreeDepth bounds parent-chain walks. A chain longer than this is a
// cycle or corruption, either way ErrInconsistentState.
const maxTreeDepth = 256

const walJournalSizeLimit = 67108864 // 64 MiB

// SQLiteStore implements Store on an embedded SQLite database in WAL
// mode with a single pooled connection as the sole writer.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	itemStmts  itemStatements
	deltaStmts deltaStatements
}

type itemStatements struct {
	get, upsert, deleteByKey, children, driveItems, remotePointers, stale, downgrade *sql.Stmt
}

type deltaStatements struct {
	get, set *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, and
// prepares the hot-path statements.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening state database", "path", dbPath)

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(%d)",
		dbPath, walJournalSizeLimit,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: open sqlite: %w", err)
	}

	// Sole-writer pattern: one connection serializes writers, so
	// concurrent transfer workers queue on the busy timeout instead of
	// failing upserts with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync: prepare statements: %w", err)
	}

	return s, nil
}

const itemColumns = `drive_id, item_id, parent_id, name, remote_name, item_type,
	etag, ctag, mtime, size, quick_xor_hash, sha256_hash,
	remote_drive_id, remote_id, remote_parent_id, remote_type,
	reloc_drive_id, reloc_parent_id, sync_status`

const (
	sqlGetItem = `SELECT ` + itemColumns + ` FROM items WHERE drive_id = ? AND item_id = ?`

	sqlUpsertItem = `INSERT INTO items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(drive_id, item_id) DO UPDATE SET
			parent_id        = excluded.parent_id,
			name             = excluded.name,
			remote_name      = excluded.remote_name,
			item_type        = excluded.item_type,
			etag             = excluded.etag,
			ctag             = excluded.ctag,
			mtime            = excluded.mtime,
			size             = excluded.size,
			quick_xor_hash   = excluded.quick_xor_hash,
			sha256_hash      = excluded.sha256_hash,
			remote_drive_id  = excluded.remote_drive_id,
			remote_id        = excluded.remote_id,
			remote_parent_id = excluded.remote_parent_id,
			remote_type      = excluded.remote_type,
			reloc_drive_id   = excluded.reloc_drive_id,
			reloc_parent_id  = excluded.reloc_parent_id,
			sync_status      = excluded.sync_status`

	sqlDeleteItem = `DELETE FROM items WHERE drive_id = ? AND item_id = ?`

	sqlChildren = `SELECT ` + itemColumns + ` FROM items
		WHERE drive_id = ? AND parent_id = ? ORDER BY name`

	sqlDriveItems = `SELECT ` + itemColumns + ` FROM items WHERE drive_id = ? ORDER BY item_id`

	sqlRemotePointers = `SELECT ` + itemColumns + ` FROM items
		WHERE remote_drive_id = ? AND remote_id = ?`

	sqlStaleItems = `SELECT ` + itemColumns + ` FROM items
		WHERE drive_id = ? AND sync_status = 'N'`

	// Downgrade walks the subtree under (drive_id, root_id) with a
	// recursive CTE and flips every row to stale. The root itself stays
	// synced so the simulated feed never deletes the anchor.
	sqlDowngrade = `WITH RECURSIVE subtree(item_id) AS (
			SELECT item_id FROM items WHERE drive_id = ?1 AND parent_id = ?2
			UNION ALL
			SELECT i.item_id FROM items i
			JOIN subtree s ON i.parent_id = s.item_id
			WHERE i.drive_id = ?1
		)
		UPDATE items SET sync_status = 'N'
		WHERE drive_id = ?1 AND item_id IN (SELECT item_id FROM subtree)`

	sqlGetDeltaLink = `SELECT token FROM delta_links WHERE drive_id = ? AND root_id = ?`

	sqlSetDeltaLink = `INSERT INTO delta_links (drive_id, root_id, token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(drive_id, root_id) DO UPDATE SET
			token = excluded.token, updated_at = excluded.updated_at`
)

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.itemStmts.get, sqlGetItem},
		{&s.itemStmts.upsert, sqlUpsertItem},
		{&s.itemStmts.deleteByKey, sqlDeleteItem},
		{&s.itemStmts.children, sqlChildren},
		{&s.itemStmts.driveItems, sqlDriveItems},
		{&s.itemStmts.remotePointers, sqlRemotePointers},
		{&s.itemStmts.stale, sqlStaleItems},
		{&s.itemStmts.downgrade, sqlDowngrade},
		{&s.deltaStmts.get, sqlGetDeltaLink},
		{&s.deltaStmts.set, sqlSetDeltaLink},
	}

	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.sql)
		if err != nil {
			return err
		}

		*st.dst = prepared
	}

	return nil
}

// upsertArgs flattens an Item into the statement argument order.
func upsertArgs(item *Item) []any {
	return []any{
		item.DriveID, item.ID, nullable(item.ParentID), item.Name, item.RemoteName,
		string(item.Type), item.ETag, item.CTag, item.Mtime.UTC().Unix(), item.Size,
		item.QuickXorHash, item.SHA256Hash,
		item.RemoteDriveID, nullable(item.RemoteID), nullable(item.RemoteParentID),
		nullable(string(item.RemoteType)),
		item.RelocDriveID, nullable(item.RelocParentID),
		item.SyncStatus,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// Upsert writes an item, defaulting SyncStatus to synced.
func (s *SQLiteStore) Upsert(ctx context.Context, item *Item) error {
	if item.SyncStatus == "" {
		item.SyncStatus = StatusSynced
	}

	if _, err := s.itemStmts.upsert.ExecContext(ctx, upsertArgs(item)...); err != nil {
		return fmt.Errorf("sync: upsert item %s: %w", item.Key(), err)
	}

	return nil
}

// UpsertBatch writes many items in one transaction.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: begin batch upsert: %w", err)
	}

	stmt := tx.StmtContext(ctx, s.itemStmts.upsert)

	for _, item := range items {
		if item.SyncStatus == "" {
			item.SyncStatus = StatusSynced
		}

		if _, err := stmt.ExecContext(ctx, upsertArgs(item)...); err != nil {
			tx.Rollback() //nolint:errcheck // exec error takes precedence

			return fmt.Errorf("sync: batch upsert item %s: %w", item.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: commit batch upsert: %w", err)
	}

	return nil
}

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	var (
		item                                           Item
		parentID, remoteID, remoteParentID, remoteType sql.NullString
		relocParentID                                  sql.NullString
		mtime                                          int64
		itemType                                       string
	)

	err := row.Scan(
		&item.DriveID, &item.ID, &parentID, &item.Name, &item.RemoteName, &itemType,
		&item.ETag, &item.CTag, &mtime, &item.Size, &item.QuickXorHash, &item.SHA256Hash,
		&item.RemoteDriveID, &remoteID, &remoteParentID, &remoteType,
		&item.RelocDriveID, &relocParentID, &item.SyncStatus,
	)
	if err != nil {
		return nil, err
	}

	item.ParentID = parentID.String
	item.Type = ItemType(itemType)
	item.Mtime = time.Unix(mtime, 0).UTC()
	item.RemoteID = remoteID.String
	item.RemoteParentID = remoteParentID.String
	item.RemoteType = ItemType(remoteType.String)
	item.RelocParentID = relocParentID.String

	return &item, nil
}

// Get fetches one item, returning ErrNotFound when absent.
func (s *SQLiteStore) Get(ctx context.Context, driveID driveid.ID, id string) (*Item, error) {
	item, err := scanItem(s.itemStmts.get.QueryRowContext(ctx, driveID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sync: get item %s/%s: %w", driveID, id, err)
	}

	return item, nil
}

// GetByPath resolves a slash-separated path relative to the drive root
// by walking name lookups downward from the root item.
func (s *SQLiteStore) GetByPath(ctx context.Context, driveID driveid.ID, itemPath string) (*Item, error) {
	root, err := s.driveRoot(ctx, driveID)
	if err != nil {
		return nil, err
	}

	current := root

	for _, segment := range splitPath(itemPath) {
		children, err := s.Children(ctx, driveID, current.ID)
		if err != nil {
			return nil, err
		}

		var next *Item

		for _, child := range children {
			if child.Name == segment {
				next = child
				break
			}
		}

		if next == nil {
			return nil, ErrNotFound
		}

		current = next
	}

	return current, nil
}

// driveRoot finds the root item of a drive.
func (s *SQLiteStore) driveRoot(ctx context.Context, driveID driveid.ID) (*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE drive_id = ? AND item_type = 'root' AND parent_id IS NULL`, driveID)
	if err != nil {
		return nil, fmt.Errorf("sync: query drive root: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sync: query drive root: %w", err)
		}

		return nil, ErrNotFound
	}

	return scanItem(rows)
}

func splitPath(p string) []string {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil
	}

	return strings.Split(clean[1:], "/")
}

// Delete removes a row; deleting an absent row is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, driveID driveid.ID, id string) error {
	if _, err := s.itemStmts.deleteByKey.ExecContext(ctx, driveID, id); err != nil {
		return fmt.Errorf("sync: delete item %s/%s: %w", driveID, id, err)
	}

	return nil
}

// Children lists the direct children of (driveID, parentID).
func (s *SQLiteStore) Children(ctx context.Context, driveID driveid.ID, parentID string) ([]*Item, error) {
	return s.queryItems(ctx, s.itemStmts.children, driveID, parentID)
}

// DriveItems lists every item in a drive.
func (s *SQLiteStore) DriveItems(ctx context.Context, driveID driveid.ID) ([]*Item, error) {
	return s.queryItems(ctx, s.itemStmts.driveItems, driveID)
}

// RemotePointersTo lists remote-pointer items targeting the given
// (remoteDrive, remoteID), i.e. the stubs for a shared folder.
func (s *SQLiteStore) RemotePointersTo(
	ctx context.Context, remoteDrive driveid.ID, remoteID string,
) ([]*Item, error) {
	return s.queryItems(ctx, s.itemStmts.remotePointers, remoteDrive, remoteID)
}

// StaleItems lists rows still flagged stale after a simulated-feed walk.
func (s *SQLiteStore) StaleItems(ctx context.Context, driveID driveid.ID) ([]*Item, error) {
	return s.queryItems(ctx, s.itemStmts.stale, driveID)
}

func (s *SQLiteStore) queryItems(ctx context.Context, stmt *sql.Stmt, args ...any) ([]*Item, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: query items: %w", err)
	}
	defer rows.Close()

	var items []*Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sync: scan item: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterate items: %w", err)
	}

	return items, nil
}

// DriveIDs lists the distinct drive identifiers in the store.
func (s *SQLiteStore) DriveIDs(ctx context.Context) ([]driveid.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT drive_id FROM items ORDER BY drive_id`)
	if err != nil {
		return nil, fmt.Errorf("sync: query drive ids: %w", err)
	}
	defer rows.Close()

	var ids []driveid.ID

	for rows.Next() {
		var id driveid.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sync: scan drive id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterate drive ids: %w", err)
	}

	return ids, nil
}

// MaterializePath computes an item's path relative to its drive root by
// walking the parent chain. Remote-pointer hops and root-tie
// relocations are followed so shared subtrees land at their grafted
// local location. A missing parent or a chain longer than maxTreeDepth
// is ErrInconsistentState.
func (s *SQLiteStore) MaterializePath(ctx context.Context, driveID driveid.ID, id string) (string, error) {
	var segments []string

	currentDrive, currentID := driveID, id

	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			s.logger.Error("parent chain exceeds depth limit, assuming cycle",
				"drive_id", driveID, "item_id", id)

			return "", ErrInconsistentState
		}

		item, err := s.Get(ctx, currentDrive, currentID)
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: missing ancestor %s/%s", ErrInconsistentState, currentDrive, currentID)
		}

		if err != nil {
			return "", err
		}

		if item.Type == TypeRoot {
			// A relocated root-tie grafts the subtree under a local
			// parent on the original drive.
			if !item.RelocDriveID.IsZero() && item.RelocParentID != "" {
				prefix, err := s.MaterializePath(ctx, item.RelocDriveID, item.RelocParentID)
				if err != nil {
					return "", err
				}

				return joinSegments(prefix, segments), nil
			}

			return joinSegments("", segments), nil
		}

		segments = append([]string{item.Name}, segments...)

		if item.ParentID == "" {
			return joinSegments("", segments), nil
		}

		currentID = item.ParentID
	}
}

func joinSegments(prefix string, segments []string) string {
	p := prefix

	for _, seg := range segments {
		if p == "" {
			p = seg
		} else {
			p = p + "/" + seg
		}
	}

	return p
}

// SetDeltaLink stores the change-feed checkpoint for (drive, root).
func (s *SQLiteStore) SetDeltaLink(ctx context.Context, driveID driveid.ID, rootID, token string) error {
	if _, err := s.deltaStmts.set.ExecContext(ctx, driveID, rootID, token, time.Now().Unix()); err != nil {
		return fmt.Errorf("sync: set delta link: %w", err)
	}

	return nil
}

// GetDeltaLink returns the stored checkpoint, or "" when none exists.
func (s *SQLiteStore) GetDeltaLink(ctx context.Context, driveID driveid.ID, rootID string) (string, error) {
	var token string

	err := s.deltaStmts.get.QueryRowContext(ctx, driveID, rootID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: get delta link: %w", err)
	}

	return token, nil
}

// DowngradeSyncStatus flips every row under (drive, root) to stale.
func (s *SQLiteStore) DowngradeSyncStatus(ctx context.Context, driveID driveid.ID, rootID string) error {
	if _, err := s.itemStmts.downgrade.ExecContext(ctx, driveID, rootID); err != nil {
		return fmt.Errorf("sync: downgrade sync status: %w", err)
	}

	return nil
}

// Checkpoint flushes the WAL without blocking readers.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("sync: wal checkpoint: %w", err)
	}

	return nil
}

// Close releases prepared statements and the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Interface conformance.
var _ Store = (*SQLiteStore)(nil)
