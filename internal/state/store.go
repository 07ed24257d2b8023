// Package state persists the listing checkpoint, the deleted-item
// inventory, and per-item restore progress in an embedded SQLite database.
// Every write happens in a transaction, so a killed run restarts from the
// last durable page or batch instead of re-deriving state from network
// side effects. Credentials are never stored here.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"icloud-restore/internal/icloud"
)

// Status is the lifecycle state of one restore record. succeeded and
// failed_permanent are terminal.
type Status string

// Restore record statuses.
const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusSucceeded       Status = "succeeded"
	StatusFailedPermanent Status = "failed_permanent"
)

// Terminal reports whether no further action is taken for the status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedPermanent
}

// Checkpoint is the persisted listing position. Zero value means the
// enumeration has not started.
type Checkpoint struct {
	Cursor   string
	Complete bool
	Pages    int
}

// Record is a restore record joined with its inventory position.
type Record struct {
	ItemID    string
	Status    Status
	Attempts  int
	LastError string
}

// RecordUpdate is one status transition to persist.
type RecordUpdate struct {
	ItemID    string
	Status    Status
	Attempts  int
	LastError string
}

// ErrListingIncomplete is returned when restore records are requested
// before the listing checkpoint has been marked complete.
var ErrListingIncomplete = errors.New("state: listing checkpoint not complete")

// walJournalSizeLimit bounds the WAL file (64 MiB).
const walJournalSizeLimit = 67108864

// Store is the SQLite-backed checkpoint and progress store.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing
}

// NewStore opens (or creates) the database at dbPath, applying migrations.
// Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite: %w", err)
	}

	// A :memory: database per connection would give each pool connection
	// its own empty schema.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("state database ready", slog.String("path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("state: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// LoadCheckpoint returns the persisted listing position, or a zero
// Checkpoint when the enumeration has not started.
func (s *Store) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var (
		cursor   sql.NullString
		complete int
		pages    int
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, complete, pages FROM listing_checkpoint WHERE id = 1`,
	).Scan(&cursor, &complete, &pages)
	if errors.Is(err, sql.ErrNoRows) {
		return &Checkpoint{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("state: loading checkpoint: %w", err)
	}

	return &Checkpoint{
		Cursor:   cursor.String,
		Complete: complete != 0,
		Pages:    pages,
	}, nil
}

// AppendPage persists one fetched listing page and the cursor for the next
// page in a single transaction. Ids already in the inventory keep their
// first-seen position but take the new metadata (last occurrence wins —
// the provider re-lists items whose metadata changed).
func (s *Store) AppendPage(ctx context.Context, items []icloud.DeletedItem, nextCursor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin append page: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO deleted_items (item_id, name, size, deleted_at, position)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM deleted_items))
		ON CONFLICT(item_id) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			deleted_at = excluded.deleted_at`)
	if err != nil {
		return fmt.Errorf("state: prepare item upsert: %w", err)
	}
	defer upsert.Close()

	for _, item := range items {
		if _, err := upsert.ExecContext(ctx,
			item.ID, item.Name, item.Size, item.DeletedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("state: upserting item %s: %w", item.ID, err)
		}
	}

	now := s.nowFunc().Unix()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO listing_checkpoint (id, cursor, complete, pages, updated_at)
		VALUES (1, ?, 0, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			cursor = excluded.cursor,
			pages = pages + 1,
			updated_at = excluded.updated_at`,
		nextCursor, now,
	); err != nil {
		return fmt.Errorf("state: updating checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit append page: %w", err)
	}

	return nil
}

// MarkListingComplete records that the provider signaled end-of-list.
func (s *Store) MarkListingComplete(ctx context.Context) error {
	now := s.nowFunc().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listing_checkpoint (id, cursor, complete, pages, updated_at)
		VALUES (1, NULL, 1, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			complete = 1,
			updated_at = excluded.updated_at`,
		now,
	)
	if err != nil {
		return fmt.Errorf("state: marking listing complete: %w", err)
	}

	return nil
}

// Items returns the full inventory in first-seen order.
func (s *Store) Items(ctx context.Context) ([]icloud.DeletedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, name, size, deleted_at FROM deleted_items ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("state: listing items: %w", err)
	}
	defer rows.Close()

	var items []icloud.DeletedItem

	for rows.Next() {
		var (
			item      icloud.DeletedItem
			deletedAt int64
		)

		if err := rows.Scan(&item.ID, &item.Name, &item.Size, &deletedAt); err != nil {
			return nil, fmt.Errorf("state: scanning item: %w", err)
		}

		if deletedAt > 0 {
			item.DeletedAt = time.UnixMilli(deletedAt).UTC()
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

// InventorySummary returns the item count and total byte size of the
// inventory, for the operator confirmation prompt.
func (s *Store) InventorySummary(ctx context.Context) (count int, totalSize int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM deleted_items`,
	).Scan(&count, &totalSize)
	if err != nil {
		return 0, 0, fmt.Errorf("state: summarizing inventory: %w", err)
	}

	return count, totalSize, nil
}

// DeriveRecords creates a pending restore record for every inventory item
// that has none, and reverts records left in_flight by a killed run back
// to pending. Fails with ErrListingIncomplete unless the checkpoint is
// complete — records must only ever be derived from a full inventory.
func (s *Store) DeriveRecords(ctx context.Context) error {
	cp, err := s.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}

	if !cp.Complete {
		return ErrListingIncomplete
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin derive records: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.nowFunc().Unix()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO restore_records (item_id, status, attempts, last_error, updated_at)
		SELECT item_id, 'pending', 0, '', ? FROM deleted_items
		WHERE item_id NOT IN (SELECT item_id FROM restore_records)`,
		now,
	); err != nil {
		return fmt.Errorf("state: deriving records: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE restore_records SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`,
		now,
	); err != nil {
		return fmt.Errorf("state: resetting in-flight records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit derive records: %w", err)
	}

	return nil
}

// PendingRecords returns all non-terminal records in inventory order.
func (s *Store) PendingRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.item_id, r.status, r.attempts, r.last_error
		FROM restore_records r
		JOIN deleted_items d ON d.item_id = r.item_id
		WHERE r.status IN ('pending', 'in_flight')
		ORDER BY d.position`)
	if err != nil {
		return nil, fmt.Errorf("state: listing pending records: %w", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ItemID, &rec.Status, &rec.Attempts, &rec.LastError); err != nil {
			return nil, fmt.Errorf("state: scanning record: %w", err)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// UpdateRecords persists a set of status transitions in one transaction.
// Called once per processed batch, so a crash loses at most one in-flight
// batch of progress.
func (s *Store) UpdateRecords(ctx context.Context, updates []RecordUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin record update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE restore_records
		SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE item_id = ?`)
	if err != nil {
		return fmt.Errorf("state: prepare record update: %w", err)
	}
	defer stmt.Close()

	now := s.nowFunc().Unix()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx,
			string(u.Status), u.Attempts, u.LastError, now, u.ItemID,
		); err != nil {
			return fmt.Errorf("state: updating record %s: %w", u.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit record update: %w", err)
	}

	return nil
}

// StatusCounts returns the number of records in each status.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM restore_records GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("state: counting records: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("state: scanning count: %w", err)
		}

		counts[Status(status)] = n
	}

	return counts, rows.Err()
}

// FailedRecords returns terminally failed records with their last error,
// for the end-of-run report.
func (s *Store) FailedRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.item_id, r.status, r.attempts, r.last_error
		FROM restore_records r
		JOIN deleted_items d ON d.item_id = r.item_id
		WHERE r.status = 'failed_permanent'
		ORDER BY d.position`)
	if err != nil {
		return nil, fmt.Errorf("state: listing failed records: %w", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ItemID, &rec.Status, &rec.Attempts, &rec.LastError); err != nil {
			return nil, fmt.Errorf("state: scanning record: %w", err)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Reset clears all persisted state: checkpoint, inventory, and records.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin reset: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, table := range []string{"restore_records", "deleted_items", "listing_checkpoint"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("state: clearing %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit reset: %w", err)
	}

	return nil
}
