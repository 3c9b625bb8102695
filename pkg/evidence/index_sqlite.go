package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the queryable side of the evidence store. Implementations must
// resolve concurrent inserts of the same hash to one logical row.
type Index interface {
	// Insert records rec, reporting false if a row for the hash already
	// existed.
	Insert(ctx context.Context, rec *Record) (inserted bool, err error)

	// GetByHash returns the record for hash, or ErrNotFound.
	GetByHash(ctx context.Context, hash string) (*Record, error)

	// List returns records matching q, ordered by stored_at descending.
	List(ctx context.Context, q Query) ([]*Record, error)

	// Recent returns the most recently stored records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)

	// Stats returns the record count and total stored bytes.
	Stats(ctx context.Context) (count int64, totalBytes int64, err error)
}

// SQLiteIndex is the default single-node evidence index.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex creates the index schema if needed.
func NewSQLiteIndex(db *sql.DB) (*SQLiteIndex, error) {
	idx := &SQLiteIndex{db: db}
	if err := idx.migrate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *SQLiteIndex) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence_records (
		hash TEXT PRIMARY KEY,
		storage_uri TEXT NOT NULL,
		canonical_form TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		stored_at TEXT NOT NULL,
		is_locked INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_stored_at ON evidence_records(stored_at);`
	_, err := idx.db.ExecContext(context.Background(), query)
	return err
}

// Insert implements Index. ON CONFLICT DO NOTHING lets concurrent writers
// racing on the same hash resolve to a single row.
func (idx *SQLiteIndex) Insert(ctx context.Context, rec *Record) (bool, error) {
	query := `INSERT INTO evidence_records (
		hash, storage_uri, canonical_form, size_bytes, stored_at, is_locked
	) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(hash) DO NOTHING`

	res, err := idx.db.ExecContext(ctx, query,
		rec.Hash, rec.StorageURI, rec.CanonicalForm, rec.SizeBytes,
		rec.StoredAt.UTC().Format(time.RFC3339Nano), boolToInt(rec.Locked),
	)
	if err != nil {
		return false, fmt.Errorf("evidence: insert %s: %w", rec.Hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetByHash implements Index.
func (idx *SQLiteIndex) GetByHash(ctx context.Context, hash string) (*Record, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT hash, storage_uri, canonical_form, size_bytes, stored_at, is_locked
		FROM evidence_records WHERE hash = ?`, hash)
	return scanRecord(row)
}

// List implements Index.
func (idx *SQLiteIndex) List(ctx context.Context, q Query) ([]*Record, error) {
	query := `
		SELECT hash, storage_uri, canonical_form, size_bytes, stored_at, is_locked
		FROM evidence_records WHERE 1=1`
	args := []any{}
	if !q.FromDate.IsZero() {
		query += " AND stored_at >= ?"
		args = append(args, q.FromDate.UTC().Format(time.RFC3339Nano))
	}
	if !q.ToDate.IsZero() {
		query += " AND stored_at <= ?"
		args = append(args, q.ToDate.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY stored_at DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("evidence: list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Recent implements Index.
func (idx *SQLiteIndex) Recent(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT hash, storage_uri, canonical_form, size_bytes, stored_at, is_locked
		FROM evidence_records ORDER BY stored_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("evidence: recent: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Stats implements Index.
func (idx *SQLiteIndex) Stats(ctx context.Context) (int64, int64, error) {
	var count, total int64
	err := idx.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM evidence_records`,
	).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("evidence: stats: %w", err)
	}
	return count, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		storedAt string
		locked   int
	)
	err := row.Scan(&rec.Hash, &rec.StorageURI, &rec.CanonicalForm, &rec.SizeBytes, &storedAt, &locked)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.StoredAt = parseTime(storedAt)
	rec.Locked = locked != 0
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
