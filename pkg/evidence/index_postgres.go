package evidence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresIndex backs the evidence index with Postgres for multi-instance
// deployments. The unique constraint on hash gives the same one-logical-row
// guarantee as the SQLite index under concurrent writers.
type PostgresIndex struct {
	db *sql.DB
}

// NewPostgresIndex creates the index schema if needed.
func NewPostgresIndex(db *sql.DB) (*PostgresIndex, error) {
	idx := &PostgresIndex{db: db}
	if err := idx.migrate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *PostgresIndex) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence_records (
		hash TEXT PRIMARY KEY,
		storage_uri TEXT NOT NULL,
		canonical_form TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		stored_at TIMESTAMPTZ NOT NULL,
		is_locked BOOLEAN NOT NULL DEFAULT TRUE
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_stored_at ON evidence_records(stored_at);`
	_, err := idx.db.ExecContext(context.Background(), query)
	return err
}

// Insert implements Index.
func (idx *PostgresIndex) Insert(ctx context.Context, rec *Record) (bool, error) {
	res, err := idx.db.ExecContext(ctx, `
		INSERT INTO evidence_records (hash, storage_uri, canonical_form, size_bytes, stored_at, is_locked)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING`,
		rec.Hash, rec.StorageURI, rec.CanonicalForm, rec.SizeBytes, rec.StoredAt.UTC(), rec.Locked,
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
func (idx *PostgresIndex) GetByHash(ctx context.Context, hash string) (*Record, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT hash, storage_uri, canonical_form, size_bytes, stored_at, is_locked
		FROM evidence_records WHERE hash = $1`, hash)

	var rec Record
	err := row.Scan(&rec.Hash, &rec.StorageURI, &rec.CanonicalForm, &rec.SizeBytes, &rec.StoredAt, &rec.Locked)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// List implements Index.
func (idx *PostgresIndex) List(ctx context.Context, q Query) ([]*Record, error) {
	query := `
		SELECT hash, storage_uri, canonical_form, size_bytes, stored_at, is_locked
		FROM evidence_records WHERE TRUE`
	args := []any{}
	if !q.FromDate.IsZero() {
		args = append(args, q.FromDate.UTC())
		query += fmt.Sprintf(" AND stored_at >= $%d", len(args))
	}
	if !q.ToDate.IsZero() {
		args = append(args, q.ToDate.UTC())
		query += fmt.Sprintf(" AND stored_at <= $%d", len(args))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY stored_at DESC LIMIT $%d", len(args))
	args = append(args, q.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	return idx.queryRecords(ctx, query, args...)
}

// Recent implements Index.
func (idx *PostgresIndex) Recent(ctx context.Context, limit int) ([]*Record, error) {
	return idx.queryRecords(ctx, `
		SELECT hash, storage_uri, canonical_form, size_bytes, stored_at, is_locked
		FROM evidence_records ORDER BY stored_at DESC LIMIT $1`, limit)
}

// Stats implements Index.
func (idx *PostgresIndex) Stats(ctx context.Context) (int64, int64, error) {
	var count, total int64
	err := idx.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM evidence_records`,
	).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("evidence: stats: %w", err)
	}
	return count, total, nil
}

func (idx *PostgresIndex) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("evidence: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Hash, &rec.StorageURI, &rec.CanonicalForm, &rec.SizeBytes, &rec.StoredAt, &rec.Locked); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
