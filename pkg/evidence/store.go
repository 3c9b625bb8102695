package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/promogate/promogate/pkg/canonical"
)

// healthSampleSize is the number of most-recent records re-verified by
// CheckHealth.
const healthSampleSize = 10

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Store is the content-addressed WORM evidence store. Writes go through the
// Backend, reads and queries through the Index.
type Store struct {
	backend Backend
	index   Index
	clock   Clock
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock. Tests use this to pin the storage date.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates an evidence store over backend and index.
func NewStore(backend Backend, index Index, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		index:   index,
		clock:   wallClock{},
		logger:  slog.Default().With("component", "evidence"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores the canonical form of v, content addressed. If a record with
// the same hash already exists, the stored content is verified against the
// new canonical form: equal content returns the existing record, different
// content is ErrHashConflict.
func (s *Store) Put(ctx context.Context, v any) (*Record, error) {
	hash, form, err := canonical.Hash(v)
	if err != nil {
		return nil, fmt.Errorf("evidence: canonicalize: %w", err)
	}

	now := s.clock.Now().UTC()
	uri := path.Join("evidence", now.Format("2006-01-02"), hash+".json")

	// Fast path: a record for this hash already exists.
	if existing, err := s.index.GetByHash(ctx, hash); err == nil {
		return s.verifyExisting(ctx, existing, form)
	} else if err != ErrNotFound {
		return nil, err
	}

	// The backend may hold content the index does not know about yet
	// (a concurrent writer, or a crash between write and insert).
	exists, err := s.backend.Exists(ctx, uri)
	if err != nil {
		return nil, err
	}
	if exists {
		stored, err := s.backend.Read(ctx, uri)
		if err != nil {
			return nil, err
		}
		if string(stored) != form {
			return nil, fmt.Errorf("%w: uri %s", ErrHashConflict, uri)
		}
	} else {
		if err := s.backend.Write(ctx, uri, []byte(form)); err != nil {
			return nil, err
		}
	}

	rec := &Record{
		Hash:          hash,
		StorageURI:    uri,
		CanonicalForm: form,
		SizeBytes:     int64(len(form)),
		StoredAt:      now,
		Locked:        true,
	}
	inserted, err := s.index.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost the race: another writer indexed this hash first.
		existing, err := s.index.GetByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		return s.verifyExisting(ctx, existing, form)
	}

	s.logger.Debug("evidence stored", "hash", hash, "uri", uri, "size", rec.SizeBytes)
	return rec, nil
}

func (s *Store) verifyExisting(ctx context.Context, existing *Record, form string) (*Record, error) {
	if existing.CanonicalForm != form {
		return nil, fmt.Errorf("%w: hash %s", ErrHashConflict, existing.Hash)
	}
	return existing, nil
}

// Verify fetches the content at uri, rehashes it, and compares against
// expectedHash. Mismatches are reported in the result, never raised.
func (s *Store) Verify(ctx context.Context, uri, expectedHash string) VerificationResult {
	data, err := s.backend.Read(ctx, uri)
	if err != nil {
		return VerificationResult{Error: err.Error()}
	}

	actual := canonical.HashBytes(data)
	result := VerificationResult{
		IsValid:    actual == expectedHash,
		ActualHash: actual,
	}
	if rec, err := s.index.GetByHash(ctx, expectedHash); err == nil {
		result.Record = rec
	}
	if !result.IsValid {
		result.Error = fmt.Sprintf("hash mismatch: expected %s, got %s", expectedHash, actual)
	}
	return result
}

// GetByHash returns the indexed record for hash.
func (s *Store) GetByHash(ctx context.Context, hash string) (*Record, error) {
	return s.index.GetByHash(ctx, hash)
}

// List returns indexed records matching q.
func (s *Store) List(ctx context.Context, q Query) ([]*Record, error) {
	return s.index.List(ctx, q)
}

// CheckHealth reports aggregate counts and size, plus a re-verification of
// the most recent records. Failures become issue strings, not errors, so a
// poller can aggregate across components.
func (s *Store) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{
		Issues:    []string{},
		CheckedAt: s.clock.Now().UTC(),
	}

	count, total, err := s.index.Stats(ctx)
	if err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("index stats unavailable: %v", err))
		return report
	}
	report.TotalRecords = count
	report.TotalSizeBytes = total

	recent, err := s.index.Recent(ctx, healthSampleSize)
	if err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("recent records unavailable: %v", err))
		return report
	}
	report.SampledRecords = len(recent)
	for _, rec := range recent {
		res := s.Verify(ctx, rec.StorageURI, rec.Hash)
		if !res.IsValid {
			report.Issues = append(report.Issues,
				fmt.Sprintf("integrity mismatch for %s at %s: %s", rec.Hash, rec.StorageURI, res.Error))
		}
	}
	return report
}
