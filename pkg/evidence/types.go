// Package evidence implements content-addressed, write-once evidence storage
// with tamper detection by rehash-on-read.
//
// Every record is addressed by the SHA-256 of its canonical form and laid out
// under evidence/<yyyy-mm-dd>/<sha256>.json. A record, once written, is never
// mutated; a second write of the same content verifies and returns the
// existing location.
package evidence

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a hash or URI.
	ErrNotFound = errors.New("evidence: record not found")

	// ErrHashConflict is returned when a write maps to an existing hash
	// whose stored canonical content differs. This is a fatal integrity
	// error, never resolved silently.
	ErrHashConflict = errors.New("evidence: hash collision with different content")
)

// Record describes one stored evidence payload.
type Record struct {
	Hash          string    `json:"hash"`
	StorageURI    string    `json:"storage_uri"`
	CanonicalForm string    `json:"canonical_form"`
	SizeBytes     int64     `json:"size_bytes"`
	StoredAt      time.Time `json:"stored_at"`
	Locked        bool      `json:"is_locked"`
}

// VerificationResult is the structured outcome of a fetch-and-rehash check.
// Mismatches are reported here, not raised, so batch health checks can
// aggregate failures without aborting.
type VerificationResult struct {
	IsValid    bool    `json:"is_valid"`
	ActualHash string  `json:"actual_hash,omitempty"`
	Record     *Record `json:"record,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Query filters the read-side evidence listing.
type Query struct {
	FromDate time.Time
	ToDate   time.Time
	Limit    int
	Offset   int
}

// HealthReport aggregates storage counts plus a sampled re-verification of
// the most recent records.
type HealthReport struct {
	TotalRecords   int64     `json:"total_records"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	SampledRecords int       `json:"sampled_records"`
	Issues         []string  `json:"issues"`
	CheckedAt      time.Time `json:"checked_at"`
}
