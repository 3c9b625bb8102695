package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/promogate/promogate/pkg/evidence"
	"github.com/promogate/promogate/pkg/merkle"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: from must be before to")
	// ErrStoreNotConfigured is returned when export is invoked without a
	// backing evidence store.
	ErrStoreNotConfigured = errors.New("audit: evidence store not configured (fail-closed)")
)

// EvidenceLister is the read side of the evidence store the exporter
// walks.
type EvidenceLister interface {
	List(ctx context.Context, q evidence.Query) ([]*evidence.Record, error)
}

// ExportRequest defines which evidence window to export.
type ExportRequest struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Limit int       `json:"limit,omitempty"`
}

// Exporter bundles evidence records into reviewable packs.
type Exporter struct {
	store EvidenceLister
}

func NewExporter(store EvidenceLister) *Exporter {
	return &Exporter{store: store}
}

// GeneratePack creates a zip containing the evidence records in the
// window plus a manifest, and returns the zip with its SHA-256 checksum.
// A reviewer can re-verify any record by rehashing its canonical form.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.From.IsZero() && !req.To.IsZero() && req.From.After(req.To) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	records, err := e.store.List(ctx, evidence.Query{
		FromDate: req.From,
		ToDate:   req.To,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, "", fmt.Errorf("audit: list evidence: %w", err)
	}

	recordsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", err
	}

	hashes := make([]string, len(records))
	for i, rec := range records {
		hashes[i] = rec.Hash
	}
	tree := merkle.Build(hashes)

	manifest := map[string]any{
		"generated_at": time.Now().UTC(),
		"record_count": len(records),
		"merkle_root":  tree.Root,
		"period": map[string]any{
			"from": req.From,
			"to":   req.To,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("records.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(recordsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f,
		"Evidence pack generated at %s\nEach record's hash is the SHA-256 of its canonical_form.\n",
		time.Now().UTC().Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
