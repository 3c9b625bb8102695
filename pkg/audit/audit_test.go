package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promogate/promogate/pkg/audit"
	"github.com/promogate/promogate/pkg/evidence"
	"github.com/promogate/promogate/pkg/merkle"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter("workflow", &buf)

	err := logger.Record(context.Background(), audit.EventExecution, "execution_completed", "executions/exec-1", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &event))

	assert.Equal(t, audit.EventExecution, event.Type)
	assert.Equal(t, "execution_completed", event.Action)
	assert.Equal(t, "executions/exec-1", event.Resource)
	assert.Equal(t, "workflow", event.Component)
	assert.NotEmpty(t, event.ID)
	// UUID format: 8-4-4-4-12
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_LiftsEvidenceHashFromMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter("consensus", &buf)

	meta := map[string]any{"evidence_hash": "abc123", "game_id": "g1"}
	err := logger.Record(context.Background(), audit.EventDecision, "decision_recorded", "games/g1", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	assert.Equal(t, "abc123", event.EvidenceHash)
	assert.Equal(t, "g1", event.Metadata["game_id"])
}

type stubLister struct {
	records []*evidence.Record
	err     error
}

func (s stubLister) List(_ context.Context, _ evidence.Query) ([]*evidence.Record, error) {
	return s.records, s.err
}

func TestExporter_GeneratePack_Success(t *testing.T) {
	exporter := audit.NewExporter(stubLister{records: []*evidence.Record{
		{Hash: "h1", CanonicalForm: `{"a":1}`, SizeBytes: 7},
	}})

	zipBytes, checksum, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{
		From: time.Now().Add(-24 * time.Hour),
		To:   time.Now(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, zipBytes)
	assert.Len(t, checksum, 64) // sha256 hex
}

func TestExporter_GeneratePack_ManifestCommitsToRecords(t *testing.T) {
	records := []*evidence.Record{
		{Hash: "1111", CanonicalForm: `{"a":1}`},
		{Hash: "2222", CanonicalForm: `{"b":2}`},
	}
	exporter := audit.NewExporter(stubLister{records: records})

	zipBytes, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{})
	require.NoError(t, err)

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)

	var manifest struct {
		RecordCount int    `json:"record_count"`
		MerkleRoot  string `json:"merkle_root"`
	}
	for _, f := range reader.File {
		if f.Name != "manifest.json" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(rc).Decode(&manifest))
		require.NoError(t, rc.Close())
	}

	assert.Equal(t, 2, manifest.RecordCount)
	assert.Equal(t, merkle.Build([]string{"1111", "2222"}).Root, manifest.MerkleRoot)
}

func TestExporter_GeneratePack_InvalidTimeRange(t *testing.T) {
	exporter := audit.NewExporter(stubLister{})

	_, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{
		From: time.Now(),
		To:   time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}

func TestExporter_GeneratePack_FailClosedWithoutStore(t *testing.T) {
	exporter := audit.NewExporter(nil)

	_, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}
