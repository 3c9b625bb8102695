package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.EvidenceDriver)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.True(t, cfg.RollbackEnabled)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Empty(t, cfg.S3Bucket)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "8")
	t.Setenv("TICK_INTERVAL", "1s")
	t.Setenv("ROLLBACK_ENABLED", "false")
	t.Setenv("PROVIDER_RATE_PER_SECOND", "2.5")
	t.Setenv("EVIDENCE_S3_BUCKET", "promogate-evidence")

	cfg := Load()
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.False(t, cfg.RollbackEnabled)
	assert.InDelta(t, 2.5, cfg.RatePerSecond, 1e-9)
	assert.Equal(t, "promogate-evidence", cfg.S3Bucket)
}

func TestLoad_MalformedEnvFallsBack(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "not-a-number")
	t.Setenv("TICK_INTERVAL", "soon")

	cfg := Load()
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
}

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSourceProfile(t *testing.T) {
	path := writeProfile(t, `
name: mlb-default
authoritative: mlb
sources:
  - id: espn
    base_url: https://api.espn.example.com
    weight: 0.6
    rate_per_second: 5
  - id: mlb
    base_url: https://statsapi.mlb.example.com
    weight: 0.4
`)

	profile, err := LoadSourceProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "mlb", profile.Authoritative)
	require.Len(t, profile.Sources, 2)
	assert.Equal(t, "espn", profile.Sources[0].ID)
	assert.InDelta(t, 0.6, profile.Sources[0].Weight, 1e-9)

	cp := profile.ConsensusProfile()
	assert.InDelta(t, 0.4, cp.Weights["mlb"], 1e-9)
	assert.Equal(t, "mlb", cp.Authoritative)
}

func TestLoadSourceProfile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no sources",
			yaml:    "name: empty\nsources: []\n",
			wantErr: "no sources",
		},
		{
			name: "weight out of range",
			yaml: `
sources:
  - id: espn
    weight: 1.5
`,
			wantErr: "outside (0, 1]",
		},
		{
			name: "duplicate ids",
			yaml: `
sources:
  - id: espn
    weight: 0.5
  - id: espn
    weight: 0.5
`,
			wantErr: "duplicate source id",
		},
		{
			name: "unknown authoritative",
			yaml: `
authoritative: mlb
sources:
  - id: espn
    weight: 0.5
`,
			wantErr: "not declared",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSourceProfile(writeProfile(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSourceProfile_MissingFile(t *testing.T) {
	_, err := LoadSourceProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
