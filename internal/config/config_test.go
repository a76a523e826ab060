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
	t.Setenv("STRATA_WORKSPACE", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Hot.Enabled)
	assert.Equal(t, 100, cfg.Hot.MaxEntries)
	assert.Equal(t, 384, cfg.Warm.Dimension)
	assert.Equal(t, 10, cfg.Warm.MaxResults)
	assert.Equal(t, "chromem", cfg.Warm.Index)
	assert.Equal(t, 0.6, cfg.Capture.MinConfidence)
	assert.Equal(t, 10, cfg.Capture.MaxContextSize)
	assert.True(t, cfg.Cold.AutoArchive)
	assert.False(t, cfg.Cold.GitEnabled)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 5*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, "*/15 * * * *", cfg.Maintenance.Schedule)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	ws := t.TempDir()
	yamlDoc := `
hot:
  max_entries: 20
warm:
  dimension: 64
  index: flat
capture:
  min_confidence: 0.7
tiering:
  min_dwell: 30s
`
	require.NoError(t, os.WriteFile(filepath.Join(ws, DefaultFileName), []byte(yamlDoc), 0o644))

	t.Setenv("STRATA_WORKSPACE", ws)
	t.Setenv("STRATA_HOT_MAX_ENTRIES", "50")
	t.Setenv("STRATA_COLD_GIT_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ws, cfg.Workspace)
	assert.Equal(t, 50, cfg.Hot.MaxEntries, "env overrides file")
	assert.Equal(t, 64, cfg.Warm.Dimension)
	assert.Equal(t, "flat", cfg.Warm.Index)
	assert.Equal(t, 0.7, cfg.Capture.MinConfidence)
	assert.Equal(t, 30*time.Second, cfg.Tiering.MinDwell)
	assert.True(t, cfg.Cold.GitEnabled)
	assert.True(t, cfg.Hot.Enabled, "unset keys keep defaults")
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hot: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max entries", func(c *Config) { c.Hot.MaxEntries = 0 }},
		{"zero dimension", func(c *Config) { c.Warm.Dimension = 0 }},
		{"unknown index", func(c *Config) { c.Warm.Index = "faiss" }},
		{"pgvector without dsn", func(c *Config) { c.Warm.Index = "pgvector" }},
		{"confidence above one", func(c *Config) { c.Capture.MinConfidence = 1.5 }},
		{"weights out of order", func(c *Config) { c.Retrieval.Weights = Weights{Vector: 0.2, Keyword: 0.5, Fuzzy: 0.1} }},
		{"watermarks inverted", func(c *Config) { c.Tiering.LowWater = 0.95 }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "gpt" }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.Workspace = "/tmp/ws"

	assert.Equal(t, "/tmp/ws/memory/SESSION.md", cfg.SessionPath())
	assert.Equal(t, "/tmp/ws/memory/warm_index.json", cfg.WarmIndexPath())
	assert.Equal(t, "/tmp/ws/memory/archive.db", cfg.ArchivePath())
	assert.Equal(t, "/tmp/ws/memory/snapshots", cfg.SnapshotPath())
	assert.Equal(t, "127.0.0.1:6464", cfg.Addr())
}
