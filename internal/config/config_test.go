package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/marketsync/pkg/marketdata"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Vendor.BatchSize)
	assert.Equal(t, 4, cfg.Vendor.MaxAttempts)
	assert.Equal(t, marketdata.DefaultEpochOffsetMinutes, cfg.Vendor.EpochOffsetMinutes)
	assert.Equal(t, "amazon.co.uk", cfg.Ingest.Marketplace)
	assert.Equal(t, 10, cfg.Ingest.ChunkSize)
	assert.Equal(t, 3, cfg.Ingest.Concurrency)
	assert.Equal(t, 360, cfg.Ingest.CacheTTLMins)
	assert.Equal(t, 90, cfg.Ingest.StatsDays)
	assert.Equal(t, []string{"price_inc_vat", "stock"}, cfg.DQ.RequiredFields)
	assert.Equal(t, 24, cfg.DQ.MaxVendorAgeHours)
	assert.InDelta(t, 0.5, cfg.DQ.VolatilityThreshold, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  sqlite_path: /tmp/test.db
vendor:
  api_key: test-key
  batch_size: 5
ingest:
  marketplace: amazon.de
  concurrency: 8
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/test.db", cfg.Store.SQLitePath)
	assert.Equal(t, "test-key", cfg.Vendor.APIKey)
	assert.Equal(t, 5, cfg.Vendor.BatchSize)
	assert.Equal(t, "amazon.de", cfg.Ingest.Marketplace)
	assert.Equal(t, 8, cfg.Ingest.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 4, cfg.Vendor.MaxAttempts)
}

func TestIngestConfig_CacheTTL(t *testing.T) {
	cfg := IngestConfig{CacheTTLMins: 90}
	assert.Equal(t, "1h30m0s", cfg.CacheTTL().String())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.Error(t, InitLogger(LogConfig{Level: "not-a-level"}))
}
