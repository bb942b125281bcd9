package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.ExtractorTimeout)
	assert.Equal(t, 2, cfg.ExtractorRetries)
	assert.Equal(t, 5*time.Minute, cfg.IdempotencyTTL)
	assert.Equal(t, 1000, cfg.IdempotencyMax)
	assert.Equal(t, int64(8), cfg.MaxAsyncWorkers)
	assert.Equal(t, "kagami", cfg.ServiceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAGAMI_PORT", "9090")
	t.Setenv("KAGAMI_BACKEND", "sqlite")
	t.Setenv("KAGAMI_SQLITE_PATH", "/tmp/facts.db")
	t.Setenv("KAGAMI_EXTRACTOR_TIMEOUT", "10s")
	t.Setenv("KAGAMI_MIN_CONFIDENCE", "0.7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, "/tmp/facts.db", cfg.SQLitePath)
	assert.Equal(t, 10*time.Second, cfg.ExtractorTimeout)
	assert.InDelta(t, 0.7, cfg.MinConfidence, 1e-9)
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	t.Setenv("KAGAMI_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("KAGAMI_BACKEND", "cassandra")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestEnvHelpersIgnoreMalformedValues(t *testing.T) {
	t.Setenv("KAGAMI_PORT", "not-a-number")
	t.Setenv("KAGAMI_EXTRACTOR_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.ExtractorTimeout)
}
