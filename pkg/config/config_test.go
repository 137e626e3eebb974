package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("BILLSTREAM_CONFIG", path)
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.Lite())
	require.Equal(t, RetentionForever, cfg.Log.Retention)
	require.Equal(t, 30*time.Second, cfg.Ocr.Timeout.Std())
	require.Equal(t, int64(10<<20), cfg.File.MaxBytes)
}

func TestLoadWithoutProfile(t *testing.T) {
	t.Setenv("BILLSTREAM_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestProfileOverridesDefaults(t *testing.T) {
	writeProfile(t, `
router:
  cacheSize: 64
ocr:
  url: http://ocr:9000
  timeout: 5s
consumer:
  bill-summary:
    batchSize: 32
    poisonBudget: 2
blob:
  driver: memory
`)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 64, cfg.Router.CacheSize)
	require.Equal(t, "http://ocr:9000", cfg.Ocr.URL)
	require.Equal(t, 5*time.Second, cfg.Ocr.Timeout.Std())
	require.Equal(t, "memory", cfg.Blob.Driver)

	summary := cfg.Consumer("bill-summary")
	require.Equal(t, 32, summary.BatchSize)
	require.Equal(t, 2, summary.PoisonBudget)

	// Untouched knobs keep their defaults, including unnamed consumers.
	require.Equal(t, 3, cfg.Router.RetryOnConflict)
	other := cfg.Consumer("bill-files")
	require.Equal(t, 1, other.BatchSize)
	require.Equal(t, 5, other.PoisonBudget)
}

func TestEnvOverridesProfile(t *testing.T) {
	writeProfile(t, "http:\n  addr: :9999\n")
	t.Setenv("HTTP_ADDR", ":7777")
	t.Setenv("DATABASE_URL", "postgres://billstream@localhost/billstream")
	t.Setenv("FILE_MAX_BYTES", "1048576")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":7777", cfg.HTTP.Addr)
	require.Equal(t, int64(1<<20), cfg.File.MaxBytes)
	require.False(t, cfg.Lite())
}

func TestRetentionMustBeForever(t *testing.T) {
	t.Setenv("LOG_RETENTION", "30d")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "log.retention")
}

func TestRejectsBadValues(t *testing.T) {
	for name, profile := range map[string]string{
		"unknown blob driver":  "blob:\n  driver: ftp\n",
		"s3 without bucket":    "blob:\n  driver: s3\n",
		"zero cache":           "router:\n  cacheSize: -1\n",
		"negative file bound":  "file:\n  maxBytes: -5\n",
		"zero ocr attempts":    "ocr:\n  attempts: 0\n",
		"bad duration":         "ocr:\n  timeout: soon\n",
		"negative consumer":    "consumer:\n  bill-summary:\n    poisonBudget: -1\n",
	} {
		t.Run(name, func(t *testing.T) {
			writeProfile(t, profile)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestMissingProfileFileFails(t *testing.T) {
	t.Setenv("BILLSTREAM_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestBadEnvIntegerFails(t *testing.T) {
	t.Setenv("BILLSTREAM_CONFIG", "")
	t.Setenv("ROUTER_CACHE_SIZE", "lots")
	_, err := Load()
	require.Error(t, err)
}
