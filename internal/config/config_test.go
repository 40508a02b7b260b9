package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pagewatch")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/pagewatch", cfg.Database.URL)
	assert.EqualValues(t, 10, cfg.Database.MaxConns)
	assert.Equal(t, 5, cfg.Worker.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval())
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 15*time.Minute, cfg.Worker.LeaseTimeout)
	assert.Equal(t, 12*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 1_500_000, cfg.Fetch.MaxBodyBytes)
	assert.Equal(t, 480, cfg.Diff.WindowChars)
	assert.Equal(t, 600, cfg.Diff.ExcerptChars)
	assert.Equal(t, 400, cfg.Diff.FallbackExcerptChars)
	assert.Equal(t, "none", cfg.Archive.Provider)
	assert.Equal(t, "none", cfg.Events.Provider)
	assert.True(t, cfg.Maintenance.Enabled)
	assert.Equal(t, "@hourly", cfg.Maintenance.PurgeSchedule)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "pagewatch", cfg.Tracing.ServiceName)
	assert.InDelta(t, 0.1, cfg.Tracing.SampleRatio, 1e-9)
}

func TestLoadLegacyWorkerEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://legacy")
	t.Setenv("WORKER_BATCH_SIZE", "20")
	t.Setenv("WORKER_POLL_INTERVAL_MS", "250")
	t.Setenv("WORKER_MAX_ATTEMPTS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Worker.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval())
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://legacy")
	t.Setenv("PAGEWATCH_DATABASE_URL", "postgres://prefixed")
	t.Setenv("PAGEWATCH_FETCH_TIMEOUT", "3s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://prefixed", cfg.Database.URL)
	assert.Equal(t, 3*time.Second, cfg.Fetch.Timeout)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
database:
  url: postgres://file/pagewatch
  max_conns: 4
worker:
  batch_size: 8
  concurrency: 3
  lease_timeout: 5m
fetch:
  rate_limit_rps: 0.5
  rate_limit_burst: 2
archive:
  provider: local
  local_dir: /var/lib/pagewatch/html
events:
  provider: pubsub
  project_id: acme
  topic: change-events
server:
  api_key: secret
logging:
  development: true
  level: debug
  file: /var/log/pagewatch.log
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/pagewatch", cfg.Database.URL)
	assert.EqualValues(t, 4, cfg.Database.MaxConns)
	assert.Equal(t, 8, cfg.Worker.BatchSize)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Worker.LeaseTimeout)
	assert.InDelta(t, 0.5, cfg.Fetch.RateLimitRPS, 1e-9)
	assert.Equal(t, "/var/lib/pagewatch/html", cfg.Archive.LocalDir)
	assert.Equal(t, "acme", cfg.Events.ProjectID)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	require.ErrorContains(t, err, "database.url")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidateConditionalFields(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")

	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Archive.Provider = "gcs"
	require.ErrorContains(t, bad.Validate(), "archive.gcs_bucket")

	bad = cfg
	bad.Events.Provider = "memory"
	require.ErrorContains(t, bad.Validate(), "events.topic")

	bad = cfg
	bad.Tracing.Exporter = "gcp"
	require.ErrorContains(t, bad.Validate(), "tracing.project_id")

	bad = cfg
	bad.Events.Provider = "kafka"
	require.ErrorContains(t, bad.Validate(), "events.provider")

	bad = cfg
	bad.Worker.BatchSize = 0
	bad.Logging.Level = "trace"
	err = bad.Validate()
	require.ErrorContains(t, err, "worker.batch_size")
	require.ErrorContains(t, err, "logging.level")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PAGEWATCH_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("PAGEWATCH_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("PAGEWATCH_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env"), path))
	assert.Equal(t, "from-file", os.Getenv("PAGEWATCH_TEST_DOTENV"))
}
