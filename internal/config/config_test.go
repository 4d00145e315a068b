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
	path := filepath.Join(t.TempDir(), "recond.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Archive.Backend)
	assert.Equal(t, 8, cfg.Bus.Partitions)
	assert.Equal(t, 1024, cfg.Bus.Buffer)
	assert.Equal(t, uint64(5), cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 168*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.GetConfigPath())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[store]
driver = "postgres"
host = "db.internal"
database = "recond_prod"
username = "recond"

[archive]
backend = "pebble"
path = "/data/archive"

[deadletter]
backend = "sqlite"
path = "/data/dead.db"

[bus]
partitions = 16
buffer = 4096

[pipeline]
retry_initial_interval = "500ms"

[[parsers]]
name = "stripe"
schema_version = "2023-10"
[parsers.event_types]
"payment.succeeded" = "DEPOSIT"
"charge.refunded" = "REFUND"

[[rules]]
name = "expected-timing"
type = "exception"
priority = 10
enabled = true
[rules.condition.cmp]
path = "type"
op = "eq"
value = "TIMING_MISMATCH"
[rules.action]
set_status = "EXPECTED"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "db.internal", cfg.Store.Host)
	assert.Equal(t, "pebble", cfg.Archive.Backend)
	assert.Equal(t, "sqlite", cfg.DeadLetter.Backend)
	assert.Equal(t, 16, cfg.Bus.Partitions)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.RetryInitialInterval)

	require.Len(t, cfg.Parsers, 1)
	assert.Equal(t, "stripe", cfg.Parsers[0].Name)
	assert.Equal(t, "DEPOSIT", cfg.Parsers[0].EventTypes["payment.succeeded"])

	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "expected-timing", cfg.Rules[0].Name)
	assert.Equal(t, "EXPECTED", cfg.Rules[0].Action.SetStatus)
	assert.Equal(t, path, cfg.GetConfigPath())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RECOND_BUS_PARTITIONS", "4")
	t.Setenv("RECOND_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Bus.Partitions)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown archive backend", "[archive]\nbackend = \"s3\"\n"},
		{"disk archive without path", "[archive]\nbackend = \"leveldb\"\npath = \"\"\n"},
		{"sqlite deadletter without path", "[deadletter]\nbackend = \"sqlite\"\npath = \"\"\n"},
		{"zero partitions", "[bus]\npartitions = 0\n"},
		{"bad log level", "[logging]\nlevel = \"chatty\"\n"},
		{"inverted retry intervals", "[pipeline]\nretry_initial_interval = \"1m\"\nretry_max_interval = \"1s\"\n"},
		{"parser with unknown event type", "[[parsers]]\nname = \"p\"\n[parsers.event_types]\nx = \"NOT_A_TYPE\"\n"},
		{"rule without condition", "[[rules]]\nname = \"r\"\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}
