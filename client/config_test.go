package client

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOptionsTOML(t *testing.T) {
	path := writeConfig(t, "pgbatch.toml", `
conn_string = "postgres://app@db:5432/app"
default_timeout_ms = 0
debug_mode = true
log_level = "DEBUG"
statement_capacity = 12
transaction_timeout = "90s"

[pool]
min_size = 0
max_size = 4
idle_timeout = "1m"

[prepare]
auto_prepare_min_usages = 0
max_auto_prepare = 50
`)

	opts, err := LoadOptions(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://app@db:5432/app", opts.ConnString)
	assert.Equal(t, 0, opts.DefaultTimeoutMs, "an explicit zero disables the timeout")
	assert.True(t, opts.DebugMode)
	assert.Equal(t, "DEBUG", opts.LogLevel)
	assert.Equal(t, 12, opts.StatementCapacity)
	assert.Equal(t, 90*time.Second, opts.TransactionTimeout)
	assert.Equal(t, 0, opts.PoolMinSize)
	assert.Equal(t, 4, opts.PoolMaxSize)
	assert.Equal(t, time.Minute, opts.PoolIdleTimeout)
	assert.Equal(t, 0, opts.AutoPrepareMinUsages)
	assert.Equal(t, 50, opts.MaxAutoPrepare)
}

func TestLoadOptionsYAMLKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "pgbatch.yaml", `
conn_string: postgres://localhost/test
pool:
  max_size: 3
tls:
  enabled: true
  insecure_skip_verify: true
`)

	opts, err := LoadOptions(path)
	require.NoError(t, err)

	defaults := DefaultOptions()
	assert.Equal(t, "postgres://localhost/test", opts.ConnString)
	assert.Equal(t, 3, opts.PoolMaxSize)
	assert.Equal(t, defaults.PoolMinSize, opts.PoolMinSize)
	assert.Equal(t, defaults.DefaultTimeoutMs, opts.DefaultTimeoutMs)
	assert.Equal(t, defaults.AutoPrepareMinUsages, opts.AutoPrepareMinUsages)
	assert.True(t, opts.TLSEnabled)
	assert.True(t, opts.TLSInsecureSkipVerify)
}

func TestLoadOptionsINI(t *testing.T) {
	path := writeConfig(t, "pgbatch.ini", `
conn_string = postgres://ini@localhost/db
default_timeout_ms = 1500
transaction_timeout = 30s

[pool]
min_size = 2
max_size = 8
health_check_interval = 5s

[prepare]
auto_prepare_min_usages = 2
max_auto_prepare = 10
`)

	opts, err := LoadOptions(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://ini@localhost/db", opts.ConnString)
	assert.Equal(t, 1500, opts.DefaultTimeoutMs)
	assert.Equal(t, 30*time.Second, opts.TransactionTimeout)
	assert.Equal(t, 2, opts.PoolMinSize)
	assert.Equal(t, 8, opts.PoolMaxSize)
	assert.Equal(t, 5*time.Second, opts.HealthCheckInterval)
	assert.Equal(t, 2, opts.AutoPrepareMinUsages)
	assert.Equal(t, 10, opts.MaxAutoPrepare)
}

func TestLoadOptionsEnvOverrides(t *testing.T) {
	path := writeConfig(t, "pgbatch.toml", `conn_string = "postgres://file/db"`)

	t.Setenv("PGBATCH_CONN_STRING", "postgres://env/db")
	t.Setenv("PGBATCH_DEBUG", "true")
	t.Setenv("PGBATCH_POOL_MAX_SIZE", "20")
	t.Setenv("PGBATCH_AUTO_PREPARE_MIN_USAGES", "1")

	opts, err := LoadOptions(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", opts.ConnString)
	assert.True(t, opts.DebugMode)
	assert.Equal(t, 20, opts.PoolMaxSize)
	assert.Equal(t, 1, opts.AutoPrepareMinUsages)
}

func TestLoadOptionsErrors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		env      map[string]string
		wantCode string
	}{
		{
			name:     "unsupported extension",
			file:     "pgbatch.json",
			content:  `{}`,
			wantCode: "CONFIG_LOAD_FAILED",
		},
		{
			name:     "malformed toml",
			file:     "pgbatch.toml",
			content:  `conn_string = `,
			wantCode: "CONFIG_LOAD_FAILED",
		},
		{
			name:     "bad duration",
			file:     "pgbatch.yaml",
			content:  "transaction_timeout: soon\n",
			wantCode: "CONFIG_LOAD_FAILED",
		},
		{
			name:     "non-integer env",
			file:     "pgbatch.toml",
			content:  ``,
			env:      map[string]string{"PGBATCH_POOL_MAX_SIZE": "many"},
			wantCode: "CONFIG_INVALID_ENV",
		},
		{
			name:     "min above max",
			file:     "pgbatch.toml",
			content:  "[pool]\nmin_size = 5\nmax_size = 2\n",
			wantCode: "CONFIG_INVALID",
		},
		{
			name:     "negative usages",
			file:     "pgbatch.ini",
			content:  "[prepare]\nauto_prepare_min_usages = -1\n",
			wantCode: "CONFIG_INVALID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadOptions(writeConfig(t, tt.file, tt.content))

			var connErr *ConnectionError
			require.True(t, errors.As(err, &connErr), "got %v", err)
			assert.Equal(t, tt.wantCode, connErr.Code)
		})
	}
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
