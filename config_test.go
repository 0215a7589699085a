package tokenquota_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	tq "github.com/ineyio/tokenquota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenquota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TQ_TEST_DSN", "postgres://quota@localhost/quota")
	t.Setenv("TQ_TEST_KEY", "sk-test")

	path := writeConfig(t, `
store:
  driver: postgres
  dsn: ${TQ_TEST_DSN}
  lock_timeout: 2s
window:
  location: UTC
defaults:
  daily_limit: 500
gate:
  consume_attempts: 5
provider:
  api_key: ${TQ_TEST_KEY}
`)

	cfg, err := tq.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, tq.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://quota@localhost/quota", cfg.Store.DSN)
	assert.Equal(t, 2*time.Second, cfg.Store.LockTimeout)
	assert.Equal(t, int64(500), cfg.Defaults.DailyLimit)
	assert.Equal(t, 5, cfg.Gate.ConsumeAttempts)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)

	// Unset fields keep their defaults.
	assert.Equal(t, int64(200000), cfg.Defaults.MonthlyLimit)
	assert.Equal(t, 60*time.Second, cfg.Gate.InvokeTimeout)
	assert.Equal(t, tq.ProviderOpenAI, cfg.Provider.Kind)
	assert.Empty(t, cfg.Provider.BaseURL)

	loc, err := cfg.Window.TimeLocation()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
	assert.Len(t, cfg.GateOptions(), 3)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := tq.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = tq.LoadConfig(writeConfig(t, "store: [unterminated"))
	assert.Error(t, err)

	_, err = tq.LoadConfig(writeConfig(t, "store:\n  driver: cassandra\n"))
	assert.ErrorContains(t, err, "invalid store.driver")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *tq.Config)
		wantErr string
	}{
		{"defaults", func(c *tq.Config) {}, ""},
		{"memory needs nothing", func(c *tq.Config) { c.Store = tq.StoreConfig{Driver: tq.DriverMemory} }, ""},
		{"missing driver", func(c *tq.Config) { c.Store.Driver = "" }, "store.driver is required"},
		{"sqlite without dsn", func(c *tq.Config) { c.Store.DSN = "" }, "store.dsn is required"},
		{"redis without addr", func(c *tq.Config) { c.Store.Driver = tq.DriverRedis }, "store.addr is required"},
		{"negative lock timeout", func(c *tq.Config) { c.Store.LockTimeout = -time.Second }, "lock_timeout"},
		{"unknown zone", func(c *tq.Config) { c.Window.Location = "Mars/Olympus_Mons" }, "window.location"},
		{"negative limit", func(c *tq.Config) { c.Defaults.DailyLimit = -1 }, "limits must not be negative"},
		{"zero attempts", func(c *tq.Config) { c.Gate.ConsumeAttempts = 0 }, "consume_attempts"},
		{"negative backoff", func(c *tq.Config) { c.Gate.RetryBackoff = -time.Millisecond }, "durations"},
		{"gemini", func(c *tq.Config) { c.Provider.Kind = tq.ProviderGemini }, ""},
		{"unknown provider", func(c *tq.Config) { c.Provider.Kind = "bard" }, "provider.kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tq.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
