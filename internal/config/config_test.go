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
	path := filepath.Join(t.TempDir(), "screenledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, 2*time.Second, cfg.Store.OpTimeout)
	assert.Equal(t, 60, cfg.Rewards.DailyGoalMinutes)
	assert.Equal(t, 7, cfg.Rewards.StreakMilestoneDays)
	assert.Equal(t, 10, cfg.Rewards.StreakBonusPercent)
	assert.Equal(t, 120*time.Second, cfg.Health.UnhealthyThreshold)
	assert.Equal(t, 200, cfg.ErrorLog.Capacity)
	assert.Equal(t, "127.0.0.1:7420", cfg.Server.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/ledger
timezone: Europe/Paris
store:
  backend: sqlite
  op_timeout: 500ms
rewards:
  daily_goal_minutes: 30
health:
  unhealthy_threshold: 3m
refresh:
  timeout: 2s
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ledger", cfg.DataDir)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Store.OpTimeout)
	assert.Equal(t, 30, cfg.Rewards.DailyGoalMinutes)
	assert.Equal(t, 7, cfg.Rewards.StreakMilestoneDays, "unset fields keep defaults")
	assert.Equal(t, 3*time.Minute, cfg.Health.UnhealthyThreshold)
	assert.Equal(t, 2*time.Second, cfg.Refresh.Timeout)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", loc.String())
}

func TestLoad_EnvAndFallback(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Store, cfg.Store)

	path := writeConfig(t, "store:\n  backend: memory\n")
	t.Setenv(EnvConfig, path)
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFile(writeConfig(t, "store: [unclosed"))
	assert.Error(t, err)
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("HOME", "/home/kid")
	t.Setenv("LEDGER_KEY", "")
	path := writeConfig(t, `
data_dir: ${HOME}/.screenledger
apps_file: ${DATA_DIR}/apps.jsonc
store:
  key_file: ${LEDGER_KEY:-/etc/screenledger/key}
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/home/kid/.screenledger", cfg.DataDir)
	assert.Equal(t, "/home/kid/.screenledger/apps.jsonc", cfg.AppsFile)
	assert.Equal(t, "/etc/screenledger/key", cfg.Store.KeyFile)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "etcd" }},
		{name: "redis without addr", mutate: func(c *Config) { c.Store.Backend = BackendRedis; c.Store.RedisAddr = "" }},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{name: "negative goal", mutate: func(c *Config) { c.Rewards.DailyGoalMinutes = -1 }},
		{name: "negative bonus", mutate: func(c *Config) { c.Rewards.StreakBonusPercent = -5 }},
		{name: "negative timeout", mutate: func(c *Config) { c.Refresh.Timeout = -time.Second }},
		{name: "negative capacity", mutate: func(c *Config) { c.ErrorLog.Capacity = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
