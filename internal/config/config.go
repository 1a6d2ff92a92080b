// Package config loads screenledger configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the SCREENLEDGER_CONFIG environment variable. Without either, Default() is
// used unchanged. Path fields support ${VAR} and ${VAR:-default} expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aminenidae/screentime-rewards/internal/health"
	"github.com/aminenidae/screentime-rewards/internal/reward"
)

// EnvConfig names the environment variable holding the config path.
const EnvConfig = "SCREENLEDGER_CONFIG"

// Store backends.
const (
	BackendFile      = "file"
	BackendSQLite    = "sqlite"
	BackendEncrypted = "encrypted"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Config is the full screenledger configuration.
type Config struct {
	// DataDir holds the store, key file, and logs. Empty selects the
	// platform default (see infra.DefaultDataDir).
	DataDir string `yaml:"data_dir"`

	// Timezone is the IANA zone used for calendar days. Empty means local time.
	Timezone string `yaml:"timezone"`

	// AppsFile is the JSONC app mapping. Optional.
	AppsFile string `yaml:"apps_file"`

	Store    StoreConfig    `yaml:"store"`
	Rewards  reward.Config  `yaml:"rewards"`
	Health   health.Config  `yaml:"health"`
	ErrorLog ErrorLogConfig `yaml:"error_log"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Refresh  RefreshConfig  `yaml:"refresh"`
}

// StoreConfig selects and configures the ledger store backend.
type StoreConfig struct {
	// Backend is one of file, sqlite, encrypted, redis, memory.
	Backend string `yaml:"backend"`

	// Path is the store directory (file) or database file (sqlite, encrypted).
	// Empty derives it from DataDir.
	Path string `yaml:"path"`

	// KeyFile holds the SQLCipher key for the encrypted backend.
	KeyFile string `yaml:"key_file"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// OpTimeout bounds every store call.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// ErrorLogConfig sizes the error log ring buffer.
type ErrorLogConfig struct {
	Capacity int `yaml:"capacity"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level            string   `yaml:"level"`
	OutputPaths      []string `yaml:"output_paths"`
	ErrorOutputPaths []string `yaml:"error_output_paths"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RefreshConfig configures the main-process refresher.
type RefreshConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Timeout         time.Duration `yaml:"timeout"`
	EnforceInterval time.Duration `yaml:"enforce_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:     BackendFile,
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "screenledger:",
			OpTimeout:   2 * time.Second,
		},
		Rewards: reward.DefaultConfig(),
		Health:  health.DefaultConfig(),
		ErrorLog: ErrorLogConfig{
			Capacity: 200,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		Refresh: RefreshConfig{
			Interval:        30 * time.Second,
			Timeout:         5 * time.Second,
			EnforceInterval: time.Minute,
		},
	}
}

// Load loads the file at path, or the file named by SCREENLEDGER_CONFIG when
// path is empty. With neither, it returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// Location returns the time zone used for calendar days.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.DataDir = expandVars(c.DataDir, vars)
	vars["DATA_DIR"] = c.DataDir

	c.AppsFile = expandVars(c.AppsFile, vars)
	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Store.KeyFile = expandVars(c.Store.KeyFile, vars)
	c.Store.RedisAddr = expandVars(c.Store.RedisAddr, vars)
	c.Store.RedisPassword = expandVars(c.Store.RedisPassword, vars)
	for i, p := range c.Logging.OutputPaths {
		c.Logging.OutputPaths[i] = expandVars(p, vars)
	}
	for i, p := range c.Logging.ErrorOutputPaths {
		c.Logging.ErrorOutputPaths[i] = expandVars(p, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. vars take precedence over
// the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendFile, BackendSQLite, BackendEncrypted, BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Backend == BackendRedis && c.Store.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("store.redis_addr is required for the redis backend"))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}

	if c.Rewards.DailyGoalMinutes < 0 {
		errs = append(errs, fmt.Errorf("rewards.daily_goal_minutes must be >= 0"))
	}
	if c.Rewards.StreakMilestoneDays < 0 {
		errs = append(errs, fmt.Errorf("rewards.streak_milestone_days must be >= 0"))
	}
	if c.Rewards.StreakBonusPercent < 0 {
		errs = append(errs, fmt.Errorf("rewards.streak_bonus_percent must be >= 0"))
	}
	if c.ErrorLog.Capacity < 0 {
		errs = append(errs, fmt.Errorf("error_log.capacity must be >= 0"))
	}
	if c.Health.HeartbeatHistory < 0 {
		errs = append(errs, fmt.Errorf("health.heartbeat_history must be >= 0"))
	}

	durations := map[string]time.Duration{
		"store.op_timeout":           c.Store.OpTimeout,
		"health.unhealthy_threshold": c.Health.UnhealthyThreshold,
		"health.expected_interval":   c.Health.ExpectedInterval,
		"health.gap_threshold":       c.Health.GapThreshold,
		"health.lookback":            c.Health.Lookback,
		"refresh.interval":           c.Refresh.Interval,
		"refresh.timeout":            c.Refresh.Timeout,
		"refresh.enforce_interval":   c.Refresh.EnforceInterval,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", name))
		}
	}

	return errors.Join(errs...)
}
