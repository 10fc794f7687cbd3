// Package config loads gateway configuration from an optional YAML file
// overlaid with environment variables, and validates it at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Selection strategies accepted by LOAD_BALANCING_STRATEGY.
const (
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
	StrategyRandom     = "random"
	StrategyLeastUsed  = "least_used"
)

// ServeConfig tunes the per-remote sidecar HTTP daemons.
type ServeConfig struct {
	Enabled            bool   `yaml:"enabled"`
	PortStart          int    `yaml:"port_start"`
	Host               string `yaml:"host"`
	VFSCacheMode       string `yaml:"vfs_cache_mode"`
	BufferSize         string `yaml:"buffer_size"`
	VFSCacheMaxSize    string `yaml:"vfs_cache_max_size"`
	VFSCacheMaxAge     string `yaml:"vfs_cache_max_age"`
	StartupTimeoutSec  int    `yaml:"startup_timeout_sec"`
	AutoRestart        bool   `yaml:"auto_restart"`
	MaxRestartAttempts int    `yaml:"max_restart_attempts"`
	Fallback           bool   `yaml:"fallback"`
	ReadOnly           bool   `yaml:"read_only"`
	NoChecksum         bool   `yaml:"no_checksum"`
	Auth               string `yaml:"auth"`
}

// GroupConfig describes one storage group from configuration.
type GroupConfig struct {
	Number  int      `yaml:"number"`
	Primary string   `yaml:"primary"`
	Backups []string `yaml:"backups"`
	QuotaGB int      `yaml:"quota_gb"`
}

// Config is the full gateway configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	HTTPAddr string `yaml:"http_addr"`

	RcloneBinary string `yaml:"rclone_binary"`
	CacheDir     string `yaml:"cache_dir"`
	StateDir     string `yaml:"state_dir"`
	MaxRetries   int    `yaml:"max_retries"`
	TimeoutSec   int    `yaml:"timeout_sec"`

	PrimaryRemote     string `yaml:"primary_remote"`
	BackupRemotes     string `yaml:"backup_remotes"`
	NextPrimaryRemote string `yaml:"next_primary_remote"`
	NextBackupRemotes string `yaml:"next_backup_remotes"`

	Group1QuotaGB int           `yaml:"group1_quota_gb"`
	Group2QuotaGB int           `yaml:"group2_quota_gb"`
	ExtraGroups   []GroupConfig `yaml:"extra_groups"`

	AutoSwitchGroup  bool   `yaml:"auto_switch_group"`
	Group2PathPrefix string `yaml:"group2_path_prefix"`
	Strategy         string `yaml:"load_balancing_strategy"`

	Serve ServeConfig `yaml:"serve"`

	WorkerIndex     int `yaml:"worker_index"`
	WorkerPortSlots int `yaml:"worker_port_slots"`
}

// Default returns a Config with all tunables at their defaults.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		LogJSON:          true,
		HTTPAddr:         ":8000",
		RcloneBinary:     "rclone",
		CacheDir:         "./storage/temp",
		StateDir:         "./storage",
		MaxRetries:       3,
		TimeoutSec:       30,
		Group2QuotaGB:    1900,
		Group2PathPrefix: "@",
		Strategy:         StrategyRoundRobin,
		WorkerPortSlots:  20,
		Serve: ServeConfig{
			Enabled:            false,
			PortStart:          8180,
			Host:               "127.0.0.1",
			VFSCacheMode:       "full",
			BufferSize:         "256M",
			VFSCacheMaxSize:    "1G",
			VFSCacheMaxAge:     "1h",
			StartupTimeoutSec:  10,
			AutoRestart:        true,
			MaxRestartAttempts: 3,
			Fallback:           true,
			ReadOnly:           true,
			NoChecksum:         true,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.LogLevel, "LOG_LEVEL")
	envBool(&c.LogJSON, "LOG_JSON")
	envStr(&c.HTTPAddr, "HTTP_ADDR")
	envStr(&c.RcloneBinary, "RCLONE_BINARY")
	envStr(&c.CacheDir, "REMOTE_CACHE_DIR")
	envStr(&c.StateDir, "STATE_DIR")
	envInt(&c.MaxRetries, "MAX_RETRIES")
	envInt(&c.TimeoutSec, "REMOTE_TIMEOUT")

	envStr(&c.PrimaryRemote, "PRIMARY_REMOTE")
	envStr(&c.BackupRemotes, "BACKUP_REMOTES")
	envStr(&c.NextPrimaryRemote, "NEXT_PRIMARY_REMOTE")
	envStr(&c.NextBackupRemotes, "NEXT_BACKUP_REMOTES")

	envInt(&c.Group1QuotaGB, "GROUP1_QUOTA_GB")
	envInt(&c.Group2QuotaGB, "GROUP2_QUOTA_GB")
	envBool(&c.AutoSwitchGroup, "AUTO_SWITCH_GROUP")
	envStr(&c.Group2PathPrefix, "GROUP2_PATH_PREFIX")
	envStr(&c.Strategy, "LOAD_BALANCING_STRATEGY")

	envBool(&c.Serve.Enabled, "SERVE_HTTP_ENABLED")
	envInt(&c.Serve.PortStart, "SERVE_HTTP_PORT_START")
	envStr(&c.Serve.Host, "SERVE_HTTP_HOST")
	envStr(&c.Serve.VFSCacheMode, "SERVE_HTTP_VFS_CACHE_MODE")
	envStr(&c.Serve.BufferSize, "SERVE_HTTP_BUFFER_SIZE")
	envStr(&c.Serve.VFSCacheMaxSize, "SERVE_HTTP_VFS_CACHE_MAX_SIZE")
	envStr(&c.Serve.VFSCacheMaxAge, "SERVE_HTTP_VFS_CACHE_MAX_AGE")
	envInt(&c.Serve.StartupTimeoutSec, "SERVE_HTTP_STARTUP_TIMEOUT")
	envBool(&c.Serve.AutoRestart, "SERVE_HTTP_AUTO_RESTART")
	envInt(&c.Serve.MaxRestartAttempts, "SERVE_HTTP_MAX_RESTART_ATTEMPTS")
	envBool(&c.Serve.Fallback, "SERVE_HTTP_FALLBACK")
	envBool(&c.Serve.ReadOnly, "SERVE_HTTP_READ_ONLY")
	envBool(&c.Serve.NoChecksum, "SERVE_HTTP_NO_CHECKSUM")
	envStr(&c.Serve.Auth, "SERVE_HTTP_AUTH")

	envInt(&c.WorkerIndex, "WORKER_INDEX")
	envInt(&c.WorkerPortSlots, "WORKER_PORT_SLOTS")

	// Groups 3+ are scanned from the environment; the scan stops at the
	// first unconfigured number.
	for n := 3; ; n++ {
		primary := os.Getenv(fmt.Sprintf("GROUP_%d_PRIMARY", n))
		if strings.TrimSpace(primary) == "" {
			break
		}
		gc := GroupConfig{
			Number:  n,
			Primary: strings.TrimSpace(primary),
			Backups: SplitCSV(os.Getenv(fmt.Sprintf("GROUP_%d_BACKUPS", n))),
			QuotaGB: 1900,
		}
		if v := os.Getenv(fmt.Sprintf("GROUP_%d_QUOTA_GB", n)); v != "" {
			if q, err := strconv.Atoi(v); err == nil {
				gc.QuotaGB = q
			}
		}
		c.ExtraGroups = append(c.ExtraGroups, gc)
	}
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PrimaryRemote) == "" {
		return fmt.Errorf("PRIMARY_REMOTE is required")
	}
	if len(c.PrimaryRemote) < 2 {
		return fmt.Errorf("PRIMARY_REMOTE must be at least 2 characters")
	}

	switch c.Strategy {
	case StrategyRoundRobin, StrategyWeighted, StrategyRandom, StrategyLeastUsed:
	default:
		return fmt.Errorf("invalid load balancing strategy %q", c.Strategy)
	}

	if c.Group2PathPrefix == "" {
		return fmt.Errorf("GROUP2_PATH_PREFIX cannot be empty")
	}
	if strings.ContainsAny(c.Group2PathPrefix, "/\\") {
		return fmt.Errorf("GROUP2_PATH_PREFIX cannot contain path separators")
	}

	if c.Serve.PortStart < 1024 || c.Serve.PortStart > 65000 {
		return fmt.Errorf("SERVE_HTTP_PORT_START must be in [1024, 65000], got %d", c.Serve.PortStart)
	}
	if c.Serve.StartupTimeoutSec < 3 || c.Serve.StartupTimeoutSec > 60 {
		return fmt.Errorf("SERVE_HTTP_STARTUP_TIMEOUT must be in [3, 60] seconds, got %d", c.Serve.StartupTimeoutSec)
	}
	if c.Serve.MaxRestartAttempts < 1 || c.Serve.MaxRestartAttempts > 10 {
		return fmt.Errorf("SERVE_HTTP_MAX_RESTART_ATTEMPTS must be in [1, 10], got %d", c.Serve.MaxRestartAttempts)
	}
	switch c.Serve.VFSCacheMode {
	case "off", "minimal", "writes", "full":
	default:
		return fmt.Errorf("invalid VFS cache mode %q", c.Serve.VFSCacheMode)
	}

	if c.WorkerPortSlots <= 0 {
		return fmt.Errorf("WORKER_PORT_SLOTS must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}

	if err := ensureWritableDir(c.CacheDir); err != nil {
		return fmt.Errorf("cache dir %q is not writable: %w", c.CacheDir, err)
	}
	return nil
}

// Groups assembles the ordered group table from the flat remote settings.
// Group 1 always exists; group 2 exists when NEXT_PRIMARY_REMOTE is set;
// groups 3+ come from ExtraGroups.
func (c *Config) Groups() []GroupConfig {
	groups := []GroupConfig{{
		Number:  1,
		Primary: strings.TrimSpace(c.PrimaryRemote),
		Backups: SplitCSV(c.BackupRemotes),
		QuotaGB: c.Group1QuotaGB,
	}}

	if strings.TrimSpace(c.NextPrimaryRemote) != "" {
		groups = append(groups, GroupConfig{
			Number:  2,
			Primary: strings.TrimSpace(c.NextPrimaryRemote),
			Backups: SplitCSV(c.NextBackupRemotes),
			QuotaGB: c.Group2QuotaGB,
		})
	}

	groups = append(groups, c.ExtraGroups...)
	return groups
}

// HasNextGroup reports whether any group beyond 1 is configured.
func (c *Config) HasNextGroup() bool {
	return strings.TrimSpace(c.NextPrimaryRemote) != "" || len(c.ExtraGroups) > 0
}

// SplitCSV splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ensureWritableDir creates the directory and writes a per-process probe
// file so concurrent workers do not race on the same name.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe := filepath.Join(dir, fmt.Sprintf(".write_test_%d", os.Getpid()))
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
