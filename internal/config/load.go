package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is a fully validated configuration with duration strings parsed.
type Resolved struct {
	StatePath string
	LogLevel  string

	ListingPageSize    int
	ListingMaxAttempts int

	BatchSize   int
	Concurrency int
	MaxAttempts int
	MinInterval time.Duration

	DebugPort      int
	LoginTimeout   time.Duration
	RefreshTimeout time.Duration

	AssumedTTL    time.Duration
	ExpiryMargin  time.Duration
	CheckInterval time.Duration
}

// EnvOverrides are configuration values read from the environment.
type EnvOverrides struct {
	ConfigPath string
	StatePath  string
	DebugPort  string
}

// CLIOverrides are configuration values set by command-line flags.
type CLIOverrides struct {
	ConfigPath string
	StatePath  string
}

// ReadEnvOverrides collects ICLOUD_RESTORE_* environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv("ICLOUD_RESTORE_CONFIG"),
		StatePath:  os.Getenv("ICLOUD_RESTORE_STATE"),
		DebugPort:  os.Getenv("ICLOUD_RESTORE_DEBUG_PORT"),
	}
}

// DefaultConfigPath returns the platform config file location.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "icloud-restore.toml"
	}

	return filepath.Join(base, "icloud-restore", "config.toml")
}

// DefaultStatePath returns the platform state database location.
func DefaultStatePath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return "icloud-restore.db"
	}

	return filepath.Join(base, "icloud-restore", "state.db")
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := loadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.StatePath != "" {
		cfg.StatePath = env.StatePath
	}

	if env.DebugPort != "" {
		port, err := strconv.Atoi(env.DebugPort)
		if err != nil {
			return nil, fmt.Errorf("config: ICLOUD_RESTORE_DEBUG_PORT: %w", err)
		}

		cfg.Browser.DebugPort = port
	}

	if cli.StatePath != "" {
		cfg.StatePath = cli.StatePath
	}

	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath()
	}

	return resolve(cfg)
}

// loadOrDefault reads a TOML config file if it exists, otherwise returns
// the defaults. A missing file is the normal zero-config first run.
func loadOrDefault(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	// A typo in a config file silently falling back to a default is worse
	// than an error.
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	return cfg, nil
}

// resolve validates and parses a raw Config.
func resolve(cfg *Config) (*Resolved, error) {
	r := &Resolved{
		StatePath:          cfg.StatePath,
		LogLevel:           cfg.Logging.Level,
		ListingPageSize:    cfg.Listing.PageSize,
		ListingMaxAttempts: cfg.Listing.MaxAttempts,
		BatchSize:          cfg.Restore.BatchSize,
		Concurrency:        cfg.Restore.Concurrency,
		MaxAttempts:        cfg.Restore.MaxAttempts,
		DebugPort:          cfg.Browser.DebugPort,
	}

	for _, check := range []struct {
		name  string
		value int
	}{
		{"listing.page_size", cfg.Listing.PageSize},
		{"listing.max_attempts", cfg.Listing.MaxAttempts},
		{"restore.batch_size", cfg.Restore.BatchSize},
		{"restore.concurrency", cfg.Restore.Concurrency},
		{"restore.max_attempts", cfg.Restore.MaxAttempts},
		{"browser.debug_port", cfg.Browser.DebugPort},
	} {
		if check.value < 1 {
			return nil, fmt.Errorf("config: %s must be positive, got %d", check.name, check.value)
		}
	}

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"restore.min_interval", cfg.Restore.MinInterval, &r.MinInterval},
		{"browser.login_timeout", cfg.Browser.LoginTimeout, &r.LoginTimeout},
		{"browser.refresh_timeout", cfg.Browser.RefreshTimeout, &r.RefreshTimeout},
		{"session.assumed_ttl", cfg.Session.AssumedTTL, &r.AssumedTTL},
		{"session.expiry_margin", cfg.Session.ExpiryMargin, &r.ExpiryMargin},
		{"session.check_interval", cfg.Session.CheckInterval, &r.CheckInterval},
	} {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", d.name, err)
		}

		if parsed < 0 {
			return nil, fmt.Errorf("config: %s must not be negative", d.name)
		}

		*d.dst = parsed
	}

	switch r.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: logging.level must be debug, info, warn, or error, got %q", r.LogLevel)
	}

	return r, nil
}
