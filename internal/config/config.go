// Package config implements TOML configuration loading and validation for
// icloud-restore. Precedence is defaults -> config file -> environment ->
// CLI flags, with CLI flags always winning.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	StatePath string        `toml:"state_path"`
	Listing   ListingConfig `toml:"listing"`
	Restore   RestoreConfig `toml:"restore"`
	Browser   BrowserConfig `toml:"browser"`
	Session   SessionConfig `toml:"session"`
	Logging   LoggingConfig `toml:"logging"`
}

// ListingConfig controls tombstone enumeration.
type ListingConfig struct {
	PageSize    int `toml:"page_size"`
	MaxAttempts int `toml:"max_attempts"`
}

// RestoreConfig controls batching, concurrency, and retry limits. The
// batch size must stay within what the provider accepts per request.
type RestoreConfig struct {
	BatchSize   int    `toml:"batch_size"`
	Concurrency int    `toml:"concurrency"`
	MaxAttempts int    `toml:"max_attempts"`
	MinInterval string `toml:"min_interval"`
}

// BrowserConfig controls the Chrome automation target.
type BrowserConfig struct {
	DebugPort      int    `toml:"debug_port"`
	LoginTimeout   string `toml:"login_timeout"`
	RefreshTimeout string `toml:"refresh_timeout"`
}

// SessionConfig controls credential staleness estimation. The provider
// never announces a session TTL, so these are operating assumptions.
type SessionConfig struct {
	AssumedTTL    string `toml:"assumed_ttl"`
	ExpiryMargin  string `toml:"expiry_margin"`
	CheckInterval string `toml:"check_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns a Config populated with all default values. The
// restore defaults mirror what the provider tolerated during testing:
// batches of 100 ids, five concurrent calls.
func DefaultConfig() *Config {
	return &Config{
		Listing: ListingConfig{
			PageSize:    2000,
			MaxAttempts: 5,
		},
		Restore: RestoreConfig{
			BatchSize:   100,
			Concurrency: 5,
			MaxAttempts: 5,
			MinInterval: "200ms",
		},
		Browser: BrowserConfig{
			DebugPort:      9222,
			LoginTimeout:   "5m",
			RefreshTimeout: "30s",
		},
		Session: SessionConfig{
			AssumedTTL:    "25m",
			ExpiryMargin:  "2m",
			CheckInterval: "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
