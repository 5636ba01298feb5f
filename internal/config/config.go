// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// FetchConfig governs how result pages are retrieved through the relay.
type FetchConfig struct {
	RelayBaseURL   string `mapstructure:"relay_base_url"`
	SearchBaseURL  string `mapstructure:"search_base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	AcceptLanguage string `mapstructure:"accept_language"`
	LanguageCookie string `mapstructure:"language_cookie"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	BackoffSeconds int    `mapstructure:"backoff_seconds"`
}

// SweepConfig bounds partition crawls within a sweep.
type SweepConfig struct {
	PostalCodes         []string `mapstructure:"postal_codes"`
	MaxPagesPerCode     int      `mapstructure:"max_pages_per_code"`
	MaxConsecutiveEmpty int      `mapstructure:"max_consecutive_empty"`
	IncludeUnknownPass  bool     `mapstructure:"include_unknown_pass"`
	UnknownPassMaxPages int      `mapstructure:"unknown_pass_max_pages"`
	PagePauseMs         int      `mapstructure:"page_pause_ms"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HCW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("fetch.relay_base_url", "http://localhost:8080")
	v.SetDefault("fetch.search_base_url", "https://webappsa.riziv-inami.fgov.be/silverpages/Home/SearchHcw/")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("fetch.accept_language", "nl-BE,nl;q=0.9,en;q=0.8")
	v.SetDefault("fetch.language_cookie", ".nihdi.language=c%3Dnl-BE%7Cuic%3Dnl-BE")
	v.SetDefault("fetch.timeout_seconds", 90)
	v.SetDefault("fetch.max_attempts", 5)
	v.SetDefault("fetch.backoff_seconds", 3)
	v.SetDefault("sweep.max_pages_per_code", 100)
	v.SetDefault("sweep.max_consecutive_empty", 2)
	v.SetDefault("sweep.include_unknown_pass", true)
	v.SetDefault("sweep.unknown_pass_max_pages", 1000)
	v.SetDefault("sweep.page_pause_ms", 600)
	v.SetDefault("database.table", "practitioners")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.RelayBaseURL == "" {
		return fmt.Errorf("fetch.relay_base_url must be set")
	}
	if c.Fetch.SearchBaseURL == "" {
		return fmt.Errorf("fetch.search_base_url must be set")
	}
	// The upstream directory is slow; anything shorter than a minute trips
	// the retry budget on healthy pages.
	if c.Fetch.TimeoutSeconds < 60 {
		return fmt.Errorf("fetch.timeout_seconds must be >= 60")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Sweep.MaxPagesPerCode <= 0 {
		return fmt.Errorf("sweep.max_pages_per_code must be > 0")
	}
	if c.Sweep.MaxConsecutiveEmpty <= 0 {
		return fmt.Errorf("sweep.max_consecutive_empty must be > 0")
	}
	if c.Sweep.IncludeUnknownPass && c.Sweep.UnknownPassMaxPages <= 0 {
		return fmt.Errorf("sweep.unknown_pass_max_pages must be > 0 when the unknown pass is enabled")
	}
	if c.Database.Table == "" {
		return fmt.Errorf("database.table must be set")
	}
	return nil
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// FetchBackoff converts the retry backoff into a duration.
func (c Config) FetchBackoff() time.Duration {
	return time.Duration(c.Fetch.BackoffSeconds) * time.Second
}

// PagePause converts the inter-page pause into a duration.
func (c Config) PagePause() time.Duration {
	return time.Duration(c.Sweep.PagePauseMs) * time.Millisecond
}
