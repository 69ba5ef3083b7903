/*
Package config loads the loyalty engine configuration.

SOURCES (later wins):
  1. Defaults below
  2. loyalty.yaml in ".", "$HOME/.loyalty", or the file given by --config
  3. Environment: LOYALTY_<SECTION>_<KEY>, e.g. LOYALTY_POSTER_TOKEN

A missing config file is not an error; every key has a default except the
Poster credentials, which only the HTTP source needs.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // poster.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/poster"
	"github.com/warp/loyalty-engine/store/sqlstore"
	"github.com/warp/loyalty-engine/syncer"
)

const (
	configFileName = "loyalty"
	configFileType = "yaml"
	envPrefix      = "LOYALTY"
)

// Config is the full configuration tree.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Poster   PosterConfig   `mapstructure:"poster"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Bonus    BonusConfig    `mapstructure:"bonus"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type PosterConfig struct {
	Account  string        `mapstructure:"account"`
	Token    string        `mapstructure:"token"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PageSize int           `mapstructure:"page_size"`
	Timezone string        `mapstructure:"timezone"`
}

type SyncConfig struct {
	Retry          RetryConfig   `mapstructure:"retry"`
	DefaultWindow  WindowConfig  `mapstructure:"default_window"`
	Interval       time.Duration `mapstructure:"interval"`
	Kinds          []string      `mapstructure:"kinds"`
	LazyReferences bool          `mapstructure:"lazy_references"`
	CacheSize      int           `mapstructure:"cache_size"`
}

type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// WindowConfig is the window used when a trigger gives no days_back.
// Empty bounds mean the last 7 days.
type WindowConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

type BonusConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	StartDate            string `mapstructure:"start_date"`
	DefaultPercent       string `mapstructure:"default_percent"`
	ImportOpeningBalance bool   `mapstructure:"import_opening_balance"`
	ClosedStatus         int    `mapstructure:"closed_status"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// LOADING
// =============================================================================

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", sqlstore.DriverSQLite)
	v.SetDefault("database.dsn", "./data/loyalty.db")

	// Empty defaults make every key visible to AutomaticEnv during Unmarshal.
	v.SetDefault("poster.account", "")
	v.SetDefault("poster.token", "")
	v.SetDefault("poster.base_url", "")
	v.SetDefault("poster.timeout", 30*time.Second)
	v.SetDefault("poster.page_size", poster.MaxPageSize)
	v.SetDefault("poster.timezone", "UTC")

	retry := syncer.DefaultRetryPolicy()
	v.SetDefault("sync.retry.attempts", retry.Attempts)
	v.SetDefault("sync.retry.base_delay", retry.BaseDelay)
	v.SetDefault("sync.retry.max_delay", retry.MaxDelay)
	v.SetDefault("sync.default_window.from", "")
	v.SetDefault("sync.default_window.to", "")
	v.SetDefault("sync.interval", time.Hour)
	v.SetDefault("sync.kinds", []string{"spots", "products", "clients", "transactions"})
	v.SetDefault("sync.lazy_references", false)
	v.SetDefault("sync.cache_size", 10000)

	v.SetDefault("bonus.enabled", true)
	v.SetDefault("bonus.start_date", "")
	v.SetDefault("bonus.default_percent", "0")
	v.SetDefault("bonus.import_opening_balance", false)
	v.SetDefault("bonus.closed_status", bonus.PosterClosedStatus)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path may be empty to search the default locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.loyalty")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would only fail later.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	if _, err := time.LoadLocation(c.Poster.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("poster.timezone: %w", err))
	}
	if c.Sync.Retry.Attempts < 1 {
		errs = append(errs, errors.New("sync.retry.attempts: must be at least 1"))
	}
	for _, k := range c.Sync.Kinds {
		if _, ok := generic.ParseSyncKind(k); !ok {
			errs = append(errs, fmt.Errorf("sync.kinds: unknown kind %q", k))
		}
	}
	if (c.Sync.DefaultWindow.From == "") != (c.Sync.DefaultWindow.To == "") {
		errs = append(errs, errors.New("sync.default_window: from and to must be set together"))
	} else if c.Sync.DefaultWindow.From != "" {
		if _, err := generic.ParseWindow(c.Sync.DefaultWindow.From, c.Sync.DefaultWindow.To, time.UTC); err != nil {
			errs = append(errs, fmt.Errorf("sync.default_window: %w", err))
		}
	}
	if c.Bonus.StartDate != "" {
		if _, err := time.Parse(generic.DateLayout, c.Bonus.StartDate); err != nil {
			errs = append(errs, fmt.Errorf("bonus.start_date: %w", err))
		}
	}
	if _, err := generic.ParsePercent(c.Bonus.DefaultPercent); err != nil {
		errs = append(errs, fmt.Errorf("bonus.default_percent: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// Location is the Poster account's time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Poster.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BonusSettings converts the bonus section. Call after Validate.
func (c *Config) BonusSettings() bonus.Settings {
	s := bonus.Settings{
		Enabled:      c.Bonus.Enabled,
		ClosedStatus: c.Bonus.ClosedStatus,
	}
	s.DefaultPercent, _ = generic.ParsePercent(c.Bonus.DefaultPercent)
	if c.Bonus.StartDate != "" {
		s.StartDate, _ = time.ParseInLocation(generic.DateLayout, c.Bonus.StartDate, c.Location())
	}
	return s
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() syncer.RetryPolicy {
	return syncer.RetryPolicy{
		Attempts:  c.Sync.Retry.Attempts,
		BaseDelay: c.Sync.Retry.BaseDelay,
		MaxDelay:  c.Sync.Retry.MaxDelay,
	}
}

// Kinds returns the configured sync kinds in their configured order.
func (c *Config) Kinds() []generic.SyncKind {
	kinds := make([]generic.SyncKind, 0, len(c.Sync.Kinds))
	for _, k := range c.Sync.Kinds {
		if kind, ok := generic.ParseSyncKind(k); ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// DefaultWindow is the fallback window of a trigger without days_back.
func (c *Config) DefaultWindow(now time.Time) generic.Window {
	if c.Sync.DefaultWindow.From != "" {
		w, err := generic.ParseWindow(c.Sync.DefaultWindow.From, c.Sync.DefaultWindow.To, c.Location())
		if err == nil {
			return w
		}
	}
	return generic.LastDays(now.In(c.Location()), 7)
}
