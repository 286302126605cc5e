// Package config provides configuration management for the wewb engine using Viper
package config

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Default tunables for an engine instance.
const (
	DefaultUploadPercent           = 1.0
	DefaultMaxConcurrentDeliveries = 5
	DefaultFlushInterval           = 3 * time.Second
	DefaultDebounceWindow          = 500 * time.Millisecond
	DefaultRequestTimeout          = 10 * time.Second
	DefaultMaxRetries              = 5
	DefaultBackoffBase             = 500 * time.Millisecond

	// MaxBackoff caps the exponential backoff between delivery retries.
	MaxBackoff = 30 * time.Second
)

// InvalidError reports a configuration that cannot activate the engine.
// Registration fails once with this error and the engine stays inert.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// Config holds all parameters for one engine instance. It is supplied once at
// registration and immutable for the life of the page load.
type Config struct {
	// Required settings
	ProjectID string `mapstructure:"projectid"`
	IngestURL string `mapstructure:"ingesturl"`

	// Sampling and delivery settings. UploadPercent is a pointer so an
	// explicit zero (sample nothing) is distinguishable from unset (defaults
	// to full sampling).
	UploadPercent           *float64      `mapstructure:"uploadpercent"`
	MaxConcurrentDeliveries int           `mapstructure:"maxconcurrentdeliveries"`
	FlushInterval           time.Duration `mapstructure:"flushinterval"`
	DebounceWindow          time.Duration `mapstructure:"debouncewindow"`
	RequestTimeout          time.Duration `mapstructure:"requesttimeout"`
	MaxRetries              int           `mapstructure:"maxretries"`
	BackoffBase             time.Duration `mapstructure:"backoffbase"`

	// Durable state settings. An empty StateDirectory disables the durable
	// store; identity degrades to per-run ephemeral and nothing is spooled.
	StateDirectory string `mapstructure:"statedir"`

	// Logging settings (used by the demo binary; embedded engines stay silent)
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`
}

var (
	cfg  *Config
	once sync.Once
)

// FromEnv returns a configuration loaded from WEWB_* environment variables
// with defaults applied. The result is cached for the life of the process.
func FromEnv() *Config {
	once.Do(func() {
		v := viper.New()

		v.SetDefault("uploadpercent", DefaultUploadPercent)
		v.SetDefault("maxconcurrentdeliveries", DefaultMaxConcurrentDeliveries)
		v.SetDefault("flushinterval", DefaultFlushInterval)
		v.SetDefault("debouncewindow", DefaultDebounceWindow)
		v.SetDefault("requesttimeout", DefaultRequestTimeout)
		v.SetDefault("maxretries", DefaultMaxRetries)
		v.SetDefault("backoffbase", DefaultBackoffBase)
		v.SetDefault("statedir", "")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)

		v.BindEnv("projectid", "WEWB_PROJECT_ID")
		v.BindEnv("ingesturl", "WEWB_INGEST_URL")
		v.BindEnv("uploadpercent", "WEWB_UPLOAD_PERCENT")
		v.BindEnv("maxconcurrentdeliveries", "WEWB_MAX_CONCURRENT_DELIVERIES")
		v.BindEnv("flushinterval", "WEWB_FLUSH_INTERVAL")
		v.BindEnv("debouncewindow", "WEWB_DEBOUNCE_WINDOW")
		v.BindEnv("requesttimeout", "WEWB_REQUEST_TIMEOUT")
		v.BindEnv("maxretries", "WEWB_MAX_RETRIES")
		v.BindEnv("backoffbase", "WEWB_BACKOFF_BASE")
		v.BindEnv("statedir", "WEWB_STATE_DIR")
		v.BindEnv("logsdir", "WEWB_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "WEWB_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "WEWB_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "WEWB_LOGS_MAX_AGE_IN_DAYS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			// A broken environment must not break the embedding process;
			// fall back to an empty config that fails validation at Register.
			cfg = &Config{}
		}
		cfg.Normalize()
	})
	return cfg
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}

// Float returns a pointer to v, for the optional UploadPercent field.
func Float(v float64) *float64 {
	return &v
}

// Normalize fills unset tunables with defaults and clamps UploadPercent into
// [0, 1]. An explicit zero survives as zero: nothing is ever sent.
// ProjectID and IngestURL are left untouched for Validate.
func (c *Config) Normalize() {
	if c.UploadPercent == nil {
		c.UploadPercent = Float(DefaultUploadPercent)
	}
	if *c.UploadPercent < 0 {
		*c.UploadPercent = 0
	}
	if *c.UploadPercent > 1 {
		*c.UploadPercent = 1
	}
	if c.MaxConcurrentDeliveries <= 0 {
		c.MaxConcurrentDeliveries = DefaultMaxConcurrentDeliveries
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.LogsMaxSizeInMb <= 0 {
		c.LogsMaxSizeInMb = 20
	}
	if c.LogsMaxBackups <= 0 {
		c.LogsMaxBackups = 10
	}
	if c.LogsMaxAgeInDays <= 0 {
		c.LogsMaxAgeInDays = 30
	}
}

// Validate checks the configuration for errors that prevent registration.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return &InvalidError{Field: "projectId", Reason: "is required"}
	}
	if c.IngestURL == "" {
		return &InvalidError{Field: "apiUrl", Reason: "is required"}
	}
	u, err := url.Parse(c.IngestURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &InvalidError{Field: "apiUrl", Reason: "must be an absolute URL"}
	}
	return nil
}
