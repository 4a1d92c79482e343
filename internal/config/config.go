// Package config holds the SDK's runtime configuration: the recognized
// recognized keys plus sane defaults, loadable either
// programmatically (the normal path for an embedded mobile SDK) or from
// environment variables (for the demo backend and integration tests).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nuxie/growth-core/internal/errs"
)

// EventLinkingPolicy governs what happens to a user's past anonymous
// events when they are identified.
type EventLinkingPolicy string

const (
	// KeepSeparate leaves events attributed to the anonymous id alone.
	KeepSeparate EventLinkingPolicy = "keep_separate"
	// MigrateOnIdentify reassigns past anonymous events to the new distinct id.
	MigrateOnIdentify EventLinkingPolicy = "migrate_on_identify"
)

// Config holds all configuration recognized by the core.
type Config struct {
	// Required
	APIKey string

	// Network
	APIEndpoint string

	// Logger
	LogLevel            string
	LogFormat           string
	EnableConsoleLogging bool
	EnableFileLogging    bool
	RedactSensitiveData  bool

	// Event pipeline / network queue
	FlushAt        int
	FlushInterval  time.Duration
	MaxQueueSize   int
	MaxBatchSize   int
	MaxRetries     int
	BaseRetryDelay time.Duration

	// Identity
	EventLinkingPolicy EventLinkingPolicy

	// Trigger broker
	ImmediateOutcomeWindow time.Duration

	// Profile cache
	FeatureCacheTTL  time.Duration
	LocaleIdentifier string
	IsDebugMode      bool

	// Event store retention
	EventTTL time.Duration
}

// Option mutates a Config during Setup.
type Option func(*Config)

// Default returns the configuration defaults (flushAt=20,
// flushInterval=30s, maxQueueSize=1000, maxBatchSize=50, maxRetries=3,
// baseRetryDelay=1s, immediateOutcomeWindowSeconds=5, featureCacheTTL=5m,
// eventTTL=7d).
func Default() *Config {
	return &Config{
		APIEndpoint:            "https://api.growth.example.com",
		LogLevel:               "info",
		LogFormat:              "text",
		EnableConsoleLogging:   true,
		EnableFileLogging:      false,
		RedactSensitiveData:    true,
		FlushAt:                20,
		FlushInterval:          30 * time.Second,
		MaxQueueSize:           1000,
		MaxBatchSize:           50,
		MaxRetries:             3,
		BaseRetryDelay:         time.Second,
		EventLinkingPolicy:     MigrateOnIdentify,
		ImmediateOutcomeWindow: 5 * time.Second,
		FeatureCacheTTL:        5 * time.Minute,
		LocaleIdentifier:       "en-US",
		IsDebugMode:            false,
		EventTTL:               7 * 24 * time.Hour,
	}
}

// New builds a Config from defaults, the required API key, and any options.
func New(apiKey string, opts ...Option) (*Config, error) {
	cfg := Default()
	cfg.APIKey = apiKey
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces setup's pre-conditions:
// NotConfigured / InvalidConfiguration.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errs.ErrNotConfigured
	}
	if c.FlushAt <= 0 {
		return fmt.Errorf("%w: flushAt must be > 0", errs.ErrInvalidConfiguration)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: maxQueueSize must be > 0", errs.ErrInvalidConfiguration)
	}
	if c.MaxBatchSize <= 0 || c.MaxBatchSize > c.MaxQueueSize {
		return fmt.Errorf("%w: maxBatchSize must be > 0 and <= maxQueueSize", errs.ErrInvalidConfiguration)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", errs.ErrInvalidConfiguration)
	}
	if c.ImmediateOutcomeWindow <= 0 {
		return fmt.Errorf("%w: immediateOutcomeWindowSeconds must be > 0", errs.ErrInvalidConfiguration)
	}
	return nil
}

// Option constructors, one per recognized configuration key.

func WithAPIEndpoint(url string) Option    { return func(c *Config) { c.APIEndpoint = url } }
func WithLogLevel(level string) Option     { return func(c *Config) { c.LogLevel = level } }
func WithLogFormat(format string) Option   { return func(c *Config) { c.LogFormat = format } }
func WithConsoleLogging(v bool) Option     { return func(c *Config) { c.EnableConsoleLogging = v } }
func WithFileLogging(v bool) Option        { return func(c *Config) { c.EnableFileLogging = v } }
func WithRedactSensitiveData(v bool) Option { return func(c *Config) { c.RedactSensitiveData = v } }
func WithFlushAt(n int) Option             { return func(c *Config) { c.FlushAt = n } }
func WithFlushInterval(d time.Duration) Option { return func(c *Config) { c.FlushInterval = d } }
func WithMaxQueueSize(n int) Option        { return func(c *Config) { c.MaxQueueSize = n } }
func WithMaxBatchSize(n int) Option        { return func(c *Config) { c.MaxBatchSize = n } }
func WithMaxRetries(n int) Option          { return func(c *Config) { c.MaxRetries = n } }
func WithBaseRetryDelay(d time.Duration) Option { return func(c *Config) { c.BaseRetryDelay = d } }
func WithEventLinkingPolicy(p EventLinkingPolicy) Option {
	return func(c *Config) { c.EventLinkingPolicy = p }
}
func WithImmediateOutcomeWindow(d time.Duration) Option {
	return func(c *Config) { c.ImmediateOutcomeWindow = d }
}
func WithFeatureCacheTTL(d time.Duration) Option { return func(c *Config) { c.FeatureCacheTTL = d } }
func WithLocaleIdentifier(locale string) Option  { return func(c *Config) { c.LocaleIdentifier = locale } }
func WithDebugMode(v bool) Option                { return func(c *Config) { c.IsDebugMode = v } }
func WithEventTTL(d time.Duration) Option        { return func(c *Config) { c.EventTTL = d } }

// LoadFromEnv loads configuration overrides from the environment, used by
// the demo backend and integration tests rather than the embedded SDK
// itself (which is always configured programmatically by its host app).
func LoadFromEnv(apiKey string) (*Config, error) {
	cfg := Default()
	cfg.APIKey = getEnv("GROWTH_API_KEY", apiKey)
	cfg.APIEndpoint = getEnv("GROWTH_API_ENDPOINT", cfg.APIEndpoint)
	cfg.LogLevel = getEnv("GROWTH_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("GROWTH_LOG_FORMAT", cfg.LogFormat)
	cfg.FlushAt = getEnvInt("GROWTH_FLUSH_AT", cfg.FlushAt)
	cfg.FlushInterval = getEnvDuration("GROWTH_FLUSH_INTERVAL", cfg.FlushInterval)
	cfg.MaxQueueSize = getEnvInt("GROWTH_MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.MaxBatchSize = getEnvInt("GROWTH_MAX_BATCH_SIZE", cfg.MaxBatchSize)
	cfg.MaxRetries = getEnvInt("GROWTH_MAX_RETRIES", cfg.MaxRetries)
	cfg.BaseRetryDelay = getEnvDuration("GROWTH_BASE_RETRY_DELAY", cfg.BaseRetryDelay)
	cfg.IsDebugMode = getEnvBool("GROWTH_DEBUG_MODE", cfg.IsDebugMode)
	return cfg, cfg.Validate()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
