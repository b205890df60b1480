package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/attractorhq/attractor/logger"
)

// Config holds every tunable of the Runner/Guardian/Signal-Bus triad. It
// supports the same three-layer configuration priority as the rest of this
// codebase's ambient stack:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority, per spec.md §6)
//  3. Functional options (highest priority)
type Config struct {
	// Filesystem layout (spec.md §6).
	StateDir         string `json:"state_dir" env:"STATE_DIR" default:"./state"`
	SignalsDir       string `json:"signals_dir" env:"SIGNALS_DIR" default:"./signals"`
	IdentitiesDir    string `json:"identities_dir" env:"IDENTITIES_DIR" default:"./identities"`
	NotificationsDir string `json:"notifications_dir" env:"NOTIFICATIONS_DIR" default:"./notifications"`

	// Guard rail thresholds (spec.md §4.6, §6).
	MaxRetries     int     `json:"max_retries" env:"MAX_RETRIES" default:"3"`
	StaleSeconds   int     `json:"stale_seconds" env:"STALE_SECONDS" default:"300"`
	EvidenceMaxAge int     `json:"evidence_max_age" env:"EVIDENCE_MAX_AGE" default:"300"`
	SpotCheckRate  float64 `json:"spot_check_rate" env:"SPOT_CHECK_RATE" default:"0.0"`

	// Notification Dispatcher (spec.md §4.11).
	QuietStart          string `json:"quiet_start" env:"QUIET_START" default:"22:00"`
	QuietEnd            string `json:"quiet_end" env:"QUIET_END" default:"07:00"`
	DedupWindowSeconds  int    `json:"dedup_window_seconds" env:"DEDUP_WINDOW_SECONDS" default:"300"`

	// Session Host Adapter (spec.md §4.8).
	RespawnMax             int      `json:"respawn_max" env:"ATTRACTOR_RESPAWN_MAX" default:"3"`
	ReservedSessionPrefixes []string `json:"reserved_session_prefixes"`

	// Identity registry caching (SPEC_FULL.md §B: optional Redis lookaside).
	Identity IdentityConfig `json:"identity"`

	// Telemetry (SPEC_FULL.md §A.1/A.3).
	Telemetry TelemetryConfig `json:"telemetry"`

	// Logging (SPEC_FULL.md §A.1).
	Logging LoggingConfig `json:"logging"`

	logger logger.Logger `json:"-"`
}

// IdentityConfig controls the Identity Registry's optional Redis cache.
type IdentityConfig struct {
	CacheEnabled bool          `json:"cache_enabled" env:"ATTRACTOR_IDENTITY_CACHE" default:"false"`
	RedisURL     string        `json:"redis_url" env:"ATTRACTOR_REDIS_URL"`
	CacheTTL     time.Duration `json:"cache_ttl" default:"30s"`
}

// TelemetryConfig mirrors the teacher's optional-module telemetry shape.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" env:"ATTRACTOR_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" env:"OTEL_SERVICE_NAME" default:"attractor"`
	SamplingRate   float64 `json:"sampling_rate" default:"1.0"`
	Insecure       bool    `json:"insecure" default:"true"`
}

// LoggingConfig mirrors the teacher's LoggingConfig.
type LoggingConfig struct {
	Level  string `json:"level" env:"ATTRACTOR_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"ATTRACTOR_LOG_FORMAT" default:"text"`
}

// Option is a functional option applied after defaults and environment
// variables, matching the teacher's Option func(*Config) error pattern.
type Option func(*Config) error

// DefaultReservedSessionPrefixes are the session-name prefixes the Session
// Host Adapter refuses to hand out to callers (spec.md §4.8, §9: "treat it as
// injected configuration"). "attractor-" is reserved for the Runner/Guardian
// pair's own control sessions.
var DefaultReservedSessionPrefixes = []string{"attractor-", "s3-live-"}

// DefaultConfig returns the configuration with every default applied, before
// environment variables or functional options are considered.
func DefaultConfig() *Config {
	prefixes := make([]string, len(DefaultReservedSessionPrefixes))
	copy(prefixes, DefaultReservedSessionPrefixes)

	return &Config{
		StateDir:                "./state",
		SignalsDir:              "./signals",
		IdentitiesDir:           "./identities",
		NotificationsDir:        "./notifications",
		MaxRetries:              DefaultMaxRetries,
		StaleSeconds:            DefaultStaleSeconds,
		EvidenceMaxAge:          DefaultEvidenceMaxAge,
		SpotCheckRate:           DefaultSpotCheckRate,
		QuietStart:              DefaultQuietStart,
		QuietEnd:                DefaultQuietEnd,
		DedupWindowSeconds:      DefaultDedupWindowSeconds,
		RespawnMax:              DefaultRespawnMax,
		ReservedSessionPrefixes: prefixes,
		Identity: IdentityConfig{
			CacheEnabled: false,
			CacheTTL:     30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "attractor",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv overlays environment variables onto c, per spec.md §6's
// variable list plus the ambient additions in SPEC_FULL.md §A.3.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvSignalsDir); v != "" {
		c.SignalsDir = v
	}
	if v := os.Getenv(EnvIdentitiesDir); v != "" {
		c.IdentitiesDir = v
	}
	if v := os.Getenv(EnvNotificationsDir); v != "" {
		c.NotificationsDir = v
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		} else {
			return c.invalid("MAX_RETRIES", v, err)
		}
	}
	if v := os.Getenv(EnvStaleSeconds); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StaleSeconds = n
		} else {
			return c.invalid("STALE_SECONDS", v, err)
		}
	}
	if v := os.Getenv(EnvEvidenceMaxAge); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EvidenceMaxAge = n
		} else {
			return c.invalid("EVIDENCE_MAX_AGE", v, err)
		}
	}
	if v := os.Getenv(EnvSpotCheckRate); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SpotCheckRate = f
		} else {
			return c.invalid("SPOT_CHECK_RATE", v, err)
		}
	}
	if v := os.Getenv(EnvQuietStart); v != "" {
		c.QuietStart = v
	}
	if v := os.Getenv(EnvQuietEnd); v != "" {
		c.QuietEnd = v
	}
	if v := os.Getenv(EnvDedupWindowSeconds); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DedupWindowSeconds = n
		} else {
			return c.invalid("DEDUP_WINDOW_SECONDS", v, err)
		}
	}
	if v := os.Getenv(EnvRespawnMax); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RespawnMax = n
		} else {
			return c.invalid("ATTRACTOR_RESPAWN_MAX", v, err)
		}
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Identity.RedisURL = v
		c.Identity.CacheEnabled = true
	}
	if v := os.Getenv(EnvOTELEndpoint); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}

	return c.Validate()
}

func (c *Config) invalid(name, value string, err error) error {
	return &Error{
		Op:      "Config.LoadFromEnv",
		Kind:    "config",
		Message: fmt.Sprintf("invalid value %q for %s: %v", value, name, err),
		Err:     ErrInvalidConfiguration,
	}
}

// Validate checks structural invariants of the configuration.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return &Error{Op: "Config.Validate", Kind: "config", Message: "max_retries must be >= 0", Err: ErrInvalidConfiguration}
	}
	if c.SpotCheckRate < 0 || c.SpotCheckRate > 1 {
		return &Error{Op: "Config.Validate", Kind: "config", Message: "spot_check_rate must be in [0,1]", Err: ErrInvalidConfiguration}
	}
	if !validHHMM(c.QuietStart) || !validHHMM(c.QuietEnd) {
		return &Error{Op: "Config.Validate", Kind: "config", Message: "quiet_start/quiet_end must be HH:MM", Err: ErrInvalidConfiguration}
	}
	if c.DedupWindowSeconds < 0 {
		return &Error{Op: "Config.Validate", Kind: "config", Message: "dedup_window_seconds must be >= 0", Err: ErrInvalidConfiguration}
	}
	if c.RespawnMax < 0 {
		return &Error{Op: "Config.Validate", Kind: "config", Message: "respawn_max must be >= 0", Err: ErrInvalidConfiguration}
	}
	return nil
}

func validHHMM(s string) bool {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return false
	}
	return true
}

// Logger returns the configuration's logger, defaulting to
// logger.NewDefaultLogger(), which writes through the standard log package.
func (c *Config) Logger() logger.Logger {
	if c.logger == nil {
		return logger.NewDefaultLogger()
	}
	return c.logger
}

// Functional options.

// WithStateDir overrides the RunnerState/audit directory.
func WithStateDir(dir string) Option {
	return func(c *Config) error { c.StateDir = dir; return nil }
}

// WithSignalsDir overrides the signal envelope directory.
func WithSignalsDir(dir string) Option {
	return func(c *Config) error { c.SignalsDir = dir; return nil }
}

// WithIdentitiesDir overrides the identity record directory.
func WithIdentitiesDir(dir string) Option {
	return func(c *Config) error { c.IdentitiesDir = dir; return nil }
}

// WithMaxRetries overrides the retry-limit guard's threshold.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return &Error{Op: "WithMaxRetries", Kind: "config", Message: "max retries must be >= 0", Err: ErrInvalidConfiguration}
		}
		c.MaxRetries = n
		return nil
	}
}

// WithRedisCache enables the Identity Registry's optional Redis lookaside
// cache against the given URL.
func WithRedisCache(url string) Option {
	return func(c *Config) error {
		c.Identity.CacheEnabled = true
		c.Identity.RedisURL = url
		return nil
	}
}

// WithTelemetry enables OTEL export to the given OTLP endpoint.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogger sets the logger that Config.Logger returns. Components are not
// given this logger automatically; each takes its own via its WithLogger option.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) error { c.logger = l; return nil }
}

// WithReservedSessionPrefixes overrides the set of reserved session-name
// prefixes the Session Host Adapter refuses (spec.md §9: "treat it as
// injected configuration").
func WithReservedSessionPrefixes(prefixes ...string) Option {
	return func(c *Config) error { c.ReservedSessionPrefixes = prefixes; return nil }
}

// NewConfig builds a Config from defaults, then environment variables, then
// functional options, validating at the end — the three-layer priority
// described in SPEC_FULL.md §A.3.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = logger.NewDefaultLogger()
		cfg.logger.SetLevel(cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
