package core

import "time"

// Environment variable names, per spec.md §6.
const (
	EnvMaxRetries          = "MAX_RETRIES"
	EnvStaleSeconds        = "STALE_SECONDS"
	EnvEvidenceMaxAge      = "EVIDENCE_MAX_AGE"
	EnvSpotCheckRate       = "SPOT_CHECK_RATE"
	EnvSignalsDir          = "SIGNALS_DIR"
	EnvStateDir            = "STATE_DIR"
	EnvIdentitiesDir       = "IDENTITIES_DIR"
	EnvQuietStart          = "QUIET_START"
	EnvQuietEnd            = "QUIET_END"
	EnvDedupWindowSeconds  = "DEDUP_WINDOW_SECONDS"

	// attractor-specific ambient/domain additions (SPEC_FULL.md §A.3).
	EnvLogLevel        = "ATTRACTOR_LOG_LEVEL"
	EnvLogFormat       = "ATTRACTOR_LOG_FORMAT"
	EnvRedisURL        = "ATTRACTOR_REDIS_URL"
	EnvRespawnMax      = "ATTRACTOR_RESPAWN_MAX"
	EnvOTELEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvNotificationsDir = "NOTIFICATIONS_DIR"
)

// Filesystem layout defaults, per spec.md §6.
const (
	DefaultStateDir         = "./state"
	DefaultSignalsDir       = "./signals"
	DefaultIdentitiesDir    = "./identities"
	DefaultNotificationsDir = "./notifications"

	AuditSuffix              = "-audit.jsonl"
	NotificationLogFilename  = "notification-log.json"
)

// Numeric/duration defaults, per spec.md §6.
const (
	DefaultMaxRetries         = 3
	DefaultStaleSeconds       = 300
	DefaultEvidenceMaxAge     = 300
	DefaultSpotCheckRate      = 0.0
	DefaultDedupWindowSeconds = 300
	DefaultRespawnMax         = 3

	DefaultQuietStart = "22:00"
	DefaultQuietEnd   = "07:00"
)

// DefaultPollInterval is the Signal Store's fallback poll cadence for wait()
// when no filesystem-notification event arrives in time (SPEC_FULL.md §B).
const DefaultPollInterval = 500 * time.Millisecond
