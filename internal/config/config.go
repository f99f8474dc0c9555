package config

import "time"

// ServerConfig controls the HTTP listener in cmd/proxyd.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// UpstreamConfig points the Upstream Client (F) at the Anthropic messages API.
type UpstreamConfig struct {
	BaseURL      string
	BetaHeaders  []string
	RequestTimeout time.Duration
}

// CredentialConfig controls the Credential Store/Manager (B/C).
type CredentialConfig struct {
	// Dir holds one JSON credential file per domain.
	Dir string
	// CacheTTL is how long a resolved credential is reused before refresh.
	CacheTTL time.Duration
	// CacheMaxEntries bounds the in-memory LRU (spec: max 100).
	CacheMaxEntries int
	// StuckRefreshReclaim is how long a single-flight refresh can run before
	// a waiter gives up and reclaims the slot.
	StuckRefreshReclaim time.Duration
	// FailedRefreshCooldown is the time a domain is skipped after a failed
	// refresh, to avoid hammering the OAuth endpoint.
	FailedRefreshCooldown time.Duration
	// PersonalFallbackDomains is the static list of domain substrings loaded
	// from the optional YAML overlay and handed to the credential manager.
	// The manager does not consult it: personal-fallback routing applies to
	// any domain containing "personal" (case-insensitive).
	PersonalFallbackDomains []string
	// DefaultAPIKey is the process-wide key tried last for personal-fallback
	// domains once the inbound bearer has also failed.
	DefaultAPIKey string

	// OAuthTokenURL, OAuthClientID, and OAuthClientSecret configure the
	// OAuth2Refresher used to refresh any domain credential of type oauth.
	// Left blank when no domain uses OAuth credentials.
	OAuthTokenURL    string
	OAuthClientID    string
	OAuthClientSecret string
}

// BreakerConfig controls the Circuit Breaker (D).
type BreakerConfig struct {
	FailureThreshold         int
	VolumeThreshold          int
	WindowDuration           time.Duration
	ErrorThresholdPercentage float64
	OpenTimeout              time.Duration
	SuccessThreshold         int
}

// RetryConfig controls the Retry Engine (E).
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64
}

// StorageConfig points the storage executors at Postgres.
type StorageConfig struct {
	DSN             string
	MaxConns        int32
	QueryTimeout    time.Duration
	SlowQueryMillis int64
	DebugSQL        bool
}

// ArchiveConfig controls the S3-backed response body archive.
type ArchiveConfig struct {
	Enabled       bool
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	MinBodyBytes  int64
}

// KafkaConfig controls the notification bus.
type KafkaConfig struct {
	Brokers          string
	NotificationTopic string
}

// ClickHouseConfig controls the analytics sink.
type ClickHouseConfig struct {
	DSN      string
	Database string
	Table    string
}

// RedisConfig backs the shared credential cache tier.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// TelemetryConfig controls the best-effort webhook POST sink.
type TelemetryConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// OIDCConfig controls inbound service authentication (internal/reqauth).
type OIDCConfig struct {
	Enabled  bool
	Issuer   string
	Audience string
}

// ObsConfig controls OpenTelemetry tracing/metrics export.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// FeatureConfig holds operator-facing toggles that don't belong to a single
// component.
type FeatureConfig struct {
	// CollectTestSamples enables writing anonymized request/response pairs
	// for offline regression testing (spec §6 environment controls).
	CollectTestSamples bool
	// EnqueueAnalysisJobs toggles async post-processing of completed
	// conversations (summarization quality checks, etc).
	EnqueueAnalysisJobs bool
}

// Config is the fully resolved configuration for the proxy process.
type Config struct {
	Server      ServerConfig
	Upstream    UpstreamConfig
	Credentials CredentialConfig
	Breaker     BreakerConfig
	Retry       RetryConfig
	Storage     StorageConfig
	Archive     ArchiveConfig
	Kafka       KafkaConfig
	ClickHouse  ClickHouseConfig
	Redis       RedisConfig
	Telemetry   TelemetryConfig
	OIDC        OIDCConfig
	Obs         ObsConfig
	Features    FeatureConfig

	LogPath  string
	LogLevel string

	// RoutingConfigPath is the optional YAML overlay path for the personal
	// fallback allowlist and credential pool definitions.
	RoutingConfigPath string
}
