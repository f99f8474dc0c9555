package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables (optionally from a
// .env file) and applies defaults for anything left unset. Use Overload so
// a local .env deterministically wins over whatever is already in the OS
// environment during development.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Server.Addr = strings.TrimSpace(os.Getenv("SERVER_ADDR"))
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	cfg.RoutingConfigPath = strings.TrimSpace(os.Getenv("ROUTING_CONFIG_PATH"))

	cfg.Upstream.BaseURL = strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL"))
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_BETA_HEADERS")); v != "" {
		cfg.Upstream.BetaHeaders = parseCommaSeparatedList(v)
	}
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_REQUEST_TIMEOUT_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Upstream.RequestTimeout = time.Duration(n) * time.Second
		}
	}

	cfg.Credentials.Dir = strings.TrimSpace(os.Getenv("CREDENTIALS_DIR"))
	if v := strings.TrimSpace(os.Getenv("CREDENTIAL_CACHE_TTL_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Credentials.CacheTTL = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("CREDENTIAL_CACHE_MAX_ENTRIES")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Credentials.CacheMaxEntries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CREDENTIAL_STUCK_REFRESH_RECLAIM_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Credentials.StuckRefreshReclaim = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("CREDENTIAL_FAILED_REFRESH_COOLDOWN_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Credentials.FailedRefreshCooldown = time.Duration(n) * time.Second
		}
	}
	cfg.Credentials.DefaultAPIKey = strings.TrimSpace(os.Getenv("PERSONAL_FALLBACK_DEFAULT_API_KEY"))
	cfg.Credentials.OAuthTokenURL = strings.TrimSpace(os.Getenv("OAUTH_TOKEN_URL"))
	cfg.Credentials.OAuthClientID = strings.TrimSpace(os.Getenv("OAUTH_CLIENT_ID"))
	cfg.Credentials.OAuthClientSecret = strings.TrimSpace(os.Getenv("OAUTH_CLIENT_SECRET"))

	if v := strings.TrimSpace(os.Getenv("BREAKER_FAILURE_THRESHOLD")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BREAKER_VOLUME_THRESHOLD")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Breaker.VolumeThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BREAKER_WINDOW_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Breaker.WindowDuration = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("BREAKER_ERROR_THRESHOLD_PERCENTAGE")); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Breaker.ErrorThresholdPercentage = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("BREAKER_OPEN_TIMEOUT_MILLIS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Breaker.OpenTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("BREAKER_SUCCESS_THRESHOLD")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Breaker.SuccessThreshold = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("RETRY_MAX_ATTEMPTS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRY_INITIAL_INTERVAL_MILLIS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Retry.InitialInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRY_MAX_INTERVAL_MILLIS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Retry.MaxInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRY_MULTIPLIER")); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Retry.Multiplier = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRY_RANDOM_FACTOR")); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Retry.RandomFactor = f
		}
	}

	cfg.Storage.DSN = firstNonEmpty(strings.TrimSpace(os.Getenv("DATABASE_URL")), strings.TrimSpace(os.Getenv("POSTGRES_DSN")))
	if v := strings.TrimSpace(os.Getenv("DATABASE_MAX_CONNS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Storage.MaxConns = int32(n)
		}
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_QUERY_TIMEOUT_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Storage.QueryTimeout = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_SLOW_QUERY_MILLIS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Storage.SlowQueryMillis = int64(n)
		}
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_DEBUG_SQL")); v != "" {
		cfg.Storage.DebugSQL = parseBool(v)
	}

	if v := strings.TrimSpace(os.Getenv("ARCHIVE_ENABLED")); v != "" {
		cfg.Archive.Enabled = parseBool(v)
	}
	cfg.Archive.Endpoint = strings.TrimSpace(os.Getenv("ARCHIVE_S3_ENDPOINT"))
	cfg.Archive.Region = strings.TrimSpace(os.Getenv("ARCHIVE_S3_REGION"))
	cfg.Archive.Bucket = strings.TrimSpace(os.Getenv("ARCHIVE_S3_BUCKET"))
	cfg.Archive.Prefix = strings.TrimSpace(os.Getenv("ARCHIVE_S3_PREFIX"))
	cfg.Archive.AccessKey = strings.TrimSpace(os.Getenv("ARCHIVE_S3_ACCESS_KEY"))
	cfg.Archive.SecretKey = strings.TrimSpace(os.Getenv("ARCHIVE_S3_SECRET_KEY"))
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_S3_USE_PATH_STYLE")); v != "" {
		cfg.Archive.UsePathStyle = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_MIN_BODY_BYTES")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Archive.MinBodyBytes = int64(n)
		}
	}

	cfg.Kafka.Brokers = firstNonEmpty(strings.TrimSpace(os.Getenv("KAFKA_BROKERS")), strings.TrimSpace(os.Getenv("KAFKA_BOOTSTRAP_SERVERS")))
	cfg.Kafka.NotificationTopic = strings.TrimSpace(os.Getenv("KAFKA_NOTIFICATION_TOPIC"))

	cfg.ClickHouse.DSN = strings.TrimSpace(os.Getenv("CLICKHOUSE_DSN"))
	cfg.ClickHouse.Database = strings.TrimSpace(os.Getenv("CLICKHOUSE_DATABASE"))
	cfg.ClickHouse.Table = strings.TrimSpace(os.Getenv("CLICKHOUSE_METRICS_TABLE"))

	cfg.Redis.Enabled = parseBool(strings.TrimSpace(os.Getenv("REDIS_ENABLED")))
	cfg.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.Redis.Password = strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	cfg.Telemetry.WebhookURL = strings.TrimSpace(os.Getenv("TELEMETRY_WEBHOOK_URL"))
	if v := strings.TrimSpace(os.Getenv("TELEMETRY_TIMEOUT_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Telemetry.Timeout = time.Duration(n) * time.Second
		}
	}

	if v := strings.TrimSpace(os.Getenv("OIDC_ENABLED")); v != "" {
		cfg.OIDC.Enabled = parseBool(v)
	}
	cfg.OIDC.Issuer = strings.TrimSpace(os.Getenv("OIDC_ISSUER"))
	cfg.OIDC.Audience = strings.TrimSpace(os.Getenv("OIDC_AUDIENCE"))

	cfg.Obs.ServiceName = strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME"))
	cfg.Obs.ServiceVersion = strings.TrimSpace(os.Getenv("SERVICE_VERSION"))
	cfg.Obs.Environment = strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	if v := strings.TrimSpace(os.Getenv("COLLECT_TEST_SAMPLES")); v != "" {
		cfg.Features.CollectTestSamples = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv("ENQUEUE_ANALYSIS_JOBS")); v != "" {
		cfg.Features.EnqueueAnalysisJobs = parseBool(v)
	}

	if cfg.RoutingConfigPath != "" {
		overlay, err := loadRoutingOverlay(cfg.RoutingConfigPath)
		if err != nil {
			return cfg, fmt.Errorf("load routing overlay: %w", err)
		}
		cfg.Credentials.PersonalFallbackDomains = overlay.PersonalFallbackDomains
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// applyDefaults fills anything left at its zero value after the env pass.
// Defaults are applied last so env vars and the YAML overlay always win.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Upstream.RequestTimeout == 0 {
		cfg.Upstream.RequestTimeout = 120 * time.Second
	}

	if cfg.Credentials.Dir == "" {
		cfg.Credentials.Dir = "./credentials"
	}
	if cfg.Credentials.CacheTTL == 0 {
		cfg.Credentials.CacheTTL = time.Hour
	}
	if cfg.Credentials.CacheMaxEntries == 0 {
		cfg.Credentials.CacheMaxEntries = 100
	}
	if cfg.Credentials.StuckRefreshReclaim == 0 {
		cfg.Credentials.StuckRefreshReclaim = 60 * time.Second
	}
	if cfg.Credentials.FailedRefreshCooldown == 0 {
		cfg.Credentials.FailedRefreshCooldown = 5 * time.Second
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.VolumeThreshold == 0 {
		cfg.Breaker.VolumeThreshold = 10
	}
	if cfg.Breaker.WindowDuration == 0 {
		cfg.Breaker.WindowDuration = 60 * time.Second
	}
	if cfg.Breaker.ErrorThresholdPercentage == 0 {
		cfg.Breaker.ErrorThresholdPercentage = 50
	}
	if cfg.Breaker.OpenTimeout == 0 {
		cfg.Breaker.OpenTimeout = 60 * time.Second
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = time.Second
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Retry.RandomFactor == 0 {
		cfg.Retry.RandomFactor = 0.5
	}

	if cfg.Storage.MaxConns == 0 {
		cfg.Storage.MaxConns = 10
	}
	if cfg.Storage.QueryTimeout == 0 {
		cfg.Storage.QueryTimeout = 5 * time.Second
	}
	if cfg.Storage.SlowQueryMillis == 0 {
		cfg.Storage.SlowQueryMillis = 200
	}

	if cfg.Archive.MinBodyBytes == 0 {
		cfg.Archive.MinBodyBytes = 256 * 1024
	}

	if cfg.Telemetry.Timeout == 0 {
		cfg.Telemetry.Timeout = 5 * time.Second
	}

	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "convoy"
	}
	if cfg.Obs.Environment == "" {
		cfg.Obs.Environment = "development"
	}
}

// RoutingOverlay is the optional static operator-facing YAML overlay: the
// per-domain personal-fallback allowlist and credential pool definitions
// (spec §3 Credential "pool" tag), data that doesn't belong in env vars.
type RoutingOverlay struct {
	PersonalFallbackDomains []string     `yaml:"personal_fallback_domains"`
	Pools                   []PoolConfig `yaml:"pools"`
}

// PoolConfig names a credential pool and the strategy used to pick a member
// on each resolution (spec §3 Credential pool tag).
type PoolConfig struct {
	Name       string   `yaml:"name"`
	Strategy   string   `yaml:"strategy"` // sticky | least-used | round-robin
	Fallback   string   `yaml:"fallback"` // error | cycle
	Credential []string `yaml:"credentials"`
}

func loadRoutingOverlay(path string) (RoutingOverlay, error) {
	var overlay RoutingOverlay
	data, err := os.ReadFile(path)
	if err != nil {
		return overlay, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return overlay, fmt.Errorf("parse %s: %w", path, err)
	}
	return overlay, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCommaSeparatedList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseBool(s string) bool {
	s = strings.TrimSpace(s)
	return strings.EqualFold(s, "true") || s == "1" || strings.EqualFold(s, "yes")
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
