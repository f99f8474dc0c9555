package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"convoy/internal/breaker"
	"convoy/internal/config"
	"convoy/internal/conversation"
	"convoy/internal/credentials"
	"convoy/internal/metrics"
	"convoy/internal/observability"
	"convoy/internal/proxy"
	"convoy/internal/reqauth"
	"convoy/internal/retry"
	"convoy/internal/storage"
	"convoy/internal/storage/archive"
	"convoy/internal/upstream"
)

func main() {
	// Load environment from .env before initializing the logger, so
	// LOG_PATH/LOG_LEVEL are already set by the time logging starts.
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx := context.Background()
	shutdown, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		// observability is ambient, not core; a missing OTLP endpoint is the
		// common case for local/dev runs and must not block startup.
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	orch, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build proxy orchestrator")
	}

	authn, err := reqauth.New(ctx, cfg.OIDC)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build inbound authenticator")
	}

	reqMetrics := observability.NewRequestMetrics()
	mux := newMux(orch, authn, reqMetrics)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("proxyd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	} else {
		log.Info().Msg("proxyd stopped")
	}
}

// buildOrchestrator wires every collaborator package into a single
// proxy.Orchestrator: credential store/manager, Postgres-backed storage and
// its conversation-linker executors, the S3 response archive, the circuit
// breaker registry, the upstream client, and the metrics/notification
// dispatcher.
func buildOrchestrator(ctx context.Context, cfg config.Config) (*proxy.Orchestrator, error) {
	credStore, err := credentials.NewStore(cfg.Credentials.Dir)
	if err != nil {
		return nil, err
	}

	var refresher credentials.Refresher
	if strings.TrimSpace(cfg.Credentials.OAuthTokenURL) != "" {
		refresher = credentials.NewOAuth2Refresher(
			cfg.Credentials.OAuthTokenURL,
			cfg.Credentials.OAuthClientID,
			cfg.Credentials.OAuthClientSecret,
			observability.NewHTTPClient(nil),
		)
	}
	credManager := credentials.NewManager(credStore, refresher, credentials.ManagerConfig{
		CacheTTL:                cfg.Credentials.CacheTTL,
		CacheMaxEntries:         cfg.Credentials.CacheMaxEntries,
		StuckRefreshReclaim:     cfg.Credentials.StuckRefreshReclaim,
		FailedRefreshCooldown:   cfg.Credentials.FailedRefreshCooldown,
		PersonalFallbackDomains: cfg.Credentials.PersonalFallbackDomains,
		DefaultAPIKey:           cfg.Credentials.DefaultAPIKey,
	})
	sharedCache, err := credentials.NewRedisCache(cfg.Redis, cfg.Credentials.CacheTTL)
	if err != nil {
		log.Warn().Err(err).Msg("shared credential cache unavailable, continuing with local cache only")
		sharedCache = nil
	}
	credManager.Shared = sharedCache

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}

	pool, err := storage.OpenPool(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool, cfg.Storage, archiver)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	linker := &conversation.Linker{
		Query:           store,
		CompactSearch:   store,
		RequestByID:     store,
		SubtaskQuery:    store,
		SubtaskSequence: store,
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		VolumeThreshold:          cfg.Breaker.VolumeThreshold,
		WindowDuration:           cfg.Breaker.WindowDuration,
		ErrorThresholdPercentage: cfg.Breaker.ErrorThresholdPercentage,
		OpenTimeout:              cfg.Breaker.OpenTimeout,
		SuccessThreshold:         cfg.Breaker.SuccessThreshold,
	})

	retryCfg := retry.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		RandomFactor:    cfg.Retry.RandomFactor,
	}

	upstreamClient := upstream.New(cfg.Upstream, observability.NewHTTPClient(nil))

	analytics, err := metrics.NewAnalyticsSink(ctx, cfg.ClickHouse)
	if err != nil {
		log.Warn().Err(err).Msg("clickhouse analytics sink unavailable, continuing without it")
		analytics = nil
	}
	var bus metrics.Bus
	if strings.TrimSpace(cfg.Kafka.Brokers) != "" {
		bus = metrics.NewKafkaBus(strings.Split(cfg.Kafka.Brokers, ","), cfg.Kafka.NotificationTopic)
	}
	webhook := &metrics.WebhookSink{
		URL:     cfg.Telemetry.WebhookURL,
		Client:  observability.NewHTTPClient(nil),
		Timeout: cfg.Telemetry.Timeout,
	}
	dispatcher := metrics.NewDispatcher(store, metrics.NewTokenTracker(), analytics, bus, webhook)

	return proxy.New(linker, credManager, breakers, retryCfg, upstreamClient, dispatcher, store), nil
}
