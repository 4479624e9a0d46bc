// langhook server — ingests webhooks, maps them to canonical events, and
// fans them out to natural-language subscriptions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/langhook/langhook/pkg/api"
	"github.com/langhook/langhook/pkg/config"
	"github.com/langhook/langhook/pkg/database"
	"github.com/langhook/langhook/pkg/dispatch"
	"github.com/langhook/langhook/pkg/ingest"
	"github.com/langhook/langhook/pkg/llm"
	"github.com/langhook/langhook/pkg/mapping"
	"github.com/langhook/langhook/pkg/mapworker"
	"github.com/langhook/langhook/pkg/metrics"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/ratelimit"
	"github.com/langhook/langhook/pkg/store"
	"github.com/langhook/langhook/pkg/stream"
)

const shutdownGrace = 30 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting langhook", "addr", cfg.Server.Addr(), "path", cfg.Server.Path)

	metricsSet := metrics.New()

	// 2. Registry database (runs migrations)
	dbClient, err := database.NewClient(ctx, database.Config{
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
	})
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	registry := store.New(dbClient.DB())
	logger.Info("Connected to PostgreSQL registry")

	// 3. Rate limiter cache
	limiter, err := ratelimit.New(cfg.Cache.URL, logger)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := limiter.Close(); err != nil {
			logger.Error("Error closing rate limiter", "error", err)
		}
	}()

	// 4. Event broker
	streamClient, err := stream.NewClient(cfg.Broker.URL, logger)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer streamClient.Close()
	if err := streamClient.EnsureStreams(); err != nil {
		logger.Error("Failed to provision streams", "error", err)
		os.Exit(1)
	}

	// 5. LLM provider, budget, broker
	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		logger.Error("Failed to initialize LLM provider", "error", err)
		os.Exit(1)
	}
	budget := llm.NewBudget(cfg.Gate.DailyCostLimitUSD, cfg.Gate.CostAlertThreshold, logger,
		func(alertType string) {
			metricsSet.BudgetAlerts.WithLabelValues(alertType).Inc()
		})
	broker := llm.NewBroker(provider, budget, cfg.LLM.Temperature, cfg.LLM.MaxTokens, logger,
		func(kind string) {
			metricsSet.LLMInvocations.WithLabelValues(kind).Inc()
		})
	if provider == nil {
		logger.Warn("No LLM provider configured; mapping synthesis, pattern synthesis, and gates are disabled")
	}

	// Keep the spend gauge current without instrumenting the hot path.
	costTicker := time.NewTicker(30 * time.Second)
	defer costTicker.Stop()
	go func() {
		for range costTicker.C {
			metricsSet.LLMCostToday.Set(budget.SpentToday())
		}
	}()

	// 6. Map worker pool on the shared durable
	engine := mapping.NewEngine(registry, broker, logger)
	rawConsumer, err := streamClient.Consumer(stream.StreamRaw, mapworker.DurableName,
		stream.SubjectsRaw, cfg.Broker.MapWorkers, nats.DeliverAllPolicy)
	if err != nil {
		logger.Error("Failed to open map worker consumer", "error", err)
		os.Exit(1)
	}
	pool := mapworker.NewPool(rawConsumer, streamClient, engine, registry, metricsSet,
		cfg.Broker.MapWorkers, cfg.EventLoggingEnabled, logger)
	pool.Start()

	// 7. Dispatch manager, one durable per active subscription
	deliverer := dispatch.NewDeliverer(metricsSet, logger)
	consumerFactory := func(sub *models.Subscription) (dispatch.Consumer, error) {
		return streamClient.Consumer(stream.StreamEvents, sub.DurableName(), sub.Pattern,
			1, nats.DeliverNewPolicy)
	}
	durableDeleter := func(durable string) error {
		return streamClient.DeleteConsumer(stream.StreamEvents, durable)
	}
	manager := dispatch.NewManager(consumerFactory, durableDeleter, broker, registry,
		deliverer, metricsSet, logger)

	subs, err := registry.ListActiveSubscriptions(ctx)
	if err != nil {
		logger.Error("Failed to list active subscriptions", "error", err)
		os.Exit(1)
	}
	manager.BindAll(subs)

	// 8. HTTP server: ingest plus the management API
	ingestHandler := ingest.NewHandler(cfg.Ingest, streamClient, limiter, metricsSet, logger)
	server := api.NewServer(cfg.Server, api.Deps{
		Store:          registry,
		Synth:          broker,
		Binder:         manager,
		Budget:         budget,
		MetricsHandler: metricsSet.Handler(),
		IngestRoutes:   func(rg *gin.RouterGroup) { ingestHandler.Register(rg) },
		Probes: map[string]api.HealthProbe{
			"database": dbClient.Health,
			"cache":    limiter.Health,
			"broker":   streamClient.Health,
		},
		Logger: logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	// 9. Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop intake first, then the workers
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Stop()
		manager.StopAll()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Pipeline stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown grace exceeded; unacked messages will be redelivered")
	}

	logger.Info("Shutdown complete")
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
