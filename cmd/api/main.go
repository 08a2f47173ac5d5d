package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/api/rest"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/cache"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/database"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dnc-compliance-engine/internal/metrics"
	dncsvc "github.com/davidleathers/dnc-compliance-engine/internal/service/dnc"
)

const serviceName = "dnc-compliance-engine"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger = logger.With(zap.String("service", serviceName), zap.String("version", cfg.Version))

	provider, err := telemetry.InitializeOpenTelemetry(ctx, telemetry.FromConfig(serviceName, cfg))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	healthCheckers := []rest.HealthChecker{
		rest.HealthCheckFunc{CheckName: "database", Fn: pool.Ping},
	}

	// Redis is optional: without it lookups are uncached and the sweeper
	// relies on its in-process guard alone.
	var (
		redisClient *redis.Client
		statusCache dncsvc.StatusCache
		sweepLock   dncsvc.Locker
	)
	if cfg.Redis.Enabled() {
		redisClient, err = cache.NewRedisClient(&cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()

		statusCache = cache.NewStatusCache(redisClient, cfg.DNC.CacheTTL, logger)
		sweepLock = cache.NewLock(redisClient, cache.SweepLockKey, cfg.DNC.SweepLockTTL)
		healthCheckers = append(healthCheckers, rest.HealthCheckFunc{
			CheckName: "redis",
			Fn:        func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	} else {
		logger.Info("redis not configured; status cache and sweep lock disabled")
	}

	registry, err := metrics.NewRegistry(serviceName)
	if err != nil {
		return fmt.Errorf("create metrics registry: %w", err)
	}

	store := database.NewStore(pool)
	service, err := dncsvc.NewService(logger, cfg.DNC, store, statusCache, registry)
	if err != nil {
		return err
	}
	gate, err := dncsvc.NewGate(logger, cfg.DNC.Gate, service, registry)
	if err != nil {
		return err
	}
	sweeper, err := dncsvc.NewSweeper(logger, cfg.DNC, store, sweepLock, registry)
	if err != nil {
		return err
	}

	prom := newPrometheusRegistry(pool, redisClient)
	handler, err := rest.NewRouter(rest.RouterConfig{
		Logger:         logger,
		Server:         cfg.Server,
		Service:        service,
		Gate:           gate,
		Sweeper:        sweeper,
		MaxUploadBytes: cfg.DNC.MaxUploadBytes,
		HealthCheckers: healthCheckers,
		Registerer:     prom,
		Gatherer:       prom,
		Version:        cfg.Version,
	})
	if err != nil {
		return err
	}

	go sweeper.Run(ctx, cfg.DNC.SweepInterval)

	logger.Info("starting dnc compliance engine",
		zap.Int("port", cfg.Server.Port),
		zap.String("environment", cfg.Environment),
		zap.Bool("redis", redisClient != nil))
	return rest.NewServer(cfg.Server, handler, logger).Run(ctx)
}
