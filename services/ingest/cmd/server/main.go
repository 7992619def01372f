package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/aiqa/server/pkg/cache"
	"github.com/aiqa/server/pkg/config"
	"github.com/aiqa/server/pkg/database"
	"github.com/aiqa/server/pkg/grpcutil"
	"github.com/aiqa/server/pkg/metrics"
	"github.com/aiqa/server/pkg/ratelimit"
	"github.com/aiqa/server/pkg/telemetry"
	"github.com/aiqa/server/services/ingest"
)

const (
	serviceName      = "ingest"
	metricsNamespace = "aiqa"
	traceLockStripes = 256
	shutdownTimeout  = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup telemetry. Self-tracing stays off unless explicitly enabled.
	tp, err := telemetry.Setup(ctx, telemetry.ConfigFromBase(cfg))
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tp.Shutdown(context.Background())

	logger := tp.Logger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(metricsNamespace, registry)

	// Rate limiter. A failed connection leaves it failing open.
	limiter := ratelimit.New(ratelimit.Config{
		Limit:   cfg.RateLimit,
		Window:  cfg.RateLimitWindow,
		Timeout: cfg.RateLimitTimeout,
	}, logger, ratelimit.WithMetrics(m))
	if cfg.RedisURL != "" {
		if err := limiter.Init(ctx, cfg.RedisURL); err != nil {
			logger.Warn("rate limiting disabled, failing open", "error", err)
		}
	}
	defer limiter.Close()

	// Storage
	var db *database.DB
	if cfg.UsePostgresStorage() {
		db, err = database.Connect(ctx, database.ConfigFromBase(cfg))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		db.WithLogger(logger)

		if err := ingest.Migrate(ctx, db, logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	storeOpts := ingest.StoreOptions{Backend: cfg.StorageBackend}
	if db != nil {
		storeOpts.DB = db.DB
	}
	store, err := ingest.NewStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	keys, closeKeys, err := keyStore(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeKeys()

	engine := ingest.NewEngine(store, logger,
		ingest.WithTraceLocking(traceLockStripes),
		ingest.WithPropagationMetrics(m),
	)
	service := ingest.NewService(ingest.ServiceConfig{
		RateLimit:          cfg.RateLimit,
		PropagationMode:    cfg.PropagationMode,
		PropagationTimeout: cfg.PropagationTimeout,
		Metrics:            m,
		Tracer:             tp.Tracer("github.com/aiqa/server/services/ingest"),
	}, ingest.NewAuthenticator(keys), limiter, store, engine, logger)

	// Create gRPC server
	serverCfg := grpcutil.DefaultServerConfig(cfg.GRPCPort, serviceName)
	serverCfg.MaxRecvMsgSize = int(cfg.MaxBodyBytes)
	serverCfg.ShutdownTimeout = shutdownTimeout
	serverCfg.RequestTimeout = cfg.RequestTimeout
	grpcServer := grpcutil.NewServer(serverCfg, logger)
	ingest.NewHandler(service, logger).Register(grpcServer.GRPCServer())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           ingest.NewHTTPHandler(service, m, logger, cfg.MaxBodyBytes).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
	}

	logger.Info("starting ingest service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"storage", cfg.StorageBackend,
		"propagation", cfg.PropagationMode,
		"env", cfg.Environment,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Let background propagation finish before the stores close.
	service.Wait()
	logger.Info("ingest service stopped")
	return err
}

// keyStore picks the API key source. Database lookups are cached in Redis
// when both are configured; the returned func releases the cache connection.
func keyStore(ctx context.Context, cfg *config.Base, db *database.DB, logger *slog.Logger) (ingest.KeyStore, func(), error) {
	noop := func() {}
	switch {
	case cfg.APIKeysFile != "":
		keys, err := ingest.LoadKeyFile(cfg.APIKeysFile)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to load api keys: %w", err)
		}
		logger.Info("api keys loaded", "path", cfg.APIKeysFile, "count", keys.Len())
		return keys, noop, nil
	case db != nil:
		keys := ingest.NewPostgresKeyStore(db.DB)
		if cfg.RedisURL == "" || cfg.KeyCacheTTL <= 0 {
			return keys, noop, nil
		}
		client, err := connectCache(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("api key cache disabled", "error", err)
			return keys, noop, nil
		}
		client.WithLogger(logger).WithKeyPrefix("aiqa:keys")
		logger.Info("api key cache enabled", "ttl", cfg.KeyCacheTTL)
		return ingest.NewCachedKeyStore(keys, client, cfg.KeyCacheTTL, logger), func() { client.Close() }, nil
	default:
		logger.Warn("no api key source configured, every request will be rejected")
		return ingest.NewMemoryKeyStore(), noop, nil
	}
}

func connectCache(ctx context.Context, redisURL string) (*cache.Client, error) {
	cacheCfg, err := cache.ConfigFromURL(redisURL)
	if err != nil {
		return nil, err
	}
	return cache.Connect(ctx, cacheCfg)
}
