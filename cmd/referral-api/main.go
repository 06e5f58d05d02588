// Package main provides the referral API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/api/handlers"
	"github.com/cleftcare/referralhub/internal/api/middleware"
	"github.com/cleftcare/referralhub/internal/config"
	"github.com/cleftcare/referralhub/internal/domain/referral"
	"github.com/cleftcare/referralhub/internal/infrastructure/postgres"
	redisclient "github.com/cleftcare/referralhub/internal/infrastructure/redis"
	"github.com/cleftcare/referralhub/internal/infrastructure/redpanda"
	"github.com/cleftcare/referralhub/internal/infrastructure/sqlite"
	"github.com/cleftcare/referralhub/internal/observability/logging"
	"github.com/cleftcare/referralhub/internal/observability/metrics"
	"github.com/cleftcare/referralhub/internal/observability/tracing"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load("referral-api")
	if err != nil {
		panic(err)
	}

	logger := logging.Must(cfg.ServiceName, cfg.LogLevel, cfg.Production())
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(cfg.ServiceName)
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New()
	checks := map[string]handlers.Check{}
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	seed, err := loadSeed(cfg, logger)
	if err != nil {
		logger.Fatal("load seed file", zap.Error(err))
	}

	// Storage
	var (
		repo      referral.Repository
		hasOutbox bool
	)
	switch cfg.Store {
	case config.StoreSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, logger)
		if err != nil {
			logger.Fatal("open sqlite store", zap.Error(err))
		}
		cleanup = append(cleanup, func() { store.Close() })
		n, err := store.Import(ctx, seed)
		if err != nil {
			logger.Fatal("import seed", zap.Error(err))
		}
		logger.Info("sqlite store ready", zap.String("path", store.Path()), zap.Int("imported", n))
		repo = store

	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("outbox schema", zap.Error(err))
		}
		pg := referral.NewPgRepository(pool, redpanda.TopicReferralEvents, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("referral schema", zap.Error(err))
		}
		n, err := importInto(ctx, pg, seed)
		if err != nil {
			logger.Fatal("import seed", zap.Error(err))
		}
		logger.Info("connected to database", zap.Int("imported", n))
		checks["database"] = pool.Ping
		repo = pg
		hasOutbox = true

	default:
		repo = referral.NewMemoryStore(seed...)
		logger.Info("memory store ready", zap.Int("referrals", len(seed)))
	}

	opts := []referral.Option{
		referral.WithMetrics(m),
		referral.WithLogger(logger),
	}

	// Per referral locks across replicas
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		opts = append(opts, referral.WithLocker(redisclient.NewRedisReferralLocker(rdb, cfg.LockTTL)))
		logger.Info("using redis referral locks", zap.String("addr", cfg.RedisAddr))
	}

	// Event streaming. The postgres store relays through its outbox instead.
	if len(cfg.KafkaBrokers) > 0 && !hasOutbox {
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.KafkaBrokers
		producer, err := redpanda.NewProducer(producerCfg, logger, redpanda.WithProducerMetrics(m))
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		cleanup = append(cleanup, func() { producer.Close() })
		brokers := cfg.KafkaBrokers
		checks["redpanda"] = func(ctx context.Context) error { return redpanda.HealthCheck(ctx, brokers) }
		opts = append(opts, referral.WithEventSink(redpanda.NewEventPublisher(producer)))
		logger.Info("publishing referral events", zap.Strings("brokers", brokers))
	}

	svc := referral.NewService(repo, opts...)
	if err := svc.SyncActiveGauge(ctx); err != nil {
		logger.Warn("sync active gauge", zap.Error(err))
	}

	referralHandler := handlers.NewReferralHandler(svc, cfg.TimeZone, logger)
	healthHandler := handlers.NewHealthHandler(cfg.ServiceName, version, checks)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if len(cfg.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		} else {
			logger.Warn("API_KEYS not set, API is unauthenticated")
		}
		r.Use(middleware.Actor)
		r.Mount("/referrals", referralHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting referral API",
		zap.String("port", cfg.HTTPPort),
		zap.String("store", cfg.Store),
		zap.String("time_zone", cfg.TimeZone.String()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
		return
	}

	logger.Info("server stopped")
}

// loadSeed reads SEED_FILE, logging each skipped or repaired record.
func loadSeed(cfg config.Config, logger *zap.Logger) ([]referral.Referral, error) {
	if cfg.SeedFile == "" {
		return nil, nil
	}
	refs, warnings, err := referral.LoadFile(cfg.SeedFile)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn("seed", zap.String("warning", w))
	}
	logger.Info("seed file loaded", zap.String("path", cfg.SeedFile), zap.Int("referrals", len(refs)))
	return refs, nil
}

// importInto creates the referrals missing from repo without emitting
// events.
func importInto(ctx context.Context, repo referral.Repository, refs []referral.Referral) (int, error) {
	n := 0
	for _, r := range refs {
		err := repo.Create(ctx, r, nil)
		if errors.Is(err, referral.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
