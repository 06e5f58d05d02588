// Package main provides the outbox relay service entry point.
// It forwards referral events committed by the postgres store to Redpanda.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/config"
	"github.com/cleftcare/referralhub/internal/infrastructure/postgres"
	"github.com/cleftcare/referralhub/internal/infrastructure/redpanda"
	"github.com/cleftcare/referralhub/internal/observability/logging"
	"github.com/cleftcare/referralhub/internal/observability/metrics"
	"github.com/cleftcare/referralhub/internal/observability/tracing"
)

func main() {
	cfg, err := config.Load("outbox-relay")
	if err != nil {
		panic(err)
	}

	logger := logging.Must(cfg.ServiceName, cfg.LogLevel, cfg.Production())
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(cfg.ServiceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("outbox schema", zap.Error(err))
	}
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New()
	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), m, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := outbox.GetStats(r.Context())
		if err != nil {
			http.Error(w, "outbox unavailable", http.StatusServiceUnavailable)
			return
		}
		m.OutboxPending.Set(float64(stats.Pending))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	outbox.Start()
	logger.Info("outbox relay started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("flush producer", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}
