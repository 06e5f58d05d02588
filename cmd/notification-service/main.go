// Package main provides the notification service entry point.
// It consumes referral events and notifies the counter-party hospital.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/config"
	"github.com/cleftcare/referralhub/internal/infrastructure/postgres"
	"github.com/cleftcare/referralhub/internal/infrastructure/redpanda"
	"github.com/cleftcare/referralhub/internal/notify"
	"github.com/cleftcare/referralhub/internal/observability/logging"
	"github.com/cleftcare/referralhub/internal/observability/metrics"
	"github.com/cleftcare/referralhub/internal/observability/tracing"
	"github.com/cleftcare/referralhub/pkg/circuitbreaker"
	"github.com/cleftcare/referralhub/pkg/idempotency"
	"github.com/cleftcare/referralhub/pkg/workerpool"
)

func main() {
	cfg, err := config.Load("notification-service")
	if err != nil {
		panic(err)
	}

	logger := logging.Must(cfg.ServiceName, cfg.LogLevel, cfg.Production())
	defer logger.Sync()

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

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger, redpanda.WithProducerMetrics(m))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	// Circuit breakers, one per recipient hospital
	// A hospital refusing a payload is still reachable.
	cbCfg := circuitbreaker.DefaultConfig("")
	cbCfg.Ignore = func(err error) bool { return errors.Is(err, workerpool.ErrPermanent) }
	cbCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
	}
	breakers := circuitbreaker.NewManager(cbCfg, logger)

	var sender notify.Sender
	if cfg.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.WebhookURL, breakers,
			notify.WithFallback(notify.NewTopicSender(producer, redpanda.TopicNotifications)),
			notify.WithSenderLogger(logger))
		logger.Info("delivering notifications by webhook", zap.String("url", cfg.WebhookURL))
	} else {
		sender = notify.NewLogSender(logger)
		logger.Info("no webhook configured, logging notifications")
	}

	opts := []notify.Option{
		notify.WithDeadLetter(producer),
		notify.WithMetrics(m),
		notify.WithDispatchLogger(logger),
	}

	// Inbox for redelivered events, when a database is available
	var inbox *idempotency.Inbox
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()

		inbox = idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
		if err := inbox.EnsureSchema(ctx); err != nil {
			logger.Fatal("inbox schema", zap.Error(err))
		}
		if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
			logger.Warn("recover stale inbox entries", zap.Error(err))
		} else if n > 0 {
			logger.Info("recovered stale inbox entries", zap.Int64("count", n))
		}
		inbox.StartCleanup()
		defer inbox.Stop()
		opts = append(opts, notify.WithInbox(inbox))
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	dispatcher, err := notify.NewDispatcher(sender, poolCfg, opts...)
	if err != nil {
		logger.Fatal("dispatcher creation failed", zap.Error(err))
	}
	dispatcher.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, dispatcher.Handle, logger,
		redpanda.WithConsumerMetrics(m))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("notification service started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !dispatcher.Healthy() {
			status = http.StatusServiceUnavailable
		}
		body := map[string]interface{}{
			"workers":  dispatcher.Stats(),
			"consumer": consumer.Stats(),
			"breakers": breakers.Status(),
		}
		if inbox != nil {
			stats, err := inbox.GetStats(r.Context())
			if err != nil {
				status = http.StatusServiceUnavailable
				body["inbox"] = err.Error()
			} else {
				body["inbox"] = stats
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	// Stop consuming first so no new work is queued, then drain deliveries
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("flush producer", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("notification service stopped")
}
