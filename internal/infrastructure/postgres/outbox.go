// Package postgres provides PostgreSQL infrastructure components.
// Referral events are written to an outbox table in the same transaction
// as the referral row and relayed to Redpanda by a poller.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/observability/metrics"
)

// OutboxSchema creates the outbox table. An entry is done once
// processed_at is set, either delivered or dead-lettered.
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id               BIGSERIAL PRIMARY KEY,
	aggregate_id     TEXT NOT NULL,
	aggregate_type   TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	payload          JSONB NOT NULL,
	kafka_topic      TEXT NOT NULL,
	kafka_key        TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at     TIMESTAMPTZ,
	dead_lettered_at TIMESTAMPTZ,
	retry_count      INT NOT NULL DEFAULT 0,
	last_error       TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE processed_at IS NULL;
`

// OutboxEntry is one event waiting to be relayed.
type OutboxEntry struct {
	ID            int64           `db:"id"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	KafkaTopic    string          `db:"kafka_topic"`
	KafkaKey      string          `db:"kafka_key"`
	CreatedAt     time.Time       `db:"created_at"`
	RetryCount    int             `db:"retry_count"`
	LastError     *string         `db:"last_error"`
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is how many entries one relay pass claims.
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is how many failed publishes an entry gets before it is
	// sent to DeadLetterTopic instead.
	MaxRetries      int
	DeadLetterTopic string
	// Retention is how long processed entries are kept. Zero keeps them.
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "referral.dead-letter",
		Retention:       7 * 24 * time.Hour,
	}
}

func (cfg OutboxConfig) exhausted(retries int) bool {
	return retries >= cfg.MaxRetries
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays outbox entries to the broker. Several relays may run
// against one database; each pass claims rows with SKIP LOCKED.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox processor. m may be nil.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// EnsureSchema creates the outbox table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, OutboxSchema); err != nil {
		return fmt.Errorf("create outbox schema: %w", err)
	}
	return nil
}

// WriteEntry inserts entry using tx, which must be the transaction that
// changes the referral.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.run()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) run() {
	defer close(o.done)

	poll := time.NewTicker(o.config.PollInterval)
	defer poll.Stop()
	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-housekeeping.C:
			o.housekeep()
		case <-poll.C:
			// A full batch means more is waiting.
			for o.ctx.Err() == nil {
				n, err := o.relayBatch(o.ctx)
				if err != nil {
					o.logger.Error("outbox relay pass failed", zap.Error(err))
				}
				if err != nil || n < o.config.BatchSize {
					break
				}
			}
		}
	}
}

// relayBatch claims up to BatchSize pending entries and publishes them in
// id order. Once an entry for a referral fails, later entries for the same
// referral wait for the next pass so consumers see its events in order.
func (o *Outbox) relayBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEntry])
	if err != nil {
		return 0, fmt.Errorf("scan entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	blocked := make(map[string]bool)
	for _, e := range entries {
		if blocked[e.AggregateID] {
			continue
		}
		delivered, err := o.relay(ctx, tx, e)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if !delivered {
			blocked[e.AggregateID] = true
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(entries), nil
}

// relay publishes one entry and records the outcome in tx. The returned
// error is a database failure; a publish failure only reports false.
func (o *Outbox) relay(ctx context.Context, tx pgx.Tx, e *OutboxEntry) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay",
		trace.WithAttributes(
			attribute.Int64("entry_id", e.ID),
			attribute.String("event_type", e.EventType),
			attribute.String("referral_id", e.AggregateID),
		))
	defer span.End()

	pubErr := o.publisher.Publish(ctx, e.KafkaTopic, e.KafkaKey, e.Payload)
	if pubErr == nil {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return false, fmt.Errorf("mark entry %d processed: %w", e.ID, err)
		}
		if o.metrics != nil {
			o.metrics.KafkaMessagesProduced.Inc()
		}
		return true, nil
	}

	span.RecordError(pubErr)
	e.RetryCount++
	msg := pubErr.Error()
	e.LastError = &msg
	o.logger.Warn("outbox publish failed",
		zap.Int64("id", e.ID),
		zap.String("referral_id", e.AggregateID),
		zap.String("event_type", e.EventType),
		zap.Int("retry_count", e.RetryCount),
		zap.Error(pubErr))

	if o.config.exhausted(e.RetryCount) && o.deadLetter(ctx, e) {
		_, err := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = $2, last_error = $3, processed_at = NOW(), dead_lettered_at = NOW()
			WHERE id = $1`, e.ID, e.RetryCount, msg)
		if err != nil {
			return false, fmt.Errorf("mark entry %d dead-lettered: %w", e.ID, err)
		}
		return true, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET retry_count = $2, last_error = $3 WHERE id = $1`,
		e.ID, e.RetryCount, msg); err != nil {
		return false, fmt.Errorf("record retry for entry %d: %w", e.ID, err)
	}
	return false, nil
}

// deadLetter publishes e to the dead letter topic and reports whether it
// got there.
func (o *Outbox) deadLetter(ctx context.Context, e *OutboxEntry) bool {
	payload, err := json.Marshal(NewDeadLetter(e))
	if err == nil {
		err = o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.KafkaKey, payload)
	}
	if err != nil {
		o.logger.Error("dead letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
		return false
	}
	o.logger.Warn("outbox entry dead-lettered",
		zap.Int64("id", e.ID),
		zap.String("referral_id", e.AggregateID),
		zap.String("event_type", e.EventType))
	return true
}

func (o *Outbox) housekeep() {
	if o.config.Retention > 0 {
		if n, err := o.CleanupProcessed(o.ctx, o.config.Retention); err != nil {
			o.logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			o.logger.Info("processed outbox entries deleted", zap.Int64("count", n))
		}
	}
	if o.metrics == nil {
		return
	}
	stats, err := o.GetStats(o.ctx)
	if err != nil {
		o.logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	o.metrics.OutboxPending.Set(float64(stats.Pending))
}

// CleanupProcessed removes processed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetter is the payload published for an entry that exhausted its
// retries.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	ReferralID    string          `json:"referral_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewDeadLetter wraps entry for the dead letter topic.
func NewDeadLetter(entry *OutboxEntry) DeadLetter {
	return DeadLetter{
		OriginalTopic: entry.KafkaTopic,
		EventType:     entry.EventType,
		ReferralID:    entry.AggregateID,
		Payload:       entry.Payload,
		RetryCount:    entry.RetryCount,
		LastError:     entry.LastError,
		CreatedAt:     entry.CreatedAt,
	}
}

// OutboxStats summarizes the outbox backlog
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Retrying      int64      `json:"retrying"`
	DeadLettered  int64      `json:"dead_lettered"`
	Processed24h  int64      `json:"processed_24h"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	s := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count > 0),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NOT NULL),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`).Scan(&s.Pending, &s.Retrying, &s.DeadLettered, &s.Processed24h, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
