// Package redpanda carries referral events over Kafka-compatible streaming
// with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/observability/metrics"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// BatchMaxBytes caps a single produce batch.
	BatchMaxBytes      int32
	Linger             time.Duration
	MaxBufferedRecords int
	// Compression is one of lz4, snappy, gzip or zstd. Anything else
	// leaves batches uncompressed.
	Compression string
	// RequiredAcks is -1 for all in-sync replicas, 1 for the leader only
	// and 0 for none. Only -1 keeps idempotent writes on.
	RequiredAcks int16
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns defaults sized for referral traffic, which
// is low volume but must not be lost.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		ClientID:           "referralhub",
		BatchMaxBytes:      1 << 20,
		Linger:             5 * time.Millisecond,
		MaxBufferedRecords: 10_000,
		Compression:        "lz4",
		RequiredAcks:       -1,
		MaxRetries:         5,
		RetryBackoff:       200 * time.Millisecond,
	}
}

var compressionCodecs = map[string]kgo.CompressionCodec{
	"lz4":    kgo.Lz4Compression(),
	"snappy": kgo.SnappyCompression(),
	"gzip":   kgo.GzipCompression(),
	"zstd":   kgo.ZstdCompression(),
}

func (cfg ProducerConfig) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	if codec, ok := compressionCodecs[cfg.Compression]; ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts
}

// Producer writes records to Redpanda and waits for each write to be
// acknowledged.
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	sent   atomic.Int64
	failed atomic.Int64
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProducerMetrics counts acknowledged records.
func WithProducerMetrics(m *metrics.Metrics) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger, opts ...ProducerOption) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	client, err := kgo.NewClient(cfg.clientOpts()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Record is a message to be produced.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// toKgo converts r, writing headers in key order followed by the trace
// context carried by ctx.
func (r *Record) toKgo(ctx context.Context) *kgo.Record {
	rec := &kgo.Record{Topic: r.Topic, Key: []byte(r.Key), Value: r.Value}
	for _, k := range slices.Sorted(maps.Keys(r.Headers)) {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(r.Headers[k])})
	}
	injectTraceHeaders(ctx, rec)
	return rec
}

// ProduceMessage sends a single message to the specified topic
func (p *Producer) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	return p.ProduceBatch(ctx, []*Record{{Topic: topic, Key: key, Value: value}})
}

// Publish satisfies the outbox and dead-letter publisher contract.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.ProduceMessage(ctx, topic, key, value)
}

// ProduceBatch sends records and blocks until every one is acknowledged or
// has failed. The error reports all failures.
func (p *Producer) ProduceBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "redpanda.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", records[0].Topic),
			attribute.String("referral.id", records[0].Key),
			attribute.Int("messaging.batch.message_count", len(records)),
		))
	defer span.End()

	batch := make([]*kgo.Record, len(records))
	for i, r := range records {
		batch[i] = r.toKgo(ctx)
	}

	var failures []error
	for _, res := range p.client.ProduceSync(ctx, batch...) {
		if res.Err != nil {
			failures = append(failures, fmt.Errorf("%s/%s: %w", res.Record.Topic, res.Record.Key, res.Err))
			continue
		}
		p.sent.Add(1)
		if p.metrics != nil {
			p.metrics.KafkaMessagesProduced.Inc()
		}
		p.logger.Debug("record produced",
			zap.String("topic", res.Record.Topic),
			zap.ByteString("key", res.Record.Key),
			zap.Int32("partition", res.Record.Partition),
			zap.Int64("offset", res.Record.Offset))
	}
	if len(failures) == 0 {
		return nil
	}

	p.failed.Add(int64(len(failures)))
	err := fmt.Errorf("%d of %d records not produced: %w", len(failures), len(records), errors.Join(failures...))
	span.RecordError(err)
	span.SetStatus(codes.Error, "produce failed")
	p.logger.Error("produce failed", zap.Int("failed", len(failures)), zap.Error(err))
	return err
}

// Flush blocks until all buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Close flushes outstanding records for up to ten seconds and closes the
// client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("closing producer with unflushed records", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats counts produced records.
type ProducerStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}
