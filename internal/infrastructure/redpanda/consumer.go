package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topics            []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// MaxPollRecords bounds how many records one poll hands to the handler
	// before offsets are committed.
	MaxPollRecords int
	FetchMaxBytes  int32
	// FromLatest starts a new group at the end of each partition instead
	// of replaying retained events.
	FromLatest bool
}

// DefaultConsumerConfig returns defaults for the notification service
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "referral-notifier",
		Topics:            []string{TopicReferralEvents},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    100,
		FetchMaxBytes:     8 << 20,
	}
}

func (cfg ConsumerConfig) clientOpts(logger *zap.Logger) []kgo.Opt {
	reset := kgo.NewOffset().AtStart()
	if cfg.FromLatest {
		reset = kgo.NewOffset().AtEnd()
	}
	return []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func newConsumedMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// Consumer reads referral events from a consumer group and hands each one
// to a MessageHandler. Offsets are committed only for records the handler
// accepted, so a failed record is redelivered after a restart or
// rebalance unless a later record in its partition commits past it.
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled    atomic.Int64
	failed     atomic.Int64
	lastCommit atomic.Int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerMetrics counts handled records.
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("consumer group is required")
	}

	client, err := kgo.NewClient(cfg.clientOpts(logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop waits for the in-flight poll to finish and leaves the group.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	return nil
}

func (c *Consumer) run() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.failed.Add(1)
			c.logger.Error("fetch failed",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var accepted []*kgo.Record
		fetches.EachRecord(func(record *kgo.Record) {
			if c.handle(record) {
				accepted = append(accepted, record)
			}
		})
		c.commit(accepted)
		c.client.AllowRebalance()
	}
}

func (c *Consumer) handle(record *kgo.Record) bool {
	msg := newConsumedMessage(record)
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, record), "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
			attribute.String("referral.id", string(record.Key)),
			attribute.String("referral.event_type", msg.Headers[HeaderEventType]),
		))
	defer span.End()

	if err := c.handler(ctx, msg); err != nil {
		c.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		c.logger.Error("referral event not handled",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.String("event_id", msg.Headers[HeaderEventID]),
			zap.String("correlation_id", msg.Headers[HeaderCorrelationID]),
			zap.Error(err))
		return false
	}

	c.handled.Add(1)
	if c.metrics != nil {
		c.metrics.KafkaMessagesConsumed.Inc()
	}
	return true
}

// commit records the offsets of accepted records. It outlives a cancelled
// consumer context so the last poll before Stop is not replayed.
func (c *Consumer) commit(records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 10*time.Second)
	defer cancel()

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		c.logger.Error("offset commit failed", zap.Int("records", len(records)), zap.Error(err))
		return
	}
	c.lastCommit.Store(time.Now().UnixNano())
}

// ConsumerStats counts handled records.
type ConsumerStats struct {
	Handled    int64     `json:"handled"`
	Failed     int64     `json:"failed"`
	LastCommit time.Time `json:"last_commit,omitempty"`
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	s := ConsumerStats{Handled: c.handled.Load(), Failed: c.failed.Load()}
	if ns := c.lastCommit.Load(); ns > 0 {
		s.LastCommit = time.Unix(0, ns)
	}
	return s
}
