package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/domain/referral"
	"github.com/cleftcare/referralhub/internal/infrastructure/redpanda"
	"github.com/cleftcare/referralhub/internal/observability/metrics"
	"github.com/cleftcare/referralhub/pkg/idempotency"
	"github.com/cleftcare/referralhub/pkg/workerpool"
)

// HandlerName identifies the dispatcher in the idempotency inbox.
const HandlerName = "referral-notifier"

// Deduper runs fn at most once per key.
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Outcome labels for the notifications metric.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeDuplicate  = "duplicate"
	OutcomeSkipped    = "skipped"
	OutcomeDeadLetter = "dead_letter"
)

// Dispatcher consumes referral events, drops redeliveries and hands each
// notification to a worker pool for delivery. Deliveries that still fail
// after the pool's retries go to the dead-letter topic.
type Dispatcher struct {
	sender     Sender
	pool       *workerpool.Pool
	inbox      Deduper
	deadLetter Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInbox deduplicates events by ID.
func WithInbox(d Deduper) Option { return func(x *Dispatcher) { x.inbox = d } }

// WithDeadLetter publishes undeliverable notifications to the dead-letter
// topic.
func WithDeadLetter(p Publisher) Option { return func(x *Dispatcher) { x.deadLetter = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(x *Dispatcher) { x.metrics = m } }

func WithDispatchLogger(l *zap.Logger) Option { return func(x *Dispatcher) { x.logger = l } }

// NewDispatcher creates a dispatcher delivering through sender.
func NewDispatcher(sender Sender, poolCfg workerpool.Config, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		sender: sender,
		logger: zap.NewNop(),
		tracer: otel.Tracer("referral-notifier"),
	}
	for _, opt := range opts {
		opt(d)
	}

	poolCfg.OnResult = d.onResult
	pool, err := workerpool.New(poolCfg, d.deliver, d.logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() { d.pool.Start() }

// Stop waits for queued deliveries to finish.
func (d *Dispatcher) Stop() { d.pool.Stop() }

// Stats returns the delivery pool statistics.
func (d *Dispatcher) Stats() workerpool.Stats { return d.pool.Stats() }

// Healthy reports whether the delivery queue has headroom.
func (d *Dispatcher) Healthy() bool { return d.pool.IsHealthy() }

// Handle implements redpanda.MessageHandler. Malformed and unsupported
// events are skipped so they do not block the partition.
func (d *Dispatcher) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var event referral.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		d.logger.Warn("skipping malformed referral event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		d.count(OutcomeSkipped)
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "dispatch_notification",
		trace.WithAttributes(
			attribute.String("event_id", event.ID),
			attribute.String("event_type", string(event.EventType)),
			attribute.String("referral_id", event.AggregateID),
		))
	defer span.End()

	n, err := FromEvent(&event)
	if err != nil {
		d.logger.Warn("skipping referral event", zap.String("event_id", event.ID), zap.Error(err))
		d.count(OutcomeSkipped)
		return nil
	}

	if d.inbox == nil {
		return d.enqueue(ctx, n)
	}

	res, err := d.inbox.Process(ctx, idempotency.Key(event.ID, HandlerName), HandlerName, msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			if err := d.enqueue(ctx, n); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"queued":true}`), nil
		})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrMessageInProgress):
		d.duplicate(event.ID)
		return nil
	case err != nil:
		span.RecordError(err)
		return err
	case !res.IsNew && !res.WasRecovered:
		d.duplicate(event.ID)
	}
	return nil
}

func (d *Dispatcher) duplicate(eventID string) {
	d.logger.Debug("duplicate referral event", zap.String("event_id", eventID))
	d.count(OutcomeDuplicate)
}

func (d *Dispatcher) enqueue(ctx context.Context, n Notification) error {
	if err := d.pool.Submit(ctx, &workerpool.Task{ID: n.ID, Payload: n}); err != nil {
		return fmt.Errorf("queue notification %s: %w", n.ID, err)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, task *workerpool.Task) error {
	n, ok := task.Payload.(Notification)
	if !ok {
		return fmt.Errorf("unexpected payload %T: %w", task.Payload, workerpool.ErrPermanent)
	}
	return d.sender.Send(ctx, n)
}

func (d *Dispatcher) onResult(r *workerpool.Result) {
	if r.Err == nil {
		d.count(OutcomeDelivered)
		return
	}
	d.count(OutcomeFailed)

	n, ok := r.Payload.(Notification)
	if !ok || d.deadLetter == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Notification Notification `json:"notification"`
		Error        string       `json:"error"`
		Attempts     int          `json:"attempts"`
	}{n, r.Err.Error(), r.Attempts})
	if err != nil {
		return
	}
	if err := d.deadLetter.Publish(context.Background(), redpanda.TopicDeadLetter, n.ReferralID, payload); err != nil {
		d.logger.Error("dead-letter notification",
			zap.String("id", n.ID),
			zap.Error(err))
		return
	}
	d.count(OutcomeDeadLetter)
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.NotificationsSent.WithLabelValues(outcome).Inc()
	}
}
