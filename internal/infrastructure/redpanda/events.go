package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

// Record headers set on referral events.
const (
	HeaderEventType     = "event_type"
	HeaderEventID       = "event_id"
	HeaderCorrelationID = "correlation_id"
)

// Batcher is the part of Producer the event publisher needs.
type Batcher interface {
	ProduceBatch(ctx context.Context, records []*Record) error
}

// EventPublisher sends committed referral events to the events topic and
// the audit trail. It is used when the repository has no outbox.
type EventPublisher struct {
	producer Batcher
}

// NewEventPublisher creates a publisher over producer.
func NewEventPublisher(producer Batcher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish implements referral.EventSink.
func (p *EventPublisher) Publish(ctx context.Context, event *referral.Event) error {
	records, err := EventRecords(event)
	if err != nil {
		return err
	}
	return p.producer.ProduceBatch(ctx, records)
}

// EventRecords builds the records for one referral event, keyed by
// referral ID.
func EventRecords(event *referral.Event) ([]*Record, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	headers := map[string]string{
		HeaderEventType: string(event.EventType),
		HeaderEventID:   event.ID,
	}
	if event.CorrelationID != "" {
		headers[HeaderCorrelationID] = event.CorrelationID
	}
	return []*Record{
		{Topic: TopicReferralEvents, Key: event.AggregateID, Value: payload, Headers: headers},
		{Topic: TopicAuditTrail, Key: event.AggregateID, Value: payload, Headers: headers},
	}, nil
}
