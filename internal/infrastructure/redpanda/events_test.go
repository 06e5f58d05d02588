package redpanda

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

type fakeBatcher struct {
	records []*Record
}

func (f *fakeBatcher) ProduceBatch(_ context.Context, records []*Record) error {
	f.records = append(f.records, records...)
	return nil
}

func TestEventPublisher_FansOutToEventsAndAudit(t *testing.T) {
	event, err := referral.NewEvent("R-9", referral.EventReferralAccepted, map[string]string{"to": "Accepted"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	event.WithActor("dr.a", referral.RoleHospital, "req-9")

	fb := &fakeBatcher{}
	if err := NewEventPublisher(fb).Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fb.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(fb.records))
	}
	if fb.records[0].Topic != TopicReferralEvents || fb.records[1].Topic != TopicAuditTrail {
		t.Fatalf("unexpected topics %s, %s", fb.records[0].Topic, fb.records[1].Topic)
	}
	for _, rec := range fb.records {
		if rec.Key != "R-9" {
			t.Errorf("record keyed by %q", rec.Key)
		}
		if rec.Headers["correlation_id"] != "req-9" {
			t.Errorf("missing correlation header")
		}
		var decoded referral.Event
		if err := json.Unmarshal(rec.Value, &decoded); err != nil {
			t.Fatalf("payload is not an event: %v", err)
		}
		if decoded.ID != event.ID {
			t.Errorf("payload event id %q", decoded.ID)
		}
	}
}

func TestDefaultTopicConfigs_CoverPublishedTopics(t *testing.T) {
	names := map[string]bool{}
	for _, cfg := range DefaultTopicConfigs() {
		names[cfg.Name] = true
	}
	for _, topic := range []string{TopicReferralEvents, TopicAuditTrail, TopicNotifications, TopicDeadLetter} {
		if !names[topic] {
			t.Errorf("topic %s has no config", topic)
		}
	}
}

func TestTopicConfig_Settings(t *testing.T) {
	for _, cfg := range DefaultTopicConfigs() {
		if cfg.Name != TopicAuditTrail {
			continue
		}
		if got := *cfg.settings()["retention.ms"]; got != "31536000000" {
			t.Errorf("audit retention.ms = %s", got)
		}
	}
}
