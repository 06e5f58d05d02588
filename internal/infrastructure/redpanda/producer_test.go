package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
)

func TestRecordToKgo_HeadersInKeyOrder(t *testing.T) {
	r := &Record{
		Topic: TopicReferralEvents,
		Key:   "R-1",
		Value: []byte(`{}`),
		Headers: map[string]string{
			HeaderEventType:     "ReferralAccepted",
			HeaderCorrelationID: "req-1",
			HeaderEventID:       "evt-1",
		},
	}

	rec := r.toKgo(context.Background())
	if rec.Topic != TopicReferralEvents || string(rec.Key) != "R-1" {
		t.Fatalf("unexpected record %s/%s", rec.Topic, rec.Key)
	}
	want := []string{HeaderCorrelationID, HeaderEventID, HeaderEventType}
	if len(rec.Headers) != len(want) {
		t.Fatalf("headers = %v", rec.Headers)
	}
	for i, k := range want {
		if rec.Headers[i].Key != k {
			t.Errorf("header %d = %q, want %q", i, rec.Headers[i].Key, k)
		}
	}
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Brokers = nil
	if _, err := NewProducer(cfg, nil); err == nil {
		t.Error("expected error without brokers")
	}
}

func TestProducerConfig_AcksDisableIdempotence(t *testing.T) {
	for _, acks := range []int16{-1, 0, 1} {
		cfg := DefaultProducerConfig()
		cfg.RequiredAcks = acks
		client, err := kgo.NewClient(cfg.clientOpts()...)
		if err != nil {
			t.Errorf("acks %d: %v", acks, err)
			continue
		}
		client.Close()
	}
}
