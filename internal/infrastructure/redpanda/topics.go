package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the referral hub
const (
	TopicReferralEvents = "referral.events"
	TopicAuditTrail     = "referral.audit"
	TopicNotifications  = "referral.notifications"
	TopicDeadLetter     = "referral.dead-letter"
)

// TopicConfig describes one topic the hub writes to.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
}

func (t TopicConfig) settings() map[string]*string {
	str := func(s string) *string { return &s }
	return map[string]*string{
		"retention.ms":     str(strconv.FormatInt(t.Retention.Milliseconds(), 10)),
		"cleanup.policy":   str("delete"),
		"compression.type": str("lz4"),
	}
}

const day = 24 * time.Hour

// DefaultTopicConfigs returns the topic layout. Referral events are keyed
// by referral ID so every transition of one referral lands on the same
// partition in order. The audit trail is kept for a year of medical record
// retention.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{Name: TopicReferralEvents, Partitions: 6, ReplicationFactor: 1, Retention: 7 * day},
		{Name: TopicAuditTrail, Partitions: 3, ReplicationFactor: 1, Retention: 365 * day},
		{Name: TopicNotifications, Partitions: 3, ReplicationFactor: 1, Retention: day},
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1, Retention: 7 * day},
	}
}

// Admin creates and inspects the hub's topics.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(client), logger: logger}, nil
}

// CreateTopics creates the given topics. Topics that already exist are
// left untouched.
func (a *Admin) CreateTopics(ctx context.Context, topics []TopicConfig) error {
	for _, t := range topics {
		resp, err := a.client.CreateTopic(ctx, t.Partitions, t.ReplicationFactor, t.settings(), t.Name)
		switch {
		case err == nil && resp.Err == nil:
			a.logger.Info("topic created", zap.String("topic", t.Name), zap.Int32("partitions", t.Partitions))
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", t.Name))
		case err != nil:
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		default:
			return fmt.Errorf("create topic %s: %w", t.Name, resp.Err)
		}
	}
	return nil
}

// EnsureTopics ensures all required topics exist
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ListTopics returns the topic names in the cluster, sorted.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	return topics.Names(), nil
}

// GroupLag returns the number of unconsumed records per topic for a
// consumer group, summed over partitions.
func (a *Admin) GroupLag(ctx context.Context, group string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("lag for group %s: %w", group, err)
	}
	described, ok := lags[group]
	if !ok {
		return nil, fmt.Errorf("group %s not found", group)
	}
	if described.Error() != nil {
		return nil, fmt.Errorf("lag for group %s: %w", group, described.Error())
	}

	out := make(map[string]int64)
	for topic, lag := range described.Lag.TotalByTopic() {
		out[topic] = lag.Lag
	}
	return out, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck reports whether any of brokers answers within five seconds.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
