package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/pkg/circuitbreaker"
	"github.com/cleftcare/referralhub/pkg/workerpool"
)

// Sender delivers a notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. It is the sender used when
// no webhook is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info("referral notification",
		zap.String("id", n.ID),
		zap.String("referral_id", n.ReferralID),
		zap.String("recipient", n.Recipient),
		zap.String("event_type", string(n.EventType)),
		zap.String("message", n.Message))
	return nil
}

// Publisher is the part of the Redpanda producer TopicSender needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// TopicSender parks notifications on a topic, keyed by recipient, for
// later replay.
type TopicSender struct {
	publisher Publisher
	topic     string
}

func NewTopicSender(publisher Publisher, topic string) *TopicSender {
	return &TopicSender{publisher: publisher, topic: topic}
}

func (s *TopicSender) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return s.publisher.Publish(ctx, s.topic, n.Recipient, payload)
}

// WebhookSender posts notifications as JSON. Each recipient hospital gets
// its own circuit breaker; while it is open, notifications go to the
// fallback sender if there is one.
type WebhookSender struct {
	url      string
	client   *http.Client
	breakers *circuitbreaker.Manager
	fallback Sender
	logger   *zap.Logger
}

// WebhookOption configures a WebhookSender.
type WebhookOption func(*WebhookSender)

func WithHTTPClient(c *http.Client) WebhookOption { return func(s *WebhookSender) { s.client = c } }

func WithFallback(f Sender) WebhookOption { return func(s *WebhookSender) { s.fallback = f } }

func WithSenderLogger(l *zap.Logger) WebhookOption { return func(s *WebhookSender) { s.logger = l } }

// NewWebhookSender creates a sender posting to url.
func NewWebhookSender(url string, breakers *circuitbreaker.Manager, opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		breakers: breakers,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	cb, err := s.breakers.Get(n.Recipient)
	if err != nil {
		return fmt.Errorf("circuit breaker for %s: %w", n.Recipient, err)
	}

	post := func(ctx context.Context) error { return s.post(ctx, n) }
	if s.fallback == nil {
		return cb.Execute(ctx, post)
	}
	return cb.ExecuteWithFallback(ctx, post, func(ctx context.Context, cause error) error {
		s.logger.Warn("webhook unavailable, using fallback",
			zap.String("recipient", n.Recipient),
			zap.String("id", n.ID),
			zap.Error(cause))
		return s.fallback.Send(ctx, n)
	})
}

// statusError is a non-2xx webhook response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.code, e.body)
}

func (s *WebhookSender) post(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w: %w", err, workerpool.ErrPermanent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w: %w", err, workerpool.ErrPermanent)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", n.ID)
	req.Header.Set("Idempotency-Key", n.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	serr := &statusError{code: resp.StatusCode, body: string(snippet)}
	// 4xx other than 408 and 429 will not succeed on retry
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", serr, workerpool.ErrPermanent)
	}
	return serr
}
