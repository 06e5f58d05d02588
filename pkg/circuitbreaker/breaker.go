// Package circuitbreaker guards outbound calls to partner hospitals with
// one sony/gobreaker breaker per destination.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Value maps a state onto the gauge encoding 0=closed, 1=open, 2=half-open.
func (s State) Value() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is how many probe calls half-open lets through.
	MaxRequests uint32
	// Interval clears the closed-state counts. Zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker while fewer
	// than MinRequests calls have been counted. After that FailureRatio
	// decides.
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// Ignore reports errors that say nothing about the destination's
	// health, such as a payload it refused. They are returned to the
	// caller but do not count as failures. Cancelled calls are always
	// ignored.
	Ignore func(error) bool
	// OnStateChange is called after every transition.
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for notification webhooks
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

func (cfg Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cfg.MinRequests {
		return counts.ConsecutiveFailures >= cfg.FailureThreshold
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
}

func (cfg Config) isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return cfg.Ignore != nil && cfg.Ignore(err)
}

// ErrOpen is returned instead of calling the guarded function while the
// breaker is open or probing.
var ErrOpen = errors.New("circuit open")

// CircuitBreaker guards calls to one destination.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through a circuit breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		ReadyToTrip:  cfg.readyToTrip,
		IsSuccessful: cfg.isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(fromGobreaker(from))),
				zap.String("to", string(fromGobreaker(to))))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, fromGobreaker(to))
			}
		},
	})
	return c, nil
}

// Execute runs fn through the circuit breaker. While the circuit is open
// fn is not called and the returned error wraps ErrOpen.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker.execute",
		trace.WithAttributes(
			attribute.String("breaker", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
		err = fmt.Errorf("%s: %w", c.name, ErrOpen)
	default:
		outcome = "failure"
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name),
		attribute.String("outcome", outcome)))
	return err
}

// ExecuteWithFallback runs fn and calls fallback instead when the circuit
// is open.
func (c *CircuitBreaker) ExecuteWithFallback(ctx context.Context, fn func(ctx context.Context) error, fallback func(ctx context.Context, err error) error) error {
	err := c.Execute(ctx, fn)
	if errors.Is(err, ErrOpen) {
		return fallback(ctx, err)
	}
	return err
}

// GetState returns the current circuit breaker state
func (c *CircuitBreaker) GetState() State {
	return fromGobreaker(c.cb.State())
}

// IsOpen returns true if the circuit is open
func (c *CircuitBreaker) IsOpen() bool {
	return c.GetState() == StateOpen
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// Manager keeps one breaker per destination, created on first use.
type Manager struct {
	template Config
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a manager whose breakers share template's settings.
func NewManager(template Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		template: template,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (m *Manager) Get(name string) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg := m.template
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus is the state of one breaker
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Status returns every breaker's state ordered by name.
func (m *Manager) Status() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, HealthStatus{
			Name:     name,
			State:    cb.GetState(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
		})
	}
	slices.SortFunc(out, func(a, b HealthStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}
