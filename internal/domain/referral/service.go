package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/cleftcare/referralhub/internal/infrastructure/redis"
	"github.com/cleftcare/referralhub/internal/observability/metrics"
	"github.com/cleftcare/referralhub/internal/observability/tracing"
)

// ErrBusy is returned when another replica holds the lock on a referral.
var ErrBusy = errors.New("referral is being updated, please retry")

// Actor identifies who performs a mutation.
type Actor struct {
	Name          string
	Role          Role
	CorrelationID string
}

// Service is the single owner of the referral collection. Every surface
// reads and mutates referrals through it so lists, badges and detail views
// see the same data.
type Service struct {
	repo    Repository
	locker  redisclient.Locker
	sink    EventSink
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLocker(l redisclient.Locker) Option { return func(s *Service) { s.locker = l } }

// WithEventSink publishes committed events in-process. Repositories with
// an outbox do not need one.
func WithEventSink(sink EventSink) Option { return func(s *Service) { s.sink = sink } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a service over repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		locker: redisclient.NoopLocker{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Get returns a single referral.
func (s *Service) Get(ctx context.Context, id string) (Referral, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Referral{}, err
		}
		return Referral{}, fmt.Errorf("load referral: %w", err)
	}
	return r, nil
}

// All returns every referral in insertion order.
func (s *Service) All(ctx context.Context) ([]Referral, error) {
	refs, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	return refs, nil
}

// Query returns the referrals matching spec.
func (s *Service) Query(ctx context.Context, spec FilterSpec) ([]Referral, error) {
	start := time.Now()
	refs, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := Query(refs, spec)
	if s.metrics != nil {
		scope := string(spec.Scope)
		if scope == "" {
			scope = "all"
		}
		s.metrics.QueriesServed.WithLabelValues(scope).Inc()
		s.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}
	return out, nil
}

// Summary counts the referrals matching spec.
func (s *Service) Summary(ctx context.Context, spec FilterSpec) (Summary, error) {
	refs, err := s.Query(ctx, spec)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(refs), nil
}

// Create stores a new Pending referral. A missing ID is generated.
func (s *Service) Create(ctx context.Context, draft Referral, actor Actor) (Referral, error) {
	if draft.Direction == "" {
		return Referral{}, ErrMissingDirection
	}
	d, err := ParseDirection(string(draft.Direction))
	if err != nil {
		return Referral{}, fmt.Errorf("%w: %q", ErrInvalidDirection, draft.Direction)
	}
	draft.Direction = d
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}

	r := NewReferral(draft, s.now(), actor.Name)
	event, err := NewTransitionEvent(EventReferralCreated, "", r)
	if err != nil {
		return Referral{}, fmt.Errorf("build event: %w", err)
	}
	event.WithActor(actor.Name, actor.Role, actor.CorrelationID)

	if err := s.repo.Create(ctx, r, event); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return Referral{}, err
		}
		return Referral{}, fmt.Errorf("create referral: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ReferralsCreated.Inc()
		s.metrics.ActiveReferrals.Inc()
	}
	s.logger.Info("referral created",
		zap.String("id", r.ID),
		zap.String("direction", string(r.Direction)),
		zap.String("creator_role", string(r.CreatorRole)),
		zap.String("actor", actor.Name))

	s.publish(ctx, event)
	return r, nil
}

// Accept moves a referral to Accepted at the current time.
func (s *Service) Accept(ctx context.Context, id, note string, actor Actor) (Referral, error) {
	return s.AcceptAt(ctx, id, time.Time{}, note, actor)
}

// AcceptAt moves a referral to Accepted, recording when as the acceptance
// time. A zero when means now. A when earlier than the referral's request
// or latest audit entry is refused with ErrBackdated.
func (s *Service) AcceptAt(ctx context.Context, id string, when time.Time, note string, actor Actor) (Referral, error) {
	return s.transition(ctx, id, EventReferralAccepted, actor, func(r Referral, at time.Time) (Referral, error) {
		if !when.IsZero() {
			at = when
		}
		return r.Accept(at, note, actor.Name)
	})
}

// Reject moves a referral to Rejected.
func (s *Service) Reject(ctx context.Context, id, reason string, actor Actor) (Referral, error) {
	return s.transition(ctx, id, EventReferralRejected, actor, func(r Referral, at time.Time) (Referral, error) {
		return r.Reject(at, reason, actor.Name)
	})
}

// Cancel moves a referral to Cancelled.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (Referral, error) {
	return s.transition(ctx, id, EventReferralCancelled, actor, func(r Referral, at time.Time) (Referral, error) {
		return r.Cancel(at, actor.Name)
	})
}

func (s *Service) transition(
	ctx context.Context,
	id string,
	eventType EventType,
	actor Actor,
	apply func(Referral, time.Time) (Referral, error),
) (Referral, error) {
	var (
		updated Referral
		event   *Event
		from    Status
	)

	err := s.locker.WithReferralLock(ctx, id, func(lockCtx context.Context) error {
		cur, err := s.repo.Get(lockCtx, id)
		if err != nil {
			return err
		}
		from = cur.Status

		// The clock may lag timestamps carried in by imported records.
		at := s.now()
		if floor := cur.notBefore(); at.Before(floor) {
			at = floor
		}
		next, err := apply(cur, at)
		if err != nil {
			return err
		}

		event, err = NewTransitionEvent(eventType, from, next)
		if err != nil {
			return fmt.Errorf("build event: %w", err)
		}
		event.WithActor(actor.Name, actor.Role, actor.CorrelationID)

		if err := s.repo.Update(lockCtx, from, next, event); err != nil {
			return err
		}
		updated = next
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			err = ErrBusy
		}
		s.refused(id, eventType, err)
		switch {
		case errors.Is(err, ErrNotFound),
			errors.Is(err, ErrAlreadyTerminal),
			errors.Is(err, ErrInvalidTransition),
			errors.Is(err, ErrConflict),
			errors.Is(err, ErrBusy):
			return Referral{}, err
		}
		return Referral{}, fmt.Errorf("%s referral %s: %w", eventType, id, err)
	}

	if s.metrics != nil {
		s.metrics.ReferralTransitions.WithLabelValues(string(updated.Status)).Inc()
		if updated.Status.IsTerminal() {
			s.metrics.ActiveReferrals.Dec()
		}
	}
	s.logger.Info("referral transitioned", append([]zap.Field{
		zap.String("id", id),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
		zap.String("actor", actor.Name),
		zap.String("correlation_id", actor.CorrelationID),
	}, tracing.LogFields(ctx)...)...)

	s.publish(ctx, event)
	return updated, nil
}

func (s *Service) refused(id string, eventType EventType, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrAlreadyTerminal):
		reason = "already_terminal"
	case errors.Is(err, ErrInvalidTransition):
		reason = "invalid_transition"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrBusy):
		reason = "conflict"
	}
	if s.metrics != nil {
		s.metrics.TransitionsRejected.WithLabelValues(reason).Inc()
	}
	s.logger.Warn("referral mutation refused",
		zap.String("id", id),
		zap.String("event_type", string(eventType)),
		zap.String("reason", reason),
		zap.Error(err))
}

// publish hands a committed event to the sink. The mutation already
// succeeded, so failures are only logged.
func (s *Service) publish(ctx context.Context, event *Event) {
	if s.sink == nil || event == nil {
		return
	}
	if err := s.sink.Publish(ctx, event); err != nil {
		s.logger.Error("publish referral event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}

// SyncActiveGauge resets the active gauge from the repository contents.
func (s *Service) SyncActiveGauge(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	refs, err := s.All(ctx)
	if err != nil {
		return err
	}
	s.metrics.ActiveReferrals.Set(float64(Summarize(refs).Active))
	return nil
}
