// Package idempotency records which messages a consumer has already
// handled. Each message is keyed by its event ID and handler name, so a
// redelivered referral event runs its handler at most once to completion.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Schema creates the inbox table.
const Schema = `
CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 1,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS inbox_status_idx ON inbox (status, updated_at);
CREATE INDEX IF NOT EXISTS inbox_expires_idx ON inbox (expires_at);
`

// Status is the processing state of an inbox entry.
type Status string

const (
	// StatusStarted entries are claimed by a running handler.
	StatusStarted Status = "STARTED"
	// StatusFinished entries completed and are never run again.
	StatusFinished Status = "FINISHED"
	// StatusRecoverable entries failed transiently or were abandoned and
	// may be claimed again.
	StatusRecoverable Status = "RECOVERABLE"
	// StatusFailed entries failed permanently.
	StatusFailed Status = "FAILED"
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long an entry is kept after its first delivery.
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED entry may go without an update
	// before another delivery can take it over.
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig keeps entries for the seven days referral events are
// retained on the events topic.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrDuplicateMessage is returned for a key that already finished.
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress is returned while another delivery holds the key.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed is returned for a key whose handler failed
	// permanently.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying. The entry is
// stored as FAILED and later deliveries of the same key are refused.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Key derives a deterministic idempotency key from its parts.
func Key(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// ProcessResult describes a handler run the inbox allowed.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	// Attempts counts the deliveries that claimed the key, this one
	// included.
	Attempts int
	Result   json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// DB is the part of a pgx pool the inbox uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Inbox guards handlers against redelivered messages using a Postgres
// table.
type Inbox struct {
	db     DB
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(db DB, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// EnsureSchema creates the inbox table if it does not exist.
func (i *Inbox) EnsureSchema(ctx context.Context) error {
	if _, err := i.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create inbox schema: %w", err)
	}
	return nil
}

// Process runs fn unless key was already handled. A key is claimed when it
// is new, RECOVERABLE, or STARTED but stale. Any other key is refused with
// ErrDuplicateMessage, ErrMessageInProgress or ErrPreviouslyFailed.
//
// An fn error leaves the key RECOVERABLE, or FAILED when the error is
// Permanent.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	attempts, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		span.SetAttributes(attribute.String("refused", err.Error()))
		return nil, err
	}
	span.SetAttributes(attribute.Int("attempts", attempts))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsPermanent(handlerErr) {
			status = StatusFailed
		}
		detail, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.finish(ctx, key, status, detail); err != nil {
			i.logger.Error("inbox: record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.finish(ctx, key, StatusFinished, result); err != nil {
		// fn ran; a redelivery before the entry is fixed runs it again
		i.logger.Error("inbox: record completion", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{
		IsNew:        attempts == 1,
		WasRecovered: attempts > 1,
		Attempts:     attempts,
		Result:       result,
	}, nil
}

// claim marks key STARTED for this delivery and returns how many
// deliveries have claimed it.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (int, error) {
	const upsert = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, 'STARTED', $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', attempts = inbox.attempts + 1, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - $5::interval)
		RETURNING attempts`

	var attempts int
	err := i.db.QueryRow(ctx, upsert, key, handlerName, payload,
		time.Now().Add(i.config.DefaultTTL), i.config.RecoveryTimeout.String()).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("claim inbox key: %w", err)
	}

	var status Status
	if err := i.db.QueryRow(ctx, `SELECT status FROM inbox WHERE idempotency_key = $1`, key).Scan(&status); err != nil {
		return 0, fmt.Errorf("read inbox key: %w", err)
	}
	return 0, refusal(status)
}

// refusal maps the status of an unclaimable entry to the error Process
// returns for it.
func refusal(status Status) error {
	switch status {
	case StatusFinished:
		return ErrDuplicateMessage
	case StatusFailed:
		return ErrPreviouslyFailed
	default:
		return ErrMessageInProgress
	}
}

func (i *Inbox) finish(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.db.Exec(ctx,
		`UPDATE inbox SET status = $2, result = COALESCE($3, result), updated_at = NOW() WHERE idempotency_key = $1`,
		key, status, result)
	return err
}

// StartCleanup periodically deletes expired entries and releases stale
// claims until Stop is called.
func (i *Inbox) StartCleanup() {
	go i.maintain()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) maintain() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
		}

		if tag, err := i.db.Exec(i.ctx, `DELETE FROM inbox WHERE expires_at < NOW()`); err != nil {
			i.logger.Error("inbox cleanup failed", zap.Error(err))
		} else if n := tag.RowsAffected(); n > 0 {
			i.logger.Info("expired inbox entries deleted", zap.Int64("count", n))
		}
		if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
			i.logger.Error("inbox recovery failed", zap.Error(err))
		} else if n > 0 {
			i.logger.Warn("recovered stale inbox entries", zap.Int64("count", n))
		}
	}
}

// RecoverStaleEntries releases STARTED entries older than the recovery
// timeout so a redelivery can claim them.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.db.Exec(ctx, `
		UPDATE inbox SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED' AND updated_at < NOW() - $1::interval`,
		i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InboxStats counts inbox entries by status
type InboxStats struct {
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Recoverable int64 `json:"recoverable"`
	Failed      int64 `json:"failed"`
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*InboxStats, error) {
	s := &InboxStats{}
	err := i.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox`).Scan(&s.Started, &s.Finished, &s.Recoverable, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return s, nil
}
