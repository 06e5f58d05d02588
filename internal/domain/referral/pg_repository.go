package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/infrastructure/postgres"
)

// Schema creates the referral table. Each referral is one flat row with
// its audit log as an ordered JSONB array.
const Schema = `
CREATE TABLE IF NOT EXISTS referrals (
	seq                  BIGSERIAL,
	id                   TEXT PRIMARY KEY,
	number               TEXT NOT NULL,
	direction            TEXT NOT NULL,
	status               TEXT NOT NULL,
	patient_name         TEXT NOT NULL,
	patient_hn           TEXT NOT NULL,
	origin_hospital      TEXT NOT NULL,
	destination_hospital TEXT NOT NULL,
	urgency              TEXT NOT NULL,
	creator_role         TEXT NOT NULL,
	requested_at         TIMESTAMPTZ NOT NULL,
	accepted_at          TIMESTAMPTZ,
	accepted_reason      TEXT NOT NULL DEFAULT '',
	rejected_reason      TEXT NOT NULL DEFAULT '',
	audit_log            JSONB NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS referrals_seq_idx ON referrals (seq);
`

// PgRepository stores referrals in PostgreSQL and writes their events to
// the transactional outbox in the same transaction.
type PgRepository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewPgRepository creates a new repository publishing events to topic.
func NewPgRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *PgRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgRepository{pool: pool, topic: topic, logger: logger}
}

// EnsureSchema creates the referral table if it does not exist.
func (r *PgRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create referral schema: %w", err)
	}
	return nil
}

const selectColumns = `
	id, number, direction, status, patient_name, patient_hn,
	origin_hospital, destination_hospital, urgency, creator_role,
	requested_at, accepted_at, accepted_reason, rejected_reason, audit_log`

func scanReferral(row pgx.Row) (Referral, error) {
	var (
		ref        Referral
		direction  string
		status     string
		urgency    string
		role       string
		acceptedAt *time.Time
		auditLog   []byte
	)
	err := row.Scan(
		&ref.ID, &ref.Number, &direction, &status, &ref.PatientName, &ref.PatientHN,
		&ref.OriginHospital, &ref.DestinationHospital, &urgency, &role,
		&ref.RequestedAt, &acceptedAt, &ref.AcceptedReason, &ref.RejectedReason, &auditLog,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Referral{}, ErrNotFound
		}
		return Referral{}, err
	}
	ref.Direction = Direction(direction)
	ref.Status = Normalize(status)
	ref.Urgency = Urgency(urgency)
	ref.CreatorRole = Role(role)
	ref.AcceptedAt = acceptedAt
	if err := json.Unmarshal(auditLog, &ref.AuditLog); err != nil {
		return Referral{}, fmt.Errorf("decode audit log of %s: %w", ref.ID, err)
	}
	return ref, nil
}

// Get retrieves a referral by ID
func (r *PgRepository) Get(ctx context.Context, id string) (Referral, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+selectColumns+` FROM referrals WHERE id = $1`, id)
	return scanReferral(row)
}

// List retrieves all referrals in insertion order
func (r *PgRepository) List(ctx context.Context) ([]Referral, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+selectColumns+` FROM referrals ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	defer rows.Close()

	var out []Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Create inserts a referral and its creation event
func (r *PgRepository) Create(ctx context.Context, ref Referral, event *Event) error {
	auditLog, err := json.Marshal(ref.AuditLog)
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO referrals (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`,
		ref.ID, ref.Number, string(ref.Direction), string(ref.Status), ref.PatientName, ref.PatientHN,
		ref.OriginHospital, ref.DestinationHospital, string(ref.Urgency), string(ref.CreatorRole),
		ref.RequestedAt, ref.AcceptedAt, ref.AcceptedReason, ref.RejectedReason, auditLog,
	)
	if err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}

	if err := r.writeOutbox(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update applies a transition if the stored status still equals expected
func (r *PgRepository) Update(ctx context.Context, expected Status, ref Referral, event *Event) error {
	auditLog, err := json.Marshal(ref.AuditLog)
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE referrals
		SET status = $2,
		    accepted_at = $3,
		    accepted_reason = $4,
		    rejected_reason = $5,
		    audit_log = $6,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $7
	`, ref.ID, string(ref.Status), ref.AcceptedAt, ref.AcceptedReason, ref.RejectedReason, auditLog, string(expected))
	if err != nil {
		return fmt.Errorf("update referral: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM referrals WHERE id = $1)`, ref.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check referral: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if err := r.writeOutbox(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("referral updated",
		zap.String("id", ref.ID),
		zap.String("from", string(expected)),
		zap.String("to", string(ref.Status)))
	return nil
}

func (r *PgRepository) writeOutbox(ctx context.Context, tx pgx.Tx, event *Event) error {
	if event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    r.topic,
		KafkaKey:      event.AggregateID,
	})
}
