package referral

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("referral not found")
	ErrAlreadyTerminal   = errors.New("this referral has already been resolved")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("referral was modified concurrently")
	ErrAlreadyExists     = errors.New("referral already exists")

	// ErrBackdated is returned when a transition time precedes the request
	// time or the latest audit entry. Audit logs only grow forward in time.
	ErrBackdated = fmt.Errorf("%w: time precedes the latest audit entry", ErrInvalidTransition)
)

// notBefore is the earliest time the next audit entry may carry.
func (r Referral) notBefore() time.Time {
	floor := r.RequestedAt
	if last, ok := r.LastAudit(); ok && last.Timestamp.After(floor) {
		floor = last.Timestamp
	}
	return floor
}

// NewReferral builds a freshly created referral in status Pending with its
// creation audit entry.
func NewReferral(r Referral, at time.Time, actor string) Referral {
	out := r.Clone()
	out.Status = StatusPending
	if out.RequestedAt.IsZero() {
		out.RequestedAt = at
	}
	if out.Number == "" {
		out.Number = out.ID
	}
	if out.Urgency == "" {
		out.Urgency = UrgencyRoutine
	}
	if out.CreatorRole == "" {
		out.CreatorRole = inferCreatorRole(out.Direction, out.OriginHospital)
	}
	out.AcceptedAt = nil
	out.AcceptedReason = ""
	out.RejectedReason = ""
	out.AuditLog = []AuditEntry{{
		Status:      StatusPending,
		Timestamp:   out.RequestedAt,
		Description: "created",
		Actor:       actor,
	}}
	return out
}

// Accept moves r to Accepted. An empty note is recorded as "accepted".
// at may not precede the request time or the latest audit entry.
func (r Referral) Accept(at time.Time, note, actor string) (Referral, error) {
	if r.Status.IsTerminal() {
		return Referral{}, ErrAlreadyTerminal
	}
	if r.Status == StatusAccepted {
		return Referral{}, ErrInvalidTransition
	}
	if at.Before(r.notBefore()) {
		return Referral{}, ErrBackdated
	}
	description := note
	if description == "" {
		description = "accepted"
	}

	out := r.Clone()
	acceptedAt := at
	out.AcceptedAt = &acceptedAt
	out.AcceptedReason = note
	return out.append(StatusAccepted, at, description, actor), nil
}

// Reject moves r to Rejected. An empty reason is stored as NoReasonGiven.
func (r Referral) Reject(at time.Time, reason, actor string) (Referral, error) {
	if r.Status.IsTerminal() {
		return Referral{}, ErrAlreadyTerminal
	}
	if at.Before(r.notBefore()) {
		return Referral{}, ErrBackdated
	}
	if reason == "" {
		reason = NoReasonGiven
	}

	out := r.Clone()
	out.RejectedReason = reason
	return out.append(StatusRejected, at, reason, actor), nil
}

// Cancel moves r to Cancelled from any active status, including Pending
// and Accepted.
func (r Referral) Cancel(at time.Time, actor string) (Referral, error) {
	if r.Status.IsTerminal() {
		return Referral{}, ErrAlreadyTerminal
	}
	if at.Before(r.notBefore()) {
		return Referral{}, ErrBackdated
	}
	return r.Clone().append(StatusCancelled, at, "cancelled", actor), nil
}

// append sets the status and its audit entry together; r must already be
// a private copy.
func (r Referral) append(s Status, at time.Time, description, actor string) Referral {
	r.Status = s
	r.AuditLog = append(r.AuditLog, AuditEntry{
		Status:      s,
		Timestamp:   at,
		Description: description,
		Actor:       actor,
	})
	return r
}
