package referral

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction is whether a referral leaves or arrives at this site.
type Direction string

const (
	DirectionReferOut Direction = "Refer Out"
	DirectionReferIn  Direction = "Refer In"
)

// ParseDirection accepts "Refer Out", "refer_out", "ReferOut", "out" and
// the inbound equivalents.
func ParseDirection(raw string) (Direction, error) {
	switch fold(raw) {
	case "referout", "out", "outbound":
		return DirectionReferOut, nil
	case "referin", "in", "inbound":
		return DirectionReferIn, nil
	}
	return "", fmt.Errorf("invalid direction: %q", raw)
}

// UnmarshalJSON accepts any spelling understood by ParseDirection.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseDirection(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Urgency of a referral.
type Urgency string

const (
	UrgencyRoutine   Urgency = "Routine"
	UrgencyUrgent    Urgency = "Urgent"
	UrgencyEmergency Urgency = "Emergency"
)

// ParseUrgency is case-insensitive. An empty value defaults to routine.
func ParseUrgency(raw string) (Urgency, error) {
	switch fold(raw) {
	case "", "routine", "normal":
		return UrgencyRoutine, nil
	case "urgent":
		return UrgencyUrgent, nil
	case "emergency", "emergent":
		return UrgencyEmergency, nil
	}
	return "", fmt.Errorf("invalid urgency: %q", raw)
}

// Role identifies which surface or organisation type acted on a referral.
type Role string

const (
	RoleCaseManager Role = "CM"
	RoleHospital    Role = "Hospital"
	RolePCU         Role = "PCU"
	RoleRegional    Role = "Regional"
	RolePatient     Role = "Patient"
)

// ParseRole is case-insensitive and accepts a few long forms.
func ParseRole(raw string) (Role, error) {
	switch fold(raw) {
	case "":
		return "", nil
	case "cm", "casemanager":
		return RoleCaseManager, nil
	case "hospital":
		return RoleHospital, nil
	case "pcu", "primarycare":
		return RolePCU, nil
	case "regional", "regionaloffice":
		return RoleRegional, nil
	case "patient":
		return RolePatient, nil
	}
	return "", fmt.Errorf("invalid role: %q", raw)
}

// PrimaryCareMarker identifies sub-district primary-care units in hospital
// names.
const PrimaryCareMarker = "รพ.สต."

// NoReasonGiven is stored when a referral is rejected without a reason.
const NoReasonGiven = "no reason given"

// AuditEntry is one status transition in a referral's history.
type AuditEntry struct {
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Actor       string    `json:"actor"`
}

// Referral is a request to transfer a patient's care between two sites.
type Referral struct {
	ID                  string       `json:"id"`
	Number              string       `json:"number"`
	Direction           Direction    `json:"direction"`
	Status              Status       `json:"status"`
	PatientName         string       `json:"patientName"`
	PatientHN           string       `json:"patientHN"`
	OriginHospital      string       `json:"originHospital"`
	DestinationHospital string       `json:"destinationHospital"`
	Urgency             Urgency      `json:"urgency"`
	RequestedAt         time.Time    `json:"requestedAt"`
	AcceptedAt          *time.Time   `json:"acceptedAt,omitempty"`
	AcceptedReason      string       `json:"acceptedReason,omitempty"`
	RejectedReason      string       `json:"rejectedReason,omitempty"`
	CreatorRole         Role         `json:"creatorRole"`
	AuditLog            []AuditEntry `json:"auditLog"`
}

// Clone returns a deep copy of r.
func (r Referral) Clone() Referral {
	out := r
	if r.AcceptedAt != nil {
		t := *r.AcceptedAt
		out.AcceptedAt = &t
	}
	if r.AuditLog != nil {
		out.AuditLog = make([]AuditEntry, len(r.AuditLog))
		copy(out.AuditLog, r.AuditLog)
	}
	return out
}

// Classification returns the lifecycle classification of r's status.
func (r Referral) Classification() Classification { return Classify(r.Status) }

// LastAudit returns the most recent audit entry.
func (r Referral) LastAudit() (AuditEntry, bool) {
	if len(r.AuditLog) == 0 {
		return AuditEntry{}, false
	}
	return r.AuditLog[len(r.AuditLog)-1], true
}

// EffectiveCreatorRole returns the creator role, inferring it from the
// origin hospital for records that predate the explicit field.
func (r Referral) EffectiveCreatorRole() Role {
	if r.CreatorRole != "" {
		return r.CreatorRole
	}
	return inferCreatorRole(r.Direction, r.OriginHospital)
}

func inferCreatorRole(d Direction, origin string) Role {
	if strings.Contains(origin, PrimaryCareMarker) {
		return RolePCU
	}
	if d == DirectionReferIn {
		return RoleHospital
	}
	return RoleCaseManager
}

// Invariant violations reported by Validate.
var (
	ErrAuditTailMismatch   = errors.New("last audit entry does not match status")
	ErrMissingAcceptedAt   = errors.New("accepted referral has no acceptedAt")
	ErrMissingRejectReason = errors.New("rejected referral has no rejectedReason")
	ErrMissingDirection    = errors.New("direction is required")
	ErrInvalidDirection    = errors.New("direction must be Refer Out or Refer In")
	ErrMissingID           = errors.New("id is required")
	ErrNonCanonicalStatus  = errors.New("status is not canonical")
)

// Validate checks the record invariants.
func (r Referral) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, ErrMissingID)
	}
	switch r.Direction {
	case DirectionReferOut, DirectionReferIn:
	case "":
		errs = append(errs, ErrMissingDirection)
	default:
		errs = append(errs, ErrInvalidDirection)
	}
	if Normalize(string(r.Status)) != r.Status {
		errs = append(errs, ErrNonCanonicalStatus)
	}
	if last, ok := r.LastAudit(); !ok || last.Status != r.Status {
		errs = append(errs, ErrAuditTailMismatch)
	}
	if r.Status == StatusAccepted && r.AcceptedAt == nil {
		errs = append(errs, ErrMissingAcceptedAt)
	}
	if r.Status == StatusRejected && r.RejectedReason == "" {
		errs = append(errs, ErrMissingRejectReason)
	}
	return errors.Join(errs...)
}

// Ingest brings a record from an external provider into canonical form:
// status normalized, creator role backfilled, audit tail aligned with the
// status and transition fields filled. The returned warnings describe
// data-quality problems the caller should log.
func Ingest(raw Referral, actor string) (Referral, []string) {
	r := raw.Clone()
	var warnings []string

	r.Status = Normalize(string(r.Status))
	if !r.Status.IsKnown() {
		warnings = append(warnings, fmt.Sprintf("referral %s: unrecognized status %q", r.ID, r.Status))
	}
	if r.Number == "" {
		r.Number = r.ID
	}
	if u, err := ParseUrgency(string(r.Urgency)); err == nil {
		r.Urgency = u
	} else {
		warnings = append(warnings, fmt.Sprintf("referral %s: %v", r.ID, err))
	}
	if r.CreatorRole == "" {
		r.CreatorRole = inferCreatorRole(r.Direction, r.OriginHospital)
	}
	for i := range r.AuditLog {
		r.AuditLog[i].Status = Normalize(string(r.AuditLog[i].Status))
	}

	if last, ok := r.LastAudit(); !ok || last.Status != r.Status {
		r.AuditLog = append(r.AuditLog, AuditEntry{
			Status:      r.Status,
			Timestamp:   r.notBefore(),
			Description: "imported",
			Actor:       actor,
		})
		warnings = append(warnings, fmt.Sprintf("referral %s: audit log did not end in status %q", r.ID, r.Status))
	}

	if r.Status == StatusAccepted && r.AcceptedAt == nil {
		at := r.RequestedAt
		for i := len(r.AuditLog) - 1; i >= 0; i-- {
			if r.AuditLog[i].Status == StatusAccepted {
				at = r.AuditLog[i].Timestamp
				break
			}
		}
		r.AcceptedAt = &at
	}
	if r.Status == StatusRejected && r.RejectedReason == "" {
		r.RejectedReason = NoReasonGiven
	}
	return r, warnings
}

var hospitalPrefixes = []string{
	"โรงพยาบาลส่งเสริมสุขภาพตำบล",
	"โรงพยาบาล",
	PrimaryCareMarker,
	"รพ.",
	"Hospital of ",
}

// DisplayHospitalName strips organisation-type prefixes for rendering.
// Stored values are never rewritten.
func DisplayHospitalName(name string) string {
	trimmed := strings.TrimSpace(name)
	for _, p := range hospitalPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, p))
		}
	}
	return trimmed
}
