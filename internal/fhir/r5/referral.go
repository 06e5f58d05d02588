package r5

import (
	"strconv"
	"time"

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

// referralCategory is SNOMED CT 3457005 "Patient referral".
var referralCategory = CodeableConcept{
	Coding: []Coding{{System: SystemSNOMED, Code: "3457005", Display: "Patient referral"}},
}

// RequestStatus maps a referral status onto ServiceRequest.status.
func RequestStatus(s referral.Status) string {
	n := referral.Normalize(string(s))
	switch n {
	case referral.StatusTreated, referral.StatusCompleted:
		return StatusCompleted
	case referral.StatusRejected, referral.StatusCancelled, referral.StatusNoShow:
		return StatusRevoked
	}
	if !n.IsKnown() {
		return StatusUnknown
	}
	return StatusActive
}

// RequestPriority maps referral urgency onto ServiceRequest.priority.
func RequestPriority(u referral.Urgency) string {
	switch u {
	case referral.UrgencyUrgent:
		return PriorityUrgent
	case referral.UrgencyEmergency:
		return PriorityStat
	default:
		return PriorityRoutine
	}
}

// FromReferral projects r onto a ServiceRequest. The canonical status,
// direction and creator role travel as extensions so the projection can
// be read back without loss of lifecycle detail.
func FromReferral(r referral.Referral) *ServiceRequest {
	c := r.Classification()
	sr := &ServiceRequest{
		ResourceType: "ServiceRequest",
		ID:           r.ID,
		Meta: &Meta{
			VersionID: strconv.Itoa(len(r.AuditLog)),
			Tag:       []Coding{{System: SystemReferralStatus, Code: string(c.Stage)}},
		},
		Extension: []Extension{
			{URL: ExtReferralStatus, ValueCoding: &Coding{System: SystemReferralStatus, Code: string(r.Status), Display: c.Label}},
			{URL: ExtReferralDirection, ValueCode: string(r.Direction)},
			{URL: ExtReferralCreatorRole, ValueCode: string(r.EffectiveCreatorRole())},
		},
		Identifier: []Identifier{{Use: "official", System: SystemReferralNumber, Value: r.Number}},
		Status:     RequestStatus(r.Status),
		Intent:     "order",
		Category:   []CodeableConcept{referralCategory},
		Priority:   RequestPriority(r.Urgency),
		Code:       &CodeableConcept{Text: "Cleft lip and palate care"},
		Subject: Reference{
			Type:       "Patient",
			Identifier: &Identifier{System: SystemHN, Value: r.PatientHN},
			Display:    r.PatientName,
		},
		AuthoredOn: r.RequestedAt,
		Requester:  &Reference{Type: "Organization", Display: r.OriginHospital},
		Performer:  []Reference{{Type: "Organization", Display: r.DestinationHospital}},
	}
	if last, ok := r.LastAudit(); ok {
		sr.Meta.LastUpdated = last.Timestamp
	}

	if r.AcceptedReason != "" && r.AcceptedAt != nil {
		sr.Note = append(sr.Note, note(r, referral.StatusAccepted, *r.AcceptedAt, r.AcceptedReason))
	}
	if r.Status == referral.StatusRejected && r.RejectedReason != "" {
		last, _ := r.LastAudit()
		sr.Note = append(sr.Note, note(r, referral.StatusRejected, last.Timestamp, r.RejectedReason))
	}
	return sr
}

func note(r referral.Referral, s referral.Status, at time.Time, text string) Annotation {
	author := ""
	for i := len(r.AuditLog) - 1; i >= 0; i-- {
		if r.AuditLog[i].Status == s {
			author = r.AuditLog[i].Actor
			break
		}
	}
	return Annotation{AuthorString: author, Time: at, Text: string(s) + ": " + text}
}
