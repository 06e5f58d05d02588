package referral

import "time"

var (
	bangkok = time.FixedZone("ICT", 7*3600)
	day1    = time.Date(2024, 3, 1, 9, 30, 0, 0, bangkok)
	day2    = time.Date(2024, 3, 2, 8, 15, 0, 0, bangkok)
)

// canonical builds a valid referral in status s with a one entry audit log.
func canonical(id string, d Direction, s Status, at time.Time) Referral {
	r := Referral{
		ID:                  id,
		Number:              "RF-" + id,
		Direction:           d,
		Status:              s,
		PatientName:         "patient " + id,
		PatientHN:           "HN" + id,
		OriginHospital:      "โรงพยาบาลมหาราชนครเชียงใหม่",
		DestinationHospital: "โรงพยาบาลลำพูน",
		Urgency:             UrgencyRoutine,
		RequestedAt:         at,
		CreatorRole:         RoleCaseManager,
		AuditLog: []AuditEntry{{
			Status:      s,
			Timestamp:   at,
			Description: "seed",
			Actor:       "test",
		}},
	}
	if s == StatusAccepted {
		t := at
		r.AcceptedAt = &t
	}
	if s == StatusRejected {
		r.RejectedReason = "seed"
	}
	return r
}
