// Package notify turns committed referral events into notifications for
// the counter-party hospital and delivers them.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

// ErrUnsupportedEvent is returned for event types that notify nobody.
var ErrUnsupportedEvent = errors.New("event type has no notification")

// Notification is one message to a hospital about a referral.
type Notification struct {
	ID            string             `json:"id"`
	EventType     referral.EventType `json:"eventType"`
	ReferralID    string             `json:"referralId"`
	Number        string             `json:"number"`
	PatientHN     string             `json:"patientHN"`
	Direction     referral.Direction `json:"direction"`
	Status        referral.Status    `json:"status"`
	Urgency       referral.Urgency   `json:"urgency"`
	Recipient     string             `json:"recipient"`
	Sender        string             `json:"sender"`
	Message       string             `json:"message"`
	Actor         string             `json:"actor,omitempty"`
	CorrelationID string             `json:"correlationId,omitempty"`
	At            time.Time          `json:"at"`
}

// FromEvent builds the notification for event. A new or cancelled
// referral is announced to the destination hospital; an accepted or
// rejected one is reported back to the origin.
func FromEvent(event *referral.Event) (Notification, error) {
	data, err := event.Decode()
	if err != nil {
		return Notification{}, fmt.Errorf("decode event %s: %w", event.ID, err)
	}

	n := Notification{
		ID:            event.ID,
		EventType:     event.EventType,
		ReferralID:    data.ReferralID,
		Number:        data.Number,
		PatientHN:     data.PatientHN,
		Direction:     data.Direction,
		Status:        data.To,
		Urgency:       data.Urgency,
		Actor:         event.Actor,
		CorrelationID: event.CorrelationID,
		At:            data.At,
	}

	origin := referral.DisplayHospitalName(data.OriginHospital)
	destination := referral.DisplayHospitalName(data.DestinationHospital)

	switch event.EventType {
	case referral.EventReferralCreated:
		n.Recipient, n.Sender = data.DestinationHospital, data.OriginHospital
		n.Message = fmt.Sprintf("New %s referral %s from %s", strings.ToLower(string(data.Urgency)), data.Number, origin)
	case referral.EventReferralAccepted:
		n.Recipient, n.Sender = data.OriginHospital, data.DestinationHospital
		n.Message = fmt.Sprintf("Referral %s was accepted by %s", data.Number, destination)
	case referral.EventReferralRejected:
		n.Recipient, n.Sender = data.OriginHospital, data.DestinationHospital
		n.Message = fmt.Sprintf("Referral %s was rejected by %s", data.Number, destination)
	case referral.EventReferralCancelled:
		n.Recipient, n.Sender = data.DestinationHospital, data.OriginHospital
		n.Message = fmt.Sprintf("Referral %s was cancelled by %s", data.Number, origin)
	default:
		return Notification{}, fmt.Errorf("%s: %w", event.EventType, ErrUnsupportedEvent)
	}

	if data.Description != "" && event.EventType != referral.EventReferralCreated {
		n.Message += ": " + data.Description
	}
	if n.Recipient == "" {
		return Notification{}, fmt.Errorf("referral %s has no recipient hospital: %w", data.ReferralID, ErrUnsupportedEvent)
	}
	return n, nil
}
