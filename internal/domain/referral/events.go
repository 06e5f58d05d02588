package referral

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventReferralCreated   EventType = "ReferralCreated"
	EventReferralAccepted  EventType = "ReferralAccepted"
	EventReferralRejected  EventType = "ReferralRejected"
	EventReferralCancelled EventType = "ReferralCancelled"
)

// AggregateType is stamped on every referral event.
const AggregateType = "Referral"

// Event is published once per successful mutation.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
	ActorRole     Role            `json:"actor_role,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// TransitionData is the payload of every referral event.
type TransitionData struct {
	ReferralID          string     `json:"referral_id"`
	Number              string     `json:"number"`
	Direction           Direction  `json:"direction"`
	From                Status     `json:"from,omitempty"`
	To                  Status     `json:"to"`
	PatientHN           string     `json:"patient_hn"`
	OriginHospital      string     `json:"origin_hospital"`
	DestinationHospital string     `json:"destination_hospital"`
	Urgency             Urgency    `json:"urgency"`
	Description         string     `json:"description"`
	At                  time.Time  `json:"at"`
	AcceptedAt          *time.Time `json:"accepted_at,omitempty"`
}

// NewTransitionEvent builds the event for a referral that has just moved
// from status from to its current status.
func NewTransitionEvent(eventType EventType, from Status, r Referral) (*Event, error) {
	last, _ := r.LastAudit()
	data := &TransitionData{
		ReferralID:          r.ID,
		Number:              r.Number,
		Direction:           r.Direction,
		From:                from,
		To:                  r.Status,
		PatientHN:           r.PatientHN,
		OriginHospital:      r.OriginHospital,
		DestinationHospital: r.DestinationHospital,
		Urgency:             r.Urgency,
		Description:         last.Description,
		At:                  last.Timestamp,
		AcceptedAt:          r.AcceptedAt,
	}
	event, err := NewEvent(r.ID, eventType, data)
	if err != nil {
		return nil, err
	}
	event.Version = len(r.AuditLog)
	event.Actor = last.Actor
	return event, nil
}

// WithActor sets audit fields
func (e *Event) WithActor(actor string, role Role, correlationID string) *Event {
	e.Actor = actor
	e.ActorRole = role
	e.CorrelationID = correlationID
	return e
}

// Decode unmarshals the event payload.
func (e *Event) Decode() (*TransitionData, error) {
	var data TransitionData
	if err := json.Unmarshal(e.EventData, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
