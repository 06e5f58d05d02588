// Package r5 provides the FHIR R5 structures used to expose referrals to
// other systems in the care network.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
	Tag         []Coding  `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string           `json:"use,omitempty"` // usual | official | temp | secondary | old
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string    `json:"authorString,omitempty"`
	Time         time.Time `json:"time,omitempty"`
	Text         string    `json:"text"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL         string  `json:"url"`
	ValueString string  `json:"valueString,omitempty"`
	ValueCode   string  `json:"valueCode,omitempty"`
	ValueCoding *Coding `json:"valueCoding,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"` // fatal | error | warning | information
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// Code systems
const (
	SystemSNOMED           = "http://snomed.info/sct"
	SystemReferralNumber   = "https://cleftcare.example.org/fhir/sid/referral-number"
	SystemHN               = "https://cleftcare.example.org/fhir/sid/hn"
	SystemReferralStatus   = "https://cleftcare.example.org/fhir/CodeSystem/referral-status"
	ExtReferralStatus      = "https://cleftcare.example.org/fhir/StructureDefinition/referral-status"
	ExtReferralDirection   = "https://cleftcare.example.org/fhir/StructureDefinition/referral-direction"
	ExtReferralCreatorRole = "https://cleftcare.example.org/fhir/StructureDefinition/referral-creator-role"
)

// ServiceRequest statuses
const (
	StatusDraft          = "draft"
	StatusActive         = "active"
	StatusOnHold         = "on-hold"
	StatusRevoked        = "revoked"
	StatusCompleted      = "completed"
	StatusEnteredInError = "entered-in-error"
	StatusUnknown        = "unknown"
)

// ServiceRequest priorities
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityASAP    = "asap"
	PriorityStat    = "stat"
)
