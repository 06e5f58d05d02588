package r5

import "time"

// ServiceRequest is the FHIR resource a referral is projected onto.
type ServiceRequest struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Meta         *Meta             `json:"meta,omitempty"`
	Extension    []Extension       `json:"extension,omitempty"`
	Identifier   []Identifier      `json:"identifier,omitempty"`
	Status       string            `json:"status"`
	Intent       string            `json:"intent"`
	Category     []CodeableConcept `json:"category,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	Code         *CodeableConcept  `json:"code,omitempty"`
	Subject      Reference         `json:"subject"`
	AuthoredOn   time.Time         `json:"authoredOn,omitempty"`
	Requester    *Reference        `json:"requester,omitempty"`
	Performer    []Reference       `json:"performer,omitempty"`
	Note         []Annotation      `json:"note,omitempty"`
}

// ExtensionValue returns the first extension with url.
func (s *ServiceRequest) ExtensionValue(url string) (Extension, bool) {
	for _, ext := range s.Extension {
		if ext.URL == url {
			return ext, true
		}
	}
	return Extension{}, false
}

// GetIdentifier returns the identifier value for system.
func (s *ServiceRequest) GetIdentifier(system string) string {
	for _, id := range s.Identifier {
		if id.System == system {
			return id.Value
		}
	}
	return ""
}
