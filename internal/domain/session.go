package domain

import (
	"time"
)

// Stage is the dialogue state for a lead's session.
type Stage string

const (
	StageGreeting     Stage = "GREETING"
	StageName         Stage = "NAME"
	StageAge          Stage = "AGE"
	StageCountry      Stage = "COUNTRY"
	StageInterest     Stage = "INTEREST"
	StageConfirmation Stage = "CONFIRMATION"
	StageComplete     Stage = "COMPLETE"
)

// Field names one of the four required lead attributes.
type Field string

const (
	FieldName     Field = "name"
	FieldAge      Field = "age"
	FieldCountry  Field = "country"
	FieldInterest Field = "interest"
)

// FieldOrder is the fixed collection priority.
var FieldOrder = []Field{FieldName, FieldAge, FieldCountry, FieldInterest}

// StageFor returns the collection stage that focuses on f.
func StageFor(f Field) Stage {
	switch f {
	case FieldName:
		return StageName
	case FieldAge:
		return StageAge
	case FieldCountry:
		return StageCountry
	case FieldInterest:
		return StageInterest
	}
	return StageConfirmation
}

// Label returns the user-facing name of the field.
func (f Field) Label() string {
	if f == FieldInterest {
		return "product interest"
	}
	return string(f)
}

// Slots holds the collected attribute values. Empty means unset.
type Slots struct {
	Name     string `json:"name"`
	Age      string `json:"age"`
	Country  string `json:"country"`
	Interest string `json:"interest"`
}

// Get returns the value of field f.
func (s Slots) Get(f Field) string {
	switch f {
	case FieldName:
		return s.Name
	case FieldAge:
		return s.Age
	case FieldCountry:
		return s.Country
	case FieldInterest:
		return s.Interest
	}
	return ""
}

// Set stores v in field f.
func (s *Slots) Set(f Field, v string) {
	switch f {
	case FieldName:
		s.Name = v
	case FieldAge:
		s.Age = v
	case FieldCountry:
		s.Country = v
	case FieldInterest:
		s.Interest = v
	}
}

// FirstMissing returns the first unset field in collection order.
func (s Slots) FirstMissing() (Field, bool) {
	for _, f := range FieldOrder {
		if s.Get(f) == "" {
			return f, true
		}
	}
	return "", false
}

// Missing returns the labels of all unset fields in collection order.
func (s Slots) Missing() []string {
	missing := []string{}
	for _, f := range FieldOrder {
		if s.Get(f) == "" {
			missing = append(missing, f.Label())
		}
	}
	return missing
}

// Complete reports whether all four fields are set.
func (s Slots) Complete() bool {
	_, missing := s.FirstMissing()
	return !missing
}

// SessionState is the per-lead dialogue state owned by the session store.
type SessionState struct {
	LeadID              string     `json:"lead_id"`
	SessionID           string     `json:"session_id"`
	Stage               Stage      `json:"stage"`
	Slots               Slots      `json:"collected_slots"`
	PendingConfirmation bool       `json:"pending_confirmation"`
	FollowUpCount       int        `json:"follow_up_count"`
	LastActivityAt      time.Time  `json:"last_activity_at"`
	IsActive            bool       `json:"is_active"`
	Status              LeadStatus `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	ConfirmedAt         *time.Time `json:"confirmed_at,omitempty"`
}

// NewSessionState returns a fresh session in the GREETING stage.
func NewSessionState(leadID, sessionID string, now time.Time) SessionState {
	return SessionState{
		LeadID:         leadID,
		SessionID:      sessionID,
		Stage:          StageGreeting,
		LastActivityAt: now,
		IsActive:       true,
		Status:         LeadStatusNew,
		CreatedAt:      now,
	}
}

// IsComplete reports whether the session reached the terminal stage.
func (s *SessionState) IsComplete() bool {
	return s.Stage == StageComplete
}

// Profile projects the session onto the persisted lead record shape.
func (s *SessionState) Profile(now time.Time) LeadProfile {
	return LeadProfile{
		LeadID:    s.LeadID,
		Name:      s.Slots.Name,
		Age:       s.Slots.Age,
		Country:   s.Slots.Country,
		Interest:  s.Slots.Interest,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand out of the store.
func (s SessionState) Clone() SessionState {
	if s.ConfirmedAt != nil {
		t := *s.ConfirmedAt
		s.ConfirmedAt = &t
	}
	return s
}
