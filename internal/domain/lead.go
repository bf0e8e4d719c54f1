// Package domain contains core domain types for the lead qualification service.
package domain

import (
	"time"
)

// LeadStatus tracks where a lead is in the qualification funnel.
type LeadStatus string

const (
	LeadStatusNew                 LeadStatus = "new"
	LeadStatusCollecting          LeadStatus = "collecting"
	LeadStatusConfirmationPending LeadStatus = "confirmation_pending"
	LeadStatusConfirmed           LeadStatus = "confirmed"
)

// IsValid reports whether s is one of the known statuses.
func (s LeadStatus) IsValid() bool {
	switch s {
	case LeadStatusNew, LeadStatusCollecting, LeadStatusConfirmationPending, LeadStatusConfirmed:
		return true
	}
	return false
}

// LeadProfile is the persisted lead record.
type LeadProfile struct {
	LeadID    string     `json:"lead_id" validate:"required,max=100"`
	Name      string     `json:"name" validate:"omitempty,max=100"`
	Age       string     `json:"age" validate:"omitempty,numeric,max=3"`
	Country   string     `json:"country" validate:"omitempty,max=100"`
	Interest  string     `json:"interest" validate:"omitempty,max=100"`
	Status    LeadStatus `json:"status" validate:"required,oneof=new collecting confirmation_pending confirmed"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsConfirmed returns true once the lead has passed the confirmation gate.
func (p *LeadProfile) IsConfirmed() bool {
	return p.Status == LeadStatusConfirmed
}

// Recommendation is a product suggestion produced after a lead is confirmed.
type Recommendation struct {
	LeadID    string    `json:"lead_id"`
	Query     string    `json:"query"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Metric is a single recorded system metric sample.
type Metric struct {
	Name       string         `json:"metric_name"`
	Value      float64        `json:"metric_value"`
	Data       map[string]any `json:"metric_data,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// LeadStats aggregates lead counts for analytics.
type LeadStats struct {
	Total          int                `json:"total_leads"`
	ByStatus       map[LeadStatus]int `json:"by_status"`
	ActiveSessions int                `json:"active_sessions"`
	ConversionRate float64            `json:"conversion_rate"`
}
