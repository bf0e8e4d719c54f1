package domain

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one append-only entry in a lead's conversation.
type ConversationTurn struct {
	LeadID    string         `json:"lead_id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FollowUpMessage is a re-engagement message queued for a lead.
type FollowUpMessage struct {
	ID          string     `json:"id"`
	LeadID      string     `json:"lead_id"`
	Message     string     `json:"message"`
	Sequence    int        `json:"sequence"`
	CreatedAt   time.Time  `json:"created_at"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}
