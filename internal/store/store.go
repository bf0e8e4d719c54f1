// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/leadqual/internal/domain"
)

// ErrNotFound is returned when a requested lead does not exist.
var ErrNotFound = errors.New("not found")

// LeadFilter narrows ListLeads. Page is 1-based.
type LeadFilter struct {
	Status  domain.LeadStatus
	Page    int
	PerPage int
}

// Repository defines the interface for persisting leads, sessions, and conversations.
type Repository interface {
	// LoadSession returns the stored session for a lead, or nil when none exists.
	LoadSession(ctx context.Context, leadID string) (*domain.SessionState, error)

	// SaveSession creates or updates session state and the lead's progress row.
	SaveSession(ctx context.Context, state *domain.SessionState) error

	// ListActiveSessions returns sessions that have not been deactivated.
	ListActiveSessions(ctx context.Context) ([]domain.SessionState, error)

	// DeactivateInactiveSessions marks sessions idle since before cutoff as inactive.
	DeactivateInactiveSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// UpsertLeadProfile writes the finalized lead record.
	UpsertLeadProfile(ctx context.Context, profile *domain.LeadProfile) error

	// GetLead returns ErrNotFound when the lead is unknown.
	GetLead(ctx context.Context, leadID string) (*domain.LeadProfile, error)

	// ListLeads returns one page of leads, newest first, and the total match count.
	ListLeads(ctx context.Context, filter LeadFilter) ([]domain.LeadProfile, int, error)

	// LeadStats aggregates lead counts.
	LeadStats(ctx context.Context) (domain.LeadStats, error)

	// AppendTurn appends one conversation turn.
	AppendTurn(ctx context.Context, turn *domain.ConversationTurn) error

	// ListTurns returns the most recent turns for a lead in chronological order.
	ListTurns(ctx context.Context, leadID string, limit int) ([]domain.ConversationTurn, error)

	// SaveFollowUp records a queued follow-up message.
	SaveFollowUp(ctx context.Context, msg *domain.FollowUpMessage) error

	// MarkFollowUpsDelivered flags every undelivered follow-up for a lead.
	MarkFollowUpsDelivered(ctx context.Context, leadID string, at time.Time) (int64, error)

	// SaveRecommendation stores a product recommendation.
	SaveRecommendation(ctx context.Context, rec *domain.Recommendation) error

	// ListRecommendations returns recommendations for a lead, newest first.
	ListRecommendations(ctx context.Context, leadID string) ([]domain.Recommendation, error)

	// RecordMetric stores a metric sample.
	RecordMetric(ctx context.Context, m *domain.Metric) error

	// RecentMetrics returns the latest metric samples, newest first.
	RecentMetrics(ctx context.Context, limit int) ([]domain.Metric, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
