package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/session"
	"github.com/ashureev/leadqual/internal/shared"
)

// ErrIncomplete is returned when finalizing a lead with unset slots.
var ErrIncomplete = errors.New("lead profile is incomplete")

// LeadWriter persists finalized lead records.
type LeadWriter interface {
	UpsertLeadProfile(ctx context.Context, profile *domain.LeadProfile) error
}

// Gate finalizes a lead exactly once. The status flip happens inside the
// session's critical section; persistence and the confirmation event happen
// after it, and only for the caller that performed the flip.
type Gate struct {
	store  *session.Store
	leads  LeadWriter
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a confirmation gate. leads and events may be nil.
func NewGate(store *session.Store, leads LeadWriter, events Publisher, logger *slog.Logger, now func() time.Time) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, leads: leads, events: events, logger: logger, now: now}
}

// Finalize confirms leadID. Finalizing an already confirmed lead returns the
// existing record without writing again.
func (g *Gate) Finalize(ctx context.Context, leadID string) (domain.LeadProfile, error) {
	if leadID == "" {
		return domain.LeadProfile{}, ErrEmptyLeadID
	}
	now := g.now()

	var flipped bool
	st, err := g.store.Mutate(ctx, leadID, func(st *domain.SessionState) error {
		ok, err := g.apply(st, now)
		flipped = ok
		return err
	})
	if err != nil {
		return domain.LeadProfile{}, fmt.Errorf("finalize lead %s: %w", leadID, err)
	}

	profile := st.Profile(now)
	if flipped {
		g.commit(ctx, profile)
	}
	return profile, nil
}

// apply performs the check-and-set on a session already held under its lock.
// It reports whether this call flipped the status to confirmed.
func (g *Gate) apply(st *domain.SessionState, now time.Time) (bool, error) {
	if st.Status == domain.LeadStatusConfirmed {
		return false, nil
	}
	if !st.Slots.Complete() {
		return false, ErrIncomplete
	}

	st.Status = domain.LeadStatusConfirmed
	st.Stage = domain.StageComplete
	st.PendingConfirmation = false
	st.ConfirmedAt = &now
	return true, nil
}

// commit persists the confirmed profile and announces it. Failures are logged;
// the in-memory confirmation stands.
func (g *Gate) commit(ctx context.Context, profile domain.LeadProfile) {
	ctx = context.WithoutCancel(ctx)

	if g.leads != nil {
		err := shared.RetrySQLite(ctx, 3, 50*time.Millisecond, func(ctx context.Context) error {
			return g.leads.UpsertLeadProfile(ctx, &profile)
		})
		if err != nil {
			g.logger.Warn("Lead persistence degraded", "lead_id", profile.LeadID, "error", err)
		}
	}

	if g.events != nil {
		if err := g.events.LeadConfirmed(ctx, profile); err != nil {
			g.logger.Warn("Failed to publish lead confirmation", "lead_id", profile.LeadID, "error", err)
		}
	}

	g.logger.Info("Lead confirmed", "lead_id", profile.LeadID, "interest", profile.Interest)
}
