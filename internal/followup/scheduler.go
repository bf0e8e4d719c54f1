// Package followup re-engages leads who went quiet mid-conversation and
// retires sessions that have been idle for too long.
package followup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/leadqual/internal/dialogue"
	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/session"
)

// Defaults for Config.
const (
	DefaultWarmUp              = 10 * time.Second
	DefaultInterval            = 30 * time.Second
	DefaultInactivityThreshold = time.Minute
	DefaultMaxFollowUps        = 3
	DefaultCleanupInterval     = time.Hour
	DefaultRetentionWindow     = 24 * time.Hour
	deliveryTimeout            = 5 * time.Second
)

var errNotDue = errors.New("follow-up no longer due")

// Repository records follow-ups and retires idle sessions.
type Repository interface {
	SaveFollowUp(ctx context.Context, msg *domain.FollowUpMessage) error
	DeactivateInactiveSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier pushes a follow-up to live connections. It reports whether at
// least one connection received it.
type Notifier interface {
	PushFollowUp(leadID string, msg domain.FollowUpMessage) bool
}

// Publisher announces sent follow-ups.
type Publisher interface {
	FollowUpSent(ctx context.Context, msg domain.FollowUpMessage) error
}

// Config configures a Scheduler.
type Config struct {
	WarmUp              time.Duration
	Interval            time.Duration
	InactivityThreshold time.Duration
	MaxFollowUps        int
	CleanupInterval     time.Duration
	RetentionWindow     time.Duration
}

func (c *Config) applyDefaults() {
	if c.WarmUp <= 0 {
		c.WarmUp = DefaultWarmUp
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = DefaultInactivityThreshold
	}
	if c.MaxFollowUps <= 0 {
		c.MaxFollowUps = DefaultMaxFollowUps
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
}

// Scheduler periodically sweeps resident sessions for follow-ups.
type Scheduler struct {
	cfg      Config
	store    *session.Store
	composer *dialogue.Composer
	outbox   Outbox
	repo     Repository
	notifier Notifier
	events   Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRepository records follow-ups durably and enables session retirement there.
func WithRepository(r Repository) Option { return func(s *Scheduler) { s.repo = r } }

// WithNotifier pushes follow-ups to live connections.
func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithPublisher announces every sent follow-up.
func WithPublisher(p Publisher) Option { return func(s *Scheduler) { s.events = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a Scheduler. A nil outbox uses an in-memory one.
func New(cfg Config, store *session.Store, composer *dialogue.Composer, outbox Outbox, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	if composer == nil {
		composer = dialogue.NewComposer(dialogue.ComposerConfig{})
	}
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		composer: composer,
		outbox:   outbox,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until ctx is cancelled. The first sweep happens after the warm-up delay.
func (s *Scheduler) Run(ctx context.Context) {
	warmUp := time.NewTimer(s.cfg.WarmUp)
	defer warmUp.Stop()

	s.logger.Info("Follow-up scheduler started",
		"warm_up", s.cfg.WarmUp,
		"interval", s.cfg.Interval,
		"inactivity_threshold", s.cfg.InactivityThreshold,
		"max_follow_ups", s.cfg.MaxFollowUps,
	)

	select {
	case <-warmUp.C:
	case <-ctx.Done():
		s.logger.Info("Follow-up scheduler shutting down", "reason", ctx.Err())
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-cleanup.C:
			s.Cleanup(ctx)
		case <-ctx.Done():
			s.logger.Info("Follow-up scheduler shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Start runs the scheduler in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	go s.Run(ctx)
}

// due reports whether st should receive its next follow-up at now. Each
// follow-up waits one more inactivity threshold than the previous one.
func (s *Scheduler) due(st domain.SessionState, now time.Time) bool {
	if !st.IsActive || st.Stage == domain.StageComplete || st.FollowUpCount >= s.cfg.MaxFollowUps {
		return false
	}
	wait := s.cfg.InactivityThreshold * time.Duration(st.FollowUpCount+1)
	return now.Sub(st.LastActivityAt) >= wait
}

// Sweep sends every due follow-up and returns how many were sent.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.now()
	candidates := s.store.Snapshot(func(st domain.SessionState) bool { return s.due(st, now) })
	if len(candidates) == 0 {
		return 0
	}

	sent := 0
	for _, st := range candidates {
		if ctx.Err() != nil {
			break
		}
		if err := s.followUp(ctx, st.LeadID, now); err != nil {
			if !errors.Is(err, errNotDue) {
				s.logger.Warn("Follow-up failed", "lead_id", st.LeadID, "error", err)
			}
			continue
		}
		sent++
	}

	if sent > 0 {
		s.logger.Info("Follow-up sweep completed", "candidates", len(candidates), "sent", sent)
	}
	return sent
}

// followUp reserves the next follow-up slot under the session lock, then
// delivers outside it. The counter stands even if delivery fails.
func (s *Scheduler) followUp(ctx context.Context, leadID string, now time.Time) error {
	var count int
	st, err := s.store.Mutate(ctx, leadID, func(st *domain.SessionState) error {
		if !s.due(*st, now) {
			return errNotDue
		}
		count = st.FollowUpCount
		st.FollowUpCount++
		return nil
	})
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	text := dialogue.FollowUp(count, st.Slots.Name)
	if s.composer.HasGenerator() {
		text = s.composer.Rephrase(dctx, text, st.Slots)
	}

	msg := domain.FollowUpMessage{
		ID:        uuid.NewString(),
		LeadID:    leadID,
		Message:   text,
		Sequence:  count + 1,
		CreatedAt: now,
	}

	if s.notifier != nil && s.notifier.PushFollowUp(leadID, msg) {
		delivered := now
		msg.Delivered = true
		msg.DeliveredAt = &delivered
	}

	if s.repo != nil {
		if err := s.repo.SaveFollowUp(dctx, &msg); err != nil {
			s.logger.Warn("Failed to record follow-up", "lead_id", leadID, "error", err)
		}
	}

	if !msg.Delivered {
		if err := s.outbox.Enqueue(dctx, msg); err != nil {
			return err
		}
	}

	if s.events != nil {
		if err := s.events.FollowUpSent(dctx, msg); err != nil {
			s.logger.Warn("Failed to publish follow-up", "lead_id", leadID, "error", err)
		}
	}

	s.logger.Debug("Follow-up sent", "lead_id", leadID, "sequence", msg.Sequence, "live", msg.Delivered)
	return nil
}

// Cleanup deactivates sessions idle longer than the retention window. With a
// durable repository they are also released from memory.
func (s *Scheduler) Cleanup(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.RetentionWindow)
	stale := s.store.Snapshot(func(st domain.SessionState) bool {
		return st.LastActivityAt.Before(cutoff)
	})

	retired := 0
	for _, st := range stale {
		_, err := s.store.Mutate(ctx, st.LeadID, func(st *domain.SessionState) error {
			if !st.LastActivityAt.Before(cutoff) {
				return errNotDue
			}
			st.IsActive = false
			return nil
		})
		if err != nil {
			continue
		}
		// A message that landed after the mutation keeps the session resident.
		if s.repo != nil {
			s.store.Evict(st.LeadID, func(cur domain.SessionState) bool {
				return !cur.IsActive && cur.LastActivityAt.Before(cutoff)
			})
		}
		retired++
	}

	if s.repo != nil {
		n, err := s.repo.DeactivateInactiveSessions(ctx, cutoff)
		if err != nil {
			s.logger.Error("Failed to deactivate inactive sessions", "error", err)
		} else if n > 0 {
			s.logger.Info("Deactivated inactive sessions", "count", n)
		}
	}

	if retired > 0 {
		s.logger.Info("Session cleanup completed", "retired", retired, "retention", s.cfg.RetentionWindow)
	}
	return retired
}
