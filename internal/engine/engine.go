// Package engine exposes the lead qualification conversation operations and
// wires the dialogue machine to the session store and its collaborators.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/leadqual/internal/dialogue"
	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/session"
)

// ErrEmptyLeadID is returned when an operation needs a lead ID and none was given.
var ErrEmptyLeadID = errors.New("lead id is required")

const (
	defaultPersistTimeout = 3 * time.Second
	maxMessageLength      = 2000
)

// Metric names recorded by the engine.
const (
	MetricChatMessages         = "chat_messages"
	MetricConversationsStarted = "conversations_started"
	MetricLeadsConfirmed       = "leads_confirmed"
	MetricFollowUpSent         = "follow_up_sent"
)

// Repository is the durable collaborator the engine writes through.
type Repository interface {
	UpsertLeadProfile(ctx context.Context, profile *domain.LeadProfile) error
	AppendTurn(ctx context.Context, turn *domain.ConversationTurn) error
	ListTurns(ctx context.Context, leadID string, limit int) ([]domain.ConversationTurn, error)
	RecordMetric(ctx context.Context, m *domain.Metric) error
	MarkFollowUpsDelivered(ctx context.Context, leadID string, at time.Time) (int64, error)
	SaveRecommendation(ctx context.Context, rec *domain.Recommendation) error
}

// Outbox holds follow-up messages waiting to be polled.
type Outbox interface {
	Drain(ctx context.Context, leadID string) ([]domain.FollowUpMessage, error)
}

// Publisher announces lead lifecycle events.
type Publisher interface {
	LeadConfirmed(ctx context.Context, profile domain.LeadProfile) error
}

// Transcript receives every conversation turn for offline review.
type Transcript interface {
	Record(turn domain.ConversationTurn)
}

// Reply is the result of one user message.
type Reply struct {
	Reply         string            `json:"reply"`
	StageComplete bool              `json:"stage_complete"`
	MissingFields []string          `json:"missing_fields"`
	Stage         domain.Stage      `json:"stage"`
	Status        domain.LeadStatus `json:"status"`
}

// FollowUpPoll is the result of polling for a pending follow-up.
type FollowUpPoll struct {
	HasMessage bool      `json:"has_follow_up"`
	Text       string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status is a read-only view of a lead's session.
type Status struct {
	LeadID         string            `json:"lead_id"`
	Stage          domain.Stage      `json:"stage"`
	Slots          domain.Slots      `json:"collected_data"`
	IsActive       bool              `json:"is_active"`
	Status         domain.LeadStatus `json:"status"`
	MissingFields  []string          `json:"missing_fields"`
	FollowUpCount  int               `json:"follow_up_count"`
	LastActivityAt time.Time         `json:"last_activity"`
}

// Config holds the engine's collaborators. Only Store is required.
type Config struct {
	Store       *session.Store
	Machine     *dialogue.Machine
	Composer    *dialogue.Composer
	Repo        Repository
	Outbox      Outbox
	Events      Publisher
	Transcript  Transcript
	Recommender Recommender
	Logger      *slog.Logger
	Now         func() time.Time
	// PersistTimeout bounds best-effort writes made after a reply is decided.
	PersistTimeout time.Duration
}

// Engine runs conversations. It is safe for concurrent use.
type Engine struct {
	store       *session.Store
	machine     *dialogue.Machine
	composer    *dialogue.Composer
	repo        Repository
	outbox      Outbox
	transcript  Transcript
	recommender Recommender
	gate        *Gate
	logger      *slog.Logger
	now         func() time.Time
	timeout     time.Duration
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: session store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Machine == nil {
		cfg.Machine = dialogue.NewMachine(nil)
	}
	if cfg.Composer == nil {
		minAge, maxAge := cfg.Machine.Extractor().AgeBounds()
		cfg.Composer = dialogue.NewComposer(dialogue.ComposerConfig{MinAge: minAge, MaxAge: maxAge, Logger: cfg.Logger})
	}
	if cfg.Recommender == nil {
		cfg.Recommender = CatalogRecommender{}
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	var leads LeadWriter
	if cfg.Repo != nil {
		leads = cfg.Repo
	}

	e := &Engine{
		store:       cfg.Store,
		machine:     cfg.Machine,
		composer:    cfg.Composer,
		repo:        cfg.Repo,
		outbox:      cfg.Outbox,
		transcript:  cfg.Transcript,
		recommender: cfg.Recommender,
		logger:      cfg.Logger,
		now:         cfg.Now,
		timeout:     cfg.PersistTimeout,
	}
	e.gate = NewGate(cfg.Store, leads, cfg.Events, cfg.Logger, cfg.Now)
	return e, nil
}

// Gate returns the engine's confirmation gate.
func (e *Engine) Gate() *Gate {
	return e.gate
}

// StartConversation opens or resumes a conversation. An empty leadID gets a
// fresh UUID. A supplied name is stored when the lead has none yet.
func (e *Engine) StartConversation(ctx context.Context, leadID, name string) (string, string, error) {
	if leadID == "" {
		leadID = uuid.NewString()
	}
	now := e.now()

	var fresh, named bool
	st, err := e.store.Mutate(ctx, leadID, func(st *domain.SessionState) error {
		fresh = st.Stage == domain.StageGreeting
		st.LastActivityAt = now
		st.IsActive = true
		if name != "" && st.Slots.Name == "" {
			if n, ok := e.machine.Extractor().FormName(name); ok {
				st.Slots.Name = n
				named = true
			}
		}
		dialogue.Reconcile(st)
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("start conversation: %w", err)
	}

	var req dialogue.Request
	switch {
	case fresh && !named:
		req = dialogue.Request{Stage: domain.StageGreeting, Slots: st.Slots}
	case fresh:
		req = dialogue.Request{Stage: st.Stage, Slots: st.Slots}
	default:
		req = dialogue.Request{Stage: st.Stage, Slots: st.Slots, Hint: dialogue.HintRetry}
	}
	reply := e.composer.Compose(ctx, req)

	e.logger.Info("Conversation started", "lead_id", leadID, "resumed", !fresh, "stage", st.Stage)
	if fresh {
		e.recordMetric(ctx, MetricConversationsStarted, map[string]any{"lead_id": leadID})
	}
	e.recordTurn(ctx, st, domain.RoleAssistant, reply, map[string]any{"stage": string(st.Stage)})
	return leadID, reply, nil
}

// SendMessage processes one user message for leadID.
func (e *Engine) SendMessage(ctx context.Context, leadID, text string) (Reply, error) {
	if leadID == "" {
		return Reply{}, ErrEmptyLeadID
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		text = string([]rune(text)[:maxMessageLength])
	}
	now := e.now()

	var (
		tr        dialogue.Transition
		exit      bool
		suggest   bool
		finalized bool
	)
	st, err := e.store.Mutate(ctx, leadID, func(st *domain.SessionState) error {
		st.LastActivityAt = now
		st.IsActive = true

		if st.Stage != domain.StageComplete && dialogue.IsExitCommand(text) {
			exit = true
			st.IsActive = false
			return nil
		}

		tr = e.machine.Advance(*st, text)
		*st = tr.State
		suggest = isCollecting(tr.From) && !tr.Extraction.Accepted() && dialogue.IsSuggestionRequest(text)

		if tr.Confirmed {
			ok, err := e.gate.apply(st, now)
			if err != nil {
				return err
			}
			finalized = ok
		}
		return nil
	})
	if err != nil {
		return Reply{}, fmt.Errorf("send message: %w", err)
	}

	if finalized {
		e.gate.commit(ctx, st.Profile(now))
		e.recordMetric(ctx, MetricLeadsConfirmed, map[string]any{"lead_id": leadID})
	}

	reply := e.composer.Compose(ctx, e.replyRequest(st, tr, exit, suggest))

	e.logger.Debug("Message processed",
		"lead_id", leadID,
		"from", tr.From,
		"stage", st.Stage,
		"focus", tr.Focus,
		"outcome", tr.Extraction.Outcome.String(),
	)

	e.recordTurn(ctx, st, domain.RoleUser, text, map[string]any{"stage": string(tr.From)})
	e.recordTurn(ctx, st, domain.RoleAssistant, reply, map[string]any{"stage": string(st.Stage)})
	e.recordMetric(ctx, MetricChatMessages, map[string]any{"lead_id": leadID, "stage": string(st.Stage)})

	return Reply{
		Reply:         reply,
		StageComplete: !exit && tr.Advanced,
		MissingFields: st.Slots.Missing(),
		Stage:         st.Stage,
		Status:        st.Status,
	}, nil
}

func (e *Engine) replyRequest(st domain.SessionState, tr dialogue.Transition, exit, suggest bool) dialogue.Request {
	req := dialogue.Request{Stage: st.Stage, Slots: st.Slots}
	switch {
	case exit:
		req.Hint = dialogue.HintExit
	case tr.From == domain.StageComplete:
		// Post-completion acknowledgement.
	case tr.Confirmed:
		req.Hint = dialogue.HintConfirmed
	case tr.From == domain.StageConfirmation && tr.Corrected:
		req.Hint = dialogue.HintCorrected
	case tr.From == domain.StageConfirmation && st.Stage == domain.StageConfirmation:
		req.Hint = dialogue.HintCorrectionRequest
	case suggest:
		req.Hint = dialogue.HintSuggestions
	case tr.Extraction.Accepted():
		// First ask for the next field.
	case tr.From == domain.StageGreeting:
		req.Stage = domain.StageGreeting
	case tr.Extraction.Outcome == dialogue.OutcomeRejected:
		req.Hint = dialogue.HintRejected
	default:
		req.Hint = dialogue.HintRetry
	}
	return req
}

func isCollecting(s domain.Stage) bool {
	return s != domain.StageConfirmation && s != domain.StageComplete
}

// PollFollowUp returns the newest undelivered follow-up for leadID, if any.
// Older queued messages are superseded by it.
func (e *Engine) PollFollowUp(ctx context.Context, leadID string) (FollowUpPoll, error) {
	if leadID == "" {
		return FollowUpPoll{}, ErrEmptyLeadID
	}
	now := e.now()
	if e.outbox == nil {
		return FollowUpPoll{Timestamp: now}, nil
	}

	msgs, err := e.outbox.Drain(ctx, leadID)
	if err != nil {
		return FollowUpPoll{}, fmt.Errorf("drain follow-ups: %w", err)
	}
	if len(msgs) == 0 {
		return FollowUpPoll{Timestamp: now}, nil
	}

	latest := msgs[0]
	for _, m := range msgs[1:] {
		if m.Sequence > latest.Sequence {
			latest = m
		}
	}

	if e.repo != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		if _, err := e.repo.MarkFollowUpsDelivered(pctx, leadID, now); err != nil {
			e.logger.Warn("Failed to mark follow-ups delivered", "lead_id", leadID, "error", err)
		}
		cancel()
	}

	return FollowUpPoll{HasMessage: true, Text: latest.Message, Timestamp: latest.CreatedAt}, nil
}

// GetStatus returns the lead's current session state.
func (e *Engine) GetStatus(ctx context.Context, leadID string) (Status, error) {
	if leadID == "" {
		return Status{}, ErrEmptyLeadID
	}
	st, err := e.store.Get(ctx, leadID)
	if err != nil {
		return Status{}, fmt.Errorf("get status: %w", err)
	}
	return Status{
		LeadID:         st.LeadID,
		Stage:          st.Stage,
		Slots:          st.Slots,
		IsActive:       st.IsActive,
		Status:         st.Status,
		MissingFields:  st.Slots.Missing(),
		FollowUpCount:  st.FollowUpCount,
		LastActivityAt: st.LastActivityAt,
	}, nil
}

// History returns up to limit of the lead's most recent turns.
func (e *Engine) History(ctx context.Context, leadID string, limit int) ([]domain.ConversationTurn, error) {
	if leadID == "" {
		return nil, ErrEmptyLeadID
	}
	if e.repo == nil {
		return []domain.ConversationTurn{}, nil
	}
	turns, err := e.repo.ListTurns(ctx, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

// Recommend produces and stores a product recommendation for a confirmed lead.
func (e *Engine) Recommend(ctx context.Context, profile domain.LeadProfile) (domain.Recommendation, error) {
	query := strings.TrimSpace(profile.Interest)
	text, err := e.recommender.Suggest(ctx, profile, query)
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("suggest products: %w", err)
	}

	rec := domain.Recommendation{
		LeadID:    profile.LeadID,
		Query:     query,
		Text:      text,
		Source:    sourceOf(e.recommender),
		CreatedAt: e.now(),
	}
	if e.repo != nil {
		if err := e.repo.SaveRecommendation(ctx, &rec); err != nil {
			return rec, fmt.Errorf("save recommendation: %w", err)
		}
	}
	e.logger.Info("Recommendation stored", "lead_id", profile.LeadID, "source", rec.Source)
	return rec, nil
}

// RecordFollowUp logs a sent follow-up as a system turn and metric.
func (e *Engine) RecordFollowUp(ctx context.Context, msg domain.FollowUpMessage) error {
	if msg.LeadID == "" {
		return ErrEmptyLeadID
	}
	st, err := e.store.Get(ctx, msg.LeadID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	meta := map[string]any{"follow_up": msg.Sequence, "delivered": msg.Delivered}
	e.recordTurn(ctx, st, domain.RoleSystem, msg.Message, meta)
	e.recordMetric(ctx, MetricFollowUpSent, map[string]any{"lead_id": msg.LeadID, "sequence": msg.Sequence})
	return nil
}

func (e *Engine) recordTurn(ctx context.Context, st domain.SessionState, role domain.Role, content string, meta map[string]any) {
	turn := domain.ConversationTurn{
		LeadID:    st.LeadID,
		SessionID: st.SessionID,
		Role:      role,
		Content:   content,
		Meta:      meta,
		Timestamp: e.now(),
	}
	if e.transcript != nil {
		e.transcript.Record(turn)
	}
	if e.repo == nil {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.repo.AppendTurn(pctx, &turn); err != nil {
		e.logger.Warn("Failed to append conversation turn", "lead_id", st.LeadID, "role", role, "error", err)
	}
}

func (e *Engine) recordMetric(ctx context.Context, name string, data map[string]any) {
	if e.repo == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	m := domain.Metric{Name: name, Value: 1, Data: data, RecordedAt: e.now()}
	if err := e.repo.RecordMetric(pctx, &m); err != nil {
		e.logger.Debug("Failed to record metric", "metric", name, "error", err)
	}
}
