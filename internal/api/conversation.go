package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/engine"
	"github.com/ashureev/leadqual/internal/identity"
	"github.com/ashureev/leadqual/internal/session"
	"github.com/ashureev/leadqual/internal/shared"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Conversations is the conversation engine as seen by transports.
type Conversations interface {
	StartConversation(ctx context.Context, leadID, name string) (string, string, error)
	SendMessage(ctx context.Context, leadID, text string) (engine.Reply, error)
	PollFollowUp(ctx context.Context, leadID string) (engine.FollowUpPoll, error)
	GetStatus(ctx context.Context, leadID string) (engine.Status, error)
	History(ctx context.Context, leadID string, limit int) ([]domain.ConversationTurn, error)
}

// ConversationHandler serves the conversation endpoints.
type ConversationHandler struct {
	*Handler
	conv    Conversations
	limiter *shared.KeyedLimiter
}

// NewConversationHandler creates a ConversationHandler. limiter may be nil.
func NewConversationHandler(base *Handler, conv Conversations, limiter *shared.KeyedLimiter) *ConversationHandler {
	return &ConversationHandler{Handler: base, conv: conv, limiter: limiter}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Route("/{leadID}", func(r chi.Router) {
			r.Post("/messages", h.SendMessage)
			r.Get("/follow-up", h.FollowUp)
			r.Get("/status", h.Status)
			r.Get("/history", h.History)
		})
	})
}

type startRequest struct {
	LeadID string `json:"lead_id" validate:"omitempty,max=100"`
	Name   string `json:"name" validate:"max=100"`
}

type startResponse struct {
	LeadID string `json:"lead_id"`
	Reply  string `json:"reply"`
}

type messageRequest struct {
	Message string `json:"message" validate:"required"`
}

// Start opens or resumes a conversation.
func (h *ConversationHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}

	leadID := strings.TrimSpace(req.LeadID)
	if leadID == "" {
		leadID = identity.LeadIDFromContext(r.Context())
	}
	if leadID != "" && !identity.ValidLeadID(leadID) {
		Error(w, http.StatusBadRequest, "invalid lead_id")
		return
	}

	leadID, reply, err := h.conv.StartConversation(r.Context(), leadID, strings.TrimSpace(req.Name))
	if err != nil {
		h.fail(w, "start conversation", leadID, err)
		return
	}

	identity.SetLeadCookie(w, leadID, h.isDev)
	JSON(w, http.StatusOK, startResponse{LeadID: leadID, Reply: reply})
}

// SendMessage handles one user message.
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadParam(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(leadID) {
		Error(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}

	reply, err := h.conv.SendMessage(r.Context(), leadID, req.Message)
	if err != nil {
		h.fail(w, "send message", leadID, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// FollowUp returns the newest pending follow-up, if any.
func (h *ConversationHandler) FollowUp(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadParam(w, r)
	if !ok {
		return
	}
	poll, err := h.conv.PollFollowUp(r.Context(), leadID)
	if err != nil {
		h.fail(w, "poll follow-up", leadID, err)
		return
	}
	JSON(w, http.StatusOK, poll)
}

// Status returns the lead's conversation state.
func (h *ConversationHandler) Status(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadParam(w, r)
	if !ok {
		return
	}
	st, err := h.conv.GetStatus(r.Context(), leadID)
	if err != nil {
		h.fail(w, "get status", leadID, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// History returns the lead's recent turns.
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadParam(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	turns, err := h.conv.History(r.Context(), leadID, limit)
	if err != nil {
		h.fail(w, "history", leadID, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"lead_id": leadID, "turns": turns})
}

// fail maps engine errors to status codes without leaking internals.
func (h *ConversationHandler) fail(w http.ResponseWriter, op, leadID string, err error) {
	switch {
	case errors.Is(err, engine.ErrEmptyLeadID):
		Error(w, http.StatusBadRequest, "lead_id is required")
	case errors.Is(err, session.ErrClosed):
		Error(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		h.logger.Error("Conversation request failed", "op", op, "lead_id", leadID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func leadParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	leadID := chi.URLParam(r, "leadID")
	if !identity.ValidLeadID(leadID) {
		Error(w, http.StatusBadRequest, "invalid lead id")
		return "", false
	}
	return leadID, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
