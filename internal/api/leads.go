package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/engine"
	"github.com/ashureev/leadqual/internal/store"
)

const (
	leadDetailTurns = 100
	recentMetrics   = 50
)

// LeadReader is the read side of the durable store.
type LeadReader interface {
	GetLead(ctx context.Context, leadID string) (*domain.LeadProfile, error)
	ListLeads(ctx context.Context, filter store.LeadFilter) ([]domain.LeadProfile, int, error)
	LeadStats(ctx context.Context) (domain.LeadStats, error)
	ListTurns(ctx context.Context, leadID string, limit int) ([]domain.ConversationTurn, error)
	ListRecommendations(ctx context.Context, leadID string) ([]domain.Recommendation, error)
	RecentMetrics(ctx context.Context, limit int) ([]domain.Metric, error)
}

// StatusReader returns the live state of a conversation.
type StatusReader interface {
	GetStatus(ctx context.Context, leadID string) (engine.Status, error)
}

// LeadHandler serves lead listing, lead detail, and analytics.
type LeadHandler struct {
	*Handler
	leads  LeadReader
	status StatusReader
}

// NewLeadHandler creates a LeadHandler. status may be nil.
func NewLeadHandler(base *Handler, leads LeadReader, status StatusReader) *LeadHandler {
	return &LeadHandler{Handler: base, leads: leads, status: status}
}

// RegisterRoutes registers lead and analytics routes.
func (h *LeadHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/leads", h.List)
	r.Get("/api/leads/{leadID}", h.Get)
	r.Get("/api/analytics/leads", h.Analytics)
}

type leadListResponse struct {
	Leads   []domain.LeadProfile `json:"leads"`
	Total   int                  `json:"total"`
	Page    int                  `json:"page"`
	PerPage int                  `json:"per_page"`
}

type leadDetailResponse struct {
	Lead            *domain.LeadProfile       `json:"lead"`
	State           *engine.Status            `json:"state,omitempty"`
	Turns           []domain.ConversationTurn `json:"turns"`
	Recommendations []domain.Recommendation   `json:"recommendations"`
}

// List returns one page of leads, optionally filtered by status.
func (h *LeadHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.LeadFilter{
		Status:  domain.LeadStatus(r.URL.Query().Get("status")),
		Page:    queryInt(r, "page", 1),
		PerPage: queryInt(r, "per_page", 20),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 100 {
		filter.PerPage = 20
	}

	leads, total, err := h.leads.ListLeads(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list leads", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	JSON(w, http.StatusOK, leadListResponse{Leads: leads, Total: total, Page: filter.Page, PerPage: filter.PerPage})
}

// Get returns a lead with its conversation, recommendations, and live state.
func (h *LeadHandler) Get(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	lead, err := h.leads.GetLead(ctx, leadID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "lead not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load lead", "lead_id", leadID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := leadDetailResponse{Lead: lead}
	if resp.Turns, err = h.leads.ListTurns(ctx, leadID, leadDetailTurns); err != nil {
		h.logger.Warn("Failed to load lead turns", "lead_id", leadID, "error", err)
		resp.Turns = []domain.ConversationTurn{}
	}
	if resp.Recommendations, err = h.leads.ListRecommendations(ctx, leadID); err != nil {
		h.logger.Warn("Failed to load recommendations", "lead_id", leadID, "error", err)
		resp.Recommendations = []domain.Recommendation{}
	}
	if h.status != nil {
		if st, err := h.status.GetStatus(ctx, leadID); err == nil {
			resp.State = &st
		}
	}
	JSON(w, http.StatusOK, resp)
}

// Analytics returns lead counts and recent metric samples.
func (h *LeadHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.leads.LeadStats(r.Context())
	if err != nil {
		h.logger.Error("Failed to compute lead stats", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	metrics, err := h.leads.RecentMetrics(r.Context(), recentMetrics)
	if err != nil {
		h.logger.Warn("Failed to load recent metrics", "error", err)
		metrics = []domain.Metric{}
	}
	JSON(w, http.StatusOK, map[string]any{"stats": stats, "recent_metrics": metrics})
}
