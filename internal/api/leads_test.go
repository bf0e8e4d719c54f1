package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/store"
)

type fakeLeads struct {
	leads   map[string]domain.LeadProfile
	filters []store.LeadFilter
}

func (f *fakeLeads) GetLead(_ context.Context, leadID string) (*domain.LeadProfile, error) {
	p, ok := f.leads[leadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (f *fakeLeads) ListLeads(_ context.Context, filter store.LeadFilter) ([]domain.LeadProfile, int, error) {
	f.filters = append(f.filters, filter)
	out := []domain.LeadProfile{}
	for _, p := range f.leads {
		if filter.Status == "" || p.Status == filter.Status {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (f *fakeLeads) LeadStats(context.Context) (domain.LeadStats, error) {
	return domain.LeadStats{Total: len(f.leads), ByStatus: map[domain.LeadStatus]int{domain.LeadStatusConfirmed: 1}}, nil
}

func (f *fakeLeads) ListTurns(_ context.Context, leadID string, _ int) ([]domain.ConversationTurn, error) {
	return []domain.ConversationTurn{{LeadID: leadID, Role: domain.RoleUser, Content: "hi"}}, nil
}

func (f *fakeLeads) ListRecommendations(context.Context, string) ([]domain.Recommendation, error) {
	return []domain.Recommendation{}, nil
}

func (f *fakeLeads) RecentMetrics(context.Context, int) ([]domain.Metric, error) {
	return []domain.Metric{{Name: "chat_messages", Value: 1}}, nil
}

func newLeadServer(t *testing.T) (*httptest.Server, *fakeLeads) {
	t.Helper()
	leads := &fakeLeads{leads: map[string]domain.LeadProfile{
		"lead-1": {LeadID: "lead-1", Name: "Alice", Status: domain.LeadStatusConfirmed},
		"lead-2": {LeadID: "lead-2", Name: "Bob", Status: domain.LeadStatusCollecting},
	}}
	r := chi.NewRouter()
	NewLeadHandler(NewHandler(nil, true), leads, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, leads
}

func TestListLeads(t *testing.T) {
	t.Parallel()

	srv, leads := newLeadServer(t)

	resp := get(t, srv.URL+"/api/leads?status=confirmed&page=0&per_page=500")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[leadListResponse](t, resp)
	require.Len(t, body.Leads, 1)
	assert.Equal(t, "Alice", body.Leads[0].Name)
	assert.Equal(t, 1, body.Page)
	assert.Equal(t, 20, body.PerPage)
	assert.Equal(t, store.LeadFilter{Status: domain.LeadStatusConfirmed, Page: 1, PerPage: 20}, leads.filters[0])

	resp = get(t, srv.URL+"/api/leads?status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetLead(t *testing.T) {
	t.Parallel()

	srv, _ := newLeadServer(t)

	resp := get(t, srv.URL+"/api/leads/lead-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[leadDetailResponse](t, resp)
	assert.Equal(t, "Alice", body.Lead.Name)
	assert.Len(t, body.Turns, 1)
	assert.Nil(t, body.State)

	resp = get(t, srv.URL+"/api/leads/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalytics(t *testing.T) {
	t.Parallel()

	srv, _ := newLeadServer(t)

	resp := get(t, srv.URL+"/api/analytics/leads")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[struct {
		Stats   domain.LeadStats `json:"stats"`
		Metrics []domain.Metric  `json:"recent_metrics"`
	}](t, resp)
	assert.Equal(t, 2, body.Stats.Total)
	assert.Len(t, body.Metrics, 1)
}
