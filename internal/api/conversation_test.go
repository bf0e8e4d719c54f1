package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/engine"
	"github.com/ashureev/leadqual/internal/identity"
	"github.com/ashureev/leadqual/internal/session"
	"github.com/ashureev/leadqual/internal/shared"
)

func newConversationServer(t *testing.T, limiter *shared.KeyedLimiter) *httptest.Server {
	t.Helper()

	store := session.NewStore(nil, session.Options{})
	t.Cleanup(func() { _ = store.Close() })
	eng, err := engine.New(engine.Config{Store: store})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(identity.Middleware())
	NewConversationHandler(NewHandler(nil, true), eng, limiter).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestConversationFlowOverHTTP(t *testing.T) {
	t.Parallel()

	srv := newConversationServer(t, nil)

	resp := post(t, srv.URL+"/api/conversations", map[string]string{"name": "Alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decodeBody[startResponse](t, resp)
	require.NotEmpty(t, started.LeadID)
	assert.Contains(t, started.Reply, "Alice")

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == identity.LeadCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, started.LeadID, cookie.Value)

	base := srv.URL + "/api/conversations/" + started.LeadID
	for _, msg := range []string{"25", "Canada", "Technology", "yes"} {
		resp = post(t, base+"/messages", map[string]string{"message": msg})
		require.Equal(t, http.StatusOK, resp.StatusCode, msg)
	}

	resp = get(t, base+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeBody[engine.Status](t, resp)
	assert.Equal(t, domain.StageComplete, st.Stage)
	assert.Equal(t, domain.LeadStatusConfirmed, st.Status)
	assert.Equal(t, "Canada", st.Slots.Country)
	assert.Empty(t, st.MissingFields)

	resp = get(t, base+"/follow-up")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	poll := decodeBody[engine.FollowUpPoll](t, resp)
	assert.False(t, poll.HasMessage)

	resp = get(t, base+"/history?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendMessageRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv := newConversationServer(t, nil)

	resp := post(t, srv.URL+"/api/conversations/lead-1/messages", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/conversations/lead-1/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/conversations/bad%20id/messages", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/conversations", map[string]string{"lead_id": "a/b"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessageRateLimited(t *testing.T) {
	t.Parallel()

	srv := newConversationServer(t, shared.NewKeyedLimiter(0.001, 2))
	url := srv.URL + "/api/conversations/lead-1/messages"

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, post(t, url, map[string]string{"message": "Alice"}).StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	other := post(t, srv.URL+"/api/conversations/lead-2/messages", map[string]string{"message": "Bob"})
	assert.Equal(t, http.StatusOK, other.StatusCode)
}

func TestStartResumesFromCookie(t *testing.T) {
	t.Parallel()

	srv := newConversationServer(t, nil)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/conversations", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: identity.LeadCookieName, Value: "returning-lead"})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "returning-lead", decodeBody[startResponse](t, resp).LeadID)
}
