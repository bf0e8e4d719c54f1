//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, true)

	cases := []struct {
		name   string
		body   string
		wantOK bool
		want   string
	}{
		{"empty body", "", true, ""},
		{"valid", `{"name":"Alice"}`, true, "Alice"},
		{"malformed", `{"name":`, false, ""},
		{"too long", `{"name":"` + strings.Repeat("a", 101) + `"}`, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			var v startRequest
			ok := h.decode(rec, req, &v)
			assert.Equal(t, tc.wantOK, ok)
			if ok {
				assert.Equal(t, tc.want, v.Name)
			} else {
				assert.Equal(t, http.StatusBadRequest, rec.Code)
			}
		})
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		db, outbox Pinger
		wantCode   int
		wantDB     string
		wantOutbox string
	}{
		{"in memory", nil, nil, http.StatusOK, "disabled", "disabled"},
		{"all ok", pinger{}, pinger{}, http.StatusOK, "ok", "ok"},
		{"db down", pinger{err: errors.New("locked")}, nil, http.StatusServiceUnavailable, "unreachable", "disabled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := NewHealthHandler(tc.db, tc.outbox, HealthInfo{Generator: "none", Outbox: "memory"})
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/system/health", nil))

			require.Equal(t, tc.wantCode, rec.Code)
			var body struct {
				Checks map[string]string `json:"checks"`
				Outbox string            `json:"outbox"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.wantDB, body.Checks["database"])
			assert.Equal(t, tc.wantOutbox, body.Checks["outbox"])
			assert.Equal(t, "memory", body.Outbox)
		})
	}
}
