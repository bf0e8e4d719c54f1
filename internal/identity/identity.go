// Package identity resolves the anonymous lead identity of a web visitor.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	LeadCookieName   = "leadqual_lead_id"
	LeadHeaderName   = "X-Lead-ID"
	leadCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const leadIDKey contextKey = iota

var leadIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,100}$`)

// ValidLeadID reports whether id is acceptable as a lead identifier.
func ValidLeadID(id string) bool {
	return leadIDPattern.MatchString(id)
}

// LeadIDFromContext returns the lead ID resolved by Middleware, or "".
func LeadIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(leadIDKey).(string); ok {
		return v
	}
	return ""
}

// WithLeadID stores a lead ID in ctx.
func WithLeadID(ctx context.Context, leadID string) context.Context {
	return context.WithValue(ctx, leadIDKey, leadID)
}

// leadIDFromRequest prefers the explicit header, then the query string, then
// the cookie.
func leadIDFromRequest(r *http.Request) string {
	candidates := []string{
		r.Header.Get(LeadHeaderName),
		r.URL.Query().Get("lead_id"),
	}
	if c, err := r.Cookie(LeadCookieName); err == nil {
		candidates = append(candidates, c.Value)
	}
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id != "" && ValidLeadID(id) {
			return id
		}
	}
	return ""
}

// SetLeadCookie remembers the lead in the browser so a reload resumes the
// conversation.
func SetLeadCookie(w http.ResponseWriter, leadID string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     LeadCookieName,
		Value:    leadID,
		Path:     "/",
		MaxAge:   int(leadCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(leadCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware injects the caller's lead ID, when one is known, into the request
// context. Requests without one pass through unchanged.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := leadIDFromRequest(r); id != "" {
				r = r.WithContext(WithLeadID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
