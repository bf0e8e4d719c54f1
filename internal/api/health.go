package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthInfo describes the optional parts of the running service.
type HealthInfo struct {
	Generator string
	Outbox    string
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db     Pinger
	outbox Pinger
	info   HealthInfo
}

// NewHealthHandler creates a HealthHandler. db and outbox may be nil when the
// service runs without them.
func NewHealthHandler(db, outbox Pinger, info HealthInfo) *HealthHandler {
	return &HealthHandler{db: db, outbox: outbox, info: info}
}

// Health reports dependency status. A configured dependency that fails its
// ping marks the service degraded.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	statusCode := http.StatusOK

	check := func(name string, p Pinger) {
		if p == nil {
			checks[name] = "disabled"
			return
		}
		if err := p.Ping(ctx); err != nil {
			slog.Error("Health check failed", "dependency", name, "error", err)
			checks[name] = "unreachable"
			statusCode = http.StatusServiceUnavailable
			return
		}
		checks[name] = "ok"
	}
	check("database", h.db)
	check("outbox", h.outbox)

	status := "healthy"
	if statusCode != http.StatusOK {
		status = "degraded"
	}
	JSON(w, statusCode, map[string]any{
		"status":    status,
		"checks":    checks,
		"generator": h.info.Generator,
		"outbox":    h.info.Outbox,
	})
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/system/health", h.Health)
}
