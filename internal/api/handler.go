// Package api provides HTTP handlers for the leadqual API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/leadqual/internal/shared"
)

const maxBodyBytes = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	validate *shared.Validator
	logger   *slog.Logger
	isDev    bool
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(logger *slog.Logger, isDev bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		validate: shared.NewValidator(),
		logger:   logger,
		isDev:    isDev,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v and validates it. On failure it writes a 400
// and returns false. An empty body decodes as the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		Error(w, http.StatusBadRequest, shared.Describe(err))
		return false
	}
	return true
}
