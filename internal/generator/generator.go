// Package generator provides text generation backends used to rephrase
// assistant replies and draft product recommendations.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/leadqual/internal/dialogue"
)

// Provider names accepted by New.
const (
	ProviderNone      = "none"
	ProviderGRPC      = "grpc"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// systemPrompt constrains every backend to rewording only.
const systemPrompt = "You are a friendly sales assistant collecting a customer's name, age, country and " +
	"product interest. Rewrite the assistant message you are given so it sounds warm and natural. " +
	"Keep every question it asks, keep any names and values exactly as written, do not add new " +
	"questions or facts, and answer with the rewritten message only."

// Config selects and configures a backend.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Address   string
	MaxTokens int
	// ConnectTimeout bounds the startup readiness check of the gRPC backend.
	ConnectTimeout time.Duration
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close()
}

// New returns the configured backend, or nil when generation is disabled.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (dialogue.Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return nil, nil
	case ProviderGRPC:
		g, err := NewGRPC(ctx, GRPCConfig{Address: cfg.Address, ConnectTimeout: cfg.ConnectTimeout}, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	case ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens), nil
	case ProviderAnthropic:
		return NewAnthropic(cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case ProviderGemini:
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}

// userPrompt renders the prompt and its slot context as one message.
func userPrompt(prompt string, meta map[string]string) string {
	if len(meta) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, k := range sortedKeys(meta) {
		if meta[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, meta[k])
	}
	b.WriteString("\nMessage:\n")
	b.WriteString(prompt)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
