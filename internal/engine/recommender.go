package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/leadqual/internal/dialogue"
	"github.com/ashureev/leadqual/internal/domain"
)

// Recommender suggests products for a confirmed lead.
type Recommender interface {
	Suggest(ctx context.Context, profile domain.LeadProfile, query string) (string, error)
}

// catalog lists featured products per interest category.
var catalog = map[string][]string{
	dialogue.CategoryTechnology: {"Pro 14 laptop", "Pixel-class smartphone", "noise-cancelling headphones"},
	dialogue.CategoryFashion:    {"everyday sneakers", "merino wool jacket", "leather crossbody bag"},
	dialogue.CategoryHome:       {"modular sofa", "oak storage shelves", "linen bedding set"},
}

// CatalogRecommender answers from the static product catalog.
type CatalogRecommender struct{}

// Suggest implements Recommender.
func (CatalogRecommender) Suggest(_ context.Context, profile domain.LeadProfile, query string) (string, error) {
	name := profile.Name
	if name == "" {
		name = "there"
	}
	items, ok := catalog[query]
	if !ok {
		return fmt.Sprintf("Hi %s! Our team will hand-pick options for %q and share them with you shortly.", name, query), nil
	}
	return fmt.Sprintf("Hi %s! Based on your interest in %s, you might like: %s.", name, query, strings.Join(items, ", ")), nil
}

// GeneratorRecommender asks a text generator for suggestions and falls back
// to the catalog when it fails.
type GeneratorRecommender struct {
	Generator dialogue.Generator
	Timeout   time.Duration
	Logger    *slog.Logger
	fallback  CatalogRecommender
}

// Suggest implements Recommender.
func (r GeneratorRecommender) Suggest(ctx context.Context, profile domain.LeadProfile, query string) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = dialogue.DefaultGeneratorTimeout
	}

	if r.Generator != nil {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		prompt := fmt.Sprintf("Suggest three specific products for a %s-year-old customer in %s who is interested in %s. "+
			"Reply with one short friendly sentence addressed to %s.", profile.Age, profile.Country, query, profile.Name)
		text, err := r.Generator.Complete(ctx, prompt, map[string]string{
			"purpose":  "recommendation",
			"lead_id":  profile.LeadID,
			"interest": query,
		})
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
		logger.Warn("Recommendation generator unavailable, using catalog", "lead_id", profile.LeadID, "error", err)
	}
	return r.fallback.Suggest(ctx, profile, query)
}

func sourceOf(r Recommender) string {
	switch r.(type) {
	case GeneratorRecommender, *GeneratorRecommender:
		return "generator"
	default:
		return "catalog"
	}
}
