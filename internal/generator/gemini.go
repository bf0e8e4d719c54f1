package generator

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini generates text with the Gemini API.
type Gemini struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

// NewGemini creates a Gemini backend.
func NewGemini(ctx context.Context, apiKey, model string, maxTokens int) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Gemini{client: client, model: model, maxTokens: int32(maxTokens)}, nil
}

// Complete implements dialogue.Generator.
func (g *Gemini) Complete(ctx context.Context, prompt string, meta map[string]string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(userPrompt(prompt, meta)), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		MaxOutputTokens:   g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errEmptyCompletion
	}
	return text, nil
}
