package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// Anthropic generates text with the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(apiKey, model string, maxTokens int) *Anthropic {
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Anthropic{
		client:    anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Complete implements dialogue.Generator.
func (g *Anthropic) Complete(ctx context.Context, prompt string, meta map[string]string) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(prompt, meta))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errEmptyCompletion
	}
	return b.String(), nil
}
