package generator

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI generates text with the Chat Completions API. Any OpenAI-compatible
// endpoint works through BaseURL.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI creates an OpenAI backend.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Complete implements dialogue.Generator.
func (g *OpenAI) Complete(ctx context.Context, prompt string, meta map[string]string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(prompt, meta)),
		},
		MaxCompletionTokens: openai.Int(g.maxTokens),
		Temperature:         openai.Float(0.4),
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
