package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

var (
	_ Embedder  = (*OpenAI)(nil)
	_ Generator = (*OpenAI)(nil)
)

// OpenAI adapts the OpenAI API (or any compatible server) for embeddings and
// chat completions.
type OpenAI struct {
	client      *openai.Client
	embedModel  string
	chatModel   string
	dimensions  int
	temperature float64
}

// OpenAIConfig configures an OpenAI adapter. BaseURL is optional.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	EmbedModel  string
	ChatModel   string
	Dimensions  int
	Temperature float64
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(oc),
		embedModel:  cfg.EmbedModel,
		chatModel:   cfg.ChatModel,
		dimensions:  cfg.Dimensions,
		temperature: cfg.Temperature,
	}
}

// Embed returns the embedding of text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	rsp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(o.embedModel),
		Dimensions: o.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", classifyOpenAI(err))
	}
	if len(rsp.Data) == 0 || len(rsp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embed: %w: no embedding returned", ErrUnavailable)
	}
	return rsp.Data[0].Embedding, nil
}

// Generate runs a single-message chat completion.
func (o *OpenAI) Generate(ctx context.Context, prompt string, maxTokens int) (Generation, error) {
	rsp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.chatModel,
		MaxTokens:   maxTokens,
		Temperature: float32(o.temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return Generation{}, fmt.Errorf("openai chat: %w", classifyOpenAI(err))
	}
	if len(rsp.Choices) == 0 {
		return Generation{}, fmt.Errorf("openai chat: %w: no choices returned", ErrUnavailable)
	}
	return Generation{
		Text: rsp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  rsp.Usage.PromptTokens,
			OutputTokens: rsp.Usage.CompletionTokens,
		},
	}, nil
}

func classifyOpenAI(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", classifyStatus(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %v", classifyStatus(reqErr.HTTPStatusCode), err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
