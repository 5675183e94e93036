package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

var _ Generator = (*Anthropic)(nil)

// Anthropic adapts the Claude Messages API for answer generation. It has no
// embedding endpoint.
type Anthropic struct {
	client      *anthropic.Client
	model       string
	temperature float64
}

// AnthropicConfig configures an Anthropic adapter. BaseURL is optional.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{client: &client, model: cfg.Model, temperature: cfg.Temperature}
}

// Generate sends prompt as a single user message.
func (a *Anthropic) Generate(ctx context.Context, prompt string, maxTokens int) (Generation, error) {
	rsp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(a.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Generation{}, fmt.Errorf("anthropic messages: %w", classifyAnthropic(err))
	}

	var b strings.Builder
	for _, content := range rsp.Content {
		if text, ok := content.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return Generation{
		Text: b.String(),
		Usage: Usage{
			InputTokens:  int(rsp.Usage.InputTokens),
			OutputTokens: int(rsp.Usage.OutputTokens),
		},
	}, nil
}

func classifyAnthropic(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", classifyStatus(apiErr.StatusCode), err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
