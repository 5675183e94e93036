// Package engine adapts external model services (Ollama, OpenAI, Anthropic)
// to the embedding and generation interfaces the query pipeline consumes.
package engine

import (
	"context"
	"errors"
)

// Failure classes reported by every adapter. Callers test with errors.Is.
var (
	ErrUnavailable  = errors.New("service unavailable")
	ErrRateLimited  = errors.New("rate limited")
	ErrInvalidInput = errors.New("invalid input")
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator answers a prompt with at most maxTokens output tokens.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (Generation, error)
}

// Usage is the token accounting reported by a generation call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Generation is a completed answer.
type Generation struct {
	Text  string
	Usage Usage
}

// ModelManager is implemented by local backends that can list and pull
// models. Only the Ollama adapter implements it.
type ModelManager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// classifyStatus maps an HTTP status returned by a model service to one of
// the failure classes.
func classifyStatus(code int) error {
	switch {
	case code == 429:
		return ErrRateLimited
	case code == 400 || code == 413 || code == 422:
		return ErrInvalidInput
	default:
		return ErrUnavailable
	}
}
