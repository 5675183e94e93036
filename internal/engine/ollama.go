package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	_ Embedder     = (*Ollama)(nil)
	_ Generator    = (*Ollama)(nil)
	_ ModelManager = (*Ollama)(nil)
)

// Ollama talks to a local Ollama server over HTTP.
type Ollama struct {
	baseURL     string
	embedModel  string
	chatModel   string
	temperature float64
	httpClient  *http.Client
}

// OllamaConfig configures an Ollama adapter.
type OllamaConfig struct {
	BaseURL     string
	EmbedModel  string
	ChatModel   string
	Temperature float64
}

// NewOllama creates an adapter targeting cfg.BaseURL. Request deadlines come
// from the caller's context.
func NewOllama(cfg OllamaConfig) *Ollama {
	return &Ollama{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		embedModel:  cfg.EmbedModel,
		chatModel:   cfg.ChatModel,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{},
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning reports whether GET /api/tags answers 200 within two seconds.
func (o *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of the locally available models.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: listing models: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: listing models: status %d", classifyStatus(resp.StatusCode), resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is available locally. A bare name matches
// any tag ("nomic-embed-text" matches "nomic-embed-text:latest").
func (o *Ollama) HasModel(ctx context.Context, name string) bool {
	models, err := o.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// PullModel downloads a model, reading the streamed progress to completion.
func (o *Ollama) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := o.post(ctx, "/api/pull", map[string]any{"name": name, "stream": true})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type chatResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Generate sends prompt as a single user message to /api/chat.
func (o *Ollama) Generate(ctx context.Context, prompt string, maxTokens int) (Generation, error) {
	cr := chatRequest{
		Model:    o.chatModel,
		Messages: []ollamaMessage{{Role: "user", Content: prompt}},
		Options:  map[string]any{"temperature": o.temperature},
	}
	if maxTokens > 0 {
		cr.Options["num_predict"] = maxTokens
	}

	resp, err := o.post(ctx, "/api/chat", cr)
	if err != nil {
		return Generation{}, fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Generation{}, fmt.Errorf("%w: decoding chat response: %v", ErrUnavailable, err)
	}
	return Generation{
		Text:  result.Message.Content,
		Usage: Usage{InputTokens: result.PromptEvalCount, OutputTokens: result.EvalCount},
	}, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding of text from /api/embed.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.post(ctx, "/api/embed", embedRequest{Model: o.embedModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding embed response: %v", ErrUnavailable, err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: empty embeddings array", ErrUnavailable)
	}
	return result.Embeddings[0], nil
}

// post sends a JSON body and returns the response when the status is 200.
// Transport failures and non-200 statuses are classified.
func (o *Ollama) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", classifyStatus(resp.StatusCode), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
