package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/helmstream/helmstream/internal/engine"
	"github.com/helmstream/helmstream/internal/textutil"
	"golang.org/x/sync/errgroup"
)

// ErrDimensionMismatch is returned when an embedding service answers with a
// vector of the wrong length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrNonFinite is returned when an embedding contains NaN or Inf.
var ErrNonFinite = errors.New("embedding contains non-finite values")

// Embedder wraps an embedding service with the input ceiling and the output
// validation every corpus vector must pass.
type Embedder struct {
	svc       engine.Embedder
	dimension int
	maxChars  int
}

// NewEmbedder creates an Embedder. dimension <= 0 disables the length check
// and maxChars <= 0 disables input truncation.
func NewEmbedder(svc engine.Embedder, dimension, maxChars int) *Embedder {
	return &Embedder{svc: svc, dimension: dimension, maxChars: maxChars}
}

// Dimension returns the expected vector length.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed truncates text to the character ceiling and returns its validated
// embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.maxChars > 0 {
		text = textutil.Truncate(text, e.maxChars)
	}
	vec, err := e.svc.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if err := e.validate(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *Embedder) validate(vec []float32) error {
	if e.dimension > 0 && len(vec) != e.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), e.dimension)
	}
	for i, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("%w: index %d", ErrNonFinite, i)
		}
	}
	return nil
}

// EmbedBatch embeds texts concurrently, preserving order. It returns nil for
// empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
