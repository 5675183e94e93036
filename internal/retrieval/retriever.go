package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/helmstream/helmstream/internal/filter"
	"github.com/helmstream/helmstream/internal/vecmath"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = errors.New("k must be positive")

// DefaultParallelThreshold is the corpus size above which scoring fans out
// across goroutines.
const DefaultParallelThreshold = 2048

// ctxCheckEvery bounds how many records are scored between cancellation
// checks.
const ctxCheckEvery = 1024

// Retrieve scores every record of corpus that passes filters against query
// and returns the best min(k, matches) in descending score order. Exact ties
// keep corpus order. An empty corpus or no matches yields an empty slice.
func Retrieve(ctx context.Context, query []float32, corpus []Record, filters filter.Set, k int) ([]ScoredRecord, error) {
	return rank(ctx, query, corpus, filters, k, 0)
}

// Retriever scans a CorpusSource and ranks the result.
type Retriever struct {
	source            CorpusSource
	parallelThreshold int
	logger            *slog.Logger
}

// NewRetriever creates a Retriever over source. A parallelThreshold <= 0
// uses DefaultParallelThreshold.
func NewRetriever(source CorpusSource, parallelThreshold int) *Retriever {
	if parallelThreshold <= 0 {
		parallelThreshold = DefaultParallelThreshold
	}
	return &Retriever{source: source, parallelThreshold: parallelThreshold, logger: slog.Default()}
}

// Search loads the records of kind and ranks them against query.
func (r *Retriever) Search(ctx context.Context, kind string, query []float32, filters filter.Set, k int) ([]ScoredRecord, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	corpus, err := r.source.Scan(ctx, kind, filters)
	if err != nil {
		return nil, fmt.Errorf("scanning %s corpus: %w", kind, err)
	}
	results, err := rank(ctx, query, corpus, filters, k, r.parallelThreshold)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("retrieval complete", "kind", kind, "scanned", len(corpus), "returned", len(results), "filter", filters.String())
	return results, nil
}

func rank(ctx context.Context, query []float32, corpus []Record, filters filter.Set, k, parallelThreshold int) ([]ScoredRecord, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	if len(corpus) == 0 {
		return []ScoredRecord{}, nil
	}
	if len(query) == 0 {
		return nil, vecmath.ErrEmpty
	}

	queryNorm := vecmath.Norm(query)
	scores := make([]float64, len(corpus))
	keep := make([]bool, len(corpus))

	scoreRange := func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			if (i-lo)%ctxCheckEvery == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			rec := &corpus[i]
			if !filter.Matches(rec.Metadata, filters) {
				continue
			}
			s, err := vecmath.CosineWithNorm(query, rec.Embedding, queryNorm)
			if err != nil {
				return fmt.Errorf("scoring record %s: %w", rec.ID, err)
			}
			scores[i] = s
			keep[i] = true
		}
		return nil
	}

	if parallelThreshold > 0 && len(corpus) > parallelThreshold {
		g, gctx := errgroup.WithContext(ctx)
		for lo := 0; lo < len(corpus); lo += parallelThreshold {
			hi := min(lo+parallelThreshold, len(corpus))
			g.Go(func() error { return scoreRange(gctx, lo, hi) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else if err := scoreRange(ctx, 0, len(corpus)); err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, len(corpus))
	for i := range corpus {
		if keep[i] {
			results = append(results, ScoredRecord{Record: corpus[i], Score: scores[i]})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
