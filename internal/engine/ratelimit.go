package engine

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to a Generator with a token bucket. Waiting
// honours the caller's context.
type RateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// NewRateLimited wraps g to allow rps calls per second with the given burst.
// A non-positive rps returns g unchanged.
func NewRateLimited(g Generator, rps float64, burst int) Generator {
	if rps <= 0 {
		return g
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: g, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Generate(ctx context.Context, prompt string, maxTokens int) (Generation, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Generation{}, fmt.Errorf("%w: waiting for generation slot: %w", ErrRateLimited, waitCause(ctx, err))
	}
	return r.next.Generate(ctx, prompt, maxTokens)
}

// waitCause surfaces the context error behind a failed Wait. The limiter
// refuses early, without a context error, when the deadline is too close.
func waitCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%v: %w", err, context.DeadlineExceeded)
	}
	return err
}
