// Package composer turns ranked records into a size-budgeted context bundle
// and renders the generation prompts around it.
package composer

import (
	"context"
	"log/slog"
	"time"

	"github.com/helmstream/helmstream/internal/retrieval"
	"github.com/helmstream/helmstream/internal/textutil"
	"golang.org/x/sync/errgroup"
)

// Fetcher loads the full text behind a record's content locator.
type Fetcher interface {
	FetchText(ctx context.Context, ref string) (string, error)
}

// Options bound the assembled context. Zero values disable the
// corresponding limit, except MaxRecords which defaults to 3.
type Options struct {
	MaxRecords     int
	PerRecordChars int
	TotalChars     int
	FetchTimeout   time.Duration
}

// Entry is one record's contribution to the context.
type Entry struct {
	retrieval.ScoredRecord
	Text string
	// Degraded is set when the body could not be fetched and the preview was
	// used instead. FetchErr holds the cause.
	Degraded bool
	FetchErr error
}

// Bundle is the assembled context in rank order. Chars is the total number
// of characters across entry texts.
type Bundle struct {
	Entries []Entry
	Chars   int
}

// Assemble fetches the bodies of the first MaxRecords records concurrently
// and truncates each to PerRecordChars. A failed fetch falls back to the
// record preview and never fails the assembly. Entries that would push the
// total past TotalChars are cut to fit and later entries are dropped.
func Assemble(ctx context.Context, scored []retrieval.ScoredRecord, fetcher Fetcher, opts Options) Bundle {
	n := opts.MaxRecords
	if n <= 0 {
		n = 3
	}
	n = min(n, len(scored))

	entries := make([]Entry, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			entries[i] = fetchEntry(ctx, scored[i], fetcher, opts.FetchTimeout)
			return nil
		})
	}
	g.Wait()

	b := Bundle{Entries: make([]Entry, 0, n)}
	for _, e := range entries {
		if opts.PerRecordChars > 0 {
			e.Text = textutil.Truncate(e.Text, opts.PerRecordChars)
		}
		size := textutil.Len(e.Text)
		if opts.TotalChars > 0 {
			remaining := opts.TotalChars - b.Chars
			if remaining <= 0 {
				break
			}
			if size > remaining {
				e.Text = textutil.Truncate(e.Text, remaining)
				size = remaining
			}
		}
		b.Entries = append(b.Entries, e)
		b.Chars += size
	}
	return b
}

func fetchEntry(ctx context.Context, sr retrieval.ScoredRecord, fetcher Fetcher, timeout time.Duration) Entry {
	e := Entry{ScoredRecord: sr}
	if fetcher == nil || sr.ContentRef == "" {
		e.Text = sr.Preview
		return e
	}
	fctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	text, err := fetcher.FetchText(fctx, sr.ContentRef)
	if err != nil {
		slog.Warn("content fetch failed, using preview", "record_id", sr.ID, "ref", sr.ContentRef, "error", err)
		e.Text = sr.Preview
		e.Degraded = true
		e.FetchErr = err
		return e
	}
	e.Text = text
	return e
}
