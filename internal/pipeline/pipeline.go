// Package pipeline runs a question through filter resolution, embedding,
// retrieval, context assembly, generation and conversation logging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/helmstream/helmstream/internal/composer"
	"github.com/helmstream/helmstream/internal/engine"
	"github.com/helmstream/helmstream/internal/filter"
	"github.com/helmstream/helmstream/internal/retrieval"
	"github.com/helmstream/helmstream/internal/storage"
	"github.com/helmstream/helmstream/internal/textutil"
)

// Stage is a state of a query run.
type Stage string

const (
	StageParsingInput     Stage = "parsing_input"
	StageFilterResolution Stage = "filter_resolution"
	StageEmbedding        Stage = "embedding"
	StageRetrieving       Stage = "retrieving"
	StageContextBuilding  Stage = "context_building"
	StageGenerating       Stage = "generating"
	StageLogging          Stage = "logging"
	StageResponding       Stage = "responding"
	StageFailed           Stage = "failed"
)

// Empty-result policies.
const (
	// EmptyShortCircuit answers with NoResultsAnswer and skips generation.
	EmptyShortCircuit = "short_circuit"
	// EmptyGenerate sends the empty-context prompt to the generator.
	EmptyGenerate = "generate"
)

// NoResultsAnswer is returned when nothing matched and generation is skipped.
const NoResultsAnswer = "I couldn't find any relevant information in the knowledge base to answer this question. Try rephrasing it or relaxing the filters."

// Defaults applied by New.
const (
	DefaultTopK           = 5
	MaxTopK               = 100
	DefaultContextRecords = 3
	DefaultMaxTokens      = 1024
	SourcePreviewChars    = 200
	loggedSources         = 3
	loggedQueryChars      = 100
)

// QueryEmbedder embeds question text. It must fail on vectors of the wrong
// dimension.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher ranks the records of one kind against a query vector.
type Searcher interface {
	Search(ctx context.Context, kind string, query []float32, filters filter.Set, k int) ([]retrieval.ScoredRecord, error)
}

// ConversationLog stores question and answer turns.
type ConversationLog interface {
	AppendTurn(ctx context.Context, turn storage.Turn) error
}

// Deps are the collaborators of a Pipeline. Extractor and Log may be nil.
type Deps struct {
	Embedder  QueryEmbedder
	Searcher  Searcher
	Fetcher   composer.Fetcher
	Generator engine.Generator
	Log       ConversationLog
	// Extractor derives filters from question text. Nil disables extraction.
	Extractor *filter.Extractor
}

// Config tunes one corpus pipeline.
type Config struct {
	Kind            string // retrieval.KindDocument or retrieval.KindEmail
	TopK            int
	ContextRecords  int
	PerRecordChars  int
	TotalChars      int
	MaxTokens       int
	EmptyPolicy     string
	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration
	FetchTimeout    time.Duration
}

// Query is a question as received on the wire.
type Query struct {
	Text           string     `json:"message" validate:"required"`
	ConversationID string     `json:"conversation_id,omitempty" validate:"omitempty,max=128"`
	TopK           *int       `json:"top_k,omitempty" validate:"omitempty,min=1,max=100"`
	Filters        filter.Set `json:"filters"`
	IncludeSources *bool      `json:"include_sources,omitempty"`
}

// Source is a ranked record reported with an answer.
type Source struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Type     string            `json:"type"`
	Score    float64           `json:"similarity_score"`
	Preview  string            `json:"preview"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Diagnostics describes how a successful run went.
type Diagnostics struct {
	Stages []Stage `json:"stages"`
	// DegradedRecords lists records whose body fetch failed and whose preview
	// was used instead.
	DegradedRecords []string `json:"degraded_records,omitempty"`
	LoggingError    string   `json:"logging_error,omitempty"`
	ContextChars    int      `json:"context_chars"`
	PromptTokens    int      `json:"prompt_tokens_estimate"`
	ShortCircuited  bool     `json:"short_circuited,omitempty"`
	DurationMs      int64    `json:"duration_ms"`
}

// Response is the answer to a Query.
type Response struct {
	Answer         string       `json:"answer"`
	ConversationID string       `json:"conversation_id,omitempty"`
	TokenUsage     engine.Usage `json:"token_usage"`
	Sources        []Source     `json:"sources"`
	FiltersApplied filter.Set   `json:"filters_applied"`
	Diagnostics    Diagnostics  `json:"-"`
}

// Pipeline answers questions over one corpus kind. It holds no per-query
// state and is safe for concurrent use.
type Pipeline struct {
	deps   Deps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Pipeline. Zero Config values take the package defaults.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.ContextRecords <= 0 {
		cfg.ContextRecords = DefaultContextRecords
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.EmptyPolicy == "" {
		cfg.EmptyPolicy = EmptyShortCircuit
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("corpus", cfg.Kind),
	}
}

// Kind returns the corpus kind the pipeline serves.
func (p *Pipeline) Kind() string { return p.cfg.Kind }

// run carries the state of one invocation.
type run struct {
	diag  Diagnostics
	start time.Time
}

func (r *run) enter(s Stage) { r.diag.Stages = append(r.diag.Stages, s) }

func (r *run) fail(err *Error) error {
	r.enter(StageFailed)
	return err
}

// ResolveFilters returns the filters a query runs with: explicit filters
// over those extracted from the text, without constraint-free predicates.
func (p *Pipeline) ResolveFilters(q Query) filter.Set {
	var extracted filter.Set
	if p.deps.Extractor != nil {
		extracted = p.deps.Extractor.Extract(q.Text)
	}
	return filter.Merge(extracted, q.Filters).Normalize()
}

// Run answers q. The returned error is always a *Error.
func (p *Pipeline) Run(ctx context.Context, q Query) (Response, error) {
	r := &run{start: time.Now()}

	r.enter(StageParsingInput)
	k, perr := p.parse(q)
	if perr != nil {
		return Response{}, r.fail(perr)
	}
	p.logger.Info("processing query", "query", textutil.Truncate(q.Text, loggedQueryChars), "conversation_id", q.ConversationID)

	r.enter(StageFilterResolution)
	filters := p.ResolveFilters(q)
	if !filters.IsEmpty() {
		p.logger.Debug("filters resolved", "filter", filters.String())
	}

	scored, rerr := p.retrieve(ctx, r, q.Text, filters, k)
	if rerr != nil {
		return Response{}, r.fail(rerr)
	}

	r.enter(StageContextBuilding)
	bundle := composer.Assemble(ctx, scored, p.deps.Fetcher, composer.Options{
		MaxRecords:     p.cfg.ContextRecords,
		PerRecordChars: p.cfg.PerRecordChars,
		TotalChars:     p.cfg.TotalChars,
		FetchTimeout:   p.cfg.FetchTimeout,
	})
	r.diag.ContextChars = bundle.Chars
	for _, e := range bundle.Entries {
		if e.Degraded {
			r.diag.DegradedRecords = append(r.diag.DegradedRecords, e.ID)
		}
	}

	var gen engine.Generation
	if len(scored) == 0 && p.cfg.EmptyPolicy == EmptyShortCircuit {
		r.diag.ShortCircuited = true
		gen.Text = NoResultsAnswer
		p.logger.Info("no matching records, skipping generation", "filter", filters.String())
	} else {
		r.enter(StageGenerating)
		prompt := p.render(q.Text, bundle, filters)
		r.diag.PromptTokens = composer.EstimateTokens(prompt)
		var gerr *Error
		gen, gerr = p.generate(ctx, prompt)
		if gerr != nil {
			return Response{}, r.fail(gerr)
		}
	}

	if q.ConversationID != "" && p.deps.Log != nil {
		r.enter(StageLogging)
		if err := p.logTurns(ctx, q, gen.Text, scored); err != nil {
			r.diag.LoggingError = err.Error()
			p.logger.Warn("conversation log write failed", "conversation_id", q.ConversationID, "error", err)
		}
	}

	r.enter(StageResponding)
	resp := Response{
		Answer:         gen.Text,
		ConversationID: q.ConversationID,
		TokenUsage:     gen.Usage,
		FiltersApplied: filters,
	}
	if q.IncludeSources == nil || *q.IncludeSources {
		resp.Sources = p.sources(scored)
	}
	r.diag.DurationMs = time.Since(r.start).Milliseconds()
	resp.Diagnostics = r.diag

	p.logger.Info("query answered",
		"sources", len(scored),
		"input_tokens", gen.Usage.InputTokens,
		"output_tokens", gen.Usage.OutputTokens,
		"duration_ms", r.diag.DurationMs,
	)
	return resp, nil
}

// Search runs the query through retrieval only and returns the ranked
// sources with the filters used.
func (p *Pipeline) Search(ctx context.Context, q Query) ([]Source, filter.Set, error) {
	r := &run{start: time.Now()}
	r.enter(StageParsingInput)
	k, perr := p.parse(q)
	if perr != nil {
		return nil, filter.Set{}, perr
	}
	r.enter(StageFilterResolution)
	filters := p.ResolveFilters(q)
	scored, rerr := p.retrieve(ctx, r, q.Text, filters, k)
	if rerr != nil {
		return nil, filters, rerr
	}
	return p.sources(scored), filters, nil
}

func (p *Pipeline) parse(q Query) (int, *Error) {
	if strings.TrimSpace(q.Text) == "" {
		return 0, invalid(StageParsingInput, "missing required field: message")
	}
	k := p.cfg.TopK
	if q.TopK != nil {
		k = *q.TopK
	}
	if k <= 0 || k > MaxTopK {
		return 0, invalid(StageParsingInput, "top_k must be between 1 and %d, got %d", MaxTopK, k)
	}
	return k, nil
}

// retrieve runs the Embedding and Retrieving stages.
func (p *Pipeline) retrieve(ctx context.Context, r *run, text string, filters filter.Set, k int) ([]retrieval.ScoredRecord, *Error) {
	r.enter(StageEmbedding)
	ectx, cancel := withTimeout(ctx, p.cfg.EmbedTimeout)
	vec, err := p.deps.Embedder.Embed(ectx, text)
	cancel()
	if err != nil {
		p.logger.Error("query embedding failed", "service", "embedding", "error", err)
		return nil, dependency(StageEmbedding, "embedding", err)
	}

	r.enter(StageRetrieving)
	scored, err := p.deps.Searcher.Search(ctx, p.cfg.Kind, vec, filters, k)
	if err != nil {
		p.logger.Error("retrieval failed", "service", "retrieval", "filter", filters.String(), "error", err)
		return nil, dependency(StageRetrieving, "retrieval", err)
	}
	return scored, nil
}

func (p *Pipeline) render(text string, b composer.Bundle, filters filter.Set) string {
	if p.cfg.Kind == retrieval.KindEmail {
		return composer.RenderEmailPrompt(text, b, filters)
	}
	return composer.RenderDocumentPrompt(text, b)
}

func (p *Pipeline) generate(ctx context.Context, prompt string) (engine.Generation, *Error) {
	gctx, cancel := withTimeout(ctx, p.cfg.GenerateTimeout)
	defer cancel()
	gen, err := p.deps.Generator.Generate(gctx, prompt, p.cfg.MaxTokens)
	if err != nil {
		p.logger.Error("answer generation failed", "service", "generation", "error", err)
		return engine.Generation{}, dependency(StageGenerating, "generation", err)
	}
	return gen, nil
}

// logTurns appends the question and the answer under one timestamp; the role
// suffix of the sequence key orders them.
func (p *Pipeline) logTurns(ctx context.Context, q Query, answer string, scored []retrieval.ScoredRecord) error {
	at := p.now()
	refs := make([]storage.SourceRef, 0, min(len(scored), loggedSources))
	for _, sr := range scored[:min(len(scored), loggedSources)] {
		refs = append(refs, storage.SourceRef{ID: sr.ID, Title: sr.Title})
	}
	var errs []error
	if err := p.deps.Log.AppendTurn(ctx, storage.Turn{
		ConversationID: q.ConversationID, Role: storage.RoleUser, Text: q.Text, CreatedAt: at,
	}); err != nil {
		errs = append(errs, fmt.Errorf("user turn: %w", err))
	}
	if err := p.deps.Log.AppendTurn(ctx, storage.Turn{
		ConversationID: q.ConversationID, Role: storage.RoleAssistant, Text: answer, Sources: refs, CreatedAt: at,
	}); err != nil {
		errs = append(errs, fmt.Errorf("assistant turn: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Pipeline) sources(scored []retrieval.ScoredRecord) []Source {
	out := make([]Source, len(scored))
	for i, sr := range scored {
		s := Source{
			ID:      sr.ID,
			Title:   sr.Title,
			Score:   RoundScore(sr.Score),
			Preview: textutil.Truncate(sr.Preview, SourcePreviewChars),
		}
		if sr.Kind == retrieval.KindEmail {
			s.Type = sr.Metadata[filter.KeyEventCategory]
			s.Metadata = emailSourceMetadata(sr.Metadata)
		} else {
			s.Type = sr.Metadata[filter.KeyType]
		}
		out[i] = s
	}
	return out
}

var emailSourceFields = []string{
	filter.KeySender, filter.KeySenderRole, filter.DateField, filter.KeyVessel, filter.KeyEventCategory,
}

func emailSourceMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(emailSourceFields))
	for _, k := range emailSourceFields {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// RoundScore rounds a similarity score to two decimals for presentation.
func RoundScore(s float64) float64 {
	return math.Round(s*100) / 100
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
