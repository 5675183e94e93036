// Package api exposes the query pipelines, ingestion and conversation history
// over HTTP and as MCP tools.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/helmstream/helmstream/internal/filter"
	"github.com/helmstream/helmstream/internal/ingest"
	"github.com/helmstream/helmstream/internal/pipeline"
	"github.com/helmstream/helmstream/internal/storage"
)

const (
	maxQueryBodySize  = 1 << 20  // 1MB
	maxIngestBodySize = 10 << 20 // 10MB
)

// QueryRunner answers questions over one corpus.
type QueryRunner interface {
	Run(ctx context.Context, q pipeline.Query) (pipeline.Response, error)
	Search(ctx context.Context, q pipeline.Query) ([]pipeline.Source, filter.Set, error)
	ResolveFilters(q pipeline.Query) filter.Set
}

// Ingester accepts documents and emails.
type Ingester interface {
	IngestDocument(ctx context.Context, d ingest.Document) (ingest.Result, error)
	IngestEmail(ctx context.Context, e ingest.Email) (ingest.Result, error)
}

// ConversationReader lists stored conversation turns.
type ConversationReader interface {
	ListTurns(ctx context.Context, conversationID string) ([]storage.Turn, error)
}

// RecordCounter reports corpus sizes per record kind.
type RecordCounter interface {
	Count(ctx context.Context) (map[string]int, error)
}

// JobCounter reports the embedding queue by status.
type JobCounter interface {
	JobStats(ctx context.Context) (storage.JobStats, error)
}

// Deps holds the dependencies of the HTTP handler. Token and AllowedOrigins
// are optional: an empty token disables authentication and no origins means
// any origin.
type Deps struct {
	Documents      QueryRunner
	Emails         QueryRunner
	Ingest         Ingester
	Conversations  ConversationReader
	Records        RecordCounter
	Jobs           JobCounter
	Token          string
	AllowedOrigins []string
	Version        string
}

// NewHandler returns the HelmStream HTTP API.
func NewHandler(deps Deps) http.Handler {
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/query", handleQuery(deps.Documents))
		r.Post("/emails/query", handleQuery(deps.Emails))
		r.Post("/documents", handleIngestDocument(deps))
		r.Post("/emails", handleIngestEmails(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": deps.Version})
	}
}

func handleQuery(p QueryRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q pipeline.Query
		if !decodeBody(w, r, maxQueryBodySize, &q) {
			return
		}
		if err := validateRequest(q); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		resp, err := p.Run(r.Context(), q)
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type turnView struct {
	SequenceKey string              `json:"sequence_key"`
	Role        string              `json:"role"`
	Message     string              `json:"message"`
	Sources     []storage.SourceRef `json:"sources,omitempty"`
	CreatedAt   string              `json:"created_at"`
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		turns, err := deps.Conversations.ListTurns(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing conversation: %v", err)
			return
		}

		views := make([]turnView, len(turns))
		for i, t := range turns {
			views[i] = turnView{
				SequenceKey: t.SequenceKey,
				Role:        t.Role,
				Message:     t.Text,
				Sources:     t.Sources,
				CreatedAt:   t.CreatedAt.Format("2006-01-02T15:04:05.000000000Z07:00"),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "turns": views})
	}
}

// StatusReport is the body of GET /v1/status.
type StatusReport struct {
	Version string           `json:"version"`
	Records map[string]int   `json:"records"`
	Jobs    storage.JobStats `json:"jobs"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Records.Count(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting records: %v", err)
			return
		}
		jobs, err := deps.Jobs.JobStats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading job stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, StatusReport{Version: deps.Version, Records: counts, Jobs: jobs})
	}
}
