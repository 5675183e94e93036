package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/helmstream/helmstream/internal/api"
	"github.com/helmstream/helmstream/internal/config"
	"github.com/helmstream/helmstream/internal/content"
	"github.com/helmstream/helmstream/internal/engine"
	"github.com/helmstream/helmstream/internal/filter"
	"github.com/helmstream/helmstream/internal/ingest"
	"github.com/helmstream/helmstream/internal/pipeline"
	"github.com/helmstream/helmstream/internal/retrieval"
	"github.com/helmstream/helmstream/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and embedding worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func setupLogging(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func loadVocabulary(path string) (filter.Vocabulary, error) {
	if path == "" {
		return filter.ShipyardVocabulary(), nil
	}
	return filter.LoadVocabulary(path)
}

// services is everything runServer assembles from the config.
type services struct {
	store     *storage.Store
	records   *retrieval.SQLiteStore
	embedder  *retrieval.Embedder
	documents *pipeline.Pipeline
	emails    *pipeline.Pipeline
	ingester  *ingest.Processor
}

func buildServices(cfg config.Config, store *storage.Store, emb engine.Embedder, gen engine.Generator) (*services, error) {
	vocab, err := loadVocabulary(cfg.Retrieval.VocabularyFile)
	if err != nil {
		return nil, err
	}

	contents := content.NewStore(store.DB())
	records := retrieval.NewSQLiteStore(store.DB())
	embedder := retrieval.NewEmbedder(emb, cfg.Embedding.Dimension, cfg.Embedding.MaxChars)
	retriever := retrieval.NewRetriever(records, cfg.Retrieval.ParallelThreshold)

	deps := pipeline.Deps{
		Embedder:  embedder,
		Searcher:  retriever,
		Fetcher:   contents,
		Generator: gen,
		Log:       store,
	}
	base := pipeline.Config{
		TopK:            cfg.Retrieval.TopK,
		ContextRecords:  cfg.Retrieval.ContextRecords,
		TotalChars:      cfg.Retrieval.ContextChars,
		EmptyPolicy:     cfg.Retrieval.EmptyPolicy,
		EmbedTimeout:    cfg.Embedding.Timeout,
		GenerateTimeout: cfg.Generation.Timeout,
		FetchTimeout:    cfg.Content.FetchTimeout,
	}

	docCfg := base
	docCfg.Kind = retrieval.KindDocument
	docCfg.PerRecordChars = cfg.Retrieval.DocumentChars
	docCfg.MaxTokens = cfg.Generation.MaxTokens

	emailDeps := deps
	emailDeps.Extractor = filter.NewExtractor(vocab)
	emailCfg := base
	emailCfg.Kind = retrieval.KindEmail
	emailCfg.PerRecordChars = cfg.Retrieval.EmailChars
	emailCfg.MaxTokens = cfg.Generation.EmailMaxTokens

	return &services{
		store:     store,
		records:   records,
		embedder:  embedder,
		documents: pipeline.New(deps, docCfg),
		emails:    pipeline.New(emailDeps, emailCfg),
		ingester:  ingest.NewProcessor(contents, store),
	}, nil
}

func engineSettings(cfg config.Config) engine.Settings {
	return engine.Settings{
		EmbedProvider:     cfg.Embedding.Provider,
		EmbedBaseURL:      cfg.Embedding.BaseURL,
		EmbedModel:        cfg.Embedding.Model,
		Dimension:         cfg.Embedding.Dimension,
		GenProvider:       cfg.Generation.Provider,
		GenBaseURL:        cfg.Generation.BaseURL,
		GenModel:          cfg.Generation.Model,
		Temperature:       cfg.Generation.Temperature,
		RequestsPerSecond: cfg.Generation.RequestsPerSecond,
		OpenAIKey:         cfg.Secrets.OpenAIAPIKey,
		AnthropicKey:      cfg.Secrets.AnthropicAPIKey,
	}
}

func runServer(withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	slog.Info("starting helmstream", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	emb, gen, err := engine.Build(engineSettings(cfg))
	if err != nil {
		return fmt.Errorf("configuring model services: %w", err)
	}
	if m, ok := emb.(engine.ModelManager); ok {
		models := []string{cfg.Embedding.Model}
		if cfg.Generation.Provider == engine.ProviderOllama {
			models = append(models, cfg.Generation.Model)
		}
		if err := engine.EnsureReady(ctx, m, os.Stderr, models...); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.DataDir())
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	svc, err := buildServices(cfg, store, emb, gen)
	if err != nil {
		return err
	}

	if cfg.Secrets.APIToken == "" {
		slog.Warn("HELMSTREAM_API_TOKEN is not set, the /v1 API is unauthenticated")
	}

	handler := api.NewHandler(api.Deps{
		Documents:      svc.documents,
		Emails:         svc.emails,
		Ingest:         svc.ingester,
		Conversations:  store,
		Records:        svc.records,
		Jobs:           store,
		Token:          cfg.Secrets.APIToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := ingest.NewWorker(store, svc.embedder, svc.records, 500*time.Millisecond)
	go worker.Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Documents: svc.documents,
			Emails:    svc.emails,
			Ingest:    svc.ingester,
			Records:   svc.records,
			Jobs:      store,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("helmstream listening", "addr", addr, "data_dir", cfg.DataDir())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
