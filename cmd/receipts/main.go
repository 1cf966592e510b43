package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/thereceipts/receipts/api"
	"github.com/thereceipts/receipts/internal/agent"
	"github.com/thereceipts/receipts/internal/auth"
	"github.com/thereceipts/receipts/internal/config"
	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/mcp"
	"github.com/thereceipts/receipts/internal/ratelimit"
	"github.com/thereceipts/receipts/internal/search"
	"github.com/thereceipts/receipts/internal/server"
	"github.com/thereceipts/receipts/internal/service/chat"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/service/pipeline"
	"github.com/thereceipts/receipts/internal/service/review"
	"github.com/thereceipts/receipts/internal/service/scheduler"
	"github.com/thereceipts/receipts/internal/service/verify"
	"github.com/thereceipts/receipts/internal/storage"
	"github.com/thereceipts/receipts/internal/telemetry"
	"github.com/thereceipts/receipts/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("RECEIPTS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("receipts starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply embedded migrations. RunMigrations
	// tracks applied files in schema_migrations, so restarts are safe.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Seed default prompts for any agent missing its row. Existing rows
	// (admin edits included) are never touched.
	if n, err := db.SeedAgentPrompts(ctx, agent.DefaultPrompts()); err != nil {
		return fmt.Errorf("seed agent prompts: %w", err)
	} else if n > 0 {
		logger.Info("seeded agent prompts", "count", n)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)
	clients := llm.NewClients(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.AnthropicAPIKey, cfg.AnthropicBaseURL)

	// Optional Qdrant index and outbox worker. Disabled when no URL is
	// configured; pgvector remains the source of truth either way.
	var searcher search.Searcher
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		searcher = qdrantIndex
		db.EnableSearchSync()
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outboxWorker.Start(ctx)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no RECEIPTS_QDRANT_URL)")
	}

	// Source verification tiers, shared by the source checker and the
	// adversarial re-check.
	verifySvc := verify.New(db, embedder, clients, verify.Config{
		GoogleBooksAPIKey:      cfg.GoogleBooksAPIKey,
		GoogleBooksBaseURL:     cfg.GoogleBooksBaseURL,
		SemanticScholarAPIKey:  cfg.SemanticScholarAPIKey,
		SemanticScholarBaseURL: cfg.SemanticScholarBaseURL,
		ArxivBaseURL:           cfg.ArxivBaseURL,
		PubMedBaseURL:          cfg.PubMedBaseURL,
		PerseusBaseURL:         cfg.PerseusBaseURL,
		CCELBaseURL:            cfg.CCELBaseURL,
		TavilyAPIKey:           cfg.TavilyAPIKey,
		TavilyBaseURL:          cfg.TavilyBaseURL,
		URLCheckTimeout:        cfg.URLCheckTimeout,
		LibraryThreshold:       cfg.LibraryReuseThreshold,
	}, logger)

	// The claim searcher backs both the router's tools and the
	// /chat/message cache check.
	claimSearch := chat.NewSearcher(db, embedder, cfg.RouterContextualThreshold)

	agents := agent.New(db, clients, verifySvc, claimSearch, agent.Config{
		ExactThreshold:      cfg.RouterExactThreshold,
		ContextualThreshold: cfg.RouterContextualThreshold,
		MaxToolCalls:        cfg.RouterMaxToolCalls,
	}, logger)

	// Progress bus for websocket watchers.
	hub := server.NewHub(logger)

	pipelineSvc := pipeline.New(agents, db, embedder, hub, pipeline.Config{
		AgentTimeout:    cfg.AgentTimeout,
		PipelineTimeout: cfg.PipelineTimeout,
	}, logger)

	chatSvc := chat.New(agents, chat.NewAnalyzer(clients, logger), db, claimSearch, pipelineSvc, hub, chat.Config{
		RouterTimeout:  cfg.RouterTimeout,
		MatchThreshold: cfg.RouterExactThreshold,
	}, logger)

	reviewSvc := review.New(db, agents, pipelineSvc, embedder, review.Config{
		DedupThreshold: cfg.DedupThreshold,
	}, logger)

	schedSvc := scheduler.New(db, agents, pipelineSvc, embedder, scheduler.Config{
		Enabled:        cfg.SchedulerEnabled,
		PostTime:       cfg.SchedulerPostTime,
		PostsPerDay:    cfg.SchedulerPostsPerDay,
		MaxConcurrent:  cfg.SchedulerMaxConcurrent,
		DedupThreshold: cfg.DedupThreshold,
	}, logger)
	schedSvc.Start(ctx)

	autosuggest := scheduler.NewAutosuggest(clients, db, embedder, nil, scheduler.AutosuggestConfig{
		Enabled:             cfg.AutosuggestEnabled,
		SimilarityThreshold: cfg.AutosuggestThreshold,
		TavilyAPIKey:        cfg.TavilyAPIKey,
		TavilyBaseURL:       cfg.TavilyBaseURL,
	}, logger)

	mcpSrv := mcp.New(db, embedder, logger)

	// Per-IP throttle on the LLM-backed chat endpoints only.
	limiter := ratelimit.NewPerMinute(cfg.ChatRatePerMinute)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		ChatSvc:             chatSvc,
		ReviewSvc:           reviewSvc,
		SchedSvc:            schedSvc,
		Autosuggest:         autosuggest,
		Hub:                 hub,
		Limiter:             limiter,
		Searcher:            searcher,
		Embedder:            embedder,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AdminAPIKey:         cfg.AdminAPIKey,
		OpenAPISpec:         api.OpenAPISpec,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early
	// completion doesn't steal budget from later phases. Order: stop
	// accepting HTTP (in-flight requests may still enqueue outbox
	// rows), stop the scheduler loop, then sync remaining outbox
	// entries to Qdrant.
	slog.Info("receipts shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	schedSvc.Stop()

	if outboxWorker != nil {
		outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 10*time.Second)
		outboxWorker.Drain(outboxCtx)
		outboxCancel()
	}

	slog.Info("receipts stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "openai", "ollama", "noop", or "auto" (default).
// Auto mode takes OpenAI when a key is present, then a reachable Ollama,
// else noop. OpenAI first: its 1536-dim ada vectors match the stored
// column width, while Ollama models need RECEIPTS_EMBEDDING_DIMENSIONS
// adjusted to the model's native size.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when RECEIPTS_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
