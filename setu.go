// Package setu is the public API for embedding the Setu terminology server.
//
// Hospital integrators import this package to construct and extend the
// server without forking it:
//
//	app, err := setu.New(
//	    setu.WithVersion(version),
//	    setu.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: setu (root) imports
// internal/*, but internal/* never imports setu (root).
package setu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/caresync-health/setu/api"
	"github.com/caresync-health/setu/internal/audit"
	"github.com/caresync-health/setu/internal/auth"
	"github.com/caresync-health/setu/internal/catalog"
	"github.com/caresync-health/setu/internal/config"
	"github.com/caresync-health/setu/internal/govern"
	"github.com/caresync-health/setu/internal/guard"
	"github.com/caresync-health/setu/internal/index"
	"github.com/caresync-health/setu/internal/lookup"
	"github.com/caresync-health/setu/internal/mcp"
	"github.com/caresync-health/setu/internal/notify"
	"github.com/caresync-health/setu/internal/ratelimit"
	"github.com/caresync-health/setu/internal/rerank"
	"github.com/caresync-health/setu/internal/resolve"
	"github.com/caresync-health/setu/internal/server"
	"github.com/caresync-health/setu/internal/service/embedding"
	"github.com/caresync-health/setu/internal/service/mapping"
	"github.com/caresync-health/setu/internal/storage"
	"github.com/caresync-health/setu/internal/telemetry"
)

// App is the Setu server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	auditLog     *audit.Log
	qdrantIndex  *index.Qdrant // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Setu server. It connects to the database, runs
// migrations, loads the catalogs, builds or connects the vector index, and
// wires all subsystems. It does NOT start any goroutines or accept HTTP
// connections; call Run() for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("setu starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.Open(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := storage.Migrate(context.Background(), store); err != nil {
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	fail := func(err error) (*App, error) {
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Dataset catalogs. These are the read-only snapshots the whole
	// pipeline resolves against; refusing to start without them beats
	// serving empty suggestions.
	terms, err := catalog.LoadTermCatalog(cfg.NamasteCSV, logger)
	if err != nil {
		return fail(fmt.Errorf("term catalog: %w", err))
	}
	codes, err := catalog.LoadCodeCatalog(cfg.ICD11CSV, logger)
	if err != nil {
		return fail(fmt.Errorf("code catalog: %w", err))
	}
	logger.Info("catalogs loaded", "terms", terms.Len(), "codes", codes.Len())

	// Embedding provider: external override takes priority over auto-detect.
	var provider embedding.Provider
	if o.embeddingProvider != nil {
		provider = &providerAdapter{p: o.embeddingProvider}
	} else {
		provider, err = newEmbeddingProvider(cfg, logger)
		if err != nil {
			return fail(fmt.Errorf("embedding: %w", err))
		}
	}

	// Vector index: Qdrant when configured, otherwise a local flat index
	// loaded from a setu-index snapshot or built at startup.
	var idx index.Index
	var qdrantIndex *index.Qdrant
	switch {
	case cfg.QdrantURL != "":
		qdrantIndex, err = index.NewQdrant(index.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		idx = qdrantIndex
		logger.Info("vector index: qdrant", "collection", cfg.QdrantCollection, "points", qdrantIndex.Len())
	case cfg.LocalIndexPath != "":
		flat, err := index.LoadFlat(cfg.LocalIndexPath)
		if err != nil {
			return fail(fmt.Errorf("local index: %w", err))
		}
		idx = flat
		logger.Info("vector index: local snapshot", "path", cfg.LocalIndexPath, "entries", flat.Len())
	default:
		entries := make([]index.Entry, 0, codes.Len())
		for _, e := range codes.Entries() {
			entries = append(entries, index.Entry{Code: e.Code, Text: e.SearchText()})
		}
		flat, err := index.BuildFlat(context.Background(), entries, provider, logger)
		if err != nil {
			logger.Warn("vector tier disabled, flat index build failed", "error", err)
		} else {
			idx = flat
			logger.Info("vector index: built in memory", "entries", flat.Len())
		}
	}

	// Reranker weights are optional; absent means the vector tier scores
	// by distance alone.
	rerankModel, err := rerank.Load(cfg.RerankerPath, logger)
	if err != nil {
		return fail(fmt.Errorf("reranker: %w", err))
	}

	var external *lookup.Client
	if cfg.ICD11APIURL != "" {
		external = lookup.NewClient(lookup.Config{
			BaseURL:      cfg.ICD11APIURL,
			TokenURL:     cfg.ICD11TokenURL,
			ClientID:     cfg.ICD11ClientID,
			ClientSecret: cfg.ICD11ClientSecret,
			StaticToken:  cfg.ICD11APIToken,
		}, logger)
		logger.Info("external lookup: enabled", "url", cfg.ICD11APIURL)
	}

	resolver := resolve.New(terms, codes, provider, idx, rerankModel, external, logger)

	// Governance, audit, and the resource guard.
	state := govern.NewState(logger)
	auditLog := audit.NewLog(store, cfg.AuditBufferSize, logger)

	var sink notify.Sink
	if cfg.AlertWebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.AlertWebhookURL, logger)
	} else {
		sink = notify.NewLogSink(logger)
	}
	protected, err := guard.LoadProtected(cfg.ProtectedResourcesPath, logger)
	if err != nil {
		return fail(fmt.Errorf("guard: %w", err))
	}
	g := guard.New(protected, state, auditLog, store, sink, logger)

	svc := mapping.New(resolver, state, auditLog, store, sink, logger)

	admin, err := auth.NewAdmin(cfg.AdminAPIKey, logger)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	mcpSrv := mcp.New(svc, store, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var health server.HealthChecker
	if qdrantIndex != nil {
		health = qdrantIndex
	}
	srv := server.New(server.ServerConfig{
		Store:               store,
		Svc:                 svc,
		Guard:               g,
		Index:               health,
		Admin:               admin,
		MCPServer:           mcpSrv.MCPServer(),
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		srv:          srv,
		auditLog:     auditLog,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically;
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

const shutdownPhaseTimeout = 10 * time.Second

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight ones, then flush the buffered audit trail, then close
// the index, database, and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("setu shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	auditCtx, auditCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	if err := a.auditLog.Drain(auditCtx); err != nil {
		a.logger.Error("audit drain incomplete, buffered records lost", "error", err)
	}
	auditCancel()

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.store.Close()

	a.logger.Info("setu stopped")
	return nil
}

// newEmbeddingProvider auto-detects the embedding backend: an explicit
// provider name wins, otherwise OpenAI when a key is present, then a
// reachable Ollama, then noop (vector tier disabled).
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		logger.Info("embedding: openai", "model", cfg.EmbeddingModel)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		logger.Info("embedding: ollama", "model", cfg.OllamaModel, "url", cfg.OllamaURL)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
	case "noop":
		logger.Warn("embedding: noop (vector tier disabled)")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	case "auto", "":
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding: openai (auto)", "model", cfg.EmbeddingModel)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding: ollama (auto)", "model", cfg.OllamaModel, "url", cfg.OllamaURL)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
		}
		logger.Warn("embedding: noop (auto; no OpenAI key and Ollama unreachable)")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.EmbeddingProvider)
	}
}

// ollamaReachable probes the Ollama base URL with a short timeout.
func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/api/tags")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// providerAdapter bridges the public EmbeddingProvider to the internal
// pgvector-typed interface.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, 0, len(texts))
	for _, text := range texts {
		vec, err := a.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int {
	return a.p.Dimensions()
}
