// Command setu-index builds the vector index offline: it embeds the target
// code catalog and either writes a flat-index snapshot for the server to
// load at startup, or upserts the points into a Qdrant collection.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/caresync-health/setu/internal/catalog"
	"github.com/caresync-health/setu/internal/config"
	"github.com/caresync-health/setu/internal/index"
	"github.com/caresync-health/setu/internal/service/embedding"
)

const embedWorkers = 8

func main() {
	os.Exit(run0())
}

func run0() int {
	out := flag.String("out", "data/index.json", "flat index snapshot path (ignored when QDRANT_URL is set)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *out, logger); err != nil {
		logger.Error("index build failed", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, out string, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	codes, err := catalog.LoadCodeCatalog(cfg.ICD11CSV, logger)
	if err != nil {
		return fmt.Errorf("code catalog: %w", err)
	}
	entries := make([]index.Entry, 0, codes.Len())
	for _, e := range codes.Entries() {
		entries = append(entries, index.Entry{Code: e.Code, Text: e.SearchText()})
	}
	logger.Info("embedding catalog", "codes", len(entries), "provider", cfg.EmbeddingProvider)

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	if cfg.QdrantURL != "" {
		return buildQdrant(ctx, cfg, entries, provider, logger)
	}
	return buildFlat(ctx, out, entries, provider, logger)
}

func buildFlat(ctx context.Context, out string, entries []index.Entry, provider embedding.Provider, logger *slog.Logger) error {
	flat, err := index.BuildFlat(ctx, entries, provider, logger)
	if err != nil {
		return fmt.Errorf("build flat index: %w", err)
	}
	if err := flat.SaveFlat(out); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	logger.Info("flat index written", "path", out, "entries", flat.Len())
	return nil
}

func buildQdrant(ctx context.Context, cfg config.Config, entries []index.Entry, provider embedding.Provider, logger *slog.Logger) error {
	qd, err := index.NewQdrant(index.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions),
	}, logger)
	if err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	defer qd.Close()

	if err := qd.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}

	// Embed in parallel; order is preserved by writing into fixed slots.
	vectors := make([][]float32, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)
	for i, entry := range entries {
		g.Go(func() error {
			vec, err := provider.Embed(gctx, entry.Text)
			if err != nil {
				return fmt.Errorf("embed %q: %w", entry.Code, err)
			}
			vectors[i] = vec.Slice()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := qd.Upsert(ctx, entries, vectors); err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	logger.Info("qdrant index updated", "collection", cfg.QdrantCollection, "points", len(entries))
	return nil
}

func newProvider(cfg config.Config) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai", "auto":
		if cfg.OpenAIAPIKey != "" {
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		}
		if cfg.EmbeddingProvider == "openai" {
			return nil, fmt.Errorf("embedding: OPENAI_API_KEY is required for the openai provider")
		}
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
	default:
		// The noop provider yields zero vectors, which the flat builder
		// rejects; demand a real backend for index builds.
		return nil, fmt.Errorf("embedding: provider %q cannot build an index", cfg.EmbeddingProvider)
	}
}
