package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/juhokoskela/rag-service/internal/cache"
	"github.com/juhokoskela/rag-service/internal/chunk"
	"github.com/juhokoskela/rag-service/internal/config"
	"github.com/juhokoskela/rag-service/internal/embed"
	apperrors "github.com/juhokoskela/rag-service/internal/errors"
	"github.com/juhokoskela/rag-service/internal/ingest"
	"github.com/juhokoskela/rag-service/internal/search"
	"github.com/juhokoskela/rag-service/internal/store"
)

// app holds the wired service components for a CLI invocation.
type app struct {
	cfg      *config.Config
	chunks   *store.SQLiteStore
	vectors  *store.HNSWStore
	bm25     *store.BleveBM25Index
	client   *embed.Client
	manager  *embed.Manager
	engine   *search.Engine
	pipeline *ingest.Pipeline

	lock       *flock.Flock
	vectorPath string
}

// loadConfig resolves configuration, honoring an explicit --data-dir.
func loadConfig(dataDir string) (*config.Config, error) {
	searchDir := dataDir
	if searchDir == "" {
		searchDir = "."
	}
	cfg, err := config.Load(searchDir)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	return cfg, nil
}

// buildApp wires the full service stack from configuration. The data
// directory is locked for the lifetime of the app so concurrent ragd
// processes cannot corrupt the index.
func buildApp(dataDir string) (*app, error) {
	cfg, err := loadConfig(dataDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.Storage.DataDir, ".ragd.lock"))
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire data directory lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("data directory %s is in use by another ragd process", cfg.Storage.DataDir)
	}

	a := &app{
		cfg:        cfg,
		lock:       lock,
		vectorPath: filepath.Join(cfg.Storage.DataDir, "vectors.hnsw"),
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	chunks, err := store.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "ragd.db"))
	if err != nil {
		return err
	}
	a.chunks = chunks

	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(cfg.Embeddings.Dimensions))
	if err != nil {
		return err
	}
	a.vectors = vectors

	if _, err := os.Stat(a.vectorPath); err == nil {
		if err := vectors.Load(a.vectorPath); err != nil {
			// A corrupt snapshot is recoverable: vectors rebuild from
			// stored embeddings on the next ingest or restore.
			slog.Warn("failed to load vector index, starting empty",
				slog.String("path", a.vectorPath),
				slog.String("error", err.Error()))
		}
	}

	bm25, err := store.NewBleveBM25Index()
	if err != nil {
		return err
	}
	a.bm25 = bm25

	provider, err := embed.NewOpenAIProvider(
		cfg.Embeddings.APIKey(), cfg.Embeddings.Model, cfg.Embeddings.Dimensions)
	if err != nil {
		return err
	}

	tiered := cache.NewTiered(chunks, cfg.Embeddings.Model, cfg.Cache.FastSize, cfg.Cache.FastTTL)

	a.client = embed.NewClient(provider, tiered, embed.ClientConfig{
		BatchSize:       cfg.Embeddings.BatchSize,
		InterBatchDelay: cfg.Embeddings.InterBatchDelay,
		Retry:           apperrors.DefaultRetryConfig(),
		MaxFailures:     cfg.Breaker.MaxFailures,
		ResetTimeout:    cfg.Breaker.ResetTimeout,
	})

	manager, err := embed.NewManager(a.client, embed.DefaultPoolSize)
	if err != nil {
		return err
	}
	a.manager = manager

	engine, err := search.NewEngine(chunks, bm25, vectors, a.client, a.buildRerankChain(), search.EngineConfig{
		Weights: search.Weights{
			Vector: cfg.Search.VectorWeight,
			BM25:   cfg.Search.BM25Weight,
		},
		SimilarityFloor:  float32(cfg.Search.SimilarityFloor),
		MaxResults:       cfg.Search.MaxResults,
		ResponseCacheTTL: cfg.Search.ResponseCacheTTL,
		RerankTopK:       cfg.Rerank.TopK,
	})
	if err != nil {
		return err
	}
	a.engine = engine

	chunker := chunk.NewChunker(cfg.Chunking.ChunkSize, cfg.Chunking.ChunkOverlap, cfg.Chunking.MinChunkSize)
	a.pipeline = ingest.New(chunks, vectors, bm25, chunker, a.client, manager,
		engine.InvalidateCache, cfg.Embeddings.BatchThreshold)

	return nil
}

// buildRerankChain assembles the remote-then-local fallback chain.
func (a *app) buildRerankChain() *search.Chain {
	cfg := a.cfg.Rerank
	if !cfg.Enabled {
		return nil
	}

	breaker := apperrors.NewCircuitBreaker("rerank",
		apperrors.WithMaxFailures(a.cfg.Breaker.MaxFailures),
		apperrors.WithResetTimeout(a.cfg.Breaker.ResetTimeout))

	var rerankers []search.Reranker
	if cfg.RemoteURL != "" {
		rerankers = append(rerankers, search.NewHTTPReranker(
			"remote", cfg.RemoteURL, cfg.Model, cfg.APIKey(), cfg.MaxChars, cfg.Timeout).
			WithBreaker(breaker))
	}
	if cfg.LocalURL != "" {
		rerankers = append(rerankers, search.NewHTTPReranker(
			"local", cfg.LocalURL, cfg.Model, "", cfg.MaxChars, cfg.Timeout))
	}
	return search.NewChain(rerankers...)
}

// Close tears down the stack in reverse dependency order, persisting
// the vector index first.
func (a *app) Close() {
	if a.vectors != nil {
		if err := a.vectors.Save(a.vectorPath); err != nil {
			slog.Warn("failed to persist vector index", slog.String("error", err.Error()))
		}
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.manager != nil {
		a.manager.Close()
	}
	if a.bm25 != nil {
		_ = a.bm25.Close()
	}
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.chunks != nil {
		_ = a.chunks.Close()
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
}
