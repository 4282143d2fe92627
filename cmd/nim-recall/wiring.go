package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/becomeliminal/nim-recall/assistant"
	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/cache"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/postgres"
	"github.com/becomeliminal/nim-recall/memory/store/sqlite"
	"github.com/becomeliminal/nim-recall/memory/tokenizer"
	"github.com/becomeliminal/nim-recall/observability"
)

const metricsNamespace = "nim_recall"

// app holds everything built from configuration.
type app struct {
	assistant *assistant.Assistant
	metrics   *observability.Metrics
	closers   []func() error
}

func (a *app) Close() error {
	var errs []error
	if a.assistant != nil {
		errs = append(errs, a.assistant.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// errNoModel is returned by commands that never reach the model.
var errNoModel = fmt.Errorf("%w: no model configured", core.ErrGeneration)

// buildApp wires store, embedder, estimator, generator and metrics from cfg.
// With needModel false a missing API key is tolerated.
func buildApp(ctx context.Context, cfg *config.Config, needModel bool) (*app, error) {
	a := &app{metrics: observability.NewMetrics(metricsNamespace)}

	embedder, err := buildEmbedder(cfg, a)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	store, err := buildStore(ctx, cfg, embedder.Dimensions())
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	manager := memory.NewManager(store, embedder, cfg.MemoryDefaults())

	var estimator memory.TokenEstimator
	if cfg.Memory.Tokenizer == config.TokenizerTiktoken {
		est, err := tokenizer.New(tokenizer.DefaultEncoding)
		if err != nil {
			_ = manager.Close()
			_ = a.Close()
			return nil, err
		}
		estimator = est
	}

	generator, err := buildGenerator(cfg, needModel)
	if err != nil {
		_ = manager.Close()
		_ = a.Close()
		return nil, err
	}

	a.assistant = assistant.New(manager, generator,
		assistant.WithEngineConfig(cfg.EngineConfig()),
		assistant.WithEstimator(estimator),
		assistant.WithMetrics(a.metrics),
		assistant.WithAsyncPersistence(cfg.Pipeline.AsyncPersistence),
	)
	return a, nil
}

func buildGenerator(cfg *config.Config, needModel bool) (engine.Generator, error) {
	if cfg.Anthropic.APIKey == "" && !needModel {
		return engine.GeneratorFunc(func(ctx context.Context, req engine.GenerationRequest) (string, error) {
			return "", errNoModel
		}), nil
	}
	gen, err := engine.NewAnthropicGenerator(cfg.GeneratorConfig())
	if err != nil {
		return nil, err
	}
	return engine.NewCircuitBreaker(gen, cfg.BreakerConfig()), nil
}

func buildStore(ctx context.Context, cfg *config.Config, dims int) (memory.Store, error) {
	m := cfg.Memory
	switch m.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(m.PersistDir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", m.PersistDir, err)
		}
		return sqlite.Open(filepath.Join(m.PersistDir, m.CollectionName+".db"))
	case config.BackendPostgres:
		return postgres.Open(ctx, postgres.Config{
			DSN:        m.PostgresDSN,
			Table:      m.CollectionName,
			Dimensions: dims,
		})
	default:
		return chromem.Open(chromem.Config{
			Path:       m.PersistDir,
			Compress:   true,
			Collection: m.CollectionName,
			Dimensions: dims,
		})
	}
}

func buildEmbedder(cfg *config.Config, a *app) (memory.Embedder, error) {
	var inner memory.Embedder
	switch cfg.Memory.EmbeddingModel {
	case config.EmbeddingONNX:
		e, closeFn, err := newONNXEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		inner = e
	default:
		inner = mock.NewWithDimensions(cfg.Memory.EmbeddingDimensions)
	}
	log.Printf("[MAIN] Embeddings: %s (%d dims)", cfg.Memory.EmbeddingModel, inner.Dimensions())

	if cfg.Memory.EmbeddingCacheSize == 0 {
		return inner, nil
	}
	cached, err := cache.New(inner, cache.Config{MaxEntries: cfg.Memory.EmbeddingCacheSize})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		cached.Close()
		return nil
	})
	return cached, nil
}
