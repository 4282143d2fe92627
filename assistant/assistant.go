// Package assistant wires the memory system and the turn pipeline into the
// single API used by the HTTP, gRPC and CLI surfaces.
package assistant

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/observability"
)

// Assistant is a memory-aware conversational assistant.
type Assistant struct {
	manager   *memory.Manager
	optimizer *memory.Optimizer
	engine    *engine.Engine
	metrics   *observability.Metrics
}

type options struct {
	engineConfig *engine.Config
	estimator    memory.TokenEstimator
	metrics      *observability.Metrics
	async        bool
}

// Option configures an Assistant.
type Option func(*options)

// WithEngineConfig sets pipeline timeouts, prompt and window size.
func WithEngineConfig(c *engine.Config) Option {
	return func(o *options) {
		o.engineConfig = c
	}
}

// WithEstimator sets the token estimator used for context budgeting.
func WithEstimator(est memory.TokenEstimator) Option {
	return func(o *options) {
		o.estimator = est
	}
}

// WithMetrics records pipeline and memory operations.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithAsyncPersistence stores completed turns in the background.
func WithAsyncPersistence(enabled bool) Option {
	return func(o *options) {
		o.async = enabled
	}
}

// New creates an Assistant. The assistant takes ownership of manager and
// closes it on Close.
func New(manager *memory.Manager, generator engine.Generator, opts ...Option) *Assistant {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := &engine.Config{}
	if o.engineConfig != nil {
		*cfg = *o.engineConfig
	} else {
		*cfg = *engine.DefaultConfig()
		cfg.Memory = nil
	}
	if cfg.Memory == nil {
		cfg.Memory = manager.Config()
	}

	optimizer := memory.NewOptimizer(manager, memory.WithEstimator(o.estimator))
	engineOpts := []engine.Option{
		engine.WithMemory(optimizer, manager),
		engine.WithConfig(cfg),
		engine.WithAsyncPersistence(o.async),
	}
	if o.metrics != nil {
		engineOpts = append(engineOpts, engine.WithObserver(o.metrics))
	}

	return &Assistant{
		manager:   manager,
		optimizer: optimizer,
		engine:    engine.NewEngine(generator, engineOpts...),
		metrics:   o.metrics,
	}
}

// ProcessTurn answers one user utterance.
func (a *Assistant) ProcessTurn(ctx context.Context, in core.TurnInput) (*core.TurnResult, error) {
	return a.engine.ProcessTurn(ctx, in)
}

// ProcessTurnStream answers one user utterance, streaming the reply to onChunk.
func (a *Assistant) ProcessTurnStream(ctx context.Context, in core.TurnInput, onChunk func(string)) (*core.TurnResult, error) {
	return a.engine.ProcessTurnStream(ctx, in, onChunk)
}

// InsertMemory stores a memory and returns its id.
func (a *Assistant) InsertMemory(ctx context.Context, req memory.InsertRequest) (string, error) {
	id, err := a.manager.Insert(ctx, req)
	a.observe("insert", err)
	return id, err
}

// SearchMemory returns the memories most similar to query.
func (a *Assistant) SearchMemory(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Match, error) {
	matches, err := a.manager.Search(ctx, query, opts)
	a.observe("search", err)
	return matches, err
}

// OptimizeContext assembles the context a turn for query would see.
func (a *Assistant) OptimizeContext(ctx context.Context, req memory.OptimizeRequest) (*memory.AssembledContext, error) {
	out, err := a.optimizer.Optimize(ctx, req)
	a.observe("optimize", err)
	return out, err
}

// GetStats summarizes the stored memories.
func (a *Assistant) GetStats(ctx context.Context) (*memory.Stats, error) {
	stats, err := a.manager.Stats(ctx)
	a.observe("stats", err)
	return stats, err
}

// Insights groups the stored memories by importance and recency.
func (a *Assistant) Insights(ctx context.Context) (*memory.Insights, error) {
	insights, err := a.manager.Insights(ctx)
	a.observe("insights", err)
	return insights, err
}

// GetMemory returns one memory by id.
func (a *Assistant) GetMemory(ctx context.Context, id string) (*memory.Record, error) {
	rec, err := a.manager.Get(ctx, id)
	a.observe("get", err)
	return rec, err
}

// DeleteMemory removes one memory by id.
func (a *Assistant) DeleteMemory(ctx context.Context, id string) error {
	err := a.manager.Delete(ctx, id)
	a.observe("delete", err)
	return err
}

// ClearMemories removes every memory.
func (a *Assistant) ClearMemories(ctx context.Context) error {
	err := a.manager.Clear(ctx)
	a.observe("clear", err)
	if err == nil {
		log.Printf("[MEMORY] All memories cleared")
	}
	return err
}

// Export writes all memories as JSON to w.
func (a *Assistant) Export(ctx context.Context, w io.Writer) (int, error) {
	n, err := a.manager.Export(ctx, w)
	a.observe("export", err)
	return n, err
}

// Import reads memories written by Export.
func (a *Assistant) Import(ctx context.Context, r io.Reader) (int, error) {
	n, err := a.manager.Import(ctx, r)
	a.observe("import", err)
	return n, err
}

// ConversationSummary describes a conversation's short-term window.
func (a *Assistant) ConversationSummary(conversationID string) (engine.ConversationSummary, bool) {
	return a.engine.ConversationSummary(conversationID)
}

// Close waits for pending persistence and closes the store.
func (a *Assistant) Close() error {
	return errors.Join(a.engine.Close(), a.manager.Close())
}

func (a *Assistant) observe(op string, err error) {
	if a.metrics == nil {
		return
	}
	// Not-found lookups are caller mistakes, not memory failures.
	if errors.Is(err, core.ErrNotFound) {
		err = nil
	}
	a.metrics.ObserveMemoryOperation(op, err)
}
