package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// ContextOptimizer assembles the memory context for a turn.
type ContextOptimizer interface {
	Optimize(ctx context.Context, req memory.OptimizeRequest) (*memory.AssembledContext, error)
}

// MemoryWriter persists completed exchanges.
type MemoryWriter interface {
	Insert(ctx context.Context, req memory.InsertRequest) (string, error)
}

// Config holds pipeline settings.
type Config struct {
	// SystemPrompt is the base prompt. Retrieved memories are appended to it.
	// Default: DefaultSystemPrompt
	SystemPrompt string

	// Memory controls retrieval: result count, token budget and filters.
	// Default: memory.DefaultConfig()
	Memory *memory.Config

	// RetrievalTimeout bounds the RETRIEVING stage. On expiry the turn degrades.
	// Default: 5s
	RetrievalTimeout time.Duration

	// GenerationTimeout bounds the GENERATING stage. On expiry the turn fails.
	// Default: 60s
	GenerationTimeout time.Duration

	// PersistTimeout bounds the memory insert of a completed turn.
	// Default: 10s
	PersistTimeout time.Duration

	// HistoryWindow is how many recent messages are sent to the generator.
	// Default: 10
	HistoryWindow int

	// MaxConversations bounds the number of conversation windows kept in memory.
	// Default: 1000
	MaxConversations int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() *Config {
	return &Config{
		SystemPrompt:      DefaultSystemPrompt,
		Memory:            memory.DefaultConfig(),
		RetrievalTimeout:  5 * time.Second,
		GenerationTimeout: 60 * time.Second,
		PersistTimeout:    10 * time.Second,
		HistoryWindow:     DefaultHistoryWindow,
		MaxConversations:  DefaultMaxConversations,
	}
}

// Engine runs turns through the pipeline
// RECEIVED → RETRIEVING → ANALYZING → GENERATING → PERSISTING → FORMATTED.
// It holds no per-turn state, so ProcessTurn may be called concurrently.
type Engine struct {
	generator Generator
	optimizer ContextOptimizer // Optional: memory retrieval
	writer    MemoryWriter     // Optional: memory persistence
	history   *History
	observer  Observer
	config    *Config
	async     bool

	persisting sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithMemory enables retrieval through optimizer and persistence through writer.
// Either may be nil.
func WithMemory(optimizer ContextOptimizer, writer MemoryWriter) Option {
	return func(e *Engine) {
		e.optimizer = optimizer
		e.writer = writer
	}
}

// WithConfig replaces the default configuration. Zero fields keep their defaults.
func WithConfig(c *Config) Option {
	return func(e *Engine) {
		if c != nil {
			e.config = withDefaults(c)
		}
	}
}

// WithObserver sets the observer for pipeline events.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithAsyncPersistence stores completed turns on a background goroutine.
// Close waits for pending inserts.
func WithAsyncPersistence(enabled bool) Option {
	return func(e *Engine) {
		e.async = enabled
	}
}

// WithHistory shares a conversation window store between engines.
func WithHistory(h *History) Option {
	return func(e *Engine) {
		e.history = h
	}
}

// NewEngine creates an engine around generator.
func NewEngine(generator Generator, opts ...Option) *Engine {
	e := &Engine{
		generator: generator,
		observer:  nopObserver{},
		config:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.history == nil {
		e.history = NewHistory(e.config.HistoryWindow, e.config.MaxConversations)
	}
	return e
}

func withDefaults(c *Config) *Config {
	out := *c
	d := DefaultConfig()
	if out.SystemPrompt == "" {
		out.SystemPrompt = d.SystemPrompt
	}
	if out.Memory == nil {
		out.Memory = d.Memory
	}
	if out.RetrievalTimeout <= 0 {
		out.RetrievalTimeout = d.RetrievalTimeout
	}
	if out.GenerationTimeout <= 0 {
		out.GenerationTimeout = d.GenerationTimeout
	}
	if out.PersistTimeout <= 0 {
		out.PersistTimeout = d.PersistTimeout
	}
	if out.HistoryWindow <= 0 {
		out.HistoryWindow = d.HistoryWindow
	}
	if out.MaxConversations <= 0 {
		out.MaxConversations = d.MaxConversations
	}
	return &out
}

// Config returns the effective configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// History returns the conversation windows.
func (e *Engine) History() *History {
	return e.history
}

// ConversationSummary describes the short-term window of a conversation.
func (e *Engine) ConversationSummary(conversationID string) (ConversationSummary, bool) {
	return e.history.Summary(conversationID)
}

// ProcessTurn runs one user utterance through the pipeline.
//
// Memory retrieval failures never fail a turn: the result is marked Degraded
// and generated without memory. Validation and generation failures return a
// *TurnError; nothing is persisted for them.
func (e *Engine) ProcessTurn(ctx context.Context, in core.TurnInput) (*core.TurnResult, error) {
	return e.run(ctx, in, nil)
}

// ProcessTurnStream is ProcessTurn with the reply delivered incrementally to
// onChunk as it is generated.
func (e *Engine) ProcessTurnStream(ctx context.Context, in core.TurnInput, onChunk func(string)) (*core.TurnResult, error) {
	return e.run(ctx, in, onChunk)
}

func (e *Engine) run(ctx context.Context, in core.TurnInput, onChunk func(string)) (*core.TurnResult, error) {
	state := newTurnState(in)

	// === RECEIVED: VALIDATE ===
	state.UserInput = strings.TrimSpace(state.UserInput)
	if state.UserInput == "" {
		return nil, e.fail(state, fmt.Errorf("%w: user input is empty", core.ErrValidation))
	}
	if state.ConversationID == "" {
		state.ConversationID = uuid.New().String()
	}
	log.Printf("[PIPELINE] Turn received (conversation %s): %s", state.ConversationID, truncate(state.UserInput, 80))

	// === RETRIEVING: ASSEMBLE MEMORY CONTEXT ===
	e.transition(state, StageRetrieving)
	e.retrieve(ctx, state)

	// === ANALYZING: BUILD PROMPT ===
	e.transition(state, StageAnalyzing)
	state.ContextTokens = state.RetrievedContext.Tokens
	state.MemoryQualityScore = state.RetrievedContext.QualityScore
	state.SystemPrompt = buildSystemPrompt(e.config.SystemPrompt, state.RetrievedContext.Text())
	state.History = e.history.Window(state.ConversationID)

	// === GENERATING: CALL THE MODEL ===
	e.transition(state, StageGenerating)
	if err := e.generate(ctx, state, onChunk); err != nil {
		return nil, e.fail(state, err)
	}

	// === PERSISTING: REMEMBER THE EXCHANGE ===
	e.transition(state, StagePersisting)
	e.persist(ctx, state)

	// === FORMATTED ===
	e.transition(state, StageFormatted)
	e.observer.ObserveTurn(TurnOutcome{
		Stage:         StageFormatted,
		Degraded:      state.Degraded,
		ContextTokens: state.ContextTokens,
		QualityScore:  state.MemoryQualityScore,
		Duration:      time.Since(state.StartedAt),
	})
	log.Printf("[PIPELINE] Turn complete in %s (context %d tokens, quality %.2f, degraded=%v)",
		time.Since(state.StartedAt).Round(time.Millisecond), state.ContextTokens, state.MemoryQualityScore, state.Degraded)

	return state.Result(), nil
}

func (e *Engine) retrieve(ctx context.Context, state *TurnState) {
	state.RetrievedContext = &memory.AssembledContext{Items: []memory.ContextItem{}}
	if e.optimizer == nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, e.config.RetrievalTimeout)
	defer cancel()

	assembled, err := e.optimizer.Optimize(rctx, e.config.Memory.Request(state.UserInput))
	if err == nil && assembled == nil {
		err = errors.New("optimizer returned no context")
	}
	if err != nil {
		if rctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w (%w)", err, rctx.Err())
		}
		kind := core.Kind(err)
		state.RetrievalErr = fmt.Errorf("%w: %w", core.ErrMemoryRetrieval, err)
		state.Degraded = true
		e.observer.ObserveRetrievalFailure(kind)
		log.Printf("[MEMORY] Retrieval failed (%s), continuing without memory: %v", kind, err)
		return
	}

	state.RetrievedContext = assembled
	if !assembled.Empty() {
		log.Printf("[MEMORY] Retrieved %d memories (%d tokens)", len(assembled.Items), assembled.Tokens)
	}
}

func (e *Engine) generate(ctx context.Context, state *TurnState, onChunk func(string)) error {
	if e.generator == nil {
		return fmt.Errorf("%w: no generator configured", core.ErrGeneration)
	}

	gctx, cancel := context.WithTimeout(ctx, e.config.GenerationTimeout)
	defer cancel()

	req := GenerationRequest{
		SystemPrompt: state.SystemPrompt,
		History:      state.History,
		UserInput:    state.UserInput,
	}

	var (
		text string
		err  error
	)
	if onChunk != nil {
		text, err = generateStream(gctx, e.generator, req, onChunk)
	} else {
		text, err = e.generator.Generate(gctx, req)
	}
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty response")
	}
	if err != nil {
		if gctx.Err() != nil && !errors.Is(err, gctx.Err()) {
			err = fmt.Errorf("%w (%w)", err, gctx.Err())
		}
		return fmt.Errorf("%w: %w", core.ErrGeneration, err)
	}

	state.Response = text
	return nil
}

func (e *Engine) persist(ctx context.Context, state *TurnState) {
	e.history.Append(state.ConversationID, state.UserInput, state.Response)
	if e.writer == nil {
		return
	}

	req := memory.InsertRequest{
		Content: exchangeContent(state.UserInput, state.Response),
		Type:    memory.TypeConversation,
		Metadata: map[string]string{
			memory.MetaConversationID: state.ConversationID,
			memory.MetaSource:         "conversation",
		},
	}
	// Persistence outlives caller cancellation.
	base := context.WithoutCancel(ctx)

	if !e.async {
		e.insert(base, req)
		return
	}
	e.persisting.Add(1)
	go func() {
		defer e.persisting.Done()
		e.insert(base, req)
	}()
}

func (e *Engine) insert(ctx context.Context, req memory.InsertRequest) {
	ctx, cancel := context.WithTimeout(ctx, e.config.PersistTimeout)
	defer cancel()

	id, err := e.writer.Insert(ctx, req)
	if err != nil {
		kind := core.Kind(err)
		e.observer.ObservePersistFailure(kind)
		log.Printf("[MEMORY] Failed to record conversation (%s): %v", kind, err)
		return
	}
	log.Printf("[MEMORY] Recorded conversation as %s", id)
}

func (e *Engine) transition(state *TurnState, to Stage) {
	from := state.Stage
	state.advance(to)
	log.Printf("[PIPELINE] %s -> %s", from, to)
}

func (e *Engine) fail(state *TurnState, err error) error {
	failedAt := state.Stage
	state.Err = err
	e.transition(state, StageFailed)

	kind := core.Kind(err)
	e.observer.ObserveTurn(TurnOutcome{
		Stage:         StageFailed,
		FailedAt:      failedAt,
		ErrKind:       kind,
		Degraded:      state.Degraded,
		ContextTokens: state.ContextTokens,
		QualityScore:  state.MemoryQualityScore,
		Duration:      time.Since(state.StartedAt),
	})
	log.Printf("[PIPELINE] Turn failed at %s (%s): %v", failedAt, kind, err)

	return &TurnError{Stage: failedAt, State: state, Err: err}
}

// Close waits for background persistence to finish.
func (e *Engine) Close() error {
	e.persisting.Wait()
	return nil
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
