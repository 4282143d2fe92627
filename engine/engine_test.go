package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
)

// fakeGenerator records requests and answers with a fixed reply.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []engine.GenerationRequest
	reply    string
	err      error
}

func (g *fakeGenerator) Generate(ctx context.Context, req engine.GenerationRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	if g.reply != "" {
		return g.reply, nil
	}
	return "echo: " + req.UserInput, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGenerator) last() engine.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

// flakyStore is a chromem store whose searches can be switched off.
type flakyStore struct {
	*chromem.Store
	failSearch atomic.Bool
}

func (s *flakyStore) Search(ctx context.Context, q memory.StoreQuery) ([]memory.Match, error) {
	if s.failSearch.Load() {
		return nil, errors.New("connection refused")
	}
	return s.Store.Search(ctx, q)
}

// recordingObserver counts pipeline events.
type recordingObserver struct {
	mu                sync.Mutex
	outcomes          []engine.TurnOutcome
	retrievalFailures []string
	persistFailures   []string
}

func (o *recordingObserver) ObserveTurn(out engine.TurnOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
}

func (o *recordingObserver) ObserveRetrievalFailure(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retrievalFailures = append(o.retrievalFailures, kind)
}

func (o *recordingObserver) ObservePersistFailure(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persistFailures = append(o.persistFailures, kind)
}

type optimizerFunc func(ctx context.Context, req memory.OptimizeRequest) (*memory.AssembledContext, error)

func (f optimizerFunc) Optimize(ctx context.Context, req memory.OptimizeRequest) (*memory.AssembledContext, error) {
	return f(ctx, req)
}

type writerFunc func(ctx context.Context, req memory.InsertRequest) (string, error)

func (f writerFunc) Insert(ctx context.Context, req memory.InsertRequest) (string, error) {
	return f(ctx, req)
}

func newMemory(t *testing.T) (*memory.Manager, *flakyStore) {
	t.Helper()
	inner, err := chromem.New(mock.DefaultDimensions)
	require.NoError(t, err)
	store := &flakyStore{Store: inner}
	m := memory.NewManager(store, mock.New(), nil)
	t.Cleanup(func() { _ = m.Close() })
	return m, store
}

func newEngine(m *memory.Manager, gen engine.Generator, opts ...engine.Option) *engine.Engine {
	opts = append([]engine.Option{engine.WithMemory(memory.NewOptimizer(m), m)}, opts...)
	return engine.NewEngine(gen, opts...)
}

func TestProcessTurn_PersistsExchange(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	gen := &fakeGenerator{reply: "Hello! How can I help?"}
	e := newEngine(m, gen)

	res, err := e.ProcessTurn(ctx, core.TurnInput{UserInput: "  hi there  "})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", res.Response)
	assert.NotEmpty(t, res.ConversationID)
	assert.False(t, res.Degraded)
	assert.Equal(t, "hi there", gen.last().UserInput)

	records, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, memory.TypeConversation, records[0].Type)
	assert.Equal(t, "User: hi there\nAssistant: Hello! How can I help?", records[0].Content)
	assert.Equal(t, res.ConversationID, records[0].ConversationID())
	assert.Equal(t, "conversation", records[0].Metadata[memory.MetaSource])
}

func TestProcessTurn_InjectsRelevantMemory(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	_, err := m.Insert(ctx, memory.InsertRequest{
		Content: "Remember: user is allergic to peanuts",
		Type:    memory.TypeImportantInfo,
	})
	require.NoError(t, err)

	gen := &fakeGenerator{reply: "You are allergic to peanuts."}
	e := newEngine(m, gen)

	res, err := e.ProcessTurn(ctx, core.TurnInput{UserInput: "what allergies do I have?", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", res.ConversationID)
	assert.Greater(t, res.ContextTokens, 0)
	assert.Greater(t, res.MemoryQualityScore, 0.0)

	prompt := gen.last().SystemPrompt
	assert.Contains(t, prompt, engine.DefaultSystemPrompt)
	assert.Contains(t, prompt, "RELEVANT MEMORIES")
	assert.Contains(t, prompt, "allergic to peanuts")
}

func TestProcessTurn_EmptyStoreHasNoContext(t *testing.T) {
	m, _ := newMemory(t)
	gen := &fakeGenerator{}
	e := newEngine(m, gen)

	res, err := e.ProcessTurn(context.Background(), core.TurnInput{UserInput: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ContextTokens)
	assert.Equal(t, 0.0, res.MemoryQualityScore)
	assert.Equal(t, engine.DefaultSystemPrompt, gen.last().SystemPrompt)
}

func TestProcessTurn_RejectsEmptyInput(t *testing.T) {
	m, _ := newMemory(t)
	gen := &fakeGenerator{}
	obs := &recordingObserver{}
	e := newEngine(m, gen, engine.WithObserver(obs))

	for _, input := range []string{"", "   ", "\n\t"} {
		res, err := e.ProcessTurn(context.Background(), core.TurnInput{UserInput: input})
		assert.Nil(t, res)
		require.ErrorIs(t, err, core.ErrValidation)

		var turnErr *engine.TurnError
		require.ErrorAs(t, err, &turnErr)
		assert.Equal(t, engine.StageReceived, turnErr.Stage)
		assert.Equal(t, engine.StageFailed, turnErr.State.Stage)
		assert.Equal(t, core.KindValidation, turnErr.Kind())
	}

	assert.Equal(t, 0, gen.calls())
	records, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	require.Len(t, obs.outcomes, 3)
	assert.Equal(t, core.KindValidation, obs.outcomes[0].ErrKind)
}

func TestProcessTurn_DegradesWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	m, store := newMemory(t)
	_, err := m.Insert(ctx, memory.InsertRequest{Content: "User likes jazz", Type: memory.TypePreference})
	require.NoError(t, err)
	store.failSearch.Store(true)

	gen := &fakeGenerator{reply: "Sure, happy to help."}
	obs := &recordingObserver{}
	e := newEngine(m, gen, engine.WithObserver(obs))

	res, err := e.ProcessTurn(ctx, core.TurnInput{UserInput: "what music do I like?"})
	require.NoError(t, err)
	assert.Equal(t, "Sure, happy to help.", res.Response)
	assert.True(t, res.Degraded)
	assert.Equal(t, 0, res.ContextTokens)
	assert.Equal(t, 0.0, res.MemoryQualityScore)
	assert.Equal(t, engine.DefaultSystemPrompt, gen.last().SystemPrompt)

	assert.Equal(t, []string{core.KindStoreUnavailable}, obs.retrievalFailures)
	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, engine.StageFormatted, obs.outcomes[0].Stage)
	assert.True(t, obs.outcomes[0].Degraded)

	// Inserts still work while search is down.
	records, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestProcessTurn_DegradesOnRetrievalTimeout(t *testing.T) {
	slow := optimizerFunc(func(ctx context.Context, req memory.OptimizeRequest) (*memory.AssembledContext, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	gen := &fakeGenerator{}
	obs := &recordingObserver{}
	cfg := engine.DefaultConfig()
	cfg.RetrievalTimeout = 20 * time.Millisecond
	e := engine.NewEngine(gen, engine.WithMemory(slow, nil), engine.WithConfig(cfg), engine.WithObserver(obs))

	start := time.Now()
	res, err := e.ProcessTurn(context.Background(), core.TurnInput{UserInput: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{core.KindTimeout}, obs.retrievalFailures)
}

func TestProcessTurn_GenerationFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	gen := &fakeGenerator{err: errors.New("503 overloaded")}
	obs := &recordingObserver{}
	e := newEngine(m, gen, engine.WithObserver(obs))

	res, err := e.ProcessTurn(ctx, core.TurnInput{UserInput: "tell me a joke", ConversationID: "c1"})
	assert.Nil(t, res)
	require.ErrorIs(t, err, core.ErrGeneration)
	assert.Contains(t, err.Error(), "503 overloaded")

	var turnErr *engine.TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, engine.StageGenerating, turnErr.Stage)
	assert.Equal(t, core.KindGeneration, turnErr.Kind())
	assert.Equal(t, []engine.Stage{
		engine.StageReceived, engine.StageRetrieving, engine.StageAnalyzing, engine.StageGenerating, engine.StageFailed,
	}, turnErr.State.Transitions)
	assert.Empty(t, turnErr.State.Response)

	records, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records, "failed turns are not persisted")
	assert.Empty(t, e.History().Window("c1"))

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, engine.StageFailed, obs.outcomes[0].Stage)
	assert.Equal(t, engine.StageGenerating, obs.outcomes[0].FailedAt)
}

func TestProcessTurn_GenerationTimeout(t *testing.T) {
	slow := engine.GeneratorFunc(func(ctx context.Context, req engine.GenerationRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cfg := engine.DefaultConfig()
	cfg.GenerationTimeout = 20 * time.Millisecond
	e := engine.NewEngine(slow, engine.WithConfig(cfg))

	_, err := e.ProcessTurn(context.Background(), core.TurnInput{UserInput: "hello"})
	require.ErrorIs(t, err, core.ErrGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessTurn_EmptyReplyIsGenerationError(t *testing.T) {
	blank := engine.GeneratorFunc(func(ctx context.Context, req engine.GenerationRequest) (string, error) {
		return "   ", nil
	})
	_, err := engine.NewEngine(blank).ProcessTurn(context.Background(), core.TurnInput{UserInput: "hello"})
	assert.ErrorIs(t, err, core.ErrGeneration)
}

func TestProcessTurn_ConversationWindow(t *testing.T) {
	gen := &fakeGenerator{}
	e := engine.NewEngine(gen)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := e.ProcessTurn(ctx, core.TurnInput{UserInput: fmt.Sprintf("message %d", i), ConversationID: "c1"})
		require.NoError(t, err)
	}

	req := gen.last()
	require.Len(t, req.History, engine.DefaultHistoryWindow)
	assert.Equal(t, "message 1", req.History[0].Content)
	assert.Equal(t, core.RoleUser, req.History[0].Role)
	assert.Equal(t, "echo: message 5", req.History[9].Content)
	assert.Equal(t, core.RoleAssistant, req.History[9].Role)
	assert.Equal(t, "message 6", req.UserInput)

	// Other conversations start empty.
	_, err := e.ProcessTurn(ctx, core.TurnInput{UserInput: "fresh", ConversationID: "c2"})
	require.NoError(t, err)
	assert.Empty(t, gen.last().History)

	summary, ok := e.ConversationSummary("c1")
	require.True(t, ok)
	assert.Equal(t, 7, summary.Turns)
	assert.Len(t, summary.Messages, engine.DefaultHistoryWindow)
}

func TestProcessTurn_PersistFailureIsNotFatal(t *testing.T) {
	failing := writerFunc(func(ctx context.Context, req memory.InsertRequest) (string, error) {
		return "", fmt.Errorf("%w: put: %w", core.ErrStoreUnavailable, errors.New("disk full"))
	})
	obs := &recordingObserver{}
	e := engine.NewEngine(&fakeGenerator{}, engine.WithMemory(nil, failing), engine.WithObserver(obs))

	res, err := e.ProcessTurn(context.Background(), core.TurnInput{UserInput: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", res.Response)
	assert.Equal(t, []string{core.KindStoreUnavailable}, obs.persistFailures)
}

func TestProcessTurn_AsyncPersistence(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	e := newEngine(m, &fakeGenerator{}, engine.WithAsyncPersistence(true))

	for i := 0; i < 5; i++ {
		_, err := e.ProcessTurn(ctx, core.TurnInput{UserInput: fmt.Sprintf("note %d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	records, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestProcessTurn_PersistsAfterCallerCancels(t *testing.T) {
	m, _ := newMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	gen := engine.GeneratorFunc(func(context.Context, engine.GenerationRequest) (string, error) {
		cancel()
		return "done", nil
	})
	e := newEngine(m, gen)

	res, err := e.ProcessTurn(ctx, core.TurnInput{UserInput: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Response)

	records, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestProcessTurnStream(t *testing.T) {
	e := engine.NewEngine(&fakeGenerator{reply: "streamed reply"})

	var chunks []string
	res, err := e.ProcessTurnStream(context.Background(), core.TurnInput{UserInput: "hi"}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	assert.Equal(t, "streamed reply", res.Response)
	assert.Equal(t, []string{"streamed reply"}, chunks)
}

func TestProcessTurn_Concurrent(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t)
	gen := &fakeGenerator{}
	e := newEngine(m, gen)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.ProcessTurn(ctx, core.TurnInput{
				UserInput:      fmt.Sprintf("question %d", i),
				ConversationID: fmt.Sprintf("conv-%d", i%4),
			})
			if err != nil {
				errs <- err
				return
			}
			if res.Response != fmt.Sprintf("echo: question %d", i) {
				errs <- fmt.Errorf("turn %d got %q", i, res.Response)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	records, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 20)
	assert.Equal(t, 4, e.History().Len())
}

func TestStages(t *testing.T) {
	stages := engine.Stages()
	require.Len(t, stages, 6)
	assert.Equal(t, engine.StageReceived, stages[0])
	assert.Equal(t, engine.StageFormatted, stages[5])

	for i := 0; i+1 < len(stages); i++ {
		assert.True(t, stages[i].CanTransition(stages[i+1]))
		assert.False(t, stages[i+1].CanTransition(stages[i]))
		if !stages[i].Terminal() {
			assert.True(t, stages[i].CanTransition(engine.StageFailed))
		}
	}
	assert.False(t, engine.StageRetrieving.CanTransition(engine.StageGenerating))
	assert.False(t, engine.StageFormatted.CanTransition(engine.StageFailed))
	assert.False(t, engine.StageFailed.CanTransition(engine.StageReceived))
}
