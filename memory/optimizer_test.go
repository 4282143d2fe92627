package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

type spySearcher struct {
	calls   int
	matches []memory.Match
	err     error
}

func (s *spySearcher) Search(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Match, error) {
	s.calls++
	return s.matches, s.err
}

func TestOptimize_EmptyStore(t *testing.T) {
	m := newTestManager(t)
	opt := memory.NewOptimizer(m)

	out, err := opt.Optimize(context.Background(), memory.DefaultConfig().Request("hello"))
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.Equal(t, 0, out.Tokens)
	assert.Equal(t, 0.0, out.QualityScore)
	assert.Equal(t, "", out.Text())
}

func TestOptimize_NonPositiveBudgetSkipsStore(t *testing.T) {
	spy := &spySearcher{err: errors.New("must not be called")}
	opt := memory.NewOptimizer(spy)

	for _, budget := range []int{0, -10} {
		out, err := opt.Optimize(context.Background(), memory.OptimizeRequest{Query: "q", MaxTokens: budget, NResults: 5})
		require.NoError(t, err)
		assert.True(t, out.Empty())
	}
	assert.Equal(t, 0, spy.calls)
}

func TestOptimize_IncludesImportantAllergy(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, err := m.Insert(ctx, memory.InsertRequest{
		Content: "Remember: user is allergic to peanuts",
		Type:    memory.TypeImportantInfo,
	})
	require.NoError(t, err)
	for _, c := range []string{"User enjoys hiking on weekends", "The car needs an oil change", "Meeting notes from Tuesday"} {
		_, err := m.Insert(ctx, memory.InsertRequest{Content: c, Type: memory.TypeFact})
		require.NoError(t, err)
	}

	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Importance, 0.9)

	out, err := memory.NewOptimizer(m).Optimize(ctx, memory.OptimizeRequest{
		Query:            "what allergies do I have?",
		MaxTokens:        1000,
		NResults:         5,
		IncludeSummaries: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Items)
	assert.Equal(t, id, out.Items[0].RecordID)
	assert.Contains(t, out.Text(), "allergic to peanuts")
	assert.Greater(t, out.QualityScore, 0.0)

	only, err := memory.NewOptimizer(m).Optimize(ctx, memory.OptimizeRequest{
		Query: "what allergies do I have?", MaxTokens: 1000, NResults: 5, MinImportance: 0.95,
	})
	require.NoError(t, err)
	require.Len(t, only.Items, 1)
	assert.Equal(t, id, only.Items[0].RecordID)
}

// fixedLength builds content of exactly n runes out of short words.
func fixedLength(i, n int) string {
	words := strings.Fields("the user talked about travel plans food music work and family")
	var b strings.Builder
	fmt.Fprintf(&b, "chat %d", i)
	for j := 0; b.Len() < n; j++ {
		b.WriteString(" " + words[j%len(words)])
	}
	return b.String()[:n]
}

func TestOptimize_BudgetWithSummaries(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for i := 0; i < 10; i++ {
		_, err := m.Insert(ctx, memory.InsertRequest{Content: fixedLength(i, 200), Type: memory.TypeConversation})
		require.NoError(t, err)
	}

	out, err := memory.NewOptimizer(m).Optimize(ctx, memory.OptimizeRequest{
		Query:            "travel plans",
		MaxTokens:        120,
		NResults:         10,
		IncludeSummaries: true,
	})
	require.NoError(t, err)

	full, summarized := 0, 0
	sum := 0
	for _, item := range out.Items {
		sum += item.Tokens
		if item.Summarized {
			summarized++
		} else {
			full++
			assert.Equal(t, 50, item.Tokens)
		}
	}
	assert.Equal(t, 2, full)
	assert.Equal(t, 1, summarized)
	assert.Equal(t, sum, out.Tokens)
	assert.LessOrEqual(t, out.Tokens, 120)
}

func TestOptimize_BudgetWithoutSummaries(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for i := 0; i < 10; i++ {
		_, err := m.Insert(ctx, memory.InsertRequest{Content: fixedLength(i, 200), Type: memory.TypeConversation})
		require.NoError(t, err)
	}

	out, err := memory.NewOptimizer(m).Optimize(ctx, memory.OptimizeRequest{
		Query: "travel plans", MaxTokens: 120, NResults: 10,
	})
	require.NoError(t, err)
	assert.Len(t, out.Items, 2)
	assert.Equal(t, 100, out.Tokens)
}

func TestOptimize_NeverExceedsBudget(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for i := 0; i < 12; i++ {
		_, err := m.Insert(ctx, memory.InsertRequest{Content: fixedLength(i, 40+i*37), Type: memory.TypeFact})
		require.NoError(t, err)
	}

	opt := memory.NewOptimizer(m)
	for _, budget := range []int{1, 7, 8, 9, 13, 50, 77, 150, 400} {
		for _, summaries := range []bool{true, false} {
			out, err := opt.Optimize(ctx, memory.OptimizeRequest{
				Query: "family music", MaxTokens: budget, NResults: 12, IncludeSummaries: summaries,
			})
			require.NoError(t, err)
			assert.LessOrEqual(t, out.Tokens, budget, "budget=%d summaries=%v", budget, summaries)
		}
	}
}

func TestOptimize_PropagatesClassifiedErrors(t *testing.T) {
	storeErr := fmt.Errorf("%w: search: %w", core.ErrStoreUnavailable, errors.New("connection reset"))
	opt := memory.NewOptimizer(&spySearcher{err: storeErr})

	_, err := opt.Optimize(context.Background(), memory.OptimizeRequest{Query: "q", MaxTokens: 10, NResults: 3})
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}

func TestOptimize_MinSimilarity(t *testing.T) {
	now := time.Now()
	spy := &spySearcher{matches: []memory.Match{
		{Record: &memory.Record{ID: "a", Content: "close", Importance: 0.5, Timestamp: now}, Similarity: 0.9},
		{Record: &memory.Record{ID: "b", Content: "far", Importance: 0.5, Timestamp: now}, Similarity: 0.1},
	}}

	out, err := memory.NewOptimizer(spy).Optimize(context.Background(), memory.OptimizeRequest{
		Query: "q", MaxTokens: 100, NResults: 2, MinSimilarity: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "a", out.Items[0].RecordID)
	assert.InDelta(t, 0.7*0.9+0.3*0.5, out.QualityScore, 1e-9)
}

func TestRankCandidates(t *testing.T) {
	now := time.Now()
	rec := func(id string, importance float64, age time.Duration) *memory.Record {
		return &memory.Record{ID: id, Importance: importance, Timestamp: now.Add(-age)}
	}

	candidates := []memory.Candidate{
		memory.NewCandidate(memory.Match{Record: rec("low", 0.2, 0), Similarity: 0.5}),
		memory.NewCandidate(memory.Match{Record: rec("high", 0.9, 0), Similarity: 0.9}),
		// Same combined score as "older" but newer.
		memory.NewCandidate(memory.Match{Record: rec("newer", 0.5, time.Minute), Similarity: 0.6}),
		memory.NewCandidate(memory.Match{Record: rec("older", 0.5, time.Hour), Similarity: 0.6}),
		// Same combined score as "newer" but more important.
		{Record: rec("important", 0.8, 2*time.Hour), Similarity: 0.6, Importance: 0.8, CombinedScore: memory.CombinedScore(0.6, 0.5)},
	}

	memory.RankCandidates(candidates)

	var ids []string
	for _, c := range candidates {
		ids = append(ids, c.Record.ID)
	}
	assert.Equal(t, []string{"high", "important", "newer", "older", "low"}, ids)
}

func TestCombinedScore(t *testing.T) {
	assert.InDelta(t, 0.7*0.8+0.3*0.4, memory.CombinedScore(0.8, 0.4), 1e-12)
}

func TestDefaultOptimizeRequest(t *testing.T) {
	req := memory.DefaultOptimizeRequest("q")
	assert.Equal(t, "q", req.Query)
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Equal(t, 5, req.NResults)
	assert.True(t, req.IncludeSummaries)
}
