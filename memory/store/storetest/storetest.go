// Package storetest is a conformance suite every memory.Store must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
)

// Dimensions is the vector size the suite embeds with.
const Dimensions = 64

// Factory opens an empty store for vectors of Dimensions size.
type Factory func(t *testing.T) memory.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("SearchOrder", func(t *testing.T) { testSearchOrder(t, newStore(t)) })
	t.Run("SearchTieBreakAtK", func(t *testing.T) { testSearchTieBreak(t, newStore(t)) })
	t.Run("SearchEmptyAndOversizedK", func(t *testing.T) { testSearchEmpty(t, newStore(t)) })
	t.Run("SearchTypeFilter", func(t *testing.T) { testTypeFilter(t, newStore(t)) })
	t.Run("DeleteAndNotFound", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ListAndClear", func(t *testing.T) { testListClear(t, newStore(t)) })
	t.Run("ConcurrentPutSearch", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

var embedder = mock.NewWithDimensions(Dimensions)

// NewRecord builds an embedded record for tests.
func NewRecord(t *testing.T, content string, typ memory.Type, importance float64) *memory.Record {
	t.Helper()
	rec := memory.NewRecord(content, typ, importance, map[string]string{"source": "test"})
	vec, err := embedder.Embed(context.Background(), content)
	require.NoError(t, err)
	rec.Embedding = vec
	return rec
}

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embedder.Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func testPutGet(t *testing.T, s memory.Store) {
	defer s.Close()
	ctx := context.Background()

	rec := NewRecord(t, "User's favorite color is green", memory.TypePreference, 0.77)
	rec.Metadata[memory.MetaConversationID] = "conv-1"
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, rec.Type, got.Type)
	assert.InDelta(t, rec.Importance, got.Importance, 1e-9)
	assert.True(t, rec.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", rec.Timestamp, got.Timestamp)
	assert.Equal(t, rec.Metadata, got.Metadata)
	assert.Len(t, got.Embedding, Dimensions)
}

func testSearchOrder(t *testing.T, s memory.Store) {
	defer s.Close()
	ctx := context.Background()

	for _, c := range []string{
		"user is allergic to peanuts",
		"the meeting moved to thursday afternoon",
		"peanuts and almonds are snacks",
	} {
		require.NoError(t, s.Put(ctx, NewRecord(t, c, memory.TypeFact, 0.5)))
	}

	matches, err := s.Search(ctx, memory.StoreQuery{Embedding: embed(t, "allergic to peanuts"), K: 3})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "user is allergic to peanuts", matches[0].Record.Content)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Similarity, matches[i].Similarity)
	}
}

func testSearchTieBreak(t *testing.T, s memory.Store) {
	m := memory.NewManager(s, embedder, nil)
	defer m.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	put := func(importance float64, offset time.Duration) *memory.Record {
		rec := NewRecord(t, "user likes green tea", memory.TypePreference, importance)
		rec.Timestamp = base.Add(offset)
		require.NoError(t, s.Put(ctx, rec))
		return rec
	}
	low := put(0.2, 0)
	newer := put(0.9, 2*time.Second)
	older := put(0.9, time.Second)
	require.NoError(t, s.Put(ctx, NewRecord(t, "the meeting moved to thursday", memory.TypeFact, 0.9)))

	for i := 0; i < 10; i++ {
		top, err := m.Search(ctx, "user likes green tea", memory.SearchOptions{K: 1})
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, older.ID, top[0].Record.ID)

		two, err := m.Search(ctx, "user likes green tea", memory.SearchOptions{K: 2})
		require.NoError(t, err)
		require.Len(t, two, 2)
		assert.Equal(t, []string{older.ID, newer.ID}, []string{two[0].Record.ID, two[1].Record.ID})

		three, err := m.Search(ctx, "user likes green tea", memory.SearchOptions{K: 3})
		require.NoError(t, err)
		require.Len(t, three, 3)
		assert.Equal(t, low.ID, three[2].Record.ID)
	}
}

func testSearchEmpty(t *testing.T, s memory.Store) {
	defer s.Close()
	ctx := context.Background()

	matches, err := s.Search(ctx, memory.StoreQuery{Embedding: embed(t, "anything"), K: 5})
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, s.Put(ctx, NewRecord(t, "only one", memory.TypeOther, 0.4)))
	matches, err = s.Search(ctx, memory.StoreQuery{Embedding: embed(t, "only"), K: 10})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func testTypeFilter(t *testing.T, s memory.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, NewRecord(t, "buy milk tomorrow", memory.TypeTask, 0.65)))
	require.NoError(t, s.Put(ctx, NewRecord(t, "milk is a dairy product", memory.TypeFact, 0.5)))

	matches, err := s.Search(ctx, memory.StoreQuery{Embedding: embed(t, "milk"), K: 2, Type: memory.TypeTask})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, memory.TypeTask, matches[0].Record.Type)
}

func testDelete(t *testing.T, s memory.Store) {
	defer s.Close()
	ctx := context.Background()

	rec := NewRecord(t, "temporary note", memory.TypeOther, 0.4)
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Delete(ctx, rec.ID))

	_, err := s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, rec.ID), core.ErrNotFound)
}

func testListClear(t *testing.T, s memory.Store) {
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Put(ctx, NewRecord(t, fmt.Sprintf("record number %d", i), memory.TypeFact, 0.5)))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, s.Clear(ctx))
	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.Put(ctx, NewRecord(t, "after clear", memory.TypeFact, 0.5)))
	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testConcurrent(t *testing.T, s memory.Store) {
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := NewRecord(t, fmt.Sprintf("concurrent memory %d", i), memory.TypeConversation, 0.6)
			assert.NoError(t, s.Put(ctx, rec))
			_, err := s.Search(ctx, memory.StoreQuery{Embedding: rec.Embedding, K: 3})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 8)
}
