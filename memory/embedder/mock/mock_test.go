package mock_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestEmbedder_Deterministic(t *testing.T) {
	e := mock.New()
	ctx := context.Background()

	a, err := e.Embed(ctx, "The user prefers dark roast coffee")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "The user prefers dark roast coffee")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, mock.DefaultDimensions)
}

func TestEmbedder_UnitLengthEvenForEmptyText(t *testing.T) {
	e := mock.NewWithDimensions(64)

	for _, text := range []string{"", "   ", "!!!", "hello world"} {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "text %q", text)
	}
}

func TestEmbedder_SharedStemsAreCloser(t *testing.T) {
	e := mock.New()
	ctx := context.Background()

	query, _ := e.Embed(ctx, "what allergies do I have?")
	related, _ := e.Embed(ctx, "Remember: user is allergic to peanuts")
	unrelated, _ := e.Embed(ctx, "Tomorrow's meeting moved to Thursday")

	assert.Greater(t, cosine(query, related), cosine(query, unrelated))
}

func TestEmbedder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mock.New().Embed(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}
