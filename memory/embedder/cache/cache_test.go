package cache_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory/embedder/cache"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
)

type countingEmbedder struct {
	inner *mock.Embedder
	calls atomic.Int32
	fail  bool
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, errors.New("model unavailable")
	}
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func TestEmbedder_CachesRepeatedText(t *testing.T) {
	inner := &countingEmbedder{inner: mock.New()}
	e, err := cache.New(inner, cache.Config{MaxEntries: 100})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	first, err := e.Embed(ctx, "favorite color is green")
	require.NoError(t, err)
	e.Wait()

	second, err := e.Embed(ctx, "favorite color is green")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, mock.DefaultDimensions, e.Dimensions())
}

func TestEmbedder_ReturnsCopies(t *testing.T) {
	e, err := cache.New(mock.New(), cache.Config{})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	_, err = e.Embed(ctx, "hello")
	require.NoError(t, err)
	e.Wait()

	a, _ := e.Embed(ctx, "hello")
	a[0] = 42
	b, _ := e.Embed(ctx, "hello")
	assert.NotEqual(t, float32(42), b[0])
}

func TestEmbedder_ErrorsAreNotCached(t *testing.T) {
	inner := &countingEmbedder{inner: mock.New(), fail: true}
	e, err := cache.New(inner, cache.Config{})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "x")
	require.Error(t, err)
	_, err = e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}
