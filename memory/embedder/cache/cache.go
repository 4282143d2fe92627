// Package cache memoizes embeddings in a ristretto cache.
//
// Turns embed the user query on every retrieval, and repeated queries are
// common in chat. Wrapping the configured embedder avoids recomputing them.
package cache

import (
	"context"
	"fmt"
	"log"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-recall/memory"
)

// Embedder wraps another memory.Embedder with a bounded cache keyed by text.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// Config configures the cache.
type Config struct {
	// MaxEntries bounds how many embeddings are kept.
	// Default: 10000
	MaxEntries int64
}

// New wraps inner with a cache.
func New(inner memory.Embedder, cfg Config) (*Embedder, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,

		// Cost is one per entry, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	log.Printf("[EMBED-CACHE] Caching up to %d embeddings", cfg.MaxEntries)
	return &Embedder{inner: inner, cache: c}, nil
}

// Embed returns the cached vector for text or computes and caches it.
// Callers get their own copy of the vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Wait blocks until pending cache writes are visible to Get.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
