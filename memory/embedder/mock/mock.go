// Package mock provides a deterministic, model-free embedder.
//
// Text is lower-cased, split into words, and every character trigram of
// every word is hashed into a fixed number of buckets. Texts that share
// words or word stems ("allergy", "allergic") therefore get a positive
// cosine similarity, which is enough for tests and offline demos.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions matches all-MiniLM-L6-v2 so stores can swap embedders.
const DefaultDimensions = 384

// Embedder hashes character trigrams into a unit vector.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with DefaultDimensions.
func New() *Embedder {
	return NewWithDimensions(DefaultDimensions)
}

// NewWithDimensions creates a mock embedder producing vectors of size dims.
func NewWithDimensions(dims int) *Embedder {
	if dims < 2 {
		dims = DefaultDimensions
	}
	return &Embedder{dimensions: dims}
}

// Embed creates a deterministic embedding from text.
// The last dimension carries a small constant so the vector is never zero.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, e.dimensions)
	buckets := uint64(e.dimensions - 1)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		for _, gram := range trigrams(word) {
			h := fnv.New64a()
			h.Write([]byte(gram))
			sum := h.Sum64()

			// High bit picks the sign so collisions tend to cancel.
			sign := float32(1)
			if (sum>>63)&1 == 1 {
				sign = -1
			}
			embedding[sum%buckets] += sign
		}
	}
	embedding[e.dimensions-1] = 0.1

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// trigrams pads word with boundary markers and returns its 3-rune windows.
func trigrams(word string) []string {
	runes := []rune("^" + word + "$")
	if len(runes) < 3 {
		return []string{string(runes)}
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+3]))
	}
	return grams
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
