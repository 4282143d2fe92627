package core

import (
	"context"
	"errors"
)

// Error classes shared by every layer. Lower layers wrap their causes with
// one of these so callers can branch with errors.Is without string matching:
//
//	return fmt.Errorf("%w: embed query: %w", core.ErrEmbeddingFailure, err)
var (
	// ErrEmbeddingFailure means the embedder could not produce a vector.
	ErrEmbeddingFailure = errors.New("embedding failure")

	// ErrStoreUnavailable means the record store failed or was unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrMemoryRetrieval tags a failed retrieval stage. It is never fatal to a turn.
	ErrMemoryRetrieval = errors.New("memory retrieval error")

	// ErrGeneration means the text generator failed or timed out. Terminal for a turn.
	ErrGeneration = errors.New("generation error")

	// ErrValidation means caller input was rejected before any side effect.
	ErrValidation = errors.New("validation error")

	// ErrNotFound means a record id does not exist.
	ErrNotFound = errors.New("not found")
)

// Error kind tags used in logs, metrics labels and API payloads.
const (
	KindEmbeddingFailure = "embedding_failure"
	KindStoreUnavailable = "store_unavailable"
	KindMemoryRetrieval  = "memory_retrieval_error"
	KindGeneration       = "generation_error"
	KindValidation       = "validation_error"
	KindNotFound         = "not_found"
	KindTimeout          = "timeout"
	KindInternal         = "internal"
)

// Kind maps err to its kind tag. The outermost class wins, so a retrieval
// error caused by a store outage reports memory_retrieval_error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrGeneration):
		return KindGeneration
	case errors.Is(err, ErrMemoryRetrieval):
		return KindMemoryRetrieval
	case errors.Is(err, ErrEmbeddingFailure):
		return KindEmbeddingFailure
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}
