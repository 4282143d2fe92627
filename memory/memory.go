package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-recall/core"
)

// Type classifies a memory record. It is fixed at creation.
type Type string

const (
	TypeConversation  Type = "conversation"
	TypeImportantInfo Type = "important_info"
	TypeFact          Type = "fact"
	TypePreference    Type = "preference"
	TypeTask          Type = "task"
	TypeOther         Type = "other"
)

// Types lists every memory type in a stable order.
var Types = []Type{
	TypeConversation,
	TypeImportantInfo,
	TypeFact,
	TypePreference,
	TypeTask,
	TypeOther,
}

// ParseType converts a user-supplied string to a Type.
// The empty string maps to TypeOther.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeOther, nil
	}
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown memory type %q", core.ErrValidation, s)
}

// Store is the vector storage backend interface.
// Implementations: chromem.Store (embedded), sqlite.Store (single file), postgres.Store (pgvector).
//
// Stores return raw errors; Manager classifies them. The one exception is a
// missing id, which must be reported as core.ErrNotFound.
type Store interface {
	// Put saves a record with its embedding. The embedding must be set.
	Put(ctx context.Context, rec *Record) error

	// Search returns the q.K records ranked highest by RanksBefore, highest
	// first. When records tie on similarity at the K boundary a Store may
	// return the whole tie group instead; Manager cuts the result to K.
	Search(ctx context.Context, q StoreQuery) ([]Match, error)

	// Get retrieves a record by id.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes a record permanently.
	Delete(ctx context.Context, id string) error

	// List returns every stored record in no particular order.
	List(ctx context.Context) ([]*Record, error)

	// Clear removes every record.
	Clear(ctx context.Context) error

	// Close releases resources and flushes pending writes.
	Close() error
}

// StoreQuery is a nearest-neighbour request against a Store.
type StoreQuery struct {
	Embedding []float32
	K         int

	// Type restricts results to one memory type when non-empty.
	Type Type
}

// Match pairs a stored record with its similarity to a query.
type Match struct {
	Record     *Record `json:"record"`
	Similarity float64 `json:"similarity"`
}

// Embedder converts text to vector embeddings.
// Implementations: mock.Embedder (testing), onnx.Embedder (offline MiniLM), cache.Embedder (wrapper).
//
// Embedders must be deterministic for identical input and must never return
// an all-zero vector.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}
