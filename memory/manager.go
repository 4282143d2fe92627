package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Manager is the memory record store used by the assistant.
// It owns scoring and embedding, and classifies every Store failure as
// core.ErrStoreUnavailable (or core.ErrNotFound for missing ids).
//
// Manager is safe for concurrent use as long as the Store and Embedder are.
type Manager struct {
	store    Store
	embedder Embedder // Internal: the engine never sees this
	config   *Config
}

// NewManager creates a Manager over an opened Store.
func NewManager(store Store, embedder Embedder, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		store:    store,
		embedder: embedder,
		config:   config,
	}
}

// Config returns the manager configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// InsertRequest describes a new memory.
type InsertRequest struct {
	Content string
	Type    Type

	// Importance overrides the computed score when non-nil. Must be in [0, 1].
	Importance *float64

	Metadata map[string]string
}

// Insert scores, embeds and persists a new record and returns its id.
// Either the whole record is stored or nothing is.
func (m *Manager) Insert(ctx context.Context, req InsertRequest) (string, error) {
	rec, err := m.newRecord(req)
	if err != nil {
		return "", err
	}

	embedding, err := m.embed(ctx, rec.Content)
	if err != nil {
		return "", err
	}
	rec.Embedding = embedding

	if err := m.store.Put(ctx, rec); err != nil {
		return "", classifyStoreError("put", err)
	}

	log.Printf("[MEMORY] Stored %s memory id=%s importance=%.2f: %q",
		rec.Type, rec.ID, rec.Importance, truncateLog(rec.Content, 50))
	return rec.ID, nil
}

func (m *Manager) newRecord(req InsertRequest) (*Record, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: memory content is empty", core.ErrValidation)
	}

	t, err := ParseType(string(req.Type))
	if err != nil {
		return nil, err
	}

	importance := Score(content, t)
	if req.Importance != nil {
		if *req.Importance < 0 || *req.Importance > 1 {
			return nil, fmt.Errorf("%w: importance %.3f outside [0, 1]", core.ErrValidation, *req.Importance)
		}
		importance = *req.Importance
	}

	return NewRecord(content, t, importance, req.Metadata), nil
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	embedding, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %w", core.ErrEmbeddingFailure, err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: embedder returned an empty vector", core.ErrEmbeddingFailure)
	}
	return embedding, nil
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	// K is the number of nearest records requested from the Store. Must be positive.
	K int

	// Type restricts results to one memory type when non-empty.
	Type Type

	// MinImportance drops records scored below it. Applied after the top-K cut.
	MinImportance float64
}

// Search embeds query and returns the nearest records.
//
// Results are ordered by similarity (highest first), then importance (highest
// first), then timestamp (earliest first).
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]Match, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	embedding, err := m.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := m.SearchEmbedding(ctx, embedding, opts)
	if err != nil {
		return nil, err
	}

	log.Printf("[MEMORY] Retrieved %d memories for query: %q", len(matches), truncateLog(query, 50))
	return matches, nil
}

// SearchEmbedding is Search for a precomputed query vector.
func (m *Manager) SearchEmbedding(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	raw, err := m.store.Search(ctx, StoreQuery{Embedding: embedding, K: opts.K, Type: opts.Type})
	if err != nil {
		return nil, classifyStoreError("search", err)
	}

	ranked := make([]Match, 0, len(raw))
	for _, match := range raw {
		if match.Record != nil {
			ranked = append(ranked, match)
		}
	}
	sortMatches(ranked)
	if len(ranked) > opts.K {
		ranked = ranked[:opts.K]
	}

	matches := ranked[:0]
	for _, match := range ranked {
		if match.Record.Importance >= opts.MinImportance {
			matches = append(matches, match)
		}
	}
	return matches, nil
}

func (o SearchOptions) validate() error {
	if o.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", core.ErrValidation, o.K)
	}
	if o.MinImportance < 0 || o.MinImportance > 1 {
		return fmt.Errorf("%w: min importance %.3f outside [0, 1]", core.ErrValidation, o.MinImportance)
	}
	if o.Type != "" {
		if _, err := ParseType(string(o.Type)); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the record with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, classifyStoreError("get "+id, err)
	}
	return rec, nil
}

// Delete removes the record with the given id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return classifyStoreError("delete "+id, err)
	}
	log.Printf("[MEMORY] Deleted memory id=%s", id)
	return nil
}

// Clear removes every record.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return classifyStoreError("clear", err)
	}
	log.Printf("[MEMORY] Cleared all memories")
	return nil
}

// List returns every record, oldest first.
func (m *Manager) List(ctx context.Context) ([]*Record, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, classifyStoreError("list", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Close closes the underlying Store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// sortMatches orders by similarity desc, importance desc, timestamp asc, id asc.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool { return RanksBefore(matches[i], matches[j]) })
}

// RanksBefore reports whether a outranks b in search results: higher
// similarity, then higher importance, then earlier timestamp, then smaller id.
func RanksBefore(a, b Match) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if a.Record.Importance != b.Record.Importance {
		return a.Record.Importance > b.Record.Importance
	}
	if !a.Record.Timestamp.Equal(b.Record.Timestamp) {
		return a.Record.Timestamp.Before(b.Record.Timestamp)
	}
	return a.Record.ID < b.Record.ID
}

// classifyStoreError tags a Store failure with its error class.
func classifyStoreError(op string, err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", core.ErrStoreUnavailable, op, err)
}

// Config holds memory retrieval defaults.
type Config struct {
	// MaxResults is how many nearest records a turn asks the Store for.
	// Default: 5
	MaxResults int

	// TokenBudget caps the assembled context per turn.
	// Default: 1000
	TokenBudget int

	// MinImportance drops low-importance records from the context [0.0-1.0].
	// Default: 0.0
	MinImportance float64

	// MinSimilarity drops weakly related records from the context.
	// Default: 0.0
	// Note: hashed trigram embeddings produce low scores for paraphrases, so keep
	// this at zero unless a semantic embedder is configured.
	MinSimilarity float64

	// IncludeSummaries lets the optimizer compress records that overflow the budget.
	// Default: true
	IncludeSummaries bool

	// RecentWindow bounds the "recent conversations" insight.
	// Default: 24h
	RecentWindow time.Duration
}

// DefaultConfig returns sensible defaults for local use.
func DefaultConfig() *Config {
	return &Config{
		MaxResults:       5,
		TokenBudget:      1000,
		MinImportance:    0.0,
		MinSimilarity:    0.0,
		IncludeSummaries: true,
		RecentWindow:     24 * time.Hour,
	}
}

// Request builds an OptimizeRequest for query from the configured defaults.
func (c *Config) Request(query string) OptimizeRequest {
	return OptimizeRequest{
		Query:            query,
		MaxTokens:        c.TokenBudget,
		NResults:         c.MaxResults,
		MinImportance:    c.MinImportance,
		MinSimilarity:    c.MinSimilarity,
		IncludeSummaries: c.IncludeSummaries,
	}
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	return truncate(s, maxLen)
}
