// Package chromem stores memories in chromem-go, a pure Go embedded vector
// database. It runs fully in memory or persists to a directory.
package chromem

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Reserved chromem metadata keys. User metadata is stored under metaPrefix
// so it can never collide with them.
const (
	keyType       = "type"
	keyImportance = "importance"
	keyTimestamp  = "timestamp"
	metaPrefix    = "meta."

	// DefaultCollection is used when Config.Collection is empty.
	DefaultCollection = "assistant_memories"
)

// Config configures the store.
type Config struct {
	// Path persists the database under this directory. Empty keeps it in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Collection names the chromem collection. Default: assistant_memories.
	Collection string

	// Dimensions is the embedder's vector size. Required for List.
	Dimensions int
}

// Store wraps a single chromem-go collection.
type Store struct {
	db         *chromem.DB
	name       string
	dimensions int

	// Guards col, which Clear swaps out.
	mu  sync.RWMutex
	col *chromem.Collection
}

// New creates an in-memory store.
func New(dimensions int) (*Store, error) {
	return Open(Config{Dimensions: dimensions})
}

// Open creates or reopens a store as described by cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("chromem: dimensions must be positive")
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open persistent db at %s: %w", cfg.Path, err)
		}
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	log.Printf("[CHROMEM] Opened collection %q (path=%q, documents=%d)", cfg.Collection, cfg.Path, col.Count())
	return &Store{
		db:         db,
		name:       cfg.Collection,
		dimensions: cfg.Dimensions,
		col:        col,
	}, nil
}

func (s *Store) collection() *chromem.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col
}

// Put saves a record with its embedding.
func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	if len(rec.Embedding) != s.dimensions {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", len(rec.Embedding), s.dimensions)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: append([]float32(nil), rec.Embedding...),
		Metadata:  encodeMetadata(rec),
	}
	if err := s.collection().AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search retrieves records by cosine similarity.
func (s *Store) Search(ctx context.Context, q memory.StoreQuery) ([]memory.Match, error) {
	col := s.collection()

	count := col.Count()
	if q.K <= 0 || count == 0 {
		return nil, nil
	}

	var where map[string]string
	if q.Type != "" {
		where = map[string]string{keyType: string(q.Type)}
	}

	// chromem-go picks arbitrarily among equal similarities, so fetch past K
	// until the K-th similarity is no longer tied with the last result.
	// nResults must stay <= collection size.
	n := min(q.K+1, count)
	var results []chromem.Result
	for {
		var err error
		results, err = col.QueryEmbedding(ctx, q.Embedding, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		if len(results) < n || n == count || len(results) <= q.K ||
			results[q.K-1].Similarity != results[len(results)-1].Similarity {
			break
		}
		n = min(2*n, count)
	}
	if len(results) > q.K {
		boundary := results[q.K-1].Similarity
		cut := q.K
		for cut < len(results) && results[cut].Similarity == boundary {
			cut++
		}
		results = results[:cut]
	}

	matches := make([]memory.Match, 0, len(results))
	for _, res := range results {
		rec, err := decodeRecord(res.ID, res.Content, res.Embedding, res.Metadata)
		if err != nil {
			log.Printf("[CHROMEM] Skipping result %s: %v", res.ID, err)
			continue
		}
		matches = append(matches, memory.Match{Record: rec, Similarity: float64(res.Similarity)})
	}
	return matches, nil
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	doc, err := s.collection().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("memory %s: %w", id, core.ErrNotFound)
	}
	return decodeRecord(doc.ID, doc.Content, doc.Embedding, doc.Metadata)
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	col := s.collection()
	if _, err := col.GetByID(ctx, id); err != nil {
		return fmt.Errorf("memory %s: %w", id, core.ErrNotFound)
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// List returns every record. chromem-go has no iterator, so this runs an
// exhaustive query with a uniform probe vector.
func (s *Store) List(ctx context.Context) ([]*memory.Record, error) {
	col := s.collection()
	n := col.Count()
	if n == 0 {
		return nil, nil
	}

	probe := make([]float32, s.dimensions)
	for i := range probe {
		probe[i] = float32(1 / math.Sqrt(float64(s.dimensions)))
	}

	results, err := col.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem list: %w", err)
	}

	records := make([]*memory.Record, 0, len(results))
	for _, res := range results {
		rec, err := decodeRecord(res.ID, res.Content, res.Embedding, res.Metadata)
		if err != nil {
			log.Printf("[CHROMEM] Skipping document %s: %v", res.ID, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Clear drops and recreates the collection.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(s.name); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	col, err := s.db.CreateCollection(s.name, nil, nil)
	if err != nil {
		return fmt.Errorf("recreate collection: %w", err)
	}
	s.col = col
	return nil
}

// Close releases resources. Persistent documents are written on every Put,
// so there is nothing to flush.
func (s *Store) Close() error {
	return nil
}

func encodeMetadata(rec *memory.Record) map[string]string {
	md := map[string]string{
		keyType:       string(rec.Type),
		keyImportance: strconv.FormatFloat(rec.Importance, 'g', -1, 64),
		keyTimestamp:  rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range rec.Metadata {
		md[metaPrefix+k] = v
	}
	return md
}

func decodeRecord(id, content string, embedding []float32, md map[string]string) (*memory.Record, error) {
	importance, err := strconv.ParseFloat(md[keyImportance], 64)
	if err != nil {
		return nil, fmt.Errorf("parse importance: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, md[keyTimestamp])
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}

	userMeta := make(map[string]string)
	for k, v := range md {
		if strings.HasPrefix(k, metaPrefix) {
			userMeta[strings.TrimPrefix(k, metaPrefix)] = v
		}
	}

	return &memory.Record{
		ID:         id,
		Content:    content,
		Type:       memory.Type(md[keyType]),
		Importance: importance,
		Embedding:  append([]float32(nil), embedding...),
		Timestamp:  ts,
		Metadata:   userMeta,
	}, nil
}
