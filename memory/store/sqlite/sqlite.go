// Package sqlite stores memories in a single SQLite file using the pure Go
// modernc.org/sqlite driver. Similarity search is an exhaustive cosine scan
// in Go, which is fine for a personal assistant's memory size.
package sqlite

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Store provides SQLite-backed storage for memory records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and initializes the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		// Pragmas in the DSN apply to every pooled connection.
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	createSQL := `CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		importance REAL NOT NULL,
		embedding BLOB NOT NULL,
		created_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);`
	if _, err := db.Exec(createSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	log.Printf("[SQLITE] Opened memory database at %s", path)
	return &Store{db: db}, nil
}

// Put inserts a record, replacing any record with the same id.
func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	md, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories (id, content, type, importance, embedding, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, string(rec.Type), rec.Importance,
		encodeVector(rec.Embedding),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		string(md),
	)
	return err
}

// Search scans all records (of q.Type, if set) and keeps the q.K highest ranked.
func (s *Store) Search(ctx context.Context, q memory.StoreQuery) ([]memory.Match, error) {
	if q.K <= 0 {
		return nil, nil
	}

	query := `SELECT id, content, type, importance, embedding, created_at, metadata FROM memories`
	var args []any
	if q.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, string(q.Type))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	top := &matchHeap{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		m := memory.Match{Record: rec, Similarity: cosine(q.Embedding, rec.Embedding)}
		if top.Len() < q.K {
			heap.Push(top, m)
		} else if memory.RanksBefore(m, (*top)[0]) {
			(*top)[0] = m
			heap.Fix(top, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matches := make([]memory.Match, top.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		matches[i] = heap.Pop(top).(memory.Match)
	}
	return matches, nil
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, type, importance, embedding, created_at, metadata FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, core.ErrNotFound)
	}
	return rec, err
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("memory %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// List returns every record.
func (s *Store) List(ctx context.Context) ([]*memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, type, importance, embedding, created_at, metadata FROM memories ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*memory.Record, error) {
	rec := &memory.Record{}
	var typ, createdAt, md string
	var embedding []byte
	if err := row.Scan(&rec.ID, &rec.Content, &typ, &rec.Importance, &embedding, &createdAt, &md); err != nil {
		return nil, err
	}
	rec.Type = memory.Type(typ)
	rec.Embedding = decodeVector(embedding)

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", rec.ID, err)
	}
	rec.Timestamp = ts

	rec.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(md), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata of %s: %w", rec.ID, err)
	}
	return rec, nil
}

// encodeVector packs float32s little-endian.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// matchHeap holds the current top K with the lowest-ranked match at the root.
type matchHeap []memory.Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return memory.RanksBefore(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(memory.Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
