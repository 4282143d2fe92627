package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/core"
)

// Export is the portable JSON envelope for a full memory dump.
type Export struct {
	ExportTimestamp time.Time `json:"export_timestamp"`
	TotalMemories   int       `json:"total_memories"`
	Memories        []*Record `json:"memories"`
}

// Export writes every record, embeddings included, as a JSON envelope.
// It returns the number of records written.
func (m *Manager) Export(ctx context.Context, w io.Writer) (int, error) {
	records, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	envelope := Export{
		ExportTimestamp: time.Now().UTC(),
		TotalMemories:   len(records),
		Memories:        records,
	}
	if envelope.Memories == nil {
		envelope.Memories = []*Record{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(envelope); err != nil {
		return 0, fmt.Errorf("encode export: %w", err)
	}

	log.Printf("[MEMORY] Exported %d memories", len(records))
	return len(records), nil
}

// Import reads an envelope written by Export and stores every record with its
// original id, content, type, importance, timestamp and metadata. Records
// without a usable embedding are embedded again.
//
// Every record is validated and embedded before the first write, so a bad
// record or an embedding failure stores nothing. A Store failure during the
// writes leaves the records written before it in place; the returned count
// says how many were stored.
func (m *Manager) Import(ctx context.Context, r io.Reader) (int, error) {
	var envelope Export
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return 0, fmt.Errorf("%w: decode import: %v", core.ErrValidation, err)
	}

	for i, rec := range envelope.Memories {
		if err := m.normalizeImported(ctx, rec); err != nil {
			return 0, fmt.Errorf("memory #%d: %w", i+1, err)
		}
	}

	imported := 0
	for _, rec := range envelope.Memories {
		if err := m.store.Put(ctx, rec); err != nil {
			log.Printf("[MEMORY] Import stopped after %d of %d memories: %v", imported, len(envelope.Memories), err)
			return imported, classifyStoreError("import "+rec.ID, err)
		}
		imported++
	}

	log.Printf("[MEMORY] Imported %d memories", imported)
	return imported, nil
}

func (m *Manager) normalizeImported(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Content == "" {
		return fmt.Errorf("%w: memory content is empty", core.ErrValidation)
	}
	t, err := ParseType(string(rec.Type))
	if err != nil {
		return err
	}
	rec.Type = t
	if rec.Importance < 0 || rec.Importance > 1 {
		return fmt.Errorf("%w: importance %.3f outside [0, 1]", core.ErrValidation, rec.Importance)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	if len(rec.Embedding) != m.embedder.Dimensions() {
		embedding, err := m.embed(ctx, rec.Content)
		if err != nil {
			return err
		}
		rec.Embedding = embedding
	}
	return nil
}
