package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata keys written by the assistant itself.
const (
	MetaConversationID = "conversation_id"
	MetaSource         = "source"
)

// Record is a single stored memory.
//
// Records are immutable after creation. Content, Type, Importance, Embedding
// and Timestamp never change; only Metadata may gain keys. There is no
// re-embed or re-score path.
type Record struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Type       Type              `json:"type"`
	Importance float64           `json:"importance"`
	Embedding  []float32         `json:"embedding,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewRecord creates a Record with a fresh id and the current time.
// The caller sets the embedding before handing it to a Store.
func NewRecord(content string, t Type, importance float64, metadata map[string]string) *Record {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Record{
		ID:         uuid.New().String(),
		Content:    content,
		Type:       t,
		Importance: importance,
		Timestamp:  time.Now().UTC(),
		Metadata:   md,
	}
}

// Clone returns a deep copy so callers cannot reach into Store-owned state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Embedding != nil {
		c.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ConversationID returns the conversation this record came from, if any.
func (r *Record) ConversationID() string {
	return r.Metadata[MetaConversationID]
}

// Format renders the record for prompt injection.
func (r *Record) Format(maxLen int) string {
	return fmt.Sprintf("[%s, importance %.2f] %s", r.Type, r.Importance, truncate(r.Content, maxLen))
}

// truncate shortens s to at most maxLen runes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if maxLen <= 0 || len(runes) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return string(runes[:maxLen-3]) + "..."
}
