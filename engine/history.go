package engine

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/becomeliminal/nim-recall/core"
)

const (
	// DefaultHistoryWindow is how many messages of a conversation are replayed.
	DefaultHistoryWindow = 10

	// DefaultMaxConversations bounds how many conversation windows are kept.
	DefaultMaxConversations = 1000
)

// History is the short-term conversation memory: the last few messages of
// each conversation. The least recently used conversations are evicted.
type History struct {
	window int
	cache  *lru.Cache[string, *conversation]
	mu     sync.Mutex
}

type conversation struct {
	mu       sync.Mutex
	messages []core.Message
	turns    int
	started  time.Time
	updated  time.Time
}

// NewHistory creates a History keeping window messages for at most
// maxConversations conversations.
func NewHistory(window, maxConversations int) *History {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if maxConversations <= 0 {
		maxConversations = DefaultMaxConversations
	}
	cache, err := lru.New[string, *conversation](maxConversations)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &History{window: window, cache: cache}
}

// Window returns a copy of the recent messages of a conversation, oldest first.
func (h *History) Window(conversationID string) []core.Message {
	c, ok := h.cache.Get(conversationID)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Append records one completed exchange.
func (h *History) Append(conversationID, userInput, response string) {
	now := time.Now().UTC()
	c := h.get(conversationID, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages,
		core.Message{Role: core.RoleUser, Content: userInput, CreatedAt: now},
		core.Message{Role: core.RoleAssistant, Content: response, CreatedAt: now},
	)
	if over := len(c.messages) - h.window; over > 0 {
		c.messages = append([]core.Message(nil), c.messages[over:]...)
	}
	c.turns++
	c.updated = now
}

func (h *History) get(conversationID string, now time.Time) *conversation {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.cache.Get(conversationID); ok {
		return c
	}
	c := &conversation{started: now, updated: now}
	h.cache.Add(conversationID, c)
	return c
}

// Reset forgets a conversation.
func (h *History) Reset(conversationID string) {
	h.cache.Remove(conversationID)
}

// ConversationSummary describes a conversation's short-term window.
type ConversationSummary struct {
	ConversationID string         `json:"conversation_id"`
	Turns          int            `json:"turns"`
	WindowSize     int            `json:"window_size"`
	Messages       []core.Message `json:"messages"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Summary returns the summary of a conversation and whether it is known.
func (h *History) Summary(conversationID string) (ConversationSummary, bool) {
	c, ok := h.cache.Peek(conversationID)
	if !ok {
		return ConversationSummary{ConversationID: conversationID, WindowSize: h.window}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	messages := make([]core.Message, len(c.messages))
	copy(messages, c.messages)
	return ConversationSummary{
		ConversationID: conversationID,
		Turns:          c.turns,
		WindowSize:     h.window,
		Messages:       messages,
		StartedAt:      c.started,
		UpdatedAt:      c.updated,
	}, true
}

// Len returns the number of tracked conversations.
func (h *History) Len() int {
	return h.cache.Len()
}
