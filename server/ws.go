package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/core"
)

// WebSocket message types.
const (
	TypeMessage             = "message"
	TypeNewConversation     = "new_conversation"
	TypeConversationStarted = "conversation_started"
	TypeTextChunk           = "text_chunk"
	TypeText                = "text"
	TypeError               = "error"
)

// ClientMessage is sent by the browser or CLI.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServerMessage is sent to the client.
type ServerMessage struct {
	Type               string  `json:"type"`
	Content            string  `json:"content,omitempty"`
	ConversationID     string  `json:"conversation_id,omitempty"`
	Code               string  `json:"code,omitempty"`
	ContextTokens      int     `json:"context_tokens,omitempty"`
	MemoryQualityScore float64 `json:"memory_quality_score,omitempty"`
	Degraded           bool    `json:"degraded,omitempty"`
}

const (
	wsReadLimit    = 1 << 20
	wsReadTimeout  = 10 * time.Minute
	wsWriteTimeout = 10 * time.Second
)

// handleWS runs one chat connection. Turns are processed one at a time in
// the order received; all writes happen on this goroutine.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	log.Printf("[SERVER] WebSocket connected (conversation %s)", conversationID)

	send := func(msg ServerMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[SERVER] WebSocket write failed: %v", err)
			return false
		}
		s.countWS("outbound", msg.Type)
		return true
	}

	if !send(ServerMessage{Type: TypeConversationStarted, ConversationID: conversationID}) {
		return
	}

	conn.SetReadLimit(wsReadLimit)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[SERVER] WebSocket read failed: %v", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.countWS("inbound", "invalid")
			if !send(ServerMessage{Type: TypeError, Code: core.KindValidation, Content: "invalid message: " + err.Error()}) {
				break
			}
			continue
		}
		s.countWS("inbound", msg.Type)

		switch msg.Type {
		case TypeNewConversation:
			conversationID = uuid.New().String()
			if !send(ServerMessage{Type: TypeConversationStarted, ConversationID: conversationID}) {
				return
			}

		case TypeMessage:
			ok := true
			res, err := s.assistant.ProcessTurnStream(r.Context(), core.TurnInput{
				UserInput:      msg.Content,
				ConversationID: conversationID,
			}, func(chunk string) {
				if ok {
					ok = send(ServerMessage{Type: TypeTextChunk, Content: chunk})
				}
			})
			if !ok {
				return
			}
			if err != nil {
				if !send(ServerMessage{Type: TypeError, Code: core.Kind(err), Content: err.Error(), ConversationID: conversationID}) {
					return
				}
				continue
			}
			if !send(ServerMessage{
				Type:               TypeText,
				Content:            res.Response,
				ConversationID:     res.ConversationID,
				ContextTokens:      res.ContextTokens,
				MemoryQualityScore: res.MemoryQualityScore,
				Degraded:           res.Degraded,
			}) {
				return
			}

		default:
			if !send(ServerMessage{Type: TypeError, Code: core.KindValidation, Content: "unknown message type " + msg.Type}) {
				return
			}
		}
	}
	log.Printf("[SERVER] WebSocket disconnected (conversation %s)", conversationID)
}

func (s *Server) countWS(direction, msgType string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}
