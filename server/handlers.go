package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

type turnRequest struct {
	UserInput      string `json:"user_input"`
	ConversationID string `json:"conversation_id"`
}

type insertRequest struct {
	Content    string            `json:"content"`
	Type       string            `json:"type"`
	Importance *float64          `json:"importance"`
	Metadata   map[string]string `json:"metadata"`
}

type contextRequest struct {
	Query            string   `json:"query"`
	MaxTokens        *int     `json:"max_tokens"`
	NResults         *int     `json:"n_results"`
	MinImportance    *float64 `json:"min_importance"`
	MinSimilarity    *float64 `json:"min_similarity"`
	IncludeSummaries *bool    `json:"include_summaries"`
}

// memoryJSON is a record without its embedding.
type memoryJSON struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Type       memory.Type       `json:"type"`
	Importance float64           `json:"importance"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity *float64          `json:"similarity,omitempty"`
}

func toMemoryJSON(rec *memory.Record) memoryJSON {
	return memoryJSON{
		ID:         rec.ID,
		Content:    rec.Content,
		Type:       rec.Type,
		Importance: rec.Importance,
		Timestamp:  rec.Timestamp,
		Metadata:   rec.Metadata,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	res, err := s.assistant.ProcessTurn(r.Context(), core.TurnInput{
		UserInput:      req.UserInput,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.assistant.ConversationSummary(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, core.KindNotFound, "conversation not found")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleInsertMemory(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := decodeJSON(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}
	t, err := memory.ParseType(req.Type)
	if err != nil {
		respondErr(w, err)
		return
	}

	id, err := s.assistant.InsertMemory(r.Context(), memory.InsertRequest{
		Content:    req.Content,
		Type:       t,
		Importance: req.Importance,
		Metadata:   req.Metadata,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, core.KindValidation, "query parameter q is required")
		return
	}

	opts := memory.SearchOptions{K: 5}
	var err error
	if v := q.Get("k"); v != "" {
		if opts.K, err = strconv.Atoi(v); err != nil {
			respondError(w, http.StatusBadRequest, core.KindValidation, "k must be an integer")
			return
		}
	}
	if v := q.Get("min_importance"); v != "" {
		if opts.MinImportance, err = strconv.ParseFloat(v, 64); err != nil {
			respondError(w, http.StatusBadRequest, core.KindValidation, "min_importance must be a number")
			return
		}
	}
	if v := q.Get("type"); v != "" {
		if opts.Type, err = memory.ParseType(v); err != nil {
			respondErr(w, err)
			return
		}
	}

	matches, err := s.assistant.SearchMemory(r.Context(), query, opts)
	if err != nil {
		respondErr(w, err)
		return
	}

	out := make([]memoryJSON, 0, len(matches))
	for _, m := range matches {
		item := toMemoryJSON(m.Record)
		similarity := m.Similarity
		item.Similarity = &similarity
		out = append(out, item)
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		respondError(w, http.StatusBadRequest, core.KindValidation, "max_tokens must be positive")
		return
	}
	if req.NResults != nil && *req.NResults <= 0 {
		respondError(w, http.StatusBadRequest, core.KindValidation, "n_results must be positive")
		return
	}

	or := memory.DefaultOptimizeRequest(req.Query)
	if req.MaxTokens != nil {
		or.MaxTokens = *req.MaxTokens
	}
	if req.NResults != nil {
		or.NResults = *req.NResults
	}
	if req.MinImportance != nil {
		or.MinImportance = *req.MinImportance
	}
	if req.MinSimilarity != nil {
		or.MinSimilarity = *req.MinSimilarity
	}
	if req.IncludeSummaries != nil {
		or.IncludeSummaries = *req.IncludeSummaries
	}

	out, err := s.assistant.OptimizeContext(r.Context(), or)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"items":         out.Items,
		"tokens":        out.Tokens,
		"quality_score": out.QualityScore,
		"text":          out.Text(),
	})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.assistant.GetMemory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toMemoryJSON(rec))
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.assistant.DeleteMemory(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearMemories(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		respondError(w, http.StatusBadRequest, core.KindValidation, "pass confirm=true to delete every memory")
		return
	}
	if err := s.assistant.ClearMemories(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.assistant.GetStats(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.assistant.Insights(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, insights)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="memories-%s.json"`, time.Now().UTC().Format("20060102-150405")))
	n, err := s.assistant.Export(r.Context(), w)
	if err != nil {
		// Headers may be gone already; log and let the client see a truncated body.
		log.Printf("[SERVER] Export failed after %d memories: %v", n, err)
		return
	}
	log.Printf("[SERVER] Exported %d memories", n)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	n, err := s.assistant.Import(r.Context(), http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"imported": n})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondDecodeError(w http.ResponseWriter, err error) {
	respondError(w, http.StatusBadRequest, core.KindValidation, "invalid request body: "+err.Error())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr maps an error kind to its HTTP status.
func respondErr(w http.ResponseWriter, err error) {
	kind := core.Kind(err)
	respondError(w, statusFor(kind), kind, err.Error())
}

func statusFor(kind string) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindGeneration:
		return http.StatusBadGateway
	case core.KindStoreUnavailable, core.KindEmbeddingFailure, core.KindMemoryRetrieval:
		return http.StatusServiceUnavailable
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
