// Package server exposes the assistant over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/observability"
)

// Assistant is the API the server exposes.
type Assistant interface {
	ProcessTurn(ctx context.Context, in core.TurnInput) (*core.TurnResult, error)
	ProcessTurnStream(ctx context.Context, in core.TurnInput, onChunk func(string)) (*core.TurnResult, error)
	ConversationSummary(conversationID string) (engine.ConversationSummary, bool)

	InsertMemory(ctx context.Context, req memory.InsertRequest) (string, error)
	SearchMemory(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Match, error)
	OptimizeContext(ctx context.Context, req memory.OptimizeRequest) (*memory.AssembledContext, error)
	GetStats(ctx context.Context) (*memory.Stats, error)
	Insights(ctx context.Context) (*memory.Insights, error)
	GetMemory(ctx context.Context, id string) (*memory.Record, error)
	DeleteMemory(ctx context.Context, id string) error
	ClearMemories(ctx context.Context) error
	Export(ctx context.Context, w io.Writer) (int, error)
	Import(ctx context.Context, r io.Reader) (int, error)
}

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address.
	// Default: :8080
	Addr string

	// RateLimit is the sustained requests per second on /api. Zero disables limiting.
	// Default: 10
	RateLimit float64

	// RateBurst is the limiter burst size.
	// Default: 20
	RateBurst int

	// AllowAnyOrigin accepts cross-origin WebSocket connections.
	AllowAnyOrigin bool
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{Addr: ":8080", RateLimit: 10, RateBurst: 20}
}

// Server serves the assistant.
type Server struct {
	assistant Assistant
	cfg       Config
	metrics   *observability.Metrics // Optional
	limiter   *RateLimiter
	upgrader  websocket.Upgrader
}

// New creates a Server. metrics may be nil.
func New(a Assistant, cfg Config, metrics *observability.Metrics) *Server {
	s := &Server{
		assistant: a,
		cfg:       cfg,
		metrics:   metrics,
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin.
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimit)
		}
		r.Post("/turns", s.handleTurn)
		r.Get("/conversations/{id}", s.handleConversation)

		r.Post("/context", s.handleContext)
		r.Get("/stats", s.handleStats)
		r.Get("/insights", s.handleInsights)
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)

		r.Post("/memories", s.handleInsertMemory)
		r.Delete("/memories", s.handleClearMemories)
		r.Get("/memories/search", s.handleSearchMemory)
		r.Get("/memories/{id}", s.handleGetMemory)
		r.Delete("/memories/{id}", s.handleDeleteMemory)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[SERVER] Listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Printf("[SERVER] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
