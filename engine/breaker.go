package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects generation calls.
var ErrCircuitOpen = errors.New("generator circuit breaker is open")

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	// Default: 3
	MaxFailures uint32

	// Timeout is how long the circuit stays open before letting a probe through.
	// Default: 30s
	Timeout time.Duration

	// HalfOpenMaxRequests is how many probes may run while half-open.
	// Default: 1
	HalfOpenMaxRequests uint32
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:         3,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker wraps a Generator so that a failing model API is not hammered
// by every turn. Rejected calls fail fast with ErrCircuitOpen.
type CircuitBreaker struct {
	inner   Generator
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker wraps inner.
func NewCircuitBreaker(inner Generator, config BreakerConfig) *CircuitBreaker {
	defaults := DefaultBreakerConfig()
	if config.MaxFailures == 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HalfOpenMaxRequests == 0 {
		config.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	settings := gobreaker.Settings{
		Name:        "generator",
		MaxRequests: config.HalfOpenMaxRequests,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("[BREAKER] %s: %s -> %s", name, from, to)
		},
	}

	return &CircuitBreaker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Generate runs inner.Generate through the breaker.
func (cb *CircuitBreaker) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return cb.execute(ctx, func() (string, error) {
		return cb.inner.Generate(ctx, req)
	})
}

// GenerateStream streams when the wrapped generator can, otherwise falls back
// to a single chunk.
func (cb *CircuitBreaker) GenerateStream(ctx context.Context, req GenerationRequest, onChunk func(string)) (string, error) {
	return cb.execute(ctx, func() (string, error) {
		return generateStream(ctx, cb.inner, req, onChunk)
	})
}

func (cb *CircuitBreaker) execute(ctx context.Context, fn func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		return "", err
	}
	return result.(string), nil
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	switch cb.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StreamingGenerator is implemented by generators that can deliver partial text.
type StreamingGenerator interface {
	GenerateStream(ctx context.Context, req GenerationRequest, onChunk func(string)) (string, error)
}

// generateStream streams through g when supported. Otherwise the whole reply
// is delivered as one chunk.
func generateStream(ctx context.Context, g Generator, req GenerationRequest, onChunk func(string)) (string, error) {
	if sg, ok := g.(StreamingGenerator); ok && onChunk != nil {
		return sg.GenerateStream(ctx, req, onChunk)
	}
	text, err := g.Generate(ctx, req)
	if err == nil && onChunk != nil {
		onChunk(text)
	}
	return text, err
}
