package engine

import "time"

// TurnOutcome is reported to the Observer once per turn.
type TurnOutcome struct {
	// Stage is FORMATTED or FAILED.
	Stage Stage

	// FailedAt is the stage the turn was in when it failed.
	FailedAt Stage

	// ErrKind is the core.Kind of the failure, empty on success.
	ErrKind string

	Degraded      bool
	ContextTokens int
	QualityScore  float64
	Duration      time.Duration
}

// Observer receives pipeline events, e.g. for metrics. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	ObserveTurn(TurnOutcome)

	// ObserveRetrievalFailure is called when a turn takes the degrade path.
	// kind is the core.Kind of the underlying cause.
	ObserveRetrievalFailure(kind string)

	// ObservePersistFailure is called when a completed turn could not be stored.
	ObservePersistFailure(kind string)
}

type nopObserver struct{}

func (nopObserver) ObserveTurn(TurnOutcome)        {}
func (nopObserver) ObserveRetrievalFailure(string) {}
func (nopObserver) ObservePersistFailure(string)   {}
