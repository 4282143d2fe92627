package engine

import (
	"fmt"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Stage is a step of the turn pipeline.
type Stage string

const (
	StageReceived   Stage = "RECEIVED"
	StageRetrieving Stage = "RETRIEVING"
	StageAnalyzing  Stage = "ANALYZING"
	StageGenerating Stage = "GENERATING"
	StagePersisting Stage = "PERSISTING"
	StageFormatted  Stage = "FORMATTED"
	StageFailed     Stage = "FAILED"
)

// Stages lists the successful path in order.
func Stages() []Stage {
	return []Stage{StageReceived, StageRetrieving, StageAnalyzing, StageGenerating, StagePersisting, StageFormatted}
}

// Terminal reports whether no further transition is allowed from s.
func (s Stage) Terminal() bool {
	return s == StageFormatted || s == StageFailed
}

// next maps each stage to the one that may follow it on the successful path.
var next = map[Stage]Stage{
	StageReceived:   StageRetrieving,
	StageRetrieving: StageAnalyzing,
	StageAnalyzing:  StageGenerating,
	StageGenerating: StagePersisting,
	StagePersisting: StageFormatted,
}

// CanTransition reports whether the pipeline may move from s to to.
// FAILED is reachable from every non-terminal stage.
func (s Stage) CanTransition(to Stage) bool {
	if s.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	return next[s] == to
}

// TurnState carries one turn through the pipeline. It is owned by a single
// ProcessTurn call and never shared.
type TurnState struct {
	UserInput      string
	ConversationID string

	RetrievedContext   *memory.AssembledContext
	ContextTokens      int
	MemoryQualityScore float64
	SystemPrompt       string

	Response string

	Stage Stage
	Err   error

	// RetrievalErr is set when retrieval failed and the turn continued
	// without memory.
	RetrievalErr error
	Degraded     bool

	// History is the conversation window the generator saw.
	History []core.Message

	// Transitions records every stage entered, in order.
	Transitions []Stage

	StartedAt time.Time
}

func newTurnState(in core.TurnInput) *TurnState {
	return &TurnState{
		UserInput:      in.UserInput,
		ConversationID: in.ConversationID,
		Stage:          StageReceived,
		Transitions:    []Stage{StageReceived},
		StartedAt:      time.Now(),
	}
}

// advance moves the state to stage to. Illegal transitions are programming
// errors and panic.
func (s *TurnState) advance(to Stage) {
	if !s.Stage.CanTransition(to) {
		panic(fmt.Sprintf("engine: illegal transition %s -> %s", s.Stage, to))
	}
	s.Stage = to
	s.Transitions = append(s.Transitions, to)
}

// Result builds the caller-facing result of a FORMATTED turn.
func (s *TurnState) Result() *core.TurnResult {
	return &core.TurnResult{
		Response:           s.Response,
		ContextTokens:      s.ContextTokens,
		MemoryQualityScore: s.MemoryQualityScore,
		ConversationID:     s.ConversationID,
		Degraded:           s.Degraded,
	}
}

// TurnError is returned when a turn ends in FAILED.
type TurnError struct {
	// Stage is where the turn was when it failed.
	Stage Stage

	// State is the turn state at the time of failure.
	State *TurnState

	Err error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed at %s: %v", e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// Kind returns the error kind tag, e.g. "generation_error".
func (e *TurnError) Kind() string {
	return core.Kind(e.Err)
}
