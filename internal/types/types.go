// Package types holds the shared decision records and cross-package
// interfaces of the goal-execution engine. Neurons produce concrete tagged
// records, never free-form strings; downstream components switch on the
// tags defined here.
package types

import (
	"context"
	"time"
)

// =============================================================================
// INTENTS
// =============================================================================

// Intent classifies a goal and controls the pipeline branch.
type Intent string

const (
	IntentGenerative Intent = "generative"
	IntentToolUse    Intent = "tool_use"
	IntentUnknown    Intent = "unknown"
)

// Valid reports whether the intent is one of the allowed values.
func (i Intent) Valid() bool {
	switch i {
	case IntentGenerative, IntentToolUse, IntentUnknown:
		return true
	}
	return false
}

// DecisionMethod records how a neuron arrived at its decision.
type DecisionMethod string

const (
	MethodPatternCache      DecisionMethod = "pattern_cache"
	MethodKeywordSimplifier DecisionMethod = "keyword_simplifier"
	MethodLLMFewShot        DecisionMethod = "llm_fewshot"
	MethodLLMZeroShot       DecisionMethod = "llm_zeroshot"
	MethodDomainOverride    DecisionMethod = "domain_override"
)

// IntentDecision is the Intent Classifier's output.
type IntentDecision struct {
	Intent     Intent         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Method     DecisionMethod `json:"method"`
}

// SelectionDecision is the Tool Selector's output.
type SelectionDecision struct {
	SelectedTools        []string       `json:"selected_tools"`
	Method               DecisionMethod `json:"method"`
	Confidence           float64        `json:"confidence"`
	CandidatesConsidered int            `json:"candidates_considered"`
}

// =============================================================================
// PIPELINE EVENTS
// =============================================================================

// EventPhase marks where in a step's lifecycle an event was emitted.
type EventPhase string

const (
	PhaseStarted   EventPhase = "started"
	PhaseCompleted EventPhase = "completed"
	PhaseFailed    EventPhase = "failed"
)

// Event is a structured per-step record emitted by the orchestrator and
// neurons when a collector is attached.
type Event struct {
	GoalID    string        `json:"goal_id"`
	Component string        `json:"component"`
	Phase     EventPhase    `json:"phase"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// EventSink receives pipeline events. Absence of a sink is fully
// non-observable to the pipeline; callers must treat a nil sink as valid.
type EventSink interface {
	Emit(Event)
}

// EmitEvent sends an event to the sink if one is attached.
func EmitEvent(sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	sink.Emit(ev)
}

// =============================================================================
// GOAL RESULTS
// =============================================================================

// GoalResult is the orchestrator's terminal output for one goal.
type GoalResult struct {
	Success  bool   `json:"success"`
	Intent   Intent `json:"intent"`
	Response string `json:"response,omitempty"` // generative branch
	Result   any    `json:"result,omitempty"`   // tool-use branch
	Error    string `json:"error,omitempty"`
	GoalID   string `json:"goal_id"`
}

// =============================================================================
// EXTERNAL COLLABORATOR INTERFACES
// =============================================================================

// LLMClient is the minimal interface components use to call a language model.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Embedder is the shared embedding dependency. Pattern cache and tool
// discovery must use the same instance to keep vector spaces consistent.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}
