package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"synapse/internal/logging"
	"synapse/internal/neuron"
	"synapse/internal/types"
)

// Error classifications.
const (
	ClassTransient         = "transient"
	ClassWrongTool         = "wrong_tool"
	ClassParameterMismatch = "parameter_mismatch"
	ClassImpossible        = "impossible"
)

// Strategy caps. Configurable at construction but fixed for a run.
const (
	DefaultMaxRetries     = 3
	DefaultMaxFallbacks   = 3
	DefaultMaxAdaptations = 2
)

// retryBackoff is the wait before retry attempts 1, 2, 3.
var retryBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// OutcomeKind tells the orchestrator what recovery decided.
type OutcomeKind string

const (
	OutcomeResult   OutcomeKind = "result"   // an inner attempt succeeded
	OutcomeReselect OutcomeKind = "reselect" // pick a different tool
	OutcomeExplain  OutcomeKind = "explain"  // give up with an explanation
)

// Outcome is recovery's verdict on a failed tool call.
type Outcome struct {
	Kind           OutcomeKind
	Classification string
	Result         any
	Exclusions     []string // for reselect: tools already tried
	Explanation    string   // for explain
	Attempts       int      // inner attempts consumed
}

// Attempt is one entry of the in-memory attempt history.
type Attempt struct {
	Strategy string
	Error    string
	At       time.Time
}

// Failure is the context handed to recovery: the thrown error plus what was
// being attempted.
type Failure struct {
	GoalID   string
	Goal     string
	ToolName string
	Params   map[string]any
	Err      error
	History  []Attempt
}

// Recovery classifies tool-call failures and applies the matching strategy.
// Strategy budgets are tracked per Recover call; the shared fallback count
// arrives through the failure history so recursive reselects stay bounded.
type Recovery struct {
	llm            types.LLMClient
	sink           types.EventSink
	maxRetries     int
	maxFallbacks   int
	maxAdaptations int
}

// NewRecovery creates an error-recovery handler with the given caps; zero
// caps take the defaults.
func NewRecovery(llm types.LLMClient, sink types.EventSink, maxRetries, maxFallbacks, maxAdaptations int) *Recovery {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if maxFallbacks <= 0 {
		maxFallbacks = DefaultMaxFallbacks
	}
	if maxAdaptations <= 0 {
		maxAdaptations = DefaultMaxAdaptations
	}
	return &Recovery{llm: llm, sink: sink, maxRetries: maxRetries, maxFallbacks: maxFallbacks, maxAdaptations: maxAdaptations}
}

const recoveryComponent = "error_recovery"

// Recover handles a failed tool call. retry re-executes the same call;
// adapt re-executes with a corrected parameter object. Both callbacks
// record their own tool-execution rows.
func (r *Recovery) Recover(ctx context.Context, f *Failure,
	retry func(context.Context) (any, error),
	adapt func(context.Context, map[string]any) (any, error)) (*Outcome, error) {

	start := time.Now()
	types.EmitEvent(r.sink, types.Event{GoalID: f.GoalID, Component: recoveryComponent, Phase: types.PhaseStarted})

	class := r.classify(ctx, f)
	logging.Recovery("tool %s failed (%v), classified %s", f.ToolName, f.Err, class)

	var outcome *Outcome
	var err error
	switch class {
	case ClassTransient:
		outcome, err = r.retryLoop(ctx, f, retry)
	case ClassWrongTool:
		outcome = r.fallback(f)
	case ClassParameterMismatch:
		outcome, err = r.adaptLoop(ctx, f, adapt)
	default: // impossible
		outcome = &Outcome{Kind: OutcomeExplain, Classification: class, Explanation: r.explain(ctx, f)}
	}
	if err != nil {
		types.EmitEvent(r.sink, types.Event{GoalID: f.GoalID, Component: recoveryComponent,
			Phase: types.PhaseFailed, Duration: time.Since(start), Error: err.Error()})
		return nil, err
	}

	outcome.Classification = class
	types.EmitEvent(r.sink, types.Event{GoalID: f.GoalID, Component: recoveryComponent,
		Phase: types.PhaseCompleted, Duration: time.Since(start)})
	return outcome, nil
}

// classify asks the model, falling back to keyword matching when the reply
// is malformed.
func (r *Recovery) classify(ctx context.Context, f *Failure) string {
	prompt := fmt.Sprintf(
		"Goal: %s\nTool: %s\nError: %v\nPrevious attempts: %d\n\nClassification:",
		f.Goal, f.ToolName, f.Err, len(f.History))

	reply, err := r.llm.CompleteWithSystem(ctx, recoverySystemPrompt, prompt)
	if err == nil {
		var parsed struct {
			Classification string  `json:"classification"`
			Confidence     float64 `json:"confidence"`
		}
		if perr := neuron.DecodeReply(reply, &parsed); perr == nil {
			switch parsed.Classification {
			case ClassTransient, ClassWrongTool, ClassParameterMismatch, ClassImpossible:
				return parsed.Classification
			}
		}
	}
	return keywordClassify(f.Err)
}

// keywordClassify is the heuristic fallback for malformed model answers.
func keywordClassify(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "429"),
		strings.Contains(msg, "connection"), strings.Contains(msg, "temporarily"):
		return ClassTransient
	case strings.Contains(msg, "missing parameter"), strings.Contains(msg, "unexpected keyword"),
		strings.Contains(msg, "wrong number of arguments"), strings.Contains(msg, "invalid argument"):
		return ClassParameterMismatch
	case strings.Contains(msg, "not found"), strings.Contains(msg, "unknown tool"),
		strings.Contains(msg, "no such"):
		return ClassWrongTool
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"):
		return ClassImpossible
	default:
		return ClassTransient
	}
}

func (r *Recovery) retryLoop(ctx context.Context, f *Failure, retry func(context.Context) (any, error)) (*Outcome, error) {
	attempts := 0
	for i := 0; i < r.maxRetries; i++ {
		wait := retryBackoff[min(i, len(retryBackoff)-1)]
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		attempts++
		result, err := retry(ctx)
		if err == nil {
			logging.Recovery("retry %d succeeded for %s", attempts, f.ToolName)
			return &Outcome{Kind: OutcomeResult, Result: result, Attempts: attempts}, nil
		}
		f.History = append(f.History, Attempt{Strategy: "retry", Error: err.Error(), At: time.Now()})
		logging.Recovery("retry %d failed for %s: %v", attempts, f.ToolName, err)
	}
	return &Outcome{Kind: OutcomeExplain, Explanation: r.explain(ctx, f), Attempts: attempts}, nil
}

// fallback asks the orchestrator to reselect, excluding everything already
// tried. The fallback budget is enforced by counting fallback entries in
// the shared history.
func (r *Recovery) fallback(f *Failure) *Outcome {
	fallbacks := 0
	for _, a := range f.History {
		if a.Strategy == "fallback" {
			fallbacks++
		}
	}
	if fallbacks >= r.maxFallbacks {
		return &Outcome{Kind: OutcomeExplain,
			Explanation: fmt.Sprintf("Tried %d different tools without success; the goal could not be completed.", fallbacks+1)}
	}

	excluded := []string{f.ToolName}
	for _, a := range f.History {
		if a.Strategy == "fallback" && a.Error != "" && !contains(excluded, a.Error) {
			excluded = append(excluded, a.Error)
		}
	}
	return &Outcome{Kind: OutcomeReselect, Exclusions: excluded, Attempts: fallbacks + 1}
}

func (r *Recovery) adaptLoop(ctx context.Context, f *Failure, adapt func(context.Context, map[string]any) (any, error)) (*Outcome, error) {
	attempts := 0
	lastErr := f.Err
	for i := 0; i < r.maxAdaptations; i++ {
		params, err := r.correctedParams(ctx, f, lastErr)
		if err != nil {
			logging.Recovery("adaptation prompt failed for %s: %v", f.ToolName, err)
			break
		}

		attempts++
		result, err := adapt(ctx, params)
		if err == nil {
			logging.Recovery("adaptation %d succeeded for %s", attempts, f.ToolName)
			return &Outcome{Kind: OutcomeResult, Result: result, Attempts: attempts}, nil
		}
		lastErr = err
		f.History = append(f.History, Attempt{Strategy: "adapt", Error: err.Error(), At: time.Now()})
	}
	return &Outcome{Kind: OutcomeExplain, Explanation: r.explain(ctx, f), Attempts: attempts}, nil
}

// correctedParams asks the model for a fixed parameter object.
func (r *Recovery) correctedParams(ctx context.Context, f *Failure, lastErr error) (map[string]any, error) {
	prompt := fmt.Sprintf(
		"Goal: %s\nTool: %s\nParameters used: %v\nError: %v\n\nReply with only the corrected JSON parameter object.",
		f.Goal, f.ToolName, f.Params, lastErr)

	reply, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := neuron.DecodeReply(reply, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// explain produces the short user-facing failure explanation. A model
// failure here degrades to a generic message; explain never errors.
func (r *Recovery) explain(ctx context.Context, f *Failure) string {
	prompt := fmt.Sprintf(
		"The goal %q failed: tool %s reported %q after %d attempts. "+
			"Explain briefly, in one or two sentences, why this could not be completed.",
		f.Goal, f.ToolName, f.Err, len(f.History)+1)

	reply, err := r.llm.Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(reply) == "" {
		return fmt.Sprintf("The goal could not be completed: %s failed with %v.", f.ToolName, f.Err)
	}
	return strings.TrimSpace(reply)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

const recoverySystemPrompt = `You classify tool execution errors.
Reply with a single JSON object: {"classification": "transient" | "wrong_tool" | "parameter_mismatch" | "impossible", "confidence": 0.0-1.0}.
transient: temporary failures (timeouts, rate limits) worth retrying unchanged.
wrong_tool: the tool cannot do what the goal asks; a different tool might.
parameter_mismatch: the tool is right but was called with wrong arguments.
impossible: no tool call can satisfy this goal.`
