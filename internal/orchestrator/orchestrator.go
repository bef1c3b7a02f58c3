// Package orchestrator drives the neuron pipeline end to end: classify,
// select, generate, validate, execute, recover. One Process call handles
// one user goal and leaves a complete execution record behind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"synapse/internal/discovery"
	"synapse/internal/logging"
	"synapse/internal/neuron"
	"synapse/internal/pattern"
	"synapse/internal/registry"
	"synapse/internal/store"
	"synapse/internal/types"
)

// ErrMaxDepth is the dedicated failure for pipeline recursion beyond the
// configured cap. Raised before any neuron runs.
var ErrMaxDepth = errors.New("maximum pipeline depth exceeded")

// ErrEmptyGoal rejects blank goal text.
var ErrEmptyGoal = errors.New("goal text is empty")

// Config bounds the orchestrator. Zero values take the defaults.
type Config struct {
	MaxDepth           int // recursion cap, default 8
	MaxCodegenRetries  int // validator feedback loops, default 5
	SemanticCandidates int // discovery stage-1 width, default 10
	RankedCandidates   int // discovery stage-2 width, default 5
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxDepth <= 0 {
		out.MaxDepth = 8
	}
	if out.MaxCodegenRetries <= 0 {
		out.MaxCodegenRetries = 5
	}
	if out.SemanticCandidates <= 0 {
		out.SemanticCandidates = 10
	}
	if out.RankedCandidates <= 0 {
		out.RankedCandidates = 5
	}
	return out
}

// Orchestrator is the single entry point for goal processing.
type Orchestrator struct {
	cfg        Config
	store      *store.Store
	registry   *registry.Registry
	discovery  *discovery.Engine
	classifier *neuron.Classifier
	selector   *neuron.Selector
	generator  *neuron.Generator
	validator  *neuron.Validator
	responder  *neuron.Responder
	recovery   *Recovery
	cache      *pattern.Cache
	sink       types.EventSink
}

// New wires an orchestrator. All collaborators are required except sink.
func New(cfg Config, s *store.Store, reg *registry.Registry, disc *discovery.Engine,
	classifier *neuron.Classifier, selector *neuron.Selector, generator *neuron.Generator,
	validator *neuron.Validator, responder *neuron.Responder, recovery *Recovery,
	cache *pattern.Cache, sink types.EventSink) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		store:      s,
		registry:   reg,
		discovery:  disc,
		classifier: classifier,
		selector:   selector,
		generator:  generator,
		validator:  validator,
		responder:  responder,
		recovery:   recovery,
		cache:      cache,
		sink:       sink,
	}
}

const orchestratorComponent = "orchestrator"

// Process handles one user goal: records the execution, drives the
// pipeline, finalizes the record, returns the result. The context deadline
// is honored; on expiry the goal is finalized failed with a deadline error.
func (o *Orchestrator) Process(ctx context.Context, goalText string) (*types.GoalResult, error) {
	return o.ProcessAtDepth(ctx, goalText, 0)
}

// ProcessAtDepth is Process with an explicit starting depth, used by
// recovered fallbacks that re-enter the pipeline.
func (o *Orchestrator) ProcessAtDepth(ctx context.Context, goalText string, depth int) (*types.GoalResult, error) {
	// Depth is checked before any neuron or store call.
	if depth > o.cfg.MaxDepth {
		return nil, fmt.Errorf("depth %d: %w", depth, ErrMaxDepth)
	}
	if goalText == "" {
		return nil, ErrEmptyGoal
	}

	goalID, err := o.store.StoreExecution(ctx, goalText)
	if err != nil {
		return nil, fmt.Errorf("record goal: %w", err)
	}
	return o.execute(ctx, goalID, goalText, depth), nil
}

// ProcessAsync records the goal and drives the pipeline in the background,
// returning the goal id immediately. The result lands in the execution
// record.
func (o *Orchestrator) ProcessAsync(ctx context.Context, goalText string) (string, error) {
	if goalText == "" {
		return "", ErrEmptyGoal
	}
	goalID, err := o.store.StoreExecution(ctx, goalText)
	if err != nil {
		return "", fmt.Errorf("record goal: %w", err)
	}
	go o.execute(context.Background(), goalID, goalText, 0)
	return goalID, nil
}

// execute drives the pipeline for an already-recorded goal and finalizes
// its row.
func (o *Orchestrator) execute(ctx context.Context, goalID, goalText string, depth int) *types.GoalResult {
	start := time.Now()
	types.EmitEvent(o.sink, types.Event{GoalID: goalID, Component: orchestratorComponent, Phase: types.PhaseStarted})
	logging.Pipeline("goal %s started: %q", goalID, goalText)

	result := o.run(ctx, goalID, goalText, depth, nil)
	result.GoalID = goalID

	meta := map[string]any{"depth": depth}
	if ctxErr := ctx.Err(); ctxErr != nil && !result.Success {
		result.Error = "deadline exceeded"
	}
	// Finalize on a fresh context: the goal's deadline must not lose the
	// terminal write.
	finCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.FinalizeExecution(finCtx, goalID, string(result.Intent), result.Success, result.Error, time.Since(start), meta); err != nil {
		// The pipeline outcome stands even if the final write is lost.
		logging.Get(logging.CategoryPipeline).Error("finalize goal %s failed: %v", goalID, err)
	}

	phase := types.PhaseCompleted
	if !result.Success {
		phase = types.PhaseFailed
	}
	types.EmitEvent(o.sink, types.Event{GoalID: goalID, Component: orchestratorComponent,
		Phase: phase, Duration: time.Since(start), Error: result.Error})
	logging.Pipeline("goal %s finished: success=%v intent=%s", goalID, result.Success, result.Intent)
	return result
}

// run drives one pass of the pipeline. exclusions carries tools a recovered
// fallback has already tried.
func (o *Orchestrator) run(ctx context.Context, goalID, goal string, depth int, exclusions []string) *types.GoalResult {
	if depth > o.cfg.MaxDepth {
		return &types.GoalResult{Success: false, Intent: types.IntentUnknown, Error: ErrMaxDepth.Error()}
	}

	decision, err := o.classifier.Classify(ctx, goalID, goal)
	if err != nil {
		return &types.GoalResult{Success: false, Intent: types.IntentUnknown, Error: err.Error()}
	}

	if decision.Intent == types.IntentGenerative {
		return o.runGenerative(ctx, goalID, goal, decision)
	}
	return o.runToolUse(ctx, goalID, goal, decision, depth, exclusions)
}

func (o *Orchestrator) runGenerative(ctx context.Context, goalID, goal string, decision *types.IntentDecision) *types.GoalResult {
	response, err := o.responder.Respond(ctx, goalID, goal)
	if err != nil {
		return &types.GoalResult{Success: false, Intent: types.IntentGenerative, Error: err.Error()}
	}
	o.learn(ctx, goal, decision, true)
	return &types.GoalResult{Success: true, Intent: types.IntentGenerative, Response: response}
}

func (o *Orchestrator) runToolUse(ctx context.Context, goalID, goal string, decision *types.IntentDecision, depth int, exclusions []string) *types.GoalResult {
	fail := func(err error) *types.GoalResult {
		o.learn(ctx, goal, decision, false)
		return &types.GoalResult{Success: false, Intent: types.IntentToolUse, Error: err.Error()}
	}

	// Discovery narrows the catalogue; its failure is survivable because
	// the selector can fall back to the full registry.
	shortlist, err := o.discovery.Discover(ctx, goal, o.cfg.SemanticCandidates, o.cfg.RankedCandidates)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("discovery failed for %q: %v", goal, err)
		shortlist = nil
	}

	selection, err := o.selector.Select(ctx, goalID, goal, shortlist, exclusions)
	if err != nil {
		return fail(err)
	}
	toolName := selection.SelectedTools[0]
	tool, ok := o.registry.Get(toolName)
	if !ok {
		return fail(fmt.Errorf("%s: %w", toolName, registry.ErrToolNotFound))
	}

	program, err := o.generateValidated(ctx, goalID, goal, tool)
	if err != nil {
		return fail(err)
	}

	result, err := o.executeRecorded(ctx, goalID, toolName, program, nil)
	if err != nil {
		outcome, recErr := o.recover(ctx, goalID, goal, tool, program, err, exclusions)
		if recErr != nil {
			return fail(recErr)
		}
		switch outcome.Kind {
		case OutcomeResult:
			result = outcome.Result
		case OutcomeReselect:
			// Fallback re-enters the pipeline one level deeper.
			return o.run(ctx, goalID, goal, depth+1, outcome.Exclusions)
		default:
			o.learn(ctx, goal, decision, false)
			o.selector.RecordOutcome(ctx, goal, selection, false)
			return &types.GoalResult{
				Success:  false,
				Intent:   types.IntentToolUse,
				Response: outcome.Explanation,
				Error:    err.Error(),
			}
		}
	}

	o.learn(ctx, goal, decision, true)
	o.selector.RecordOutcome(ctx, goal, selection, true)
	return &types.GoalResult{Success: true, Intent: types.IntentToolUse, Result: result}
}

// generateValidated loops generator and validator until the program passes
// or the retry budget is spent.
func (o *Orchestrator) generateValidated(ctx context.Context, goalID, goal string, tool *registry.Tool) (string, error) {
	feedback := ""
	for attempt := 0; attempt <= o.cfg.MaxCodegenRetries; attempt++ {
		program, err := o.generator.Generate(ctx, goalID, goal, tool, feedback)
		if err != nil {
			return "", err
		}
		verr := o.validator.Validate(program, tool.Name)
		if verr == nil {
			return program, nil
		}
		var v *neuron.ValidationError
		if !errors.As(verr, &v) {
			return "", verr
		}
		feedback = v.Feedback()
		logging.PipelineDebug("generated program rejected (attempt %d): %s", attempt+1, feedback)
	}
	return "", fmt.Errorf("program for %q failed validation after %d attempts", goal, o.cfg.MaxCodegenRetries+1)
}

// executeRecorded runs the program in the sandbox and records the attempt.
// Every invocation, including recovery retries, leaves its own row.
func (o *Orchestrator) executeRecorded(ctx context.Context, goalID, toolName, program string, input map[string]any) (any, error) {
	start := time.Now()
	result, err := o.registry.Execute(ctx, toolName, program)

	// A program that publishes an error map reports a tool-level failure
	// even though the sandbox itself succeeded.
	if err == nil {
		if m, ok := result.(map[string]any); ok {
			if msg, found := m["error"]; found && msg != nil {
				err = fmt.Errorf("tool error: %v", msg)
			}
		}
	}

	te := store.ToolExecution{
		ExecutionID: goalID,
		ToolName:    toolName,
		Input:       input,
		Success:     err == nil,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		te.Error = err.Error()
	} else {
		te.Result = result
	}
	if _, serr := o.store.StoreToolExecution(ctx, te); serr != nil {
		logging.Get(logging.CategoryPipeline).Error("record tool execution failed: %v", serr)
	}
	return result, err
}

// recover hands the failure to error recovery, wiring retry and adapt back
// into the sandbox.
func (o *Orchestrator) recover(ctx context.Context, goalID, goal string, tool *registry.Tool, program string, execErr error, exclusions []string) (*Outcome, error) {
	failure := &Failure{
		GoalID:   goalID,
		Goal:     goal,
		ToolName: tool.Name,
		Err:      execErr,
	}
	// Prior fallback hops arrive as exclusions; seed the history so the
	// fallback budget spans the whole goal, not one Recover call.
	for _, name := range exclusions {
		failure.History = append(failure.History, Attempt{Strategy: "fallback", Error: name})
	}

	retry := func(ctx context.Context) (any, error) {
		return o.executeRecorded(ctx, goalID, tool.Name, program, nil)
	}
	adapt := func(ctx context.Context, params map[string]any) (any, error) {
		feedback := fmt.Sprintf("Call the tool with exactly these parameters: %v", params)
		adapted, err := o.generator.Generate(ctx, goalID, goal, tool, feedback)
		if err != nil {
			return nil, err
		}
		if err := o.validator.Validate(adapted, tool.Name); err != nil {
			return nil, err
		}
		return o.executeRecorded(ctx, goalID, tool.Name, adapted, params)
	}

	return o.recovery.Recover(ctx, failure, retry, adapt)
}

// learn feeds the classifier decision back into the pattern cache once the
// execution outcome is known.
func (o *Orchestrator) learn(ctx context.Context, goal string, decision *types.IntentDecision, success bool) {
	err := o.cache.StoreAfterExecution(ctx, goal, decision, success, decision.Confidence, nil)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("pattern feedback failed: %v", err)
	}
}
