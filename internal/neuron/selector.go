package neuron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"synapse/internal/discovery"
	"synapse/internal/logging"
	"synapse/internal/pattern"
	"synapse/internal/registry"
	"synapse/internal/types"
)

// ErrUnknownTool is returned when the model names a tool that is not in
// the registry.
var ErrUnknownTool = errors.New("selected tool not in registry")

// Selector picks the tool for a goal, preferring a discovery short list to
// keep the model's context bounded.
type Selector struct {
	llm            types.LLMClient
	cache          *pattern.Cache
	registry       *registry.Registry
	sink           types.EventSink
	cacheThreshold float64
}

// NewSelector creates a tool selector.
func NewSelector(llm types.LLMClient, cache *pattern.Cache, reg *registry.Registry, sink types.EventSink, cacheThreshold float64) *Selector {
	if cacheThreshold <= 0 {
		cacheThreshold = pattern.DefaultThreshold
	}
	return &Selector{llm: llm, cache: cache, registry: reg, sink: sink, cacheThreshold: cacheThreshold}
}

const selectorComponent = "tool_selector"

// Select chooses a tool for the goal. shortlist may be nil, in which case
// the model chooses over the full registry. Tools named in exclusions are
// never chosen; recovery uses this to reselect after a wrong-tool failure.
func (s *Selector) Select(ctx context.Context, goalID, goal string, shortlist []discovery.Ranked, exclusions []string) (*types.SelectionDecision, error) {
	start := time.Now()
	emitStarted(s.sink, goalID, selectorComponent)

	decision, err := s.sel(ctx, goal, shortlist, exclusions)
	emitStep(s.sink, goalID, selectorComponent, start, err)
	return decision, err
}

func (s *Selector) sel(ctx context.Context, goal string, shortlist []discovery.Ranked, exclusions []string) (*types.SelectionDecision, error) {
	excluded := make(map[string]bool, len(exclusions))
	for _, name := range exclusions {
		excluded[name] = true
	}

	// 1. Pattern cache, skipped when recovery excludes tools: a cached
	// selection may be exactly the tool that just failed.
	if len(excluded) == 0 {
		if hit, ok, err := s.cache.Lookup(ctx, "select:"+goal, s.cacheThreshold); err == nil && ok {
			var cached types.SelectionDecision
			if json.Unmarshal(hit.Decision, &cached) == nil && s.allExist(cached.SelectedTools) {
				logging.NeuronsDebug("selector cache hit for %q: %v", goal, cached.SelectedTools)
				return &types.SelectionDecision{
					SelectedTools:        cached.SelectedTools,
					Method:               types.MethodPatternCache,
					Confidence:           hit.Confidence,
					CandidatesConsidered: len(cached.SelectedTools),
				}, nil
			}
		} else if err != nil {
			logging.Get(logging.CategoryNeurons).Warn("selector cache lookup failed: %v", err)
		}
	}

	// 2. Build the candidate text: the discovery short list when present,
	// otherwise the full registry.
	type option struct {
		name, description string
	}
	var options []option
	if len(shortlist) > 0 {
		for _, r := range shortlist {
			if !excluded[r.ToolName] {
				options = append(options, option{r.ToolName, r.Description})
			}
		}
	} else {
		for _, t := range s.registry.List() {
			if !excluded[t.Name] {
				options = append(options, option{t.Name, t.Description})
			}
		}
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no candidate tools for %q: %w", goal, ErrUnknownTool)
	}

	var b strings.Builder
	for _, o := range options {
		fmt.Fprintf(&b, "- %s: %s\n", o.name, o.description)
	}
	prompt := fmt.Sprintf("Goal: %s\n\nAvailable tools:\n%s\nDecision:", goal, b.String())

	reply, err := s.llm.CompleteWithSystem(ctx, selectorSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("select tool for %q: %w", goal, err)
	}

	var parsed struct {
		Tool       string  `json:"tool"`
		Confidence float64 `json:"confidence"`
	}
	if err := DecodeReply(reply, &parsed); err != nil {
		return nil, fmt.Errorf("select tool for %q: %w", goal, err)
	}
	parsed.Tool = strings.TrimSpace(parsed.Tool)

	// 3. The answer must exist in the registry.
	if !s.registry.Has(parsed.Tool) || excluded[parsed.Tool] {
		return nil, fmt.Errorf("%q chose %q: %w", goal, parsed.Tool, ErrUnknownTool)
	}

	decision := &types.SelectionDecision{
		SelectedTools:        []string{parsed.Tool},
		Method:               types.MethodLLMZeroShot,
		Confidence:           parsed.Confidence,
		CandidatesConsidered: len(options),
	}
	return decision, nil
}

// RecordOutcome feeds a completed selection back into the pattern cache.
func (s *Selector) RecordOutcome(ctx context.Context, goal string, decision *types.SelectionDecision, success bool) {
	err := s.cache.StoreAfterExecution(ctx, "select:"+goal, decision, success, decision.Confidence, nil)
	if err != nil {
		logging.Get(logging.CategoryNeurons).Warn("selector cache feedback failed: %v", err)
	}
}

func (s *Selector) allExist(names []string) bool {
	if len(names) == 0 {
		return false
	}
	for _, n := range names {
		if !s.registry.Has(n) {
			return false
		}
	}
	return true
}

const selectorSystemPrompt = `You pick exactly one tool for a user goal.
Reply with a single JSON object: {"tool": "<name from the list>", "confidence": 0.0-1.0}.
Only use names from the provided list.`
