package neuron

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"synapse/internal/logging"
	"synapse/internal/pattern"
	"synapse/internal/types"
)

// fewShotFloor is the minimum similarity for a cached example to seed the
// few-shot prompt.
const fewShotFloor = 0.7

// maxFewShotExamples bounds the prompt: at most two cached examples.
const maxFewShotExamples = 2

// Classifier decides whether a goal needs tools or a plain text answer.
// Resolution order, first hit wins: pattern cache, keyword rules, few-shot
// model call seeded from the cache, zero-shot model call.
type Classifier struct {
	llm            types.LLMClient
	cache          *pattern.Cache
	sink           types.EventSink
	cacheThreshold float64
}

// NewClassifier creates an intent classifier.
func NewClassifier(llm types.LLMClient, cache *pattern.Cache, sink types.EventSink, cacheThreshold float64) *Classifier {
	if cacheThreshold <= 0 {
		cacheThreshold = pattern.DefaultThreshold
	}
	return &Classifier{llm: llm, cache: cache, sink: sink, cacheThreshold: cacheThreshold}
}

const classifierComponent = "intent_classifier"

// Classify returns the intent decision for a goal.
func (c *Classifier) Classify(ctx context.Context, goalID, goal string) (*types.IntentDecision, error) {
	start := time.Now()
	emitStarted(c.sink, goalID, classifierComponent)

	decision, err := c.classify(ctx, goal)
	emitStep(c.sink, goalID, classifierComponent, start, err)
	return decision, err
}

func (c *Classifier) classify(ctx context.Context, goal string) (*types.IntentDecision, error) {
	// 1. Pattern cache.
	if hit, ok, err := c.cache.Lookup(ctx, goal, c.cacheThreshold); err == nil && ok {
		var cached types.IntentDecision
		if jsonErr := json.Unmarshal(hit.Decision, &cached); jsonErr == nil && cached.Intent.Valid() {
			logging.NeuronsDebug("classifier cache hit for %q: %s", goal, cached.Intent)
			return &types.IntentDecision{
				Intent:     cached.Intent,
				Confidence: hit.Confidence,
				Method:     types.MethodPatternCache,
			}, nil
		}
	} else if err != nil {
		logging.Get(logging.CategoryNeurons).Warn("classifier cache lookup failed: %v", err)
	}

	// 2. Keyword rules.
	if intent, conf, ok := keywordIntent(goal); ok {
		decision := &types.IntentDecision{Intent: intent, Confidence: conf, Method: types.MethodKeywordSimplifier}
		if err := c.cache.Store(ctx, goal, decision, conf, nil); err != nil {
			logging.Get(logging.CategoryNeurons).Warn("classifier cache store failed: %v", err)
		}
		return decision, nil
	}

	// 3. Model, few-shot when the cache has close-enough examples.
	examples, err := c.cache.GetSimilarExamples(ctx, goal, maxFewShotExamples, fewShotFloor)
	if err != nil {
		logging.Get(logging.CategoryNeurons).Warn("classifier example fetch failed: %v", err)
		examples = nil
	}

	method := types.MethodLLMZeroShot
	prompt := classifierUserPrompt(goal, nil)
	if len(examples) > 0 {
		method = types.MethodLLMFewShot
		prompt = classifierUserPrompt(goal, examples)
	}

	reply, err := c.llm.CompleteWithSystem(ctx, classifierSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("classify %q: %w", goal, err)
	}

	var decision types.IntentDecision
	if err := DecodeReply(reply, &decision); err != nil || !allowedIntent(decision.Intent) {
		// 4. Malformed or out-of-vocabulary answer defaults to generative.
		logging.Neurons("classifier defaulting to generative for %q (reply unusable: %v)", goal, err)
		return &types.IntentDecision{Intent: types.IntentGenerative, Confidence: 0.5, Method: method}, nil
	}
	decision.Method = method
	return &decision, nil
}

func allowedIntent(i types.Intent) bool {
	return i == types.IntentGenerative || i == types.IntentToolUse
}

// keywordIntent applies the rule-based simplifier. Only high-confidence
// phrasings match; everything ambiguous falls through to the model.
func keywordIntent(goal string) (types.Intent, float64, bool) {
	g := strings.ToLower(strings.TrimSpace(goal))

	toolPrefixes := []string{
		"remember that", "remember my", "save ", "store ",
		"calculate ", "compute ", "what is my", "get my", "fetch ",
		"list my", "show my", "update my", "delete my",
	}
	for _, p := range toolPrefixes {
		if strings.HasPrefix(g, p) {
			return types.IntentToolUse, 0.9, true
		}
	}

	generativePrefixes := []string{
		"tell me a joke", "tell me about", "write a", "write me",
		"explain ", "summarize ", "what does ", "why ",
	}
	for _, p := range generativePrefixes {
		if strings.HasPrefix(g, p) {
			return types.IntentGenerative, 0.9, true
		}
	}

	return types.IntentUnknown, 0, false
}

const classifierSystemPrompt = `You classify user goals for an execution engine.
Reply with a single JSON object: {"intent": "generative" | "tool_use", "confidence": 0.0-1.0}.
"tool_use" means the goal needs an external action or stored data (calculations, fetching records, saving facts).
"generative" means a plain text answer suffices.`

func classifierUserPrompt(goal string, examples []pattern.Example) string {
	var b strings.Builder
	if len(examples) > 0 {
		b.WriteString("Previously classified goals:\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "Goal: %s\nDecision: %s\n\n", ex.Query, string(ex.Decision))
		}
	}
	fmt.Fprintf(&b, "Goal: %s\nDecision:", goal)
	return b.String()
}
