package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"synapse/internal/discovery"
	"synapse/internal/embedding"
	"synapse/internal/neuron"
	"synapse/internal/pattern"
	"synapse/internal/registry"
	"synapse/internal/sandbox"
	"synapse/internal/store"
	"synapse/internal/types"
)

type harness struct {
	orch  *Orchestrator
	store *store.Store
}

// newHarness wires a full pipeline around an in-memory store, a temp-dir
// registry holding the given tool sources, and the routed mock model.
func newHarness(t *testing.T, llm types.LLMClient, tools map[string]string) *harness {
	t.Helper()

	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	for name, src := range tools {
		if err := os.WriteFile(filepath.Join(dir, name+".go"), []byte(src), 0644); err != nil {
			t.Fatalf("write tool %s: %v", name, err)
		}
	}
	reg := registry.New(dir, sandbox.NewExecutor())
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	embedder := embedding.NewLocalEngine()
	disc := discovery.New(s, reg, embedder)
	if err := disc.Sync(context.Background()); err != nil {
		t.Fatalf("sync discovery: %v", err)
	}

	cache, err := pattern.New(filepath.Join(t.TempDir(), "patterns.json"), embedder)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	orch := New(Config{},
		s, reg, disc,
		neuron.NewClassifier(llm, cache, nil, 0),
		neuron.NewSelector(llm, cache, reg, nil, 0),
		neuron.NewGenerator(llm, nil),
		neuron.NewValidator(),
		neuron.NewResponder(llm, nil),
		NewRecovery(llm, nil, 0, 0, 0),
		cache, nil)
	return &harness{orch: orch, store: s}
}

// pipelineLLM answers each neuron's prompt by recognizing its system prompt.
func pipelineLLM(tool, program, classification string) *routeLLM {
	return &routeLLM{route: func(system, user string) (string, error) {
		switch {
		case strings.Contains(system, "pick exactly one tool"):
			return fmt.Sprintf(`{"tool": %q, "confidence": 0.9}`, tool), nil
		case strings.Contains(system, "write short Go programs"):
			return program, nil
		case strings.Contains(system, "helpful assistant"):
			return "Here is a short answer.", nil
		case strings.Contains(system, "classify tool execution errors"):
			return fmt.Sprintf(`{"classification": %q, "confidence": 0.9}`, classification), nil
		case system == "":
			// Recovery's explanation request.
			return "That action is not permitted for this account.", nil
		default:
			return "", fmt.Errorf("unrecognized prompt: %s", system)
		}
	}}
}

func TestProcessRejectsEmptyGoal(t *testing.T) {
	h := newHarness(t, pipelineLLM("", "", ""), nil)
	if _, err := h.orch.Process(context.Background(), ""); !errors.Is(err, ErrEmptyGoal) {
		t.Fatalf("expected ErrEmptyGoal, got %v", err)
	}
}

func TestProcessAtDepthBeyondCapFailsFast(t *testing.T) {
	h := newHarness(t, pipelineLLM("", "", ""), nil)
	_, err := h.orch.ProcessAtDepth(context.Background(), "calculate 2 plus 2", 9)
	if !errors.Is(err, ErrMaxDepth) {
		t.Fatalf("expected ErrMaxDepth, got %v", err)
	}
	// The cap is checked before anything is recorded.
	recent, err := h.store.GetRecentExecutions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent executions: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("depth overflow left %d execution rows", len(recent))
	}
}

func TestProcessGenerativeGoal(t *testing.T) {
	h := newHarness(t, pipelineLLM("", "", ""), nil)
	ctx := context.Background()

	result, err := h.orch.Process(ctx, "tell me a joke about compilers")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.Success || result.Intent != types.IntentGenerative {
		t.Fatalf("result = %+v", result)
	}
	if result.Response != "Here is a short answer." {
		t.Fatalf("response = %q", result.Response)
	}

	rec, err := h.store.GetExecution(ctx, result.GoalID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if !rec.Finalized || !rec.Success || rec.Intent != "generative" {
		t.Fatalf("record = %+v", rec)
	}
	counts, _ := h.store.Counts()
	if counts["tool_executions"] != 0 {
		t.Fatalf("generative goal recorded %d tool executions", counts["tool_executions"])
	}
}

const doublerTool = `package main

import "strconv"

func Execute(params map[string]any) (map[string]any, error) {
	raw, _ := params["value"].(string)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"doubled": n * 2}, nil
}

func Describe() map[string]any {
	return map[string]any{"description": "doubles an integer"}
}
`

const doublerProgram = `// tool: calc_double
package main

import "sandbox"

func main() {
	result, err := Execute(map[string]any{"value": "21"})
	if err != nil {
		sandbox.SetResult(map[string]any{"error": err.Error()})
		return
	}
	sandbox.SetResult(result)
}
`

func TestProcessToolGoal(t *testing.T) {
	h := newHarness(t, pipelineLLM("calc_double", doublerProgram, ""),
		map[string]string{"calc_double": doublerTool})
	ctx := context.Background()

	result, err := h.orch.Process(ctx, "calculate double of 21")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.Success || result.Intent != types.IntentToolUse {
		t.Fatalf("result = %+v", result)
	}
	m, ok := result.Result.(map[string]any)
	if !ok || m["doubled"] != 42 {
		t.Fatalf("tool result = %v", result.Result)
	}

	rec, err := h.store.GetExecution(ctx, result.GoalID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if !rec.Success || rec.Intent != "tool_use" {
		t.Fatalf("record = %+v", rec)
	}
	tes, err := h.store.GetToolExecutions(ctx, "calc_double", 10)
	if err != nil {
		t.Fatalf("tool executions: %v", err)
	}
	if len(tes) != 1 || !tes[0].Success {
		t.Fatalf("tool rows = %+v", tes)
	}
}

const vaultTool = `package main

import "errors"

func Execute(params map[string]any) (map[string]any, error) {
	return nil, errors.New("permission denied for vault")
}

func Describe() map[string]any {
	return map[string]any{"description": "reads a vault secret"}
}
`

const vaultProgram = `// tool: vault_read
package main

import "sandbox"

func main() {
	result, err := Execute(map[string]any{"key": "secret"})
	if err != nil {
		sandbox.SetResult(map[string]any{"error": err.Error()})
		return
	}
	sandbox.SetResult(result)
}
`

func TestProcessToolFailureImpossibleExplains(t *testing.T) {
	h := newHarness(t, pipelineLLM("vault_read", vaultProgram, ClassImpossible),
		map[string]string{"vault_read": vaultTool})
	ctx := context.Background()

	result, err := h.orch.Process(ctx, "get my vault secret")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Success {
		t.Fatalf("impossible goal reported success: %+v", result)
	}
	if result.Response != "That action is not permitted for this account." {
		t.Fatalf("explanation = %q", result.Response)
	}
	if !strings.Contains(result.Error, "permission denied") {
		t.Fatalf("error = %q", result.Error)
	}

	rec, err := h.store.GetExecution(ctx, result.GoalID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if rec.Success {
		t.Fatalf("record = %+v", rec)
	}
	tes, _ := h.store.GetToolExecutions(ctx, "vault_read", 10)
	if len(tes) != 1 || tes[0].Success {
		t.Fatalf("tool rows = %+v", tes)
	}
}
