package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// routeLLM dispatches completions on prompt content so one mock serves the
// classifier, recovery, and generator roles at once.
type routeLLM struct {
	route func(system, user string) (string, error)
	calls int
}

func (m *routeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *routeLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.calls++
	return m.route(systemPrompt, userPrompt)
}

// recoveryLLM answers classification requests with the given class and
// routes everything else through rest.
func recoveryLLM(class string, rest func(system, user string) (string, error)) *routeLLM {
	return &routeLLM{route: func(system, user string) (string, error) {
		if strings.Contains(system, "classify tool execution errors") {
			return `{"classification": "` + class + `", "confidence": 0.9}`, nil
		}
		if rest != nil {
			return rest(system, user)
		}
		return "", errors.New("unexpected completion")
	}}
}

func TestKeywordClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"request timeout after 30s", ClassTransient},
		{"upstream returned 429", ClassTransient},
		{"connection refused", ClassTransient},
		{"service temporarily unavailable", ClassTransient},
		{"missing parameter: value", ClassParameterMismatch},
		{"unexpected keyword argument 'units'", ClassParameterMismatch},
		{"wrong number of arguments (given 1, expected 2)", ClassParameterMismatch},
		{"invalid argument type", ClassParameterMismatch},
		{"record not found", ClassWrongTool},
		{"unknown tool calc_multiply", ClassWrongTool},
		{"no such table: notes", ClassWrongTool},
		{"permission denied", ClassImpossible},
		{"401 unauthorized", ClassImpossible},
		{"access forbidden", ClassImpossible},
		{"something entirely novel happened", ClassTransient},
	}
	for _, tc := range cases {
		if got := keywordClassify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("keywordClassify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestRecoverImpossibleExplains(t *testing.T) {
	llm := recoveryLLM(ClassImpossible, func(system, user string) (string, error) {
		return "The account lacks permission to read that record.", nil
	})
	r := NewRecovery(llm, nil, 0, 0, 0)

	f := &Failure{GoalID: "g1", Goal: "read the record", ToolName: "vault_read", Err: errors.New("permission denied")}
	out, err := r.Recover(context.Background(), f, nil, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Kind != OutcomeExplain || out.Classification != ClassImpossible {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Explanation != "The account lacks permission to read that record." {
		t.Fatalf("explanation = %q", out.Explanation)
	}
}

func TestRecoverExplainDegradesWhenModelFails(t *testing.T) {
	// Every completion fails: classification falls back to keywords and the
	// explanation degrades to the generic message.
	llm := &routeLLM{route: func(string, string) (string, error) {
		return "", errors.New("model offline")
	}}
	r := NewRecovery(llm, nil, 0, 0, 0)

	f := &Failure{GoalID: "g1", Goal: "read the record", ToolName: "vault_read", Err: errors.New("permission denied")}
	out, err := r.Recover(context.Background(), f, nil, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Classification != ClassImpossible {
		t.Fatalf("keyword fallback classification = %s", out.Classification)
	}
	if !strings.Contains(out.Explanation, "vault_read") || !strings.Contains(out.Explanation, "permission denied") {
		t.Fatalf("generic explanation missing detail: %q", out.Explanation)
	}
}

func TestRecoverWrongToolReselects(t *testing.T) {
	llm := recoveryLLM(ClassWrongTool, nil)
	r := NewRecovery(llm, nil, 0, 0, 0)

	f := &Failure{
		GoalID:   "g1",
		Goal:     "save the note",
		ToolName: "calc_add",
		Err:      errors.New("unknown tool operation"),
		History:  []Attempt{{Strategy: "fallback", Error: "note_save"}},
	}
	out, err := r.Recover(context.Background(), f, nil, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Kind != OutcomeReselect {
		t.Fatalf("outcome = %+v", out)
	}
	// Exclusions cover the failing tool plus every prior fallback hop.
	want := map[string]bool{"calc_add": true, "note_save": true}
	if len(out.Exclusions) != 2 || !want[out.Exclusions[0]] || !want[out.Exclusions[1]] {
		t.Fatalf("exclusions = %v", out.Exclusions)
	}
	if out.Attempts != 2 {
		t.Fatalf("attempts = %d", out.Attempts)
	}
}

func TestRecoverFallbackBudgetExhausted(t *testing.T) {
	llm := recoveryLLM(ClassWrongTool, nil)
	r := NewRecovery(llm, nil, 0, 0, 0)

	f := &Failure{
		GoalID:   "g1",
		Goal:     "save the note",
		ToolName: "tool_d",
		Err:      errors.New("not found"),
		History: []Attempt{
			{Strategy: "fallback", Error: "tool_a"},
			{Strategy: "fallback", Error: "tool_b"},
			{Strategy: "fallback", Error: "tool_c"},
		},
	}
	out, err := r.Recover(context.Background(), f, nil, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Kind != OutcomeExplain {
		t.Fatalf("exhausted budget must explain, got %+v", out)
	}
	if !strings.Contains(out.Explanation, "4 different tools") {
		t.Fatalf("explanation = %q", out.Explanation)
	}
}

func TestRecoverParameterMismatchAdapts(t *testing.T) {
	llm := recoveryLLM(ClassParameterMismatch, func(system, user string) (string, error) {
		if strings.Contains(user, "corrected JSON parameter") {
			return `{"value": "42"}`, nil
		}
		return "", errors.New("unexpected completion")
	})
	r := NewRecovery(llm, nil, 0, 0, 0)

	var gotParams map[string]any
	adapt := func(ctx context.Context, params map[string]any) (any, error) {
		gotParams = params
		return map[string]any{"ok": true}, nil
	}

	f := &Failure{GoalID: "g1", Goal: "double 42", ToolName: "calc_double",
		Params: map[string]any{"val": "42"}, Err: errors.New("missing parameter: value")}
	out, err := r.Recover(context.Background(), f, nil, adapt)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Kind != OutcomeResult || out.Attempts != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if gotParams["value"] != "42" {
		t.Fatalf("corrected params = %v", gotParams)
	}
	m, ok := out.Result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("result = %v", out.Result)
	}
}

func TestRecoverAdaptBudgetExhausted(t *testing.T) {
	llm := recoveryLLM(ClassParameterMismatch, func(system, user string) (string, error) {
		if strings.Contains(user, "corrected JSON parameter") {
			return `{"value": "42"}`, nil
		}
		return "Could not find a parameter shape the tool accepts.", nil
	})
	r := NewRecovery(llm, nil, 0, 0, 2)

	attempts := 0
	adapt := func(ctx context.Context, params map[string]any) (any, error) {
		attempts++
		return nil, errors.New("still a missing parameter")
	}

	f := &Failure{GoalID: "g1", Goal: "double 42", ToolName: "calc_double",
		Err: errors.New("missing parameter: value")}
	out, err := r.Recover(context.Background(), f, nil, adapt)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Kind != OutcomeExplain || attempts != 2 || out.Attempts != 2 {
		t.Fatalf("outcome = %+v after %d attempts", out, attempts)
	}
}

func TestRecoverTransientRetrySucceeds(t *testing.T) {
	llm := recoveryLLM(ClassTransient, nil)
	r := NewRecovery(llm, nil, 0, 0, 0)

	retries := 0
	retry := func(ctx context.Context) (any, error) {
		retries++
		return "recovered", nil
	}

	f := &Failure{GoalID: "g1", Goal: "fetch the page", ToolName: "http_get",
		Err: errors.New("request timeout")}
	out, err := r.Recover(context.Background(), f, retry, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Kind != OutcomeResult || out.Result != "recovered" || retries != 1 {
		t.Fatalf("outcome = %+v after %d retries", out, retries)
	}
}

func TestRecoverTransientHonorsContextCancel(t *testing.T) {
	llm := recoveryLLM(ClassTransient, nil)
	r := NewRecovery(llm, nil, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &Failure{GoalID: "g1", Goal: "fetch the page", ToolName: "http_get",
		Err: errors.New("request timeout")}
	_, err := r.Recover(ctx, f, func(context.Context) (any, error) {
		t.Fatal("retry ran after cancellation")
		return nil, nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
