package neuron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"synapse/internal/discovery"
	"synapse/internal/registry"
	"synapse/internal/sandbox"
	"synapse/internal/types"
)

func newTestRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		src := fmt.Sprintf(`package main

func Execute(params map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func Describe() map[string]any {
	return map[string]any{"description": "the %s tool"}
}
`, name)
		if err := os.WriteFile(filepath.Join(dir, name+".go"), []byte(src), 0644); err != nil {
			t.Fatalf("write tool %s: %v", name, err)
		}
	}
	r := registry.New(dir, sandbox.NewExecutor())
	if err := r.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return r
}

func TestSelectValidTool(t *testing.T) {
	llm := &mockLLM{reply: fixedReply(`{"tool": "calc_add", "confidence": 0.9}`)}
	reg := newTestRegistry(t, "calc_add", "note_save")
	s := NewSelector(llm, newTestPatternCache(t), reg, nil, 0)

	d, err := s.Select(context.Background(), "g1", "add two numbers", nil, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(d.SelectedTools) != 1 || d.SelectedTools[0] != "calc_add" {
		t.Fatalf("selected %v", d.SelectedTools)
	}
	if d.Confidence != 0.9 || d.CandidatesConsidered != 2 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestSelectUnknownToolRejected(t *testing.T) {
	llm := &mockLLM{reply: fixedReply(`{"tool": "ghost_tool", "confidence": 0.9}`)}
	reg := newTestRegistry(t, "calc_add")
	s := NewSelector(llm, newTestPatternCache(t), reg, nil, 0)

	_, err := s.Select(context.Background(), "g1", "add two numbers", nil, nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestSelectExcludedToolRejected(t *testing.T) {
	llm := &mockLLM{reply: fixedReply(`{"tool": "calc_add", "confidence": 0.9}`)}
	reg := newTestRegistry(t, "calc_add", "note_save")
	s := NewSelector(llm, newTestPatternCache(t), reg, nil, 0)

	_, err := s.Select(context.Background(), "g1", "add two numbers", nil, []string{"calc_add"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool for excluded choice, got %v", err)
	}
	if !strings.Contains(llm.lastUsr, "note_save") || strings.Contains(llm.lastUsr, "- calc_add") {
		t.Fatalf("excluded tool offered to the model:\n%s", llm.lastUsr)
	}
}

func TestSelectNoCandidates(t *testing.T) {
	llm := &mockLLM{reply: fixedReply("")}
	reg := newTestRegistry(t, "calc_add")
	s := NewSelector(llm, newTestPatternCache(t), reg, nil, 0)

	_, err := s.Select(context.Background(), "g1", "add two numbers", nil, []string{"calc_add"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if llm.calls != 0 {
		t.Fatal("empty candidate set must not call the model")
	}
}

func TestSelectShortlistBoundsPrompt(t *testing.T) {
	llm := &mockLLM{reply: fixedReply(`{"tool": "note_save", "confidence": 0.8}`)}
	reg := newTestRegistry(t, "calc_add", "note_save")
	s := NewSelector(llm, newTestPatternCache(t), reg, nil, 0)

	shortlist := []discovery.Ranked{
		{Candidate: discovery.Candidate{ToolName: "note_save", Description: "saves notes"}},
	}
	d, err := s.Select(context.Background(), "g1", "save this note", shortlist, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.SelectedTools[0] != "note_save" || d.CandidatesConsidered != 1 {
		t.Fatalf("decision = %+v", d)
	}
	if strings.Contains(llm.lastUsr, "calc_add") {
		t.Fatalf("prompt leaked past the shortlist:\n%s", llm.lastUsr)
	}
}

func TestSelectCacheHitAfterSuccessfulOutcome(t *testing.T) {
	llm := &mockLLM{reply: fixedReply(`{"tool": "calc_add", "confidence": 0.9}`)}
	reg := newTestRegistry(t, "calc_add", "note_save")
	cache := newTestPatternCache(t)
	s := NewSelector(llm, cache, reg, nil, 0)
	ctx := context.Background()

	first, err := s.Select(ctx, "g1", "add two numbers", nil, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	s.RecordOutcome(ctx, "add two numbers", first, true)

	second, err := s.Select(ctx, "g2", "add two numbers", nil, nil)
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if second.Method != types.MethodPatternCache {
		t.Fatalf("method = %s, want pattern cache", second.Method)
	}
	if second.SelectedTools[0] != "calc_add" {
		t.Fatalf("cached selection = %v", second.SelectedTools)
	}
	if llm.calls != 1 {
		t.Fatalf("model called %d times, want 1", llm.calls)
	}
}

func TestSelectExclusionsBypassCache(t *testing.T) {
	llm := &mockLLM{reply: fixedReply(`{"tool": "note_save", "confidence": 0.8}`)}
	reg := newTestRegistry(t, "calc_add", "note_save")
	cache := newTestPatternCache(t)
	s := NewSelector(llm, cache, reg, nil, 0)
	ctx := context.Background()

	cached := &types.SelectionDecision{SelectedTools: []string{"calc_add"}, Confidence: 0.9}
	if err := cache.StoreAfterExecution(ctx, "select:add two numbers", cached, true, 0.9, nil); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	// calc_add just failed; the cached answer must not be replayed.
	d, err := s.Select(ctx, "g1", "add two numbers", nil, []string{"calc_add"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.SelectedTools[0] != "note_save" || llm.calls != 1 {
		t.Fatalf("cache replayed despite exclusions: %+v (calls=%d)", d, llm.calls)
	}
}

func TestSelectFailedOutcomePoisonsCache(t *testing.T) {
	llm := &mockLLM{reply: fixedReply(`{"tool": "calc_add", "confidence": 0.9}`)}
	reg := newTestRegistry(t, "calc_add", "note_save")
	cache := newTestPatternCache(t)
	s := NewSelector(llm, cache, reg, nil, 0)
	ctx := context.Background()

	first, err := s.Select(ctx, "g1", "add two numbers", nil, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	s.RecordOutcome(ctx, "add two numbers", first, true)
	s.RecordOutcome(ctx, "add two numbers", first, false)

	second, err := s.Select(ctx, "g2", "add two numbers", nil, nil)
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if second.Method == types.MethodPatternCache {
		t.Fatal("poisoned selection served from cache")
	}
}
