package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StoreExecution(ctx, "calculate 2 plus 2")
	if err != nil {
		t.Fatalf("store execution: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty execution id")
	}

	ge, err := s.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if ge.Goal != "calculate 2 plus 2" {
		t.Fatalf("goal = %q", ge.Goal)
	}
	if ge.Finalized {
		t.Fatal("fresh execution must not be finalized")
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinalizeExecutionExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StoreExecution(ctx, "goal")
	if err != nil {
		t.Fatalf("store execution: %v", err)
	}
	if err := s.FinalizeExecution(ctx, id, "tool_use", true, "", 250*time.Millisecond, map[string]any{"depth": 0}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	ge, err := s.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if !ge.Finalized || !ge.Success || ge.Intent != "tool_use" || ge.DurationMs != 250 {
		t.Fatalf("unexpected finalized record: %+v", ge)
	}

	// Second finalize must be rejected; the record is immutable.
	err = s.FinalizeExecution(ctx, id, "generative", false, "late", time.Second, nil)
	if err == nil {
		t.Fatal("second finalize must fail")
	}
	after, _ := s.GetExecution(ctx, id)
	if after.Intent != "tool_use" || !after.Success {
		t.Fatalf("record changed by rejected finalize: %+v", after)
	}
}

func TestToolExecutionRequiresParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreToolExecution(ctx, ToolExecution{
		ExecutionID: "missing-goal",
		ToolName:    "calc_add",
		Success:     true,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing parent, got %v", err)
	}

	id, err := s.StoreExecution(ctx, "goal")
	if err != nil {
		t.Fatalf("store execution: %v", err)
	}
	teID, err := s.StoreToolExecution(ctx, ToolExecution{
		ExecutionID: id,
		ToolName:    "calc_add",
		Input:       map[string]any{"value": "2+2"},
		Result:      map[string]any{"sum": 4.0},
		Success:     true,
		DurationMs:  12,
	})
	if err != nil {
		t.Fatalf("store tool execution: %v", err)
	}
	if teID == 0 {
		t.Fatal("expected a tool execution id")
	}

	execs, err := s.GetToolExecutions(ctx, "calc_add", 10)
	if err != nil {
		t.Fatalf("get tool executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	if execs[0].Input["value"] != "2+2" {
		t.Fatalf("input round trip: %+v", execs[0].Input)
	}
}

func TestFeedbackRatingRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StoreExecution(ctx, "goal")
	if err != nil {
		t.Fatalf("store execution: %v", err)
	}

	for _, bad := range []int{0, -1, 6, 100} {
		if err := s.StoreFeedback(ctx, id, bad, "nope"); !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("rating %d: expected ErrInvalidRating, got %v", bad, err)
		}
	}
	if err := s.StoreFeedback(ctx, id, 4, "good"); err != nil {
		t.Fatalf("valid feedback rejected: %v", err)
	}
	// One feedback row per execution.
	if err := s.StoreFeedback(ctx, id, 5, "again"); err == nil {
		t.Fatal("duplicate feedback must fail")
	}
}

func TestGetRecentExecutionsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last string
	for i := 0; i < 5; i++ {
		id, err := s.StoreExecution(ctx, "goal")
		if err != nil {
			t.Fatalf("store execution: %v", err)
		}
		last = id
	}

	recent, err := s.GetRecentExecutions(ctx, 3)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d, want 3", len(recent))
	}
	if recent[0].ID != last {
		t.Fatalf("newest first: got %s, want %s", recent[0].ID, last)
	}
}

func TestGetSuccessRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rate, total, err := s.GetSuccessRate(ctx, "")
	if err != nil || rate != 0 || total != 0 {
		t.Fatalf("empty store: rate=%v total=%d err=%v", rate, total, err)
	}

	for _, success := range []bool{true, true, false, true} {
		id, _ := s.StoreExecution(ctx, "goal")
		if err := s.FinalizeExecution(ctx, id, "tool_use", success, "", time.Millisecond, nil); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}

	rate, total, err = s.GetSuccessRate(ctx, "tool_use")
	if err != nil {
		t.Fatalf("success rate: %v", err)
	}
	if total != 4 || rate != 0.75 {
		t.Fatalf("rate=%v total=%d, want 0.75 over 4", rate, total)
	}
}

func TestGetRecentToolFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.StoreExecution(ctx, "goal")
	for i := 0; i < 3; i++ {
		if _, err := s.StoreToolExecution(ctx, ToolExecution{
			ExecutionID: id, ToolName: "flaky", Success: false, Error: "boom",
		}); err != nil {
			t.Fatalf("store tool execution: %v", err)
		}
	}
	if _, err := s.StoreToolExecution(ctx, ToolExecution{ExecutionID: id, ToolName: "flaky", Success: true}); err != nil {
		t.Fatalf("store tool execution: %v", err)
	}

	n, err := s.GetRecentToolFailures(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent failures: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d failures, want 3", n)
	}
}

func TestToolCreationEvent(t *testing.T) {
	s := newTestStore(t)
	if err := s.StoreToolCreationEvent(context.Background(), "calc_add", "human", "adds numbers"); err != nil {
		t.Fatalf("store creation event: %v", err)
	}
	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["tool_creation_events"] != 1 {
		t.Fatalf("creation events = %d, want 1", counts["tool_creation_events"])
	}
}

func TestErrorMessagesNameTheGoal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.StoreToolExecution(context.Background(), ToolExecution{ExecutionID: "ghost", ToolName: "x"})
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("error should name the missing goal, got %v", err)
	}
}
