package store

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const (
	codeV1 = `package main

func Execute(params map[string]any) (map[string]any, error) {
	return map[string]any{"version": 1}, nil
}

func Describe() map[string]any { return map[string]any{"description": "v1"} }
`
	codeV2 = `package main

func Execute(params map[string]any) (map[string]any, error) {
	return map[string]any{"version": 2}, nil
}

func Describe() map[string]any { return map[string]any{"description": "v2"} }
`
)

type fakeDeployer struct {
	written   map[string]string
	refreshes int
}

func (d *fakeDeployer) WriteToolSource(name, code string) error {
	if d.written == nil {
		d.written = map[string]string{}
	}
	d.written[name] = code
	return nil
}

func (d *fakeDeployer) Refresh() error {
	d.refreshes++
	return nil
}

func TestCreateVersionAssignsDenseNumbers(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)
	ctx := context.Background()

	id1, err := vm.CreateVersion(ctx, "calc_add", codeV1, CreatedByHuman, ImprovementInitial, "first", nil, true)
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	id2, err := vm.CreateVersion(ctx, "calc_add", codeV2, CreatedByAutonomous, ImprovementBugfix, "fix", &id1, true)
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}

	versions, err := vm.ListVersions(ctx, "calc_add")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}

	current, err := vm.GetCurrentVersion(ctx, "calc_add")
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if current.ID != id2 || current.VersionNumber != 2 {
		t.Fatalf("current = %+v, want id %d number 2", current, id2)
	}
	if current.PreviousVersionID == nil || *current.PreviousVersionID != id1 {
		t.Fatalf("previous version link missing: %+v", current)
	}
}

func TestCreateVersionDedupesByContentHash(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)
	ctx := context.Background()

	id1, err := vm.CreateVersion(ctx, "calc_add", codeV1, CreatedByHuman, ImprovementInitial, "", nil, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Identical code must not create a second row.
	id2, err := vm.CreateVersion(ctx, "calc_add", codeV1, CreatedByAutonomous, ImprovementBugfix, "same bytes", nil, true)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("dedup broken: %d vs %d", id1, id2)
	}

	versions, _ := vm.ListVersions(ctx, "calc_add")
	if len(versions) != 1 {
		t.Fatalf("got %d versions, want 1", len(versions))
	}
	// The same code under another tool is a separate row.
	other, err := vm.CreateVersion(ctx, "calc_sub", codeV1, CreatedByHuman, ImprovementInitial, "", nil, false)
	if err != nil {
		t.Fatalf("create for other tool: %v", err)
	}
	if other == id1 {
		t.Fatal("hash dedup must be scoped per tool")
	}
}

func TestRollbackToVersion(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)
	dep := &fakeDeployer{}
	vm.SetDeployer(dep)
	ctx := context.Background()

	id1, _ := vm.CreateVersion(ctx, "calc_add", codeV1, CreatedByHuman, ImprovementInitial, "", nil, true)
	id2, _ := vm.CreateVersion(ctx, "calc_add", codeV2, CreatedByAutonomous, ImprovementBugfix, "", &id1, true)

	if err := vm.RollbackToVersion(ctx, "calc_add", id1, "regression", CreatedByAutonomous); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	current, err := vm.GetCurrentVersion(ctx, "calc_add")
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if current.ID != id1 {
		t.Fatalf("current = %d, want %d", current.ID, id1)
	}

	outgoing, err := vm.GetVersion(ctx, id2)
	if err != nil {
		t.Fatalf("get outgoing: %v", err)
	}
	if !outgoing.WasRolledBack || outgoing.RollbackReason != "regression" {
		t.Fatalf("outgoing not marked rolled back: %+v", outgoing)
	}
	if outgoing.ReplacedByVersionID == nil || *outgoing.ReplacedByVersionID != id1 {
		t.Fatalf("replaced-by link missing: %+v", outgoing)
	}

	// The restored source must be redeployed through the registry hook.
	if dep.written["calc_add"] != codeV1 {
		t.Fatal("restored source not written to disk")
	}
	if dep.refreshes == 0 {
		t.Fatal("catalogue not refreshed after rollback")
	}
}

func TestRollbackToUnknownVersion(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)
	err := vm.RollbackToVersion(context.Background(), "calc_add", 999, "", CreatedByHuman)
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func failRows(t *testing.T, s *Store, tool, errText string, n int) {
	t.Helper()
	ctx := context.Background()
	id, err := s.StoreExecution(ctx, "goal")
	if err != nil {
		t.Fatalf("store execution: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := s.StoreToolExecution(ctx, ToolExecution{
			ExecutionID: id, ToolName: tool, Success: false, Error: errText,
		}); err != nil {
			t.Fatalf("store tool execution: %v", err)
		}
	}
}

func TestCheckImmediateRollbackTooFewExecutions(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)

	failRows(t, s, "calc_add", "boom", 2)
	needed, reason, _ := vm.CheckImmediateRollbackNeeded(context.Background(), "calc_add")
	if needed || reason != "" {
		t.Fatalf("fewer than 3 executions must never trigger rollback, got %v/%q", needed, reason)
	}
}

func TestCheckImmediateRollbackConsecutiveFailures(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)

	failRows(t, s, "calc_add", "division by zero", 3)
	needed, reason, details := vm.CheckImmediateRollbackNeeded(context.Background(), "calc_add")
	if !needed || reason != RollbackConsecutiveFailures {
		t.Fatalf("got %v/%q, want consecutive_failures", needed, reason)
	}
	if details["consecutive_failures"].(int) < 3 {
		t.Fatalf("details missing consecutive count: %+v", details)
	}
}

func TestCheckImmediateRollbackSignatureChange(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)

	failRows(t, s, "calc_add", "wrong number of arguments in call to Execute", 3)
	needed, reason, _ := vm.CheckImmediateRollbackNeeded(context.Background(), "calc_add")
	if !needed || reason != RollbackSignatureChange {
		t.Fatalf("got %v/%q, want signature_change", needed, reason)
	}
}

func TestCheckImmediateRollbackRecentSuccessResets(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)
	ctx := context.Background()

	id, _ := s.StoreExecution(ctx, "goal")
	for _, ok := range []bool{false, false, true, false} { // newest is last inserted
		te := ToolExecution{ExecutionID: id, ToolName: "calc_add", Success: ok}
		if !ok {
			te.Error = "boom"
		}
		if _, err := s.StoreToolExecution(ctx, te); err != nil {
			t.Fatalf("store tool execution: %v", err)
		}
	}

	needed, _, _ := vm.CheckImmediateRollbackNeeded(ctx, "calc_add")
	if needed {
		t.Fatal("a success inside the streak must suppress the rollback")
	}
}

func TestCompareVersionsDetectsBreakingChange(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)
	ctx := context.Background()

	breaking := `package main

func Execute(params map[string]any, extra string) (map[string]any, error) {
	return nil, nil
}

func Describe() map[string]any { return nil }
`
	id1, _ := vm.CreateVersion(ctx, "calc_add", codeV1, CreatedByHuman, ImprovementInitial, "", nil, true)
	id2, _ := vm.CreateVersion(ctx, "calc_add", breaking, CreatedByAutonomous, ImprovementEnhancement, "", &id1, false)

	cmp, err := vm.CompareVersions(ctx, id1, id2)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !cmp.BreakingChanges {
		t.Fatal("Execute signature change must be flagged breaking")
	}
	if cmp.Diff == "" || cmp.LinesAdded == 0 {
		t.Fatalf("diff missing: %+v", cmp)
	}

	// The diff is cached; a second comparison serves the stored row.
	again, err := vm.CompareVersions(ctx, id1, id2)
	if err != nil {
		t.Fatalf("second compare: %v", err)
	}
	if again.Diff != cmp.Diff || again.BreakingChanges != cmp.BreakingChanges {
		t.Fatal("cached comparison differs from the first")
	}
	counts, _ := s.Counts()
	if counts["version_diffs"] != 1 {
		t.Fatalf("diff rows = %d, want 1", counts["version_diffs"])
	}
}

func TestCompareVersionsCompatibleChange(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)
	ctx := context.Background()

	id1, _ := vm.CreateVersion(ctx, "calc_add", codeV1, CreatedByHuman, ImprovementInitial, "", nil, true)
	id2, _ := vm.CreateVersion(ctx, "calc_add", codeV2, CreatedByAutonomous, ImprovementBugfix, "", &id1, false)

	cmp, err := vm.CompareVersions(ctx, id1, id2)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if cmp.BreakingChanges {
		t.Fatalf("body-only change flagged breaking: %+v", cmp.BreakingDetails)
	}
	if !strings.Contains(cmp.Diff, "version") {
		t.Fatalf("diff does not show the changed line:\n%s", cmp.Diff)
	}
}

func TestUpdateVersionMetrics(t *testing.T) {
	s := newTestStore(t)
	vm := NewVersionManager(s)
	ctx := context.Background()

	id1, _ := vm.CreateVersion(ctx, "calc_add", codeV1, CreatedByHuman, ImprovementInitial, "", nil, true)

	execID, _ := s.StoreExecution(ctx, "goal")
	for _, ok := range []bool{true, true, false} {
		te := ToolExecution{ExecutionID: execID, ToolName: "calc_add", Success: ok, DurationMs: 30}
		if !ok {
			te.Error = "boom"
		}
		if _, err := s.StoreToolExecution(ctx, te); err != nil {
			t.Fatalf("store tool execution: %v", err)
		}
	}

	if err := vm.UpdateVersionMetrics(ctx, "calc_add"); err != nil {
		t.Fatalf("update metrics: %v", err)
	}
	v, err := vm.GetVersion(ctx, id1)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if v.TotalExecutions != 3 || v.Successes != 2 || v.Failures != 1 {
		t.Fatalf("metrics wrong: %+v", v)
	}
}
