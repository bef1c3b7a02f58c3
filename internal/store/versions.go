package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"synapse/internal/logging"
)

// Version creators.
const (
	CreatedByHuman      = "human"
	CreatedByAutonomous = "autonomous"
)

// Improvement types.
const (
	ImprovementInitial     = "initial"
	ImprovementBugfix      = "bugfix"
	ImprovementEnhancement = "enhancement"
	ImprovementRollback    = "rollback"
)

// Fast-rollback reasons.
const (
	RollbackSignatureChange     = "signature_change"
	RollbackConsecutiveFailures = "consecutive_failures"
	RollbackCompleteFailure     = "complete_failure"
)

// ErrVersionNotFound is returned for an unknown version id.
var ErrVersionNotFound = errors.New("version not found")

// ToolVersion is one row of the content-addressed version history.
type ToolVersion struct {
	ID                  int64      `json:"id"`
	ToolName            string     `json:"tool_name"`
	VersionNumber       int        `json:"version_number"`
	Code                string     `json:"code"`
	CodeHash            string     `json:"code_hash"`
	IsCurrent           bool       `json:"is_current"`
	CreatedBy           string     `json:"created_by"`
	ImprovementType     string     `json:"improvement_type"`
	Reason              string     `json:"reason,omitempty"`
	PreviousVersionID   *int64     `json:"previous_version_id,omitempty"`
	DeploymentCount     int        `json:"deployment_count"`
	FirstDeployedAt     *time.Time `json:"first_deployed_at,omitempty"`
	LastDeployedAt      *time.Time `json:"last_deployed_at,omitempty"`
	TotalExecutions     int        `json:"total_executions"`
	Successes           int        `json:"successes"`
	Failures            int        `json:"failures"`
	SuccessRate         float64    `json:"success_rate"`
	AvgDurationMs       float64    `json:"avg_duration_ms"`
	WasRolledBack       bool       `json:"was_rolled_back"`
	RolledBackAt        *time.Time `json:"rolled_back_at,omitempty"`
	RollbackReason      string     `json:"rollback_reason,omitempty"`
	ReplacedByVersionID *int64     `json:"replaced_by_version_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// VersionComparison is the result of comparing two versions of a tool.
type VersionComparison struct {
	From            *ToolVersion `json:"from"`
	To              *ToolVersion `json:"to"`
	Diff            string       `json:"diff"`
	LinesAdded      int          `json:"lines_added"`
	LinesRemoved    int          `json:"lines_removed"`
	BreakingChanges bool         `json:"breaking_changes"`
	BreakingDetails []string     `json:"breaking_details,omitempty"`
}

// ToolDeployer is the registry-facing hook the manager uses after a
// rollback: write the restored source to disk and reload the catalogue.
type ToolDeployer interface {
	WriteToolSource(name, code string) error
	Refresh() error
}

// VersionManager is the only writer of the version tables. Create and
// rollback are serialized per process so there is at most one is_current
// row per tool at any observable moment.
type VersionManager struct {
	store    *Store
	deployer ToolDeployer
	dmp      *diffmatchpatch.DiffMatchPatch
	mu       sync.Mutex
}

// NewVersionManager creates a version manager over the store.
func NewVersionManager(s *Store) *VersionManager {
	return &VersionManager{
		store: s,
		dmp:   diffmatchpatch.New(),
	}
}

// SetDeployer wires the tool registry. Optional: without it, rollbacks
// update the history but leave disk and catalogue untouched.
func (vm *VersionManager) SetDeployer(d ToolDeployer) {
	vm.deployer = d
}

// HashCode returns the content hash used for per-tool deduplication.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CreateVersion records a new version of a tool. If the content hash matches
// an existing version of the same tool no new row is created; the existing
// row is re-pointed as current instead (when requested). Version numbers are
// dense and strictly increasing per tool.
func (vm *VersionManager) CreateVersion(ctx context.Context, toolName, code, createdBy, improvementType, reason string, previousVersionID *int64, setAsCurrent bool) (int64, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	hash := HashCode(code)
	var versionID int64

	err := vm.store.withTx(ctx, func(tx *sql.Tx) error {
		// Content-hash dedup: same code for the same tool re-points the
		// existing row instead of inserting.
		var existingID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM tool_versions WHERE tool_name = ? AND code_hash = ?",
			toolName, hash).Scan(&existingID)
		switch {
		case err == nil:
			versionID = existingID
			if setAsCurrent {
				return vm.makeCurrent(ctx, tx, toolName, existingID, createdBy, "redeploy", reason)
			}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to insert
		default:
			return err
		}

		var nextNumber int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version_number), 0) + 1 FROM tool_versions WHERE tool_name = ?",
			toolName).Scan(&nextNumber); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tool_versions
				(tool_name, version_number, code, code_hash, created_by, improvement_type, reason, previous_version_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			toolName, nextNumber, code, hash, createdBy, improvementType, nullIfEmpty(reason), previousVersionID)
		if err != nil {
			return err
		}
		versionID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if setAsCurrent {
			return vm.makeCurrent(ctx, tx, toolName, versionID, createdBy, improvementType, reason)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create version for %s: %w", toolName, err)
	}

	logging.Versions("version %d recorded for %s (by=%s type=%s current=%v)",
		versionID, toolName, createdBy, improvementType, setAsCurrent)
	return versionID, nil
}

// makeCurrent transfers is_current to versionID inside tx: closes the open
// deployment of the outgoing version, flips the pointers, appends a new
// deployment row, and maintains the deployment counters.
func (vm *VersionManager) makeCurrent(ctx context.Context, tx *sql.Tx, toolName string, versionID int64, deployedBy, deploymentType, reason string) error {
	// Close the outgoing version's open deployment.
	var outgoingID sql.NullInt64
	err := tx.QueryRowContext(ctx,
		"SELECT id FROM tool_versions WHERE tool_name = ? AND is_current = 1", toolName).Scan(&outgoingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if outgoingID.Valid && outgoingID.Int64 != versionID {
		if _, err := tx.ExecContext(ctx, `
			UPDATE version_deployments SET undeployed_at = CURRENT_TIMESTAMP
			WHERE version_id = ? AND undeployed_at IS NULL`, outgoingID.Int64); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tool_versions SET is_current = 0 WHERE tool_name = ?", toolName); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tool_versions SET
			is_current = 1,
			deployment_count = deployment_count + 1,
			first_deployed_at = COALESCE(first_deployed_at, CURRENT_TIMESTAMP),
			last_deployed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND tool_name = ?`, versionID, toolName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("version %d for %s: %w", versionID, toolName, ErrVersionNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO version_deployments (version_id, deployed_by, deployment_type, reason)
		VALUES (?, ?, ?, ?)`, versionID, deployedBy, deploymentType, nullIfEmpty(reason))
	return err
}

// RollbackToVersion restores a previous version as current. The outgoing
// version is marked rolled back with the reason, its open deployment is
// closed unsuccessfully, and a deployment of type "rollback" is appended.
// When a deployer is wired, the restored source is written to disk and the
// catalogue refreshed.
func (vm *VersionManager) RollbackToVersion(ctx context.Context, toolName string, versionID int64, reason, deployedBy string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	var restoredCode string
	err := vm.store.withTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM tool_versions WHERE tool_name = ? AND is_current = 1", toolName).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if err := tx.QueryRowContext(ctx,
			"SELECT code FROM tool_versions WHERE id = ? AND tool_name = ?",
			versionID, toolName).Scan(&restoredCode); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("version %d for %s: %w", versionID, toolName, ErrVersionNotFound)
			}
			return err
		}

		if current.Valid && current.Int64 != versionID {
			// Mark the outgoing version as rolled back.
			if _, err := tx.ExecContext(ctx, `
				UPDATE tool_versions SET
					was_rolled_back = 1,
					rolled_back_at = CURRENT_TIMESTAMP,
					rollback_reason = ?,
					replaced_by_version_id = ?
				WHERE id = ?`, reason, versionID, current.Int64); err != nil {
				return err
			}
			// End its open deployment as unsuccessful.
			if _, err := tx.ExecContext(ctx, `
				UPDATE version_deployments SET undeployed_at = CURRENT_TIMESTAMP, was_successful = 0
				WHERE version_id = ? AND undeployed_at IS NULL`, current.Int64); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE tool_versions SET is_current = 0 WHERE tool_name = ?", toolName); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tool_versions SET
				is_current = 1,
				deployment_count = deployment_count + 1,
				first_deployed_at = COALESCE(first_deployed_at, CURRENT_TIMESTAMP),
				last_deployed_at = CURRENT_TIMESTAMP
			WHERE id = ?`, versionID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO version_deployments (version_id, deployed_by, deployment_type, reason)
			VALUES (?, ?, 'rollback', ?)`, versionID, deployedBy, nullIfEmpty(reason))
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback %s to version %d: %w", toolName, versionID, err)
	}

	logging.Versions("rolled back %s to version %d (reason=%s)", toolName, versionID, reason)

	if vm.deployer != nil {
		if err := vm.deployer.WriteToolSource(toolName, restoredCode); err != nil {
			return fmt.Errorf("write restored source for %s: %w", toolName, err)
		}
		if err := vm.deployer.Refresh(); err != nil {
			return fmt.Errorf("refresh registry after rollback of %s: %w", toolName, err)
		}
	}
	return nil
}

// rollbackWindow is the lookback for the fast-rollback scanner.
const rollbackWindow = 5 * time.Minute

// signatureMarkers flag failures caused by an interface change rather than
// bad luck. The literal TypeError/AttributeError markers are kept so records
// imported from older runs still trip the scanner.
var signatureMarkers = []string{
	"TypeError", "AttributeError",
	"wrong number of arguments", "cannot use", "undefined:",
	"missing required parameter",
}

// CheckImmediateRollbackNeeded scans the tool's executions in the last five
// minutes. Conservative: fewer than 3 recent executions always returns false.
func (vm *VersionManager) CheckImmediateRollbackNeeded(ctx context.Context, toolName string) (bool, string, map[string]any) {
	since := time.Now().Add(-rollbackWindow)
	execs, err := vm.store.GetToolExecutionsSince(ctx, toolName, since)
	if err != nil {
		logging.Get(logging.CategoryVersions).Error("rollback scan for %s failed: %v", toolName, err)
		return false, "", nil
	}
	if len(execs) < 3 {
		return false, "", nil
	}

	details := map[string]any{
		"tool_name":      toolName,
		"window_minutes": rollbackWindow.Minutes(),
		"recent_count":   len(execs),
	}

	// Consecutive failures from the most recent backwards.
	consecutive := 0
	signature := false
	for _, e := range execs { // newest first
		if e.Success {
			break
		}
		consecutive++
		for _, marker := range signatureMarkers {
			if strings.Contains(e.Error, marker) {
				signature = true
			}
		}
	}
	details["consecutive_failures"] = consecutive

	if consecutive >= 3 {
		if signature {
			return true, RollbackSignatureChange, details
		}
		return true, RollbackConsecutiveFailures, details
	}

	if len(execs) >= 5 {
		failed := 0
		for _, e := range execs {
			if !e.Success {
				failed++
			}
		}
		if failed == len(execs) {
			details["failed_count"] = failed
			return true, RollbackCompleteFailure, details
		}
	}

	return false, "", nil
}

// CompareVersions returns both snapshots, a cached unified diff, line
// counts, and a breaking-change verdict. The diff is computed once on first
// comparison and served from the version_diffs table afterwards.
func (vm *VersionManager) CompareVersions(ctx context.Context, fromID, toID int64) (*VersionComparison, error) {
	from, err := vm.GetVersion(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := vm.GetVersion(ctx, toID)
	if err != nil {
		return nil, err
	}

	cmp := &VersionComparison{From: from, To: to}

	// Cache check.
	var breakingInt int
	var detailsJSON sql.NullString
	err = vm.store.db.QueryRowContext(ctx, `
		SELECT diff_text, lines_added, lines_removed, breaking_changes, breaking_details
		FROM version_diffs WHERE from_version_id = ? AND to_version_id = ?`,
		fromID, toID).Scan(&cmp.Diff, &cmp.LinesAdded, &cmp.LinesRemoved, &breakingInt, &detailsJSON)
	if err == nil {
		cmp.BreakingChanges = breakingInt == 1
		if detailsJSON.Valid {
			json.Unmarshal([]byte(detailsJSON.String), &cmp.BreakingDetails)
		}
		return cmp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	cmp.Diff, cmp.LinesAdded, cmp.LinesRemoved = vm.unifiedDiff(from.Code, to.Code)
	cmp.BreakingChanges, cmp.BreakingDetails = detectBreakingChanges(from.Code, to.Code)

	detailBytes, _ := json.Marshal(cmp.BreakingDetails)
	err = vm.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO version_diffs
				(from_version_id, to_version_id, diff_text, lines_added, lines_removed, breaking_changes, breaking_details)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(from_version_id, to_version_id) DO NOTHING`,
			fromID, toID, cmp.Diff, cmp.LinesAdded, cmp.LinesRemoved,
			boolToInt(cmp.BreakingChanges), string(detailBytes))
		return err
	})
	if err != nil {
		return nil, err
	}
	return cmp, nil
}

// unifiedDiff renders a line diff with +/- prefixes and returns the text
// plus added/removed counts.
func (vm *VersionManager) unifiedDiff(oldCode, newCode string) (string, int, int) {
	oldChars, newChars, lines := vm.dmp.DiffLinesToChars(oldCode, newCode)
	diffs := vm.dmp.DiffCharsToLines(vm.dmp.DiffMain(oldChars, newChars, false), lines)

	var b strings.Builder
	added, removed := 0, 0
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				added++
			case diffmatchpatch.DiffDelete:
				removed++
			}
		}
	}
	return b.String(), added, removed
}

// detectBreakingChanges parses both sources. A change is breaking iff a
// top-level function present in from is absent in to, or the parameter list
// of the Execute entry point differs.
func detectBreakingChanges(oldCode, newCode string) (bool, []string) {
	oldFuncs := topLevelFunctions(oldCode)
	newFuncs := topLevelFunctions(newCode)
	if oldFuncs == nil || newFuncs == nil {
		// Unparseable source: cannot prove compatibility, call it breaking.
		return true, []string{"source could not be parsed for signature comparison"}
	}

	var details []string
	for name, sig := range oldFuncs {
		newSig, ok := newFuncs[name]
		if !ok {
			details = append(details, fmt.Sprintf("function %s removed", name))
			continue
		}
		if name == "Execute" && sig != newSig {
			details = append(details, fmt.Sprintf("Execute parameters changed: (%s) -> (%s)", sig, newSig))
		}
	}
	return len(details) > 0, details
}

// topLevelFunctions maps function/method names to their rendered parameter
// lists. Returns nil when the source does not parse.
func topLevelFunctions(code string) map[string]string {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", code, 0)
	if err != nil {
		return nil
	}

	funcs := make(map[string]string)
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		funcs[fn.Name.Name] = paramSignature(fset, fn)
	}
	return funcs
}

func paramSignature(fset *token.FileSet, fn *ast.FuncDecl) string {
	if fn.Type.Params == nil {
		return ""
	}
	var parts []string
	for _, field := range fn.Type.Params.List {
		var buf bytes.Buffer
		printer.Fprint(&buf, fset, field.Type)
		n := len(field.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			parts = append(parts, buf.String())
		}
	}
	return strings.Join(parts, ", ")
}

// UpdateVersionMetrics recomputes the current version's performance counters
// using only tool executions since its last deployment.
func (vm *VersionManager) UpdateVersionMetrics(ctx context.Context, toolName string) error {
	current, err := vm.GetCurrentVersion(ctx, toolName)
	if err != nil {
		return err
	}
	sinceTime := current.CreatedAt
	if current.LastDeployedAt != nil {
		sinceTime = *current.LastDeployedAt
	}
	// Same string form CURRENT_TIMESTAMP writes, so the comparison is lexical.
	since := sinceTime.UTC().Format("2006-01-02 15:04:05")

	return vm.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tool_versions SET
				total_executions = (SELECT COUNT(*) FROM tool_executions WHERE tool_name = ? AND created_at >= ?),
				successes = (SELECT COALESCE(SUM(success), 0) FROM tool_executions WHERE tool_name = ? AND created_at >= ?),
				failures = (SELECT COUNT(*) - COALESCE(SUM(success), 0) FROM tool_executions WHERE tool_name = ? AND created_at >= ?),
				success_rate = COALESCE((SELECT CAST(SUM(success) AS REAL) / COUNT(*) FROM tool_executions WHERE tool_name = ? AND created_at >= ?), 0),
				avg_duration_ms = COALESCE((SELECT AVG(duration_ms) FROM tool_executions WHERE tool_name = ? AND created_at >= ?), 0)
			WHERE id = ?`,
			toolName, since, toolName, since, toolName, since, toolName, since, toolName, since,
			current.ID)
		return err
	})
}

// GetVersion fetches one version by id.
func (vm *VersionManager) GetVersion(ctx context.Context, id int64) (*ToolVersion, error) {
	row := vm.store.db.QueryRowContext(ctx, versionSelect+" WHERE id = ?", id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %d: %w", id, ErrVersionNotFound)
	}
	return v, err
}

// GetCurrentVersion fetches the current version of a tool.
func (vm *VersionManager) GetCurrentVersion(ctx context.Context, toolName string) (*ToolVersion, error) {
	row := vm.store.db.QueryRowContext(ctx,
		versionSelect+" WHERE tool_name = ? AND is_current = 1", toolName)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no current version for %s: %w", toolName, ErrVersionNotFound)
	}
	return v, err
}

// ListVersions returns all versions of a tool, newest first.
func (vm *VersionManager) ListVersions(ctx context.Context, toolName string) ([]ToolVersion, error) {
	rows, err := vm.store.db.QueryContext(ctx,
		versionSelect+" WHERE tool_name = ? ORDER BY version_number DESC", toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

const versionSelect = `
	SELECT id, tool_name, version_number, code, code_hash, is_current, created_by,
	       improvement_type, COALESCE(reason, ''), previous_version_id, deployment_count,
	       first_deployed_at, last_deployed_at, total_executions, successes, failures,
	       success_rate, avg_duration_ms, was_rolled_back, rolled_back_at,
	       COALESCE(rollback_reason, ''), replaced_by_version_id, created_at
	FROM tool_versions`

func scanVersion(row rowScanner) (*ToolVersion, error) {
	var v ToolVersion
	var isCurrent, wasRolledBack int
	var prevID, replacedBy sql.NullInt64
	var firstDep, lastDep, rolledBackAt sql.NullTime

	err := row.Scan(&v.ID, &v.ToolName, &v.VersionNumber, &v.Code, &v.CodeHash, &isCurrent,
		&v.CreatedBy, &v.ImprovementType, &v.Reason, &prevID, &v.DeploymentCount,
		&firstDep, &lastDep, &v.TotalExecutions, &v.Successes, &v.Failures,
		&v.SuccessRate, &v.AvgDurationMs, &wasRolledBack, &rolledBackAt,
		&v.RollbackReason, &replacedBy, &v.CreatedAt)
	if err != nil {
		return nil, err
	}

	v.IsCurrent = isCurrent == 1
	v.WasRolledBack = wasRolledBack == 1
	if prevID.Valid {
		v.PreviousVersionID = &prevID.Int64
	}
	if replacedBy.Valid {
		v.ReplacedByVersionID = &replacedBy.Int64
	}
	if firstDep.Valid {
		v.FirstDeployedAt = &firstDep.Time
	}
	if lastDep.Valid {
		v.LastDeployedAt = &lastDep.Time
	}
	if rolledBackAt.Valid {
		v.RolledBackAt = &rolledBackAt.Time
	}
	return &v, nil
}
