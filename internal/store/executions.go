package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"synapse/internal/logging"
)

// ErrInvalidRating is returned when a feedback rating is outside 1..5.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// GoalExecution is one goal's durable record. Created at goal entry,
// finalized exactly once, never mutated thereafter.
type GoalExecution struct {
	ID         string         `json:"execution_id"`
	Goal       string         `json:"goal_text"`
	Intent     string         `json:"intent"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Finalized  bool           `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ToolExecution is one attempted tool invocation, including retries.
// Every ToolExecution references an existing GoalExecution.
type ToolExecution struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input,omitempty"`
	Result      any            `json:"result,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at"`
}

// StoreExecution creates the goal execution row and returns its id.
// Must be called before any tool execution is recorded for the goal.
func (s *Store) StoreExecution(ctx context.Context, goal string) (string, error) {
	id := uuid.New().String()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO executions (id, goal) VALUES (?, ?)", id, goal)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("store execution: %w", err)
	}
	logging.StoreDebug("created execution %s", id)
	return id, nil
}

// FinalizeExecution writes the terminal state of a goal execution. It is the
// last write for the goal; subsequent finalize calls are rejected.
func (s *Store) FinalizeExecution(ctx context.Context, id string, intent string, success bool, errText string, duration time.Duration, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		metaJSON, _ = json.Marshal(metadata)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET intent = ?, success = ?, error = ?, duration_ms = ?, metadata = ?, finalized = 1
			WHERE id = ? AND finalized = 0`,
			intent, boolToInt(success), nullIfEmpty(errText), duration.Milliseconds(), string(metaJSON), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("execution %s: %w or already finalized", id, ErrNotFound)
		}
		return nil
	})
}

// StoreToolExecution records one attempted tool invocation and returns its id.
func (s *Store) StoreToolExecution(ctx context.Context, te ToolExecution) (int64, error) {
	inputJSON, _ := json.Marshal(te.Input)
	var resultJSON any
	if te.Result != nil {
		b, err := json.Marshal(te.Result)
		if err != nil {
			return 0, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(b)
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// The foreign key enforces the parent invariant; check explicitly so
		// the error names the missing goal instead of a constraint code.
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM executions WHERE id = ?", te.ExecutionID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("goal execution %s: %w", te.ExecutionID, ErrNotFound)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tool_executions (execution_id, tool_name, input, result, success, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			te.ExecutionID, te.ToolName, string(inputJSON), resultJSON,
			boolToInt(te.Success), nullIfEmpty(te.Error), te.DurationMs)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store tool execution: %w", err)
	}
	logging.StoreDebug("recorded tool execution %d (tool=%s success=%v)", id, te.ToolName, te.Success)
	return id, nil
}

// StoreFeedback records a 1-5 rating for a goal execution. At most one
// feedback row per execution; an out-of-range rating writes nothing.
func (s *Store) StoreFeedback(ctx context.Context, executionID string, rating int, text string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_feedback (execution_id, rating, feedback) VALUES (?, ?, ?)`,
			executionID, rating, nullIfEmpty(text))
		return err
	})
}

// GetExecution fetches one goal execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*GoalExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, intent, success, COALESCE(error, ''), duration_ms, COALESCE(metadata, ''), finalized, created_at
		FROM executions WHERE id = ?`, id)
	return scanGoalExecution(row)
}

// GetRecentExecutions returns goal executions sorted by created-at descending.
func (s *Store) GetRecentExecutions(ctx context.Context, limit int) ([]GoalExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, intent, success, COALESCE(error, ''), duration_ms, COALESCE(metadata, ''), finalized, created_at
		FROM executions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GoalExecution
	for rows.Next() {
		ge, err := scanGoalExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ge)
	}
	return out, rows.Err()
}

// GetSuccessRate returns the success rate over finalized goal executions,
// optionally filtered by intent.
func (s *Store) GetSuccessRate(ctx context.Context, intent string) (float64, int, error) {
	query := "SELECT COUNT(*), COALESCE(SUM(success), 0) FROM executions WHERE finalized = 1"
	args := []any{}
	if intent != "" {
		query += " AND intent = ?"
		args = append(args, intent)
	}

	var total, successes int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &successes); err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(successes) / float64(total), total, nil
}

// GetToolExecutions returns the most recent executions of a tool,
// newest first.
func (s *Store) GetToolExecutions(ctx context.Context, toolName string, limit int) ([]ToolExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, tool_name, COALESCE(input, ''), COALESCE(result, ''), success, COALESCE(error, ''), duration_ms, created_at
		FROM tool_executions WHERE tool_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		toolName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanToolExecutions(rows)
}

// GetToolExecutionsSince returns executions of a tool after the cutoff,
// newest first. Used by the fast-rollback scanner.
func (s *Store) GetToolExecutionsSince(ctx context.Context, toolName string, since time.Time) ([]ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, tool_name, COALESCE(input, ''), COALESCE(result, ''), success, COALESCE(error, ''), duration_ms, created_at
		FROM tool_executions WHERE tool_name = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`,
		toolName, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanToolExecutions(rows)
}

// GetRecentToolFailures counts failed tool executions after the cutoff.
func (s *Store) GetRecentToolFailures(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tool_executions WHERE success = 0 AND created_at >= ?`,
		since.UTC().Format("2006-01-02 15:04:05")).Scan(&n)
	return n, err
}

// StoreToolCreationEvent records that a brand-new tool entered the catalogue.
func (s *Store) StoreToolCreationEvent(ctx context.Context, toolName, createdBy, description string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tool_creation_events (tool_name, created_by, description) VALUES (?, ?, ?)`,
			toolName, createdBy, description)
		return err
	})
}

// ========== scan helpers ==========

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoalExecution(row *sql.Row) (*GoalExecution, error) {
	ge, err := scanGoalExecutionRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ge, err
}

func scanGoalExecutionRows(row rowScanner) (*GoalExecution, error) {
	var ge GoalExecution
	var success, finalized int
	var metaJSON string
	var createdAt time.Time

	if err := row.Scan(&ge.ID, &ge.Goal, &ge.Intent, &success, &ge.Error,
		&ge.DurationMs, &metaJSON, &finalized, &createdAt); err != nil {
		return nil, err
	}
	ge.Success = success == 1
	ge.Finalized = finalized == 1
	ge.CreatedAt = createdAt
	if metaJSON != "" {
		json.Unmarshal([]byte(metaJSON), &ge.Metadata)
	}
	return &ge, nil
}

func scanToolExecutions(rows *sql.Rows) ([]ToolExecution, error) {
	var out []ToolExecution
	for rows.Next() {
		var te ToolExecution
		var success int
		var inputJSON, resultJSON string
		var createdAt time.Time

		if err := rows.Scan(&te.ID, &te.ExecutionID, &te.ToolName, &inputJSON,
			&resultJSON, &success, &te.Error, &te.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		te.Success = success == 1
		te.CreatedAt = createdAt
		if inputJSON != "" {
			json.Unmarshal([]byte(inputJSON), &te.Input)
		}
		if resultJSON != "" {
			var r any
			if json.Unmarshal([]byte(resultJSON), &r) == nil {
				te.Result = r
			}
		}
		out = append(out, te)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
