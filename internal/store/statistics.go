package store

import (
	"context"
	"database/sql"
	"time"
)

// ToolStatistics is the per-tool rollup derived from tool_executions.
// Eventually consistent: refreshed by UpdateStatistics.
type ToolStatistics struct {
	ToolName        string     `json:"tool_name"`
	TotalExecutions int        `json:"total_executions"`
	Successes       int        `json:"successes"`
	Failures        int        `json:"failures"`
	SuccessRate     float64    `json:"success_rate"`
	AvgDurationMs   float64    `json:"avg_duration_ms"`
	FirstUsed       *time.Time `json:"first_used,omitempty"`
	LastUsed        *time.Time `json:"last_used,omitempty"`
}

// UpdateStatistics recomputes the per-tool aggregates from the raw
// tool-execution table. Idempotent: re-running without new executions
// yields identical rows.
func (s *Store) UpdateStatistics(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tool_statistics
				(tool_name, total_executions, successes, failures, success_rate, avg_duration_ms, first_used, last_used, updated_at)
			SELECT
				tool_name,
				COUNT(*),
				SUM(success),
				COUNT(*) - SUM(success),
				CAST(SUM(success) AS REAL) / COUNT(*),
				AVG(duration_ms),
				MIN(created_at),
				MAX(created_at),
				CURRENT_TIMESTAMP
			FROM tool_executions
			GROUP BY tool_name
			ON CONFLICT(tool_name) DO UPDATE SET
				total_executions = excluded.total_executions,
				successes = excluded.successes,
				failures = excluded.failures,
				success_rate = excluded.success_rate,
				avg_duration_ms = excluded.avg_duration_ms,
				first_used = excluded.first_used,
				last_used = excluded.last_used,
				updated_at = excluded.updated_at`)
		return err
	})
}

// GetToolStatistics returns the rollup row for one tool, or ErrNotFound if
// the tool has never been rolled up.
func (s *Store) GetToolStatistics(ctx context.Context, toolName string) (*ToolStatistics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tool_name, total_executions, successes, failures, success_rate, avg_duration_ms, first_used, last_used
		FROM tool_statistics WHERE tool_name = ?`, toolName)

	st, err := scanStatistics(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return st, err
}

// GetTopTools returns the best tools by success rate, requiring a minimum
// execution count so one lucky call does not top the list.
func (s *Store) GetTopTools(ctx context.Context, limit, minExecutions int) ([]ToolStatistics, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, total_executions, successes, failures, success_rate, avg_duration_ms, first_used, last_used
		FROM tool_statistics
		WHERE total_executions >= ?
		ORDER BY success_rate DESC, total_executions DESC
		LIMIT ?`, minExecutions, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatisticsRows(rows)
}

// GetMostUsedTools returns tools ordered by execution volume.
func (s *Store) GetMostUsedTools(ctx context.Context, limit int) ([]ToolStatistics, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, total_executions, successes, failures, success_rate, avg_duration_ms, first_used, last_used
		FROM tool_statistics
		ORDER BY total_executions DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatisticsRows(rows)
}

// GetToolPerformanceView returns the full rollup for every tool that has
// been executed at least once.
func (s *Store) GetToolPerformanceView(ctx context.Context) ([]ToolStatistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, total_executions, successes, failures, success_rate, avg_duration_ms, first_used, last_used
		FROM tool_statistics
		WHERE total_executions > 0
		ORDER BY tool_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatisticsRows(rows)
}

func scanStatistics(row rowScanner) (*ToolStatistics, error) {
	var st ToolStatistics
	var first, last sql.NullTime
	if err := row.Scan(&st.ToolName, &st.TotalExecutions, &st.Successes, &st.Failures,
		&st.SuccessRate, &st.AvgDurationMs, &first, &last); err != nil {
		return nil, err
	}
	if first.Valid {
		st.FirstUsed = &first.Time
	}
	if last.Valid {
		st.LastUsed = &last.Time
	}
	return &st, nil
}

func scanStatisticsRows(rows *sql.Rows) ([]ToolStatistics, error) {
	var out []ToolStatistics
	for rows.Next() {
		st, err := scanStatistics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}
