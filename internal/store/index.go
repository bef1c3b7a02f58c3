package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SemanticRecord is one tool's entry in the persistent embedding index used
// by tool discovery. The embedding is stored as a JSON array so the table
// stays portable across embedder changes; callers compare Document text to
// detect staleness.
type SemanticRecord struct {
	ToolName  string    `json:"tool_name"`
	Document  string    `json:"document"`
	Embedding []float32 `json:"embedding"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertSemanticRecord inserts or replaces a tool's index entry.
func (s *Store) UpsertSemanticRecord(ctx context.Context, toolName, document string, embedding []float32) error {
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO semantic_index (tool_name, document, embedding, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(tool_name) DO UPDATE SET
				document = excluded.document,
				embedding = excluded.embedding,
				updated_at = excluded.updated_at`,
			toolName, document, string(embJSON))
		return err
	})
}

// GetSemanticRecords loads the full index. Discovery holds it in memory and
// reconciles against the registry on sync.
func (s *Store) GetSemanticRecords(ctx context.Context) ([]SemanticRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tool_name, document, embedding, updated_at FROM semantic_index ORDER BY tool_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SemanticRecord
	for rows.Next() {
		var rec SemanticRecord
		var embJSON string
		if err := rows.Scan(&rec.ToolName, &rec.Document, &embJSON, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(embJSON), &rec.Embedding); err != nil {
			// A corrupt embedding row is dropped; sync re-embeds the tool.
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSemanticRecord removes a tool's index entry.
func (s *Store) DeleteSemanticRecord(ctx context.Context, toolName string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM semantic_index WHERE tool_name = ?", toolName)
		return err
	})
}
