package store

import (
	"context"
	"testing"
)

func TestSemanticRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSemanticRecord(ctx, "calc_add", "calc_add adds numbers", []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert replaces, never duplicates.
	if err := s.UpsertSemanticRecord(ctx, "calc_add", "calc_add adds two numbers", []float32{0.4, 0.5}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	recs, err := s.GetSemanticRecords(ctx)
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Document != "calc_add adds two numbers" || len(recs[0].Embedding) != 2 {
		t.Fatalf("record not replaced: %+v", recs[0])
	}

	if err := s.DeleteSemanticRecord(ctx, "calc_add"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ = s.GetSemanticRecords(ctx)
	if len(recs) != 0 {
		t.Fatalf("record not deleted: %+v", recs)
	}
}

func TestSemanticRecordCorruptEmbeddingSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSemanticRecord(ctx, "good", "good tool", []float32{1, 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.db.Exec(
		"INSERT INTO semantic_index (tool_name, document, embedding) VALUES ('bad', 'bad tool', 'not json')"); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	recs, err := s.GetSemanticRecords(ctx)
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	if len(recs) != 1 || recs[0].ToolName != "good" {
		t.Fatalf("corrupt row not skipped: %+v", recs)
	}
}
