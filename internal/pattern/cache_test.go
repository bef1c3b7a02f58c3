package pattern

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"synapse/internal/embedding"
	"synapse/internal/types"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patterns.json")
	c, err := New(path, embedding.NewLocalEngine())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func decision(intent types.Intent) *types.IntentDecision {
	return &types.IntentDecision{Intent: intent, Confidence: 0.9, Method: types.MethodLLMZeroShot}
}

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Lookup(context.Background(), "calculate 2 plus 2", 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatal("empty cache must miss")
	}
	st := c.Stats()
	if st.Lookups != 1 || st.Misses != 1 || st.Hits != 0 {
		t.Fatalf("counters wrong: %+v", st)
	}
}

func TestStoreAndLookupExactQuery(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "calculate 2 plus 2", decision(types.IntentToolUse), 0.9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	hit, ok, err := c.Lookup(ctx, "calculate 2 plus 2", 0)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if hit.Similarity < DefaultThreshold {
		t.Fatalf("similarity %v below threshold", hit.Similarity)
	}
	var got types.IntentDecision
	if err := json.Unmarshal(hit.Decision, &got); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if got.Intent != types.IntentToolUse {
		t.Fatalf("decision round trip: %+v", got)
	}
}

func TestLookupMissesUnrelatedQuery(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "calculate 2 plus 2", decision(types.IntentToolUse), 0.9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	_, ok, err := c.Lookup(ctx, "compose a sonnet about autumn leaves", 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatal("unrelated query must miss")
	}
}

func TestHitConfidenceGrowsWithUsage(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "calculate 2 plus 2", decision(types.IntentToolUse), 0.80, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	first, _, err := c.Lookup(ctx, "calculate 2 plus 2", 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	second, _, err := c.Lookup(ctx, "calculate 2 plus 2", 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if second.Confidence <= first.Confidence {
		t.Fatalf("confidence must grow with usage: %v then %v", first.Confidence, second.Confidence)
	}

	// The adjustment is capped at 0.99 no matter the usage count.
	for i := 0; i < 30; i++ {
		if _, _, err := c.Lookup(ctx, "calculate 2 plus 2", 0); err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
	}
	last, _, _ := c.Lookup(ctx, "calculate 2 plus 2", 0)
	if last.Confidence > 0.99 {
		t.Fatalf("confidence %v exceeds cap", last.Confidence)
	}
}

func TestStoreDedupesNearIdenticalQueries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "calculate 2 plus 2", decision(types.IntentToolUse), 0.7, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	// Same query again: updated in place, confidence keeps the max.
	if err := c.Store(ctx, "calculate 2 plus 2", decision(types.IntentToolUse), 0.95, map[string]any{"source": "test"}); err != nil {
		t.Fatalf("second store: %v", err)
	}

	st := c.Stats()
	if st.PatternCount != 1 {
		t.Fatalf("pattern count = %d, want 1 after dedup", st.PatternCount)
	}
	if st.Stores != 2 {
		t.Fatalf("stores counter = %d, want 2", st.Stores)
	}

	hit, ok, _ := c.Lookup(ctx, "calculate 2 plus 2", 0)
	if !ok || hit.Confidence < 0.95 {
		t.Fatalf("dedup did not keep the max confidence: %+v", hit)
	}
}

func TestFailedExecutionPoisonsValidatedEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.StoreAfterExecution(ctx, "fetch my notes", decision(types.IntentToolUse), true, 0.9, nil); err != nil {
		t.Fatalf("validated store: %v", err)
	}
	if _, ok, _ := c.Lookup(ctx, "fetch my notes", 0); !ok {
		t.Fatal("validated entry must be servable")
	}

	// A failure on a near-duplicate query marks it failing; no new entry.
	if err := c.StoreAfterExecution(ctx, "fetch my notes", decision(types.IntentToolUse), false, 0.9, nil); err != nil {
		t.Fatalf("failure store: %v", err)
	}
	if _, ok, _ := c.Lookup(ctx, "fetch my notes", 0); ok {
		t.Fatal("poisoned entry must not be served")
	}
	if n := c.Stats().PatternCount; n != 1 {
		t.Fatalf("failure must not add entries, have %d", n)
	}
}

func TestGetSimilarExamplesRanksByUsage(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "remember that my car is red", decision(types.IntentToolUse), 0.9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.Store(ctx, "remember that my bike is blue", decision(types.IntentToolUse), 0.9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	// Bump usage on the second entry so it outranks at equal similarity.
	for i := 0; i < 5; i++ {
		if _, _, err := c.Lookup(ctx, "remember that my bike is blue", 0); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}

	examples, err := c.GetSimilarExamples(ctx, "remember that my boat is green", 2, 0.3)
	if err != nil {
		t.Fatalf("examples: %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("got %d examples, want 2", len(examples))
	}
	if examples[0].Score < examples[1].Score {
		t.Fatal("examples not sorted by score")
	}
}

func TestConcurrentLookupsAndReads(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "calculate 2 plus 2", decision(types.IntentToolUse), 0.9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.Store(ctx, "remember that my car is red", decision(types.IntentToolUse), 0.9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	const workers = 8
	const perWorker = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, _, err := c.Lookup(ctx, "calculate 2 plus 2", 0); err != nil {
					errs <- err
					return
				}
				if _, err := c.GetSimilarExamples(ctx, "remember that my boat is green", 2, 0.3); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent read: %v", err)
	}

	st := c.Stats()
	if st.Lookups != workers*perWorker {
		t.Fatalf("lookups = %d, want %d", st.Lookups, workers*perWorker)
	}
	if st.Hits != workers*perWorker {
		t.Fatalf("hits = %d, want %d", st.Hits, workers*perWorker)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	embedder := embedding.NewLocalEngine()
	ctx := context.Background()

	c, err := New(path, embedder)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if err := c.Store(ctx, "calculate 2 plus 2", decision(types.IntentToolUse), 0.9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	reopened, err := New(path, embedder)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	hit, ok, err := reopened.Lookup(ctx, "calculate 2 plus 2", 0)
	if err != nil || !ok {
		t.Fatalf("persisted entry lost: ok=%v err=%v", ok, err)
	}
	if hit.Query != "calculate 2 plus 2" {
		t.Fatalf("wrong entry: %+v", hit)
	}
}

func TestLoadDiscardsCorruptEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	embedder := embedding.NewLocalEngine()
	ctx := context.Background()

	c, err := New(path, embedder)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if err := c.Store(ctx, "calculate 2 plus 2", decision(types.IntentToolUse), 0.9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	// Append a broken entry to the persisted file.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	var file struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("parse cache file: %v", err)
	}
	file.Entries = append(file.Entries, json.RawMessage(`{"query": "", "decision": null}`))
	broken, _ := json.Marshal(file)
	if err := os.WriteFile(path, broken, 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	reopened, err := New(path, embedder)
	if err != nil {
		t.Fatalf("reopen with corrupt entry: %v", err)
	}
	if n := reopened.Stats().PatternCount; n != 1 {
		t.Fatalf("loaded %d entries, want 1 (corrupt discarded)", n)
	}
}

func TestLoadUnreadableFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	if err := os.WriteFile(path, []byte("this is not json"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	c, err := New(path, embedding.NewLocalEngine())
	if err != nil {
		t.Fatalf("unreadable file must not fail open: %v", err)
	}
	if n := c.Stats().PatternCount; n != 0 {
		t.Fatalf("expected empty cache, got %d entries", n)
	}
}
