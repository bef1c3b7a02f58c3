// Package discovery keeps the model's tool-selection context bounded as the
// catalogue grows. A persistent embedding index over tool documents feeds a
// statistical ranker; the selector neuron only ever sees the short list.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"synapse/internal/embedding"
	"synapse/internal/logging"
	"synapse/internal/registry"
	"synapse/internal/store"
)

// Duplicate thresholds: candidate at 0.90 similarity, likely at 0.95.
const (
	DuplicateThreshold = 0.90
	LikelyDuplicate    = 0.95
)

// Candidate is a stage-1 semantic search result.
type Candidate struct {
	ToolName    string  `json:"tool_name"`
	Distance    float64 `json:"distance"`
	Description string  `json:"description"`
}

// Ranked is a stage-2 result: a candidate with its statistical score.
type Ranked struct {
	Candidate
	Score       float64 `json:"score"`
	SuccessRate float64 `json:"success_rate"`
	Executions  int     `json:"executions"`
}

// DuplicatePair is one candidate duplicate with a consolidation verdict.
type DuplicatePair struct {
	ToolA      string  `json:"tool_a"`
	ToolB      string  `json:"tool_b"`
	Similarity float64 `json:"similarity"`
	Likely     bool    `json:"likely_duplicate"`
	Keep       string  `json:"keep"`
	Remove     string  `json:"remove"`
}

type indexEntry struct {
	document    string
	description string
	vector      []float32
}

// Engine is the discovery funnel. The embedding index is held in memory and
// persisted through the store; Sync reconciles it with the registry.
type Engine struct {
	mu       sync.RWMutex
	index    map[string]indexEntry
	store    *store.Store
	registry *registry.Registry
	embedder embedding.Engine
}

// New creates a discovery engine. Call Sync to populate the index.
func New(s *store.Store, reg *registry.Registry, embedder embedding.Engine) *Engine {
	return &Engine{
		index:    make(map[string]indexEntry),
		store:    s,
		registry: reg,
		embedder: embedder,
	}
}

// Sync reconciles the index with the registry: new and changed tools are
// re-embedded and upserted, entries for removed tools are deleted. Safe to
// call repeatedly; unchanged tools cost nothing.
func (e *Engine) Sync(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryDiscovery, "sync")
	defer timer.Stop()

	persisted, err := e.store.GetSemanticRecords(ctx)
	if err != nil {
		return fmt.Errorf("load semantic index: %w", err)
	}
	byName := make(map[string]store.SemanticRecord, len(persisted))
	for _, rec := range persisted {
		byName[rec.ToolName] = rec
	}

	tools := e.registry.List()
	next := make(map[string]indexEntry, len(tools))
	embedded := 0

	for _, tool := range tools {
		doc := tool.Document()
		if rec, ok := byName[tool.Name]; ok && rec.Document == doc {
			next[tool.Name] = indexEntry{document: doc, description: tool.Description, vector: rec.Embedding}
			continue
		}
		vec, err := e.embedder.Embed(ctx, doc)
		if err != nil {
			return fmt.Errorf("embed tool %s: %w", tool.Name, err)
		}
		if err := e.store.UpsertSemanticRecord(ctx, tool.Name, doc, vec); err != nil {
			return fmt.Errorf("persist index entry for %s: %w", tool.Name, err)
		}
		next[tool.Name] = indexEntry{document: doc, description: tool.Description, vector: vec}
		embedded++
	}

	// Drop persisted entries for tools no longer in the catalogue.
	for name := range byName {
		if _, ok := next[name]; !ok {
			if err := e.store.DeleteSemanticRecord(ctx, name); err != nil {
				logging.Get(logging.CategoryDiscovery).Error("delete stale index entry %s: %v", name, err)
			}
		}
	}

	e.mu.Lock()
	e.index = next
	e.mu.Unlock()

	logging.Discovery("index synced: %d tools, %d re-embedded", len(next), embedded)
	return nil
}

// SemanticSearch returns the n tools closest to the goal by cosine distance.
func (e *Engine) SemanticSearch(ctx context.Context, goal string, n int) ([]Candidate, error) {
	vec, err := e.embedder.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("embed goal: %w", err)
	}

	e.mu.RLock()
	candidates := make([]Candidate, 0, len(e.index))
	for name, entry := range e.index {
		sim, err := embedding.CosineSimilarity(vec, entry.vector)
		if err != nil {
			// Stale vector from a previous embedder; Sync re-embeds it.
			continue
		}
		candidates = append(candidates, Candidate{
			ToolName:    name,
			Distance:    1 - sim,
			Description: entry.description,
		})
	}
	e.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].ToolName < candidates[j].ToolName
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

// Rank scores candidates by execution history and returns the k best.
// score = success_rate · log(total+1) · recency, where recency decays to a
// floor of 0.5 over a year. Tools without statistics score a neutral 0.5.
// Ties break toward lower semantic distance.
func (e *Engine) Rank(ctx context.Context, candidates []Candidate, k int) ([]Ranked, error) {
	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		r := Ranked{Candidate: c, Score: 0.5}
		st, err := e.store.GetToolStatistics(ctx, c.ToolName)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// New tool: neutral score.
		case err != nil:
			return nil, fmt.Errorf("statistics for %s: %w", c.ToolName, err)
		default:
			recency := 0.5
			if st.LastUsed != nil {
				days := time.Since(*st.LastUsed).Hours() / 24
				recency = math.Max(0.5, 1-days/365)
			}
			r.Score = st.SuccessRate * math.Log(float64(st.TotalExecutions)+1) * recency
			r.SuccessRate = st.SuccessRate
			r.Executions = st.TotalExecutions
		}
		ranked = append(ranked, r)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Distance < ranked[j].Distance
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// Discover runs the funnel: semantic candidates narrowed to a ranked short
// list. The final selection among the short list belongs to the selector.
func (e *Engine) Discover(ctx context.Context, goal string, semanticLimit, rankLimit int) ([]Ranked, error) {
	if semanticLimit <= 0 {
		semanticLimit = 10
	}
	if rankLimit <= 0 {
		rankLimit = 5
	}
	candidates, err := e.SemanticSearch(ctx, goal, semanticLimit)
	if err != nil {
		return nil, err
	}
	short, err := e.Rank(ctx, candidates, rankLimit)
	if err != nil {
		return nil, err
	}
	logging.DiscoveryDebug("funnel for %q: %d candidates -> %d ranked", goal, len(candidates), len(short))
	return short, nil
}

// FindSimilarTools returns tools whose documents sit above the similarity
// threshold relative to the named tool.
func (e *Engine) FindSimilarTools(ctx context.Context, toolName string, threshold float64) ([]DuplicatePair, error) {
	if threshold <= 0 {
		threshold = DuplicateThreshold
	}
	e.mu.RLock()
	self, ok := e.index[toolName]
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("tool %s not indexed", toolName)
	}
	type other struct {
		name string
		vec  []float32
	}
	others := make([]other, 0, len(e.index))
	for name, entry := range e.index {
		if name != toolName {
			others = append(others, other{name, entry.vector})
		}
	}
	e.mu.RUnlock()

	var out []DuplicatePair
	for _, o := range others {
		sim, err := embedding.CosineSimilarity(self.vector, o.vec)
		if err != nil {
			continue
		}
		if sim >= threshold {
			pair, err := e.buildPair(ctx, toolName, o.name, sim)
			if err != nil {
				return nil, err
			}
			out = append(out, pair)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// FindAllDuplicates scans every pair in the index.
func (e *Engine) FindAllDuplicates(ctx context.Context, threshold float64) ([]DuplicatePair, error) {
	if threshold <= 0 {
		threshold = DuplicateThreshold
	}
	e.mu.RLock()
	names := make([]string, 0, len(e.index))
	vectors := make(map[string][]float32, len(e.index))
	for name, entry := range e.index {
		names = append(names, name)
		vectors[name] = entry.vector
	}
	e.mu.RUnlock()
	sort.Strings(names)

	var out []DuplicatePair
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			sim, err := embedding.CosineSimilarity(vectors[names[i]], vectors[names[j]])
			if err != nil || sim < threshold {
				continue
			}
			pair, err := e.buildPair(ctx, names[i], names[j], sim)
			if err != nil {
				return nil, err
			}
			out = append(out, pair)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// buildPair scores both sides as execution_count · success_rate and keeps
// the higher; ties break alphabetically.
func (e *Engine) buildPair(ctx context.Context, a, b string, sim float64) (DuplicatePair, error) {
	scoreOf := func(name string) (float64, error) {
		st, err := e.store.GetToolStatistics(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return float64(st.TotalExecutions) * st.SuccessRate, nil
	}

	scoreA, err := scoreOf(a)
	if err != nil {
		return DuplicatePair{}, err
	}
	scoreB, err := scoreOf(b)
	if err != nil {
		return DuplicatePair{}, err
	}

	pair := DuplicatePair{ToolA: a, ToolB: b, Similarity: sim, Likely: sim >= LikelyDuplicate}
	switch {
	case scoreA > scoreB:
		pair.Keep, pair.Remove = a, b
	case scoreB > scoreA:
		pair.Keep, pair.Remove = b, a
	default:
		if a < b {
			pair.Keep, pair.Remove = a, b
		} else {
			pair.Keep, pair.Remove = b, a
		}
	}
	return pair, nil
}
