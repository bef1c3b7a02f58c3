// Package pattern implements the embedding-keyed memoisation layer over
// neuron decisions. Repeated "what is this goal asking for?" questions
// become a cosine scan over cached entries instead of a model call, and
// validated executions feed back into the cache so it learns.
package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"synapse/internal/embedding"
	"synapse/internal/logging"
)

// DefaultThreshold is the similarity floor for treating a cached entry as a
// near-duplicate of the query during lookup.
const DefaultThreshold = 0.80

// dedupThreshold: a stored query this close to an existing entry updates it
// in place instead of creating a new row.
const dedupThreshold = 0.90

// validatedBoost is the lookup similarity multiplier for entries proven by
// a successful execution.
const validatedBoost = 1.10

// Entry is one cached (query → decision) mapping. The decision payload is
// opaque to the cache.
type Entry struct {
	Query              string          `json:"query"`
	Embedding          []float32       `json:"embedding"`
	Decision           json.RawMessage `json:"decision"`
	Confidence         float64         `json:"confidence"`
	UsageCount         int             `json:"usage_count"`
	CreatedAt          time.Time       `json:"created_at"`
	LastUpdated        time.Time       `json:"last_updated"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	ExecutionValidated bool            `json:"execution_validated"`
	LastSuccess        bool            `json:"last_success"`
}

// Hit is a successful lookup.
type Hit struct {
	Query      string
	Decision   json.RawMessage
	Confidence float64
	Similarity float64
}

// Stats is the cache's counter snapshot.
type Stats struct {
	Lookups      int64   `json:"lookups"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Stores       int64   `json:"stores"`
	HitRate      float64 `json:"hit_rate"`
	PatternCount int     `json:"pattern_count"`
	CacheSize    int64   `json:"cache_size"`
}

// Cache is the pattern cache. Writes are serialized through the mutex;
// concurrent lookups share the read lock for the scan and briefly take the
// write lock to bump usage on a hit.
type Cache struct {
	mu       sync.RWMutex
	entries  []*Entry
	embedder embedding.Engine
	path     string

	lookups int64
	hits    int64
	misses  int64
	stores  int64
}

// New creates a cache persisted at path and loads any existing entries.
// Entries whose decision payload does not parse are discarded with a
// logged count.
func New(path string, embedder embedding.Engine) (*Cache, error) {
	c := &Cache{embedder: embedder, path: path}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns the best cached decision above the threshold, or ok=false.
// Execution-validated successful entries get a similarity boost; validated
// entries whose last execution failed are never returned.
func (c *Cache) Lookup(ctx context.Context, query string, threshold float64) (*Hit, bool, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, false, fmt.Errorf("embed query: %w", err)
	}

	c.mu.RLock()
	var best *Entry
	bestSim := 0.0
	for _, e := range c.entries {
		if e.ExecutionValidated && !e.LastSuccess {
			continue
		}
		sim, err := embedding.CosineSimilarity(vec, e.Embedding)
		if err != nil {
			// Entry from a previous embedder; unusable until re-stored.
			continue
		}
		if e.ExecutionValidated && e.LastSuccess {
			sim *= validatedBoost
			if sim > 1.0 {
				sim = 1.0
			}
		}
		if sim > bestSim {
			bestSim = sim
			best = e
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++

	// The entry may have been poisoned between the scan and the upgrade.
	if best == nil || bestSim < threshold || (best.ExecutionValidated && !best.LastSuccess) {
		c.misses++
		return nil, false, nil
	}

	e := best
	conf := e.Confidence + min(0.15, float64(e.UsageCount)*0.01)
	if conf > 0.99 {
		conf = 0.99
	}
	e.UsageCount++
	c.hits++

	logging.PatternDebug("hit %.3f for %q (usage=%d)", bestSim, e.Query, e.UsageCount)
	return &Hit{Query: e.Query, Decision: e.Decision, Confidence: conf, Similarity: bestSim}, true, nil
}

// Store writes a (query → decision) entry. If an existing entry is within
// the dedup threshold it is updated in place: confidence becomes the max,
// usage increments, metadata is replaced if provided.
func (c *Cache) Store(ctx context.Context, query string, decision any, confidence float64, metadata map[string]any) error {
	return c.store(ctx, query, decision, confidence, metadata, false, false)
}

// StoreAfterExecution is the preferred write path. Successful executions
// are stored validated; a failed execution stores nothing new but marks any
// near-duplicate validated entry as failing so lookups stop serving it.
func (c *Cache) StoreAfterExecution(ctx context.Context, query string, decision any, success bool, confidence float64, metadata map[string]any) error {
	if success {
		return c.store(ctx, query, decision, confidence, metadata, true, true)
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if !e.ExecutionValidated {
			continue
		}
		if sim, err := embedding.CosineSimilarity(vec, e.Embedding); err == nil && sim >= dedupThreshold {
			e.LastSuccess = false
			e.LastUpdated = time.Now()
		}
	}
	return c.saveLocked()
}

func (c *Cache) store(ctx context.Context, query string, decision any, confidence float64, metadata map[string]any, validated, success bool) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores++

	now := time.Now()
	for _, e := range c.entries {
		if sim, err := embedding.CosineSimilarity(vec, e.Embedding); err == nil && sim >= dedupThreshold {
			if confidence > e.Confidence {
				e.Confidence = confidence
			}
			e.UsageCount++
			e.LastUpdated = now
			e.Decision = payload
			if metadata != nil {
				e.Metadata = metadata
			}
			if validated {
				e.ExecutionValidated = true
				e.LastSuccess = success
			}
			return c.saveLocked()
		}
	}

	c.entries = append(c.entries, &Entry{
		Query:              query,
		Embedding:          vec,
		Decision:           payload,
		Confidence:         confidence,
		CreatedAt:          now,
		LastUpdated:        now,
		Metadata:           metadata,
		ExecutionValidated: validated,
		LastSuccess:        success,
	})
	return c.saveLocked()
}

// Example is one entry returned by GetSimilarExamples.
type Example struct {
	Query      string
	Decision   json.RawMessage
	Similarity float64
	Score      float64
}

// GetSimilarExamples returns the k best entries above the similarity floor,
// ranked by similarity weighted by usage. Used to seed few-shot prompts.
func (c *Cache) GetSimilarExamples(ctx context.Context, query string, k int, minSimilarity float64) ([]Example, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Example
	for _, e := range c.entries {
		if e.ExecutionValidated && !e.LastSuccess {
			continue
		}
		sim, err := embedding.CosineSimilarity(vec, e.Embedding)
		if err != nil || sim < minSimilarity {
			continue
		}
		out = append(out, Example{
			Query:      e.Query,
			Decision:   e.Decision,
			Similarity: sim,
			Score:      sim * (1 + 0.1*float64(e.UsageCount)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Stats returns the counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{
		Lookups:      c.lookups,
		Hits:         c.hits,
		Misses:       c.misses,
		Stores:       c.stores,
		PatternCount: len(c.entries),
	}
	if c.lookups > 0 {
		st.HitRate = float64(c.hits) / float64(c.lookups)
	}
	if info, err := os.Stat(c.path); err == nil {
		st.CacheSize = info.Size()
	}
	return st
}

// ========== persistence ==========

type cacheFile struct {
	Entries []json.RawMessage `json:"entries"`
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache file: %w", err)
	}

	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		logging.Pattern("cache file unreadable, starting empty: %v", err)
		return nil
	}

	discarded := 0
	for _, raw := range file.Entries {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || len(e.Decision) == 0 || e.Query == "" {
			discarded++
			continue
		}
		c.entries = append(c.entries, &e)
	}
	if discarded > 0 {
		logging.Pattern("discarded %d unparseable cache entries on load", discarded)
	}
	logging.Pattern("loaded %d patterns from %s", len(c.entries), c.path)
	return nil
}

// saveLocked persists the cache. Caller holds the write lock. The file is
// written to a temp path and renamed so readers never see a torn file.
func (c *Cache) saveLocked() error {
	file := cacheFile{Entries: make([]json.RawMessage, 0, len(c.entries))}
	for _, e := range c.entries {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		file.Entries = append(file.Entries, raw)
	}
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}
