package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalEngine produces deterministic embeddings with no external service.
// Tokens and character trigrams are hashed into a fixed-width vector, which
// is then L2-normalized. The space is crude compared to a trained model but
// stable across runs and good enough for near-duplicate detection, which is
// what the pattern cache and duplicate scan rely on when running offline.
type LocalEngine struct {
	dims int
}

// NewLocalEngine creates a deterministic in-process engine.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{dims: 256}
}

// Embed generates an embedding for a single text.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)

	tokens := tokenize(text)
	for _, tok := range tokens {
		addFeature(vec, tok, 1.0)
		// Character trigrams catch morphological overlap between near-
		// duplicate queries ("calculate" vs "calculating").
		for i := 0; i+3 <= len(tok); i++ {
			addFeature(vec, tok[i:i+3], 0.5)
		}
	}

	// L2 normalize so cosine similarity reduces to a dot product
	var mag float64
	for _, v := range vec {
		mag += float64(v * v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *LocalEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *LocalEngine) Name() string {
	return "local:hash256"
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New32a()
	h.Write([]byte(feature))
	sum := h.Sum32()
	idx := int(sum % uint32(len(vec)))
	// Sign bit from the hash spreads features across both directions,
	// keeping unrelated texts near-orthogonal.
	if sum&0x80000000 != 0 {
		vec[idx] -= weight
	} else {
		vec[idx] += weight
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
