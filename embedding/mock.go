package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockEmbedder generates deterministic embeddings from a text hash. Identical
// inputs always produce identical vectors, which makes similarity queries
// reproducible in tests without a real embedding backend.
type MockEmbedder struct {
	dims int
}

// NewMockEmbedder creates a mock embedder with 384 dimensions (the
// all-MiniLM-L6-v2 shape, so fixtures transfer to real local models).
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{dims: 384}
}

// Embed creates a deterministic unit vector seeded by the FNV hash of text.
func (m *MockEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make(Vector, m.dims)
	for i := range vec {
		// LCG over the hash seed
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return Normalize(vec), nil
}

// Dims returns the embedding size.
func (m *MockEmbedder) Dims() int { return m.dims }
