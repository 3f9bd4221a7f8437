package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/embedding"
)

// KnowledgeItem is one embedding-indexed domain fact. Concept keys are
// unique; re-upserting a concept overwrites the previous item entirely
// (embeddings are never merged or averaged).
type KnowledgeItem struct {
	Concept       string              `json:"concept"`
	Definition    string              `json:"definition"`
	Embedding     embedding.Vector    `json:"embedding"`
	Category      string              `json:"category,omitempty"`
	Relationships map[string][]string `json:"relationships,omitempty"` // relation name -> concept keys
}

// ScoredKnowledge pairs a knowledge item with its query similarity.
type ScoredKnowledge struct {
	Item  KnowledgeItem `json:"item"`
	Score float64       `json:"score"`
}

// KnowledgeIndex stores domain facts retrievable by embedding similarity.
type KnowledgeIndex interface {
	// Upsert stores or overwrites the item keyed by its concept.
	Upsert(ctx context.Context, item KnowledgeItem) error
	// Query returns up to topK items ranked by descending cosine similarity
	// to the query embedding; ties keep insertion order (stable sort).
	Query(ctx context.Context, query embedding.Vector, topK int) ([]ScoredKnowledge, error)
	// RelationshipsOf returns the relationship map of a concept, empty when
	// the concept is unknown.
	RelationshipsOf(ctx context.Context, concept string) (map[string][]string, error)
}

// InMemoryKnowledgeIndex is a brute-force cosine KnowledgeIndex. Suitable for
// moderate index sizes; swap in the chromem-backed implementation for larger
// corpora.
type InMemoryKnowledgeIndex struct {
	mu      sync.RWMutex
	items   map[string]*KnowledgeItem
	ordered []string // concept keys in first-insertion order, for stable ties
}

// NewInMemoryKnowledgeIndex constructs an empty index.
func NewInMemoryKnowledgeIndex() *InMemoryKnowledgeIndex {
	return &InMemoryKnowledgeIndex{items: make(map[string]*KnowledgeItem)}
}

// Upsert implements KnowledgeIndex. An overwritten concept keeps its original
// insertion position.
func (idx *InMemoryKnowledgeIndex) Upsert(_ context.Context, item KnowledgeItem) error {
	if item.Concept == "" {
		return &core.ValidationError{Field: "concept", Message: "concept key must not be empty"}
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.items[item.Concept]; !exists {
		idx.ordered = append(idx.ordered, item.Concept)
	}
	stored := item
	idx.items[item.Concept] = &stored
	return nil
}

// Query implements KnowledgeIndex. Identical queries over unchanged state
// return identical ranked orders and scores.
func (idx *InMemoryKnowledgeIndex) Query(_ context.Context, query embedding.Vector, topK int) ([]ScoredKnowledge, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	scored := make([]ScoredKnowledge, 0, len(idx.ordered))
	for _, concept := range idx.ordered {
		item := idx.items[concept]
		scored = append(scored, ScoredKnowledge{
			Item:  *item,
			Score: embedding.CosineSimilarity(query, item.Embedding),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// RelationshipsOf implements KnowledgeIndex.
func (idx *InMemoryKnowledgeIndex) RelationshipsOf(_ context.Context, concept string) (map[string][]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	item, ok := idx.items[concept]
	if !ok || item.Relationships == nil {
		return map[string][]string{}, nil
	}
	out := make(map[string][]string, len(item.Relationships))
	for rel, concepts := range item.Relationships {
		out[rel] = append([]string(nil), concepts...)
	}
	return out, nil
}

// Len returns the number of indexed concepts.
func (idx *InMemoryKnowledgeIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.items)
}
