// Package chromem provides a KnowledgeIndex backed by chromem-go, a pure Go
// embedded vector database. Suited to larger fact corpora than the in-memory
// brute-force index.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/embedding"
	"github.com/convomesh/convomesh/memory"
)

// KnowledgeIndex implements memory.KnowledgeIndex on a chromem collection.
// Relationship maps are kept alongside the collection because chromem has no
// get-by-id; document metadata still carries them for query results.
type KnowledgeIndex struct {
	mu            sync.RWMutex
	collection    *chromem.Collection
	relationships map[string]map[string][]string // concept -> relation -> concepts
}

// NewKnowledgeIndex creates an index with its own in-process database.
func NewKnowledgeIndex() (*KnowledgeIndex, error) {
	db := chromem.NewDB()
	// Embeddings are caller-provided, so no embedding func is registered.
	col, err := db.CreateCollection("knowledge", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &KnowledgeIndex{
		collection:    col,
		relationships: make(map[string]map[string][]string),
	}, nil
}

// Upsert implements memory.KnowledgeIndex. Re-adding a concept overwrites the
// previous document (last write wins).
func (idx *KnowledgeIndex) Upsert(ctx context.Context, item memory.KnowledgeItem) error {
	if item.Concept == "" {
		return &core.ValidationError{Field: "concept", Message: "concept key must not be empty"}
	}

	metadata := map[string]string{"concept": item.Concept}
	if item.Category != "" {
		metadata["category"] = item.Category
	}
	if len(item.Relationships) > 0 {
		rels, err := json.Marshal(item.Relationships)
		if err != nil {
			return fmt.Errorf("marshal relationships: %w", err)
		}
		metadata["relationships"] = string(rels)
	}

	doc := chromem.Document{
		ID:        item.Concept,
		Content:   item.Definition,
		Embedding: item.Embedding,
		Metadata:  metadata,
	}
	if err := idx.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	idx.mu.Lock()
	// Stored as a private copy so later caller mutation cannot corrupt it.
	idx.relationships[item.Concept] = copyRelationships(item.Relationships)
	idx.mu.Unlock()
	return nil
}

// copyRelationships deep-copies a relation map so stored state and caller
// state never alias.
func copyRelationships(rels map[string][]string) map[string][]string {
	if len(rels) == 0 {
		return nil
	}
	out := make(map[string][]string, len(rels))
	for rel, concepts := range rels {
		out[rel] = append([]string(nil), concepts...)
	}
	return out
}

// Query implements memory.KnowledgeIndex. chromem requires the result count
// to not exceed the collection size, so topK is clamped.
func (idx *KnowledgeIndex) Query(ctx context.Context, query embedding.Vector, topK int) ([]memory.ScoredKnowledge, error) {
	count := idx.collection.Count()
	if count == 0 {
		return []memory.ScoredKnowledge{}, nil
	}
	if topK <= 0 || topK > count {
		topK = count
	}

	results, err := idx.collection.QueryEmbedding(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]memory.ScoredKnowledge, 0, len(results))
	for _, res := range results {
		item := memory.KnowledgeItem{
			Concept:       res.ID,
			Definition:    res.Content,
			Embedding:     res.Embedding,
			Category:      res.Metadata["category"],
			Relationships: copyRelationships(idx.relationships[res.ID]),
		}
		out = append(out, memory.ScoredKnowledge{Item: item, Score: float64(res.Similarity)})
	}
	return out, nil
}

// RelationshipsOf implements memory.KnowledgeIndex.
func (idx *KnowledgeIndex) RelationshipsOf(_ context.Context, concept string) (map[string][]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := copyRelationships(idx.relationships[concept])
	if out == nil {
		return map[string][]string{}, nil
	}
	return out, nil
}

// Len returns the number of indexed concepts.
func (idx *KnowledgeIndex) Len() int { return idx.collection.Count() }

var _ memory.KnowledgeIndex = (*KnowledgeIndex)(nil)
