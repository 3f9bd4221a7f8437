package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/embedding"
)

// DefaultRecencyHorizon is the age at which an item's recency score reaches 0.
const DefaultRecencyHorizon = 30 * 24 * time.Hour

// AttentionItem is one rankable memory item. AccessCount and LastAccessed
// mutate on every retrieval: being returned by Rank reinforces recency. This
// is a documented side effect of reads, not an accident.
type AttentionItem struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Importance   float64           `json:"importance"` // caller-supplied, in [0, 1]
	Category     string            `json:"category,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AccessCount  int               `json:"access_count"`
	LastAccessed time.Time         `json:"last_accessed"`
	CreatedAt    time.Time         `json:"created_at"`

	// vector caches the content embedding, filled on first Rank so each
	// item is embedded at most once.
	vector embedding.Vector
}

// Weights blends the three ranking signals. Zero-value weights fall back to
// DefaultWeights.
type Weights struct {
	Relevance  float64 `json:"relevance"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

// DefaultWeights is the standard relevance-dominant blend.
var DefaultWeights = Weights{Relevance: 0.5, Importance: 0.3, Recency: 0.2}

// RankedItem pairs an item snapshot with its blended score.
type RankedItem struct {
	Item  AttentionItem `json:"item"`
	Score float64       `json:"score"`
}

// RankerOptions configures a RelevanceRanker.
type RankerOptions struct {
	// MaxAge is the linear recency decay horizon (default 30 days). Recency
	// scores 1.0 at age zero and 0.0 at MaxAge, floored at 0 beyond it.
	MaxAge time.Duration
	// Embedder, when set, scores relevance by embedding cosine similarity;
	// otherwise token overlap is used.
	Embedder embedding.Embedder
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// RelevanceRanker stores attention items and ranks them by a blended
// relevance/importance/recency score. Importance is never auto-decayed by the
// store; decay, if desired, is the caller's responsibility via
// UpdateImportance.
type RelevanceRanker struct {
	mu       sync.Mutex
	items    []*AttentionItem // insertion order, for stable ties
	byID     map[string]*AttentionItem
	maxAge   time.Duration
	embedder embedding.Embedder
	clock    func() time.Time
}

// NewRelevanceRanker constructs a ranker with optional overrides.
func NewRelevanceRanker(optFns ...func(o *RankerOptions)) *RelevanceRanker {
	opts := RankerOptions{MaxAge: DefaultRecencyHorizon, Clock: func() time.Time { return time.Now().UTC() }}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultRecencyHorizon
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &RelevanceRanker{
		byID:     make(map[string]*AttentionItem),
		maxAge:   opts.MaxAge,
		embedder: opts.Embedder,
		clock:    opts.Clock,
	}
}

// StoreOptions carries the optional Store arguments.
type StoreOptions struct {
	Category string
	Metadata map[string]string
}

// Store adds an item and returns its id. Importance outside [0, 1] is a
// validation failure.
func (r *RelevanceRanker) Store(content string, importance float64, optFns ...func(o *StoreOptions)) (string, error) {
	if importance < 0 || importance > 1 {
		return "", &core.ValidationError{Field: "importance", Value: importance, Message: "importance must be in [0, 1]"}
	}
	var opts StoreOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	now := r.clock()
	item := &AttentionItem{
		ID:           core.NewID(),
		Content:      content,
		Importance:   importance,
		Category:     opts.Category,
		Metadata:     opts.Metadata,
		LastAccessed: now,
		CreatedAt:    now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	r.byID[item.ID] = item
	return item.ID, nil
}

// UpdateImportance replaces an item's importance.
func (r *RelevanceRanker) UpdateImportance(id string, importance float64) error {
	if importance < 0 || importance > 1 {
		return &core.ValidationError{Field: "importance", Value: importance, Message: "importance must be in [0, 1]"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.byID[id]
	if !ok {
		return &core.ValidationError{Field: "id", Value: id, Message: "unknown attention item"}
	}
	item.Importance = importance
	return nil
}

// Rank returns up to topK items ordered by descending blended score. Ties
// keep insertion order. Every returned item has its AccessCount incremented
// and LastAccessed set to now, which raises its recency in later rankings.
func (r *RelevanceRanker) Rank(ctx context.Context, query string, topK int, weights Weights) ([]RankedItem, error) {
	if weights == (Weights{}) {
		weights = DefaultWeights
	}

	var queryVec embedding.Vector
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		queryVec = vec
		r.ensureVectors(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()

	ranked := make([]RankedItem, 0, len(r.items))
	for _, item := range r.items {
		relevance := r.relevance(queryVec, query, item)
		recency := r.recency(now, item.LastAccessed)
		score := weights.Relevance*relevance + weights.Importance*item.Importance + weights.Recency*recency
		ranked = append(ranked, RankedItem{Item: *item, Score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}

	// Retrieval reinforces recency: bump access stats of returned items.
	for i := range ranked {
		item := r.byID[ranked[i].Item.ID]
		item.AccessCount++
		item.LastAccessed = now
		ranked[i].Item = *item
	}
	return ranked, nil
}

// ensureVectors embeds contents that have no cached vector yet. Backend calls
// happen outside the lock so concurrent Store and Get are not serialized
// behind embedding latency; items whose embedding fails fall back to token
// overlap for this ranking and are retried on the next.
func (r *RelevanceRanker) ensureVectors(ctx context.Context) {
	type pending struct{ id, content string }
	r.mu.Lock()
	var todo []pending
	for _, item := range r.items {
		if item.vector == nil {
			todo = append(todo, pending{id: item.ID, content: item.Content})
		}
	}
	r.mu.Unlock()
	if len(todo) == 0 {
		return
	}

	vectors := make(map[string]embedding.Vector, len(todo))
	for _, p := range todo {
		vec, err := r.embedder.Embed(ctx, p.content)
		if err != nil {
			continue
		}
		vectors[p.id] = vec
	}

	r.mu.Lock()
	for id, vec := range vectors {
		if item, ok := r.byID[id]; ok {
			item.vector = vec
		}
	}
	r.mu.Unlock()
}

func (r *RelevanceRanker) relevance(queryVec embedding.Vector, query string, item *AttentionItem) float64 {
	if queryVec != nil && item.vector != nil {
		return embedding.CosineSimilarity(queryVec, item.vector)
	}
	return TextSimilarity(query, item.Content)
}

// recency decays linearly from 1.0 (just accessed) to 0.0 at maxAge, floored at 0.
func (r *RelevanceRanker) recency(now, lastAccessed time.Time) float64 {
	age := now.Sub(lastAccessed)
	if age <= 0 {
		return 1.0
	}
	if age >= r.maxAge {
		return 0
	}
	return 1.0 - float64(age)/float64(r.maxAge)
}

// Get returns a snapshot of an item without touching its access stats.
func (r *RelevanceRanker) Get(id string) (AttentionItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.byID[id]
	if !ok {
		return AttentionItem{}, false
	}
	return *item, true
}

// Len returns the number of stored items.
func (r *RelevanceRanker) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
