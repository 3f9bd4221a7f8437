package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/embedding"
)

func TestRelevanceRanker_StoreValidatesImportance(t *testing.T) {
	r := NewRelevanceRanker()

	_, err := r.Store("note", 1.5)
	var vErr *core.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "importance", vErr.Field)

	_, err = r.Store("note", -0.1)
	assert.Error(t, err)

	id, err := r.Store("note", 0.5, func(o *StoreOptions) { o.Category = "ops" })
	require.NoError(t, err)
	item, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "ops", item.Category)
	assert.Equal(t, 0, item.AccessCount)
}

func TestRelevanceRanker_RankDescendingScores(t *testing.T) {
	r := NewRelevanceRanker()
	_, err := r.Store("the customer deductible is 500 euro", 0.5)
	require.NoError(t, err)
	_, err = r.Store("office plants need watering", 0.5)
	require.NoError(t, err)

	ranked, err := r.Rank(context.Background(), "what is the customer deductible", 0, DefaultWeights)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Contains(t, ranked[0].Item.Content, "deductible")
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRelevanceRanker_ImportanceDominatesEqualRelevance(t *testing.T) {
	r := NewRelevanceRanker()
	_, err := r.Store("shared content", 0.1)
	require.NoError(t, err)
	importantID, err := r.Store("shared content", 0.9)
	require.NoError(t, err)

	ranked, err := r.Rank(context.Background(), "shared content", 1, DefaultWeights)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, importantID, ranked[0].Item.ID)
}

func TestRelevanceRanker_LinearRecencyDecay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewRelevanceRanker(func(o *RankerOptions) {
		o.MaxAge = 30 * 24 * time.Hour
		o.Clock = clock
	})

	staleID, err := r.Store("same note", 0.5)
	require.NoError(t, err)

	// Advance 15 days and store an identical item; it is twice as recent.
	now = now.Add(15 * 24 * time.Hour)
	freshID, err := r.Store("same note", 0.5)
	require.NoError(t, err)

	ranked, err := r.Rank(context.Background(), "same note", 0, DefaultWeights)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, freshID, ranked[0].Item.ID)
	assert.Equal(t, staleID, ranked[1].Item.ID)
	// Recency contributes weight*0.5 less for the item at half the horizon.
	assert.InDelta(t, DefaultWeights.Recency*0.5, ranked[0].Score-ranked[1].Score, 1e-9)
}

func TestRelevanceRanker_RetrievalReinforcesRecency(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRelevanceRanker(func(o *RankerOptions) {
		o.Clock = func() time.Time { return now }
	})

	id, err := r.Store("note", 0.5)
	require.NoError(t, err)

	now = now.Add(10 * 24 * time.Hour)
	ranked, err := r.Rank(context.Background(), "note", 0, DefaultWeights)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, 1, ranked[0].Item.AccessCount)
	assert.Equal(t, now, ranked[0].Item.LastAccessed)

	// The store reflects the bump, and Get does not add another one.
	item, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, item.AccessCount)
	assert.Equal(t, now, item.LastAccessed)
	item, _ = r.Get(id)
	assert.Equal(t, 1, item.AccessCount)
}

// tallyEmbedder counts Embed calls per text on top of the deterministic mock.
type tallyEmbedder struct {
	mu    sync.Mutex
	calls map[string]int
	inner *embedding.MockEmbedder
}

func newTallyEmbedder() *tallyEmbedder {
	return &tallyEmbedder{calls: map[string]int{}, inner: embedding.NewMockEmbedder()}
}

func (e *tallyEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	e.mu.Lock()
	e.calls[text]++
	e.mu.Unlock()
	return e.inner.Embed(ctx, text)
}

func (e *tallyEmbedder) Dims() int { return e.inner.Dims() }

func TestRelevanceRanker_EmbedsEachItemOnce(t *testing.T) {
	ctx := context.Background()
	embedder := newTallyEmbedder()
	r := NewRelevanceRanker(func(o *RankerOptions) { o.Embedder = embedder })

	_, err := r.Store("deductible is 500 euro", 0.5)
	require.NoError(t, err)
	_, err = r.Store("claims close in 30 days", 0.5)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ranked, err := r.Rank(ctx, "deductible", 0, DefaultWeights)
		require.NoError(t, err)
		require.Len(t, ranked, 2)
	}

	// Item contents are vectorized once and cached; only the query is
	// embedded per Rank call.
	assert.Equal(t, 1, embedder.calls["deductible is 500 euro"])
	assert.Equal(t, 1, embedder.calls["claims close in 30 days"])
	assert.Equal(t, 3, embedder.calls["deductible"])

	// Items stored later get vectorized on the next ranking.
	_, err = r.Store("phone support is down", 0.5)
	require.NoError(t, err)
	_, err = r.Rank(ctx, "deductible", 0, DefaultWeights)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls["phone support is down"])
	assert.Equal(t, 1, embedder.calls["deductible is 500 euro"])
}

func TestRelevanceRanker_UpdateImportance(t *testing.T) {
	r := NewRelevanceRanker()
	id, err := r.Store("note", 0.2)
	require.NoError(t, err)

	require.NoError(t, r.UpdateImportance(id, 0.9))
	item, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0.9, item.Importance)

	assert.Error(t, r.UpdateImportance(id, 2.0))
	assert.Error(t, r.UpdateImportance("ghost", 0.5))
}

func TestRelevanceRanker_TopKAndStableTies(t *testing.T) {
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRelevanceRanker(func(o *RankerOptions) {
		o.Clock = func() time.Time { return frozen }
	})
	firstID, err := r.Store("identical", 0.5)
	require.NoError(t, err)
	_, err = r.Store("identical", 0.5)
	require.NoError(t, err)
	_, err = r.Store("identical", 0.5)
	require.NoError(t, err)

	ranked, err := r.Rank(context.Background(), "identical", 2, Weights{})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	// Zero weights fall back to defaults; equal scores keep insertion order.
	assert.Equal(t, firstID, ranked[0].Item.ID)
	assert.Equal(t, 3, r.Len())
}
