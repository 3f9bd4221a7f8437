package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/core"
)

func newEpisode(sessionID, user, assistant string, createdAt time.Time) Episode {
	return Episode{
		SessionID: sessionID,
		Messages: []core.Message{
			core.NewUserMessage(user),
			core.NewAssistantMessage(assistant),
		},
		Outcome:   "resolved",
		CreatedAt: createdAt,
	}
}

func TestInMemoryEpisodicStore_StoreAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryEpisodicStore()

	id, err := store.Store(ctx, newEpisode("s1", "hello", "hi", time.Time{}))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ep, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s1", ep.SessionID)
	assert.False(t, ep.CreatedAt.IsZero())

	_, err = store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestInMemoryEpisodicStore_HistoryMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryEpisodicStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		_, err := store.Store(ctx, newEpisode("s1", "q", "a", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, err := store.Store(ctx, newEpisode("other", "x", "y", base))
	require.NoError(t, err)

	history, err := store.History(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].CreatedAt.After(history[1].CreatedAt))
	assert.True(t, history[1].CreatedAt.After(history[2].CreatedAt))

	all, err := store.History(ctx, "s1", -1)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := store.History(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInMemoryEpisodicStore_SimilarRanksAndBreaksTies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryEpisodicStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Store(ctx, newEpisode("s1", "refund policy for damaged goods", "explained refunds", base))
	require.NoError(t, err)
	_, err = store.Store(ctx, newEpisode("s1", "shipping times to europe", "explained shipping", base.Add(time.Minute)))
	require.NoError(t, err)
	// Same body as the first but newer; wins the tie.
	newerID, err := store.Store(ctx, newEpisode("s2", "refund policy for damaged goods", "explained refunds", base.Add(2*time.Minute)))
	require.NoError(t, err)

	scored, err := store.Similar(ctx, "refund policy damaged goods", 2)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, newerID, scored[0].Episode.ID)
	assert.GreaterOrEqual(t, scored[0].Score, scored[1].Score)
}
