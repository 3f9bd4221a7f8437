package coordinator

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/embedding"
	"github.com/convomesh/convomesh/memory"
	"github.com/convomesh/convomesh/model"
	"github.com/convomesh/convomesh/orchestrator"
	"github.com/convomesh/convomesh/session"
	"github.com/convomesh/convomesh/tool"
)

type fixture struct {
	model    *model.MockModel
	registry *tool.Registry
	sessions *session.Registry
	episodes *memory.InMemoryEpisodicStore
	coord    *Coordinator
}

func newFixture(t *testing.T, stores Stores, optFns ...func(*Options)) *fixture {
	t.Helper()
	m := model.NewMockModel("test")
	registry := tool.NewRegistry()
	sessions := session.NewRegistry()
	if stores.Episodes == nil {
		stores.Episodes = memory.NewInMemoryEpisodicStore()
	}
	coord, err := New(sessions, orchestrator.New(m, registry), stores, optFns...)
	require.NoError(t, err)
	episodes, _ := stores.Episodes.(*memory.InMemoryEpisodicStore)
	return &fixture{model: m, registry: registry, sessions: sessions, episodes: episodes, coord: coord}
}

func TestCoordinator_SimpleTurn(t *testing.T) {
	f := newFixture(t, Stores{})
	f.model.Enqueue(model.Response{Content: "hello back"})

	result, err := f.coord.HandleTurn(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello back", result.AssistantText)
	assert.Empty(t, result.ToolTrace)
	assert.False(t, result.Degraded)
	assert.NotEmpty(t, result.Metadata["episode_id"])

	// The session log carries both sides of the exchange.
	log := f.sessions.Get("s1").Log
	require.Equal(t, 2, log.Len())
	all := log.All()
	assert.Equal(t, core.RoleUser, all[0].Role)
	assert.Equal(t, core.RoleAssistant, all[1].Role)

	// The exchange was archived.
	ep, err := f.episodes.Get(context.Background(), result.Metadata["episode_id"])
	require.NoError(t, err)
	assert.Equal(t, "s1", ep.SessionID)
	require.Len(t, ep.Messages, 2)
	assert.Equal(t, "hello", ep.Messages[0].Content)
}

func TestCoordinator_ValidatesInput(t *testing.T) {
	f := newFixture(t, Stores{})
	var vErr *core.ValidationError

	_, err := f.coord.HandleTurn(context.Background(), "", "hello")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "session_id", vErr.Field)

	_, err = f.coord.HandleTurn(context.Background(), "s1", "   ")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "user_text", vErr.Field)
}

func TestCoordinator_KnowledgeInformsTurnContext(t *testing.T) {
	embedder := embedding.NewMockEmbedder()
	knowledge := memory.NewInMemoryKnowledgeIndex()
	ctx := context.Background()

	vec, err := embedder.Embed(ctx, "the deductible is 500 euro")
	require.NoError(t, err)
	require.NoError(t, knowledge.Upsert(ctx, memory.KnowledgeItem{
		Concept:    "deductible",
		Definition: "the deductible is 500 euro",
		Embedding:  vec,
	}))

	f := newFixture(t, Stores{Knowledge: knowledge, Embedder: embedder})
	f.model.Enqueue(model.Response{Content: "Your deductible is 500 euro."})

	result, err := f.coord.HandleTurn(ctx, "s1", "how much is my deductible?")
	require.NoError(t, err)
	// Answered from context alone; no tool call was needed.
	assert.Empty(t, result.ToolTrace)
	assert.Equal(t, 0, result.Rounds)
	assert.False(t, result.Degraded)
}

func TestCoordinator_ToolRoundEndToEnd(t *testing.T) {
	f := newFixture(t, Stores{})
	add := tool.NewFunctionTool("add", "Add two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"x": map[string]any{"type": "number"},
				"y": map[string]any{"type": "number"},
			},
			"required": []string{"x", "y"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return args["x"].(float64) + args["y"].(float64), nil
		},
	)
	require.NoError(t, f.registry.Register(add))

	f.model.Enqueue(model.Response{ToolCalls: []core.ToolCallRequest{
		{ID: "c1", Name: "add", Arguments: `{"x":5,"y":3}`},
	}})
	f.model.Enqueue(model.Response{Content: "the sum is 8"})

	result, err := f.coord.HandleTurn(context.Background(), "s1", "add 5 and 3")
	require.NoError(t, err)
	assert.Equal(t, "the sum is 8", result.AssistantText)
	require.Len(t, result.ToolTrace, 1)
	assert.Equal(t, core.ToolCallSucceeded, result.ToolTrace[0].Status)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, "stop", result.Metadata["finish_reason"])

	// The archived episode records the round and call counts.
	ep, err := f.episodes.Get(context.Background(), result.Metadata["episode_id"])
	require.NoError(t, err)
	assert.Equal(t, "1", ep.Metadata["rounds"])
	assert.Equal(t, "1", ep.Metadata["tool_calls"])
}

func TestCoordinator_RejectsConcurrentTurnOnSameSession(t *testing.T) {
	f := newFixture(t, Stores{})
	sess := f.sessions.Get("s1")
	require.True(t, sess.TryAcquireTurn())
	defer sess.ReleaseTurn()

	_, err := f.coord.HandleTurn(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, session.ErrTurnInProgress)
}

func TestCoordinator_RollsBackLogOnFailure(t *testing.T) {
	sessions := session.NewRegistry()
	coord, err := New(sessions, orchestrator.New(failingModel{}, tool.NewRegistry()), Stores{
		Episodes: memory.NewInMemoryEpisodicStore(),
	})
	require.NoError(t, err)

	log := sessions.Get("s1").Log
	require.NoError(t, log.Append(core.NewUserMessage("earlier turn")))
	require.NoError(t, log.Append(core.NewAssistantMessage("earlier reply")))

	_, err = coord.HandleTurn(context.Background(), "s1", "this will fail")
	require.Error(t, err)

	// The failed turn left no trace in the log.
	assert.Equal(t, 2, log.Len())
	assert.Equal(t, "earlier reply", log.All()[1].Content)

	// The lock was released; the next turn is accepted.
	assert.True(t, sessions.Get("s1").TryAcquireTurn())
}

func TestCoordinator_CancellationRollsBack(t *testing.T) {
	f := newFixture(t, Stores{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.HandleTurn(ctx, "s1", "hello")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.sessions.Get("s1").Log.Len())
}

func TestCoordinator_DegradedGathering(t *testing.T) {
	f := newFixture(t, Stores{
		Knowledge: memory.NewInMemoryKnowledgeIndex(),
		Embedder:  errEmbedder{},
	})
	f.model.Enqueue(model.Response{Content: "best effort answer"})

	result, err := f.coord.HandleTurn(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Contains(t, result.Metadata, "degraded.knowledge")
	assert.Equal(t, "best effort answer", result.AssistantText)
}

func TestCoordinator_EpisodeWriteFailureIsFatal(t *testing.T) {
	sessions := session.NewRegistry()
	m := model.NewMockModel("test")
	m.Enqueue(model.Response{Content: "reply"})
	coord, err := New(sessions, orchestrator.New(m, tool.NewRegistry()), Stores{
		Episodes: failingEpisodes{},
	})
	require.NoError(t, err)

	_, err = coord.HandleTurn(context.Background(), "s1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist episode")
}

func TestCoordinator_RelationsAppearForKnownEntities(t *testing.T) {
	relations := memory.NewRelationIndex()
	relations.Associate("deductible", "premium", "offsets")

	f := newFixture(t, Stores{Relations: relations})
	f.model.Enqueue(model.Response{Content: "noted"})

	result, err := f.coord.HandleTurn(context.Background(), "s1", "tell me about the deductible")
	require.NoError(t, err)
	assert.False(t, result.Degraded)
}

func TestTruncateRunes(t *testing.T) {
	// Mixed-width input: "héllo wörld" has multi-byte runes at offsets 1 and 8.
	s := "héllo wörld"

	assert.Equal(t, s, truncateRunes(s, len(s)))
	assert.Equal(t, s, truncateRunes(s, len(s)+10))
	assert.Equal(t, "", truncateRunes(s, 0))

	// A cut landing inside a multi-byte rune backs up to the rune start.
	cut := truncateRunes(s, 2)
	assert.Equal(t, "h", cut)
	assert.True(t, utf8.ValidString(cut))

	for max := 0; max <= len(s); max++ {
		out := truncateRunes(s, max)
		assert.True(t, utf8.ValidString(out), "max=%d", max)
		assert.LessOrEqual(t, len(out), max)
	}
}

// failingModel always errors.
type failingModel struct{}

func (failingModel) Invoke(context.Context, model.Request) (*model.Response, error) {
	return nil, errors.New("provider unavailable")
}

func (failingModel) Info() model.Info { return model.Info{Name: "failing", Provider: "test"} }

// errEmbedder fails every Embed call to exercise degraded gathering.
type errEmbedder struct{}

func (errEmbedder) Embed(context.Context, string) (embedding.Vector, error) {
	return nil, errors.New("embedding service down")
}

func (errEmbedder) Dims() int { return 0 }

// failingEpisodes rejects every write.
type failingEpisodes struct{}

func (failingEpisodes) Store(context.Context, memory.Episode) (string, error) {
	return "", errors.New("disk full")
}

func (failingEpisodes) Get(context.Context, string) (memory.Episode, error) {
	return memory.Episode{}, memory.ErrEpisodeNotFound
}

func (failingEpisodes) History(context.Context, string, int) ([]memory.Episode, error) {
	return nil, nil
}

func (failingEpisodes) Similar(context.Context, string, int) ([]memory.ScoredEpisode, error) {
	return nil, nil
}
