// Package convomesh provides a high-level façade over the conversational
// memory subsystems (message log, episodic store, knowledge index, attention
// ranker, relation graph), the tool call orchestrator and the session
// registry. Most applications interact with this package by:
//  1. Creating a ConvoMesh via New() with a model backend (optionally
//     overriding default in-memory stores)
//  2. Registering tools the model may call
//  3. Calling Chat() once per user utterance
//
// The façade delegates turn handling to coordinator.Coordinator while keeping
// setup ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply the sqlite episodic store,
// the chromem knowledge index and a structured logger.
package convomesh

import (
	"context"
	"fmt"

	"github.com/convomesh/convomesh/coordinator"
	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/embedding"
	"github.com/convomesh/convomesh/logging"
	"github.com/convomesh/convomesh/memory"
	"github.com/convomesh/convomesh/model"
	"github.com/convomesh/convomesh/orchestrator"
	"github.com/convomesh/convomesh/session"
	"github.com/convomesh/convomesh/tool"
)

// Options configures the ConvoMesh instance.
type Options struct {
	// SystemPrompt is prepended to every turn.
	SystemPrompt string

	// MaxToolRounds caps tool execution rounds per turn.
	MaxToolRounds int

	// Stores (default to in-memory implementations if not provided).
	Episodes  memory.EpisodicStore
	Knowledge memory.KnowledgeIndex
	Attention *memory.RelevanceRanker
	Relations *memory.RelationIndex

	// Embedder powers knowledge retrieval. Nil disables the knowledge
	// section of the turn context.
	Embedder embedding.Embedder

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// ConvoMesh is the high-level façade aggregating the coordinator, tool
// registry and memory stores.
type ConvoMesh struct {
	opts        Options
	coordinator *coordinator.Coordinator
	registry    *tool.Registry
}

// New creates a ConvoMesh around the given model backend. Any unset store is
// initialized with an in-memory implementation.
func New(backend model.Model, optFns ...func(o *Options)) (*ConvoMesh, error) {
	if backend == nil {
		return nil, fmt.Errorf("model backend is required")
	}
	opts := Options{
		MaxToolRounds: orchestrator.DefaultMaxRounds,
		Episodes:      memory.NewInMemoryEpisodicStore(),
		Knowledge:     memory.NewInMemoryKnowledgeIndex(),
		Attention:     memory.NewRelevanceRanker(),
		Relations:     memory.NewRelationIndex(),
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	registry := tool.NewRegistry()
	orch := orchestrator.New(backend, registry,
		orchestrator.WithMaxRounds(opts.MaxToolRounds),
		orchestrator.WithLogger(opts.Logger),
	)
	sessions := session.NewRegistry(session.WithLogger(opts.Logger))

	coord, err := coordinator.New(sessions, orch, coordinator.Stores{
		Episodes:  opts.Episodes,
		Knowledge: opts.Knowledge,
		Attention: opts.Attention,
		Relations: opts.Relations,
		Embedder:  opts.Embedder,
	},
		coordinator.WithSystemPrompt(opts.SystemPrompt),
		coordinator.WithLogger(opts.Logger),
	)
	if err != nil {
		return nil, err
	}

	return &ConvoMesh{opts: opts, coordinator: coord, registry: registry}, nil
}

// RegisterTool exposes a tool to the model.
func (m *ConvoMesh) RegisterTool(t tool.Tool) error { return m.registry.Register(t) }

// Chat processes one user utterance for the given session and returns the
// assistant reply with its tool call trace.
func (m *ConvoMesh) Chat(ctx context.Context, sessionID, userText string) (*core.TurnResult, error) {
	return m.coordinator.HandleTurn(ctx, sessionID, userText)
}

// Remember stores an attention item available to future turns.
func (m *ConvoMesh) Remember(content string, importance float64) (string, error) {
	return m.opts.Attention.Store(content, importance)
}

// Learn upserts a domain fact into the knowledge index. It requires an
// embedder to vectorize the definition.
func (m *ConvoMesh) Learn(ctx context.Context, concept, definition string) error {
	if m.opts.Embedder == nil {
		return fmt.Errorf("learning requires an embedder")
	}
	vec, err := m.opts.Embedder.Embed(ctx, definition)
	if err != nil {
		return fmt.Errorf("embed definition: %w", err)
	}
	return m.opts.Knowledge.Upsert(ctx, memory.KnowledgeItem{
		Concept:    concept,
		Definition: definition,
		Embedding:  vec,
	})
}

// Associate records a bidirectional entity relationship consulted during
// context assembly.
func (m *ConvoMesh) Associate(a, b, relation string) {
	m.opts.Relations.Associate(a, b, relation)
}

// History returns up to limit archived episodes for a session, most recent
// first.
func (m *ConvoMesh) History(ctx context.Context, sessionID string, limit int) ([]memory.Episode, error) {
	return m.opts.Episodes.History(ctx, sessionID, limit)
}

// Sessions exposes the session registry for TTL sweeping and eviction.
func (m *ConvoMesh) Sessions() *session.Registry { return m.coordinator.Sessions() }
