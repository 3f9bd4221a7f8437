// Package coordinator wires the memory subsystems, the session registry and
// the orchestrator into a single conversational entry point. HandleTurn is
// the one call applications make per user utterance.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/embedding"
	"github.com/convomesh/convomesh/logging"
	"github.com/convomesh/convomesh/memory"
	"github.com/convomesh/convomesh/orchestrator"
	"github.com/convomesh/convomesh/session"
)

const (
	// DefaultContextBudget caps the rendered memory context in characters.
	DefaultContextBudget = 4000

	// DefaultGatherTimeout bounds each memory source during context assembly.
	DefaultGatherTimeout = 2 * time.Second

	// DefaultTopK is how many knowledge and attention items are gathered.
	DefaultTopK = 3
)

// Options configures a Coordinator.
type Options struct {
	// SystemPrompt is prepended to every turn before the memory context.
	SystemPrompt string

	// ContextBudget caps the total rendered memory context in characters.
	ContextBudget int

	// GatherTimeout bounds each individual memory source lookup. A source
	// that exceeds it degrades the turn instead of failing it.
	GatherTimeout time.Duration

	// TopK is the number of knowledge and attention items gathered per turn.
	TopK int

	// Logger receives turn instrumentation. Defaults to NoOpLogger.
	Logger logging.Logger
}

// WithSystemPrompt sets the base system prompt.
func WithSystemPrompt(prompt string) func(*Options) {
	return func(o *Options) { o.SystemPrompt = prompt }
}

// WithContextBudget overrides the memory context character budget.
func WithContextBudget(n int) func(*Options) {
	return func(o *Options) { o.ContextBudget = n }
}

// WithGatherTimeout overrides the per-source gather deadline.
func WithGatherTimeout(d time.Duration) func(*Options) {
	return func(o *Options) { o.GatherTimeout = d }
}

// WithTopK overrides how many items each ranked source contributes.
func WithTopK(k int) func(*Options) {
	return func(o *Options) { o.TopK = k }
}

// WithLogger sets the coordinator logger.
func WithLogger(l logging.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

// Stores bundles the memory subsystems a Coordinator consults. Knowledge,
// Attention, Relations and Embedder are optional; a nil store simply
// contributes nothing to the context. Episodes is required.
type Stores struct {
	Episodes  memory.EpisodicStore
	Knowledge memory.KnowledgeIndex
	Attention *memory.RelevanceRanker
	Relations *memory.RelationIndex
	Embedder  embedding.Embedder
}

// Coordinator routes each user turn through context assembly, the tool call
// loop and episode archival. Turns on distinct sessions run concurrently;
// turns on the same session are rejected while one is in flight.
type Coordinator struct {
	sessions *session.Registry
	orch     *orchestrator.Orchestrator
	stores   Stores
	opts     Options
}

// New constructs a Coordinator.
func New(sessions *session.Registry, orch *orchestrator.Orchestrator, stores Stores, optFns ...func(*Options)) (*Coordinator, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if stores.Episodes == nil {
		return nil, fmt.Errorf("episodic store is required")
	}
	opts := Options{
		ContextBudget: DefaultContextBudget,
		GatherTimeout: DefaultGatherTimeout,
		TopK:          DefaultTopK,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = DefaultContextBudget
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Coordinator{sessions: sessions, orch: orch, stores: stores, opts: opts}, nil
}

// HandleTurn processes one user utterance for the given session: it appends
// the user message, assembles memory context, runs the tool call loop,
// appends the assistant reply and archives the exchange as an episode.
//
// A second turn on a session with one in flight returns
// session.ErrTurnInProgress. Orchestration failure or cancellation rolls the
// session log back to its pre-turn state. Episode write failure is fatal to
// the turn even though the reply was produced.
func (c *Coordinator) HandleTurn(ctx context.Context, sessionID, userText string) (*core.TurnResult, error) {
	if sessionID == "" {
		return nil, &core.ValidationError{Field: "session_id", Message: "session id must not be empty"}
	}
	if strings.TrimSpace(userText) == "" {
		return nil, &core.ValidationError{Field: "user_text", Message: "user text must not be empty"}
	}

	sess := c.sessions.Get(sessionID)
	if !sess.TryAcquireTurn() {
		return nil, session.ErrTurnInProgress
	}
	defer sess.ReleaseTurn()

	snapshot := sess.Log.All()

	userMsg := core.NewUserMessage(userText)
	if err := sess.Log.Append(userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	memoryContext, degraded := c.assembleContext(ctx, userText)

	msgs := make([]core.Message, 0, sess.Log.Len()+1)
	if prompt := c.renderSystemPrompt(memoryContext); prompt != "" {
		msgs = append(msgs, core.NewSystemMessage(prompt))
	}
	msgs = append(msgs, sess.Log.All()...)

	start := time.Now()
	res, err := c.orch.Run(ctx, msgs)
	if err != nil {
		sess.Log.Restore(snapshot)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.opts.Logger.Warn("coordinator.turn.cancelled", "session_id", sessionID, "error", err.Error())
			return nil, err
		}
		c.opts.Logger.Error("coordinator.turn.failed", "session_id", sessionID, "error", err.Error())
		return nil, fmt.Errorf("orchestration: %w", err)
	}

	assistantMsg := core.NewAssistantMessage(res.AssistantText)
	if err := sess.Log.Append(assistantMsg); err != nil {
		sess.Log.Restore(snapshot)
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	episode := memory.Episode{
		SessionID: sessionID,
		Messages:  []core.Message{userMsg, assistantMsg},
		Outcome:   res.FinishReason,
		Metadata: map[string]string{
			"rounds":     strconv.Itoa(res.Rounds),
			"tool_calls": strconv.Itoa(len(res.Trace)),
		},
	}
	episodeID, err := c.stores.Episodes.Store(ctx, episode)
	if err != nil {
		c.opts.Logger.Error("coordinator.episode.write_failed", "session_id", sessionID, "error", err.Error())
		return nil, fmt.Errorf("persist episode: %w", err)
	}

	result := &core.TurnResult{
		AssistantText: res.AssistantText,
		ToolTrace:     res.Trace,
		Rounds:        res.Rounds,
		Degraded:      len(degraded) > 0,
		Metadata: map[string]string{
			"episode_id":    episodeID,
			"finish_reason": res.FinishReason,
		},
	}
	for component, reason := range degraded {
		result.Metadata["degraded."+component] = reason
	}

	c.opts.Logger.Info("coordinator.turn.complete",
		"session_id", sessionID,
		"rounds", res.Rounds,
		"tool_calls", len(res.Trace),
		"degraded", result.Degraded,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// Sessions exposes the underlying registry, mainly for eviction control.
func (c *Coordinator) Sessions() *session.Registry { return c.sessions }

// assembleContext gathers memory sections for the turn. Failures and
// timeouts never abort the turn; they mark the named component degraded.
func (c *Coordinator) assembleContext(ctx context.Context, userText string) (string, map[string]string) {
	degraded := make(map[string]string)
	var sections []string

	if c.stores.Knowledge != nil {
		section, err := c.gatherKnowledge(ctx, userText)
		if err != nil {
			degraded["knowledge"] = err.Error()
			c.opts.Logger.Warn("coordinator.gather.degraded", "component", "knowledge", "error", err.Error())
		} else if section != "" {
			sections = append(sections, section)
		}
	}

	if c.stores.Attention != nil {
		section, err := c.gatherAttention(ctx, userText)
		if err != nil {
			degraded["attention"] = err.Error()
			c.opts.Logger.Warn("coordinator.gather.degraded", "component", "attention", "error", err.Error())
		} else if section != "" {
			sections = append(sections, section)
		}
	}

	if c.stores.Relations != nil {
		if section := c.gatherRelations(userText); section != "" {
			sections = append(sections, section)
		}
	}

	rendered := strings.Join(sections, "\n\n")
	return truncateRunes(rendered, c.opts.ContextBudget), degraded
}

// truncateRunes cuts s to at most max bytes without splitting a UTF-8
// sequence mid-rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (c *Coordinator) gatherKnowledge(ctx context.Context, userText string) (string, error) {
	if c.stores.Embedder == nil {
		return "", nil
	}
	gctx, cancel := context.WithTimeout(ctx, c.opts.GatherTimeout)
	defer cancel()

	queryVec, err := c.stores.Embedder.Embed(gctx, userText)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	scored, err := c.stores.Knowledge.Query(gctx, queryVec, c.opts.TopK)
	if err != nil {
		return "", fmt.Errorf("query knowledge: %w", err)
	}
	if len(scored) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Relevant knowledge:")
	for _, sk := range scored {
		fmt.Fprintf(&b, "\n- %s: %s", sk.Item.Concept, sk.Item.Definition)
	}
	return b.String(), nil
}

func (c *Coordinator) gatherAttention(ctx context.Context, userText string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, c.opts.GatherTimeout)
	defer cancel()

	ranked, err := c.stores.Attention.Rank(gctx, userText, c.opts.TopK, memory.DefaultWeights)
	if err != nil {
		return "", fmt.Errorf("rank attention: %w", err)
	}
	if len(ranked) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Important context:")
	for _, ri := range ranked {
		fmt.Fprintf(&b, "\n- %s", ri.Item.Content)
	}
	return b.String(), nil
}

// gatherRelations surfaces graph neighbors of entities mentioned in the
// user text. Entity detection is literal: a token participates if the graph
// knows it.
func (c *Coordinator) gatherRelations(userText string) string {
	entities := make(map[string][]string)
	for _, token := range strings.Fields(strings.ToLower(userText)) {
		token = strings.Trim(token, ".,!?;:\"'()")
		if token == "" {
			continue
		}
		if _, seen := entities[token]; seen {
			continue
		}
		if related := c.stores.Relations.Related(token, ""); len(related) > 0 {
			entities[token] = related
		}
	}
	if len(entities) == 0 {
		return ""
	}

	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Known relationships:")
	for _, name := range names {
		fmt.Fprintf(&b, "\n- %s: %s", name, strings.Join(entities[name], ", "))
	}
	return b.String()
}

func (c *Coordinator) renderSystemPrompt(memoryContext string) string {
	switch {
	case c.opts.SystemPrompt != "" && memoryContext != "":
		return c.opts.SystemPrompt + "\n\n" + memoryContext
	case c.opts.SystemPrompt != "":
		return c.opts.SystemPrompt
	default:
		return memoryContext
	}
}
