// Package orchestrator drives the model/tool interaction loop for one turn:
// it sends the assembled conversation plus the declared tool surface to the
// model, executes requested tools (concurrently within a round), feeds the
// results back and repeats until the model produces plain text or the round
// limit forces a final response.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/logging"
	"github.com/convomesh/convomesh/model"
	"github.com/convomesh/convomesh/tool"
)

// State names one phase of the orchestration loop. Exposed mainly for
// logging and the final Result.
type State string

const (
	StateAwaitingModel   State = "AWAITING_MODEL"
	StateModelResponded  State = "MODEL_RESPONDED"
	StateToolRequested   State = "TOOL_REQUESTED"
	StateToolExecuting   State = "TOOL_EXECUTING"
	StateToolResultReady State = "TOOL_RESULT_READY"
	StateFinalResponse   State = "FINAL_RESPONSE"
)

const (
	// DefaultMaxRounds bounds how many tool execution rounds a single turn
	// may perform before the loop forces a final response.
	DefaultMaxRounds = 5

	// DefaultMaxParallel bounds concurrent tool executions within a round.
	DefaultMaxParallel = 4

	// MaxRoundsNotice is returned as the assistant text when the model keeps
	// requesting tools past the round limit.
	MaxRoundsNotice = "max tool rounds exceeded"
)

// Options configures an Orchestrator.
type Options struct {
	// MaxRounds caps tool execution rounds per turn (default 5).
	MaxRounds int

	// MaxParallel caps concurrent tool executions within one round.
	MaxParallel int

	// ToolTimeout bounds a single tool invocation. Zero means no per-call
	// deadline beyond the turn context.
	ToolTimeout time.Duration

	// ModelTimeout bounds a single model call. Zero means no per-call
	// deadline beyond the turn context.
	ModelTimeout time.Duration

	// Logger receives loop instrumentation. Defaults to NoOpLogger.
	Logger logging.Logger
}

// WithMaxRounds overrides the tool round limit.
func WithMaxRounds(n int) func(*Options) {
	return func(o *Options) { o.MaxRounds = n }
}

// WithMaxParallel overrides the per-round tool concurrency bound.
func WithMaxParallel(n int) func(*Options) {
	return func(o *Options) { o.MaxParallel = n }
}

// WithToolTimeout sets a deadline applied to each tool invocation.
func WithToolTimeout(d time.Duration) func(*Options) {
	return func(o *Options) { o.ToolTimeout = d }
}

// WithModelTimeout sets a deadline applied to each model call.
func WithModelTimeout(d time.Duration) func(*Options) {
	return func(o *Options) { o.ModelTimeout = d }
}

// WithLogger sets the loop logger.
func WithLogger(l logging.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

// Result is the outcome of one orchestrated turn.
type Result struct {
	// AssistantText is the model's final plain-text response.
	AssistantText string

	// Trace records every requested tool call across all rounds, in request
	// order, including failed ones.
	Trace []core.ToolCall

	// Rounds is the number of tool execution rounds performed.
	Rounds int

	// FinishReason is the provider finish reason of the final model call, or
	// "max_rounds" when the round limit forced the response.
	FinishReason string

	// State is the terminal loop state, always StateFinalResponse on success.
	State State

	// Usage aggregates token usage across all model calls of the turn, when
	// the backend reports it.
	Usage model.TokenUsage
}

// Orchestrator runs the tool call loop against a model and a tool registry.
// Safe for concurrent use; each Run call keeps its own loop state.
type Orchestrator struct {
	model    model.Model
	registry *tool.Registry
	opts     Options
}

// New constructs an Orchestrator.
func New(m model.Model, registry *tool.Registry, optFns ...func(*Options)) *Orchestrator {
	opts := Options{
		MaxRounds:   DefaultMaxRounds,
		MaxParallel: DefaultMaxParallel,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Orchestrator{model: m, registry: registry, opts: opts}
}

// Run performs the orchestration loop over the supplied conversation. The
// input slice is not mutated; tool call rounds operate on a private copy.
func (o *Orchestrator) Run(ctx context.Context, messages []core.Message) (*Result, error) {
	msgs := append([]core.Message(nil), messages...)
	defs := o.registry.Definitions()

	result := &Result{State: StateAwaitingModel}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		o.opts.Logger.Debug("orchestrator.model.invoke",
			"round", result.Rounds+1,
			"messages", len(msgs),
			"tools", len(defs),
		)
		resp, err := o.invokeModel(ctx, model.Request{Messages: msgs, Tools: defs})
		if err != nil {
			return nil, fmt.Errorf("model invoke (round %d): %w", result.Rounds+1, err)
		}
		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
		}
		result.State = StateModelResponded

		if len(resp.ToolCalls) == 0 {
			result.AssistantText = resp.Content
			result.FinishReason = resp.FinishReason
			result.State = StateFinalResponse
			o.opts.Logger.Info("orchestrator.turn.complete",
				"rounds", result.Rounds,
				"tool_calls", len(result.Trace),
				"finish_reason", result.FinishReason,
			)
			return result, nil
		}

		result.State = StateToolRequested
		if result.Rounds >= o.opts.MaxRounds {
			o.opts.Logger.Warn("orchestrator.max_rounds",
				"rounds", result.Rounds,
				"pending_calls", len(resp.ToolCalls),
			)
			result.AssistantText = MaxRoundsNotice
			result.FinishReason = "max_rounds"
			result.State = StateFinalResponse
			return result, nil
		}

		result.Rounds++
		result.State = StateToolExecuting
		calls := o.executeRound(ctx, result.Rounds, resp.ToolCalls)
		result.Trace = append(result.Trace, calls...)
		result.State = StateToolResultReady

		// Replay the assistant's request and every result before the next
		// model call so the transcript stays provider-valid.
		msgs = append(msgs, core.NewAssistantToolCallMessage(resp.Content, resp.ToolCalls))
		for _, call := range calls {
			msgs = append(msgs, core.NewToolMessage(call.ID, renderToolContent(call)))
		}
		result.State = StateAwaitingModel
	}
}

// invokeModel performs a single model call under the configured timeout.
func (o *Orchestrator) invokeModel(ctx context.Context, req model.Request) (*model.Response, error) {
	if o.opts.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ModelTimeout)
		defer cancel()
	}
	return o.model.Invoke(ctx, req)
}

// executeRound runs one round of tool calls concurrently, bounded by
// MaxParallel, and returns the audit records in request order. Panics inside
// handlers are recovered and surface as failed calls.
func (o *Orchestrator) executeRound(ctx context.Context, round int, requests []core.ToolCallRequest) []core.ToolCall {
	calls := make([]core.ToolCall, len(requests))
	for i, req := range requests {
		calls[i] = core.ToolCall{
			ID:        req.ID,
			Name:      req.Name,
			Arguments: req.Arguments,
			Status:    core.ToolCallPending,
			Round:     round,
		}
	}

	maxPar := o.opts.MaxParallel
	if maxPar > len(requests) {
		maxPar = len(requests)
	}
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup

	start := time.Now()
	for i := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(call *core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			o.executeCall(ctx, call)
		}(&calls[i])
	}
	wg.Wait()

	o.opts.Logger.Debug("orchestrator.round.complete",
		"round", round,
		"count", len(calls),
		"parallelism", maxPar,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return calls
}

func (o *Orchestrator) executeCall(ctx context.Context, call *core.ToolCall) {
	call.Status = core.ToolCallExecuting
	start := time.Now()

	result, err := func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
				o.opts.Logger.Error("orchestrator.tool.panic",
					"tool", call.Name,
					"recover", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		return o.invokeTool(ctx, call.Name, call.Arguments)
	}()
	call.Duration = time.Since(start)

	if err != nil {
		call.Status = core.ToolCallFailed
		call.Error = err.Error()
		o.opts.Logger.Warn("orchestrator.tool.failed",
			"tool", call.Name,
			"call_id", call.ID,
			"duration_ms", call.Duration.Milliseconds(),
			"error", err.Error(),
		)
		return
	}
	call.Status = core.ToolCallSucceeded
	call.Result = result
	o.opts.Logger.Info("orchestrator.tool.executed",
		"tool", call.Name,
		"call_id", call.ID,
		"duration_ms", call.Duration.Milliseconds(),
	)
}

// invokeTool resolves the tool, parses its raw JSON arguments and calls it
// under the configured per-call timeout. Argument validation happens inside
// the tool implementation.
func (o *Orchestrator) invokeTool(ctx context.Context, name, rawArgs string) (any, error) {
	impl, err := o.registry.Get(name)
	if err != nil {
		return nil, err
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return nil, tool.NewToolError(name, fmt.Sprintf("malformed arguments: %v", err), tool.CodeValidation)
		}
	}

	if o.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ToolTimeout)
		defer cancel()
	}
	return impl.Call(ctx, args)
}

// renderToolContent serializes one tool outcome into the content of the
// tool-role message fed back to the model. Failures become a structured
// error payload the model can reason about.
func renderToolContent(call core.ToolCall) string {
	if call.Status == core.ToolCallFailed {
		payload, err := json.Marshal(map[string]string{"error": call.Error})
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, call.Error)
		}
		return string(payload)
	}
	switch v := call.Result.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(payload)
	}
}
