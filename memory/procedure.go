package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/convomesh/convomesh/core"
)

// StepType enumerates the supported procedure step kinds.
type StepType string

const (
	// StepExtract copies named keys from the running context into the step output.
	StepExtract StepType = "extract"
	// StepValidate asserts required keys are present and non-empty.
	StepValidate StepType = "validate"
	// StepCalculate evaluates an arithmetic or string operation over operands.
	StepCalculate StepType = "calculate"
	// StepDecision evaluates ordered condition/action branches.
	StepDecision StepType = "decision"
)

// Step is one unit of a procedure. Exactly the parameter block matching Type
// must be set; Register rejects mismatches. The tagged layout replaces the
// untyped parameter dictionaries the runner would otherwise need.
type Step struct {
	Name      string           `json:"name"`
	Type      StepType         `json:"type"`
	Extract   *ExtractParams   `json:"extract,omitempty"`
	Validate  *ValidateParams  `json:"validate,omitempty"`
	Calculate *CalculateParams `json:"calculate,omitempty"`
	Decision  *DecisionParams  `json:"decision,omitempty"`
}

// ExtractParams configures an extract step.
type ExtractParams struct {
	Keys []string `json:"keys"` // context keys to copy; missing keys are skipped
}

// ValidateParams configures a validate step.
type ValidateParams struct {
	Required []string `json:"required"` // keys that must exist with non-nil, non-empty values
}

// CalculateParams configures a calculate step. Operands are resolved against
// the running context first, then parsed as numeric literals.
type CalculateParams struct {
	Operation string   `json:"operation"` // add, subtract, multiply, divide, concat
	Operands  []string `json:"operands"`
	Target    string   `json:"target"` // context key receiving the result
}

// Condition is a single comparison against a running-context key.
type Condition struct {
	Key   string `json:"key"`
	Op    string `json:"op"` // eq, ne, gt, lt, exists, contains
	Value any    `json:"value,omitempty"`
}

// Branch is one condition/action pair of a decision step.
type Branch struct {
	When Condition      `json:"when"`
	Then map[string]any `json:"then"` // merged into context when the condition matches
}

// DecisionParams configures a decision step. Branches evaluate in order and
// short-circuit on first match; Else applies when no branch matches. With
// neither a match nor an Else, the step emits an empty result and execution
// continues.
type DecisionParams struct {
	Branches []Branch       `json:"branches"`
	Else     map[string]any `json:"else,omitempty"`
}

// RunStatus is the terminal status of a procedure run.
type RunStatus string

const (
	// RunSuccess means every step completed.
	RunSuccess RunStatus = "success"
	// RunFailed means a step errored and the remainder was aborted.
	RunFailed RunStatus = "failed"
)

// StepResult records one completed step's output.
type StepResult struct {
	Name   string         `json:"name"`
	Type   StepType       `json:"type"`
	Output map[string]any `json:"output"`
}

// RunResult is the outcome of one procedure run. Context mutations applied by
// completed steps are not rolled back on failure.
type RunResult struct {
	Status      RunStatus      `json:"status"`
	Steps       []StepResult   `json:"steps"`
	FinalOutput map[string]any `json:"final_output"`
	Completed   int            `json:"completed_steps"`
	Err         error          `json:"-"`
}

// Stats accumulates per-procedure run counters across runs.
type Stats struct {
	Runs      int `json:"runs"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// ProcedureRunner registers and executes named declarative workflows against
// a mutable running context. Safe for concurrent use; runs of the same
// procedure do not share context.
type ProcedureRunner struct {
	mu    sync.RWMutex
	procs map[string][]Step
	stats map[string]*Stats
}

// NewProcedureRunner constructs an empty runner.
func NewProcedureRunner() *ProcedureRunner {
	return &ProcedureRunner{procs: make(map[string][]Step), stats: make(map[string]*Stats)}
}

// Register stores a procedure under name, replacing any previous registration.
// Steps are immutable after registration.
func (r *ProcedureRunner) Register(name string, steps []Step) error {
	if name == "" {
		return &core.ValidationError{Field: "name", Message: "procedure name must not be empty"}
	}
	for i, step := range steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
	}
	stored := make([]Step, len(steps))
	copy(stored, steps)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = stored
	if _, ok := r.stats[name]; !ok {
		r.stats[name] = &Stats{}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Type {
	case StepExtract:
		if step.Extract == nil {
			return &core.ValidationError{Field: "extract", Message: "extract step requires extract params"}
		}
	case StepValidate:
		if step.Validate == nil {
			return &core.ValidationError{Field: "validate", Message: "validate step requires validate params"}
		}
	case StepCalculate:
		if step.Calculate == nil {
			return &core.ValidationError{Field: "calculate", Message: "calculate step requires calculate params"}
		}
		if step.Calculate.Target == "" {
			return &core.ValidationError{Field: "calculate.target", Message: "calculate step requires a target key"}
		}
	case StepDecision:
		if step.Decision == nil {
			return &core.ValidationError{Field: "decision", Message: "decision step requires decision params"}
		}
	default:
		return &core.ValidationError{Field: "type", Value: string(step.Type), Message: "unknown step type"}
	}
	return nil
}

// Run executes the named procedure sequentially. Each step's output merges
// into the running context visible to subsequent steps. A step error aborts
// the remainder, marks the run failed and reports the completed-step count;
// applied context mutations stay in place.
func (r *ProcedureRunner) Run(ctx context.Context, name string, inputs map[string]any) (*RunResult, error) {
	r.mu.RLock()
	steps, ok := r.procs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("procedure %q not registered", name)
	}

	running := make(map[string]any, len(inputs))
	for k, v := range inputs {
		running[k] = v
	}

	result := &RunResult{Status: RunSuccess}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			result.Status = RunFailed
			result.Err = err
			break
		}
		output, err := r.execute(step, running)
		if err != nil {
			result.Status = RunFailed
			result.Err = fmt.Errorf("step %q: %w", step.Name, err)
			break
		}
		for k, v := range output {
			running[k] = v
		}
		result.Steps = append(result.Steps, StepResult{Name: step.Name, Type: step.Type, Output: output})
		result.Completed++
	}
	result.FinalOutput = running

	r.mu.Lock()
	st := r.stats[name]
	st.Runs++
	if result.Status == RunSuccess {
		st.Successes++
	} else {
		st.Failures++
	}
	r.mu.Unlock()

	return result, nil
}

// Stats returns a copy of the accumulated counters for a procedure.
func (r *ProcedureRunner) Stats(name string) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.stats[name]; ok {
		return *st
	}
	return Stats{}
}

func (r *ProcedureRunner) execute(step Step, running map[string]any) (map[string]any, error) {
	switch step.Type {
	case StepExtract:
		out := make(map[string]any)
		for _, key := range step.Extract.Keys {
			if v, ok := running[key]; ok {
				out[key] = v
			}
		}
		return out, nil

	case StepValidate:
		for _, key := range step.Validate.Required {
			v, ok := running[key]
			if !ok || v == nil || v == "" {
				return nil, fmt.Errorf("required key %q is missing or empty", key)
			}
		}
		return map[string]any{"validated": true}, nil

	case StepCalculate:
		return executeCalculate(step.Calculate, running)

	case StepDecision:
		return executeDecision(step.Decision, running)

	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func executeCalculate(p *CalculateParams, running map[string]any) (map[string]any, error) {
	if p.Operation == "concat" {
		var b strings.Builder
		for _, operand := range p.Operands {
			if v, ok := running[operand]; ok {
				fmt.Fprintf(&b, "%v", v)
			} else {
				b.WriteString(operand)
			}
		}
		return map[string]any{p.Target: b.String()}, nil
	}

	switch p.Operation {
	case "add", "subtract", "multiply", "divide":
	default:
		return nil, fmt.Errorf("unknown operation %q", p.Operation)
	}

	values := make([]float64, 0, len(p.Operands))
	for _, operand := range p.Operands {
		v, err := resolveNumber(operand, running)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("calculate requires at least one operand")
	}

	acc := values[0]
	for _, v := range values[1:] {
		switch p.Operation {
		case "add":
			acc += v
		case "subtract":
			acc -= v
		case "multiply":
			acc *= v
		case "divide":
			if v == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			acc /= v
		}
	}
	return map[string]any{p.Target: acc}, nil
}

func resolveNumber(operand string, running map[string]any) (float64, error) {
	if v, ok := running[operand]; ok {
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f, nil
			}
			return 0, fmt.Errorf("operand %q is not numeric", operand)
		default:
			return 0, fmt.Errorf("operand %q is not numeric", operand)
		}
	}
	if f, err := strconv.ParseFloat(operand, 64); err == nil {
		return f, nil
	}
	return 0, fmt.Errorf("operand %q not found in context", operand)
}

func executeDecision(p *DecisionParams, running map[string]any) (map[string]any, error) {
	for _, branch := range p.Branches {
		matched, err := evaluateCondition(branch.When, running)
		if err != nil {
			return nil, err
		}
		if matched {
			return branch.Then, nil
		}
	}
	if p.Else != nil {
		return p.Else, nil
	}
	return map[string]any{}, nil
}

func evaluateCondition(c Condition, running map[string]any) (bool, error) {
	v, exists := running[c.Key]
	switch c.Op {
	case "exists":
		return exists, nil
	case "eq":
		return exists && looseEqual(v, c.Value), nil
	case "ne":
		return !exists || !looseEqual(v, c.Value), nil
	case "gt", "lt":
		if !exists {
			return false, nil
		}
		a, aok := asFloat(v)
		b, bok := asFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("condition %q on key %q requires numeric values", c.Op, c.Key)
		}
		if c.Op == "gt" {
			return a > b, nil
		}
		return a < b, nil
	case "contains":
		if !exists {
			return false, nil
		}
		s, sok := v.(string)
		sub, subok := c.Value.(string)
		if !sok || !subok {
			return false, fmt.Errorf("condition \"contains\" on key %q requires string values", c.Key)
		}
		return strings.Contains(s, sub), nil
	default:
		return false, fmt.Errorf("unknown condition op %q", c.Op)
	}
}

// looseEqual compares with numeric coercion so 5 == 5.0 across JSON decoding.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
