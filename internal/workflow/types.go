package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// GateKind selects how a gate behaves when the driver reaches its step.
type GateKind string

const (
	// GateApprovalRequired pauses the run until the approval handler approves.
	GateApprovalRequired GateKind = "approval_required"
	// GateNotify reports the rendered message and proceeds.
	GateNotify GateKind = "notify"
)

// Gate is a declared pause point in front of a step.
type Gate struct {
	Kind    GateKind `yaml:"kind" json:"kind"`
	Message string   `yaml:"message,omitempty" json:"message,omitempty"`
	Preview string   `yaml:"preview,omitempty" json:"preview,omitempty"`
}

// ErrorAction is what the driver does when a step's tool call fails.
type ErrorAction string

const (
	ErrorFail  ErrorAction = "fail"
	ErrorSkip  ErrorAction = "skip"
	ErrorRetry ErrorAction = "retry"
)

// ErrorPolicy is a step's on_error setting. In YAML it is either a scalar
// ("fail", "skip") or a mapping ({retry: 3}).
type ErrorPolicy struct {
	Action     ErrorAction `json:"action"`
	MaxRetries int         `json:"max_retries,omitempty"`
}

// UnmarshalYAML accepts the scalar and mapping forms of on_error.
func (p *ErrorPolicy) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		switch ErrorAction(strings.ToLower(strings.TrimSpace(s))) {
		case ErrorFail, "":
			*p = ErrorPolicy{Action: ErrorFail}
		case ErrorSkip:
			*p = ErrorPolicy{Action: ErrorSkip}
		case ErrorRetry:
			*p = ErrorPolicy{Action: ErrorRetry, MaxRetries: 1}
		default:
			return fmt.Errorf("on_error: unknown policy %q", s)
		}
		return nil
	case yaml.MappingNode:
		var m struct {
			Retry      *int   `yaml:"retry"`
			Action     string `yaml:"action"`
			MaxRetries int    `yaml:"max_retries"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		if m.Retry != nil {
			*p = ErrorPolicy{Action: ErrorRetry, MaxRetries: *m.Retry}
			return nil
		}
		*p = ErrorPolicy{Action: ErrorAction(strings.ToLower(m.Action)), MaxRetries: m.MaxRetries}
		return nil
	}
	return fmt.Errorf("on_error: unsupported yaml node at line %d", node.Line)
}

// Step is one declared unit of work.
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	Tool      string         `yaml:"tool" json:"tool"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Condition string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	Gate      *Gate          `yaml:"gate,omitempty" json:"gate,omitempty"`
	OnError   *ErrorPolicy   `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// policy returns the effective error policy (fail when absent).
func (s Step) policy() ErrorPolicy {
	if s.OnError == nil || s.OnError.Action == "" {
		return ErrorPolicy{Action: ErrorFail}
	}
	return *s.OnError
}

// InputDecl declares a workflow input. Types are informational; inputs are
// only enforced as template variables.
type InputDecl struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// Definition is a named, ordered list of steps. Immutable after load.
type Definition struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []InputDecl `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps       []Step      `yaml:"steps" json:"steps"`
}

// State is the mutable record of one run. Its JSON form is the persisted file.
type State struct {
	RunID            string         `json:"run_id"`
	Workflow         string         `json:"workflow_name"`
	Inputs           map[string]any `json:"inputs"`
	CurrentStepIndex int            `json:"current_step_index"`
	Status           Status         `json:"status"`
	StepOutputs      map[string]any `json:"step_outputs"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() State {
	c := *s
	c.Inputs = cloneMap(s.Inputs)
	c.StepOutputs = cloneMap(s.StepOutputs)
	return c
}

// Decision is the answer of an approval handler.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// ParseDecision accepts approved/approve/yes and denied/deny/no.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve", "yes", "y":
		return DecisionApproved, nil
	case "denied", "deny", "no", "n":
		return DecisionDenied, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

// ApprovalRequest is what the driver shows the approver for a gated step.
type ApprovalRequest struct {
	Workflow string `json:"workflow"`
	RunID    string `json:"run_id"`
	StepID   string `json:"step_id"`
	Message  string `json:"message"`
	Preview  string `json:"preview,omitempty"`
}

// ToolExecutor invokes a named tool with rendered params and returns its
// JSON-compatible output.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, params map[string]any) (any, error)
}

// ApprovalHandler decides on gated steps.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (Decision, error)
}

// ToolFunc adapts a function to ToolExecutor.
type ToolFunc func(ctx context.Context, tool string, params map[string]any) (any, error)

func (f ToolFunc) Execute(ctx context.Context, tool string, params map[string]any) (any, error) {
	return f(ctx, tool, params)
}

// ApprovalFunc adapts a function to ApprovalHandler.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (Decision, error)

func (f ApprovalFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (Decision, error) {
	return f(ctx, req)
}

// AutoApprove approves every gate.
var AutoApprove = ApprovalFunc(func(context.Context, ApprovalRequest) (Decision, error) {
	return DecisionApproved, nil
})

// DeferApproval denies every gate so the run pauses in WaitingApproval until
// an explicit Resume.
var DeferApproval = ApprovalFunc(func(context.Context, ApprovalRequest) (Decision, error) {
	return DecisionDenied, nil
})

// Event types delivered to Executor.OnEvent.
const (
	EventRunStarted        = "run_started"
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventStepSkipped       = "step_skipped"
	EventStepFailed        = "step_failed"
	EventGateNotified      = "gate_notified"
	EventApprovalRequested = "approval_requested"
	EventRunFinished       = "run_finished"
)

// Event is a lifecycle notification from the executor.
type Event struct {
	Type     string    `json:"type"`
	RunID    string    `json:"run_id"`
	Workflow string    `json:"workflow"`
	StepID   string    `json:"step_id,omitempty"`
	Tool     string    `json:"tool,omitempty"`
	Status   Status    `json:"status,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = cloneValue(el)
		}
		return out
	}
	return v
}
