package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ankittk/aide/internal/otel"
	"github.com/ankittk/aide/internal/template"
)

var errStopped = errors.New("run is no longer running")

// Executor drives workflow runs step by step. Runs are independent and may
// execute in parallel; steps within a run are strictly serialized.
//
// The run table is guarded by one mutex which is never held across tool
// calls, approval requests or persistence.
type Executor struct {
	Tools     ToolExecutor
	Approvals ApprovalHandler // nil defers every gate to Resume
	Store     *FileStore      // optional; nil keeps runs in memory only
	OnEvent   func(Event)     // optional observer
	Now       func() time.Time
	NewID     func() string
	Logger    *slog.Logger

	mu       sync.Mutex
	runs     map[string]*State
	reported map[string]bool // runs whose terminal status was already reported

	// recordRun counts a terminal run; nil means otel.RecordWorkflowRun.
	recordRun func(ctx context.Context, workflow, status string)

	persistMu sync.Mutex
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Executor) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Start creates a run, persists its initial state and drives it until it
// completes, fails, is cancelled or waits for approval. A non-nil error with
// a valid state means the run executed but could not be persisted.
func (e *Executor) Start(ctx context.Context, def *Definition, inputs map[string]any) (State, error) {
	if def == nil {
		return State{}, fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return State{}, err
	}
	in, err := normalizeMap(def.withDefaults(inputs))
	if err != nil {
		return State{}, fmt.Errorf("%w: inputs: %v", ErrInvalidDefinition, err)
	}
	now := e.now()
	st := &State{
		RunID:       e.newID(),
		Workflow:    def.Name,
		Inputs:      in,
		Status:      StatusRunning,
		StepOutputs: map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.mu.Lock()
	if e.runs == nil {
		e.runs = map[string]*State{}
	}
	e.runs[st.RunID] = st
	e.mu.Unlock()

	initErr := e.persist(st.RunID)
	e.emit(Event{Type: EventRunStarted, RunID: st.RunID, Workflow: def.Name, Status: StatusRunning})
	e.drive(ctx, def, st.RunID, -1)
	final, err := e.finish(ctx, def.Name, st.RunID)
	return final, errors.Join(initErr, err)
}

// Resume continues a run paused in WaitingApproval. Approved executes the
// gated step and drives on; Denied fails the run with "Approval denied".
// The Running state is persisted before any further step executes.
func (e *Executor) Resume(ctx context.Context, runID string, def *Definition, decision Decision) (State, error) {
	if def == nil {
		return State{}, fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if decision != DecisionApproved && decision != DecisionDenied {
		return State{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	e.mu.Lock()
	st, ok := e.runs[runID]
	if !ok {
		e.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if st.Status != StatusWaitingApproval {
		status := st.Status
		e.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s is %s", ErrNotWaitingApproval, runID, status)
	}
	if st.Workflow != def.Name || st.CurrentStepIndex >= len(def.Steps) {
		e.mu.Unlock()
		return State{}, fmt.Errorf("%w: run %s does not belong to workflow %q", ErrInvalidDefinition, runID, def.Name)
	}
	idx := st.CurrentStepIndex
	if decision == DecisionDenied {
		st.Status = StatusFailed
		st.Error = "Approval denied"
	} else {
		st.Status = StatusRunning
	}
	st.UpdatedAt = e.now()
	e.mu.Unlock()

	if decision == DecisionDenied {
		return e.finish(ctx, def.Name, runID)
	}
	if err := e.persist(runID); err != nil {
		e.logger().Warn("persist before resume", "run_id", runID, "err", err)
	}
	e.drive(ctx, def, runID, idx)
	return e.finish(ctx, def.Name, runID)
}

// Cancel marks a non-terminal run Cancelled. An in-flight tool call is not
// interrupted; its result is discarded.
func (e *Executor) Cancel(runID string) (State, error) {
	e.mu.Lock()
	st, ok := e.runs[runID]
	if !ok {
		e.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if st.Status.Terminal() {
		status := st.Status
		e.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s is %s", ErrTerminal, runID, status)
	}
	st.Status = StatusCancelled
	st.UpdatedAt = e.now()
	wf := st.Workflow
	e.mu.Unlock()
	return e.finish(context.Background(), wf, runID)
}

// GetStatus returns a copy of the run's state.
func (e *Executor) GetStatus(runID string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return st.Clone(), nil
}

// ListRuns returns copies of all known runs ordered by creation time.
func (e *Executor) ListRuns() []State {
	e.mu.Lock()
	out := make([]State, 0, len(e.runs))
	for _, st := range e.runs {
		out = append(out, st.Clone())
	}
	e.mu.Unlock()
	sortStates(out)
	return out
}

// Recover loads persisted runs that are not yet in the run table. Runs that
// were Running when the process stopped are left as persisted; paused runs
// can be resumed.
func (e *Executor) Recover() (int, error) {
	if e.Store == nil {
		return 0, nil
	}
	states, err := e.Store.List()
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs == nil {
		e.runs = map[string]*State{}
	}
	n := 0
	for i := range states {
		if _, ok := e.runs[states[i].RunID]; ok {
			continue
		}
		st := states[i]
		if st.StepOutputs == nil {
			st.StepOutputs = map[string]any{}
		}
		e.runs[st.RunID] = &st
		n++
	}
	return n, nil
}

// drive executes steps until the run leaves Running. approvedStep is the
// index of a gated step whose approval was already granted, or -1.
func (e *Executor) drive(ctx context.Context, def *Definition, runID string, approvedStep int) {
	for {
		if ctx.Err() != nil {
			e.cancelRunning(runID, ctx.Err())
			return
		}
		e.mu.Lock()
		st, ok := e.runs[runID]
		if !ok || st.Status != StatusRunning {
			e.mu.Unlock()
			return
		}
		idx := st.CurrentStepIndex
		if idx >= len(def.Steps) {
			st.Status = StatusCompleted
			st.UpdatedAt = e.now()
			e.mu.Unlock()
			return
		}
		step := def.Steps[idx]
		tctx := templateContext(st)
		e.mu.Unlock()

		if step.Condition != "" && !template.EvaluateCondition(step.Condition, tctx) {
			if !e.update(runID, func(st *State) { st.CurrentStepIndex++ }) {
				return
			}
			e.emit(Event{Type: EventStepSkipped, RunID: runID, Workflow: def.Name, StepID: step.ID, Message: "condition false"})
			continue
		}

		if step.Gate != nil && idx != approvedStep {
			msg := renderText(step.Gate.Message, tctx)
			switch step.Gate.Kind {
			case GateApprovalRequired:
				req := ApprovalRequest{
					Workflow: def.Name,
					RunID:    runID,
					StepID:   step.ID,
					Message:  msg,
					Preview:  renderText(step.Gate.Preview, tctx),
				}
				e.emit(Event{Type: EventApprovalRequested, RunID: runID, Workflow: def.Name, StepID: step.ID, Message: msg})
				if e.requestApproval(ctx, req) != DecisionApproved {
					e.update(runID, func(st *State) { st.Status = StatusWaitingApproval })
					return
				}
			case GateNotify:
				e.logger().Info("workflow gate", "run_id", runID, "step", step.ID, "message", msg)
				e.emit(Event{Type: EventGateNotified, RunID: runID, Workflow: def.Name, StepID: step.ID, Message: msg})
			}
		}

		e.emit(Event{Type: EventStepStarted, RunID: runID, Workflow: def.Name, StepID: step.ID, Tool: step.Tool})
		start := time.Now()
		out, err := e.runStep(ctx, runID, step)
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil && ctx.Err() != nil {
			e.cancelRunning(runID, ctx.Err())
			return
		}
		policy := step.policy()
		recorded := e.update(runID, func(st *State) {
			switch {
			case err == nil:
				st.StepOutputs[step.ID] = out
				st.CurrentStepIndex++
			case policy.Action == ErrorSkip:
				st.StepOutputs[step.ID] = "skipped: " + err.Error()
				st.CurrentStepIndex++
			default:
				st.Status = StatusFailed
				st.Error = fmt.Sprintf("Step '%s' failed: %s", step.ID, err)
			}
		})
		if !recorded {
			return
		}
		outcome := "ok"
		switch {
		case err == nil:
			e.emit(Event{Type: EventStepCompleted, RunID: runID, Workflow: def.Name, StepID: step.ID, Tool: step.Tool})
		case policy.Action == ErrorSkip:
			outcome = "skipped"
			e.emit(Event{Type: EventStepSkipped, RunID: runID, Workflow: def.Name, StepID: step.ID, Tool: step.Tool, Message: err.Error()})
		default:
			outcome = "failed"
			e.emit(Event{Type: EventStepFailed, RunID: runID, Workflow: def.Name, StepID: step.ID, Tool: step.Tool, Message: err.Error()})
		}
		otel.RecordWorkflowStep(ctx, step.Tool, outcome, time.Since(start))
	}
}

// runStep renders params and invokes the tool, retrying per the step's
// policy. Params are re-rendered before every attempt.
func (e *Executor) runStep(ctx context.Context, runID string, step Step) (any, error) {
	attempts := 1
	if p := step.policy(); p.Action == ErrorRetry {
		attempts += p.MaxRetries
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		e.mu.Lock()
		st, ok := e.runs[runID]
		if !ok || st.Status != StatusRunning {
			e.mu.Unlock()
			return nil, errStopped
		}
		tctx := templateContext(st)
		e.mu.Unlock()

		out, err := e.invoke(ctx, step, tctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			e.logger().Warn("workflow step failed, retrying", "run_id", runID, "step", step.ID, "attempt", attempt, "err", err)
		}
	}
	return nil, lastErr
}

func (e *Executor) invoke(ctx context.Context, step Step, tctx template.Context) (out any, err error) {
	rendered, err := template.Render(map[string]any(step.Params), tctx)
	if err != nil {
		return nil, err
	}
	params, _ := rendered.(map[string]any)
	if e.Tools == nil {
		return nil, fmt.Errorf("no tool executor configured for %q", step.Tool)
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("tool %s panicked: %v", step.Tool, r)
		}
	}()
	raw, err := e.Tools.Execute(ctx, step.Tool, params)
	if err != nil {
		return nil, err
	}
	return normalize(raw)
}

func (e *Executor) requestApproval(ctx context.Context, req ApprovalRequest) (d Decision) {
	if e.Approvals == nil {
		return DecisionDenied
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger().Warn("approval handler panicked", "run_id", req.RunID, "step", req.StepID, "panic", r)
			d = DecisionDenied
		}
	}()
	d, err := e.Approvals.RequestApproval(ctx, req)
	if err != nil {
		e.logger().Warn("approval handler failed", "run_id", req.RunID, "step", req.StepID, "err", err)
		return DecisionDenied
	}
	return d
}

// cancelRunning marks a Running run Cancelled because its context ended. The
// step in flight records no output.
func (e *Executor) cancelRunning(runID string, cause error) {
	if e.update(runID, func(st *State) { st.Status = StatusCancelled }) {
		e.logger().Info("workflow run cancelled", "run_id", runID, "cause", cause)
	}
}

// update applies fn to a Running run and reports whether it did.
func (e *Executor) update(runID string, fn func(st *State)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok || st.Status != StatusRunning {
		return false
	}
	fn(st)
	st.UpdatedAt = e.now()
	return true
}

// finish persists the run and reports it to the observer and metrics.
func (e *Executor) finish(ctx context.Context, workflow, runID string) (State, error) {
	err := e.persist(runID)
	final, gerr := e.GetStatus(runID)
	if gerr != nil {
		return State{}, gerr
	}
	if final.Status.Terminal() {
		if !e.markReported(runID) {
			return final, err
		}
		if e.recordRun != nil {
			e.recordRun(ctx, workflow, string(final.Status))
		} else {
			otel.RecordWorkflowRun(ctx, workflow, string(final.Status))
		}
	}
	e.emit(Event{Type: EventRunFinished, RunID: runID, Workflow: workflow, Status: final.Status, Message: final.Error})
	return final, err
}

// markReported reports whether this is the first time runID is reported as
// terminal. Cancel racing the driver finishes the same run twice.
func (e *Executor) markReported(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reported[runID] {
		return false
	}
	if e.reported == nil {
		e.reported = map[string]bool{}
	}
	e.reported[runID] = true
	return true
}

// persist snapshots the current state under persistMu so later writes always
// carry later states.
func (e *Executor) persist(runID string) error {
	if e.Store == nil {
		return nil
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	snap, err := e.GetStatus(runID)
	if err != nil {
		return err
	}
	if err := e.Store.Save(snap); err != nil {
		e.logger().Error("persist workflow state", "run_id", runID, "err", err)
		return fmt.Errorf("%w: %s: %v", ErrPersist, runID, err)
	}
	return nil
}

func (e *Executor) emit(ev Event) {
	if e.OnEvent == nil {
		return
	}
	ev.Time = e.now()
	e.OnEvent(ev)
}

// templateContext copies the run's inputs and outputs; callers hold e.mu.
func templateContext(st *State) template.Context {
	return template.Context{Inputs: cloneMap(st.Inputs), Steps: cloneMap(st.StepOutputs)}
}

func renderText(s string, tctx template.Context) string {
	if s == "" {
		return ""
	}
	out, err := template.RenderString(s, tctx)
	if err != nil {
		return s
	}
	return out
}

// normalize round-trips v through JSON so in-memory values match their
// persisted form.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("tool output is not JSON-encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	v, err := normalize(m)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
