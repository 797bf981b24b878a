package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ankittk/aide/internal/httpapi"
	"github.com/ankittk/aide/internal/workflow"
	"github.com/ankittk/aide/pkg/models"
)

var errNoDefaultWorkflow = errors.New("no default workflow configured (workflows.default)")

// TaskRunner runs gateway-submitted tasks as runs of the default workflow,
// at most limit at a time. Each task gets {description, task_id} as inputs.
type TaskRunner struct {
	svc      *httpapi.Services
	workflow string
	base     context.Context
	sem      chan struct{}

	mu    sync.Mutex
	tasks map[string]*runningTask
	wg    sync.WaitGroup
}

type runningTask struct {
	cancel    context.CancelFunc
	cancelled bool
}

// NewTaskRunner returns a runner whose tasks live until base is done.
// limit <= 0 is treated as 1.
func NewTaskRunner(base context.Context, svc *httpapi.Services, workflowName string, limit int) *TaskRunner {
	if limit <= 0 {
		limit = 1
	}
	return &TaskRunner{
		svc:      svc,
		workflow: workflowName,
		base:     base,
		sem:      make(chan struct{}, limit),
		tasks:    make(map[string]*runningTask),
	}
}

// SubmitTask starts the task in the background and returns once it is
// registered.
func (r *TaskRunner) SubmitTask(_ context.Context, taskID, description string) error {
	if r.workflow == "" {
		return errNoDefaultWorkflow
	}
	def, err := r.svc.Workflow(r.workflow)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(r.base)
	t := &runningTask{cancel: cancel}

	r.mu.Lock()
	r.tasks[taskID] = t
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(ctx, def, taskID, description, t)
	}()
	return nil
}

func (r *TaskRunner) run(ctx context.Context, def *workflow.Definition, taskID, description string, t *runningTask) {
	defer func() {
		r.mu.Lock()
		delete(r.tasks, taskID)
		r.mu.Unlock()
	}()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		r.complete(taskID, models.TaskCancelled, "cancelled before start")
		return
	}

	inputs := map[string]any{"description": description, "task_id": taskID}
	st, err := r.svc.Executor.Start(ctx, def, inputs)
	if err != nil && !errors.Is(err, workflow.ErrPersist) {
		r.complete(taskID, models.TaskFailed, err.Error())
		return
	}

	r.mu.Lock()
	cancelled := t.cancelled
	r.mu.Unlock()
	if cancelled && !st.Status.Terminal() {
		if cst, err := r.svc.Executor.Cancel(st.RunID); err == nil || errors.Is(err, workflow.ErrPersist) {
			st = cst
		} else if cur, gerr := r.svc.Executor.GetStatus(st.RunID); gerr == nil {
			st = cur
		}
	}
	// Report what the run actually ended as.
	switch {
	case st.Status == workflow.StatusCompleted:
		r.complete(taskID, models.TaskCompleted, "run "+st.RunID+" completed")
	case st.Status == workflow.StatusCancelled:
		r.complete(taskID, models.TaskCancelled, "run "+st.RunID+" cancelled")
	case st.Status == workflow.StatusWaitingApproval:
		r.broadcast(models.GatewayEvent{
			Type:    models.EventAssistantMessage,
			TaskID:  taskID,
			Status:  string(st.Status),
			Message: fmt.Sprintf("task %s: run %s is waiting for approval", taskID, st.RunID),
		})
	default:
		r.complete(taskID, models.TaskFailed, st.Error)
	}
}

func (r *TaskRunner) complete(taskID, status, message string) {
	r.broadcast(models.GatewayEvent{
		Type:    models.EventTaskCompleted,
		TaskID:  taskID,
		Status:  status,
		Message: message,
	})
}

func (r *TaskRunner) broadcast(ev models.GatewayEvent) {
	if r.svc.Gateway != nil {
		r.svc.Gateway.Broadcast(ev)
	}
}

// CancelTask cancels a running task's context. The executor stops the run
// before its next step and the task reports TaskCompleted{cancelled}.
func (r *TaskRunner) CancelTask(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	t.cancelled = true
	t.cancel()
	return true
}

// ActiveTasks returns the number of tasks not yet finished.
func (r *TaskRunner) ActiveTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Wait blocks until every submitted task has returned.
func (r *TaskRunner) Wait() {
	r.wg.Wait()
}
