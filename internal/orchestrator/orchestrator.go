// Package orchestrator implements the execution orchestrator (spec.md
// §4.5): the algorithm that takes one due task firing from claim through
// agent invocation, persistence, notification, task-state transition, and
// reschedule.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/torale/core/internal/agentclient"
	"github.com/torale/core/internal/cronengine"
	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/notify"
	"github.com/torale/core/internal/store"
	"github.com/torale/core/internal/taskfsm"
)

var tracer = otel.Tracer("github.com/torale/core/internal/orchestrator")

// ExecutorKind names an executor variant. ExecutorGroundedSearchAgent is
// the only variant; Run does not select on ExecutorKind and always invokes
// the agent client directly.
type ExecutorKind string

const (
	ExecutorGroundedSearchAgent ExecutorKind = "grounded_search_agent"
)

// Orchestrator wires the Agent Client, Task State Machine side effects,
// Notification Dispatcher, and the Job/Execution/Task stores into the
// single-firing algorithm.
type Orchestrator struct {
	stores     store.Stores
	agent      *agentclient.Client
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

// New builds an Orchestrator.
func New(stores store.Stores, agent *agentclient.Client, dispatcher *notify.Dispatcher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{stores: stores, agent: agent, dispatcher: dispatcher, logger: logger}
}

// Run executes one firing of task taskID, per spec.md §4.5's numbered
// algorithm. It returns the created execution's ID; errors returned are
// unexpected persistence failures, not agent-side failures (those are
// recorded on the execution record itself, not returned as Go errors).
func (o *Orchestrator) Run(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("task_id", taskID.String()),
	))
	defer span.End()

	task, err := o.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load task")
		return uuid.Nil, err
	}

	// Capture the prior execution's start time, if any, before this
	// firing overwrites task.last_execution_id.
	var lastExecutionAt *time.Time
	if task.LastExecutionID != nil {
		if prev, err := o.stores.Executions.Get(ctx, *task.LastExecutionID); err == nil {
			lastExecutionAt = &prev.StartedAt
		}
	}

	// Step 1: open the execution record (created pending, then updated to
	// running) and link task.last_execution_id. These are separate writes,
	// not one transaction; a failure to link is logged and not returned.
	exec := &model.TaskExecution{
		ID:        model.NewID(),
		TaskID:    task.ID,
		Status:    model.ExecPending,
		StartedAt: time.Now().UTC(),
	}
	if err := o.stores.Executions.Create(ctx, exec); err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}
	exec.Status = model.ExecRunning
	if err := o.stores.Executions.Update(ctx, exec); err != nil {
		span.RecordError(err)
		return exec.ID, err
	}
	task.LastExecutionID = &exec.ID
	if err := o.stores.Tasks.Update(ctx, task); err != nil {
		o.logger.Error("orchestrator: failed to link last_execution_id", "error", err, "task_id", task.ID, "execution_id", exec.ID)
	}

	// Step 2: invoke agent.
	req := agentclient.Request{
		TaskID:               task.ID,
		UserID:               task.UserID,
		SearchQuery:          task.SearchQuery,
		ConditionDescription: task.ConditionDescription,
		PreviousEvidence:     task.LastKnownState,
		LastExecutionAt:      lastExecutionAt,
	}

	timeout := time.Duration(task.AgentTimeoutSeconds) * time.Second
	envelope, agentErr := o.agent.Invoke(ctx, req, timeout)

	if agentErr != nil {
		return exec.ID, o.handleAgentFailure(ctx, span, task, exec, agentErr)
	}

	return exec.ID, o.handleAgentSuccess(ctx, span, task, exec, envelope)
}

// handleAgentFailure implements spec.md §4.5's failure-handling rules:
// mark the execution failed, never touch task state, still reschedule
// from cron (never the agent's next_run, since there is no envelope).
func (o *Orchestrator) handleAgentFailure(ctx context.Context, span trace.Span, task *model.Task, exec *model.TaskExecution, agentErr error) error {
	span.RecordError(agentErr)
	span.SetStatus(codes.Error, "agent invocation failed")

	exec.Status = model.ExecFailed
	exec.ErrorMessage = agentErr.Error()
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if err := o.stores.Executions.Update(ctx, exec); err != nil {
		o.logger.Error("orchestrator: persist failed execution", "error", err, "execution_id", exec.ID)
		return err
	}

	return o.reschedule(ctx, task, nil, exec.StartedAt)
}

// handleAgentSuccess implements spec.md §4.5 steps 3-6.
func (o *Orchestrator) handleAgentSuccess(ctx context.Context, span trace.Span, task *model.Task, exec *model.TaskExecution, envelope *model.AgentEnvelope) error {
	exec.Status = model.ExecSuccess
	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.Result = envelope.Raw
	exec.Notification = envelope.Notification
	confidence := envelope.Confidence
	exec.Confidence = &confidence
	for _, uri := range envelope.Sources {
		exec.GroundingSources = append(exec.GroundingSources, model.GroundingSource{URI: uri})
	}
	if err := o.stores.Executions.Update(ctx, exec); err != nil {
		span.RecordError(err)
		return err
	}

	task.LastKnownState = envelope.Evidence
	if err := o.stores.Tasks.Update(ctx, task); err != nil {
		span.RecordError(err)
		return err
	}

	if !envelope.ConditionMet() {
		// Step 5: condition not met.
		return o.reschedule(ctx, task, envelope, exec.StartedAt)
	}

	// Step 4: condition-met branch.
	span.AddEvent("condition_met")
	o.dispatcher.Dispatch(ctx, exec, task)

	if task.NotifyBehavior == model.NotifyOnce {
		if err := o.completeTask(ctx, task); err != nil {
			span.RecordError(err)
			return err
		}
		return nil // skip step 6 per spec.md §4.5 step 4
	}

	return o.reschedule(ctx, task, envelope, exec.StartedAt)
}

// completeTask transitions task to completed, which also removes its
// scheduled job (taskfsm.ActionDeleteJob), with the rollback discipline
// spec.md §4.6 describes.
func (o *Orchestrator) completeTask(ctx context.Context, task *model.Task) error {
	prevState := task.State
	now := time.Now().UTC()
	if err := taskfsm.Apply(task, model.TaskCompleted, now); err != nil {
		return err
	}
	if err := o.stores.Tasks.Update(ctx, task); err != nil {
		return err
	}
	if err := o.stores.Jobs.Delete(ctx, task.ID); err != nil {
		task.State = prevState
		if rbErr := o.stores.Tasks.Update(ctx, task); rbErr != nil {
			o.logger.Error("orchestrator: rollback after job delete failure also failed; manual reconciliation required",
				"task_id", task.ID, "delete_error", err, "rollback_error", rbErr)
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

// reschedule implements spec.md §4.5 step 6: prefer the agent's next_run
// when present and future, else compute from cron relative to
// max(now, startedAt). envelope may be nil (agent failure path).
func (o *Orchestrator) reschedule(ctx context.Context, task *model.Task, envelope *model.AgentEnvelope, startedAt time.Time) error {
	now := time.Now().UTC()
	relativeTo := now
	if startedAt.After(relativeTo) {
		relativeTo = startedAt
	}

	var nextFire time.Time
	if envelope != nil && envelope.NextRun != nil && envelope.NextRun.After(now) {
		nextFire = *envelope.NextRun
	} else {
		next, err := cronengine.NextFire(task.Schedule, relativeTo)
		if err != nil {
			return err
		}
		nextFire = next
	}

	job, err := o.stores.Jobs.Get(ctx, task.ID)
	if err != nil {
		return err
	}

	ok, err := o.stores.Jobs.Claim(ctx, task.ID, job.Version, nextFire)
	if err != nil {
		return err
	}
	if !ok {
		// A concurrent pause (or another claim) won; per spec.md §4.5
		// step 6 that outcome is preserved, not retried.
		o.logger.Info("orchestrator: reschedule lost race to a concurrent job update", "task_id", task.ID)
	}
	return nil
}
