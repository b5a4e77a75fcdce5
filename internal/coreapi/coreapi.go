// Package coreapi is the Go-interface seam spec.md §6 describes: every
// operation an outer layer (REST API, CLI, admin tooling) needs, with one
// concrete implementation wiring the task state machine, job store, and
// execution orchestrator. No HTTP framework lives here — the REST surface
// itself is out of scope; this is only the boundary it would call.
package coreapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torale/core/internal/cronengine"
	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/orchestrator"
	"github.com/torale/core/internal/store"
	"github.com/torale/core/internal/taskfsm"
)

// ErrTaskBusy is returned by DeleteTask when the task has an execution
// currently in flight (spec.md §9 Open Question: rejected synchronously,
// see DESIGN.md).
var ErrTaskBusy = errors.New("coreapi: task has an execution in progress")

// TaskPatch carries the subset of Task fields update_task may change.
// Nil fields are left unmodified.
type TaskPatch struct {
	Name                 *string
	Schedule             *string
	SearchQuery          *string
	ConditionDescription *string
	NotifyBehavior       *model.NotifyBehavior
	NotificationChannels []model.NotificationChannel
	AgentTimeoutSeconds  *int
}

// Service is the operation surface spec.md §6 lists.
type Service interface {
	CreateTask(ctx context.Context, t model.Task) (*model.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, patch TaskPatch) (*model.Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	TransitionTask(ctx context.Context, id uuid.UUID, target model.TaskState) (*model.Task, error)
	ExecuteNow(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]model.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	GetExecutions(ctx context.Context, taskID uuid.UUID, filter store.ExecutionFilter) ([]model.TaskExecution, error)
	GetDeliveries(ctx context.Context, executionID uuid.UUID) ([]model.NotificationDelivery, error)

	// DeactivateUser pauses every active task owned by userID (spec.md
	// §3, "active -> paused triggered by user deactivation (bulk)") and
	// returns the IDs of the tasks it paused.
	DeactivateUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// service is coreapi's one concrete Service implementation.
type service struct {
	stores store.Stores
	orc    *orchestrator.Orchestrator
}

// New builds the coreapi Service.
func New(stores store.Stores, orc *orchestrator.Orchestrator) Service {
	return &service{stores: stores, orc: orc}
}

// CreateTask creates t and its ScheduledJob with next_fire_at at the next
// cron instant, state active (spec.md §6).
func (s *service) CreateTask(ctx context.Context, t model.Task) (*model.Task, error) {
	if err := cronengine.Validate(t.Schedule); err != nil {
		return nil, fmt.Errorf("coreapi: invalid schedule: %w", err)
	}

	now := time.Now().UTC()
	t.ID = model.NewID()
	t.State = model.TaskActive
	t.CreatedAt = now
	t.UpdatedAt = now
	t.StateChangedAt = now
	if t.AgentTimeoutSeconds <= 0 {
		t.AgentTimeoutSeconds = 120
	}

	if err := s.stores.Tasks.Create(ctx, &t); err != nil {
		return nil, err
	}

	next, err := cronengine.NextFire(t.Schedule, now)
	if err != nil {
		return nil, err
	}
	job := &model.ScheduledJob{JobID: t.ID, NextFireAt: next, CronExpr: t.Schedule}
	if err := s.stores.Jobs.Upsert(ctx, job); err != nil {
		return nil, err
	}

	return &t, nil
}

// UpdateTask applies patch to task id; if Schedule changes, the job's
// next_fire_at is recomputed and upserted (spec.md §6).
func (s *service) UpdateTask(ctx context.Context, id uuid.UUID, patch TaskPatch) (*model.Task, error) {
	task, err := s.stores.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	scheduleChanged := false
	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Schedule != nil && *patch.Schedule != task.Schedule {
		if err := cronengine.Validate(*patch.Schedule); err != nil {
			return nil, fmt.Errorf("coreapi: invalid schedule: %w", err)
		}
		task.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	if patch.SearchQuery != nil {
		task.SearchQuery = *patch.SearchQuery
	}
	if patch.ConditionDescription != nil {
		task.ConditionDescription = *patch.ConditionDescription
	}
	if patch.NotifyBehavior != nil {
		task.NotifyBehavior = *patch.NotifyBehavior
	}
	if patch.NotificationChannels != nil {
		task.NotificationChannels = patch.NotificationChannels
	}
	if patch.AgentTimeoutSeconds != nil {
		task.AgentTimeoutSeconds = *patch.AgentTimeoutSeconds
	}
	task.UpdatedAt = time.Now().UTC()

	if err := s.stores.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	if scheduleChanged && task.State != model.TaskCompleted {
		next, err := cronengine.NextFire(task.Schedule, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		job, err := s.stores.Jobs.Get(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		job.NextFireAt = next
		job.CronExpr = task.Schedule
		if err := s.stores.Jobs.Upsert(ctx, job); err != nil {
			return nil, err
		}
	}

	return task, nil
}

// DeleteTask deletes task id's job and then the task through
// TaskStore.Delete (store/pg keeps the row, stamped deleted_at); execution
// history is retained (spec.md §6). Rejects with ErrTaskBusy if the task's last
// execution is still running — the Open Question decision recorded in
// DESIGN.md.
func (s *service) DeleteTask(ctx context.Context, id uuid.UUID) error {
	task, err := s.stores.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}

	if task.LastExecutionID != nil {
		exec, err := s.stores.Executions.Get(ctx, *task.LastExecutionID)
		if err == nil && !exec.IsTerminal() {
			return ErrTaskBusy
		}
	}

	if err := s.stores.Jobs.Delete(ctx, id); err != nil {
		return err
	}
	return s.stores.Tasks.Delete(ctx, id)
}

// TransitionTask wraps the Task State Machine (spec.md §4.6), applying
// its rollback discipline on a scheduler side-effect failure.
func (s *service) TransitionTask(ctx context.Context, id uuid.UUID, target model.TaskState) (*model.Task, error) {
	task, err := s.stores.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if task.State == target {
		return task, nil // no-op, spec.md §4.6
	}

	prevState := task.State
	action := taskfsm.SchedulerActionFor(prevState, target)

	now := time.Now().UTC()
	if err := taskfsm.Apply(task, target, now); err != nil {
		return nil, err
	}
	if err := s.stores.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	if err := s.applySchedulerAction(ctx, task, action); err != nil {
		task.State = prevState
		task.StateChangedAt = now
		if rbErr := s.stores.Tasks.Update(ctx, task); rbErr != nil {
			return nil, fmt.Errorf("coreapi: scheduler side effect failed (%v) and rollback also failed (%w); manual reconciliation required", err, rbErr)
		}
		return nil, fmt.Errorf("coreapi: scheduler side effect failed, transition rolled back: %w", err)
	}

	return task, nil
}

func (s *service) applySchedulerAction(ctx context.Context, task *model.Task, action taskfsm.SchedulerAction) error {
	switch action {
	case taskfsm.ActionPauseJob:
		return s.stores.Jobs.Pause(ctx, task.ID)
	case taskfsm.ActionResumeJob:
		if _, err := s.stores.Jobs.Get(ctx, task.ID); errors.Is(err, store.ErrNotFound) {
			next, err := cronengine.NextFire(task.Schedule, time.Now().UTC())
			if err != nil {
				return err
			}
			return s.stores.Jobs.Upsert(ctx, &model.ScheduledJob{JobID: task.ID, NextFireAt: next, CronExpr: task.Schedule})
		} else if err != nil {
			return err
		}
		return s.stores.Jobs.Resume(ctx, task.ID)
	case taskfsm.ActionDeleteJob:
		return s.stores.Jobs.Delete(ctx, task.ID)
	default:
		return nil
	}
}

// ExecuteNow enqueues an ad-hoc firing without altering the cron
// schedule (spec.md §6).
func (s *service) ExecuteNow(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return s.orc.Run(ctx, id)
}

func (s *service) ListTasks(ctx context.Context, filter store.TaskFilter) ([]model.Task, error) {
	return s.stores.Tasks.List(ctx, filter)
}

func (s *service) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	return s.stores.Tasks.Get(ctx, id)
}

func (s *service) GetExecutions(ctx context.Context, taskID uuid.UUID, filter store.ExecutionFilter) ([]model.TaskExecution, error) {
	return s.stores.Executions.ListByTask(ctx, taskID, filter)
}

func (s *service) GetDeliveries(ctx context.Context, executionID uuid.UUID) ([]model.NotificationDelivery, error) {
	return s.stores.Deliveries.ListByExecution(ctx, executionID)
}

// DeactivateUser pauses every active task owned by userID and pauses each
// one's ScheduledJob in turn, so the paused-task/suspended-job invariant
// spec.md §3 requires holds for every task this bulk operation touches —
// the same side effect TransitionTask applies for a single task, via
// applySchedulerAction.
func (s *service) DeactivateUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	ids, err := s.stores.Tasks.PauseAllForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.stores.Jobs.Pause(ctx, id); err != nil {
			return ids, fmt.Errorf("coreapi: pause job %s after bulk deactivation: %w", id, err)
		}
	}
	return ids, nil
}
