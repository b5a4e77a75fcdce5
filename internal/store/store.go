// Package store defines the persistence interfaces the execution engine
// depends on: tasks, executions, scheduled jobs, and notification
// deliveries. Concrete implementations live in store/pg.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/torale/core/internal/model"
)

// ErrNotFound is returned by Get-style lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflict names an optimistic-concurrency loss. No store in this
// module returns it: JobStore.Claim reports a lost CAS as (false, nil), and
// TaskStore.Update performs no stale-state check.
var ErrConflict = errors.New("store: optimistic concurrency conflict")

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	UserID *uuid.UUID
	State  *model.TaskState
	Limit  int
	Offset int
}

// TaskStore persists Task rows.
type TaskStore interface {
	Create(ctx context.Context, t *model.Task) error
	Get(ctx context.Context, id uuid.UUID) (*model.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]model.Task, error)
	Update(ctx context.Context, t *model.Task) error
	Delete(ctx context.Context, id uuid.UUID) error

	// PauseAllForUser transitions every active task owned by userID to
	// paused, used on user deactivation (spec.md §3, "Ownership & lifecycle").
	PauseAllForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// ExecutionFilter narrows GetExecutions.
type ExecutionFilter struct {
	Status *model.ExecutionStatus
	Limit  int
	Offset int
}

// ExecutionStore persists TaskExecution rows.
type ExecutionStore interface {
	Create(ctx context.Context, e *model.TaskExecution) error
	Get(ctx context.Context, id uuid.UUID) (*model.TaskExecution, error)
	Update(ctx context.Context, e *model.TaskExecution) error
	ListByTask(ctx context.Context, taskID uuid.UUID, filter ExecutionFilter) ([]model.TaskExecution, error)

	// ListStranded returns executions with status in {pending, running}
	// whose StartedAt is older than olderThan — input to the crash
	// recovery sweep (spec.md §4.7, §7).
	ListStranded(ctx context.Context, olderThan time.Time) ([]model.TaskExecution, error)
}

// JobStore persists ScheduledJob rows. Owned exclusively by the scheduler
// loop (spec.md §3, "Ownership & lifecycle").
type JobStore interface {
	// Upsert creates or replaces the job for jobID, bumping Version.
	Upsert(ctx context.Context, job *model.ScheduledJob) error
	Delete(ctx context.Context, jobID uuid.UUID) error
	Pause(ctx context.Context, jobID uuid.UUID) error
	Resume(ctx context.Context, jobID uuid.UUID) error

	// Due returns unpaused jobs whose NextFireAt <= before, oldest first,
	// capped at limit.
	Due(ctx context.Context, before time.Time, limit int) ([]model.ScheduledJob, error)

	// Get returns a single job by ID.
	Get(ctx context.Context, jobID uuid.UUID) (*model.ScheduledJob, error)

	// Claim advances job.NextFireAt to nextFire using optimistic
	// concurrency keyed on expectedVersion. Returns false (no error) if
	// another process already claimed this firing — the caller must treat
	// that as a no-op, not a failure (spec.md §4.2).
	Claim(ctx context.Context, jobID uuid.UUID, expectedVersion int64, nextFire time.Time) (bool, error)
}

// DeliveryStore persists NotificationDelivery rows.
type DeliveryStore interface {
	Create(ctx context.Context, d *model.NotificationDelivery) error
	Update(ctx context.Context, d *model.NotificationDelivery) error

	// ListByExecutionRecipient returns the attempt chain for one
	// (executionID, recipient) pair, ordered by Attempt ascending.
	ListByExecutionRecipient(ctx context.Context, executionID uuid.UUID, recipient string) ([]model.NotificationDelivery, error)

	// ListByExecution returns every delivery row for an execution
	// (spec.md §6, get_deliveries).
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]model.NotificationDelivery, error)
}

// Stores bundles the four store interfaces so components that need all of
// them (the orchestrator, the coreapi service) can take one dependency.
type Stores struct {
	Tasks       TaskStore
	Executions  ExecutionStore
	Jobs        JobStore
	Deliveries  DeliveryStore
}
