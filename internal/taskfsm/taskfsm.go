// Package taskfsm enforces the Task lifecycle transition table (spec.md
// §4.6): active and paused toggle freely, either can complete, and
// completed is terminal except for an explicit reactivate back to active.
package taskfsm

import (
	"errors"
	"fmt"
	"time"

	"github.com/torale/core/internal/model"
)

// ErrInvalidTransition is returned when the requested transition is not in
// the allowed table for the task's current state.
var ErrInvalidTransition = errors.New("taskfsm: invalid state transition")

// transitions maps each state to the set of states it may move to directly.
var transitions = map[model.TaskState]map[model.TaskState]bool{
	model.TaskActive: {
		model.TaskPaused:    true,
		model.TaskCompleted: true,
	},
	model.TaskPaused: {
		model.TaskActive:    true,
		model.TaskCompleted: true,
	},
	model.TaskCompleted: {
		model.TaskActive: true, // reactivate, spec.md §4.6
	},
}

// Allowed reports whether from -> to is a permitted direct transition.
func Allowed(from, to model.TaskState) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// Validate returns ErrInvalidTransition if from -> to is not permitted.
func Validate(from, to model.TaskState) error {
	if !Allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Apply validates task's transition to next and, if allowed, mutates task
// in place (State, StateChangedAt, UpdatedAt) using now as the clock
// reading. It does not persist the change — the caller does that with
// TaskStore.Update, which writes by task ID only and does not check the
// stored state against an expected prior value.
func Apply(task *model.Task, next model.TaskState, now time.Time) error {
	if err := Validate(task.State, next); err != nil {
		return err
	}
	task.State = next
	task.StateChangedAt = now
	task.UpdatedAt = now
	return nil
}

// SchedulerAction describes how a transition should affect the task's
// ScheduledJob row, since taskfsm only knows about Task state and the
// scheduler owns the job table separately (spec.md §3, "Ownership &
// lifecycle").
type SchedulerAction int

const (
	// ActionNone means the transition does not touch the scheduled job.
	ActionNone SchedulerAction = iota
	// ActionPauseJob means the job should be paused (task left active).
	ActionPauseJob
	// ActionResumeJob means the job should be resumed (task entered active).
	ActionResumeJob
	// ActionDeleteJob means the job should be deleted (task completed).
	ActionDeleteJob
)

// SchedulerActionFor reports what the scheduler must do to its
// ScheduledJob row when a task moves from -> to. Callers should call this
// before Apply, since it inspects the transition rather than the mutated
// task.
func SchedulerActionFor(from, to model.TaskState) SchedulerAction {
	switch {
	case to == model.TaskCompleted:
		return ActionDeleteJob
	case from == model.TaskActive && to == model.TaskPaused:
		return ActionPauseJob
	case from == model.TaskPaused && to == model.TaskActive:
		return ActionResumeJob
	case from == model.TaskCompleted && to == model.TaskActive:
		return ActionResumeJob
	default:
		return ActionNone
	}
}
