package coreapi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/store"
)

type memTasks struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]model.Task
}

func newMemTasks() *memTasks { return &memTasks{tasks: map[uuid.UUID]model.Task{}} }

func (m *memTasks) Create(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t
	return nil
}
func (m *memTasks) Get(_ context.Context, id uuid.UUID) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}
func (m *memTasks) List(context.Context, store.TaskFilter) ([]model.Task, error) { return nil, nil }
func (m *memTasks) Update(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t
	return nil
}
func (m *memTasks) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}
func (m *memTasks) PauseAllForUser(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, t := range m.tasks {
		if t.UserID == userID && t.State == model.TaskActive {
			t.State = model.TaskPaused
			t.StateChangedAt = time.Now().UTC()
			m.tasks[id] = t
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memExecs struct {
	mu    sync.Mutex
	execs map[uuid.UUID]model.TaskExecution
}

func newMemExecs() *memExecs { return &memExecs{execs: map[uuid.UUID]model.TaskExecution{}} }

func (m *memExecs) Create(_ context.Context, e *model.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[e.ID] = *e
	return nil
}
func (m *memExecs) Get(_ context.Context, id uuid.UUID) (*model.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}
func (m *memExecs) Update(_ context.Context, e *model.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[e.ID] = *e
	return nil
}
func (m *memExecs) ListByTask(context.Context, uuid.UUID, store.ExecutionFilter) ([]model.TaskExecution, error) {
	return nil, nil
}
func (m *memExecs) ListStranded(context.Context, time.Time) ([]model.TaskExecution, error) {
	return nil, nil
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]model.ScheduledJob
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[uuid.UUID]model.ScheduledJob{}} }

func (m *memJobs) Upsert(_ context.Context, j *model.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Version++
	m.jobs[j.JobID] = *j
	return nil
}
func (m *memJobs) Delete(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}
func (m *memJobs) Pause(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.Paused = true
	m.jobs[jobID] = j
	return nil
}
func (m *memJobs) Resume(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.Paused = false
	m.jobs[jobID] = j
	return nil
}
func (m *memJobs) Due(context.Context, time.Time, int) ([]model.ScheduledJob, error) { return nil, nil }
func (m *memJobs) Get(_ context.Context, jobID uuid.UUID) (*model.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}
func (m *memJobs) Claim(_ context.Context, jobID uuid.UUID, expectedVersion int64, nextFire time.Time) (bool, error) {
	return false, nil
}

type memDeliveries struct{}

func (memDeliveries) Create(context.Context, *model.NotificationDelivery) error { return nil }
func (memDeliveries) Update(context.Context, *model.NotificationDelivery) error { return nil }
func (memDeliveries) ListByExecutionRecipient(context.Context, uuid.UUID, string) ([]model.NotificationDelivery, error) {
	return nil, nil
}
func (memDeliveries) ListByExecution(context.Context, uuid.UUID) ([]model.NotificationDelivery, error) {
	return nil, nil
}

func newTestStores() store.Stores {
	return store.Stores{
		Tasks:      newMemTasks(),
		Executions: newMemExecs(),
		Jobs:       newMemJobs(),
		Deliveries: memDeliveries{},
	}
}

func TestCreateTask_CreatesJobAtNextCronInstant(t *testing.T) {
	stores := newTestStores()
	svc := New(stores, nil)

	task, err := svc.CreateTask(t.Context(), model.Task{
		Name:                 "watch prices",
		Schedule:             "*/5 * * * *",
		SearchQuery:          "widget price",
		ConditionDescription: "price drops below $10",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.State != model.TaskActive {
		t.Fatalf("state = %s, want active", task.State)
	}

	job, err := stores.Jobs.Get(t.Context(), task.ID)
	if err != nil {
		t.Fatalf("job should exist: %v", err)
	}
	if job.NextFireAt.Before(time.Now().UTC()) {
		t.Fatal("job next_fire_at should be in the future")
	}
}

func TestCreateTask_RejectsInvalidSchedule(t *testing.T) {
	svc := New(newTestStores(), nil)
	_, err := svc.CreateTask(t.Context(), model.Task{Name: "bad", Schedule: "not a cron"})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestTransitionTask_ActiveToPaused_PausesJob(t *testing.T) {
	stores := newTestStores()
	svc := New(stores, nil)

	task, err := svc.CreateTask(t.Context(), model.Task{Name: "t", Schedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	updated, err := svc.TransitionTask(t.Context(), task.ID, model.TaskPaused)
	if err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	if updated.State != model.TaskPaused {
		t.Fatalf("state = %s, want paused", updated.State)
	}

	job, _ := stores.Jobs.Get(t.Context(), task.ID)
	if !job.Paused {
		t.Fatal("expected job to be paused")
	}
}

func TestTransitionTask_RejectsInvalidTransition(t *testing.T) {
	stores := newTestStores()
	svc := New(stores, nil)

	task, _ := svc.CreateTask(t.Context(), model.Task{Name: "t", Schedule: "*/5 * * * *"})
	svc.TransitionTask(t.Context(), task.ID, model.TaskCompleted)

	_, err := svc.TransitionTask(t.Context(), task.ID, model.TaskPaused)
	if err == nil {
		t.Fatal("expected completed -> paused to be rejected")
	}
}

func TestDeleteTask_RejectsWhenExecutionInFlight(t *testing.T) {
	stores := newTestStores()
	svc := New(stores, nil)

	task, _ := svc.CreateTask(t.Context(), model.Task{Name: "t", Schedule: "*/5 * * * *"})

	execID := model.NewID()
	stores.Executions.Create(t.Context(), &model.TaskExecution{ID: execID, TaskID: task.ID, Status: model.ExecRunning})
	task.LastExecutionID = &execID
	stores.Tasks.Update(t.Context(), task)

	err := svc.DeleteTask(t.Context(), task.ID)
	if !errors.Is(err, ErrTaskBusy) {
		t.Fatalf("expected ErrTaskBusy, got %v", err)
	}
}

func TestDeleteTask_SucceedsWhenNoExecutionInFlight(t *testing.T) {
	stores := newTestStores()
	svc := New(stores, nil)

	task, _ := svc.CreateTask(t.Context(), model.Task{Name: "t", Schedule: "*/5 * * * *"})

	if err := svc.DeleteTask(t.Context(), task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := stores.Tasks.Get(t.Context(), task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("expected task to be deleted")
	}
}

func TestDeactivateUser_PausesTasksAndJobs(t *testing.T) {
	stores := newTestStores()
	svc := New(stores, nil)

	userID := model.NewID()
	task, err := svc.CreateTask(t.Context(), model.Task{UserID: userID, Name: "t", Schedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	other, err := svc.CreateTask(t.Context(), model.Task{UserID: model.NewID(), Name: "other", Schedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	ids, err := svc.DeactivateUser(t.Context(), userID)
	if err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	if len(ids) != 1 || ids[0] != task.ID {
		t.Fatalf("ids = %v, want [%s]", ids, task.ID)
	}

	got, _ := stores.Tasks.Get(t.Context(), task.ID)
	if got.State != model.TaskPaused {
		t.Fatalf("state = %s, want paused", got.State)
	}
	job, _ := stores.Jobs.Get(t.Context(), task.ID)
	if !job.Paused {
		t.Fatal("expected deactivated user's job to be paused")
	}

	untouched, _ := stores.Tasks.Get(t.Context(), other.ID)
	if untouched.State != model.TaskActive {
		t.Fatal("expected other user's task to remain active")
	}
}
