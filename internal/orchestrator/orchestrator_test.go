package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/torale/core/internal/agentclient"
	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/notify"
	"github.com/torale/core/internal/store"
)

// --- in-memory store fakes ---

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]model.Task
}

func newMemTaskStore() *memTaskStore { return &memTaskStore{tasks: map[uuid.UUID]model.Task{}} }

func (m *memTaskStore) Create(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t
	return nil
}
func (m *memTaskStore) Get(_ context.Context, id uuid.UUID) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}
func (m *memTaskStore) List(context.Context, store.TaskFilter) ([]model.Task, error) { return nil, nil }
func (m *memTaskStore) Update(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t
	return nil
}
func (m *memTaskStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}
func (m *memTaskStore) PauseAllForUser(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

type memExecutionStore struct {
	mu   sync.Mutex
	execs map[uuid.UUID]model.TaskExecution
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{execs: map[uuid.UUID]model.TaskExecution{}}
}
func (m *memExecutionStore) Create(_ context.Context, e *model.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[e.ID] = *e
	return nil
}
func (m *memExecutionStore) Get(_ context.Context, id uuid.UUID) (*model.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}
func (m *memExecutionStore) Update(_ context.Context, e *model.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[e.ID] = *e
	return nil
}
func (m *memExecutionStore) ListByTask(context.Context, uuid.UUID, store.ExecutionFilter) ([]model.TaskExecution, error) {
	return nil, nil
}
func (m *memExecutionStore) ListStranded(context.Context, time.Time) ([]model.TaskExecution, error) {
	return nil, nil
}

type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]model.ScheduledJob
}

func newMemJobStore() *memJobStore { return &memJobStore{jobs: map[uuid.UUID]model.ScheduledJob{}} }

func (m *memJobStore) Upsert(_ context.Context, j *model.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Version++
	m.jobs[j.JobID] = *j
	return nil
}
func (m *memJobStore) Delete(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}
func (m *memJobStore) Pause(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.Paused = true
	j.Version++
	m.jobs[jobID] = j
	return nil
}
func (m *memJobStore) Resume(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.Paused = false
	j.Version++
	m.jobs[jobID] = j
	return nil
}
func (m *memJobStore) Due(context.Context, time.Time, int) ([]model.ScheduledJob, error) {
	return nil, nil
}
func (m *memJobStore) Get(_ context.Context, jobID uuid.UUID) (*model.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}
func (m *memJobStore) Claim(_ context.Context, jobID uuid.UUID, expectedVersion int64, nextFire time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Version != expectedVersion || j.Paused {
		return false, nil
	}
	j.NextFireAt = nextFire
	j.Version++
	m.jobs[jobID] = j
	return true, nil
}

type memDeliveryStore struct {
	mu   sync.Mutex
	rows []model.NotificationDelivery
}

func (m *memDeliveryStore) Create(_ context.Context, d *model.NotificationDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *d)
	return nil
}
func (m *memDeliveryStore) Update(context.Context, *model.NotificationDelivery) error { return nil }
func (m *memDeliveryStore) ListByExecutionRecipient(_ context.Context, executionID uuid.UUID, recipient string) ([]model.NotificationDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.NotificationDelivery
	for _, r := range m.rows {
		if r.ExecutionID == executionID && r.Recipient == recipient {
			out = append(out, r)
		}
	}
	return out, nil
}
func (m *memDeliveryStore) ListByExecution(_ context.Context, executionID uuid.UUID) ([]model.NotificationDelivery, error) {
	return nil, nil
}

func newStores() (store.Stores, *memJobStore) {
	js := newMemJobStore()
	return store.Stores{
		Tasks:      newMemTaskStore(),
		Executions: newMemExecutionStore(),
		Jobs:       js,
		Deliveries: &memDeliveryStore{},
	}, js
}

func seedTaskAndJob(t *testing.T, stores store.Stores, js *memJobStore, behavior model.NotifyBehavior) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:                   model.NewID(),
		UserID:               model.NewID(),
		Name:                 "watch release notes",
		Schedule:             "*/5 * * * *",
		SearchQuery:          "acme corp release notes",
		ConditionDescription: "a new release is announced",
		NotifyBehavior:       behavior,
		State:                model.TaskActive,
		AgentTimeoutSeconds:  5,
	}
	if err := stores.Tasks.Create(t.Context(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	job := &model.ScheduledJob{JobID: task.ID, NextFireAt: time.Now().UTC(), CronExpr: task.Schedule}
	if err := js.Upsert(t.Context(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return task
}

func agentServer(t *testing.T, notification *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.AgentEnvelope{
			Evidence:     "checked the page, nothing new",
			Sources:      []string{"https://example.com"},
			Confidence:   70,
			Notification: notification,
		})
	}))
}

func TestRun_ConditionNotMet_Reschedules(t *testing.T) {
	srv := agentServer(t, nil)
	defer srv.Close()

	stores, js := newStores()
	task := seedTaskAndJob(t, stores, js, model.NotifyAlways)

	agent := agentclient.New(srv.URL, "", 100, 10)
	dispatcher := notify.New(&memDeliveryStore{}, notify.SMTPConfig{}, nil)
	orc := New(stores, agent, dispatcher, nil)

	execID, err := orc.Run(t.Context(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	exec, err := stores.Executions.Get(t.Context(), execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != model.ExecSuccess {
		t.Fatalf("status = %s, want success", exec.Status)
	}
	if exec.Notification != nil {
		t.Fatal("expected no notification")
	}
	if len(exec.Result) == 0 {
		t.Fatal("expected exec.Result to hold the agent's raw envelope")
	}
	if exec.Confidence == nil || *exec.Confidence != 70 {
		t.Fatalf("confidence = %v, want 70", exec.Confidence)
	}

	reloaded, _ := stores.Tasks.Get(t.Context(), task.ID)
	if reloaded.State != model.TaskActive {
		t.Fatalf("task state = %s, want still active", reloaded.State)
	}
}

func TestRun_ConditionMet_NotifyOnce_Completes(t *testing.T) {
	notif := "a new release shipped"
	srv := agentServer(t, &notif)
	defer srv.Close()

	var webhookCalls atomic.Int32
	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhookSrv.Close()

	stores, js := newStores()
	task := seedTaskAndJob(t, stores, js, model.NotifyOnce)
	task.NotificationChannels = []model.NotificationChannel{
		{Type: model.ChannelWebhook, URL: webhookSrv.URL, Method: model.MethodPOST},
	}
	stores.Tasks.Update(t.Context(), task)

	agent := agentclient.New(srv.URL, "", 100, 10)
	dispatcher := notify.New(&memDeliveryStore{}, notify.SMTPConfig{}, nil)
	orc := New(stores, agent, dispatcher, nil)

	_, err := orc.Run(t.Context(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Dispatch hands delivery off to a background goroutine and returns
	// immediately, so give it a moment to reach the webhook handler.
	deadline := time.Now().Add(2 * time.Second)
	for webhookCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := webhookCalls.Load(); got != 1 {
		t.Fatalf("webhook calls = %d, want 1", got)
	}

	reloaded, _ := stores.Tasks.Get(t.Context(), task.ID)
	if reloaded.State != model.TaskCompleted {
		t.Fatalf("task state = %s, want completed", reloaded.State)
	}
	if _, err := js.Get(t.Context(), task.ID); err == nil {
		t.Fatal("expected scheduled job to be deleted on completion")
	}
}

func TestRun_AgentFailure_MarksFailedAndReschedulesWithoutNotifying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	stores, js := newStores()
	task := seedTaskAndJob(t, stores, js, model.NotifyAlways)

	agent := agentclient.New(srv.URL, "", 100, 10)
	dispatcher := notify.New(&memDeliveryStore{}, notify.SMTPConfig{}, nil)
	orc := New(stores, agent, dispatcher, nil)

	execID, err := orc.Run(t.Context(), task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	exec, _ := stores.Executions.Get(t.Context(), execID)
	if exec.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}

	reloaded, _ := stores.Tasks.Get(t.Context(), task.ID)
	if reloaded.State != model.TaskActive {
		t.Fatal("agent failure must not change task state")
	}

	job, err := js.Get(t.Context(), task.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Version < 2 {
		t.Fatal("expected reschedule to have claimed the job")
	}
}
