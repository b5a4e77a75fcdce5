package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/torale/core/internal/model"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]model.ScheduledJob
}

func newFakeJobStore(jobs ...model.ScheduledJob) *fakeJobStore {
	m := map[uuid.UUID]model.ScheduledJob{}
	for _, j := range jobs {
		m[j.JobID] = j
	}
	return &fakeJobStore{jobs: m}
}

func (f *fakeJobStore) Upsert(context.Context, *model.ScheduledJob) error { return nil }
func (f *fakeJobStore) Delete(context.Context, uuid.UUID) error          { return nil }
func (f *fakeJobStore) Pause(context.Context, uuid.UUID) error           { return nil }
func (f *fakeJobStore) Resume(context.Context, uuid.UUID) error          { return nil }

func (f *fakeJobStore) Due(_ context.Context, before time.Time, limit int) ([]model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ScheduledJob
	for _, j := range f.jobs {
		if !j.Paused && !j.NextFireAt.After(before) {
			out = append(out, j)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeJobStore) Get(_ context.Context, jobID uuid.UUID) (*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	return &j, nil
}

func (f *fakeJobStore) Claim(_ context.Context, jobID uuid.UUID, expectedVersion int64, nextFire time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.Version != expectedVersion || j.Paused {
		return false, nil
	}
	j.NextFireAt = nextFire
	j.Version++
	f.jobs[jobID] = j
	return true, nil
}

type fakeRunner struct {
	calls int32
}

func (f *fakeRunner) Run(context.Context, uuid.UUID) (uuid.UUID, error) {
	atomic.AddInt32(&f.calls, 1)
	return uuid.Nil, nil
}

func TestScheduler_Tick_ClaimsAndRunsDueJobs(t *testing.T) {
	jobID := model.NewID()
	jobs := newFakeJobStore(model.ScheduledJob{
		JobID:      jobID,
		NextFireAt: time.Now().UTC().Add(-time.Minute),
		CronExpr:   "*/5 * * * *",
		Version:    1,
	})
	runner := &fakeRunner{}

	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	s := New(cfg, jobs, nil, runner, nil, nil)

	workCtx := context.Background()
	workSem := make(chan struct{}, cfg.WorkerPoolSize)
	// Exercise tick() directly rather than the full Run loop so the test
	// doesn't depend on wall-clock ticker timing.
	g := &errgroup.Group{}
	s.tick(context.Background(), workCtx, workSem, g)
	g.Wait()

	if atomic.LoadInt32(&runner.calls) != 1 {
		t.Fatalf("runner.Run called %d times, want 1", runner.calls)
	}

	job, _ := jobs.Get(context.Background(), jobID)
	if job.Version != 2 {
		t.Fatalf("job version = %d, want 2 after claim", job.Version)
	}
}

func TestScheduler_Tick_SkipsPausedJobs(t *testing.T) {
	jobID := model.NewID()
	jobs := newFakeJobStore(model.ScheduledJob{
		JobID:      jobID,
		NextFireAt: time.Now().UTC().Add(-time.Minute),
		CronExpr:   "*/5 * * * *",
		Version:    1,
		Paused:     true,
	})
	runner := &fakeRunner{}
	cfg := DefaultConfig()
	s := New(cfg, jobs, nil, runner, nil, nil)

	workCtx := context.Background()
	workSem := make(chan struct{}, cfg.WorkerPoolSize)
	g := &errgroup.Group{}
	s.tick(context.Background(), workCtx, workSem, g)
	g.Wait()

	if atomic.LoadInt32(&runner.calls) != 0 {
		t.Fatalf("runner.Run called %d times, want 0 for a paused job", runner.calls)
	}
}

type fakeLeaderElector struct{ leader bool }

func (f fakeLeaderElector) IsLeader(context.Context) bool { return f.leader }

func TestScheduler_Tick_SkipsEntirelyWhenNotLeader(t *testing.T) {
	jobID := model.NewID()
	jobs := newFakeJobStore(model.ScheduledJob{
		JobID:      jobID,
		NextFireAt: time.Now().UTC().Add(-time.Minute),
		CronExpr:   "*/5 * * * *",
		Version:    1,
	})
	runner := &fakeRunner{}
	cfg := DefaultConfig()
	s := New(cfg, jobs, nil, runner, fakeLeaderElector{leader: false}, nil)

	workCtx := context.Background()
	workSem := make(chan struct{}, cfg.WorkerPoolSize)
	g := &errgroup.Group{}
	s.tick(context.Background(), workCtx, workSem, g)
	g.Wait()

	if atomic.LoadInt32(&runner.calls) != 0 {
		t.Fatal("a non-leader process must never claim or run jobs")
	}
}
