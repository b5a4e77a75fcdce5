// Package scheduler is the continuously-running control loop that fires
// due tasks (spec.md §4.7): crash recovery on startup, a tick loop that
// claims due jobs, and a bounded worker pool that hands each claimed
// firing to the Execution Orchestrator.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/torale/core/internal/cronengine"
	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/store"
	"github.com/torale/core/internal/store/duecache"
)

// Runner is the subset of orchestrator.Orchestrator the scheduler depends
// on, kept as an interface so tests can substitute a fake without pulling
// in the agent client/dispatcher/tracer wiring.
type Runner interface {
	Run(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error)
}

// LeaderElector reports whether this process currently holds the
// single-writer lease (spec.md §5, "one active scheduler process per
// deployment"). A nil LeaderElector means always-leader, the correct
// default for a single-instance deployment.
type LeaderElector interface {
	IsLeader(ctx context.Context) bool
}

// Config tunes the scheduler loop. New replaces the whole Config with
// DefaultConfig() when TickInterval is zero or negative; otherwise every
// field is used as given, and a zero field is not filled from the defaults.
type Config struct {
	TickInterval        time.Duration
	BatchLimit          int
	WorkerPoolSize      int
	RecoveryThreshold   time.Duration
	ShutdownGracePeriod time.Duration
}

// DefaultConfig matches spec.md §4.7's suggested values: a 1-5s tick, a
// recovery threshold of 2x the default agent timeout, and a 10s shutdown
// grace period.
func DefaultConfig() Config {
	return Config{
		TickInterval:        2 * time.Second,
		BatchLimit:          50,
		WorkerPoolSize:      8,
		RecoveryThreshold:   4 * time.Minute,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

// Scheduler runs the tick loop described in spec.md §4.7.
type Scheduler struct {
	cfg     Config
	jobs    store.JobStore
	execs   store.ExecutionStore
	runner  Runner
	elector LeaderElector
	logger  *slog.Logger
	due     *duecache.Cache
}

// New builds a Scheduler. elector may be nil for single-instance
// deployments (see LeaderElector). An internal read-through cache of
// each job's last-observed NextFireAt (spec.md §9) lets the tick loop
// log whether work is expected before it pays for the authoritative
// Due() query; it is never treated as a substitute for that query.
func New(cfg Config, jobs store.JobStore, execs store.ExecutionStore, runner Runner, elector LeaderElector, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		jobs:    jobs,
		execs:   execs,
		runner:  runner,
		elector: elector,
		logger:  logger,
		due:     duecache.New(cfg.BatchLimit * 4),
	}
}

// Run blocks until ctx is cancelled, running the crash-recovery sweep
// once at startup and then the tick loop with a bounded worker pool. It
// implements the graceful shutdown spec.md §4.7 describes: stop
// accepting new claims, let in-flight workers finish up to the grace
// period, then return — any execution still running past that point is
// left for the next startup's recovery sweep.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.RecoverStranded(ctx); err != nil {
		s.logger.Error("scheduler: crash recovery sweep failed", "error", err)
	}

	// workCtx outlives ctx by ShutdownGracePeriod so in-flight workers
	// get a grace window instead of being cancelled the instant Run's
	// caller cancels ctx (spec.md §4.7, "Shutdown").
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	workers, _ := errgroup.WithContext(workCtx)
	workSem := make(chan struct{}, s.cfg.WorkerPoolSize)

	s.tickLoop(ctx, workCtx, workSem, workers)

	done := make(chan error, 1)
	go func() { done <- workers.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.ShutdownGracePeriod):
		s.logger.Warn("scheduler: shutdown grace period elapsed with workers still in flight; leaving them for crash recovery")
		return nil
	}
}

// tickLoop implements spec.md §4.7's per-tick steps 1-3, blocking until
// ctx is cancelled. Claimed firings run against workCtx, not ctx, so they
// survive ctx's cancellation for the shutdown grace period.
func (s *Scheduler) tickLoop(ctx, workCtx context.Context, workSem chan struct{}, g *errgroup.Group) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, workCtx, workSem, g)
		}
	}
}

func (s *Scheduler) tick(ctx, workCtx context.Context, workSem chan struct{}, g *errgroup.Group) {
	if s.elector != nil && !s.elector.IsLeader(ctx) {
		return
	}

	now := time.Now().UTC()
	if !s.due.EarliestBefore(now) && s.due.Len() > 0 {
		s.logger.Debug("scheduler: due-cache hint suggests no work this tick, polling anyway")
	}

	due, err := s.jobs.Due(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("scheduler: fetch due jobs failed", "error", err)
		return
	}

	for _, job := range due {
		s.due.Observe(job.JobID, job.NextFireAt)
	}

	for _, job := range due {
		select {
		case workSem <- struct{}{}:
		default:
			// Back-pressure: the pool is saturated. Per spec.md §4.7,
			// skip the remaining due jobs this tick — they were never
			// claimed, so they remain due and are retried next tick.
			return
		}

		job := job
		g.Go(func() error {
			defer func() { <-workSem }()
			s.claimAndRun(ctx, workCtx, job)
			return nil
		})
	}
}

// claimAndRun attempts to claim job's current firing using ctx, and on
// success invokes the Execution Orchestrator using workCtx (which
// outlives ctx by the shutdown grace period). A lost claim (another
// process or a concurrent pause won) is a clean no-op, not an error
// (spec.md §4.2).
func (s *Scheduler) claimAndRun(ctx, workCtx context.Context, job model.ScheduledJob) {
	next, err := nextFireForJob(job)
	if err != nil {
		s.logger.Error("scheduler: compute next fire failed", "error", err, "job_id", job.JobID)
		return
	}

	ok, err := s.jobs.Claim(ctx, job.JobID, job.Version, next)
	if err != nil {
		s.logger.Error("scheduler: claim failed", "error", err, "job_id", job.JobID)
		return
	}
	if !ok {
		return
	}
	s.due.Observe(job.JobID, next)

	if _, err := s.runner.Run(workCtx, job.JobID); err != nil {
		s.logger.Error("scheduler: orchestrator run failed", "error", err, "job_id", job.JobID)
	}
}

// nextFireForJob computes the next cron instant strictly after the job's
// current NextFireAt, the instant claimAndRun advances the job to.
func nextFireForJob(job model.ScheduledJob) (time.Time, error) {
	return cronengine.NextFire(job.CronExpr, job.NextFireAt)
}

// RecoverStranded implements spec.md §4.7's startup crash-recovery sweep:
// executions left in pending/running past RecoveryThreshold are marked
// failed with crash_recovered.
func (s *Scheduler) RecoverStranded(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.RecoveryThreshold)
	stranded, err := s.execs.ListStranded(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, e := range stranded {
		e.Status = model.ExecFailed
		e.ErrorMessage = "crash_recovered"
		now := time.Now().UTC()
		e.CompletedAt = &now
		if err := s.execs.Update(ctx, &e); err != nil {
			s.logger.Error("scheduler: failed to mark stranded execution recovered", "error", err, "execution_id", e.ID)
		}
	}
	if len(stranded) > 0 {
		s.logger.Info("scheduler: recovered stranded executions", "count", len(stranded))
	}
	return nil
}
