package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/store"
)

// JobStore implements store.JobStore backed by Postgres. Exactly one row
// per non-completed Task (spec.md §3 invariant) — enforced by the caller
// (the task state machine), not by a database constraint, since rows must
// transiently not-exist while a task is being created.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Upsert(ctx context.Context, job *model.ScheduledJob) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO scheduled_jobs (job_id, next_fire_at, cron_expr, paused, version)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (job_id) DO UPDATE SET
		   next_fire_at = EXCLUDED.next_fire_at,
		   cron_expr = EXCLUDED.cron_expr,
		   paused = EXCLUDED.paused,
		   version = scheduled_jobs.version + 1
		 RETURNING version`,
		job.JobID, job.NextFireAt, job.CronExpr, job.Paused,
	).Scan(&job.Version)
	return err
}

func (s *JobStore) Delete(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_jobs WHERE job_id = $1", jobID)
	return err
}

func (s *JobStore) Pause(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_jobs SET paused = TRUE, version = version + 1 WHERE job_id = $1", jobID)
	return err
}

func (s *JobStore) Resume(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_jobs SET paused = FALSE, version = version + 1 WHERE job_id = $1", jobID)
	return err
}

func (s *JobStore) Due(ctx context.Context, before time.Time, limit int) ([]model.ScheduledJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, next_fire_at, cron_expr, paused, version FROM scheduled_jobs
		 WHERE NOT paused AND next_fire_at <= $1 ORDER BY next_fire_at ASC LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ScheduledJob
	for rows.Next() {
		var j model.ScheduledJob
		if err := rows.Scan(&j.JobID, &j.NextFireAt, &j.CronExpr, &j.Paused, &j.Version); err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func (s *JobStore) Get(ctx context.Context, jobID uuid.UUID) (*model.ScheduledJob, error) {
	var j model.ScheduledJob
	err := s.db.QueryRowContext(ctx,
		"SELECT job_id, next_fire_at, cron_expr, paused, version FROM scheduled_jobs WHERE job_id = $1",
		jobID,
	).Scan(&j.JobID, &j.NextFireAt, &j.CronExpr, &j.Paused, &j.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Claim advances next_fire_at to nextFire iff the row's current version
// still equals expectedVersion and the job is not paused, atomically
// bumping version. Returns (false, nil) on CAS loss or a paused job — the scheduler loop must treat that as a
// clean no-op (spec.md §4.2, §7 "Database conflict").
func (s *JobStore) Claim(ctx context.Context, jobID uuid.UUID, expectedVersion int64, nextFire time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET next_fire_at = $1, version = version + 1
		 WHERE job_id = $2 AND version = $3 AND NOT paused`,
		nextFire, jobID, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
