package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestJobStore_Claim_WinnerAndLoser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	jobStore := NewJobStore(db)
	jobID := uuid.Must(uuid.NewV7())
	next := time.Now().Add(24 * time.Hour)

	mock.ExpectExec("UPDATE scheduled_jobs SET next_fire_at").
		WithArgs(next, jobID, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := jobStore.Claim(context.Background(), jobID, 1, next)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to win")
	}

	mock.ExpectExec("UPDATE scheduled_jobs SET next_fire_at").
		WithArgs(next, jobID, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = jobStore.Claim(context.Background(), jobID, 1, next)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Fatal("expected second claim with stale version to lose")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobStore_Due_ExcludesPaused(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	jobStore := NewJobStore(db)
	jobID := uuid.Must(uuid.NewV7())
	now := time.Now()

	rows := sqlmock.NewRows([]string{"job_id", "next_fire_at", "cron_expr", "paused", "version"}).
		AddRow(jobID, now.Add(-time.Minute), "0 9 * * *", false, int64(3))

	mock.ExpectQuery("SELECT job_id, next_fire_at, cron_expr, paused, version FROM scheduled_jobs").
		WithArgs(now, 50).
		WillReturnRows(rows)

	jobs, err := jobStore.Due(context.Background(), now, 50)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != jobID {
		t.Fatalf("unexpected result: %+v", jobs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
