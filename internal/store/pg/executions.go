package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/store"
)

// ExecutionStore implements store.ExecutionStore backed by Postgres.
type ExecutionStore struct {
	db *sql.DB
}

func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionSelectCols = `id, task_id, status, started_at, completed_at, result,
	error_message, notification, grounding_sources`

func (s *ExecutionStore) Create(ctx context.Context, e *model.TaskExecution) error {
	if e.ID == uuid.Nil {
		e.ID = model.NewID()
	}
	sources, err := json.Marshal(e.GroundingSources)
	if err != nil {
		return fmt.Errorf("marshal grounding_sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_executions (id, task_id, status, started_at, completed_at, result,
		 error_message, notification, grounding_sources)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.TaskID, e.Status, e.StartedAt, e.CompletedAt, nullRawMessage(e.Result),
		e.ErrorMessage, e.Notification, jsonOrEmpty(sources),
	)
	return err
}

func (s *ExecutionStore) Get(ctx context.Context, id uuid.UUID) (*model.TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionSelectCols+` FROM task_executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

// Update persists the mutable fields of an execution. Spec.md §3: an
// execution is immutable once status leaves pending/running, but this
// method itself does not enforce that. The orchestrator calls it when the
// execution moves to running and again at the terminal transition; the
// scheduler's recovery sweep calls it to mark a stranded execution failed.
func (s *ExecutionStore) Update(ctx context.Context, e *model.TaskExecution) error {
	sources, err := json.Marshal(e.GroundingSources)
	if err != nil {
		return fmt.Errorf("marshal grounding_sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE task_executions SET status=$1, completed_at=$2, result=$3,
		 error_message=$4, notification=$5, grounding_sources=$6 WHERE id=$7`,
		e.Status, e.CompletedAt, nullRawMessage(e.Result), e.ErrorMessage,
		e.Notification, jsonOrEmpty(sources), e.ID,
	)
	return err
}

func (s *ExecutionStore) ListByTask(ctx context.Context, taskID uuid.UUID, filter store.ExecutionFilter) ([]model.TaskExecution, error) {
	query := `SELECT ` + executionSelectCols + ` FROM task_executions WHERE task_id = $1`
	args := []interface{}{taskID}
	if filter.Status != nil {
		query += " AND status = $2"
		args = append(args, *filter.Status)
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *ExecutionStore) ListStranded(ctx context.Context, olderThan time.Time) ([]model.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionSelectCols+` FROM task_executions
		 WHERE status IN ($1, $2) AND started_at < $3`,
		model.ExecPending, model.ExecRunning, olderThan,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

type executionRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row executionRowScanner) (*model.TaskExecution, error) {
	var e model.TaskExecution
	var result, sources []byte
	if err := row.Scan(&e.ID, &e.TaskID, &e.Status, &e.StartedAt, &e.CompletedAt, &result,
		&e.ErrorMessage, &e.Notification, &sources); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		e.Result = json.RawMessage(result)
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &e.GroundingSources); err != nil {
			return nil, fmt.Errorf("unmarshal grounding_sources: %w", err)
		}
	}
	return &e, nil
}

func nullRawMessage(data json.RawMessage) interface{} {
	if data == nil {
		return nil
	}
	return []byte(data)
}
