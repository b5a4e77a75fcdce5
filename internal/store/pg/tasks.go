package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/torale/core/internal/crypto"
	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/store"
)

// TaskStore implements store.TaskStore backed by Postgres. Notification
// channel recipients (email addresses, webhook URLs) are encrypted at
// rest with AES-256-GCM when encKey is non-empty; an empty key leaves
// rows in plain text, matching crypto.Encrypt/Decrypt's no-op behavior.
type TaskStore struct {
	db     *sql.DB
	encKey string
}

func NewTaskStore(db *sql.DB, encKey string) *TaskStore {
	return &TaskStore{db: db, encKey: encKey}
}

func (s *TaskStore) encryptChannels(channels []model.NotificationChannel) ([]byte, error) {
	sealed := make([]model.NotificationChannel, len(channels))
	copy(sealed, channels)
	for i := range sealed {
		enc, err := crypto.Encrypt(sealed[i].Address, s.encKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt notification channel address: %w", err)
		}
		sealed[i].Address = enc
	}
	return json.Marshal(sealed)
}

func (s *TaskStore) decryptChannels(channels []model.NotificationChannel) error {
	for i := range channels {
		dec, err := crypto.Decrypt(channels[i].Address, s.encKey)
		if err != nil {
			return fmt.Errorf("decrypt notification channel address: %w", err)
		}
		channels[i].Address = dec
	}
	return nil
}

const taskSelectCols = `id, user_id, name, schedule, search_query, condition_description,
	notify_behavior, state, last_known_state, last_execution_id, notification_channels,
	agent_timeout_seconds, created_at, updated_at, state_changed_at, deleted_at`

func (s *TaskStore) Create(ctx context.Context, t *model.Task) error {
	if t.ID == uuid.Nil {
		t.ID = model.NewID()
	}
	now := nowUTC()
	t.CreatedAt, t.UpdatedAt, t.StateChangedAt = now, now, now

	channels, err := s.encryptChannels(t.NotificationChannels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, name, schedule, search_query, condition_description,
		 notify_behavior, state, last_known_state, last_execution_id, notification_channels,
		 agent_timeout_seconds, created_at, updated_at, state_changed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.UserID, t.Name, t.Schedule, t.SearchQuery, t.ConditionDescription,
		t.NotifyBehavior, t.State, t.LastKnownState, t.LastExecutionID, jsonOrEmpty(channels),
		t.AgentTimeoutSeconds, t.CreatedAt, t.UpdatedAt, t.StateChangedAt,
	)
	return err
}

func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE id = $1 AND deleted_at IS NULL`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.decryptChannels(t.NotificationChannels); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) List(ctx context.Context, filter store.TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskSelectCols + ` FROM tasks WHERE deleted_at IS NULL`
	var args []interface{}
	i := 1

	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", i)
		args = append(args, *filter.UserID)
		i++
	}
	if filter.State != nil {
		query += fmt.Sprintf(" AND state = $%d", i)
		args = append(args, *filter.State)
		i++
	}
	query += " ORDER BY created_at DESC"
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

	var result []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if err := s.decryptChannels(t.NotificationChannels); err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *TaskStore) Update(ctx context.Context, t *model.Task) error {
	t.UpdatedAt = nowUTC()
	channels, err := s.encryptChannels(t.NotificationChannels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET name=$1, schedule=$2, search_query=$3, condition_description=$4,
		 notify_behavior=$5, state=$6, last_known_state=$7, last_execution_id=$8,
		 notification_channels=$9, agent_timeout_seconds=$10, updated_at=$11, state_changed_at=$12
		 WHERE id=$13`,
		t.Name, t.Schedule, t.SearchQuery, t.ConditionDescription,
		t.NotifyBehavior, t.State, t.LastKnownState, t.LastExecutionID,
		jsonOrEmpty(channels), t.AgentTimeoutSeconds, t.UpdatedAt, t.StateChangedAt, t.ID,
	)
	return err
}

// Delete soft-deletes task id: the row is kept (stamped with deleted_at)
// rather than removed, since task_executions.task_id references it with
// no ON DELETE action and spec.md requires execution history to survive
// a task delete. Get/List both filter deleted_at IS NULL, so a
// soft-deleted task behaves as absent to every other caller.
func (s *TaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL", now, id)
	return err
}

// PauseAllForUser transitions every active task owned by userID to paused.
// Scheduler-side job pausing is the caller's responsibility
// (coreapi.DeactivateUser pauses each returned task's job) — this method only
// flips the persisted task rows and reports which task IDs changed.
func (s *TaskStore) PauseAllForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE tasks SET state = $1, state_changed_at = $2, updated_at = $2
		 WHERE user_id = $3 AND state = $4 AND deleted_at IS NULL RETURNING id`,
		model.TaskPaused, nowUTC(), userID, model.TaskActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type taskRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row taskRowScanner) (*model.Task, error) {
	var t model.Task
	var channelsRaw []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Schedule, &t.SearchQuery, &t.ConditionDescription,
		&t.NotifyBehavior, &t.State, &t.LastKnownState, &t.LastExecutionID, &channelsRaw,
		&t.AgentTimeoutSeconds, &t.CreatedAt, &t.UpdatedAt, &t.StateChangedAt, &t.DeletedAt); err != nil {
		return nil, err
	}
	if len(channelsRaw) > 0 {
		if err := json.Unmarshal(channelsRaw, &t.NotificationChannels); err != nil {
			return nil, fmt.Errorf("unmarshal notification_channels: %w", err)
		}
	}
	return &t, nil
}
