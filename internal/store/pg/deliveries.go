package pg

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/torale/core/internal/model"
)

// DeliveryStore implements store.DeliveryStore backed by Postgres.
type DeliveryStore struct {
	db *sql.DB
}

func NewDeliveryStore(db *sql.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

const deliverySelectCols = `id, execution_id, channel_type, recipient, status, http_status,
	attempt, next_retry_at, error_message, created_at, updated_at`

func (s *DeliveryStore) Create(ctx context.Context, d *model.NotificationDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = model.NewID()
	}
	now := nowUTC()
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_deliveries (id, execution_id, channel_type, recipient, status,
		 http_status, attempt, next_retry_at, error_message, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.ExecutionID, d.ChannelType, d.Recipient, d.Status, d.HTTPStatus,
		d.Attempt, d.NextRetryAt, d.ErrorMessage, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *DeliveryStore) Update(ctx context.Context, d *model.NotificationDelivery) error {
	d.UpdatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_deliveries SET status=$1, http_status=$2, attempt=$3,
		 next_retry_at=$4, error_message=$5, updated_at=$6 WHERE id=$7`,
		d.Status, d.HTTPStatus, d.Attempt, d.NextRetryAt, d.ErrorMessage, d.UpdatedAt, d.ID,
	)
	return err
}

func (s *DeliveryStore) ListByExecutionRecipient(ctx context.Context, executionID uuid.UUID, recipient string) ([]model.NotificationDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliverySelectCols+` FROM notification_deliveries
		 WHERE execution_id = $1 AND recipient = $2 ORDER BY attempt ASC`,
		executionID, recipient,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (s *DeliveryStore) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]model.NotificationDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliverySelectCols+` FROM notification_deliveries
		 WHERE execution_id = $1 ORDER BY created_at ASC`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows *sql.Rows) ([]model.NotificationDelivery, error) {
	var result []model.NotificationDelivery
	for rows.Next() {
		var d model.NotificationDelivery
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.ChannelType, &d.Recipient, &d.Status,
			&d.HTTPStatus, &d.Attempt, &d.NextRetryAt, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
