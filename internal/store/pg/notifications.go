package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"invoicegate.org/internal/webhook"
)

var _ webhook.Store = (*Store)(nil)

const notificationColumns = `id, transmission_id, webhook_url, payload, status, attempts,
	next_attempt_at, coalesce(response_code, 0), coalesce(error_message, ''), created_at, updated_at`

func (s *Store) CreateNotification(ctx context.Context, n webhook.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into notifications (id, transmission_id, webhook_url, payload, status, attempts,
			next_attempt_at, response_code, error_message, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,0),nullif($9,''),$10,$11)
	`, n.ID, n.TransmissionID, n.WebhookURL, payload, string(n.Status), n.Attempts,
		nullTime(n.NextAttemptAt), n.ResponseCode, n.ErrorMessage, n.CreatedAt.UTC(), n.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return webhook.ErrDuplicate
	}
	return err
}

func (s *Store) UpdateNotification(ctx context.Context, n webhook.Notification) error {
	res, err := s.db.ExecContext(ctx, `
		update notifications
		set status = $2, attempts = $3, next_attempt_at = $4,
			response_code = nullif($5,0), error_message = nullif($6,''), updated_at = $7
		where id = $1
	`, n.ID, string(n.Status), n.Attempts, nullTime(n.NextAttemptAt), n.ResponseCode, n.ErrorMessage, n.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	return expectOne(res, webhook.ErrNotFound)
}

func (s *Store) ListNotifications(ctx context.Context, transmissionID string) ([]webhook.Notification, error) {
	return s.queryNotifications(ctx, `
		select `+notificationColumns+` from notifications
		where transmission_id = $1
		order by created_at asc, id asc
	`, transmissionID)
}

func (s *Store) PendingNotifications(ctx context.Context) ([]webhook.Notification, error) {
	return s.queryNotifications(ctx, `
		select `+notificationColumns+` from notifications
		where status in ('PENDING', 'RETRY')
		order by created_at asc, id asc
	`)
}

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]webhook.Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]webhook.Notification, 0)
	for rows.Next() {
		var (
			n       webhook.Notification
			payload []byte
			status  string
			nextAt  sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.TransmissionID, &n.WebhookURL, &payload, &status, &n.Attempts,
			&nextAt, &n.ResponseCode, &n.ErrorMessage, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", n.ID, err)
		}
		n.Status = webhook.Status(status)
		n.NextAttemptAt = timePtr(nextAt)
		out = append(out, n)
	}
	return out, rows.Err()
}
