// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package store

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// PostgresNotificationRepository implements core.NotificationStore.
type PostgresNotificationRepository struct {
	pool poolIface
}

var _ core.NotificationStore = (*PostgresNotificationRepository)(nil)

// NewPostgresNotificationRepository creates a notification repository on pool.
func NewPostgresNotificationRepository(pool poolIface) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{pool: pool}
}

// MarkRead marks the notification read. Acknowledging an already-read
// notification succeeds and keeps the original read time.
func (r *PostgresNotificationRepository) MarkRead(ctx context.Context, userID, notificationID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, now())
		  WHERE id = $1 AND user_id = $2`,
		notificationID, userID)
	if err != nil {
		return false, oops.
			With("user_id", userID).
			With("notification_id", notificationID).
			Wrap(classify("mark notification read", err))
	}
	return tag.RowsAffected() == 1, nil
}

// UnreadCount returns the number of unread notifications for userID.
func (r *PostgresNotificationRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, userID).
		Scan(&n)
	if err != nil {
		return 0, oops.With("user_id", userID).Wrap(classify("count unread notifications", err))
	}
	return int(n), nil
}

// Create stores a new unread notification and returns its id.
func (r *PostgresNotificationRepository) Create(ctx context.Context, userID, kind string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", core.ErrValidation("notification", "payload is not JSON-encodable")
	}
	id := core.NewULID().String()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, kind, payload) VALUES ($1, $2, $3, $4)`,
		id, userID, kind, body)
	if err != nil {
		return "", oops.With("user_id", userID).With("kind", kind).Wrap(classify("create notification", err))
	}
	return id, nil
}
