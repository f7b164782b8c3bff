package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"therapy-booking/internal/notify"
	"therapy-booking/pkg"
)

// NotificationStore implements notify.Store on the notifications table.
type NotificationStore struct {
	DB *sql.DB
}

// NewNotificationStore constructs a NotificationStore.
func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{DB: db}
}

const notificationColumns = `id, recipient_role, recipient_name, title, message, is_read, created_at`

func scanNotification(row rowScanner) (*pkg.Notification, error) {
	var n pkg.Notification
	if err := row.Scan(&n.ID, &n.RecipientRole, &n.RecipientName, &n.Title, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

// Insert implements notify.Store.
func (s *NotificationStore) Insert(ctx context.Context, n *pkg.Notification) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient_role, recipient_name, title, message, is_read, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, string(n.RecipientRole), n.RecipientName, n.Title, n.Message, n.IsRead, n.CreatedAt.UTC(),
	)
	return errors.Wrap(err, "insert notification")
}

// Get implements notify.Store.
func (s *NotificationStore) Get(ctx context.Context, id string) (*pkg.Notification, error) {
	n, err := scanNotification(s.DB.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notify.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get notification %s", id)
	}
	return n, nil
}

// ListFor implements notify.Store.
func (s *NotificationStore) ListFor(ctx context.Context, role pkg.Role, name string) ([]pkg.Notification, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+notificationColumns+`
         FROM notifications
         WHERE recipient_role = $1 AND recipient_name = $2
         ORDER BY created_at DESC`,
		string(role), name,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	defer rows.Close()
	out := []pkg.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// MarkRead implements notify.Store.  The update is unconditional so marking
// twice succeeds; a missing row is reported as notify.ErrNotFound.
func (s *NotificationStore) MarkRead(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE notifications SET is_read = $1 WHERE id = $2`, true, id)
	if err != nil {
		return errors.Wrapf(err, "mark notification %s read", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "mark notification read")
	}
	if affected == 0 {
		return notify.ErrNotFound
	}
	return nil
}
