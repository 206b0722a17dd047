package repo

import (
	"context"

	"testpool/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,actor_id,type,payload_json,read,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.ActorID, n.Type, n.Payload, boolToInt(n.Read), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, actorID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,actor_id,type,payload_json,read,created_at FROM notifications WHERE actor_id=?`
	args := []any{actorID}
	if unreadOnly {
		query += ` AND read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.ActorID, &n.Type, &n.Payload, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Read = read != 0
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, id, actorID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=? AND actor_id=?`, id, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
