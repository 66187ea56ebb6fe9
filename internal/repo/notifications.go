package repo

import (
	"context"
	"database/sql"

	"regline/internal/domain"
)

const notificationCols = `id,cycle_id,report_id,recipient_role,recipient_actor,template_key,context_json,status,attempts,error,created_at,sent_at`

func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(`+notificationCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.CycleID, nullable(n.ReportID), nullable(n.RecipientRole), nullable(n.RecipientActor),
		n.TemplateKey, nullable(n.ContextJSON), n.Status, n.Attempts, nullable(n.Error),
		n.CreatedAt, nullableStringPtr(n.SentAt))
	return err
}

func scanNotification(scan func(dest ...any) error) (domain.Notification, error) {
	var n domain.Notification
	var reportID, role, actor, contextJSON, errStr, sentAt sql.NullString
	err := scan(&n.ID, &n.CycleID, &reportID, &role, &actor, &n.TemplateKey, &contextJSON,
		&n.Status, &n.Attempts, &errStr, &n.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if reportID.Valid {
		n.ReportID = reportID.String
	}
	if role.Valid {
		n.RecipientRole = role.String
	}
	if actor.Valid {
		n.RecipientActor = actor.String
	}
	if contextJSON.Valid {
		n.ContextJSON = contextJSON.String
	}
	if errStr.Valid {
		n.Error = errStr.String
	}
	if sentAt.Valid {
		n.SentAt = &sentAt.String
	}
	return n, nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id=?`, id).Scan)
}

func (r Repo) ListQueuedNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+notificationCols+` FROM notifications
WHERE status='queued' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) ListNotifications(ctx context.Context, cycleID, status string, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationCols + ` FROM notifications WHERE cycle_id=?`
	args := []any{cycleID}
	if status != "" {
		query += " AND status=?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationSent(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status='sent', attempts=attempts+1, error=NULL, sent_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkNotificationFailed(ctx context.Context, id, errMsg string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status='failed', attempts=attempts+1, error=? WHERE id=?`, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueNotification puts a failed notification back on the queue.
func (r Repo) RequeueNotification(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status='queued', error=NULL WHERE id=? AND status='failed'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
