package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"regline/internal/domain"
)

const executionCols = `id,cycle_id,report_id,activity_id,policy_type,status,attempt,max_attempts,next_attempt_at,last_error,last_error_type,payload_json,created_at,updated_at`

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(`+executionCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.CycleID, e.ReportID, e.ActivityID, e.PolicyType, e.Status, e.Attempt, e.MaxAttempts,
		e.NextAttemptAt, nullable(e.LastError), nullable(e.LastErrorType), nullable(e.PayloadJSON),
		e.CreatedAt, e.UpdatedAt)
	return err
}

func scanExecution(scan func(dest ...any) error) (domain.Execution, error) {
	var e domain.Execution
	var lastErr, lastErrType, payload sql.NullString
	err := scan(&e.ID, &e.CycleID, &e.ReportID, &e.ActivityID, &e.PolicyType, &e.Status, &e.Attempt, &e.MaxAttempts,
		&e.NextAttemptAt, &lastErr, &lastErrType, &payload, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if lastErr.Valid {
		e.LastError = lastErr.String
	}
	if lastErrType.Valid {
		e.LastErrorType = lastErrType.String
	}
	if payload.Valid {
		e.PayloadJSON = payload.String
	}
	return e, nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id).Scan)
}

type ExecutionFilters struct {
	CycleID    string
	ReportID   string
	ActivityID string
	Status     string
	Limit      int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.ReportID != "" {
		clauses = append(clauses, "report_id=?")
		args = append(args, f.ReportID)
	}
	if f.ActivityID != "" {
		clauses = append(clauses, "activity_id=?")
		args = append(args, f.ActivityID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + executionCols + ` FROM executions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DueExecutionIDs returns executions whose scheduled attempt time has
// passed, oldest first.
func (r Repo) DueExecutionIDs(ctx context.Context, now string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM executions
WHERE status IN ('pending','retry_scheduled') AND next_attempt_at<=?
ORDER BY next_attempt_at ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimExecution moves a due execution to running and bumps the attempt
// counter. Only one caller wins; the rest see false.
func (r Repo) ClaimExecution(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE executions SET status='running', attempt=attempt+1, updated_at=?
WHERE id=? AND status IN ('pending','retry_scheduled') AND next_attempt_at<=?`, now, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) MarkExecutionSucceededTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status='succeeded', last_error=NULL, last_error_type=NULL, updated_at=?
WHERE id=? AND status='running'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ScheduleRetryTx(ctx context.Context, tx *sql.Tx, id, nextAt, errType, errMsg, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status='retry_scheduled', next_attempt_at=?, last_error=?, last_error_type=?, updated_at=?
WHERE id=? AND status='running'`, nextAt, errMsg, errType, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) MarkCompensationRequiredTx(ctx context.Context, tx *sql.Tx, id, errType, errMsg, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status='compensation_required', last_error=?, last_error_type=?, updated_at=?
WHERE id=? AND status='running'`, errMsg, errType, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) MarkCompensatedTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status='compensated', updated_at=?
WHERE id=? AND status='compensation_required'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelExecutionTx withdraws an execution that has not finished. A running
// attempt cannot be interrupted; it is cancelled when it next reschedules.
func (r Repo) CancelExecutionTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status='cancelled', updated_at=?
WHERE id=? AND status IN ('pending','retry_scheduled')`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelClaimedTx drops a claimed execution whose work turned out to be
// moot, e.g. the activity completed while the attempt was queued.
func (r Repo) CancelClaimedTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status='cancelled', updated_at=?
WHERE id=? AND status='running'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BumpExecution makes a pending or scheduled execution due immediately.
func (r Repo) BumpExecution(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE executions SET next_attempt_at=?, updated_at=?
WHERE id=? AND status IN ('pending','retry_scheduled')`, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) InsertRetryLogTx(ctx context.Context, tx *sql.Tx, e domain.RetryLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO retry_log(execution_id,attempt_number,success,error_type,error_message,duration_ms,retry_after_seconds,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ExecutionID, e.AttemptNumber, e.Success, nullable(e.ErrorType), nullable(e.ErrorMessage), e.DurationMS, e.RetryAfterSec, e.CreatedAt)
	return err
}

func (r Repo) ListRetryLog(ctx context.Context, executionID string) ([]domain.RetryLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,execution_id,attempt_number,success,error_type,error_message,duration_ms,retry_after_seconds,created_at
FROM retry_log WHERE execution_id=? ORDER BY attempt_number ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RetryLogEntry
	for rows.Next() {
		var e domain.RetryLogEntry
		var errType, errMsg sql.NullString
		var retryAfter sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.AttemptNumber, &e.Success, &errType, &errMsg, &e.DurationMS, &retryAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		if errType.Valid {
			e.ErrorType = errType.String
		}
		if errMsg.Valid {
			e.ErrorMessage = errMsg.String
		}
		if retryAfter.Valid {
			e.RetryAfterSec = retryAfter.Float64
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertCompensationLogTx(ctx context.Context, tx *sql.Tx, e domain.CompensationLogEntry) error {
	phases, err := json.Marshal(e.PhasesRolledBack)
	if err != nil {
		return err
	}
	notifications, err := json.Marshal(e.Notifications)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO compensation_log(execution_id,action,success,phases_json,notifications_json,manual_intervention,error,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ExecutionID, e.Action, e.Success, string(phases), string(notifications), e.ManualIntervention, nullable(e.Error), e.CreatedAt)
	return err
}

func (r Repo) ListCompensationLog(ctx context.Context, executionID string) ([]domain.CompensationLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,execution_id,action,success,phases_json,notifications_json,manual_intervention,error,created_at
FROM compensation_log WHERE execution_id=? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompensationLogEntry
	for rows.Next() {
		var e domain.CompensationLogEntry
		var phases, notifications, errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Action, &e.Success, &phases, &notifications, &e.ManualIntervention, &errStr, &e.CreatedAt); err != nil {
			return nil, err
		}
		if phases.Valid && phases.String != "" {
			if err := json.Unmarshal([]byte(phases.String), &e.PhasesRolledBack); err != nil {
				return nil, err
			}
		}
		if notifications.Valid && notifications.String != "" {
			if err := json.Unmarshal([]byte(notifications.String), &e.Notifications); err != nil {
				return nil, err
			}
		}
		if errStr.Valid {
			e.Error = errStr.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
