package repo

import (
	"context"
	"database/sql"
	"strings"

	"regline/internal/domain"
)

const assignmentCols = `id,cycle_id,report_id,from_actor,to_role,to_actor,type,context_json,status,due_at,created_at,updated_at,completed_at`

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CycleID, a.ReportID, a.FromActor, nullable(a.ToRole), nullable(a.ToActor), a.Type,
		nullable(a.ContextJSON), a.Status, nullableStringPtr(a.DueAt), a.CreatedAt, a.UpdatedAt,
		nullableStringPtr(a.CompletedAt))
	return err
}

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var toRole, toActor, contextJSON, dueAt, completedAt sql.NullString
	err := scan(&a.ID, &a.CycleID, &a.ReportID, &a.FromActor, &toRole, &toActor, &a.Type,
		&contextJSON, &a.Status, &dueAt, &a.CreatedAt, &a.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if toRole.Valid {
		a.ToRole = toRole.String
	}
	if toActor.Valid {
		a.ToActor = toActor.String
	}
	if contextJSON.Valid {
		a.ContextJSON = contextJSON.String
	}
	if dueAt.Valid {
		a.DueAt = &dueAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id).Scan)
}

type AssignmentFilters struct {
	CycleID  string
	ReportID string
	ToRole   string
	ToActor  string
	Status   string
	Type     string
	Limit    int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
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
	if f.ToRole != "" {
		clauses = append(clauses, "to_role=?")
		args = append(args, f.ToRole)
	}
	if f.ToActor != "" {
		clauses = append(clauses, "to_actor=?")
		args = append(args, f.ToActor)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	query := `SELECT ` + assignmentCols + ` FROM assignments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAssignmentStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	var completedAt any
	if status == "completed" {
		completedAt = now
	}
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, completed_at=?, updated_at=? WHERE id=?`,
		status, completedAt, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
