package repo

import (
	"context"
	"database/sql"
	"strings"

	"regline/internal/domain"
)

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(id,cycle_id,report_id,name,seq,status,blocked_reason,started_at,ended_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CycleID, p.ReportID, p.Name, p.Seq, p.Status, nullable(p.BlockedReason),
		nullableStringPtr(p.StartedAt), nullableStringPtr(p.EndedAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, blocked_reason=?, started_at=?, ended_at=?, updated_at=? WHERE id=?`,
		p.Status, nullable(p.BlockedReason), nullableStringPtr(p.StartedAt), nullableStringPtr(p.EndedAt), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddPhaseDependencyTx(ctx context.Context, tx *sql.Tx, phaseID, dependsOnID string, optional bool) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO phase_dependencies(phase_id, depends_on_id, optional) VALUES (?,?,?)`,
		phaseID, dependsOnID, optional)
	return err
}

func scanPhase(scan func(dest ...any) error) (domain.Phase, error) {
	var p domain.Phase
	var blocked, startedAt, endedAt sql.NullString
	err := scan(&p.ID, &p.CycleID, &p.ReportID, &p.Name, &p.Seq, &p.Status, &blocked, &startedAt, &endedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if blocked.Valid {
		p.BlockedReason = blocked.String
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.String
	}
	if endedAt.Valid {
		p.EndedAt = &endedAt.String
	}
	return p, nil
}

const phaseCols = `id,cycle_id,report_id,name,seq,status,blocked_reason,started_at,ended_at,created_at,updated_at`

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	p, err := scanPhase(r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id).Scan)
	if err != nil {
		return p, err
	}
	p.DependsOn, err = r.listPhaseDeps(ctx, nil, id)
	return p, err
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Phase, error) {
	p, err := scanPhase(tx.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id).Scan)
	if err != nil {
		return p, err
	}
	p.DependsOn, err = r.listPhaseDeps(ctx, tx, id)
	return p, err
}

func (r Repo) GetPhaseByName(ctx context.Context, cycleID, reportID, name string) (domain.Phase, error) {
	p, err := scanPhase(r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE cycle_id=? AND report_id=? AND name=?`, cycleID, reportID, name).Scan)
	if err != nil {
		return p, err
	}
	p.DependsOn, err = r.listPhaseDeps(ctx, nil, p.ID)
	return p, err
}

func (r Repo) GetPhaseByNameTx(ctx context.Context, tx *sql.Tx, cycleID, reportID, name string) (domain.Phase, error) {
	p, err := scanPhase(tx.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE cycle_id=? AND report_id=? AND name=?`, cycleID, reportID, name).Scan)
	if err != nil {
		return p, err
	}
	p.DependsOn, err = r.listPhaseDeps(ctx, tx, p.ID)
	return p, err
}

func (r Repo) ListPhases(ctx context.Context, cycleID, reportID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE cycle_id=? AND report_id=? ORDER BY seq ASC`, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.listPhaseDeps(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) listPhaseDeps(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.PhaseDependency, error) {
	query := `SELECT p.name, d.optional FROM phase_dependencies d JOIN phases p ON p.id=d.depends_on_id WHERE d.phase_id=? ORDER BY p.seq ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, phaseID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, phaseID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []domain.PhaseDependency
	for rows.Next() {
		var d domain.PhaseDependency
		if err := rows.Scan(&d.DependsOn, &d.Optional); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// IncompletePhaseDepsTx returns names of required predecessor phases that are
// not complete yet.
func (r Repo) IncompletePhaseDepsTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT p.name FROM phase_dependencies d
JOIN phases p ON p.id=d.depends_on_id
WHERE d.phase_id=? AND d.optional=0 AND p.status != 'complete'
ORDER BY p.seq ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (r Repo) InsertActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(id,cycle_id,report_id,phase_id,name,activity_type,order_idx,is_manual,is_optional,sla_type,requires_version,status,blocked_reason,started_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CycleID, a.ReportID, a.PhaseID, a.Name, a.Type, a.OrderIdx, a.IsManual, a.IsOptional,
		nullable(a.SLAType), nullable(a.RequiresVersion), a.Status, nullable(a.BlockedReason),
		nullableStringPtr(a.StartedAt), nullableStringPtr(a.CompletedAt), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET status=?, is_optional=?, blocked_reason=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		a.Status, a.IsOptional, nullable(a.BlockedReason), nullableStringPtr(a.StartedAt), nullableStringPtr(a.CompletedAt), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddActivityDependencyTx(ctx context.Context, tx *sql.Tx, activityID, dependsOnID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO activity_dependencies(activity_id, depends_on_id) VALUES (?,?)`,
		activityID, dependsOnID)
	return err
}

const activityCols = `id,cycle_id,report_id,phase_id,name,activity_type,order_idx,is_manual,is_optional,sla_type,requires_version,status,blocked_reason,started_at,completed_at,created_at,updated_at`

func scanActivity(scan func(dest ...any) error) (domain.Activity, error) {
	var a domain.Activity
	var slaType, requires, blocked, startedAt, completedAt sql.NullString
	err := scan(&a.ID, &a.CycleID, &a.ReportID, &a.PhaseID, &a.Name, &a.Type, &a.OrderIdx, &a.IsManual, &a.IsOptional,
		&slaType, &requires, &a.Status, &blocked, &startedAt, &completedAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if slaType.Valid {
		a.SLAType = slaType.String
	}
	if requires.Valid {
		a.RequiresVersion = requires.String
	}
	if blocked.Valid {
		a.BlockedReason = blocked.String
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return a, nil
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	a, err := scanActivity(r.DB.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE id=?`, id).Scan)
	if err != nil {
		return a, err
	}
	a.DependsOn, err = r.listActivityDeps(ctx, nil, id)
	return a, err
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	a, err := scanActivity(tx.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE id=?`, id).Scan)
	if err != nil {
		return a, err
	}
	a.DependsOn, err = r.listActivityDeps(ctx, tx, id)
	return a, err
}

func (r Repo) listActivityDeps(ctx context.Context, tx *sql.Tx, activityID string) ([]string, error) {
	query := `SELECT depends_on_id FROM activity_dependencies WHERE activity_id=?`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, activityID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, activityID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

type ActivityFilters struct {
	CycleID  string
	ReportID string
	PhaseID  string
	Status   string
	Type     string
	Limit    int
}

func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CycleID != "" {
		clauses = append(clauses, "a.cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.ReportID != "" {
		clauses = append(clauses, "a.report_id=?")
		args = append(args, f.ReportID)
	}
	if f.PhaseID != "" {
		clauses = append(clauses, "a.phase_id=?")
		args = append(args, f.PhaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "a.status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "a.activity_type=?")
		args = append(args, f.Type)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	cols := make([]string, 0, 17)
	for _, c := range strings.Split(activityCols, ",") {
		cols = append(cols, "a."+c)
	}
	query := `SELECT ` + strings.Join(cols, ",") + ` FROM activities a JOIN phases p ON p.id=a.phase_id ` + where + ` ORDER BY p.seq ASC, a.order_idx ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.listActivityDeps(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

// PrevActivityTx returns the activity with the highest order index below
// orderIdx in the same phase, the implicit predecessor when no explicit
// dependency edges exist.
func (r Repo) PrevActivityTx(ctx context.Context, tx *sql.Tx, phaseID string, orderIdx int) (domain.Activity, error) {
	return scanActivity(tx.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE phase_id=? AND order_idx<? ORDER BY order_idx DESC LIMIT 1`,
		phaseID, orderIdx).Scan)
}

// IncompleteActivityDepsTx returns ids of explicit dependencies that are not
// complete.
func (r Repo) IncompleteActivityDepsTx(ctx context.Context, tx *sql.Tx, activityID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT d.depends_on_id FROM activity_dependencies d
JOIN activities a ON a.id=d.depends_on_id
WHERE d.activity_id=? AND a.status != 'complete'`, activityID)
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

// CountIncompleteRequiredTx counts non-optional activities in the phase that
// have not completed.
func (r Repo) CountIncompleteRequiredTx(ctx context.Context, tx *sql.Tx, phaseID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE phase_id=? AND is_optional=0 AND status != 'complete'`, phaseID).Scan(&n)
	return n, err
}
