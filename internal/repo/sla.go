package repo

import (
	"context"
	"database/sql"
	"strings"

	"regline/internal/domain"
)

func (r Repo) ReplaceSLAConfigsTx(ctx context.Context, tx *sql.Tx, cycleID string, configs []domain.SLAConfig) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sla_configs WHERE cycle_id=?`, cycleID); err != nil {
		return err
	}
	for _, c := range configs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sla_configs(cycle_id,sla_type,sla_hours,warning_hours,business_hours_only,exclude_weekends,auto_escalate,interval_hours,active)
VALUES (?,?,?,?,?,?,?,?,?)`,
			cycleID, c.SLAType, c.SLAHours, c.WarningHours, c.BusinessHoursOnly, c.ExcludeWeekends, c.AutoEscalate, c.IntervalHours, c.Active); err != nil {
			return err
		}
	}
	return nil
}

func scanSLAConfig(scan func(dest ...any) error) (domain.SLAConfig, error) {
	var c domain.SLAConfig
	err := scan(&c.SLAType, &c.SLAHours, &c.WarningHours, &c.BusinessHoursOnly, &c.ExcludeWeekends, &c.AutoEscalate, &c.IntervalHours, &c.Active)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

const slaConfigCols = `sla_type,sla_hours,warning_hours,business_hours_only,exclude_weekends,auto_escalate,interval_hours,active`

func (r Repo) GetSLAConfig(ctx context.Context, cycleID, slaType string) (domain.SLAConfig, error) {
	return scanSLAConfig(r.DB.QueryRowContext(ctx, `SELECT `+slaConfigCols+` FROM sla_configs WHERE cycle_id=? AND sla_type=?`, cycleID, slaType).Scan)
}

func (r Repo) GetSLAConfigTx(ctx context.Context, tx *sql.Tx, cycleID, slaType string) (domain.SLAConfig, error) {
	return scanSLAConfig(tx.QueryRowContext(ctx, `SELECT `+slaConfigCols+` FROM sla_configs WHERE cycle_id=? AND sla_type=?`, cycleID, slaType).Scan)
}

func (r Repo) ListSLAConfigs(ctx context.Context, cycleID string) ([]domain.SLAConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+slaConfigCols+` FROM sla_configs WHERE cycle_id=? ORDER BY sla_type ASC`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLAConfig
	for rows.Next() {
		c, err := scanSLAConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ReplaceEscalationRulesTx(ctx context.Context, tx *sql.Tx, cycleID string, rules []domain.EscalationRule) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM escalation_rules WHERE cycle_id=?`, cycleID); err != nil {
		return err
	}
	for _, rule := range rules {
		if _, err := tx.ExecContext(ctx, `INSERT INTO escalation_rules(cycle_id,sla_type,escalation_order,hours_after_breach,escalate_to_role,escalate_to_user,notify_template)
VALUES (?,?,?,?,?,?,?)`,
			cycleID, rule.SLAType, rule.Order, rule.HoursAfterBreach, rule.EscalateToRole, nullable(rule.EscalateToUser), nullable(rule.NotifyTemplate)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListEscalationRules(ctx context.Context, cycleID, slaType string) ([]domain.EscalationRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,sla_type,escalation_order,hours_after_breach,escalate_to_role,escalate_to_user,notify_template
FROM escalation_rules WHERE cycle_id=? AND sla_type=? ORDER BY escalation_order ASC`, cycleID, slaType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationRule
	for rows.Next() {
		var rule domain.EscalationRule
		var user, tmpl sql.NullString
		if err := rows.Scan(&rule.ID, &rule.SLAType, &rule.Order, &rule.HoursAfterBreach, &rule.EscalateToRole, &user, &tmpl); err != nil {
			return nil, err
		}
		if user.Valid {
			rule.EscalateToUser = user.String
		}
		if tmpl.Valid {
			rule.NotifyTemplate = tmpl.String
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

const violationCols = `id,cycle_id,report_id,phase_id,activity_id,sla_type,started_at,due_at,warn_at,warned,is_violated,violation_hours,escalation_level,escalation_count,manual_intervention,resolved,resolved_at,resolution,created_at,updated_at`

func scanViolation(scan func(dest ...any) error) (domain.SLAViolation, error) {
	var v domain.SLAViolation
	var warnAt, resolvedAt, resolution sql.NullString
	err := scan(&v.ID, &v.CycleID, &v.ReportID, &v.PhaseID, &v.ActivityID, &v.SLAType, &v.StartedAt, &v.DueAt, &warnAt,
		&v.Warned, &v.IsViolated, &v.ViolationHours, &v.EscalationLevel, &v.EscalationCount, &v.ManualIntervention,
		&v.Resolved, &resolvedAt, &resolution, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if warnAt.Valid {
		v.WarnAt = warnAt.String
	}
	if resolvedAt.Valid {
		v.ResolvedAt = &resolvedAt.String
	}
	if resolution.Valid {
		v.Resolution = resolution.String
	}
	return v, nil
}

func (r Repo) GetViolation(ctx context.Context, id string) (domain.SLAViolation, error) {
	return scanViolation(r.DB.QueryRowContext(ctx, `SELECT `+violationCols+` FROM sla_violations WHERE id=?`, id).Scan)
}

type ViolationFilters struct {
	CycleID    string
	ReportID   string
	ActivityID string
	Open       bool
	Violated   bool
	Limit      int
}

func (r Repo) ListViolations(ctx context.Context, f ViolationFilters) ([]domain.SLAViolation, error) {
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
	if f.Open {
		clauses = append(clauses, "resolved=0")
	}
	if f.Violated {
		clauses = append(clauses, "is_violated=1")
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + violationCols + ` FROM sla_violations ` + where + ` ORDER BY due_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLAViolation
	for rows.Next() {
		v, err := scanViolation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// MarkWarned flips the warned flag exactly once per violation.
func (r Repo) MarkWarned(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE sla_violations SET warned=1, updated_at=? WHERE id=? AND warned=0 AND resolved=0`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkViolated records the breach, returning true only the first time the
// row trips so the raise event fires once.
func (r Repo) MarkViolated(ctx context.Context, id string, hours float64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE sla_violations SET is_violated=1, violation_hours=?, updated_at=? WHERE id=? AND is_violated=0 AND resolved=0`, hours, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE sla_violations SET violation_hours=?, updated_at=? WHERE id=? AND resolved=0`, hours, now, id)
	return false, err
}

// AdvanceEscalationLevelTx bumps the level only when the stored level still
// matches the expected prior one. Losing the race returns false with no
// side effects.
func (r Repo) AdvanceEscalationLevelTx(ctx context.Context, tx *sql.Tx, id string, fromLevel, toLevel int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sla_violations SET escalation_level=?, escalation_count=escalation_count+1, updated_at=?
WHERE id=? AND escalation_level=? AND resolved=0`, toLevel, now, id, fromLevel)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetManualIntervention marks the terminal post-ladder state exactly once.
func (r Repo) SetManualIntervention(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE sla_violations SET manual_intervention=1, updated_at=? WHERE id=? AND manual_intervention=0 AND resolved=0`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ResolveViolationTx(ctx context.Context, tx *sql.Tx, id, resolution, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sla_violations SET resolved=1, resolved_at=?, resolution=?, updated_at=? WHERE id=? AND resolved=0`,
		now, resolution, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResolveViolationsForActivityTx closes every open violation row for the
// activity and returns their ids.
func (r Repo) ResolveViolationsForActivityTx(ctx context.Context, tx *sql.Tx, activityID, resolution, now string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM sla_violations WHERE activity_id=? AND resolved=0`, activityID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.ResolveViolationTx(ctx, tx, id, resolution, now); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r Repo) InsertEscalationLogTx(ctx context.Context, tx *sql.Tx, e domain.EscalationLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sla_escalation_log(violation_id,level,hours_after_breach,notified_role,notified_user,assignment_id,notification_id,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ViolationID, e.Level, e.HoursAfterBreach, nullable(e.NotifiedRole), nullable(e.NotifiedUser), nullable(e.AssignmentID), nullable(e.NotificationID), e.CreatedAt)
	return err
}

func (r Repo) ListEscalationLog(ctx context.Context, violationID string) ([]domain.EscalationLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,violation_id,level,hours_after_breach,notified_role,notified_user,assignment_id,notification_id,created_at
FROM sla_escalation_log WHERE violation_id=? ORDER BY level ASC`, violationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationLogEntry
	for rows.Next() {
		var e domain.EscalationLogEntry
		var role, user, assignment, notification sql.NullString
		if err := rows.Scan(&e.ID, &e.ViolationID, &e.Level, &e.HoursAfterBreach, &role, &user, &assignment, &notification, &e.CreatedAt); err != nil {
			return nil, err
		}
		if role.Valid {
			e.NotifiedRole = role.String
		}
		if user.Valid {
			e.NotifiedUser = user.String
		}
		if assignment.Valid {
			e.AssignmentID = assignment.String
		}
		if notification.Valid {
			e.NotificationID = notification.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
