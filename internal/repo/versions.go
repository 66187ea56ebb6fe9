package repo

import (
	"context"
	"database/sql"
	"strings"

	"regline/internal/domain"
)

const versionCols = `id,cycle_id,report_id,phase_id,scope_kind,version_number,status,created_by,submitted_by,submitted_at,reviewed_by,reviewed_at,review_notes,prior_version_id,created_at,updated_at`

func (r Repo) InsertVersionTx(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO versions(`+versionCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.CycleID, v.ReportID, v.PhaseID, v.ScopeKind, v.VersionNumber, v.Status, v.CreatedBy,
		nullableStringPtr(v.SubmittedBy), nullableStringPtr(v.SubmittedAt),
		nullableStringPtr(v.ReviewedBy), nullableStringPtr(v.ReviewedAt),
		nullable(v.ReviewNotes), nullableStringPtr(v.PriorVersionID), v.CreatedAt, v.UpdatedAt)
	return err
}

func scanVersion(scan func(dest ...any) error) (domain.Version, error) {
	var v domain.Version
	var submittedBy, submittedAt, reviewedBy, reviewedAt, notes, priorID sql.NullString
	err := scan(&v.ID, &v.CycleID, &v.ReportID, &v.PhaseID, &v.ScopeKind, &v.VersionNumber, &v.Status, &v.CreatedBy,
		&submittedBy, &submittedAt, &reviewedBy, &reviewedAt, &notes, &priorID, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if submittedBy.Valid {
		v.SubmittedBy = &submittedBy.String
	}
	if submittedAt.Valid {
		v.SubmittedAt = &submittedAt.String
	}
	if reviewedBy.Valid {
		v.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		v.ReviewedAt = &reviewedAt.String
	}
	if notes.Valid {
		v.ReviewNotes = notes.String
	}
	if priorID.Valid {
		v.PriorVersionID = &priorID.String
	}
	return v, nil
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.Version, error) {
	return scanVersion(r.DB.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE id=?`, id).Scan)
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Version, error) {
	return scanVersion(tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE id=?`, id).Scan)
}

type VersionFilters struct {
	CycleID   string
	ReportID  string
	PhaseID   string
	ScopeKind string
	Status    string
	Limit     int
}

func (r Repo) ListVersions(ctx context.Context, f VersionFilters) ([]domain.Version, error) {
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
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	if f.ScopeKind != "" {
		clauses = append(clauses, "scope_kind=?")
		args = append(args, f.ScopeKind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + versionCols + ` FROM versions ` + where + ` ORDER BY version_number DESC, created_at DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// NextVersionNumberTx returns max(version_number)+1 for the scope. Numbers
// are never reused, abandoned drafts included.
func (r Repo) NextVersionNumberTx(ctx context.Context, tx *sql.Tx, phaseID, scopeKind string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM versions WHERE phase_id=? AND scope_kind=?`, phaseID, scopeKind).Scan(&n)
	return n, err
}

func (r Repo) DraftVersionTx(ctx context.Context, tx *sql.Tx, phaseID, scopeKind string) (domain.Version, error) {
	return scanVersion(tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? AND scope_kind=? AND status='draft'`, phaseID, scopeKind).Scan)
}

func (r Repo) PendingVersionTx(ctx context.Context, tx *sql.Tx, phaseID, scopeKind string) (domain.Version, error) {
	return scanVersion(tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? AND scope_kind=? AND status='pending_approval'`, phaseID, scopeKind).Scan)
}

func (r Repo) ApprovedVersionTx(ctx context.Context, tx *sql.Tx, phaseID, scopeKind string) (domain.Version, error) {
	return scanVersion(tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE phase_id=? AND scope_kind=? AND status='approved'`, phaseID, scopeKind).Scan)
}

// SubmitVersionTx flips a draft to pending_approval only while no other
// version of the scope is pending. Returns false when the guarded update did
// not apply; the caller decides which failure it was.
func (r Repo) SubmitVersionTx(ctx context.Context, tx *sql.Tx, id, actorID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET status='pending_approval', submitted_by=?, submitted_at=?, updated_at=?
WHERE id=? AND status='draft' AND NOT EXISTS (
    SELECT 1 FROM versions v2
    WHERE v2.phase_id=versions.phase_id AND v2.scope_kind=versions.scope_kind AND v2.status='pending_approval'
)`, actorID, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ApproveVersionTx flips pending_approval to approved; the guard fails when
// the version is no longer the pending one.
func (r Repo) ApproveVersionTx(ctx context.Context, tx *sql.Tx, id, actorID, notes, priorID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET status='approved', reviewed_by=?, reviewed_at=?, review_notes=?, prior_version_id=?, updated_at=?
WHERE id=? AND status='pending_approval'`, actorID, now, nullable(notes), nullable(priorID), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) RejectVersionTx(ctx context.Context, tx *sql.Tx, id, actorID, notes, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET status='rejected', reviewed_by=?, reviewed_at=?, review_notes=?, updated_at=?
WHERE id=? AND status='pending_approval'`, actorID, now, nullable(notes), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) AbandonVersionTx(ctx context.Context, tx *sql.Tx, id, actorID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET status='rejected', reviewed_by=?, reviewed_at=?, review_notes='abandoned', updated_at=?
WHERE id=? AND status='draft'`, actorID, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SupersedeVersionTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET status='superseded', updated_at=? WHERE id=? AND status='approved'`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const decisionCols = `id,version_id,entity_ref,tester_decision,tester_rationale,tester_actor,tester_at,owner_decision,owner_notes,owner_actor,owner_at,override_decision,override_reason,override_actor,override_at,effective_outcome,created_at,updated_at`

func (r Repo) UpsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,version_id,entity_ref,tester_decision,tester_rationale,tester_actor,tester_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(version_id, entity_ref) DO UPDATE SET
    tester_decision=excluded.tester_decision,
    tester_rationale=excluded.tester_rationale,
    tester_actor=excluded.tester_actor,
    tester_at=excluded.tester_at,
    updated_at=excluded.updated_at`,
		d.ID, d.VersionID, d.EntityRef, d.TesterDecision, nullable(d.TesterRationale), d.TesterActor, d.TesterAt, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDecision(scan func(dest ...any) error) (domain.Decision, error) {
	var d domain.Decision
	var testerRationale, ownerDecision, ownerNotes, ownerActor, ownerAt sql.NullString
	var overrideDecision, overrideReason, overrideActor, overrideAt, effective sql.NullString
	err := scan(&d.ID, &d.VersionID, &d.EntityRef, &d.TesterDecision, &testerRationale, &d.TesterActor, &d.TesterAt,
		&ownerDecision, &ownerNotes, &ownerActor, &ownerAt,
		&overrideDecision, &overrideReason, &overrideActor, &overrideAt, &effective, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if testerRationale.Valid {
		d.TesterRationale = testerRationale.String
	}
	if ownerDecision.Valid {
		d.OwnerDecision = &ownerDecision.String
	}
	if ownerNotes.Valid {
		d.OwnerNotes = ownerNotes.String
	}
	if ownerActor.Valid {
		d.OwnerActor = &ownerActor.String
	}
	if ownerAt.Valid {
		d.OwnerAt = &ownerAt.String
	}
	if overrideDecision.Valid {
		d.OverrideDecision = &overrideDecision.String
	}
	if overrideReason.Valid {
		d.OverrideReason = overrideReason.String
	}
	if overrideActor.Valid {
		d.OverrideActor = &overrideActor.String
	}
	if overrideAt.Valid {
		d.OverrideAt = &overrideAt.String
	}
	if effective.Valid {
		d.EffectiveOutcome = effective.String
	}
	return d, nil
}

func (r Repo) GetDecisionTx(ctx context.Context, tx *sql.Tx, versionID, entityRef string) (domain.Decision, error) {
	return scanDecision(tx.QueryRowContext(ctx, `SELECT `+decisionCols+` FROM decisions WHERE version_id=? AND entity_ref=?`, versionID, entityRef).Scan)
}

func (r Repo) ListDecisions(ctx context.Context, versionID string) ([]domain.Decision, error) {
	return r.listDecisions(ctx, nil, versionID)
}

func (r Repo) ListDecisionsTx(ctx context.Context, tx *sql.Tx, versionID string) ([]domain.Decision, error) {
	return r.listDecisions(ctx, tx, versionID)
}

func (r Repo) listDecisions(ctx context.Context, tx *sql.Tx, versionID string) ([]domain.Decision, error) {
	query := `SELECT ` + decisionCols + ` FROM decisions WHERE version_id=? ORDER BY entity_ref ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, versionID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, versionID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountDecisionsTx(ctx context.Context, tx *sql.Tx, versionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions WHERE version_id=?`, versionID).Scan(&n)
	return n, err
}

func (r Repo) SetOwnerDecisionTx(ctx context.Context, tx *sql.Tx, versionID, entityRef, decision, notes, actorID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET owner_decision=?, owner_notes=?, owner_actor=?, owner_at=?, updated_at=?
WHERE version_id=? AND entity_ref=?`, decision, nullable(notes), actorID, now, now, versionID, entityRef)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetOverrideTx(ctx context.Context, tx *sql.Tx, versionID, entityRef, decision, reason, actorID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET override_decision=?, override_reason=?, override_actor=?, override_at=?, updated_at=?
WHERE version_id=? AND entity_ref=?`, decision, nullable(reason), actorID, now, now, versionID, entityRef)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetEffectiveOutcomeTx(ctx context.Context, tx *sql.Tx, decisionID, outcome, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE decisions SET effective_outcome=?, updated_at=? WHERE id=?`, outcome, now, decisionID)
	return err
}
