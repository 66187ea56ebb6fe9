package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"regline/internal/domain"
	"regline/internal/events"
	"regline/internal/repo"
)

// StartActivity moves an activity from not_started to in_progress once its
// phase and ordering preconditions hold, starting the phase and opening SLA
// tracking as side effects.
func (e Engine) StartActivity(ctx context.Context, activityID, actorID string, force bool) (domain.Activity, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return a, err
	}
	cfg, err := e.cycleConfig(ctx, a.CycleID)
	if err != nil {
		return a, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	a, err = e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	switch a.Status {
	case "in_progress", "complete":
		return a, fmt.Errorf("%w: activity %s is %s", ErrAlreadyStarted, a.Name, a.Status)
	case "blocked":
		return a, fmt.Errorf("%w: activity %s is blocked (%s); unblock it first", ErrPreconditionNotMet, a.Name, a.BlockedReason)
	}
	phase, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
	if err != nil {
		return a, err
	}
	if !force {
		if phase.Status == "blocked" {
			return a, fmt.Errorf("%w: phase %s is blocked (%s)", ErrPreconditionNotMet, phase.Name, phase.BlockedReason)
		}
		incomplete, err := e.Repo.IncompletePhaseDepsTx(ctx, tx, a.PhaseID)
		if err != nil {
			return a, err
		}
		if len(incomplete) > 0 {
			return a, fmt.Errorf("%w: phase %s waits on %s", ErrPreconditionNotMet, phase.Name, strings.Join(incomplete, ", "))
		}
		if err := e.ensureActivityOrder(ctx, tx, a); err != nil {
			return a, err
		}
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	a.Status = "in_progress"
	a.BlockedReason = ""
	a.StartedAt = &nowStr
	a.UpdatedAt = nowStr
	if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
		return a, err
	}
	if phase.Status == "not_started" {
		phase.Status = "in_progress"
		phase.StartedAt = &nowStr
		phase.UpdatedAt = nowStr
		if err := e.Repo.UpdatePhaseTx(ctx, tx, phase); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, events.PhaseStarted, a.CycleID, a.ReportID, "phase", phase.ID, actorID, events.EventPayload{"phase": phase.Name}); err != nil {
			return a, err
		}
	}
	if a.SLAType != "" {
		if err := e.openSLATrackingTx(ctx, tx, cfg, a, now); err != nil {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ActivityStarted, a.CycleID, a.ReportID, "activity", a.ID, actorID, events.EventPayload{
		"phase": phase.Name, "activity": a.Name,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ensureActivityOrder enforces in-phase ordering. Explicit dependencies win;
// otherwise the nearest required predecessor by order_idx must be complete.
func (e Engine) ensureActivityOrder(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	incomplete, err := e.Repo.IncompleteActivityDepsTx(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	if len(incomplete) > 0 {
		return fmt.Errorf("%w: activity %s waits on %s", ErrPreconditionNotMet, a.Name, strings.Join(incomplete, ", "))
	}
	if len(a.DependsOn) > 0 {
		return nil
	}
	orderIdx := a.OrderIdx
	for {
		prev, err := e.Repo.PrevActivityTx(ctx, tx, a.PhaseID, orderIdx)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if prev.Status == "complete" {
			return nil
		}
		if prev.IsOptional {
			orderIdx = prev.OrderIdx
			continue
		}
		return fmt.Errorf("%w: activity %s waits on %s", ErrPreconditionNotMet, a.Name, prev.Name)
	}
}

// CompleteActivity finishes an in-progress activity, resolving its SLA
// tracking and completing the phase when nothing required remains.
func (e Engine) CompleteActivity(ctx context.Context, activityID, actorID string, force bool) (domain.Activity, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return a, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	a, err = e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	if a.Status != "in_progress" {
		return a, fmt.Errorf("%w: activity %s is %s, not in_progress", ErrNotStarted, a.Name, a.Status)
	}
	if a.RequiresVersion != "" && !force {
		if _, err := e.Repo.ApprovedVersionTx(ctx, tx, a.PhaseID, a.RequiresVersion); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return a, fmt.Errorf("%w: activity %s needs an approved %s version", ErrPreconditionNotMet, a.Name, a.RequiresVersion)
			}
			return a, err
		}
	}

	nowStr := e.nowStr()
	a.Status = "complete"
	a.CompletedAt = &nowStr
	a.UpdatedAt = nowStr
	if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
		return a, err
	}
	resolved, err := e.Repo.ResolveViolationsForActivityTx(ctx, tx, a.ID, "activity_completed", nowStr)
	if err != nil {
		return a, err
	}
	for _, violationID := range resolved {
		if err := e.Events.Append(ctx, tx, events.ViolationResolved, a.CycleID, a.ReportID, "sla_violation", violationID, actorID, events.EventPayload{
			"resolution": "activity_completed",
		}); err != nil {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ActivityCompleted, a.CycleID, a.ReportID, "activity", a.ID, actorID, events.EventPayload{
		"activity": a.Name,
	}); err != nil {
		return a, err
	}
	if _, err := e.completePhaseIfDoneTx(ctx, tx, a.PhaseID, actorID, nowStr); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// completePhaseIfDoneTx marks the phase complete when every required
// activity in it is complete.
func (e Engine) completePhaseIfDoneTx(ctx context.Context, tx *sql.Tx, phaseID, actorID, nowStr string) (bool, error) {
	phase, err := e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return false, err
	}
	if phase.Status == "complete" || phase.Status == "blocked" {
		return false, nil
	}
	remaining, err := e.Repo.CountIncompleteRequiredTx(ctx, tx, phaseID)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	phase.Status = "complete"
	phase.EndedAt = &nowStr
	phase.UpdatedAt = nowStr
	if err := e.Repo.UpdatePhaseTx(ctx, tx, phase); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.PhaseCompleted, phase.CycleID, phase.ReportID, "phase", phase.ID, actorID, events.EventPayload{
		"phase": phase.Name,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// BlockActivity parks an in-progress activity with a reason.
func (e Engine) BlockActivity(ctx context.Context, activityID, reason, actorID string) (domain.Activity, error) {
	if reason == "" {
		return domain.Activity{}, errors.New("block reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	if a.Status != "in_progress" {
		return a, fmt.Errorf("%w: cannot block activity %s in status %s", ErrPreconditionNotMet, a.Name, a.Status)
	}
	nowStr := e.nowStr()
	a.Status = "blocked"
	a.BlockedReason = reason
	a.UpdatedAt = nowStr
	if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.ActivityBlocked, a.CycleID, a.ReportID, "activity", a.ID, actorID, events.EventPayload{
		"activity": a.Name, "reason": reason,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// UnblockActivity returns a blocked activity to in_progress.
func (e Engine) UnblockActivity(ctx context.Context, activityID, actorID string) (domain.Activity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	if a.Status != "blocked" {
		return a, fmt.Errorf("%w: activity %s is %s, not blocked", ErrPreconditionNotMet, a.Name, a.Status)
	}
	nowStr := e.nowStr()
	a.Status = "in_progress"
	a.BlockedReason = ""
	a.UpdatedAt = nowStr
	if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.ActivityUnblocked, a.CycleID, a.ReportID, "activity", a.ID, actorID, events.EventPayload{
		"activity": a.Name,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// BlockPhase blocks the whole phase; no activity in it may start until it
// is unblocked.
func (e Engine) BlockPhase(ctx context.Context, cycleID, reportID, phaseName, reason, actorID string) (domain.Phase, error) {
	if reason == "" {
		return domain.Phase{}, errors.New("block reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()
	phase, err := e.Repo.GetPhaseByNameTx(ctx, tx, cycleID, reportID, phaseName)
	if err != nil {
		return phase, err
	}
	if phase.Status == "complete" {
		return phase, fmt.Errorf("%w: phase %s is already complete", ErrPreconditionNotMet, phase.Name)
	}
	if phase.Status == "blocked" {
		return phase, fmt.Errorf("%w: phase %s is already blocked", ErrPreconditionNotMet, phase.Name)
	}
	nowStr := e.nowStr()
	phase.Status = "blocked"
	phase.BlockedReason = reason
	phase.UpdatedAt = nowStr
	if err := e.Repo.UpdatePhaseTx(ctx, tx, phase); err != nil {
		return phase, err
	}
	if err := e.Events.Append(ctx, tx, events.PhaseBlocked, cycleID, reportID, "phase", phase.ID, actorID, events.EventPayload{
		"phase": phase.Name, "reason": reason,
	}); err != nil {
		return phase, err
	}
	if err := tx.Commit(); err != nil {
		return phase, err
	}
	return phase, nil
}

// UnblockPhase lifts a phase block, restoring not_started or in_progress
// depending on whether any activity has run.
func (e Engine) UnblockPhase(ctx context.Context, cycleID, reportID, phaseName, actorID string) (domain.Phase, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()
	phase, err := e.Repo.GetPhaseByNameTx(ctx, tx, cycleID, reportID, phaseName)
	if err != nil {
		return phase, err
	}
	if phase.Status != "blocked" {
		return phase, fmt.Errorf("%w: phase %s is %s, not blocked", ErrPreconditionNotMet, phase.Name, phase.Status)
	}
	var started int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE phase_id=? AND status != 'not_started'`, phase.ID).Scan(&started); err != nil {
		return phase, err
	}
	nowStr := e.nowStr()
	if started > 0 {
		phase.Status = "in_progress"
	} else {
		phase.Status = "not_started"
	}
	phase.BlockedReason = ""
	phase.UpdatedAt = nowStr
	if err := e.Repo.UpdatePhaseTx(ctx, tx, phase); err != nil {
		return phase, err
	}
	if err := e.Events.Append(ctx, tx, events.PhaseUnblocked, cycleID, reportID, "phase", phase.ID, actorID, events.EventPayload{
		"phase": phase.Name, "status": phase.Status,
	}); err != nil {
		return phase, err
	}
	if err := tx.Commit(); err != nil {
		return phase, err
	}
	return phase, nil
}

// NextActivity returns the activity to work on next for a report: the first
// in-progress one in phase order, otherwise the first not_started one whose
// preconditions hold.
func (e Engine) NextActivity(ctx context.Context, cycleID, reportID string) (domain.Activity, error) {
	all, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{CycleID: cycleID, ReportID: reportID})
	if err != nil {
		return domain.Activity{}, err
	}
	for _, a := range all {
		if a.Status == "in_progress" {
			return a, nil
		}
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	for _, a := range all {
		if a.Status != "not_started" {
			continue
		}
		phase, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
		if err != nil {
			return domain.Activity{}, err
		}
		if phase.Status == "blocked" {
			continue
		}
		incomplete, err := e.Repo.IncompletePhaseDepsTx(ctx, tx, a.PhaseID)
		if err != nil {
			return domain.Activity{}, err
		}
		if len(incomplete) > 0 {
			continue
		}
		if err := e.ensureActivityOrder(ctx, tx, a); err != nil {
			if errors.Is(err, ErrPreconditionNotMet) {
				continue
			}
			return domain.Activity{}, err
		}
		return a, nil
	}
	return domain.Activity{}, repo.ErrNotFound
}

// StartableActivities returns the not_started activities whose phase and
// ordering preconditions currently hold.
func (e Engine) StartableActivities(ctx context.Context, cycleID, reportID string) ([]domain.Activity, error) {
	all, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{CycleID: cycleID, ReportID: reportID})
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var startable []domain.Activity
	for _, a := range all {
		if a.Status != "not_started" {
			continue
		}
		phase, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
		if err != nil {
			return nil, err
		}
		if phase.Status == "blocked" {
			continue
		}
		incomplete, err := e.Repo.IncompletePhaseDepsTx(ctx, tx, a.PhaseID)
		if err != nil {
			return nil, err
		}
		if len(incomplete) > 0 {
			continue
		}
		if err := e.ensureActivityOrder(ctx, tx, a); err != nil {
			if errors.Is(err, ErrPreconditionNotMet) {
				continue
			}
			return nil, err
		}
		startable = append(startable, a)
	}
	return startable, nil
}

// rollbackPhasesTx forcibly reverts completed phases to in_progress. Used by
// compensation when a phase transition has to be undone.
func (e Engine) rollbackPhasesTx(ctx context.Context, tx *sql.Tx, cycleID, reportID string, names []string, actorID, nowStr string) ([]string, error) {
	var rolledBack []string
	for _, name := range names {
		phase, err := e.Repo.GetPhaseByNameTx(ctx, tx, cycleID, reportID, name)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if phase.Status != "complete" {
			continue
		}
		phase.Status = "in_progress"
		phase.EndedAt = nil
		phase.UpdatedAt = nowStr
		if err := e.Repo.UpdatePhaseTx(ctx, tx, phase); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.PhaseRolledBack, cycleID, reportID, "phase", phase.ID, actorID, events.EventPayload{
			"phase": phase.Name,
		}); err != nil {
			return nil, err
		}
		rolledBack = append(rolledBack, name)
	}
	return rolledBack, nil
}
