package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"regline/internal/config"
	"regline/internal/domain"
	"regline/internal/events"
	"regline/internal/repo"
)

// openSLATrackingTx opens the tracking row for an activity start. Restarts
// after an unblock keep the original row thanks to the open-row uniqueness.
func (e Engine) openSLATrackingTx(ctx context.Context, tx *sql.Tx, cfg *config.Config, a domain.Activity, now time.Time) error {
	slaCfg, err := e.Repo.GetSLAConfigTx(ctx, tx, a.CycleID, a.SLAType)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if !slaCfg.Active {
		return nil
	}
	cal, err := calendarFor(cfg)
	if err != nil {
		return err
	}
	due := cal.AddHours(now, slaCfg.SLAHours, slaCfg.BusinessHoursOnly, slaCfg.ExcludeWeekends)
	warnAt := ""
	if slaCfg.WarningHours > 0 {
		warn := cal.AddHours(now, slaCfg.SLAHours-slaCfg.WarningHours, slaCfg.BusinessHoursOnly, slaCfg.ExcludeWeekends)
		warnAt = warn.UTC().Format(time.RFC3339)
	}
	nowStr := now.UTC().Format(time.RFC3339)
	v := domain.SLAViolation{
		ID:         uuid.New().String(),
		CycleID:    a.CycleID,
		ReportID:   a.ReportID,
		PhaseID:    a.PhaseID,
		ActivityID: a.ID,
		SLAType:    a.SLAType,
		StartedAt:  nowStr,
		DueAt:      due.UTC().Format(time.RFC3339),
		WarnAt:     warnAt,
		CreatedAt:  nowStr,
		UpdatedAt:  nowStr,
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO sla_violations(id,cycle_id,report_id,phase_id,activity_id,sla_type,started_at,due_at,warn_at,warned,is_violated,violation_hours,escalation_level,escalation_count,manual_intervention,resolved,resolved_at,resolution,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,0,0,0,0,0,0,0,NULL,NULL,?,?)`,
		v.ID, v.CycleID, v.ReportID, v.PhaseID, v.ActivityID, v.SLAType, v.StartedAt, v.DueAt,
		nullableStr(v.WarnAt), v.CreatedAt, v.UpdatedAt)
	return err
}

// SweepResult summarizes one pass over open SLA tracking rows.
type SweepResult struct {
	Checked   int `json:"checked"`
	Warned    int `json:"warned"`
	Breached  int `json:"breached"`
	Escalated int `json:"escalated"`
	Flagged   int `json:"flagged"`
	Errors    int `json:"errors"`
}

// SweepSLAs inspects every open tracking row, sends warnings, records
// breaches and walks the escalation ladder one level at a time. Safe to run
// from several processes at once.
func (e Engine) SweepSLAs(ctx context.Context, actorID string) (SweepResult, error) {
	var res SweepResult
	open, err := e.Repo.ListViolations(ctx, repo.ViolationFilters{Open: true})
	if err != nil {
		return res, err
	}
	configs := map[string]*config.Config{}
	calendars := map[string]*Calendar{}
	for _, v := range open {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		cfg, ok := configs[v.CycleID]
		if !ok {
			cfg, err = e.cycleConfig(ctx, v.CycleID)
			if err != nil {
				res.Errors++
				continue
			}
			configs[v.CycleID] = cfg
		}
		cal, ok := calendars[v.CycleID]
		if !ok {
			cal, err = calendarFor(cfg)
			if err != nil {
				res.Errors++
				continue
			}
			calendars[v.CycleID] = cal
		}
		if err := e.sweepOne(ctx, cal, v, actorID, &res); err != nil {
			res.Errors++
		}
	}
	return res, nil
}

func (e Engine) sweepOne(ctx context.Context, cal *Calendar, v domain.SLAViolation, actorID string, res *SweepResult) error {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	slaCfg, err := e.Repo.GetSLAConfig(ctx, v.CycleID, v.SLAType)
	if err != nil {
		return err
	}

	if !v.Warned && v.WarnAt != "" {
		warnAt, err := time.Parse(time.RFC3339, v.WarnAt)
		if err == nil && !now.Before(warnAt) {
			won, err := e.Repo.MarkWarned(ctx, v.ID, nowStr)
			if err != nil {
				return err
			}
			if won {
				res.Warned++
				if err := e.warnEvent(ctx, v, actorID); err != nil {
					return err
				}
			}
		}
	}

	due, err := time.Parse(time.RFC3339, v.DueAt)
	if err != nil {
		return err
	}
	if now.Before(due) {
		return nil
	}
	violationHours := cal.HoursBetween(due, now, slaCfg.BusinessHoursOnly, slaCfg.ExcludeWeekends)
	first, err := e.Repo.MarkViolated(ctx, v.ID, violationHours, nowStr)
	if err != nil {
		return err
	}
	if first {
		res.Breached++
		if err := e.breachEvent(ctx, v, violationHours, actorID); err != nil {
			return err
		}
	}
	if !slaCfg.AutoEscalate {
		return nil
	}
	rules, err := e.Repo.ListEscalationRules(ctx, v.CycleID, v.SLAType)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	level := v.EscalationLevel
	for level < len(rules) {
		rule := rules[level]
		if violationHours < rule.HoursAfterBreach {
			break
		}
		won, err := e.fireEscalation(ctx, v, rule, level, violationHours, actorID, nowStr)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		res.Escalated++
		level++
	}
	if level >= len(rules) && !v.ManualIntervention {
		last := rules[len(rules)-1]
		threshold := last.HoursAfterBreach + slaCfg.IntervalHours
		if violationHours > threshold {
			won, err := e.Repo.SetManualIntervention(ctx, v.ID, nowStr)
			if err != nil {
				return err
			}
			if won {
				res.Flagged++
				if err := e.flagEvent(ctx, v, actorID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// fireEscalation advances one ladder level under a compare-and-swap on the
// stored level, then records the assignment, notification, log entry and
// event in one transaction. A lost race rolls everything back.
func (e Engine) fireEscalation(ctx context.Context, v domain.SLAViolation, rule domain.EscalationRule, fromLevel int, violationHours float64, actorID, nowStr string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	won, err := e.Repo.AdvanceEscalationLevelTx(ctx, tx, v.ID, fromLevel, rule.Order, nowStr)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	assignment := domain.Assignment{
		ID:        uuid.New().String(),
		CycleID:   v.CycleID,
		ReportID:  v.ReportID,
		FromActor: actorID,
		ToRole:    rule.EscalateToRole,
		ToActor:   rule.EscalateToUser,
		Type:      "escalation",
		Status:    "assigned",
		CreatedAt: nowStr,
		UpdatedAt: nowStr,
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, assignment); err != nil {
		return false, err
	}
	template := rule.NotifyTemplate
	if template == "" {
		template = "sla.escalation"
	}
	notification := domain.Notification{
		ID:             uuid.New().String(),
		CycleID:        v.CycleID,
		ReportID:       v.ReportID,
		RecipientRole:  rule.EscalateToRole,
		RecipientActor: rule.EscalateToUser,
		TemplateKey:    template,
		ContextJSON: jsonObject(map[string]any{
			"violation_id": v.ID, "activity_id": v.ActivityID, "sla_type": v.SLAType,
			"level": rule.Order, "violation_hours": violationHours,
		}),
		Status:    "queued",
		CreatedAt: nowStr,
	}
	if err := e.Repo.InsertNotificationTx(ctx, tx, notification); err != nil {
		return false, err
	}
	if err := e.Repo.InsertEscalationLogTx(ctx, tx, domain.EscalationLogEntry{
		ViolationID:      v.ID,
		Level:            rule.Order,
		HoursAfterBreach: rule.HoursAfterBreach,
		NotifiedRole:     rule.EscalateToRole,
		NotifiedUser:     rule.EscalateToUser,
		AssignmentID:     assignment.ID,
		NotificationID:   notification.ID,
		CreatedAt:        nowStr,
	}); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.EscalationFired, v.CycleID, v.ReportID, "sla_violation", v.ID, actorID, events.EventPayload{
		"sla_type": v.SLAType, "level": rule.Order, "role": rule.EscalateToRole, "violation_hours": violationHours,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) warnEvent(ctx context.Context, v domain.SLAViolation, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.SLAWarningSent, v.CycleID, v.ReportID, "sla_violation", v.ID, actorID, events.EventPayload{
		"sla_type": v.SLAType, "due_at": v.DueAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) breachEvent(ctx context.Context, v domain.SLAViolation, violationHours float64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.SLAViolationRaised, v.CycleID, v.ReportID, "sla_violation", v.ID, actorID, events.EventPayload{
		"sla_type": v.SLAType, "activity_id": v.ActivityID, "violation_hours": violationHours,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) flagEvent(ctx context.Context, v domain.SLAViolation, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.ManualIntervention, v.CycleID, v.ReportID, "sla_violation", v.ID, actorID, events.EventPayload{
		"sla_type": v.SLAType, "activity_id": v.ActivityID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveViolation manually closes a tracking row, recording why.
func (e Engine) ResolveViolation(ctx context.Context, violationID, resolution, actorID string) (domain.SLAViolation, error) {
	if resolution == "" {
		resolution = "manual"
	}
	v, err := e.Repo.GetViolation(ctx, violationID)
	if err != nil {
		return v, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()
	nowStr := e.nowStr()
	ok, err := e.Repo.ResolveViolationTx(ctx, tx, violationID, resolution, nowStr)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, fmt.Errorf("violation %s already resolved", violationID)
	}
	if err := e.Events.Append(ctx, tx, events.ViolationResolved, v.CycleID, v.ReportID, "sla_violation", v.ID, actorID, events.EventPayload{
		"resolution": resolution,
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return e.Repo.GetViolation(ctx, violationID)
}
