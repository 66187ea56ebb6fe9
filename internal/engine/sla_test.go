package engine_test

import (
	"errors"
	"testing"
	"time"

	"regline/internal/engine"
	"regline/internal/repo"
)

// startTrackedApproval walks planning up to confirm_plan and starts it, which
// opens approval_turnaround tracking (24h, warn 4h before, business days).
func startTrackedApproval(t *testing.T, env *testEnv) string {
	t.Helper()
	mustRun(t, env, activityByName(t, env, "rep-1", "planning", "kickoff").ID)
	mustRun(t, env, activityByName(t, env, "rep-1", "planning", "define_timeline").ID)
	confirm := activityByName(t, env, "rep-1", "planning", "confirm_plan")
	if _, err := env.Engine.StartActivity(env.Ctx, confirm.ID, "tester", false); err != nil {
		t.Fatalf("start confirm_plan: %v", err)
	}
	return confirm.ID
}

func openViolation(t *testing.T, env *testEnv, activityID string) string {
	t.Helper()
	violations, err := env.Engine.Repo.ListViolations(env.Ctx, repo.ViolationFilters{ActivityID: activityID, Open: true})
	if err != nil {
		t.Fatalf("list violations: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected one open violation, got %d", len(violations))
	}
	return violations[0].ID
}

func TestSLATrackingOpensOnActivityStart(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	activityID := startTrackedApproval(t, env)

	v, err := env.Engine.Repo.GetViolation(env.Ctx, openViolation(t, env, activityID))
	if err != nil {
		t.Fatalf("get violation: %v", err)
	}
	if v.SLAType != "approval_turnaround" {
		t.Fatalf("unexpected sla type %s", v.SLAType)
	}
	// Monday 09:00 + 24 business-day hours lands Tuesday 09:00, warning
	// four working hours earlier.
	if v.DueAt != "2024-01-02T09:00:00Z" {
		t.Fatalf("unexpected due: %s", v.DueAt)
	}
	if v.WarnAt != "2024-01-02T05:00:00Z" {
		t.Fatalf("unexpected warn: %s", v.WarnAt)
	}
	if v.Warned || v.IsViolated || v.Resolved {
		t.Fatalf("fresh tracking row should be clean: %+v", v)
	}
}

func TestSweepWarnsThenEscalates(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	activityID := startTrackedApproval(t, env)
	violationID := openViolation(t, env, activityID)

	// Past the warning threshold but before the due time.
	env.Advance(20*time.Hour + 30*time.Minute)
	res, err := env.Engine.SweepSLAs(env.Ctx, "system")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Warned != 1 || res.Breached != 0 || res.Escalated != 0 {
		t.Fatalf("expected warn only, got %+v", res)
	}
	res, err = env.Engine.SweepSLAs(env.Ctx, "system")
	if err != nil || res.Warned != 0 {
		t.Fatalf("warning should fire once, got %+v (%v)", res, err)
	}

	// One hour past due: breach plus the zero-hour escalation level.
	env.Advance(4*time.Hour + 30*time.Minute)
	res, err = env.Engine.SweepSLAs(env.Ctx, "system")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Breached != 1 || res.Escalated != 1 {
		t.Fatalf("expected breach and first escalation, got %+v", res)
	}
	v, err := env.Engine.Repo.GetViolation(env.Ctx, violationID)
	if err != nil {
		t.Fatalf("get violation: %v", err)
	}
	if !v.IsViolated || v.EscalationLevel != 1 {
		t.Fatalf("unexpected violation state: %+v", v)
	}

	// Re-sweeping at the same instant changes nothing.
	res, err = env.Engine.SweepSLAs(env.Ctx, "system")
	if err != nil || res.Breached != 0 || res.Escalated != 0 {
		t.Fatalf("sweep must be idempotent, got %+v (%v)", res, err)
	}

	// 25 hours past due reaches the 24h ladder step.
	env.Advance(24 * time.Hour)
	res, err = env.Engine.SweepSLAs(env.Ctx, "system")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("expected second escalation, got %+v", res)
	}

	log, err := env.Engine.Repo.ListEscalationLog(env.Ctx, violationID)
	if err != nil {
		t.Fatalf("escalation log: %v", err)
	}
	if len(log) != 2 || log[0].Level != 1 || log[1].Level != 2 {
		t.Fatalf("expected levels 1 then 2, got %+v", log)
	}
	if log[0].NotifiedRole != "tester_lead" || log[1].NotifiedRole != "report_owner" {
		t.Fatalf("unexpected ladder roles: %+v", log)
	}
	for _, entry := range log {
		if entry.AssignmentID == "" || entry.NotificationID == "" {
			t.Fatalf("escalation must record assignment and notification: %+v", entry)
		}
	}

	assignments, err := env.Engine.Repo.ListAssignments(env.Ctx, repo.AssignmentFilters{CycleID: "cycle-1", Type: "escalation"})
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("expected two escalation assignments, got %d", len(assignments))
	}
	queued, err := env.Engine.Repo.ListQueuedNotifications(env.Ctx, 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected two queued notifications, got %d", len(queued))
	}
	for _, n := range queued {
		if n.TemplateKey != "sla.escalation" {
			t.Fatalf("unexpected template %s", n.TemplateKey)
		}
	}
}

func TestEscalationLadderFlagsManualIntervention(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	track := activityByName(t, env, "rep-1", "request_info", "track_responses")
	if _, err := env.Engine.StartActivity(env.Ctx, track.ID, "tester", true); err != nil {
		t.Fatalf("force start: %v", err)
	}
	violationID := openViolation(t, env, track.ID)

	// rfi_response runs 72h skipping weekends: due Thursday 09:00. A week
	// later the breach is 49 working hours old, past the whole ladder.
	env.Advance(7*24*time.Hour + time.Hour)
	res, err := env.Engine.SweepSLAs(env.Ctx, "system")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Breached != 1 || res.Escalated != 2 || res.Flagged != 1 {
		t.Fatalf("expected full ladder and flag, got %+v", res)
	}
	v, err := env.Engine.Repo.GetViolation(env.Ctx, violationID)
	if err != nil {
		t.Fatalf("get violation: %v", err)
	}
	if !v.ManualIntervention || v.EscalationLevel != 2 {
		t.Fatalf("expected manual intervention at level 2, got %+v", v)
	}

	// Automation refuses the activity until someone resolves the flag.
	_, err = env.Engine.Enqueue(env.Ctx, track.ID, "data_fetch", "{}", "tester")
	if !errors.Is(err, engine.ErrManualIntervention) {
		t.Fatalf("expected manual intervention gate, got %v", err)
	}
	if _, err := env.Engine.ResolveViolation(env.Ctx, violationID, "waived", "qa-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := env.Engine.Enqueue(env.Ctx, track.ID, "data_fetch", "{}", "tester"); err != nil {
		t.Fatalf("enqueue after resolve: %v", err)
	}
}

func TestCompleteActivityResolvesViolation(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	activityID := startTrackedApproval(t, env)
	violationID := openViolation(t, env, activityID)

	if _, err := env.Engine.CompleteActivity(env.Ctx, activityID, "tester", false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	v, err := env.Engine.Repo.GetViolation(env.Ctx, violationID)
	if err != nil {
		t.Fatalf("get violation: %v", err)
	}
	if !v.Resolved || v.Resolution != "activity_completed" {
		t.Fatalf("expected auto-resolution, got %+v", v)
	}
	open, err := env.Engine.Repo.ListViolations(env.Ctx, repo.ViolationFilters{CycleID: "cycle-1", Open: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open violations, got %d", len(open))
	}
}

func TestResolveViolationManually(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	activityID := startTrackedApproval(t, env)
	violationID := openViolation(t, env, activityID)

	v, err := env.Engine.ResolveViolation(env.Ctx, violationID, "", "lead-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !v.Resolved || v.Resolution != "manual" {
		t.Fatalf("expected manual resolution, got %+v", v)
	}
	if _, err := env.Engine.ResolveViolation(env.Ctx, violationID, "manual", "lead-1"); err == nil {
		t.Fatalf("expected already resolved error")
	}

	// A resolved row drops out of the sweep.
	env.Advance(72 * time.Hour)
	res, err := env.Engine.SweepSLAs(env.Ctx, "system")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Checked != 0 {
		t.Fatalf("resolved rows must not be swept, got %+v", res)
	}
}
