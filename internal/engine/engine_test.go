package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"regline/internal/config"
	"regline/internal/db"
	"regline/internal/domain"
	"regline/internal/engine"
	"regline/internal/migrate"
	"regline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Now    *time.Time
}

// Monday 09:00 UTC. Calendar tests depend on the weekday.
var testStart = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("cycle-1", "Test Cycle")
	eng := engine.New(conn, cfg)
	now := testStart
	env := &testEnv{Ctx: context.Background(), Now: &now}
	eng.Now = func() time.Time { return *env.Now }
	env.Engine = eng
	if _, err := eng.InitCycle(env.Ctx, "cycle-1", "Test Cycle", "tester", cfg); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	return env
}

func (env *testEnv) Advance(d time.Duration) {
	*env.Now = env.Now.Add(d)
}

func mustCreateReport(t *testing.T, env *testEnv, reportID string) domain.Report {
	t.Helper()
	rep, err := env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		CycleID:  "cycle-1",
		ReportID: reportID,
		Title:    "Liquidity Report",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	return rep
}

func activityByName(t *testing.T, env *testEnv, reportID, phaseName, name string) domain.Activity {
	t.Helper()
	phases, err := env.Engine.Repo.ListPhases(env.Ctx, "cycle-1", reportID)
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	phaseID := ""
	for _, p := range phases {
		if p.Name == phaseName {
			phaseID = p.ID
		}
	}
	if phaseID == "" {
		t.Fatalf("phase %s not found", phaseName)
	}
	acts, err := env.Engine.Repo.ListActivities(env.Ctx, repo.ActivityFilters{CycleID: "cycle-1", ReportID: reportID, PhaseID: phaseID})
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	for _, a := range acts {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("activity %s/%s not found", phaseName, name)
	return domain.Activity{}
}

func mustRun(t *testing.T, env *testEnv, id string) {
	t.Helper()
	if _, err := env.Engine.StartActivity(env.Ctx, id, "tester", false); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	if _, err := env.Engine.CompleteActivity(env.Ctx, id, "tester", false); err != nil {
		t.Fatalf("complete %s: %v", id, err)
	}
}

func completePlanning(t *testing.T, env *testEnv, reportID string) {
	t.Helper()
	for _, name := range []string{"kickoff", "define_timeline", "confirm_plan"} {
		mustRun(t, env, activityByName(t, env, reportID, "planning", name).ID)
	}
}

func eventCount(t *testing.T, env *testEnv, evtType, entityID string) int {
	t.Helper()
	var count int
	err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM events WHERE type=? AND entity_id=?`, evtType, entityID).Scan(&count)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func TestWorkflowInstantiation(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	phases, err := env.Engine.Repo.ListPhases(env.Ctx, "cycle-1", "rep-1")
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	want := domain.PhaseOrder()
	if len(phases) != len(want) {
		t.Fatalf("expected %d phases, got %d", len(want), len(phases))
	}
	for i, p := range phases {
		if p.Name != want[i] {
			t.Fatalf("phase %d: expected %s, got %s", i, want[i], p.Name)
		}
		if p.Status != "not_started" {
			t.Fatalf("phase %s: expected not_started, got %s", p.Name, p.Status)
		}
		if i == 0 {
			if len(p.DependsOn) != 0 {
				t.Fatalf("first phase should have no dependencies")
			}
			continue
		}
		if len(p.DependsOn) != 1 || p.DependsOn[0].DependsOn != want[i-1] {
			t.Fatalf("phase %s: expected dependency on %s, got %+v", p.Name, want[i-1], p.DependsOn)
		}
	}

	kickoff := activityByName(t, env, "rep-1", "planning", "kickoff")
	if kickoff.OrderIdx != 1 || kickoff.Type != "start" {
		t.Fatalf("unexpected kickoff activity: %+v", kickoff)
	}
	approve := activityByName(t, env, "rep-1", "scoping", "approve_scope")
	if approve.RequiresVersion != "attribute_set" {
		t.Fatalf("approve_scope should require attribute_set, got %q", approve.RequiresVersion)
	}
	qa := activityByName(t, env, "rep-1", "test_execution", "qa_review")
	if !qa.IsOptional {
		t.Fatalf("qa_review should be optional")
	}
}

func TestActivityOrderGating(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	timeline := activityByName(t, env, "rep-1", "planning", "define_timeline")
	_, err := env.Engine.StartActivity(env.Ctx, timeline.ID, "tester", false)
	if !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("expected precondition error starting out of order, got %v", err)
	}

	kickoff := activityByName(t, env, "rep-1", "planning", "kickoff")
	a, err := env.Engine.StartActivity(env.Ctx, kickoff.ID, "tester", false)
	if err != nil {
		t.Fatalf("start kickoff: %v", err)
	}
	if a.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", a.Status)
	}
	phase, err := env.Engine.Repo.GetPhaseByName(env.Ctx, "cycle-1", "rep-1", "planning")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if phase.Status != "in_progress" {
		t.Fatalf("starting first activity should start the phase, got %s", phase.Status)
	}

	if _, err := env.Engine.CompleteActivity(env.Ctx, kickoff.ID, "tester", false); err != nil {
		t.Fatalf("complete kickoff: %v", err)
	}
	if _, err := env.Engine.StartActivity(env.Ctx, timeline.ID, "tester", false); err != nil {
		t.Fatalf("start after predecessor complete: %v", err)
	}
}

func TestPhaseDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	draft := activityByName(t, env, "rep-1", "scoping", "draft_scope")
	_, err := env.Engine.StartActivity(env.Ctx, draft.ID, "tester", false)
	if !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("expected phase gate, got %v", err)
	}

	completePlanning(t, env, "rep-1")
	phase, err := env.Engine.Repo.GetPhaseByName(env.Ctx, "cycle-1", "rep-1", "planning")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if phase.Status != "complete" {
		t.Fatalf("planning should be complete, got %s", phase.Status)
	}
	if _, err := env.Engine.StartActivity(env.Ctx, draft.ID, "tester", false); err != nil {
		t.Fatalf("start after phase dep complete: %v", err)
	}
}

func TestDoubleStartAndDoubleComplete(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	kickoff := activityByName(t, env, "rep-1", "planning", "kickoff")

	_, err := env.Engine.CompleteActivity(env.Ctx, kickoff.ID, "tester", false)
	if !errors.Is(err, engine.ErrNotStarted) {
		t.Fatalf("expected not started error, got %v", err)
	}
	if _, err := env.Engine.StartActivity(env.Ctx, kickoff.ID, "tester", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = env.Engine.StartActivity(env.Ctx, kickoff.ID, "tester", false)
	if !errors.Is(err, engine.ErrAlreadyStarted) {
		t.Fatalf("expected already started error, got %v", err)
	}
	if _, err := env.Engine.CompleteActivity(env.Ctx, kickoff.ID, "tester", false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = env.Engine.CompleteActivity(env.Ctx, kickoff.ID, "tester", false)
	if !errors.Is(err, engine.ErrNotStarted) {
		t.Fatalf("expected not started on second complete, got %v", err)
	}
	if got := eventCount(t, env, "activity.completed", kickoff.ID); got != 1 {
		t.Fatalf("expected exactly one completion event, got %d", got)
	}
}

func TestPhaseCompletesWithoutOptionalActivities(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	run := activityByName(t, env, "rep-1", "test_execution", "run_tests")
	record := activityByName(t, env, "rep-1", "test_execution", "record_results")
	if _, err := env.Engine.StartActivity(env.Ctx, run.ID, "tester", true); err != nil {
		t.Fatalf("force start: %v", err)
	}
	if _, err := env.Engine.CompleteActivity(env.Ctx, run.ID, "tester", false); err != nil {
		t.Fatalf("complete run_tests: %v", err)
	}
	if _, err := env.Engine.StartActivity(env.Ctx, record.ID, "tester", true); err != nil {
		t.Fatalf("force start: %v", err)
	}
	if _, err := env.Engine.CompleteActivity(env.Ctx, record.ID, "tester", false); err != nil {
		t.Fatalf("complete record_results: %v", err)
	}

	phase, err := env.Engine.Repo.GetPhaseByName(env.Ctx, "cycle-1", "rep-1", "test_execution")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if phase.Status != "complete" {
		t.Fatalf("phase should complete with optional qa_review pending, got %s", phase.Status)
	}
}

func TestBlockUnblockActivity(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	kickoff := activityByName(t, env, "rep-1", "planning", "kickoff")

	if _, err := env.Engine.BlockActivity(env.Ctx, kickoff.ID, "", "tester"); err == nil {
		t.Fatalf("expected reason required error")
	}
	_, err := env.Engine.BlockActivity(env.Ctx, kickoff.ID, "waiting on data", "tester")
	if !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("blocking a not_started activity should fail, got %v", err)
	}

	if _, err := env.Engine.StartActivity(env.Ctx, kickoff.ID, "tester", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	a, err := env.Engine.BlockActivity(env.Ctx, kickoff.ID, "waiting on data", "tester")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if a.Status != "blocked" || a.BlockedReason != "waiting on data" {
		t.Fatalf("unexpected blocked state: %+v", a)
	}
	_, err = env.Engine.CompleteActivity(env.Ctx, kickoff.ID, "tester", false)
	if !errors.Is(err, engine.ErrNotStarted) {
		t.Fatalf("completing a blocked activity should fail, got %v", err)
	}
	a, err = env.Engine.UnblockActivity(env.Ctx, kickoff.ID, "tester")
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if a.Status != "in_progress" || a.BlockedReason != "" {
		t.Fatalf("unexpected unblocked state: %+v", a)
	}
	if _, err := env.Engine.CompleteActivity(env.Ctx, kickoff.ID, "tester", false); err != nil {
		t.Fatalf("complete after unblock: %v", err)
	}
}

func TestBlockUnblockPhase(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	phase, err := env.Engine.BlockPhase(env.Ctx, "cycle-1", "rep-1", "planning", "scope dispute", "tester")
	if err != nil {
		t.Fatalf("block phase: %v", err)
	}
	if phase.Status != "blocked" {
		t.Fatalf("expected blocked, got %s", phase.Status)
	}
	kickoff := activityByName(t, env, "rep-1", "planning", "kickoff")
	_, err = env.Engine.StartActivity(env.Ctx, kickoff.ID, "tester", false)
	if !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("starting inside a blocked phase should fail, got %v", err)
	}

	phase, err = env.Engine.UnblockPhase(env.Ctx, "cycle-1", "rep-1", "planning", "tester")
	if err != nil {
		t.Fatalf("unblock phase: %v", err)
	}
	if phase.Status != "not_started" {
		t.Fatalf("untouched phase should return to not_started, got %s", phase.Status)
	}

	// After work has begun an unblock restores in_progress.
	if _, err := env.Engine.StartActivity(env.Ctx, kickoff.ID, "tester", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.BlockPhase(env.Ctx, "cycle-1", "rep-1", "planning", "scope dispute", "tester"); err != nil {
		t.Fatalf("block again: %v", err)
	}
	phase, err = env.Engine.UnblockPhase(env.Ctx, "cycle-1", "rep-1", "planning", "tester")
	if err != nil {
		t.Fatalf("unblock again: %v", err)
	}
	if phase.Status != "in_progress" {
		t.Fatalf("expected in_progress after unblock, got %s", phase.Status)
	}
}

func TestNextActivity(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	next, err := env.Engine.NextActivity(env.Ctx, "cycle-1", "rep-1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Name != "kickoff" {
		t.Fatalf("expected kickoff first, got %s", next.Name)
	}
	if _, err := env.Engine.StartActivity(env.Ctx, next.ID, "tester", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	next, err = env.Engine.NextActivity(env.Ctx, "cycle-1", "rep-1")
	if err != nil || next.Name != "kickoff" {
		t.Fatalf("in-progress activity should stay next, got %s (%v)", next.Name, err)
	}
	if _, err := env.Engine.CompleteActivity(env.Ctx, next.ID, "tester", false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	next, err = env.Engine.NextActivity(env.Ctx, "cycle-1", "rep-1")
	if err != nil || next.Name != "define_timeline" {
		t.Fatalf("expected define_timeline, got %s (%v)", next.Name, err)
	}

	// Blocking the phase hides its activities; nothing else is startable.
	if _, err := env.Engine.BlockPhase(env.Ctx, "cycle-1", "rep-1", "planning", "hold", "tester"); err != nil {
		t.Fatalf("block: %v", err)
	}
	_, err = env.Engine.NextActivity(env.Ctx, "cycle-1", "rep-1")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found with everything gated, got %v", err)
	}
}

func TestStartableActivities(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	startable, err := env.Engine.StartableActivities(env.Ctx, "cycle-1", "rep-1")
	if err != nil {
		t.Fatalf("startable: %v", err)
	}
	if len(startable) != 1 || startable[0].Name != "kickoff" {
		t.Fatalf("expected only kickoff startable, got %+v", startable)
	}

	completePlanning(t, env, "rep-1")
	startable, err = env.Engine.StartableActivities(env.Ctx, "cycle-1", "rep-1")
	if err != nil {
		t.Fatalf("startable: %v", err)
	}
	if len(startable) != 1 || startable[0].Name != "draft_scope" {
		t.Fatalf("expected draft_scope startable after planning, got %+v", startable)
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	a, err := env.Engine.CreateAssignment(env.Ctx, domain.Assignment{
		CycleID:  "cycle-1",
		ReportID: "rep-1",
		ToActor:  "lead-1",
		Type:     "manual",
	}, "tester")
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	if a.Status != "assigned" {
		t.Fatalf("expected assigned, got %s", a.Status)
	}
	a, err = env.Engine.UpdateAssignmentStatus(env.Ctx, a.ID, "in_progress", "lead-1")
	if err != nil || a.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	a, err = env.Engine.UpdateAssignmentStatus(env.Ctx, a.ID, "completed", "lead-1")
	if err != nil || a.Status != "completed" {
		t.Fatalf("to completed: %v", err)
	}
	if a.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}
	if _, err := env.Engine.UpdateAssignmentStatus(env.Ctx, a.ID, "bogus", "lead-1"); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestRBACGrantRevoke(t *testing.T) {
	env := newTestEnv(t)

	if err := env.Engine.GrantRole(env.Ctx, "cycle-1", "alice", "tester", "admin-1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	info, err := env.Engine.WhoAmI(env.Ctx, "cycle-1", "alice")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(info.Roles) != 1 || info.Roles[0] != "tester" {
		t.Fatalf("expected tester role, got %v", info.Roles)
	}
	found := false
	for _, p := range info.Permissions {
		if p == "activity.start" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected activity.start permission via role, got %v", info.Permissions)
	}

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	ok, err := env.Engine.Auth.ActorHasPermission(env.Ctx, tx, "cycle-1", "alice", "activity.start")
	if err != nil || !ok {
		t.Fatalf("expected permission check to pass: %v", err)
	}
	ok, err = env.Engine.Auth.ActorHasPermission(env.Ctx, tx, "cycle-1", "alice", "decision.override")
	if err != nil || ok {
		t.Fatalf("tester must not hold decision.override")
	}
	tx.Rollback()

	if err := env.Engine.RevokeRole(env.Ctx, "cycle-1", "alice", "tester", "admin-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	info, err = env.Engine.WhoAmI(env.Ctx, "cycle-1", "alice")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(info.Roles) != 0 {
		t.Fatalf("expected no roles after revoke, got %v", info.Roles)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	kickoff := activityByName(t, env, "rep-1", "planning", "kickoff")
	mustRun(t, env, kickoff.ID)

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE report_id='rep-1' ORDER BY id ASC`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types = append(types, typ)
	}
	want := []string{"report.created", "phase.started", "activity.started", "activity.completed"}
	for _, w := range want {
		found := false
		for _, typ := range types {
			if typ == w {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing event %s in %v", w, types)
		}
	}
}
