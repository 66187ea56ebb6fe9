package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"regline/internal/config"
	"regline/internal/domain"
	"regline/internal/engine"
)

func phaseByName(t *testing.T, env *testEnv, reportID, name string) domain.Phase {
	t.Helper()
	phases, err := env.Engine.Repo.ListPhases(env.Ctx, "cycle-1", reportID)
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	for _, p := range phases {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("phase %s not found", name)
	return domain.Phase{}
}

func failWith(errType string) engine.Runner {
	return func(ctx context.Context, exec domain.Execution) error {
		return engine.TypedError{Type: errType, Err: errors.New("runner failed")}
	}
}

func TestRetryBackoffAndSkipCompensation(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	run := activityByName(t, env, "rep-1", "test_execution", "run_tests")
	if _, err := env.Engine.StartActivity(env.Ctx, run.ID, "tester", true); err != nil {
		t.Fatalf("start run_tests: %v", err)
	}
	env.Engine.Runners["llm_request"] = failWith("TimeoutError")

	exec, err := env.Engine.Enqueue(env.Ctx, run.ID, "llm_request", `{"prompt":"draft findings"}`, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if exec.Status != "pending" || exec.Attempt != 0 || exec.MaxAttempts != 3 {
		t.Fatalf("unexpected execution: %+v", exec)
	}

	res, err := env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Claimed != 1 || res.Retried != 1 {
		t.Fatalf("first pass: %+v", res)
	}
	got, err := env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "retry_scheduled" || got.Attempt != 1 {
		t.Fatalf("after first failure: status=%s attempt=%d", got.Status, got.Attempt)
	}
	if got.LastErrorType != "TimeoutError" {
		t.Fatalf("last error type = %q", got.LastErrorType)
	}
	if want := testStart.Add(5 * time.Second).Format(time.RFC3339); got.NextAttemptAt != want {
		t.Fatalf("next attempt = %s, want %s", got.NextAttemptAt, want)
	}

	// Nothing is due until the backoff interval elapses.
	res, err = env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Claimed != 0 {
		t.Fatalf("claimed before due: %+v", res)
	}

	env.Advance(5 * time.Second)
	res, err = env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Retried != 1 {
		t.Fatalf("second pass: %+v", res)
	}
	got, _ = env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d after second failure", got.Attempt)
	}
	// Backoff doubles: 5s, then 10s.
	if want := testStart.Add(15 * time.Second).Format(time.RFC3339); got.NextAttemptAt != want {
		t.Fatalf("next attempt = %s, want %s", got.NextAttemptAt, want)
	}

	env.Advance(10 * time.Second)
	res, err = env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Claimed != 1 || res.Compensated != 1 {
		t.Fatalf("final pass: %+v", res)
	}
	got, _ = env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
	if got.Status != "compensated" || got.Attempt != 3 {
		t.Fatalf("after exhaustion: status=%s attempt=%d", got.Status, got.Attempt)
	}

	log, err := env.Engine.Repo.ListRetryLog(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("retry log: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("retry log has %d entries", len(log))
	}
	if log[0].RetryAfterSec != 5 || log[1].RetryAfterSec != 10 {
		t.Fatalf("backoff intervals: %v, %v", log[0].RetryAfterSec, log[1].RetryAfterSec)
	}
	if log[2].Success || log[2].RetryAfterSec != 0 {
		t.Fatalf("final attempt entry: %+v", log[2])
	}

	comp, err := env.Engine.Repo.ListCompensationLog(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("compensation log: %v", err)
	}
	if len(comp) != 1 || comp[0].Action != "skip" || !comp[0].Success {
		t.Fatalf("compensation log: %+v", comp)
	}

	// Skip marks the activity optional so the phase can finish without it.
	act, err := env.Engine.Repo.GetActivity(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if !act.IsOptional || act.Status != "in_progress" {
		t.Fatalf("after skip: optional=%v status=%s", act.IsOptional, act.Status)
	}
	if n := eventCount(t, env, "activity.skipped", run.ID); n != 1 {
		t.Fatalf("activity.skipped events = %d", n)
	}
	if n := eventCount(t, env, "compensation.executed", exec.ID); n != 1 {
		t.Fatalf("compensation.executed events = %d", n)
	}
}

func TestNonRetryableErrorCompensatesImmediately(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	run := activityByName(t, env, "rep-1", "test_execution", "run_tests")
	if _, err := env.Engine.StartActivity(env.Ctx, run.ID, "tester", true); err != nil {
		t.Fatalf("start run_tests: %v", err)
	}
	env.Engine.Runners["llm_request"] = failWith("ValidationError")

	exec, err := env.Engine.Enqueue(env.Ctx, run.ID, "llm_request", "", "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Claimed != 1 || res.Retried != 0 || res.Compensated != 1 {
		t.Fatalf("result: %+v", res)
	}
	got, _ := env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
	if got.Status != "compensated" || got.Attempt != 1 {
		t.Fatalf("status=%s attempt=%d", got.Status, got.Attempt)
	}
	log, _ := env.Engine.Repo.ListRetryLog(env.Ctx, exec.ID)
	if len(log) != 1 || log[0].ErrorType != "ValidationError" {
		t.Fatalf("retry log: %+v", log)
	}

	if _, err := env.Engine.RetryNow(env.Ctx, exec.ID, "tester"); !errors.Is(err, engine.ErrRetriesExhausted) {
		t.Fatalf("retry after compensation: %v", err)
	}
}

func TestCompensationNotifyQueuesAlert(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	pol := env.Engine.Config.Retry["data_fetch"]
	pol.MaxAttempts = 1
	env.Engine.Config.Retry["data_fetch"] = pol

	prof := activityByName(t, env, "rep-1", "data_profiling", "profile_sources")
	if _, err := env.Engine.StartActivity(env.Ctx, prof.ID, "tester", true); err != nil {
		t.Fatalf("start profile_sources: %v", err)
	}
	env.Engine.Runners["data_fetch"] = failWith("UpstreamError")

	exec, err := env.Engine.Enqueue(env.Ctx, prof.ID, "data_fetch", "", "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Compensated != 1 {
		t.Fatalf("result: %+v", res)
	}

	comp, err := env.Engine.Repo.ListCompensationLog(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("compensation log: %v", err)
	}
	if len(comp) != 1 || comp[0].Action != "notify" {
		t.Fatalf("compensation log: %+v", comp)
	}
	if !comp[0].ManualIntervention || len(comp[0].Notifications) != 1 {
		t.Fatalf("notify entry: %+v", comp[0])
	}

	queued, err := env.Engine.Repo.ListQueuedNotifications(env.Ctx, 10)
	if err != nil {
		t.Fatalf("queued notifications: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued %d notifications", len(queued))
	}
	if queued[0].TemplateKey != "execution.failed" || queued[0].RecipientRole != "tester_lead" {
		t.Fatalf("notification: %+v", queued[0])
	}
}

func TestCompensationRollbackReopensPhase(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	pol := env.Engine.Config.Retry["phase_transition"]
	pol.MaxAttempts = 1
	pol.Compensation = config.CompensationPolicy{Action: "rollback", RollbackPhases: []string{"planning"}}
	env.Engine.Config.Retry["phase_transition"] = pol

	completePlanning(t, env, "rep-1")
	draft := activityByName(t, env, "rep-1", "scoping", "draft_scope")
	if _, err := env.Engine.StartActivity(env.Ctx, draft.ID, "tester", false); err != nil {
		t.Fatalf("start draft_scope: %v", err)
	}
	env.Engine.Runners["phase_transition"] = failWith("TransitionError")

	exec, err := env.Engine.Enqueue(env.Ctx, draft.ID, "phase_transition", "", "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Compensated != 1 {
		t.Fatalf("result: %+v", res)
	}

	planning := phaseByName(t, env, "rep-1", "planning")
	if planning.Status != "in_progress" {
		t.Fatalf("planning status = %s after rollback", planning.Status)
	}
	comp, _ := env.Engine.Repo.ListCompensationLog(env.Ctx, exec.ID)
	if len(comp) != 1 || comp[0].Action != "rollback" {
		t.Fatalf("compensation log: %+v", comp)
	}
	if len(comp[0].PhasesRolledBack) != 1 || comp[0].PhasesRolledBack[0] != "planning" {
		t.Fatalf("rolled back: %v", comp[0].PhasesRolledBack)
	}
	if n := eventCount(t, env, "phase.rolled_back", planning.ID); n != 1 {
		t.Fatalf("phase.rolled_back events = %d", n)
	}
}

func TestRunnerSuccessCompletesAutomatedActivity(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	prof := activityByName(t, env, "rep-1", "data_profiling", "profile_sources")
	if _, err := env.Engine.StartActivity(env.Ctx, prof.ID, "tester", true); err != nil {
		t.Fatalf("start profile_sources: %v", err)
	}
	env.Engine.Runners["data_fetch"] = func(ctx context.Context, exec domain.Execution) error {
		return nil
	}

	exec, err := env.Engine.Enqueue(env.Ctx, prof.ID, "data_fetch", `{"source":"warehouse"}`, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Claimed != 1 || res.Succeeded != 1 {
		t.Fatalf("result: %+v", res)
	}

	got, _ := env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
	if got.Status != "succeeded" {
		t.Fatalf("execution status = %s", got.Status)
	}
	// profile_sources is automated, so success completes it.
	act, err := env.Engine.Repo.GetActivity(env.Ctx, prof.ID)
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if act.Status != "complete" || act.CompletedAt == nil {
		t.Fatalf("activity status = %s", act.Status)
	}
	log, _ := env.Engine.Repo.ListRetryLog(env.Ctx, exec.ID)
	if len(log) != 1 || !log[0].Success {
		t.Fatalf("retry log: %+v", log)
	}
	if n := eventCount(t, env, "execution.succeeded", exec.ID); n != 1 {
		t.Fatalf("execution.succeeded events = %d", n)
	}
}

func TestExecutionCancelledWhenActivityCompletes(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	kick := activityByName(t, env, "rep-1", "planning", "kickoff")

	exec, err := env.Engine.Enqueue(env.Ctx, kick.ID, "llm_request", "", "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	mustRun(t, env, kick.ID)

	res, err := env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Claimed != 1 || res.Cancelled != 1 {
		t.Fatalf("result: %+v", res)
	}
	got, _ := env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
	if got.Status != "cancelled" {
		t.Fatalf("execution status = %s", got.Status)
	}
}

func TestRetryNowMakesExecutionDue(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	run := activityByName(t, env, "rep-1", "test_execution", "run_tests")
	if _, err := env.Engine.StartActivity(env.Ctx, run.ID, "tester", true); err != nil {
		t.Fatalf("start run_tests: %v", err)
	}
	env.Engine.Runners["llm_request"] = failWith("TimeoutError")

	exec, err := env.Engine.Enqueue(env.Ctx, run.ID, "llm_request", "", "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := env.Engine.RunDue(env.Ctx, "system", 10); err != nil {
		t.Fatalf("run due: %v", err)
	}
	res, err := env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Claimed != 0 {
		t.Fatalf("claimed while backing off: %+v", res)
	}

	bumped, err := env.Engine.RetryNow(env.Ctx, exec.ID, "tester")
	if err != nil {
		t.Fatalf("retry now: %v", err)
	}
	if want := testStart.Format(time.RFC3339); bumped.NextAttemptAt != want {
		t.Fatalf("next attempt = %s, want %s", bumped.NextAttemptAt, want)
	}
	res, err = env.Engine.RunDue(env.Ctx, "system", 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if res.Claimed != 1 {
		t.Fatalf("after retry now: %+v", res)
	}
	got, _ := env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d", got.Attempt)
	}
}

func TestCancelExecution(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	kick := activityByName(t, env, "rep-1", "planning", "kickoff")

	exec, err := env.Engine.Enqueue(env.Ctx, kick.ID, "email_notification", "", "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	cancelled, err := env.Engine.CancelExecution(env.Ctx, exec.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if _, err := env.Engine.CancelExecution(env.Ctx, exec.ID, "tester"); err == nil {
		t.Fatal("second cancel should fail")
	}
	if _, err := env.Engine.RetryNow(env.Ctx, exec.ID, "tester"); err == nil {
		t.Fatal("retrying a cancelled execution should fail")
	}
	if n := eventCount(t, env, "execution.cancelled", exec.ID); n != 1 {
		t.Fatalf("execution.cancelled events = %d", n)
	}
}

func TestEnqueueRequiresKnownPolicy(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")
	kick := activityByName(t, env, "rep-1", "planning", "kickoff")
	if _, err := env.Engine.Enqueue(env.Ctx, kick.ID, "carrier_pigeon", "", "tester"); err == nil {
		t.Fatal("unknown policy should be rejected")
	}
}
