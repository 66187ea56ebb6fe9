package engine_test

import (
	"errors"
	"testing"

	"regline/internal/engine"
)

func TestVersionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	v1, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if v1.VersionNumber != 1 || v1.Status != "draft" {
		t.Fatalf("unexpected first draft: %+v", v1)
	}
	if v1.PriorVersionID != nil {
		t.Fatalf("first version should have no prior")
	}

	// Creating the draft again returns the same slot.
	again, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if err != nil {
		t.Fatalf("re-create draft: %v", err)
	}
	if again.ID != v1.ID {
		t.Fatalf("expected the existing draft back, got %s vs %s", again.ID, v1.ID)
	}

	if _, err := env.Engine.AddDecision(env.Ctx, v1.ID, "attr:lcr_inflows", "in_scope", "core attribute", "tester"); err != nil {
		t.Fatalf("add decision: %v", err)
	}
	if _, err := env.Engine.AddDecision(env.Ctx, v1.ID, "attr:lcr_outflows", "out_of_scope", "", "tester"); err != nil {
		t.Fatalf("add decision: %v", err)
	}

	v1, err = env.Engine.SubmitVersion(env.Ctx, v1.ID, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if v1.Status != "pending_approval" {
		t.Fatalf("expected pending_approval, got %s", v1.Status)
	}

	// The scope is locked while a version awaits review.
	_, err = env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if !errors.Is(err, engine.ErrScopeLocked) {
		t.Fatalf("expected scope locked, got %v", err)
	}
	_, err = env.Engine.AddDecision(env.Ctx, v1.ID, "attr:nsfr", "in_scope", "", "tester")
	if !errors.Is(err, engine.ErrScopeLocked) {
		t.Fatalf("expected scope locked on pending edit, got %v", err)
	}

	v1, err = env.Engine.ReviewVersion(env.Ctx, v1.ID, true, "looks right", "owner-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if v1.Status != "approved" {
		t.Fatalf("expected approved, got %s", v1.Status)
	}
	decisions, err := env.Engine.Repo.ListDecisions(env.Ctx, v1.ID)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	for _, d := range decisions {
		if d.EffectiveOutcome != d.TesterDecision {
			t.Fatalf("approval should freeze tester outcome, got %q vs %q", d.EffectiveOutcome, d.TesterDecision)
		}
	}

	// Second revision supersedes the first on approval.
	v2, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if err != nil {
		t.Fatalf("second draft: %v", err)
	}
	if v2.VersionNumber != 2 {
		t.Fatalf("expected version 2, got %d", v2.VersionNumber)
	}
	if v2.PriorVersionID == nil || *v2.PriorVersionID != v1.ID {
		t.Fatalf("expected prior version %s, got %v", v1.ID, v2.PriorVersionID)
	}
	if _, err := env.Engine.AddDecision(env.Ctx, v2.ID, "attr:lcr_inflows", "in_scope", "", "tester"); err != nil {
		t.Fatalf("add decision: %v", err)
	}
	if _, err := env.Engine.SubmitVersion(env.Ctx, v2.ID, "tester"); err != nil {
		t.Fatalf("submit v2: %v", err)
	}
	if _, err := env.Engine.ReviewVersion(env.Ctx, v2.ID, true, "", "owner-1"); err != nil {
		t.Fatalf("approve v2: %v", err)
	}

	v1, err = env.Engine.Repo.GetVersion(env.Ctx, v1.ID)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.Status != "superseded" {
		t.Fatalf("expected v1 superseded, got %s", v1.Status)
	}
	var approvedCount int
	err = env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(*) FROM versions WHERE phase_id=? AND scope_kind='attribute_set' AND status='approved'`,
		v1.PhaseID).Scan(&approvedCount)
	if err != nil {
		t.Fatalf("count approved: %v", err)
	}
	if approvedCount != 1 {
		t.Fatalf("expected exactly one approved version, got %d", approvedCount)
	}

	approved, decisions, err := env.Engine.ApprovedScope(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set")
	if err != nil {
		t.Fatalf("approved scope: %v", err)
	}
	if approved.ID != v2.ID || len(decisions) != 1 {
		t.Fatalf("unexpected approved scope: %s with %d decisions", approved.ID, len(decisions))
	}
}

func TestSubmitEmptyVersion(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	v, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "sample_selection", "sample_set", "tester")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	_, err = env.Engine.SubmitVersion(env.Ctx, v.ID, "tester")
	if !errors.Is(err, engine.ErrEmptyVersion) {
		t.Fatalf("expected empty version error, got %v", err)
	}
}

func TestSecondSubmitterLosesScope(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	v1, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := env.Engine.AddDecision(env.Ctx, v1.ID, "attr:lcr", "in_scope", "", "tester"); err != nil {
		t.Fatalf("decision: %v", err)
	}

	// A competing submission reached pending_approval first.
	_, err = env.Engine.DB.ExecContext(env.Ctx, `INSERT INTO versions(id,cycle_id,report_id,phase_id,scope_kind,version_number,status,created_by,submitted_by,submitted_at,created_at,updated_at)
VALUES ('v-race','cycle-1','rep-1',?,'attribute_set',2,'pending_approval','tester-2','tester-2','2024-01-01T09:00:00Z','2024-01-01T09:00:00Z','2024-01-01T09:00:00Z')`, v1.PhaseID)
	if err != nil {
		t.Fatalf("seed competing submission: %v", err)
	}

	_, err = env.Engine.SubmitVersion(env.Ctx, v1.ID, "tester")
	if !errors.Is(err, engine.ErrPendingApprovalExists) {
		t.Fatalf("expected pending approval conflict, got %v", err)
	}
}

func TestRejectReopensScope(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	v1, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := env.Engine.AddDecision(env.Ctx, v1.ID, "attr:lcr", "in_scope", "", "tester"); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if _, err := env.Engine.SubmitVersion(env.Ctx, v1.ID, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	v1, err = env.Engine.ReviewVersion(env.Ctx, v1.ID, false, "missing rationale", "owner-1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if v1.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", v1.Status)
	}
	if v1.ReviewNotes != "missing rationale" {
		t.Fatalf("expected review notes kept, got %q", v1.ReviewNotes)
	}

	// Version numbers advance; rejected numbers are never reused.
	v2, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if err != nil {
		t.Fatalf("new draft: %v", err)
	}
	if v2.VersionNumber != 2 {
		t.Fatalf("expected version 2 after rejection, got %d", v2.VersionNumber)
	}
}

func TestAbandonDraft(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	v1, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "observation_mgmt", "decision_set", "tester")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	v1, err = env.Engine.AbandonDraft(env.Ctx, v1.ID, "tester")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if v1.Status != "rejected" || v1.ReviewNotes != "abandoned" {
		t.Fatalf("expected rejected/abandoned, got %s %q", v1.Status, v1.ReviewNotes)
	}
	// Abandoning twice fails; the version is no longer a draft.
	_, err = env.Engine.AbandonDraft(env.Ctx, v1.ID, "tester")
	if !errors.Is(err, engine.ErrVersionNotDraft) {
		t.Fatalf("expected not-draft error, got %v", err)
	}

	v2, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "observation_mgmt", "decision_set", "tester")
	if err != nil {
		t.Fatalf("new draft: %v", err)
	}
	if v2.VersionNumber != 2 {
		t.Fatalf("abandoned numbers must not be reused, got %d", v2.VersionNumber)
	}
}

func TestDecisionPrecedence(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	v, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "observation_mgmt", "decision_set", "tester")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	d, err := env.Engine.AddDecision(env.Ctx, v.ID, "obs:late_filing", "exception", "filed after deadline", "tester")
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	if d.EffectiveOutcome != "exception" {
		t.Fatalf("tester decision should be effective, got %q", d.EffectiveOutcome)
	}
	if _, err := env.Engine.SubmitVersion(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Owner review beats the tester decision.
	d, err = env.Engine.ReviewDecision(env.Ctx, v.ID, "obs:late_filing", "no_exception", "one-day grace applies", "owner-1")
	if err != nil {
		t.Fatalf("owner review: %v", err)
	}
	if d.EffectiveOutcome != "no_exception" {
		t.Fatalf("owner decision should win, got %q", d.EffectiveOutcome)
	}
	if d.OwnerActor == nil || *d.OwnerActor != "owner-1" {
		t.Fatalf("owner actor not recorded: %+v", d)
	}

	// Overrides only apply to the approved version.
	_, err = env.Engine.OverrideDecision(env.Ctx, v.ID, "obs:late_filing", "exception", "regulator instruction", "compliance-1")
	if !errors.Is(err, engine.ErrStaleVersion) {
		t.Fatalf("override before approval should fail, got %v", err)
	}
	if _, err := env.Engine.ReviewVersion(env.Ctx, v.ID, true, "", "owner-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// An override needs a reason and then beats everyone.
	_, err = env.Engine.OverrideDecision(env.Ctx, v.ID, "obs:late_filing", "exception", "", "compliance-1")
	if err == nil {
		t.Fatalf("expected reason required error")
	}
	d, err = env.Engine.OverrideDecision(env.Ctx, v.ID, "obs:late_filing", "exception", "regulator instruction", "compliance-1")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if d.EffectiveOutcome != "exception" {
		t.Fatalf("override should win, got %q", d.EffectiveOutcome)
	}
	if d.OverrideReason != "regulator instruction" {
		t.Fatalf("override reason not recorded: %+v", d)
	}
	if got := eventCount(t, env, "decision.overridden", d.ID); got != 1 {
		t.Fatalf("expected one override event, got %d", got)
	}
}

func TestCompleteActivityRequiresApprovedVersion(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	approve := activityByName(t, env, "rep-1", "scoping", "approve_scope")
	if _, err := env.Engine.StartActivity(env.Ctx, approve.ID, "tester", true); err != nil {
		t.Fatalf("force start: %v", err)
	}
	_, err := env.Engine.CompleteActivity(env.Ctx, approve.ID, "tester", false)
	if !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("expected version gate, got %v", err)
	}

	v, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := env.Engine.AddDecision(env.Ctx, v.ID, "attr:lcr", "in_scope", "", "tester"); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if _, err := env.Engine.SubmitVersion(env.Ctx, v.ID, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.ReviewVersion(env.Ctx, v.ID, true, "", "owner-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.CompleteActivity(env.Ctx, approve.ID, "tester", false); err != nil {
		t.Fatalf("complete with approved version: %v", err)
	}
}

func TestReviewRequiresPendingVersion(t *testing.T) {
	env := newTestEnv(t)
	mustCreateReport(t, env, "rep-1")

	v, err := env.Engine.CreateDraft(env.Ctx, "cycle-1", "rep-1", "scoping", "attribute_set", "tester")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	_, err = env.Engine.ReviewVersion(env.Ctx, v.ID, true, "", "owner-1")
	if !errors.Is(err, engine.ErrStaleVersion) {
		t.Fatalf("reviewing a draft should fail, got %v", err)
	}
	_, err = env.Engine.ReviewDecision(env.Ctx, v.ID, "attr:lcr", "no_exception", "", "owner-1")
	if !errors.Is(err, engine.ErrStaleVersion) {
		t.Fatalf("owner review on a draft should fail, got %v", err)
	}
}
