package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"regline/internal/domain"
	"regline/internal/events"
	"regline/internal/repo"
)

// CreateDraft opens a draft version for the scope, or returns the existing
// draft. At most one draft and one pending version exist per scope.
func (e Engine) CreateDraft(ctx context.Context, cycleID, reportID, phaseName, scopeKind, actorID string) (domain.Version, error) {
	if !domain.ValidScopeKind(scopeKind) {
		return domain.Version{}, fmt.Errorf("invalid scope kind %s", scopeKind)
	}
	phase, err := e.Repo.GetPhaseByName(ctx, cycleID, reportID, phaseName)
	if err != nil {
		return domain.Version{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.DraftVersionTx(ctx, tx, phase.ID, scopeKind); err == nil {
		return existing, tx.Commit()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Version{}, err
	}
	if _, err := e.Repo.PendingVersionTx(ctx, tx, phase.ID, scopeKind); err == nil {
		return domain.Version{}, fmt.Errorf("%w: %s has a version pending approval", ErrScopeLocked, scopeKind)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Version{}, err
	}

	number, err := e.Repo.NextVersionNumberTx(ctx, tx, phase.ID, scopeKind)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.nowStr()
	v := domain.Version{
		ID:            uuid.New().String(),
		CycleID:       cycleID,
		ReportID:      reportID,
		PhaseID:       phase.ID,
		ScopeKind:     scopeKind,
		VersionNumber: number,
		Status:        "draft",
		CreatedBy:     actorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if approved, err := e.Repo.ApprovedVersionTx(ctx, tx, phase.ID, scopeKind); err == nil {
		v.PriorVersionID = &approved.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Version{}, err
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, v); err != nil {
		return domain.Version{}, err
	}
	if err := e.Events.Append(ctx, tx, events.VersionDraftCreated, cycleID, reportID, "version", v.ID, actorID, events.EventPayload{
		"scope_kind": scopeKind, "version_number": number,
	}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// AddDecision records or replaces a tester decision on a draft version.
func (e Engine) AddDecision(ctx context.Context, versionID, entityRef, decision, rationale, actorID string) (domain.Decision, error) {
	if entityRef == "" {
		return domain.Decision{}, errors.New("entity ref is required")
	}
	if decision == "" {
		return domain.Decision{}, errors.New("decision is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Decision{}, err
	}
	switch v.Status {
	case "draft":
	case "pending_approval":
		return domain.Decision{}, fmt.Errorf("%w: version %d is pending approval", ErrScopeLocked, v.VersionNumber)
	default:
		return domain.Decision{}, fmt.Errorf("%w: version %d is %s", ErrVersionNotDraft, v.VersionNumber, v.Status)
	}

	now := e.nowStr()
	d := domain.Decision{
		ID:              uuid.NewSHA1(uuid.NameSpaceOID, []byte(versionID+"|"+entityRef)).String(),
		VersionID:       versionID,
		EntityRef:       entityRef,
		TesterDecision:  decision,
		TesterRationale: rationale,
		TesterActor:     actorID,
		TesterAt:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.UpsertDecisionTx(ctx, tx, d); err != nil {
		return domain.Decision{}, err
	}
	stored, err := e.Repo.GetDecisionTx(ctx, tx, versionID, entityRef)
	if err != nil {
		return domain.Decision{}, err
	}
	if err := e.Repo.SetEffectiveOutcomeTx(ctx, tx, stored.ID, stored.Effective(), now); err != nil {
		return domain.Decision{}, err
	}
	stored.EffectiveOutcome = stored.Effective()
	if err := e.Events.Append(ctx, tx, events.DecisionAdded, v.CycleID, v.ReportID, "decision", stored.ID, actorID, events.EventPayload{
		"entity_ref": entityRef, "decision": decision,
	}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	return stored, nil
}

// SubmitVersion moves a non-empty draft to pending_approval.
func (e Engine) SubmitVersion(ctx context.Context, versionID, actorID string) (domain.Version, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	count, err := e.Repo.CountDecisionsTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if count == 0 {
		return domain.Version{}, fmt.Errorf("%w: submit at least one decision first", ErrEmptyVersion)
	}
	now := e.nowStr()
	ok, err := e.Repo.SubmitVersionTx(ctx, tx, versionID, actorID, now)
	if err != nil {
		return domain.Version{}, err
	}
	if !ok {
		if v.Status != "draft" {
			return domain.Version{}, fmt.Errorf("%w: version %d is %s", ErrVersionNotDraft, v.VersionNumber, v.Status)
		}
		return domain.Version{}, fmt.Errorf("%w: another %s version is awaiting review", ErrPendingApprovalExists, v.ScopeKind)
	}
	if err := e.Events.Append(ctx, tx, events.VersionSubmitted, v.CycleID, v.ReportID, "version", v.ID, actorID, events.EventPayload{
		"scope_kind": v.ScopeKind, "version_number": v.VersionNumber,
	}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return e.Repo.GetVersion(ctx, versionID)
}

// ReviewVersion approves or rejects a pending version. Approval atomically
// supersedes the previously approved version of the same scope.
func (e Engine) ReviewVersion(ctx context.Context, versionID string, approve bool, notes, actorID string) (domain.Version, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if v.Status != "pending_approval" {
		return domain.Version{}, fmt.Errorf("%w: version %d is %s, not pending_approval", ErrStaleVersion, v.VersionNumber, v.Status)
	}
	now := e.nowStr()
	if approve {
		supersededID := ""
		if current, err := e.Repo.ApprovedVersionTx(ctx, tx, v.PhaseID, v.ScopeKind); err == nil {
			if err := e.Repo.SupersedeVersionTx(ctx, tx, current.ID, now); err != nil {
				return domain.Version{}, err
			}
			supersededID = current.ID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Version{}, err
		}
		ok, err := e.Repo.ApproveVersionTx(ctx, tx, versionID, actorID, notes, supersededID, now)
		if err != nil {
			return domain.Version{}, err
		}
		if !ok {
			return domain.Version{}, fmt.Errorf("%w: version %d changed during review", ErrStaleVersion, v.VersionNumber)
		}
		// Freeze effective outcomes in the same transaction.
		decisions, err := e.Repo.ListDecisionsTx(ctx, tx, versionID)
		if err != nil {
			return domain.Version{}, err
		}
		for _, d := range decisions {
			if err := e.Repo.SetEffectiveOutcomeTx(ctx, tx, d.ID, d.Effective(), now); err != nil {
				return domain.Version{}, err
			}
		}
		if err := e.Events.Append(ctx, tx, events.VersionApproved, v.CycleID, v.ReportID, "version", v.ID, actorID, events.EventPayload{
			"scope_kind": v.ScopeKind, "version_number": v.VersionNumber, "superseded_version_id": supersededID,
		}); err != nil {
			return domain.Version{}, err
		}
	} else {
		ok, err := e.Repo.RejectVersionTx(ctx, tx, versionID, actorID, notes, now)
		if err != nil {
			return domain.Version{}, err
		}
		if !ok {
			return domain.Version{}, fmt.Errorf("%w: version %d changed during review", ErrStaleVersion, v.VersionNumber)
		}
		if err := e.Events.Append(ctx, tx, events.VersionRejected, v.CycleID, v.ReportID, "version", v.ID, actorID, events.EventPayload{
			"scope_kind": v.ScopeKind, "version_number": v.VersionNumber, "notes": notes,
		}); err != nil {
			return domain.Version{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return e.Repo.GetVersion(ctx, versionID)
}

// ReviewDecision records the report owner's concur/disagree on one decision
// of a pending version and refreshes the effective outcome.
func (e Engine) ReviewDecision(ctx context.Context, versionID, entityRef, decision, notes, actorID string) (domain.Decision, error) {
	if decision == "" {
		return domain.Decision{}, errors.New("decision is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Decision{}, err
	}
	if v.Status != "pending_approval" {
		return domain.Decision{}, fmt.Errorf("%w: version %d is %s, not pending_approval", ErrStaleVersion, v.VersionNumber, v.Status)
	}
	d, err := e.Repo.GetDecisionTx(ctx, tx, versionID, entityRef)
	if err != nil {
		return domain.Decision{}, err
	}
	now := e.nowStr()
	if err := e.Repo.SetOwnerDecisionTx(ctx, tx, versionID, entityRef, decision, notes, actorID, now); err != nil {
		return domain.Decision{}, err
	}
	d.OwnerDecision = &decision
	d.OwnerNotes = notes
	d.OwnerActor = &actorID
	d.OwnerAt = &now
	if err := e.Repo.SetEffectiveOutcomeTx(ctx, tx, d.ID, d.Effective(), now); err != nil {
		return domain.Decision{}, err
	}
	d.EffectiveOutcome = d.Effective()
	d.UpdatedAt = now
	if err := e.Events.Append(ctx, tx, events.DecisionReviewed, v.CycleID, v.ReportID, "decision", d.ID, actorID, events.EventPayload{
		"entity_ref": entityRef, "decision": decision,
	}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	return d, nil
}

// OverrideDecision records a final override on a decision of the currently
// approved version. Overrides always carry a reason and win the precedence.
func (e Engine) OverrideDecision(ctx context.Context, versionID, entityRef, decision, reason, actorID string) (domain.Decision, error) {
	if decision == "" {
		return domain.Decision{}, errors.New("decision is required")
	}
	if reason == "" {
		return domain.Decision{}, errors.New("override reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Decision{}, err
	}
	if v.Status != "approved" {
		return domain.Decision{}, fmt.Errorf("%w: version %d is %s, not the approved version", ErrStaleVersion, v.VersionNumber, v.Status)
	}
	d, err := e.Repo.GetDecisionTx(ctx, tx, versionID, entityRef)
	if err != nil {
		return domain.Decision{}, err
	}
	now := e.nowStr()
	if err := e.Repo.SetOverrideTx(ctx, tx, versionID, entityRef, decision, reason, actorID, now); err != nil {
		return domain.Decision{}, err
	}
	d.OverrideDecision = &decision
	d.OverrideReason = reason
	d.OverrideActor = &actorID
	d.OverrideAt = &now
	if err := e.Repo.SetEffectiveOutcomeTx(ctx, tx, d.ID, d.Effective(), now); err != nil {
		return domain.Decision{}, err
	}
	d.EffectiveOutcome = d.Effective()
	d.UpdatedAt = now
	if err := e.Events.Append(ctx, tx, events.DecisionOverridden, v.CycleID, v.ReportID, "decision", d.ID, actorID, events.EventPayload{
		"entity_ref": entityRef, "decision": decision, "reason": reason,
	}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	return d, nil
}

// AbandonDraft withdraws a draft version. The slot frees up for a new draft.
func (e Engine) AbandonDraft(ctx context.Context, versionID, actorID string) (domain.Version, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.nowStr()
	ok, err := e.Repo.AbandonVersionTx(ctx, tx, versionID, actorID, now)
	if err != nil {
		return domain.Version{}, err
	}
	if !ok {
		return domain.Version{}, fmt.Errorf("%w: version %d is %s", ErrVersionNotDraft, v.VersionNumber, v.Status)
	}
	if err := e.Events.Append(ctx, tx, events.VersionAbandoned, v.CycleID, v.ReportID, "version", v.ID, actorID, events.EventPayload{
		"scope_kind": v.ScopeKind, "version_number": v.VersionNumber,
	}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return e.Repo.GetVersion(ctx, versionID)
}

// ApprovedScope returns the approved version of a scope with its decisions.
func (e Engine) ApprovedScope(ctx context.Context, cycleID, reportID, phaseName, scopeKind string) (domain.Version, []domain.Decision, error) {
	phase, err := e.Repo.GetPhaseByName(ctx, cycleID, reportID, phaseName)
	if err != nil {
		return domain.Version{}, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Version{}, nil, err
	}
	defer tx.Rollback()
	v, err := e.Repo.ApprovedVersionTx(ctx, tx, phase.ID, scopeKind)
	if err != nil {
		return domain.Version{}, nil, err
	}
	decisions, err := e.Repo.ListDecisionsTx(ctx, tx, v.ID)
	if err != nil {
		return domain.Version{}, nil, err
	}
	return v, decisions, tx.Commit()
}
