package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event type names emitted by the engines. External subscribers key off
// these strings, so they are append-only.
const (
	CycleCreated        = "cycle.created"
	ReportCreated       = "report.created"
	PhaseStarted        = "phase.started"
	PhaseCompleted      = "phase.completed"
	PhaseBlocked        = "phase.blocked"
	PhaseUnblocked      = "phase.unblocked"
	PhaseRolledBack     = "phase.rolled_back"
	ActivityStarted     = "activity.started"
	ActivityCompleted   = "activity.completed"
	ActivityBlocked     = "activity.blocked"
	ActivityUnblocked   = "activity.unblocked"
	ActivitySkipped     = "activity.skipped"
	VersionDraftCreated = "version.draft_created"
	VersionSubmitted    = "version.submitted"
	VersionApproved     = "version.approved"
	VersionRejected     = "version.rejected"
	VersionAbandoned    = "version.abandoned"
	DecisionAdded       = "decision.added"
	DecisionReviewed    = "decision.reviewed"
	DecisionOverridden  = "decision.overridden"
	SLAViolationRaised  = "sla.violation_raised"
	SLAWarningSent      = "sla.warning_sent"
	EscalationFired     = "sla.escalation_fired"
	ManualIntervention  = "sla.manual_intervention"
	ViolationResolved   = "sla.violation_resolved"
	ExecutionEnqueued   = "execution.enqueued"
	ExecutionRetry      = "execution.retry_scheduled"
	ExecutionSucceeded  = "execution.succeeded"
	ExecutionCancelled  = "execution.cancelled"
	CompensationRun     = "compensation.executed"
	AssignmentCreated   = "assignment.created"
	AssignmentUpdated   = "assignment.updated"
	RoleGranted         = "role.granted"
	RoleRevoked         = "role.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, cycleID, reportID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,cycle_id,report_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(cycleID), nullable(reportID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
