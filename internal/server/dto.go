package server

import (
	"encoding/json"

	"regline/internal/domain"
)

// Request payloads

type CreateCycleRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateReportRequest struct {
	ID            *string `json:"id,omitempty"`
	Title         string  `json:"title"`
	ReportOwnerID *string `json:"report_owner_id,omitempty"`
}

type BlockRequest struct {
	Reason string `json:"reason"`
}

type CreateVersionRequest struct {
	ScopeKind string `json:"scope_kind" enum:"decision_set,sample_set,attribute_set"`
}

type AddDecisionRequest struct {
	EntityRef string  `json:"entity_ref"`
	Decision  string  `json:"decision"`
	Rationale *string `json:"rationale,omitempty"`
}

type ImportDecisionsRequest struct {
	Items []AddDecisionRequest `json:"items"`
}

type ReviewVersionRequest struct {
	Verdict string  `json:"verdict" enum:"approve,reject"`
	Notes   *string `json:"notes,omitempty"`
}

type ReviewDecisionRequest struct {
	Decision string  `json:"decision"`
	Notes    *string `json:"notes,omitempty"`
}

type OverrideDecisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

type ResolveViolationRequest struct {
	Resolution string `json:"resolution,omitempty"`
}

type EnqueueExecutionRequest struct {
	ActivityID string         `json:"activity_id"`
	PolicyType string         `json:"policy_type" enum:"data_fetch,llm_request,database_operation,email_notification,phase_transition"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type AssignmentStatusRequest struct {
	Status string `json:"status" enum:"in_progress,completed,cancelled"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type CycleResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,closed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ReportResponse struct {
	ID            string `json:"id"`
	CycleID       string `json:"cycle_id"`
	Title         string `json:"title"`
	ReportOwnerID string `json:"report_owner_id,omitempty"`
	Status        string `json:"status" enum:"active,archived"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type ReportStatusResponse struct {
	Report ReportResponse  `json:"report"`
	Phases []PhaseResponse `json:"phases"`
}

type PhaseDependencyResponse struct {
	DependsOn string `json:"depends_on"`
	Optional  bool   `json:"optional,omitempty"`
}

type PhaseResponse struct {
	ID            string                    `json:"id"`
	CycleID       string                    `json:"cycle_id"`
	ReportID      string                    `json:"report_id"`
	Name          string                    `json:"name"`
	Seq           int                       `json:"seq"`
	Status        string                    `json:"status" enum:"not_started,in_progress,complete,blocked"`
	BlockedReason string                    `json:"blocked_reason,omitempty"`
	DependsOn     []PhaseDependencyResponse `json:"depends_on,omitempty"`
	StartedAt     *string                   `json:"started_at,omitempty" format:"date-time"`
	EndedAt       *string                   `json:"ended_at,omitempty" format:"date-time"`
	Activities    []ActivityResponse        `json:"activities,omitempty"`
}

type ActivityResponse struct {
	ID              string             `json:"id"`
	CycleID         string             `json:"cycle_id"`
	ReportID        string             `json:"report_id"`
	PhaseID         string             `json:"phase_id"`
	Name            string             `json:"name"`
	Type            string             `json:"type" enum:"start,task,review,approval,complete,custom"`
	OrderIdx        int                `json:"order_idx"`
	IsManual        bool               `json:"is_manual"`
	IsOptional      bool               `json:"is_optional"`
	SLAType         string             `json:"sla_type,omitempty"`
	RequiresVersion string             `json:"requires_version,omitempty"`
	Status          string             `json:"status" enum:"not_started,in_progress,complete,blocked"`
	BlockedReason   string             `json:"blocked_reason,omitempty"`
	DependsOn       []string           `json:"depends_on,omitempty"`
	StartedAt       *string            `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string            `json:"completed_at,omitempty" format:"date-time"`
	OpenViolation   *ViolationResponse `json:"open_violation,omitempty"`
}

type VersionResponse struct {
	ID             string             `json:"id"`
	CycleID        string             `json:"cycle_id"`
	ReportID       string             `json:"report_id"`
	PhaseID        string             `json:"phase_id"`
	ScopeKind      string             `json:"scope_kind" enum:"decision_set,sample_set,attribute_set"`
	VersionNumber  int                `json:"version_number"`
	Status         string             `json:"status" enum:"draft,pending_approval,approved,rejected,superseded"`
	CreatedBy      string             `json:"created_by"`
	SubmittedBy    *string            `json:"submitted_by,omitempty"`
	SubmittedAt    *string            `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedBy     *string            `json:"reviewed_by,omitempty"`
	ReviewedAt     *string            `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewNotes    string             `json:"review_notes,omitempty"`
	PriorVersionID *string            `json:"prior_version_id,omitempty"`
	CreatedAt      string             `json:"created_at" format:"date-time"`
	Decisions      []DecisionResponse `json:"decisions,omitempty"`
}

type DecisionResponse struct {
	ID               string  `json:"id"`
	VersionID        string  `json:"version_id"`
	EntityRef        string  `json:"entity_ref"`
	TesterDecision   string  `json:"tester_decision"`
	TesterRationale  string  `json:"tester_rationale,omitempty"`
	TesterActor      string  `json:"tester_actor"`
	OwnerDecision    *string `json:"owner_decision,omitempty"`
	OwnerNotes       string  `json:"owner_notes,omitempty"`
	OwnerActor       *string `json:"owner_actor,omitempty"`
	OverrideDecision *string `json:"override_decision,omitempty"`
	OverrideReason   string  `json:"override_reason,omitempty"`
	OverrideActor    *string `json:"override_actor,omitempty"`
	EffectiveOutcome string  `json:"effective_outcome"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type ViolationResponse struct {
	ID                 string  `json:"id"`
	CycleID            string  `json:"cycle_id"`
	ReportID           string  `json:"report_id"`
	PhaseID            string  `json:"phase_id"`
	ActivityID         string  `json:"activity_id"`
	SLAType            string  `json:"sla_type"`
	StartedAt          string  `json:"started_at" format:"date-time"`
	DueAt              string  `json:"due_at" format:"date-time"`
	WarnAt             string  `json:"warn_at,omitempty" format:"date-time"`
	Warned             bool    `json:"warned"`
	IsViolated         bool    `json:"is_violated"`
	ViolationHours     float64 `json:"violation_hours"`
	EscalationLevel    int     `json:"current_escalation_level"`
	EscalationCount    int     `json:"escalation_count"`
	ManualIntervention bool    `json:"manual_intervention_required"`
	Resolved           bool    `json:"resolved"`
	ResolvedAt         *string `json:"resolved_at,omitempty" format:"date-time"`
	Resolution         string  `json:"resolution,omitempty"`
}

type EscalationLogResponse struct {
	ID               int64   `json:"id"`
	ViolationID      string  `json:"violation_id"`
	Level            int     `json:"level"`
	HoursAfterBreach float64 `json:"hours_after_breach"`
	NotifiedRole     string  `json:"notified_role,omitempty"`
	NotifiedUser     string  `json:"notified_user,omitempty"`
	AssignmentID     string  `json:"assignment_id,omitempty"`
	NotificationID   string  `json:"notification_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type ExecutionResponse struct {
	ID              string                    `json:"id"`
	CycleID         string                    `json:"cycle_id"`
	ReportID        string                    `json:"report_id"`
	ActivityID      string                    `json:"activity_id"`
	PolicyType      string                    `json:"policy_type"`
	Status          string                    `json:"status" enum:"pending,running,succeeded,retry_scheduled,compensation_required,compensated,cancelled"`
	Attempt         int                       `json:"attempt"`
	MaxAttempts     int                       `json:"max_attempts"`
	NextAttemptAt   string                    `json:"next_attempt_at" format:"date-time"`
	LastError       string                    `json:"last_error,omitempty"`
	LastErrorType   string                    `json:"last_error_type,omitempty"`
	Payload         map[string]any            `json:"payload,omitempty"`
	RetryLog        []RetryLogResponse        `json:"retry_log,omitempty"`
	CompensationLog []CompensationLogResponse `json:"compensation_log,omitempty"`
}

type RetryLogResponse struct {
	AttemptNumber int     `json:"attempt_number"`
	Success       bool    `json:"success"`
	ErrorType     string  `json:"error_type,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	DurationMS    int64   `json:"duration_ms"`
	RetryAfterSec float64 `json:"retry_after_seconds,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type CompensationLogResponse struct {
	Action             string   `json:"action" enum:"rollback,notify,skip"`
	Success            bool     `json:"success"`
	PhasesRolledBack   []string `json:"phases_rolled_back,omitempty"`
	Notifications      []string `json:"notifications,omitempty"`
	ManualIntervention bool     `json:"manual_intervention_required"`
	Error              string   `json:"error,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID          string         `json:"id"`
	CycleID     string         `json:"cycle_id"`
	ReportID    string         `json:"report_id"`
	FromActor   string         `json:"from_actor"`
	ToRole      string         `json:"to_role,omitempty"`
	ToActor     string         `json:"to_actor,omitempty"`
	Type        string         `json:"type"`
	Context     map[string]any `json:"context,omitempty"`
	Status      string         `json:"status" enum:"assigned,in_progress,completed,overdue,cancelled"`
	DueAt       *string        `json:"due_at,omitempty" format:"date-time"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CycleID    string         `json:"cycle_id,omitempty"`
	ReportID   string         `json:"report_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func cycleResponse(c domain.Cycle) CycleResponse {
	return CycleResponse(c)
}

func reportResponse(r domain.Report) ReportResponse {
	return ReportResponse(r)
}

func phaseResponse(p domain.Phase) PhaseResponse {
	deps := make([]PhaseDependencyResponse, 0, len(p.DependsOn))
	for _, d := range p.DependsOn {
		deps = append(deps, PhaseDependencyResponse(d))
	}
	return PhaseResponse{
		ID:            p.ID,
		CycleID:       p.CycleID,
		ReportID:      p.ReportID,
		Name:          p.Name,
		Seq:           p.Seq,
		Status:        p.Status,
		BlockedReason: p.BlockedReason,
		DependsOn:     deps,
		StartedAt:     p.StartedAt,
		EndedAt:       p.EndedAt,
	}
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse{
		ID:              a.ID,
		CycleID:         a.CycleID,
		ReportID:        a.ReportID,
		PhaseID:         a.PhaseID,
		Name:            a.Name,
		Type:            a.Type,
		OrderIdx:        a.OrderIdx,
		IsManual:        a.IsManual,
		IsOptional:      a.IsOptional,
		SLAType:         a.SLAType,
		RequiresVersion: a.RequiresVersion,
		Status:          a.Status,
		BlockedReason:   a.BlockedReason,
		DependsOn:       a.DependsOn,
		StartedAt:       a.StartedAt,
		CompletedAt:     a.CompletedAt,
	}
}

func versionResponse(v domain.Version) VersionResponse {
	return VersionResponse{
		ID:             v.ID,
		CycleID:        v.CycleID,
		ReportID:       v.ReportID,
		PhaseID:        v.PhaseID,
		ScopeKind:      v.ScopeKind,
		VersionNumber:  v.VersionNumber,
		Status:         v.Status,
		CreatedBy:      v.CreatedBy,
		SubmittedBy:    v.SubmittedBy,
		SubmittedAt:    v.SubmittedAt,
		ReviewedBy:     v.ReviewedBy,
		ReviewedAt:     v.ReviewedAt,
		ReviewNotes:    v.ReviewNotes,
		PriorVersionID: v.PriorVersionID,
		CreatedAt:      v.CreatedAt,
	}
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		ID:               d.ID,
		VersionID:        d.VersionID,
		EntityRef:        d.EntityRef,
		TesterDecision:   d.TesterDecision,
		TesterRationale:  d.TesterRationale,
		TesterActor:      d.TesterActor,
		OwnerDecision:    d.OwnerDecision,
		OwnerNotes:       d.OwnerNotes,
		OwnerActor:       d.OwnerActor,
		OverrideDecision: d.OverrideDecision,
		OverrideReason:   d.OverrideReason,
		OverrideActor:    d.OverrideActor,
		EffectiveOutcome: d.Effective(),
		UpdatedAt:        d.UpdatedAt,
	}
}

func violationResponse(v domain.SLAViolation) ViolationResponse {
	return ViolationResponse{
		ID:                 v.ID,
		CycleID:            v.CycleID,
		ReportID:           v.ReportID,
		PhaseID:            v.PhaseID,
		ActivityID:         v.ActivityID,
		SLAType:            v.SLAType,
		StartedAt:          v.StartedAt,
		DueAt:              v.DueAt,
		WarnAt:             v.WarnAt,
		Warned:             v.Warned,
		IsViolated:         v.IsViolated,
		ViolationHours:     v.ViolationHours,
		EscalationLevel:    v.EscalationLevel,
		EscalationCount:    v.EscalationCount,
		ManualIntervention: v.ManualIntervention,
		Resolved:           v.Resolved,
		ResolvedAt:         v.ResolvedAt,
		Resolution:         v.Resolution,
	}
}

func escalationLogResponse(e domain.EscalationLogEntry) EscalationLogResponse {
	return EscalationLogResponse(e)
}

func executionResponse(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:            e.ID,
		CycleID:       e.CycleID,
		ReportID:      e.ReportID,
		ActivityID:    e.ActivityID,
		PolicyType:    e.PolicyType,
		Status:        e.Status,
		Attempt:       e.Attempt,
		MaxAttempts:   e.MaxAttempts,
		NextAttemptAt: e.NextAttemptAt,
		LastError:     e.LastError,
		LastErrorType: e.LastErrorType,
		Payload:       decodeJSONMap(strPtr(e.PayloadJSON)),
	}
}

func retryLogResponse(e domain.RetryLogEntry) RetryLogResponse {
	return RetryLogResponse{
		AttemptNumber: e.AttemptNumber,
		Success:       e.Success,
		ErrorType:     e.ErrorType,
		ErrorMessage:  e.ErrorMessage,
		DurationMS:    e.DurationMS,
		RetryAfterSec: e.RetryAfterSec,
		CreatedAt:     e.CreatedAt,
	}
}

func compensationLogResponse(e domain.CompensationLogEntry) CompensationLogResponse {
	return CompensationLogResponse{
		Action:             e.Action,
		Success:            e.Success,
		PhasesRolledBack:   e.PhasesRolledBack,
		Notifications:      e.Notifications,
		ManualIntervention: e.ManualIntervention,
		Error:              e.Error,
		CreatedAt:          e.CreatedAt,
	}
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:          a.ID,
		CycleID:     a.CycleID,
		ReportID:    a.ReportID,
		FromActor:   a.FromActor,
		ToRole:      a.ToRole,
		ToActor:     a.ToActor,
		Type:        a.Type,
		Context:     decodeJSONMap(strPtr(a.ContextJSON)),
		Status:      a.Status,
		DueAt:       a.DueAt,
		CreatedAt:   a.CreatedAt,
		CompletedAt: a.CompletedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CycleID:    e.CycleID,
		ReportID:   e.ReportID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func mapCycles(items []domain.Cycle) []CycleResponse {
	res := make([]CycleResponse, 0, len(items))
	for _, c := range items {
		res = append(res, cycleResponse(c))
	}
	return res
}

func mapReports(items []domain.Report) []ReportResponse {
	res := make([]ReportResponse, 0, len(items))
	for _, r := range items {
		res = append(res, reportResponse(r))
	}
	return res
}

func mapPhases(items []domain.Phase) []PhaseResponse {
	res := make([]PhaseResponse, 0, len(items))
	for _, p := range items {
		res = append(res, phaseResponse(p))
	}
	return res
}

func mapActivities(items []domain.Activity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

func mapVersions(items []domain.Version) []VersionResponse {
	res := make([]VersionResponse, 0, len(items))
	for _, v := range items {
		res = append(res, versionResponse(v))
	}
	return res
}

func mapDecisions(items []domain.Decision) []DecisionResponse {
	res := make([]DecisionResponse, 0, len(items))
	for _, d := range items {
		res = append(res, decisionResponse(d))
	}
	return res
}

func mapViolations(items []domain.SLAViolation) []ViolationResponse {
	res := make([]ViolationResponse, 0, len(items))
	for _, v := range items {
		res = append(res, violationResponse(v))
	}
	return res
}

func mapExecutions(items []domain.Execution) []ExecutionResponse {
	res := make([]ExecutionResponse, 0, len(items))
	for _, e := range items {
		res = append(res, executionResponse(e))
	}
	return res
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
