package domain

type Cycle struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,closed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Report struct {
	ID            string `json:"id"`
	CycleID       string `json:"cycle_id"`
	Title         string `json:"title"`
	ReportOwnerID string `json:"report_owner_id,omitempty"`
	Status        string `json:"status" enum:"active,archived"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type PhaseDependency struct {
	DependsOn string `json:"depends_on"`
	Optional  bool   `json:"optional,omitempty"`
}

type Phase struct {
	ID            string            `json:"id"`
	CycleID       string            `json:"cycle_id"`
	ReportID      string            `json:"report_id"`
	Name          string            `json:"name"`
	Seq           int               `json:"seq"`
	Status        string            `json:"status" enum:"not_started,in_progress,complete,blocked"`
	BlockedReason string            `json:"blocked_reason,omitempty"`
	DependsOn     []PhaseDependency `json:"depends_on,omitempty"`
	StartedAt     *string           `json:"started_at,omitempty" format:"date-time"`
	EndedAt       *string           `json:"ended_at,omitempty" format:"date-time"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
	UpdatedAt     string            `json:"updated_at" format:"date-time"`
}

type Activity struct {
	ID              string   `json:"id"`
	CycleID         string   `json:"cycle_id"`
	ReportID        string   `json:"report_id"`
	PhaseID         string   `json:"phase_id"`
	Name            string   `json:"name"`
	Type            string   `json:"type" enum:"start,task,review,approval,complete,custom"`
	OrderIdx        int      `json:"order_idx"`
	IsManual        bool     `json:"is_manual"`
	IsOptional      bool     `json:"is_optional"`
	SLAType         string   `json:"sla_type,omitempty"`
	RequiresVersion string   `json:"requires_version,omitempty" enum:",decision_set,sample_set,attribute_set"`
	Status          string   `json:"status" enum:"not_started,in_progress,complete,blocked"`
	BlockedReason   string   `json:"blocked_reason,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Version struct {
	ID             string  `json:"id"`
	CycleID        string  `json:"cycle_id"`
	ReportID       string  `json:"report_id"`
	PhaseID        string  `json:"phase_id"`
	ScopeKind      string  `json:"scope_kind" enum:"decision_set,sample_set,attribute_set"`
	VersionNumber  int     `json:"version_number"`
	Status         string  `json:"status" enum:"draft,pending_approval,approved,rejected,superseded"`
	CreatedBy      string  `json:"created_by"`
	SubmittedBy    *string `json:"submitted_by,omitempty"`
	SubmittedAt    *string `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedBy     *string `json:"reviewed_by,omitempty"`
	ReviewedAt     *string `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewNotes    string  `json:"review_notes,omitempty"`
	PriorVersionID *string `json:"prior_version_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Decision struct {
	ID               string  `json:"id"`
	VersionID        string  `json:"version_id"`
	EntityRef        string  `json:"entity_ref"`
	TesterDecision   string  `json:"tester_decision"`
	TesterRationale  string  `json:"tester_rationale,omitempty"`
	TesterActor      string  `json:"tester_actor"`
	TesterAt         string  `json:"tester_at" format:"date-time"`
	OwnerDecision    *string `json:"owner_decision,omitempty"`
	OwnerNotes       string  `json:"owner_notes,omitempty"`
	OwnerActor       *string `json:"owner_actor,omitempty"`
	OwnerAt          *string `json:"owner_at,omitempty" format:"date-time"`
	OverrideDecision *string `json:"override_decision,omitempty"`
	OverrideReason   string  `json:"override_reason,omitempty"`
	OverrideActor    *string `json:"override_actor,omitempty"`
	OverrideAt       *string `json:"override_at,omitempty" format:"date-time"`
	EffectiveOutcome string  `json:"effective_outcome,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Effective returns the decision outcome under the fixed precedence:
// an override wins, then the report owner's decision, then the tester's.
func (d Decision) Effective() string {
	if d.OverrideDecision != nil && *d.OverrideDecision != "" {
		return *d.OverrideDecision
	}
	if d.OwnerDecision != nil && *d.OwnerDecision != "" {
		return *d.OwnerDecision
	}
	return d.TesterDecision
}

type Assignment struct {
	ID          string  `json:"id"`
	CycleID     string  `json:"cycle_id"`
	ReportID    string  `json:"report_id"`
	FromActor   string  `json:"from_actor"`
	ToRole      string  `json:"to_role,omitempty"`
	ToActor     string  `json:"to_actor,omitempty"`
	Type        string  `json:"type"`
	ContextJSON string  `json:"context_json,omitempty"`
	Status      string  `json:"status" enum:"assigned,in_progress,completed,overdue,cancelled"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type SLAConfig struct {
	SLAType           string  `json:"sla_type"`
	SLAHours          float64 `json:"sla_hours"`
	WarningHours      float64 `json:"warning_hours"`
	BusinessHoursOnly bool    `json:"business_hours_only"`
	ExcludeWeekends   bool    `json:"exclude_weekends"`
	AutoEscalate      bool    `json:"auto_escalate"`
	IntervalHours     float64 `json:"escalation_interval_hours,omitempty"`
	Active            bool    `json:"active"`
}

type EscalationRule struct {
	ID               int64   `json:"id"`
	SLAType          string  `json:"sla_type"`
	Order            int     `json:"escalation_order"`
	HoursAfterBreach float64 `json:"hours_after_breach"`
	EscalateToRole   string  `json:"escalate_to_role"`
	EscalateToUser   string  `json:"escalate_to_user,omitempty"`
	NotifyTemplate   string  `json:"notify_template,omitempty"`
}

type SLAViolation struct {
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
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type EscalationLogEntry struct {
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

type Execution struct {
	ID            string `json:"id"`
	CycleID       string `json:"cycle_id"`
	ReportID      string `json:"report_id"`
	ActivityID    string `json:"activity_id"`
	PolicyType    string `json:"policy_type"`
	Status        string `json:"status" enum:"pending,running,succeeded,retry_scheduled,compensation_required,compensated,cancelled"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"max_attempts"`
	NextAttemptAt string `json:"next_attempt_at" format:"date-time"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorType string `json:"last_error_type,omitempty"`
	PayloadJSON   string `json:"payload_json,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type RetryLogEntry struct {
	ID            int64   `json:"id"`
	ExecutionID   string  `json:"execution_id"`
	AttemptNumber int     `json:"attempt_number"`
	Success       bool    `json:"success"`
	ErrorType     string  `json:"error_type,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	DurationMS    int64   `json:"duration_ms"`
	RetryAfterSec float64 `json:"retry_after_seconds,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type CompensationLogEntry struct {
	ID                 int64    `json:"id"`
	ExecutionID        string   `json:"execution_id"`
	Action             string   `json:"action" enum:"rollback,notify,skip"`
	Success            bool     `json:"success"`
	PhasesRolledBack   []string `json:"phases_rolled_back,omitempty"`
	Notifications      []string `json:"notifications,omitempty"`
	ManualIntervention bool     `json:"manual_intervention_required"`
	Error              string   `json:"error,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID             string  `json:"id"`
	CycleID        string  `json:"cycle_id"`
	ReportID       string  `json:"report_id,omitempty"`
	RecipientRole  string  `json:"recipient_role,omitempty"`
	RecipientActor string  `json:"recipient_actor,omitempty"`
	TemplateKey    string  `json:"template_key"`
	ContextJSON    string  `json:"context_json,omitempty"`
	Status         string  `json:"status" enum:"queued,sent,failed"`
	Attempts       int     `json:"attempts"`
	Error          string  `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	SentAt         *string `json:"sent_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id,omitempty"`
	ReportID   string `json:"report_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PhaseOrder is the canonical workflow phase sequence. Phase names anywhere
// else in the system must come from this list.
func PhaseOrder() []string {
	return []string{
		"planning",
		"scoping",
		"data_profiling",
		"data_owner_id",
		"sample_selection",
		"request_info",
		"test_execution",
		"observation_mgmt",
		"test_report",
	}
}

// PhaseSeq returns the 1-based position of name in the canonical ordering,
// or 0 when the name is unknown.
func PhaseSeq(name string) int {
	for i, n := range PhaseOrder() {
		if n == name {
			return i + 1
		}
	}
	return 0
}

func ValidActivityType(t string) bool {
	switch t {
	case "start", "task", "review", "approval", "complete", "custom":
		return true
	}
	return false
}

func ValidScopeKind(k string) bool {
	switch k {
	case "decision_set", "sample_set", "attribute_set":
		return true
	}
	return false
}
