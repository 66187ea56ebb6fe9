package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"regline/internal/domain"
)

// Config models regline.yml.
type Config struct {
	Cycle struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"cycle"`
	Workflow struct {
		Phases []PhaseTemplate `yaml:"phases"`
	} `yaml:"workflow"`
	Calendar      CalendarConfig              `yaml:"calendar"`
	SLAs          map[string]SLAPolicy        `yaml:"slas"`
	Escalations   map[string][]EscalationStep `yaml:"escalations"`
	Retry         map[string]RetryPolicy      `yaml:"retry"`
	Notifications NotificationsConfig         `yaml:"notifications"`
	RBAC          struct {
		Roles       map[string]RBACRole `yaml:"roles"`
		Assignments []RoleAssignment    `yaml:"assignments"`
	} `yaml:"rbac"`
	Sweep SweepConfig `yaml:"sweep"`
}

type PhaseTemplate struct {
	Name       string             `yaml:"name"`
	Optional   bool               `yaml:"optional"`
	Activities []ActivityTemplate `yaml:"activities"`
}

type ActivityTemplate struct {
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"`
	Manual          *bool    `yaml:"manual"`
	Optional        bool     `yaml:"optional"`
	SLAType         string   `yaml:"sla_type"`
	RequiresVersion string   `yaml:"requires_version"`
	DependsOn       []string `yaml:"depends_on"`
}

// IsManual defaults to true; automated activities opt out explicitly.
func (a ActivityTemplate) IsManual() bool {
	if a.Manual == nil {
		return true
	}
	return *a.Manual
}

type CalendarConfig struct {
	Timezone     string   `yaml:"timezone"`
	DayStartHour int      `yaml:"day_start_hour"`
	DayEndHour   int      `yaml:"day_end_hour"`
	WeekendDays  []string `yaml:"weekend_days"`
	Holidays     []string `yaml:"holidays"`
}

type SLAPolicy struct {
	Hours             float64 `yaml:"hours"`
	WarningHours      float64 `yaml:"warning_hours"`
	BusinessHoursOnly bool    `yaml:"business_hours_only"`
	ExcludeWeekends   bool    `yaml:"exclude_weekends"`
	AutoEscalate      *bool   `yaml:"auto_escalate"`
	IntervalHours     float64 `yaml:"escalation_interval_hours"`
}

func (p SLAPolicy) Escalates() bool {
	if p.AutoEscalate == nil {
		return true
	}
	return *p.AutoEscalate
}

type EscalationStep struct {
	Order            int     `yaml:"order"`
	HoursAfterBreach float64 `yaml:"hours_after_breach"`
	Role             string  `yaml:"role"`
	User             string  `yaml:"user"`
	Template         string  `yaml:"template"`
}

type RetryPolicy struct {
	MaxAttempts        int                `yaml:"max_attempts"`
	InitialIntervalSec float64            `yaml:"initial_interval_seconds"`
	BackoffCoefficient float64            `yaml:"backoff_coefficient"`
	MaxIntervalSec     float64            `yaml:"max_interval_seconds"`
	NonRetryable       []string           `yaml:"non_retryable_errors"`
	Compensation       CompensationPolicy `yaml:"compensation"`
}

type CompensationPolicy struct {
	Action         string   `yaml:"action"`
	RollbackPhases []string `yaml:"rollback_phases"`
	NotifyRole     string   `yaml:"notify_role"`
	Template       string   `yaml:"template"`
}

type NotificationsConfig struct {
	// Webhook receives queued notifications (escalations, compensation
	// alerts) as JSON POSTs. Empty disables delivery.
	Webhook  string          `yaml:"webhook"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig subscribes an endpoint to the event stream.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type RoleAssignment struct {
	Actor string   `yaml:"actor"`
	Roles []string `yaml:"roles"`
}

type SweepConfig struct {
	SLAIntervalSeconds    int `yaml:"sla_interval_seconds"`
	RetryIntervalSeconds  int `yaml:"retry_interval_seconds"`
	NotifyIntervalSeconds int `yaml:"notify_interval_seconds"`
}

// PolicyTypes is the closed set of retry policy keys.
func PolicyTypes() []string {
	return []string{"data_fetch", "llm_request", "database_operation", "email_notification", "phase_transition"}
}

func validPolicyType(t string) bool {
	for _, p := range PolicyTypes() {
		if p == t {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rl cycle config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Cycle.ID == "" {
		return fmt.Errorf("config.cycle.id is required")
	}
	if len(c.Workflow.Phases) == 0 {
		return fmt.Errorf("config.workflow.phases is required")
	}
	lastSeq := 0
	seen := map[string]bool{}
	for _, p := range c.Workflow.Phases {
		seq := domain.PhaseSeq(p.Name)
		if seq == 0 {
			return fmt.Errorf("unknown workflow phase %s", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("workflow phase %s listed twice", p.Name)
		}
		seen[p.Name] = true
		if seq <= lastSeq {
			return fmt.Errorf("workflow phase %s out of order", p.Name)
		}
		lastSeq = seq
		if len(p.Activities) == 0 {
			return fmt.Errorf("phase %s has no activities", p.Name)
		}
		names := map[string]bool{}
		for _, a := range p.Activities {
			if a.Name == "" {
				return fmt.Errorf("phase %s has an activity without a name", p.Name)
			}
			if names[a.Name] {
				return fmt.Errorf("phase %s activity %s listed twice", p.Name, a.Name)
			}
			if !domain.ValidActivityType(a.Type) {
				return fmt.Errorf("activity %s/%s has unknown type %s", p.Name, a.Name, a.Type)
			}
			if a.RequiresVersion != "" && !domain.ValidScopeKind(a.RequiresVersion) {
				return fmt.Errorf("activity %s/%s requires unknown version scope %s", p.Name, a.Name, a.RequiresVersion)
			}
			if a.SLAType != "" {
				if _, ok := c.SLAs[a.SLAType]; !ok {
					return fmt.Errorf("activity %s/%s references undefined sla %s", p.Name, a.Name, a.SLAType)
				}
			}
			for _, dep := range a.DependsOn {
				if !names[dep] {
					return fmt.Errorf("activity %s/%s depends on %s which is not an earlier activity in the phase", p.Name, a.Name, dep)
				}
			}
			names[a.Name] = true
		}
	}
	for _, name := range domain.PhaseOrder() {
		if !seen[name] {
			return fmt.Errorf("config.workflow.phases must include %s", name)
		}
	}
	if err := c.validateCalendar(); err != nil {
		return err
	}
	for slaType, policy := range c.SLAs {
		if slaType == "" {
			return fmt.Errorf("config.slas contains an empty sla type")
		}
		if policy.Hours <= 0 {
			return fmt.Errorf("sla %s must have positive hours", slaType)
		}
		if policy.WarningHours < 0 || policy.WarningHours >= policy.Hours {
			return fmt.Errorf("sla %s warning_hours must be in [0, hours)", slaType)
		}
	}
	for slaType, steps := range c.Escalations {
		if _, ok := c.SLAs[slaType]; !ok {
			return fmt.Errorf("escalation ladder for undefined sla %s", slaType)
		}
		if len(steps) > 4 {
			return fmt.Errorf("escalation ladder for %s has more than 4 levels", slaType)
		}
		prevHours := -1.0
		for i, step := range steps {
			if step.Order != i+1 {
				return fmt.Errorf("escalation ladder for %s must use contiguous orders starting at 1", slaType)
			}
			if step.HoursAfterBreach < 0 {
				return fmt.Errorf("escalation %s level %d has negative hours_after_breach", slaType, step.Order)
			}
			if step.HoursAfterBreach <= prevHours {
				return fmt.Errorf("escalation %s level %d must fire later than level %d", slaType, step.Order, step.Order-1)
			}
			prevHours = step.HoursAfterBreach
			if step.Role == "" && step.User == "" {
				return fmt.Errorf("escalation %s level %d needs a role or user", slaType, step.Order)
			}
			if step.Role != "" && len(c.RBAC.Roles) > 0 {
				if _, ok := c.RBAC.Roles[step.Role]; !ok {
					return fmt.Errorf("escalation %s level %d references unknown role %s", slaType, step.Order, step.Role)
				}
			}
		}
	}
	for policyType, policy := range c.Retry {
		if !validPolicyType(policyType) {
			return fmt.Errorf("unknown retry policy type %s", policyType)
		}
		if policy.MaxAttempts < 1 {
			return fmt.Errorf("retry policy %s must allow at least one attempt", policyType)
		}
		if policy.InitialIntervalSec <= 0 {
			return fmt.Errorf("retry policy %s must have positive initial_interval_seconds", policyType)
		}
		if policy.BackoffCoefficient < 1 {
			return fmt.Errorf("retry policy %s backoff_coefficient must be >= 1", policyType)
		}
		if policy.MaxIntervalSec < policy.InitialIntervalSec {
			return fmt.Errorf("retry policy %s max_interval_seconds below initial_interval_seconds", policyType)
		}
		switch policy.Compensation.Action {
		case "", "rollback", "notify", "skip":
		default:
			return fmt.Errorf("retry policy %s has unknown compensation action %s", policyType, policy.Compensation.Action)
		}
		for _, ph := range policy.Compensation.RollbackPhases {
			if domain.PhaseSeq(ph) == 0 {
				return fmt.Errorf("retry policy %s rollback references unknown phase %s", policyType, ph)
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for _, assignment := range c.RBAC.Assignments {
		if assignment.Actor == "" {
			return fmt.Errorf("config.rbac.assignments contains empty actor id")
		}
		for _, roleID := range assignment.Roles {
			if len(c.RBAC.Roles) > 0 {
				if _, ok := c.RBAC.Roles[roleID]; !ok {
					return fmt.Errorf("actor %s assigned unknown role %s", assignment.Actor, roleID)
				}
			}
		}
	}
	if c.Sweep.SLAIntervalSeconds < 0 || c.Sweep.RetryIntervalSeconds < 0 || c.Sweep.NotifyIntervalSeconds < 0 {
		return fmt.Errorf("config.sweep intervals cannot be negative")
	}
	return nil
}

func (c *Config) validateCalendar() error {
	start, end := c.Calendar.DayStartHour, c.Calendar.DayEndHour
	if start == 0 && end == 0 {
		return nil
	}
	if start < 0 || start > 23 {
		return fmt.Errorf("config.calendar.day_start_hour out of range")
	}
	if end < 1 || end > 24 {
		return fmt.Errorf("config.calendar.day_end_hour out of range")
	}
	if end <= start {
		return fmt.Errorf("config.calendar day window must end after it starts")
	}
	for _, d := range c.Calendar.WeekendDays {
		switch d {
		case "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday":
		default:
			return fmt.Errorf("config.calendar.weekend_days has unknown day %s", d)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "regline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(cycleID, name string) string {
	if name == "" {
		name = cycleID
	}
	return fmt.Sprintf(defaultTemplate, cycleID, name)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a cycle.
func Default(cycleID, name string) *Config {
	var cfg Config
	cfg.Cycle.ID = cycleID
	cfg.Cycle.Name = name
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(cycleID, name))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `cycle:
  id: %s
  name: %s

workflow:
  phases:
    - name: planning
      activities:
        - name: kickoff
          type: start
        - name: define_timeline
          type: task
        - name: confirm_plan
          type: approval
          sla_type: approval_turnaround

    - name: scoping
      activities:
        - name: draft_scope
          type: task
        - name: review_scope
          type: review
          sla_type: review_turnaround
        - name: approve_scope
          type: approval
          sla_type: approval_turnaround
          requires_version: attribute_set

    - name: data_profiling
      activities:
        - name: profile_sources
          type: task
          manual: false
          sla_type: data_turnaround
        - name: review_profile
          type: review
          sla_type: review_turnaround

    - name: data_owner_id
      activities:
        - name: identify_owners
          type: task
        - name: confirm_owners
          type: approval
          sla_type: approval_turnaround

    - name: sample_selection
      activities:
        - name: draft_samples
          type: task
        - name: review_samples
          type: review
          sla_type: review_turnaround
        - name: approve_samples
          type: approval
          sla_type: approval_turnaround
          requires_version: sample_set

    - name: request_info
      activities:
        - name: send_requests
          type: task
          manual: false
        - name: track_responses
          type: task
          sla_type: rfi_response
        - name: close_requests
          type: complete

    - name: test_execution
      activities:
        - name: run_tests
          type: task
          sla_type: activity_completion
        - name: record_results
          type: task
        - name: qa_review
          type: review
          optional: true

    - name: observation_mgmt
      activities:
        - name: draft_observations
          type: task
        - name: owner_review
          type: review
          sla_type: review_turnaround
        - name: approve_observations
          type: approval
          sla_type: approval_turnaround
          requires_version: decision_set

    - name: test_report
      activities:
        - name: draft_report
          type: task
        - name: review_report
          type: review
          sla_type: review_turnaround
        - name: finalize
          type: complete

calendar:
  timezone: UTC
  weekend_days: [saturday, sunday]

slas:
  activity_completion:
    hours: 48
    warning_hours: 8
    exclude_weekends: true
  review_turnaround:
    hours: 24
    warning_hours: 4
    business_hours_only: true
    exclude_weekends: true
  approval_turnaround:
    hours: 24
    warning_hours: 4
    business_hours_only: true
    exclude_weekends: true
  rfi_response:
    hours: 72
    warning_hours: 24
    exclude_weekends: true
  data_turnaround:
    hours: 24
    warning_hours: 4

escalations:
  review_turnaround:
    - order: 1
      hours_after_breach: 0
      role: tester_lead
    - order: 2
      hours_after_breach: 24
      role: report_owner
    - order: 3
      hours_after_breach: 48
      role: qa_manager
    - order: 4
      hours_after_breach: 72
      role: compliance_officer
  approval_turnaround:
    - order: 1
      hours_after_breach: 0
      role: tester_lead
    - order: 2
      hours_after_breach: 24
      role: report_owner
    - order: 3
      hours_after_breach: 48
      role: qa_manager
    - order: 4
      hours_after_breach: 72
      role: compliance_officer
  rfi_response:
    - order: 1
      hours_after_breach: 0
      role: tester_lead
    - order: 2
      hours_after_breach: 48
      role: qa_manager

retry:
  data_fetch:
    max_attempts: 4
    initial_interval_seconds: 5
    backoff_coefficient: 2.0
    max_interval_seconds: 300
    non_retryable_errors: [ValidationError, AuthorizationError]
    compensation:
      action: notify
      notify_role: tester_lead
  llm_request:
    max_attempts: 3
    initial_interval_seconds: 5
    backoff_coefficient: 2.0
    max_interval_seconds: 120
    non_retryable_errors: [ValidationError]
    compensation:
      action: skip
  database_operation:
    max_attempts: 5
    initial_interval_seconds: 1
    backoff_coefficient: 2.0
    max_interval_seconds: 60
    non_retryable_errors: [IntegrityError]
    compensation:
      action: notify
      notify_role: admin
  email_notification:
    max_attempts: 3
    initial_interval_seconds: 10
    backoff_coefficient: 3.0
    max_interval_seconds: 600
    non_retryable_errors: [InvalidRecipient]
    compensation:
      action: skip
  phase_transition:
    max_attempts: 2
    initial_interval_seconds: 5
    backoff_coefficient: 2.0
    max_interval_seconds: 30
    non_retryable_errors: [PreconditionNotMet]
    compensation:
      action: rollback
      rollback_phases: []
      notify_role: tester_lead

rbac:
  roles:
    admin:
      description: "Full control of the cycle"
      permissions: [cycle.admin, workflow.read, workflow.write, activity.start, activity.complete, activity.block, version.submit, version.review, decision.override, sla.resolve, execution.manage]
    tester:
      description: "Performs testing activities"
      permissions: [workflow.read, activity.start, activity.complete, version.submit]
    tester_lead:
      description: "Leads the testing team"
      permissions: [workflow.read, activity.start, activity.complete, activity.block, version.submit, version.review, sla.resolve, execution.manage]
    report_owner:
      description: "Owns the report under test"
      permissions: [workflow.read, version.review]
    qa_manager:
      description: "Quality oversight"
      permissions: [workflow.read, version.review, sla.resolve]
    compliance_officer:
      description: "Final authority on decisions"
      permissions: [workflow.read, version.review, decision.override, sla.resolve]

sweep:
  sla_interval_seconds: 60
  retry_interval_seconds: 5
  notify_interval_seconds: 10
`
