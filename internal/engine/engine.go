package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"regline/internal/config"
	"regline/internal/domain"
	"regline/internal/engine/auth"
	"regline/internal/events"
	"regline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Auth    auth.Service
	Events  events.Writer
	Config  *config.Config
	Runners map[string]Runner
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Auth:    auth.Service{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Runners: map[string]Runner{},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// cycleConfig returns the loaded config when it matches the cycle, falling
// back to the stored copy.
func (e Engine) cycleConfig(ctx context.Context, cycleID string) (*config.Config, error) {
	if e.Config != nil && e.Config.Cycle.ID == cycleID {
		return e.Config, nil
	}
	return e.Repo.GetCycleConfig(ctx, cycleID)
}

// InitCycle creates a testing cycle with migrations already run, storing the
// config and seeding roles, SLA policies and escalation ladders from it.
func (e Engine) InitCycle(ctx context.Context, cycleID, name, actorID string, cfg *config.Config) (domain.Cycle, error) {
	if cycleID == "" {
		return domain.Cycle{}, errors.New("cycle id is required")
	}
	if cfg == nil {
		cfg = config.Default(cycleID, name)
	}
	cfg.Cycle.ID = cycleID
	if name == "" {
		name = cfg.Cycle.Name
	}
	if name == "" {
		name = cycleID
	}
	cfg.Cycle.Name = name
	if err := cfg.Validate(); err != nil {
		return domain.Cycle{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	c := domain.Cycle{ID: cycleID, Name: name, Status: "active", CreatedAt: now}
	if err := e.Repo.InsertCycle(ctx, tx, c); err != nil {
		return domain.Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	if err := e.Repo.UpsertCycleConfigTx(ctx, tx, cycleID, cfg); err != nil {
		return domain.Cycle{}, fmt.Errorf("store cycle config: %w", err)
	}
	if err := e.seedRBAC(ctx, tx, cycleID, cfg, now); err != nil {
		return domain.Cycle{}, err
	}
	if err := e.seedSLAs(ctx, tx, cycleID, cfg); err != nil {
		return domain.Cycle{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CycleCreated, cycleID, "", "cycle", cycleID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Cycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cycle{}, err
	}
	return c, nil
}

func (e Engine) seedRBAC(ctx context.Context, tx *sql.Tx, cycleID string, cfg *config.Config, now string) error {
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	for _, assignment := range cfg.RBAC.Assignments {
		if err := e.Repo.EnsureActor(ctx, tx, assignment.Actor, now); err != nil {
			return err
		}
		for _, roleID := range assignment.Roles {
			if err := e.Repo.AssignRole(ctx, tx, cycleID, assignment.Actor, roleID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e Engine) seedSLAs(ctx context.Context, tx *sql.Tx, cycleID string, cfg *config.Config) error {
	var configs []domain.SLAConfig
	for slaType, policy := range cfg.SLAs {
		configs = append(configs, domain.SLAConfig{
			SLAType:           slaType,
			SLAHours:          policy.Hours,
			WarningHours:      policy.WarningHours,
			BusinessHoursOnly: policy.BusinessHoursOnly,
			ExcludeWeekends:   policy.ExcludeWeekends,
			AutoEscalate:      policy.Escalates(),
			IntervalHours:     policy.IntervalHours,
			Active:            true,
		})
	}
	if err := e.Repo.ReplaceSLAConfigsTx(ctx, tx, cycleID, configs); err != nil {
		return fmt.Errorf("seed sla configs: %w", err)
	}
	var rules []domain.EscalationRule
	for slaType, steps := range cfg.Escalations {
		for _, step := range steps {
			rules = append(rules, domain.EscalationRule{
				SLAType:          slaType,
				Order:            step.Order,
				HoursAfterBreach: step.HoursAfterBreach,
				EscalateToRole:   step.Role,
				EscalateToUser:   step.User,
				NotifyTemplate:   step.Template,
			})
		}
	}
	if err := e.Repo.ReplaceEscalationRulesTx(ctx, tx, cycleID, rules); err != nil {
		return fmt.Errorf("seed escalation rules: %w", err)
	}
	return nil
}

// GrantRole assigns a role to an actor within a cycle.
func (e Engine) GrantRole(ctx context.Context, cycleID, actorID, roleID, grantedBy string) error {
	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.nowStr()); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, cycleID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoleGranted, cycleID, "", "actor", actorID, grantedBy, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role from an actor within a cycle.
func (e Engine) RevokeRole(ctx context.Context, cycleID, actorID, roleID, revokedBy string) error {
	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, cycleID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoleRevoked, cycleID, "", "actor", actorID, revokedBy, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ActorInfo reports an actor's effective roles and permissions in a cycle.
type ActorInfo struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

func (e Engine) WhoAmI(ctx context.Context, cycleID, actorID string) (ActorInfo, error) {
	roles, err := e.Repo.ActorRoles(ctx, cycleID, actorID)
	if err != nil {
		return ActorInfo{}, err
	}
	perms, err := e.Repo.ActorPermissions(ctx, cycleID, actorID)
	if err != nil {
		return ActorInfo{}, err
	}
	return ActorInfo{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// ReportCreateOptions are parameters for creating a report under test.
type ReportCreateOptions struct {
	CycleID       string
	ReportID      string
	Title         string
	ReportOwnerID string
	ActorID       string
}

// CreateReport registers a report and instantiates the full phase and
// activity workflow for it from the cycle config.
func (e Engine) CreateReport(ctx context.Context, opts ReportCreateOptions) (domain.Report, error) {
	if opts.CycleID == "" {
		return domain.Report{}, errors.New("cycle is required")
	}
	if opts.Title == "" {
		return domain.Report{}, errors.New("title is required")
	}
	cfg, err := e.cycleConfig(ctx, opts.CycleID)
	if err != nil {
		return domain.Report{}, err
	}
	if _, err := e.Repo.GetCycle(ctx, opts.CycleID); err != nil {
		return domain.Report{}, err
	}
	now := e.nowStr()
	id := opts.ReportID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.CycleID+"|"+opts.Title+"|"+now)).String()
	}
	rep := domain.Report{
		ID:            id,
		CycleID:       opts.CycleID,
		Title:         opts.Title,
		ReportOwnerID: opts.ReportOwnerID,
		Status:        "active",
		CreatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	if opts.ReportOwnerID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, opts.ReportOwnerID, now); err != nil {
			return domain.Report{}, err
		}
	}
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	if err := e.instantiateWorkflow(ctx, tx, cfg, rep, now); err != nil {
		return domain.Report{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ReportCreated, rep.CycleID, rep.ID, "report", rep.ID, opts.ActorID, events.EventPayload{"title": rep.Title}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

func (e Engine) instantiateWorkflow(ctx context.Context, tx *sql.Tx, cfg *config.Config, rep domain.Report, now string) error {
	prevPhaseID := ""
	prevOptional := false
	for _, tpl := range cfg.Workflow.Phases {
		phaseID := workflowID(rep.CycleID, rep.ID, tpl.Name)
		p := domain.Phase{
			ID:        phaseID,
			CycleID:   rep.CycleID,
			ReportID:  rep.ID,
			Name:      tpl.Name,
			Seq:       domain.PhaseSeq(tpl.Name),
			Status:    "not_started",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, p); err != nil {
			return fmt.Errorf("insert phase %s: %w", tpl.Name, err)
		}
		if prevPhaseID != "" {
			if err := e.Repo.AddPhaseDependencyTx(ctx, tx, phaseID, prevPhaseID, prevOptional); err != nil {
				return err
			}
		}
		activityIDs := map[string]string{}
		for idx, atpl := range tpl.Activities {
			activityID := workflowID(rep.CycleID, rep.ID, tpl.Name+"/"+atpl.Name)
			a := domain.Activity{
				ID:              activityID,
				CycleID:         rep.CycleID,
				ReportID:        rep.ID,
				PhaseID:         phaseID,
				Name:            atpl.Name,
				Type:            atpl.Type,
				OrderIdx:        idx + 1,
				IsManual:        atpl.IsManual(),
				IsOptional:      atpl.Optional,
				SLAType:         atpl.SLAType,
				RequiresVersion: atpl.RequiresVersion,
				Status:          "not_started",
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := e.Repo.InsertActivityTx(ctx, tx, a); err != nil {
				return fmt.Errorf("insert activity %s/%s: %w", tpl.Name, atpl.Name, err)
			}
			for _, dep := range atpl.DependsOn {
				depID, ok := activityIDs[dep]
				if !ok {
					return fmt.Errorf("activity %s/%s depends on unknown %s", tpl.Name, atpl.Name, dep)
				}
				if err := e.Repo.AddActivityDependencyTx(ctx, tx, activityID, depID); err != nil {
					return err
				}
			}
			activityIDs[atpl.Name] = activityID
		}
		prevPhaseID = phaseID
		prevOptional = tpl.Optional
	}
	return nil
}

// workflowID derives a stable id for a phase or activity so re-creating the
// same report yields the same workflow ids.
func workflowID(cycleID, reportID, path string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(cycleID+"|"+reportID+"|"+path)).String()
}

// CreateAssignment records a work hand-off and its event.
func (e Engine) CreateAssignment(ctx context.Context, a domain.Assignment, actorID string) (domain.Assignment, error) {
	if a.CycleID == "" || a.ReportID == "" {
		return a, errors.New("cycle and report required")
	}
	if a.ToRole == "" && a.ToActor == "" {
		return a, errors.New("assignment needs a target role or actor")
	}
	if a.Type == "" {
		a.Type = "manual"
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = "assigned"
	}
	now := e.nowStr()
	a.CreatedAt = now
	a.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if a.ToActor != "" {
		if err := e.Repo.EnsureActor(ctx, tx, a.ToActor, now); err != nil {
			return a, err
		}
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.AssignmentCreated, a.CycleID, a.ReportID, "assignment", a.ID, actorID, events.EventPayload{
		"type": a.Type, "to_role": a.ToRole, "to_actor": a.ToActor,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func jsonObject(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UpdateAssignmentStatus moves an assignment through its lifecycle.
func (e Engine) UpdateAssignmentStatus(ctx context.Context, id, status, actorID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	switch status {
	case "in_progress", "completed", "cancelled":
	default:
		return a, fmt.Errorf("invalid assignment status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	if err := e.Repo.UpdateAssignmentStatusTx(ctx, tx, id, status, now); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.AssignmentUpdated, a.CycleID, a.ReportID, "assignment", a.ID, actorID, events.EventPayload{
		"from_status": a.Status, "to_status": status,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Status = status
	a.UpdatedAt = now
	if status == "completed" {
		a.CompletedAt = &now
	}
	return a, nil
}
