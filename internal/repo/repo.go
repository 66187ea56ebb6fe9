package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"regline/internal/config"
	"regline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertCycle(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cycles(id,name,status,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, c.Status, c.CreatedAt)
	return err
}

func (r Repo) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	var c domain.Cycle
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM cycles WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCycles(ctx context.Context) ([]domain.Cycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM cycles ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SingleCycle returns the only cycle in the workspace, used to resolve an
// omitted --cycle flag.
func (r Repo) SingleCycle(ctx context.Context) (domain.Cycle, error) {
	cycles, err := r.ListCycles(ctx)
	if err != nil {
		return domain.Cycle{}, err
	}
	if len(cycles) == 0 {
		return domain.Cycle{}, ErrNotFound
	}
	if len(cycles) > 1 {
		return domain.Cycle{}, fmt.Errorf("multiple cycles exist; specify --cycle")
	}
	return cycles[0], nil
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,cycle_id,title,report_owner_id,status,created_at) VALUES (?,?,?,?,?,?)`,
		rep.ID, rep.CycleID, rep.Title, nullable(rep.ReportOwnerID), rep.Status, rep.CreatedAt)
	return err
}

func (r Repo) GetReport(ctx context.Context, cycleID, reportID string) (domain.Report, error) {
	var rep domain.Report
	var owner sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,cycle_id,title,report_owner_id,status,created_at FROM reports WHERE cycle_id=? AND id=?`, cycleID, reportID).
		Scan(&rep.ID, &rep.CycleID, &rep.Title, &owner, &rep.Status, &rep.CreatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	if owner.Valid {
		rep.ReportOwnerID = owner.String
	}
	return rep, nil
}

func (r Repo) ListReports(ctx context.Context, cycleID string) ([]domain.Report, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,cycle_id,title,report_owner_id,status,created_at FROM reports WHERE cycle_id=? ORDER BY created_at DESC, id DESC`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var rep domain.Report
		var owner sql.NullString
		if err := rows.Scan(&rep.ID, &rep.CycleID, &rep.Title, &owner, &rep.Status, &rep.CreatedAt); err != nil {
			return nil, err
		}
		if owner.Valid {
			rep.ReportOwnerID = owner.String
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

func (r Repo) UpsertCycleConfig(ctx context.Context, cycleID string, cfg *config.Config) error {
	return upsertCycleConfig(ctx, r.DB, nil, cycleID, cfg)
}

func (r Repo) UpsertCycleConfigTx(ctx context.Context, tx *sql.Tx, cycleID string, cfg *config.Config) error {
	return upsertCycleConfig(ctx, nil, tx, cycleID, cfg)
}

func upsertCycleConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cycleID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Cycle.ID = cycleID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO cycle_configs(cycle_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(cycle_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, cycleID, string(payload), now)
	return err
}

func (r Repo) GetCycleConfig(ctx context.Context, cycleID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM cycle_configs WHERE cycle_id=?`, cycleID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Cycle.ID == "" {
		cfg.Cycle.ID = cycleID
	}
	return cfg, cfg.Validate()
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	var name, email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,display_name,email,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &name, &email, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if name.Valid {
		a.DisplayName = name.String
	}
	if email.Valid {
		a.Email = email.String
	}
	return a, nil
}

type EventFilters struct {
	CycleID    string
	ReportID   string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     int64
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.ReportID != "" {
		clauses = append(clauses, "report_id=?")
		args = append(args, f.ReportID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,cycle_id,report_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, cycleID, reportID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if reportID != "" {
		clauses = append(clauses, "report_id=?")
		args = append(args, reportID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,cycle_id,report_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID for a cycle.
func (r Repo) LatestEventID(ctx context.Context, cycleID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE cycle_id=?`, cycleID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var cycleID, reportID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &cycleID, &reportID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if cycleID.Valid {
			e.CycleID = cycleID.String
		}
		if reportID.Valid {
			e.ReportID = reportID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
