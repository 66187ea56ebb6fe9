package repo

import (
	"context"
	"database/sql"
)

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, cycleID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(cycle_id, actor_id, role_id) VALUES (?,?,?)`, cycleID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, cycleID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE cycle_id=? AND actor_id=? AND role_id=?`, cycleID, actorID, roleID)
	return err
}

// ActorRoles lists the roles an actor holds within a cycle.
func (r Repo) ActorRoles(ctx context.Context, cycleID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE cycle_id=? AND actor_id=? ORDER BY role_id ASC`, cycleID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ActorsInRole returns actor ids holding role within a cycle.
func (r Repo) ActorsInRole(ctx context.Context, cycleID, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id FROM actor_roles WHERE cycle_id=? AND role_id=? ORDER BY actor_id ASC`, cycleID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// ActorPermissions returns the distinct permissions granted to the actor
// across all roles held in the cycle.
func (r Repo) ActorPermissions(ctx context.Context, cycleID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT rp.permission_id FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id = ar.role_id
WHERE ar.cycle_id=? AND ar.actor_id=? ORDER BY rp.permission_id ASC`, cycleID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
