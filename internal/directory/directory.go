// Package directory resolves authenticated user ids to principals. The
// scheduling engine never reads the current user from ambient state; the
// API layer resolves a Principal here and passes it in explicitly.
package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

var ErrUserNotFound = errors.New("user not found")

// Principal is the authenticated actor behind a request.
type Principal struct {
	ID    uuid.UUID
	Name  string
	Phone string
	Roles []string
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Directory interface {
	Lookup(ctx context.Context, userID uuid.UUID) (*Principal, error)
}

type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) Lookup(ctx context.Context, userID uuid.UUID) (*Principal, error) {
	var p Principal
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, phone FROM users WHERE id = $1
	`, userID).Scan(&p.ID, &p.Name, &p.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	rows, err := d.pool.Query(ctx, `
		SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		p.Roles = append(p.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &p, nil
}
