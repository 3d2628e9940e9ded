package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orgchat/internal/domain"
)

// UserRepository define el acceso de solo lectura a usuarios.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (domain.User, error)
	ListByOrganization(ctx context.Context, organizationID, excludeID string) ([]domain.User, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.User, error)
}

// PgUserRepository implementa UserRepository usando pgxpool.
type PgUserRepository struct {
	pool *pgxpool.Pool
}

func NewPgUserRepository(pool *pgxpool.Pool) *PgUserRepository {
	return &PgUserRepository{pool: pool}
}

const selectUser = `
	SELECT id, display_name, COALESCE(organization_id, ''), role, created_at
	FROM users
`

func (r *PgUserRepository) GetByID(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.pool.QueryRow(ctx, selectUser+` WHERE id = $1`, id).Scan(
		&u.ID,
		&u.DisplayName,
		&u.OrganizationID,
		&u.Role,
		&u.CreatedAt,
	)
	if err != nil {
		return domain.User{}, mapErr(fmt.Sprintf("user %s", id), err)
	}
	return u, nil
}

func (r *PgUserRepository) ListByOrganization(ctx context.Context, organizationID, excludeID string) ([]domain.User, error) {
	rows, err := r.pool.Query(ctx, selectUser+`
		WHERE organization_id = $1 AND id <> $2
		ORDER BY display_name ASC, id ASC
	`, organizationID, excludeID)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list users: %w", err))
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (r *PgUserRepository) ListByIDs(ctx context.Context, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return []domain.User{}, nil
	}
	rows, err := r.pool.Query(ctx, selectUser+`
		WHERE id = ANY($1)
		ORDER BY display_name ASC, id ASC
	`, ids)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list users by id: %w", err))
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows pgx.Rows) ([]domain.User, error) {
	users := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.OrganizationID, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(err)
	}
	return users, nil
}

// mapErr traduce errores de pgx a la taxonomia del dominio.
func mapErr(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrAccessDenied),
		errors.Is(err, domain.ErrInvalidArgument):
		return err
	default:
		return domain.Transient(fmt.Errorf("%s: %w", what, err))
	}
}
