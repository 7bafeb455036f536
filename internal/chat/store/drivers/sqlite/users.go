package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
)

type usersRepo struct {
	db DBTX
}

const userColumns = `id, username, email, full_name, password_hash, roles,
	allowed_products, allowed_agents, is_active, token_version,
	created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(dest ...any) error }) (domain.User, error) {
	var (
		u                      domain.User
		email, fullName        sql.NullString
		roles, products, agnts string
		lastLogin              sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Username, &email, &fullName, &u.PasswordHash,
		&roles, &products, &agnts, &u.IsActive, &u.TokenVersion,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin,
	)
	if err != nil {
		return domain.User{}, err
	}

	u.Email = mapNullString(email)
	u.FullName = mapNullString(fullName)
	u.Roles = splitList(roles)
	u.AllowedProducts = splitList(products)
	u.AllowedAgents = splitList(agnts)
	u.LastLoginAt = mapNullTimePtr(lastLogin)
	return u, nil
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	return u, nil
}

func (r *usersRepo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)

	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	return u, nil
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (
			id, username, email, full_name, password_hash, roles,
			allowed_products, allowed_agents, is_active, token_version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, mapStringNull(u.Email), mapStringNull(u.FullName),
		u.PasswordHash, joinList(u.Roles), joinList(u.AllowedProducts),
		joinList(u.AllowedAgents), u.IsActive, u.TokenVersion,
		u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "users.email") {
			return store.ErrEmailExists
		}
		return store.ErrAlreadyExists
	}
	return err
}

func (r *usersRepo) BumpTokenVersion(ctx context.Context, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET token_version = token_version + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), userID,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *usersRepo) UpdateLastLogin(ctx context.Context, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = ?, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), userID,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID string, newHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, updated_at = ?
		WHERE id = ?`,
		newHash, time.Now().UTC(), userID,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *usersRepo) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
