package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/ids"
)

const userColumns = `
	u.id, u.login, u.password_hash, u.is_active, u.is_stale, u.created_at, u.updated_at,
	r.id, r.name, r.created_at, r.updated_at`

const userFrom = `
	from users u
	left join roles r on r.id = u.role_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (auth.User, error) {
	var (
		u        auth.User
		roleID   sql.NullString
		roleName sql.NullString
		roleC    sql.NullTime
		roleU    sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Active, &u.Stale, &u.CreatedAt, &u.UpdatedAt,
		&roleID, &roleName, &roleC, &roleU); err != nil {
		return auth.User{}, err
	}
	if roleID.Valid {
		u.Role = &auth.Role{
			ID:        roleID.String,
			Name:      roleName.String,
			CreatedAt: roleC.Time,
			UpdatedAt: roleU.Time,
		}
	}
	return u, nil
}

func (s *Store) FindUserByLogin(ctx context.Context, login string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+userFrom+` where u.login = $1`, login)
	u, err := scanUser(row)
	if err != nil {
		return auth.User{}, mapError(err)
	}
	return s.withPermissions(ctx, u)
}

func (s *Store) userByID(ctx context.Context, userID string) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+userFrom+` where u.id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		return auth.User{}, mapError(err)
	}
	return s.withPermissions(ctx, u)
}

func (s *Store) withPermissions(ctx context.Context, u auth.User) (auth.User, error) {
	if u.Role == nil {
		return u, nil
	}
	perms, err := s.rolePermissions(ctx, u.Role.ID)
	if err != nil {
		return auth.User{}, err
	}
	u.Role.Permissions = perms
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, nu auth.NewUser) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	id := ids.New()
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, login, password_hash, is_active, is_stale, role_id)
		values ($1, $2, $3, $4, false, $5)
	`, id, nu.Login, nu.PasswordHash, nu.Active, nullIfEmpty(nu.RoleID))
	if err != nil {
		return auth.User{}, mapError(err)
	}
	return s.userByID(ctx, id)
}

func (s *Store) UpdateUser(ctx context.Context, userID string, upd auth.UserUpdate) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}

	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	add := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Login != nil {
		add("login", *upd.Login)
	}
	if upd.PasswordHash != nil {
		add("password_hash", *upd.PasswordHash)
	}
	if upd.Active != nil {
		add("is_active", *upd.Active)
	}
	if upd.Stale != nil {
		add("is_stale", *upd.Stale)
	}
	if upd.RoleID != nil {
		add("role_id", nullIfEmpty(*upd.RoleID))
	}
	if len(setClauses) == 0 {
		return s.userByID(ctx, userID)
	}
	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, userID)

	query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return auth.User{}, mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.User{}, auth.ErrNotFound
	}
	return s.userByID(ctx, userID)
}

// ClearStale resets the flag in one statement; the returned row tells
// whether it was set.
func (s *Store) ClearStale(ctx context.Context, userID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var was bool
	err := s.db.QueryRowContext(ctx, `
		update users u set is_stale = false
		from (select id, is_stale from users where id = $1 for update) prev
		where u.id = prev.id
		returning prev.is_stale
	`, userID).Scan(&was)
	if err != nil {
		return false, mapError(err)
	}
	return was, nil
}
