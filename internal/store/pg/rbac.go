package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/ids"
)

func (s *Store) FindRole(ctx context.Context, id string) (auth.Role, error) {
	return s.findRole(ctx, `where id = $1`, id)
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (auth.Role, error) {
	return s.findRole(ctx, `where name = $1`, name)
}

func (s *Store) findRole(ctx context.Context, where string, arg string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var role auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at, updated_at
		from roles
		`+where, arg).Scan(&role.ID, &role.Name, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return auth.Role{}, mapError(err)
	}
	role.Permissions, err = s.rolePermissions(ctx, role.ID)
	if err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Store) rolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.key
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.created_at, r.updated_at, p.key
		from roles r
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		order by r.name, p.key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		var (
			role auth.Role
			key  sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.CreatedAt, &role.UpdatedAt, &key); err != nil {
			return nil, err
		}
		if n := len(result); n == 0 || result[n-1].ID != role.ID {
			role.Permissions = []string{}
			result = append(result, role)
		}
		if key.Valid {
			last := &result[len(result)-1]
			last.Permissions = append(last.Permissions, key.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateRole(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	role := auth.Role{Permissions: []string{}}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name)
		values ($1, $2)
		returning id, name, created_at, updated_at
	`, ids.New(), name).Scan(&role.ID, &role.Name, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return auth.Role{}, mapError(err)
	}
	return role, nil
}

func (s *Store) RenameRole(ctx context.Context, id, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var role auth.Role
	err := s.db.QueryRowContext(ctx, `
		update roles set name = $1, updated_at = now()
		where id = $2
		returning id, name, created_at, updated_at
	`, name, id).Scan(&role.ID, &role.Name, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return auth.Role{}, mapError(err)
	}
	role.Permissions, err = s.rolePermissions(ctx, role.ID)
	if err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		// users.role_id restricts deletes of held roles
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrConflict
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) CountRoleHolders(ctx context.Context, roleID string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users where role_id = $1`, roleID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select id, key, created_at from permissions order by key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpsertPermissions(ctx context.Context, keys []string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, key := range keys {
		res, err := tx.ExecContext(ctx, `
			insert into permissions (id, key)
			values ($1, $2)
			on conflict (key) do nothing
		`, ids.New(), key)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// SetRolePermissions rewrites the grants and flags the role's holders stale
// in one transaction.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, keys []string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1 for update`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, auth.ErrNotFound
		}
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return 0, err
	}
	for _, key := range keys {
		var permID string
		err := tx.QueryRowContext(ctx, `select id from permissions where key = $1`, key).Scan(&permID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, fmt.Errorf("%w: permission %s", auth.ErrNotFound, key)
			}
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		update users set is_stale = true, updated_at = now()
		where role_id = $1
	`, roleID)
	if err != nil {
		return 0, err
	}
	marked, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(marked), nil
}
