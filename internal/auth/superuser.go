package auth

import (
	"context"
	"errors"
	"strings"
)

// SuperuserRole is the role granted every known permission.
const SuperuserRole = "admin"

// EnsureSuperuser makes sure creds.Login exists, holds the admin role and
// that the role carries every known permission. Running it again converges
// to the same state. The password of an existing account is left alone.
func EnsureSuperuser(ctx context.Context, issuer *Issuer, admin *Admin, creds Credentials) (User, error) {
	login := strings.TrimSpace(creds.Login)
	if login == "" {
		return User{}, invalidInput("admin login is required")
	}
	store := admin.store

	user, err := store.FindUserByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		user, err = issuer.Register(ctx, Credentials{Login: login, Password: creds.Password})
	}
	if err != nil {
		return User{}, unavailable("ensure admin user", err)
	}

	perms, err := admin.ListPermissions(ctx)
	if err != nil {
		return User{}, err
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key)
	}

	role, err := store.FindRoleByName(ctx, SuperuserRole)
	switch {
	case errors.Is(err, ErrNotFound):
		role, err = admin.CreateRole(ctx, SuperuserRole, keys)
		if err != nil {
			return User{}, err
		}
	case err != nil:
		return User{}, unavailable("find admin role", err)
	default:
		if _, err := admin.SetPermissions(ctx, role.ID, keys); err != nil {
			return User{}, err
		}
	}

	if user.Role == nil || user.Role.ID != role.ID {
		if _, err := admin.AssignRole(ctx, login, role.ID); err != nil {
			return User{}, err
		}
	}
	if _, err := store.ClearStale(ctx, user.ID); err != nil {
		return User{}, unavailable("clear stale", err)
	}
	user, err = store.FindUserByLogin(ctx, login)
	if err != nil {
		return User{}, unavailable("reload admin user", err)
	}
	return user, nil
}
