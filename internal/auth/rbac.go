package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"befunny.io/auth/internal/obs"
)

// Admin manages roles and permissions. Every change that alters what a user
// may do marks that user stale so the next request reissues their tokens.
type Admin struct {
	store Store
}

// NewAdmin constructs an Admin.
func NewAdmin(store Store) (*Admin, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &Admin{store: store}, nil
}

// CreateRole creates a role holding permissions.
func (s *Admin) CreateRole(ctx context.Context, name string, permissions []string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, invalidInput("role name is required")
	}
	keys := dedupeStrings(permissions)
	if err := s.checkKnown(ctx, keys); err != nil {
		return Role{}, err
	}
	_, err := s.store.FindRoleByName(ctx, name)
	switch {
	case err == nil:
		return Role{}, newError(KindConflict, fmt.Sprintf("role %q already exists", name), nil)
	case !errors.Is(err, ErrNotFound):
		return Role{}, unavailable("find role", err)
	}
	role, err := s.store.CreateRole(ctx, name)
	if errors.Is(err, ErrConflict) {
		return Role{}, newError(KindConflict, fmt.Sprintf("role %q already exists", name), nil)
	}
	if err != nil {
		return Role{}, unavailable("create role", err)
	}
	if len(keys) > 0 {
		if _, err := s.store.SetRolePermissions(ctx, role.ID, keys); err != nil {
			return Role{}, unavailable("set permissions", err)
		}
	}
	role.Permissions = sortedCopy(keys)
	return role, nil
}

// GetRole returns one role.
func (s *Admin) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, invalidInput("role_id is required")
	}
	return s.findRole(ctx, roleID)
}

// ListRoles returns every role ordered by name.
func (s *Admin) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, unavailable("list roles", err)
	}
	return roles, nil
}

// ListPermissions returns the permission catalogue.
func (s *Admin) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, unavailable("list permissions", err)
	}
	return perms, nil
}

// UpdateRole renames a role and/or replaces its permissions. Holders are
// marked stale only when the permission set actually changes.
func (s *Admin) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, invalidInput("role_id is required")
	}
	role, err := s.findRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, invalidInput("role name is required")
		}
		if name != role.Name {
			renamed, err := s.store.RenameRole(ctx, roleID, name)
			if errors.Is(err, ErrConflict) {
				return Role{}, newError(KindConflict, fmt.Sprintf("role %q already exists", name), nil)
			}
			if err != nil {
				return Role{}, unavailable("rename role", err)
			}
			role.Name = renamed.Name
			role.UpdatedAt = renamed.UpdatedAt
		}
	}
	if upd.Permissions != nil {
		if _, err := s.applyPermissions(ctx, &role, *upd.Permissions); err != nil {
			return Role{}, err
		}
	}
	return role, nil
}

// DeleteRole removes a role. A role still held by users cannot be deleted.
func (s *Admin) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return invalidInput("role_id is required")
	}
	if _, err := s.findRole(ctx, roleID); err != nil {
		return err
	}
	holders, err := s.store.CountRoleHolders(ctx, roleID)
	if err != nil {
		return unavailable("count role holders", err)
	}
	if holders > 0 {
		return newError(KindConflict, fmt.Sprintf("role is assigned to %d user(s)", holders), nil)
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(KindNotFound, "role not found", nil)
		}
		return unavailable("delete role", err)
	}
	return nil
}

// AssignRole gives the user roleID and marks them stale.
func (s *Admin) AssignRole(ctx context.Context, login, roleID string) (User, error) {
	login = strings.TrimSpace(login)
	roleID = strings.TrimSpace(roleID)
	if login == "" || roleID == "" {
		return User{}, invalidInput("login and role_id are required")
	}
	user, err := s.store.FindUserByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		return User{}, newError(KindNotFound, "user not found", nil)
	}
	if err != nil {
		return User{}, unavailable("find user", err)
	}
	if _, err := s.findRole(ctx, roleID); err != nil {
		return User{}, err
	}
	stale := true
	updated, err := s.store.UpdateUser(ctx, user.ID, UserUpdate{RoleID: &roleID, Stale: &stale})
	if err != nil {
		return User{}, unavailable("assign role", err)
	}
	return updated, nil
}

// SetPermissions replaces the role's permission set. An identical set is a
// no-op; otherwise every holder is marked stale once.
func (s *Admin) SetPermissions(ctx context.Context, roleID string, permissions []string) (PermissionDiff, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return PermissionDiff{}, invalidInput("role_id is required")
	}
	role, err := s.findRole(ctx, roleID)
	if err != nil {
		return PermissionDiff{}, err
	}
	return s.applyPermissions(ctx, &role, permissions)
}

// ReconcilePermissions makes sure every resource exists as a permission.
// Existing permissions are never removed.
func (s *Admin) ReconcilePermissions(ctx context.Context, resources []string) (int, error) {
	keys := dedupeStrings(resources)
	if len(keys) == 0 {
		return 0, nil
	}
	added, err := s.store.UpsertPermissions(ctx, keys)
	if err != nil {
		return 0, unavailable("upsert permissions", err)
	}
	if added > 0 {
		obs.From(ctx).Info().Int("added", added).Msg("permissions reconciled")
	}
	return added, nil
}

func (s *Admin) applyPermissions(ctx context.Context, role *Role, permissions []string) (PermissionDiff, error) {
	keys := dedupeStrings(permissions)
	if err := s.checkKnown(ctx, keys); err != nil {
		return PermissionDiff{}, err
	}
	diff := diffPermissions(role.Permissions, keys)
	if diff.Empty() {
		return diff, nil
	}
	marked, err := s.store.SetRolePermissions(ctx, role.ID, keys)
	if err != nil {
		return PermissionDiff{}, unavailable("set permissions", err)
	}
	role.Permissions = sortedCopy(keys)
	obs.From(ctx).Info().
		Str("role", role.Name).
		Strs("added", diff.Added).
		Strs("removed", diff.Removed).
		Int("stale_users", marked).
		Msg("role permissions changed")
	return diff, nil
}

func (s *Admin) checkKnown(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return unavailable("list permissions", err)
	}
	known := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		known[p.Key] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			return newError(KindNotFound, fmt.Sprintf("unknown permission %q", k), nil)
		}
	}
	return nil
}

func (s *Admin) findRole(ctx context.Context, roleID string) (Role, error) {
	role, err := s.store.FindRole(ctx, roleID)
	if errors.Is(err, ErrNotFound) {
		return Role{}, newError(KindNotFound, "role not found", nil)
	}
	if err != nil {
		return Role{}, unavailable("find role", err)
	}
	return role, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func sortedCopy(values []string) []string {
	out := append([]string{}, values...)
	sort.Strings(out)
	return out
}
