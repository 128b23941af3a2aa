// Package memory is an in-process auth.Store for tests and single-node
// development runs. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/ids"
)

var _ auth.Store = (*Store)(nil)

type userRow struct {
	auth.User
	roleID string
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	users       map[string]*userRow // by id
	loginIndex  map[string]string   // login -> id
	roles       map[string]*auth.Role
	roleByName  map[string]string
	permissions map[string]auth.Permission // by key
	grants      map[string]map[string]struct{}
	history     map[string][]auth.LoginRecord
	refresh     map[string]auth.RefreshRecord

	now func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		users:       make(map[string]*userRow),
		loginIndex:  make(map[string]string),
		roles:       make(map[string]*auth.Role),
		roleByName:  make(map[string]string),
		permissions: make(map[string]auth.Permission),
		grants:      make(map[string]map[string]struct{}),
		history:     make(map[string][]auth.LoginRecord),
		refresh:     make(map[string]auth.RefreshRecord),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) FindUserByLogin(_ context.Context, login string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.loginIndex[login]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return s.snapshotUser(s.users[id]), nil
}

func (s *Store) CreateUser(_ context.Context, u auth.NewUser) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loginIndex[u.Login]; ok {
		return auth.User{}, auth.ErrConflict
	}
	if u.RoleID != "" {
		if _, ok := s.roles[u.RoleID]; !ok {
			return auth.User{}, auth.ErrNotFound
		}
	}
	now := s.now().UTC()
	row := &userRow{
		User: auth.User{
			ID:           ids.New(),
			Login:        u.Login,
			PasswordHash: u.PasswordHash,
			Active:       u.Active,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		roleID: u.RoleID,
	}
	s.users[row.ID] = row
	s.loginIndex[row.Login] = row.ID
	return s.snapshotUser(row), nil
}

func (s *Store) UpdateUser(_ context.Context, userID string, upd auth.UserUpdate) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[userID]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	if upd.Login != nil && *upd.Login != row.Login {
		if _, taken := s.loginIndex[*upd.Login]; taken {
			return auth.User{}, auth.ErrConflict
		}
	}
	if upd.RoleID != nil && *upd.RoleID != "" {
		if _, ok := s.roles[*upd.RoleID]; !ok {
			return auth.User{}, auth.ErrNotFound
		}
	}
	if upd.Login != nil {
		delete(s.loginIndex, row.Login)
		row.Login = *upd.Login
		s.loginIndex[row.Login] = row.ID
	}
	if upd.PasswordHash != nil {
		row.PasswordHash = *upd.PasswordHash
	}
	if upd.Active != nil {
		row.Active = *upd.Active
	}
	if upd.Stale != nil {
		row.Stale = *upd.Stale
	}
	if upd.RoleID != nil {
		row.roleID = *upd.RoleID
	}
	row.UpdatedAt = s.now().UTC()
	return s.snapshotUser(row), nil
}

func (s *Store) ClearStale(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[userID]
	if !ok {
		return false, auth.ErrNotFound
	}
	was := row.Stale
	row.Stale = false
	return was, nil
}

func (s *Store) FindRole(_ context.Context, id string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return *s.snapshotRole(role), nil
}

func (s *Store) FindRoleByName(_ context.Context, name string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roleByName[name]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return *s.snapshotRole(s.roles[id]), nil
}

func (s *Store) ListRoles(context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, *s.snapshotRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateRole(_ context.Context, name string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roleByName[name]; ok {
		return auth.Role{}, auth.ErrConflict
	}
	now := s.now().UTC()
	role := &auth.Role{ID: ids.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	s.roles[role.ID] = role
	s.roleByName[name] = role.ID
	return *s.snapshotRole(role), nil
}

func (s *Store) RenameRole(_ context.Context, id, name string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	if other, taken := s.roleByName[name]; taken && other != id {
		return auth.Role{}, auth.ErrConflict
	}
	delete(s.roleByName, role.Name)
	role.Name = name
	role.UpdatedAt = s.now().UTC()
	s.roleByName[name] = id
	return *s.snapshotRole(role), nil
}

func (s *Store) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	for _, u := range s.users {
		if u.roleID == id {
			return auth.ErrConflict
		}
	}
	delete(s.roleByName, role.Name)
	delete(s.roles, id)
	delete(s.grants, id)
	return nil
}

func (s *Store) CountRoleHolders(_ context.Context, roleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.users {
		if u.roleID == roleID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPermissions(context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) UpsertPermissions(_ context.Context, keys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, k := range keys {
		if _, ok := s.permissions[k]; ok {
			continue
		}
		s.permissions[k] = auth.Permission{ID: ids.New(), Key: k, CreatedAt: s.now().UTC()}
		added++
	}
	return added, nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, keys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return 0, auth.ErrNotFound
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := s.permissions[k]; !ok {
			return 0, auth.ErrNotFound
		}
		set[k] = struct{}{}
	}
	s.grants[roleID] = set
	role.UpdatedAt = s.now().UTC()
	marked := 0
	for _, u := range s.users {
		if u.roleID == roleID {
			u.Stale = true
			marked++
		}
	}
	return marked, nil
}

func (s *Store) RecordLogin(_ context.Context, rec auth.LoginRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[rec.UserID]; !ok {
		return auth.ErrNotFound
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.history[rec.UserID] = append(s.history[rec.UserID], rec)
	return nil
}

func (s *Store) LoginHistory(_ context.Context, userID string, limit int) ([]auth.LoginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.history[userID]
	out := make([]auth.LoginRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) ReplaceRefreshToken(_ context.Context, rec auth.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[rec.UserID]; !ok {
		return auth.ErrNotFound
	}
	s.refresh[rec.UserID] = rec
	return nil
}

func (s *Store) RefreshToken(_ context.Context, userID string) (auth.RefreshRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.refresh[userID]
	if !ok {
		return auth.RefreshRecord{}, auth.ErrNotFound
	}
	return rec, nil
}

func (s *Store) DeleteRefreshToken(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refresh[userID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.refresh, userID)
	return nil
}

// snapshotUser must be called with s.mu held.
func (s *Store) snapshotUser(row *userRow) auth.User {
	u := row.User
	u.Role = nil
	if role, ok := s.roles[row.roleID]; ok {
		u.Role = s.snapshotRole(role)
	}
	return u
}

// snapshotRole must be called with s.mu held.
func (s *Store) snapshotRole(role *auth.Role) *auth.Role {
	out := role.Clone()
	out.Permissions = make([]string, 0, len(s.grants[role.ID]))
	for k := range s.grants[role.ID] {
		out.Permissions = append(out.Permissions, k)
	}
	sort.Strings(out.Permissions)
	return out
}
