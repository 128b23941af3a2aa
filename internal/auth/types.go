package auth

import (
	"sort"
	"time"
)

// User is an account that can log in. Role is a detached copy; mutating it
// never affects the store.
type User struct {
	ID           string
	Login        string
	PasswordHash string
	Active       bool
	// Stale means the tokens held by the user's sessions no longer reflect
	// the role's permissions and must be reissued on the next request.
	Stale     bool
	Role      *Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permissions returns the permissions of the user's role, or nil.
func (u User) Permissions() []string {
	if u.Role == nil {
		return nil
	}
	return append([]string(nil), u.Role.Permissions...)
}

// Role groups permissions. Permissions is kept sorted.
type Role struct {
	ID          string
	Name        string
	Permissions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy of the role.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	out := *r
	out.Permissions = append([]string(nil), r.Permissions...)
	return &out
}

// Permission is a grantable resource identifier.
type Permission struct {
	ID        string
	Key       string
	CreatedAt time.Time
}

// LoginRecord is one entry of a user's login history.
type LoginRecord struct {
	ID         string
	UserID     string
	UserAgent  string
	DeviceID   string
	RemoteAddr string
	CreatedAt  time.Time
}

// RefreshRecord is the single refresh token currently valid for a user. Only
// a digest of the token is kept.
type RefreshRecord struct {
	UserID    string
	TokenHash string
	DeviceID  string
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Credentials is a login/password pair supplied by a client.
type Credentials struct {
	Login    string
	Password string
}

// ClientContext describes the caller of a session operation.
type ClientContext struct {
	UserAgent  string
	DeviceID   string
	RemoteAddr string
}

// TokenPair is the result of a login, refresh or reissue.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// NewUser holds the fields required to create a user.
type NewUser struct {
	Login        string
	PasswordHash string
	Active       bool
	RoleID       string
}

// UserUpdate is a partial user update; nil fields are left untouched.
type UserUpdate struct {
	Login        *string
	PasswordHash *string
	Active       *bool
	Stale        *bool
	RoleID       *string
}

// RoleUpdate is a partial role update.
type RoleUpdate struct {
	Name        *string
	Permissions *[]string
}

// PermissionDiff describes a change to a role's permission set.
type PermissionDiff struct {
	Added   []string
	Removed []string
}

// Empty reports whether the diff changes nothing.
func (d PermissionDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

func diffPermissions(current, next []string) PermissionDiff {
	have := make(map[string]struct{}, len(current))
	for _, p := range current {
		have[p] = struct{}{}
	}
	want := make(map[string]struct{}, len(next))
	for _, p := range next {
		want[p] = struct{}{}
	}
	var diff PermissionDiff
	for p := range want {
		if _, ok := have[p]; !ok {
			diff.Added = append(diff.Added, p)
		}
	}
	for p := range have {
		if _, ok := want[p]; !ok {
			diff.Removed = append(diff.Removed, p)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff
}
