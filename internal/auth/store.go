package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
//
// Implementations return ErrNotFound for missing rows and ErrConflict for
// unique violations. Any other error is treated as the store being
// unavailable. Returned values are snapshots owned by the caller.
type Store interface {
	UserStore
	RoleStore
	PermissionStore
	SessionStore

	Ping(ctx context.Context) error
}

// UserStore manages user accounts.
type UserStore interface {
	FindUserByLogin(ctx context.Context, login string) (User, error)
	CreateUser(ctx context.Context, u NewUser) (User, error)
	UpdateUser(ctx context.Context, userID string, upd UserUpdate) (User, error)
	// ClearStale resets the stale flag and reports whether it was set.
	ClearStale(ctx context.Context, userID string) (bool, error)
}

// RoleStore manages roles and their holders.
type RoleStore interface {
	FindRole(ctx context.Context, id string) (Role, error)
	FindRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name string) (Role, error)
	RenameRole(ctx context.Context, id, name string) (Role, error)
	DeleteRole(ctx context.Context, id string) error
	CountRoleHolders(ctx context.Context, roleID string) (int, error)
}

// PermissionStore manages the permission catalogue and role grants.
type PermissionStore interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	// UpsertPermissions inserts missing keys and returns how many were added.
	UpsertPermissions(ctx context.Context, keys []string) (int, error)
	// SetRolePermissions replaces the role's grants with keys and, in the
	// same write, flags every holder of the role stale. It returns the
	// number of holders flagged.
	SetRolePermissions(ctx context.Context, roleID string, keys []string) (int, error)
}

// SessionStore keeps login history and the current refresh token per user.
type SessionStore interface {
	RecordLogin(ctx context.Context, rec LoginRecord) error
	LoginHistory(ctx context.Context, userID string, limit int) ([]LoginRecord, error)
	ReplaceRefreshToken(ctx context.Context, rec RefreshRecord) error
	RefreshToken(ctx context.Context, userID string) (RefreshRecord, error)
	DeleteRefreshToken(ctx context.Context, userID string) error
}

// RevocationCache remembers revoked token ids until they would have expired
// anyway.
type RevocationCache interface {
	// Revoke records id as revoked for ttl. Revoking twice is harmless and a
	// non-positive ttl is a no-op.
	Revoke(ctx context.Context, id string, ttl time.Duration) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}
