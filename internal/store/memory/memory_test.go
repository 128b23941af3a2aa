package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"befunny.io/auth/internal/auth"
)

func TestUserSnapshotsAreDetached(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertPermissions(ctx, []string{"GET /a"})
	require.NoError(t, err)
	role, err := s.CreateRole(ctx, "user")
	require.NoError(t, err)
	_, err = s.SetRolePermissions(ctx, role.ID, []string{"GET /a"})
	require.NoError(t, err)

	u, err := s.CreateUser(ctx, auth.NewUser{Login: "alice", PasswordHash: "h", Active: true, RoleID: role.ID})
	require.NoError(t, err)
	require.Equal(t, []string{"GET /a"}, u.Role.Permissions)

	u.Role.Permissions[0] = "tampered"
	again, err := s.FindUserByLogin(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"GET /a"}, again.Role.Permissions)
}

func TestConstraints(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.CreateUser(ctx, auth.NewUser{Login: "alice"})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, auth.NewUser{Login: "alice"})
	require.ErrorIs(t, err, auth.ErrConflict)

	_, err = s.FindUserByLogin(ctx, "bob")
	require.ErrorIs(t, err, auth.ErrNotFound)

	role, err := s.CreateRole(ctx, "user")
	require.NoError(t, err)
	_, err = s.CreateRole(ctx, "user")
	require.ErrorIs(t, err, auth.ErrConflict)

	_, err = s.SetRolePermissions(ctx, role.ID, []string{"GET /missing"})
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestSetRolePermissionsMarksHoldersAndClearStale(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertPermissions(ctx, []string{"GET /a"})
	require.NoError(t, err)
	role, err := s.CreateRole(ctx, "user")
	require.NoError(t, err)
	alice, err := s.CreateUser(ctx, auth.NewUser{Login: "alice", RoleID: role.ID})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, auth.NewUser{Login: "bob"})
	require.NoError(t, err)

	n, err := s.SetRolePermissions(ctx, role.ID, []string{"GET /a"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	holders, err := s.CountRoleHolders(ctx, role.ID)
	require.NoError(t, err)
	require.Equal(t, 1, holders)
	require.ErrorIs(t, s.DeleteRole(ctx, role.ID), auth.ErrConflict)

	was, err := s.ClearStale(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, was)
	was, err = s.ClearStale(ctx, alice.ID)
	require.NoError(t, err)
	require.False(t, was)

	bob, err := s.FindUserByLogin(ctx, "bob")
	require.NoError(t, err)
	require.False(t, bob.Stale)
}

func TestRefreshAndHistory(t *testing.T) {
	ctx := context.Background()
	s := New()
	u, err := s.CreateUser(ctx, auth.NewUser{Login: "alice"})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceRefreshToken(ctx, auth.RefreshRecord{UserID: u.ID, TokenHash: "one"}))
	require.NoError(t, s.ReplaceRefreshToken(ctx, auth.RefreshRecord{UserID: u.ID, TokenHash: "two"}))
	rec, err := s.RefreshToken(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "two", rec.TokenHash)
	require.NoError(t, s.DeleteRefreshToken(ctx, u.ID))
	_, err = s.RefreshToken(ctx, u.ID)
	require.ErrorIs(t, err, auth.ErrNotFound)

	for _, agent := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordLogin(ctx, auth.LoginRecord{UserID: u.ID, UserAgent: agent}))
	}
	history, err := s.LoginHistory(ctx, u.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "c", history[0].UserAgent)
	require.Equal(t, "b", history[1].UserAgent)
	require.NotEmpty(t, history[0].ID)
}
