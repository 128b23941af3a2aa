package auth_test

import (
	"context"
	"slices"
	"testing"

	"befunny.io/auth/internal/auth"
)

func TestCreateRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, "editor", resRoles, resReports)
	if !slices.Equal(role.Permissions, []string{resReports, resRoles}) {
		t.Fatalf("permissions not sorted/kept: %v", role.Permissions)
	}

	_, err := f.admin.CreateRole(ctx, "editor", nil)
	expectKind(t, err, auth.KindConflict, "")

	_, err = f.admin.CreateRole(ctx, "viewer", []string{"GET /unknown"})
	expectKind(t, err, auth.KindNotFound, "")

	_, err = f.admin.CreateRole(ctx, " ", nil)
	expectKind(t, err, auth.KindInvalidInput, "")
}

func TestUpdateRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, "user", resReports)
	f.role(t, "other")
	f.register(t, "alice", "s3cret-pass")

	_, err := f.admin.UpdateRole(ctx, "missing", auth.RoleUpdate{})
	expectKind(t, err, auth.KindNotFound, "")

	taken := "other"
	_, err = f.admin.UpdateRole(ctx, role.ID, auth.RoleUpdate{Name: &taken})
	expectKind(t, err, auth.KindConflict, "")

	// Renaming and resubmitting the same permissions changes nobody's access.
	name := "member"
	same := []string{resReports}
	updated, err := f.admin.UpdateRole(ctx, role.ID, auth.RoleUpdate{Name: &name, Permissions: &same})
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if updated.Name != "member" {
		t.Fatalf("rename lost: %+v", updated)
	}
	if f.user(t, "alice").Stale {
		t.Fatal("unchanged permissions must not mark holders stale")
	}

	if _, err := f.admin.ReconcilePermissions(ctx, []string{resRoles}); err != nil {
		t.Fatalf("ReconcilePermissions: %v", err)
	}
	more := []string{resReports, resRoles}
	updated, err = f.admin.UpdateRole(ctx, role.ID, auth.RoleUpdate{Permissions: &more})
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if !slices.Equal(updated.Permissions, []string{resReports, resRoles}) {
		t.Fatalf("unexpected permissions %v", updated.Permissions)
	}
	if !f.user(t, "alice").Stale {
		t.Fatal("holders must be marked stale after a permission change")
	}
}

func TestDeleteRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := f.role(t, "user")
	free := f.role(t, "spare")
	f.register(t, "alice", "s3cret-pass")

	err := f.admin.DeleteRole(ctx, held.ID)
	expectKind(t, err, auth.KindConflict, "")

	if err := f.admin.DeleteRole(ctx, free.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	err = f.admin.DeleteRole(ctx, free.ID)
	expectKind(t, err, auth.KindNotFound, "")
}

func TestAssignRoleMarksStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, "editor", resRoles)
	f.register(t, "alice", "s3cret-pass")

	user, err := f.admin.AssignRole(ctx, "alice", role.ID)
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if !user.Stale || user.Role == nil || user.Role.ID != role.ID {
		t.Fatalf("unexpected user %+v", user)
	}

	_, err = f.admin.AssignRole(ctx, "nobody", role.ID)
	expectKind(t, err, auth.KindNotFound, "")
	_, err = f.admin.AssignRole(ctx, "alice", "missing")
	expectKind(t, err, auth.KindNotFound, "")
}

func TestSetPermissionsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, "user")
	if _, err := f.admin.ReconcilePermissions(ctx, []string{resReports, resRoles}); err != nil {
		t.Fatalf("ReconcilePermissions: %v", err)
	}
	f.register(t, "alice", "s3cret-pass")
	f.register(t, "bob", "s3cret-pass")
	f.register(t, "carol", "s3cret-pass")
	if _, err := f.admin.AssignRole(ctx, "carol", f.role(t, "other").ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if _, err := f.store.ClearStale(ctx, f.user(t, "carol").ID); err != nil {
		t.Fatalf("ClearStale: %v", err)
	}

	input := []string{resRoles, resReports, resRoles, " "}
	diff, err := f.admin.SetPermissions(ctx, role.ID, input)
	if err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	if !slices.Equal(diff.Added, []string{resReports, resRoles}) || len(diff.Removed) != 0 {
		t.Fatalf("unexpected diff %+v", diff)
	}
	got, err := f.admin.GetRole(ctx, role.ID)
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if !slices.Equal(got.Permissions, []string{resReports, resRoles}) {
		t.Fatalf("expected one entry per permission, got %v", got.Permissions)
	}
	for _, login := range []string{"alice", "bob"} {
		if !f.user(t, login).Stale {
			t.Fatalf("%s should be stale", login)
		}
		if _, err := f.store.ClearStale(ctx, f.user(t, login).ID); err != nil {
			t.Fatalf("ClearStale: %v", err)
		}
	}
	if f.user(t, "carol").Stale {
		t.Fatal("holders of other roles must not be touched")
	}

	diff, err = f.admin.SetPermissions(ctx, role.ID, input)
	if err != nil {
		t.Fatalf("second SetPermissions: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected empty diff, got %+v", diff)
	}
	for _, login := range []string{"alice", "bob"} {
		if f.user(t, login).Stale {
			t.Fatalf("%s marked stale by a no-op change", login)
		}
	}
}

func TestReconcilePermissionsIsAddOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added, err := f.admin.ReconcilePermissions(ctx, []string{resReports, resRoles, resReports})
	if err != nil || added != 2 {
		t.Fatalf("first reconcile added=%d err=%v", added, err)
	}
	added, err = f.admin.ReconcilePermissions(ctx, []string{resRoles})
	if err != nil || added != 0 {
		t.Fatalf("second reconcile added=%d err=%v", added, err)
	}
	perms, err := f.admin.ListPermissions(ctx)
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("reconcile must not remove permissions, got %d", len(perms))
	}
}

func TestEnsureSuperuserIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.admin.ReconcilePermissions(ctx, []string{resReports, resRoles}); err != nil {
		t.Fatalf("ReconcilePermissions: %v", err)
	}
	creds := auth.Credentials{Login: "root", Password: "sup3r-secret"}

	for i := 0; i < 2; i++ {
		user, err := auth.EnsureSuperuser(ctx, f.issuer, f.admin, creds)
		if err != nil {
			t.Fatalf("EnsureSuperuser run %d: %v", i, err)
		}
		if user.Stale {
			t.Fatalf("run %d: superuser left stale", i)
		}
		if user.Role == nil || user.Role.Name != auth.SuperuserRole {
			t.Fatalf("run %d: unexpected role %+v", i, user.Role)
		}
		if !slices.Equal(user.Role.Permissions, []string{resReports, resRoles}) {
			t.Fatalf("run %d: unexpected permissions %v", i, user.Role.Permissions)
		}
	}
	roles, err := f.admin.ListRoles(ctx)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("expected a single admin role, got %d", len(roles))
	}

	// A permission added later is picked up by the next run.
	if _, err := f.admin.ReconcilePermissions(ctx, []string{"DELETE /api/v1/roles/{roleID}"}); err != nil {
		t.Fatalf("ReconcilePermissions: %v", err)
	}
	user, err := auth.EnsureSuperuser(ctx, f.issuer, f.admin, creds)
	if err != nil {
		t.Fatalf("EnsureSuperuser: %v", err)
	}
	if len(user.Role.Permissions) != 3 {
		t.Fatalf("expected 3 permissions, got %v", user.Role.Permissions)
	}
	pair := f.login(t, "root", "sup3r-secret")
	if _, err := f.gate.Authorize(ctx, auth.Request{Token: pair.AccessToken, Resource: resRoles}); err != nil {
		t.Fatalf("superuser denied: %v", err)
	}
}
