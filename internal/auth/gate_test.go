package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"befunny.io/auth/internal/auth"
)

const (
	resReports = "GET /api/v1/reports"
	resRoles   = "GET /api/v1/roles"
)

func TestGateAllowsGrantedResource(t *testing.T) {
	f := newFixture(t)
	f.role(t, "user", resReports)
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")

	d, err := f.gate.Authorize(context.Background(), auth.Request{Token: pair.AccessToken, Resource: resReports})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.User.Login != "alice" || d.Reissued != nil {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestGateRejections(t *testing.T) {
	f := newFixture(t)
	f.role(t, "user", resReports)
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")
	ctx := context.Background()

	_, err := f.gate.Authorize(ctx, auth.Request{Resource: resReports})
	expectKind(t, err, auth.KindUnauthorized, "missing token")

	_, err = f.gate.Authorize(ctx, auth.Request{Token: "garbage", Resource: resReports})
	expectKind(t, err, auth.KindUnauthorized, "invalid token")

	_, err = f.gate.Authorize(ctx, auth.Request{Token: pair.RefreshToken, Resource: resReports})
	expectKind(t, err, auth.KindUnauthorized, "invalid token")

	_, err = f.gate.Authorize(ctx, auth.Request{Token: pair.AccessToken, Resource: resRoles})
	expectKind(t, err, auth.KindForbidden, "")
	if !strings.Contains(auth.ReasonOf(err), resRoles) {
		t.Fatalf("reason should name the resource, got %q", auth.ReasonOf(err))
	}
}

func TestGateMatchesResourcesExactly(t *testing.T) {
	f := newFixture(t)
	f.role(t, "user", "GET /api/v1/roles/{roleID}")
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")

	_, err := f.gate.Authorize(context.Background(), auth.Request{Token: pair.AccessToken, Resource: resRoles})
	expectKind(t, err, auth.KindForbidden, "")
}

func TestGateExpiryBeforeRevocation(t *testing.T) {
	f := newFixture(t)
	f.role(t, "user", resReports)
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")
	ctx := context.Background()

	if err := f.issuer.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err := f.gate.Authorize(ctx, auth.Request{Token: pair.AccessToken, Resource: resReports})
	expectKind(t, err, auth.KindForbidden, "revoked token")

	f.advance(auth.DefaultAccessTTL + time.Second)
	_, err = f.gate.Authorize(ctx, auth.Request{Token: pair.AccessToken, Resource: resReports})
	expectKind(t, err, auth.KindUnauthorized, "expired token")
}

func TestGateUserNotFound(t *testing.T) {
	f := newFixture(t)
	f.role(t, "user", resReports)
	user := f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")

	renamed := "alice2"
	if _, err := f.store.UpdateUser(context.Background(), user.ID, auth.UserUpdate{Login: &renamed}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	_, err := f.gate.Authorize(context.Background(), auth.Request{Token: pair.AccessToken, Resource: resReports})
	expectKind(t, err, auth.KindUnauthorized, "user not found")
}

func TestGateFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.role(t, "user", resReports)
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")
	req := auth.Request{Token: pair.AccessToken, Resource: resReports}

	noCache, err := auth.NewGate(f.codec, failingCache{}, f.store, f.issuer)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	_, err = noCache.Authorize(context.Background(), req)
	expectKind(t, err, auth.KindUnavailable, "")

	noStore, err := auth.NewGate(f.codec, f.cache, failingUsers{}, f.issuer)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	_, err = noStore.Authorize(context.Background(), req)
	expectKind(t, err, auth.KindUnavailable, "")
}

func TestGateReissuesStaleUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.role(t, "user", resReports)
	if _, err := f.admin.ReconcilePermissions(ctx, []string{resRoles}); err != nil {
		t.Fatalf("ReconcilePermissions: %v", err)
	}
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")

	// Take the permission away; alice's token still carries it.
	if _, err := f.admin.SetPermissions(ctx, role.ID, []string{resRoles}); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	if !f.user(t, "alice").Stale {
		t.Fatal("expected alice to be stale")
	}

	d, err := f.gate.Authorize(ctx, auth.Request{Token: pair.AccessToken, Resource: resReports})
	if err != nil {
		t.Fatalf("in-flight request should pass with the old snapshot: %v", err)
	}
	if d.Reissued == nil {
		t.Fatal("expected reissued tokens")
	}
	if f.user(t, "alice").Stale {
		t.Fatal("stale flag should be cleared")
	}

	_, err = f.gate.Authorize(ctx, auth.Request{Token: d.Reissued.AccessToken, Resource: resReports})
	expectKind(t, err, auth.KindForbidden, "")

	d, err = f.gate.Authorize(ctx, auth.Request{Token: d.Reissued.AccessToken, Resource: resRoles})
	if err != nil {
		t.Fatalf("new permission should be usable: %v", err)
	}
	if d.Reissued != nil {
		t.Fatal("no reissue expected for a fresh user")
	}
}

func TestGateAuthenticateSkipsPermissionCheck(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")

	d, err := f.gate.Authenticate(context.Background(), auth.Request{Token: pair.AccessToken})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if d.User.Login != "alice" || d.Claims.DeviceID == "" {
		t.Fatalf("unexpected decision %+v", d)
	}
}
