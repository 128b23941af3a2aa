package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"befunny.io/auth/internal/auth"
)

func TestRegister(t *testing.T) {
	f := newFixture(t)
	role := f.role(t, "user", resReports)
	ctx := context.Background()

	user := f.register(t, "alice", "s3cret-pass")
	if !user.Active || user.Stale {
		t.Fatalf("unexpected flags %+v", user)
	}
	if user.Role == nil || user.Role.ID != role.ID {
		t.Fatalf("default role not assigned: %+v", user.Role)
	}
	if user.PasswordHash == "" || strings.Contains(user.PasswordHash, "s3cret-pass") {
		t.Fatal("password must be stored as a digest")
	}

	_, err := f.issuer.Register(ctx, auth.Credentials{Login: "alice", Password: "other-pass"})
	expectKind(t, err, auth.KindConflict, "")

	_, err = f.issuer.Register(ctx, auth.Credentials{Login: "  ", Password: "x"})
	expectKind(t, err, auth.KindInvalidInput, "")
}

func TestRegisterWithoutDefaultRole(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "bob", "s3cret-pass")
	if user.Role != nil {
		t.Fatalf("expected no role, got %+v", user.Role)
	}
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "alice", "s3cret-pass")

	_, err := f.issuer.Login(ctx, auth.Credentials{Login: "nobody", Password: "s3cret-pass"}, auth.ClientContext{})
	expectKind(t, err, auth.KindUnauthorized, "incorrect login or password")

	_, err = f.issuer.Login(ctx, auth.Credentials{Login: "alice", Password: "wrong"}, auth.ClientContext{})
	expectKind(t, err, auth.KindUnauthorized, "incorrect login or password")

	inactive := false
	if _, err := f.store.UpdateUser(ctx, user.ID, auth.UserUpdate{Active: &inactive}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	_, err = f.issuer.Login(ctx, auth.Credentials{Login: "alice", Password: "s3cret-pass"}, auth.ClientContext{})
	expectKind(t, err, auth.KindForbidden, "user blocked")
}

func TestLoginEmbedsPermissionsAndRecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.role(t, "user", resReports, resRoles)
	f.register(t, "alice", "s3cret-pass")

	pair := f.login(t, "alice", "s3cret-pass")
	claims, err := f.codec.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(claims.Permissions) != 2 || !claims.HasPermission(resReports) || !claims.HasPermission(resRoles) {
		t.Fatalf("unexpected permissions %v", claims.Permissions)
	}
	if !pair.AccessExpiresAt.Equal(f.now.Add(auth.DefaultAccessTTL)) {
		t.Fatalf("unexpected access expiry %s", pair.AccessExpiresAt)
	}
	if !pair.RefreshExpiresAt.Equal(f.now.Add(auth.DefaultRefreshTTL)) {
		t.Fatalf("unexpected refresh expiry %s", pair.RefreshExpiresAt)
	}

	f.advance(time.Minute)
	f.login(t, "alice", "s3cret-pass")

	history, err := f.issuer.History(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if !history[0].CreatedAt.After(history[1].CreatedAt) {
		t.Fatal("history must be newest first")
	}
	if history[0].UserAgent != "test-agent" || history[0].RemoteAddr != "10.0.0.1" || history[0].DeviceID == "" {
		t.Fatalf("unexpected record %+v", history[0])
	}

	_, err = f.issuer.History(context.Background(), "nobody", 10)
	expectKind(t, err, auth.KindNotFound, "")
}

func TestSecondLoginReplacesRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "s3cret-pass")
	first := f.login(t, "alice", "s3cret-pass")
	second := f.login(t, "alice", "s3cret-pass")
	ctx := context.Background()

	_, err := f.issuer.Refresh(ctx, first.RefreshToken, auth.ClientContext{})
	expectKind(t, err, auth.KindUnauthorized, "refresh token reused")

	// Reuse detection dropped the stored token as well.
	_, err = f.issuer.Refresh(ctx, second.RefreshToken, auth.ClientContext{})
	expectKind(t, err, auth.KindUnauthorized, "refresh token revoked")
}

func TestRefreshRotates(t *testing.T) {
	f := newFixture(t)
	f.role(t, "user", resReports)
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")
	ctx := context.Background()

	_, err := f.issuer.Refresh(ctx, pair.AccessToken, auth.ClientContext{})
	expectKind(t, err, auth.KindUnauthorized, "invalid token")

	next, err := f.issuer.Refresh(ctx, pair.RefreshToken, auth.ClientContext{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	oldClaims, _ := f.codec.Verify(pair.RefreshToken)
	newClaims, _ := f.codec.Verify(next.RefreshToken)
	if oldClaims.DeviceID != newClaims.DeviceID {
		t.Fatal("device id should survive rotation")
	}
	if _, err := f.gate.Authorize(ctx, auth.Request{Token: next.AccessToken, Resource: resReports}); err != nil {
		t.Fatalf("Authorize with refreshed token: %v", err)
	}

	f.advance(auth.DefaultRefreshTTL + time.Second)
	_, err = f.issuer.Refresh(ctx, next.RefreshToken, auth.ClientContext{})
	expectKind(t, err, auth.KindUnauthorized, "expired token")
}

func TestLogoutRevokesAndDropsRefresh(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")
	ctx := context.Background()

	if err := f.issuer.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := f.issuer.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("second Logout should be harmless: %v", err)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("expected one revocation entry, got %d", f.cache.Len())
	}
	_, err := f.gate.Authenticate(ctx, auth.Request{Token: pair.AccessToken})
	expectKind(t, err, auth.KindForbidden, "revoked token")

	_, err = f.issuer.Refresh(ctx, pair.RefreshToken, auth.ClientContext{})
	expectKind(t, err, auth.KindUnauthorized, "refresh token revoked")

	// The entry lives only as long as the token would have.
	f.advance(auth.DefaultAccessTTL)
	if f.cache.Len() != 0 {
		t.Fatal("revocation entry outlived the token")
	}
}

func TestLogoutRejectsInvalidToken(t *testing.T) {
	f := newFixture(t)
	err := f.issuer.Logout(context.Background(), "garbage")
	expectKind(t, err, auth.KindUnauthorized, "invalid token")
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")
	ctx := context.Background()
	claims, _ := f.codec.Verify(pair.AccessToken)

	next, err := f.issuer.ChangePassword(ctx, claims, "n3w-s3cret", auth.ClientContext{})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	_, err = f.gate.Authenticate(ctx, auth.Request{Token: pair.AccessToken})
	expectKind(t, err, auth.KindForbidden, "revoked token")
	if _, err := f.gate.Authenticate(ctx, auth.Request{Token: next.AccessToken}); err != nil {
		t.Fatalf("new token rejected: %v", err)
	}

	_, err = f.issuer.Login(ctx, auth.Credentials{Login: "alice", Password: "s3cret-pass"}, auth.ClientContext{})
	expectKind(t, err, auth.KindUnauthorized, "")
	f.login(t, "alice", "n3w-s3cret")
}

func TestChangeLogin(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "s3cret-pass")
	f.register(t, "bob", "s3cret-pass")
	pair := f.login(t, "alice", "s3cret-pass")
	ctx := context.Background()
	claims, _ := f.codec.Verify(pair.AccessToken)

	_, _, err := f.issuer.ChangeLogin(ctx, claims, "bob", auth.ClientContext{})
	expectKind(t, err, auth.KindConflict, "")

	user, next, err := f.issuer.ChangeLogin(ctx, claims, "alicia", auth.ClientContext{})
	if err != nil {
		t.Fatalf("ChangeLogin: %v", err)
	}
	if user.Login != "alicia" {
		t.Fatalf("unexpected login %q", user.Login)
	}
	nc, err := f.codec.Verify(next.AccessToken)
	if err != nil || nc.Subject != "alicia" {
		t.Fatalf("new token subject %q err=%v", nc.Subject, err)
	}
	if nc.DeviceID != claims.DeviceID {
		t.Fatal("device id should be kept")
	}
	_, err = f.gate.Authenticate(ctx, auth.Request{Token: pair.AccessToken})
	expectKind(t, err, auth.KindForbidden, "revoked token")
}

func TestReissueClearsStaleFlag(t *testing.T) {
	f := newFixture(t)
	role := f.role(t, "user", resReports)
	f.register(t, "alice", "s3cret-pass")
	ctx := context.Background()
	if _, err := f.admin.ReconcilePermissions(ctx, []string{resRoles}); err != nil {
		t.Fatalf("ReconcilePermissions: %v", err)
	}
	if _, err := f.admin.SetPermissions(ctx, role.ID, []string{resReports, resRoles}); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}

	pair, err := f.issuer.Reissue(ctx, f.user(t, "alice"), auth.ClientContext{DeviceID: "dev-9"})
	if err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	claims, _ := f.codec.Verify(pair.AccessToken)
	if !claims.HasPermission(resRoles) || claims.DeviceID != "dev-9" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if f.user(t, "alice").Stale {
		t.Fatal("stale flag should be cleared")
	}
}
