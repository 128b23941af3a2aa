package auth_test

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"befunny.io/auth/internal/auth"
)

func fixedClock() func() time.Time {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := auth.NewCodec(testSecret, auth.WithCodecClock(fixedClock()))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	cases := []struct {
		subject string
		perms   []string
	}{
		{"alice", []string{"GET /api/v1/roles", "POST /api/v1/roles"}},
		{"bob@example.com", nil},
		{"ünïcode", []string{"GET /x"}},
	}
	for _, tc := range cases {
		token, signed, err := codec.IssueAccess(tc.subject, "device-1", tc.perms, 30*time.Minute)
		if err != nil {
			t.Fatalf("IssueAccess(%s): %v", tc.subject, err)
		}
		claims, err := codec.Verify(token)
		if err != nil {
			t.Fatalf("Verify(%s): %v", tc.subject, err)
		}
		if claims.Subject != tc.subject || claims.Type != auth.TokenAccess || claims.DeviceID != "device-1" {
			t.Fatalf("unexpected claims %+v", claims)
		}
		if claims.Issuer != auth.DefaultIssuer {
			t.Fatalf("unexpected issuer %q", claims.Issuer)
		}
		if len(claims.Permissions) != len(tc.perms) || (len(tc.perms) > 0 && !slices.Equal(claims.Permissions, tc.perms)) {
			t.Fatalf("permissions changed: %v != %v", claims.Permissions, tc.perms)
		}
		if !claims.ExpiresAt.Equal(claims.NotBefore.Add(30 * time.Minute)) {
			t.Fatalf("exp must equal nbf+ttl: nbf=%s exp=%s", claims.NotBefore, claims.ExpiresAt)
		}
		if claims.ID == "" || claims.ID != signed.ID {
			t.Fatalf("jti mismatch %q vs %q", claims.ID, signed.ID)
		}
	}
}

func TestCodecFreshIDPerToken(t *testing.T) {
	codec, _ := auth.NewCodec(testSecret)
	_, a, _ := codec.IssueAccess("alice", "d", nil, time.Minute)
	_, b, _ := codec.IssueAccess("alice", "d", nil, time.Minute)
	if a.ID == b.ID {
		t.Fatal("two tokens share a jti")
	}
}

func TestCodecReservedClaimsWin(t *testing.T) {
	codec, _ := auth.NewCodec(testSecret, auth.WithCodecClock(fixedClock()))
	token, _, err := codec.Sign(auth.TokenAccess, "alice", map[string]any{
		"sub":  "mallory",
		"exp":  1,
		"type": "REFRESH",
		"team": "core",
	}, auth.SignOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" || claims.Type != auth.TokenAccess {
		t.Fatalf("reserved claims overridden: %+v", claims)
	}
	if claims.Extra["team"] != "core" {
		t.Fatalf("custom claim lost: %v", claims.Extra)
	}
	if claims.Expired(fixedClock()()) {
		t.Fatal("caller exp must not survive")
	}
}

func TestCodecNotBeforeShiftsExpiry(t *testing.T) {
	codec, _ := auth.NewCodec(testSecret, auth.WithCodecClock(fixedClock()))
	nbf := fixedClock()().Add(time.Hour)
	_, claims, err := codec.Sign(auth.TokenRefresh, "alice", nil, auth.SignOptions{TTL: time.Minute, NotBefore: nbf})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !claims.NotBefore.Equal(nbf) || !claims.ExpiresAt.Equal(nbf.Add(time.Minute)) {
		t.Fatalf("unexpected window %s..%s", claims.NotBefore, claims.ExpiresAt)
	}
}

func TestCodecRejectsBlankSubject(t *testing.T) {
	codec, err := auth.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	for _, subject := range []string{"", "   "} {
		if _, _, err := codec.IssueAccess(subject, "device-1", nil, time.Minute); err == nil {
			t.Fatalf("expected error for subject %q", subject)
		}
	}
}

func TestCodecUnlimitedTokenHasNoExpiry(t *testing.T) {
	codec, _ := auth.NewCodec(testSecret)
	token, _, err := codec.IssueUnlimitedAccess("service", []string{"GET /x"})
	if err != nil {
		t.Fatalf("IssueUnlimitedAccess: %v", err)
	}
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !claims.ExpiresAt.IsZero() {
		t.Fatalf("expected no expiry, got %s", claims.ExpiresAt)
	}
	if claims.Expired(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Fatal("unlimited token expired")
	}
}

func TestCodecExpiredTokenStillVerifies(t *testing.T) {
	codec, _ := auth.NewCodec(testSecret, auth.WithCodecClock(fixedClock()))
	token, _, _ := codec.IssueAccess("alice", "d", nil, time.Minute)
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	later := fixedClock()().Add(time.Minute)
	if !claims.Expired(later) {
		t.Fatal("expected token to be expired at exp")
	}
	if claims.Expired(later.Add(-time.Second)) {
		t.Fatal("token expired too early")
	}
}

func TestCodecRejectsTampering(t *testing.T) {
	codec, _ := auth.NewCodec(testSecret)
	token, _, _ := codec.IssueAccess("alice", "d", []string{"GET /x"}, time.Hour)
	other, _, _ := codec.IssueAccess("admin", "d", []string{"GET /x", "DELETE /x"}, time.Hour)

	a := strings.Split(token, ".")
	b := strings.Split(other, ".")
	spliced := a[0] + "." + b[1] + "." + a[2]

	foreignSecret, _ := auth.NewCodec("another-secret")
	foreign, _, _ := foreignSecret.IssueAccess("alice", "d", nil, time.Hour)

	otherIssuer, _ := auth.NewCodec(testSecret, auth.WithIssuer("someone-else"))
	foreignIss, _, _ := otherIssuer.IssueAccess("alice", "d", nil, time.Hour)

	strong, _ := auth.NewCodec(testSecret, auth.WithAlgorithm("HS512"))
	wrongAlg, _, _ := strong.IssueAccess("alice", "d", nil, time.Hour)

	for name, raw := range map[string]string{
		"empty":          "",
		"garbage":        "not-a-token",
		"spliced":        spliced,
		"foreign secret": foreign,
		"foreign issuer": foreignIss,
		"wrong alg":      wrongAlg,
	} {
		if _, err := codec.Verify(raw); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestCodecDecodeUnsafeSkipsSignature(t *testing.T) {
	foreign, _ := auth.NewCodec("another-secret")
	token, _, _ := foreign.IssueRefresh("alice", "d", time.Hour)

	codec, _ := auth.NewCodec(testSecret)
	claims, err := codec.DecodeUnsafe(token)
	if err != nil {
		t.Fatalf("DecodeUnsafe: %v", err)
	}
	if claims.Subject != "alice" || claims.Type != auth.TokenRefresh {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := codec.DecodeUnsafe("a.b"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewCodecValidation(t *testing.T) {
	if _, err := auth.NewCodec(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := auth.NewCodec(testSecret, auth.WithAlgorithm("RS256")); err == nil {
		t.Fatal("expected error for non-HMAC algorithm")
	}
}
