package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/revocation"
	"befunny.io/auth/internal/store/memory"
)

const testSecret = "test-secret"

type fixture struct {
	now    time.Time
	store  *memory.Store
	cache  *revocation.Memory
	codec  *auth.Codec
	hasher *auth.Hasher
	issuer *auth.Issuer
	admin  *auth.Admin
	gate   *auth.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith hands wrap(f.store) to the components under test. f.store
// stays the plain memory store so assertions bypass the wrapper.
func newFixtureWith(t *testing.T, wrap func(auth.Store) auth.Store) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.store = memory.New(memory.WithClock(clock))
	f.cache = revocation.NewMemory(clock)
	var store auth.Store = f.store
	if wrap != nil {
		store = wrap(f.store)
	}

	var err error
	f.codec, err = auth.NewCodec(testSecret, auth.WithCodecClock(clock))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	f.hasher, err = auth.NewHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	f.issuer, err = auth.NewIssuer(store, f.codec, f.hasher, f.cache,
		auth.WithClock(clock), auth.WithDefaultRole("user"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	f.admin, err = auth.NewAdmin(store)
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	f.gate, err = auth.NewGate(f.codec, f.cache, store, f.issuer)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// role reconciles perms and creates a role holding them.
func (f *fixture) role(t *testing.T, name string, perms ...string) auth.Role {
	t.Helper()
	ctx := context.Background()
	if _, err := f.admin.ReconcilePermissions(ctx, perms); err != nil {
		t.Fatalf("ReconcilePermissions: %v", err)
	}
	role, err := f.admin.CreateRole(ctx, name, perms)
	if err != nil {
		t.Fatalf("CreateRole(%s): %v", name, err)
	}
	return role
}

func (f *fixture) register(t *testing.T, login, password string) auth.User {
	t.Helper()
	user, err := f.issuer.Register(context.Background(), auth.Credentials{Login: login, Password: password})
	if err != nil {
		t.Fatalf("Register(%s): %v", login, err)
	}
	return user
}

func (f *fixture) login(t *testing.T, login, password string) auth.TokenPair {
	t.Helper()
	pair, err := f.issuer.Login(context.Background(),
		auth.Credentials{Login: login, Password: password},
		auth.ClientContext{UserAgent: "test-agent", RemoteAddr: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login(%s): %v", login, err)
	}
	return pair
}

func (f *fixture) user(t *testing.T, login string) auth.User {
	t.Helper()
	u, err := f.store.FindUserByLogin(context.Background(), login)
	if err != nil {
		t.Fatalf("FindUserByLogin(%s): %v", login, err)
	}
	return u
}

func expectKind(t *testing.T, err error, kind auth.Kind, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := auth.KindOf(err); got != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, got, err)
	}
	if reason != "" && auth.ReasonOf(err) != reason {
		t.Fatalf("expected reason %q, got %q", reason, auth.ReasonOf(err))
	}
}

type failingCache struct{}

func (failingCache) Revoke(context.Context, string, time.Duration) error {
	return errors.New("cache down")
}

func (failingCache) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("cache down")
}

type failingUsers struct {
	auth.UserStore
}

func (failingUsers) FindUserByLogin(context.Context, string) (auth.User, error) {
	return auth.User{}, errors.New("connection refused")
}
