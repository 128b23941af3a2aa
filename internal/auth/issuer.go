package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"befunny.io/auth/internal/ids"
	"befunny.io/auth/internal/obs"
)

const (
	msgBadCredentials = "incorrect login or password"
	msgBlocked        = "user blocked"

	// Revocations of tokens without expiry are kept this long.
	unlimitedRevocationTTL = 365 * 24 * time.Hour

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Issuer registers users and issues, rotates and revokes their tokens.
type Issuer struct {
	store       Store
	codec       *Codec
	hasher      *Hasher
	revocations RevocationCache

	now         func() time.Time
	accessTTL   time.Duration
	refreshTTL  time.Duration
	defaultRole string

	reissues singleflight.Group
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(s *Issuer) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(s *Issuer) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithDefaultRole names the role given to newly registered users. An empty
// name disables the assignment.
func WithDefaultRole(name string) IssuerOption {
	return func(s *Issuer) error {
		s.defaultRole = strings.TrimSpace(name)
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(s *Issuer) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewIssuer constructs an Issuer.
func NewIssuer(store Store, codec *Codec, hasher *Hasher, revocations RevocationCache, opts ...IssuerOption) (*Issuer, error) {
	if store == nil || codec == nil || hasher == nil || revocations == nil {
		return nil, errors.New("auth: issuer requires store, codec, hasher and revocation cache")
	}
	s := &Issuer{
		store:       store,
		codec:       codec,
		hasher:      hasher,
		revocations: revocations,
		now:         time.Now,
		accessTTL:   DefaultAccessTTL,
		refreshTTL:  DefaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register creates an active user holding the default role, if that role
// exists.
func (s *Issuer) Register(ctx context.Context, creds Credentials) (User, error) {
	login := strings.TrimSpace(creds.Login)
	if login == "" {
		return User{}, invalidInput("login is required")
	}
	if creds.Password == "" {
		return User{}, invalidInput("password is required")
	}
	_, err := s.store.FindUserByLogin(ctx, login)
	switch {
	case err == nil:
		return User{}, newError(KindConflict, "login already taken", nil)
	case !errors.Is(err, ErrNotFound):
		return User{}, unavailable("find user", err)
	}

	hash, err := s.hasher.Hash(creds.Password)
	if err != nil {
		return User{}, err
	}
	var roleID string
	if s.defaultRole != "" {
		role, err := s.store.FindRoleByName(ctx, s.defaultRole)
		switch {
		case err == nil:
			roleID = role.ID
		case !errors.Is(err, ErrNotFound):
			return User{}, unavailable("find default role", err)
		}
	}
	user, err := s.store.CreateUser(ctx, NewUser{
		Login:        login,
		PasswordHash: hash,
		Active:       true,
		RoleID:       roleID,
	})
	if errors.Is(err, ErrConflict) {
		return User{}, newError(KindConflict, "login already taken", nil)
	}
	if err != nil {
		return User{}, unavailable("create user", err)
	}
	obs.From(ctx).Info().Str("login", user.Login).Msg("user registered")
	return user, nil
}

// Login authenticates the credentials and issues a token pair embedding the
// permissions of the user's role.
func (s *Issuer) Login(ctx context.Context, creds Credentials, client ClientContext) (TokenPair, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Login")
	defer span.End()

	login := strings.TrimSpace(creds.Login)
	user, err := s.store.FindUserByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		s.hasher.Waste(creds.Password)
		obs.ObserveLogin("rejected")
		return TokenPair{}, unauthorized(msgBadCredentials)
	}
	if err != nil {
		span.SetStatus(codes.Error, "store unavailable")
		return TokenPair{}, unavailable("find user", err)
	}
	if !s.hasher.Verify(creds.Password, user.PasswordHash) {
		obs.ObserveLogin("rejected")
		return TokenPair{}, unauthorized(msgBadCredentials)
	}
	if !user.Active {
		obs.ObserveLogin("blocked")
		return TokenPair{}, forbidden(msgBlocked)
	}
	if client.DeviceID == "" {
		client.DeviceID = ids.NewDevice()
	}

	pair, err := s.issue(ctx, user, client)
	if err != nil {
		span.SetStatus(codes.Error, "issue failed")
		return TokenPair{}, err
	}
	if err := s.store.RecordLogin(ctx, LoginRecord{
		UserID:     user.ID,
		UserAgent:  client.UserAgent,
		DeviceID:   client.DeviceID,
		RemoteAddr: client.RemoteAddr,
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		return TokenPair{}, unavailable("record login", err)
	}
	span.SetAttributes(attribute.String("auth.login", user.Login))
	obs.ObserveLogin("ok")
	obs.ObserveTokensIssued("login")
	return pair, nil
}

// Logout revokes the access token for the rest of its lifetime and drops the
// user's refresh token.
func (s *Issuer) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.codec.Verify(accessToken)
	if err != nil || claims.Type != TokenAccess {
		return unauthorized("invalid token")
	}
	if err := s.revoke(ctx, claims); err != nil {
		return err
	}
	user, err := s.store.FindUserByLogin(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return unavailable("find user", err)
	}
	if err := s.store.DeleteRefreshToken(ctx, user.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return unavailable("delete refresh token", err)
	}
	return nil
}

// Reissue replaces the user's tokens with ones reflecting the current role
// permissions and clears the stale flag. Concurrent reissues for the same
// user and device share one result; requests without a device share one
// generated device. A user holds a single refresh token, so when two devices
// reissue at once the later one keeps the valid refresh token.
func (s *Issuer) Reissue(ctx context.Context, user User, client ClientContext) (TokenPair, error) {
	v, err, _ := s.reissues.Do(user.ID+"|"+client.DeviceID, func() (any, error) {
		return s.reissue(ctx, user, client)
	})
	if err != nil {
		return TokenPair{}, err
	}
	return v.(TokenPair), nil
}

func (s *Issuer) reissue(ctx context.Context, user User, client ClientContext) (TokenPair, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Reissue")
	defer span.End()

	// The flag is cleared before permissions are read. A role change landing
	// after this point sets it again and the next request reissues once more.
	if _, err := s.store.ClearStale(ctx, user.ID); err != nil {
		return TokenPair{}, unavailable("clear stale", err)
	}
	fresh, err := s.store.FindUserByLogin(ctx, user.Login)
	if err != nil {
		s.restoreStale(ctx, user.ID)
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, unauthorized("user not found")
		}
		return TokenPair{}, unavailable("find user", err)
	}
	if client.DeviceID == "" {
		client.DeviceID = ids.NewDevice()
	}
	pair, err := s.issue(ctx, fresh, client)
	if err != nil {
		span.SetStatus(codes.Error, "issue failed")
		s.restoreStale(ctx, user.ID)
		return TokenPair{}, err
	}
	obs.ObserveTokensIssued("reissue")
	obs.From(ctx).Info().Str("login", fresh.Login).Msg("tokens reissued")
	return pair, nil
}

func (s *Issuer) restoreStale(ctx context.Context, userID string) {
	stale := true
	if _, err := s.store.UpdateUser(ctx, userID, UserUpdate{Stale: &stale}); err != nil {
		obs.From(ctx).Error().Err(err).Str("user_id", userID).Msg("restore stale flag failed")
	}
}

// Refresh exchanges a refresh token for a new pair. A refresh token that
// does not match the stored one is treated as stolen and the stored token is
// dropped, ending every session of the user.
func (s *Issuer) Refresh(ctx context.Context, refreshToken string, client ClientContext) (TokenPair, error) {
	claims, err := s.codec.Verify(refreshToken)
	if err != nil || claims.Type != TokenRefresh {
		return TokenPair{}, unauthorized("invalid token")
	}
	if claims.Expired(s.now()) {
		return TokenPair{}, unauthorized("expired token")
	}
	user, err := s.store.FindUserByLogin(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, unauthorized("user not found")
	}
	if err != nil {
		return TokenPair{}, unavailable("find user", err)
	}
	if !user.Active {
		return TokenPair{}, forbidden(msgBlocked)
	}
	rec, err := s.store.RefreshToken(ctx, user.ID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, unauthorized("refresh token revoked")
	}
	if err != nil {
		return TokenPair{}, unavailable("load refresh token", err)
	}
	if !equalDigest(rec.TokenHash, hashToken(refreshToken)) {
		if err := s.store.DeleteRefreshToken(ctx, user.ID); err != nil && !errors.Is(err, ErrNotFound) {
			obs.From(ctx).Error().Err(err).Str("login", user.Login).Msg("drop refresh token failed")
		}
		return TokenPair{}, unauthorized("refresh token reused")
	}
	if client.DeviceID == "" {
		client.DeviceID = claims.DeviceID
	}
	pair, err := s.reissue(ctx, user, client)
	if err != nil {
		return TokenPair{}, err
	}
	obs.ObserveTokensIssued("refresh")
	return pair, nil
}

// ChangeLogin renames the account behind current and issues tokens for the
// new login. The current access token is revoked.
func (s *Issuer) ChangeLogin(ctx context.Context, current Claims, newLogin string, client ClientContext) (User, TokenPair, error) {
	newLogin = strings.TrimSpace(newLogin)
	if newLogin == "" {
		return User{}, TokenPair{}, invalidInput("login is required")
	}
	user, err := s.currentUser(ctx, current)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	if newLogin == user.Login {
		return User{}, TokenPair{}, invalidInput("new login matches the current one")
	}
	updated, err := s.store.UpdateUser(ctx, user.ID, UserUpdate{Login: &newLogin})
	if errors.Is(err, ErrConflict) {
		return User{}, TokenPair{}, newError(KindConflict, "login already taken", nil)
	}
	if err != nil {
		return User{}, TokenPair{}, unavailable("update user", err)
	}
	pair, err := s.rotate(ctx, current, updated, client)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	return updated, pair, nil
}

// ChangePassword replaces the password of the account behind current and
// issues a new pair. The current access token is revoked.
func (s *Issuer) ChangePassword(ctx context.Context, current Claims, newPassword string, client ClientContext) (TokenPair, error) {
	if newPassword == "" {
		return TokenPair{}, invalidInput("password is required")
	}
	user, err := s.currentUser(ctx, current)
	if err != nil {
		return TokenPair{}, err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return TokenPair{}, err
	}
	updated, err := s.store.UpdateUser(ctx, user.ID, UserUpdate{PasswordHash: &hash})
	if err != nil {
		return TokenPair{}, unavailable("update user", err)
	}
	return s.rotate(ctx, current, updated, client)
}

// History returns the most recent logins of the user, newest first.
func (s *Issuer) History(ctx context.Context, login string, limit int) ([]LoginRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	user, err := s.store.FindUserByLogin(ctx, strings.TrimSpace(login))
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindNotFound, "user not found", nil)
	}
	if err != nil {
		return nil, unavailable("find user", err)
	}
	records, err := s.store.LoginHistory(ctx, user.ID, limit)
	if err != nil {
		return nil, unavailable("load history", err)
	}
	return records, nil
}

func (s *Issuer) currentUser(ctx context.Context, current Claims) (User, error) {
	user, err := s.store.FindUserByLogin(ctx, current.Subject)
	if errors.Is(err, ErrNotFound) {
		return User{}, unauthorized("user not found")
	}
	if err != nil {
		return User{}, unavailable("find user", err)
	}
	return user, nil
}

func (s *Issuer) rotate(ctx context.Context, current Claims, user User, client ClientContext) (TokenPair, error) {
	if err := s.revoke(ctx, current); err != nil {
		return TokenPair{}, err
	}
	if client.DeviceID == "" {
		client.DeviceID = current.DeviceID
	}
	pair, err := s.reissue(ctx, user, client)
	if err != nil {
		return TokenPair{}, err
	}
	obs.ObserveTokensIssued("credentials_changed")
	return pair, nil
}

func (s *Issuer) revoke(ctx context.Context, claims Claims) error {
	ttl := claims.Remaining(s.now(), unlimitedRevocationTTL)
	if ttl <= 0 {
		return nil
	}
	if err := s.revocations.Revoke(ctx, claims.ID, ttl); err != nil {
		return unavailable("revoke token", err)
	}
	return nil
}

func (s *Issuer) issue(ctx context.Context, user User, client ClientContext) (TokenPair, error) {
	access, ac, err := s.codec.IssueAccess(user.Login, client.DeviceID, user.Permissions(), s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, rc, err := s.codec.IssueRefresh(user.Login, client.DeviceID, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.ReplaceRefreshToken(ctx, RefreshRecord{
		UserID:    user.ID,
		TokenHash: hashToken(refresh),
		DeviceID:  client.DeviceID,
		ExpiresAt: rc.ExpiresAt,
		UpdatedAt: s.now().UTC(),
	}); err != nil {
		return TokenPair{}, unavailable("store refresh token", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  ac.ExpiresAt,
		RefreshExpiresAt: rc.ExpiresAt,
	}, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func equalDigest(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
