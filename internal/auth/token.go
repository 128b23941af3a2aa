package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer     = "befunny@auth_service"
	DefaultAlgorithm  = "HS256"
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "ACCESS"
	TokenRefresh TokenType = "REFRESH"
)

const (
	claimIssuer      = "iss"
	claimSubject     = "sub"
	claimType        = "type"
	claimID          = "jti"
	claimIssuedAt    = "iat"
	claimNotBefore   = "nbf"
	claimExpiresAt   = "exp"
	claimDeviceID    = "device_id"
	claimPermissions = "permissions"
)

var reservedClaims = map[string]struct{}{
	claimIssuer:    {},
	claimSubject:   {},
	claimType:      {},
	claimID:        {},
	claimIssuedAt:  {},
	claimNotBefore: {},
	claimExpiresAt: {},
}

// Claims is the decoded payload of a token. ExpiresAt is zero for
// unlimited tokens.
type Claims struct {
	Issuer      string
	Subject     string
	Type        TokenType
	ID          string
	IssuedAt    time.Time
	NotBefore   time.Time
	ExpiresAt   time.Time
	DeviceID    string
	Permissions []string
	Extra       map[string]any
}

// Expired reports whether the token is past its expiry at now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Remaining returns how long the token stays valid after now. Unlimited
// tokens report fallback.
func (c Claims) Remaining(now time.Time, fallback time.Duration) time.Duration {
	if c.ExpiresAt.IsZero() {
		return fallback
	}
	return c.ExpiresAt.Sub(now)
}

// HasPermission reports whether resource is embedded in the token. Matching
// is exact.
func (c Claims) HasPermission(resource string) bool {
	for _, p := range c.Permissions {
		if p == resource {
			return true
		}
	}
	return false
}

// SignOptions controls the validity window of a signed token. A zero TTL
// produces a token without expiry.
type SignOptions struct {
	TTL       time.Duration
	NotBefore time.Time
}

// Codec signs and verifies HMAC tokens. Verify never checks expiry; callers
// do that with Claims.Expired so expiry can be told apart from tampering.
type Codec struct {
	method jwt.SigningMethod
	secret []byte
	issuer string
	now    func() time.Time
	newID  func() string
}

// CodecOption configures a Codec.
type CodecOption func(*Codec) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithAlgorithm selects one of HS256, HS384 or HS512.
func WithAlgorithm(alg string) CodecOption {
	return func(c *Codec) error {
		alg = strings.ToUpper(strings.TrimSpace(alg))
		if alg == "" {
			return nil
		}
		method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
		if !ok {
			return fmt.Errorf("auth: unsupported signing algorithm %q", alg)
		}
		c.method = method
		return nil
	}
}

// WithCodecClock overrides the time source.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec constructs a Codec signing with secret.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	c := &Codec{
		method: jwt.SigningMethodHS256,
		secret: []byte(secret),
		issuer: DefaultIssuer,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Issuer returns the issuer written into every token.
func (c *Codec) Issuer() string { return c.issuer }

// Sign builds and signs a token. Caller claims are merged first and the
// reserved fields are written last so they cannot be overridden.
func (c *Codec) Sign(typ TokenType, subject string, claims map[string]any, opts SignOptions) (string, Claims, error) {
	if strings.TrimSpace(subject) == "" {
		return "", Claims{}, errors.New("auth: token subject is required")
	}
	if typ != TokenAccess && typ != TokenRefresh {
		return "", Claims{}, fmt.Errorf("auth: unknown token type %q", typ)
	}
	payload := make(jwt.MapClaims, len(claims)+len(reservedClaims))
	for k, v := range claims {
		payload[k] = v
	}
	now := c.now().UTC()
	nbf := opts.NotBefore
	if nbf.IsZero() {
		nbf = now
	}
	payload[claimIssuer] = c.issuer
	payload[claimSubject] = subject
	payload[claimType] = string(typ)
	payload[claimID] = c.newID()
	payload[claimIssuedAt] = now.Unix()
	payload[claimNotBefore] = nbf.Unix()
	if opts.TTL > 0 {
		payload[claimExpiresAt] = nbf.Add(opts.TTL).Unix()
	} else {
		delete(payload, claimExpiresAt)
	}

	signed, err := jwt.NewWithClaims(c.method, payload).SignedString(c.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	out, err := claimsFromMap(payload)
	if err != nil {
		return "", Claims{}, err
	}
	return signed, out, nil
}

// IssueAccess signs an access token carrying the device id and permissions.
func (c *Codec) IssueAccess(subject, deviceID string, permissions []string, ttl time.Duration) (string, Claims, error) {
	return c.Sign(TokenAccess, subject, map[string]any{
		claimDeviceID:    deviceID,
		claimPermissions: append([]string{}, permissions...),
	}, SignOptions{TTL: ttl})
}

// IssueUnlimitedAccess signs an access token without expiry. It is meant for
// trusted service callers and is never handed out by login.
func (c *Codec) IssueUnlimitedAccess(subject string, permissions []string) (string, Claims, error) {
	return c.Sign(TokenAccess, subject, map[string]any{
		claimDeviceID:    "",
		claimPermissions: append([]string{}, permissions...),
	}, SignOptions{})
}

// IssueRefresh signs a refresh token bound to deviceID.
func (c *Codec) IssueRefresh(subject, deviceID string, ttl time.Duration) (string, Claims, error) {
	return c.Sign(TokenRefresh, subject, map[string]any{
		claimDeviceID: deviceID,
	}, SignOptions{TTL: ttl})
}

// Verify checks the signature, algorithm and issuer and returns the claims.
// Expired tokens verify successfully.
func (c *Codec) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	tok, err := parser.Parse(raw, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	claims, err := claimsFromMap(mc)
	if err != nil {
		return Claims{}, err
	}
	if claims.Issuer != c.issuer {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// DecodeUnsafe returns the payload without checking the signature. Never use
// the result for an authorization decision.
func (c *Codec) DecodeUnsafe(raw string) (Claims, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(raw), jwt.MapClaims{})
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	return claimsFromMap(mc)
}

func claimsFromMap(payload map[string]any) (Claims, error) {
	var claims Claims
	sub, _ := payload[claimSubject].(string)
	if strings.TrimSpace(sub) == "" {
		return Claims{}, ErrInvalidToken
	}
	claims.Subject = sub
	claims.Issuer, _ = payload[claimIssuer].(string)
	claims.ID, _ = payload[claimID].(string)
	typ, _ := payload[claimType].(string)
	claims.Type = TokenType(typ)
	if claims.Type != TokenAccess && claims.Type != TokenRefresh {
		return Claims{}, ErrInvalidToken
	}
	if iat, ok := toInt64(payload[claimIssuedAt]); ok {
		claims.IssuedAt = time.Unix(iat, 0).UTC()
	}
	if nbf, ok := toInt64(payload[claimNotBefore]); ok {
		claims.NotBefore = time.Unix(nbf, 0).UTC()
	}
	if raw, present := payload[claimExpiresAt]; present {
		exp, ok := toInt64(raw)
		if !ok {
			return Claims{}, ErrInvalidToken
		}
		claims.ExpiresAt = time.Unix(exp, 0).UTC()
	}
	claims.DeviceID, _ = payload[claimDeviceID].(string)
	if raw, present := payload[claimPermissions]; present && raw != nil {
		perms, ok := toStrings(raw)
		if !ok {
			return Claims{}, ErrInvalidToken
		}
		claims.Permissions = perms
	}
	for k, v := range payload {
		if _, ok := reservedClaims[k]; ok {
			continue
		}
		if k == claimDeviceID || k == claimPermissions {
			continue
		}
		if claims.Extra == nil {
			claims.Extra = make(map[string]any)
		}
		claims.Extra[k] = v
	}
	return claims, nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

func toStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...), true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
