package auth

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"befunny.io/auth/internal/obs"
)

// Request is one authorization question: may the bearer of Token use
// Resource?
type Request struct {
	Token    string
	Resource string
	Client   ClientContext
	// KeepStale skips reissuing for a stale user. Handlers that end or
	// replace the session themselves set it so no second pair escapes.
	KeepStale bool
}

// Decision is the result of a successful authorization. Reissued is set when
// the user's tokens were stale; the transport must hand the new pair to the
// client. The current request still runs with the permissions in Claims.
type Decision struct {
	User     User
	Claims   Claims
	Reissued *TokenPair
}

// Gate decides whether a request may proceed.
type Gate struct {
	codec       *Codec
	revocations RevocationCache
	store       UserStore
	issuer      *Issuer
	now         func() time.Time
}

// NewGate constructs a Gate. The issuer reissues tokens for stale users.
func NewGate(codec *Codec, revocations RevocationCache, store UserStore, issuer *Issuer) (*Gate, error) {
	if codec == nil || revocations == nil || store == nil || issuer == nil {
		return nil, errors.New("auth: gate requires codec, revocation cache, store and issuer")
	}
	return &Gate{
		codec:       codec,
		revocations: revocations,
		store:       store,
		issuer:      issuer,
		now:         issuer.now,
	}, nil
}

// Authorize runs the full check for req.Resource.
func (g *Gate) Authorize(ctx context.Context, req Request) (Decision, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Authorize",
		trace.WithAttributes(attribute.String("auth.resource", req.Resource)))
	defer span.End()

	d, err := g.decide(ctx, req, true)
	g.record(span, err)
	return d, err
}

// Authenticate runs every check except the permission lookup. It serves
// endpoints open to any signed-in user; req.Resource is ignored.
func (g *Gate) Authenticate(ctx context.Context, req Request) (Decision, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Authenticate")
	defer span.End()

	d, err := g.decide(ctx, req, false)
	g.record(span, err)
	return d, err
}

func (g *Gate) decide(ctx context.Context, req Request, checkResource bool) (Decision, error) {
	if req.Token == "" {
		return Decision{}, unauthorized("missing token")
	}
	claims, err := g.codec.Verify(req.Token)
	if err != nil || claims.Type != TokenAccess {
		return Decision{}, unauthorized("invalid token")
	}
	// Expiry is reported before revocation.
	if claims.Expired(g.now()) {
		return Decision{}, unauthorized("expired token")
	}
	revoked, err := g.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Decision{}, unavailable("revocation lookup", err)
	}
	if revoked {
		return Decision{}, forbidden("revoked token")
	}
	if checkResource && !claims.HasPermission(req.Resource) {
		return Decision{}, forbidden("insufficient permissions: " + req.Resource)
	}

	user, err := g.store.FindUserByLogin(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Decision{}, unauthorized("user not found")
	}
	if err != nil {
		return Decision{}, unavailable("find user", err)
	}

	d := Decision{User: user, Claims: claims}
	if user.Stale && !req.KeepStale {
		client := req.Client
		if client.DeviceID == "" {
			client.DeviceID = claims.DeviceID
		}
		pair, err := g.issuer.Reissue(ctx, user, client)
		if err != nil {
			// The request was already authorized with the old snapshot; the
			// stale flag survives so the next request retries.
			obs.From(ctx).Warn().Err(err).Str("login", user.Login).Msg("reissue failed")
		} else {
			d.Reissued = &pair
		}
	}
	return d, nil
}

func (g *Gate) record(span trace.Span, err error) {
	outcome := "allowed"
	if err != nil {
		outcome = KindOf(err).String()
		span.SetStatus(codes.Error, ReasonOf(err))
	}
	span.SetAttributes(attribute.String("auth.outcome", outcome))
	obs.ObserveDecision(outcome)
}
