package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	accessCookie  = "user_access_token"
	refreshCookie = "user_refresh_token"

	accessTokenHeader  = "X-Access-Token"
	refreshTokenHeader = "X-Refresh-Token"
	deviceIDHeader     = "X-Device-ID"
)

type gateMode struct {
	checkResource bool
	// keepStale: the handler ends or replaces the session itself, so a
	// reissued pair would outlive it.
	keepStale bool
}

// requireSession admits any valid, unrevoked access token.
func (a *API) requireSession(next http.Handler) http.Handler {
	return a.gated(next, gateMode{})
}

// endingSession admits like requireSession but never reissues.
func (a *API) endingSession(next http.Handler) http.Handler {
	return a.gated(next, gateMode{keepStale: true})
}

// requirePermission additionally checks that the token grants
// "METHOD route-pattern". Must run inside a route group so the pattern is
// complete when it is read.
func (a *API) requirePermission(next http.Handler) http.Handler {
	return a.gated(next, gateMode{checkResource: true})
}

// replacingSession is requirePermission for handlers that issue their own
// pair.
func (a *API) replacingSession(next http.Handler) http.Handler {
	return a.gated(next, gateMode{checkResource: true, keepStale: true})
}

func (a *API) gated(next http.Handler, mode gateMode) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := requestToken(r)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		client := clientContext(r)

		req := auth.Request{Token: token, Client: client, KeepStale: mode.keepStale}
		var d auth.Decision
		if mode.checkResource {
			req.Resource = r.Method + " " + obs.RoutePattern(r)
			d, err = a.gate.Authorize(r.Context(), req)
		} else {
			d, err = a.gate.Authenticate(r.Context(), req)
		}
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		if d.Reissued != nil {
			a.setTokenCookies(w, *d.Reissued)
			w.Header().Set(accessTokenHeader, d.Reissued.AccessToken)
			w.Header().Set(refreshTokenHeader, d.Reissued.RefreshToken)
		}

		ctx := auth.ContextWithDecision(r.Context(), d)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestToken reads the bearer header, falling back to the access cookie.
func requestToken(r *http.Request) (string, error) {
	if h := r.Header.Get(authHeader); strings.TrimSpace(h) != "" {
		token, err := extractBearerToken(h)
		if err != nil {
			return "", &auth.Error{Kind: auth.KindUnauthorized, Reason: err.Error()}
		}
		return token, nil
	}
	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", &auth.Error{Kind: auth.KindUnauthorized, Reason: "missing token"}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing token")
	}
	return token, nil
}

func clientContext(r *http.Request) auth.ClientContext {
	return auth.ClientContext{
		UserAgent:  r.UserAgent(),
		DeviceID:   strings.TrimSpace(r.Header.Get(deviceIDHeader)),
		RemoteAddr: clientIP(r),
	}
}

func (a *API) setTokenCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, a.cookie(accessCookie, pair.AccessToken, pair.AccessExpiresAt))
	http.SetCookie(w, a.cookie(refreshCookie, pair.RefreshToken, pair.RefreshExpiresAt))
}

func (a *API) clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{accessCookie, refreshCookie} {
		c := a.cookie(name, "", time.Unix(0, 0))
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (a *API) cookie(name, value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.production,
		SameSite: http.SameSiteLaxMode,
	}
	if !expires.IsZero() {
		c.Expires = expires.UTC()
	}
	return c
}
