package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/obs"
)

const serviceName = "befunny-auth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the store and the revocation cache. Nil members are
// skipped.
type ReadyProbe struct {
	Store pinger
	Cache pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			return errors.New("store: " + err.Error())
		}
	}
	if rp.Cache != nil {
		if err := rp.Cache.Ping(ctx); err != nil {
			return errors.New("revocation cache: " + err.Error())
		}
	}
	return nil
}

// Services are the auth components the transport drives.
type Services struct {
	Issuer *auth.Issuer
	Gate   *auth.Gate
	Admin  *auth.Admin
}

// Option configures API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithProduction marks cookies Secure.
func WithProduction(on bool) Option {
	return func(a *API) { a.production = on }
}

// WithRateLimit sets the per-IP token bucket for login and register.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies sets the peers whose X-Forwarded-For is believed.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithReadiness sets the probe behind /readyz.
func WithReadiness(rc readinessChecker) Option {
	return func(a *API) {
		if rc != nil {
			a.readyProbe = rc
		}
	}
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	issuer     *auth.Issuer
	gate       *auth.Gate
	admin      *auth.Admin
	readyProbe readinessChecker
	version    string
	production bool
	rateBurst  int
	ratePerSec float64

	trustedProxies []netip.Prefix
}

func New(svc Services, opts ...Option) (*API, error) {
	if svc.Issuer == nil || svc.Gate == nil || svc.Admin == nil {
		return nil, errors.New("httpapi: issuer, gate and admin are required")
	}
	a := &API{
		issuer:     svc.Issuer,
		gate:       svc.Gate,
		admin:      svc.Admin,
		readyProbe: ReadyProbe{},
		version:    "dev",
		rateBurst:  10,
		ratePerSec: 5,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// Router exposes the chi router for resource discovery.
func (a *API) Router() chi.Routes {
	return a.router
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, ClientIP(a.trustedProxies), Recover, obs.Instrument, Logging, SecurityHeaders)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	limited := func(next http.Handler) http.Handler {
		return RateLimit(next, a.rateBurst, a.ratePerSec)
	}
	r.Group(func(r chi.Router) {
		r.Use(limited)
		r.Post("/api/v1/auth/register", a.handleRegister)
		r.Post("/api/v1/auth/login", a.handleLogin)
	})
	r.Post("/api/v1/auth/refresh", a.handleRefresh)

	// any valid session
	r.Group(func(r chi.Router) {
		r.Use(a.requireSession)
		r.Get("/api/v1/users/me", a.handleMe)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.endingSession)
		r.Post("/api/v1/auth/logout", a.handleLogout)
	})

	// gated by "METHOD pattern" permissions
	r.Group(func(r chi.Router) {
		r.Use(a.replacingSession)
		r.Patch("/api/v1/users/me/login", a.handleChangeLogin)
		r.Patch("/api/v1/users/me/password", a.handleChangePassword)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.requirePermission)
		r.Get("/api/v1/users/me/history", a.handleHistory)

		r.Get("/api/v1/roles", a.handleListRoles)
		r.Post("/api/v1/roles", a.handleCreateRole)
		r.Get("/api/v1/roles/{roleID}", a.handleGetRole)
		r.Patch("/api/v1/roles/{roleID}", a.handleUpdateRole)
		r.Delete("/api/v1/roles/{roleID}", a.handleDeleteRole)
		r.Put("/api/v1/roles/{roleID}/permissions", a.handleSetPermissions)
		r.Put("/api/v1/users/{login}/role", a.handleAssignRole)
		r.Get("/api/v1/permissions", a.handleListPermissions)
	})
	return r
}

// Resources lists "METHOD pattern" identifiers for every API route.
func Resources(routes chi.Routes) ([]string, error) {
	seen := make(map[string]struct{})
	err := chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if !strings.HasPrefix(route, "/api/") {
			return nil
		}
		seen[method+" "+route] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for res := range seen {
		out = append(out, res)
	}
	sort.Strings(out)
	return out, nil
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.From(r.Context()).Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := obs.RequestID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAuthError maps an auth error kind to its status code.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	reason := auth.ReasonOf(err)
	switch auth.KindOf(err) {
	case auth.KindUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="befunny"`)
		writeError(w, r, http.StatusUnauthorized, reason)
	case auth.KindForbidden:
		writeError(w, r, http.StatusForbidden, reason)
	case auth.KindConflict:
		writeError(w, r, http.StatusConflict, reason)
	case auth.KindNotFound:
		writeError(w, r, http.StatusNotFound, reason)
	case auth.KindInvalidInput:
		writeError(w, r, http.StatusBadRequest, reason)
	case auth.KindUnavailable:
		obs.From(r.Context()).Error().Err(err).Msg("dependency unavailable")
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	default:
		obs.From(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
