// Package app wires configuration into a running set of auth components.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"befunny.io/auth/internal/audit"
	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/config"
	"befunny.io/auth/internal/httpapi"
	"befunny.io/auth/internal/migrate"
	"befunny.io/auth/internal/obs"
	"befunny.io/auth/internal/revocation"
	"befunny.io/auth/internal/store/memory"
	"befunny.io/auth/internal/store/pg"
)

// App holds the components built from one Config.
type App struct {
	Store  auth.Store
	Cache  auth.RevocationCache
	Issuer *auth.Issuer
	Gate   *auth.Gate
	Admin  *auth.Admin
	API    *httpapi.API
	Health *httpapi.HealthServer

	pg      *pg.Store
	closers []io.Closer
}

type pingStore interface {
	auth.Store
	Ping(ctx context.Context) error
}

type pingCache interface {
	auth.RevocationCache
	Ping(ctx context.Context) error
}

// Build opens the backends named by cfg and assembles the service. Without
// a Postgres DSN it falls back to the in-memory store, without a Redis
// address to the in-memory revocation cache.
func Build(ctx context.Context, cfg config.Config, version string) (*App, error) {
	a := &App{}
	log := obs.From(ctx)

	var store pingStore
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.pg = pgStore
		a.closers = append(a.closers, pgStore)
		store = pgStore
		log.Info().Msg("store: postgres")
	} else {
		store = memory.New()
		log.Warn().Msg("store: in-memory, data is lost on restart")
	}
	a.Store = store

	var cache pingCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, client)
		rc, err := revocation.NewRedis(client)
		if err != nil {
			a.Close()
			return nil, err
		}
		cache = rc
		log.Info().Str("addr", cfg.RedisAddr).Msg("revocation cache: redis")
	} else {
		cache = revocation.NewMemory(nil)
		log.Warn().Msg("revocation cache: in-memory")
	}
	a.Cache = cache

	if err := a.assemble(cfg, version, store, cache); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) assemble(cfg config.Config, version string, store pingStore, cache pingCache) error {
	codec, err := auth.NewCodec(cfg.JWTSecret,
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAlgorithm(cfg.JWTAlgorithm),
	)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(cfg.HashCost)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(store, codec, hasher, cache,
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithDefaultRole(cfg.DefaultRole),
	)
	if err != nil {
		return err
	}
	gate, err := auth.NewGate(codec, cache, store, issuer)
	if err != nil {
		return err
	}
	admin, err := auth.NewAdmin(store)
	if err != nil {
		return err
	}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	probe := httpapi.ReadyProbe{Store: store, Cache: cache}
	api, err := httpapi.New(httpapi.Services{Issuer: issuer, Gate: gate, Admin: admin},
		httpapi.WithVersion(version),
		httpapi.WithProduction(cfg.Production),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond),
		httpapi.WithReadiness(probe),
		httpapi.WithTrustedProxies(proxies),
	)
	if err != nil {
		return err
	}
	a.Issuer, a.Gate, a.Admin, a.API = issuer, gate, admin, api
	a.Health = httpapi.NewHealthServer(probe)
	return nil
}

// Migrate applies pending schema migrations and seeds. It is a no-op for
// the in-memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	mgr := migrate.NewManager(a.pg.DB())
	applied, err := mgr.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	seeded, err := mgr.Seed(ctx)
	if err != nil {
		return fmt.Errorf("migrate seed: %w", err)
	}
	obs.From(ctx).Info().Strs("migrations", applied).Strs("seeds", seeded).Msg("schema up to date")
	return nil
}

// EnsureDefaultRole creates the role new users receive when the store does
// not have it yet. Postgres gets it from the seeds.
func (a *App) EnsureDefaultRole(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	_, err := a.Store.FindRoleByName(ctx, name)
	if !errors.Is(err, auth.ErrNotFound) {
		return err
	}
	_, err = a.Admin.CreateRole(ctx, name, nil)
	if auth.KindOf(err) == auth.KindConflict {
		return nil
	}
	return err
}

// SyncPermissions registers one permission per HTTP resource.
func (a *App) SyncPermissions(ctx context.Context) (int, error) {
	resources, err := httpapi.Resources(a.API.Router())
	if err != nil {
		return 0, err
	}
	added, err := a.Admin.ReconcilePermissions(ctx, resources)
	if err != nil {
		return 0, err
	}
	_ = audit.LogEvent(ctx, audit.PermissionsReconciled, map[string]any{
		"resources": len(resources),
		"added":     added,
	})
	return added, nil
}

// Close releases backend connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
