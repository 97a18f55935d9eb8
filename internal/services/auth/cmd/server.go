package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gamma-omg/gatekeeper/internal/pkg/middleware"
	authdb "github.com/gamma-omg/gatekeeper/internal/services/auth/db"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/config"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/otc"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/provider"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/rest"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/service"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/store"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

type readinessCheck func(ctx context.Context) error

// app is the fully wired service. close releases every resource opened while building it.
type app struct {
	handler http.Handler
	checks  map[string]readinessCheck
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("failed to release resource", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		Handler:      a.handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "addr", httpSrv.Addr, "env", cfg.App.Env, "db", cfg.DB.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{checks: make(map[string]readinessCheck)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	st, err := openStore(a, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Enabled {
		cs, cerr := store.NewCachedStore(st, store.CacheConfig{
			MaxKeys: cfg.Cache.MaxKeys,
			TTL:     cfg.Cache.TTL,
		})
		if cerr != nil {
			return nil, cerr
		}
		slog.Info("user cache enabled, run a single instance", "max_keys", cfg.Cache.MaxKeys, "ttl", cfg.Cache.TTL)
		a.closers = append(a.closers, func() error {
			cs.Close()
			return nil
		})
		st = cs
	}

	verifier, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to register authentication strategies: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(reg)

	tokens := token.NewJWTIssuer(token.JwtConfig{
		Secret:    token.NewSecretString(cfg.JWT.Secret),
		Algorithm: cfg.JWT.Algorithm,
		Issuer:    cfg.JWT.Issuer,
		TTL:       cfg.JWT.TTL,
	})

	opts := []service.AuthOption{
		service.WithVerifier(verifier),
		service.WithStore(st),
		service.WithMetrics(metrics),
		service.WithReconciler(service.NewReconciler(st,
			service.WithDefaultCredits(cfg.Credits.Default),
			service.WithReconcilerMetrics(metrics),
		)),
		service.WithAccessToken(tokens),
	}

	if cfg.Redis.Enabled {
		codes := otc.NewRedis(otc.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.CodeTTL,
		})
		a.closers = append(a.closers, codes.Close)
		a.checks["redis"] = codes.Ping
		opts = append(opts, service.WithOTC(codes))
	}

	srv := service.NewAuth(opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", a.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/api/v1/", rest.NewAPI(srv, tokens))

	a.handler = middleware.Chain(mux, middleware.Recover(), middleware.Log())
	return a, nil
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func openStore(a *app, cfg config.Config) (store.Store, error) {
	switch cfg.DB.Driver {
	case config.DriverMemory:
		slog.Warn("using in-memory user store, data is lost on restart")
		return store.NewMemoryStore(), nil

	case config.DriverSQLite:
		s, err := store.NewSQLiteStore(cfg.DB.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.checks["db"] = s.Ping
		return s, nil

	default:
		db, err := store.NewPostgresDB(postgresConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to db: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.checks["db"] = db.PingContext

		if err := authdb.Up(db); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		return store.NewPostgresStore(db), nil
	}
}

func postgresConfig(cfg config.Config) store.PostgresConfig {
	return store.PostgresConfig{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		DB:       cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
	}
}

// newAuthenticator registers the remote identity provider first and the local fallback after
// it. The fallback is never registered in production.
func newAuthenticator(ctx context.Context, cfg config.Config) (*oauth.Authenticator, error) {
	auth := oauth.NewAuthenticator()

	if cfg.RemoteEnabled() {
		remote, err := provider.NewRemote(ctx, provider.RemoteConfig{
			IssuerURL:    cfg.IdP.IssuerURL,
			TokenURL:     cfg.IdP.TokenURL,
			ProfileURL:   cfg.IdP.ProfileURL,
			ClientID:     cfg.IdP.ClientID,
			ClientSecret: cfg.IdP.ClientSecret,
			Scopes:       cfg.IdP.Scopes,
			Timeout:      cfg.IdP.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create remote identity provider: %w", err)
		}
		if err := auth.Use(string(oauth.SourceRemote), remote); err != nil {
			return nil, err
		}
	}

	fallback := provider.NewFallback(provider.FallbackConfig{
		Production:   cfg.App.Production,
		Email:        cfg.Fallback.Email,
		Secret:       cfg.Fallback.Secret,
		FailureDelay: cfg.Fallback.FailureDelay,
	})
	if fallback.Enabled() {
		slog.Warn("local fallback login is enabled", "email", cfg.Fallback.Email, "env", cfg.App.Env)
		if err := auth.Use(string(oauth.SourceLocalFallback), fallback); err != nil {
			return nil, err
		}
	}

	if len(auth.Strategies()) == 0 {
		return nil, errors.New("no authentication strategy configured")
	}

	return auth, nil
}
