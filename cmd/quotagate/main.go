package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/AlexKimmel/quotagate/internal/admin"
	"github.com/AlexKimmel/quotagate/internal/admission"
	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/config"
	"github.com/AlexKimmel/quotagate/internal/gateway"
	"github.com/AlexKimmel/quotagate/internal/obs"
	"github.com/AlexKimmel/quotagate/internal/proxy"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/ratelimit/fallback"
	"github.com/AlexKimmel/quotagate/internal/ratelimit/memory"
	"github.com/AlexKimmel/quotagate/internal/ratelimit/redis"
	"github.com/AlexKimmel/quotagate/internal/routing"
	"github.com/AlexKimmel/quotagate/internal/violation"
)

var version = "v0.1.0"

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("backend", cfg.Storage.Backend).Msg("Setup logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	store, err := buildStore(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("init counter store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close counter store")
		}
	}()

	// limiter + policy
	resolver, err := cfg.Resolver()
	if err != nil {
		logger.Fatal().Err(err).Msg("build policy table")
	}
	defMode, modes := cfg.FailModes()
	violations := violation.New(cfg.Violations.Capacity)
	ctl, err := admission.New(admission.Config{
		Store:           store,
		Resolver:        resolver,
		Violations:      violations,
		DefaultFailMode: defMode,
		FailModes:       modes,
		Logger:          logger.With().Str("component", "admission").Logger(),
		Metrics:         metrics,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init admission controller")
	}

	router := routing.New()
	for _, rc := range cfg.Routes {
		up, _ := url.Parse(rc.Upstream.URL) // validated by config.Load
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		router.Add(&routing.Route{
			ID:      rc.ID,
			Scope:   rc.Scope,
			Methods: methods,
			Prefix:  rc.Match.PathPrefix,
			UpURL:   up,
			Timeout: time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
		})
	}

	keys := make(map[string]auth.APIKey, len(cfg.Auth.Keys)) // secret -> key
	for _, k := range cfg.Auth.Keys {
		tier, _ := ratelimit.ParseTier(k.Tier)
		if k.Tier == "" {
			tier = ratelimit.TierFree
		}
		keys[k.Secret] = auth.APIKey{ID: k.ID, Tier: tier}
	}
	authStore := auth.NewStatic(auth.Options{
		Header:     cfg.Auth.Header,
		UserHeader: cfg.Auth.UserHeader,
		TierHeader: cfg.Auth.TierHeader,
		Required:   cfg.Auth.Required,
	}, keys)

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	api := gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport()),
		obs.Logger(logger),
		gateway.RouteMatcher(router, skip),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
		gateway.RateLimit(ctl, gateway.RateLimitOptions{
			SkipPaths:         skip,
			TrustForwardedFor: cfg.Server.TrustForwardedFor,
		}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if cfg.Admin.ReadOnly() {
		logger.Warn().Msg("admin.token not set: admin API is read-only")
	}
	prefix := strings.TrimSuffix(cfg.Admin.PathPrefix, "/")
	adminHandler := gateway.Chain(
		http.StripPrefix(prefix, admin.New(violations, store, cfg.Admin.Token)),
		obs.Logger(logger),
	)
	mux.Handle(prefix+"/", adminHandler)
	mux.Handle("/", api)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

// buildStore returns the configured counter store. The distributed backend is
// wrapped in a fallback chain; its local secondary only exists when fallback
// is enabled.
func buildStore(ctx context.Context, cfg *config.Root, logger zerolog.Logger, metrics *obs.Metrics) (ratelimit.Store, error) {
	newLocal := func() *memory.Store {
		m := memory.New()
		m.StartJanitor(ctx, cfg.Storage.SweepInterval(), time.Now)
		return m
	}

	if cfg.Storage.Backend == config.BackendLocal {
		logger.Warn().Msg("local counter store: limits are enforced per instance, not globally")
		return newLocal(), nil
	}

	storeLog := logger.With().Str("component", "store").Logger()
	redis.SetLogger(storeLog)

	rc := cfg.Storage.Redis
	primary, err := redis.New(ctx, redis.Config{
		Addr:        rc.Addr,
		Username:    rc.Username,
		Password:    rc.Password,
		DB:          rc.DB,
		PoolSize:    rc.PoolSize,
		DialTimeout: rc.DialTimeout(),
		KeyPrefix:   rc.KeyPrefix,
		Timeout:     cfg.Storage.Timeout(),
		// with a local secondary a Redis outage at boot only degrades
		StartUnavailable: cfg.Storage.Fallback,
		Logger:           storeLog,
	})
	if err != nil {
		return nil, err
	}

	var secondary ratelimit.Store
	if cfg.Storage.Fallback {
		secondary = newLocal()
	}
	return fallback.New(primary, secondary,
		fallback.WithLogger(storeLog),
		fallback.WithMetrics(metrics),
	), nil
}
