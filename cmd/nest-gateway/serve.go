package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/StricklySoft/nest-gateway/pkg/clients/postgres"
	"github.com/StricklySoft/nest-gateway/pkg/clients/redis"
	"github.com/StricklySoft/nest-gateway/pkg/credstore"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
	"github.com/StricklySoft/nest-gateway/pkg/enrich"
	"github.com/StricklySoft/nest-gateway/pkg/forward"
	"github.com/StricklySoft/nest-gateway/pkg/gateway"
	"github.com/StricklySoft/nest-gateway/pkg/lifecycle"
	"github.com/StricklySoft/nest-gateway/pkg/ratelimit"
	"github.com/StricklySoft/nest-gateway/pkg/refresh"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, os.LookupEnv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML or JSON config file")
	return cmd
}

func serve(ctx context.Context, cfg *GatewayConfig, logOut io.Writer) error {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(logOut, level)
	slog.SetDefault(logger)

	tp := newTracerProvider(cfg.TraceSampleRatio)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app is the wired gateway process.
type app struct {
	cfg     *GatewayConfig
	logger  *slog.Logger
	backend *backend
	service *lifecycle.Service
	server  *gateway.Server
}

func newApp(ctx context.Context, cfg *GatewayConfig, logger *slog.Logger) (_ *app, err error) {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = b.close()
		}
	}()

	keys, err := dpop.LoadKeySet(cfg.Keys)
	if err != nil {
		return nil, err
	}
	signer := dpop.NewSigner(keys)
	nonces := dpop.NewNonceCache(dpop.DefaultNonceTTL)
	httpClient := forward.NewHTTPClient(cfg.Forward)

	tokens := refresh.NewTokenClient(httpClient, signer, nonces, cfg.Refresh.ClientID, logger)
	engine, err := refresh.NewEngine(b.store, tokens, cfg.Refresh, refresh.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	fwd, err := forward.New(engine, signer, nonces, cfg.Forward,
		forward.WithHTTPClient(httpClient), forward.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	enricher, err := enrich.New(cfg.Enrich, enrich.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	svc, err := lifecycle.NewServiceBuilder("nest-gateway", version).
		WithLogger(logger).
		WithHealthCheck(cfg.Store, b.health).
		WithOnStop(func(context.Context) error { return b.close() }).
		OnStateChange(func(old, new lifecycle.State) {
			logger.Info("nest-gateway: state changed", "from", old.String(), "to", new.String())
		}).
		Build()
	if err != nil {
		return nil, err
	}

	srv, err := gateway.New(gateway.Deps{
		Store:     b.store,
		Forwarder: fwd,
		Service:   svc,
		Enricher:  enricher,
		Limiter:   b.limiter,
		Keys:      keys,
	}, cfg.Server, gateway.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "nest-gateway: configured",
		"version", version,
		"store", cfg.Store,
		"keys", keys.IDs(),
		"rate_limit", b.limiter != nil,
		"enrichment", cfg.Enrich.Enabled,
		"service_route", cfg.Forward.Service.Enabled(),
	)
	return &app{cfg: cfg, logger: logger, backend: b, service: svc, server: srv}, nil
}

// run serves until ctx is done and then stops the service, which releases
// the store connections.
func (a *app) run(ctx context.Context) error {
	if err := a.service.Start(ctx); err != nil {
		_ = a.backend.close()
		return err
	}
	if a.backend.sweep != nil {
		go a.backend.sweep(ctx)
	}

	runErr := a.server.Run(ctx)
	if runErr != nil {
		a.logger.ErrorContext(ctx, "nest-gateway: server stopped", "error", runErr)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.service.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// backend is the selected credential store with its rate limiter.
type backend struct {
	store   credstore.Store
	limiter ratelimit.Limiter
	health  func(context.Context) error
	close   func() error
	// sweep, when set, evicts expired in-process rate-limit windows until
	// ctx is done.
	sweep func(ctx context.Context)
}

func openBackend(ctx context.Context, cfg *GatewayConfig, logger *slog.Logger) (*backend, error) {
	opts := []credstore.Option{credstore.WithSessionTTL(cfg.Refresh.SessionTTL)}

	switch cfg.Store {
	case StorePostgres:
		client, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store := credstore.NewPostgresStore(client, opts...)
		if err := store.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, err
		}
		b := &backend{
			store:  store,
			health: client.Health,
			close:  func() error { client.Close(); return nil },
		}
		if err := b.memoryLimiter(cfg.RateLimit); err != nil {
			client.Close()
			return nil, err
		}
		logger.InfoContext(ctx, "nest-gateway: using postgres credential store")
		return b, nil

	default:
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b := &backend{
			store:  credstore.NewRedisStore(client, opts...),
			health: client.Health,
			close:  client.Close,
		}
		if cfg.RateLimit.Enabled {
			limiter, err := ratelimit.NewRedisLimiter(client, cfg.RateLimit)
			if err != nil {
				_ = client.Close()
				return nil, err
			}
			b.limiter = limiter
		}
		logger.InfoContext(ctx, "nest-gateway: using redis credential store")
		return b, nil
	}
}

// memoryLimiter installs a per-process limiter. Without a shared store the
// budget applies to each gateway instance separately.
func (b *backend) memoryLimiter(cfg ratelimit.Config) error {
	if !cfg.Enabled {
		return nil
	}
	limiter, err := ratelimit.NewMemoryLimiter(cfg, time.Now)
	if err != nil {
		return err
	}
	b.limiter = limiter
	b.sweep = func(ctx context.Context) {
		ticker := time.NewTicker(cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	}
	return nil
}
