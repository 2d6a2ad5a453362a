// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/engine"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/gateway"
	"github.com/roomcast/roomcast/internal/kv"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/observability"
	"github.com/roomcast/roomcast/internal/ratelimit"
	"github.com/roomcast/roomcast/internal/store"
	"github.com/roomcast/roomcast/pkg/errutil"
)

// Startup dependency pings back off exponentially from startupBackoff.
const (
	startupRetries = 5
	startupBackoff = 200 * time.Millisecond
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket gateway and presence engine",
		Long: `Start one roomcast instance: the WebSocket gateway, the engine and
the metrics/health server. Instances sharing a Redis form one cluster.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServeWithDeps(ctx, cfg, cmd, nil)
		},
	}
}

// runServeWithDeps runs an instance until ctx is cancelled or a server
// fails. If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.RedisFactory == nil {
		deps.RedisFactory = newRedisClient
	}
	if deps.DatabaseOpener == nil {
		deps.DatabaseOpener = store.Open
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = newMigrator
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(opts observability.Options) ObservabilityServer {
			return observability.NewServer(opts)
		}
	}
	if deps.InstanceID == nil {
		deps.InstanceID = func() string { return core.NewULID().String() }
	}

	instanceID := deps.InstanceID()
	logging.SetDefault(logging.Options{
		Service:  "roomcast",
		Version:  version,
		Instance: instanceID,
		Format:   cfg.Log.Format,
		Level:    cfg.Log.Level,
		Output:   cmd.ErrOrStderr(),
	})
	slog.Info("starting roomcast",
		"addr", cfg.Server.Addr,
		"metrics_addr", cfg.Server.MetricsAddr,
		"auth_mode", cfg.Auth.Mode,
		"persistence", cfg.Database.URL != "",
	)

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled() {
		rdb = deps.RedisFactory(cfg.Redis)
		defer func() {
			if err := rdb.Close(); err != nil {
				slog.Debug("error closing redis client", "error", err)
			}
		}()
		if err := pingWithRetry(ctx, "redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}); err != nil {
			return core.ErrStoreUnavailable("connect to redis", err)
		}
	} else {
		slog.Warn("no redis configured: running single-instance, rate limits and presence are per-instance only")
	}

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			if err := autoMigrate(deps.MigratorFactory, cfg.Database.URL); err != nil {
				return err
			}
		}
		var err error
		pool, err = deps.DatabaseOpener(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pingWithRetry(ctx, "postgres", pool.Ping); err != nil {
			return core.ErrStoreUnavailable("connect to database", err)
		}
		slog.Info("connected to database")
	}

	engineDeps, release, err := buildEngineDeps(ctx, cfg, instanceID, rdb, pool)
	if err != nil {
		return err
	}
	defer release()
	eng, err := engine.New(engineDeps)
	if err != nil {
		_ = engineDeps.Broadcaster.Close() //nolint:errcheck // construction error takes precedence
		return oops.With("operation", "build engine").Wrap(err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Warn("error closing engine", "error", err)
		}
	}()

	gw, err := gateway.New(eng, eng.Notifier(), gatewayConfig(cfg))
	if err != nil {
		return oops.With("operation", "build gateway").Wrap(err)
	}

	var obs ObservabilityServer
	var obsErrCh <-chan error
	if cfg.Server.MetricsAddr != "" {
		obs = deps.ObservabilityServerFactory(observability.Options{
			Addr:    cfg.Server.MetricsAddr,
			Version: version,
			Ready:    readiness(rdb),
			Reporter: eng,
		})
		engine.RegisterMetrics(obs.Registry())
		gateway.RegisterMetrics(obs.Registry())
		if obsErrCh, err = obs.Start(); err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		slog.Info("observability server started", "addr", obs.Addr())
	}

	eng.Start()
	gwErrCh, err := gw.Start()
	if err != nil {
		stopObservability(obs, cfg.Server.ShutdownTimeout)
		return oops.With("operation", "start gateway").Wrap(err)
	}
	if deps.Started != nil {
		deps.Started(gw.Addr())
	}
	slog.Info("roomcast ready", "instance_id", instanceID, "addr", gw.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err, ok := <-gwErrCh:
		if ok && err != nil {
			serveErr = oops.With("component", "gateway").Wrap(err)
		}
	case err, ok := <-obsErrCh:
		if ok && err != nil {
			serveErr = oops.With("component", "observability").Wrap(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		errutil.LogWarnContext(shutdownCtx, slog.Default(), "error stopping gateway", err)
	}
	stopObservability(obs, cfg.Server.ShutdownTimeout)

	slog.Info("shutdown complete")
	return serveErr
}

// readiness pings Redis. Without Redis the instance is ready once serving.
func readiness(rdb redis.UniversalClient) observability.ReadinessChecker {
	if rdb == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// buildEngineDeps wires the Redis-backed components, or process-local ones
// when rdb is nil, and the PostgreSQL repositories when a pool is given. The
// returned func releases process-local resources after the engine closes.
func buildEngineDeps(ctx context.Context, cfg *config.Config, instanceID string, rdb redis.UniversalClient, pool *pgxpool.Pool) (engine.Deps, func(), error) {
	deps := engine.Deps{Config: engineConfig(cfg, instanceID)}
	release := func() {}
	if rdb == nil {
		limiter := ratelimit.NewMemoryLimiter(ratelimit.DefaultCleanupInterval)
		deps.KV = kv.NewMemoryStore()
		deps.Limiter = limiter
		release = limiter.Close
	} else {
		deps.KV = kv.NewRedisStore(rdb, cfg.Redis.OpTimeout)
		deps.Limiter = ratelimit.NewRedisLimiter(rdb, cfg.Redis.OpTimeout)
	}
	fail := func(err error) (engine.Deps, func(), error) {
		release()
		return engine.Deps{}, func() {}, err
	}

	switch cfg.Auth.Mode {
	case config.AuthSession:
		if pool == nil {
			return fail(core.ErrNilDependency("database pool"))
		}
		verifier, err := auth.NewSessionVerifier(store.NewPostgresSessionRepository(pool))
		if err != nil {
			return fail(err)
		}
		deps.Verifier = verifier
	default:
		verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTLeeway)
		if err != nil {
			return fail(err)
		}
		deps.Verifier = verifier
	}

	if pool != nil {
		deps.Profiles = store.NewPostgresProfileRepository(pool)
		deps.Notifications = store.NewPostgresNotificationRepository(pool)
	}

	if rdb == nil {
		deps.Broadcaster = fanout.NewMemoryBus().Attach(instanceID)
		return deps, release, nil
	}
	bcast, err := fanout.NewRedisBroadcaster(ctx, rdb, instanceID, cfg.Redis.OpTimeout)
	if err != nil {
		return fail(err)
	}
	deps.Broadcaster = bcast
	return deps, release, nil
}

func engineConfig(cfg *config.Config, instanceID string) engine.Config {
	return engine.Config{
		InstanceID:       instanceID,
		PresenceTTL:      cfg.Presence.TTL,
		TypingTimeout:    cfg.Typing.Timeout,
		MembershipTTL:    cfg.Rooms.MembershipTTL,
		RoomPatterns:     cfg.Rooms.Patterns,
		AdmissionTimeout: cfg.Auth.AdmissionTimeout,
		MinClientVersion: cfg.Auth.MinClientVersion,
		ConnectWindow:    cfg.Limits.ConnectWindow,
		ConnectMax:       cfg.Limits.ConnectMax,
		LiveWindow:       cfg.Limits.LiveWindow,
		LiveMax:          cfg.Limits.LiveMax,
		PresenceInterval: cfg.Presence.ReapInterval,
		TypingInterval:   cfg.Typing.SweepInterval,
	}
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		Addr:            cfg.Server.Addr,
		PingInterval:    cfg.Server.PingInterval,
		PongTimeout:     cfg.Server.PongTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		SendBuffer:      cfg.Server.SendBuffer,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		InboundRate:     cfg.Server.InboundRate,
		InboundBurst:    cfg.Server.InboundBurst,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		PushSecret:      cfg.Push.Secret,
	}
}

func newRedisClient(cfg config.Redis) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func newMigrator(url string) (Migrator, error) {
	return store.NewMigrator(url)
}

// autoMigrate applies pending migrations before the pool is opened.
func autoMigrate(factory func(string) (Migrator, error), url string) error {
	m, err := factory(url)
	if err != nil {
		return oops.With("operation", "auto-migrate").Wrap(err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("error closing migrator", "error", err)
		}
	}()
	if err := m.Up(); err != nil {
		return oops.With("operation", "auto-migrate").Wrap(err)
	}
	slog.Info("database migrations applied")
	return nil
}

// pingWithRetry calls ping until it succeeds, backing off between attempts.
func pingWithRetry(ctx context.Context, dependency string, ping func(context.Context) error) error {
	backoff := retry.WithMaxRetries(startupRetries, retry.NewExponential(startupBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			slog.Warn("dependency not ready", "dependency", dependency, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func stopObservability(obs ObservabilityServer, timeout time.Duration) {
	if obs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := obs.Stop(ctx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}
}
