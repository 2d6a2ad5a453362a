// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package main

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/observability"
	"github.com/roomcast/roomcast/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// RedisFactory creates the shared Redis client.
	// Default: redis.NewUniversalClient
	RedisFactory func(cfg config.Redis) redis.UniversalClient

	// DatabaseOpener opens the PostgreSQL pool.
	// Default: store.Open
	DatabaseOpener func(ctx context.Context, url string) (*pgxpool.Pool, error)

	// MigratorFactory creates a migrator for auto-migration.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (Migrator, error)

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(opts observability.Options) ObservabilityServer

	// InstanceID returns this process's broadcast origin.
	// Default: a fresh ULID
	InstanceID func() string

	// Started is called once the gateway is accepting connections.
	Started func(gatewayAddr string)
}

// MigrateDeps contains injectable dependencies for the migrate commands.
type MigrateDeps struct {
	// MigratorFactory creates a migrator from a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (Migrator, error)
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Status() (store.MigrationStatus, error)
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() *prometheus.Registry
}
