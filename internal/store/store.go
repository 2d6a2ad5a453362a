// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package store holds the PostgreSQL persistence hooks: sessions, user
// profiles, notifications and the schema migrations behind them.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// poolIface is the subset of pgxpool.Pool used by the repositories, so tests
// can substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open creates a connection pool for dsn. It does not wait for the server;
// callers ping with their own retry policy.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, oops.Code(core.CodeValidation).With("operation", "parse database url").Wrap(err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, core.ErrStoreUnavailable("open database pool", err)
	}
	return pool, nil
}

// classify wraps a database error. Connection-level failures become
// STORE_UNAVAILABLE so callers can degrade; everything else is INTERNAL.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if unavailable(err) {
		return core.ErrStoreUnavailable(operation, err)
	}
	return core.ErrInternal(operation, err)
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// No server-side error code: dial, TLS or a dropped connection.
		var connErr *pgconn.ConnectError
		return errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err)
	}
	return pgerrcode.IsConnectionException(pgErr.Code) ||
		pgerrcode.IsInsufficientResources(pgErr.Code) ||
		pgerrcode.IsOperatorIntervention(pgErr.Code)
}
