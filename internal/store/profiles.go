// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// PostgresProfileRepository implements core.ProfileLookup on the users table.
type PostgresProfileRepository struct {
	pool poolIface
}

var _ core.ProfileLookup = (*PostgresProfileRepository)(nil)

// NewPostgresProfileRepository creates a profile repository on pool.
func NewPostgresProfileRepository(pool poolIface) *PostgresProfileRepository {
	return &PostgresProfileRepository{pool: pool}
}

// Profile returns display metadata for userID, or (nil, nil) for an unknown user.
func (r *PostgresProfileRepository) Profile(ctx context.Context, userID string) (*core.Profile, error) {
	var p core.Profile
	err := r.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url FROM users WHERE id = $1`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("user_id", userID).Wrap(classify("get profile", err))
	}
	return &p, nil
}

// Upsert creates or updates a user's profile.
func (r *PostgresProfileRepository) Upsert(ctx context.Context, identity core.Identity) error {
	role := identity.Role
	if role == "" {
		role = core.RoleMember
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, avatar_url, role)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET display_name = $2, avatar_url = $3, role = $4`,
		identity.UserID, identity.DisplayName, identity.AvatarURL, string(role))
	if err != nil {
		return oops.With("user_id", identity.UserID).Wrap(classify("upsert profile", err))
	}
	return nil
}
