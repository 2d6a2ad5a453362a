// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/core"
)

// PostgresSessionRepository implements auth.SessionRepository.
type PostgresSessionRepository struct {
	pool poolIface
}

var _ auth.SessionRepository = (*PostgresSessionRepository)(nil)

// NewPostgresSessionRepository creates a session repository on pool.
func NewPostgresSessionRepository(pool poolIface) *PostgresSessionRepository {
	return &PostgresSessionRepository{pool: pool}
}

const selectSessionByHash = `SELECT s.id, s.token_hash, s.expires_at, s.last_seen_at,
       u.id, u.display_name, u.avatar_url, u.role
  FROM sessions s
  JOIN users u ON u.id = s.user_id
 WHERE s.token_hash = $1`

// GetByTokenHash returns the session and its user's identity.
func (r *PostgresSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	var (
		s    auth.Session
		role string
	)
	err := r.pool.QueryRow(ctx, selectSessionByHash, tokenHash).Scan(
		&s.ID, &s.TokenHash, &s.ExpiresAt, &s.LastSeenAt,
		&s.Identity.UserID, &s.Identity.DisplayName, &s.Identity.AvatarURL, &role,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get session by token hash", err)
	}
	s.Identity.Role = core.Role(role)
	return &s, nil
}

// UpdateLastSeen records activity on a session.
func (r *PostgresSessionRepository) UpdateLastSeen(ctx context.Context, id string, lastSeen time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, id, lastSeen)
	if err != nil {
		return oops.With("session_id", id).Wrap(classify("update session last seen", err))
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").With("session_id", id).Wrap(auth.ErrNotFound)
	}
	return nil
}

// Create stores a session. The token itself is never persisted, only its hash.
func (r *PostgresSessionRepository) Create(ctx context.Context, s *auth.Session) error {
	if s.ID == "" {
		s.ID = core.NewULID().String()
	}
	if s.LastSeenAt.IsZero() {
		s.LastSeenAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, token_hash, user_id, expires_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.TokenHash, s.Identity.UserID, s.ExpiresAt, s.LastSeenAt)
	if err != nil {
		return oops.With("user_id", s.Identity.UserID).Wrap(classify("create session", err))
	}
	return nil
}

// DeleteExpired removes sessions that expired before now and reports how
// many were removed.
func (r *PostgresSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, classify("delete expired sessions", err)
	}
	return tag.RowsAffected(), nil
}
