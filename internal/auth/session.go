// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// SessionTokenBytes is the entropy of generated session tokens (64 hex chars).
const SessionTokenBytes = 32

// Session is a stored login session issued by the API layer.
type Session struct {
	ID         string
	TokenHash  string
	Identity   core.Identity
	ExpiresAt  time.Time
	LastSeenAt time.Time
}

// IsExpiredAt reports whether the session is expired at t.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return !s.ExpiresAt.IsZero() && t.After(s.ExpiresAt)
}

// SessionRepository is the read side of session persistence.
type SessionRepository interface {
	// GetByTokenHash returns the session with the given token hash, or an
	// error wrapping ErrNotFound.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	// UpdateLastSeen records activity on a session.
	UpdateLastSeen(ctx context.Context, id string, lastSeen time.Time) error
}

// GenerateSessionToken creates a random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
func GenerateSessionToken() (token, hash string, err error) {
	tokenBytes := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code(core.CodeInternal).
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	return token, HashSessionToken(token), nil
}

// HashSessionToken computes the SHA-256 hash under which a token is stored.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
