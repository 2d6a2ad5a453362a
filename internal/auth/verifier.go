// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// Verifier validates a credential against the session authority.
type Verifier interface {
	// VerifySession returns the identity behind token, or (nil, nil) when the
	// token is unknown, expired or malformed. Errors are infrastructure
	// failures only.
	VerifySession(ctx context.Context, token string) (*core.Identity, error)
}

// Claims is the JWT payload issued by the API layer.
type Claims struct {
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTVerifier creates a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secret, issuer string, leeway time.Duration) (*JWTVerifier, error) {
	if secret == "" {
		return nil, oops.Code(core.CodeInternal).Errorf("jwt secret is required")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, leeway: leeway}, nil
}

// VerifySession parses and validates token.
func (v *JWTVerifier) VerifySession(ctx context.Context, token string) (*core.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		slog.DebugContext(ctx, "jwt rejected", "error", err)
		return nil, nil
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, nil
	}
	return identityFromClaims(claims), nil
}

func identityFromClaims(c *Claims) *core.Identity {
	role := core.Role(strings.TrimSpace(c.Role))
	if role == "" {
		role = core.RoleMember
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = c.Subject
	}
	return &core.Identity{
		UserID:      c.Subject,
		DisplayName: name,
		Role:        role,
		AvatarURL:   strings.TrimSpace(c.Avatar),
	}
}

// SignToken issues a token for identity. The API layer is the normal
// issuer; this exists for tooling and tests.
func SignToken(secret string, identity core.Identity, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:   identity.DisplayName,
		Role:   string(identity.Role),
		Avatar: identity.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", oops.Code(core.CodeInternal).With("user_id", identity.UserID).Wrap(err)
	}
	return signed, nil
}

// SessionVerifier validates opaque session tokens stored by hash.
type SessionVerifier struct {
	repo SessionRepository
	now  func() time.Time
}

// NewSessionVerifier creates a verifier on repo.
func NewSessionVerifier(repo SessionRepository) (*SessionVerifier, error) {
	if repo == nil {
		return nil, core.ErrNilDependency("session repository")
	}
	return &SessionVerifier{repo: repo, now: time.Now}, nil
}

// VerifySession looks the token up by hash and checks expiry.
func (v *SessionVerifier) VerifySession(ctx context.Context, token string) (*core.Identity, error) {
	if token == "" {
		return nil, nil
	}
	session, err := v.repo.GetByTokenHash(ctx, HashSessionToken(token))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrStoreUnavailable("session lookup", err)
	}

	now := v.now()
	if session.IsExpiredAt(now) {
		return nil, nil
	}
	if err := v.repo.UpdateLastSeen(ctx, session.ID, now); err != nil {
		slog.WarnContext(ctx, "failed to update session last seen",
			"session_id", session.ID, "error", err)
	}

	identity := session.Identity
	if identity.Role == "" {
		identity.Role = core.RoleMember
	}
	return &identity, nil
}
