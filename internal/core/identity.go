// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Role is the platform role attached to an identity.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Identity is the verified user behind a connection. It is resolved once at
// admission and cached for the lifetime of the connection.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// IsZero reports whether the identity carries no user.
func (i Identity) IsZero() bool {
	return i.UserID == ""
}

// fingerprintLen is the number of hex characters kept from the credential hash.
const fingerprintLen = 12

// Fingerprint derives a short, non-reversible session fingerprint from a
// credential for log correlation.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// Profile is display metadata used when composing typing and presence payloads.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// ProfileLookup reads a user's display metadata from the persistent store.
type ProfileLookup interface {
	// Profile returns display metadata for userID. Implementations return
	// (nil, nil) when the user has no stored profile.
	Profile(ctx context.Context, userID string) (*Profile, error)
}

// IdentityProfiles is a ProfileLookup that never consults storage. Callers fall
// back to the identity's own display fields.
type IdentityProfiles struct{}

// Profile always reports no stored profile.
func (IdentityProfiles) Profile(_ context.Context, _ string) (*Profile, error) {
	return nil, nil
}

// NotificationStore is the persistence hook behind notification:ack.
type NotificationStore interface {
	// MarkRead marks a notification owned by userID as read. Returns false when
	// the notification does not exist or belongs to someone else.
	MarkRead(ctx context.Context, userID, notificationID string) (bool, error)
	// UnreadCount returns the number of unread notifications for userID.
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// NopNotificationStore acknowledges everything and tracks nothing. Used when
// the engine runs without a database.
type NopNotificationStore struct{}

// MarkRead always succeeds.
func (NopNotificationStore) MarkRead(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

// UnreadCount always reports zero.
func (NopNotificationStore) UnreadCount(_ context.Context, _ string) (int, error) {
	return 0, nil
}
