// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// UserConnections is the set of connections a user holds on this instance.
type UserConnections struct {
	UserID       string
	Connections  []ulid.ULID // Active connection IDs
	LastActivity time.Time   // Last time any of the connections had activity
}

// copyUserConnections returns a defensive copy to prevent external modification.
func copyUserConnections(u *UserConnections) *UserConnections {
	connections := make([]ulid.ULID, len(u.Connections))
	copy(connections, u.Connections)
	return &UserConnections{
		UserID:       u.UserID,
		Connections:  connections,
		LastActivity: u.LastActivity,
	}
}

// Registry tracks the connections held by this process, grouped by user.
// Cross-instance reference counting lives in the presence store; the registry
// only answers questions about local sockets.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*UserConnections // keyed by UserID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]*UserConnections),
	}
}

// Connect attaches a connection to a user and returns how many local
// connections the user now holds. Attaching the same connection twice is a no-op.
func (r *Registry) Connect(userID string, connID ulid.ULID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, exists := r.users[userID]
	if !exists {
		user = &UserConnections{
			UserID:      userID,
			Connections: make([]ulid.ULID, 0, 1),
		}
		r.users[userID] = user
	}

	for _, id := range user.Connections {
		if id == connID {
			return len(user.Connections)
		}
	}

	user.Connections = append(user.Connections, connID)
	user.LastActivity = time.Now()
	return len(user.Connections)
}

// Disconnect removes a connection and returns how many local connections the
// user still holds. The user entry is dropped with its last connection.
func (r *Registry) Disconnect(userID string, connID ulid.ULID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, exists := r.users[userID]
	if !exists {
		slog.Debug("disconnect called for unknown user",
			"user_id", userID,
			"conn_id", connID.String(),
		)
		return 0
	}

	for i, id := range user.Connections {
		if id == connID {
			user.Connections = append(user.Connections[:i], user.Connections[i+1:]...)
			break
		}
	}

	remaining := len(user.Connections)
	if remaining == 0 {
		delete(r.users, userID)
	}
	return remaining
}

// Touch refreshes the last activity time for a user.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user, exists := r.users[userID]; exists {
		user.LastActivity = time.Now()
	}
}

// Get returns a copy of a user's local connections, or nil if none exist.
func (r *Registry) Get(userID string) *UserConnections {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[userID]
	if !exists {
		return nil
	}
	return copyUserConnections(user)
}

// List returns copies of every user with local connections.
func (r *Registry) List() []*UserConnections {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*UserConnections, 0, len(r.users))
	for _, user := range r.users {
		result = append(result, copyUserConnections(user))
	}
	return result
}

// ConnectionCount returns the total number of local connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, user := range r.users {
		total += len(user.Connections)
	}
	return total
}
