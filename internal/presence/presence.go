// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package presence tracks per-user status across every engine instance.
//
// A user is online while at least one connection is open anywhere. The
// connection count lives in the shared store, so the last disconnect on any
// instance is the one that turns the user offline.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/kv"
)

// DefaultTTL is how long a presence record survives without activity.
const DefaultTTL = 5 * time.Minute

// Status is a user's presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	// StatusUnknown is reported when the store could not be read.
	StatusUnknown Status = "unknown"
)

// Settable reports whether clients may set s directly.
func (s Status) Settable() bool {
	return s == StatusOnline || s == StatusAway || s == StatusBusy
}

// Record is the stored presence of one user.
type Record struct {
	UserID       string    `json:"userId"`
	Status       Status    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
}

// Entry is one row of ListOnline.
type Entry struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

// Key layout. The hash tag keeps every presence key in one cluster slot so
// a release can touch several of them in one script.
const (
	indexKey = "{presence}:index"
	seenKey  = "{presence}:seen"
)

func recordKey(userID string) string { return "{presence}:" + userID }
func connsKey(userID string) string  { return "{presence}:conns:" + userID }

// owned is the state cleared when a user goes offline.
func owned(userID string) kv.Release {
	return kv.Release{
		Keys:   []string{recordKey(userID)},
		Hashes: []string{indexKey, seenKey},
		Field:  userID,
	}
}

var transitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roomcast_presence_transitions_total",
		Help: "Broadcast presence transitions by resulting status",
	},
	[]string{"status"},
)

// RegisterMetrics registers presence metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(transitions)
}

// Store reads and writes presence. Safe for concurrent use.
type Store struct {
	kv  kv.Store
	pub fanout.Publisher
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	known map[string]Status
}

// New creates a presence store. A non-positive ttl uses DefaultTTL.
func New(store kv.Store, pub fanout.Publisher, ttl time.Duration) (*Store, error) {
	if store == nil {
		return nil, core.ErrNilDependency("kv store")
	}
	if pub == nil {
		return nil, core.ErrNilDependency("publisher")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		kv:    store,
		pub:   pub,
		ttl:   ttl,
		now:   time.Now,
		known: make(map[string]Status),
	}, nil
}

// TTL returns the record lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// lastKnown returns the cached status, falling back to the stored record.
func (s *Store) lastKnown(ctx context.Context, userID string) Status {
	s.mu.Lock()
	st, ok := s.known[userID]
	s.mu.Unlock()
	if ok {
		return st
	}
	st, err := s.GetStatus(ctx, userID)
	if err != nil {
		return StatusUnknown
	}
	return st
}

// Observe records a status seen on the fan-out transport, keeping the cache
// in line with transitions made by other instances.
func (s *Store) Observe(userID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == StatusOffline {
		delete(s.known, userID)
		return
	}
	s.known[userID] = status
}

// SetStatus writes the record and index entry and broadcasts
// presence:changed when the status differs from the last known one. Offline
// is only recorded while the user has no open connection.
func (s *Store) SetStatus(ctx context.Context, userID string, status Status) error {
	if userID == "" {
		return core.ErrValidation(core.EventPresenceSetStatus, "missing user id")
	}
	if status == StatusOffline {
		_, err := s.setOffline(ctx, userID)
		return err
	}
	if !status.Settable() {
		return core.ErrValidation(core.EventPresenceSetStatus, "unknown status "+strconv.Quote(string(status)))
	}

	previous := s.lastKnown(ctx, userID)

	rec := Record{UserID: userID, Status: status, LastActivity: s.now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return core.ErrInternal("encode presence", err)
	}
	if err := s.kv.Put(ctx, recordKey(userID), data, s.ttl); err != nil {
		return err
	}
	if err := s.kv.HashSet(ctx, indexKey, userID, data, 0); err != nil {
		return err
	}
	s.Observe(userID, status)

	if previous != status {
		s.broadcast(ctx, userID, status)
	}
	return nil
}

// setOffline removes the user's presence unless a connection is still
// counted. Reports whether this call removed the index entry, which makes it
// the one to broadcast.
func (s *Store) setOffline(ctx context.Context, userID string) (bool, error) {
	cleared, removed, err := s.kv.ReleaseIfIdle(ctx, connsKey(userID), owned(userID))
	if err != nil || !cleared {
		return false, err
	}
	s.wentOffline(ctx, userID, removed)
	return removed, nil
}

func (s *Store) wentOffline(ctx context.Context, userID string, removed bool) {
	s.Observe(userID, StatusOffline)
	if removed {
		s.broadcast(ctx, userID, StatusOffline)
	}
}

func (s *Store) broadcast(ctx context.Context, userID string, status Status) {
	msg, err := fanout.NewMessage(core.BroadcastChannel, core.EventPresenceChanged,
		core.PresencePayload{UserID: userID, Status: string(status)})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode presence change", "user_id", userID, "error", err)
		return
	}
	if err := s.pub.Publish(ctx, msg); err != nil {
		slog.WarnContext(ctx, "failed to publish presence change",
			"user_id", userID, "status", status, "error", err)
		return
	}
	transitions.WithLabelValues(string(status)).Inc()
}

// GetStatus returns the stored status. A missing record is offline; a store
// failure yields StatusUnknown together with the error.
func (s *Store) GetStatus(ctx context.Context, userID string) (Status, error) {
	data, err := s.kv.Get(ctx, recordKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return StatusOffline, nil
	}
	if err != nil {
		return StatusUnknown, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return StatusUnknown, core.ErrInternal("decode presence", err)
	}
	return rec.Status, nil
}

// ListOnline returns every user whose record is live, sorted by user id.
func (s *Store) ListOnline(ctx context.Context) ([]Entry, error) {
	records, err := s.records(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.ttl)
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		if rec.Status == StatusOffline || rec.LastActivity.Before(cutoff) {
			continue
		}
		entries = append(entries, Entry{UserID: rec.UserID, Status: rec.Status})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

// records reads the index, with last activity advanced by heartbeats.
func (s *Store) records(ctx context.Context) ([]Record, error) {
	index, err := s.kv.HashGetAll(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	seen, err := s.kv.HashGetAll(ctx, seenKey)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(index))
	for userID, raw := range index {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.WarnContext(ctx, "skipping malformed presence record", "user_id", userID, "error", err)
			continue
		}
		rec.UserID = userID
		if ms, err := strconv.ParseInt(string(seen[userID]), 10, 64); err == nil {
			if t := time.UnixMilli(ms); t.After(rec.LastActivity) {
				rec.LastActivity = t
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Connect counts a new connection for identity. The first connection of a
// user marks them online. Reports whether this was the first.
func (s *Store) Connect(ctx context.Context, identity core.Identity) (bool, error) {
	n, err := s.kv.Incr(ctx, connsKey(identity.UserID), s.ttl)
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, s.Touch(ctx, identity.UserID)
	}
	return true, s.SetStatus(ctx, identity.UserID, StatusOnline)
}

// Disconnect releases one connection of identity. The last one marks the
// user offline. Reports whether this was the last.
func (s *Store) Disconnect(ctx context.Context, identity core.Identity) (bool, error) {
	n, removed, err := s.kv.DecrRelease(ctx, connsKey(identity.UserID), owned(identity.UserID))
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	s.wentOffline(ctx, identity.UserID, removed)
	return true, nil
}

// Touch refreshes the user's TTLs and last activity. Called on heartbeat.
func (s *Store) Touch(ctx context.Context, userID string) error {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.kv.HashSet(ctx, seenKey, userID, []byte(now), 0); err != nil {
		return err
	}
	if err := s.kv.Expire(ctx, recordKey(userID), s.ttl); err != nil {
		return err
	}
	return s.kv.Expire(ctx, connsKey(userID), s.ttl)
}

// Reap removes users whose last activity is older than the TTL and who have
// no counted connection, and broadcasts offline for each. Returns the reaped user ids; when several
// instances reap concurrently each user is reported by exactly one of them.
func (s *Store) Reap(ctx context.Context, now time.Time) ([]string, error) {
	records, err := s.records(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-s.ttl)

	var reaped []string
	var firstErr error
	for _, rec := range records {
		if !rec.LastActivity.Before(cutoff) {
			continue
		}
		removed, err := s.setOffline(ctx, rec.UserID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if removed {
			reaped = append(reaped, rec.UserID)
		}
	}
	sort.Strings(reaped)
	return reaped, firstErr
}
