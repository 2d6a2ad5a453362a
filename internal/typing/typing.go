// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package typing tracks who is typing in each room.
//
// Entries live in the shared store so members on every instance see the same
// list. Each (room, user) pair moves absent -> typing on start and back to
// absent on stop or timeout, whichever happens first; the scheduler token and
// the atomic field delete make the two endings mutually exclusive.
package typing

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/kv"
	"github.com/roomcast/roomcast/internal/scheduler"
)

// DefaultTimeout is how long a start stays valid without a refresh.
const DefaultTimeout = 5 * time.Second

const keyPrefix = "typing:"

// Entry is the stored typing state of one user in one room.
type Entry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Removal causes.
const (
	causeStop    = "stop"
	causeTimeout = "timeout"
	causeSweep   = "sweep"
)

var removals = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roomcast_typing_removals_total",
		Help: "Typing entries removed, by cause",
	},
	[]string{"cause"},
)

// RegisterMetrics registers typing metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(removals)
}

// Tracker implements start, stop and expiry.
type Tracker struct {
	kv       kv.Store
	pub      fanout.Publisher
	sched    *scheduler.Scheduler
	profiles core.ProfileLookup
	timeout  time.Duration
	now      func() time.Time
}

// New creates a tracker. profiles may be nil. A non-positive timeout uses
// DefaultTimeout.
func New(store kv.Store, pub fanout.Publisher, sched *scheduler.Scheduler, profiles core.ProfileLookup, timeout time.Duration) (*Tracker, error) {
	if store == nil {
		return nil, core.ErrNilDependency("kv store")
	}
	if pub == nil {
		return nil, core.ErrNilDependency("publisher")
	}
	if sched == nil {
		return nil, core.ErrNilDependency("scheduler")
	}
	if profiles == nil {
		profiles = core.IdentityProfiles{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		kv:       store,
		pub:      pub,
		sched:    sched,
		profiles: profiles,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

func roomKey(roomID string) string { return keyPrefix + roomID }

func taskKey(roomID, userID string) string { return roomID + "\x00" + userID }

// Start marks identity as typing in roomID, (re)arms its expiry and
// publishes the room's typing list.
func (t *Tracker) Start(ctx context.Context, roomID string, identity core.Identity) error {
	entry := t.entryFor(ctx, identity)
	entry.ExpiresAt = t.now().Add(t.timeout).UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return core.ErrInternal("encode typing entry", err)
	}

	if err := t.kv.HashSet(ctx, roomKey(roomID), identity.UserID, data, 2*t.timeout); err != nil {
		return err
	}
	t.sched.Schedule(taskKey(roomID, identity.UserID), t.timeout, func(ctx context.Context) {
		t.expire(ctx, roomID, identity.UserID, data)
	})
	return t.publish(ctx, roomID)
}

func (t *Tracker) entryFor(ctx context.Context, identity core.Identity) Entry {
	entry := Entry{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Avatar:      identity.AvatarURL,
	}
	if entry.Avatar != "" && entry.DisplayName != "" {
		return entry
	}
	profile, err := t.profiles.Profile(ctx, identity.UserID)
	if err != nil {
		slog.DebugContext(ctx, "profile lookup failed, using identity fields",
			"user_id", identity.UserID, "error", err)
		return entry
	}
	if profile != nil {
		if entry.DisplayName == "" {
			entry.DisplayName = profile.DisplayName
		}
		if entry.Avatar == "" {
			entry.Avatar = profile.AvatarURL
		}
	}
	return entry
}

// Stop clears identity's typing state in roomID. The update is published
// only when an entry was actually removed.
func (t *Tracker) Stop(ctx context.Context, roomID string, identity core.Identity) error {
	t.sched.Cancel(taskKey(roomID, identity.UserID))

	removed, err := t.kv.HashDelete(ctx, roomKey(roomID), identity.UserID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	removals.WithLabelValues(causeStop).Inc()
	return t.publish(ctx, roomID)
}

// StopAll clears identity's typing state in each of rooms.
func (t *Tracker) StopAll(ctx context.Context, identity core.Identity, rooms []string) {
	for _, roomID := range rooms {
		if err := t.Stop(ctx, roomID, identity); err != nil {
			slog.WarnContext(ctx, "failed to stop typing",
				"room_id", roomID, "user_id", identity.UserID, "error", err)
		}
	}
}

// expire removes the entry written by the matching Start, unless another
// instance has refreshed it since.
func (t *Tracker) expire(ctx context.Context, roomID, userID string, written []byte) {
	removed, err := t.kv.HashCompareAndDelete(ctx, roomKey(roomID), userID, written)
	if err != nil {
		slog.WarnContext(ctx, "typing expiry failed", "room_id", roomID, "user_id", userID, "error", err)
		return
	}
	if !removed {
		return
	}
	removals.WithLabelValues(causeTimeout).Inc()
	if err := t.publish(ctx, roomID); err != nil {
		slog.WarnContext(ctx, "failed to publish typing expiry", "room_id", roomID, "error", err)
	}
}

// Users returns the unexpired typing users of roomID, sorted by user id.
func (t *Tracker) Users(ctx context.Context, roomID string) ([]core.TypingUser, error) {
	raw, err := t.kv.HashGetAll(ctx, roomKey(roomID))
	if err != nil {
		return nil, err
	}
	now := t.now()
	users := make([]core.TypingUser, 0, len(raw))
	for userID, data := range raw {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || !e.ExpiresAt.After(now) {
			continue
		}
		users = append(users, core.TypingUser{UserID: userID, DisplayName: e.DisplayName, Avatar: e.Avatar})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}

func (t *Tracker) publish(ctx context.Context, roomID string) error {
	users, err := t.Users(ctx, roomID)
	if err != nil {
		return err
	}
	msg, err := fanout.NewMessage(core.RoomChannel(roomID), core.EventTypingUpdate,
		core.TypingPayload{RoomID: roomID, Users: users})
	if err != nil {
		return err
	}
	return t.pub.Publish(ctx, msg)
}

// Sweep removes expired entries left behind by crashed instances and
// publishes updates for the affected rooms. Returns the number removed.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	keys, err := t.kv.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return 0, err
	}

	now := t.now()
	total := 0
	for _, key := range keys {
		roomID := strings.TrimPrefix(key, keyPrefix)
		raw, err := t.kv.HashGetAll(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "typing sweep read failed", "room_id", roomID, "error", err)
			continue
		}
		removed := 0
		for userID, data := range raw {
			var e Entry
			if err := json.Unmarshal(data, &e); err == nil && e.ExpiresAt.After(now) {
				continue
			}
			ok, err := t.kv.HashCompareAndDelete(ctx, key, userID, bytes.Clone(data))
			if err != nil {
				slog.WarnContext(ctx, "typing sweep delete failed", "room_id", roomID, "user_id", userID, "error", err)
				continue
			}
			if ok {
				removed++
			}
		}
		if removed == 0 {
			continue
		}
		total += removed
		removals.WithLabelValues(causeSweep).Add(float64(removed))
		if err := t.publish(ctx, roomID); err != nil {
			slog.WarnContext(ctx, "failed to publish typing sweep", "room_id", roomID, "error", err)
		}
	}
	return total, nil
}
