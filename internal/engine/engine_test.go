// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/kv"
	"github.com/roomcast/roomcast/internal/presence"
	"github.com/roomcast/roomcast/internal/ratelimit"
	"github.com/roomcast/roomcast/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type tokenVerifier map[string]core.Identity

func (v tokenVerifier) VerifySession(_ context.Context, token string) (*core.Identity, error) {
	id, ok := v[token]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

type frameLog struct {
	id     ulid.ULID
	mu     sync.Mutex
	frames []core.Frame
}

func newFrameLog() *frameLog { return &frameLog{id: core.NewULID()} }

func (l *frameLog) ID() ulid.ULID { return l.id }

func (l *frameLog) Deliver(f core.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return true
}

func (l *frameLog) events(event string) []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []json.RawMessage
	for _, f := range l.frames {
		if f.Event == event {
			out = append(out, f.Data)
		}
	}
	return out
}

func (l *frameLog) lastViewers(t *testing.T) int {
	t.Helper()
	frames := l.events(core.EventRoomViewers)
	if len(frames) == 0 {
		return -1
	}
	var p core.ViewersPayload
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &p))
	return p.Count
}

type cluster struct {
	store   kv.Store
	bus     *fanout.MemoryBus
	limiter *ratelimit.MemoryLimiter
	nodes   []*Engine
}

var users = tokenVerifier{
	"tok-ada":  {UserID: "ada", DisplayName: "Ada"},
	"tok-bob":  {UserID: "bob", DisplayName: "Bob"},
	"tok-cleo": {UserID: "cleo", DisplayName: "Cleo"},
}

func newCluster(t *testing.T, size int) *cluster {
	t.Helper()
	c := &cluster{
		store:   kv.NewMemoryStore(),
		bus:     fanout.NewMemoryBus(),
		limiter: ratelimit.NewMemoryLimiter(time.Hour),
	}
	for i := 0; i < size; i++ {
		origin := "node-" + string(rune('a'+i))
		e, err := New(Deps{
			KV:          c.store,
			Broadcaster: c.bus.Attach(origin),
			Limiter:     c.limiter,
			Verifier:    users,
			Config:      Config{InstanceID: origin, TypingTimeout: time.Second},
		})
		require.NoError(t, err)
		e.Start()
		c.nodes = append(c.nodes, e)
	}
	t.Cleanup(func() {
		for _, e := range c.nodes {
			assert.NoError(t, e.Close())
		}
		c.limiter.Close()
	})
	return c
}

func (c *cluster) connect(t *testing.T, node int, token string) (*core.Connection, *frameLog) {
	t.Helper()
	ctx := context.Background()
	adm, err := c.nodes[node].Admit(ctx, auth.Credentials{Token: token})
	require.NoError(t, err)
	log := newFrameLog()
	conn, err := c.nodes[node].Attach(ctx, adm, log)
	require.NoError(t, err)
	return conn, log
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	errutil.AssertErrorCode(t, err, core.CodeInternal)
}

func TestAdmit_RejectsUnknownToken(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.nodes[0].Admit(context.Background(), auth.Credentials{Token: "nope"})
	errutil.AssertErrorCode(t, err, core.CodeAuthInvalid)
}

func TestPresence_MultiConnectionAcrossInstances(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()
	pres := c.nodes[0].Presence()

	first, _ := c.connect(t, 0, "tok-ada")
	second, _ := c.connect(t, 1, "tok-ada")

	status, err := pres.GetStatus(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOnline, status)

	c.nodes[0].Detach(ctx, first)
	status, err = pres.GetStatus(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOnline, status, "still online while a connection remains")

	c.nodes[1].Detach(ctx, second)
	status, err = pres.GetStatus(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOffline, status)
}

func TestRoom_ViewerCountsFanOut(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()

	ada, adaLog := c.connect(t, 0, "tok-ada")
	bob, bobLog := c.connect(t, 1, "tok-bob")

	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventRoomJoin, json.RawMessage(`{"roomId":"post:1"}`)))
	require.NoError(t, c.nodes[1].Dispatch(ctx, bob, core.EventRoomJoin, json.RawMessage(`{"roomId":"post:1"}`)))

	assert.Eventually(t, func() bool { return adaLog.lastViewers(t) == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return bobLog.lastViewers(t) == 2 }, time.Second, 5*time.Millisecond)

	c.nodes[1].Detach(ctx, bob)
	assert.Eventually(t, func() bool { return adaLog.lastViewers(t) == 1 }, time.Second, 5*time.Millisecond)

	count, err := c.nodes[0].Rooms().ViewerCount(ctx, "post:1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTyping_VisibleOnOtherInstance(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()

	ada, _ := c.connect(t, 0, "tok-ada")
	bob, bobLog := c.connect(t, 1, "tok-bob")
	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventRoomJoin, json.RawMessage(`{"roomId":"post:2"}`)))
	require.NoError(t, c.nodes[1].Dispatch(ctx, bob, core.EventRoomJoin, json.RawMessage(`{"roomId":"post:2"}`)))

	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventTypingStart, json.RawMessage(`{"roomId":"post:2"}`)))

	typingUsers := func() []core.TypingUser {
		frames := bobLog.events(core.EventTypingUpdate)
		if len(frames) == 0 {
			return nil
		}
		var p core.TypingPayload
		if err := json.Unmarshal(frames[len(frames)-1], &p); err != nil {
			return nil
		}
		return p.Users
	}
	assert.Eventually(t, func() bool {
		u := typingUsers()
		return len(u) == 1 && u[0].UserID == "ada"
	}, time.Second, 5*time.Millisecond)

	// The entry times out without a refresh.
	assert.Eventually(t, func() bool {
		return len(bobLog.events(core.EventTypingUpdate)) >= 2 && len(typingUsers()) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDetach_StopsTypingOnLastConnection(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()

	ada, _ := c.connect(t, 0, "tok-ada")
	bob, bobLog := c.connect(t, 1, "tok-bob")
	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventRoomJoin, json.RawMessage(`{"roomId":"post:3"}`)))
	require.NoError(t, c.nodes[1].Dispatch(ctx, bob, core.EventRoomJoin, json.RawMessage(`{"roomId":"post:3"}`)))
	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventTypingStart, json.RawMessage(`{"roomId":"post:3"}`)))
	assert.Eventually(t, func() bool { return len(bobLog.events(core.EventTypingUpdate)) == 1 }, time.Second, 5*time.Millisecond)

	c.nodes[0].Detach(ctx, ada)
	assert.Eventually(t, func() bool { return len(bobLog.events(core.EventTypingUpdate)) == 2 }, time.Second, 5*time.Millisecond)
}

func TestNotifier_ReachesUserOnAnyInstance(t *testing.T) {
	c := newCluster(t, 2)
	_, adaLog := c.connect(t, 0, "tok-ada")
	_, bobLog := c.connect(t, 1, "tok-bob")

	c.nodes[1].Notifier().EmitToUser(context.Background(), "ada", core.EventNotificationNew, map[string]string{"id": "n1"})
	assert.Eventually(t, func() bool { return len(adaLog.events(core.EventNotificationNew)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bobLog.events(core.EventNotificationNew))

	c.nodes[0].Notifier().Broadcast(context.Background(), "maintenance", nil)
	assert.Eventually(t, func() bool {
		return len(adaLog.events("maintenance")) == 1 && len(bobLog.events("maintenance")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNotifier_SurvivesLeavingOwnUserRoom(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()
	ada, adaLog := c.connect(t, 0, "tok-ada")

	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventRoomJoin, json.RawMessage(`{"roomId":"user:ada"}`)))
	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventRoomLeave, json.RawMessage(`{"roomId":"user:ada"}`)))
	assert.Equal(t, 1, c.nodes[0].Hub().Subscribers(core.UserChannel("ada")))

	c.nodes[1].Notifier().EmitToUser(ctx, "ada", core.EventNotificationNew, map[string]string{"id": "n2"})
	assert.Eventually(t, func() bool { return len(adaLog.events(core.EventNotificationNew)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPresence_StatusChangeBroadcast(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()

	ada, _ := c.connect(t, 0, "tok-ada")
	_, cleoLog := c.connect(t, 1, "tok-cleo")

	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventPresenceSetStatus, json.RawMessage(`{"status":"busy"}`)))
	require.NoError(t, c.nodes[0].Dispatch(ctx, ada, core.EventPresenceSetStatus, json.RawMessage(`{"status":"busy"}`)))

	busy := func() int {
		n := 0
		for _, raw := range cleoLog.events(core.EventPresenceChanged) {
			var p core.PresencePayload
			if json.Unmarshal(raw, &p) == nil && p.UserID == "ada" && p.Status == "busy" {
				n++
			}
		}
		return n
	}
	assert.Eventually(t, func() bool { return busy() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, busy(), "redundant status updates are not rebroadcast")
}

func TestSubscriptions_RefcountTransport(t *testing.T) {
	bus := fanout.NewMemoryBus()
	b := bus.Attach("x")
	defer b.Close()
	subs := NewSubscriptions(core.NewHub(), b)
	ctx := context.Background()

	one := core.NewConnection(core.NewULID(), core.Identity{UserID: "a"}, "", newFrameLog())
	two := core.NewConnection(core.NewULID(), core.Identity{UserID: "b"}, "", newFrameLog())

	require.NoError(t, subs.Subscribe(ctx, "post:1", one))
	require.NoError(t, subs.Subscribe(ctx, "post:1", two))
	assert.True(t, b.Subscribed("post:1"))

	require.NoError(t, subs.Unsubscribe(ctx, "post:1", one.ID()))
	assert.True(t, b.Subscribed("post:1"))

	subs.ReleaseAll(ctx, two.ID())
	assert.False(t, b.Subscribed("post:1"))
}
