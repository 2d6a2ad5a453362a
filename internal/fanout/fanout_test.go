// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, b Broadcaster) Message {
	t.Helper()
	select {
	case msg := <-b.Deliveries():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Message{}
	}
}

func assertNothing(t *testing.T, b Broadcaster) {
	t.Helper()
	select {
	case msg := <-b.Deliveries():
		t.Fatalf("unexpected delivery on %s: %s", msg.Channel, msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_FanOutAcrossEndpoints(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Attach("a")
	b := bus.Attach("b")
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, a.Subscribe(ctx, "post:1"))
	require.NoError(t, b.Subscribe(ctx, "post:1"))

	require.NoError(t, a.Publish(ctx, Message{
		Channel: "post:1",
		Event:   "room:viewers",
		Payload: json.RawMessage(`{"roomId":"post:1","count":2}`),
	}))

	for _, ep := range []Broadcaster{a, b} {
		msg := receive(t, ep)
		assert.Equal(t, "post:1", msg.Channel)
		assert.Equal(t, "room:viewers", msg.Event)
		assert.Equal(t, "a", msg.Origin)
		assert.False(t, msg.Timestamp.IsZero())
	}
}

func TestMemoryBus_UnsubscribedEndpointReceivesNothing(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Attach("a")
	b := bus.Attach("b")
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "post:1"))
	require.NoError(t, b.Unsubscribe(ctx, "post:1"))
	assert.False(t, b.Subscribed("post:1"))

	require.NoError(t, a.Publish(ctx, Message{Channel: "post:1", Event: "x"}))
	assertNothing(t, b)
}

func TestMemoryBroadcaster_ClosedRejectsPublish(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Attach("a")
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Error(t, a.Publish(context.Background(), Message{Channel: "post:1"}))
	_, ok := <-a.Deliveries()
	assert.False(t, ok, "deliveries should be closed")
}

func TestRedisBroadcaster_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a, err := NewRedisBroadcaster(ctx, client, "a", time.Second)
	require.NoError(t, err)
	b, err := NewRedisBroadcaster(ctx, client, "b", time.Second)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, "user:42"))
	require.NoError(t, b.Subscribe(ctx, "user:42"), "resubscribe is a no-op")

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("roomcast:*")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Publish(ctx, Message{
		Channel: "user:42",
		Event:   "notification:new",
		Payload: json.RawMessage(`{"id":"n1"}`),
	}))

	msg := receive(t, b)
	assert.Equal(t, "user:42", msg.Channel)
	assert.Equal(t, "notification:new", msg.Event)
	assert.Equal(t, "a", msg.Origin)
	assert.JSONEq(t, `{"id":"n1"}`, string(msg.Payload))

	require.NoError(t, b.Unsubscribe(ctx, "user:42"))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestRedisBroadcaster_NilClient(t *testing.T) {
	_, err := NewRedisBroadcaster(context.Background(), nil, "a", 0)
	assert.Error(t, err)
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() { RegisterMetrics(reg) })
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("post:1", "room:viewers", map[string]int{"count": 3})
	require.NoError(t, err)
	assert.Equal(t, "post:1", msg.Channel)
	assert.JSONEq(t, `{"count":3}`, string(msg.Payload))

	raw, err := NewMessage("user:1", "notification:new", json.RawMessage(`{"id":"n1"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"n1"}`, string(raw.Payload))

	empty, err := NewMessage("broadcast", "ping", nil)
	require.NoError(t, err)
	assert.Nil(t, empty.Payload)

	_, err = NewMessage("broadcast", "bad", func() {})
	assert.Error(t, err)
}
