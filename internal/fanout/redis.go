// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// ChannelPrefix namespaces engine channels on a shared Redis.
const ChannelPrefix = "roomcast:"

// RedisBroadcaster implements Broadcaster on Redis pub/sub. A single PubSub
// connection carries every channel subscription of the instance.
type RedisBroadcaster struct {
	client    redis.UniversalClient
	pubsub    *redis.PubSub
	origin    string
	opTimeout time.Duration

	deliveries chan Message
	stopChan   chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

// NewRedisBroadcaster opens the subscription connection and starts the
// receive loop. origin identifies this instance in published messages.
func NewRedisBroadcaster(ctx context.Context, client redis.UniversalClient, origin string, opTimeout time.Duration) (*RedisBroadcaster, error) {
	if client == nil {
		return nil, core.ErrNilDependency("redis client")
	}
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}

	pubsub := client.Subscribe(ctx)
	b := &RedisBroadcaster{
		client:     client,
		pubsub:     pubsub,
		origin:     origin,
		opTimeout:  opTimeout,
		deliveries: make(chan Message, DeliveryBuffer),
		stopChan:   make(chan struct{}),
		channels:   make(map[string]struct{}),
	}

	b.wg.Add(1)
	go b.receiveLoop(pubsub.Channel())
	return b, nil
}

func (b *RedisBroadcaster) receiveLoop(ch <-chan *redis.Message) {
	defer b.wg.Done()
	defer close(b.deliveries)

	for {
		select {
		case <-b.stopChan:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				slog.Warn("discarding malformed fan-out message",
					"channel", raw.Channel, "error", err)
				continue
			}
			msg.Channel = strings.TrimPrefix(raw.Channel, ChannelPrefix)
			select {
			case b.deliveries <- msg:
			default:
				droppedTotal.Inc()
				slog.Warn("fan-out delivery buffer full, dropping message",
					"channel", msg.Channel, "event", msg.Event)
			}
		}
	}
}

// Publish sends msg through Redis.
func (b *RedisBroadcaster) Publish(ctx context.Context, msg Message) error {
	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return core.ErrInternal("encode fan-out message", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	err = b.client.Publish(ctx, ChannelPrefix+msg.Channel, data).Err()
	recordPublish(err)
	if err != nil {
		return oops.Code(core.CodeStoreUnavailable).
			With("operation", "publish").
			With("channel", msg.Channel).
			Wrap(err)
	}
	return nil
}

// Subscribe adds channel to the instance subscription.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return oops.Code(core.CodeInternal).With("channel", channel).Errorf("broadcaster closed")
	}
	if _, ok := b.channels[channel]; ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	if err := b.pubsub.Subscribe(ctx, ChannelPrefix+channel); err != nil {
		return oops.Code(core.CodeStoreUnavailable).
			With("operation", "subscribe").
			With("channel", channel).
			Wrap(err)
	}
	b.channels[channel] = struct{}{}
	subscribedChannels.Inc()
	return nil
}

// Unsubscribe removes channel from the instance subscription.
func (b *RedisBroadcaster) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[channel]; !ok || b.closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	if err := b.pubsub.Unsubscribe(ctx, ChannelPrefix+channel); err != nil {
		return oops.Code(core.CodeStoreUnavailable).
			With("operation", "unsubscribe").
			With("channel", channel).
			Wrap(err)
	}
	delete(b.channels, channel)
	subscribedChannels.Dec()
	return nil
}

// Deliveries returns received messages.
func (b *RedisBroadcaster) Deliveries() <-chan Message {
	return b.deliveries
}

// Close stops the receive loop and closes the subscription connection.
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subscribedChannels.Sub(float64(len(b.channels)))
	b.channels = nil
	b.mu.Unlock()

	close(b.stopChan)
	err := b.pubsub.Close()
	b.wg.Wait()
	if err != nil {
		return oops.Code(core.CodeInternal).With("operation", "close pubsub").Wrap(err)
	}
	return nil
}
