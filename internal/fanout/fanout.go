// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package fanout carries events between engine instances. Every instance
// subscribes to the channels its local connections care about and receives
// everything published on them, from any instance, including itself.
package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomcast/roomcast/internal/core"
)

// DeliveryBuffer is the capacity of the deliveries channel.
const DeliveryBuffer = 1024

// Message is one event in flight between instances.
type Message struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewMessage marshals payload into a message for channel.
func NewMessage(channel, event string, payload any) (Message, error) {
	msg := Message{Channel: channel, Event: event}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		msg.Payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return Message{}, core.ErrInternal("marshal "+event, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Publisher is the send side of a Broadcaster.
type Publisher interface {
	// Publish sends msg to every instance subscribed to msg.Channel.
	Publish(ctx context.Context, msg Message) error
}

// Broadcaster is the cross-instance transport. Delivery is at-most-once;
// ordering holds per channel from a single publisher only.
type Broadcaster interface {
	Publisher
	// Subscribe starts receiving messages for channel on Deliveries.
	Subscribe(ctx context.Context, channel string) error
	// Unsubscribe stops receiving messages for channel.
	Unsubscribe(ctx context.Context, channel string) error
	// Deliveries returns the stream of received messages. It is closed by Close.
	Deliveries() <-chan Message
	// Close releases the transport.
	Close() error
}

var (
	publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_fanout_published_total",
			Help: "Messages published to the fan-out transport",
		},
		[]string{"result"},
	)

	droppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcast_fanout_dropped_total",
			Help: "Received messages dropped because the delivery buffer was full",
		},
	)

	subscribedChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomcast_fanout_subscribed_channels",
			Help: "Channels this instance is subscribed to",
		},
	)
)

// RegisterMetrics registers fan-out metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(publishedTotal, droppedTotal, subscribedChannels)
}

func recordPublish(err error) {
	if err != nil {
		publishedTotal.WithLabelValues("error").Inc()
		return
	}
	publishedTotal.WithLabelValues("ok").Inc()
}
