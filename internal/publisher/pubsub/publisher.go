// Package pubsub publishes audit events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// EventTypeAttribute carries the logical topic name on each message.
const EventTypeAttribute = "event_type"

// SendFunc delivers one message and returns the server-assigned ID.
type SendFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher sends every event to a single Pub/Sub topic, tagged with its event type.
type Publisher struct {
	send SendFunc
	stop func()
}

// New wraps a topic obtained from pubsub.Client.Topic.
func New(topic *pubsub.Topic) *Publisher {
	if topic == nil {
		return &Publisher{}
	}
	return &Publisher{
		send: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return topic.Publish(ctx, msg).Get(ctx)
		},
		stop: topic.Stop,
	}
}

// NewWithSender builds a Publisher around a custom SendFunc.
func NewWithSender(send SendFunc) *Publisher {
	return &Publisher{send: send}
}

// Publish marshals payload to JSON, injects trace context and blocks until the
// message is acknowledged.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.send == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{EventTypeAttribute: topic}}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(msg.Attributes))

	id, err := p.send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p != nil && p.stop != nil {
		p.stop()
	}
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
