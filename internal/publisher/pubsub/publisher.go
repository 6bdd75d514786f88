// Package pubsub publishes session lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New creates a Publisher for an existing topic handle. The caller keeps
// ownership of the client.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic, logger: zap.NewNop()}
}

// Dial connects to projectID and verifies that topicID exists. The returned
// Publisher owns the client and must be closed.
func Dial(ctx context.Context, projectID, topicID string, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil || !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic check", zap.Error(closeErr))
		}
		if err != nil {
			return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	logger.Info("pubsub publisher ready", zap.String("topic", topic.String()))
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Publish marshals the payload to JSON and waits for the server to accept it.
// The topic argument is carried as the "event_topic" attribute; the message
// always goes to the topic the Publisher was built with.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	if topic != "" {
		msg.Attributes["event_topic"] = topic
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.topic.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client when owned.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
