// Package memory records session events in memory for local runs and tests.
// Messages are kept in the same shape the pubsub publisher sends: a JSON body
// plus an "event_topic" attribute.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// TopicAttribute names the attribute that carries the event topic.
const TopicAttribute = "event_topic"

// Publisher stores published events for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// Message is one recorded publish.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Topic returns the event topic the message was published under.
func (m Message) Topic() string { return m.Attributes[TopicAttribute] }

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload as JSON and records it under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	attrs := make(map[string]string, 1)
	if topic != "" {
		attrs[TopicAttribute] = topic
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Data: data, Attributes: attrs})
	return id, nil
}

// Messages returns copies of the recorded messages in publish order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	for i, m := range p.messages {
		attrs := make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			attrs[k] = v
		}
		out[i] = Message{ID: m.ID, Data: append([]byte(nil), m.Data...), Attributes: attrs}
	}
	return out
}

// Events decodes every message published under topic into T.
func Events[T any](p *Publisher, topic string) ([]T, error) {
	var out []T
	for _, m := range p.Messages() {
		if m.Topic() != topic {
			continue
		}
		var event T
		if err := m.Decode(&event); err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }
