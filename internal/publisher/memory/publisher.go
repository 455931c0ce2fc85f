// Package memory is the in-process Publisher used in tests and in the
// publisher.provider=memory dev mode, where notifications should be
// observable without a Pub/Sub project.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage captures one publish call: the topic it targeted and the
// payload as handed in, unserialized.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher records every published payload for later inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message. The returned ID is "memory-<n>" with n the
// 1-based position in the record.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
