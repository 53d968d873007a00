// Package memory keeps published events in process memory. It is the
// publisher used when no Pub/Sub project is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/logging"
)

// Publisher stores published payloads, JSON-encoded as on the wire.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	logger   *zap.Logger
}

// Message captures one publish call.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// New returns a memory Publisher.
func New(logger *zap.Logger) *Publisher {
	return &Publisher{logger: logging.OrNop(logger).Named("publisher")}
}

// Publish records the encoded payload and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	p.mu.Unlock()
	p.logger.Info("event published", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
