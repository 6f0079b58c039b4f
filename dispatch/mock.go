package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"gforms-notifier/pkg/formwatch"
)

// Delivery is one message recorded by MockSink.
type Delivery struct {
	Destination string
	Ref         string
	Message     formwatch.Message
	Edited      bool
}

// MockSink logs and records messages instead of sending them.
type MockSink struct {
	logger *slog.Logger

	mu         sync.Mutex
	deliveries []Delivery
}

// NewMockSink creates a mock sink for local development.
func NewMockSink(logger *slog.Logger) *MockSink {
	return &MockSink{logger: logger}
}

// Send records the message.
func (m *MockSink) Send(_ context.Context, destinationID string, msg formwatch.Message) (string, error) {
	ref := uuid.NewString()
	m.logger.Info("MOCK DISPATCH",
		"destination_id", destinationID,
		"ref", ref,
		"pages", len(msg.Pages),
		"messages", len(Batch(msg.Pages, MaxPagesPerMessage, MaxMessageSize)))
	m.mu.Lock()
	m.deliveries = append(m.deliveries, Delivery{Destination: destinationID, Ref: ref, Message: msg})
	m.mu.Unlock()
	messagesTotal.WithLabelValues("mock", "ok").Inc()
	return ref, nil
}

// Edit records the replacement.
func (m *MockSink) Edit(_ context.Context, destinationID, ref string, msg formwatch.Message) error {
	m.logger.Info("MOCK DISPATCH EDIT", "destination_id", destinationID, "ref", ref)
	m.mu.Lock()
	m.deliveries = append(m.deliveries, Delivery{Destination: destinationID, Ref: ref, Message: msg, Edited: true})
	m.mu.Unlock()
	return nil
}

// Deliveries returns a copy of everything recorded so far.
func (m *MockSink) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.deliveries))
	copy(out, m.deliveries)
	return out
}
