package push

import (
	"context"
	"sync"
)

// MockSender is a Sender that records messages for tests.
type MockSender struct {
	mu       sync.Mutex
	messages []Message

	// Err, when set, is returned by every Send.
	Err error
}

// NewMockSender creates a mock push gateway.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// Send records the message.
func (m *MockSender) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, msg)
	return nil
}

// Sent returns a copy of all recorded messages.
func (m *MockSender) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

var _ Sender = (*MockSender)(nil)
