package sink

import (
	"errors"
	"sync"
)

var errTransient = errors.New("transient sink failure")

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	FailFirst  int // Fail the first N publishes, then succeed
	mu         sync.Mutex
	calls      int
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Subject string
	Key     string
	Value   []byte
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(subject, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.PublishErr != nil {
		return m.PublishErr
	}
	if m.calls <= m.FailFirst {
		return errTransient
	}

	m.Messages = append(m.Messages, MockMessage{
		Subject: subject,
		Key:     key,
		Value:   value,
	})

	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Snapshot returns a copy of recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Calls returns the number of Publish attempts including failures
func (m *MockSink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
	m.calls = 0
}
