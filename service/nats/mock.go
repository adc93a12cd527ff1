package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	whales       []*WhaleEvent
	alerts       []*AlertEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishWhale records the event and returns any configured error.
func (m *MockPublisher) PublishWhale(ctx context.Context, event *WhaleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.whales = append(m.whales, event)
	return nil
}

// PublishAlert records the event and returns any configured error.
func (m *MockPublisher) PublishAlert(ctx context.Context, event *AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.alerts = append(m.alerts, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// WhaleEvents returns all published whale events (for testing).
func (m *MockPublisher) WhaleEvents() []*WhaleEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*WhaleEvent, len(m.whales))
	copy(events, m.whales)
	return events
}

// AlertEvents returns all published alert events (for testing).
func (m *MockPublisher) AlertEvents() []*AlertEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*AlertEvent, len(m.alerts))
	copy(events, m.alerts)
	return events
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
