package stream

import (
	"context"
	"sync"
	"time"

	"github.com/domiq-ai/domiq/internal/akool"
)

// MockTransport stands in for the realtime channel when no stream gateway
// is configured, and in tests. It echoes chat turns back as bot events so
// the session flow stays exercisable end to end.
type MockTransport struct {
	mu        sync.Mutex
	attached  bool
	creds     akool.Credentials
	sent      []string
	params    []string
	closeOnce sync.Once
	events    chan Event
}

func NewMockTransport() *MockTransport {
	return &MockTransport{events: make(chan Event, 64)}
}

func (m *MockTransport) Attach(_ context.Context, creds akool.Credentials) error {
	m.mu.Lock()
	m.attached = true
	m.creds = creds
	m.mu.Unlock()
	m.events <- Event{Type: EventConnected, Timestamp: time.Now().UnixMilli()}
	return nil
}

func (m *MockTransport) SendChat(_ context.Context, text string) (string, error) {
	raw, mid, err := EncodeChat(text)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sent = append(m.sent, text)
	m.mu.Unlock()

	if ev, ok := DecodeEvent(raw); ok {
		select {
		case m.events <- ev:
		default:
		}
	}
	return mid, nil
}

func (m *MockTransport) SetParams(_ context.Context, vid, lang string, mode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = append(m.params, vid+"/"+lang)
	return nil
}

func (m *MockTransport) Events() <-chan Event { return m.events }

func (m *MockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.events) })
	return nil
}

// Attached reports whether Attach has been called.
func (m *MockTransport) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// Sent returns the chat texts sent so far.
func (m *MockTransport) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}
