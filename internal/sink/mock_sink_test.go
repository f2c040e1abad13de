package sink

import (
	"context"
	"sync"
)

// mockSink records published messages and optionally fails.
type mockSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (m *mockSink) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return m.err
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}
