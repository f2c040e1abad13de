package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/blerelay/internal/sink"
	"github.com/chaz8081/blerelay/internal/transport"
)

// mockTransport simulates a radio whose sightings are driven by the test.
type mockTransport struct {
	mu           sync.Mutex
	enableErr    error
	enumerateErr error
	connectErr   error
	connectGate  chan struct{} // when set, Connect waits for it to close
	found        func(transport.Device, error)
	enumCancels  int
	connects     int
	conn         *mockConnection
}

func newMockTransport(conn *mockConnection) *mockTransport {
	return &mockTransport{conn: conn}
}

func (t *mockTransport) Kind() transport.Kind { return transport.KindBLE }

func (t *mockTransport) Enable(context.Context) error { return t.enableErr }

func (t *mockTransport) Enumerate(_ context.Context, found func(transport.Device, error)) (transport.Subscription, error) {
	if t.enumerateErr != nil {
		return nil, t.enumerateErr
	}
	t.mu.Lock()
	t.found = found
	t.mu.Unlock()
	return transport.SubscriptionFunc(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.enumCancels++
	}), nil
}

func (t *mockTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Sight reports a device sighting to the running enumeration.
func (t *mockTransport) Sight(d transport.Device) {
	t.mu.Lock()
	found := t.found
	t.mu.Unlock()
	if found != nil {
		found(d, nil)
	}
}

// SightError reports an enumeration error.
func (t *mockTransport) SightError(err error) {
	t.mu.Lock()
	found := t.found
	t.mu.Unlock()
	if found != nil {
		found(transport.Device{}, err)
	}
}

func (t *mockTransport) Connect(ctx context.Context, dev transport.Device) (transport.Connection, error) {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()
	if t.connectErr != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConnect, t.connectErr)
	}
	if t.connectGate != nil {
		<-t.connectGate
	}
	t.conn.dev = dev
	return t.conn, nil
}

// mockConnection records every call in order so tests can check sequencing.
type mockConnection struct {
	mu       sync.Mutex
	dev      transport.Device
	caps     transport.Capabilities
	services map[string][]string
	order    []string // service enumeration order
	writeErr error

	// Gates block the matching call until closed. Gated writes and reads
	// record a second event when they finish.
	writeGate chan struct{}
	readGate  chan struct{}
	openGate  chan struct{}

	events      []string
	onData      func([]byte)
	listens     int
	cancels     int
	disconnects int
	lostCb      func(error)

	available []int
	chunks    [][]byte
	reads     int
}

func newMockConnection(caps transport.Capabilities) *mockConnection {
	return &mockConnection{
		caps:     caps,
		services: map[string][]string{"c00fa-svc": {"c00fa-chr"}},
		order:    []string{"c00fa-svc"},
	}
}

func (c *mockConnection) record(ev string) {
	c.events = append(c.events, ev)
}

func (c *mockConnection) Device() transport.Device { return c.dev }

func (c *mockConnection) Capabilities() transport.Capabilities { return c.caps }

func (c *mockConnection) Services() ([]string, error) {
	return c.order, nil
}

func (c *mockConnection) Characteristics(service string) ([]string, error) {
	return c.services[service], nil
}

func (c *mockConnection) OpenChannel(ctx context.Context, prefix string) (transport.Channel, error) {
	if c.openGate != nil {
		select {
		case <-c.openGate:
		case <-ctx.Done():
			return transport.Channel{}, ctx.Err()
		}
	}
	return transport.SelectChannel(c, prefix)
}

func (c *mockConnection) Listen(_ transport.Channel, onData func([]byte)) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listens++
	c.onData = onData
	c.record("listen")
	var once sync.Once
	return transport.SubscriptionFunc(func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.cancels++
			c.onData = nil
			c.record("cancel")
		})
	}), nil
}

func (c *mockConnection) Write(_ transport.Channel, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("write:" + string(payload))
	if c.writeGate != nil {
		c.mu.Unlock()
		<-c.writeGate
		c.mu.Lock()
		c.record("written:" + string(payload))
	}
	if c.writeErr != nil {
		return fmt.Errorf("%w: %v", transport.ErrWrite, c.writeErr)
	}
	return nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.record("disconnect")
	return nil
}

func (c *mockConnection) OnConnectionLost(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostCb = cb
}

// SimulateNotification pushes an inbound payload to the current listener.
func (c *mockConnection) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.onData
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// SimulateLost fires the connection-lost callback.
func (c *mockConnection) SimulateLost(err error) {
	c.mu.Lock()
	cb := c.lostCb
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *mockConnection) AvailableBytes() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.available) == 0 {
		return 0, nil
	}
	n := c.available[0]
	c.available = c.available[1:]
	return n, nil
}

func (c *mockConnection) ReadChunk() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.readGate != nil {
		c.record("read")
		c.mu.Unlock()
		<-c.readGate
		c.mu.Lock()
		c.record("read-done")
	}
	if len(c.chunks) == 0 {
		return []byte("x"), nil
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	return chunk, nil
}

func (c *mockConnection) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

// recordingSink stores messages and optionally fails every publish.
type recordingSink struct {
	mu   sync.Mutex
	msgs []sink.Message
	err  error
}

func (s *recordingSink) Publish(_ context.Context, msg sink.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// waitForEvent polls until ev has been recorded.
func (c *mockConnection) waitForEvent(t *testing.T, ev string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, e := range c.snapshot() {
			if e == ev {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("event %q not seen, events = %v", ev, c.snapshot())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// orderedSink records reading texts and stalls on one of them.
type orderedSink struct {
	mu    sync.Mutex
	texts []string
	slow  string
	delay time.Duration
	block chan struct{} // when set, every publish waits for it
}

func (s *orderedSink) Publish(_ context.Context, msg sink.Message) error {
	r, ok := msg.(sink.ReadingMessage)
	if !ok {
		return nil
	}
	if s.block != nil {
		<-s.block
	}
	if r.Data.Text == s.slow {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, r.Data.Text)
	return nil
}

func (s *orderedSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}
