// Package session owns the lifecycle of one peripheral connection:
// discovery, connect, channel negotiation, the listen or poll loop, and
// teardown. Transport and sink are injected.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/chaz8081/blerelay/internal/protocol"
	"github.com/chaz8081/blerelay/internal/sink"
	"github.com/chaz8081/blerelay/internal/transport"
)

var (
	// ErrUnknownDevice is returned by Select for an id that was never discovered.
	ErrUnknownDevice = errors.New("session: unknown device")
	// ErrUnnamedDevice is returned by Select for a device without a name
	// unless Options.AllowUnnamed is set.
	ErrUnnamedDevice = errors.New("session: device has no name")
	// ErrAbandoned is returned by Select when Disconnect interrupts it.
	ErrAbandoned = errors.New("session: connection attempt abandoned")
)

// Options configures session behavior.
type Options struct {
	VendorPrefix   string            // identifies the data channel
	Encoding       protocol.Encoding // payload text encoding
	PollInterval   time.Duration     // poll mode drain period (default 10s)
	SettleDelay    time.Duration     // pause between a write and resuming listen (default 200ms)
	ConnectTimeout time.Duration     // connect plus negotiation (default 15s)
	PublishTimeout time.Duration     // per sink publish (default 10s)
	MaxReadings    int               // reading log size, 0 for unbounded
	AllowUnnamed   bool              // permit selecting devices without a name
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		VendorPrefix:   transport.DefaultVendorPrefix,
		Encoding:       protocol.UTF8,
		PollInterval:   10 * time.Second,
		SettleDelay:    200 * time.Millisecond,
		ConnectTimeout: 15 * time.Second,
		PublishTimeout: 10 * time.Second,
		MaxReadings:    1000,
	}
}

// Session drives one device connection at a time.
type Session struct {
	transport transport.Transport
	sink      sink.Sink
	opts      Options
	log       *ReadingLog
	notices   chan Notice
	now       func() time.Time

	// gen changes whenever callbacks registered earlier must stop acting.
	gen atomic.Uint64

	// sendMu serializes Send so the cancel, write, relisten sequence of one
	// call never interleaves with another.
	sendMu sync.Mutex

	// Sink messages leave through one queue, in arrival order.
	outbox     chan sink.Message
	pubMu      sync.Mutex
	publishing bool
	pending    sync.WaitGroup

	mu         sync.Mutex
	state      State
	discovered []transport.Device
	seen       map[string]struct{}
	enum       transport.Subscription
	device     transport.Device
	conn       transport.Connection
	channel    transport.Channel
	mode       Mode
	listen     transport.Subscription
	stopPoll   context.CancelFunc
	pollDone   chan struct{}
	relisten   *time.Timer
	relistenID uint64
	abort      context.CancelFunc
	connID     string
	lastErr    error
}

// New creates an idle session. A nil sink discards everything.
func New(t transport.Transport, s sink.Sink, opts Options) *Session {
	def := DefaultOptions()
	if opts.VendorPrefix == "" {
		opts.VendorPrefix = def.VendorPrefix
	}
	if opts.Encoding == "" {
		opts.Encoding = def.Encoding
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = def.SettleDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = def.PublishTimeout
	}
	if s == nil {
		s = sink.Discard{}
	}
	return &Session{
		transport: t,
		sink:      s,
		opts:      opts,
		log:       NewReadingLog(opts.MaxReadings),
		notices:   make(chan Notice, noticeBuffer),
		outbox:    make(chan sink.Message, publishBuffer),
		now:       time.Now,
		seen:      make(map[string]struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the device associated with the session while it is
// connecting, negotiating or active.
func (s *Session) Device() (transport.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Connecting, Negotiating, Active:
		return s.device, true
	}
	return transport.Device{}, false
}

// Channel returns the negotiated channel while active.
func (s *Session) Channel() (transport.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, s.state == Active
}

// Mode returns the inbound data path of the active connection.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ID returns the id of the current or most recent connection.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Err returns the failure that put the session in Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Readings returns the reading log, newest first.
func (s *Session) Readings() []Reading {
	return s.log.Newest()
}

// Notices delivers user-facing messages. Notices are dropped when the
// channel is full.
func (s *Session) Notices() <-chan Notice {
	return s.notices
}

// Discovered returns the de-duplicated devices seen since the list was last
// cleared, in the order they were first seen.
func (s *Session) Discovered() []transport.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Device, len(s.discovered))
	copy(out, s.discovered)
	return out
}

// ClearDiscovered empties the discovered list.
func (s *Session) ClearDiscovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovered = nil
	s.seen = make(map[string]struct{})
}

// current reports whether gen is still the live generation.
func (s *Session) current(gen uint64) bool {
	return s.gen.Load() == gen
}

// StartDiscovery enables the radio and begins enumerating devices.
// Permission and availability errors are returned; errors reported later by
// the enumeration are logged and ignored.
func (s *Session) StartDiscovery(ctx context.Context) error {
	s.mu.Lock()
	if _, err := transition(s.state, EventStartDiscovery); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.transport.Enable(ctx); err != nil {
		s.notify(NoticeError, "Bluetooth is not available", err)
		return fmt.Errorf("session: enable transport: %w", err)
	}

	s.mu.Lock()
	next, err := transition(s.state, EventStartDiscovery)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	gen := s.gen.Inc()
	s.mu.Unlock()

	slog.Info("[SESSION] discovery started", "transport", s.transport.Kind())
	sub, err := s.transport.Enumerate(ctx, func(d transport.Device, err error) {
		s.sighted(gen, d, err)
	})
	if err != nil {
		s.mu.Lock()
		if s.current(gen) && s.state == Discovering {
			s.state, _ = transition(s.state, EventStopDiscovery)
			s.gen.Inc()
		}
		s.mu.Unlock()
		s.notify(NoticeError, "Unable to scan for devices", err)
		return fmt.Errorf("session: start discovery: %w", err)
	}

	s.mu.Lock()
	if !s.current(gen) {
		// Stopped or selected while Enumerate was starting.
		s.mu.Unlock()
		sub.Cancel()
		return nil
	}
	s.enum = sub
	s.mu.Unlock()
	return nil
}

func (s *Session) sighted(gen uint64, d transport.Device, err error) {
	if err != nil {
		slog.Warn("[SESSION] discovery error", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) || s.state != Discovering {
		return
	}
	if _, ok := s.seen[d.ID]; ok {
		return
	}
	s.seen[d.ID] = struct{}{}
	s.discovered = append(s.discovered, d)
	slog.Debug("[SESSION] device found", "id", d.ID, "name", d.DisplayName(), "rssi", d.RSSI)
}

// StopDiscovery ends enumeration and returns to Idle. The discovered list is
// kept.
func (s *Session) StopDiscovery() error {
	s.mu.Lock()
	next, err := transition(s.state, EventStopDiscovery)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.gen.Inc()
	enum := s.enum
	s.enum = nil
	s.mu.Unlock()

	if enum != nil {
		enum.Cancel()
	}
	slog.Info("[SESSION] discovery stopped")
	return nil
}

// Select connects to a discovered device and negotiates its channel. It
// stops discovery first and blocks until the session is Active or Failed.
func (s *Session) Select(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	dev, ok := s.lookup(deviceID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if dev.Name == "" && !s.opts.AllowUnnamed {
		s.mu.Unlock()
		s.notify(NoticeWarn, "Unable to connect to "+dev.DisplayName(), ErrUnnamedDevice)
		return fmt.Errorf("%w: %s", ErrUnnamedDevice, deviceID)
	}
	next, err := transition(s.state, EventSelect)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.device = dev
	s.lastErr = nil
	s.connID = uuid.NewString()
	gen := s.gen.Inc()
	enum := s.enum
	s.enum = nil
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	s.abort = cancel
	s.mu.Unlock()
	defer cancel()

	if enum != nil {
		enum.Cancel()
	}

	slog.Info("[SESSION] connecting", "device", dev.ID, "name", dev.DisplayName())
	conn, err := s.transport.Connect(attemptCtx, dev)
	if err != nil {
		return s.fail(gen, EventConnectFailed, fmt.Errorf("session: connect to %s: %w", dev.ID, err))
	}

	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		_ = conn.Disconnect()
		return ErrAbandoned
	}
	s.state, _ = transition(s.state, EventConnected)
	s.conn = conn
	s.markLocked(dev.ID, true)
	s.mu.Unlock()

	conn.OnConnectionLost(func(err error) {
		s.connectionLost(gen, err)
	})

	ch, err := conn.OpenChannel(attemptCtx, s.opts.VendorPrefix)
	if err != nil {
		return s.fail(gen, EventNegotiationFailed, fmt.Errorf("session: negotiate with %s: %w", dev.ID, err))
	}

	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return ErrAbandoned
	}
	s.state, _ = transition(s.state, EventChannelReady)
	s.channel = ch
	s.abort = nil
	s.startInboundLocked(gen)
	mode := s.mode
	s.mu.Unlock()

	slog.Info("[SESSION] active", "device", dev.ID, "service", ch.Service,
		"characteristic", ch.Characteristic, "mode", mode)
	s.notify(NoticeInfo, "Connected to "+dev.DisplayName(), nil)
	s.publish(sink.DeviceInfo{Device: dev.DisplayName()})
	return nil
}

func (s *Session) lookup(id string) (transport.Device, bool) {
	for _, d := range s.discovered {
		if d.ID == id {
			return d, true
		}
	}
	return transport.Device{}, false
}

// fail moves an in-progress connection attempt to Failed.
func (s *Session) fail(gen uint64, ev Event, cause error) error {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return ErrAbandoned
	}
	next, err := transition(s.state, ev)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.lastErr = cause
	s.gen.Inc()
	dev := s.device
	res := s.releaseLocked()
	s.mu.Unlock()

	res.release()
	slog.Error("[SESSION] connection failed", "device", dev.ID, "error", cause)
	s.notify(NoticeError, "Connection to "+dev.DisplayName()+" unsuccessful", cause)
	return cause
}

func (s *Session) connectionLost(gen uint64, cause error) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	ev := EventConnectionLost
	if s.state == Negotiating {
		ev = EventNegotiationFailed
	}
	next, err := transition(s.state, ev)
	if err != nil {
		s.mu.Unlock()
		return
	}
	if cause == nil {
		cause = transport.ErrConnectionLost
	}
	s.state = next
	s.lastErr = cause
	s.gen.Inc()
	dev := s.device
	res := s.releaseLocked()
	s.mu.Unlock()

	res.release()
	slog.Warn("[SESSION] connection lost", "device", dev.ID, "error", cause)
	s.notify(NoticeError, "Connection to "+dev.DisplayName()+" was lost", cause)
}

// Acknowledge clears a failure and returns to Idle.
func (s *Session) Acknowledge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := transition(s.state, EventAcknowledge)
	if err != nil {
		return err
	}
	s.state = next
	s.device = transport.Device{}
	return nil
}

// Disconnect tears down whatever the session holds and returns to Idle. It
// never fails and may be called in any state.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	switch s.state {
	case Idle, Disconnecting:
		s.mu.Unlock()
		return nil
	case Discovering:
		s.mu.Unlock()
		if err := s.StopDiscovery(); err != nil {
			slog.Debug("[SESSION] stop discovery on disconnect", "error", err)
		}
		return nil
	}

	next, err := transition(s.state, EventDisconnect)
	if err != nil {
		s.mu.Unlock()
		slog.Debug("[SESSION] disconnect ignored", "error", err)
		return nil
	}
	s.state = next
	s.gen.Inc()
	dev := s.device
	res := s.releaseLocked()
	s.mu.Unlock()

	res.release()

	s.mu.Lock()
	if s.state == Disconnecting {
		s.state, _ = transition(s.state, EventReleased)
	}
	s.device = transport.Device{}
	s.mu.Unlock()

	if dev.ID != "" {
		slog.Info("[SESSION] disconnected", "device", dev.ID)
	}
	return nil
}

// held collects what a teardown must release outside the lock.
type held struct {
	relisten *time.Timer
	listen   transport.Subscription
	stopPoll context.CancelFunc
	pollDone chan struct{}
	abort    context.CancelFunc
	conn     transport.Connection
}

// releaseLocked detaches every resource from the session. The caller must
// hold mu and call release after unlocking.
func (s *Session) releaseLocked() held {
	h := held{
		relisten: s.relisten,
		listen:   s.listen,
		stopPoll: s.stopPoll,
		pollDone: s.pollDone,
		abort:    s.abort,
		conn:     s.conn,
	}
	s.relisten = nil
	s.listen = nil
	s.stopPoll = nil
	s.pollDone = nil
	s.relistenID++
	s.abort = nil
	s.conn = nil
	s.channel = transport.Channel{}
	s.mode = ModeNone
	if s.device.ID != "" {
		s.markLocked(s.device.ID, false)
	}
	return h
}

// markLocked updates the connection flag of the session device and of its
// discovered entry.
func (s *Session) markLocked(id string, connected bool) {
	if s.device.ID == id {
		s.device.Connected = connected
	}
	for i := range s.discovered {
		if s.discovered[i].ID == id {
			s.discovered[i].Connected = connected
		}
	}
}

// release stops timers and subscriptions before closing the link. A poll
// in progress finishes before the link is closed.
func (h held) release() {
	if h.relisten != nil {
		h.relisten.Stop()
	}
	if h.listen != nil {
		h.listen.Cancel()
	}
	if h.stopPoll != nil {
		h.stopPoll()
	}
	if h.pollDone != nil {
		<-h.pollDone
	}
	if h.abort != nil {
		h.abort()
	}
	if h.conn != nil {
		if err := h.conn.Disconnect(); err != nil {
			slog.Warn("[SESSION] disconnect", "error", err)
		}
	}
}
