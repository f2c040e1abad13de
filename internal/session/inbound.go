package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blerelay/internal/sink"
	"github.com/chaz8081/blerelay/internal/transport"
)

// startInboundLocked picks listen or poll mode from the connection's
// capabilities. Only one of them ever runs. The caller holds mu.
func (s *Session) startInboundLocked(gen uint64) {
	src := s.sourceLocked(gen)
	caps := s.conn.Capabilities()
	switch {
	case caps.Notify:
		s.mode = ModeListen
		s.listenLocked(src)
	case caps.Poll:
		p, ok := s.conn.(transport.Poller)
		if !ok {
			slog.Warn("[SESSION] connection advertises polling but cannot poll")
			s.mode = ModeNone
			return
		}
		s.mode = ModePoll
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.stopPoll = cancel
		s.pollDone = done
		go func() {
			defer close(done)
			s.pollLoop(ctx, src, p)
		}()
	default:
		slog.Warn("[SESSION] connection has no inbound path, send only")
		s.mode = ModeNone
	}
}

// source identifies where inbound payloads come from. Callbacks capture it
// so the data path never needs the session lock.
type source struct {
	gen    uint64
	device transport.Device
	connID string
}

func (s *Session) sourceLocked(gen uint64) source {
	return source{gen: gen, device: s.device, connID: s.connID}
}

func (s *Session) listenLocked(src source) {
	sub, err := s.conn.Listen(s.channel, func(data []byte) {
		s.deliver(src, data)
	})
	if err != nil {
		slog.Error("[SESSION] listen", "error", err)
		return
	}
	s.listen = sub
}

// pollLoop drains the connection every poll interval until ctx is done.
func (s *Session) pollLoop(ctx context.Context, src source, p transport.Poller) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx, src, p)
		}
	}
}

// drain reads chunks while bytes are available and stops at the first zero
// count or error.
func (s *Session) drain(ctx context.Context, src source, p transport.Poller) {
	for ctx.Err() == nil && s.current(src.gen) {
		n, err := p.AvailableBytes()
		if err != nil {
			slog.Warn("[SESSION] poll available bytes", "error", err)
			return
		}
		if n <= 0 {
			return
		}
		chunk, err := p.ReadChunk()
		if err != nil {
			slog.Warn("[SESSION] poll read", "error", err)
			return
		}
		s.deliver(src, chunk)
	}
}

// deliver records one inbound payload and forwards it to the sink.
func (s *Session) deliver(src source, data []byte) {
	if !s.current(src.gen) || len(data) == 0 {
		return
	}
	raw := make([]byte, len(data))
	copy(raw, data)

	text, err := s.opts.Encoding.Decode(raw)
	if err != nil {
		slog.Warn("[SESSION] decode payload", "encoding", s.opts.Encoding, "error", err)
	}

	dev := src.device
	r := Reading{DeviceID: dev.ID, Text: text, Bytes: raw, Timestamp: s.now()}
	s.log.Append(r)
	slog.Debug("[SESSION] reading", "device", dev.ID, "bytes", len(raw))

	rd := sink.ReadingData{Text: text, Encoding: string(s.opts.Encoding), Timestamp: r.Timestamp.UTC()}
	if s.opts.Encoding.Binary() {
		rd.Bytes = raw
	}
	s.publish(sink.ReadingMessage{Device: dev.DisplayName(), Session: src.connID, Data: rd})
}

// Send writes payload to the active channel. In listen mode the subscription
// is cancelled before the write and restarted after the settle delay. Write
// errors are returned but leave the session active.
func (s *Session) Send(payload string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	data, err := s.opts.Encoding.Encode(payload)
	if err != nil {
		return fmt.Errorf("session: encode payload: %w", err)
	}

	s.mu.Lock()
	if s.state != Active {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: send in state %s", ErrInvalidTransition, st)
	}
	gen := s.gen.Load()
	conn, ch := s.conn, s.channel
	listening := s.mode == ModeListen
	// A relisten scheduled by an earlier Send must not start during this
	// write, even if its timer has already fired.
	s.relistenID++
	token := s.relistenID
	if listening {
		if s.relisten != nil {
			s.relisten.Stop()
			s.relisten = nil
		}
		if s.listen != nil {
			s.listen.Cancel()
			s.listen = nil
		}
	}
	s.mu.Unlock()

	werr := conn.Write(ch, data)

	if listening {
		s.mu.Lock()
		if s.current(gen) && s.state == Active && s.relistenID == token {
			s.relisten = time.AfterFunc(s.opts.SettleDelay, func() {
				s.resumeListen(gen, token)
			})
		}
		s.mu.Unlock()
	}

	if werr != nil {
		slog.Error("[SESSION] write failed", "error", werr)
		if !errors.Is(werr, transport.ErrWrite) {
			werr = fmt.Errorf("%w: %v", transport.ErrWrite, werr)
		}
		return fmt.Errorf("session: send: %w", werr)
	}
	slog.Debug("[SESSION] sent", "bytes", len(data))
	return nil
}

func (s *Session) resumeListen(gen, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) || s.relistenID != token || s.state != Active || s.mode != ModeListen {
		return
	}
	s.relisten = nil
	if s.listen == nil {
		s.listenLocked(s.sourceLocked(gen))
	}
}

// publishBuffer bounds the sink queue. Messages beyond it are dropped from
// the sink path; the reading log keeps them.
const publishBuffer = 256

// publish queues msg for the sink. Messages reach the sink one at a time in
// the order they were queued. Failures are logged and never retried.
func (s *Session) publish(msg sink.Message) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.pending.Add(1)
	select {
	case s.outbox <- msg:
	default:
		s.pending.Done()
		slog.Warn("[SINK] queue full, message dropped", "kind", msg.Kind())
		return
	}
	if !s.publishing {
		s.publishing = true
		go s.drainOutbox()
	}
}

// drainOutbox publishes queued messages and exits once the queue is empty.
func (s *Session) drainOutbox() {
	for {
		s.pubMu.Lock()
		var msg sink.Message
		select {
		case msg = <-s.outbox:
		default:
			s.publishing = false
			s.pubMu.Unlock()
			return
		}
		s.pubMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
		if err := s.sink.Publish(ctx, msg); err != nil {
			slog.Warn("[SINK] publish failed", "kind", msg.Kind(), "error", err)
		}
		cancel()
		s.pending.Done()
	}
}

// Wait blocks until queued sink messages have been published.
func (s *Session) Wait() {
	s.pending.Wait()
}
