//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

// ClassicOptions configures the RFCOMM backend.
type ClassicOptions struct {
	Adapter       string // BlueZ adapter name, e.g. hci0
	RFCOMMChannel uint8  // serial port channel on the peer
	Notify        bool   // deliver data with a reader instead of polling
	ChunkSize     int    // max bytes returned by one ReadChunk
}

// DefaultClassicOptions returns sensible defaults.
func DefaultClassicOptions() ClassicOptions {
	return ClassicOptions{
		Adapter:       "hci0",
		RFCOMMChannel: 1,
		ChunkSize:     1024,
	}
}

// ClassicTransport connects to serial-port peripherals over RFCOMM sockets.
// Discovery, power and link supervision go through BlueZ on the system bus.
type ClassicTransport struct {
	opts ClassicOptions

	mu sync.Mutex
	bz *bluez
}

// NewClassicTransport creates a Classic transport.
func NewClassicTransport(opts ClassicOptions) *ClassicTransport {
	def := DefaultClassicOptions()
	if opts.Adapter == "" {
		opts.Adapter = def.Adapter
	}
	if opts.RFCOMMChannel == 0 {
		opts.RFCOMMChannel = def.RFCOMMChannel
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	return &ClassicTransport{opts: opts}
}

func (t *ClassicTransport) Kind() Kind { return KindClassic }

func (t *ClassicTransport) daemon() (*bluez, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bz != nil {
		return t.bz, nil
	}
	bz, err := newBluez(t.opts.Adapter)
	if err != nil {
		return nil, err
	}
	t.bz = bz
	return bz, nil
}

func (t *ClassicTransport) Enable(ctx context.Context) error {
	on, err := t.Powered(ctx)
	if err != nil {
		return err
	}
	if !on {
		return fmt.Errorf("%w: adapter %s is powered off", ErrTransportUnavailable, t.opts.Adapter)
	}
	return nil
}

func (t *ClassicTransport) Powered(ctx context.Context) (bool, error) {
	bz, err := t.daemon()
	if err != nil {
		return false, err
	}
	return bz.powered(ctx)
}

func (t *ClassicTransport) SetPowered(ctx context.Context, on bool) error {
	bz, err := t.daemon()
	if err != nil {
		return err
	}
	return bz.setPowered(ctx, on)
}

// Enumerate reports the devices BlueZ already knows, then live discovery
// results until cancelled.
func (t *ClassicTransport) Enumerate(ctx context.Context, found func(Device, error)) (Subscription, error) {
	bz, err := t.daemon()
	if err != nil {
		return nil, err
	}

	rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='InterfacesAdded'", bluezBus, dbusObjectManager)
	if err := bz.addMatch(rule); err != nil {
		return nil, classifyDBusError(err)
	}
	sigCh := make(chan *dbus.Signal, 64)
	bz.bus.Signal(sigCh)

	filter := map[string]interface{}{"Transport": "bredr"}
	if err := bz.adapter().CallWithContext(ctx, bluezAdapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		slog.Debug("[RFCOMM] set discovery filter", "error", err)
	}
	if err := bz.adapter().CallWithContext(ctx, bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		bz.bus.RemoveSignal(sigCh)
		bz.removeMatch(rule)
		return nil, classifyDBusError(err)
	}

	scanCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer func() {
			bz.bus.RemoveSignal(sigCh)
			bz.removeMatch(rule)
			if err := bz.adapter().Call(bluezAdapterIface+".StopDiscovery", 0).Err; err != nil {
				slog.Debug("[RFCOMM] stop discovery", "error", err)
			}
		}()

		known, err := bz.knownDevices(scanCtx)
		if err != nil {
			found(Device{}, err)
		}
		for _, dev := range known {
			if scanCtx.Err() != nil {
				return
			}
			found(dev, nil)
		}

		for {
			select {
			case <-scanCtx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Name != interfacesAddedSig || len(sig.Body) < 2 {
					continue
				}
				ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
				if !ok {
					continue
				}
				props, ok := ifaces[bluezDeviceIface]
				if !ok {
					continue
				}
				if dev, ok := deviceFromProps(props); ok {
					found(dev, nil)
				}
			}
		}
	}()

	return SubscriptionFunc(cancel), nil
}

func (t *ClassicTransport) Connect(ctx context.Context, dev Device) (Connection, error) {
	hw, err := net.ParseMAC(dev.ID)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("%w: %s: invalid address", ErrConnect, dev.ID)
	}
	// bdaddr is little-endian on the wire.
	sa := &unix.SockaddrRFCOMM{Channel: t.opts.RFCOMMChannel}
	for i := 0; i < 6; i++ {
		sa.Addr[i] = hw[5-i]
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("%w: rfcomm socket: %v", classifySocketError(err), err)
	}

	done := make(chan error, 1)
	go func() { done <- unix.Connect(fd, sa) }()

	select {
	case <-ctx.Done():
		// Shutdown unblocks the pending connect.
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		<-done
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, dev.ID, ctx.Err())
	case err := <-done:
		if err != nil {
			_ = unix.Close(fd)
			if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
				return nil, fmt.Errorf("%w: %s: %v", ErrPermissionDenied, dev.ID, err)
			}
			return nil, fmt.Errorf("%w: %s channel %d: %v", ErrConnect, dev.ID, t.opts.RFCOMMChannel, err)
		}
	}

	dev.Connected = true
	conn := &rfcommConnection{fd: fd, info: dev, opts: t.opts, stop: make(chan struct{})}
	if bz, err := t.daemon(); err == nil {
		conn.watchLink(bz)
	} else {
		slog.Warn("[RFCOMM] link supervision unavailable", "error", err)
	}
	slog.Info("[RFCOMM] connected", "id", dev.ID, "channel", t.opts.RFCOMMChannel)
	return conn, nil
}

var (
	_ Transport       = (*ClassicTransport)(nil)
	_ PowerController = (*ClassicTransport)(nil)
)

func classifySocketError(err error) error {
	switch {
	case errors.Is(err, unix.EAFNOSUPPORT), errors.Is(err, unix.EPROTONOSUPPORT):
		return ErrTransportUnavailable
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return ErrPermissionDenied
	}
	return ErrConnect
}

// rfcommConnection is a raw serial stream. In notify mode a reader goroutine
// feeds Listen; otherwise the caller drains it through Poller.
type rfcommConnection struct {
	fd   int
	info Device
	opts ClassicOptions

	mu       sync.Mutex
	closed   bool
	lostCb   func(error)
	stop     chan struct{}
	unwatch  func()
	listener *rfcommListener
}

func (c *rfcommConnection) Device() Device { return c.info }

func (c *rfcommConnection) Capabilities() Capabilities {
	return Capabilities{Notify: c.opts.Notify, Poll: true}
}

// OpenChannel confirms the raw link; there is nothing to negotiate.
func (c *rfcommConnection) OpenChannel(_ context.Context, _ string) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Channel{}, fmt.Errorf("%w: %s", ErrConnectionLost, c.info.ID)
	}
	return Channel{Service: SPPUUID}, nil
}

func (c *rfcommConnection) Listen(_ Channel, onData func([]byte)) (Subscription, error) {
	if !c.opts.Notify {
		return nil, fmt.Errorf("rfcomm: listen: %w", ErrNotSupported)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionLost, c.info.ID)
	}
	prev := c.listener
	l := &rfcommListener{stop: make(chan struct{}), done: make(chan struct{})}
	c.listener = l
	c.mu.Unlock()

	// Only one reader owns the socket at a time.
	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	go c.readLoop(l, onData)
	return SubscriptionFunc(l.cancel), nil
}

type rfcommListener struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (l *rfcommListener) cancel() {
	l.once.Do(func() { close(l.stop) })
}

// readLoop polls the socket with a short timeout so cancellation never waits
// on a blocked read. done is closed when the loop has exited.
func (c *rfcommConnection) readLoop(l *rfcommListener, onData func([]byte)) {
	defer close(l.done)
	buf := make([]byte, c.opts.ChunkSize)
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-l.stop:
			return
		case <-c.stop:
			return
		default:
		}

		n, err := unix.Poll(fds, 200)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			c.lost(err)
			return
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			c.lost(errors.New("rfcomm: hangup"))
			return
		}

		r, err := unix.Read(c.fd, buf)
		if err != nil || r == 0 {
			if err == nil {
				err = errors.New("rfcomm: closed by peer")
			}
			c.lost(err)
			return
		}
		// Bytes already taken off the socket are delivered even if the
		// listener was cancelled meanwhile.
		cp := make([]byte, r)
		copy(cp, buf[:r])
		onData(cp)
	}
}

// AvailableBytes reports how many bytes are queued on the socket.
func (c *rfcommConnection) AvailableBytes() (int, error) {
	n, err := unix.IoctlGetInt(c.fd, unix.SIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("rfcomm: available: %w", err)
	}
	return n, nil
}

// ReadChunk reads at most ChunkSize queued bytes.
func (c *rfcommConnection) ReadChunk() ([]byte, error) {
	buf := make([]byte, c.opts.ChunkSize)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: read: %w", err)
	}
	return buf[:n], nil
}

func (c *rfcommConnection) Write(_ Channel, payload []byte) error {
	for len(payload) > 0 {
		n, err := unix.Write(c.fd, payload)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		payload = payload[n:]
	}
	return nil
}

func (c *rfcommConnection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unwatch := c.unwatch
	c.mu.Unlock()

	c.shutdown(unwatch)
	return nil
}

func (c *rfcommConnection) shutdown(unwatch func()) {
	close(c.stop)
	if unwatch != nil {
		unwatch()
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	if err := unix.Close(c.fd); err != nil {
		slog.Debug("[RFCOMM] close", "id", c.info.ID, "error", err)
	}
}

func (c *rfcommConnection) OnConnectionLost(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostCb = cb
}

func (c *rfcommConnection) lost(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.lostCb
	unwatch := c.unwatch
	c.mu.Unlock()

	slog.Warn("[RFCOMM] link lost", "id", c.info.ID, "error", cause)
	c.shutdown(unwatch)
	if cb != nil {
		cb(fmt.Errorf("%w: %s: %v", ErrConnectionLost, c.info.ID, cause))
	}
}

// watchLink follows the device's Connected property so that link loss is
// noticed in poll mode too.
func (c *rfcommConnection) watchLink(bz *bluez) {
	path := bz.devicePath(c.info.ID)
	rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'", bluezBus, dbusProperties, path)
	if err := bz.addMatch(rule); err != nil {
		slog.Warn("[RFCOMM] watch link", "id", c.info.ID, "error", err)
		return
	}
	sigCh := make(chan *dbus.Signal, 16)
	bz.bus.Signal(sigCh)

	var once sync.Once
	c.unwatch = func() {
		once.Do(func() {
			bz.bus.RemoveSignal(sigCh)
			bz.removeMatch(rule)
		})
	}

	go func() {
		for {
			select {
			case <-c.stop:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != path || sig.Name != propertiesChanged || len(sig.Body) < 2 {
					continue
				}
				if iface, _ := sig.Body[0].(string); iface != bluezDeviceIface {
					continue
				}
				changed, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				if v, ok := changed["Connected"]; ok {
					if connected, _ := v.Value().(bool); !connected {
						go c.lost(errors.New("rfcomm: device disconnected"))
						return
					}
				}
			}
		}
	}()
}
