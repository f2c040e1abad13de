//go:build linux

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

// socketConn wraps one end of a unix socket pair in an rfcommConnection.
// The other end plays the peripheral.
func socketConn(t *testing.T, notify bool) (*rfcommConnection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	opts := DefaultClassicOptions()
	opts.Notify = notify
	c := &rfcommConnection{
		fd:   fds[0],
		info: Device{ID: "AA:BB:CC:DD:EE:FF", Name: "c00fa-serial", Connected: true},
		opts: opts,
		stop: make(chan struct{}),
	}
	t.Cleanup(func() { c.Disconnect() })
	return c, fds[1]
}

func TestRFCOMMPollReads(t *testing.T) {
	c, peer := socketConn(t, false)

	if caps := c.Capabilities(); caps.Notify || !caps.Poll {
		t.Errorf("Capabilities() = %+v, want poll only", caps)
	}

	if _, err := unix.Write(peer, []byte("hello")); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	n, err := c.AvailableBytes()
	if err != nil {
		t.Fatalf("AvailableBytes() error = %v", err)
	}
	if n != 5 {
		t.Errorf("AvailableBytes() = %d, want 5", n)
	}

	chunk, err := c.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk() error = %v", err)
	}
	if string(chunk) != "hello" {
		t.Errorf("ReadChunk() = %q, want %q", chunk, "hello")
	}

	if n, _ := c.AvailableBytes(); n != 0 {
		t.Errorf("AvailableBytes() after drain = %d, want 0", n)
	}
}

func TestRFCOMMListenRequiresNotify(t *testing.T) {
	c, _ := socketConn(t, false)
	if _, err := c.Listen(Channel{}, func([]byte) {}); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Listen() error = %v, want ErrNotSupported", err)
	}
}

func TestRFCOMMOpenChannel(t *testing.T) {
	c, _ := socketConn(t, false)
	ch, err := c.OpenChannel(context.Background(), DefaultVendorPrefix)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	if ch.Service != SPPUUID || ch.Characteristic != "" {
		t.Errorf("OpenChannel() = %+v, want serial port service", ch)
	}
}

func TestRFCOMMWrite(t *testing.T) {
	c, peer := socketConn(t, false)
	if err := c.Write(Channel{}, []byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 16)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("peer got %q, want %q", buf[:n], "ping")
	}
}

func TestRFCOMMListenDeliversAndDetectsHangup(t *testing.T) {
	c, peer := socketConn(t, true)

	data := make(chan []byte, 4)
	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })

	sub, err := c.Listen(Channel{}, func(b []byte) { data <- b })
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer sub.Cancel()

	if _, err := unix.Write(peer, []byte("21.5")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	select {
	case b := <-data:
		if string(b) != "21.5" {
			t.Errorf("got %q, want %q", b, "21.5")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no data delivered")
	}

	unix.Close(peer)
	select {
	case err := <-lost:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("lost error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hangup not detected")
	}
}

func TestRFCOMMDisconnectIdempotent(t *testing.T) {
	c, _ := socketConn(t, false)
	called := false
	c.OnConnectionLost(func(error) { called = true })

	for i := 0; i < 2; i++ {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect() #%d error = %v", i+1, err)
		}
	}
	if called {
		t.Error("local disconnect reported as connection loss")
	}
	if _, err := c.OpenChannel(context.Background(), ""); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("OpenChannel() after disconnect error = %v, want ErrConnectionLost", err)
	}
}

func TestClassicConnectInvalidAddress(t *testing.T) {
	tr := NewClassicTransport(ClassicOptions{})
	_, err := tr.Connect(context.Background(), Device{ID: "not-a-mac"})
	if !errors.Is(err, ErrConnect) {
		t.Errorf("Connect() error = %v, want ErrConnect", err)
	}
}

func TestDeviceFromProps(t *testing.T) {
	dev, ok := deviceFromProps(map[string]dbus.Variant{
		"Address":   dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Name":      dbus.MakeVariant("c00fa-serial"),
		"RSSI":      dbus.MakeVariant(int16(-61)),
		"Connected": dbus.MakeVariant(true),
	})
	if !ok {
		t.Fatal("deviceFromProps() rejected a complete device")
	}
	want := Device{ID: "AA:BB:CC:DD:EE:FF", Name: "c00fa-serial", RSSI: -61, Connected: true}
	if dev != want {
		t.Errorf("deviceFromProps() = %+v, want %+v", dev, want)
	}

	if _, ok := deviceFromProps(map[string]dbus.Variant{"Name": dbus.MakeVariant("x")}); ok {
		t.Error("deviceFromProps() accepted a device without address")
	}
}

func TestClassifyDBusError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not authorized", dbus.Error{Name: "org.bluez.Error.NotAuthorized"}, ErrPermissionDenied},
		{"access denied", &dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}, ErrPermissionDenied},
		{"not ready", dbus.Error{Name: "org.bluez.Error.NotReady"}, ErrTransportUnavailable},
		{"no bluez", &dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}, ErrTransportUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyDBusError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classifyDBusError() = %v, want %v", got, tt.want)
			}
		})
	}

	other := errors.New("boom")
	if got := classifyDBusError(other); got != other {
		t.Errorf("classifyDBusError(plain) = %v, want unchanged", got)
	}
}

func TestClassifySocketError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{unix.EAFNOSUPPORT, ErrTransportUnavailable},
		{unix.EACCES, ErrPermissionDenied},
		{unix.EHOSTDOWN, ErrConnect},
	}
	for _, tt := range tests {
		if got := classifySocketError(tt.err); got != tt.want {
			t.Errorf("classifySocketError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRFCOMMRelistenHandsOverSocket(t *testing.T) {
	c, peer := socketConn(t, true)

	data := make(chan string, 4)
	onData := func(b []byte) { data <- string(b) }

	first, err := c.Listen(Channel{}, onData)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	c.mu.Lock()
	old := c.listener
	c.mu.Unlock()

	// The reply lands while the first reader is being replaced.
	if _, err := unix.Write(peer, []byte("ack")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	first.Cancel()
	second, err := c.Listen(Channel{}, onData)
	if err != nil {
		t.Fatalf("second Listen() error = %v", err)
	}
	defer second.Cancel()

	select {
	case <-old.done:
	default:
		t.Error("second Listen() returned while the first reader was still running")
	}

	select {
	case got := <-data:
		if got != "ack" {
			t.Errorf("got %q, want %q", got, "ack")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply lost during relisten")
	}
	select {
	case got := <-data:
		t.Errorf("reply delivered twice, extra %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}
