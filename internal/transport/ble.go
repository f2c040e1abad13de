package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BLETransport wraps tinygo-org/bluetooth. On macOS device ids are
// CoreBluetooth UUIDs rather than MAC addresses; both are opaque here.
type BLETransport struct {
	adapter *bluetooth.Adapter

	// mu protects connections and scanning.
	mu          sync.Mutex
	connections map[string]*bleConnection // keyed by device id
	scanning    bool
	enabled     bool
}

// NewBLETransport creates a BLE transport on the default adapter.
func NewBLETransport() *BLETransport {
	return &BLETransport{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*bleConnection),
	}
}

func (t *BLETransport) Kind() Kind { return KindBLE }

func (t *BLETransport) Enable(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", classifyBLEError(err), err)
	}

	// The adapter-level handler fires with connected=false when a
	// peripheral drops, on every platform tinygo supports.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		t.mu.Lock()
		conn, ok := t.connections[id]
		delete(t.connections, id)
		t.mu.Unlock()
		if ok {
			conn.lost()
		}
	})
	t.enabled = true
	return nil
}

func (t *BLETransport) Enumerate(ctx context.Context, found func(Device, error)) (Subscription, error) {
	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return nil, fmt.Errorf("ble: scan already running")
	}
	t.scanning = true
	t.mu.Unlock()

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if scanCtx.Err() != nil {
				return
			}
			found(Device{
				ID:   result.Address.String(),
				Name: result.LocalName(),
				RSSI: int(result.RSSI),
			}, nil)
		})
		if err != nil && scanCtx.Err() == nil {
			found(Device{}, fmt.Errorf("ble: scan: %w", err))
		}
	}()

	go func() {
		select {
		case <-scanCtx.Done():
			if err := t.adapter.StopScan(); err != nil {
				slog.Debug("[BLE] stop scan", "error", err)
			}
		case <-done:
		}
		<-done
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
	}()

	return SubscriptionFunc(cancel), nil
}

func (t *BLETransport) Connect(ctx context.Context, dev Device) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(dev.ID)

	// tinygo/bluetooth's Connect blocks with its own timeout; ctx only lets
	// us stop waiting for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Release a link that completes after we gave up.
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, dev.ID, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConnect, dev.ID, result.err)
		}
		dev.Connected = true
		conn := &bleConnection{
			transport: t,
			device:    result.device,
			info:      dev,
			chars:     make(map[string]bluetooth.DeviceCharacteristic),
		}
		t.mu.Lock()
		t.connections[result.device.Address.String()] = conn
		t.mu.Unlock()
		return conn, nil
	}
}

var _ Transport = (*BLETransport)(nil)

func classifyBLEError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") || strings.Contains(msg, "access denied") {
		return ErrPermissionDenied
	}
	return ErrTransportUnavailable
}

type bleConnection struct {
	transport *BLETransport
	device    bluetooth.Device
	info      Device

	mu     sync.Mutex
	chars  map[string]bluetooth.DeviceCharacteristic // keyed by lower-case uuid
	svcs   map[string]bluetooth.DeviceService
	lostCb func(error)
	closed bool
}

func (c *bleConnection) Device() Device { return c.info }

func (c *bleConnection) Capabilities() Capabilities {
	return Capabilities{Notify: true}
}

func (c *bleConnection) OpenChannel(_ context.Context, prefix string) (Channel, error) {
	return SelectChannel(c, prefix)
}

// Services lists every primary service in discovery order.
func (c *bleConnection) Services() ([]string, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	ids := make([]string, 0, len(svcs))
	c.mu.Lock()
	c.svcs = make(map[string]bluetooth.DeviceService, len(svcs))
	for _, s := range svcs {
		id := strings.ToLower(s.UUID().String())
		c.svcs[id] = s
		ids = append(ids, id)
	}
	c.mu.Unlock()
	return ids, nil
}

// Characteristics lists the characteristics of a service returned by Services.
func (c *bleConnection) Characteristics(service string) ([]string, error) {
	c.mu.Lock()
	svc, ok := c.svcs[strings.ToLower(service)]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: service %s not discovered", service)
	}
	chars, err := svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	ids := make([]string, 0, len(chars))
	c.mu.Lock()
	for _, ch := range chars {
		id := strings.ToLower(ch.UUID().String())
		c.chars[id] = ch
		ids = append(ids, id)
	}
	c.mu.Unlock()
	return ids, nil
}

func (c *bleConnection) characteristic(ch Channel) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chr, ok := c.chars[strings.ToLower(ch.Characteristic)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not negotiated", ch.Characteristic)
	}
	return chr, nil
}

func (c *bleConnection) Listen(ch Channel, onData func([]byte)) (Subscription, error) {
	chr, err := c.characteristic(ch)
	if err != nil {
		return nil, err
	}
	if err := chr.EnableNotifications(func(buf []byte) {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		onData(cp)
	}); err != nil {
		return nil, fmt.Errorf("ble: enable notifications: %w", err)
	}

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			// A nil callback stops notifications.
			if err := chr.EnableNotifications(nil); err != nil {
				slog.Debug("[BLE] disable notifications", "error", err)
			}
		})
	}), nil
}

func (c *bleConnection) Write(ch Channel, payload []byte) error {
	chr, err := c.characteristic(ch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if _, err := chr.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (c *bleConnection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	t := c.transport
	t.mu.Lock()
	delete(t.connections, c.device.Address.String())
	t.mu.Unlock()

	if err := c.device.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect", "id", c.info.ID, "error", err)
	}
	return nil
}

func (c *bleConnection) OnConnectionLost(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostCb = cb
}

func (c *bleConnection) lost() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.lostCb
	c.mu.Unlock()
	if cb != nil {
		cb(fmt.Errorf("%w: %s", ErrConnectionLost, c.info.ID))
	}
}
