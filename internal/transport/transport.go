// Package transport defines the Bluetooth capability consumed by a device
// session: discovery, connection, channel negotiation, listening, writing and
// (for Classic links) byte polling. Backends exist for BLE (tinygo bluetooth)
// and for Bluetooth Classic RFCOMM over BlueZ.
package transport

import "context"

// Kind names a transport backend.
type Kind string

const (
	KindBLE     Kind = "ble"
	KindClassic Kind = "classic"
)

// DefaultVendorPrefix identifies the application service and characteristic
// among everything a peripheral advertises.
const DefaultVendorPrefix = "c00fa"

// SPPUUID is the Serial Port Profile service used as the Classic channel.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

// Device is a discovered peripheral.
type Device struct {
	ID        string
	Name      string
	RSSI      int
	Connected bool
}

// DisplayName returns the advertised name, or "Unnamed" when there is none.
func (d Device) DisplayName() string {
	if d.Name == "" {
		return "Unnamed"
	}
	return d.Name
}

// Channel is the negotiated data path of one connection. Classic links use
// the serial port service with an empty characteristic.
type Channel struct {
	Service        string
	Characteristic string
}

// IsZero reports whether no channel has been negotiated.
func (c Channel) IsZero() bool {
	return c.Service == "" && c.Characteristic == ""
}

// Capabilities describes which inbound data paths a connection offers.
type Capabilities struct {
	Notify bool // Listen delivers pushed payloads
	Poll   bool // the connection implements Poller
}

// Subscription is a cancellable registration. Cancel is safe to call more
// than once.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() {
	if f != nil {
		f()
	}
}

// Transport abstracts the Bluetooth radio.
type Transport interface {
	// Kind reports which backend this is.
	Kind() Kind
	// Enable checks that the radio is usable. It returns ErrTransportUnavailable
	// when the radio is off and ErrPermissionDenied when access is refused.
	Enable(ctx context.Context) error
	// Enumerate starts a discovery that reports sightings until the returned
	// subscription is cancelled or ctx is done. Sightings may repeat a device.
	// Errors after start are delivered through found with a zero Device.
	Enumerate(ctx context.Context, found func(Device, error)) (Subscription, error)
	// Connect opens a link to dev. Failures wrap ErrConnect.
	Connect(ctx context.Context, dev Device) (Connection, error)
}

// Connection is an open link to one peripheral.
type Connection interface {
	Device() Device
	Capabilities() Capabilities
	// OpenChannel negotiates the data channel whose identifiers start with
	// prefix. It returns ErrNoMatchingChannel when there is none.
	OpenChannel(ctx context.Context, prefix string) (Channel, error)
	// Listen delivers inbound payloads on ch until the subscription is
	// cancelled.
	Listen(ch Channel, onData func([]byte)) (Subscription, error)
	// Write sends one payload. Failures wrap ErrWrite.
	Write(ch Channel, payload []byte) error
	// Disconnect closes the link. It is idempotent.
	Disconnect() error
	// OnConnectionLost registers a callback invoked when the link drops
	// without a local Disconnect.
	OnConnectionLost(cb func(error))
}

// Poller is implemented by connections that expose a byte stream to be
// drained on a timer instead of pushed notifications.
type Poller interface {
	AvailableBytes() (int, error)
	ReadChunk() ([]byte, error)
}

// PowerController is implemented by transports that can switch the radio.
type PowerController interface {
	Powered(ctx context.Context) (bool, error)
	SetPowered(ctx context.Context, on bool) error
}
