//go:build !linux

package transport

import (
	"context"
	"fmt"
)

// ClassicOptions configures the RFCOMM backend.
type ClassicOptions struct {
	Adapter       string
	RFCOMMChannel uint8
	Notify        bool
	ChunkSize     int
}

// DefaultClassicOptions returns sensible defaults.
func DefaultClassicOptions() ClassicOptions {
	return ClassicOptions{Adapter: "hci0", RFCOMMChannel: 1, ChunkSize: 1024}
}

// ClassicTransport is only implemented on Linux (BlueZ + RFCOMM sockets).
type ClassicTransport struct{}

// NewClassicTransport creates a Classic transport that reports itself unavailable.
func NewClassicTransport(ClassicOptions) *ClassicTransport { return &ClassicTransport{} }

func (t *ClassicTransport) Kind() Kind { return KindClassic }

func (t *ClassicTransport) Enable(context.Context) error {
	return fmt.Errorf("%w: bluetooth classic requires linux", ErrTransportUnavailable)
}

func (t *ClassicTransport) Enumerate(context.Context, func(Device, error)) (Subscription, error) {
	return nil, t.Enable(context.Background())
}

func (t *ClassicTransport) Connect(context.Context, Device) (Connection, error) {
	return nil, t.Enable(context.Background())
}

func (t *ClassicTransport) Powered(context.Context) (bool, error) {
	return false, t.Enable(context.Background())
}

func (t *ClassicTransport) SetPowered(context.Context, bool) error {
	return t.Enable(context.Background())
}

var (
	_ Transport       = (*ClassicTransport)(nil)
	_ PowerController = (*ClassicTransport)(nil)
)
