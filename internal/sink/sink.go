// Package sink forwards readings, device info and location reports to remote
// collectors. Publishing is fire-and-forget for callers: errors are returned
// for logging, never retried.
package sink

import (
	"context"
	"errors"
	"time"
)

// ErrPublish wraps every collector failure.
var ErrPublish = errors.New("sink: publish failed")

// Message is something a collector accepts.
type Message interface {
	// Kind names the message for collectors that multiplex types.
	Kind() string
}

// DeviceInfo announces the connected device.
type DeviceInfo struct {
	Device string `json:"device"`
}

func (DeviceInfo) Kind() string { return "device" }

// ReadingData is the wire form of one inbound payload.
type ReadingData struct {
	Text      string    `json:"text"`
	Bytes     []byte    `json:"bytes,omitempty"`
	Encoding  string    `json:"encoding"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadingMessage forwards one reading.
type ReadingMessage struct {
	Device  string      `json:"device"`
	Session string      `json:"session,omitempty"`
	Data    ReadingData `json:"data"`
}

func (ReadingMessage) Kind() string { return "reading" }

// Location is a periodic position report.
type Location struct {
	Action string  `json:"action"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Email  string  `json:"email"`
}

func (Location) Kind() string { return "location" }

// Sink publishes messages to one collector.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Message) error { return nil }

// Multi fans a message out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
