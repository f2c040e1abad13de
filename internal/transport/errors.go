package transport

import "errors"

var (
	// ErrPermissionDenied means the platform refused access to the radio.
	ErrPermissionDenied = errors.New("transport: permission denied")
	// ErrTransportUnavailable means the radio is missing or powered off.
	ErrTransportUnavailable = errors.New("transport: bluetooth unavailable")
	// ErrConnect means a connection attempt timed out or was rejected.
	ErrConnect = errors.New("transport: connect failed")
	// ErrNoMatchingChannel means no vendor-prefixed service/characteristic exists.
	ErrNoMatchingChannel = errors.New("transport: no matching channel")
	// ErrWrite means a payload could not be written.
	ErrWrite = errors.New("transport: write failed")
	// ErrConnectionLost means the link dropped while in use.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrNotSupported means the backend lacks the requested capability.
	ErrNotSupported = errors.New("transport: not supported")
)
