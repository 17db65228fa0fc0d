package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when a message has no valid destination.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrNoHandler is returned when no message handler is configured.
	ErrNoHandler = errors.New("transport: no message handler configured")

	// ErrAlreadyStarted is returned when Start is called on an already running transport.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrNotBound is returned by Send while the transport is not listening.
	ErrNotBound = errors.New("transport: not bound")

	// ErrMessageTooLarge is returned when an encoded message exceeds the maximum datagram size.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrNoFreePort is returned when no port in the scan range could be bound.
	ErrNoFreePort = errors.New("transport: no free port")
)
