package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrInProgress is returned when an operation requires that no request
	// is outstanding.
	ErrInProgress = errors.New("exchange: request in progress")

	// ErrClosed is returned when using a closed exchange.
	ErrClosed = errors.New("exchange: exchange is closed")

	// ErrNoStack is returned when sending through an exchange without a Stack.
	ErrNoStack = errors.New("exchange: no stack")

	// ErrNotObserving is returned by Unobserve when no observation is active.
	ErrNotObserving = errors.New("exchange: not observing")

	// ErrInvalidTarget is returned for target URIs without a host.
	ErrInvalidTarget = errors.New("exchange: invalid target")

	// ErrLookupFailed is returned by Get and Observe after the target host
	// name failed to resolve. Set the target again to retry.
	ErrLookupFailed = errors.New("exchange: target lookup failed")

	// ErrUnsupportedScheme is returned for target URIs other than coap://.
	ErrUnsupportedScheme = errors.New("exchange: unsupported scheme")
)
