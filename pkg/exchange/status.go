// Package exchange implements the CoAP client exchange state machine.
//
// An Exchange is one logical client conversation with a resource: it holds
// the target URI, resolves host names, sends GET or Observe requests through
// a stack.Stack and tracks the outcome:
//
//	Initial ─► [Lookup] ─► Ready ─► InProgress ─► Completed | TimedOut
//	              └─► LookupFailed
//
// Notifications are delivered through registered callbacks after the state
// change they report.
package exchange

// Status is the lifecycle state of an Exchange.
type Status int

const (
	// StatusInitial is the state after creation, before a target is set.
	StatusInitial Status = iota

	// StatusLookup indicates the target host name is being resolved.
	StatusLookup

	// StatusReady indicates the target address is known and no request is
	// outstanding. An exchange whose request the peer reset returns here.
	StatusReady

	// StatusInProgress indicates a request was sent and no final outcome
	// arrived yet. Observing exchanges stay here while notifications arrive.
	StatusInProgress

	// StatusCompleted indicates a response was received.
	StatusCompleted

	// StatusTimedOut indicates the peer did not answer any transmission.
	StatusTimedOut

	// StatusLookupFailed indicates the target host name could not be resolved.
	StatusLookupFailed
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "Initial"
	case StatusLookup:
		return "Lookup"
	case StatusReady:
		return "Ready"
	case StatusInProgress:
		return "InProgress"
	case StatusCompleted:
		return "Completed"
	case StatusTimedOut:
		return "TimedOut"
	case StatusLookupFailed:
		return "LookupFailed"
	default:
		return "Unknown"
	}
}

// IsTerminal returns true for Completed, TimedOut and LookupFailed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusTimedOut || s == StatusLookupFailed
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// action is a request queued while the target address is unknown.
type action int

const (
	actionNone action = iota
	actionGet
	actionObserve
)
