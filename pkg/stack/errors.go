package stack

import "errors"

// Stack errors.
var (
	ErrNoTransport         = errors.New("stack: transport is required")
	ErrClosed              = errors.New("stack: closed")
	ErrNilOwner            = errors.New("stack: owner is nil")
	ErrUnsupportedKind     = errors.New("stack: client does not send responses")
	ErrTokenSpaceExhausted = errors.New("stack: no free token available")
	ErrTokenInUse          = errors.New("stack: token owned by another exchange")
	ErrSend                = errors.New("stack: send failed")
)
