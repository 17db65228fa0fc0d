package content

import "errors"

// ErrNoHandler is returned by Unpack when no unpacker is registered.
var ErrNoHandler = errors.New("content: no handler for content format")
