package settings

import "errors"

// Settings errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("settings: closed")

	// ErrUnsupportedFormat is returned for a file extension with no codec.
	ErrUnsupportedFormat = errors.New("settings: unsupported file format")

	// ErrNotObject is returned when the file does not hold a key/value object.
	ErrNotObject = errors.New("settings: file is not a key/value object")
)
