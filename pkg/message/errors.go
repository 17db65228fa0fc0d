package message

import (
	"errors"
	"strings"
)

// Encoding errors.
var (
	ErrTokenTooLong   = errors.New("message: token longer than 8 bytes")
	ErrOptionTooLarge = errors.New("message: option delta or length exceeds 65804")
	ErrInvalidType    = errors.New("message: invalid message type")
	ErrBufferTooSmall = errors.New("message: buffer too small")
)

// Wire format constants (RFC 7252 Section 3).
const (
	// HeaderSize is the fixed header: version/type/TKL, code, message ID.
	HeaderSize = 4

	// MaxTokenLength is the longest token a message may carry.
	MaxTokenLength = 8

	// PayloadMarker separates options from the payload.
	PayloadMarker byte = 0xff

	// MaxUDPMessageSize bounds datagrams read from the network.
	MaxUDPMessageSize = 1152

	// extended option nibble values
	nibbleExt8  = 13
	nibbleExt16 = 14
	nibbleError = 15

	ext8Base  = 13
	ext16Base = 269

	// MaxOptionValue is the largest delta or length the 16-bit form carries.
	MaxOptionValue = ext16Base + 0xffff
)

// ErrorFlags is the set of problems found while decoding or building a message.
// Flags are independent; a message is valid only when no flag is set.
type ErrorFlags uint16

const (
	FormatError ErrorFlags = 1 << iota
	UnknownVersion
	WrongTokenLength
	WrongPayloadMarker
	WrongOptionHeader
	NotEnoughData
	WrongVersion
	WrongToken
)

var flagNames = []struct {
	flag ErrorFlags
	name string
}{
	{FormatError, "FormatError"},
	{UnknownVersion, "UnknownVersion"},
	{WrongTokenLength, "WrongTokenLength"},
	{WrongPayloadMarker, "WrongPayloadMarker"},
	{WrongOptionHeader, "WrongOptionHeader"},
	{NotEnoughData, "NotEnoughData"},
	{WrongVersion, "WrongVersion"},
	{WrongToken, "WrongToken"},
}

// Has reports whether every flag in f is set.
func (e ErrorFlags) Has(f ErrorFlags) bool {
	return e&f == f
}

// String lists the set flags separated by '|', or "None".
func (e ErrorFlags) String() string {
	if e == 0 {
		return "None"
	}
	var names []string
	for _, fn := range flagNames {
		if e&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}
