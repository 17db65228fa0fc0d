// Package message implements the CoAP message format (RFC 7252 Section 3).
//
// The package provides:
//   - Message, Option and Options types with CoAP option ordering rules
//   - Byte-exact encoding with the extended delta/length option forms
//   - Decoding that never fails, reporting problems as ErrorFlags instead
//   - Helpers for Uri-Path, Uri-Query, Observe and Content-Format options
package message

import "fmt"

// Version is the only CoAP protocol version (RFC 7252 Section 3).
const Version uint8 = 1

// Type is the CoAP message type, encoded in bits 5-4 of the first byte.
type Type uint8

const (
	// Confirmable messages require an acknowledgement and are retransmitted.
	Confirmable Type = 0x00

	// NonConfirmable messages are sent once, without acknowledgement.
	NonConfirmable Type = 0x01

	// Acknowledgement acknowledges a Confirmable message.
	Acknowledgement Type = 0x02

	// Reset tells the peer a message could not be processed.
	Reset Type = 0x03
)

// String returns a human-readable name for the message type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the type fits in the two-bit type field.
func (t Type) IsValid() bool {
	return t <= Reset
}

// Code is the request method or response status of a message.
// The upper three bits are the class, the lower five bits the detail.
type Code uint8

const (
	Empty Code = 0x00

	GET    Code = 0x01
	POST   Code = 0x02
	PUT    Code = 0x03
	DELETE Code = 0x04

	Created Code = 0x41
	Deleted Code = 0x42
	Valid   Code = 0x43
	Changed Code = 0x44
	Content Code = 0x45

	BadRequest               Code = 0x80
	Unauthorized             Code = 0x81
	BadOption                Code = 0x82
	Forbidden                Code = 0x83
	NotFound                 Code = 0x84
	MethodNotAllowed         Code = 0x85
	NotAcceptable            Code = 0x86
	PreconditionFailed       Code = 0x8c
	RequestEntityTooLarge    Code = 0x8d
	UnsupportedContentFormat Code = 0x8f

	InternalServerError  Code = 0xa0
	NotImplemented       Code = 0xa1
	BadGateway           Code = 0xa2
	ServiceUnavailable   Code = 0xa3
	GatewayTimeout       Code = 0xa4
	ProxyingNotSupported Code = 0xa5
)

var codeNames = map[Code]string{
	Empty:                    "Empty",
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	Created:                  "Created",
	Deleted:                  "Deleted",
	Valid:                    "Valid",
	Changed:                  "Changed",
	Content:                  "Content",
	BadRequest:               "BadRequest",
	Unauthorized:             "Unauthorized",
	BadOption:                "BadOption",
	Forbidden:                "Forbidden",
	NotFound:                 "NotFound",
	MethodNotAllowed:         "MethodNotAllowed",
	NotAcceptable:            "NotAcceptable",
	PreconditionFailed:       "PreconditionFailed",
	RequestEntityTooLarge:    "RequestEntityTooLarge",
	UnsupportedContentFormat: "UnsupportedContentFormat",
	InternalServerError:      "InternalServerError",
	NotImplemented:           "NotImplemented",
	BadGateway:               "BadGateway",
	ServiceUnavailable:       "ServiceUnavailable",
	GatewayTimeout:           "GatewayTimeout",
	ProxyingNotSupported:     "ProxyingNotSupported",
}

// Class returns the code class (0 for requests, 2-5 for responses).
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the code detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// String formats the code in the "c.dd Name" form used by RFC 7252.
func (c Code) String() string {
	name, ok := codeNames[c]
	if !ok {
		name = "Unknown"
	}
	return fmt.Sprintf("%d.%02d %s", c.Class(), c.Detail(), name)
}

// IsKnown returns true if the code is one of the defined codes.
func (c Code) IsKnown() bool {
	_, ok := codeNames[c]
	return ok
}

// Kind classifies a message by its code.
type Kind int

const (
	// KindEmpty is a message with code 0.00 (ping, empty ACK or RST).
	KindEmpty Kind = iota

	// KindRequest is a message carrying a method code (0.01-0.04).
	KindRequest

	// KindResponse is any other non-empty code.
	KindResponse
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "Empty"
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	default:
		return "Unknown"
	}
}

// Kind derives the message kind from the code.
func (c Code) Kind() Kind {
	switch {
	case c == Empty:
		return KindEmpty
	case c >= GET && c <= DELETE:
		return KindRequest
	default:
		return KindResponse
	}
}

// OptionID is a CoAP option number.
type OptionID uint16

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

var optionNames = map[OptionID]string{
	IfMatch:       "If-Match",
	URIHost:       "Uri-Host",
	ETag:          "ETag",
	IfNoneMatch:   "If-None-Match",
	Observe:       "Observe",
	URIPort:       "Uri-Port",
	LocationPath:  "Location-Path",
	URIPath:       "Uri-Path",
	ContentFormat: "Content-Format",
	MaxAge:        "Max-Age",
	URIQuery:      "Uri-Query",
	Accept:        "Accept",
	LocationQuery: "Location-Query",
	Block2:        "Block2",
	Block1:        "Block1",
	Size2:         "Size2",
	ProxyURI:      "Proxy-Uri",
	ProxyScheme:   "Proxy-Scheme",
	Size1:         "Size1",
}

// String returns the registered option name, or "Option(n)".
func (o OptionID) String() string {
	if name, ok := optionNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Option(%d)", uint16(o))
}

// Critical returns true for critical options (odd option numbers).
func (o OptionID) Critical() bool {
	return o&1 == 1
}

// MediaType is a Content-Format code (RFC 7252 Section 12.3).
type MediaType uint16

const (
	TextPlain      MediaType = 0
	AppLinkFormat  MediaType = 40
	AppXML         MediaType = 41
	AppOctetStream MediaType = 42
	AppEXI         MediaType = 47
	AppJSON        MediaType = 50

	// AppMsgPack has no IANA assignment; 77 is the code this stack
	// registers MessagePack content under by default.
	AppMsgPack MediaType = 77
)

// String returns a human-readable media type name.
func (m MediaType) String() string {
	switch m {
	case TextPlain:
		return "text/plain"
	case AppLinkFormat:
		return "application/link-format"
	case AppXML:
		return "application/xml"
	case AppOctetStream:
		return "application/octet-stream"
	case AppEXI:
		return "application/exi"
	case AppJSON:
		return "application/json"
	case AppMsgPack:
		return "application/msgpack"
	default:
		return fmt.Sprintf("MediaType(%d)", uint16(m))
	}
}
