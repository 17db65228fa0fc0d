package message

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Message is a single CoAP message together with the peer it travels to or
// came from. Messages are plain values: each has one owner as it moves
// through the stack, and Clone gives an independent copy.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte

	// Addr is the destination for outgoing messages and the sender for
	// received ones.
	Addr netip.AddrPort

	version    uint8
	versionSet bool
	errs       ErrorFlags
}

// Version returns the protocol version of the message.
func (m *Message) Version() uint8 {
	if !m.versionSet {
		return Version
	}
	return m.version
}

// SetVersion overrides the protocol version. Anything other than 1 marks
// the message invalid.
func (m *Message) SetVersion(v uint8) {
	m.version = v
	m.versionSet = true
	if v != Version {
		m.errs |= WrongVersion
	}
}

// Errors returns the decode flags together with problems in the current
// field values.
func (m *Message) Errors() ErrorFlags {
	errs := m.errs
	if len(m.Token) > MaxTokenLength {
		errs |= WrongToken
	}
	return errs
}

// IsValid returns true if no error flag is set.
func (m *Message) IsValid() bool {
	return m.Errors() == 0
}

// Kind derives Empty, Request or Response from the code.
func (m *Message) Kind() Kind {
	return m.Code.Kind()
}

// IsEmpty returns true for code 0.00.
func (m *Message) IsEmpty() bool { return m.Code == Empty }

// IsRequest returns true for method codes.
func (m *Message) IsRequest() bool { return m.Kind() == KindRequest }

// IsResponse returns true for any non-empty, non-method code.
func (m *Message) IsResponse() bool { return m.Kind() == KindResponse }

// AddOption inserts an option keeping ascending order.
func (m *Message) AddOption(id OptionID, value []byte) {
	m.Options = m.Options.Add(id, value)
}

// SetPath replaces the Uri-Path options with the segments of path.
// Empty segments are skipped, so "/a//b/" yields "a" and "b".
func (m *Message) SetPath(path string) {
	m.Options = m.Options.Remove(URIPath)
	for _, seg := range splitPath(path) {
		m.Options = m.Options.Add(URIPath, []byte(seg))
	}
}

// Path joins the Uri-Path options into an absolute path.
func (m *Message) Path() string {
	segs := m.Options.All(URIPath)
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = string(s)
	}
	return "/" + strings.Join(parts, "/")
}

// AddQuery appends a Uri-Query option.
func (m *Message) AddQuery(q string) {
	m.Options = m.Options.Add(URIQuery, []byte(q))
}

// Queries returns the Uri-Query option values.
func (m *Message) Queries() []string {
	var out []string
	for _, q := range m.Options.All(URIQuery) {
		out = append(out, string(q))
	}
	return out
}

// SetObserve sets the Observe option (0 registers, 1 deregisters).
func (m *Message) SetObserve(v uint32) {
	m.Options = m.Options.Set(Observe, EncodeUint(v))
}

// Observe returns the Observe option value, if present.
func (m *Message) Observe() (uint32, bool) {
	v, ok := m.Options.Get(Observe)
	if !ok {
		return 0, false
	}
	return DecodeUint(v), true
}

// SetContentFormat sets the Content-Format option. TextPlain is encoded as
// an empty value, codes below 256 as one byte, others as two bytes.
func (m *Message) SetContentFormat(cf MediaType) {
	var value []byte
	switch {
	case cf == TextPlain:
		value = nil
	case cf < 256:
		value = []byte{byte(cf)}
	default:
		value = []byte{byte(cf >> 8), byte(cf)}
	}
	m.Options = m.Options.Set(ContentFormat, value)
}

// ContentFormat returns the Content-Format option, reading the whole value.
// A message without the option is TextPlain.
func (m *Message) ContentFormat() MediaType {
	v, ok := m.Options.Get(ContentFormat)
	if !ok {
		return TextPlain
	}
	return MediaType(DecodeUint(v))
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Token != nil {
		c.Token = append([]byte(nil), m.Token...)
	}
	c.Options = m.Options.Clone()
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// String renders a compact one-line description for logs.
func (m *Message) String() string {
	if !m.IsValid() {
		return fmt.Sprintf("Message(invalid: %s)", m.Errors())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Message(%s %s mid=%d token=%s", m.Type, m.Code, m.MessageID, hex.EncodeToString(m.Token))
	for _, opt := range m.Options {
		fmt.Fprintf(&b, " %s=%x", opt.ID, opt.Value)
	}
	if len(m.Payload) > 0 {
		fmt.Fprintf(&b, " payload=%dB", len(m.Payload))
	}
	b.WriteString(")")
	return b.String()
}
