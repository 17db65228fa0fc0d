package message

import (
	"encoding/binary"
)

// Size returns the exact encoded size of the message in bytes.
// Encoding is done in two passes: Size first, then EncodeTo into a buffer
// of that size.
func (m *Message) Size() (int, error) {
	if len(m.Token) > MaxTokenLength {
		return 0, ErrTokenTooLong
	}

	size := HeaderSize + len(m.Token)

	prev := 0
	for _, opt := range m.Options {
		delta := int(opt.ID) - prev
		if delta < 0 {
			// Options were appended out of order by hand; sort a copy.
			return sortedCopy(m).Size()
		}
		length := len(opt.Value)
		if length > MaxOptionValue {
			return 0, ErrOptionTooLarge
		}
		size += 1 + extendedSize(delta) + extendedSize(length) + length
		prev = int(opt.ID)
	}

	if len(m.Payload) > 0 {
		size += 1 + len(m.Payload)
	}

	return size, nil
}

// Encode serializes the message to its wire format.
func (m *Message) Encode() ([]byte, error) {
	size, err := m.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo serializes the message into buf, which must be at least Size()
// bytes long. Returns the number of bytes written.
func (m *Message) EncodeTo(buf []byte) (int, error) {
	size, err := m.Size()
	if err != nil {
		return 0, err
	}
	if len(buf) < size {
		return 0, ErrBufferTooSmall
	}
	if !m.Type.IsValid() {
		return 0, ErrInvalidType
	}

	offset := 0

	// Ver (2 bits) | T (2 bits) | TKL (4 bits)
	buf[offset] = (m.Version()&0x03)<<6 | uint8(m.Type)<<4 | uint8(len(m.Token))
	offset++

	buf[offset] = uint8(m.Code)
	offset++

	binary.BigEndian.PutUint16(buf[offset:], m.MessageID)
	offset += 2

	offset += copy(buf[offset:], m.Token)

	opts := m.Options
	if !sortedOptions(opts) {
		opts = sortedCopy(m).Options
	}

	prev := 0
	for _, opt := range opts {
		offset += encodeOption(buf[offset:], int(opt.ID)-prev, opt.Value)
		prev = int(opt.ID)
	}

	if len(m.Payload) > 0 {
		buf[offset] = PayloadMarker
		offset++
		offset += copy(buf[offset:], m.Payload)
	}

	return offset, nil
}

// encodeOption writes one option header, its extended fields and the value.
func encodeOption(buf []byte, delta int, value []byte) int {
	length := len(value)
	dn, dext := nibble(delta)
	ln, lext := nibble(length)

	buf[0] = dn<<4 | ln
	offset := 1
	offset += putExtended(buf[offset:], dext, delta)
	offset += putExtended(buf[offset:], lext, length)
	offset += copy(buf[offset:], value)
	return offset
}

// nibble returns the 4-bit header value for v and how many extended bytes follow.
func nibble(v int) (uint8, int) {
	switch {
	case v < ext8Base:
		return uint8(v), 0
	case v < ext16Base:
		return nibbleExt8, 1
	default:
		return nibbleExt16, 2
	}
}

func extendedSize(v int) int {
	_, n := nibble(v)
	return n
}

func putExtended(buf []byte, n int, v int) int {
	switch n {
	case 1:
		buf[0] = uint8(v - ext8Base)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v-ext16Base))
	}
	return n
}

func sortedOptions(opts Options) bool {
	for i := 1; i < len(opts); i++ {
		if opts[i].ID < opts[i-1].ID {
			return false
		}
	}
	return true
}

func sortedCopy(m *Message) *Message {
	c := *m
	c.Options = nil
	for _, opt := range m.Options {
		c.Options = c.Options.Add(opt.ID, opt.Value)
	}
	return &c
}

// Decode parses a datagram. It never fails: problems are reported through
// the returned message's Errors, and parsing stops at the first structural
// error. The returned message does not alias data.
func Decode(data []byte) *Message {
	m := &Message{}

	if len(data) < HeaderSize {
		m.errs |= FormatError
		return m
	}

	m.version = data[0] >> 6
	m.versionSet = true
	if m.version != Version {
		m.errs |= UnknownVersion
	}

	m.Type = Type((data[0] >> 4) & 0x03)
	tkl := int(data[0] & 0x0f)
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if tkl > MaxTokenLength {
		m.errs |= WrongTokenLength
		return m
	}

	offset := HeaderSize
	if len(data) < offset+tkl {
		m.errs |= NotEnoughData
		return m
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[offset:offset+tkl]...)
	}
	offset += tkl

	number := 0
	for offset < len(data) {
		b := data[offset]
		offset++

		if b == PayloadMarker {
			if offset == len(data) {
				m.errs |= WrongPayloadMarker
				return m
			}
			m.Payload = append([]byte(nil), data[offset:]...)
			return m
		}

		delta, n, errs := readExtended(b>>4, data[offset:])
		if errs != 0 {
			m.errs |= errs
			return m
		}
		offset += n

		length, n, errs := readExtended(b&0x0f, data[offset:])
		if errs != 0 {
			m.errs |= errs
			return m
		}
		offset += n

		if len(data)-offset < length {
			m.errs |= NotEnoughData
			return m
		}

		number += delta
		if number > 0xffff {
			m.errs |= WrongOptionHeader
			return m
		}

		m.Options = append(m.Options, Option{
			ID:    OptionID(number),
			Value: append([]byte{}, data[offset:offset+length]...),
		})
		offset += length
	}

	return m
}

// readExtended resolves a delta or length nibble, consuming extended bytes.
func readExtended(n uint8, rest []byte) (value int, consumed int, errs ErrorFlags) {
	switch n {
	case nibbleExt8:
		if len(rest) < 1 {
			return 0, 0, NotEnoughData
		}
		return int(rest[0]) + ext8Base, 1, 0
	case nibbleExt16:
		if len(rest) < 2 {
			return 0, 0, NotEnoughData
		}
		return int(binary.BigEndian.Uint16(rest)) + ext16Base, 2, 0
	case nibbleError:
		return 0, 0, FormatError | WrongOptionHeader
	default:
		return int(n), 0, 0
	}
}
