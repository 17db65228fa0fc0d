package message

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
)

// Option is a single (number, value) pair carried by a message.
type Option struct {
	ID    OptionID
	Value []byte
}

// Equal reports structural equality.
func (o Option) Equal(other Option) bool {
	return o.ID == other.ID && bytes.Equal(o.Value, other.Value)
}

// Options is an ordered option list. Options are kept in ascending ID
// order; options sharing an ID keep their insertion order.
type Options []Option

// Add inserts an option after every option with an ID not greater than id.
// Adding an exact duplicate of an existing (ID, Value) pair is a no-op.
func (o Options) Add(id OptionID, value []byte) Options {
	opt := Option{ID: id, Value: append([]byte(nil), value...)}
	for _, existing := range o {
		if existing.Equal(opt) {
			return o
		}
	}
	idx := sort.Search(len(o), func(i int) bool { return o[i].ID > id })
	o = append(o, Option{})
	copy(o[idx+1:], o[idx:])
	o[idx] = opt
	return o
}

// Set replaces every option with the given ID by a single one.
func (o Options) Set(id OptionID, value []byte) Options {
	return o.Remove(id).Add(id, value)
}

// Remove drops every option with the given ID.
func (o Options) Remove(id OptionID) Options {
	out := o[:0]
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// Get returns the value of the first option with the given ID.
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// All returns the values of every option with the given ID, in order.
func (o Options) All(id OptionID) [][]byte {
	var values [][]byte
	for _, opt := range o {
		if opt.ID == id {
			values = append(values, opt.Value)
		}
	}
	return values
}

// Has reports whether an option with the given ID is present.
func (o Options) Has(id OptionID) bool {
	_, ok := o.Get(id)
	return ok
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for i, opt := range o {
		out[i] = Option{ID: opt.ID, Value: append([]byte(nil), opt.Value...)}
	}
	return out
}

// Equal compares two option lists element by element.
func (o Options) Equal(other Options) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if !o[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// EncodeUint encodes v as a minimal-length big-endian unsigned integer.
// Zero encodes as an empty value (RFC 7252 Section 3.2).
func EncodeUint(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}
	return append([]byte(nil), buf[i:]...)
}

// DecodeUint decodes a big-endian unsigned integer of up to four bytes.
// Longer values keep only their four least significant bytes.
func DecodeUint(b []byte) uint32 {
	if len(b) > 4 {
		b = b[len(b)-4:]
	}
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}

// splitPath splits a path into non-empty segments.
func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
