// Package content maps CoAP Content-Format codes to payload unpackers.
//
// A Registry is a concurrent-safe table from content-format code to a
// function that turns payload bytes into a structured value. Default returns
// the process-wide registry, created on first use with the JSON and
// MessagePack unpackers installed.
package content

import (
	"fmt"
	"sync"

	"github.com/iotlib/coap/pkg/message"
)

// Unpacker converts a payload into a structured value.
type Unpacker func(data []byte) (any, error)

// Registry maps content-format codes to unpackers.
type Registry struct {
	unpackers map[message.MediaType]Unpacker
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		unpackers: make(map[message.MediaType]Unpacker),
	}
}

// Register installs an unpacker for code, replacing any previous one.
// A nil unpacker removes the code.
func (r *Registry) Register(code message.MediaType, fn Unpacker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fn == nil {
		delete(r.unpackers, code)
		return
	}
	r.unpackers[code] = fn
}

// Lookup returns the unpacker registered for code.
func (r *Registry) Lookup(code message.MediaType) (Unpacker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.unpackers[code]
	return fn, ok
}

// Codes returns the registered content-format codes.
func (r *Registry) Codes() []message.MediaType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]message.MediaType, 0, len(r.unpackers))
	for code := range r.unpackers {
		codes = append(codes, code)
	}
	return codes
}

// Unpack decodes data with the unpacker registered for code.
// Returns ErrNoHandler if no unpacker is registered.
func (r *Registry) Unpack(code message.MediaType, data []byte) (any, error) {
	fn, ok := r.Lookup(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, code)
	}
	v, err := fn(data)
	if err != nil {
		return nil, fmt.Errorf("content: unpack %s: %w", code, err)
	}
	return v, nil
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry. It is built on the first call
// with the built-in JSON and MessagePack unpackers.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		RegisterBuiltins(r)
		defaultRegistry = r
	})
	return defaultRegistry
}

// RegisterBuiltins installs the JSON and MessagePack unpackers into r.
func RegisterBuiltins(r *Registry) {
	r.Register(message.AppJSON, UnpackJSON)
	r.Register(message.AppMsgPack, UnpackMsgPack)
}
