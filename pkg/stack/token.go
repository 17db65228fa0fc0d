package stack

import (
	"crypto/rand"
	"encoding/binary"
)

// maxTokenAttempts bounds the random draws made for one fresh token before
// falling back to a scan.
const maxTokenAttempts = 64

// generateTokenLocked draws random tokens until one is not mapped. When the
// table is crowded it scans forward from the last draw instead, so
// ErrTokenSpaceExhausted means every token of TokenLength is in use.
// Must be called with s.mu held.
func (s *Stack) generateTokenLocked() ([]byte, error) {
	token := make([]byte, s.config.TokenLength)
	for i := 0; i < maxTokenAttempts; i++ {
		if _, err := s.randRead(token); err != nil {
			return nil, err
		}
		if _, taken := s.tokens[string(token)]; !taken {
			return token, nil
		}
	}

	// Among len(s.tokens)+1 consecutive tokens at least one is free,
	// unless the space itself is smaller than that.
	steps := len(s.tokens) + 1
	if bits := 8 * len(token); bits < 63 && steps > 1<<bits {
		steps = 1 << bits
	}
	for i := 0; i < steps; i++ {
		incrementToken(token)
		if _, taken := s.tokens[string(token)]; !taken {
			return token, nil
		}
	}
	return nil, ErrTokenSpaceExhausted
}

// incrementToken adds one to token as a big-endian counter, wrapping to
// zero.
func incrementToken(token []byte) {
	for i := len(token) - 1; i >= 0; i-- {
		token[i]++
		if token[i] != 0 {
			return
		}
	}
}

// nextMessageIDLocked returns the current counter and advances it modulo 65536.
// Must be called with s.mu held.
func (s *Stack) nextMessageIDLocked() uint16 {
	mid := uint16(s.midCounter % 65536)
	s.midCounter = (s.midCounter + 1) % 65536
	return mid
}

// randomMessageID picks the initial message-id counter.
func randomMessageID() uint32 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return uint32(binary.BigEndian.Uint16(buf[:]))
}
