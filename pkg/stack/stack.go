// Package stack implements the CoAP client stack core.
//
// The Stack matches responses to their exchange by token, assigns message
// IDs and tokens to outgoing requests, and retransmits Confirmable requests
// at a fixed interval until a response arrives or the transmission limit is
// reached.
//
// Message flow:
//
//	Owner.Transmit ─► Stack ─► Transport.Send
//	Transport handler ─► Stack.Receive ─► Owner.HandleMessage
//	retransmit timer ─► resend, or Owner.HandleTimeout after the last send
package stack

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/iotlib/coap/pkg/content"
	"github.com/iotlib/coap/pkg/message"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Default protocol parameters.
const (
	// DefaultAckTimeout is the fixed retransmission interval.
	DefaultAckTimeout = 2000 * time.Millisecond

	// DefaultMaxTransmissions is the total number of sends of a Confirmable
	// request (initial send plus retransmissions) before it times out.
	DefaultMaxTransmissions = 4

	// DefaultTokenLength is the length of generated tokens in bytes.
	DefaultTokenLength = 2

	// DefaultSeparateTimeout is how long a request acknowledged by an empty
	// ACK waits for its separate response. EXCHANGE_LIFETIME, RFC 7252
	// Section 4.8.2.
	DefaultSeparateTimeout = 247 * time.Second
)

// Transport sends encoded messages to message.Addr.
type Transport interface {
	Send(msg *message.Message) error
}

// Owner receives the outcome of the requests it transmits.
// Both methods are called without any Stack lock held.
type Owner interface {
	// HandleMessage delivers a response matched by token.
	HandleMessage(msg *message.Message)

	// HandleTimeout reports that a Confirmable request was sent the
	// maximum number of times without an answer, or that a separate
	// response did not follow an empty ACK in time.
	HandleTimeout()

	// HandleReset reports that the peer rejected the request with a Reset.
	// The token is already unmapped.
	HandleReset()
}

// Config configures a Stack.
type Config struct {
	// Transport sends datagrams. Required.
	Transport Transport

	// AckTimeout is the retransmission interval.
	// Defaults to DefaultAckTimeout if 0.
	AckTimeout time.Duration

	// MaxTransmissions is the total number of sends before timeout.
	// Defaults to DefaultMaxTransmissions if 0.
	MaxTransmissions int

	// SeparateTimeout bounds the wait for a separate response after an
	// empty ACK. Defaults to DefaultSeparateTimeout if 0.
	SeparateTimeout time.Duration

	// Backoff computes retransmission intervals from AckTimeout.
	// Defaults to FixedBackoff.
	Backoff Backoff

	// TokenLength is the length of generated tokens (1-8).
	// Defaults to DefaultTokenLength if 0.
	TokenLength int

	// Content is the content-format registry exchanges decode payloads with.
	// Defaults to content.Default().
	Content *content.Registry

	// Registerer receives the Stack's Prometheus collectors.
	// If nil, metrics are collected but not registered.
	Registerer prometheus.Registerer

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxTransmissions == 0 {
		c.MaxTransmissions = DefaultMaxTransmissions
	}
	if c.SeparateTimeout == 0 {
		c.SeparateTimeout = DefaultSeparateTimeout
	}
	if c.Backoff == nil {
		c.Backoff = FixedBackoff{}
	}
	if c.TokenLength <= 0 {
		c.TokenLength = DefaultTokenLength
	}
	if c.TokenLength > message.MaxTokenLength {
		c.TokenLength = message.MaxTokenLength
	}
	if c.Content == nil {
		c.Content = content.Default()
	}
}

// Stack owns the token table, the message-ID counter and the
// retransmission table. All three are guarded by mu.
type Stack struct {
	config    Config
	transport Transport

	// tokens maps an active token to the owner of the request.
	tokens map[string]Owner

	// owners is the reverse of tokens: at most one token per owner.
	owners map[Owner]string

	retransmit *RetransmitTable

	midCounter uint32
	randRead   func([]byte) (int, error)

	closed  bool
	metrics *metrics
	log     logging.LeveledLogger

	mu sync.Mutex
}

// New creates a Stack.
func New(config Config) (*Stack, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	config.applyDefaults()

	s := &Stack{
		config:     config,
		transport:  config.Transport,
		tokens:     make(map[string]Owner),
		owners:     make(map[Owner]string),
		retransmit: NewRetransmitTable(),
		midCounter: randomMessageID(),
		randRead:   rand.Read,
		metrics:    newMetrics(config.Registerer),
	}

	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("coap-stack")
	}

	return s, nil
}

// Content returns the content-format registry of this Stack.
func (s *Stack) Content() *content.Registry {
	return s.config.Content
}

// LoggerFactory returns the logger factory the Stack was configured with.
func (s *Stack) LoggerFactory() logging.LoggerFactory {
	return s.config.LoggerFactory
}

// Transmit sends msg on behalf of owner.
//
// Requests get a message ID (if zero) and a fresh token (if empty); the
// caller's message is updated in place. Any earlier request of the same
// owner is superseded. Confirmable requests are retransmitted until
// answered. Empty messages go straight to the transport. Responses are
// rejected with ErrUnsupportedKind.
func (s *Stack) Transmit(owner Owner, msg *message.Message) error {
	switch msg.Kind() {
	case message.KindRequest:
		return s.transmitRequest(owner, msg)
	case message.KindResponse:
		if s.log != nil {
			s.log.Warnf("dropping outgoing response %s: server side not supported", msg.Code)
		}
		return ErrUnsupportedKind
	default:
		return s.send(msg)
	}
}

func (s *Stack) transmitRequest(owner Owner, msg *message.Message) error {
	if owner == nil {
		return ErrNilOwner
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	s.unmapOwnerLocked(owner)

	if msg.MessageID == 0 {
		msg.MessageID = s.nextMessageIDLocked()
	}

	if len(msg.Token) == 0 {
		token, err := s.generateTokenLocked()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		msg.Token = token
	} else if prev, ok := s.tokens[string(msg.Token)]; ok && prev != owner {
		if s.log != nil {
			s.log.Warnf("token %s reused, taking it over from its previous exchange", hex.EncodeToString(msg.Token))
		}
		s.unmapTokenLocked(string(msg.Token))
	}

	s.mapLocked(owner, string(msg.Token))

	if msg.Type == message.Confirmable {
		interval := s.config.Backoff.Interval(s.config.AckTimeout, 0)
		s.retransmit.Add(owner, msg.Clone(), interval, s.onRetransmitTimeout)
	}
	s.mu.Unlock()

	return s.send(msg)
}

// onRetransmitTimeout runs when a retransmission timer fires.
func (s *Stack) onRetransmitTimeout(entry *RetransmitEntry) {
	s.mu.Lock()
	if s.closed || !s.retransmit.IsCurrent(entry) {
		s.mu.Unlock()
		return
	}

	if entry.Acknowledged || entry.SendCount >= s.config.MaxTransmissions {
		s.retransmit.Remove(entry.Token)
		sendCount, acked := entry.SendCount, entry.Acknowledged
		s.mu.Unlock()

		s.metrics.timeouts.Inc()
		if s.log != nil {
			if acked {
				s.log.Debugf("request %s acknowledged but no separate response arrived",
					hex.EncodeToString([]byte(entry.Token)))
			} else {
				s.log.Debugf("request %s timed out after %d transmissions",
					hex.EncodeToString([]byte(entry.Token)), sendCount)
			}
		}
		entry.Owner.HandleTimeout()
		return
	}

	msg := entry.Message.Clone()
	s.retransmit.Reschedule(entry, s.config.Backoff.Interval(s.config.AckTimeout, entry.SendCount))
	sendCount := entry.SendCount
	s.mu.Unlock()

	s.metrics.retransmissions.Inc()
	if s.log != nil {
		s.log.Debugf("retransmitting %s (send %d)", msg, sendCount)
	}
	_ = s.send(msg)
}

// Receive processes a message decoded by the transport.
func (s *Stack) Receive(msg *message.Message) {
	if !msg.IsValid() {
		if s.log != nil {
			s.log.Debugf("dropping invalid message from %s: %s", msg.Addr, msg.Errors())
		}
		return
	}

	s.metrics.messagesReceived.WithLabelValues(msg.Kind().String()).Inc()

	switch msg.Kind() {
	case message.KindResponse:
		s.receiveResponse(msg)
	case message.KindEmpty:
		s.receiveEmpty(msg)
	default:
		if s.log != nil {
			s.log.Debugf("dropping request %s from %s: server side not supported", msg.Code, msg.Addr)
		}
	}
}

func (s *Stack) receiveResponse(msg *message.Message) {
	if msg.Type == message.Reset {
		if s.log != nil {
			s.log.Debugf("ignoring reset response %s from %s", msg.Code, msg.Addr)
		}
		return
	}

	token := string(msg.Token)

	s.mu.Lock()
	owner, ok := s.tokens[token]
	if ok {
		s.unmapTokenLocked(token)
	}
	s.mu.Unlock()

	if !ok {
		if s.log != nil {
			s.log.Debugf("no exchange for token %s, sending reset", hex.EncodeToString(msg.Token))
		}
		s.sendReset(msg)
		return
	}

	if msg.Type == message.Confirmable {
		s.sendEmpty(message.Acknowledgement, msg)
	}

	s.metrics.responsesMatched.Inc()
	owner.HandleMessage(msg)
}

func (s *Stack) receiveEmpty(msg *message.Message) {
	switch msg.Type {
	case message.Acknowledgement:
		// Separate response follows; stop resending but keep the token.
		s.mu.Lock()
		if entry, ok := s.retransmit.ByMessageID(msg.MessageID, msg.Addr); ok {
			if s.retransmit.AwaitResponse(entry, s.config.SeparateTimeout) && s.log != nil {
				s.log.Tracef("empty ACK for mid %d, awaiting separate response", msg.MessageID)
			}
		}
		s.mu.Unlock()

	case message.Reset:
		var owner Owner
		s.mu.Lock()
		if entry, ok := s.retransmit.ByMessageID(msg.MessageID, msg.Addr); ok {
			owner = entry.Owner
			s.unmapTokenLocked(entry.Token)
			if s.log != nil {
				s.log.Debugf("peer %s reset mid %d", msg.Addr, msg.MessageID)
			}
		}
		s.mu.Unlock()

		if owner != nil {
			owner.HandleReset()
		}

	case message.Confirmable:
		// CoAP ping.
		s.sendEmpty(message.Reset, msg)
	}
}

// sendReset answers an unmatched response with a Reset carrying the same
// token and message ID.
func (s *Stack) sendReset(to *message.Message) {
	rst := &message.Message{
		Type:      message.Reset,
		Code:      message.Empty,
		MessageID: to.MessageID,
		Token:     append([]byte(nil), to.Token...),
		Addr:      to.Addr,
	}
	if err := s.send(rst); err == nil {
		s.metrics.resetsSent.Inc()
	}
}

func (s *Stack) sendEmpty(typ message.Type, to *message.Message) {
	_ = s.send(&message.Message{
		Type:      typ,
		Code:      message.Empty,
		MessageID: to.MessageID,
		Addr:      to.Addr,
	})
}

func (s *Stack) send(msg *message.Message) error {
	if err := s.transport.Send(msg); err != nil {
		if s.log != nil {
			s.log.Warnf("send %s to %s failed: %v", msg, msg.Addr, err)
		}
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	s.metrics.messagesSent.WithLabelValues(msg.Type.String()).Inc()
	if s.log != nil {
		s.log.Tracef("sent %s to %s", msg, msg.Addr)
	}
	return nil
}

// Remove drops the token mapping and pending retransmission of owner.
// Safe to call for an owner without an active token.
func (s *Stack) Remove(owner Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmapOwnerLocked(owner)
}

// Rebind registers token for owner again after a response was delivered,
// keeping an Observe relationship matchable. Any other token of owner is
// dropped.
func (s *Stack) Rebind(owner Owner, token []byte) error {
	if owner == nil {
		return ErrNilOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if prev, ok := s.tokens[string(token)]; ok && prev != owner {
		return ErrTokenInUse
	}
	if cur, ok := s.owners[owner]; ok && cur != string(token) {
		s.unmapTokenLocked(cur)
	}
	s.mapLocked(owner, string(token))
	return nil
}

// Owner returns the owner currently mapped to token.
func (s *Stack) Owner(token []byte) (Owner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.tokens[string(token)]
	return owner, ok
}

// ActiveTokens returns the number of mapped tokens.
func (s *Stack) ActiveTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// PendingRetransmits returns the number of requests still being
// retransmitted. Requests acknowledged by an empty ACK are not counted.
func (s *Stack) PendingRetransmits() int {
	return s.retransmit.Count()
}

// Close stops all timers and drops all mappings. Further requests fail
// with ErrClosed.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.retransmit.Clear()
	s.tokens = make(map[string]Owner)
	s.owners = make(map[Owner]string)
	s.metrics.activeTokens.Set(0)
	return nil
}

func (s *Stack) mapLocked(owner Owner, token string) {
	s.tokens[token] = owner
	s.owners[owner] = token
	s.metrics.activeTokens.Set(float64(len(s.tokens)))
}

func (s *Stack) unmapTokenLocked(token string) {
	owner, ok := s.tokens[token]
	if !ok {
		return
	}
	delete(s.tokens, token)
	if s.owners[owner] == token {
		delete(s.owners, owner)
	}
	s.retransmit.Remove(token)
	s.metrics.activeTokens.Set(float64(len(s.tokens)))
}

func (s *Stack) unmapOwnerLocked(owner Owner) {
	token, ok := s.owners[owner]
	if !ok {
		return
	}
	s.unmapTokenLocked(token)
}
