package exchange

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iotlib/coap/pkg/content"
	"github.com/iotlib/coap/pkg/message"
	"github.com/iotlib/coap/pkg/stack"
	"github.com/pion/logging"
)

// DefaultLookupTimeout bounds host name resolution.
const DefaultLookupTimeout = 5 * time.Second

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config configures an Exchange.
type Config struct {
	// Stack sends requests and delivers responses.
	// If nil, Get and Observe log and return ErrNoStack.
	Stack *stack.Stack

	// Resolver resolves target host names.
	// Defaults to net.DefaultResolver.
	Resolver Resolver

	// LookupTimeout bounds one host name resolution.
	// Defaults to DefaultLookupTimeout if 0.
	LookupTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, the Stack's factory is used; if that is nil too, logging is
	// disabled.
	LoggerFactory logging.LoggerFactory
}

// Exchange is one client conversation with a CoAP resource.
//
// All methods are safe for concurrent use. Callbacks run on the goroutine
// that caused the transition (the caller, the transport read loop, a
// retransmission timer or the resolver) without internal locks held.
type Exchange struct {
	id            uuid.UUID
	stack         *stack.Stack
	resolver      Resolver
	lookupTimeout time.Duration

	status   Status
	target   Target
	addr     netip.AddrPort
	request  *message.Message
	response *message.Message

	observing bool
	pending   action

	// lookupGen identifies the current resolution; results of older ones
	// are discarded.
	lookupGen    uint64
	cancelLookup context.CancelFunc

	deleteAfterComplete bool
	closed              bool

	onStatusChanged []func(Status)
	onCompleted     []func(*message.Message)
	onNotification  []func(*message.Message)
	onTimeout       []func()
	onTargetChanged []func(string)

	log logging.LeveledLogger

	mu sync.Mutex
}

// New creates an Exchange in StatusInitial.
func New(config Config) *Exchange {
	e := &Exchange{
		id:            uuid.New(),
		stack:         config.Stack,
		resolver:      config.Resolver,
		lookupTimeout: config.LookupTimeout,
		status:        StatusInitial,
	}
	if e.resolver == nil {
		e.resolver = net.DefaultResolver
	}
	if e.lookupTimeout == 0 {
		e.lookupTimeout = DefaultLookupTimeout
	}

	factory := config.LoggerFactory
	if factory == nil && config.Stack != nil {
		factory = config.Stack.LoggerFactory()
	}
	if factory != nil {
		e.log = factory.NewLogger("coap-exchange")
	}

	return e
}

// ID returns the identifier used to correlate log lines of this exchange.
func (e *Exchange) ID() uuid.UUID {
	return e.id
}

// Status returns the current status.
func (e *Exchange) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Target returns the current target URI, or "" if none is set.
func (e *Exchange) Target() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.target.Host == "" {
		return ""
	}
	return e.target.String()
}

// Addr returns the resolved peer address.
func (e *Exchange) Addr() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Request returns the last request sent, or nil.
func (e *Exchange) Request() *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request
}

// Response returns the last response received, or nil.
func (e *Exchange) Response() *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// IsObserving reports whether an Observe relationship is active.
func (e *Exchange) IsObserving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observing
}

// OnStatusChanged registers a callback for every status transition.
func (e *Exchange) OnStatusChanged(fn func(Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatusChanged = append(e.onStatusChanged, fn)
}

// OnCompleted registers a callback fired once per completed request.
func (e *Exchange) OnCompleted(fn func(*message.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCompleted = append(e.onCompleted, fn)
}

// OnNotification registers a callback fired for each Observe notification.
func (e *Exchange) OnNotification(fn func(*message.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNotification = append(e.onNotification, fn)
}

// OnTimeout registers a callback fired when a request times out.
func (e *Exchange) OnTimeout(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTimeout = append(e.onTimeout, fn)
}

// OnTargetChanged registers a callback fired when the target URI changes.
func (e *Exchange) OnTargetChanged(fn func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTargetChanged = append(e.onTargetChanged, fn)
}

// DeleteAfterComplete makes the exchange Close itself after it completes
// or times out.
func (e *Exchange) DeleteAfterComplete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleteAfterComplete = true
}

// SetTarget sets the resource URI. A literal address makes the exchange
// Ready at once; a host name starts an asynchronous lookup. A request
// queued before the address was known is sent as soon as it is.
func (e *Exchange) SetTarget(uri string) error {
	target, parseErr := ParseTarget(uri)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.status == StatusInProgress {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Warnf("[%s] set target %q ignored: request in progress", e.id, uri)
		}
		return ErrInProgress
	}
	if parseErr != nil {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Warnf("[%s] set target %q: %v", e.id, uri, parseErr)
		}
		return parseErr
	}

	var n notifier

	e.stopLookupLocked()
	e.target = target
	e.addr = netip.AddrPort{}
	e.notifyTargetLocked(&n)

	var req *message.Message
	if addr, ok := target.Addr(); ok {
		e.addr = netip.AddrPortFrom(addr, target.Port)
		req = e.runPendingLocked(&n)
	} else {
		e.startLookupLocked(target)
		e.setStatusLocked(StatusLookup, &n)
	}
	e.mu.Unlock()

	n.fire()
	if req != nil {
		return e.transmit(req, StatusReady)
	}
	return nil
}

// Get sends a Confirmable GET for the target. While the address is still
// unknown the request is queued.
func (e *Exchange) Get() error {
	return e.start(actionGet)
}

// Observe sends a Confirmable GET with Observe=0 and keeps the exchange
// InProgress while notifications arrive.
func (e *Exchange) Observe() error {
	return e.start(actionObserve)
}

func (e *Exchange) start(a action) error {
	if e.stack == nil {
		if e.log != nil {
			e.log.Warnf("[%s] cannot send: exchange has no stack", e.id)
		}
		return ErrNoStack
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.status == StatusInProgress {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Warnf("[%s] request ignored: already in progress", e.id)
		}
		return ErrInProgress
	}

	if e.status == StatusLookupFailed {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Warnf("[%s] request not sent: lookup of %s failed", e.id, e.target.Host)
		}
		return ErrLookupFailed
	}

	if !e.addr.IsValid() {
		e.pending = a
		e.mu.Unlock()
		if e.log != nil {
			e.log.Debugf("[%s] request queued until the target address is known", e.id)
		}
		return nil
	}

	prev := e.status
	var n notifier
	req := e.startLocked(a, &n)
	e.mu.Unlock()

	n.fire()
	return e.transmit(req, prev)
}

// Unobserve ends an Observe relationship by sending a GET with Observe=1
// on the same token. The exchange completes with the server's answer.
func (e *Exchange) Unobserve() error {
	if e.stack == nil {
		return ErrNoStack
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.observing || e.request == nil {
		e.mu.Unlock()
		return ErrNotObserving
	}

	req := e.newRequestLocked()
	req.SetObserve(1)
	req.Token = append([]byte(nil), e.request.Token...)
	e.observing = false
	e.response = nil
	e.mu.Unlock()

	return e.transmit(req, StatusReady)
}

// Cancel abandons the outstanding request or lookup. The exchange returns
// to Ready, or Initial if no address is known.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	if e.stack != nil {
		e.stack.Remove(e)
	}
	e.stopLookupLocked()
	e.pending = actionNone
	e.observing = false

	var n notifier
	if e.addr.IsValid() {
		e.setStatusLocked(StatusReady, &n)
	} else {
		e.setStatusLocked(StatusInitial, &n)
	}
	e.mu.Unlock()

	n.fire()
}

// Close deregisters the exchange from its Stack and drops all callbacks.
// Closing while a lookup or request is outstanding is allowed but logged.
func (e *Exchange) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	if (e.status == StatusLookup || e.status == StatusInProgress) && e.log != nil {
		e.log.Warnf("[%s] closed while %s", e.id, e.status)
	}
	e.closed = true
	e.stopLookupLocked()
	e.pending = actionNone
	e.observing = false
	if e.stack != nil {
		e.stack.Remove(e)
	}
	e.onStatusChanged = nil
	e.onCompleted = nil
	e.onNotification = nil
	e.onTimeout = nil
	e.onTargetChanged = nil
	e.mu.Unlock()
	return nil
}

// HandleMessage implements stack.Owner.
func (e *Exchange) HandleMessage(resp *message.Message) {
	e.mu.Lock()
	if e.closed || e.status != StatusInProgress {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Debugf("[%s] ignoring %s: not waiting for a response", e.id, resp.Code)
		}
		return
	}

	e.response = resp
	var n notifier
	closeAfter := false

	if e.observing {
		if err := e.stack.Rebind(e, resp.Token); err != nil && e.log != nil {
			e.log.Warnf("[%s] keeping observation token: %v", e.id, err)
		}
		cbs := append([]func(*message.Message){}, e.onNotification...)
		n.add(func() {
			for _, cb := range cbs {
				cb(resp)
			}
		})
	} else {
		e.setStatusLocked(StatusCompleted, &n)
		cbs := append([]func(*message.Message){}, e.onCompleted...)
		n.add(func() {
			for _, cb := range cbs {
				cb(resp)
			}
		})
		closeAfter = e.deleteAfterComplete
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.Debugf("[%s] response %s from %s", e.id, resp.Code, resp.Addr)
	}
	n.fire()
	if closeAfter {
		e.Close()
	}
}

// HandleTimeout implements stack.Owner.
func (e *Exchange) HandleTimeout() {
	e.mu.Lock()
	if e.closed || e.status != StatusInProgress {
		e.mu.Unlock()
		return
	}

	e.stack.Remove(e)
	e.observing = false

	var n notifier
	e.setStatusLocked(StatusTimedOut, &n)
	cbs := append([]func(){}, e.onTimeout...)
	n.add(func() {
		for _, cb := range cbs {
			cb()
		}
	})
	closeAfter := e.deleteAfterComplete
	e.mu.Unlock()

	if e.log != nil {
		e.log.Infof("[%s] request to %s timed out", e.id, e.addr)
	}
	n.fire()
	if closeAfter {
		e.Close()
	}
}

// HandleReset implements stack.Owner. The peer rejected the request; the
// exchange returns to Ready without a completion or timeout callback.
func (e *Exchange) HandleReset() {
	e.mu.Lock()
	if e.closed || e.status != StatusInProgress {
		e.mu.Unlock()
		return
	}

	e.stack.Remove(e)
	e.observing = false

	var n notifier
	e.setStatusLocked(StatusReady, &n)
	closeAfter := e.deleteAfterComplete
	e.mu.Unlock()

	if e.log != nil {
		e.log.Infof("[%s] request to %s reset by peer", e.id, e.addr)
	}
	n.fire()
	if closeAfter {
		e.Close()
	}
}

// Content decodes the response payload with the unpacker registered for
// its Content-Format. Returns nil if there is no response, no unpacker or
// the payload does not decode.
func (e *Exchange) Content() any {
	e.mu.Lock()
	resp := e.response
	e.mu.Unlock()

	if resp == nil {
		return nil
	}

	reg := content.Default()
	if e.stack != nil {
		reg = e.stack.Content()
	}

	cf := resp.ContentFormat()
	unpack, ok := reg.Lookup(cf)
	if !ok {
		if e.log != nil {
			e.log.Warnf("[%s] no unpacker for content format %s", e.id, cf)
		}
		return nil
	}
	v, err := unpack(resp.Payload)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("[%s] unpack %s: %v", e.id, cf, err)
		}
		return nil
	}
	return v
}

// ContentRaw returns the response payload, or nil.
func (e *Exchange) ContentRaw() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.response == nil {
		return nil
	}
	return e.response.Payload
}

// transmit hands req to the Stack. If the Stack refuses it, the exchange
// returns to prev.
func (e *Exchange) transmit(req *message.Message, prev Status) error {
	err := e.stack.Transmit(e, req)

	e.mu.Lock()
	if err != nil && !errors.Is(err, stack.ErrSend) {
		var n notifier
		if e.status == StatusInProgress {
			e.observing = false
			e.setStatusLocked(prev, &n)
		}
		e.mu.Unlock()

		if e.log != nil {
			e.log.Warnf("[%s] transmit failed: %v", e.id, err)
		}
		n.fire()
		return err
	}
	e.request = req
	e.mu.Unlock()

	if e.log != nil {
		e.log.Debugf("[%s] sent %s", e.id, req)
	}
	return err
}

// startLocked builds the request for a and moves to InProgress.
func (e *Exchange) startLocked(a action, n *notifier) *message.Message {
	e.pending = actionNone
	e.observing = a == actionObserve
	e.response = nil

	req := e.newRequestLocked()
	if e.observing {
		req.SetObserve(0)
	}
	e.setStatusLocked(StatusInProgress, n)
	return req
}

// runPendingLocked starts a queued request, or settles at Ready.
func (e *Exchange) runPendingLocked(n *notifier) *message.Message {
	if e.pending == actionNone || e.stack == nil {
		e.setStatusLocked(StatusReady, n)
		return nil
	}
	return e.startLocked(e.pending, n)
}

func (e *Exchange) newRequestLocked() *message.Message {
	req := &message.Message{
		Type: message.Confirmable,
		Code: message.GET,
		Addr: e.addr,
	}
	if !e.target.IsLiteral() {
		req.AddOption(message.URIHost, []byte(e.target.Host))
	}
	req.SetPath(e.target.Path)
	for _, q := range e.target.Query {
		req.AddQuery(q)
	}
	return req
}

func (e *Exchange) startLookupLocked(target Target) {
	e.lookupGen++
	gen := e.lookupGen

	ctx, cancel := context.WithTimeout(context.Background(), e.lookupTimeout)
	e.cancelLookup = cancel

	go e.resolve(ctx, cancel, gen, target)
}

func (e *Exchange) stopLookupLocked() {
	e.lookupGen++
	if e.cancelLookup != nil {
		e.cancelLookup()
		e.cancelLookup = nil
	}
}

// resolve runs one host name lookup and applies its result unless a newer
// target superseded it.
func (e *Exchange) resolve(ctx context.Context, cancel context.CancelFunc, gen uint64, target Target) {
	addrs, err := e.resolver.LookupNetIP(ctx, "ip", target.Host)
	cancel()

	e.mu.Lock()
	if e.closed || gen != e.lookupGen {
		e.mu.Unlock()
		return
	}
	e.cancelLookup = nil

	var n notifier
	var req *message.Message

	if err != nil || len(addrs) == 0 {
		e.pending = actionNone
		e.setStatusLocked(StatusLookupFailed, &n)
		e.mu.Unlock()

		if e.log != nil {
			e.log.Warnf("[%s] lookup %s failed: %v", e.id, target.Host, err)
		}
		n.fire()
		return
	}

	e.addr = netip.AddrPortFrom(pickAddr(addrs), target.Port)
	req = e.runPendingLocked(&n)
	e.mu.Unlock()

	if e.log != nil {
		e.log.Debugf("[%s] %s resolved to %s", e.id, target.Host, e.Addr())
	}
	n.fire()
	if req != nil {
		_ = e.transmit(req, StatusReady)
	}
}

// pickAddr prefers IPv4 addresses.
func pickAddr(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap()
		}
	}
	return addrs[0]
}

func (e *Exchange) setStatusLocked(s Status, n *notifier) {
	if e.status == s {
		return
	}
	e.status = s
	cbs := append([]func(Status){}, e.onStatusChanged...)
	n.add(func() {
		for _, cb := range cbs {
			cb(s)
		}
	})
}

func (e *Exchange) notifyTargetLocked(n *notifier) {
	uri := e.target.String()
	cbs := append([]func(string){}, e.onTargetChanged...)
	n.add(func() {
		for _, cb := range cbs {
			cb(uri)
		}
	})
}

// notifier collects callbacks under the lock and runs them after it is
// released.
type notifier []func()

func (n *notifier) add(fn func()) {
	*n = append(*n, fn)
}

func (n notifier) fire() {
	for _, fn := range n {
		fn()
	}
}
