// Package transport carries CoAP messages over UDP.
//
// The UDP transport encodes outgoing messages, decodes incoming datagrams
// and hands valid ones to a Handler, usually stack.Stack.Receive. Malformed
// datagrams are dropped at the read loop.
package transport

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/iotlib/coap/pkg/message"
	"github.com/pion/logging"
)

// maxDatagramSize is the read buffer size. Datagrams larger than
// message.MaxUDPMessageSize are still read whole so they decode or fail
// cleanly instead of being truncated.
const maxDatagramSize = 65535

// Handler is called for each valid received message, on the read loop
// goroutine.
type Handler func(msg *message.Message)

// UDP provides UDP transport for CoAP messages.
// It wraps a net.PacketConn and runs a read loop that calls the configured
// Handler for each decoded message. The socket can be replaced at runtime
// with Rebind.
type UDP struct {
	handler Handler
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	conn    net.PacketConn
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new connection will be created using ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":5683").
	// Ignored if Conn is provided. Defaults to an ephemeral port.
	ListenAddr string

	// Handler is called for each received message.
	// Required.
	Handler Handler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a new UDP transport with the given configuration.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.Handler,
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}

		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// Start begins the read loop for receiving messages.
func (u *UDP) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}
	if u.started {
		return ErrAlreadyStarted
	}
	u.started = true

	if u.conn != nil {
		if u.log != nil {
			u.log.Infof("starting UDP transport on %s", u.conn.LocalAddr())
		}
		u.startLoopLocked(u.conn)
	}
	return nil
}

// Stop closes the transport and waits for the read loop to exit.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	if u.log != nil {
		u.log.Info("stopping UDP transport")
	}

	if conn != nil {
		closeConn(conn)
	}
	u.wg.Wait()

	return nil
}

// Rebind replaces the socket with one listening on addr. The old socket
// is closed first so the same port can be bound again. If listening
// fails the transport is left unbound.
func (u *UDP) Rebind(addr string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}
	if u.conn != nil {
		closeConn(u.conn)
		u.conn = nil
	}

	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		if u.log != nil {
			u.log.Warnf("bind %s failed: %v", addr, err)
		}
		return err
	}
	u.conn = conn

	if u.log != nil {
		u.log.Infof("UDP transport bound to %s", conn.LocalAddr())
	}
	if u.started {
		u.startLoopLocked(conn)
	}
	return nil
}

// Unbind closes the socket without stopping the transport. Send fails
// with ErrNotBound until the next Rebind.
func (u *UDP) Unbind() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn == nil {
		return
	}
	if u.log != nil {
		u.log.Infof("UDP transport unbound from %s", u.conn.LocalAddr())
	}
	closeConn(u.conn)
	u.conn = nil
}

// Send encodes msg and writes it to msg.Addr.
func (u *UDP) Send(msg *message.Message) error {
	u.mu.RLock()
	if u.closed {
		u.mu.RUnlock()
		return ErrClosed
	}
	conn := u.conn
	u.mu.RUnlock()

	if conn == nil {
		return ErrNotBound
	}
	if !msg.Addr.IsValid() {
		return ErrInvalidAddress
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if len(data) > message.MaxUDPMessageSize {
		return ErrMessageTooLarge
	}

	if u.log != nil {
		u.log.Tracef("sending %d bytes to %s", len(data), msg.Addr)
	}

	if _, err := conn.WriteTo(data, net.UDPAddrFromAddrPort(msg.Addr)); err != nil {
		if u.log != nil {
			u.log.Warnf("send failed: %v", err)
		}
		return err
	}
	return nil
}

// LocalAddr returns the local address the transport is listening on, or
// nil while unbound.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// IsBound reports whether the transport currently has a socket.
func (u *UDP) IsBound() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.conn != nil
}

func (u *UDP) startLoopLocked(conn net.PacketConn) {
	u.wg.Add(1)
	go u.readLoop(conn)
}

// current reports whether conn is still the active socket.
func (u *UDP) current(conn net.PacketConn) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return !u.closed && u.conn == conn
}

// readLoop reads datagrams from conn until it is closed or replaced.
func (u *UDP) readLoop(conn net.PacketConn) {
	defer u.wg.Done()

	buf := make([]byte, maxDatagramSize)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !u.current(conn) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			if u.log != nil {
				u.log.Warnf("UDP read error: %v", err)
			}
			continue
		}

		if n == 0 {
			continue
		}

		msg := message.Decode(buf[:n])
		msg.Addr = addrPortOf(addr)

		if !msg.IsValid() {
			if u.log != nil {
				u.log.Debugf("dropping malformed datagram (%d bytes) from %v: %s", n, addr, msg.Errors())
			}
			continue
		}

		if u.log != nil {
			u.log.Tracef("received %s from %s", msg, msg.Addr)
		}

		u.handler(msg)
	}
}

func closeConn(conn net.PacketConn) {
	// Unblock a pending read before closing.
	_ = conn.SetReadDeadline(time.Now())
	_ = conn.Close()
}

// addrPortOf converts a socket address to a netip.AddrPort with IPv4-mapped
// addresses unmapped.
func addrPortOf(addr net.Addr) netip.AddrPort {
	if a, ok := addr.(*net.UDPAddr); ok {
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	if addr == nil {
		return netip.AddrPort{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
