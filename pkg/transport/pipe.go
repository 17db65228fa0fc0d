package transport

import (
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// Impairment describes how a Pipe mistreats datagrams. The zero value is a
// perfect link.
type Impairment struct {
	// DropRate is the probability (0-1) that a datagram is lost.
	DropRate float64

	// DuplicateRate is the probability (0-1) that a datagram arrives twice.
	DuplicateRate float64

	// Latency is added to every datagram, plus up to Jitter at random.
	Latency time.Duration
	Jitter  time.Duration
}

const pipeTickInterval = time.Millisecond

// Pipe is an in-memory datagram link between two endpoints, built on
// pion's test.Bridge. Each end is a PipePacketConn carrying a UDP address,
// so a UDP transport on top of it sees real source addresses and the Stack
// can match ACKs and Resets by peer.
//
//	client UDP ── PipePacketConn ══ Bridge ══ PipePacketConn ── server
//
// Datagrams are delivered by a background ticker until Close.
type Pipe struct {
	bridge *test.Bridge
	stop   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	impairment Impairment
	rng        *rand.Rand
	closed     bool
}

// NewPipe creates a perfect link and starts delivering datagrams.
func NewPipe() *Pipe {
	p := &Pipe{
		bridge: test.NewBridge(),
		stop:   make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	p.wg.Add(1)
	go p.deliver()
	return p
}

func (p *Pipe) deliver() {
	defer p.wg.Done()
	ticker := time.NewTicker(pipeTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.bridge.Tick()
		}
	}
}

// Impair changes the link quality for datagrams written from now on, in
// both directions.
func (p *Pipe) Impair(imp Impairment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.impairment = imp
}

// Seed makes loss and duplication reproducible.
func (p *Pipe) Seed(seed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rand.New(rand.NewSource(seed))
}

// Endpoints returns the two ends of the pipe bound to the given addresses.
// A datagram written on one end is read on the other with the writer's
// address as its source.
func (p *Pipe) Endpoints(addr0, addr1 netip.AddrPort) (*PipePacketConn, *PipePacketConn) {
	return &PipePacketConn{Conn: p.bridge.GetConn0(), local: addr0, peer: addr1, pipe: p},
		&PipePacketConn{Conn: p.bridge.GetConn1(), local: addr1, peer: addr0, pipe: p}
}

// Close stops delivery and closes both ends.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	err := p.bridge.GetConn0().Close()
	if err1 := p.bridge.GetConn1().Close(); err == nil {
		err = err1
	}
	return err
}

// fate rolls the dice for one datagram: how many copies arrive and after
// what delay.
func (p *Pipe) fate() (copies int, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	imp := p.impairment
	if imp.DropRate > 0 && p.rng.Float64() < imp.DropRate {
		return 0, 0
	}
	delay = imp.Latency
	if imp.Jitter > 0 {
		delay += time.Duration(p.rng.Int63n(int64(imp.Jitter)))
	}
	copies = 1
	if imp.DuplicateRate > 0 && p.rng.Float64() < imp.DuplicateRate {
		copies = 2
	}
	return copies, delay
}

// PipePacketConn is one end of a Pipe. It implements net.PacketConn; the
// embedded net.Conn supplies Close and the deadline setters.
type PipePacketConn struct {
	net.Conn
	local netip.AddrPort
	peer  netip.AddrPort
	pipe  *Pipe
}

// ReadFrom reads the next datagram sent by the other end.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.Conn.Read(b)
	return n, net.UDPAddrFromAddrPort(c.peer), err
}

// WriteTo sends b to the other end. addr is ignored: a pipe has one peer.
// Lost datagrams still report success, as UDP would. Delayed datagrams are
// handed to the bridge later without blocking the writer, so a datagram
// with more jitter can be overtaken by the next one.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	copies, delay := c.pipe.fate()
	if delay <= 0 {
		return len(b), c.write(b, copies)
	}

	data := append([]byte(nil), b...)
	time.AfterFunc(delay, func() { _ = c.write(data, copies) })
	return len(b), nil
}

func (c *PipePacketConn) write(b []byte, copies int) error {
	for i := 0; i < copies; i++ {
		if _, err := c.Conn.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// LocalAddr returns the UDP address this end was created with.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.local)
}

var _ net.PacketConn = (*PipePacketConn)(nil)
