package transport

import (
	"errors"
	"net"
	"time"
)

// FakeAddr is a minimal net.Addr used by the in-memory channel pair
// below, so tests never need a real socket.
type FakeAddr string

func (a FakeAddr) Network() string { return "fake" }
func (a FakeAddr) String() string  { return string(a) }

// Impairment decides, for each datagram written, whether it should be
// dropped and/or have its payload corrupted before the peer sees it —
// the in-process equivalent of the teacher's single-shot DropPolicy,
// generalized to also flip bytes so CRC-failure tests don't need a
// real network.
type Impairment func(seq int, b []byte) (drop bool, mutated []byte)

// FakeConn is a PacketConn backed by a buffered channel, with an
// optional Impairment applied to every outbound write. Two FakeConns
// wired to each other's inbound channel form a lossy loopback pipe.
type FakeConn struct {
	self     FakeAddr
	peer     FakeAddr
	out      chan<- []byte
	in       <-chan []byte
	impair   Impairment
	seq      int
	deadline time.Time
	closed   chan struct{}
}

// NewFakePair builds two connected FakeConns, a and b, addressed as
// the given names.
func NewFakePair(nameA, nameB string, capacity int) (a, b *FakeConn) {
	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	a = &FakeConn{self: FakeAddr(nameA), peer: FakeAddr(nameB), out: ab, in: ba, closed: make(chan struct{})}
	b = &FakeConn{self: FakeAddr(nameB), peer: FakeAddr(nameA), out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

// SetImpairment installs (or clears, with nil) the write-side impairment.
func (c *FakeConn) SetImpairment(imp Impairment) { c.impair = imp }

func (c *FakeConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	cp := append([]byte(nil), b...)
	seq := c.seq
	c.seq++
	if c.impair != nil {
		drop, mutated := c.impair(seq, cp)
		if drop {
			return len(b), nil
		}
		cp = mutated
	}
	select {
	case c.out <- cp:
		return len(b), nil
	case <-c.closed:
		return 0, errors.New("transport: fake conn closed")
	}
}

func (c *FakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	deadline := c.deadline
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, timeoutError{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case p, ok := <-c.in:
		if !ok {
			return 0, nil, errors.New("transport: fake conn closed")
		}
		n := copy(b, p)
		return n, c.peer, nil
	case <-timeout:
		return 0, nil, timeoutError{}
	case <-c.closed:
		return 0, nil, errors.New("transport: fake conn closed")
	}
}

func (c *FakeConn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *FakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// timeoutError is the net.Error ReadFrom returns once the read deadline
// passes, so callers can detect it through Timeout().
type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: fake conn read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
