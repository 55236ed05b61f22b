// Package transport owns the shared datagram socket for a sender or
// receiver session (spec.md §4.4, "Connection manager"): it dials or
// binds the UDP socket, sizes its buffers, and defines the narrow
// PacketConn interface the sender/receiver state machines program
// against so tests can substitute an in-memory lossy pipe instead of a
// real kernel socket.
package transport

import (
	"fmt"
	"net"
	"time"

	"reliable-udp/internal/config"
)

// PacketConn is the subset of net.PacketConn the protocol state
// machines need. net.UDPConn satisfies it directly.
type PacketConn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dial resolves host:port for the sender side and opens an unconnected
// UDP socket on an ephemeral local port (the sender addresses every
// datagram with WriteTo, which a connected UDP socket rejects), sizing
// its buffers the way the teacher's transferOnce did.
func Dial(host string, port int) (*net.UDPConn, net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, nil, fmt.Errorf("transport: resolve %s:%d: %w", host, port, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: dial %s:%d: %w", host, port, err)
	}
	_ = conn.SetReadBuffer(config.DefaultReadBuffer)
	_ = conn.SetWriteBuffer(config.DefaultWriteBuffer)
	return conn, addr, nil
}

// Listen opens a UDP socket bound to 0.0.0.0:port for the receiver
// side (spec.md §6: bind address is always 0.0.0.0).
func Listen(port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve bind port %d: %w", port, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on port %d: %w", port, err)
	}
	_ = conn.SetReadBuffer(config.DefaultReadBuffer)
	_ = conn.SetWriteBuffer(config.DefaultWriteBuffer)
	return conn, nil
}
