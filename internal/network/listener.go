// Package network receives correlator datagrams over UDP, from live sockets
// or recorded captures.
package network

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/banshee-data/lagview/internal/lagframe"
)

// DatagramSource supplies discrete datagrams without blocking.
type DatagramSource interface {
	// TryReceive returns the next pending datagram, or ok=false when none is
	// immediately available. The returned slice is only valid until the
	// next call.
	TryReceive() (datagram []byte, ok bool, err error)
	Close() error
}

// DefaultPollWindow is how long TryReceive waits for a datagram that is
// already in flight. A deadline in the past makes the read return at once
// without looking at the socket, so a short window is used instead.
const DefaultPollWindow = time.Millisecond

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// ListenerConfig contains configuration options for the UDP listener
type ListenerConfig struct {
	Address    string
	RcvBuf     int
	PollWindow time.Duration
	Factory    UDPSocketFactory
	Stats      *PacketStats
	Forwarder  *PacketForwarder
}

// Listener receives correlator datagrams from a UDP socket.
type Listener struct {
	address    string
	rcvBuf     int
	pollWindow time.Duration
	factory    UDPSocketFactory
	stats      *PacketStats
	forwarder  *PacketForwarder

	conn   UDPSocket
	buffer []byte
}

// NewListener creates a new UDP listener with the provided configuration
func NewListener(config ListenerConfig) *Listener {
	pollWindow := config.PollWindow
	if pollWindow <= 0 {
		pollWindow = DefaultPollWindow
	}
	factory := config.Factory
	if factory == nil {
		factory = NewRealUDPSocketFactory()
	}
	stats := config.Stats
	if stats == nil {
		stats = &PacketStats{}
	}
	return &Listener{
		address:    config.Address,
		rcvBuf:     config.RcvBuf,
		pollWindow: pollWindow,
		factory:    factory,
		stats:      stats,
		forwarder:  config.Forwarder,
		buffer:     make([]byte, maxDatagram),
	}
}

// Open binds the socket.
func (l *Listener) Open() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
		CheckReceiveBuffer(l.rcvBuf)
	}

	log.Printf("UDP listener started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)
	return nil
}

// LocalAddr returns the bound address, or nil before Open.
func (l *Listener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Stats returns the listener's packet counters.
func (l *Listener) Stats() *PacketStats {
	return l.stats
}

// TryReceive implements DatagramSource.
func (l *Listener) TryReceive() ([]byte, bool, error) {
	if l.conn == nil {
		return nil, false, lagframe.ErrConnectionLost
	}
	if err := l.conn.SetReadDeadline(time.Now().Add(l.pollWindow)); err != nil {
		return nil, false, fmt.Errorf("%w: %w", lagframe.ErrConnectionLost, err)
	}
	n, _, err := l.conn.ReadFromUDP(l.buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, false, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, false, lagframe.ErrConnectionLost
		}
		return nil, false, err
	}

	packet := l.buffer[:n]
	l.stats.AddPacket(n)
	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}
	return packet, true, nil
}

// Drain hands every immediately available datagram to fn, stopping after
// max datagrams. It returns how many were received.
func (l *Listener) Drain(max int, fn func([]byte)) (int, error) {
	return Drain(l, max, fn)
}

// Drain receives from any DatagramSource until it runs dry or max datagrams
// have been handled.
func Drain(src DatagramSource, max int, fn func([]byte)) (int, error) {
	n := 0
	for n < max {
		pkt, ok, err := src.TryReceive()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
		fn(pkt)
	}
	return n, nil
}

// Close closes the UDP listener and releases resources
func (l *Listener) Close() error {
	if l.conn != nil {
		err := l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}
