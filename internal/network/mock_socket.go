package network

import (
	"net"
	"sync"
	"time"
)

// MockUDPSocket is a UDPSocket fed from memory. When no datagram is queued
// a read fails with a timeout, as an idle socket with a deadline does.
type MockUDPSocket struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool

	// ReadError fails the next read once.
	ReadError error
	// SetReadBufferError is returned by every SetReadBuffer call.
	SetReadBufferError error

	// Recorded by the corresponding setters.
	ReadBufferSize int
	ReadDeadline   time.Time

	// Local is returned by LocalAddr and as the sender of every datagram.
	Local *net.UDPAddr
}

// NewMockUDPSocket returns a socket with datagrams already queued.
func NewMockUDPSocket(datagrams ...[]byte) *MockUDPSocket {
	m := &MockUDPSocket{Local: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000}}
	m.Queue(datagrams...)
	return m
}

// Queue appends datagrams for later reads.
func (m *MockUDPSocket) Queue(datagrams ...[]byte) {
	m.mu.Lock()
	m.queue = append(m.queue, datagrams...)
	m.mu.Unlock()
}

// Remaining returns how many queued datagrams are unread.
func (m *MockUDPSocket) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// IsClosed reports whether Close was called.
func (m *MockUDPSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return 0, nil, net.ErrClosed
	case m.ReadError != nil:
		err := m.ReadError
		m.ReadError = nil
		return 0, nil, err
	case len(m.queue) == 0:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Addr: m.Local, Err: timeoutError{}}
	}
	d := m.queue[0]
	m.queue = m.queue[1:]
	return copy(b, d), m.Local, nil
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.ReadBufferSize = bytes
	return nil
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.ReadDeadline = t
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.Local
}

// MockUDPSocketFactory hands out one MockUDPSocket and records the
// addresses it was asked to bind.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	// Error fails every ListenUDP call when set.
	Error    error
	Listened []*net.UDPAddr
}

// NewMockUDPSocketFactory returns a factory serving socket.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.Listened = append(f.Listened, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
