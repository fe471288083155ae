package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/lagview/internal/monitoring"
)

// forwardQueue is the number of datagrams buffered for the mirror socket.
const forwardQueue = 1000

// DropCounter records datagrams the forwarder could not deliver.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder mirrors received datagrams to a second address, such as
// a recorder or another viewer. Forwarding never blocks the receive path.
type PacketForwarder struct {
	conn   *net.UDPConn
	queue  chan []byte
	drops  DropCounter
	errLog *monitoring.Throttle
	target string
}

// NewPacketForwarder dials target. Write failures are logged at most once
// per logInterval (a minute when logInterval is not positive).
func NewPacketForwarder(target string, drops DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address %s: %w", target, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial forward address %s: %w", target, err)
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:   conn,
		queue:  make(chan []byte, forwardQueue),
		drops:  drops,
		errLog: monitoring.NewThrottle(logInterval, nil),
		target: target,
	}, nil
}

// Start drains the queue onto the mirror socket until ctx ends or Close is
// called.
func (f *PacketForwarder) Start(ctx context.Context) {
	monitoring.Logf("mirroring datagrams to %s", f.target)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-f.queue:
				if !ok {
					return
				}
				f.send(b)
			}
		}
	}()
}

func (f *PacketForwarder) send(b []byte) {
	if _, err := f.conn.Write(b); err != nil {
		f.count()
		f.errLog.Logf("forward to %s failed: %v", f.target, err)
	}
}

func (f *PacketForwarder) count() {
	if f.drops != nil {
		f.drops.AddDropped()
	}
}

// ForwardAsync queues a copy of packet. When the queue is full the packet
// is dropped and counted.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	select {
	case f.queue <- append([]byte(nil), packet...):
	default:
		f.count()
	}
}

// Close stops the queue and closes the mirror socket. Datagrams still
// queued are discarded.
func (f *PacketForwarder) Close() error {
	close(f.queue)
	return f.conn.Close()
}
