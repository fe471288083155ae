package network

import (
	"context"
	"sync"

	"github.com/banshee-data/lagview/internal/lagframe"
)

// QueueSource is a DatagramSource fed by a producer goroutine, such as a
// capture replay or the built-in simulator.
type QueueSource struct {
	ch        chan []byte
	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	finished bool
}

// NewQueueSource returns a source buffering up to depth datagrams.
func NewQueueSource(depth int) *QueueSource {
	if depth <= 0 {
		depth = 1024
	}
	return &QueueSource{
		ch:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

// Push queues a copy of datagram, blocking while the queue is full.
func (q *QueueSource) Push(ctx context.Context, datagram []byte) error {
	cp := append([]byte(nil), datagram...)
	select {
	case q.ch <- cp:
		return nil
	case <-q.done:
		return lagframe.ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish marks the end of the stream. Receivers see ErrConnectionLost once
// the queued datagrams have been consumed.
func (q *QueueSource) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
}

// TryReceive implements DatagramSource.
func (q *QueueSource) TryReceive() ([]byte, bool, error) {
	select {
	case d := <-q.ch:
		return d, true, nil
	case <-q.done:
		return nil, false, lagframe.ErrConnectionLost
	default:
	}
	q.mu.Lock()
	finished := q.finished
	q.mu.Unlock()
	if finished {
		return nil, false, lagframe.ErrConnectionLost
	}
	return nil, false, nil
}

// Close stops the source and unblocks producers.
func (q *QueueSource) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
