package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/network"
	"github.com/banshee-data/lagview/internal/serialmux"
)

// Link is an open transport. Poll performs one tick of reading: it hands
// every decoded frame to frame and every dropped frame's error to drop, and
// returns how many units (datagrams or trains) were read.
type Link interface {
	Poll(ctx context.Context, frame func(lagframe.LagFrame), drop func(error)) (int, error)
	Close() error
}

// Dialer opens a new Link. It is called again after every transport error.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
	Transport() string
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc struct {
	Name string
	Fn   func(ctx context.Context) (Link, error)
}

// Dial calls the wrapped function.
func (d DialFunc) Dial(ctx context.Context) (Link, error) { return d.Fn(ctx) }

// Transport names the transport for status and session records.
func (d DialFunc) Transport() string { return d.Name }

// DatagramLink decodes one frame per datagram, draining at most DrainCap
// datagrams per tick.
type DatagramLink struct {
	Source   network.DatagramSource
	Decoder  *lagframe.Decoder
	DrainCap int
}

// Poll implements Link.
func (d *DatagramLink) Poll(ctx context.Context, frame func(lagframe.LagFrame), drop func(error)) (int, error) {
	return network.Drain(d.Source, d.DrainCap, func(pkt []byte) {
		f, err := d.Decoder.Decode(pkt)
		if err != nil {
			drop(err)
			return
		}
		frame(f)
	})
}

// Close closes the datagram source.
func (d *DatagramLink) Close() error {
	return d.Source.Close()
}

// TrainLink reads exactly one serial packet train per tick.
type TrainLink struct {
	Reader  *serialmux.TrainReader
	Decoder *lagframe.Decoder
}

// Poll implements Link. It blocks for at most the port read timeout per
// read.
func (t *TrainLink) Poll(ctx context.Context, frame func(lagframe.LagFrame), drop func(error)) (int, error) {
	train, err := t.Reader.ReadTrain()
	if err != nil {
		return 0, err
	}
	frames, errs := t.Decoder.DecodeTrain(train)
	for _, e := range errs {
		drop(e)
	}
	for _, f := range frames {
		frame(f)
	}
	return 1, nil
}

// Close closes the train reader and its port.
func (t *TrainLink) Close() error {
	return t.Reader.Close()
}

// UDPDialer opens a network.Listener on every dial.
type UDPDialer struct {
	Config   network.ListenerConfig
	Layout   lagframe.Layout
	DrainCap int
}

// Dial implements Dialer.
func (u *UDPDialer) Dial(ctx context.Context) (Link, error) {
	l := network.NewListener(u.Config)
	if err := l.Open(); err != nil {
		return nil, fmt.Errorf("%w: %w", lagframe.ErrConnectionLost, err)
	}
	return &DatagramLink{Source: l, Decoder: lagframe.NewDecoder(u.Layout), DrainCap: u.DrainCap}, nil
}

// Transport implements Dialer.
func (u *UDPDialer) Transport() string { return "udp" }

// SerialDialer opens the serial device on every dial and keeps the current
// TrainReader available for the debug routes.
type SerialDialer struct {
	Factory    serialmux.SerialPortFactory
	Device     string
	Options    serialmux.PortOptions
	Layout     lagframe.Layout
	SyncBudget int

	mu      sync.Mutex
	current *serialmux.TrainReader
}

// Dial implements Dialer.
func (s *SerialDialer) Dial(ctx context.Context) (Link, error) {
	factory := s.Factory
	if factory == nil {
		factory = serialmux.RealPortFactory
	}
	port, err := factory.Open(s.Device, s.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lagframe.ErrConnectionLost, err)
	}
	r, err := serialmux.NewTrainReader(port, s.Layout, s.SyncBudget)
	if err != nil {
		port.Close()
		return nil, err
	}
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
	return &serialLink{TrainLink: TrainLink{Reader: r, Decoder: lagframe.NewDecoder(s.Layout)}, owner: s}, nil
}

// Transport implements Dialer.
func (s *SerialDialer) Transport() string { return "serial" }

// Current returns the reader of the open link, or nil.
func (s *SerialDialer) Current() *serialmux.TrainReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type serialLink struct {
	TrainLink
	owner *SerialDialer
}

func (l *serialLink) Close() error {
	l.owner.mu.Lock()
	if l.owner.current == l.Reader {
		l.owner.current = nil
	}
	l.owner.mu.Unlock()
	return l.TrainLink.Close()
}

// QueueDialer serves a single pre-filled datagram queue, such as a capture
// replay. Once the queue is finished and drained further dials fail.
type QueueDialer struct {
	Name     string
	Queue    *network.QueueSource
	Layout   lagframe.Layout
	DrainCap int

	mu   sync.Mutex
	used bool
}

// Dial implements Dialer.
func (q *QueueDialer) Dial(ctx context.Context) (Link, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used {
		return nil, fmt.Errorf("%w: %s source exhausted", lagframe.ErrConnectionLost, q.Name)
	}
	q.used = true
	return &DatagramLink{Source: q.Queue, Decoder: lagframe.NewDecoder(q.Layout), DrainCap: q.DrainCap}, nil
}

// Transport implements Dialer.
func (q *QueueDialer) Transport() string { return q.Name }
