// Package serialmux reads correlator packet trains from a serial port and
// fans the raw trains out to debug subscribers.
package serialmux

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/lagview/internal/lagframe"
)

// Stats counts what a TrainReader has done since it was created.
type Stats struct {
	Syncs            uint64 `json:"syncs"`
	Trains           uint64 `json:"trains"`
	MarkerMismatches uint64 `json:"marker_mismatches"`
	BytesRead        uint64 `json:"bytes_read"`
	BytesDiscarded   uint64 `json:"bytes_discarded"`
}

// portReader maps serial port conventions onto the lagframe error set: a
// timed out read returns (0, nil) from the port and becomes ErrReadTimeout,
// EOF and port failures become ErrConnectionLost.
type portReader struct {
	port SerialPorter
}

func (p portReader) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		return 0, lagframe.ErrReadTimeout
	}
	if errors.Is(err, io.EOF) {
		return 0, lagframe.ErrConnectionLost
	}
	return 0, fmt.Errorf("%w: %w", lagframe.ErrConnectionLost, err)
}

// TrainReader synchronises on the train marker and returns whole packet
// trains. The marker is checked at the start of every train; a train that
// does not start with it is discarded and the next read resynchronises.
type TrainReader struct {
	port       SerialPorter
	layout     lagframe.Layout
	br         *bufio.Reader
	sync       *lagframe.Synchronizer
	syncBudget int
	synced     atomic.Bool

	mu          sync.Mutex
	stats       Stats
	subscribers map[string]chan []byte
}

// DefaultSyncBudget is the number of bytes searched for a marker before
// giving up: four full trains.
func DefaultSyncBudget(l lagframe.Layout) int {
	return 4*l.TrainBytes() + len(l.Marker)
}

// NewTrainReader wraps port for the layout. A syncBudget of zero uses
// DefaultSyncBudget.
func NewTrainReader(port SerialPorter, l lagframe.Layout, syncBudget int) (*TrainReader, error) {
	if len(l.Marker) == 0 {
		return nil, fmt.Errorf("layout %q has no train marker", l.Name)
	}
	if syncBudget <= 0 {
		syncBudget = DefaultSyncBudget(l)
	}
	return &TrainReader{
		port:        port,
		layout:      l,
		br:          bufio.NewReaderSize(portReader{port: port}, l.TrainBytes()),
		sync:        lagframe.NewSynchronizer(l.Marker),
		syncBudget:  syncBudget,
		subscribers: make(map[string]chan []byte),
	}, nil
}

// ReadExact blocks until len(buf) bytes have been read.
func (r *TrainReader) ReadExact(buf []byte) error {
	n, err := io.ReadFull(r.br, buf)
	r.count(func(s *Stats) { s.BytesRead += uint64(n) })
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return lagframe.ErrConnectionLost
		}
		return err
	}
	return nil
}

// Synced reports whether the reader is aligned on a train boundary.
func (r *TrainReader) Synced() bool {
	return r.synced.Load()
}

// Resync forces the next ReadTrain to search for the marker again.
func (r *TrainReader) Resync() {
	r.synced.Store(false)
}

// ReadTrain returns the next packet train, synchronising first when needed.
func (r *TrainReader) ReadTrain() ([]byte, error) {
	if !r.synced.Load() {
		if err := r.align(); err != nil {
			return nil, err
		}
	}

	train := make([]byte, r.layout.TrainBytes())
	if err := r.ReadExact(train); err != nil {
		r.synced.Store(false)
		return nil, err
	}
	if !bytes.HasPrefix(train, r.layout.Marker) {
		r.synced.Store(false)
		r.count(func(s *Stats) {
			s.MarkerMismatches++
			s.BytesDiscarded += uint64(len(train))
		})
		return nil, fmt.Errorf("%w: train starts with % x", lagframe.ErrMarkerMismatch, train[:len(r.layout.Marker)])
	}
	r.count(func(s *Stats) { s.Trains++ })
	r.publish(train)
	return train, nil
}

// align finds the marker and skips the rest of the train it opened.
func (r *TrainReader) align() error {
	n, err := r.sync.Sync(r.br, r.syncBudget)
	r.count(func(s *Stats) {
		s.BytesRead += uint64(n)
		s.BytesDiscarded += uint64(n)
	})
	if err != nil {
		return err
	}
	skip := make([]byte, r.layout.ResyncBytes())
	if err := r.ReadExact(skip); err != nil {
		return err
	}
	r.count(func(s *Stats) {
		s.BytesDiscarded += uint64(len(skip))
		s.Syncs++
	})
	r.synced.Store(true)
	return nil
}

func (r *TrainReader) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

// Stats returns a copy of the reader counters.
func (r *TrainReader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Subscribe returns a channel receiving a copy of every train read. Slow
// subscribers miss trains rather than blocking the reader.
func (r *TrainReader) Subscribe() (string, chan []byte) {
	id := randomID()
	ch := make(chan []byte, 4)
	r.mu.Lock()
	r.subscribers[id] = ch
	r.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *TrainReader) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		close(ch)
		delete(r.subscribers, id)
	}
}

func (r *TrainReader) publish(train []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subscribers) == 0 {
		return
	}
	cp := append([]byte(nil), train...)
	for _, ch := range r.subscribers {
		select {
		case ch <- cp:
		default:
		}
	}
}

// Close closes all subscriber channels and the port.
func (r *TrainReader) Close() error {
	r.mu.Lock()
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
	r.mu.Unlock()
	return r.port.Close()
}
