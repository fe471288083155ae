package ingest

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/serialmux"
	"github.com/banshee-data/lagview/internal/timeutil"
)

// Synthetic lag amplitudes.
const (
	synthFloor = 1000
	synthNoise = 200
	synthPeak  = 50000
)

// Synth generates lag frames for bench testing. Every baseline carries a
// noisy floor with one peak; the peak moves one bin per train, each
// baseline starting from a different bin.
type Synth struct {
	layout lagframe.Layout
	rng    *rand.Rand
	step   int
}

// NewSynth returns a generator seeded with seed.
func NewSynth(l lagframe.Layout, seed uint64) *Synth {
	return &Synth{layout: l, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// PeakBin returns where baseline's peak sits in the next train.
func (s *Synth) PeakBin(baseline int) int {
	span := s.layout.LagCount - s.layout.SkipThreshold
	if span <= 0 {
		return 0
	}
	return s.layout.SkipThreshold + (baseline*7+s.step)%span
}

// Train returns one frame per baseline, in baseline order, and advances the
// peak positions.
func (s *Synth) Train() []lagframe.LagFrame {
	n := s.layout.BaselineCount()
	frames := make([]lagframe.LagFrame, n)
	for b := 0; b < n; b++ {
		lags := make([]float64, s.layout.LagCount)
		for j := s.layout.SkipThreshold; j < len(lags); j++ {
			lags[j] = float64(synthFloor + s.rng.IntN(synthNoise))
		}
		if peak := s.PeakBin(b); peak < len(lags) {
			lags[peak] = synthPeak
		}
		frames[b] = lagframe.LagFrame{BaselineID: b, Lags: lags}
	}
	s.step++
	return frames
}

// SimSource is a network.DatagramSource that produces one encoded train of
// datagrams every period.
type SimSource struct {
	synth   *Synth
	encoder *lagframe.Encoder
	clock   timeutil.Clock
	period  time.Duration

	mu      sync.Mutex
	next    time.Time
	pending [][]byte
	closed  bool
}

// NewSimSource returns a source that emits its first train immediately.
func NewSimSource(l lagframe.Layout, period time.Duration, seed uint64, clock timeutil.Clock) *SimSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	return &SimSource{
		synth:   NewSynth(l, seed),
		encoder: lagframe.NewEncoder(l),
		clock:   clock,
		period:  period,
		next:    clock.Now(),
	}
}

// TryReceive implements network.DatagramSource.
func (s *SimSource) TryReceive() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, fmt.Errorf("%w: simulator closed", lagframe.ErrConnectionLost)
	}
	if len(s.pending) == 0 {
		now := s.clock.Now()
		if now.Before(s.next) {
			return nil, false, nil
		}
		for _, f := range s.synth.Train() {
			b, err := s.encoder.Encode(f)
			if err != nil {
				return nil, false, err
			}
			s.pending = append(s.pending, b)
		}
		s.next = now.Add(s.period)
	}
	d := s.pending[0]
	s.pending = s.pending[1:]
	return d, true, nil
}

// Close implements network.DatagramSource.
func (s *SimSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	return nil
}

// SimPort is a serialmux.SerialPorter that streams encoded packet trains,
// one every period. Reads block until the next train is due.
type SimPort struct {
	synth   *Synth
	encoder *lagframe.Encoder
	clock   timeutil.Clock
	period  time.Duration

	mu      sync.Mutex
	next    time.Time
	pending []byte
	closed  bool
}

// NewSimPort returns a port whose first train is available immediately.
func NewSimPort(l lagframe.Layout, period time.Duration, seed uint64, clock timeutil.Clock) *SimPort {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	return &SimPort{
		synth:   NewSynth(l, seed),
		encoder: lagframe.NewEncoder(l),
		clock:   clock,
		period:  period,
		next:    clock.Now(),
	}
}

// Read implements io.Reader.
func (p *SimPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if len(p.pending) == 0 {
		if wait := p.next.Sub(p.clock.Now()); wait > 0 {
			p.mu.Unlock()
			<-p.clock.After(wait)
			p.mu.Lock()
			if p.closed {
				return 0, io.EOF
			}
		}
		train, err := p.encoder.EncodeTrain(p.synth.Train())
		if err != nil {
			return 0, err
		}
		p.pending = train
		p.next = p.clock.Now().Add(p.period)
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Write discards b.
func (p *SimPort) Write(b []byte) (int, error) {
	return len(b), nil
}

// Close implements io.Closer.
func (p *SimPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type simSerialDialer struct {
	*SerialDialer
}

func (simSerialDialer) Transport() string { return "sim" }

// SimDialer returns a dialer over synthetic data. Layouts whose frames
// carry a baseline header get datagrams; positional layouts get a
// simulated serial port so trains go through marker synchronisation.
func SimDialer(l lagframe.Layout, period time.Duration, seed uint64, drainCap int, clock timeutil.Clock) Dialer {
	if lagframe.NewValidator(l) == nil {
		open := func(string, serialmux.PortOptions) (serialmux.SerialPorter, error) {
			return NewSimPort(l, period, seed, clock), nil
		}
		return simSerialDialer{&SerialDialer{
			Factory: serialmux.SerialPortOpener(open),
			Device:  "sim",
			Layout:  l,
		}}
	}
	return DialFunc{
		Name: "sim",
		Fn: func(ctx context.Context) (Link, error) {
			return &DatagramLink{
				Source:   NewSimSource(l, period, seed, clock),
				Decoder:  lagframe.NewDecoder(l),
				DrainCap: drainCap,
			}, nil
		},
	}
}
