// Package aggregate keeps the latest lag function and its statistics for
// every baseline and hands out consistent snapshots to readers.
package aggregate

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/timeutil"
)

// BaselineState is the aggregate for one baseline. Min and Max are extrema
// of the latest frame only.
type BaselineState struct {
	BaselineID int       `json:"baseline_id"`
	Lags       []float64 `json:"lags"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Range      float64   `json:"range"`
	PeakBin    int       `json:"peak_bin"`
	Frames     uint64    `json:"frames"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (b BaselineState) clone() BaselineState {
	b.Lags = append([]float64(nil), b.Lags...)
	return b
}

// Aggregator owns the BaselineState of every baseline in a layout. Update
// and Snapshot may be called from different goroutines.
type Aggregator struct {
	layout lagframe.Layout
	clock  timeutil.Clock

	mu        sync.RWMutex
	baselines []BaselineState
	rejected  uint64
}

// New creates an aggregator with every baseline at its start-up defaults.
func New(l lagframe.Layout, clock timeutil.Clock) *Aggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	a := &Aggregator{
		layout:    l,
		clock:     clock,
		baselines: make([]BaselineState, l.BaselineCount()),
	}
	for i := range a.baselines {
		a.baselines[i] = BaselineState{
			BaselineID: i,
			Lags:       make([]float64, l.LagCount),
			Min:        lagframe.MinSentinel,
			Max:        lagframe.MaxSentinel,
			Range:      l.RangeFloor,
			PeakBin:    l.DefaultPeakBin(),
		}
	}
	return a
}

// Layout returns the layout the aggregator was built for.
func (a *Aggregator) Layout() lagframe.Layout {
	return a.layout
}

// Update replaces the state of the frame's baseline. Frames for baselines
// outside the layout, or with the wrong number of lags, are rejected without
// touching any state.
func (a *Aggregator) Update(f lagframe.LagFrame) error {
	l := a.layout
	if f.BaselineID < 0 || f.BaselineID >= len(a.baselines) {
		a.mu.Lock()
		a.rejected++
		a.mu.Unlock()
		return fmt.Errorf("baseline %d outside [0, %d): %w", f.BaselineID, len(a.baselines), lagframe.ErrUnrecognizedBaseline)
	}
	if len(f.Lags) != l.LagCount {
		a.mu.Lock()
		a.rejected++
		a.mu.Unlock()
		return fmt.Errorf("baseline %d: frame has %d lags, want %d", f.BaselineID, len(f.Lags), l.LagCount)
	}

	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	b := &a.baselines[f.BaselineID]
	b.Min = lagframe.MinSentinel
	b.Max = lagframe.MaxSentinel
	copy(b.Lags, f.Lags)

	peak := -1
	for j := l.SkipThreshold; j < l.LagCount; j++ {
		v := b.Lags[j]
		if v > b.Max {
			b.Max = v
			peak = j
		}
		if v != 0 && v < b.Min {
			b.Min = v
		}
	}
	if peak >= 0 {
		b.PeakBin = peak
	} else {
		b.PeakBin = clamp(b.PeakBin, l.SkipThreshold, l.LagCount-1)
	}

	b.Range = b.Max - b.Min
	if b.Range < l.RangeFloor {
		b.Range = l.RangeFloor
	}
	b.Frames++
	b.UpdatedAt = now
	return nil
}

// Rejected returns how many frames Update has refused.
func (a *Aggregator) Rejected() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rejected
}

// Baseline returns a copy of one baseline's state.
func (a *Aggregator) Baseline(id int) (BaselineState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id < 0 || id >= len(a.baselines) {
		return BaselineState{}, false
	}
	return a.baselines[id].clone(), true
}

// Snapshot returns a deep copy of every baseline. Every baseline in the
// snapshot reflects a whole frame.
func (a *Aggregator) Snapshot() Snapshot {
	now := a.clock.Now()
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Profile:       a.layout.Name,
		LagCount:      a.layout.LagCount,
		SkipThreshold: a.layout.SkipThreshold,
		RangeFloor:    a.layout.RangeFloor,
		Connected:     true,
		Selected:      AllBaselines,
		TakenAt:       now,
		Baselines:     make([]BaselineState, len(a.baselines)),
	}
	for i, b := range a.baselines {
		s.Baselines[i] = b.clone()
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
