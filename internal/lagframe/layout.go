// Package lagframe turns raw serial bytes and UDP datagrams from the
// correlator into validated per-baseline lag frames.
package lagframe

import (
	"fmt"
	"sort"
)

// ValidatorKind selects how a frame's baseline is identified.
type ValidatorKind string

const (
	// ValidatorRepetition expects four identical header bytes holding the
	// baseline id.
	ValidatorRepetition ValidatorKind = "repetition"
	// ValidatorMarkerTable matches the header against a table of distinct
	// four byte markers, one per baseline.
	ValidatorMarkerTable ValidatorKind = "marker-table"
	// ValidatorPositional assigns the baseline from the frame's position in
	// a serial packet train.
	ValidatorPositional ValidatorKind = "positional"
)

// Sentinels used when recomputing per-frame extrema.
const (
	MinSentinel = 1e8
	MaxSentinel = 0
)

// HeaderBytes is the size of the baseline marker at the start of a frame.
const HeaderBytes = 4

// TrainMarker is the marker that opens every serial packet train.
var TrainMarker = []byte{'D', 'C', 'B', 'A'}

// Layout describes the wire shape of one deployment: how many microphones,
// lags per baseline, bytes per lag and so on. A Layout is fixed for the
// lifetime of the process.
type Layout struct {
	Name          string        `json:"name"`
	Mics          int           `json:"mics"`
	LagCount      int           `json:"lag_count"`
	BytesPerLag   int           `json:"bytes_per_lag"`
	HeaderSize    int           `json:"header_size"`
	SkipThreshold int           `json:"skip_threshold"`
	RangeFloor    float64       `json:"range_floor"`
	Marker        []byte        `json:"marker,omitempty"`
	Validator     ValidatorKind `json:"validator"`
}

// BaselineCount returns the number of microphone pairs, N*(N-1)/2.
func (l Layout) BaselineCount() int {
	return l.Mics * (l.Mics - 1) / 2
}

// FrameBytes returns the size of one baseline frame on the wire.
func (l Layout) FrameBytes() int {
	return l.HeaderSize + l.LagCount*l.BytesPerLag
}

// TrainBytes returns the size of one full serial packet train.
func (l Layout) TrainBytes() int {
	return l.BaselineCount() * l.FrameBytes()
}

// ResyncBytes is the length of the bulk read performed right after the
// train marker has been matched so that the next read starts on a train
// boundary.
func (l Layout) ResyncBytes() int {
	return (l.FrameBytes() - len(l.Marker)) + (l.BaselineCount()-1)*l.FrameBytes()
}

// DefaultPeakBin is the peak bin reported before any frame has arrived.
func (l Layout) DefaultPeakBin() int {
	return l.LagCount / 2
}

// Validate checks the layout for internal consistency.
func (l Layout) Validate() error {
	if l.Mics < 2 {
		return fmt.Errorf("layout %q: mics must be at least 2, got %d", l.Name, l.Mics)
	}
	if l.BaselineCount() > 255 {
		return fmt.Errorf("layout %q: %d baselines do not fit in a header byte", l.Name, l.BaselineCount())
	}
	if l.LagCount <= 0 {
		return fmt.Errorf("layout %q: lag_count must be positive, got %d", l.Name, l.LagCount)
	}
	if l.BytesPerLag != 3 && l.BytesPerLag != 4 {
		return fmt.Errorf("layout %q: bytes_per_lag must be 3 or 4, got %d", l.Name, l.BytesPerLag)
	}
	if l.HeaderSize < 0 {
		return fmt.Errorf("layout %q: header_size must not be negative, got %d", l.Name, l.HeaderSize)
	}
	if l.SkipThreshold < 0 || l.SkipThreshold >= l.LagCount {
		return fmt.Errorf("layout %q: skip_threshold %d outside [0, %d)", l.Name, l.SkipThreshold, l.LagCount)
	}
	if l.RangeFloor <= 0 {
		return fmt.Errorf("layout %q: range_floor must be positive, got %g", l.Name, l.RangeFloor)
	}
	if len(l.Marker) > l.FrameBytes() {
		return fmt.Errorf("layout %q: marker of %d bytes longer than a frame", l.Name, len(l.Marker))
	}

	switch l.Validator {
	case ValidatorRepetition, ValidatorMarkerTable:
		// A header that overlays the lag area must stay below the skip
		// threshold so it is never decoded as lag data.
		if l.HeaderSize < HeaderBytes && l.HeaderSize+l.SkipThreshold*l.BytesPerLag < HeaderBytes {
			return fmt.Errorf("layout %q: header overlaps decoded lags (skip_threshold %d too small)", l.Name, l.SkipThreshold)
		}
		if l.Validator == ValidatorMarkerTable && l.BaselineCount() > len(baselineMarkers) {
			return fmt.Errorf("layout %q: marker table covers %d baselines, layout needs %d", l.Name, len(baselineMarkers), l.BaselineCount())
		}
	case ValidatorPositional:
		if len(l.Marker) == 0 {
			return fmt.Errorf("layout %q: positional layouts need a train marker", l.Name)
		}
		if l.HeaderSize+l.SkipThreshold*l.BytesPerLag < len(l.Marker) {
			return fmt.Errorf("layout %q: train marker overlaps decoded lags", l.Name)
		}
	default:
		return fmt.Errorf("layout %q: unknown validator %q", l.Name, l.Validator)
	}
	return nil
}

// Built-in deployment profiles. The header of every recorded firmware
// build occupies lag slot 0, so HeaderSize is zero and the skip threshold
// keeps the header out of the decoded range.
var profiles = map[string]Layout{
	"serial-6x64": {
		Name:          "serial-6x64",
		Mics:          4,
		LagCount:      64,
		BytesPerLag:   4,
		SkipThreshold: 3,
		RangeFloor:    1e5,
		Marker:        []byte{'D', 'C', 'B', 'A'},
		Validator:     ValidatorPositional,
	},
	"serial-15x128": {
		Name:          "serial-15x128",
		Mics:          6,
		LagCount:      128,
		BytesPerLag:   3,
		SkipThreshold: 3,
		RangeFloor:    1e5,
		Marker:        []byte{'D', 'C', 'B'},
		Validator:     ValidatorPositional,
	},
	"udp-15x128": {
		Name:          "udp-15x128",
		Mics:          6,
		LagCount:      128,
		BytesPerLag:   4,
		SkipThreshold: 3,
		RangeFloor:    1e4,
		Validator:     ValidatorMarkerTable,
	},
	"udp-28x256": {
		Name:          "udp-28x256",
		Mics:          8,
		LagCount:      256,
		BytesPerLag:   4,
		SkipThreshold: 5,
		RangeFloor:    1e5,
		Validator:     ValidatorRepetition,
	},
}

// Profile returns a copy of the named built-in layout.
func Profile(name string) (Layout, bool) {
	l, ok := profiles[name]
	if !ok {
		return Layout{}, false
	}
	l.Marker = append([]byte(nil), l.Marker...)
	return l, true
}

// ProfileNames lists the built-in layouts in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
