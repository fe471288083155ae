package aggregate

import (
	"math"
	"time"

	"github.com/banshee-data/lagview/internal/lagframe"
)

// Snapshot is a point-in-time copy of every baseline.
type Snapshot struct {
	Profile       string          `json:"profile"`
	LagCount      int             `json:"lag_count"`
	SkipThreshold int             `json:"skip_threshold"`
	RangeFloor    float64         `json:"range_floor"`
	Connected     bool            `json:"connected"`
	Placeholder   bool            `json:"placeholder"`
	Selected      int             `json:"selected"`
	TakenAt       time.Time       `json:"taken_at"`
	Baselines     []BaselineState `json:"baselines"`
}

// AllBaselines is the DisplayFilter value that shows every baseline.
const AllBaselines = -1

// Placeholder values shown for baselines hidden by a DisplayFilter.
const (
	hiddenMin = 0
	hiddenMax = 100
)

// DisplayFilter selects which baselines a presentation shows. It acts on
// snapshots only, never on aggregator state.
type DisplayFilter struct {
	Selected int `json:"selected"`
}

// ShowAll returns a filter that shows every baseline.
func ShowAll() DisplayFilter {
	return DisplayFilter{Selected: AllBaselines}
}

// Apply returns a copy of s where every baseline other than the selected
// one carries placeholder values: zeroed lags, min 0, max 100, peak bin 0.
// Apply with an out of range selection hides every baseline.
func (f DisplayFilter) Apply(s Snapshot) Snapshot {
	out := s
	out.Selected = f.Selected
	out.Baselines = make([]BaselineState, len(s.Baselines))
	for i, b := range s.Baselines {
		b = b.clone()
		if f.Selected != AllBaselines && b.BaselineID != f.Selected {
			for j := range b.Lags {
				b.Lags[j] = 0
			}
			b.Min = hiddenMin
			b.Max = hiddenMax
			b.PeakBin = 0
			b.Range = math.Max(hiddenMax-hiddenMin, s.RangeFloor)
		}
		out.Baselines[i] = b
	}
	return out
}

// Placeholder amplitude of the synthetic lag pattern.
const placeholderAmplitude = 100000

// PlaceholderSnapshot returns a synthetic snapshot, shown while no link is
// available: every baseline carries the same cosine centred on the middle
// lag.
func PlaceholderSnapshot(l lagframe.Layout, now time.Time) Snapshot {
	s := Snapshot{
		Profile:       l.Name,
		LagCount:      l.LagCount,
		SkipThreshold: l.SkipThreshold,
		RangeFloor:    l.RangeFloor,
		Placeholder:   true,
		Selected:      AllBaselines,
		TakenAt:       now,
		Baselines:     make([]BaselineState, l.BaselineCount()),
	}
	lags := make([]float64, l.LagCount)
	half := float64(l.LagCount) / 2
	for j := range lags {
		lags[j] = placeholderAmplitude * math.Cos(10*math.Pi*(float64(j)-half)/float64(l.LagCount))
	}
	for i := range s.Baselines {
		s.Baselines[i] = BaselineState{
			BaselineID: i,
			Lags:       append([]float64(nil), lags...),
			Min:        -placeholderAmplitude,
			Max:        placeholderAmplitude,
			Range:      2 * placeholderAmplitude,
			PeakBin:    l.DefaultPeakBin(),
		}
	}
	return s
}
