package ingest

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// drainWindow is the number of recent ticks kept for the drain summary.
const drainWindow = 512

// DrainStats records how many units each tick read. A tick that reads its
// full cap is counted as starved: datagrams were still pending when it
// stopped.
type DrainStats struct {
	mu      sync.Mutex
	cap     int
	window  []float64
	next    int
	ticks   uint64
	starved uint64
	total   uint64
}

// DrainSummary describes recent per-tick drain counts.
type DrainSummary struct {
	Cap     int     `json:"cap"`
	Ticks   uint64  `json:"ticks"`
	Starved uint64  `json:"starved"`
	Total   uint64  `json:"total"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Max     float64 `json:"max"`
}

// NewDrainStats returns stats for a per-tick cap. A cap of zero disables
// starvation counting.
func NewDrainStats(cap int) *DrainStats {
	return &DrainStats{cap: cap, window: make([]float64, 0, drainWindow)}
}

// Observe records one tick.
func (d *DrainStats) Observe(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ticks++
	d.total += uint64(n)
	if d.cap > 0 && n >= d.cap {
		d.starved++
	}
	if len(d.window) < drainWindow {
		d.window = append(d.window, float64(n))
		return
	}
	d.window[d.next] = float64(n)
	d.next = (d.next + 1) % drainWindow
}

// Summary returns counters and the mean and standard deviation of the
// recent window.
func (d *DrainStats) Summary() DrainSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := DrainSummary{Cap: d.cap, Ticks: d.ticks, Starved: d.starved, Total: d.total}
	switch len(d.window) {
	case 0:
		return s
	case 1:
		s.Mean = d.window[0]
	default:
		s.Mean, s.StdDev = stat.MeanStdDev(d.window, nil)
	}
	for _, v := range d.window {
		if v > s.Max {
			s.Max = v
		}
	}
	return s
}
