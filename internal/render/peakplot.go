package render

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/config"
	"github.com/banshee-data/lagview/internal/timeutil"
)

// PeakPlotter keeps a bounded peak bin history per baseline and plots it.
type PeakPlotter struct {
	mu         sync.Mutex
	capacity   int
	history    [][]peakSample
	lastFrames []uint64
	start      time.Time
}

type peakSample struct {
	at  time.Time
	bin int
}

// NewPeakPlotter returns a plotter keeping up to capacity samples per
// baseline.
func NewPeakPlotter(baselines, capacity int) *PeakPlotter {
	if capacity <= 0 {
		capacity = 600
	}
	return &PeakPlotter{
		capacity:   capacity,
		history:    make([][]peakSample, baselines),
		lastFrames: make([]uint64, baselines),
	}
}

// Sample records the peak bin of every baseline that received a frame
// since the previous sample and returns how many were recorded.
func (p *PeakPlotter) Sample(s aggregate.Snapshot) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, b := range s.Baselines {
		id := b.BaselineID
		if id < 0 || id >= len(p.history) || b.Frames == p.lastFrames[id] {
			continue
		}
		p.lastFrames[id] = b.Frames
		if p.start.IsZero() {
			p.start = b.UpdatedAt
		}
		h := append(p.history[id], peakSample{at: b.UpdatedAt, bin: b.PeakBin})
		if len(h) > p.capacity {
			h = h[len(h)-p.capacity:]
		}
		p.history[id] = h
		n++
	}
	return n
}

// Len returns the number of samples held for a baseline.
func (p *PeakPlotter) Len(baseline int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if baseline < 0 || baseline >= len(p.history) {
		return 0
	}
	return len(p.history[baseline])
}

// Run samples source every interval until ctx is cancelled.
func (p *PeakPlotter) Run(ctx context.Context, source func() aggregate.Snapshot, interval time.Duration, clock timeutil.Clock) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-clock.After(interval):
			p.Sample(source())
		}
	}
}

// Plot builds a plot of peak lag against time for the given baselines, or
// every baseline with samples when baselines is empty. Peaks are drawn
// relative to the baseline's lag offset when offsets covers it.
func (p *PeakPlotter) Plot(baselines []int, offsets []float64) (*plot.Plot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(baselines) == 0 {
		for id, h := range p.history {
			if len(h) > 0 {
				baselines = append(baselines, id)
			}
		}
	}

	pl := plot.New()
	pl.Title.Text = "Peak lag history"
	pl.X.Label.Text = "Time (s)"
	pl.Y.Label.Text = "Peak lag - offset (bins)"
	pl.Legend.Top = true
	pl.Legend.Left = false
	pl.Legend.XOffs = -10
	pl.Legend.YOffs = -10

	colors := generateColors(len(baselines))
	for i, id := range baselines {
		if id < 0 || id >= len(p.history) {
			return nil, fmt.Errorf("baseline %d outside [0, %d)", id, len(p.history))
		}
		h := p.history[id]
		if len(h) == 0 {
			continue
		}
		offset := 0.0
		if id < len(offsets) {
			offset = offsets[id]
		}
		pts := make(plotter.XYs, len(h))
		for k, s := range h {
			pts[k] = plotter.XY{X: s.at.Sub(p.start).Seconds(), Y: float64(s.bin) - offset}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		pl.Add(line)
		pl.Legend.Add(fmt.Sprintf("B%d", id+1), line)
	}
	return pl, nil
}

// WritePNG renders Plot as a PNG to w.
func (p *PeakPlotter) WritePNG(w io.Writer, baselines []int, offsets []float64, width, height vg.Length) error {
	pl, err := p.Plot(baselines, offsets)
	if err != nil {
		return err
	}
	wt, err := pl.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("create png writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// Handler serves the peak history PNG. The baselines query parameter takes
// a comma separated list of 1-based baseline numbers.
func (p *PeakPlotter) Handler(display func() *config.DisplayConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ids []int
		if v := r.URL.Query().Get("baselines"); v != "" {
			for _, part := range strings.Split(v, ",") {
				n, err := strconv.Atoi(strings.TrimSpace(part))
				if err != nil || n < 1 {
					http.Error(w, fmt.Sprintf("invalid baseline %q", part), http.StatusBadRequest)
					return
				}
				ids = append(ids, n-1)
			}
		}
		var offsets []float64
		if display != nil {
			if cfg := display(); cfg != nil {
				offsets = cfg.LagOffsets
			}
		}

		var buf bytes.Buffer
		if err := p.WritePNG(&buf, ids, offsets, 10*vg.Inch, 5*vg.Inch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(buf.Bytes())
	}
}

// generateColors returns n distinct line colours spread around the hue
// circle.
func generateColors(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255), uint8(hueToRGB(p, q, h) * 255), uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
