package render

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/config"
)

// heatmapColors runs from black through red to white, matching the red
// channel of the pixel buffer.
var heatmapColors = []string{"#000000", "#3b0000", "#8b0000", "#d00000", "#ff4000", "#ffa060", "#ffffff"}

// HeatmapHandler renders the current snapshot as a baseline x lag heatmap.
// Values are normalised per baseline to [0, 1]; with raw=1 the amplitude
// scale and offset from the display configuration are applied instead.
type HeatmapHandler struct {
	Source  func() aggregate.Snapshot
	Display func() *config.DisplayConfig
	// AssetsHost overrides where the echarts scripts are loaded from.
	AssetsHost string
}

// ServeHTTP implements http.Handler.
func (h *HeatmapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := false
	if v := r.URL.Query().Get("raw"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "raw must be a boolean", http.StatusBadRequest)
			return
		}
		raw = b
	}

	s := h.Source()
	var disp *config.DisplayConfig
	if h.Display != nil {
		disp = h.Display()
	}

	xs := make([]string, 0, s.LagCount)
	for j := s.SkipThreshold; j < s.LagCount; j++ {
		xs = append(xs, strconv.Itoa(j))
	}
	ys := make([]string, len(s.Baselines))
	for i, b := range s.Baselines {
		ys[i] = fmt.Sprintf("B%d", b.BaselineID+1)
	}

	data := make([]opts.HeatMapData, 0, len(xs)*len(ys))
	lo, hi := 0.0, 1.0
	if raw {
		lo, hi = 0, 0
	}
	for i, b := range s.Baselines {
		scale, offset := 1.0, 0.0
		if disp != nil && b.BaselineID < len(disp.AmpScales) {
			scale = disp.AmpScales[b.BaselineID]
			offset = disp.AmpOffsets[b.BaselineID]
		}
		for j := s.SkipThreshold; j < len(b.Lags); j++ {
			var v float64
			if raw {
				v = b.Lags[j]*scale + offset
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			} else {
				v = (b.Lags[j] - b.Min) / b.Range
				if v < 0 {
					v = 0
				}
				if v > 1 {
					v = 1
				}
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{j - s.SkipThreshold, i, v}})
		}
	}
	if hi == lo {
		hi = lo + 1
	}

	subtitle := fmt.Sprintf("profile=%s baselines=%d lags=%d connected=%v", s.Profile, len(s.Baselines), s.LagCount, s.Connected)
	if s.Placeholder {
		subtitle += " (placeholder)"
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lag functions", Theme: "dark", Width: "1200px", Height: "720px", AssetsHost: h.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Lag functions", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "Lag"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: "Baseline", Data: ys}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: heatmapColors},
		}),
	)
	hm.SetXAxis(xs).AddSeries("lags", data)

	var buf bytes.Buffer
	if err := hm.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
