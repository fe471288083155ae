package render

import (
	"bytes"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/config"
	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/timeutil"
)

func testAggregator(t *testing.T) (*aggregate.Aggregator, lagframe.Layout, *timeutil.MockClock) {
	t.Helper()
	l, ok := lagframe.Profile("udp-15x128")
	if !ok {
		t.Fatal("udp-15x128 profile missing")
	}
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return aggregate.New(l, clock), l, clock
}

// frame returns lags rising linearly from 1000 with a spike at bin.
func frame(l lagframe.Layout, baseline, bin int) lagframe.LagFrame {
	lags := make([]float64, l.LagCount)
	for j := range lags {
		lags[j] = 1000 + float64(j)
	}
	lags[bin] = 500000
	return lagframe.LagFrame{BaselineID: baseline, Lags: lags}
}

func TestGeometryFor(t *testing.T) {
	tests := []struct {
		baselines  int
		want       Geometry
		wantHeight int
	}{
		{6, Geometry{TopMargin: 2, RowsPerBaseline: 2, RowStride: 4}, 64},
		{15, Geometry{TopMargin: 2, RowsPerBaseline: 2, RowStride: 4}, 64},
		{28, Geometry{RowsPerBaseline: 2, RowStride: 2}, 64},
		{120, Geometry{RowsPerBaseline: 2, RowStride: 2}, 240},
	}
	for _, tt := range tests {
		g := GeometryFor(tt.baselines)
		if g != tt.want {
			t.Errorf("GeometryFor(%d) = %+v, want %+v", tt.baselines, g, tt.want)
		}
		if h := g.Height(tt.baselines); h != tt.wantHeight {
			t.Errorf("Height(%d) = %d, want %d", tt.baselines, h, tt.wantHeight)
		}
	}
}

func TestRender_PeakMode(t *testing.T) {
	agg, l, _ := testAggregator(t)
	if err := agg.Update(frame(l, 3, 40)); err != nil {
		t.Fatal(err)
	}
	r := NewRenderer(Options{})
	if r.Options().Mode != ModePeak {
		t.Fatalf("default mode = %q", r.Options().Mode)
	}
	buf := r.Render(agg.Snapshot())
	if buf.Width != l.LagCount || buf.Height != 64 {
		t.Fatalf("buffer %dx%d", buf.Width, buf.Height)
	}

	g := GeometryFor(l.BaselineCount())
	row := g.TopMargin + 3*g.RowStride
	for k := 0; k < g.RowsPerBaseline; k++ {
		if red, green, blue := buf.RGB(40, row+k); red != 1 || green != 0 || blue != 0 {
			t.Errorf("peak pixel row %d = (%v, %v, %v)", row+k, red, green, blue)
		}
	}
	if red, _, _ := buf.RGB(41, row); red != 0 {
		t.Errorf("non-peak bin lit: %v", red)
	}
	// The margin and the gap rows between baselines stay black.
	if red, _, _ := buf.RGB(40, row+2); red != 0 {
		t.Errorf("gap row lit: %v", red)
	}
	if red, _, _ := buf.RGB(40, 0); red != 0 {
		t.Errorf("margin row lit: %v", red)
	}

	// Baselines that never received a frame keep their default peak bin.
	def := l.DefaultPeakBin()
	if red, _, _ := buf.RGB(def, g.TopMargin); red != 1 {
		t.Errorf("default peak of baseline 0 not lit")
	}
}

func TestRender_FullMode(t *testing.T) {
	agg, l, _ := testAggregator(t)
	if err := agg.Update(frame(l, 0, 40)); err != nil {
		t.Fatal(err)
	}
	s := agg.Snapshot()
	b := s.Baselines[0]
	g := GeometryFor(l.BaselineCount())

	r := NewRenderer(Options{Mode: ModeFull, AutoScale: true})
	buf := r.Render(s)
	want := float32((b.Lags[60] - b.Min) / b.Range)
	if red, _, _ := buf.RGB(60, g.TopMargin); red != want {
		t.Errorf("autoscaled bin 60 = %v, want %v", red, want)
	}
	if red, _, _ := buf.RGB(40, g.TopMargin); red != 1 {
		t.Errorf("autoscaled peak = %v, want 1", red)
	}
	for j := 0; j < l.SkipThreshold; j++ {
		if red, _, _ := buf.RGB(j, g.TopMargin); red != 0 {
			t.Errorf("bin %d below skip threshold lit: %v", j, red)
		}
	}

	if err := r.SetOptions(Options{Mode: ModeFull}); err != nil {
		t.Fatal(err)
	}
	buf = r.Render(s)
	if red, _, _ := buf.RGB(60, g.TopMargin); red != float32(b.Lags[60]) {
		t.Errorf("raw bin 60 = %v, want %v", red, b.Lags[60])
	}
}

func TestRender_HiddenBaselinesAreBlack(t *testing.T) {
	agg, l, _ := testAggregator(t)
	for i := 0; i < l.BaselineCount(); i++ {
		if err := agg.Update(frame(l, i, 20+i)); err != nil {
			t.Fatal(err)
		}
	}
	s := aggregate.DisplayFilter{Selected: 2}.Apply(agg.Snapshot())
	g := GeometryFor(l.BaselineCount())

	for _, opts := range []Options{{Mode: ModePeak}, {Mode: ModeFull, AutoScale: true}, {Mode: ModeFull}} {
		buf := NewRenderer(opts).Render(s)
		for i := 0; i < l.BaselineCount(); i++ {
			lit := false
			for j := 0; j < l.LagCount; j++ {
				if red, _, _ := buf.RGB(j, g.TopMargin+i*g.RowStride); red != 0 {
					lit = true
				}
			}
			if lit != (i == 2) {
				t.Errorf("mode %+v baseline %d lit = %v", opts, i, lit)
			}
		}
	}
}

func TestParseModeAndSetOptions(t *testing.T) {
	if m, err := ParseMode("full"); err != nil || m != ModeFull {
		t.Errorf("ParseMode(full) = %q, %v", m, err)
	}
	if _, err := ParseMode("sparkle"); err == nil {
		t.Error("expected error for unknown mode")
	}
	r := NewRenderer(Options{Mode: ModeFull})
	if err := r.SetOptions(Options{Mode: "sparkle"}); err == nil {
		t.Error("SetOptions accepted an unknown mode")
	}
	if r.Options().Mode != ModeFull {
		t.Error("failed SetOptions changed the mode")
	}
}

func TestPixelBuffer_Image(t *testing.T) {
	buf := NewPixelBuffer(2, 1)
	buf.set(0, 0, 1, 0.5, -1)
	buf.set(1, 0, 2, 0, 0)
	img := buf.Image(3)
	if b := img.Bounds(); b.Dx() != 6 || b.Dy() != 3 {
		t.Fatalf("bounds = %v", b)
	}
	c := img.RGBAAt(2, 2)
	if c.R != 255 || c.G != 128 || c.B != 0 || c.A != 255 {
		t.Errorf("pixel = %+v", c)
	}
	if c := img.RGBAAt(5, 0); c.R != 255 {
		t.Errorf("clamped pixel = %+v", c)
	}
}

func TestPNGHandler(t *testing.T) {
	agg, _, _ := testAggregator(t)
	h := NewRenderer(Options{}).PNGHandler(agg.Snapshot)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/render/pixels.png?scale=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 128 {
		t.Errorf("bounds = %v", b)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/render/pixels.png?scale=99", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad scale status = %d", rec.Code)
	}
}

func TestHeatmapHandler(t *testing.T) {
	agg, l, _ := testAggregator(t)
	if err := agg.Update(frame(l, 1, 30)); err != nil {
		t.Fatal(err)
	}
	disp := config.DefaultDisplayConfig(l.Mics, l.LagCount)
	h := &HeatmapHandler{Source: agg.Snapshot, Display: func() *config.DisplayConfig { return disp }}

	for _, target := range []string{"/render/heatmap", "/render/heatmap?raw=true"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", target, rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, "Lag functions") || !strings.Contains(body, "heatmap") {
			t.Errorf("%s: page missing chart", target)
		}
		if !strings.Contains(body, "B15") {
			t.Errorf("%s: page missing baseline labels", target)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/render/heatmap?raw=maybe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad raw status = %d", rec.Code)
	}
}

func TestPeakPlotter_Sample(t *testing.T) {
	agg, l, clock := testAggregator(t)
	p := NewPeakPlotter(l.BaselineCount(), 3)

	if n := p.Sample(agg.Snapshot()); n != 0 {
		t.Errorf("sampled %d baselines before any frame", n)
	}
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if err := agg.Update(frame(l, 0, 20+i)); err != nil {
			t.Fatal(err)
		}
		if n := p.Sample(agg.Snapshot()); n != 1 {
			t.Errorf("sample %d recorded %d baselines", i, n)
		}
		// A repeat without new frames records nothing.
		if n := p.Sample(agg.Snapshot()); n != 0 {
			t.Errorf("repeat sample recorded %d baselines", n)
		}
	}
	if got := p.Len(0); got != 3 {
		t.Errorf("Len(0) = %d, want capacity 3", got)
	}
	if got := p.Len(99); got != 0 {
		t.Errorf("Len(99) = %d", got)
	}
}

func TestPeakPlotter_PNG(t *testing.T) {
	agg, l, clock := testAggregator(t)
	p := NewPeakPlotter(l.BaselineCount(), 0)
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		agg.Update(frame(l, 0, 20+i))
		agg.Update(frame(l, 5, 60-i))
		p.Sample(agg.Snapshot())
	}

	var buf bytes.Buffer
	if err := p.WritePNG(&buf, nil, config.DefaultDisplayConfig(l.Mics, l.LagCount).LagOffsets, 400, 200); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}

	h := p.Handler(nil)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/render/peaks.png?baselines=1,6", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Errorf("status = %d content type %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	for _, q := range []string{"baselines=0", "baselines=x", "baselines=99"} {
		rec = httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/render/peaks.png?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d", q, rec.Code)
		}
	}
}
