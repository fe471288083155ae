// Package render turns aggregate snapshots into pictures: an RGB float
// pixel buffer shaped like the display texture, an echarts heatmap page and
// a peak history plot.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strconv"
	"sync"

	"github.com/banshee-data/lagview/internal/aggregate"
)

// Mode selects what the pixel buffer shows for each baseline.
type Mode string

const (
	// ModePeak lights only the peak bin of every visible baseline.
	ModePeak Mode = "peak"
	// ModeFull shows the whole lag function in the red channel.
	ModeFull Mode = "full"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePeak, ModeFull:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown render mode %q (want %q or %q)", s, ModePeak, ModeFull)
}

// Options are the runtime display toggles.
type Options struct {
	Mode      Mode `json:"mode"`
	AutoScale bool `json:"auto_scale"`
}

// textureRows is the height of the display texture.
const textureRows = 64

// Geometry places baselines on pixel rows.
type Geometry struct {
	TopMargin       int `json:"top_margin"`
	RowsPerBaseline int `json:"rows_per_baseline"`
	RowStride       int `json:"row_stride"`
}

// GeometryFor returns the row layout for a number of baselines: a two row
// margin with four rows per baseline when that fits the texture, otherwise
// two packed rows per baseline.
func GeometryFor(baselines int) Geometry {
	if 2+4*baselines <= textureRows {
		return Geometry{TopMargin: 2, RowsPerBaseline: 2, RowStride: 4}
	}
	return Geometry{RowsPerBaseline: 2, RowStride: 2}
}

// Height returns the number of rows needed for baselines.
func (g Geometry) Height(baselines int) int {
	h := g.TopMargin + baselines*g.RowStride
	if h < textureRows {
		h = textureRows
	}
	return h
}

// PixelBuffer is a row-major RGB float32 image, three values per pixel.
type PixelBuffer struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Pix    []float32 `json:"pix"`
}

// NewPixelBuffer returns a black buffer.
func NewPixelBuffer(width, height int) *PixelBuffer {
	return &PixelBuffer{Width: width, Height: height, Pix: make([]float32, 3*width*height)}
}

// RGB returns the pixel at column x, row y.
func (p *PixelBuffer) RGB(x, y int) (r, g, b float32) {
	i := 3 * (y*p.Width + x)
	return p.Pix[i], p.Pix[i+1], p.Pix[i+2]
}

func (p *PixelBuffer) set(x, y int, r, g, b float32) {
	i := 3 * (y*p.Width + x)
	p.Pix[i], p.Pix[i+1], p.Pix[i+2] = r, g, b
}

// Image converts the buffer to 8-bit RGBA, clamping each channel to [0, 1]
// and enlarging every pixel to a scale x scale block.
func (p *PixelBuffer) Image(scale int) *image.RGBA {
	if scale < 1 {
		scale = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width*scale, p.Height*scale))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			r, g, b := p.RGB(x, y)
			c := color.RGBA{R: to8(r), G: to8(g), B: to8(b), A: 255}
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					img.SetRGBA(x*scale+dx, y*scale+dy, c)
				}
			}
		}
	}
	return img
}

func to8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Fill draws s into buf, which must be at least LagCount wide and tall
// enough for g. Bins below the skip threshold stay black. Hidden baselines
// carry a peak bin below the threshold and zeroed lags, so they draw black
// in both modes.
func Fill(buf *PixelBuffer, s aggregate.Snapshot, opts Options, g Geometry) {
	for i := range buf.Pix {
		buf.Pix[i] = 0
	}
	for _, b := range s.Baselines {
		top := g.TopMargin + b.BaselineID*g.RowStride
		for k := 0; k < g.RowsPerBaseline; k++ {
			y := top + k
			if y < 0 || y >= buf.Height {
				continue
			}
			for j := s.SkipThreshold; j < len(b.Lags) && j < buf.Width; j++ {
				buf.set(j, y, pixelValue(b, j, opts), 0, 0)
			}
		}
	}
}

func pixelValue(b aggregate.BaselineState, j int, opts Options) float32 {
	if opts.Mode == ModePeak {
		if j == b.PeakBin {
			return 1
		}
		return 0
	}
	if !opts.AutoScale {
		return float32(b.Lags[j])
	}
	pv := (b.Lags[j] - b.Min) / b.Range
	if pv < 0 {
		pv = 0
	}
	if pv > 1 {
		pv = 1
	}
	return float32(pv)
}

// Renderer holds the display toggles and draws snapshots with them.
type Renderer struct {
	mu   sync.RWMutex
	opts Options
}

// NewRenderer returns a renderer with the given starting options.
func NewRenderer(opts Options) *Renderer {
	if opts.Mode == "" {
		opts.Mode = ModePeak
	}
	return &Renderer{opts: opts}
}

// Options returns the current toggles.
func (r *Renderer) Options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

// SetOptions replaces the toggles.
func (r *Renderer) SetOptions(opts Options) error {
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return err
	}
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
	return nil
}

// Render draws s into a new buffer.
func (r *Renderer) Render(s aggregate.Snapshot) *PixelBuffer {
	g := GeometryFor(len(s.Baselines))
	buf := NewPixelBuffer(s.LagCount, g.Height(len(s.Baselines)))
	Fill(buf, s, r.Options(), g)
	return buf
}

// PNGHandler serves the current pixel buffer as a PNG. The optional scale
// query parameter enlarges each pixel (default 4, at most 16).
func (r *Renderer) PNGHandler(source func() aggregate.Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		scale := 4
		if v := req.URL.Query().Get("scale"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 16 {
				http.Error(w, "scale must be an integer between 1 and 16", http.StatusBadRequest)
				return
			}
			scale = n
		}
		img := r.Render(source()).Image(scale)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		if err := png.Encode(w, img); err != nil {
			http.Error(w, fmt.Sprintf("encode png: %v", err), http.StatusInternalServerError)
		}
	}
}
