// Package api serves the viewer's HTTP surface: JSON snapshots and status,
// display toggles, config reload, manual reconnect, rendered pictures and
// the live WebSocket stream.
package api

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/config"
	"github.com/banshee-data/lagview/internal/ingest"
	"github.com/banshee-data/lagview/internal/publish"
	"github.com/banshee-data/lagview/internal/render"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Link is the ingest surface the API drives.
type Link interface {
	Snapshot() aggregate.Snapshot
	Status() ingest.Status
	SetSelection(baseline int) error
	RequestReconnect()
}

// DisplaySource holds the reloadable display configuration.
type DisplaySource interface {
	Get() *config.DisplayConfig
	Reload() (*config.DisplayConfig, error)
	Path() string
}

// Config wires a Server. Renderer, Peaks and Hub are optional; their routes
// are only registered when set.
type Config struct {
	Link      Link
	Display   DisplaySource
	Renderer  *render.Renderer
	Peaks     *render.PeakPlotter
	Hub       *publish.Hub
	SessionID string
	// AssetsHost overrides where chart pages load echarts from.
	AssetsHost string
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 100 && statusCode < 200:
		return colorCyan + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.showSnapshot)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/profiles", s.listProfiles)
	mux.HandleFunc("/api/selection", s.handleSelection)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/config/reload", s.reloadConfig)
	mux.HandleFunc("/api/link/reconnect", s.reconnect)

	if s.cfg.Renderer != nil {
		mux.HandleFunc("/api/render", s.handleRenderOptions)
		mux.HandleFunc("/render/pixels.png", s.cfg.Renderer.PNGHandler(s.cfg.Link.Snapshot))
	}
	mux.Handle("/render/heatmap", &render.HeatmapHandler{
		Source:     s.cfg.Link.Snapshot,
		Display:    s.display,
		AssetsHost: s.cfg.AssetsHost,
	})
	if s.cfg.Peaks != nil {
		mux.HandleFunc("/render/peaks.png", s.cfg.Peaks.Handler(s.display))
	}
	if s.cfg.Hub != nil {
		mux.Handle("/ws", s.cfg.Hub)
	}
	return mux
}

func (s *Server) display() *config.DisplayConfig {
	if s.cfg.Display == nil {
		return nil
	}
	return s.cfg.Display.Get()
}
