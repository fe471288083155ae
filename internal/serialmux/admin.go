package serialmux

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"
)

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// listPorts is replaced in tests.
var listPorts = ListPorts

// AttachAdminRoutes attaches serial debugging endpoints to the given HTTP
// mux served at /debug/. current returns the reader of the open link, or
// nil while the port is closed.
func AttachAdminRoutes(mux *http.ServeMux, current func() *TrainReader) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-stats", "serial train reader counters", func(w http.ResponseWriter, req *http.Request) {
		r := current()
		if r == nil {
			http.Error(w, "serial link not open", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Layout string `json:"layout"`
			Synced bool   `json:"synced"`
			Stats
		}{r.layout.Name, r.Synced(), r.Stats()})
	})

	debug.HandleFunc("serial-ports", "serial devices present on this host", func(w http.ResponseWriter, req *http.Request) {
		ports, err := listPorts()
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to list serial ports: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ports)
	})

	// Server-Sent Events with the leading bytes of every train read.
	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r := current()
		if r == nil {
			http.Error(w, "serial link not open", http.StatusServiceUnavailable)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := r.Subscribe()
		defer r.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case train, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", trainSummary(train, r.layout.FrameBytes())); err != nil {
					return
				}
				flusher.Flush()
			case <-req.Context().Done():
				return
			}
		}
	})
}

// trainSummary renders the first bytes of every frame in a train.
func trainSummary(train []byte, frameBytes int) string {
	var out []byte
	for off := 0; off+4 <= len(train); off += frameBytes {
		if off > 0 {
			out = append(out, ' ', '|', ' ')
		}
		out = fmt.Appendf(out, "% x", train[off:off+4])
	}
	return string(out)
}
