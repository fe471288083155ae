package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/config"
	"github.com/banshee-data/lagview/internal/ingest"
	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/publish"
	"github.com/banshee-data/lagview/internal/render"
	"github.com/banshee-data/lagview/internal/version"
)

// SnapshotResponse is the body of GET /api/snapshot.
type SnapshotResponse struct {
	Snapshot aggregate.Snapshot    `json:"snapshot"`
	Display  *config.DisplayConfig `json:"display,omitempty"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version   version.Info      `json:"version"`
	SessionID string            `json:"session_id,omitempty"`
	Link      ingest.Status     `json:"link"`
	Render    *render.Options   `json:"render,omitempty"`
	Stream    *publish.HubStats `json:"stream,omitempty"`
}

// SelectionRequest is the body of PUT /api/selection. Selected is a
// 0-based baseline index, or -1 for every baseline.
type SelectionRequest struct {
	Selected *int `json:"selected"`
}

func (s *Server) showSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{
		Snapshot: s.cfg.Link.Snapshot(),
		Display:  s.display(),
	})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := StatusResponse{
		Version:   version.Current(),
		SessionID: s.cfg.SessionID,
		Link:      s.cfg.Link.Status(),
	}
	if s.cfg.Renderer != nil {
		opts := s.cfg.Renderer.Options()
		resp.Render = &opts
	}
	if s.cfg.Hub != nil {
		st := s.cfg.Hub.Stats()
		resp.Stream = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	profiles := make([]lagframe.Layout, 0)
	for _, name := range lagframe.ProfileNames() {
		if l, ok := lagframe.Profile(name); ok {
			profiles = append(profiles, l)
		}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, aggregate.DisplayFilter{Selected: s.cfg.Link.Status().Selected})
	case http.MethodPut:
		var req SelectionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Selected == nil {
			writeJSONError(w, http.StatusBadRequest, "selected is required")
			return
		}
		if err := s.cfg.Link.SetSelection(*req.Selected); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, lagframe.ErrUnrecognizedBaseline) {
				status = http.StatusBadRequest
			}
			writeJSONError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, aggregate.DisplayFilter{Selected: *req.Selected})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.cfg.Display == nil {
		writeJSONError(w, http.StatusNotFound, "no display configuration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    s.cfg.Display.Path(),
		"display": s.cfg.Display.Get(),
	})
}

// reloadConfig re-reads the display configuration file. On failure the
// previous configuration stays active and the error is returned.
func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.cfg.Display == nil {
		writeJSONError(w, http.StatusNotFound, "no display configuration")
		return
	}
	cfg, err := s.cfg.Display.Reload()
	if err != nil {
		log.Printf("display config reload failed, keeping previous: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrConfigParse) {
			status = http.StatusUnprocessableEntity
		}
		writeJSONError(w, status, err.Error())
		return
	}
	log.Printf("display config reloaded from %s", s.cfg.Display.Path())
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    s.cfg.Display.Path(),
		"display": cfg,
	})
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.cfg.Link.RequestReconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnect requested"})
}

func (s *Server) handleRenderOptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Renderer.Options())
	case http.MethodPut:
		opts := s.cfg.Renderer.Options()
		if !decodeJSON(w, r, &opts) {
			return
		}
		if err := s.cfg.Renderer.SetOptions(opts); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, opts)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}
