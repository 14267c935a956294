package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/homesync/internal/permission"
	"github.com/nerrad567/homesync/internal/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

type switchHomeRequest struct {
	HomeID string `json:"homeId"`
}

// handleSwitchHome makes another home active. The switch itself always
// happens; a failed fetch is reported as 502 with the session status so
// the dashboard can show the home as still loading.
func (s *Server) handleSwitchHome(w http.ResponseWriter, r *http.Request) {
	var req switchHomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.session.SwitchHome(r.Context(), req.HomeID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.session.Status())
	case errors.Is(err, session.ErrNoHome):
		writeBadRequest(w, "homeId is required")
	default:
		s.logger.Warn("loading home failed", "home_id", req.HomeID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": Error{
				Status:  http.StatusBadGateway,
				Code:    ErrCodeUpstream,
				Message: "home selected but could not be loaded",
			},
			"session": s.session.Status(),
		})
	}
}

func (s *Server) handleListHomes(w http.ResponseWriter, r *http.Request) {
	homes, err := s.session.Homes(r.Context())
	if err != nil {
		s.logger.Warn("listing homes failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "homes could not be listed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"homes": homes, "count": len(homes)})
}

// handleCan evaluates one permission predicate.
//
// Query parameters: action, type and key; menu and role checks are
// expressed as type=menu and type=role.
func (s *Server) handleCan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action, resourceType, key := q.Get("action"), q.Get("type"), q.Get("key")

	if resourceType == "role" {
		if key == "" {
			writeBadRequest(w, "key is required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"allowed": s.permissions.HasRole(key)})
		return
	}

	if resourceType == "" || key == "" {
		writeBadRequest(w, "type and key are required")
		return
	}
	if action == "" {
		action = permission.ActionView
	}

	allowed := s.permissions.Can(action, resourceType, key)
	if !allowed && resourceType == permission.ResourceDevice {
		allowed = s.session.CanAccessDevice(action, key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}
