// ABOUTME: Operator endpoints for enabling, disabling and reloading the server
// ABOUTME: Plus liveness and readiness probes

package server

import (
	"fmt"
	"net/http"
)

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if _, err := s.SetEnabled(r.Context(), true); err != nil {
		s.logger.Error("enable failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"STATUS": statusOK, "ENABLED": true})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	archived, err := s.SetEnabled(r.Context(), false)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"STATUS": statusOK, "ENABLED": false, "ARCHIVED": archived})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Reload(r.Context()); err != nil {
		s.logger.Error("reload failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"STATUS": statusOK})
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the server accepts conversations.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.enabled.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("disabled"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions, %d/%d models busy)", s.sessions.Len(), s.models.BusyCount(), len(s.models.Clients()))
}
