package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"peerdrop/internal/registry"
)

type createSessionRequest struct {
	UserID        string `json:"userId"`
	DownloadTimes int    `json:"downloadTimes,omitempty"`
}

type downloadRequest struct {
	Receipt string `json:"receipt"`
}

type httpError struct {
	Error string `json:"error"`
}

// registerHTTP mounts the session endpoints next to the websocket.
func (s *Server) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("POST /files/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /files/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /files/sessions/{id}/downloads", s.handleDownload)
	mux.HandleFunc("GET /clients", s.handleClients)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, httpError{Error: "userId is required"})
		return
	}
	quota := req.DownloadTimes
	if quota <= 0 {
		quota = registry.DefaultQuota
	}
	room := s.registry.Add(req.UserID, quota)
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, httpError{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDownload consumes one download grant. Wrong receipts get the
// same 404 as unknown rooms.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, httpError{Error: "receipt is required"})
		return
	}
	room, err := s.registry.Downloaded(r.PathValue("id"), req.Receipt)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, httpError{Error: "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.clients.GetClients())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
