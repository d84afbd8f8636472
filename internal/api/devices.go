package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/arrudagates/ponder/internal/device"
	"github.com/go-chi/chi/v5"
)

type deviceView struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	Connected bool           `json:"connected"`
	Online    bool           `json:"online"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

func (s *Server) view(id, model string) deviceView {
	v := deviceView{ID: id, Model: model, Fields: map[string]any{}}
	if s.sessions != nil {
		v.Connected = s.sessions.IsConnected(id)
	}
	if rec, ok := s.states.Get(id); ok {
		v.Online = rec.Online
		v.Fields = rec.Fields
		if !rec.UpdatedAt.IsZero() {
			at := rec.UpdatedAt
			v.UpdatedAt = &at
		}
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sessions := 0
	if s.sessions != nil {
		sessions = len(s.sessions.Sessions())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": sessions,
		"devices":  len(s.registry.Bindings()),
	})
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Definitions())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleKickSession(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if s.sessions == nil {
		writeError(w, http.StatusNotFound, "unknown_session", "no session for "+clientID)
		return
	}
	if err := s.sessions.Disconnect(clientID); err != nil {
		writeError(w, http.StatusNotFound, "unknown_session", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	bindings := s.registry.Bindings()
	out := make([]deviceView, 0, len(bindings))
	for id, model := range bindings {
		out = append(out, s.view(id, model))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	model, ok := s.registry.ResolveModel(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_device", "unknown device "+id)
		return
	}
	writeJSON(w, http.StatusOK, s.view(id, model))
}

type registerRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Model == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"model\": \"...\"}")
		return
	}
	if err := s.translator.Register(r.Context(), id, req.Model); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(id, req.Model))
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.translator.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commandRequest struct {
	Capability string `json:"capability"`
	Value      any    `json:"value"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Capability == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"capability\": \"...\", \"value\": ...}")
		return
	}
	value, err := device.FormatValue(req.Value)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	cmd := device.Command{DeviceID: chi.URLParam(r, "id"), Capability: req.Capability, Value: value}
	if err := s.translator.Submit(r.Context(), cmd); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.translator.Failures(chi.URLParam(r, "id")))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history_disabled", "state history requires sqlite")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.history.History(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("field"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
