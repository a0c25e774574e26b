package dashboard

import (
	"encoding/json"
	"net/http"
)

// handleStatus returns the per-entity sync status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// triggerRequest selects what to sync.
type triggerRequest struct {
	Entity string `json:"entity,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

type triggerResponse struct {
	AttemptIDs []string `json:"attempt_ids"`
}

// handleTrigger runs a sync cycle on demand and returns the attempt IDs.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	ids, err := s.engine.TriggerSyncNow(r.Context(), req.Entity, req.Force)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{AttemptIDs: ids})
}

type drainResponse struct {
	Entity  string `json:"entity"`
	Applied int    `json:"applied"`
}

// handleDrain drains one entity's offline queue to the remote side.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")

	applied, err := s.engine.DrainOfflineQueue(r.Context(), entity)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, drainResponse{Entity: entity, Applied: applied})
}

// handleAck clears an entity's schema-mismatch exclusion.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")

	if err := s.engine.AcknowledgeEntity(r.Context(), entity); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"entity": entity, "status": "acknowledged"})
}

// handleHealth reports liveness and connected monitor count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
