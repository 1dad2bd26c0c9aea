package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cognigate/backend/internal/core"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string `json:"name"`
		HierarchyLevel  int    `json:"hierarchy_level"`
		ObservationTier string `json:"observation_tier"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	level := core.HierarchyLevel(req.HierarchyLevel)
	if !level.Valid() {
		writeError(w, core.Validationf("hierarchy_level must be 1-5, got %d", req.HierarchyLevel))
		return
	}
	tier := core.ObservationTier(req.ObservationTier)
	if req.ObservationTier == "" {
		tier = core.TierBlackBox
	}
	if !tier.Valid() {
		writeError(w, core.Validationf("unknown observation tier %q", req.ObservationTier))
		return
	}

	now := time.Now().UTC()
	agent := &core.Agent{
		ID:              uuid.New().String(),
		Name:            req.Name,
		HierarchyLevel:  level,
		ObservationTier: tier,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.agents.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}

	// Registration seeds an initial score immediately.
	snap, err := s.trust.ComputeScore(r.Context(), agent.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	agent.CurrentScore = snap.Score
	agent.CurrentTier = snap.Tier

	if _, err := s.chain.Append(r.Context(), core.ProofAgentAdmin, agent.ID, map[string]interface{}{
		"op":               "register",
		"agent_id":         agent.ID,
		"hierarchy_level":  agent.HierarchyLevel.String(),
		"observation_tier": agent.ObservationTier,
	}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.GetAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HierarchyLevel int    `json:"hierarchy_level"`
		Reason         string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	level := core.HierarchyLevel(req.HierarchyLevel)
	if !level.Valid() {
		writeError(w, core.Validationf("hierarchy_level must be 1-5, got %d", req.HierarchyLevel))
		return
	}

	id := mux.Vars(r)["id"]
	var oldLevel core.HierarchyLevel
	agent, err := s.agents.UpdateAgent(r.Context(), id, func(a *core.Agent) error {
		oldLevel = a.HierarchyLevel
		a.HierarchyLevel = level
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.chain.Append(r.Context(), core.ProofAgentAdmin, id, map[string]interface{}{
		"op":        "level_change",
		"agent_id":  id,
		"old_level": oldLevel.String(),
		"new_level": level.String(),
		"reason":    req.Reason,
		"actor":     reviewerFrom(r.Context()),
	}); err != nil {
		writeError(w, err)
		return
	}

	// A demotion releases the score floor; recompute reflects the new
	// level either way.
	if level < oldLevel {
		if _, _, err := s.trust.RecordEvent(r.Context(), id, core.EventDemotion, 1.0, req.Reason); err != nil {
			writeError(w, err)
			return
		}
	} else {
		if _, err := s.trust.ComputeScore(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}

	agent, err = s.agents.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleSetObservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ObservationTier string `json:"observation_tier"`
		Reason          string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	tier := core.ObservationTier(req.ObservationTier)
	if !tier.Valid() {
		writeError(w, core.Validationf("unknown observation tier %q", req.ObservationTier))
		return
	}

	id := mux.Vars(r)["id"]
	var oldTier core.ObservationTier
	_, err := s.agents.UpdateAgent(r.Context(), id, func(a *core.Agent) error {
		oldTier = a.ObservationTier
		a.ObservationTier = tier
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.chain.Append(r.Context(), core.ProofAgentAdmin, id, map[string]interface{}{
		"op":       "observation_change",
		"agent_id": id,
		"old_tier": oldTier,
		"new_tier": tier,
		"reason":   req.Reason,
		"actor":    reviewerFrom(r.Context()),
	}); err != nil {
		writeError(w, err)
		return
	}

	// The ceiling moved; the current score must respect it immediately.
	if _, err := s.trust.ComputeScore(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	agent, err := s.agents.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleRecordEvent ingests an executed-action outcome from downstream
// systems and folds it into the agent's score.
func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind   string  `json:"kind"`
		Weight float64 `json:"weight"`
		Note   string  `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev, snap, err := s.trust.RecordEvent(r.Context(), mux.Vars(r)["id"], core.TrustEventKind(req.Kind), req.Weight, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event":    ev,
		"snapshot": snap,
	})
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if h := r.URL.Query().Get("history"); h != "" {
		limit, err := strconv.Atoi(h)
		if err != nil || limit <= 0 {
			writeError(w, core.Validationf("history must be a positive integer"))
			return
		}
		history, err := s.trust.History(r.Context(), id, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
		return
	}

	snap, err := s.trust.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	snap, err := s.trust.ComputeScore(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"bands": s.matrix.Summary()})
}
