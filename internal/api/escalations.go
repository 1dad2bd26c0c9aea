package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cognigate/backend/internal/core"
	"github.com/cognigate/backend/internal/escalation"
	"github.com/cognigate/backend/internal/store"
)

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EscalationFilter{
		Status:     core.EscalationStatus(q.Get("status")),
		Priority:   core.EscalationPriority(q.Get("priority")),
		AgentID:    q.Get("agent_id"),
		AssignedTo: q.Get("assigned_to"),
	}

	list, err := s.escalations.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": list,
		"count":       len(list),
	})
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := s.escalations.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reviewer string `json:"reviewer"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = reviewerFrom(r.Context())
	}

	esc, err := s.escalations.Assign(r.Context(), mux.Vars(r)["id"], req.Reviewer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleStartReview(w http.ResponseWriter, r *http.Request) {
	esc, err := s.escalations.StartReview(r.Context(), mux.Vars(r)["id"], reviewerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution       string `json:"resolution"`
		Reason           string `json:"reason"`
		CreatesPrecedent bool   `json:"creates_precedent"`
		PrecedentNote    string `json:"precedent_note"`
		TrustDelta       bool   `json:"trust_delta"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	esc, report, err := s.escalations.Resolve(r.Context(), mux.Vars(r)["id"], escalation.ResolveRequest{
		Reviewer:         reviewerFrom(r.Context()),
		Resolution:       core.Resolution(req.Resolution),
		Reason:           req.Reason,
		CreatesPrecedent: req.CreatesPrecedent,
		PrecedentNote:    req.PrecedentNote,
		TrustDelta:       req.TrustDelta,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalation":  esc,
		"consistency": report,
	})
}
