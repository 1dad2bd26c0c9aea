package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cognigate/backend/internal/governor"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req governor.IntentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.governor.ProcessIntent(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWithdrawIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// An empty body is fine; withdrawal needs no reason.
	_ = decodeLoose(r, &req)

	intent, err := s.governor.WithdrawIntent(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}
