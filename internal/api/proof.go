package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cognigate/backend/internal/core"
)

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	var fromSeq uint64
	if from := r.URL.Query().Get("from"); from != "" {
		n, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			writeError(w, core.Validationf("from must be a non-negative integer"))
			return
		}
		fromSeq = n
	}

	result := s.chain.Verify(r.Context(), fromSeq)
	writeJSON(w, http.StatusOK, result)
}

// handleProofEvent answers external verification of a single entry: the
// entry itself, whether the chain up to it holds, and an HMAC
// attestation over the answer so third parties can archive it.
func (s *Server) handleProofEvent(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	ev, err := s.chain.GetByHash(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}

	result := s.chain.Verify(r.Context(), 0)
	valid := result.Valid || (result.BrokenAt != nil && *result.BrokenAt > ev.Seq)

	resp := map[string]interface{}{
		"event": ev,
		"valid": valid,
	}
	if s.attestor != nil {
		resp["attestation"] = s.attestor.Sign(ev.Hash, ev.AgentID, ev.RecordedAt, valid)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChainStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	length, err := s.chain.Length(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	byKind := map[core.ProofEventKind]uint64{}
	if length > 0 {
		all, err := s.chain.EntriesFrom(ctx, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		for i := range all {
			byKind[all[i].Kind]++
		}
	}

	result := s.chain.Verify(ctx, 0)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"length":  length,
		"by_kind": byKind,
		"intact":  result.Valid,
	})
}
