package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cognigate/backend/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps error kinds to HTTP status codes. Anything unmapped is
// a 500 with a generic body; the detail stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeErrorMsg(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidState):
		writeErrorMsg(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrChainConflict):
		// Reaching here means the append retries were exhausted; the
		// caller did nothing wrong and may try again.
		writeErrorMsg(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, core.ErrConfiguration):
		writeErrorMsg(w, http.StatusInternalServerError, err.Error())
	default:
		slog.Error("internal error", "error", err)
		writeErrorMsg(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

// decodeLoose parses an optional request body, treating absence as the
// zero value.
func decodeLoose(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
