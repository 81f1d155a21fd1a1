package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/docfollow/internal/directory"
	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/pkg/logging"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps engine and directory errors onto status codes.
func writeDomainError(w http.ResponseWriter, logger *logging.Logger, err error) {
	var terr *followup.TransitionError
	switch {
	case errors.Is(err, followup.ErrNotFound),
		errors.Is(err, followup.ErrForbidden),
		errors.Is(err, directory.ErrPatientNotFound),
		errors.Is(err, directory.ErrDoctorNotFound):
		// Conversations owned by another doctor are reported as missing.
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "not allowed in current state",
			"state": string(terr.State),
		})
	case errors.Is(err, followup.ErrDuplicateFollowUp), errors.Is(err, followup.ErrOpenConversationExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, followup.ErrInvalidEvent), errors.Is(err, directory.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, followup.ErrStorageConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "busy, retry")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Health reports liveness.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
