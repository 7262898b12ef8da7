package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/madhatter5501/agent-kanban/internal/db"
	"github.com/madhatter5501/agent-kanban/internal/locks"
)

// Error codes carried in the error envelope.
const (
	CodeNotFound      = "NOT_FOUND"
	CodeBadRequest    = "BAD_REQUEST"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeConflict      = "CONFLICT"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeQueueEmpty    = "QUEUE_EMPTY"
	CodeLockExpired   = "LOCK_EXPIRED"
	CodeValidation    = "VALIDATION_ERROR"
)

// errorEnvelope is the body of every non-2xx response.
type errorEnvelope struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Default().Error("failed to encode response", "error", err)
		}
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Error: msg, Code: code})
}

// writeError maps a domain error onto its HTTP status and envelope code.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, db.ErrQueueEmpty):
		writeErrorCode(w, http.StatusNotFound, CodeQueueEmpty, err.Error())
	case errors.Is(err, db.ErrValidation):
		writeErrorCode(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, db.ErrLockExpired):
		writeErrorCode(w, http.StatusConflict, CodeLockExpired, err.Error())
	case errors.Is(err, locks.ErrRequiresUnlock), errors.Is(err, db.ErrConflict):
		writeErrorCode(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		writeErrorCode(w, http.StatusInternalServerError, CodeDatabaseError, err.Error())
	}
}
