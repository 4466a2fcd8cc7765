// Package response writes JSON bodies and maps service errors to HTTP statuses.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
)

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error writing response", "error", err)
	}
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, autherror.ErrNotFound),
		errors.Is(err, outbox.ErrNotFound),
		errors.Is(err, cluster.ErrNotFound):
		return http.StatusNotFound
	}

	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.NonRetryable {
		return http.StatusInternalServerError
	}
	switch fe.Reason {
	case failure.ReasonNotFound:
		return http.StatusNotFound
	case failure.ReasonGuardViolation:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// Error writes err as plain text with the status it maps to.
func Error(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), msg, "error", err)
		http.Error(w, http.StatusText(status), status)

		return
	}

	slog.WarnContext(r.Context(), msg, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}
