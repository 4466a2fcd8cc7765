package response

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "auth error missing", err: fmt.Errorf("failed to load: %w", autherror.ErrNotFound), want: http.StatusNotFound},
		{name: "outbox missing", err: outbox.ErrNotFound, want: http.StatusNotFound},
		{name: "classified not found", err: failure.NotFound("cluster %d", 7), want: http.StatusNotFound},
		{name: "guard violation", err: failure.GuardViolation("status is NEW"), want: http.StatusConflict},
		{name: "invalid payload", err: failure.InvalidPayload(errors.New("requestId is required")), want: http.StatusBadRequest},
		{name: "retryable", err: failure.NewRetryable(failure.ReasonTimeout, errors.New("db timeout")), want: http.StatusInternalServerError},
		{name: "plain", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.err))
		})
	}
}

func TestError_HidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), "Error reading", errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
