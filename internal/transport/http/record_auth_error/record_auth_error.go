package recordautherror

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/metrics"
	"github.com/corray333/backend-labs/autherror/internal/service/services/autherrorsvc"
	"github.com/corray333/backend-labs/autherror/internal/transport/http/response"
	"github.com/go-playground/validator/v10"
)

const api = "/api/auth-errors"

// service is an interface for the service layer.
type service interface {
	Record(ctx context.Context, cmd autherrorsvc.RecordCommand) (autherrorsvc.RecordResult, error)
}

// recordRequest represents an auth error reported by an upstream service.
type recordRequest struct {
	RequestID        string     `json:"requestId"        validate:"required,max=128"`
	OccurredAt       *time.Time `json:"occurredAt"       validate:"required"`
	HTTPStatus       *int       `json:"httpStatus"       validate:"required,gte=100,lte=599"`
	ExceptionClass   string     `json:"exceptionClass"   validate:"required,max=256"`
	Stacktrace       string     `json:"stacktrace"       validate:"required"`
	CorrelationID    *string    `json:"correlationId"    validate:"omitempty,max=128"`
	TraceID          *string    `json:"traceId"          validate:"omitempty,max=64"`
	SpanID           *string    `json:"spanId"           validate:"omitempty,max=32"`
	SourceService    string     `json:"sourceService"    validate:"max=128"`
	SourceInstance   *string    `json:"sourceInstance"   validate:"omitempty,max=128"`
	Environment      string     `json:"environment"      validate:"max=32"`
	HTTPMethod       *string    `json:"httpMethod"       validate:"omitempty,max=16"`
	RequestURI       *string    `json:"requestUri"       validate:"omitempty,max=2048"`
	ClientIP         *string    `json:"clientIp"         validate:"omitempty,ip"`
	UserAgent        *string    `json:"userAgent"        validate:"omitempty,max=512"`
	UserID           *string    `json:"userId"           validate:"omitempty,max=128"`
	ErrorCode        *string    `json:"errorCode"        validate:"omitempty,max=64"`
	ExceptionMessage *string    `json:"exceptionMessage"`
	RootCauseClass   *string    `json:"rootCauseClass"   validate:"omitempty,max=256"`
	RootCauseMessage *string    `json:"rootCauseMessage"`
}

// Validate validates the record request.
func (r *recordRequest) Validate() error {
	return validator.New().Struct(r)
}

// toCommand converts recordRequest to autherrorsvc.RecordCommand.
func (r *recordRequest) toCommand() autherrorsvc.RecordCommand {
	return autherrorsvc.RecordCommand{
		RequestID:        r.RequestID,
		CorrelationID:    r.CorrelationID,
		TraceID:          r.TraceID,
		SpanID:           r.SpanID,
		OccurredAt:       *r.OccurredAt,
		SourceService:    r.SourceService,
		SourceInstance:   r.SourceInstance,
		Environment:      r.Environment,
		HTTPMethod:       r.HTTPMethod,
		RequestURI:       r.RequestURI,
		HTTPStatus:       r.HTTPStatus,
		ClientIP:         r.ClientIP,
		UserAgent:        r.UserAgent,
		UserID:           r.UserID,
		ErrorCode:        r.ErrorCode,
		ExceptionClass:   &r.ExceptionClass,
		ExceptionMessage: r.ExceptionMessage,
		RootCauseClass:   r.RootCauseClass,
		RootCauseMessage: r.RootCauseMessage,
		Stacktrace:       &r.Stacktrace,
	}
}

// Record stores an auth error together with its recorded event.
func Record(w http.ResponseWriter, r *http.Request, service service) {
	req := recordRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.IngestTotal.WithLabelValues(api, metrics.ResultFail).Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Warn("Error decoding request body for auth error", "error", err)

		return
	}

	if err := req.Validate(); err != nil {
		metrics.IngestTotal.WithLabelValues(api, metrics.ResultFail).Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Warn("Error validating request body for auth error", "error", err)

		return
	}

	res, err := service.Record(r.Context(), req.toCommand())
	if err != nil {
		metrics.IngestTotal.WithLabelValues(api, metrics.ResultError).Inc()
		response.Error(w, r, "Error recording auth error", err)

		return
	}

	metrics.IngestTotal.WithLabelValues(api, metrics.ResultSuccess).Inc()
	response.JSON(w, http.StatusOK, res)
}
