package getoutbox

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/corray333/backend-labs/autherror/internal/transport/http/response"
	"github.com/go-chi/chi/v5"
)

// service is an interface for the service layer.
type service interface {
	FindByID(ctx context.Context, id int64) (outbox.Message, error)
}

// outboxResponse is the diagnostic view of an outbox row. The payload is inlined as JSON.
type outboxResponse struct {
	ID                  int64           `json:"id"`
	IdempotencyKey      string          `json:"idempotencyKey"`
	AggregateType       string          `json:"aggregateType"`
	AggregateID         string          `json:"aggregateId"`
	EventType           string          `json:"eventType"`
	Payload             json.RawMessage `json:"payload"`
	Status              outbox.Status   `json:"status"`
	ProcessingOwner     *string         `json:"processingOwner,omitempty"`
	ProcessingStartedAt *time.Time      `json:"processingStartedAt,omitempty"`
	RetryCount          int             `json:"retryCount"`
	MaxRetries          int             `json:"maxRetries"`
	NextRetryAt         *time.Time      `json:"nextRetryAt,omitempty"`
	LastError           *string         `json:"lastError,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	PublishedAt         *time.Time      `json:"publishedAt,omitempty"`
}

func toResponse(m outbox.Message) outboxResponse {
	payload := json.RawMessage(m.Payload)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(m.Payload))
	}

	return outboxResponse{
		ID:                  m.ID,
		IdempotencyKey:      m.IdempotencyKey,
		AggregateType:       m.AggregateType,
		AggregateID:         m.AggregateID,
		EventType:           m.EventType,
		Payload:             payload,
		Status:              m.Status,
		ProcessingOwner:     m.ProcessingOwner,
		ProcessingStartedAt: m.ProcessingStartedAt,
		RetryCount:          m.RetryCount,
		MaxRetries:          m.MaxRetries,
		NextRetryAt:         m.NextRetryAt,
		LastError:           m.LastError,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		PublishedAt:         m.PublishedAt,
	}
}

// GetOutbox returns one outbox message by id.
func GetOutbox(w http.ResponseWriter, r *http.Request, service service) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid outbox id", http.StatusBadRequest)

		return
	}

	m, err := service.FindByID(r.Context(), id)
	if err != nil {
		response.Error(w, r, "Error getting outbox message", err)

		return
	}

	response.JSON(w, http.StatusOK, toResponse(m))
}
