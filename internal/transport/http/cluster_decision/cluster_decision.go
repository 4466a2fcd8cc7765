package clusterdecision

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"github.com/corray333/backend-labs/autherror/internal/service/services/autherrorsvc"
	"github.com/corray333/backend-labs/autherror/internal/transport/http/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// service is an interface for the service layer.
type service interface {
	ApplyClusterDecision(ctx context.Context, cmd autherrorsvc.ClusterDecisionCommand) (cluster.Decision, error)
}

// clusterDecisionRequest represents an operator decision fanned out to a cluster.
type clusterDecisionRequest struct {
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	DecisionType   string `json:"decisionType"   validate:"required"`
	Note           string `json:"note"           validate:"max=1000"`
	DecidedBy      string `json:"decidedBy"`
}

// ApplyClusterDecision applies an operator decision to every auth error of a cluster.
func ApplyClusterDecision(w http.ResponseWriter, r *http.Request, service service) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid cluster id", http.StatusBadRequest)

		return
	}

	req := clusterDecisionRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Warn("Error decoding request body for cluster decision", "error", err)

		return
	}
	if err := validator.New().Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	decisionType, err := cluster.ParseDecisionType(req.DecisionType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}
	actor, err := cluster.ParseActor(req.DecidedBy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	d, err := service.ApplyClusterDecision(r.Context(), autherrorsvc.ClusterDecisionCommand{
		ClusterID:      id,
		IdempotencyKey: req.IdempotencyKey,
		Type:           decisionType,
		Note:           req.Note,
		DecidedBy:      actor,
	})
	if err != nil {
		response.Error(w, r, "Error applying cluster decision", err)

		return
	}

	response.JSON(w, http.StatusOK, d)
}
