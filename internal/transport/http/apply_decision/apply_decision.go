package applydecision

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"github.com/corray333/backend-labs/autherror/internal/service/services/autherrorsvc"
	"github.com/corray333/backend-labs/autherror/internal/transport/http/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// service is an interface for the service layer.
type service interface {
	ApplyDecision(ctx context.Context, cmd autherrorsvc.DecisionCommand) (autherror.AuthError, error)
}

// decisionRequest represents an operator decision on one auth error.
type decisionRequest struct {
	DecisionType string `json:"decisionType" validate:"required"`
	Note         string `json:"note"         validate:"max=1000"`
	DecidedBy    string `json:"decidedBy"`
}

// decisionResponse reports the resulting status.
type decisionResponse struct {
	AuthErrorID int64            `json:"authErrorId"`
	Status      autherror.Status `json:"status"`
}

// ApplyDecision applies an operator decision to an analyzed auth error.
func ApplyDecision(w http.ResponseWriter, r *http.Request, service service) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid auth error id", http.StatusBadRequest)

		return
	}

	req := decisionRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Warn("Error decoding request body for decision", "error", err)

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

	e, err := service.ApplyDecision(r.Context(), autherrorsvc.DecisionCommand{
		AuthErrorID: id,
		Type:        decisionType,
		Note:        req.Note,
		DecidedBy:   actor,
	})
	if err != nil {
		response.Error(w, r, "Error applying decision", err)

		return
	}

	response.JSON(w, http.StatusOK, decisionResponse{AuthErrorID: e.ID, Status: e.Status})
}
