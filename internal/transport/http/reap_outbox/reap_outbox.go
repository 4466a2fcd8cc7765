package reapoutbox

import (
	"context"
	"net/http"

	"github.com/corray333/backend-labs/autherror/internal/transport/http/response"
)

// service is an interface for the service layer.
type service interface {
	ReapOnce(ctx context.Context) (int, error)
}

type reapResponse struct {
	Reaped int `json:"reaped"`
}

// ReapOutbox runs one reaper pass on demand.
func ReapOutbox(w http.ResponseWriter, r *http.Request, service service) {
	n, err := service.ReapOnce(r.Context())
	if err != nil {
		response.Error(w, r, "Error reaping outbox", err)

		return
	}

	response.JSON(w, http.StatusOK, reapResponse{Reaped: n})
}
