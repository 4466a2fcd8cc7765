package listclusters

import (
	"context"
	"net/http"
	"strconv"

	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"github.com/corray333/backend-labs/autherror/internal/transport/http/response"
)

const (
	defaultSize = 20
	maxSize     = 200
)

// service is an interface for the service layer.
type service interface {
	ListClusters(ctx context.Context, limit, offset int) (cluster.Page, error)
}

// listResponse is one page of clusters.
type listResponse struct {
	Items         []cluster.Cluster `json:"items"`
	Page          int               `json:"page"`
	Size          int               `json:"size"`
	TotalElements int64             `json:"totalElements"`
	TotalPages    int64             `json:"totalPages"`
}

// queryInt returns the integer query parameter or def when absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}

	return v
}

// ListClusters returns clusters by last seen, newest first, paged by page and size.
func ListClusters(w http.ResponseWriter, r *http.Request, service service) {
	page := max(queryInt(r, "page", 0), 0)
	size := queryInt(r, "size", defaultSize)
	if size <= 0 {
		size = defaultSize
	}
	size = min(size, maxSize)

	p, err := service.ListClusters(r.Context(), size, page*size)
	if err != nil {
		response.Error(w, r, "Error listing clusters", err)

		return
	}
	if p.Items == nil {
		p.Items = []cluster.Cluster{}
	}

	response.JSON(w, http.StatusOK, listResponse{
		Items:         p.Items,
		Page:          page,
		Size:          size,
		TotalElements: p.TotalElements,
		TotalPages:    (p.TotalElements + int64(size) - 1) / int64(size),
	})
}
