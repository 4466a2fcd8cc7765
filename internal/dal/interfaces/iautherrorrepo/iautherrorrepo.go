package iautherrorrepo

import (
	"context"

	"github.com/corray333/backend-labs/autherror/internal/service/models/analysis"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
)

// IAuthErrorRepository defines the interface for auth error persistence.
type IAuthErrorRepository interface {
	// Insert stores a new auth error and returns it with its id
	Insert(ctx context.Context, e autherror.AuthError) (autherror.AuthError, error)

	// FindByID returns an auth error or autherror.ErrNotFound
	FindByID(ctx context.Context, id int64) (autherror.AuthError, error)

	// FindByRequestID returns an auth error or autherror.ErrNotFound
	FindByRequestID(ctx context.Context, requestID string) (autherror.AuthError, error)

	// FindByIDForUpdate locks and returns an auth error inside a transaction
	FindByIDForUpdate(ctx context.Context, id int64) (autherror.AuthError, error)

	// Update writes the mutable lifecycle fields
	Update(ctx context.Context, e autherror.AuthError) error

	// InsertAnalysisResult stores an analysis result
	InsertAnalysisResult(ctx context.Context, r analysis.Result) (analysis.Result, error)
}
