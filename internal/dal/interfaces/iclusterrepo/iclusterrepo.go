package iclusterrepo

import (
	"context"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
)

// IClusterRepository defines the interface for clusters and their decisions.
type IClusterRepository interface {
	// UpsertByKey returns the cluster for key, opening it if absent
	UpsertByKey(ctx context.Context, key string, now time.Time) (cluster.Cluster, error)

	// AddItem links an auth error to a cluster; false when already linked
	AddItem(ctx context.Context, clusterID, authErrorID int64, now time.Time) (bool, error)

	// Touch bumps last seen and, when counted, the total count
	Touch(ctx context.Context, clusterID int64, counted bool, now time.Time) error

	// FindByID returns a cluster or cluster.ErrNotFound
	FindByID(ctx context.Context, id int64) (cluster.Cluster, error)

	// List returns clusters ordered by last seen, newest first
	List(ctx context.Context, limit, offset int) ([]cluster.Cluster, error)

	// Count returns the number of clusters
	Count(ctx context.Context) (int64, error)

	// ItemIDs returns the auth error ids linked to a cluster
	ItemIDs(ctx context.Context, clusterID int64) ([]int64, error)

	// UpdateStatus changes the cluster status
	UpdateStatus(ctx context.Context, clusterID int64, status cluster.Status, now time.Time) error

	// FindDecisionByKey returns a decision or cluster.ErrDecisionNotFound
	FindDecisionByKey(ctx context.Context, key string) (cluster.Decision, error)

	// InsertDecision stores a new decision and returns it with its id, or
	// cluster.ErrDuplicateDecision when the idempotency key is taken
	InsertDecision(ctx context.Context, d cluster.Decision) (cluster.Decision, error)

	// UpdateDecisionResult writes the fan-out counters and status
	UpdateDecisionResult(ctx context.Context, d cluster.Decision) error

	// InsertApply logs the outcome for one auth error
	InsertApply(ctx context.Context, a cluster.DecisionApply) error
}
