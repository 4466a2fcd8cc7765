package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const (
	clusterTable  = "auth_error_cluster"
	itemTable     = "auth_error_cluster_item"
	decisionTable = "auth_error_cluster_decision"
	applyTable    = "auth_error_cluster_decision_apply"

	uniqueViolation = "23505"
)

var clusterColumns = []string{
	"id",
	"cluster_key",
	"status",
	"title",
	"summary",
	"total_count",
	"first_seen_at",
	"last_seen_at",
	"created_at",
	"updated_at",
}

var decisionColumns = []string{
	"id",
	"cluster_id",
	"idempotency_key",
	"decision_type",
	"note",
	"decided_by",
	"status",
	"total_targets",
	"applied_count",
	"skipped_count",
	"failed_count",
	"created_at",
	"updated_at",
}

// clusterDal represents the auth_error_cluster row.
type clusterDal struct {
	ID          int64      `db:"id"`
	ClusterKey  string     `db:"cluster_key"`
	Status      string     `db:"status"`
	Title       *string    `db:"title"`
	Summary     *string    `db:"summary"`
	TotalCount  int64      `db:"total_count"`
	FirstSeenAt *time.Time `db:"first_seen_at"`
	LastSeenAt  *time.Time `db:"last_seen_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// ToModel converts clusterDal to the service layer model.
func (d *clusterDal) ToModel() cluster.Cluster {
	return cluster.Cluster{
		ID:          d.ID,
		ClusterKey:  d.ClusterKey,
		Status:      cluster.Status(d.Status),
		Title:       d.Title,
		Summary:     d.Summary,
		TotalCount:  d.TotalCount,
		FirstSeenAt: d.FirstSeenAt,
		LastSeenAt:  d.LastSeenAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// decisionDal represents the auth_error_cluster_decision row.
type decisionDal struct {
	ID             int64     `db:"id"`
	ClusterID      int64     `db:"cluster_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	DecisionType   string    `db:"decision_type"`
	Note           *string   `db:"note"`
	DecidedBy      string    `db:"decided_by"`
	Status         string    `db:"status"`
	TotalTargets   int       `db:"total_targets"`
	AppliedCount   int       `db:"applied_count"`
	SkippedCount   int       `db:"skipped_count"`
	FailedCount    int       `db:"failed_count"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ToModel converts decisionDal to the service layer model.
func (d *decisionDal) ToModel() cluster.Decision {
	return cluster.Decision{
		ID:             d.ID,
		ClusterID:      d.ClusterID,
		IdempotencyKey: d.IdempotencyKey,
		DecisionType:   cluster.DecisionType(d.DecisionType),
		Note:           d.Note,
		DecidedBy:      cluster.Actor(d.DecidedBy),
		Status:         cluster.DecisionStatus(d.Status),
		TotalTargets:   d.TotalTargets,
		AppliedCount:   d.AppliedCount,
		SkippedCount:   d.SkippedCount,
		FailedCount:    d.FailedCount,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// ClusterRepository implements cluster persistence for PostgreSQL.
type ClusterRepository struct {
	db sqlx.ExtContext
}

// NewClusterRepository creates a new cluster repository.
func NewClusterRepository(db sqlx.ExtContext) *ClusterRepository {
	return &ClusterRepository{
		db: db,
	}
}

// UpsertByKey opens a cluster for key or returns the existing one.
func (r *ClusterRepository) UpsertByKey(ctx context.Context, key string, now time.Time) (cluster.Cluster, error) {
	query, args, err := sq.Insert(clusterTable).
		Columns("cluster_key", "status", "total_count", "first_seen_at", "last_seen_at", "created_at", "updated_at").
		Values(key, string(cluster.StatusOpen), 0, now, now, now, now).
		Suffix("ON CONFLICT (cluster_key) DO UPDATE SET cluster_key = EXCLUDED.cluster_key RETURNING " + strings.Join(clusterColumns, ", ")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return cluster.Cluster{}, fmt.Errorf("failed to build cluster upsert query: %w", err)
	}

	var dal clusterDal
	if err := sqlx.GetContext(ctx, r.db, &dal, query, args...); err != nil {
		return cluster.Cluster{}, fmt.Errorf("failed to upsert cluster: %w", err)
	}

	return dal.ToModel(), nil
}

// AddItem links an auth error to a cluster once.
func (r *ClusterRepository) AddItem(ctx context.Context, clusterID, authErrorID int64, now time.Time) (bool, error) {
	query, args, err := sq.Insert(itemTable).
		Columns("cluster_id", "auth_error_id", "created_at").
		Values(clusterID, authErrorID, now).
		Suffix("ON CONFLICT (cluster_id, auth_error_id) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build cluster item query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert cluster item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n == 1, nil
}

// Touch bumps last seen and, when counted, the total count.
func (r *ClusterRepository) Touch(ctx context.Context, clusterID int64, counted bool, now time.Time) error {
	builder := sq.Update(clusterTable).
		Set("last_seen_at", now).
		Set("updated_at", now)
	if counted {
		builder = builder.Set("total_count", sq.Expr("total_count + 1"))
	}

	query, args, err := builder.
		Where(sq.Eq{"id": clusterID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build cluster touch query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to touch cluster: %w", err)
	}

	return nil
}

// FindByID returns a cluster by id.
func (r *ClusterRepository) FindByID(ctx context.Context, id int64) (cluster.Cluster, error) {
	query, args, err := sq.Select(clusterColumns...).
		From(clusterTable).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return cluster.Cluster{}, fmt.Errorf("failed to build cluster select query: %w", err)
	}

	var dal clusterDal
	if err := sqlx.GetContext(ctx, r.db, &dal, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cluster.Cluster{}, cluster.ErrNotFound
		}

		return cluster.Cluster{}, fmt.Errorf("failed to query cluster: %w", err)
	}

	return dal.ToModel(), nil
}

// List returns clusters ordered by last seen, newest first.
func (r *ClusterRepository) List(ctx context.Context, limit, offset int) ([]cluster.Cluster, error) {
	query, args, err := sq.Select(clusterColumns...).
		From(clusterTable).
		OrderBy("last_seen_at DESC NULLS LAST", "id DESC").
		Limit(uint64(max(limit, 1))).
		Offset(uint64(max(offset, 0))).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build cluster list query: %w", err)
	}

	var dals []clusterDal
	if err := sqlx.SelectContext(ctx, r.db, &dals, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}

	clusters := make([]cluster.Cluster, len(dals))
	for i := range dals {
		clusters[i] = dals[i].ToModel()
	}

	return clusters, nil
}

// Count returns the number of clusters.
func (r *ClusterRepository) Count(ctx context.Context) (int64, error) {
	query, args, err := sq.Select("count(*)").
		From(clusterTable).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build cluster count query: %w", err)
	}

	var n int64
	if err := sqlx.GetContext(ctx, r.db, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count clusters: %w", err)
	}

	return n, nil
}

// ItemIDs returns the auth error ids linked to a cluster.
func (r *ClusterRepository) ItemIDs(ctx context.Context, clusterID int64) ([]int64, error) {
	query, args, err := sq.Select("auth_error_id").
		From(itemTable).
		Where(sq.Eq{"cluster_id": clusterID}).
		OrderBy("auth_error_id ASC").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build cluster items query: %w", err)
	}

	var ids []int64
	if err := sqlx.SelectContext(ctx, r.db, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query cluster items: %w", err)
	}

	return ids, nil
}

// UpdateStatus changes the cluster status.
func (r *ClusterRepository) UpdateStatus(ctx context.Context, clusterID int64, status cluster.Status, now time.Time) error {
	query, args, err := sq.Update(clusterTable).
		Set("status", string(status)).
		Set("updated_at", now).
		Where(sq.Eq{"id": clusterID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build cluster status query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update cluster status: %w", err)
	}

	return nil
}

// FindDecisionByKey returns a decision by idempotency key.
func (r *ClusterRepository) FindDecisionByKey(ctx context.Context, key string) (cluster.Decision, error) {
	query, args, err := sq.Select(decisionColumns...).
		From(decisionTable).
		Where(sq.Eq{"idempotency_key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return cluster.Decision{}, fmt.Errorf("failed to build decision select query: %w", err)
	}

	var dal decisionDal
	if err := sqlx.GetContext(ctx, r.db, &dal, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cluster.Decision{}, cluster.ErrDecisionNotFound
		}

		return cluster.Decision{}, fmt.Errorf("failed to query decision: %w", err)
	}

	return dal.ToModel(), nil
}

// InsertDecision stores a new decision.
func (r *ClusterRepository) InsertDecision(ctx context.Context, d cluster.Decision) (cluster.Decision, error) {
	query, args, err := sq.Insert(decisionTable).
		Columns(decisionColumns[1:]...).
		Values(
			d.ClusterID,
			d.IdempotencyKey,
			string(d.DecisionType),
			d.Note,
			string(d.DecidedBy),
			string(d.Status),
			d.TotalTargets,
			d.AppliedCount,
			d.SkippedCount,
			d.FailedCount,
			d.CreatedAt,
			d.UpdatedAt,
		).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return d, fmt.Errorf("failed to build decision insert query: %w", err)
	}

	if err := sqlx.GetContext(ctx, r.db, &d.ID, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return d, cluster.ErrDuplicateDecision
		}

		return d, fmt.Errorf("failed to insert decision: %w", err)
	}

	return d, nil
}

// UpdateDecisionResult writes the fan-out counters.
func (r *ClusterRepository) UpdateDecisionResult(ctx context.Context, d cluster.Decision) error {
	query, args, err := sq.Update(decisionTable).
		Set("status", string(d.Status)).
		Set("total_targets", d.TotalTargets).
		Set("applied_count", d.AppliedCount).
		Set("skipped_count", d.SkippedCount).
		Set("failed_count", d.FailedCount).
		Set("updated_at", d.UpdatedAt).
		Where(sq.Eq{"id": d.ID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build decision update query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update decision: %w", err)
	}

	return nil
}

// InsertApply logs the outcome of a decision on one auth error.
func (r *ClusterRepository) InsertApply(ctx context.Context, a cluster.DecisionApply) error {
	query, args, err := sq.Insert(applyTable).
		Columns("decision_id", "auth_error_id", "outcome", "message", "created_at").
		Values(a.DecisionID, a.AuthErrorID, string(a.Outcome), a.Message, a.CreatedAt).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build apply insert query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert decision apply: %w", err)
	}

	return nil
}
