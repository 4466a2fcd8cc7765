package autherrorsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iuow"
	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/cluster"
	"go.opentelemetry.io/otel"
)

const applyMessageLimit = 500

// Cluster list page sizes.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// DecisionCommand is an operator decision on one analyzed auth error.
type DecisionCommand struct {
	AuthErrorID int64
	Type        cluster.DecisionType
	Note        string
	DecidedBy   cluster.Actor
}

// ClusterDecisionCommand is an operator decision fanned out to every item of a cluster.
type ClusterDecisionCommand struct {
	ClusterID      int64
	IdempotencyKey string
	Type           cluster.DecisionType
	Note           string
	DecidedBy      cluster.Actor
}

// ApplyDecision applies cmd to an auth error in ANALYSIS_COMPLETED.
// Any other status is a non-retryable guard violation.
func (s *AuthErrorService) ApplyDecision(ctx context.Context, cmd DecisionCommand) (autherror.AuthError, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "AuthErrorService.ApplyDecision")
	defer span.End()

	var out autherror.AuthError
	err := s.uow.Do(ctx, func(tx iuow.Repositories) error {
		var err error
		out, err = s.applyDecision(ctx, tx, cmd, s.now())

		return err
	})
	if err != nil {
		return autherror.AuthError{}, err
	}

	return out, nil
}

func (s *AuthErrorService) applyDecision(
	ctx context.Context,
	tx iuow.Repositories,
	cmd DecisionCommand,
	now time.Time,
) (autherror.AuthError, error) {
	e, err := loadForUpdate(ctx, tx, cmd.AuthErrorID)
	if err != nil {
		return e, err
	}

	from := e.Status
	if from != autherror.StatusAnalysisCompleted {
		return e, failure.GuardViolation("decision not allowed, auth error %d is %s", e.ID, from)
	}

	actor := cmd.DecidedBy
	if actor == "" {
		actor = cluster.ActorOperator
	}

	switch cmd.Type {
	case cluster.DecisionProcess:
		e.MarkProcessed(noteWithActor(actor, "process", cmd.Note), now)
	case cluster.DecisionRetry:
		e.MarkRetry(now)
	case cluster.DecisionIgnore:
		e.MarkIgnored(noteWithActor(actor, "ignore", cmd.Note), now)
	case cluster.DecisionResolve:
		e.Resolve(noteWithActor(actor, "resolve", cmd.Note), now)
	case cluster.DecisionFail:
		e.MarkFailed(noteWithActor(actor, "fail", cmd.Note), now)
	default:
		return e, failure.InvalidPayload(fmt.Errorf("unsupported decision type %q", cmd.Type))
	}

	if err := tx.AuthErrors().Update(ctx, e); err != nil {
		return e, fmt.Errorf("failed to update auth error: %w", err)
	}

	slog.Info("Decision applied",
		"auth_error_id", e.ID,
		"from", from,
		"to", e.Status,
		"actor", actor,
		"decision_type", cmd.Type,
	)

	return e, nil
}

// noteWithActor prefixes note with [ACTOR/action].
func noteWithActor(actor cluster.Actor, action, note string) string {
	prefix := "[" + string(actor) + "/" + action + "]"
	note = strings.TrimSpace(note)
	if note == "" {
		return prefix
	}

	return prefix + " " + note
}

// ApplyClusterDecision applies cmd to every auth error of a cluster and logs the
// outcome per item. A repeated idempotency key returns the stored decision.
func (s *AuthErrorService) ApplyClusterDecision(ctx context.Context, cmd ClusterDecisionCommand) (cluster.Decision, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "AuthErrorService.ApplyClusterDecision")
	defer span.End()

	cmd.IdempotencyKey = strings.TrimSpace(cmd.IdempotencyKey)
	if cmd.IdempotencyKey == "" {
		return cluster.Decision{}, failure.InvalidPayload(errors.New("idempotency key is required for a cluster decision"))
	}
	if cmd.DecidedBy == "" {
		cmd.DecidedBy = cluster.ActorOperator
	}

	existing, err := s.uow.Clusters().FindDecisionByKey(ctx, cmd.IdempotencyKey)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, cluster.ErrDecisionNotFound):
		return cluster.Decision{}, fmt.Errorf("failed to find cluster decision: %w", err)
	}

	if _, err := s.uow.Clusters().FindByID(ctx, cmd.ClusterID); err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			return cluster.Decision{}, failure.NotFound("cluster %d not found", cmd.ClusterID)
		}

		return cluster.Decision{}, fmt.Errorf("failed to find cluster: %w", err)
	}

	ids, err := s.uow.Clusters().ItemIDs(ctx, cmd.ClusterID)
	if err != nil {
		return cluster.Decision{}, fmt.Errorf("failed to list cluster items: %w", err)
	}

	now := s.now()
	var note *string
	if n := strings.TrimSpace(cmd.Note); n != "" {
		note = &n
	}
	d, err := s.uow.Clusters().InsertDecision(ctx, cluster.Decision{
		ClusterID:      cmd.ClusterID,
		IdempotencyKey: cmd.IdempotencyKey,
		DecisionType:   cmd.Type,
		Note:           note,
		DecidedBy:      cmd.DecidedBy,
		Status:         cluster.DecisionStatusApplied,
		TotalTargets:   len(ids),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if errors.Is(err, cluster.ErrDuplicateDecision) {
		// A concurrent call with the same key inserted first.
		existing, findErr := s.uow.Clusters().FindDecisionByKey(ctx, cmd.IdempotencyKey)
		if findErr != nil {
			return cluster.Decision{}, fmt.Errorf("failed to find cluster decision: %w", findErr)
		}

		return existing, nil
	}
	if err != nil {
		return cluster.Decision{}, fmt.Errorf("failed to insert cluster decision: %w", err)
	}

	var applied, skipped, failed int
	for _, id := range ids {
		switch s.applyItem(ctx, d.ID, id, cmd) {
		case cluster.ApplyApplied:
			applied++
		case cluster.ApplySkipped:
			skipped++
		default:
			failed++
		}
	}

	d.RecordResult(len(ids), applied, skipped, failed, s.now())
	err = s.uow.Do(ctx, func(tx iuow.Repositories) error {
		if err := tx.Clusters().UpdateDecisionResult(ctx, d); err != nil {
			return fmt.Errorf("failed to update cluster decision: %w", err)
		}
		if status, ok := cmd.Type.ClusterStatus(); ok {
			if err := tx.Clusters().UpdateStatus(ctx, cmd.ClusterID, status, d.UpdatedAt); err != nil {
				return fmt.Errorf("failed to update cluster status: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return cluster.Decision{}, err
	}

	slog.Info("Cluster decision applied",
		"cluster_id", cmd.ClusterID,
		"decision_id", d.ID,
		"status", d.Status,
		"total", d.TotalTargets,
		"applied", applied,
		"skipped", skipped,
		"failed", failed,
	)

	return d, nil
}

// applyItem applies a cluster decision to one auth error in its own transaction.
func (s *AuthErrorService) applyItem(
	ctx context.Context,
	decisionID, authErrorID int64,
	cmd ClusterDecisionCommand,
) cluster.ApplyOutcome {
	err := s.uow.Do(ctx, func(tx iuow.Repositories) error {
		now := s.now()
		if _, err := s.applyDecision(ctx, tx, DecisionCommand{
			AuthErrorID: authErrorID,
			Type:        cmd.Type,
			Note:        cmd.Note,
			DecidedBy:   cmd.DecidedBy,
		}, now); err != nil {
			return err
		}

		return tx.Clusters().InsertApply(ctx, cluster.DecisionApply{
			DecisionID:  decisionID,
			AuthErrorID: authErrorID,
			Outcome:     cluster.ApplyApplied,
			CreatedAt:   now,
		})
	})
	if err == nil {
		return cluster.ApplyApplied
	}

	outcome := cluster.ApplyFailed
	if !failure.Classify(err).Retryable() {
		outcome = cluster.ApplySkipped
	} else {
		slog.Error("Failed to apply cluster decision item",
			"decision_id", decisionID,
			"auth_error_id", authErrorID,
			"error", err,
		)
	}

	msg := failure.Truncate(failure.Message(err), applyMessageLimit)
	if err := s.uow.Clusters().InsertApply(ctx, cluster.DecisionApply{
		DecisionID:  decisionID,
		AuthErrorID: authErrorID,
		Outcome:     outcome,
		Message:     &msg,
		CreatedAt:   s.now(),
	}); err != nil {
		slog.Error("Failed to log cluster decision item", "decision_id", decisionID, "auth_error_id", authErrorID, "error", err)
	}

	return outcome
}

// ListClusters returns one page of clusters ordered by last seen, newest first.
// limit is clamped to MaxPageSize.
func (s *AuthErrorService) ListClusters(ctx context.Context, limit, offset int) (cluster.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)
	offset = max(offset, 0)

	items, err := s.uow.Clusters().List(ctx, limit, offset)
	if err != nil {
		return cluster.Page{}, err
	}
	total, err := s.uow.Clusters().Count(ctx)
	if err != nil {
		return cluster.Page{}, err
	}

	return cluster.Page{Items: items, TotalElements: total}, nil
}
