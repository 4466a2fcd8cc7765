package autherrorsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iuow"
	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
	"github.com/corray333/backend-labs/autherror/internal/service/models/envelope"
	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"go.opentelemetry.io/otel"
)

// HandleRecorded requests the analysis of a recorded auth error.
// Terminal and already requested auth errors are skipped without error.
func (s *AuthErrorService) HandleRecorded(ctx context.Context, env envelope.Envelope, body []byte) error {
	ctx, span := otel.Tracer("service").Start(ctx, "AuthErrorService.HandleRecorded")
	defer span.End()

	p, err := autherror.DecodeRecorded(body)
	if err != nil {
		return failure.InvalidPayload(fmt.Errorf("outbox %d: %w", env.OutboxID, err))
	}

	return s.uow.Do(ctx, func(tx iuow.Repositories) error {
		e, err := loadForUpdate(ctx, tx, p.AuthErrorID)
		if err != nil {
			return err
		}
		if e.Status.Terminal() || e.Status == autherror.StatusAnalysisRequested {
			slog.Info("Analysis request skipped", "auth_error_id", e.ID, "status", e.Status, "outbox_id", env.OutboxID)

			return nil
		}

		now := s.now()
		payload, err := autherror.Encode(autherror.AnalysisRequestedPayload{
			AuthErrorID: e.ID,
			RequestID:   e.RequestID,
			OccurredAt:  e.OccurredAt,
			RequestedAt: now,
		})
		if err != nil {
			return failure.InvalidPayload(err)
		}

		m, err := s.writer.Enqueue(ctx, tx.Outbox(), outbox.NewMessage{
			AggregateType:  autherror.AggregateType,
			AggregateID:    strconv.FormatInt(e.ID, 10),
			EventType:      autherror.EventAnalysisRequested,
			Payload:        payload,
			IdempotencyKey: autherror.AnalysisRequestedKey(e.ID),
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue analysis request: %w", err)
		}

		e.MarkAnalysisRequested(now)
		if err := tx.AuthErrors().Update(ctx, e); err != nil {
			return fmt.Errorf("failed to update auth error: %w", err)
		}

		slog.Info("Analysis requested",
			"auth_error_id", e.ID,
			"outbox_id", env.OutboxID,
			"analysis_outbox_id", m.ID,
		)

		return nil
	})
}

// HandleAnalysisRequested analyzes an auth error, links it to its cluster and marks
// it ANALYSIS_COMPLETED. Terminal and already analyzed auth errors are skipped.
func (s *AuthErrorService) HandleAnalysisRequested(ctx context.Context, env envelope.Envelope, body []byte) error {
	ctx, span := otel.Tracer("service").Start(ctx, "AuthErrorService.HandleAnalysisRequested")
	defer span.End()

	p, err := autherror.DecodeAnalysisRequested(body)
	if err != nil {
		return failure.InvalidPayload(fmt.Errorf("outbox %d: %w", env.OutboxID, err))
	}

	return s.uow.Do(ctx, func(tx iuow.Repositories) error {
		e, err := loadForUpdate(ctx, tx, p.AuthErrorID)
		if err != nil {
			return err
		}
		if e.Status.Terminal() || e.Status == autherror.StatusAnalysisCompleted {
			slog.Info("Analysis skipped", "auth_error_id", e.ID, "status", e.Status, "outbox_id", env.OutboxID)

			return nil
		}

		now := s.now()
		result := s.analyzer.Analyze(e)
		result.AuthErrorID = e.ID
		result.CreatedAt = now
		if _, err := tx.AuthErrors().InsertAnalysisResult(ctx, result); err != nil {
			return fmt.Errorf("failed to save analysis result: %w", err)
		}

		if err := linkCluster(ctx, tx, e, now); err != nil {
			return err
		}

		e.MarkAnalysisCompleted(now)
		if err := tx.AuthErrors().Update(ctx, e); err != nil {
			return fmt.Errorf("failed to update auth error: %w", err)
		}

		slog.Info("Analysis completed",
			"auth_error_id", e.ID,
			"outbox_id", env.OutboxID,
			"category", result.Category,
			"severity", result.Severity,
		)

		return nil
	})
}

// linkCluster attaches e to the cluster of its stack hash. The total count only
// grows when the link is new.
func linkCluster(ctx context.Context, tx iuow.Repositories, e autherror.AuthError, now time.Time) error {
	key := strings.TrimSpace(deref(e.StackHash))
	if key == "" {
		slog.Info("Cluster link skipped, no stack hash", "auth_error_id", e.ID)

		return nil
	}

	c, err := tx.Clusters().UpsertByKey(ctx, key, now)
	if err != nil {
		return fmt.Errorf("failed to upsert cluster: %w", err)
	}
	added, err := tx.Clusters().AddItem(ctx, c.ID, e.ID, now)
	if err != nil {
		return fmt.Errorf("failed to link cluster item: %w", err)
	}
	if err := tx.Clusters().Touch(ctx, c.ID, added, now); err != nil {
		return fmt.Errorf("failed to touch cluster: %w", err)
	}

	if added {
		slog.Info("Auth error linked to cluster", "auth_error_id", e.ID, "cluster_id", c.ID)
	}

	return nil
}

func loadForUpdate(ctx context.Context, tx iuow.Repositories, id int64) (autherror.AuthError, error) {
	e, err := tx.AuthErrors().FindByIDForUpdate(ctx, id)
	if errors.Is(err, autherror.ErrNotFound) {
		return e, failure.NotFound("auth error %d not found", id)
	}
	if err != nil {
		return e, fmt.Errorf("failed to load auth error %d: %w", id, err)
	}

	return e, nil
}
