package uow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iautherrorrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iclusterrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iuow"
	autherrorrepo "github.com/corray333/backend-labs/autherror/internal/dal/repositories/autherror/postgres"
	clusterrepo "github.com/corray333/backend-labs/autherror/internal/dal/repositories/cluster/postgres"
	inboxrepo "github.com/corray333/backend-labs/autherror/internal/dal/repositories/inbox/postgres"
	outboxrepo "github.com/corray333/backend-labs/autherror/internal/dal/repositories/outbox/postgres"

	"github.com/jmoiron/sqlx"
)

type repositories struct {
	outboxRepo    ioutboxrepo.IOutboxRepository
	inboxRepo     iinboxrepo.IInboxRepository
	authErrorRepo iautherrorrepo.IAuthErrorRepository
	clusterRepo   iclusterrepo.IClusterRepository
}

func newRepositories(db sqlx.ExtContext) *repositories {
	return &repositories{
		outboxRepo:    outboxrepo.NewOutboxRepository(db),
		inboxRepo:     inboxrepo.NewInboxRepository(db),
		authErrorRepo: autherrorrepo.NewAuthErrorRepository(db),
		clusterRepo:   clusterrepo.NewClusterRepository(db),
	}
}

func (r *repositories) Outbox() ioutboxrepo.IOutboxRepository {
	return r.outboxRepo
}

func (r *repositories) Inbox() iinboxrepo.IInboxRepository {
	return r.inboxRepo
}

func (r *repositories) AuthErrors() iautherrorrepo.IAuthErrorRepository {
	return r.authErrorRepo
}

func (r *repositories) Clusters() iclusterrepo.IClusterRepository {
	return r.clusterRepo
}

// UnitOfWork binds the repositories to the pool, or to a transaction inside Do.
type UnitOfWork struct {
	*repositories
	db *sqlx.DB
}

var _ iuow.IUnitOfWork = (*UnitOfWork)(nil)

func NewUnitOfWork(db *sqlx.DB) *UnitOfWork {
	return &UnitOfWork{
		repositories: newRepositories(db),
		db:           db,
	}
}

// Do runs fn with repositories bound to a fresh transaction.
func (u *UnitOfWork) Do(ctx context.Context, fn func(tx iuow.Repositories) error) (err error) {
	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(newRepositories(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Failed to rollback transaction", "error", rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
