package iuow

import (
	"context"

	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iautherrorrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iclusterrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/autherror/internal/dal/interfaces/ioutboxrepo"
)

// Repositories is the set of repositories sharing one connection or transaction.
type Repositories interface {
	Outbox() ioutboxrepo.IOutboxRepository
	Inbox() iinboxrepo.IInboxRepository
	AuthErrors() iautherrorrepo.IAuthErrorRepository
	Clusters() iclusterrepo.IClusterRepository
}

// IUnitOfWork runs fn inside one transaction. Repositories used outside of Do
// execute each statement on its own.
type IUnitOfWork interface {
	Repositories

	// Do commits when fn returns nil and rolls back otherwise
	Do(ctx context.Context, fn func(tx Repositories) error) error
}
