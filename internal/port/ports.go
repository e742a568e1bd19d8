// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"iter"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"

	"github.com/shopspring/decimal"
)

// AccountStore holds account identity, status and the authoritative balance.
type AccountStore interface {
	Create(ctx context.Context, customerID string, accountType domain.AccountType, initialBalance decimal.Decimal, description string) (*domain.Account, error)
	Get(ctx context.Context, accountNumber string) (*domain.Account, error)
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Account, error)
	// All iterates every account ordered by account number.
	All(ctx context.Context) iter.Seq2[domain.Account, error]
	// AdjustBalance applies delta if the stored version still equals
	// expectedVersion, otherwise it returns *domain.ErrVersionConflict.
	AdjustBalance(ctx context.Context, accountNumber string, delta decimal.Decimal, expectedVersion int64) (*domain.Account, error)
	// Deactivate marks the account INACTIVE under the same version check. A
	// non-zero balance yields *domain.ErrRejected.
	Deactivate(ctx context.Context, accountNumber string, expectedVersion int64) (*domain.Account, error)
}

// TransactionLedger is the append-only record of every attempted movement.
type TransactionLedger interface {
	Record(ctx context.Context, tx *domain.Transaction) error
	// UpdateStatus moves a PENDING transaction to a terminal status. Any other
	// starting state yields *domain.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, transactionID string, status domain.TransactionStatus, reason domain.FailureReason) (*domain.Transaction, error)
	GetByID(ctx context.Context, transactionID string) (*domain.Transaction, error)
	GetByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	// List yields matching transactions newest first. Each range over the
	// returned sequence starts again from the newest row.
	List(ctx context.Context, filter domain.TransactionFilter) iter.Seq2[domain.Transaction, error]
	// ListStalePending returns PENDING transactions created before cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error)
}

// Store is the unit of work over accounts and the ledger.
type Store interface {
	Accounts() AccountStore
	Ledger() TransactionLedger
	// RunInTx runs fn against transaction-scoped views of the store. Every
	// write made through them commits together or not at all.
	RunInTx(ctx context.Context, fn func(accounts AccountStore, ledger TransactionLedger) error) error
	Ping(ctx context.Context) error
}

// LockCoordinator serializes work on the same accounts.
type LockCoordinator interface {
	WithLocks(ctx context.Context, accountNumbers []string, fn func(ctx context.Context) error) error
}

// CustomerDirectory resolves customer identity in the external customer system.
type CustomerDirectory interface {
	CustomerExists(ctx context.Context, customerID string) (bool, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
