package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/infra/observability"
	"github.com/boddenberg/account-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/account-ledger-go/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var engineTracer = otel.Tracer("service/engine")

// EngineConfig tunes the transfer engine.
type EngineConfig struct {
	// MaxAmount caps a single movement. Zero disables the cap.
	MaxAmount decimal.Decimal
	Floors    domain.FloorPolicy
	// MaxConflictRetries bounds how often a version conflict is retried.
	MaxConflictRetries int
	ConflictBackoff    time.Duration
	// MaxConcurrency bounds engine executions running at once.
	MaxConcurrency int
}

// TransferEngine validates and executes deposits, withdrawals and transfers.
//
// Every accepted request is recorded PENDING before anything else happens and
// ends COMPLETED or FAILED before Execute returns. The balance updates and the
// COMPLETED status are written in one store transaction under the account
// locks, so a crash can leave a PENDING record but never a half-applied one.
type TransferEngine struct {
	store    port.Store
	locks    port.LockCoordinator
	cfg      EngineConfig
	bulkhead *resilience.Bulkhead
	inFlight *inFlightSet
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewTransferEngine creates a new transfer engine.
func NewTransferEngine(store port.Store, locks port.LockCoordinator, cfg EngineConfig, metrics *observability.Metrics, logger *zap.Logger) *TransferEngine {
	if cfg.MaxConflictRetries < 0 {
		cfg.MaxConflictRetries = 0
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	return &TransferEngine{
		store:    store,
		locks:    locks,
		cfg:      cfg,
		bulkhead: resilience.NewBulkhead(cfg.MaxConcurrency),
		inFlight: newInFlightSet(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Deposit credits accountNumber.
func (e *TransferEngine) Deposit(ctx context.Context, accountNumber string, amount decimal.Decimal, description, reference string) (*domain.Transaction, error) {
	return e.Execute(ctx, domain.MovementRequest{
		Type:        domain.TransactionDeposit,
		Amount:      amount,
		ToAccount:   accountNumber,
		Description: description,
		Reference:   reference,
	})
}

// Withdraw debits accountNumber.
func (e *TransferEngine) Withdraw(ctx context.Context, accountNumber string, amount decimal.Decimal, description, reference string) (*domain.Transaction, error) {
	return e.Execute(ctx, domain.MovementRequest{
		Type:        domain.TransactionWithdraw,
		Amount:      amount,
		FromAccount: accountNumber,
		Description: description,
		Reference:   reference,
	})
}

// Transfer moves amount from one account to another.
func (e *TransferEngine) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, description, reference string) (*domain.Transaction, error) {
	return e.Execute(ctx, domain.MovementRequest{
		Type:        domain.TransactionTransfer,
		Amount:      amount,
		FromAccount: from,
		ToAccount:   to,
		Description: description,
		Reference:   reference,
	})
}

// Execute runs one movement to a terminal status.
//
// A malformed request returns *domain.ErrValidation and leaves no record. A
// FAILED outcome returns both the recorded transaction and the typed error
// for its reason. A reference seen before returns the earlier result.
func (e *TransferEngine) Execute(ctx context.Context, req domain.MovementRequest) (*domain.Transaction, error) {
	ctx, span := engineTracer.Start(ctx, "TransferEngine.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.type", string(req.Type)),
		attribute.String("amount", req.Amount.String()),
	)

	start := time.Now()
	defer func() { e.metrics.RecordOperationDuration("execute", time.Since(start)) }()

	req.Normalize()

	if req.Reference != "" {
		existing, err := e.store.Ledger().GetByReference(ctx, req.Reference)
		if err == nil {
			return e.replay(existing, &req)
		}
		var nf *domain.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	if err := req.Validate(e.cfg.MaxAmount); err != nil {
		return nil, err
	}

	if err := e.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.bulkhead.Release()

	tx := &domain.Transaction{
		TransactionID: uuid.NewString(),
		Type:          req.Type,
		Amount:        req.Amount,
		FromAccount:   req.FromAccount,
		ToAccount:     req.ToAccount,
		Status:        domain.StatusPending,
		Description:   req.Description,
		Reference:     req.Reference,
	}
	span.SetAttributes(attribute.String("transaction.id", tx.TransactionID))

	e.inFlight.claim(tx.TransactionID)
	defer e.inFlight.release(tx.TransactionID)

	if err := e.store.Ledger().Record(ctx, tx); err != nil {
		var dup *domain.ErrDuplicate
		if errors.As(err, &dup) && req.Reference != "" {
			// Lost the race to a concurrent request with the same reference.
			existing, getErr := e.store.Ledger().GetByReference(ctx, req.Reference)
			if getErr != nil {
				return nil, getErr
			}
			return e.replay(existing, &req)
		}
		e.logger.Error("failed to record transaction", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		return nil, err
	}

	return e.process(ctx, tx)
}

// Cancel revokes a PENDING transaction that is not being executed.
func (e *TransferEngine) Cancel(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	ctx, span := engineTracer.Start(ctx, "TransferEngine.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", transactionID))

	tx, err := e.store.Ledger().GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !tx.Status.CanTransitionTo(domain.StatusCancelled) {
		return nil, &domain.ErrInvalidTransition{TransactionID: transactionID, From: tx.Status, To: domain.StatusCancelled}
	}
	if !e.inFlight.claim(transactionID) {
		return nil, &domain.ErrAlreadyProcessing{TransactionID: transactionID}
	}
	defer e.inFlight.release(transactionID)

	cancelled, err := e.store.Ledger().UpdateStatus(ctx, transactionID, domain.StatusCancelled, domain.ReasonCancelledByClient)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTransaction(cancelled.Type, cancelled.Status)
	e.logger.Info("transaction cancelled", zap.String("transaction_id", transactionID))
	return cancelled, nil
}

// InFlight reports whether this process is executing transactionID.
func (e *TransferEngine) InFlight(transactionID string) bool {
	return e.inFlight.contains(transactionID)
}

func (e *TransferEngine) replay(existing *domain.Transaction, req *domain.MovementRequest) (*domain.Transaction, error) {
	if existing.Type != req.Type || !existing.Amount.Equal(req.Amount) ||
		existing.FromAccount != req.FromAccount || existing.ToAccount != req.ToAccount {
		return nil, &domain.ErrValidation{Field: "reference", Message: "already used by a different request"}
	}
	if existing.Status == domain.StatusPending {
		return nil, &domain.ErrAlreadyProcessing{TransactionID: existing.TransactionID}
	}
	e.logger.Debug("idempotent replay",
		zap.String("transaction_id", existing.TransactionID),
		zap.String("reference", existing.Reference),
	)
	return existing, domain.FailureError(existing)
}

// process drives a recorded PENDING transaction to its terminal status.
func (e *TransferEngine) process(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	retryCfg := resilience.Config{
		MaxRetries:     e.cfg.MaxConflictRetries,
		InitialBackoff: e.cfg.ConflictBackoff,
	}

	var (
		completed *domain.Transaction
		attempts  int
	)
	err := resilience.RetryIf(ctx, retryCfg, isVersionConflict, func() error {
		attempts++
		if attempts > 1 {
			e.metrics.IncrConflictRetry()
		}
		done, err := e.attempt(ctx, tx)
		if err != nil {
			return err
		}
		completed = done
		return nil
	})

	if err == nil {
		e.metrics.RecordTransaction(completed.Type, completed.Status)
		e.logger.Info("transaction completed",
			zap.String("transaction_id", completed.TransactionID),
			zap.String("type", string(completed.Type)),
			zap.String("amount", completed.Amount.StringFixed(domain.AmountScale)),
			zap.Int("attempts", attempts),
		)
		return completed, nil
	}

	var (
		notEligible  *domain.ErrAccountNotEligible
		insufficient *domain.ErrInsufficientFunds
		invalid      *domain.ErrInvalidTarget
	)
	switch {
	case errors.As(err, &notEligible):
		return e.fail(ctx, tx, domain.ReasonAccountNotEligible, err)
	case errors.As(err, &insufficient):
		return e.fail(ctx, tx, domain.ReasonInsufficientFunds, err)
	case errors.As(err, &invalid):
		return e.fail(ctx, tx, domain.ReasonInvalidTarget, err)
	case isVersionConflict(err):
		return e.fail(ctx, tx, domain.ReasonConcurrencyConflict,
			&domain.ErrConcurrencyConflict{TransactionID: tx.TransactionID, Attempts: attempts})
	}

	e.logger.Error("transaction aborted",
		zap.String("transaction_id", tx.TransactionID),
		zap.Error(err),
	)
	failed, _ := e.fail(ctx, tx, domain.ReasonInternalError, err)
	return failed, fmt.Errorf("execute transaction %s: %w", tx.TransactionID, err)
}

// attempt resolves the accounts, takes their locks and commits the postings.
// Eligibility is checked before locking so obviously doomed requests never
// queue behind busy accounts.
func (e *TransferEngine) attempt(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx.Type == domain.TransactionTransfer && tx.FromAccount == tx.ToAccount {
		return nil, &domain.ErrInvalidTarget{AccountNumber: tx.FromAccount}
	}
	for _, n := range tx.AccountNumbers() {
		if _, err := e.eligibleAccount(ctx, e.store.Accounts(), n); err != nil {
			return nil, err
		}
	}

	var completed *domain.Transaction
	err := e.locks.WithLocks(ctx, tx.AccountNumbers(), func(ctx context.Context) error {
		// Re-read under the lock: these versions are the CAS tokens.
		postings := tx.Postings()
		versions := make([]int64, len(postings))
		for i, p := range postings {
			account, err := e.eligibleAccount(ctx, e.store.Accounts(), p.AccountNumber)
			if err != nil {
				return err
			}
			next := account.Balance.Add(p.Delta)
			if p.Delta.IsNegative() && !e.cfg.Floors.Permits(account.AccountType, next) {
				return &domain.ErrInsufficientFunds{
					AccountNumber: account.AccountNumber,
					Available:     account.Balance.Sub(e.cfg.Floors.Floor(account.AccountType)),
					Required:      p.Delta.Neg(),
				}
			}
			versions[i] = account.Version
		}

		return e.store.RunInTx(ctx, func(accounts port.AccountStore, ledger port.TransactionLedger) error {
			for i, p := range postings {
				if _, err := accounts.AdjustBalance(ctx, p.AccountNumber, p.Delta, versions[i]); err != nil {
					return err
				}
			}
			done, err := ledger.UpdateStatus(ctx, tx.TransactionID, domain.StatusCompleted, domain.ReasonNone)
			if err != nil {
				return err
			}
			completed = done
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (e *TransferEngine) eligibleAccount(ctx context.Context, accounts port.AccountStore, accountNumber string) (*domain.Account, error) {
	account, err := accounts.Get(ctx, accountNumber)
	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return nil, &domain.ErrAccountNotEligible{AccountNumber: accountNumber, Reason: "account not found"}
		}
		return nil, err
	}
	if !account.IsActive() {
		return nil, &domain.ErrAccountNotEligible{AccountNumber: accountNumber, Reason: "account is inactive"}
	}
	return account, nil
}

// fail records the FAILED status and returns it together with cause. The
// write ignores ctx cancellation; if it still fails, the record stays
// PENDING and the reconciler resolves it later.
func (e *TransferEngine) fail(ctx context.Context, tx *domain.Transaction, reason domain.FailureReason, cause error) (*domain.Transaction, error) {
	failed, err := e.store.Ledger().UpdateStatus(context.WithoutCancel(ctx), tx.TransactionID, domain.StatusFailed, reason)
	if err != nil {
		e.logger.Error("failed to record FAILED status",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return tx, cause
	}
	e.metrics.RecordTransaction(failed.Type, failed.Status)
	e.logger.Warn("transaction failed",
		zap.String("transaction_id", failed.TransactionID),
		zap.String("type", string(failed.Type)),
		zap.String("reason", string(reason)),
		zap.Error(cause),
	)
	return failed, cause
}

func isVersionConflict(err error) bool {
	var conflict *domain.ErrVersionConflict
	return errors.As(err, &conflict)
}

// inFlightSet tracks transactions owned by a goroutine in this process.
type inFlightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInFlightSet() *inFlightSet {
	return &inFlightSet{ids: make(map[string]struct{})}
}

// claim adds id and reports whether it was free.
func (s *inFlightSet) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inFlightSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *inFlightSet) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}
