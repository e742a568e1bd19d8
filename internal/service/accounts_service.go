// Package service provides the business logic layer (use cases): account
// lifecycle, the transfer engine, read-side queries and reconciliation.
package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/infra/observability"
	"github.com/boddenberg/account-ledger-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var accountTracer = otel.Tracer("service/accounts")

const openingBalanceDescription = "opening balance"

// AccountService opens, looks up and deactivates accounts.
type AccountService struct {
	store     port.Store
	locks     port.LockCoordinator
	directory port.CustomerDirectory
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewAccountService creates a new account service. directory may be nil, in
// which case any non-blank customer id is accepted.
func NewAccountService(store port.Store, locks port.LockCoordinator, directory port.CustomerDirectory, metrics *observability.Metrics, logger *zap.Logger) *AccountService {
	return &AccountService{store: store, locks: locks, directory: directory, metrics: metrics, logger: logger}
}

// Create opens a new ACTIVE account.
func (s *AccountService) Create(ctx context.Context, req *domain.CreateAccountRequest) (*domain.Account, error) {
	ctx, span := accountTracer.Start(ctx, "AccountService.Create")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration("create_account", time.Since(start)) }()

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, &domain.ErrValidation{Field: "customerId", Message: "required"}
	}
	span.SetAttributes(attribute.String("customer.id", customerID))

	accountType, err := domain.ParseAccountType(req.AccountType)
	if err != nil {
		return nil, err
	}
	if req.InitialBalance.IsNegative() {
		return nil, &domain.ErrValidation{Field: "initialBalance", Message: "must not be negative"}
	}
	if !domain.HasMinorUnitPrecision(req.InitialBalance) {
		return nil, &domain.ErrValidation{Field: "initialBalance", Message: "at most 2 decimal places allowed"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.Description)) > domain.MaxDescriptionLength {
		return nil, &domain.ErrValidation{Field: "description", Message: "too long"}
	}

	if s.directory != nil {
		exists, err := s.directory.CustomerExists(ctx, customerID)
		if err != nil {
			s.logger.Error("customer lookup failed", zap.String("customer_id", customerID), zap.Error(err))
			return nil, err
		}
		if !exists {
			return nil, &domain.ErrValidation{Field: "customerId", Message: "unknown customer"}
		}
	}

	var account *domain.Account
	err = s.store.RunInTx(ctx, func(accounts port.AccountStore, ledger port.TransactionLedger) error {
		created, err := accounts.Create(ctx, customerID, accountType, req.InitialBalance, req.Description)
		if err != nil {
			return err
		}
		account = created
		if !created.Balance.IsPositive() {
			return nil
		}
		return ledger.Record(ctx, openingDeposit(created))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account created",
		zap.String("account_number", account.AccountNumber),
		zap.String("customer_id", customerID),
		zap.String("account_type", string(accountType)),
	)
	return account, nil
}

// openingDeposit is the ledger entry behind an account's initial balance.
func openingDeposit(account *domain.Account) *domain.Transaction {
	return &domain.Transaction{
		TransactionID: uuid.NewString(),
		Type:          domain.TransactionDeposit,
		Amount:        account.Balance,
		ToAccount:     account.AccountNumber,
		Status:        domain.StatusCompleted,
		Description:   openingBalanceDescription,
		CreatedAt:     account.CreatedAt,
	}
}

func (s *AccountService) Get(ctx context.Context, accountNumber string) (*domain.Account, error) {
	ctx, span := accountTracer.Start(ctx, "AccountService.Get")
	defer span.End()
	span.SetAttributes(attribute.String("account.number", accountNumber))

	return s.store.Accounts().Get(ctx, accountNumber)
}

func (s *AccountService) ListByCustomer(ctx context.Context, customerID string) ([]domain.Account, error) {
	ctx, span := accountTracer.Start(ctx, "AccountService.ListByCustomer")
	defer span.End()
	span.SetAttributes(attribute.String("customer.id", customerID))

	if strings.TrimSpace(customerID) == "" {
		return nil, &domain.ErrValidation{Field: "customerId", Message: "required"}
	}
	return s.store.Accounts().ListByCustomer(ctx, customerID)
}

// Deactivate closes a zero-balance account. It holds the account lock so no
// movement can land between the balance check and the status change.
func (s *AccountService) Deactivate(ctx context.Context, accountNumber string) (*domain.Account, error) {
	ctx, span := accountTracer.Start(ctx, "AccountService.Deactivate")
	defer span.End()
	span.SetAttributes(attribute.String("account.number", accountNumber))

	var closed *domain.Account
	err := s.locks.WithLocks(ctx, []string{accountNumber}, func(ctx context.Context) error {
		current, err := s.store.Accounts().Get(ctx, accountNumber)
		if err != nil {
			return err
		}
		closed, err = s.store.Accounts().Deactivate(ctx, accountNumber, current.Version)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account deactivated", zap.String("account_number", accountNumber))
	return closed, nil
}
