package service

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/infra/observability"
	"github.com/boddenberg/account-ledger-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var queryTracer = otel.Tracer("service/query")

// summaryFanOut bounds concurrent per-account history reads in Summary.
const summaryFanOut = 4

// QueryService serves read-side projections from committed state. It never
// takes account locks.
type QueryService struct {
	store   port.Store
	floors  domain.FloorPolicy
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewQueryService creates a new query service.
func NewQueryService(store port.Store, floors domain.FloorPolicy, metrics *observability.Metrics, logger *zap.Logger) *QueryService {
	return &QueryService{store: store, floors: floors, metrics: metrics, logger: logger}
}

// Balance returns the current balance of one account.
func (s *QueryService) Balance(ctx context.Context, accountNumber string) (*domain.AccountBalance, error) {
	ctx, span := queryTracer.Start(ctx, "QueryService.Balance")
	defer span.End()
	span.SetAttributes(attribute.String("account.number", accountNumber))

	account, err := s.store.Accounts().Get(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	balance := s.floors.BalanceOf(account)
	return &balance, nil
}

// History lists an account's transactions newest first. The sequence is
// lazy and each range over it starts again from the newest entry.
func (s *QueryService) History(ctx context.Context, accountNumber string, filter domain.TransactionFilter) (iter.Seq2[domain.Transaction, error], error) {
	ctx, span := queryTracer.Start(ctx, "QueryService.History")
	defer span.End()
	span.SetAttributes(attribute.String("account.number", accountNumber))

	if _, err := s.store.Accounts().Get(ctx, accountNumber); err != nil {
		return nil, err
	}
	filter.AccountNumber = accountNumber
	return s.store.Ledger().List(ctx, filter), nil
}

// Transactions lists transactions across accounts, newest first.
func (s *QueryService) Transactions(ctx context.Context, filter domain.TransactionFilter) iter.Seq2[domain.Transaction, error] {
	return s.store.Ledger().List(ctx, filter)
}

// Transaction loads one transaction by id.
func (s *QueryService) Transaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	ctx, span := queryTracer.Start(ctx, "QueryService.Transaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", transactionID))

	return s.store.Ledger().GetByID(ctx, transactionID)
}

// AccountsByCustomer lists a customer's accounts, oldest first.
func (s *QueryService) AccountsByCustomer(ctx context.Context, customerID string) ([]domain.Account, error) {
	ctx, span := queryTracer.Start(ctx, "QueryService.AccountsByCustomer")
	defer span.End()

	return s.store.Accounts().ListByCustomer(ctx, customerID)
}

// Summary aggregates accounts and transactions, for one customer when
// customerID is set and for the whole ledger otherwise. PENDING transactions
// are counted by status but never contribute volume.
func (s *QueryService) Summary(ctx context.Context, customerID string) (*domain.LedgerSummary, error) {
	ctx, span := queryTracer.Start(ctx, "QueryService.Summary")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration("summary", time.Since(start)) }()

	customerID = strings.TrimSpace(customerID)
	summary := domain.NewLedgerSummary(customerID)
	if customerID == "" {
		return summary, s.ledgerSummary(ctx, summary)
	}
	span.SetAttributes(attribute.String("customer.id", customerID))
	return summary, s.customerSummary(ctx, summary)
}

func (s *QueryService) ledgerSummary(ctx context.Context, summary *domain.LedgerSummary) error {
	var (
		accounts     []domain.Account
		transactions []domain.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for account, err := range s.store.Accounts().All(gctx) {
			if err != nil {
				return err
			}
			accounts = append(accounts, account)
		}
		return nil
	})
	g.Go(func() error {
		for tx, err := range s.store.Ledger().List(gctx, domain.TransactionFilter{IncludePending: true}) {
			if err != nil {
				return err
			}
			transactions = append(transactions, tx)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range accounts {
		summary.AddAccount(&accounts[i])
	}
	for i := range transactions {
		summary.AddTransaction(&transactions[i])
	}
	return nil
}

func (s *QueryService) customerSummary(ctx context.Context, summary *domain.LedgerSummary) error {
	accounts, err := s.store.Accounts().ListByCustomer(ctx, summary.CustomerID)
	if err != nil {
		return err
	}
	for i := range accounts {
		summary.AddAccount(&accounts[i])
	}

	// A transfer between two of the customer's accounts shows up in both
	// histories; key by id so it is counted once.
	var (
		mu   sync.Mutex
		seen = make(map[string]domain.Transaction)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryFanOut)
	for _, account := range accounts {
		accountNumber := account.AccountNumber
		g.Go(func() error {
			filter := domain.TransactionFilter{AccountNumber: accountNumber, IncludePending: true}
			for tx, err := range s.store.Ledger().List(gctx, filter) {
				if err != nil {
					return err
				}
				mu.Lock()
				seen[tx.TransactionID] = tx
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, tx := range seen {
		summary.AddTransaction(&tx)
	}
	return nil
}
