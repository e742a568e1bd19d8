package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/infra/lock"
	"github.com/boddenberg/account-ledger-go/internal/infra/observability"
	"github.com/boddenberg/account-ledger-go/internal/infra/sqlite"
	"github.com/boddenberg/account-ledger-go/internal/port"
	"github.com/boddenberg/account-ledger-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// --- Harness ---

type harness struct {
	clock      *testClock
	store      *sqlite.Store
	locks      *lock.Coordinator
	metrics    *observability.Metrics
	engine     *service.TransferEngine
	accounts   *service.AccountService
	queries    *service.QueryService
	reconciler *service.Reconciler
}

func newHarness(t *testing.T, mutate ...func(*service.EngineConfig)) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, mutate...)
}

// newHarnessWithStore lets a test wrap the store the engine sees.
func newHarnessWithStore(t *testing.T, wrap func(port.Store) port.Store, mutate ...func(*service.EngineConfig)) *harness {
	t.Helper()

	cfg := service.EngineConfig{
		MaxAmount:          decimal.NewFromInt(1_000_000),
		Floors:             domain.FloorPolicy{BusinessOverdraft: decimal.NewFromInt(100)},
		MaxConflictRetries: 5,
		ConflictBackoff:    time.Millisecond,
		MaxConcurrency:     16,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	clock := &testClock{}
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"),
		sqlite.WithFloorPolicy(cfg.Floors), sqlite.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var engineStore port.Store = store
	if wrap != nil {
		engineStore = wrap(store)
	}

	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	locks := lock.NewCoordinator(lock.WithWaitObserver(metrics.ObserveLockWait))
	engine := service.NewTransferEngine(engineStore, locks, cfg, metrics, logger)

	return &harness{
		clock:      clock,
		store:      store,
		locks:      locks,
		metrics:    metrics,
		engine:     engine,
		accounts:   service.NewAccountService(store, locks, nil, metrics, logger),
		queries:    service.NewQueryService(store, cfg.Floors, metrics, logger),
		reconciler: service.NewReconciler(store, engine, 5*time.Minute, metrics, logger),
	}
}

// testClock is the store's time source, shifted by a settable offset.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Shift(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = d
}

func (h *harness) open(t *testing.T, customerID string, accountType domain.AccountType, balance string) *domain.Account {
	t.Helper()
	account, err := h.accounts.Create(context.Background(), &domain.CreateAccountRequest{
		CustomerID:     customerID,
		AccountType:    string(accountType),
		InitialBalance: decimal.RequireFromString(balance),
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func (h *harness) balance(t *testing.T, accountNumber string) decimal.Decimal {
	t.Helper()
	b, err := h.queries.Balance(context.Background(), accountNumber)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Balance
}

func (h *harness) ledgerSize(t *testing.T) int {
	t.Helper()
	n := 0
	for _, err := range h.queries.Transactions(context.Background(), domain.TransactionFilter{IncludePending: true}) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		n++
	}
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertBalance(t *testing.T, h *harness, accountNumber, want string) {
	t.Helper()
	if got := h.balance(t, accountNumber); !got.Equal(dec(want)) {
		t.Errorf("account %s: expected balance %s, got %s", accountNumber, want, got)
	}
}

// --- Scenarios ---

func TestExecute_WithdrawBeyondBalanceFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "1000.00")

	tx, err := h.engine.Withdraw(ctx, a.AccountNumber, dec("1500.00"), "", "")
	var insufficient *domain.ErrInsufficientFunds
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if tx == nil || tx.Status != domain.StatusFailed || tx.FailureReason != domain.ReasonInsufficientFunds {
		t.Fatalf("expected FAILED InsufficientFunds record, got %+v", tx)
	}
	assertBalance(t, h, a.AccountNumber, "1000.00")

	stored, err := h.queries.Transaction(ctx, tx.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != domain.StatusFailed {
		t.Errorf("expected stored status FAILED, got %s", stored.Status)
	}
}

func TestExecute_TransferMovesFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "1000.00")
	b := h.open(t, "cust-2", domain.AccountTypeSavings, "0")

	tx, err := h.engine.Transfer(ctx, a.AccountNumber, b.AccountNumber, dec("250.00"), "rent", "")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tx.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", tx.Status)
	}
	assertBalance(t, h, a.AccountNumber, "750.00")
	assertBalance(t, h, b.AccountNumber, "250.00")

	acc, err := h.accounts.Get(ctx, a.AccountNumber)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Version != 2 {
		t.Errorf("expected version 2 after one debit, got %d", acc.Version)
	}
}

func TestDeactivate_RequiresZeroBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "50.00")

	_, err := h.accounts.Deactivate(ctx, a.AccountNumber)
	var rejected *domain.ErrRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	if _, err := h.engine.Withdraw(ctx, a.AccountNumber, dec("50.00"), "", ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	closed, err := h.accounts.Deactivate(ctx, a.AccountNumber)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if closed.Status != domain.AccountStatusInactive {
		t.Errorf("expected INACTIVE, got %s", closed.Status)
	}

	tx, err := h.engine.Deposit(ctx, a.AccountNumber, dec("1.00"), "", "")
	var notEligible *domain.ErrAccountNotEligible
	if !errors.As(err, &notEligible) {
		t.Fatalf("expected ErrAccountNotEligible on inactive account, got %v", err)
	}
	if tx.FailureReason != domain.ReasonAccountNotEligible {
		t.Errorf("expected AccountNotEligible reason, got %s", tx.FailureReason)
	}
}

func TestExecute_ExcessPrecisionLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	tx, err := h.engine.Deposit(context.Background(), a.AccountNumber, dec("10.005"), "", "")
	var vErr *domain.ErrValidation
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if tx != nil {
		t.Errorf("expected no transaction, got %+v", tx)
	}
	if n := h.ledgerSize(t); n != 1 {
		t.Errorf("expected only the opening deposit, found %d entries", n)
	}
	assertBalance(t, h, a.AccountNumber, "100")
}

func TestExecute_ShapeValidation(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	cases := []struct {
		name string
		req  domain.MovementRequest
	}{
		{"zero amount", domain.MovementRequest{Type: domain.TransactionDeposit, Amount: decimal.Zero, ToAccount: a.AccountNumber}},
		{"negative amount", domain.MovementRequest{Type: domain.TransactionDeposit, Amount: dec("-5"), ToAccount: a.AccountNumber}},
		{"above max", domain.MovementRequest{Type: domain.TransactionDeposit, Amount: dec("1000000.01"), ToAccount: a.AccountNumber}},
		{"missing destination", domain.MovementRequest{Type: domain.TransactionTransfer, Amount: dec("1"), FromAccount: a.AccountNumber}},
		{"deposit with source", domain.MovementRequest{Type: domain.TransactionDeposit, Amount: dec("1"), FromAccount: "x", ToAccount: a.AccountNumber}},
		{"unknown type", domain.MovementRequest{Type: "REFUND", Amount: dec("1"), ToAccount: a.AccountNumber}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Execute(context.Background(), tc.req)
			var vErr *domain.ErrValidation
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if n := h.ledgerSize(t); n != 1 {
		t.Errorf("expected only the opening deposit, found %d entries", n)
	}
}

func TestExecute_IdempotentReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	first, err := h.engine.Deposit(ctx, a.AccountNumber, dec("25"), "", "ref-42")
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	second, err := h.engine.Deposit(ctx, a.AccountNumber, dec("25.00"), "", "ref-42")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.TransactionID != second.TransactionID {
		t.Errorf("expected same transaction, got %s and %s", first.TransactionID, second.TransactionID)
	}
	assertBalance(t, h, a.AccountNumber, "125")

	_, err = h.engine.Deposit(ctx, a.AccountNumber, dec("30"), "", "ref-42")
	var vErr *domain.ErrValidation
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ErrValidation for reused reference, got %v", err)
	}
}

func TestExecute_ReplayOfFailedReturnsSameError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeSavings, "10")

	first, err := h.engine.Withdraw(ctx, a.AccountNumber, dec("20"), "", "ref-fail")
	var insufficient *domain.ErrInsufficientFunds
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Funds arrive, but a replay must not re-run the failed request.
	if _, err := h.engine.Deposit(ctx, a.AccountNumber, dec("100"), "", ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	again, err := h.engine.Withdraw(ctx, a.AccountNumber, dec("20"), "", "ref-fail")
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected replayed ErrInsufficientFunds, got %v", err)
	}
	if again.TransactionID != first.TransactionID {
		t.Errorf("expected replay of %s, got %s", first.TransactionID, again.TransactionID)
	}
	assertBalance(t, h, a.AccountNumber, "110")
}

func TestExecute_PendingReferenceIsAlreadyProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	if err := h.store.Ledger().Record(ctx, &domain.Transaction{
		TransactionID: "tx-pending",
		Type:          domain.TransactionDeposit,
		Amount:        dec("5"),
		ToAccount:     a.AccountNumber,
		Reference:     "ref-busy",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	_, err := h.engine.Deposit(ctx, a.AccountNumber, dec("5"), "", "ref-busy")
	var busy *domain.ErrAlreadyProcessing
	if !errors.As(err, &busy) {
		t.Fatalf("expected ErrAlreadyProcessing, got %v", err)
	}
}

func TestExecute_SelfTransferFails(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	tx, err := h.engine.Transfer(context.Background(), a.AccountNumber, a.AccountNumber, dec("10"), "", "")
	var invalid *domain.ErrInvalidTarget
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if tx.Status != domain.StatusFailed || tx.FailureReason != domain.ReasonInvalidTarget {
		t.Errorf("expected FAILED InvalidTarget, got %+v", tx)
	}
	assertBalance(t, h, a.AccountNumber, "100")
}

func TestExecute_UnknownAccountFails(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	tx, err := h.engine.Transfer(context.Background(), a.AccountNumber, "9999999999", dec("10"), "", "")
	var notEligible *domain.ErrAccountNotEligible
	if !errors.As(err, &notEligible) {
		t.Fatalf("expected ErrAccountNotEligible, got %v", err)
	}
	if notEligible.AccountNumber != "9999999999" {
		t.Errorf("expected missing account to be named, got %s", notEligible.AccountNumber)
	}
	if tx.Status != domain.StatusFailed {
		t.Errorf("expected FAILED, got %s", tx.Status)
	}
	assertBalance(t, h, a.AccountNumber, "100")
}

func TestExecute_BusinessOverdraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	biz := h.open(t, "cust-1", domain.AccountTypeBusiness, "50")

	if _, err := h.engine.Withdraw(ctx, biz.AccountNumber, dec("150"), "", ""); err != nil {
		t.Fatalf("withdraw within overdraft: %v", err)
	}
	assertBalance(t, h, biz.AccountNumber, "-100")

	_, err := h.engine.Withdraw(ctx, biz.AccountNumber, dec("0.01"), "", "")
	var insufficient *domain.ErrInsufficientFunds
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientFunds past overdraft, got %v", err)
	}

	b, err := h.queries.Balance(ctx, biz.AccountNumber)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Available.IsZero() {
		t.Errorf("expected nothing available at the floor, got %s", b.Available)
	}
}

func TestExecute_ConcurrentOppositeTransfersConserveFunds(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "1000")
	b := h.open(t, "cust-2", domain.AccountTypeChecking, "1000")

	const perDirection = 25
	var wg sync.WaitGroup
	var failures int32
	run := func(from, to string) {
		defer wg.Done()
		if _, err := h.engine.Transfer(context.Background(), from, to, dec("10.00"), "", ""); err != nil {
			atomic.AddInt32(&failures, 1)
			t.Errorf("transfer %s -> %s: %v", from, to, err)
		}
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < perDirection; i++ {
			wg.Add(2)
			go run(a.AccountNumber, b.AccountNumber)
			go run(b.AccountNumber, a.AccountNumber)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent opposite transfers did not finish")
	}

	if failures != 0 {
		t.Fatalf("%d transfers failed", failures)
	}
	assertBalance(t, h, a.AccountNumber, "1000")
	assertBalance(t, h, b.AccountNumber, "1000")

	snap := h.metrics.Snapshot()
	if snap.Completed != 2*perDirection {
		t.Errorf("expected %d completed, got %d", 2*perDirection, snap.Completed)
	}
}

func TestExecute_ConcurrentWithdrawalsNeverBreakFloor(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "cust-1", domain.AccountTypeSavings, "100")

	var wg sync.WaitGroup
	var completed int32
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, _ := h.engine.Withdraw(context.Background(), a.AccountNumber, dec("7.00"), "", "")
			if tx != nil && tx.Status == domain.StatusCompleted {
				atomic.AddInt32(&completed, 1)
			}
		}()
	}
	wg.Wait()

	// 14 * 7 = 98; a 15th would take the balance to -5.
	if completed != 14 {
		t.Errorf("expected 14 successful withdrawals, got %d", completed)
	}
	assertBalance(t, h, a.AccountNumber, "2")
}

// --- Duplicate references ---

// staleReadStore hides the next reference lookup, so the engine only learns
// about the earlier transaction when its insert hits the unique index.
type staleReadStore struct {
	port.Store
	hide atomic.Bool
}

func (s *staleReadStore) Ledger() port.TransactionLedger {
	return &staleReadLedger{TransactionLedger: s.Store.Ledger(), store: s}
}

type staleReadLedger struct {
	port.TransactionLedger
	store *staleReadStore
}

func (l *staleReadLedger) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	if l.store.hide.CompareAndSwap(true, false) {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: reference}
	}
	return l.TransactionLedger.GetByReference(ctx, reference)
}

func TestExecute_DuplicateReferenceOnInsertReplays(t *testing.T) {
	var wrapped *staleReadStore
	h := newHarnessWithStore(t, func(s port.Store) port.Store {
		wrapped = &staleReadStore{Store: s}
		return wrapped
	})
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "0")

	first, err := h.engine.Deposit(ctx, a.AccountNumber, dec("10"), "", "same-ref")
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	wrapped.hide.Store(true)
	second, err := h.engine.Deposit(ctx, a.AccountNumber, dec("10"), "", "same-ref")
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if second.TransactionID != first.TransactionID {
		t.Errorf("expected replay of %s, got %s", first.TransactionID, second.TransactionID)
	}

	wrapped.hide.Store(true)
	_, err = h.engine.Deposit(ctx, a.AccountNumber, dec("11"), "", "same-ref")
	var vErr *domain.ErrValidation
	if !errors.As(err, &vErr) {
		t.Errorf("expected ErrValidation for a different payload, got %v", err)
	}

	if n := h.ledgerSize(t); n != 1 {
		t.Errorf("expected 1 ledger entry, found %d", n)
	}
	assertBalance(t, h, a.AccountNumber, "10")
}

func TestExecute_ConcurrentSameReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "0")

	const callers = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]int)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := h.engine.Deposit(ctx, a.AccountNumber, dec("10"), "", "same-ref")
			var busy *domain.ErrAlreadyProcessing
			switch {
			case err == nil:
				mu.Lock()
				ids[tx.TransactionID]++
				mu.Unlock()
			case errors.As(err, &busy):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Errorf("expected every success to share one transaction, got %v", ids)
	}
	if n := h.ledgerSize(t); n != 1 {
		t.Errorf("expected 1 ledger entry, found %d", n)
	}
	assertBalance(t, h, a.AccountNumber, "10")
}

// --- Version conflicts ---

type conflictingStore struct {
	port.Store
	remaining atomic.Int32
}

func (s *conflictingStore) RunInTx(ctx context.Context, fn func(port.AccountStore, port.TransactionLedger) error) error {
	return s.Store.RunInTx(ctx, func(accounts port.AccountStore, ledger port.TransactionLedger) error {
		return fn(&conflictingAccounts{AccountStore: accounts, store: s}, ledger)
	})
}

type conflictingAccounts struct {
	port.AccountStore
	store *conflictingStore
}

func (a *conflictingAccounts) AdjustBalance(ctx context.Context, accountNumber string, delta decimal.Decimal, expectedVersion int64) (*domain.Account, error) {
	if a.store.remaining.Add(-1) >= 0 {
		return nil, &domain.ErrVersionConflict{AccountNumber: accountNumber, Expected: expectedVersion}
	}
	return a.AccountStore.AdjustBalance(ctx, accountNumber, delta, expectedVersion)
}

func TestExecute_RetriesVersionConflicts(t *testing.T) {
	var wrapped *conflictingStore
	h := newHarnessWithStore(t, func(s port.Store) port.Store {
		wrapped = &conflictingStore{Store: s}
		return wrapped
	})
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")
	b := h.open(t, "cust-2", domain.AccountTypeChecking, "0")
	wrapped.remaining.Store(2)

	tx, err := h.engine.Transfer(context.Background(), a.AccountNumber, b.AccountNumber, dec("40"), "", "")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tx.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", tx.Status)
	}
	assertBalance(t, h, a.AccountNumber, "60")
	assertBalance(t, h, b.AccountNumber, "40")

	if got := h.metrics.Snapshot().ConflictRetries; got != 2 {
		t.Errorf("expected 2 conflict retries, got %d", got)
	}
}

func TestExecute_ExhaustedConflictsFail(t *testing.T) {
	var wrapped *conflictingStore
	h := newHarnessWithStore(t, func(s port.Store) port.Store {
		wrapped = &conflictingStore{Store: s}
		return wrapped
	}, func(cfg *service.EngineConfig) { cfg.MaxConflictRetries = 2 })
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")
	b := h.open(t, "cust-2", domain.AccountTypeChecking, "0")
	wrapped.remaining.Store(1000)

	tx, err := h.engine.Transfer(context.Background(), a.AccountNumber, b.AccountNumber, dec("40"), "", "")
	var conflict *domain.ErrConcurrencyConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if conflict.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", conflict.Attempts)
	}
	if tx.Status != domain.StatusFailed || tx.FailureReason != domain.ReasonConcurrencyConflict {
		t.Errorf("expected FAILED ConcurrencyConflict, got %+v", tx)
	}
	assertBalance(t, h, a.AccountNumber, "100")
	assertBalance(t, h, b.AccountNumber, "0")
}

// --- Cancellation & reconciliation ---

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	if err := h.store.Ledger().Record(ctx, &domain.Transaction{
		TransactionID: "tx-orphan",
		Type:          domain.TransactionDeposit,
		Amount:        dec("5"),
		ToAccount:     a.AccountNumber,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	cancelled, err := h.engine.Cancel(ctx, "tx-orphan")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.FailureReason != domain.ReasonCancelledByClient {
		t.Errorf("expected CANCELLED, got %+v", cancelled)
	}

	_, err = h.engine.Cancel(ctx, "tx-orphan")
	var transition *domain.ErrInvalidTransition
	if !errors.As(err, &transition) {
		t.Fatalf("expected ErrInvalidTransition on second cancel, got %v", err)
	}

	_, err = h.engine.Cancel(ctx, "nope")
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	assertBalance(t, h, a.AccountNumber, "100")
}

func TestCancel_InFlightIsAlreadyProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	// Hold the account lock so the deposit parks after recording PENDING.
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.locks.WithLocks(ctx, []string{a.AccountNumber}, func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	result := make(chan *domain.Transaction, 1)
	go func() {
		tx, _ := h.engine.Deposit(ctx, a.AccountNumber, dec("5"), "", "")
		result <- tx
	}()

	var pending *domain.Transaction
	deadline := time.Now().Add(5 * time.Second)
	for pending == nil && time.Now().Before(deadline) {
		for tx, err := range h.queries.Transactions(ctx, domain.TransactionFilter{Status: domain.StatusPending}) {
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			pending = &tx
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pending == nil {
		close(release)
		t.Fatal("deposit never reached PENDING")
	}
	if !h.engine.InFlight(pending.TransactionID) {
		t.Error("expected PENDING transaction to be in flight")
	}

	_, err := h.engine.Cancel(ctx, pending.TransactionID)
	var busy *domain.ErrAlreadyProcessing
	if !errors.As(err, &busy) {
		t.Errorf("expected ErrAlreadyProcessing, got %v", err)
	}

	close(release)
	tx := <-result
	if tx == nil || tx.Status != domain.StatusCompleted {
		t.Fatalf("expected deposit to complete, got %+v", tx)
	}
	assertBalance(t, h, a.AccountNumber, "105")
}

func TestReconciler_FailsStalePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.open(t, "cust-1", domain.AccountTypeChecking, "100")

	record := func(id string, age time.Duration) {
		t.Helper()
		h.clock.Shift(-age)
		defer h.clock.Shift(0)
		if err := h.store.Ledger().Record(ctx, &domain.Transaction{
			TransactionID: id,
			Type:          domain.TransactionDeposit,
			Amount:        dec("5"),
			ToAccount:     a.AccountNumber,
		}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	record("tx-stale", 10*time.Minute)
	record("tx-fresh", time.Second)

	n, err := h.reconciler.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled, got %d", n)
	}

	stale, err := h.queries.Transaction(ctx, "tx-stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stale.Status != domain.StatusFailed || stale.FailureReason != domain.ReasonReconciliationTimeout {
		t.Errorf("expected FAILED ReconciliationTimeout, got %+v", stale)
	}
	fresh, err := h.queries.Transaction(ctx, "tx-fresh")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh.Status != domain.StatusPending {
		t.Errorf("expected fresh transaction to stay PENDING, got %s", fresh.Status)
	}

	if n, err := h.reconciler.SweepOnce(ctx); err != nil || n != 0 {
		t.Errorf("expected idle second sweep, got %d %v", n, err)
	}
	assertBalance(t, h, a.AccountNumber, "100")
	if got := h.metrics.Snapshot().Reconciled; got != 1 {
		t.Errorf("expected reconciled metric 1, got %d", got)
	}
}

func TestReconciler_RunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.reconciler.Run(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
