package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"strings"

	"github.com/boddenberg/account-ledger-go/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	accountNumberDigits   = 10
	accountNumberAttempts = 5

	accountColumns = `account_number, customer_id, account_type, status, balance, description, version, created_at, updated_at`
)

var accountNumberSpace = new(big.Int).Exp(big.NewInt(10), big.NewInt(accountNumberDigits-1), nil)

type accountRepo struct {
	q     querier
	store *Store
}

// Create inserts a new ACTIVE account with a freshly drawn account number.
func (r *accountRepo) Create(ctx context.Context, customerID string, accountType domain.AccountType, initialBalance decimal.Decimal, description string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, &domain.ErrValidation{Field: "customerId", Message: "required"}
	}
	if initialBalance.IsNegative() {
		return nil, &domain.ErrValidation{Field: "initialBalance", Message: "must not be negative"}
	}
	if !domain.HasMinorUnitPrecision(initialBalance) {
		return nil, &domain.ErrValidation{Field: "initialBalance", Message: "at most 2 decimal places allowed"}
	}

	now := r.store.now().UTC()
	account := domain.Account{
		CustomerID:  customerID,
		AccountType: accountType,
		Status:      domain.AccountStatusActive,
		Balance:     initialBalance,
		Description: strings.TrimSpace(description),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var err error
	for attempt := 0; attempt < accountNumberAttempts; attempt++ {
		account.AccountNumber, err = newAccountNumber()
		if err != nil {
			return nil, fmt.Errorf("generate account number: %w", err)
		}
		_, err = r.q.ExecContext(ctx,
			`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			account.AccountNumber,
			account.CustomerID,
			string(account.AccountType),
			string(account.Status),
			account.Balance.String(),
			account.Description,
			account.Version,
			toMillis(account.CreatedAt),
			toMillis(account.UpdatedAt),
		)
		if err == nil {
			return &account, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("insert account: %w", err)
		}
	}
	return nil, fmt.Errorf("insert account: account number space exhausted after %d attempts: %w", accountNumberAttempts, err)
}

// Get loads one account by number.
func (r *accountRepo) Get(ctx context.Context, accountNumber string) (*domain.Account, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`, accountNumber)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "account", ID: accountNumber}
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// ListByCustomer returns a customer's accounts, oldest first.
func (r *accountRepo) ListByCustomer(ctx context.Context, customerID string) ([]domain.Account, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE customer_id = ? ORDER BY created_at ASC, account_number ASC`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// All pages through every account by account number. Rows are read a page at
// a time so no cursor is held open while the caller consumes them.
func (r *accountRepo) All(ctx context.Context) iter.Seq2[domain.Account, error] {
	return func(yield func(domain.Account, error) bool) {
		after := ""
		for {
			page, err := r.accountPage(ctx, after)
			if err != nil {
				yield(domain.Account{}, err)
				return
			}
			for _, account := range page {
				if !yield(account, nil) {
					return
				}
			}
			if len(page) < r.store.pageSize {
				return
			}
			after = page[len(page)-1].AccountNumber
		}
	}
}

func (r *accountRepo) accountPage(ctx context.Context, after string) ([]domain.Account, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number > ? ORDER BY account_number ASC LIMIT ?`,
		after, r.store.pageSize)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var page []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		page = append(page, *account)
	}
	return page, rows.Err()
}

// AdjustBalance is the only way a balance changes: a compare-and-swap on the
// account version.
func (r *accountRepo) AdjustBalance(ctx context.Context, accountNumber string, delta decimal.Decimal, expectedVersion int64) (*domain.Account, error) {
	account, err := r.Get(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	if account.Version != expectedVersion {
		return nil, &domain.ErrVersionConflict{AccountNumber: accountNumber, Expected: expectedVersion}
	}
	if !account.IsActive() {
		return nil, &domain.ErrAccountNotEligible{AccountNumber: accountNumber, Reason: "account is inactive"}
	}

	next := account.Balance.Add(delta)
	if delta.IsNegative() && !r.store.floors.Permits(account.AccountType, next) {
		return nil, &domain.ErrInsufficientFunds{
			AccountNumber: accountNumber,
			Available:     account.Balance.Sub(r.store.floors.Floor(account.AccountType)),
			Required:      delta.Neg(),
		}
	}

	now := r.store.now().UTC()
	res, err := r.q.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, version = version + 1, updated_at = ?
		 WHERE account_number = ? AND version = ?`,
		next.String(), toMillis(now), accountNumber, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("adjust balance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("adjust balance: %w", err)
	} else if n == 0 {
		return nil, &domain.ErrVersionConflict{AccountNumber: accountNumber, Expected: expectedVersion}
	}

	account.Balance = next
	account.Version = expectedVersion + 1
	account.UpdatedAt = now
	return account, nil
}

// Deactivate marks a zero-balance account INACTIVE. It is a no-op for an
// account that is already inactive.
func (r *accountRepo) Deactivate(ctx context.Context, accountNumber string, expectedVersion int64) (*domain.Account, error) {
	account, err := r.Get(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	if account.Version != expectedVersion {
		return nil, &domain.ErrVersionConflict{AccountNumber: accountNumber, Expected: expectedVersion}
	}
	if !account.IsActive() {
		return account, nil
	}
	if !account.Balance.IsZero() {
		return nil, &domain.ErrRejected{Resource: "account " + accountNumber, Reason: "non-zero balance"}
	}

	now := r.store.now().UTC()
	res, err := r.q.ExecContext(ctx,
		`UPDATE accounts SET status = ?, version = version + 1, updated_at = ?
		 WHERE account_number = ? AND version = ?`,
		string(domain.AccountStatusInactive), toMillis(now), accountNumber, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("deactivate account: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("deactivate account: %w", err)
	} else if n == 0 {
		return nil, &domain.ErrVersionConflict{AccountNumber: accountNumber, Expected: expectedVersion}
	}

	account.Status = domain.AccountStatusInactive
	account.Version = expectedVersion + 1
	account.UpdatedAt = now
	return account, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a                    domain.Account
		accountType, status  string
		balance              string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&a.AccountNumber,
		&a.CustomerID,
		&accountType,
		&status,
		&balance,
		&a.Description,
		&a.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("account %s: corrupt balance %q: %w", a.AccountNumber, balance, err)
	}
	a.AccountType = domain.AccountType(accountType)
	a.Status = domain.AccountStatus(status)
	a.Balance = parsed
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// newAccountNumber draws a 10-digit number that never starts with zero, so
// lexical and numeric order agree.
func newAccountNumber() (string, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Mul(accountNumberSpace, big.NewInt(9)))
	if err != nil {
		return "", err
	}
	n.Add(n, accountNumberSpace)
	return n.String(), nil
}
