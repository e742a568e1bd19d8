package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Accounts
// ============================================================

// AccountType classifies an account. It drives the balance floor.
type AccountType string

const (
	AccountTypeChecking AccountType = "CHECKING"
	AccountTypeSavings  AccountType = "SAVINGS"
	AccountTypeBusiness AccountType = "BUSINESS"
)

// ParseAccountType normalizes and validates an account type name.
func ParseAccountType(raw string) (AccountType, error) {
	t := AccountType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case AccountTypeChecking, AccountTypeSavings, AccountTypeBusiness:
		return t, nil
	}
	return "", &ErrValidation{Field: "accountType", Message: "must be one of CHECKING, SAVINGS, BUSINESS"}
}

// AccountStatus is ACTIVE or INACTIVE. Only ACTIVE accounts take part in movements.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusInactive AccountStatus = "INACTIVE"
)

// Account is the authoritative balance record. Version increases by one on
// every mutation and is the compare-and-swap token for balance updates.
type Account struct {
	AccountNumber string          `json:"accountNumber"`
	CustomerID    string          `json:"customerId"`
	AccountType   AccountType     `json:"accountType"`
	Status        AccountStatus   `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
	Description   string          `json:"description,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsActive reports whether the account may be debited or credited.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// CreateAccountRequest is the input for opening an account.
type CreateAccountRequest struct {
	CustomerID     string          `json:"customerId"`
	AccountType    string          `json:"accountType"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	Description    string          `json:"description,omitempty"`
}

// FloorPolicy decides the minimum balance each account type may reach.
type FloorPolicy struct {
	// BusinessOverdraft is the positive overdraft allowance for BUSINESS accounts.
	BusinessOverdraft decimal.Decimal
}

// Floor returns the lowest balance permitted for the given account type.
func (p FloorPolicy) Floor(t AccountType) decimal.Decimal {
	if t == AccountTypeBusiness && p.BusinessOverdraft.IsPositive() {
		return p.BusinessOverdraft.Neg()
	}
	return decimal.Zero
}

// Permits reports whether balance is at or above the floor for t.
func (p FloorPolicy) Permits(t AccountType, balance decimal.Decimal) bool {
	return balance.GreaterThanOrEqual(p.Floor(t))
}

// AccountBalance is the read-side view of one account's funds.
type AccountBalance struct {
	AccountNumber string          `json:"accountNumber"`
	AccountType   AccountType     `json:"accountType"`
	Status        AccountStatus   `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
	// Available is how much may still be debited before hitting the floor.
	Available decimal.Decimal `json:"availableBalance"`
	AsOf      time.Time       `json:"asOf"`
}

// BalanceOf projects a balance view of a under policy p.
func (p FloorPolicy) BalanceOf(a *Account) AccountBalance {
	available := a.Balance.Sub(p.Floor(a.AccountType))
	if available.IsNegative() || !a.IsActive() {
		available = decimal.Zero
	}
	return AccountBalance{
		AccountNumber: a.AccountNumber,
		AccountType:   a.AccountType,
		Status:        a.Status,
		Balance:       a.Balance,
		Available:     available,
		AsOf:          a.UpdatedAt,
	}
}
