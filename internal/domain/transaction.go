package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Transactions (ledger entries)
// ============================================================

// TransactionType is the kind of money movement.
type TransactionType string

const (
	TransactionDeposit  TransactionType = "DEPOSIT"
	TransactionWithdraw TransactionType = "WITHDRAW"
	TransactionTransfer TransactionType = "TRANSFER"
)

// ParseTransactionType validates a transaction type name.
func ParseTransactionType(raw string) (TransactionType, error) {
	t := TransactionType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case TransactionDeposit, TransactionWithdraw, TransactionTransfer:
		return t, nil
	}
	return "", &ErrValidation{Field: "type", Message: "must be one of DEPOSIT, WITHDRAW, TRANSFER"}
}

// TransactionStatus is a state in the transaction lifecycle:
// PENDING -> COMPLETED | FAILED | CANCELLED. Terminal states are final.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// ParseTransactionStatus validates a status name.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	s := TransactionStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return s, nil
	}
	return "", &ErrValidation{Field: "status", Message: "must be one of PENDING, COMPLETED, FAILED, CANCELLED"}
}

// IsTerminal reports whether no further transition may leave s.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo is the whole transition table.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return s == StatusPending && next.IsTerminal()
}

// FailureReason explains why a transaction did not complete.
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonAccountNotEligible    FailureReason = "AccountNotEligible"
	ReasonInsufficientFunds     FailureReason = "InsufficientFunds"
	ReasonInvalidTarget         FailureReason = "InvalidTarget"
	ReasonConcurrencyConflict   FailureReason = "ConcurrencyConflict"
	ReasonReconciliationTimeout FailureReason = "ReconciliationTimeout"
	ReasonCancelledByClient     FailureReason = "CancelledByClient"
	ReasonInternalError         FailureReason = "InternalError"
)

// Transaction is an immutable record of one attempted movement. Only Status,
// FailureReason and UpdatedAt change after creation, and only once.
type Transaction struct {
	TransactionID string            `json:"transactionId"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	FromAccount   string            `json:"fromAccount,omitempty"`
	ToAccount     string            `json:"toAccount,omitempty"`
	Status        TransactionStatus `json:"status"`
	FailureReason FailureReason     `json:"failureReason,omitempty"`
	Description   string            `json:"description,omitempty"`
	Reference     string            `json:"reference,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// AccountNumbers returns the distinct accounts the transaction touches.
func (t *Transaction) AccountNumbers() []string {
	out := make([]string, 0, 2)
	if t.FromAccount != "" {
		out = append(out, t.FromAccount)
	}
	if t.ToAccount != "" && t.ToAccount != t.FromAccount {
		out = append(out, t.ToAccount)
	}
	return out
}

// Posting is a single signed balance change produced by a transaction.
type Posting struct {
	AccountNumber string
	Delta         decimal.Decimal
}

// Postings returns the debit/credit pair (or single leg) for t.
func (t *Transaction) Postings() []Posting {
	switch t.Type {
	case TransactionDeposit:
		return []Posting{{AccountNumber: t.ToAccount, Delta: t.Amount}}
	case TransactionWithdraw:
		return []Posting{{AccountNumber: t.FromAccount, Delta: t.Amount.Neg()}}
	case TransactionTransfer:
		return []Posting{
			{AccountNumber: t.FromAccount, Delta: t.Amount.Neg()},
			{AccountNumber: t.ToAccount, Delta: t.Amount},
		}
	}
	return nil
}

// TransactionFilter narrows ledger listings. Zero values mean "any", except
// that PENDING rows are left out unless Status asks for them or
// IncludePending is set. To is exclusive.
type TransactionFilter struct {
	AccountNumber  string
	Type           TransactionType
	Status         TransactionStatus
	From           time.Time
	To             time.Time
	IncludePending bool
}
