package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Error types for consistent error handling across the ledger.

// ErrValidation indicates malformed input, rejected before any state change.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrAccountNotEligible indicates a missing or inactive account in a movement.
type ErrAccountNotEligible struct {
	AccountNumber string
	Reason        string
}

func (e *ErrAccountNotEligible) Error() string {
	return fmt.Sprintf("account %s not eligible: %s", e.AccountNumber, e.Reason)
}

// ErrInsufficientFunds indicates the debit would take the account below its floor.
type ErrInsufficientFunds struct {
	AccountNumber string
	Available     decimal.Decimal
	Required      decimal.Decimal
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available=%s required=%s",
		e.AccountNumber, e.Available.StringFixed(AmountScale), e.Required.StringFixed(AmountScale))
}

// ErrInvalidTarget indicates a transfer whose source and destination match.
type ErrInvalidTarget struct {
	AccountNumber string
}

func (e *ErrInvalidTarget) Error() string {
	return fmt.Sprintf("invalid target: cannot transfer from %s to itself", e.AccountNumber)
}

// ErrVersionConflict is returned by the account store when the expected
// version no longer matches. The engine retries on it.
type ErrVersionConflict struct {
	AccountNumber string
	Expected      int64
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("version conflict on account %s (expected version %d)", e.AccountNumber, e.Expected)
}

// ErrConcurrencyConflict indicates conflict retries were exhausted.
type ErrConcurrencyConflict struct {
	TransactionID string
	Attempts      int
}

func (e *ErrConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict on transaction %s after %d attempts", e.TransactionID, e.Attempts)
}

// ErrAlreadyProcessing indicates the transaction is being executed and can
// no longer be cancelled or replayed.
type ErrAlreadyProcessing struct {
	TransactionID string
}

func (e *ErrAlreadyProcessing) Error() string {
	return fmt.Sprintf("transaction %s is already processing", e.TransactionID)
}

// ErrInvalidTransition indicates an illegal status change on the ledger.
type ErrInvalidTransition struct {
	TransactionID string
	From          TransactionStatus
	To            TransactionStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for transaction %s: %s -> %s", e.TransactionID, e.From, e.To)
}

// ErrRejected indicates a well-formed request refused by a business rule.
type ErrRejected struct {
	Resource string
	Reason   string
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Resource, e.Reason)
}

// ErrDuplicate indicates a duplicate idempotency reference at the store.
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate operation: %s", e.Key)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// FailureError rebuilds the typed error for a FAILED or CANCELLED
// transaction from the reason stored on the record. It returns nil for
// COMPLETED and PENDING transactions.
func FailureError(tx *Transaction) error {
	if tx == nil || (tx.Status != StatusFailed && tx.Status != StatusCancelled) {
		return nil
	}
	switch tx.FailureReason {
	case ReasonInsufficientFunds:
		return &ErrInsufficientFunds{AccountNumber: tx.FromAccount, Required: tx.Amount}
	case ReasonInvalidTarget:
		return &ErrInvalidTarget{AccountNumber: tx.FromAccount}
	case ReasonAccountNotEligible:
		return &ErrAccountNotEligible{AccountNumber: firstNonEmpty(tx.FromAccount, tx.ToAccount), Reason: "missing or inactive"}
	case ReasonConcurrencyConflict:
		return &ErrConcurrencyConflict{TransactionID: tx.TransactionID}
	}
	reason := string(tx.Status)
	if tx.FailureReason != ReasonNone {
		reason += " " + string(tx.FailureReason)
	}
	return &ErrRejected{Resource: "transaction " + tx.TransactionID, Reason: reason}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
