package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// ============================================================
// Movement requests (deposit / withdraw / transfer)
// ============================================================

const (
	// MaxDescriptionLength bounds free-text descriptions, in runes.
	MaxDescriptionLength = 255
	// MaxReferenceLength bounds idempotency references.
	MaxReferenceLength = 128
	// AmountScale is the number of fractional digits a money amount may carry.
	AmountScale = 2
)

// MinAmount is the smallest movable amount (one minor unit).
var MinAmount = decimal.New(1, -AmountScale)

// MovementRequest asks the engine to move money.
type MovementRequest struct {
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	FromAccount string          `json:"fromAccountNumber,omitempty"`
	ToAccount   string          `json:"toAccountNumber,omitempty"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference,omitempty"`
}

// Normalize trims the free-text fields in place.
func (r *MovementRequest) Normalize() {
	r.FromAccount = strings.TrimSpace(r.FromAccount)
	r.ToAccount = strings.TrimSpace(r.ToAccount)
	r.Description = strings.TrimSpace(r.Description)
	r.Reference = strings.TrimSpace(r.Reference)
}

// Validate checks the request shape. It never looks at stored state, so a
// failure here leaves no trace in the ledger.
func (r *MovementRequest) Validate(maxAmount decimal.Decimal) error {
	if err := ValidateAmount("amount", r.Amount, maxAmount); err != nil {
		return err
	}
	switch r.Type {
	case TransactionDeposit:
		if r.ToAccount == "" {
			return &ErrValidation{Field: "accountNumber", Message: "required"}
		}
		if r.FromAccount != "" {
			return &ErrValidation{Field: "fromAccountNumber", Message: "not allowed for deposits"}
		}
	case TransactionWithdraw:
		if r.FromAccount == "" {
			return &ErrValidation{Field: "accountNumber", Message: "required"}
		}
		if r.ToAccount != "" {
			return &ErrValidation{Field: "toAccountNumber", Message: "not allowed for withdrawals"}
		}
	case TransactionTransfer:
		if r.FromAccount == "" {
			return &ErrValidation{Field: "fromAccountNumber", Message: "required"}
		}
		if r.ToAccount == "" {
			return &ErrValidation{Field: "toAccountNumber", Message: "required"}
		}
	default:
		return &ErrValidation{Field: "type", Message: "must be one of DEPOSIT, WITHDRAW, TRANSFER"}
	}
	if utf8.RuneCountInString(r.Description) > MaxDescriptionLength {
		return &ErrValidation{Field: "description", Message: "too long"}
	}
	if len(r.Reference) > MaxReferenceLength {
		return &ErrValidation{Field: "reference", Message: "too long"}
	}
	return nil
}

// ValidateAmount enforces a positive amount with at most two fractional
// digits, bounded by max when max is positive. Excess precision is rejected,
// never rounded.
func ValidateAmount(field string, amount, max decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ErrValidation{Field: field, Message: "must be positive"}
	}
	if !HasMinorUnitPrecision(amount) {
		return &ErrValidation{Field: field, Message: "at most 2 decimal places allowed"}
	}
	if amount.LessThan(MinAmount) {
		return &ErrValidation{Field: field, Message: "must be at least 0.01"}
	}
	if max.IsPositive() && amount.GreaterThan(max) {
		return &ErrValidation{Field: field, Message: "exceeds maximum of " + max.StringFixed(AmountScale)}
	}
	return nil
}

// HasMinorUnitPrecision reports whether d is representable in minor units.
// Trailing zeros are fine: 1.500 is accepted, 1.505 is not.
func HasMinorUnitPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountScale))
}
