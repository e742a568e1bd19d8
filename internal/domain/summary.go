package domain

import "github.com/shopspring/decimal"

// ============================================================
// Aggregates (computed server-side from authoritative state)
// ============================================================

// LedgerSummary aggregates accounts and transactions, optionally for one customer.
type LedgerSummary struct {
	CustomerID           string                              `json:"customerId,omitempty"`
	TotalAccounts        int                                 `json:"totalAccounts"`
	ActiveAccounts       int                                 `json:"activeAccounts"`
	AccountsByType       map[AccountType]int                 `json:"accountsByType"`
	TotalBalance         decimal.Decimal                     `json:"totalBalance"`
	TransactionsByStatus map[TransactionStatus]int           `json:"transactionsByStatus"`
	CompletedVolume      map[TransactionType]decimal.Decimal `json:"completedVolume"`
}

// NewLedgerSummary returns a summary with initialized maps.
func NewLedgerSummary(customerID string) *LedgerSummary {
	return &LedgerSummary{
		CustomerID:           customerID,
		AccountsByType:       make(map[AccountType]int),
		TotalBalance:         decimal.Zero,
		TransactionsByStatus: make(map[TransactionStatus]int),
		CompletedVolume:      make(map[TransactionType]decimal.Decimal),
	}
}

// AddAccount folds one account into the summary.
func (s *LedgerSummary) AddAccount(a *Account) {
	s.TotalAccounts++
	if a.IsActive() {
		s.ActiveAccounts++
	}
	s.AccountsByType[a.AccountType]++
	s.TotalBalance = s.TotalBalance.Add(a.Balance)
}

// AddTransaction folds one transaction into the summary.
func (s *LedgerSummary) AddTransaction(t *Transaction) {
	s.TransactionsByStatus[t.Status]++
	if t.Status == StatusCompleted {
		s.CompletedVolume[t.Type] = s.CompletedVolume[t.Type].Add(t.Amount)
	}
}

// LedgerMetrics is a point-in-time view of the ledger counters.
type LedgerMetrics struct {
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	Cancelled       int64   `json:"cancelled"`
	ConflictRetries int64   `json:"conflict_retries"`
	Reconciled      int64   `json:"reconciled"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
}
