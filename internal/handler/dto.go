package handler

import (
	"iter"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"

	"github.com/shopspring/decimal"
)

// Money is rendered as a fixed two-decimal string so clients never see a
// binary float.
func money(d decimal.Decimal) string {
	return d.StringFixed(domain.AmountScale)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type accountResponse struct {
	AccountNumber string `json:"accountNumber"`
	CustomerID    string `json:"customerId"`
	AccountType   string `json:"accountType"`
	Status        string `json:"status"`
	Balance       string `json:"balance"`
	Description   string `json:"description,omitempty"`
	Version       int64  `json:"version"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

func toAccountResponse(a *domain.Account) accountResponse {
	return accountResponse{
		AccountNumber: a.AccountNumber,
		CustomerID:    a.CustomerID,
		AccountType:   string(a.AccountType),
		Status:        string(a.Status),
		Balance:       money(a.Balance),
		Description:   a.Description,
		Version:       a.Version,
		CreatedAt:     timestamp(a.CreatedAt),
		UpdatedAt:     timestamp(a.UpdatedAt),
	}
}

type balanceResponse struct {
	AccountNumber    string `json:"accountNumber"`
	AccountType      string `json:"accountType"`
	Status           string `json:"status"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
	AsOf             string `json:"asOf"`
}

func toBalanceResponse(b *domain.AccountBalance) balanceResponse {
	return balanceResponse{
		AccountNumber:    b.AccountNumber,
		AccountType:      string(b.AccountType),
		Status:           string(b.Status),
		Balance:          money(b.Balance),
		AvailableBalance: money(b.Available),
		AsOf:             timestamp(b.AsOf),
	}
}

type transactionResponse struct {
	TransactionID     string `json:"transactionId"`
	Type              string `json:"type"`
	Amount            string `json:"amount"`
	FromAccountNumber string `json:"fromAccountNumber,omitempty"`
	ToAccountNumber   string `json:"toAccountNumber,omitempty"`
	Status            string `json:"status"`
	FailureReason     string `json:"failureReason,omitempty"`
	Description       string `json:"description,omitempty"`
	Reference         string `json:"reference,omitempty"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

func toTransactionResponse(t *domain.Transaction) transactionResponse {
	return transactionResponse{
		TransactionID:     t.TransactionID,
		Type:              string(t.Type),
		Amount:            money(t.Amount),
		FromAccountNumber: t.FromAccount,
		ToAccountNumber:   t.ToAccount,
		Status:            string(t.Status),
		FailureReason:     string(t.FailureReason),
		Description:       t.Description,
		Reference:         t.Reference,
		CreatedAt:         timestamp(t.CreatedAt),
		UpdatedAt:         timestamp(t.UpdatedAt),
	}
}

// failedTransactionResponse is returned when a movement was recorded but did
// not complete.
type failedTransactionResponse struct {
	Error       string              `json:"error"`
	Transaction transactionResponse `json:"transaction"`
}

type transactionListResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	Count        int                   `json:"count"`
	HasMore      bool                  `json:"hasMore"`
}

// collectTransactions drains up to limit entries from seq. HasMore is set
// when at least one more entry was available.
func collectTransactions(seq iter.Seq2[domain.Transaction, error], limit int) (transactionListResponse, error) {
	resp := transactionListResponse{Transactions: make([]transactionResponse, 0)}
	for tx, err := range seq {
		if err != nil {
			return resp, err
		}
		if len(resp.Transactions) == limit {
			resp.HasMore = true
			break
		}
		resp.Transactions = append(resp.Transactions, toTransactionResponse(&tx))
	}
	resp.Count = len(resp.Transactions)
	return resp, nil
}

type summaryResponse struct {
	CustomerID           string            `json:"customerId,omitempty"`
	TotalAccounts        int               `json:"totalAccounts"`
	ActiveAccounts       int               `json:"activeAccounts"`
	AccountsByType       map[string]int    `json:"accountsByType"`
	TotalBalance         string            `json:"totalBalance"`
	TransactionsByStatus map[string]int    `json:"transactionsByStatus"`
	CompletedVolume      map[string]string `json:"completedVolume"`
}

func toSummaryResponse(s *domain.LedgerSummary) summaryResponse {
	resp := summaryResponse{
		CustomerID:           s.CustomerID,
		TotalAccounts:        s.TotalAccounts,
		ActiveAccounts:       s.ActiveAccounts,
		AccountsByType:       make(map[string]int, len(s.AccountsByType)),
		TotalBalance:         money(s.TotalBalance),
		TransactionsByStatus: make(map[string]int, len(s.TransactionsByStatus)),
		CompletedVolume:      make(map[string]string, len(s.CompletedVolume)),
	}
	for k, v := range s.AccountsByType {
		resp.AccountsByType[string(k)] = v
	}
	for k, v := range s.TransactionsByStatus {
		resp.TransactionsByStatus[string(k)] = v
	}
	for k, v := range s.CompletedVolume {
		resp.CompletedVolume[string(k)] = money(v)
	}
	return resp
}

// movementRequest is the body of deposit and withdraw calls. Amounts may be
// sent as JSON numbers or strings; both are parsed exactly.
type movementRequest struct {
	AccountNumber string          `json:"accountNumber"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
	Reference     string          `json:"reference,omitempty"`
}

type transferRequest struct {
	FromAccountNumber string          `json:"fromAccountNumber"`
	ToAccountNumber   string          `json:"toAccountNumber"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description,omitempty"`
	Reference         string          `json:"reference,omitempty"`
}

type statusUpdateRequest struct {
	Status string `json:"status"`
}
