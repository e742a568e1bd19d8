package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"

	"github.com/shopspring/decimal"
)

const transactionColumns = `seq, transaction_id, type, amount, from_account, to_account, status, failure_reason, description, reference, created_at, updated_at`

type ledgerRepo struct {
	q     querier
	store *Store
}

// ledgerRow carries the insertion sequence used as the keyset tie-breaker.
type ledgerRow struct {
	seq int64
	tx  domain.Transaction
}

// Record appends tx to the ledger. Timestamps are filled in when unset.
func (r *ledgerRepo) Record(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.TransactionID == "" {
		return fmt.Errorf("record transaction: transaction id is required")
	}
	now := r.store.now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	if tx.Status == "" {
		tx.Status = domain.StatusPending
	}

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO transactions (transaction_id, type, amount, from_account, to_account, status, failure_reason, description, reference, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TransactionID,
		string(tx.Type),
		tx.Amount.String(),
		tx.FromAccount,
		tx.ToAccount,
		string(tx.Status),
		string(tx.FailureReason),
		tx.Description,
		nullableString(tx.Reference),
		toMillis(tx.CreatedAt),
		toMillis(tx.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			key := tx.TransactionID
			if tx.Reference != "" {
				key = tx.Reference
			}
			return &domain.ErrDuplicate{Key: key}
		}
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// UpdateStatus performs the single allowed PENDING -> terminal transition.
func (r *ledgerRepo) UpdateStatus(ctx context.Context, transactionID string, status domain.TransactionStatus, reason domain.FailureReason) (*domain.Transaction, error) {
	if !status.IsTerminal() {
		return nil, &domain.ErrInvalidTransition{TransactionID: transactionID, From: domain.StatusPending, To: status}
	}

	res, err := r.q.ExecContext(ctx,
		`UPDATE transactions SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE transaction_id = ? AND status = 'PENDING'`,
		string(status), string(reason), toMillis(r.store.now()), transactionID)
	if err != nil {
		return nil, fmt.Errorf("update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update transaction status: %w", err)
	}

	current, err := r.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &domain.ErrInvalidTransition{TransactionID: transactionID, From: current.Status, To: status}
	}
	return current, nil
}

// GetByID loads one ledger entry.
func (r *ledgerRepo) GetByID(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = ?`, transactionID)
	found, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: transactionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &found.tx, nil
}

// GetByReference loads the ledger entry created for an idempotency reference.
func (r *ledgerRepo) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = ?`, reference)
	found, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "transaction reference", ID: reference}
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by reference: %w", err)
	}
	return &found.tx, nil
}

// List pages through matching entries newest first, keyed on
// (created_at, seq) so rows inserted during iteration never shift a page.
func (r *ledgerRepo) List(ctx context.Context, filter domain.TransactionFilter) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		var cursor *ledgerRow
		for {
			page, err := r.listPage(ctx, filter, cursor)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			for i := range page {
				if !yield(page[i].tx, nil) {
					return
				}
			}
			if len(page) < r.store.pageSize {
				return
			}
			cursor = &page[len(page)-1]
		}
	}
}

func (r *ledgerRepo) listPage(ctx context.Context, filter domain.TransactionFilter, cursor *ledgerRow) ([]ledgerRow, error) {
	var (
		where []string
		args  []any
	)
	if filter.AccountNumber != "" {
		where = append(where, "(from_account = ? OR to_account = ?)")
		args = append(args, filter.AccountNumber, filter.AccountNumber)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	switch {
	case filter.Status != "":
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	case !filter.IncludePending:
		where = append(where, "status <> 'PENDING'")
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, toMillis(filter.To))
	}
	if cursor != nil {
		created := toMillis(cursor.tx.CreatedAt)
		where = append(where, "(created_at < ? OR (created_at = ? AND seq < ?))")
		args = append(args, created, created, cursor.seq)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, r.store.pageSize)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var page []ledgerRow
	for rows.Next() {
		row, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		page = append(page, *row)
	}
	return page, rows.Err()
}

// ListStalePending returns the oldest PENDING entries created before cutoff.
func (r *ledgerRepo) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = r.store.pageSize
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = 'PENDING' AND created_at < ?
		 ORDER BY created_at ASC, seq ASC LIMIT ?`,
		toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	stale := make([]domain.Transaction, 0)
	for rows.Next() {
		row, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		stale = append(stale, row.tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	return stale, nil
}

func scanTransaction(row rowScanner) (*ledgerRow, error) {
	var (
		out                  ledgerRow
		txType, status       string
		amount, reason       string
		reference            sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&out.seq,
		&out.tx.TransactionID,
		&txType,
		&amount,
		&out.tx.FromAccount,
		&out.tx.ToAccount,
		&status,
		&reason,
		&out.tx.Description,
		&reference,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: corrupt amount %q: %w", out.tx.TransactionID, amount, err)
	}
	out.tx.Type = domain.TransactionType(txType)
	out.tx.Amount = parsed
	out.tx.Status = domain.TransactionStatus(status)
	out.tx.FailureReason = domain.FailureReason(reason)
	out.tx.Reference = reference.String
	out.tx.CreatedAt = fromMillis(createdAt)
	out.tx.UpdatedAt = fromMillis(updatedAt)
	return &out, nil
}
