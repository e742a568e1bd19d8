package handler

import (
	"net/http"
	"strings"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Transactions Handlers
// ============================================================

func transferHandler(engine *service.TransferEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /transactions/transfer")
		defer span.End()

		var req transferRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(
			attribute.String("account.from", req.FromAccountNumber),
			attribute.String("account.to", req.ToAccountNumber),
		)

		tx, err := engine.Execute(ctx, domain.MovementRequest{
			Type:        domain.TransactionTransfer,
			Amount:      req.Amount,
			FromAccount: req.FromAccountNumber,
			ToAccount:   req.ToAccountNumber,
			Description: req.Description,
			Reference:   firstNonBlank(req.Reference, IdempotencyKeyFromContext(ctx)),
		})
		writeMovementResult(w, tx, err, logger)
	}
}

func getTransactionHandler(svc *service.QueryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /transactions/{transactionId}")
		defer span.End()

		tx, err := svc.Transaction(ctx, chi.URLParam(r, "transactionId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionResponse(tx))
	}
}

func listTransactionsHandler(svc *service.QueryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /transactions")
		defer span.End()

		limit, err := parseLimit(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		filter, err := parseTransactionFilter(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if raw := chi.URLParam(r, "status"); raw != "" {
			if filter.Status, err = domain.ParseTransactionStatus(raw); err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}

		resp, err := collectTransactions(svc.Transactions(ctx, filter), limit)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// updateTransactionStatusHandler lets clients cancel a PENDING transaction.
// The target status comes from ?status= or a {"status": ...} body; any value
// other than CANCELLED is refused.
func updateTransactionStatusHandler(engine *service.TransferEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /transactions/{transactionId}/status")
		defer span.End()

		raw := r.URL.Query().Get("status")
		if raw == "" && r.ContentLength != 0 {
			var req statusUpdateRequest
			if err := decodeJSON(r, &req); err != nil {
				handleServiceError(w, err, logger)
				return
			}
			raw = req.Status
		}
		status, err := domain.ParseTransactionStatus(raw)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if status != domain.StatusCancelled {
			handleServiceError(w, &domain.ErrValidation{Field: "status", Message: "only CANCELLED may be requested"}, logger)
			return
		}

		tx, err := engine.Cancel(ctx, chi.URLParam(r, "transactionId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionResponse(tx))
	}
}

func summaryHandler(svc *service.QueryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /summary")
		defer span.End()

		summary, err := svc.Summary(ctx, r.URL.Query().Get("customerId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toSummaryResponse(summary))
	}
}

// writeMovementResult renders an engine outcome. A recorded failure carries
// the transaction alongside the error so clients can see its reason.
func writeMovementResult(w http.ResponseWriter, tx *domain.Transaction, err error, logger *zap.Logger) {
	if err == nil {
		writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
		return
	}
	if tx == nil || !tx.Status.IsTerminal() {
		handleServiceError(w, err, logger)
		return
	}

	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("movement failed", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		msg = "internal server error"
	} else {
		logger.Debug("movement rejected",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("reason", string(tx.FailureReason)),
		)
	}
	writeJSON(w, status, failedTransactionResponse{
		Error:       msg,
		Transaction: toTransactionResponse(tx),
	})
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func lowerType(t domain.TransactionType) string {
	return strings.ToLower(string(t))
}
