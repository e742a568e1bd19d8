package handler

import (
	"net/http"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Accounts Handlers
// ============================================================

func createAccountHandler(svc *service.AccountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /accounts")
		defer span.End()

		var req domain.CreateAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		account, err := svc.Create(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, toAccountResponse(account))
	}
}

func getAccountHandler(svc *service.AccountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /accounts/{accountNumber}")
		defer span.End()

		account, err := svc.Get(ctx, chi.URLParam(r, "accountNumber"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toAccountResponse(account))
	}
}

func listCustomerAccountsHandler(svc *service.AccountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /accounts/customer/{customerId}")
		defer span.End()

		accounts, err := svc.ListByCustomer(ctx, chi.URLParam(r, "customerId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		resp := make([]accountResponse, 0, len(accounts))
		for i := range accounts {
			resp = append(resp, toAccountResponse(&accounts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getBalanceHandler(svc *service.QueryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /accounts/{accountNumber}/balance")
		defer span.End()

		balance, err := svc.Balance(ctx, chi.URLParam(r, "accountNumber"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toBalanceResponse(balance))
	}
}

func deactivateAccountHandler(svc *service.AccountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /accounts/{accountNumber}")
		defer span.End()

		account, err := svc.Deactivate(ctx, chi.URLParam(r, "accountNumber"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toAccountResponse(account))
	}
}

// movementHandler serves both deposit and withdraw; txType picks the side.
func movementHandler(engine *service.TransferEngine, txType domain.TransactionType, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /accounts/"+lowerType(txType))
		defer span.End()

		var req movementRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("account.number", req.AccountNumber))

		move := domain.MovementRequest{
			Type:        txType,
			Amount:      req.Amount,
			Description: req.Description,
			Reference:   firstNonBlank(req.Reference, IdempotencyKeyFromContext(ctx)),
		}
		if txType == domain.TransactionDeposit {
			move.ToAccount = req.AccountNumber
		} else {
			move.FromAccount = req.AccountNumber
		}

		tx, err := engine.Execute(ctx, move)
		writeMovementResult(w, tx, err, logger)
	}
}

func accountTransactionsHandler(svc *service.QueryService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /accounts/{accountNumber}/transactions")
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
		history, err := svc.History(ctx, chi.URLParam(r, "accountNumber"), filter)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		resp, err := collectTransactions(history, limit)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
