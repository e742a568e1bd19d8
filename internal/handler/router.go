package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/infra/observability"
	"github.com/boddenberg/account-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles what the router dispatches to.
type Services struct {
	Accounts *service.AccountService
	Engine   *service.TransferEngine
	Queries  *service.QueryService
	Store    Pinger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Store, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/v1/metrics/ledger", ledgerMetricsHandler(metrics))

	// --- API v1 ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IdempotencyKeyMiddleware(logger))

		// Accounts
		r.Post("/accounts", createAccountHandler(svc.Accounts, logger))
		r.Post("/accounts/deposit", movementHandler(svc.Engine, domain.TransactionDeposit, logger))
		r.Post("/accounts/withdraw", movementHandler(svc.Engine, domain.TransactionWithdraw, logger))
		r.Get("/accounts/customer/{customerId}", listCustomerAccountsHandler(svc.Accounts, logger))
		r.Get("/accounts/{accountNumber}", getAccountHandler(svc.Accounts, logger))
		r.Delete("/accounts/{accountNumber}", deactivateAccountHandler(svc.Accounts, logger))
		r.Get("/accounts/{accountNumber}/balance", getBalanceHandler(svc.Queries, logger))
		r.Get("/accounts/{accountNumber}/transactions", accountTransactionsHandler(svc.Queries, logger))

		// Transactions
		r.Post("/transactions/transfer", transferHandler(svc.Engine, logger))
		r.Get("/transactions", listTransactionsHandler(svc.Queries, logger))
		r.Get("/transactions/status/{status}", listTransactionsHandler(svc.Queries, logger))
		r.Get("/transactions/{transactionId}", getTransactionHandler(svc.Queries, logger))
		r.Put("/transactions/{transactionId}/status", updateTransactionStatusHandler(svc.Engine, logger))

		r.Get("/summary", summaryHandler(svc.Queries, logger))
	})

	return r
}

// ============================================================
// Health & Metrics
// ============================================================

func healthzHandler(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := domain.HealthStatus{Status: "healthy"}
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			start := time.Now()
			component := domain.ComponentHealth{Name: "sqlite", Status: "healthy"}
			if err := store.Ping(ctx); err != nil {
				logger.Warn("health check: store unreachable", zap.Error(err))
				component.Status = "unhealthy"
				component.Error = err.Error()
				health.Status = "degraded"
			}
			component.LatencyMs = time.Since(start).Milliseconds()
			component.LastChecked = time.Now().UTC().Format(time.RFC3339)
			health.Components = append(health.Components, component)
		}

		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func ledgerMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
