package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/config"
	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/handler"
	"github.com/boddenberg/account-ledger-go/internal/infra/cache"
	"github.com/boddenberg/account-ledger-go/internal/infra/client"
	"github.com/boddenberg/account-ledger-go/internal/infra/lock"
	"github.com/boddenberg/account-ledger-go/internal/infra/observability"
	"github.com/boddenberg/account-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/account-ledger-go/internal/infra/sqlite"
	"github.com/boddenberg/account-ledger-go/internal/port"
	"github.com/boddenberg/account-ledger-go/internal/service"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- Load .env file (for local development) ---
	dotenv, dotenvErr := config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	switch {
	case dotenvErr == nil:
		logger.Info(".env loaded",
			zap.Int("applied", len(dotenv.Applied)),
			zap.Strings("overridden_by_env", dotenv.Shadowed),
		)
	case !errors.Is(dotenvErr, fs.ErrNotExist):
		logger.Warn(".env ignored", zap.Error(dotenvErr))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("database_path", cfg.DatabasePath),
		zap.Bool("customer_directory", cfg.CustomerAPIURL != ""),
		zap.String("max_transaction_amount", cfg.MaxTransactionAmount.String()),
		zap.String("business_overdraft_limit", cfg.BusinessOverdraftLimit.String()),
		zap.Int("max_conflict_retries", cfg.MaxConflictRetries),
		zap.Duration("reconcile_after", cfg.ReconcileAfter),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "account-ledger")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Storage ---
	floors := domain.FloorPolicy{BusinessOverdraft: cfg.BusinessOverdraftLimit}
	store, err := sqlite.Open(ctx, cfg.DatabasePath, sqlite.WithFloorPolicy(floors))
	if err != nil {
		logger.Fatal("failed to open ledger database", zap.Error(err))
	}
	defer store.Close()

	locks := lock.NewCoordinator(lock.WithWaitObserver(metrics.ObserveLockWait))

	// --- Customer directory (optional) ---
	var directory port.CustomerDirectory
	if cfg.CustomerAPIURL != "" {
		customerCache := cache.New[bool](cfg.CacheTTL)
		defer customerCache.Close()

		resilienceCfg := resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxConcurrency: cfg.MaxConcurrency,
		}
		httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
		cb := resilience.NewCircuitBreaker("customers")
		directory = client.NewCustomerClient(httpClient, cfg.CustomerAPIURL, cb, resilienceCfg, customerCache, metrics)
		logger.Info("customer directory enabled", zap.String("url", cfg.CustomerAPIURL))
	} else {
		logger.Warn("customer directory not configured, any non-blank customer id is accepted")
	}

	// --- Services ---
	engine := service.NewTransferEngine(store, locks, service.EngineConfig{
		MaxAmount:          cfg.MaxTransactionAmount,
		Floors:             floors,
		MaxConflictRetries: cfg.MaxConflictRetries,
		ConflictBackoff:    cfg.ConflictBackoff,
		MaxConcurrency:     cfg.MaxConcurrency,
	}, metrics, logger)
	accounts := service.NewAccountService(store, locks, directory, metrics, logger)
	queries := service.NewQueryService(store, floors, metrics, logger)
	reconciler := service.NewReconciler(store, engine, cfg.ReconcileAfter, metrics, logger)

	// --- Router ---
	router := handler.NewRouter(handler.Services{
		Accounts: accounts,
		Engine:   engine,
		Queries:  queries,
		Store:    store,
	}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reconciler.Run(gctx, cfg.ReconcileInterval)
	})

	// --- Graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("ledger stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
