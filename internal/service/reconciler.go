package service

import (
	"context"
	"errors"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/infra/observability"
	"github.com/boddenberg/account-ledger-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const reconcileBatch = 500

// Reconciler fails PENDING transactions left behind by a crash or an
// aborted request. It never completes them: a PENDING record has no balance
// effect, so FAILED is always the truthful outcome.
type Reconciler struct {
	store   port.Store
	engine  *TransferEngine
	after   time.Duration
	now     func() time.Time
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewReconciler creates a reconciler that sweeps PENDING records older than
// after. Transactions the engine is still executing are skipped.
func NewReconciler(store port.Store, engine *TransferEngine, after time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		engine:  engine,
		after:   after,
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// SweepOnce fails one batch of stale PENDING transactions and returns how
// many it resolved.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := engineTracer.Start(ctx, "Reconciler.SweepOnce")
	defer span.End()

	cutoff := r.now().Add(-r.after)
	stale, err := r.store.Ledger().ListStalePending(ctx, cutoff, reconcileBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, tx := range stale {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if !r.engine.inFlight.claim(tx.TransactionID) {
			continue
		}
		failed, err := r.store.Ledger().UpdateStatus(ctx, tx.TransactionID, domain.StatusFailed, domain.ReasonReconciliationTimeout)
		r.engine.inFlight.release(tx.TransactionID)
		if err != nil {
			var transition *domain.ErrInvalidTransition
			if errors.As(err, &transition) {
				// Resolved by someone else since the listing.
				continue
			}
			return resolved, err
		}
		resolved++
		r.metrics.RecordTransaction(failed.Type, failed.Status)
		r.logger.Warn("stale transaction reconciled",
			zap.String("transaction_id", failed.TransactionID),
			zap.Time("created_at", failed.CreatedAt),
			zap.String("reason", string(failed.FailureReason)),
		)
	}

	r.metrics.AddReconciled(resolved)
	span.SetAttributes(attribute.Int("reconciled", resolved))
	return resolved, nil
}

// Run sweeps once immediately and then every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	r.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	n, err := r.SweepOnce(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("reconciliation sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("reconciliation sweep finished", zap.Int("reconciled", n))
	}
}
