package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// ReconcilerConfig controls the reconciliation sweep.
type ReconcilerConfig struct {
	Interval time.Duration
	// ActionAge is how long a payment may await customer action before the
	// processor is asked for its state.
	ActionAge time.Duration
	// StuckAge is how long an order may stay claimed by a dispatch.
	StuckAge  time.Duration
	BatchSize int
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Synced    int
	Abandoned int
	Errors    int
}

// Reconciler periodically settles payments that no request will settle:
// payments left awaiting customer action and dispatches that died between
// claiming an order and recording the outcome.
type Reconciler struct {
	orders     order.Repository
	dispatcher *Dispatcher
	cfg        ReconcilerConfig
	now        func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(orders order.Repository, dispatcher *Dispatcher, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{
		orders:     orders,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run sweeps on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("reconciler")
	lg.Info("Starting", zap.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Stopped")
			return nil
		case <-ticker.C:
			stats, err := r.Sweep(ctx)
			if err != nil {
				lg.Error("Sweep failed", zap.Error(err))
				continue
			}
			if stats.Synced+stats.Abandoned+stats.Errors > 0 {
				lg.Info("Sweep done",
					zap.Int("synced", stats.Synced),
					zap.Int("abandoned", stats.Abandoned),
					zap.Int("errors", stats.Errors),
				)
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	lg := zctx.From(ctx)
	now := r.now()

	waiting, err := r.orders.ListByPaymentStatus(ctx, order.PaymentRequiresAction, now.Add(-r.cfg.ActionAge), r.cfg.BatchSize)
	if err != nil {
		return stats, errors.Wrap(err, "list orders awaiting action")
	}
	for _, o := range waiting {
		res, err := r.dispatcher.Sync(ctx, o.ID)
		switch {
		case err == nil && res.PaymentStatus != order.PaymentRequiresAction:
			stats.Synced++
		case errors.Is(err, ErrDeclined):
			stats.Synced++
		case err != nil:
			stats.Errors++
			lg.Warn("Sync failed", zap.Stringer("order_id", o.ID), zap.Error(err))
		}
	}

	stuck, err := r.orders.ListByPaymentStatus(ctx, order.PaymentProcessing, now.Add(-r.cfg.StuckAge), r.cfg.BatchSize)
	if err != nil {
		return stats, errors.Wrap(err, "list stuck orders")
	}
	for i := range stuck {
		o := &stuck[i]
		if err := r.dispatcher.Abandon(ctx, o); err != nil {
			if errors.Is(err, order.ErrStaleState) {
				continue
			}
			stats.Errors++
			lg.Warn("Abandon failed", zap.Stringer("order_id", o.ID), zap.Error(err))
			continue
		}
		stats.Abandoned++
		lg.Warn("Abandoned stuck payment", zap.Stringer("order_id", o.ID), zap.Int("attempt", o.PaymentAttempt))
	}

	return stats, nil
}
