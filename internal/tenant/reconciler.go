package tenant

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/model"
	"github.com/ycm360/cafemx/internal/resilience"
)

// ReconcileObserver is told about every completed pass. Exhausted holds the
// entries that reached their attempt limit during the pass.
type ReconcileObserver interface {
	ObserveReconcile(ctx context.Context, pending int, exhausted []model.ReconcileEntry)
}

// Reconciler retries compensating deletes that could not finish inline.
type Reconciler struct {
	store    Store
	metrics  *metrics.Metrics
	observer ReconcileObserver
	batch    int
	now      func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithObserver registers an observer called after each pass.
func WithObserver(o ReconcileObserver) ReconcilerOption {
	return func(r *Reconciler) { r.observer = o }
}

// NewReconciler creates a Reconciler. m may be nil.
func NewReconciler(st Store, m *metrics.Metrics, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{store: st, metrics: m, batch: 50, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ReconcileStats summarizes one pass over the queue.
type ReconcileStats struct {
	Processed int
	Resolved  int
	Failed    int
	Pending   int
	Exhausted []model.ReconcileEntry
}

// RunOnce processes every entry that is due and returns what happened.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	entries, err := r.store.ListPending(ctx, r.now().UTC(), r.batch)
	if err != nil {
		return stats, eris.Wrap(err, "tenant: list reconcile entries")
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Processed++
		log := zap.L().With(
			zap.String("entry_id", e.ID),
			zap.String("tenant_id", e.TenantID),
			zap.String("schema", e.SchemaName),
			zap.Int("attempts", e.Attempts),
		)

		if e.Action != model.ReconcileDeleteTenant {
			log.Warn("tenant: unknown reconcile action", zap.String("action", e.Action))
			if err := r.store.MarkFailed(ctx, e.ID, "unknown action "+e.Action, r.now().UTC()); err != nil {
				return stats, eris.Wrap(err, "tenant: mark reconcile entry failed")
			}
			stats.Failed++
			continue
		}

		if err := removeTenant(ctx, r.store, e.TenantID, e.SchemaName); err != nil {
			next := resilience.ReconcileBackoff(r.now().UTC(), e.Attempts+1)
			log.Warn("tenant: reconcile attempt failed", zap.Time("next_retry_at", next), zap.Error(err))
			if merr := r.store.MarkFailed(ctx, e.ID, err.Error(), next); merr != nil {
				return stats, eris.Wrap(merr, "tenant: mark reconcile entry failed")
			}
			stats.Failed++
			if e.Attempts+1 >= e.MaxAttempts {
				log.Error("tenant: reconcile entry exhausted, manual cleanup required", zap.Error(err))
				exhausted := e
				exhausted.Attempts++
				exhausted.Error = err.Error()
				exhausted.Status = model.ReconcileFailed
				stats.Exhausted = append(stats.Exhausted, exhausted)
			}
			continue
		}

		if err := r.store.MarkResolved(ctx, e.ID); err != nil {
			return stats, eris.Wrap(err, "tenant: mark reconcile entry resolved")
		}
		log.Info("tenant: reconcile entry resolved")
		stats.Resolved++
	}

	pending, err := r.store.CountPending(ctx)
	if err != nil {
		return stats, eris.Wrap(err, "tenant: count reconcile entries")
	}
	stats.Pending = pending
	r.metrics.SetReconcilePending(pending)
	if r.observer != nil {
		r.observer.ObserveReconcile(ctx, pending, stats.Exhausted)
	}
	return stats, nil
}

// Run calls RunOnce every interval until ctx is cancelled. Errors from a
// pass are logged and the loop continues.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Error("tenant: reconcile pass failed", zap.Error(err))
		} else if stats.Processed > 0 {
			zap.L().Info("tenant: reconcile pass",
				zap.Int("processed", stats.Processed),
				zap.Int("resolved", stats.Resolved),
				zap.Int("failed", stats.Failed),
				zap.Int("pending", stats.Pending),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
