package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hardmine/internal/logger"
	"hardmine/internal/metrics"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// Reconciler credits committed claims whose wallet credit never landed.
type Reconciler struct {
	claims ClaimStore
	ledger Ledger
	clock  clockwork.Clock
	grace  time.Duration
	batch  int
	log    *slog.Logger

	scheduler gocron.Scheduler
}

func NewReconciler(claims ClaimStore, ledger Ledger, clock clockwork.Clock, grace time.Duration) *Reconciler {
	return &Reconciler{
		claims: claims,
		ledger: ledger,
		clock:  clock,
		grace:  grace,
		batch:  100,
		log:    logger.With("component", "mining_reconciler"),
	}
}

// RunOnce credits one batch and reports how many claims were credited.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.grace)
	recs, err := r.claims.ListUncredited(ctx, cutoff, r.batch)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return 0, fmt.Errorf("list uncredited claims: %w", err)
	}

	credited := 0
	var errs []error
	for _, rec := range recs {
		if err := r.ledger.Credit(ctx, rec.UserID, rec.Amount, rec.ID); err != nil {
			metrics.ReconcileTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			r.log.Warn("reconcile credit failed", "claim_id", rec.ID, "user_id", rec.UserID, "error", err)
			errs = append(errs, fmt.Errorf("claim %d: %w", rec.ID, err))
			continue
		}
		metrics.ReconcileTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		credited++
	}
	if credited > 0 {
		r.log.Info("reconciled owed claim credits", "count", credited)
	}
	return credited, errors.Join(errs...)
}

// Start runs RunOnce every interval until Stop.
func (r *Reconciler) Start(interval time.Duration) error {
	s, err := gocron.NewScheduler(gocron.WithClock(r.clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("reconcile run failed", "error", err)
			}
		}),
		gocron.WithName("mining-reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule reconcile job: %w", err)
	}

	s.Start()
	r.scheduler = s
	r.log.Info("reconciler started", "interval", interval, "grace", r.grace)
	return nil
}

func (r *Reconciler) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	err := r.scheduler.Shutdown()
	r.scheduler = nil
	return err
}
