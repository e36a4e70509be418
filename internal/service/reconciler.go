package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"peer-wager-bot/internal/metrics"
	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/repository"
)

const reconcileBatch = 100

// Reconciler refunds stake debits whose stake row was never written.
// That state is left behind when intake loses its connection between the
// debit and the stake insert and its own refund also fails.
type Reconciler struct {
	stakes  StakeStore
	ledger  LedgerStore
	service *LedgerService
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewReconciler creates a new Reconciler instance.
func NewReconciler(stakes StakeStore, ledger LedgerStore, service *LedgerService, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		stakes:  stakes,
		ledger:  ledger,
		service: service,
		metrics: m,
		now:     time.Now,
	}
}

// RefundOrphanedDebits refunds stake debits older than olderThan that have
// neither a stake row nor a refund. Returns the number refunded.
func (r *Reconciler) RefundOrphanedDebits(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.now().Add(-olderThan)
	orphans, err := r.ledger.FindOrphanedStakeDebits(ctx, cutoff, reconcileBatch)
	if err != nil {
		return 0, storageErr("find orphaned debits", err)
	}

	refunded := 0
	var errs []error
	for _, e := range orphans {
		if e.StakeID == nil {
			continue
		}
		stakeID := *e.StakeID

		// The stake may have landed since the scan.
		if _, err := r.stakes.GetByID(ctx, stakeID); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrStakeNotFound) {
			errs = append(errs, fmt.Errorf("stake %s: %w", stakeID, err))
			continue
		}

		_, err := r.service.Credit(ctx, e.OwnerID, e.Amount, model.CategoryAdjustment,
			fmt.Sprintf("refund: stake %s never recorded", stakeID),
			Ref{StakeID: e.StakeID, IdempotencyKey: stakeRefundKey(stakeID)})
		if err != nil {
			errs = append(errs, fmt.Errorf("refund stake %s: %w", stakeID, err))
			continue
		}

		refunded++
		r.metrics.OrphansRefunded.Inc()
		log.Warn().
			Str("stake_id", stakeID).
			Str("owner_id", e.OwnerID).
			Int64("amount", e.Amount).
			Msg("Orphaned stake debit refunded")
	}

	if len(errs) > 0 {
		return refunded, storageErr("reconcile", errors.Join(errs...))
	}
	return refunded, nil
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval, grace time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", interval).
		Dur("grace", grace).
		Msg("Orphaned debit reconciler started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.RefundOrphanedDebits(ctx, grace)
			if err != nil {
				log.Error().Err(err).Int("refunded", n).Msg("Reconcile run failed")
				continue
			}
			if n > 0 {
				log.Info().Int("refunded", n).Msg("Reconcile run finished")
			}
		}
	}
}
