package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"peer-wager-bot/internal/events"
	"peer-wager-bot/internal/metrics"
	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pkg/lock"
	"peer-wager-bot/internal/pool"
	"peer-wager-bot/internal/repository"
)

// SettlementService declares contest outcomes and resolves their stakes.
type SettlementService struct {
	contests    ContestStore
	stakes      StakeStore
	ledger      *LedgerService
	markets     *MarketService
	events      EventPublisher
	locks       *lock.KeyLock
	lockTimeout time.Duration
	policy      model.PayoutPolicy
	metrics     *metrics.Metrics
}

// NewSettlementService creates a new SettlementService instance.
func NewSettlementService(
	contests ContestStore,
	stakes StakeStore,
	ledger *LedgerService,
	markets *MarketService,
	publisher EventPublisher,
	locks *lock.KeyLock,
	lockTimeout time.Duration,
	policy model.PayoutPolicy,
	m *metrics.Metrics,
) *SettlementService {
	if !policy.Valid() {
		policy = model.PolicyFixedOdds
	}
	return &SettlementService{
		contests:    contests,
		stakes:      stakes,
		ledger:      ledger,
		markets:     markets,
		events:      publisher,
		locks:       locks,
		lockTimeout: lockTimeout,
		policy:      policy,
		metrics:     m,
	}
}

// Policy returns the payout policy this service settles with.
func (s *SettlementService) Policy() model.PayoutPolicy {
	return s.policy
}

// DeclareOutcome settles contestID with outcome as the winner.
//
// The outcome is recorded first and the contest moves to settling. Every
// open stake is then paid (winners) or zeroed (losers) and the contest is
// completed. A stake that cannot be settled is left open, listed in the
// report and the call returns the report together with ErrPartialSettlement.
// Calling again with the same outcome settles only what is still open;
// calling with a different outcome returns ErrAlreadySettled.
func (s *SettlementService) DeclareOutcome(ctx context.Context, contestID string, outcome model.Outcome) (*model.SettlementReport, error) {
	start := time.Now()
	defer func() {
		s.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}()

	key := contestKey(contestID)
	if err := s.locks.LockContext(ctx, key, s.lockTimeout); err != nil {
		return nil, lockErr(key, err)
	}
	defer s.locks.Unlock(key)

	contest, err := s.contests.GetByID(ctx, contestID)
	if err != nil {
		if errors.Is(err, repository.ErrContestNotFound) {
			return nil, fmt.Errorf("%w: contest %q", ErrInvalidTarget, contestID)
		}
		return nil, storageErr("get contest", err)
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidTarget, outcome)
	}

	settledAt := time.Now().UTC()
	switch contest.Status {
	case model.ContestOpen:
	case model.ContestSettling, model.ContestCompleted:
		if contest.DeclaredOutcome == nil || *contest.DeclaredOutcome != outcome {
			return nil, fmt.Errorf("%w: contest %s was settled as %s", ErrAlreadySettled, contest.ID, declared(contest))
		}
		if contest.SettledAt != nil {
			settledAt = *contest.SettledAt
		}
	default:
		return nil, fmt.Errorf("%w: contest %s is %s", ErrContestClosed, contest.ID, contest.Status)
	}
	resuming := contest.Status == model.ContestCompleted

	stakes, err := s.stakes.ListByContest(ctx, contestID)
	if err != nil {
		return nil, storageErr("list stakes", err)
	}

	report := &model.SettlementReport{
		ContestID: contest.ID,
		Outcome:   outcome,
		Policy:    s.policy,
		SettledAt: settledAt,
		Failures:  []model.StakeFailure{},
	}

	// The pools are taken from every stake, settled or not, so a re-run pays
	// stragglers the same parimutuel share as the first run.
	var winningPool int64
	open := 0
	for _, st := range stakes {
		report.TotalPool += st.Amount
		if st.Outcome == outcome {
			winningPool += st.Amount
		}
		if st.Status == model.StakeOpen {
			open++
		}
	}

	if open == 0 {
		if resuming {
			report.AlreadySettled = true
			report.Skipped = len(stakes)
			log.Info().
				Str("contest_id", contest.ID).
				Str("outcome", string(outcome)).
				Msg("Contest already settled; nothing to do")
			return report, nil
		}
		if len(stakes) == 0 {
			return nil, fmt.Errorf("%w: contest %s has no open stakes", ErrInvalidTarget, contest.ID)
		}
	}

	// The outcome is fixed before any money moves, so a run that dies halfway
	// can only ever be resumed with the same outcome.
	if contest.Status == model.ContestOpen {
		if err := s.contests.Declare(ctx, contest.ID, outcome, settledAt); err != nil {
			if errors.Is(err, repository.ErrContestStateConflict) {
				return nil, fmt.Errorf("%w: contest %s changed state", ErrContestClosed, contest.ID)
			}
			return nil, storageErr("declare outcome", err)
		}
		_ = s.markets.cache.Invalidate(ctx, contest.ID)
	}

	for _, st := range stakes {
		if st.Status != model.StakeOpen {
			report.Skipped++
			continue
		}
		s.settleStake(ctx, contest, st, outcome, winningPool, settledAt, report)
	}

	if !resuming {
		if err := s.contests.Complete(ctx, contest.ID, outcome); err != nil {
			log.Error().Err(err).
				Str("contest_id", contest.ID).
				Int64("total_paid", report.TotalPaid).
				Msg("Stakes settled but contest could not be completed; re-run settlement")
			return report, storageErr("complete contest", err)
		}
		_ = s.markets.cache.Invalidate(ctx, contest.ID)
	}

	s.metrics.PayoutUnits.Add(float64(report.TotalPaid))
	s.metrics.SettlementFailures.Add(float64(len(report.Failures)))

	if err := s.events.PublishContestSettled(ctx, events.ContestSettled{Report: *report}); err != nil {
		log.Warn().Err(err).Str("contest_id", contest.ID).Msg("Failed to publish settlement event")
	}

	log.Info().
		Str("contest_id", contest.ID).
		Str("outcome", string(outcome)).
		Str("policy", string(s.policy)).
		Int64("total_pool", report.TotalPool).
		Int64("total_paid", report.TotalPaid).
		Int("winners", report.WinnersPaid).
		Int("losers", report.LosersSettled).
		Int("skipped", report.Skipped).
		Int("failures", len(report.Failures)).
		Bool("resumed", resuming).
		Msg("Contest settled")

	if len(report.Failures) > 0 {
		return report, fmt.Errorf("%w: %d of %d stakes on contest %s", ErrPartialSettlement,
			len(report.Failures), len(stakes), contest.ID)
	}
	return report, nil
}

// settleStake resolves one open stake and records the result in report.
// The payout credit and the status change are separately idempotent, so a
// stake left between the two is finished by the next run without paying twice.
func (s *SettlementService) settleStake(
	ctx context.Context,
	contest *model.Contest,
	st *model.Stake,
	outcome model.Outcome,
	winningPool int64,
	settledAt time.Time,
	report *model.SettlementReport,
) {
	payout := pool.Payout(s.policy, st, outcome, winningPool, report.TotalPool)
	status := model.StakeLost
	if st.Outcome == outcome {
		status = model.StakeWon
	}

	if payout > 0 {
		reason := fmt.Sprintf("payout on %s: %s", contest.ID, contest.OutcomeName(outcome))
		if _, err := s.ledger.Credit(ctx, st.OwnerID, payout, model.CategoryPayout, reason,
			Ref{StakeID: &st.ID, IdempotencyKey: stakePayoutKey(st.ID)}); err != nil {
			s.fail(report, st, "credit payout", err)
			return
		}
	}

	if err := s.stakes.MarkSettled(ctx, st.ID, status, payout, settledAt); err != nil {
		if errors.Is(err, repository.ErrStakeNotOpen) {
			report.Skipped++
			return
		}
		s.fail(report, st, "mark settled", err)
		return
	}

	if status == model.StakeWon {
		report.WinnersPaid++
		report.TotalPaid += payout
	} else {
		report.LosersSettled++
	}
}

func (s *SettlementService) fail(report *model.SettlementReport, st *model.Stake, op string, err error) {
	report.Failures = append(report.Failures, model.StakeFailure{
		StakeID: st.ID,
		OwnerID: st.OwnerID,
		Reason:  fmt.Sprintf("%s: %v", op, err),
	})
	log.Error().Err(err).
		Str("contest_id", st.ContestID).
		Str("stake_id", st.ID).
		Str("owner_id", st.OwnerID).
		Str("op", op).
		Msg("Stake settlement failed")
}

func declared(c *model.Contest) string {
	if c.DeclaredOutcome == nil {
		return "unknown"
	}
	return string(*c.DeclaredOutcome)
}
