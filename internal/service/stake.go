package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"peer-wager-bot/internal/events"
	"peer-wager-bot/internal/metrics"
	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pkg/lock"
	"peer-wager-bot/internal/pool"
	"peer-wager-bot/internal/repository"
)

// StakeRules bounds stake intake.
type StakeRules struct {
	MinStake           int64
	MaxStake           int64
	Odds               pool.Params
	LockTimeout        time.Duration
	InsertRetries      int
	InsertRetryBackoff time.Duration
}

// PlaceStakeRequest is a proposed stake.
type PlaceStakeRequest struct {
	OwnerID   string
	ContestID string
	Outcome   model.Outcome
	Amount    int64
}

// StakeReceipt describes an accepted stake.
type StakeReceipt struct {
	Stake   *model.Stake
	Market  model.Market
	Balance int64 // Owner balance after the debit
}

// StakeService validates and records new stakes.
type StakeService struct {
	contests ContestStore
	stakes   StakeStore
	ledger   *LedgerService
	markets  *MarketService
	events   EventPublisher
	locks    *lock.KeyLock
	rules    StakeRules
	metrics  *metrics.Metrics
}

// NewStakeService creates a new StakeService instance.
func NewStakeService(
	contests ContestStore,
	stakes StakeStore,
	ledger *LedgerService,
	markets *MarketService,
	publisher EventPublisher,
	locks *lock.KeyLock,
	rules StakeRules,
	m *metrics.Metrics,
) *StakeService {
	return &StakeService{
		contests: contests,
		stakes:   stakes,
		ledger:   ledger,
		markets:  markets,
		events:   publisher,
		locks:    locks,
		rules:    rules,
		metrics:  m,
	}
}

// ParseAmount parses a user supplied amount and truncates it to whole units.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	d = d.Truncate(0)
	if !d.IsInteger() || d.GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidAmount, s)
	}
	return d.IntPart(), nil
}

// ParseOutcome parses "A"/"B" in any case.
func ParseOutcome(s string) (model.Outcome, error) {
	o := model.Outcome(strings.ToUpper(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("%w: outcome %q", ErrInvalidTarget, s)
	}
	return o, nil
}

// PlaceStake validates req and, when it passes, debits the owner, records the
// stake and updates the contest market.
//
// Checks run in order: contest exists and is open, outcome is valid, amount
// is within bounds, the quoted odds are valid, the owner has no open stake
// on the contest, the owner can afford it. The first failing check decides
// the error.
func (s *StakeService) PlaceStake(ctx context.Context, req PlaceStakeRequest) (*StakeReceipt, error) {
	receipt, err := s.placeStake(ctx, req)
	if err != nil {
		s.metrics.StakesRejected.WithLabelValues(Kind(err)).Inc()
		return nil, err
	}
	s.metrics.StakesAccepted.Inc()
	s.metrics.StakedUnits.Add(float64(receipt.Stake.Amount))
	return receipt, nil
}

func (s *StakeService) placeStake(ctx context.Context, req PlaceStakeRequest) (*StakeReceipt, error) {
	key := contestKey(req.ContestID)
	if err := s.locks.LockContext(ctx, key, s.rules.LockTimeout); err != nil {
		return nil, lockErr(key, err)
	}
	defer s.locks.Unlock(key)

	contest, err := s.contests.GetByID(ctx, req.ContestID)
	if err != nil {
		if errors.Is(err, repository.ErrContestNotFound) {
			return nil, fmt.Errorf("%w: contest %q", ErrInvalidTarget, req.ContestID)
		}
		return nil, storageErr("get contest", err)
	}
	if contest.Status != model.ContestOpen {
		return nil, fmt.Errorf("%w: contest %s is %s", ErrContestClosed, contest.ID, contest.Status)
	}

	if !req.Outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidTarget, req.Outcome)
	}

	if req.Amount < s.rules.MinStake || req.Amount > s.rules.MaxStake {
		return nil, fmt.Errorf("%w: %d is outside %d..%d", ErrInvalidAmount, req.Amount, s.rules.MinStake, s.rules.MaxStake)
	}

	quote := pool.Compute(contest.Market.PoolA, contest.Market.PoolB, s.rules.Odds)
	odds := quote.Odds(req.Outcome)
	if odds.LessThan(s.rules.Odds.Floor) {
		return nil, fmt.Errorf("%w: odds %s below floor %s", ErrInvalidTarget, odds, s.rules.Odds.Floor)
	}

	if _, err := s.stakes.FindOpen(ctx, req.OwnerID, req.ContestID); err == nil {
		return nil, ErrDuplicateStake
	} else if !errors.Is(err, repository.ErrStakeNotFound) {
		return nil, storageErr("find open stake", err)
	}

	balance, err := s.ledger.Balance(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if balance < req.Amount {
		return nil, ErrInsufficientFunds
	}

	stake := &model.Stake{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		ContestID: req.ContestID,
		Outcome:   req.Outcome,
		Amount:    req.Amount,
		Odds:      odds,
		Status:    model.StakeOpen,
		CreatedAt: time.Now().UTC(),
	}
	reason := fmt.Sprintf("stake on %s: %s", contest.ID, contest.OutcomeName(req.Outcome))

	// The debit lands before the stake row so settlement can never see a
	// stake that was not paid for.
	debit, err := s.ledger.Debit(ctx, req.OwnerID, req.Amount, model.CategoryStake, reason,
		Ref{StakeID: &stake.ID, IdempotencyKey: stakeDebitKey(stake.ID)})
	if err != nil {
		return nil, err
	}

	if err := s.insertWithRetry(ctx, stake); err != nil {
		s.compensate(ctx, stake, err)
		if errors.Is(err, repository.ErrDuplicateOpenStake) {
			return nil, ErrDuplicateStake
		}
		return nil, storageErr("insert stake", err)
	}

	market := s.updatePool(ctx, contest, stake)

	if err := s.events.PublishStakePlaced(ctx, events.StakePlaced{
		StakeID:   stake.ID,
		OwnerID:   stake.OwnerID,
		ContestID: stake.ContestID,
		Outcome:   stake.Outcome,
		Amount:    stake.Amount,
		Odds:      stake.Odds,
		Market:    market,
	}); err != nil {
		log.Warn().Err(err).Str("stake_id", stake.ID).Msg("Failed to publish stake event")
	}

	log.Info().
		Str("stake_id", stake.ID).
		Str("owner_id", stake.OwnerID).
		Str("contest_id", stake.ContestID).
		Str("outcome", string(stake.Outcome)).
		Int64("amount", stake.Amount).
		Str("odds", stake.Odds.StringFixed(2)).
		Msg("Stake placed")

	return &StakeReceipt{Stake: stake, Market: market, Balance: debit.BalanceAfter}, nil
}

// insertWithRetry inserts the stake, retrying transient failures with the
// same id. A duplicate is final.
func (s *StakeService) insertWithRetry(ctx context.Context, stake *model.Stake) error {
	var err error
	for attempt := 0; attempt <= s.rules.InsertRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-time.After(s.rules.InsertRetryBackoff * time.Duration(attempt)):
			}
		}

		err = s.stakes.Insert(ctx, stake)
		if err == nil || errors.Is(err, repository.ErrDuplicateOpenStake) {
			return err
		}
		log.Warn().Err(err).
			Str("stake_id", stake.ID).
			Int("attempt", attempt+1).
			Msg("Stake insert failed")
	}
	return err
}

// compensate refunds the debit of a stake that could not be recorded.
// It runs even if ctx is already cancelled.
func (s *StakeService) compensate(ctx context.Context, stake *model.Stake, cause error) {
	ctx = context.WithoutCancel(ctx)

	// The insert may have landed even though its reply was lost.
	if _, err := s.stakes.GetByID(ctx, stake.ID); err == nil {
		log.Error().
			Str("stake_id", stake.ID).
			Msg("Stake insert reported failure but the row exists; not refunding")
		return
	} else if !errors.Is(err, repository.ErrStakeNotFound) {
		log.Error().Err(err).
			Str("stake_id", stake.ID).
			Str("owner_id", stake.OwnerID).
			Int64("amount", stake.Amount).
			Msg("Cannot confirm stake row; leaving debit for the reconciler")
		return
	}

	_, err := s.ledger.Credit(ctx, stake.OwnerID, stake.Amount, model.CategoryAdjustment,
		fmt.Sprintf("refund: stake %s not recorded", stake.ID),
		Ref{StakeID: &stake.ID, IdempotencyKey: stakeRefundKey(stake.ID)})
	if err != nil {
		log.Error().Err(err).
			Str("stake_id", stake.ID).
			Str("owner_id", stake.OwnerID).
			Int64("amount", stake.Amount).
			AnErr("cause", cause).
			Msg("Refund of unrecorded stake failed; leaving debit for the reconciler")
		return
	}

	log.Warn().
		Str("stake_id", stake.ID).
		Str("owner_id", stake.OwnerID).
		Int64("amount", stake.Amount).
		AnErr("cause", cause).
		Msg("Stake not recorded; debit refunded")
}

// updatePool adds the stake to the contest pools and stores the recomputed
// market. Failures fall back to rebuilding the pools from the stake rows; the
// stake itself is already durable either way.
func (s *StakeService) updatePool(ctx context.Context, contest *model.Contest, stake *model.Stake) model.Market {
	poolA, poolB, err := s.contests.IncrementPool(ctx, contest.ID, stake.Outcome, stake.Amount)
	if err != nil {
		log.Warn().Err(err).Str("contest_id", contest.ID).Msg("Pool increment failed; rebuilding from stakes")
		return s.repairMarket(ctx, contest, stake)
	}

	m := pool.Compute(poolA, poolB, s.rules.Odds)
	if err := s.contests.UpdateMarket(ctx, contest.ID, m); err != nil {
		log.Warn().Err(err).Str("contest_id", contest.ID).Msg("Market update failed; rebuilding from stakes")
		return s.repairMarket(ctx, contest, stake)
	}

	s.markets.cacheMarket(ctx, contest.ID, m)
	return m
}

func (s *StakeService) repairMarket(ctx context.Context, contest *model.Contest, stake *model.Stake) model.Market {
	m, err := s.markets.refreshLocked(ctx, contest.ID)
	if err == nil {
		return m
	}

	log.Error().Err(err).Str("contest_id", contest.ID).Msg("Market rebuild failed; contest pools are stale until refreshed")
	_ = s.markets.cache.Invalidate(ctx, contest.ID)

	poolA, poolB := contest.Market.PoolA, contest.Market.PoolB
	if stake.Outcome == model.OutcomeA {
		poolA += stake.Amount
	} else {
		poolB += stake.Amount
	}
	return pool.Compute(poolA, poolB, s.rules.Odds)
}
