package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"peer-wager-bot/internal/cache"
	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pkg/lock"
	"peer-wager-bot/internal/pool"
	"peer-wager-bot/internal/repository"
)

// MarketService serves contest markets and owner stakes to presentation
// layers. Markets are read through the cache; the contest row is the source
// of truth.
type MarketService struct {
	contests    ContestStore
	stakes      StakeStore
	cache       MarketCache
	locks       *lock.KeyLock
	lockTimeout time.Duration
	params      pool.Params
}

// NewMarketService creates a new MarketService instance.
func NewMarketService(
	contests ContestStore,
	stakes StakeStore,
	cache MarketCache,
	locks *lock.KeyLock,
	lockTimeout time.Duration,
	params pool.Params,
) *MarketService {
	return &MarketService{
		contests:    contests,
		stakes:      stakes,
		cache:       cache,
		locks:       locks,
		lockTimeout: lockTimeout,
		params:      params,
	}
}

// GetContest returns a contest by id.
func (s *MarketService) GetContest(ctx context.Context, contestID string) (*model.Contest, error) {
	c, err := s.contests.GetByID(ctx, contestID)
	if err != nil {
		if errors.Is(err, repository.ErrContestNotFound) {
			return nil, fmt.Errorf("%w: contest %q", ErrInvalidTarget, contestID)
		}
		return nil, storageErr("get contest", err)
	}
	return c, nil
}

// GetContestMarket returns the pools, odds and percentages of a contest.
//
// A cache miss is filled under the contest lock so a stake landing between
// the read and the fill cannot be overwritten by the older market. If the
// lock is busy the store is read directly and the cache is left alone.
func (s *MarketService) GetContestMarket(ctx context.Context, contestID string) (model.Market, error) {
	m, err := s.cache.Get(ctx, contestID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Str("contest_id", contestID).Msg("Market cache read failed")
	}

	key := contestKey(contestID)
	if err := s.locks.LockContext(ctx, key, s.lockTimeout); err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return s.storedMarket(ctx, contestID)
		}
		return model.Market{}, lockErr(key, err)
	}
	defer s.locks.Unlock(key)

	m, err = s.storedMarket(ctx, contestID)
	if err != nil {
		return model.Market{}, err
	}
	s.cacheMarket(ctx, contestID, m)
	return m, nil
}

// storedMarket derives the market from the stored pools, so a missed market
// write never shows stale odds.
func (s *MarketService) storedMarket(ctx context.Context, contestID string) (model.Market, error) {
	c, err := s.GetContest(ctx, contestID)
	if err != nil {
		return model.Market{}, err
	}
	return pool.Compute(c.Market.PoolA, c.Market.PoolB, s.params), nil
}

// GetOwnerStakes returns the owner's stakes, newest first.
func (s *MarketService) GetOwnerStakes(ctx context.Context, ownerID string, limit int) ([]*model.Stake, error) {
	stakes, err := s.stakes.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, storageErr("list owner stakes", err)
	}
	return stakes, nil
}

// RefreshMarket rebuilds a contest's pools from its open stakes and stores
// the result. Used to repair a contest after a failed pool update.
func (s *MarketService) RefreshMarket(ctx context.Context, contestID string) (model.Market, error) {
	key := contestKey(contestID)
	if err := s.locks.LockContext(ctx, key, s.lockTimeout); err != nil {
		return model.Market{}, lockErr(key, err)
	}
	defer s.locks.Unlock(key)

	return s.refreshLocked(ctx, contestID)
}

// refreshLocked is RefreshMarket for callers already holding the contest lock.
func (s *MarketService) refreshLocked(ctx context.Context, contestID string) (model.Market, error) {
	c, err := s.GetContest(ctx, contestID)
	if err != nil {
		return model.Market{}, err
	}

	// Settled stakes leave the open pools, so a closed contest keeps the
	// pools it had when it closed.
	if c.Status == model.ContestSettling || c.Status == model.ContestCompleted || c.Status == model.ContestCancelled {
		m := pool.Compute(c.Market.PoolA, c.Market.PoolB, s.params)
		s.cacheMarket(ctx, contestID, m)
		return m, nil
	}

	poolA, poolB, err := s.stakes.SumOpen(ctx, contestID)
	if err != nil {
		return model.Market{}, storageErr("sum open stakes", err)
	}

	m := pool.Compute(poolA, poolB, s.params)
	if err := s.contests.ReplaceMarket(ctx, contestID, m); err != nil {
		return model.Market{}, storageErr("replace market", err)
	}

	if m.PoolA != c.Market.PoolA || m.PoolB != c.Market.PoolB {
		log.Warn().
			Str("contest_id", contestID).
			Int64("stored_pool_a", c.Market.PoolA).
			Int64("stored_pool_b", c.Market.PoolB).
			Int64("pool_a", m.PoolA).
			Int64("pool_b", m.PoolB).
			Msg("Contest pools repaired from stakes")
	}

	s.cacheMarket(ctx, contestID, m)
	return m, nil
}

func (s *MarketService) cacheMarket(ctx context.Context, contestID string, m model.Market) {
	if err := s.cache.Set(ctx, contestID, m); err != nil {
		log.Warn().Err(err).Str("contest_id", contestID).Msg("Market cache write failed")
		// An older market may still be cached.
		_ = s.cache.Invalidate(ctx, contestID)
	}
}
