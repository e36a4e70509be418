package service

import (
	"context"
	"time"

	"peer-wager-bot/internal/events"
	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/repository"
)

// ContestStore is the contest persistence the services need.
// *repository.ContestRepository implements it.
type ContestStore interface {
	Create(ctx context.Context, c *model.Contest) (*model.Contest, error)
	GetByID(ctx context.Context, id string) (*model.Contest, error)
	ListByStatus(ctx context.Context, statuses []model.ContestStatus, limit int) ([]*model.Contest, error)
	Search(ctx context.Context, text string, limit int) ([]*model.Contest, error)
	SetStatus(ctx context.Context, id string, from, to model.ContestStatus) error
	IncrementPool(ctx context.Context, id string, outcome model.Outcome, amount int64) (poolA, poolB int64, err error)
	UpdateMarket(ctx context.Context, id string, m model.Market) error
	ReplaceMarket(ctx context.Context, id string, m model.Market) error
	Declare(ctx context.Context, id string, outcome model.Outcome, settledAt time.Time) error
	Complete(ctx context.Context, id string, outcome model.Outcome) error
}

// StakeStore is the stake record persistence the services need.
// *repository.StakeRepository implements it.
type StakeStore interface {
	Insert(ctx context.Context, s *model.Stake) error
	GetByID(ctx context.Context, id string) (*model.Stake, error)
	FindOpen(ctx context.Context, ownerID, contestID string) (*model.Stake, error)
	ListByContest(ctx context.Context, contestID string) ([]*model.Stake, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Stake, error)
	MarkSettled(ctx context.Context, id string, status model.StakeStatus, payout int64, settledAt time.Time) error
	SumOpen(ctx context.Context, contestID string) (poolA, poolB int64, err error)
	CountByContest(ctx context.Context, contestID string) (int, error)
}

// AccountStore is the account persistence the ledger needs.
// *repository.AccountRepository implements it.
type AccountStore interface {
	Ensure(ctx context.Context, ownerID string) (*model.Account, bool, error)
	GetByID(ctx context.Context, ownerID string) (*model.Account, error)
	GetTop(ctx context.Context, limit int) ([]*model.Account, error)
}

// LedgerStore applies balance mutations with their log entries.
// *repository.LedgerRepository implements it.
type LedgerStore interface {
	Apply(ctx context.Context, m repository.Mutation) (*model.LedgerEntry, bool, error)
	GetByKey(ctx context.Context, key string) (*model.LedgerEntry, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error)
	ListByOwnerAsc(ctx context.Context, ownerID string) ([]*model.LedgerEntry, error)
	FindOrphanedStakeDebits(ctx context.Context, cutoff time.Time, limit int) ([]*model.LedgerEntry, error)
}

// MarketCache holds derived markets for fast reads. Implemented by
// *cache.MarketCache and cache.Nop.
type MarketCache interface {
	Get(ctx context.Context, contestID string) (model.Market, error)
	Set(ctx context.Context, contestID string, m model.Market) error
	Invalidate(ctx context.Context, contestID string) error
}

// EventPublisher emits domain events. Implemented by *events.KafkaPublisher
// and events.Nop.
type EventPublisher interface {
	PublishStakePlaced(ctx context.Context, e events.StakePlaced) error
	PublishContestSettled(ctx context.Context, e events.ContestSettled) error
}

func contestKey(id string) string { return "contest:" + id }
func ownerKey(id string) string   { return "owner:" + id }

// Idempotency keys of the ledger mutations tied to a stake.
func stakeDebitKey(stakeID string) string  { return "stake:" + stakeID + ":debit" }
func stakePayoutKey(stakeID string) string { return "stake:" + stakeID + ":payout" }
func stakeRefundKey(stakeID string) string { return "stake:" + stakeID + ":refund" }
