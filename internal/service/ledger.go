package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"peer-wager-bot/internal/metrics"
	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pkg/lock"
	"peer-wager-bot/internal/repository"
)

// Ref ties a ledger mutation to a stake and to an idempotency key.
// An empty key gets a fresh random one, making the mutation non-repeatable.
type Ref struct {
	StakeID        *string
	IdempotencyKey string
}

// VerifyReport is the result of replaying an owner's ledger.
type VerifyReport struct {
	OwnerID  string
	Entries  int
	Balance  int64 // Stored account balance
	Replayed int64 // Balance reached by replaying the log
	OK       bool
	BrokenAt int64 // ID of the first entry that does not chain, or 0
	Problem  string
}

// LedgerService is the balance ledger: every balance change goes through it
// and leaves exactly one log entry with before/after snapshots.
// Mutations for one owner are serialized.
type LedgerService struct {
	accounts     AccountStore
	ledger       LedgerStore
	locks        *lock.KeyLock
	lockTimeout  time.Duration
	welcomeBonus int64
	metrics      *metrics.Metrics
}

// NewLedgerService creates a new LedgerService instance.
func NewLedgerService(
	accounts AccountStore,
	ledger LedgerStore,
	locks *lock.KeyLock,
	lockTimeout time.Duration,
	welcomeBonus int64,
	m *metrics.Metrics,
) *LedgerService {
	return &LedgerService{
		accounts:     accounts,
		ledger:       ledger,
		locks:        locks,
		lockTimeout:  lockTimeout,
		welcomeBonus: welcomeBonus,
		metrics:      m,
	}
}

// Credit adds amount to the owner's balance, creating the account if needed.
func (s *LedgerService) Credit(ctx context.Context, ownerID string, amount int64, category model.Category, reason string, ref Ref) (*model.LedgerEntry, error) {
	return s.apply(ctx, model.Credit, ownerID, amount, category, reason, ref)
}

// Debit subtracts amount from the owner's balance.
// Returns ErrInsufficientFunds if the balance does not cover it.
func (s *LedgerService) Debit(ctx context.Context, ownerID string, amount int64, category model.Category, reason string, ref Ref) (*model.LedgerEntry, error) {
	return s.apply(ctx, model.Debit, ownerID, amount, category, reason, ref)
}

func (s *LedgerService) apply(ctx context.Context, dir model.Direction, ownerID string, amount int64, category model.Category, reason string, ref Ref) (*model.LedgerEntry, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: empty owner id", ErrInvalidTarget)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: ledger amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown ledger category %q", ErrInvalidTarget, category)
	}

	key := ref.IdempotencyKey
	if key == "" {
		key = string(category) + ":" + uuid.NewString()
	}

	if err := s.locks.LockContext(ctx, ownerKey(ownerID), s.lockTimeout); err != nil {
		return nil, lockErr(ownerKey(ownerID), err)
	}
	defer s.locks.Unlock(ownerKey(ownerID))

	if dir == model.Credit {
		if _, _, err := s.accounts.Ensure(ctx, ownerID); err != nil {
			return nil, storageErr("ensure account", err)
		}
	}

	entry, replayed, err := s.ledger.Apply(ctx, repository.Mutation{
		OwnerID:        ownerID,
		Direction:      dir,
		Category:       category,
		Amount:         amount,
		Reason:         reason,
		StakeID:        ref.StakeID,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) || errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrInsufficientFunds
		}
		return nil, storageErr(string(dir), err)
	}

	if replayed {
		log.Debug().
			Str("owner_id", ownerID).
			Str("key", key).
			Msg("Ledger mutation replayed")
		return entry, nil
	}

	s.metrics.LedgerMutations.WithLabelValues(string(dir), string(category)).Inc()
	log.Debug().
		Str("owner_id", ownerID).
		Str("direction", string(dir)).
		Str("category", string(category)).
		Int64("amount", amount).
		Int64("balance_after", entry.BalanceAfter).
		Msg("Ledger mutation applied")

	return entry, nil
}

// EnsureAccount makes sure the owner has an account and has received the
// welcome bonus. Safe to call on every interaction.
func (s *LedgerService) EnsureAccount(ctx context.Context, ownerID string) (*model.Account, bool, error) {
	acc, created, err := s.accounts.Ensure(ctx, ownerID)
	if err != nil {
		return nil, false, storageErr("ensure account", err)
	}

	if s.welcomeBonus > 0 {
		entry, err := s.Credit(ctx, ownerID, s.welcomeBonus, model.CategoryBonus, "welcome bonus",
			Ref{IdempotencyKey: "welcome:" + ownerID})
		if err != nil {
			return nil, false, err
		}
		if created {
			acc.Balance = entry.BalanceAfter
		} else if acc, err = s.accounts.GetByID(ctx, ownerID); err != nil {
			return nil, false, storageErr("get account", err)
		}
	}

	return acc, created, nil
}

// Balance returns the owner's balance. An owner without an account has 0.
func (s *LedgerService) Balance(ctx context.Context, ownerID string) (int64, error) {
	acc, err := s.accounts.GetByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, nil
		}
		return 0, storageErr("get balance", err)
	}
	return acc.Balance, nil
}

// History returns the owner's most recent ledger entries, newest first.
func (s *LedgerService) History(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error) {
	entries, err := s.ledger.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, storageErr("get history", err)
	}
	return entries, nil
}

// Top returns the accounts with the highest balances.
func (s *LedgerService) Top(ctx context.Context, limit int) ([]*model.Account, error) {
	accounts, err := s.accounts.GetTop(ctx, limit)
	if err != nil {
		return nil, storageErr("get top accounts", err)
	}
	return accounts, nil
}

// Verify replays the owner's ledger in order and checks that every entry
// starts where the previous one ended and that the last one ends at the
// stored balance.
func (s *LedgerService) Verify(ctx context.Context, ownerID string) (*VerifyReport, error) {
	if err := s.locks.LockContext(ctx, ownerKey(ownerID), s.lockTimeout); err != nil {
		return nil, lockErr(ownerKey(ownerID), err)
	}
	defer s.locks.Unlock(ownerKey(ownerID))

	entries, err := s.ledger.ListByOwnerAsc(ctx, ownerID)
	if err != nil {
		return nil, storageErr("list ledger", err)
	}
	balance, err := s.Balance(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{OwnerID: ownerID, Entries: len(entries), Balance: balance, OK: true}
	report.Replayed, report.BrokenAt, report.Problem = replay(entries)
	if report.Problem == "" && report.Replayed != balance {
		report.Problem = fmt.Sprintf("log ends at %d but balance is %d", report.Replayed, balance)
	}
	if report.Problem != "" {
		report.OK = false
		log.Error().
			Str("owner_id", ownerID).
			Int64("broken_at", report.BrokenAt).
			Str("problem", report.Problem).
			Msg("Ledger verification failed")
	}
	return report, nil
}

// replay walks entries in order. It returns the final balance, or the id of
// the first entry that breaks the chain with a description.
func replay(entries []*model.LedgerEntry) (balance int64, brokenAt int64, problem string) {
	if len(entries) == 0 {
		return 0, 0, ""
	}

	balance = entries[0].BalanceBefore
	for _, e := range entries {
		if e.BalanceBefore != balance {
			return balance, e.ID, fmt.Sprintf("entry %d starts at %d, previous ended at %d", e.ID, e.BalanceBefore, balance)
		}
		balance += e.SignedAmount()
		if e.BalanceAfter != balance {
			return balance, e.ID, fmt.Sprintf("entry %d ends at %d, expected %d", e.ID, e.BalanceAfter, balance)
		}
		if balance < 0 {
			return balance, e.ID, fmt.Sprintf("entry %d leaves a negative balance", e.ID)
		}
	}
	return balance, 0, ""
}
