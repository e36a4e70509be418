// Package model defines the data models for the wagering engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome identifies one of the two sides of a contest.
type Outcome string

// The two outcomes every contest has.
const (
	OutcomeA Outcome = "A"
	OutcomeB Outcome = "B"
)

// Valid reports whether o names one of the two contest sides.
func (o Outcome) Valid() bool {
	return o == OutcomeA || o == OutcomeB
}

// ContestStatus is the lifecycle state of a contest.
type ContestStatus string

// Contest lifecycle states.
const (
	ContestUpcoming  ContestStatus = "upcoming"
	ContestOpen      ContestStatus = "open"
	ContestSettling  ContestStatus = "settling" // outcome declared, stakes being paid
	ContestCompleted ContestStatus = "completed"
	ContestCancelled ContestStatus = "cancelled"
)

// StakeStatus is the lifecycle state of a stake.
type StakeStatus string

// Stake lifecycle states.
const (
	StakeOpen StakeStatus = "open"
	StakeWon  StakeStatus = "won"
	StakeLost StakeStatus = "lost"
)

// Market is the derived pool state of a contest: pool totals, odds and the
// display split. It is a projection of the open stakes and is cached on the
// contest row for fast reads.
type Market struct {
	PoolA     int64           `json:"pool_a"`
	PoolB     int64           `json:"pool_b"`
	TotalPool int64           `json:"total_pool"`
	OddsA     decimal.Decimal `json:"odds_a"`
	OddsB     decimal.Decimal `json:"odds_b"`
	PercentA  int             `json:"percent_a"`
	PercentB  int             `json:"percent_b"`
}

// Odds returns the quoted odds for the given outcome.
func (m Market) Odds(o Outcome) decimal.Decimal {
	if o == OutcomeB {
		return m.OddsB
	}
	return m.OddsA
}

// Contest is a two-outcome event open for wagering.
type Contest struct {
	ID              string        `db:"id"`
	Title           string        `db:"title"`
	OutcomeA        string        `db:"outcome_a"`
	OutcomeB        string        `db:"outcome_b"`
	Status          ContestStatus `db:"status"`
	Market          Market
	DeclaredOutcome *Outcome   `db:"declared_outcome"`
	SettledAt       *time.Time `db:"settled_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// OutcomeName returns the display name of a side.
func (c *Contest) OutcomeName(o Outcome) string {
	if o == OutcomeB {
		return c.OutcomeB
	}
	return c.OutcomeA
}

// Stake is one owner's wager on one outcome of a contest.
type Stake struct {
	ID        string          `db:"id"`
	OwnerID   string          `db:"owner_id"`
	ContestID string          `db:"contest_id"`
	Outcome   Outcome         `db:"outcome"`
	Amount    int64           `db:"amount"`
	Odds      decimal.Decimal `db:"odds"`
	Status    StakeStatus     `db:"status"`
	Payout    int64           `db:"payout"`
	CreatedAt time.Time       `db:"created_at"`
	SettledAt *time.Time      `db:"settled_at"`
}

// Account holds an owner's current balance.
type Account struct {
	OwnerID   string    `db:"owner_id"`
	Balance   int64     `db:"balance"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Direction of a ledger entry.
type Direction string

// Ledger directions.
const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Category classifies why a balance changed.
type Category string

// Ledger categories.
const (
	CategoryStake      Category = "stake"      // Stake placement debit
	CategoryPayout     Category = "payout"     // Settlement credit to a winner
	CategoryBonus      Category = "bonus"      // Welcome or promotional credit
	CategoryPurchase   Category = "purchase"   // External purchase credit
	CategoryAdjustment Category = "adjustment" // Refunds and admin corrections
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryStake, CategoryPayout, CategoryBonus, CategoryPurchase, CategoryAdjustment:
		return true
	}
	return false
}

// LedgerEntry is one append-only balance mutation record.
type LedgerEntry struct {
	ID             int64     `db:"id"`
	OwnerID        string    `db:"owner_id"`
	Direction      Direction `db:"direction"`
	Category       Category  `db:"category"`
	Amount         int64     `db:"amount"`
	BalanceBefore  int64     `db:"balance_before"`
	BalanceAfter   int64     `db:"balance_after"`
	Reason         string    `db:"reason"`
	StakeID        *string   `db:"stake_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}

// SignedAmount returns the entry amount with the sign of its direction.
func (e *LedgerEntry) SignedAmount() int64 {
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}
