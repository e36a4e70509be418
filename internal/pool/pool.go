// Package pool derives live market state (odds and the sentiment split) from
// the per-outcome stake pools of a contest.
//
// Everything here is pure: the same pool totals always produce the same
// market, so callers may recompute freely and cache the result.
package pool

import (
	"github.com/shopspring/decimal"

	"peer-wager-bot/internal/model"
)

// oddsPlaces is the number of decimal places quoted odds are rounded to.
const oddsPlaces = 2

// Params bounds the odds the aggregator may quote.
type Params struct {
	Floor   decimal.Decimal // Minimum odds for either side
	Ceiling decimal.Decimal // Maximum odds; zero disables the cap
	Default decimal.Decimal // Odds quoted for both sides while the pool is empty
}

// DefaultParams returns the stock odds bounds: floor 1.10, ceiling 50.00,
// neutral 2.00.
func DefaultParams() Params {
	return Params{
		Floor:   decimal.RequireFromString("1.10"),
		Ceiling: decimal.RequireFromString("50.00"),
		Default: decimal.RequireFromString("2.00"),
	}
}

// Entry is the (outcome, amount) pair of one open stake.
type Entry struct {
	Outcome model.Outcome
	Amount  int64
}

// Totals folds a set of open stakes into per-outcome pool totals.
// Entries for unknown outcomes are ignored.
func Totals(entries []Entry) (poolA, poolB int64) {
	for _, e := range entries {
		switch e.Outcome {
		case model.OutcomeA:
			poolA += e.Amount
		case model.OutcomeB:
			poolB += e.Amount
		}
	}
	return poolA, poolB
}

// Compute derives the full market from the two pool totals.
func Compute(poolA, poolB int64, p Params) model.Market {
	total := poolA + poolB
	m := model.Market{
		PoolA:     poolA,
		PoolB:     poolB,
		TotalPool: total,
	}

	if total <= 0 {
		m.OddsA = p.Default.Round(oddsPlaces)
		m.OddsB = p.Default.Round(oddsPlaces)
		m.PercentA, m.PercentB = 50, 50
		return m
	}

	m.OddsA = Odds(poolA, total, p)
	m.OddsB = Odds(poolB, total, p)
	m.PercentA = PercentA(poolA, total)
	m.PercentB = 100 - m.PercentA
	return m
}

// Odds returns the odds for one side holding side of a pool of total.
// A side with nothing staked on it is quoted at the floor so the value is
// always finite.
func Odds(side, total int64, p Params) decimal.Decimal {
	if side <= 0 || total <= 0 {
		return p.Floor.Round(oddsPlaces)
	}

	odds := decimal.NewFromInt(total).Div(decimal.NewFromInt(side))
	if odds.LessThan(p.Floor) {
		odds = p.Floor
	}
	if p.Ceiling.IsPositive() && odds.GreaterThan(p.Ceiling) {
		odds = p.Ceiling
	}
	return odds.Round(oddsPlaces)
}

// PercentA returns side A's share of the pool as a whole percentage.
// Side B's share must be taken as 100 - PercentA so the pair sums to 100.
func PercentA(poolA, total int64) int {
	if total <= 0 {
		return 50
	}
	pct := decimal.NewFromInt(poolA).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(total)).
		Round(0)

	v := int(pct.IntPart())
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
