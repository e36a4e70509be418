package pool

import (
	"github.com/shopspring/decimal"

	"peer-wager-bot/internal/model"
)

// FixedOddsPayout returns the payout of a winning stake under the fixed-odds
// policy: amount × odds-at-placement, rounded to whole units.
func FixedOddsPayout(amount int64, odds decimal.Decimal) int64 {
	if amount <= 0 || !odds.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(odds).Round(0).IntPart()
}

// ParimutuelPayout returns the payout of a winning stake under the
// parimutuel policy: its share of the winning pool applied to the whole pool.
func ParimutuelPayout(amount, winningPool, totalPool int64) int64 {
	if amount <= 0 || winningPool <= 0 || totalPool <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(totalPool)).
		Div(decimal.NewFromInt(winningPool)).
		Round(0).
		IntPart()
}

// Payout returns what a stake earns when declared is the winning outcome.
// Losing stakes earn zero under every policy.
func Payout(policy model.PayoutPolicy, s *model.Stake, declared model.Outcome, winningPool, totalPool int64) int64 {
	if s.Outcome != declared {
		return 0
	}
	switch policy {
	case model.PolicyParimutuel:
		return ParimutuelPayout(s.Amount, winningPool, totalPool)
	default:
		return FixedOddsPayout(s.Amount, s.Odds)
	}
}
