package model

import "time"

// PayoutPolicy selects how winning stakes are paid.
type PayoutPolicy string

// Supported payout policies.
const (
	// PolicyFixedOdds pays amount × odds-at-placement.
	PolicyFixedOdds PayoutPolicy = "fixed_odds"
	// PolicyParimutuel splits the whole pool across winners pro rata.
	PolicyParimutuel PayoutPolicy = "parimutuel"
)

// Valid reports whether p is a known policy.
func (p PayoutPolicy) Valid() bool {
	return p == PolicyFixedOdds || p == PolicyParimutuel
}

// StakeFailure records a stake that could not be settled in a run.
type StakeFailure struct {
	StakeID string `json:"stake_id"`
	OwnerID string `json:"owner_id"`
	Reason  string `json:"reason"`
}

// SettlementReport summarises one settlement run of a contest.
type SettlementReport struct {
	ContestID      string         `json:"contest_id"`
	Outcome        Outcome        `json:"outcome"`
	Policy         PayoutPolicy   `json:"policy"`
	TotalPool      int64          `json:"total_pool"`
	TotalPaid      int64          `json:"total_paid"`
	WinnersPaid    int            `json:"winners_paid"`
	LosersSettled  int            `json:"losers_settled"`
	Skipped        int            `json:"skipped"`
	Failures       []StakeFailure `json:"failures"`
	AlreadySettled bool           `json:"already_settled"`
	SettledAt      time.Time      `json:"settled_at"`
}

// FailedStakeIDs lists the stakes that still need a settlement re-run.
func (r *SettlementReport) FailedStakeIDs() []string {
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.StakeID)
	}
	return ids
}
