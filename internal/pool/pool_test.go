package pool

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"peer-wager-bot/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		poolA    int64
		poolB    int64
		oddsA    string
		oddsB    string
		percentA int
		percentB int
	}{
		{"empty pool", 0, 0, "2.00", "2.00", 50, 50},
		{"lopsided toward A", 300, 100, "1.33", "4.00", 75, 25},
		{"even", 250, 250, "2.00", "2.00", 50, 50},
		{"only A staked", 100, 0, "1.10", "1.10", 100, 0},
		{"only B staked", 0, 40, "1.10", "1.10", 0, 100},
		{"ceiling caps thin side", 1000, 1, "1.10", "50.00", 100, 0},
		{"half rounds up", 1, 199, "50.00", "1.10", 1, 99},
		{"thirds", 1, 2, "3.00", "1.50", 33, 67},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Compute(tt.poolA, tt.poolB, DefaultParams())
			assert.Equal(t, tt.poolA+tt.poolB, m.TotalPool)
			assert.True(t, dec(tt.oddsA).Equal(m.OddsA), "oddsA = %s", m.OddsA)
			assert.True(t, dec(tt.oddsB).Equal(m.OddsB), "oddsB = %s", m.OddsB)
			assert.Equal(t, tt.percentA, m.PercentA)
			assert.Equal(t, tt.percentB, m.PercentB)
		})
	}
}

func TestComputeWithoutCeiling(t *testing.T) {
	p := DefaultParams()
	p.Ceiling = decimal.Zero

	m := Compute(999, 1, p)
	assert.True(t, dec("1000").Equal(m.OddsB), "oddsB = %s", m.OddsB)
}

func TestTotals(t *testing.T) {
	a, b := Totals([]Entry{
		{Outcome: model.OutcomeA, Amount: 40},
		{Outcome: model.OutcomeB, Amount: 50},
		{Outcome: model.OutcomeA, Amount: 10},
		{Outcome: "C", Amount: 999},
	})
	assert.Equal(t, int64(50), a)
	assert.Equal(t, int64(50), b)
}

func TestFixedOddsPayout(t *testing.T) {
	assert.Equal(t, int64(80), FixedOddsPayout(40, dec("2.00")))
	assert.Equal(t, int64(133), FixedOddsPayout(100, dec("1.33")))
	assert.Equal(t, int64(2), FixedOddsPayout(1, dec("1.50")))
	assert.Equal(t, int64(0), FixedOddsPayout(0, dec("2.00")))
}

func TestParimutuelPayout(t *testing.T) {
	// 300 on A, 100 on B, A wins: each unit on A earns 400/300.
	assert.Equal(t, int64(267), ParimutuelPayout(200, 300, 400))
	assert.Equal(t, int64(133), ParimutuelPayout(100, 300, 400))
	assert.Equal(t, int64(0), ParimutuelPayout(100, 0, 400))
}

func TestPayoutLoserGetsNothing(t *testing.T) {
	s := &model.Stake{Outcome: model.OutcomeB, Amount: 50, Odds: dec("2.00")}
	assert.Zero(t, Payout(model.PolicyFixedOdds, s, model.OutcomeA, 40, 90))
	assert.Zero(t, Payout(model.PolicyParimutuel, s, model.OutcomeA, 40, 90))
}

// TestPoolInvariantsProperty checks the market invariants.
// *For any* pair of pool totals:
// - totalPool SHALL equal poolA + poolB
// - percentA + percentB SHALL equal exactly 100
// - both odds SHALL be at least the floor and at most the ceiling
func TestPoolInvariantsProperty(t *testing.T) {
	p := DefaultParams()
	rapid.Check(t, func(t *rapid.T) {
		poolA := rapid.Int64Range(0, 1_000_000_000).Draw(t, "poolA")
		poolB := rapid.Int64Range(0, 1_000_000_000).Draw(t, "poolB")

		m := Compute(poolA, poolB, p)

		if m.TotalPool != poolA+poolB {
			t.Fatalf("total %d != %d + %d", m.TotalPool, poolA, poolB)
		}
		if m.PercentA+m.PercentB != 100 {
			t.Fatalf("percentages %d + %d != 100", m.PercentA, m.PercentB)
		}
		if m.PercentA < 0 || m.PercentB < 0 {
			t.Fatalf("negative percentage %d/%d", m.PercentA, m.PercentB)
		}
		for _, odds := range []decimal.Decimal{m.OddsA, m.OddsB} {
			if odds.LessThan(p.Floor) {
				t.Fatalf("odds %s below floor %s", odds, p.Floor)
			}
			if odds.GreaterThan(p.Ceiling) {
				t.Fatalf("odds %s above ceiling %s", odds, p.Ceiling)
			}
		}
		if m.TotalPool == 0 && (m.PercentA != 50 || !m.OddsA.Equal(p.Default)) {
			t.Fatalf("empty pool should quote 50/50 at %s, got %d/%s", p.Default, m.PercentA, m.OddsA)
		}
	})
}

// TestPoolConservationProperty checks that folding any sequence of stakes
// keeps the total equal to the sum of its sides.
func TestPoolConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(t, "n")
		entries := make([]Entry, n)
		var sum int64
		for i := range entries {
			side := model.OutcomeA
			if rapid.Bool().Draw(t, "sideB") {
				side = model.OutcomeB
			}
			amount := rapid.Int64Range(1, 10_000).Draw(t, "amount")
			entries[i] = Entry{Outcome: side, Amount: amount}
			sum += amount
		}

		a, b := Totals(entries)
		m := Compute(a, b, DefaultParams())
		if m.TotalPool != sum {
			t.Fatalf("total %d != staked %d", m.TotalPool, sum)
		}
	})
}

// TestParimutuelPaysAboutThePoolProperty checks that winners of a
// parimutuel settlement share the pool up to one unit of rounding per stake.
func TestParimutuelPaysAboutThePoolProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		winners := rapid.SliceOfN(rapid.Int64Range(1, 10_000), 1, 30).Draw(t, "winners")
		losing := rapid.Int64Range(0, 100_000).Draw(t, "losing")

		var winningPool int64
		for _, a := range winners {
			winningPool += a
		}
		total := winningPool + losing

		var paid int64
		for _, a := range winners {
			paid += ParimutuelPayout(a, winningPool, total)
		}
		diff := paid - total
		if diff < 0 {
			diff = -diff
		}
		if diff > int64(len(winners)) {
			t.Fatalf("paid %d of pool %d across %d winners", paid, total, len(winners))
		}
	})
}
