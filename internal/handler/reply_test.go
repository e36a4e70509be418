package handler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pool"
	"peer-wager-bot/internal/service"
)

func TestErrorReply(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: service.ErrInsufficientFunds, want: "❌ 余额不足"},
		{err: fmt.Errorf("%w: contest %q", service.ErrInvalidTarget, "x"), want: "❌ 赛事或选项不存在"},
		{err: fmt.Errorf("op: %w: %w", service.ErrStorageUnavailable, errors.New("eof")), want: "❌ 服务暂时不可用，请稍后重试"},
		{err: errors.New("boom"), want: "❌ 发生内部错误，请稍后重试"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, errorReply(tt.err))
	}
}

func TestParseStakeArgs(t *testing.T) {
	req, err := parseStakeArgs([]string{"ab12cd34", "b", "25"})
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", req.ContestID)
	assert.Equal(t, model.OutcomeB, req.Outcome)
	assert.Equal(t, int64(25), req.Amount)

	for _, args := range [][]string{
		{},
		{"ab12cd34", "A"},
		{"ab12cd34", "draw", "10"},
		{"ab12cd34", "A", "ten"},
	} {
		_, err := parseStakeArgs(args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestFormatMarket(t *testing.T) {
	c := &model.Contest{ID: "c1", Title: "Derby", OutcomeA: "Reds", OutcomeB: "Blues"}
	out := formatMarket(c, pool.Compute(300, 100, pool.DefaultParams()))

	assert.Contains(t, out, "Reds: 300 | 赔率 1.33 | 75%")
	assert.Contains(t, out, "Blues: 100 | 赔率 4.00 | 25%")
	assert.Contains(t, out, "奖池: 400")
}

func TestFormatReport(t *testing.T) {
	r := &model.SettlementReport{
		ContestID:   "c1",
		Outcome:     model.OutcomeA,
		TotalPool:   90,
		TotalPaid:   80,
		WinnersPaid: 1,
		Failures:    []model.StakeFailure{{StakeID: "s2"}},
		SettledAt:   time.Now(),
	}
	out := formatReport(r)
	assert.Contains(t, out, "派彩: 80")
	assert.Contains(t, out, "s2")

	r.AlreadySettled = true
	assert.Contains(t, formatReport(r), "无需重复操作")
}

func TestFormatHistory(t *testing.T) {
	out := formatHistory([]*model.LedgerEntry{
		{Direction: model.Debit, Category: model.CategoryStake, Amount: 40, BalanceAfter: 60},
		{Direction: model.Credit, Category: model.CategoryBonus, Amount: 100, BalanceAfter: 100},
	})
	assert.Contains(t, out, "投注 -40 → 60")
	assert.Contains(t, out, "奖励 +100 → 100")
}
