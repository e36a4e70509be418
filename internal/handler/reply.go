// Package handler provides Telegram bot command handlers.
// Handlers parse arguments, call one service operation and format the reply.
package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/service"
)

const requestTimeout = 15 * time.Second

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// ownerID is the ledger owner id of a Telegram user.
func ownerID(u *tele.User) string {
	return strconv.FormatInt(u.ID, 10)
}

// errorReply turns a service error into a user-facing message.
func errorReply(err error) string {
	switch service.Kind(err) {
	case "invalid_target":
		return "❌ 赛事或选项不存在"
	case "invalid_amount":
		return "❌ 金额无效"
	case "duplicate_stake":
		return "❌ 您在该赛事已有未结算的投注"
	case "insufficient_funds":
		return "❌ 余额不足"
	case "contest_closed":
		return "❌ 该赛事当前不接受此操作"
	case "already_settled":
		return "❌ 该赛事已按其他结果结算"
	case "partial_settlement":
		return "⚠️ 部分投注结算失败，请重新执行结算"
	case "contest_has_stakes":
		return "❌ 该赛事已有投注，无法取消"
	case "storage_unavailable":
		return "❌ 服务暂时不可用，请稍后重试"
	default:
		return "❌ 发生内部错误，请稍后重试"
	}
}

// replyErr logs unexpected failures and replies with errorReply.
func replyErr(c tele.Context, op string, err error) error {
	switch service.Kind(err) {
	case "storage_unavailable", "internal", "partial_settlement":
		log.Error().Err(err).Str("op", op).Msg("Command failed")
	default:
		log.Debug().Err(err).Str("op", op).Msg("Command rejected")
	}
	return c.Reply(errorReply(err))
}

func outcomeLabel(c *model.Contest, o model.Outcome) string {
	return fmt.Sprintf("%s (%s)", c.OutcomeName(o), o)
}

// formatMarket renders the pools, odds and split of a contest.
func formatMarket(c *model.Contest, m model.Market) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 %s [%s]\n", c.Title, c.ID)
	sb.WriteString("━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&sb, "🅰️ %s: %d | 赔率 %s | %d%%\n", c.OutcomeA, m.PoolA, m.OddsA.StringFixed(2), m.PercentA)
	fmt.Fprintf(&sb, "🅱️ %s: %d | 赔率 %s | %d%%\n", c.OutcomeB, m.PoolB, m.OddsB.StringFixed(2), m.PercentB)
	fmt.Fprintf(&sb, "💰 奖池: %d\n", m.TotalPool)
	sb.WriteString("━━━━━━━━━━━━━━━")
	return sb.String()
}

func statusLabel(s model.ContestStatus) string {
	switch s {
	case model.ContestUpcoming:
		return "即将开始"
	case model.ContestOpen:
		return "投注中"
	case model.ContestSettling:
		return "结算中"
	case model.ContestCompleted:
		return "已结算"
	case model.ContestCancelled:
		return "已取消"
	default:
		return string(s)
	}
}

func stakeStatusLabel(s model.StakeStatus) string {
	switch s {
	case model.StakeOpen:
		return "⏳ 待结算"
	case model.StakeWon:
		return "✅ 赢"
	case model.StakeLost:
		return "❌ 输"
	default:
		return string(s)
	}
}

func categoryLabel(c model.Category) string {
	switch c {
	case model.CategoryStake:
		return "投注"
	case model.CategoryPayout:
		return "派彩"
	case model.CategoryBonus:
		return "奖励"
	case model.CategoryPurchase:
		return "充值"
	case model.CategoryAdjustment:
		return "调整"
	default:
		return string(c)
	}
}
