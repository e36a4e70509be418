package handler

import (
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/service"
)

const (
	contestListLimit = 10
	myStakesLimit    = 10
)

// WagerHandler handles contest browsing and stake placement.
type WagerHandler struct {
	contests *service.ContestService
	markets  *service.MarketService
	stakes   *service.StakeService
}

// NewWagerHandler creates a new WagerHandler.
func NewWagerHandler(contests *service.ContestService, markets *service.MarketService, stakes *service.StakeService) *WagerHandler {
	return &WagerHandler{
		contests: contests,
		markets:  markets,
		stakes:   stakes,
	}
}

// HandleContests handles the /contests command.
// Format: /contests [keyword]
func (h *WagerHandler) HandleContests(c tele.Context) error {
	ctx, cancel := requestContext()
	defer cancel()

	list, err := h.contests.Search(ctx, strings.Join(c.Args(), " "), contestListLimit)
	if err != nil {
		return replyErr(c, "contests", err)
	}
	if len(list) == 0 {
		return c.Reply("📭 暂无可投注的赛事")
	}

	var sb strings.Builder
	sb.WriteString("🏟 赛事列表\n━━━━━━━━━━━━━━━\n")
	for _, ct := range list {
		fmt.Fprintf(&sb, "[%s] %s\n  A: %s | B: %s | %s\n",
			ct.ID, ct.Title, ct.OutcomeA, ct.OutcomeB, statusLabel(ct.Status))
	}
	sb.WriteString("━━━━━━━━━━━━━━━\n使用 /market <赛事ID> 查看赔率")
	return c.Reply(sb.String())
}

// HandleMarket handles the /market command.
// Format: /market <contest_id>
func (h *WagerHandler) HandleMarket(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("❌ 用法: /market <赛事ID>")
	}
	ctx, cancel := requestContext()
	defer cancel()

	contest, err := h.markets.GetContest(ctx, args[0])
	if err != nil {
		return replyErr(c, "market", err)
	}
	m, err := h.markets.GetContestMarket(ctx, contest.ID)
	if err != nil {
		return replyErr(c, "market", err)
	}
	return c.Reply(formatMarket(contest, m) + "\n状态: " + statusLabel(contest.Status))
}

// HandleStake handles the /stake command.
// Format: /stake <contest_id> <A|B> <amount>
func (h *WagerHandler) HandleStake(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	req, err := parseStakeArgs(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	req.OwnerID = ownerID(sender)

	ctx, cancel := requestContext()
	defer cancel()

	receipt, err := h.stakes.PlaceStake(ctx, req)
	if err != nil {
		return replyErr(c, "stake", err)
	}

	st := receipt.Stake
	return c.Reply(fmt.Sprintf(
		"✅ 投注成功\n\n"+
			"🎯 选项: %s\n"+
			"💵 金额: %d\n"+
			"📈 赔率: %s\n"+
			"💰 余额: %d\n\n"+
			"当前赔率 A %s / B %s (%d%% : %d%%)",
		st.Outcome, st.Amount, st.Odds.StringFixed(2), receipt.Balance,
		receipt.Market.OddsA.StringFixed(2), receipt.Market.OddsB.StringFixed(2),
		receipt.Market.PercentA, receipt.Market.PercentB,
	))
}

// HandleMyStakes handles the /mystakes command.
func (h *WagerHandler) HandleMyStakes(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := requestContext()
	defer cancel()

	stakes, err := h.markets.GetOwnerStakes(ctx, ownerID(sender), myStakesLimit)
	if err != nil {
		return replyErr(c, "mystakes", err)
	}
	if len(stakes) == 0 {
		return c.Reply("📭 您还没有投注记录")
	}
	return c.Reply(formatStakes(stakes))
}

// parseStakeArgs parses "<contest_id> <A|B> <amount>".
func parseStakeArgs(args []string) (service.PlaceStakeRequest, error) {
	if len(args) != 3 {
		return service.PlaceStakeRequest{}, fmt.Errorf("❌ 用法: /stake <赛事ID> <A|B> <金额>")
	}
	outcome, err := service.ParseOutcome(args[1])
	if err != nil {
		return service.PlaceStakeRequest{}, fmt.Errorf("❌ 选项必须是 A 或 B")
	}
	amount, err := service.ParseAmount(args[2])
	if err != nil {
		return service.PlaceStakeRequest{}, fmt.Errorf("❌ 金额必须是数字")
	}
	return service.PlaceStakeRequest{
		ContestID: args[0],
		Outcome:   outcome,
		Amount:    amount,
	}, nil
}

func formatStakes(stakes []*model.Stake) string {
	var sb strings.Builder
	sb.WriteString("🎫 我的投注\n━━━━━━━━━━━━━━━\n")
	for _, st := range stakes {
		fmt.Fprintf(&sb, "[%s] %s %d @ %s %s", st.ContestID, st.Outcome, st.Amount, st.Odds.StringFixed(2), stakeStatusLabel(st.Status))
		if st.Status == model.StakeWon {
			fmt.Fprintf(&sb, " +%d", st.Payout)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("━━━━━━━━━━━━━━━")
	return sb.String()
}
