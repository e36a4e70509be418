package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/service"
)

// AdminHandler handles contest administration, settlement and manual credits.
// Access is checked by the admin middleware.
type AdminHandler struct {
	contests   *service.ContestService
	settlement *service.SettlementService
	ledger     *service.LedgerService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(contests *service.ContestService, settlement *service.SettlementService, ledger *service.LedgerService) *AdminHandler {
	return &AdminHandler{
		contests:   contests,
		settlement: settlement,
		ledger:     ledger,
	}
}

// HandleContestNew handles the /contest_new command.
// Format: /contest_new <outcome_a> <outcome_b> [title...]
// Outcome names with spaces use underscores, which are shown as spaces.
func (h *AdminHandler) HandleContestNew(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return c.Reply("❌ 用法: /contest_new <选项A> <选项B> [标题]")
	}

	draft := service.ContestDraft{
		OutcomeA: strings.ReplaceAll(args[0], "_", " "),
		OutcomeB: strings.ReplaceAll(args[1], "_", " "),
		Title:    strings.Join(args[2:], " "),
		Open:     true,
	}

	ctx, cancel := requestContext()
	defer cancel()

	contest, err := h.contests.Create(ctx, draft)
	if err != nil {
		return replyErr(c, "contest_new", err)
	}

	h.audit(c, "contest_new").Str("contest_id", contest.ID).Msg("Admin operation executed")
	return c.Reply(fmt.Sprintf(
		"✅ 赛事已创建\n\n"+
			"🆔 %s\n"+
			"📌 %s\n"+
			"A: %s\n"+
			"B: %s",
		contest.ID, contest.Title, contest.OutcomeA, contest.OutcomeB,
	))
}

// HandleContestOpen handles the /contest_open command.
// Format: /contest_open <contest_id>
func (h *AdminHandler) HandleContestOpen(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("❌ 用法: /contest_open <赛事ID>")
	}
	ctx, cancel := requestContext()
	defer cancel()

	if err := h.contests.Open(ctx, args[0]); err != nil {
		return replyErr(c, "contest_open", err)
	}
	h.audit(c, "contest_open").Str("contest_id", args[0]).Msg("Admin operation executed")
	return c.Reply(fmt.Sprintf("✅ 赛事 %s 已开放投注", args[0]))
}

// HandleContestCancel handles the /contest_cancel command.
// Format: /contest_cancel <contest_id>
func (h *AdminHandler) HandleContestCancel(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("❌ 用法: /contest_cancel <赛事ID>")
	}
	ctx, cancel := requestContext()
	defer cancel()

	if err := h.contests.Cancel(ctx, args[0]); err != nil {
		return replyErr(c, "contest_cancel", err)
	}
	h.audit(c, "contest_cancel").Str("contest_id", args[0]).Msg("Admin operation executed")
	return c.Reply(fmt.Sprintf("✅ 赛事 %s 已取消", args[0]))
}

// HandleSettle handles the /settle command.
// Format: /settle <contest_id> <A|B>
func (h *AdminHandler) HandleSettle(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Reply("❌ 用法: /settle <赛事ID> <A|B>")
	}
	outcome, err := service.ParseOutcome(args[1])
	if err != nil {
		return c.Reply("❌ 结果必须是 A 或 B")
	}

	ctx, cancel := requestContext()
	defer cancel()

	report, err := h.settlement.DeclareOutcome(ctx, args[0], outcome)
	h.audit(c, "settle").
		Str("contest_id", args[0]).
		Str("outcome", string(outcome)).
		Err(err).
		Msg("Admin operation executed")

	if report == nil {
		return replyErr(c, "settle", err)
	}

	// A partial run or a failed close still settled stakes; show what happened.
	msg := formatReport(report)
	if err != nil {
		msg += "\n\n" + errorReply(err)
	}
	return c.Reply(msg)
}

// HandleCredit handles the /credit command.
// Format: /credit <user_id> <amount> [reason...]
func (h *AdminHandler) HandleCredit(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return c.Reply("❌ 用法: /credit <用户ID> <金额> [备注]")
	}
	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("❌ 无效的用户ID")
	}
	amount, err := service.ParseAmount(args[1])
	if err != nil || amount <= 0 {
		return c.Reply("❌ 金额必须大于 0")
	}
	reason := strings.Join(args[2:], " ")
	if reason == "" {
		reason = fmt.Sprintf("admin %d credit", c.Sender().ID)
	}

	ctx, cancel := requestContext()
	defer cancel()

	entry, err := h.ledger.Credit(ctx, strconv.FormatInt(target, 10), amount, model.CategoryPurchase, reason, service.Ref{})
	if err != nil {
		return replyErr(c, "credit", err)
	}

	h.audit(c, "credit").
		Int64("target_id", target).
		Int64("amount", amount).
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf(
		"✅ 操作成功\n\n"+
			"👤 用户ID: %d\n"+
			"➕ 添加: %d 金币\n"+
			"💰 当前余额: %d 金币",
		target, amount, entry.BalanceAfter,
	))
}

// HandleVerify handles the /verify command.
// Format: /verify <user_id>
func (h *AdminHandler) HandleVerify(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("❌ 用法: /verify <用户ID>")
	}
	ctx, cancel := requestContext()
	defer cancel()

	report, err := h.ledger.Verify(ctx, args[0])
	if err != nil {
		return replyErr(c, "verify", err)
	}
	if report.OK {
		return c.Reply(fmt.Sprintf("✅ 账本一致\n\n条目: %d\n余额: %d", report.Entries, report.Balance))
	}
	return c.Reply(fmt.Sprintf(
		"⚠️ 账本不一致\n\n条目: %d\n余额: %d\n重放: %d\n问题: %s",
		report.Entries, report.Balance, report.Replayed, report.Problem,
	))
}

func (h *AdminHandler) audit(c tele.Context, op string) *zerolog.Event {
	ev := log.Info().Str("operation", op)
	if s := c.Sender(); s != nil {
		ev = ev.Int64("admin_id", s.ID)
	}
	return ev
}

func formatReport(r *model.SettlementReport) string {
	if r.AlreadySettled {
		return fmt.Sprintf("ℹ️ 赛事 %s 已按 %s 结算，无需重复操作", r.ContestID, r.Outcome)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🏁 赛事 %s 结算结果: %s\n", r.ContestID, r.Outcome)
	sb.WriteString("━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&sb, "💰 奖池: %d\n", r.TotalPool)
	fmt.Fprintf(&sb, "💸 派彩: %d\n", r.TotalPaid)
	fmt.Fprintf(&sb, "✅ 赢家: %d\n", r.WinnersPaid)
	fmt.Fprintf(&sb, "❌ 输家: %d\n", r.LosersSettled)
	if r.Skipped > 0 {
		fmt.Fprintf(&sb, "⏭ 已处理: %d\n", r.Skipped)
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(&sb, "⚠️ 失败: %d\n", len(r.Failures))
		for _, id := range r.FailedStakeIDs() {
			fmt.Fprintf(&sb, "  • %s\n", id)
		}
	}
	sb.WriteString("━━━━━━━━━━━━━━━")
	return sb.String()
}
