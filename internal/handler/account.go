package handler

import (
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/service"
)

const (
	historyLimit = 10
	topLimit     = 10
)

// AccountHandler handles balance and ledger commands.
type AccountHandler struct {
	ledger *service.LedgerService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(ledger *service.LedgerService) *AccountHandler {
	return &AccountHandler{ledger: ledger}
}

// HandleStart handles the /start command.
// Creates the account and credits the welcome bonus on first use.
func (h *AccountHandler) HandleStart(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := requestContext()
	defer cancel()

	acc, created, err := h.ledger.EnsureAccount(ctx, ownerID(sender))
	if err != nil {
		return replyErr(c, "start", err)
	}

	name := sender.Username
	if name == "" {
		name = sender.FirstName
	}

	if created {
		return c.Reply(fmt.Sprintf(
			"🎉 欢迎 @%s！\n\n"+
				"您的账户已创建，初始金币: %d\n\n"+
				"可用命令:\n"+
				"/contests [关键词] - 赛事列表\n"+
				"/market <赛事ID> - 查看赔率\n"+
				"/stake <赛事ID> <A|B> <金额> - 投注\n"+
				"/mystakes - 我的投注\n"+
				"/balance - 查看余额\n"+
				"/history - 账单\n"+
				"/top - 富豪榜",
			name, acc.Balance,
		))
	}

	return c.Reply(fmt.Sprintf("👋 欢迎回来 @%s！\n\n当前余额: %d 金币", name, acc.Balance))
}

// HandleBalance handles the /balance command.
func (h *AccountHandler) HandleBalance(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := requestContext()
	defer cancel()

	balance, err := h.ledger.Balance(ctx, ownerID(sender))
	if err != nil {
		return replyErr(c, "balance", err)
	}
	return c.Reply(fmt.Sprintf("💰 当前余额: %d 金币", balance))
}

// HandleHistory handles the /history command.
func (h *AccountHandler) HandleHistory(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := requestContext()
	defer cancel()

	entries, err := h.ledger.History(ctx, ownerID(sender), historyLimit)
	if err != nil {
		return replyErr(c, "history", err)
	}
	if len(entries) == 0 {
		return c.Reply("📜 暂无账单记录")
	}
	return c.Reply(formatHistory(entries))
}

// HandleTop handles the /top command.
func (h *AccountHandler) HandleTop(c tele.Context) error {
	ctx, cancel := requestContext()
	defer cancel()

	accounts, err := h.ledger.Top(ctx, topLimit)
	if err != nil {
		return replyErr(c, "top", err)
	}
	if len(accounts) == 0 {
		return c.Reply("📊 暂无排行数据")
	}

	var sb strings.Builder
	sb.WriteString("🏆 富豪榜 TOP 10\n━━━━━━━━━━━━━━━\n")
	medals := []string{"🥇", "🥈", "🥉"}
	for i, acc := range accounts {
		rank := fmt.Sprintf("%d.", i+1)
		if i < len(medals) {
			rank = medals[i]
		}
		fmt.Fprintf(&sb, "%s User%s: %d\n", rank, acc.OwnerID, acc.Balance)
	}
	sb.WriteString("━━━━━━━━━━━━━━━")
	return c.Reply(sb.String())
}

func formatHistory(entries []*model.LedgerEntry) string {
	var sb strings.Builder
	sb.WriteString("📜 最近账单\n━━━━━━━━━━━━━━━\n")
	for _, e := range entries {
		sign := "+"
		if e.Direction == model.Debit {
			sign = "-"
		}
		fmt.Fprintf(&sb, "%s %s%d → %d  %s\n",
			categoryLabel(e.Category), sign, e.Amount, e.BalanceAfter, e.CreatedAt.Format("01-02 15:04"))
	}
	sb.WriteString("━━━━━━━━━━━━━━━")
	return sb.String()
}
