// Package bot provides the Telegram bot initialization and handler registration.
package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"peer-wager-bot/internal/config"
	"peer-wager-bot/internal/handler"
	"peer-wager-bot/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	accountHandler *handler.AccountHandler
	wagerHandler   *handler.WagerHandler
	adminHandler   *handler.AdminHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config            *config.Config
	LedgerService     *service.LedgerService
	ContestService    *service.ContestService
	MarketService     *service.MarketService
	StakeService      *service.StakeService
	SettlementService *service.SettlementService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:            teleBot,
		cfg:            deps.Config,
		accountHandler: handler.NewAccountHandler(deps.LedgerService),
		wagerHandler:   handler.NewWagerHandler(deps.ContestService, deps.MarketService, deps.StakeService),
		adminHandler:   handler.NewAdminHandler(deps.ContestService, deps.SettlementService, deps.LedgerService),
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(WhitelistMiddleware(b.cfg))
	b.bot.Use(LoggingMiddleware())
}

func (b *Bot) registerHandlers() {
	// Account
	b.bot.Handle("/start", b.accountHandler.HandleStart)
	b.bot.Handle("/balance", b.accountHandler.HandleBalance)
	b.bot.Handle("/history", b.accountHandler.HandleHistory)
	b.bot.Handle("/top", b.accountHandler.HandleTop)

	// Wagering
	b.bot.Handle("/contests", b.wagerHandler.HandleContests)
	b.bot.Handle("/market", b.wagerHandler.HandleMarket)
	b.bot.Handle("/stake", b.wagerHandler.HandleStake)
	b.bot.Handle("/mystakes", b.wagerHandler.HandleMyStakes)

	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/contest_new", b.adminHandler.HandleContestNew)
	adminGroup.Handle("/contest_open", b.adminHandler.HandleContestOpen)
	adminGroup.Handle("/contest_cancel", b.adminHandler.HandleContestCancel)
	adminGroup.Handle("/settle", b.adminHandler.HandleSettle)
	adminGroup.Handle("/credit", b.adminHandler.HandleCredit)
	adminGroup.Handle("/verify", b.adminHandler.HandleVerify)
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
