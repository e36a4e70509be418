// Package main is the entry point for the peer wagering bot.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"peer-wager-bot/internal/bot"
	"peer-wager-bot/internal/cache"
	"peer-wager-bot/internal/config"
	"peer-wager-bot/internal/events"
	"peer-wager-bot/internal/metrics"
	"peer-wager-bot/internal/pkg/db"
	"peer-wager-bot/internal/pkg/lock"
	"peer-wager-bot/internal/repository"
	"peer-wager-bot/internal/service"
)

type publisher interface {
	service.EventPublisher
	io.Closer
}

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(cfg.Log)
	log.Info().Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := db.Migrate(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	params, err := cfg.Wager.OddsParams()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid odds configuration")
	}

	// Repositories
	contestRepo := repository.NewContestRepository(dbPool.Pool)
	stakeRepo := repository.NewStakeRepository(dbPool.Pool)
	accountRepo := repository.NewAccountRepository(dbPool.Pool)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)

	var marketCache service.MarketCache = cache.Nop{}
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer rdb.Close()
		marketCache = cache.NewMarketCache(rdb, cfg.Redis.MarketTTL, cfg.Redis.Channel)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Market cache enabled")
	}

	var pub publisher = events.Nop{}
	if brokers := cfg.Kafka.BrokerList(); len(brokers) > 0 {
		pub = events.NewKafkaPublisher(brokers, cfg.Kafka.TopicStakes, cfg.Kafka.TopicSettlements)
		log.Info().Strs("brokers", brokers).Msg("Event publishing enabled")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close event publisher")
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)
	locks := lock.NewKeyLock()
	lockTimeout := cfg.Wager.LockTimeout

	// Services
	ledgerService := service.NewLedgerService(accountRepo, ledgerRepo, locks, lockTimeout, cfg.Wager.WelcomeBonus, m)
	marketService := service.NewMarketService(contestRepo, stakeRepo, marketCache, locks, lockTimeout, params)
	stakeService := service.NewStakeService(contestRepo, stakeRepo, ledgerService, marketService, pub, locks, service.StakeRules{
		MinStake:           cfg.Wager.MinStake,
		MaxStake:           cfg.Wager.MaxStake,
		Odds:               params,
		LockTimeout:        lockTimeout,
		InsertRetries:      cfg.Wager.InsertRetries,
		InsertRetryBackoff: cfg.Wager.InsertRetryBackoff,
	}, m)
	settlementService := service.NewSettlementService(contestRepo, stakeRepo, ledgerService, marketService, pub, locks, lockTimeout, cfg.Wager.Policy(), m)
	contestService := service.NewContestService(contestRepo, stakeRepo, marketCache, locks, lockTimeout, params)
	reconciler := service.NewReconciler(stakeRepo, ledgerRepo, ledgerService, m)

	log.Info().
		Str("payout_policy", string(settlementService.Policy())).
		Str("odds_floor", params.Floor.StringFixed(2)).
		Int64("min_stake", cfg.Wager.MinStake).
		Int64("max_stake", cfg.Wager.MaxStake).
		Msg("Wagering engine ready")

	telegramBot, err := bot.New(&bot.Dependencies{
		Config:            cfg,
		LedgerService:     ledgerService,
		ContestService:    contestService,
		MarketService:     marketService,
		StakeService:      stakeService,
		SettlementService: settlementService,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runBot(gctx, telegramBot)
	})

	g.Go(func() error {
		return reconciler.Run(gctx, cfg.Wager.ReconcileInterval, cfg.Wager.ReconcileGrace)
	})

	if cfg.Metrics.Port != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, ":"+cfg.Metrics.Port, prometheus.DefaultGatherer, func(ctx context.Context) error {
				return dbPool.HealthCheck(ctx, 2*time.Second)
			})
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Shutting down after error")
	}
	log.Info().Msg("Bot stopped gracefully")
}

// errBotStopped reports that polling ended while the process was still meant
// to be running.
var errBotStopped = errors.New("bot stopped polling")

type poller interface {
	Start()
	Stop()
}

// runBot polls until ctx is done. If polling ends on its own it returns
// errBotStopped so the rest of the process shuts down too.
func runBot(ctx context.Context, b poller) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.Stop()
		case <-done:
		}
	}()

	b.Start()
	close(done)

	if ctx.Err() == nil {
		return errBotStopped
	}
	return nil
}

func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
