// Package config provides configuration management using viper.
// It supports loading from YAML files, an optional .env file and
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pool"
)

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
	Log       LogConfig       `mapstructure:"log"`
	Wager     WagerConfig     `mapstructure:"wager"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token string `mapstructure:"token"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// AdminConfig holds admin user configuration.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// WhitelistConfig holds chat whitelist configuration.
type WhitelistConfig struct {
	Chats []int64 `mapstructure:"chats"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// WagerConfig holds the staking and settlement rules.
// Odds are kept as strings so they survive YAML and env without float drift.
type WagerConfig struct {
	MinStake           int64         `mapstructure:"min_stake"`
	MaxStake           int64         `mapstructure:"max_stake"`
	OddsFloor          string        `mapstructure:"odds_floor"`
	OddsCeiling        string        `mapstructure:"odds_ceiling"`
	OddsDefault        string        `mapstructure:"odds_default"`
	PayoutPolicy       string        `mapstructure:"payout_policy"`
	WelcomeBonus       int64         `mapstructure:"welcome_bonus"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
	InsertRetries      int           `mapstructure:"insert_retries"`
	InsertRetryBackoff time.Duration `mapstructure:"insert_retry_backoff"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	ReconcileGrace     time.Duration `mapstructure:"reconcile_grace"`
}

// RedisConfig holds the market cache configuration. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	MarketTTL time.Duration `mapstructure:"market_ttl"`
	Channel   string        `mapstructure:"channel"`
}

// KafkaConfig holds event publishing configuration. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers          string `mapstructure:"brokers"`
	TopicStakes      string `mapstructure:"topic_stakes"`
	TopicSettlements string `mapstructure:"topic_settlements"`
}

// MetricsConfig holds the metrics server configuration. An empty Port disables it.
type MetricsConfig struct {
	Port string `mapstructure:"port"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// BrokerList splits the comma separated broker string.
func (k *KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// OddsParams parses the configured odds bounds.
func (w *WagerConfig) OddsParams() (pool.Params, error) {
	floor, err := decimal.NewFromString(w.OddsFloor)
	if err != nil {
		return pool.Params{}, fmt.Errorf("invalid wager.odds_floor %q: %w", w.OddsFloor, err)
	}
	def, err := decimal.NewFromString(w.OddsDefault)
	if err != nil {
		return pool.Params{}, fmt.Errorf("invalid wager.odds_default %q: %w", w.OddsDefault, err)
	}
	ceiling := decimal.Zero
	if w.OddsCeiling != "" {
		ceiling, err = decimal.NewFromString(w.OddsCeiling)
		if err != nil {
			return pool.Params{}, fmt.Errorf("invalid wager.odds_ceiling %q: %w", w.OddsCeiling, err)
		}
	}
	return pool.Params{Floor: floor, Ceiling: ceiling, Default: def}, nil
}

// Policy returns the configured payout policy.
func (w *WagerConfig) Policy() model.PayoutPolicy {
	return model.PayoutPolicy(strings.ToLower(w.PayoutPolicy))
}

// Validate checks the wager rules for internal consistency.
func (w *WagerConfig) Validate() error {
	if w.MinStake <= 0 {
		return errors.New("wager.min_stake must be positive")
	}
	if w.MaxStake < w.MinStake {
		return errors.New("wager.max_stake must not be below wager.min_stake")
	}
	if !w.Policy().Valid() {
		return fmt.Errorf("wager.payout_policy %q is not one of fixed_odds, parimutuel", w.PayoutPolicy)
	}
	p, err := w.OddsParams()
	if err != nil {
		return err
	}
	if !p.Floor.IsPositive() {
		return errors.New("wager.odds_floor must be positive")
	}
	if p.Default.LessThan(p.Floor) {
		return errors.New("wager.odds_default must not be below wager.odds_floor")
	}
	if p.Ceiling.IsPositive() && p.Ceiling.LessThan(p.Floor) {
		return errors.New("wager.odds_ceiling must not be below wager.odds_floor")
	}
	if w.WelcomeBonus < 0 {
		return errors.New("wager.welcome_bonus must not be negative")
	}
	return nil
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase
	// e.g., BOT_TOKEN, DATABASE_HOST, WAGER_PAYOUT_POLICY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Wager.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wager config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("bot.token", "")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "wager")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "wager")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("wager.min_stake", 1)
	v.SetDefault("wager.max_stake", 10000)
	v.SetDefault("wager.odds_floor", "1.10")
	v.SetDefault("wager.odds_ceiling", "50.00")
	v.SetDefault("wager.odds_default", "2.00")
	v.SetDefault("wager.payout_policy", string(model.PolicyFixedOdds))
	v.SetDefault("wager.welcome_bonus", 1000)
	v.SetDefault("wager.lock_timeout", "5s")
	v.SetDefault("wager.insert_retries", 3)
	v.SetDefault("wager.insert_retry_backoff", "100ms")
	v.SetDefault("wager.reconcile_interval", "1m")
	v.SetDefault("wager.reconcile_grace", "2m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.market_ttl", "10m")
	v.SetDefault("redis.channel", "market_updates")

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic_stakes", "stake.placed")
	v.SetDefault("kafka.topic_settlements", "contest.settled")

	v.SetDefault("metrics.port", "9095")
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsChatAllowed checks if a chat ID is in the whitelist.
func (c *Config) IsChatAllowed(chatID int64) bool {
	// Empty whitelist means all chats are allowed
	if len(c.Whitelist.Chats) == 0 {
		return true
	}
	for _, id := range c.Whitelist.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}
