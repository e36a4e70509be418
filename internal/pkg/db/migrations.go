package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Execer is satisfied by *pgxpool.Pool, *Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OpenStakeIndex is the partial unique index allowing at most one open stake
// per (owner, contest). Repositories match on its name to report duplicates.
const OpenStakeIndex = "ux_stakes_open_owner_contest"

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "contests table",
		sql: `
			CREATE TABLE IF NOT EXISTS contests (
				id VARCHAR(32) PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				outcome_a TEXT NOT NULL,
				outcome_b TEXT NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'upcoming'
					CHECK (status IN ('upcoming', 'open', 'settling', 'completed', 'cancelled')),
				pool_a BIGINT NOT NULL DEFAULT 0 CHECK (pool_a >= 0),
				pool_b BIGINT NOT NULL DEFAULT 0 CHECK (pool_b >= 0),
				total_pool BIGINT NOT NULL DEFAULT 0,
				odds_a NUMERIC(10,2) NOT NULL DEFAULT 2.00,
				odds_b NUMERIC(10,2) NOT NULL DEFAULT 2.00,
				percent_a INT NOT NULL DEFAULT 50,
				percent_b INT NOT NULL DEFAULT 50,
				declared_outcome CHAR(1) CHECK (declared_outcome IN ('A', 'B')),
				settled_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CHECK (total_pool = pool_a + pool_b),
				CHECK (percent_a + percent_b = 100)
			);
			CREATE INDEX IF NOT EXISTS idx_contests_status ON contests(status, created_at DESC);
		`,
	},
	{
		name: "stakes table",
		sql: `
			CREATE TABLE IF NOT EXISTS stakes (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(64) NOT NULL,
				contest_id VARCHAR(32) NOT NULL REFERENCES contests(id),
				outcome CHAR(1) NOT NULL CHECK (outcome IN ('A', 'B')),
				amount BIGINT NOT NULL CHECK (amount > 0),
				odds NUMERIC(10,2) NOT NULL,
				status VARCHAR(8) NOT NULL DEFAULT 'open'
					CHECK (status IN ('open', 'won', 'lost')),
				payout BIGINT NOT NULL DEFAULT 0 CHECK (payout >= 0),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				settled_at TIMESTAMPTZ
			);
			CREATE INDEX IF NOT EXISTS idx_stakes_contest_status ON stakes(contest_id, status);
			CREATE INDEX IF NOT EXISTS idx_stakes_owner_time ON stakes(owner_id, created_at DESC);
			CREATE UNIQUE INDEX IF NOT EXISTS ` + OpenStakeIndex + `
				ON stakes(owner_id, contest_id) WHERE status = 'open';
		`,
	},
	{
		name: "accounts table",
		sql: `
			CREATE TABLE IF NOT EXISTS accounts (
				owner_id VARCHAR(64) PRIMARY KEY,
				balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		name: "ledger_entries table",
		sql: `
			CREATE TABLE IF NOT EXISTS ledger_entries (
				id BIGSERIAL PRIMARY KEY,
				owner_id VARCHAR(64) NOT NULL REFERENCES accounts(owner_id),
				direction VARCHAR(8) NOT NULL CHECK (direction IN ('credit', 'debit')),
				category VARCHAR(16) NOT NULL,
				amount BIGINT NOT NULL CHECK (amount > 0),
				balance_before BIGINT NOT NULL,
				balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
				reason TEXT NOT NULL DEFAULT '',
				stake_id VARCHAR(64),
				idempotency_key VARCHAR(128) NOT NULL UNIQUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_ledger_owner ON ledger_entries(owner_id, id);
			CREATE INDEX IF NOT EXISTS idx_ledger_stake ON ledger_entries(stake_id) WHERE stake_id IS NOT NULL;
		`,
	},
}

// Migrate creates the schema. Every statement is idempotent so it runs on
// each start.
func Migrate(ctx context.Context, db Execer) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Info().Msgf("Migration %d: %s created", i+1, m.name)
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}
