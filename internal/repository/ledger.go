package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peer-wager-bot/internal/model"
)

const ledgerColumns = `
	id, owner_id, direction, category, amount, balance_before, balance_after,
	reason, stake_id, idempotency_key, created_at`

// Mutation describes one balance change to apply through the ledger.
type Mutation struct {
	OwnerID        string
	Direction      model.Direction
	Category       model.Category
	Amount         int64
	Reason         string
	StakeID        *string
	IdempotencyKey string
}

// LedgerRepository applies balance mutations together with their append-only
// log entries.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var (
		e         model.LedgerEntry
		direction string
		category  string
	)
	err := row.Scan(
		&e.ID,
		&e.OwnerID,
		&direction,
		&category,
		&e.Amount,
		&e.BalanceBefore,
		&e.BalanceAfter,
		&e.Reason,
		&e.StakeID,
		&e.IdempotencyKey,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Direction = model.Direction(direction)
	e.Category = model.Category(category)
	return &e, nil
}

// Apply changes the account balance and appends the matching ledger entry in
// a single statement, so the two can never disagree. A debit only applies if
// the balance covers it.
//
// If an entry with the same idempotency key already exists, nothing changes
// and the existing entry is returned with replayed set.
//
// Returns ErrAccountNotFound or ErrInsufficientBalance when nothing applied.
func (r *LedgerRepository) Apply(ctx context.Context, m Mutation) (entry *model.LedgerEntry, replayed bool, err error) {
	if m.IdempotencyKey == "" {
		return nil, false, ErrIdempotencyKeyMissing
	}

	query := `
		WITH upd AS (
			UPDATE accounts
			SET balance = balance + $7::BIGINT, updated_at = NOW()
			WHERE owner_id = $1
			  AND balance + $7::BIGINT >= 0
			  AND NOT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $6)
			RETURNING balance - $7::BIGINT AS balance_before, balance AS balance_after
		)
		INSERT INTO ledger_entries (
			owner_id, direction, category, amount, balance_before, balance_after,
			reason, stake_id, idempotency_key, created_at
		)
		SELECT $1::VARCHAR, $2::VARCHAR, $3::VARCHAR, $4::BIGINT, balance_before, balance_after,
		       $5::TEXT, $8::VARCHAR, $6::VARCHAR, NOW()
		FROM upd
		RETURNING ` + ledgerColumns

	delta := m.Amount
	if m.Direction == model.Debit {
		delta = -m.Amount
	}

	entry, err = scanEntry(r.pool.QueryRow(ctx, query,
		m.OwnerID, string(m.Direction), string(m.Category), m.Amount,
		m.Reason, m.IdempotencyKey, delta, m.StakeID,
	))
	if err == nil {
		return entry, false, nil
	}

	if _, ok := uniqueViolation(err); !ok && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to apply ledger mutation: %w", err)
	}

	// Nothing applied: the key was already used, or the guard rejected it.
	existing, getErr := r.GetByKey(ctx, m.IdempotencyKey)
	if getErr == nil {
		return existing, true, nil
	}
	if !errors.Is(getErr, ErrLedgerEntryNotFound) {
		return nil, false, getErr
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE owner_id = $1)`, m.OwnerID,
	).Scan(&exists); err != nil {
		return nil, false, fmt.Errorf("failed to check account existence: %w", err)
	}
	if !exists {
		return nil, false, ErrAccountNotFound
	}
	return nil, false, ErrInsufficientBalance
}

// GetByKey retrieves the entry written for an idempotency key.
// Returns ErrLedgerEntryNotFound if no mutation used the key.
func (r *LedgerRepository) GetByKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE idempotency_key = $1`

	e, err := scanEntry(r.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	return e, nil
}

// ListByOwner returns an owner's most recent entries, newest first.
func (r *LedgerRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY id DESC
		LIMIT $2`

	return r.list(ctx, query, ownerID, limit)
}

// ListByOwnerAsc returns every entry of an owner in the order they were applied.
func (r *LedgerRepository) ListByOwnerAsc(ctx context.Context, ownerID string) ([]*model.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY id`

	return r.list(ctx, query, ownerID)
}

// FindOrphanedStakeDebits returns stake debits written before cutoff for which
// no stake row exists and no refund has been issued.
func (r *LedgerRepository) FindOrphanedStakeDebits(ctx context.Context, cutoff time.Time, limit int) ([]*model.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries l
		WHERE l.direction = 'debit'
		  AND l.category = 'stake'
		  AND l.stake_id IS NOT NULL
		  AND l.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM stakes s WHERE s.id = l.stake_id)
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries r
			WHERE r.idempotency_key = 'stake:' || l.stake_id || ':refund'
		  )
		ORDER BY l.id
		LIMIT $2`

	return r.list(ctx, query, cutoff, limit)
}

func (r *LedgerRepository) list(ctx context.Context, query string, args ...any) ([]*model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}
