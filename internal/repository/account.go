package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peer-wager-bot/internal/model"
)

// AccountRepository handles account rows. Balances are only changed through
// LedgerRepository so every change has a log entry.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// Ensure creates a zero-balance account for ownerID if it does not exist yet.
// It reports whether the account was created by this call.
func (r *AccountRepository) Ensure(ctx context.Context, ownerID string) (*model.Account, bool, error) {
	const query = `
		INSERT INTO accounts (owner_id, balance, created_at, updated_at)
		VALUES ($1, 0, NOW(), NOW())
		ON CONFLICT (owner_id) DO NOTHING
		RETURNING owner_id, balance, created_at, updated_at
	`

	var acc model.Account
	err := r.pool.QueryRow(ctx, query, ownerID).Scan(
		&acc.OwnerID,
		&acc.Balance,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err == nil {
		return &acc, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	// Already existed.
	existing, err := r.GetByID(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID retrieves an account by owner id.
// Returns ErrAccountNotFound if the account does not exist.
func (r *AccountRepository) GetByID(ctx context.Context, ownerID string) (*model.Account, error) {
	const query = `
		SELECT owner_id, balance, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1
	`

	var acc model.Account
	err := r.pool.QueryRow(ctx, query, ownerID).Scan(
		&acc.OwnerID,
		&acc.Balance,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &acc, nil
}

// GetTop retrieves the top N accounts by balance.
func (r *AccountRepository) GetTop(ctx context.Context, limit int) ([]*model.Account, error) {
	const query = `
		SELECT owner_id, balance, created_at, updated_at
		FROM accounts
		ORDER BY balance DESC, owner_id
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		var acc model.Account
		if err := rows.Scan(&acc.OwnerID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &acc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}
