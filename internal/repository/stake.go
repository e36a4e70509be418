package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pkg/db"
)

const stakeColumns = `
	id, owner_id, contest_id, outcome, amount, odds, status, payout, created_at, settled_at`

// StakeRepository handles stake record persistence.
type StakeRepository struct {
	pool *pgxpool.Pool
}

// NewStakeRepository creates a new StakeRepository instance.
func NewStakeRepository(pool *pgxpool.Pool) *StakeRepository {
	return &StakeRepository{pool: pool}
}

func scanStake(row pgx.Row) (*model.Stake, error) {
	var (
		s       model.Stake
		outcome string
		status  string
	)
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.ContestID,
		&outcome,
		&s.Amount,
		&s.Odds,
		&status,
		&s.Payout,
		&s.CreatedAt,
		&s.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	s.Outcome = model.Outcome(strings.TrimSpace(outcome))
	s.Status = model.StakeStatus(status)
	return &s, nil
}

// Insert stores a new open stake. Inserting the same id twice is a no-op, so
// the call can be retried after an ambiguous failure. Returns
// ErrDuplicateOpenStake if the owner already has another open stake on the
// contest.
func (r *StakeRepository) Insert(ctx context.Context, s *model.Stake) error {
	const query = `
		INSERT INTO stakes (id, owner_id, contest_id, outcome, amount, odds, status, payout, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'open', 0, $7)
		ON CONFLICT (id) DO NOTHING
	`

	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.pool.Exec(ctx, query,
		s.ID, s.OwnerID, s.ContestID, string(s.Outcome), s.Amount, s.Odds, createdAt)
	if err != nil {
		if name, ok := uniqueViolation(err); ok && name == db.OpenStakeIndex {
			return ErrDuplicateOpenStake
		}
		return fmt.Errorf("failed to insert stake: %w", err)
	}

	return nil
}

// GetByID retrieves a stake by id.
// Returns ErrStakeNotFound if the stake does not exist.
func (r *StakeRepository) GetByID(ctx context.Context, id string) (*model.Stake, error) {
	query := `SELECT ` + stakeColumns + ` FROM stakes WHERE id = $1`

	s, err := scanStake(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStakeNotFound
		}
		return nil, fmt.Errorf("failed to get stake: %w", err)
	}

	return s, nil
}

// FindOpen returns the owner's open stake on a contest.
// Returns ErrStakeNotFound if there is none.
func (r *StakeRepository) FindOpen(ctx context.Context, ownerID, contestID string) (*model.Stake, error) {
	query := `
		SELECT ` + stakeColumns + `
		FROM stakes
		WHERE owner_id = $1 AND contest_id = $2 AND status = 'open'`

	s, err := scanStake(r.pool.QueryRow(ctx, query, ownerID, contestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStakeNotFound
		}
		return nil, fmt.Errorf("failed to find open stake: %w", err)
	}

	return s, nil
}

// ListByContest returns every stake of a contest in placement order.
func (r *StakeRepository) ListByContest(ctx context.Context, contestID string) ([]*model.Stake, error) {
	query := `
		SELECT ` + stakeColumns + `
		FROM stakes
		WHERE contest_id = $1
		ORDER BY created_at, id`

	return r.list(ctx, query, contestID)
}

// ListByOwner returns an owner's stakes, newest first.
func (r *StakeRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Stake, error) {
	query := `
		SELECT ` + stakeColumns + `
		FROM stakes
		WHERE owner_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`

	return r.list(ctx, query, ownerID, limit)
}

func (r *StakeRepository) list(ctx context.Context, query string, args ...any) ([]*model.Stake, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stakes: %w", err)
	}
	defer rows.Close()

	var stakes []*model.Stake
	for rows.Next() {
		s, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stake: %w", err)
		}
		stakes = append(stakes, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stakes: %w", err)
	}

	return stakes, nil
}

// MarkSettled records the result of an open stake.
// Returns ErrStakeNotOpen if the stake was already settled, so a re-run never
// overwrites an earlier result.
func (r *StakeRepository) MarkSettled(ctx context.Context, id string, status model.StakeStatus, payout int64, settledAt time.Time) error {
	const query = `
		UPDATE stakes
		SET status = $2, payout = $3, settled_at = $4
		WHERE id = $1 AND status = 'open'
	`

	result, err := r.pool.Exec(ctx, query, id, string(status), payout, settledAt)
	if err != nil {
		return fmt.Errorf("failed to mark stake settled: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrStakeNotOpen
	}
	return nil
}

// SumOpen returns the per-outcome totals of a contest's open stakes.
func (r *StakeRepository) SumOpen(ctx context.Context, contestID string) (poolA, poolB int64, err error) {
	const query = `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE outcome = 'A'), 0)::BIGINT,
			COALESCE(SUM(amount) FILTER (WHERE outcome = 'B'), 0)::BIGINT
		FROM stakes
		WHERE contest_id = $1 AND status = 'open'
	`

	if err := r.pool.QueryRow(ctx, query, contestID).Scan(&poolA, &poolB); err != nil {
		return 0, 0, fmt.Errorf("failed to sum open stakes: %w", err)
	}
	return poolA, poolB, nil
}

// CountByContest returns how many stakes of any status a contest has.
func (r *StakeRepository) CountByContest(ctx context.Context, contestID string) (int, error) {
	const query = `SELECT COUNT(*) FROM stakes WHERE contest_id = $1`

	var n int
	if err := r.pool.QueryRow(ctx, query, contestID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stakes: %w", err)
	}
	return n, nil
}
