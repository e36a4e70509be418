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
)

const contestColumns = `
	id, title, outcome_a, outcome_b, status,
	pool_a, pool_b, total_pool, odds_a, odds_b, percent_a, percent_b,
	declared_outcome, settled_at, created_at, updated_at`

// ContestRepository handles contest persistence, including the cached market
// fields derived from the stake pools.
type ContestRepository struct {
	pool *pgxpool.Pool
}

// NewContestRepository creates a new ContestRepository instance.
func NewContestRepository(pool *pgxpool.Pool) *ContestRepository {
	return &ContestRepository{pool: pool}
}

func scanContest(row pgx.Row) (*model.Contest, error) {
	var (
		c        model.Contest
		status   string
		declared *string
	)
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.OutcomeA,
		&c.OutcomeB,
		&status,
		&c.Market.PoolA,
		&c.Market.PoolB,
		&c.Market.TotalPool,
		&c.Market.OddsA,
		&c.Market.OddsB,
		&c.Market.PercentA,
		&c.Market.PercentB,
		&declared,
		&c.SettledAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.ContestStatus(status)
	if declared != nil {
		o := model.Outcome(strings.TrimSpace(*declared))
		c.DeclaredOutcome = &o
	}
	return &c, nil
}

// Create inserts a new contest. The caller supplies the id and the initial
// market. Returns ErrContestExists if the id is taken.
func (r *ContestRepository) Create(ctx context.Context, c *model.Contest) (*model.Contest, error) {
	const query = `
		INSERT INTO contests (
			id, title, outcome_a, outcome_b, status,
			pool_a, pool_b, total_pool, odds_a, odds_b, percent_a, percent_b,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING ` + contestColumns

	m := c.Market
	created, err := scanContest(r.pool.QueryRow(ctx, query,
		c.ID, c.Title, c.OutcomeA, c.OutcomeB, string(c.Status),
		m.PoolA, m.PoolB, m.TotalPool, m.OddsA, m.OddsB, m.PercentA, m.PercentB,
	))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return nil, ErrContestExists
		}
		return nil, fmt.Errorf("failed to create contest: %w", err)
	}

	return created, nil
}

// GetByID retrieves a contest by id.
// Returns ErrContestNotFound if the contest does not exist.
func (r *ContestRepository) GetByID(ctx context.Context, id string) (*model.Contest, error) {
	query := `SELECT ` + contestColumns + ` FROM contests WHERE id = $1`

	c, err := scanContest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContestNotFound
		}
		return nil, fmt.Errorf("failed to get contest: %w", err)
	}

	return c, nil
}

// ListByStatus returns contests in any of the given statuses, newest first.
func (r *ContestRepository) ListByStatus(ctx context.Context, statuses []model.ContestStatus, limit int) ([]*model.Contest, error) {
	query := `
		SELECT ` + contestColumns + `
		FROM contests
		WHERE status = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2`

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	return r.list(ctx, query, names, limit)
}

// Search finds upcoming or open contests whose title or outcome names contain
// text, case-insensitively.
func (r *ContestRepository) Search(ctx context.Context, text string, limit int) ([]*model.Contest, error) {
	query := `
		SELECT ` + contestColumns + `
		FROM contests
		WHERE status IN ('upcoming', 'open')
		  AND (title ILIKE $1 OR outcome_a ILIKE $1 OR outcome_b ILIKE $1)
		ORDER BY created_at DESC
		LIMIT $2`

	return r.list(ctx, query, "%"+escapeLike(text)+"%", limit)
}

func (r *ContestRepository) list(ctx context.Context, query string, args ...any) ([]*model.Contest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contests: %w", err)
	}
	defer rows.Close()

	var contests []*model.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contest: %w", err)
		}
		contests = append(contests, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contests: %w", err)
	}

	return contests, nil
}

// SetStatus moves a contest from one status to another.
// Returns ErrContestStateConflict if the contest is not currently in from.
func (r *ContestRepository) SetStatus(ctx context.Context, id string, from, to model.ContestStatus) error {
	const query = `
		UPDATE contests
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := r.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update contest status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// IncrementPool atomically adds amount to the pool of one outcome and returns
// the resulting pool totals. The derived odds and percentages are left for
// UpdateMarket.
func (r *ContestRepository) IncrementPool(ctx context.Context, id string, outcome model.Outcome, amount int64) (poolA, poolB int64, err error) {
	const query = `
		UPDATE contests
		SET pool_a = pool_a + CASE WHEN $2 = 'A' THEN $3::BIGINT ELSE 0 END,
		    pool_b = pool_b + CASE WHEN $2 = 'B' THEN $3::BIGINT ELSE 0 END,
		    total_pool = total_pool + $3::BIGINT,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING pool_a, pool_b
	`

	err = r.pool.QueryRow(ctx, query, id, string(outcome), amount).Scan(&poolA, &poolB)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrContestNotFound
		}
		return 0, 0, fmt.Errorf("failed to increment pool: %w", err)
	}
	return poolA, poolB, nil
}

// UpdateMarket stores the derived odds and percentages of m, but only while
// the stored pools still equal m's pools. Returns ErrStaleMarket otherwise so
// an older computation can never overwrite a newer one.
func (r *ContestRepository) UpdateMarket(ctx context.Context, id string, m model.Market) error {
	const query = `
		UPDATE contests
		SET odds_a = $4, odds_b = $5, percent_a = $6, percent_b = $7, updated_at = NOW()
		WHERE id = $1 AND pool_a = $2 AND pool_b = $3
	`

	result, err := r.pool.Exec(ctx, query, id, m.PoolA, m.PoolB, m.OddsA, m.OddsB, m.PercentA, m.PercentB)
	if err != nil {
		return fmt.Errorf("failed to update market: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStaleMarket
	}
	return nil
}

// ReplaceMarket overwrites the pools and every derived field with m.
// Used to repair a contest from its stake rows.
func (r *ContestRepository) ReplaceMarket(ctx context.Context, id string, m model.Market) error {
	const query = `
		UPDATE contests
		SET pool_a = $2, pool_b = $3, total_pool = $4,
		    odds_a = $5, odds_b = $6, percent_a = $7, percent_b = $8,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id,
		m.PoolA, m.PoolB, m.TotalPool, m.OddsA, m.OddsB, m.PercentA, m.PercentB)
	if err != nil {
		return fmt.Errorf("failed to replace market: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrContestNotFound
	}
	return nil
}

// Declare records the winning outcome of an open contest and moves it to
// settling. From here on the outcome cannot change and no stake is accepted.
// Returns ErrContestStateConflict if the contest is not open.
func (r *ContestRepository) Declare(ctx context.Context, id string, outcome model.Outcome, settledAt time.Time) error {
	const query = `
		UPDATE contests
		SET status = 'settling', declared_outcome = $2, settled_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'open' AND declared_outcome IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, string(outcome), settledAt)
	if err != nil {
		return fmt.Errorf("failed to declare outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// Complete closes a settling contest whose declared outcome is outcome.
// Returns ErrContestStateConflict otherwise.
func (r *ContestRepository) Complete(ctx context.Context, id string, outcome model.Outcome) error {
	const query = `
		UPDATE contests
		SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'settling' AND declared_outcome = $2
	`

	result, err := r.pool.Exec(ctx, query, id, string(outcome))
	if err != nil {
		return fmt.Errorf("failed to complete contest: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *ContestRepository) missOrConflict(ctx context.Context, id string) error {
	const query = `SELECT EXISTS(SELECT 1 FROM contests WHERE id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check contest existence: %w", err)
	}
	if !exists {
		return ErrContestNotFound
	}
	return ErrContestStateConflict
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
