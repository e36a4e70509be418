package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pkg/lock"
	"peer-wager-bot/internal/pool"
	"peer-wager-bot/internal/repository"
)

const (
	contestIDLength   = 8
	contestIDAttempts = 3
	maxTitleLength    = 128
	maxOutcomeLength  = 64
	defaultListLimit  = 20
)

// ContestDraft describes a contest to create.
type ContestDraft struct {
	Title    string
	OutcomeA string
	OutcomeB string
	Open     bool // Open immediately instead of starting as upcoming
}

// ContestService handles contest administration and lookup.
type ContestService struct {
	contests    ContestStore
	stakes      StakeStore
	cache       MarketCache
	locks       *lock.KeyLock
	lockTimeout time.Duration
	params      pool.Params
}

// NewContestService creates a new ContestService instance.
func NewContestService(
	contests ContestStore,
	stakes StakeStore,
	cache MarketCache,
	locks *lock.KeyLock,
	lockTimeout time.Duration,
	params pool.Params,
) *ContestService {
	return &ContestService{
		contests:    contests,
		stakes:      stakes,
		cache:       cache,
		locks:       locks,
		lockTimeout: lockTimeout,
		params:      params,
	}
}

// Create stores a new contest with empty pools.
func (s *ContestService) Create(ctx context.Context, d ContestDraft) (*model.Contest, error) {
	a := strings.TrimSpace(d.OutcomeA)
	b := strings.TrimSpace(d.OutcomeB)
	title := strings.TrimSpace(d.Title)
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: both outcomes need a name", ErrInvalidTarget)
	}
	if strings.EqualFold(a, b) {
		return nil, fmt.Errorf("%w: outcomes must differ", ErrInvalidTarget)
	}
	if len(a) > maxOutcomeLength || len(b) > maxOutcomeLength || len(title) > maxTitleLength {
		return nil, fmt.Errorf("%w: name too long", ErrInvalidTarget)
	}
	if title == "" {
		title = a + " vs " + b
	}

	status := model.ContestUpcoming
	if d.Open {
		status = model.ContestOpen
	}

	c := &model.Contest{
		Title:    title,
		OutcomeA: a,
		OutcomeB: b,
		Status:   status,
		Market:   pool.Compute(0, 0, s.params),
	}

	var err error
	for attempt := 0; attempt < contestIDAttempts; attempt++ {
		c.ID = newContestID()
		var created *model.Contest
		created, err = s.contests.Create(ctx, c)
		if err == nil {
			log.Info().
				Str("contest_id", created.ID).
				Str("title", created.Title).
				Str("status", string(created.Status)).
				Msg("Contest created")
			return created, nil
		}
		if !errors.Is(err, repository.ErrContestExists) {
			break
		}
	}
	return nil, storageErr("create contest", err)
}

// Open moves an upcoming contest to open.
func (s *ContestService) Open(ctx context.Context, contestID string) error {
	err := s.contests.SetStatus(ctx, contestID, model.ContestUpcoming, model.ContestOpen)
	switch {
	case err == nil:
		log.Info().Str("contest_id", contestID).Msg("Contest opened")
		return nil
	case errors.Is(err, repository.ErrContestNotFound):
		return fmt.Errorf("%w: contest %q", ErrInvalidTarget, contestID)
	case errors.Is(err, repository.ErrContestStateConflict):
		return fmt.Errorf("%w: contest %s is not upcoming", ErrContestClosed, contestID)
	default:
		return storageErr("open contest", err)
	}
}

// Cancel closes a contest that never took a stake.
func (s *ContestService) Cancel(ctx context.Context, contestID string) error {
	key := contestKey(contestID)
	if err := s.locks.LockContext(ctx, key, s.lockTimeout); err != nil {
		return lockErr(key, err)
	}
	defer s.locks.Unlock(key)

	c, err := s.contests.GetByID(ctx, contestID)
	if err != nil {
		if errors.Is(err, repository.ErrContestNotFound) {
			return fmt.Errorf("%w: contest %q", ErrInvalidTarget, contestID)
		}
		return storageErr("get contest", err)
	}
	if c.Status != model.ContestUpcoming && c.Status != model.ContestOpen {
		return fmt.Errorf("%w: contest %s is %s", ErrContestClosed, c.ID, c.Status)
	}

	n, err := s.stakes.CountByContest(ctx, contestID)
	if err != nil {
		return storageErr("count stakes", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %d", ErrContestHasStakes, n)
	}

	if err := s.contests.SetStatus(ctx, contestID, c.Status, model.ContestCancelled); err != nil {
		if errors.Is(err, repository.ErrContestStateConflict) {
			return fmt.Errorf("%w: contest %s changed state", ErrContestClosed, contestID)
		}
		return storageErr("cancel contest", err)
	}
	_ = s.cache.Invalidate(ctx, contestID)

	log.Info().Str("contest_id", contestID).Msg("Contest cancelled")
	return nil
}

// Get returns a contest by id.
func (s *ContestService) Get(ctx context.Context, contestID string) (*model.Contest, error) {
	c, err := s.contests.GetByID(ctx, contestID)
	if err != nil {
		if errors.Is(err, repository.ErrContestNotFound) {
			return nil, fmt.Errorf("%w: contest %q", ErrInvalidTarget, contestID)
		}
		return nil, storageErr("get contest", err)
	}
	return c, nil
}

// ListOpen returns contests that are open or about to open.
func (s *ContestService) ListOpen(ctx context.Context, limit int) ([]*model.Contest, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	contests, err := s.contests.ListByStatus(ctx,
		[]model.ContestStatus{model.ContestOpen, model.ContestUpcoming}, limit)
	if err != nil {
		return nil, storageErr("list contests", err)
	}
	return contests, nil
}

// Search finds open or upcoming contests whose title or outcome names
// contain text. It is a lookup aid only; everything else takes ids.
func (s *ContestService) Search(ctx context.Context, text string, limit int) ([]*model.Contest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return s.ListOpen(ctx, limit)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	contests, err := s.contests.Search(ctx, text, limit)
	if err != nil {
		return nil, storageErr("search contests", err)
	}
	return contests, nil
}

func newContestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:contestIDLength]
}
