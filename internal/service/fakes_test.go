package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"peer-wager-bot/internal/cache"
	"peer-wager-bot/internal/events"
	"peer-wager-bot/internal/metrics"
	"peer-wager-bot/internal/model"
	"peer-wager-bot/internal/pkg/lock"
	"peer-wager-bot/internal/pool"
	"peer-wager-bot/internal/repository"
)

var errInjected = errors.New("injected storage failure")

// faults lets a test make single store calls fail. Every hook is called with
// the world lock held and must not call back into the stores.
type faults struct {
	apply       func(m repository.Mutation) error
	insert      func(s *model.Stake) error
	afterInsert func(s *model.Stake) error // row is stored, reply is lost
	getStake    func(id string) error
	markSettled func(id string) error
	declare     func(id string) error
	complete    func(id string) error
	increment   func(id string) error
	update      func(id string) error
}

// world is an in-memory rendition of the Postgres schema shared by the fake
// stores below.
type world struct {
	mu sync.Mutex

	contests     map[string]*model.Contest
	contestOrder []string
	stakes       map[string]*model.Stake
	stakeOrder   []string
	accounts     map[string]*model.Account
	entries      []*model.LedgerEntry
	byKey        map[string]*model.LedgerEntry
	nextEntryID  int64

	now    func() time.Time
	faults faults
}

func newWorld() *world {
	return &world{
		contests: make(map[string]*model.Contest),
		stakes:   make(map[string]*model.Stake),
		accounts: make(map[string]*model.Account),
		byKey:    make(map[string]*model.LedgerEntry),
		now:      time.Now,
	}
}

func (w *world) setFaults(f faults) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults = f
}

func copyContest(c *model.Contest) *model.Contest {
	cp := *c
	return &cp
}

func copyStake(s *model.Stake) *model.Stake {
	cp := *s
	return &cp
}

func copyEntry(e *model.LedgerEntry) *model.LedgerEntry {
	cp := *e
	return &cp
}

// --- contests ---

type fakeContests struct{ w *world }

func (f fakeContests) Create(_ context.Context, c *model.Contest) (*model.Contest, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if _, ok := f.w.contests[c.ID]; ok {
		return nil, repository.ErrContestExists
	}
	cp := copyContest(c)
	cp.CreatedAt = f.w.now()
	cp.UpdatedAt = cp.CreatedAt
	f.w.contests[c.ID] = cp
	f.w.contestOrder = append(f.w.contestOrder, c.ID)
	return copyContest(cp), nil
}

func (f fakeContests) GetByID(_ context.Context, id string) (*model.Contest, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	c, ok := f.w.contests[id]
	if !ok {
		return nil, repository.ErrContestNotFound
	}
	return copyContest(c), nil
}

func (f fakeContests) ListByStatus(_ context.Context, statuses []model.ContestStatus, limit int) ([]*model.Contest, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []*model.Contest
	for i := len(f.w.contestOrder) - 1; i >= 0 && len(out) < limit; i-- {
		c := f.w.contests[f.w.contestOrder[i]]
		for _, s := range statuses {
			if c.Status == s {
				out = append(out, copyContest(c))
				break
			}
		}
	}
	return out, nil
}

func (f fakeContests) Search(_ context.Context, text string, limit int) ([]*model.Contest, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	text = strings.ToLower(text)
	var out []*model.Contest
	for i := len(f.w.contestOrder) - 1; i >= 0 && len(out) < limit; i-- {
		c := f.w.contests[f.w.contestOrder[i]]
		if c.Status != model.ContestOpen && c.Status != model.ContestUpcoming {
			continue
		}
		hay := strings.ToLower(c.Title + " " + c.OutcomeA + " " + c.OutcomeB)
		if strings.Contains(hay, text) {
			out = append(out, copyContest(c))
		}
	}
	return out, nil
}

func (f fakeContests) SetStatus(_ context.Context, id string, from, to model.ContestStatus) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	c, ok := f.w.contests[id]
	if !ok {
		return repository.ErrContestNotFound
	}
	if c.Status != from {
		return repository.ErrContestStateConflict
	}
	c.Status = to
	return nil
}

func (f fakeContests) IncrementPool(_ context.Context, id string, outcome model.Outcome, amount int64) (int64, int64, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if h := f.w.faults.increment; h != nil {
		if err := h(id); err != nil {
			return 0, 0, err
		}
	}
	c, ok := f.w.contests[id]
	if !ok {
		return 0, 0, repository.ErrContestNotFound
	}
	if outcome == model.OutcomeA {
		c.Market.PoolA += amount
	} else {
		c.Market.PoolB += amount
	}
	c.Market.TotalPool += amount
	return c.Market.PoolA, c.Market.PoolB, nil
}

func (f fakeContests) UpdateMarket(_ context.Context, id string, m model.Market) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if h := f.w.faults.update; h != nil {
		if err := h(id); err != nil {
			return err
		}
	}
	c, ok := f.w.contests[id]
	if !ok || c.Market.PoolA != m.PoolA || c.Market.PoolB != m.PoolB {
		return repository.ErrStaleMarket
	}
	c.Market.OddsA, c.Market.OddsB = m.OddsA, m.OddsB
	c.Market.PercentA, c.Market.PercentB = m.PercentA, m.PercentB
	return nil
}

func (f fakeContests) ReplaceMarket(_ context.Context, id string, m model.Market) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	c, ok := f.w.contests[id]
	if !ok {
		return repository.ErrContestNotFound
	}
	c.Market = m
	return nil
}

func (f fakeContests) Declare(_ context.Context, id string, outcome model.Outcome, settledAt time.Time) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if h := f.w.faults.declare; h != nil {
		if err := h(id); err != nil {
			return err
		}
	}
	c, ok := f.w.contests[id]
	if !ok {
		return repository.ErrContestNotFound
	}
	if c.Status != model.ContestOpen || c.DeclaredOutcome != nil {
		return repository.ErrContestStateConflict
	}
	c.Status = model.ContestSettling
	c.DeclaredOutcome = &outcome
	c.SettledAt = &settledAt
	return nil
}

func (f fakeContests) Complete(_ context.Context, id string, outcome model.Outcome) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if h := f.w.faults.complete; h != nil {
		if err := h(id); err != nil {
			return err
		}
	}
	c, ok := f.w.contests[id]
	if !ok {
		return repository.ErrContestNotFound
	}
	if c.Status != model.ContestSettling || c.DeclaredOutcome == nil || *c.DeclaredOutcome != outcome {
		return repository.ErrContestStateConflict
	}
	c.Status = model.ContestCompleted
	return nil
}

// --- stakes ---

type fakeStakes struct{ w *world }

func (f fakeStakes) Insert(_ context.Context, s *model.Stake) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if h := f.w.faults.insert; h != nil {
		if err := h(s); err != nil {
			return err
		}
	}
	if _, ok := f.w.stakes[s.ID]; ok {
		return nil
	}
	for _, other := range f.w.stakes {
		if other.Status == model.StakeOpen && other.OwnerID == s.OwnerID && other.ContestID == s.ContestID {
			return repository.ErrDuplicateOpenStake
		}
	}
	cp := copyStake(s)
	cp.Status = model.StakeOpen
	cp.Payout = 0
	f.w.stakes[s.ID] = cp
	f.w.stakeOrder = append(f.w.stakeOrder, s.ID)
	if h := f.w.faults.afterInsert; h != nil {
		return h(s)
	}
	return nil
}

func (f fakeStakes) GetByID(_ context.Context, id string) (*model.Stake, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if h := f.w.faults.getStake; h != nil {
		if err := h(id); err != nil {
			return nil, err
		}
	}
	s, ok := f.w.stakes[id]
	if !ok {
		return nil, repository.ErrStakeNotFound
	}
	return copyStake(s), nil
}

func (f fakeStakes) FindOpen(_ context.Context, ownerID, contestID string) (*model.Stake, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, s := range f.w.stakes {
		if s.Status == model.StakeOpen && s.OwnerID == ownerID && s.ContestID == contestID {
			return copyStake(s), nil
		}
	}
	return nil, repository.ErrStakeNotFound
}

func (f fakeStakes) ListByContest(_ context.Context, contestID string) ([]*model.Stake, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []*model.Stake
	for _, id := range f.w.stakeOrder {
		if s := f.w.stakes[id]; s.ContestID == contestID {
			out = append(out, copyStake(s))
		}
	}
	return out, nil
}

func (f fakeStakes) ListByOwner(_ context.Context, ownerID string, limit int) ([]*model.Stake, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []*model.Stake
	for i := len(f.w.stakeOrder) - 1; i >= 0 && len(out) < limit; i-- {
		if s := f.w.stakes[f.w.stakeOrder[i]]; s.OwnerID == ownerID {
			out = append(out, copyStake(s))
		}
	}
	return out, nil
}

func (f fakeStakes) MarkSettled(_ context.Context, id string, status model.StakeStatus, payout int64, settledAt time.Time) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if h := f.w.faults.markSettled; h != nil {
		if err := h(id); err != nil {
			return err
		}
	}
	s, ok := f.w.stakes[id]
	if !ok {
		return repository.ErrStakeNotFound
	}
	if s.Status != model.StakeOpen {
		return repository.ErrStakeNotOpen
	}
	s.Status = status
	s.Payout = payout
	s.SettledAt = &settledAt
	return nil
}

func (f fakeStakes) SumOpen(_ context.Context, contestID string) (int64, int64, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var a, b int64
	for _, s := range f.w.stakes {
		if s.ContestID != contestID || s.Status != model.StakeOpen {
			continue
		}
		if s.Outcome == model.OutcomeA {
			a += s.Amount
		} else {
			b += s.Amount
		}
	}
	return a, b, nil
}

func (f fakeStakes) CountByContest(_ context.Context, contestID string) (int, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	n := 0
	for _, s := range f.w.stakes {
		if s.ContestID == contestID {
			n++
		}
	}
	return n, nil
}

// --- accounts ---

type fakeAccounts struct{ w *world }

func (f fakeAccounts) Ensure(_ context.Context, ownerID string) (*model.Account, bool, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if a, ok := f.w.accounts[ownerID]; ok {
		cp := *a
		return &cp, false, nil
	}
	a := &model.Account{OwnerID: ownerID, CreatedAt: f.w.now(), UpdatedAt: f.w.now()}
	f.w.accounts[ownerID] = a
	cp := *a
	return &cp, true, nil
}

func (f fakeAccounts) GetByID(_ context.Context, ownerID string) (*model.Account, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	a, ok := f.w.accounts[ownerID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f fakeAccounts) GetTop(_ context.Context, limit int) ([]*model.Account, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	out := make([]*model.Account, 0, len(f.w.accounts))
	for _, a := range f.w.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Balance != out[j].Balance {
			return out[i].Balance > out[j].Balance
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ledger ---

type fakeLedger struct{ w *world }

func (f fakeLedger) Apply(_ context.Context, m repository.Mutation) (*model.LedgerEntry, bool, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if m.IdempotencyKey == "" {
		return nil, false, repository.ErrIdempotencyKeyMissing
	}
	if h := f.w.faults.apply; h != nil {
		if err := h(m); err != nil {
			return nil, false, err
		}
	}
	if e, ok := f.w.byKey[m.IdempotencyKey]; ok {
		return copyEntry(e), true, nil
	}
	a, ok := f.w.accounts[m.OwnerID]
	if !ok {
		return nil, false, repository.ErrAccountNotFound
	}
	delta := m.Amount
	if m.Direction == model.Debit {
		delta = -delta
	}
	if a.Balance+delta < 0 {
		return nil, false, repository.ErrInsufficientBalance
	}

	f.w.nextEntryID++
	e := &model.LedgerEntry{
		ID:             f.w.nextEntryID,
		OwnerID:        m.OwnerID,
		Direction:      m.Direction,
		Category:       m.Category,
		Amount:         m.Amount,
		BalanceBefore:  a.Balance,
		BalanceAfter:   a.Balance + delta,
		Reason:         m.Reason,
		StakeID:        m.StakeID,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      f.w.now(),
	}
	a.Balance += delta
	f.w.entries = append(f.w.entries, e)
	f.w.byKey[e.IdempotencyKey] = e
	return copyEntry(e), false, nil
}

func (f fakeLedger) GetByKey(_ context.Context, key string) (*model.LedgerEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	e, ok := f.w.byKey[key]
	if !ok {
		return nil, repository.ErrLedgerEntryNotFound
	}
	return copyEntry(e), nil
}

func (f fakeLedger) ListByOwner(_ context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []*model.LedgerEntry
	for i := len(f.w.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := f.w.entries[i]; e.OwnerID == ownerID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (f fakeLedger) ListByOwnerAsc(_ context.Context, ownerID string) ([]*model.LedgerEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []*model.LedgerEntry
	for _, e := range f.w.entries {
		if e.OwnerID == ownerID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (f fakeLedger) FindOrphanedStakeDebits(_ context.Context, cutoff time.Time, limit int) ([]*model.LedgerEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []*model.LedgerEntry
	for _, e := range f.w.entries {
		if len(out) >= limit {
			break
		}
		if e.Direction != model.Debit || e.Category != model.CategoryStake || e.StakeID == nil {
			continue
		}
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		if _, ok := f.w.stakes[*e.StakeID]; ok {
			continue
		}
		if _, ok := f.w.byKey[stakeRefundKey(*e.StakeID)]; ok {
			continue
		}
		out = append(out, copyEntry(e))
	}
	return out, nil
}

// --- cache and events ---

type fakeCache struct {
	mu      sync.Mutex
	markets map[string]model.Market
	failSet bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{markets: make(map[string]model.Market)}
}

func (c *fakeCache) Get(_ context.Context, id string) (model.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[id]
	if !ok {
		return model.Market{}, cache.ErrMiss
	}
	return m, nil
}

func (c *fakeCache) Set(_ context.Context, id string, m model.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSet {
		return errInjected
	}
	c.markets[id] = m
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markets, id)
	return nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	placed  []events.StakePlaced
	settled []events.ContestSettled
}

func (p *recordingPublisher) PublishStakePlaced(_ context.Context, e events.StakePlaced) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, e)
	return nil
}

func (p *recordingPublisher) PublishContestSettled(_ context.Context, e events.ContestSettled) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, e)
	return nil
}

// --- engine ---

// engine wires every service over one world.
type engine struct {
	w          *world
	locks      *lock.KeyLock
	cache      *fakeCache
	events     *recordingPublisher
	metrics    *metrics.Metrics
	ledger     *LedgerService
	markets    *MarketService
	stakes     *StakeService
	settlement *SettlementService
	contests   *ContestService
	reconciler *Reconciler
}

func testRules() StakeRules {
	return StakeRules{
		MinStake:           1,
		MaxStake:           10000,
		Odds:               pool.DefaultParams(),
		LockTimeout:        2 * time.Second,
		InsertRetries:      2,
		InsertRetryBackoff: time.Millisecond,
	}
}

func newEngine(policy model.PayoutPolicy) *engine {
	return newEngineWithRules(policy, testRules())
}

func newEngineWithRules(policy model.PayoutPolicy, rules StakeRules) *engine {
	w := newWorld()
	e := &engine{
		w:       w,
		cache:   newFakeCache(),
		events:  &recordingPublisher{},
		metrics: metrics.NewNoop(),
	}
	locks := lock.NewKeyLock()
	e.locks = locks
	contests, stakes := fakeContests{w}, fakeStakes{w}

	e.ledger = NewLedgerService(fakeAccounts{w}, fakeLedger{w}, locks, rules.LockTimeout, 0, e.metrics)
	e.markets = NewMarketService(contests, stakes, e.cache, locks, rules.LockTimeout, rules.Odds)
	e.stakes = NewStakeService(contests, stakes, e.ledger, e.markets, e.events, locks, rules, e.metrics)
	e.settlement = NewSettlementService(contests, stakes, e.ledger, e.markets, e.events, locks, rules.LockTimeout, policy, e.metrics)
	e.contests = NewContestService(contests, stakes, e.cache, locks, rules.LockTimeout, rules.Odds)
	e.reconciler = NewReconciler(stakes, fakeLedger{w}, e.ledger, e.metrics)
	return e
}

// openContest creates an open contest with empty pools.
func (e *engine) openContest(ctx context.Context) *model.Contest {
	c, err := e.contests.Create(ctx, ContestDraft{OutcomeA: "Red", OutcomeB: "Blue", Open: true})
	if err != nil {
		panic(err)
	}
	return c
}

// fund gives owner exactly amount extra through the ledger.
func (e *engine) fund(ctx context.Context, owner string, amount int64) {
	if _, err := e.ledger.Credit(ctx, owner, amount, model.CategoryPurchase, "test funds", Ref{}); err != nil {
		panic(err)
	}
}

func (e *engine) balance(owner string) int64 {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if a, ok := e.w.accounts[owner]; ok {
		return a.Balance
	}
	return 0
}

func (e *engine) contest(id string) *model.Contest {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	return copyContest(e.w.contests[id])
}

func (e *engine) stake(id string) *model.Stake {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	s, ok := e.w.stakes[id]
	if !ok {
		return nil
	}
	return copyStake(s)
}

func (e *engine) entryCount() int {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	return len(e.w.entries)
}

// totalBalance sums every account balance.
func (e *engine) totalBalance() int64 {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	var sum int64
	for _, a := range e.w.accounts {
		sum += a.Balance
	}
	return sum
}
