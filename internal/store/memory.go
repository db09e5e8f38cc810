package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	seasons      map[string]model.Season
	contestants  map[string]model.Contestant
	phases       map[string]model.Phase
	portfolios   map[string]model.Portfolio
	holdings     map[string]model.PortfolioStock // portfolioID|contestantID
	bids         map[string]model.Bid
	listings     map[string]model.Listing
	achievements map[string]model.Achievement
	dividends    []model.Dividend
	games        map[string]model.Game
	prices       map[string]model.StockPrice // contestantID|week
	ratings      map[string]model.Rating     // userID|contestantID|week
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seasons:      make(map[string]model.Season),
		contestants:  make(map[string]model.Contestant),
		phases:       make(map[string]model.Phase),
		portfolios:   make(map[string]model.Portfolio),
		holdings:     make(map[string]model.PortfolioStock),
		bids:         make(map[string]model.Bid),
		listings:     make(map[string]model.Listing),
		achievements: make(map[string]model.Achievement),
		games:        make(map[string]model.Game),
		prices:       make(map[string]model.StockPrice),
		ratings:      make(map[string]model.Rating),
	}
}

func holdingKey(portfolioID, contestantID string) string { return portfolioID + "|" + contestantID }

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// --- Seasons ---

func (s *MemoryStore) CreateSeason(_ context.Context, season *model.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&season.ID)
	if _, ok := s.seasons[season.ID]; ok {
		return fmt.Errorf("season %s: %w", season.ID, ErrDuplicate)
	}
	s.seasons[season.ID] = *season
	return nil
}

func (s *MemoryStore) GetSeason(_ context.Context, id string) (*model.Season, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	season, ok := s.seasons[id]
	if !ok {
		return nil, fmt.Errorf("season %s: %w", id, ErrNotFound)
	}
	return &season, nil
}

// --- Contestants ---

func (s *MemoryStore) CreateContestant(_ context.Context, c *model.Contestant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&c.ID)
	if _, ok := s.contestants[c.ID]; ok {
		return fmt.Errorf("contestant %s: %w", c.ID, ErrDuplicate)
	}
	s.contestants[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetContestant(_ context.Context, id string) (*model.Contestant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contestants[id]
	if !ok {
		return nil, fmt.Errorf("contestant %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListContestants(_ context.Context, seasonID string) ([]model.Contestant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Contestant
	for _, c := range s.contestants {
		if c.SeasonID == seasonID {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, func(a, b model.Contestant) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

func (s *MemoryStore) SetContestantShares(_ context.Context, id string, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contestants[id]
	if !ok {
		return fmt.Errorf("contestant %s: %w", id, ErrNotFound)
	}
	c.TotalShares = total
	s.contestants[id] = c
	return nil
}

func (s *MemoryStore) EliminateContestant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contestants[id]
	if !ok {
		return fmt.Errorf("contestant %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	c.IsActive = false
	c.EliminatedAt = &now
	s.contestants[id] = c
	return nil
}

// --- Phases ---

func (s *MemoryStore) CreatePhase(_ context.Context, p *model.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&p.ID)
	if _, ok := s.phases[p.ID]; ok {
		return fmt.Errorf("phase %s: %w", p.ID, ErrDuplicate)
	}
	s.phases[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPhase(_ context.Context, id string) (*model.Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.phases[id]
	if !ok {
		return nil, fmt.Errorf("phase %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ClosePhase(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.phases[id]
	if !ok {
		return fmt.Errorf("phase %s: %w", id, ErrNotFound)
	}
	p.IsOpen = false
	s.phases[id] = p
	return nil
}

// --- Portfolios and holdings ---

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.portfolios {
		if existing.UserID == p.UserID && existing.SeasonID == p.SeasonID {
			return fmt.Errorf("portfolio for user %s in season %s: %w", p.UserID, p.SeasonID, ErrDuplicate)
		}
	}
	ensureID(&p.ID)
	s.portfolios[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID, seasonID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.portfolios {
		if p.UserID == userID && p.SeasonID == seasonID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("portfolio for user %s in season %s: %w", userID, seasonID, ErrNotFound)
}

func (s *MemoryStore) GetPortfolioByID(_ context.Context, id string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context, seasonID string) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Portfolio
	for _, p := range s.portfolios {
		if p.SeasonID == seasonID {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b model.Portfolio) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

func (s *MemoryStore) UpdatePortfolioValuation(_ context.Context, id string, totalStock, netWorth, movement decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[id]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	p.TotalStock = totalStock
	p.NetWorth = netWorth
	p.Movement = movement
	s.portfolios[id] = p
	return nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, portfolioID string) ([]model.PortfolioStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PortfolioStock
	for _, h := range s.holdings {
		if h.PortfolioID == portfolioID {
			result = append(result, h)
		}
	}
	slices.SortFunc(result, func(a, b model.PortfolioStock) int {
		return cmp.Compare(a.ContestantID, b.ContestantID)
	})
	return result, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, portfolioID, contestantID string) (*model.PortfolioStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getHolding(portfolioID, contestantID)
}

func (s *MemoryStore) getHolding(portfolioID, contestantID string) (*model.PortfolioStock, error) {
	h, ok := s.holdings[holdingKey(portfolioID, contestantID)]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", portfolioID, contestantID, ErrNotFound)
	}
	return &h, nil
}

func (s *MemoryStore) SumSharesHeld(_ context.Context, seasonID, contestantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, h := range s.holdings {
		if h.ContestantID != contestantID {
			continue
		}
		if p, ok := s.portfolios[h.PortfolioID]; ok && p.SeasonID == seasonID {
			total += h.Shares
		}
	}
	return total, nil
}

// --- Orders ---

func (s *MemoryStore) CreateBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.bids {
		if !existing.IsAwarded && existing.UserID == b.UserID &&
			existing.PhaseID == b.PhaseID && existing.ContestantID == b.ContestantID {
			return fmt.Errorf("bid for user %s on contestant %s: %w", b.UserID, b.ContestantID, ErrDuplicate)
		}
	}
	ensureID(&b.ID)
	s.bids[b.ID] = *b
	return nil
}

func (s *MemoryStore) ListOpenBids(_ context.Context, phaseID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, b := range s.bids {
		if b.PhaseID == phaseID && !b.IsAwarded {
			result = append(result, b)
		}
	}
	slices.SortFunc(result, func(a, b model.Bid) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

func (s *MemoryStore) ListBidsByUser(_ context.Context, userID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, b := range s.bids {
		if b.UserID == userID {
			result = append(result, b)
		}
	}
	slices.SortFunc(result, func(a, b model.Bid) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&l.ID)
	if l.RemainingShares == 0 && !l.IsFilled {
		l.RemainingShares = l.Shares
	}
	s.listings[l.ID] = *l
	return nil
}

func (s *MemoryStore) ListOpenListings(_ context.Context, phaseID string) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Listing
	for _, l := range s.listings {
		if l.PhaseID == phaseID && !l.IsFilled {
			result = append(result, l)
		}
	}
	slices.SortFunc(result, compareListings)
	return result, nil
}

func compareListings(a, b model.Listing) int {
	return cmp.Or(
		a.MinimumPrice.Cmp(b.MinimumPrice),
		a.CreatedAt.Compare(b.CreatedAt),
		cmp.Compare(a.ID, b.ID),
	)
}

// --- Achievements and dividends ---

func (s *MemoryStore) CreateAchievement(_ context.Context, a *model.Achievement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&a.ID)
	s.achievements[a.ID] = *a
	return nil
}

func (s *MemoryStore) ListAchievements(_ context.Context, seasonID string, week int) ([]model.Achievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Achievement
	for _, a := range s.achievements {
		c, ok := s.contestants[a.ContestantID]
		if a.WeekNumber == week && ok && c.SeasonID == seasonID {
			result = append(result, a)
		}
	}
	slices.SortFunc(result, func(a, b model.Achievement) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

func (s *MemoryStore) ListDividends(_ context.Context, portfolioID string) ([]model.Dividend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Dividend
	for _, d := range s.dividends {
		if d.PortfolioID == portfolioID {
			result = append(result, d)
		}
	}
	return result, nil
}

// --- Games ---

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.games {
		if existing.SeasonID == g.SeasonID && existing.EpisodeNumber == g.EpisodeNumber {
			return fmt.Errorf("game %d in season %s: %w", g.EpisodeNumber, g.SeasonID, ErrDuplicate)
		}
	}
	ensureID(&g.ID)
	s.games[g.ID] = *g
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, seasonID string, week int) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.games {
		if g.SeasonID == seasonID && g.EpisodeNumber == week {
			return &g, nil
		}
	}
	return nil, fmt.Errorf("game %d in season %s: %w", week, seasonID, ErrNotFound)
}

func (s *MemoryStore) MarkGameAired(_ context.Context, seasonID string, week int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, g := range s.games {
		if g.SeasonID == seasonID && g.EpisodeNumber == week {
			g.Aired = true
			s.games[id] = g
			return nil
		}
	}
	return fmt.Errorf("game %d in season %s: %w", week, seasonID, ErrNotFound)
}

func (s *MemoryStore) MarkDividendsProcessed(_ context.Context, seasonID string, week int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id, g := range s.games {
		if g.SeasonID == seasonID && g.EpisodeNumber == week && g.Aired && !g.DividendProcessed {
			g.DividendProcessed = true
			s.games[id] = g
			changed = true
		}
	}
	return changed, nil
}

func (s *MemoryStore) CurrentWeek(_ context.Context, seasonID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	week := 0
	for _, g := range s.games {
		if g.SeasonID == seasonID && g.Aired && g.EpisodeNumber > week {
			week = g.EpisodeNumber
		}
	}
	if week == 0 {
		return 1, nil
	}
	return week, nil
}

// --- Prices and ratings ---

func (s *MemoryStore) SaveStockPrice(_ context.Context, p *model.StockPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[fmt.Sprintf("%s|%d", p.ContestantID, p.WeekNumber)] = *p
	return nil
}

func (s *MemoryStore) LatestStockPrice(_ context.Context, contestantID string, week int) (*model.StockPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.StockPrice
	for _, p := range s.prices {
		if p.ContestantID != contestantID || p.WeekNumber > week {
			continue
		}
		if best == nil || p.WeekNumber > best.WeekNumber {
			cp := p
			best = &cp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("price for contestant %s: %w", contestantID, ErrNotFound)
	}
	return best, nil
}

func (s *MemoryStore) SaveRating(_ context.Context, r *model.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ratings[fmt.Sprintf("%s|%s|%d", r.UserID, r.ContestantID, r.WeekNumber)] = *r
	return nil
}

func (s *MemoryStore) ListRatings(_ context.Context, contestantID string, week int) ([]model.Rating, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Rating
	for _, r := range s.ratings {
		if r.ContestantID == contestantID && r.WeekNumber == week {
			result = append(result, r)
		}
	}
	slices.SortFunc(result, func(a, b model.Rating) int { return cmp.Compare(a.UserID, b.UserID) })
	return result, nil
}

// --- Transactions ---

// WithTx holds the write lock for the whole unit and restores the mutable
// tables if fn fails.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	portfolios := maps.Clone(s.portfolios)
	holdings := maps.Clone(s.holdings)
	bids := maps.Clone(s.bids)
	listings := maps.Clone(s.listings)
	dividends := len(s.dividends)

	if err := fn(&memoryTx{s: s}); err != nil {
		s.portfolios = portfolios
		s.holdings = holdings
		s.bids = bids
		s.listings = listings
		s.dividends = s.dividends[:dividends]
		return err
	}
	return nil
}

// memoryTx operates on the store's maps directly; WithTx already holds
// the lock.
type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) GetPortfolioForUpdate(_ context.Context, id string) (*model.Portfolio, error) {
	p, ok := t.s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memoryTx) AdjustCash(_ context.Context, portfolioID string, delta decimal.Decimal) error {
	p, ok := t.s.portfolios[portfolioID]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", portfolioID, ErrNotFound)
	}
	next := p.CashBalance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("portfolio %s has %s, needs %s: %w",
			portfolioID, p.CashBalance, delta.Neg(), ErrInsufficientFunds)
	}
	p.CashBalance = next
	t.s.portfolios[portfolioID] = p
	return nil
}

func (t *memoryTx) GetHolding(_ context.Context, portfolioID, contestantID string) (*model.PortfolioStock, error) {
	return t.s.getHolding(portfolioID, contestantID)
}

func (t *memoryTx) SaveHolding(_ context.Context, h *model.PortfolioStock) error {
	key := holdingKey(h.PortfolioID, h.ContestantID)
	if existing, ok := t.s.holdings[key]; ok {
		h.ID = existing.ID
	}
	ensureID(&h.ID)
	t.s.holdings[key] = *h
	return nil
}

func (t *memoryTx) MarkBidAwarded(_ context.Context, bidID string, shares int64) error {
	b, ok := t.s.bids[bidID]
	if !ok {
		return fmt.Errorf("bid %s: %w", bidID, ErrNotFound)
	}
	b.IsAwarded = true
	b.AwardedShares = shares
	t.s.bids[bidID] = b
	return nil
}

func (t *memoryTx) GetListingForUpdate(_ context.Context, id string) (*model.Listing, error) {
	l, ok := t.s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return &l, nil
}

func (t *memoryTx) SaveListing(_ context.Context, l *model.Listing) error {
	if _, ok := t.s.listings[l.ID]; !ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrNotFound)
	}
	t.s.listings[l.ID] = *l
	return nil
}

func (t *memoryTx) InsertDividend(_ context.Context, d *model.Dividend) error {
	ensureID(&d.ID)
	t.s.dividends = append(t.s.dividends, *d)
	return nil
}

func (t *memoryTx) HasDividend(_ context.Context, portfolioID string, week int) (bool, error) {
	for _, d := range t.s.dividends {
		if d.PortfolioID == portfolioID && d.WeekNumber == week {
			return true, nil
		}
	}
	return false, nil
}
