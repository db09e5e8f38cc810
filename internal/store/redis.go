package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Cached: seasons, contestants (single and per season), phases, portfolios
// by ID, holdings per portfolio, and the latest price lookups. Order books,
// games and dividends always go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateSeason(ctx context.Context, season *model.Season) error {
	if err := s.primary.CreateSeason(ctx, season); err != nil {
		return err
	}
	s.setJSON(ctx, seasonKey(season.ID), season)
	return nil
}

func (s *CachedStore) CreateContestant(ctx context.Context, c *model.Contestant) error {
	if err := s.primary.CreateContestant(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, contestantsKey(c.SeasonID))
	return nil
}

func (s *CachedStore) SetContestantShares(ctx context.Context, id string, total int64) error {
	if err := s.primary.SetContestantShares(ctx, id, total); err != nil {
		return err
	}
	s.invalidateContestant(ctx, id)
	return nil
}

func (s *CachedStore) EliminateContestant(ctx context.Context, id string) error {
	if err := s.primary.EliminateContestant(ctx, id); err != nil {
		return err
	}
	s.invalidateContestant(ctx, id)
	return nil
}

func (s *CachedStore) CreatePhase(ctx context.Context, p *model.Phase) error {
	return s.primary.CreatePhase(ctx, p)
}

func (s *CachedStore) ClosePhase(ctx context.Context, id string) error {
	if err := s.primary.ClosePhase(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, phaseKey(id))
	return nil
}

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	return s.primary.CreatePortfolio(ctx, p)
}

func (s *CachedStore) UpdatePortfolioValuation(ctx context.Context, id string, totalStock, netWorth, movement decimal.Decimal) error {
	if err := s.primary.UpdatePortfolioValuation(ctx, id, totalStock, netWorth, movement); err != nil {
		return err
	}
	s.rdb.Del(ctx, portfolioKey(id))
	return nil
}

func (s *CachedStore) SaveStockPrice(ctx context.Context, p *model.StockPrice) error {
	if err := s.primary.SaveStockPrice(ctx, p); err != nil {
		return err
	}
	// Any cached "latest at or before week" answer may now be stale.
	s.rdb.Del(ctx, pricesKey(p.ContestantID))
	return nil
}

// WithTx delegates to the primary and drops the cache entries of every
// portfolio the unit touched once it commits.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	ct := &cachedTx{}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		ct.Tx = tx
		return fn(ct)
	})
	if err != nil {
		return err
	}
	if len(ct.dirty) > 0 {
		s.rdb.Del(ctx, ct.dirty...)
	}
	return nil
}

// cachedTx records the keys invalidated by writes inside a transaction.
type cachedTx struct {
	Tx
	dirty []string
}

func (t *cachedTx) AdjustCash(ctx context.Context, portfolioID string, delta decimal.Decimal) error {
	if err := t.Tx.AdjustCash(ctx, portfolioID, delta); err != nil {
		return err
	}
	t.dirty = append(t.dirty, portfolioKey(portfolioID))
	return nil
}

func (t *cachedTx) SaveHolding(ctx context.Context, h *model.PortfolioStock) error {
	if err := t.Tx.SaveHolding(ctx, h); err != nil {
		return err
	}
	t.dirty = append(t.dirty, holdingsKey(h.PortfolioID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSeason(ctx context.Context, id string) (*model.Season, error) {
	var season model.Season
	if s.getJSON(ctx, seasonKey(id), &season) {
		return &season, nil
	}
	got, err := s.primary.GetSeason(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, seasonKey(id), got)
	return got, nil
}

func (s *CachedStore) GetContestant(ctx context.Context, id string) (*model.Contestant, error) {
	var c model.Contestant
	if s.getJSON(ctx, contestantKey(id), &c) {
		return &c, nil
	}
	got, err := s.primary.GetContestant(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, contestantKey(id), got)
	return got, nil
}

func (s *CachedStore) ListContestants(ctx context.Context, seasonID string) ([]model.Contestant, error) {
	var list []model.Contestant
	if s.getJSON(ctx, contestantsKey(seasonID), &list) {
		return list, nil
	}
	list, err := s.primary.ListContestants(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, contestantsKey(seasonID), list)
	return list, nil
}

func (s *CachedStore) GetPhase(ctx context.Context, id string) (*model.Phase, error) {
	var p model.Phase
	if s.getJSON(ctx, phaseKey(id), &p) {
		return &p, nil
	}
	got, err := s.primary.GetPhase(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, phaseKey(id), got)
	return got, nil
}

func (s *CachedStore) GetPortfolioByID(ctx context.Context, id string) (*model.Portfolio, error) {
	var p model.Portfolio
	if s.getJSON(ctx, portfolioKey(id), &p) {
		return &p, nil
	}
	got, err := s.primary.GetPortfolioByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, portfolioKey(id), got)
	return got, nil
}

func (s *CachedStore) ListHoldings(ctx context.Context, portfolioID string) ([]model.PortfolioStock, error) {
	var list []model.PortfolioStock
	if s.getJSON(ctx, holdingsKey(portfolioID), &list) {
		return list, nil
	}
	list, err := s.primary.ListHoldings(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, holdingsKey(portfolioID), list)
	return list, nil
}

// LatestStockPrice caches answers in one hash per contestant, keyed by the
// week asked about.
func (s *CachedStore) LatestStockPrice(ctx context.Context, contestantID string, week int) (*model.StockPrice, error) {
	field := strconv.Itoa(week)
	data, err := s.rdb.HGet(ctx, pricesKey(contestantID), field).Bytes()
	if err == nil {
		var p model.StockPrice
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.LatestStockPrice(ctx, contestantID, week)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, pricesKey(contestantID), field, data)
		pipe.Expire(ctx, pricesKey(contestantID), s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID, seasonID string) (*model.Portfolio, error) {
	return s.primary.GetPortfolio(ctx, userID, seasonID)
}

func (s *CachedStore) ListPortfolios(ctx context.Context, seasonID string) ([]model.Portfolio, error) {
	return s.primary.ListPortfolios(ctx, seasonID)
}

func (s *CachedStore) GetHolding(ctx context.Context, portfolioID, contestantID string) (*model.PortfolioStock, error) {
	return s.primary.GetHolding(ctx, portfolioID, contestantID)
}

func (s *CachedStore) SumSharesHeld(ctx context.Context, seasonID, contestantID string) (int64, error) {
	return s.primary.SumSharesHeld(ctx, seasonID, contestantID)
}

func (s *CachedStore) CreateBid(ctx context.Context, b *model.Bid) error {
	return s.primary.CreateBid(ctx, b)
}

func (s *CachedStore) ListOpenBids(ctx context.Context, phaseID string) ([]model.Bid, error) {
	return s.primary.ListOpenBids(ctx, phaseID)
}

func (s *CachedStore) ListBidsByUser(ctx context.Context, userID string) ([]model.Bid, error) {
	return s.primary.ListBidsByUser(ctx, userID)
}

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.CreateListing(ctx, l)
}

func (s *CachedStore) ListOpenListings(ctx context.Context, phaseID string) ([]model.Listing, error) {
	return s.primary.ListOpenListings(ctx, phaseID)
}

func (s *CachedStore) CreateAchievement(ctx context.Context, a *model.Achievement) error {
	return s.primary.CreateAchievement(ctx, a)
}

func (s *CachedStore) ListAchievements(ctx context.Context, seasonID string, week int) ([]model.Achievement, error) {
	return s.primary.ListAchievements(ctx, seasonID, week)
}

func (s *CachedStore) ListDividends(ctx context.Context, portfolioID string) ([]model.Dividend, error) {
	return s.primary.ListDividends(ctx, portfolioID)
}

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game) error {
	return s.primary.CreateGame(ctx, g)
}

func (s *CachedStore) GetGame(ctx context.Context, seasonID string, week int) (*model.Game, error) {
	return s.primary.GetGame(ctx, seasonID, week)
}

func (s *CachedStore) MarkGameAired(ctx context.Context, seasonID string, week int) error {
	return s.primary.MarkGameAired(ctx, seasonID, week)
}

func (s *CachedStore) MarkDividendsProcessed(ctx context.Context, seasonID string, week int) (bool, error) {
	return s.primary.MarkDividendsProcessed(ctx, seasonID, week)
}

func (s *CachedStore) CurrentWeek(ctx context.Context, seasonID string) (int, error) {
	return s.primary.CurrentWeek(ctx, seasonID)
}

func (s *CachedStore) SaveRating(ctx context.Context, r *model.Rating) error {
	return s.primary.SaveRating(ctx, r)
}

func (s *CachedStore) ListRatings(ctx context.Context, contestantID string, week int) ([]model.Rating, error) {
	return s.primary.ListRatings(ctx, contestantID, week)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidateContestant drops the single-contestant entry and, when the
// season is known, the season list that embeds it.
func (s *CachedStore) invalidateContestant(ctx context.Context, id string) {
	keys := []string{contestantKey(id)}
	if c, err := s.primary.GetContestant(ctx, id); err == nil {
		keys = append(keys, contestantsKey(c.SeasonID))
	}
	s.rdb.Del(ctx, keys...)
}

func seasonKey(id string) string       { return fmt.Sprintf("season:%s", id) }
func contestantKey(id string) string   { return fmt.Sprintf("contestant:%s", id) }
func contestantsKey(sid string) string { return fmt.Sprintf("contestants:%s", sid) }
func phaseKey(id string) string        { return fmt.Sprintf("phase:%s", id) }
func portfolioKey(id string) string    { return fmt.Sprintf("portfolio:%s", id) }
func holdingsKey(pid string) string    { return fmt.Sprintf("holdings:%s", pid) }
func pricesKey(cid string) string      { return fmt.Sprintf("prices:%s", cid) }
