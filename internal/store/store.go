// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a uniqueness rule would be broken, such
	// as a second open bid for the same (user, phase, contestant).
	ErrDuplicate = errors.New("store: duplicate record")

	// ErrInsufficientFunds is returned inside a transaction when a debit
	// would drive a cash balance negative.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrInsufficientShares is returned inside a transaction when a seller
	// no longer holds the shares being transferred.
	ErrInsufficientShares = errors.New("store: insufficient shares")

	// ErrListingExhausted is returned when a listing has fewer remaining
	// shares than a transfer asks for.
	ErrListingExhausted = errors.New("store: listing exhausted")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Seasons ---

	CreateSeason(ctx context.Context, s *model.Season) error
	GetSeason(ctx context.Context, id string) (*model.Season, error)

	// --- Contestants ---

	CreateContestant(ctx context.Context, c *model.Contestant) error
	GetContestant(ctx context.Context, id string) (*model.Contestant, error)
	ListContestants(ctx context.Context, seasonID string) ([]model.Contestant, error)

	// SetContestantShares overwrites a contestant's tradeable share total.
	SetContestantShares(ctx context.Context, id string, total int64) error

	// EliminateContestant marks a contestant inactive.
	EliminateContestant(ctx context.Context, id string) error

	// --- Phases ---

	CreatePhase(ctx context.Context, p *model.Phase) error
	GetPhase(ctx context.Context, id string) (*model.Phase, error)

	// ClosePhase clears the open flag. Closing is irreversible.
	ClosePhase(ctx context.Context, id string) error

	// --- Portfolios and holdings ---

	CreatePortfolio(ctx context.Context, p *model.Portfolio) error
	GetPortfolio(ctx context.Context, userID, seasonID string) (*model.Portfolio, error)
	GetPortfolioByID(ctx context.Context, id string) (*model.Portfolio, error)
	ListPortfolios(ctx context.Context, seasonID string) ([]model.Portfolio, error)

	// UpdatePortfolioValuation writes the derived valuation columns.
	UpdatePortfolioValuation(ctx context.Context, id string, totalStock, netWorth, movement decimal.Decimal) error

	ListHoldings(ctx context.Context, portfolioID string) ([]model.PortfolioStock, error)
	GetHolding(ctx context.Context, portfolioID, contestantID string) (*model.PortfolioStock, error)

	// SumSharesHeld returns the shares of a contestant held across every
	// portfolio of a season.
	SumSharesHeld(ctx context.Context, seasonID, contestantID string) (int64, error)

	// --- Orders ---

	// CreateBid rejects a second open bid for the same (user, phase,
	// contestant) with ErrDuplicate.
	CreateBid(ctx context.Context, b *model.Bid) error
	ListOpenBids(ctx context.Context, phaseID string) ([]model.Bid, error)
	ListBidsByUser(ctx context.Context, userID string) ([]model.Bid, error)

	CreateListing(ctx context.Context, l *model.Listing) error

	// ListOpenListings returns unfilled listings ordered by minimum price,
	// then creation time.
	ListOpenListings(ctx context.Context, phaseID string) ([]model.Listing, error)

	// --- Achievements and dividends ---

	CreateAchievement(ctx context.Context, a *model.Achievement) error
	ListAchievements(ctx context.Context, seasonID string, week int) ([]model.Achievement, error)
	ListDividends(ctx context.Context, portfolioID string) ([]model.Dividend, error)

	// --- Games ---

	CreateGame(ctx context.Context, g *model.Game) error
	GetGame(ctx context.Context, seasonID string, week int) (*model.Game, error)
	MarkGameAired(ctx context.Context, seasonID string, week int) error

	// MarkDividendsProcessed flags the aired, unprocessed game of exactly
	// this week. It reports whether a row changed.
	MarkDividendsProcessed(ctx context.Context, seasonID string, week int) (bool, error)

	// CurrentWeek is the latest aired episode number, or 1 before any airs.
	CurrentWeek(ctx context.Context, seasonID string) (int, error)

	// --- Prices and ratings ---

	SaveStockPrice(ctx context.Context, p *model.StockPrice) error

	// LatestStockPrice returns the most recent price at or before week.
	LatestStockPrice(ctx context.Context, contestantID string, week int) (*model.StockPrice, error)

	SaveRating(ctx context.Context, r *model.Rating) error
	ListRatings(ctx context.Context, contestantID string, week int) ([]model.Rating, error)

	// --- Transactions ---

	// WithTx runs fn as one atomic unit. Any error returned by fn rolls
	// the unit back and is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the read-modify-write surface available inside WithTx. Rows read
// through it are locked until the transaction ends.
type Tx interface {
	GetPortfolioForUpdate(ctx context.Context, id string) (*model.Portfolio, error)

	// AdjustCash adds delta to a cash balance. A result below zero is
	// refused with ErrInsufficientFunds.
	AdjustCash(ctx context.Context, portfolioID string, delta decimal.Decimal) error

	GetHolding(ctx context.Context, portfolioID, contestantID string) (*model.PortfolioStock, error)

	// SaveHolding upserts on (portfolio, contestant).
	SaveHolding(ctx context.Context, h *model.PortfolioStock) error

	// MarkBidAwarded flags a bid awarded with the shares it actually got.
	MarkBidAwarded(ctx context.Context, bidID string, shares int64) error

	GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error)
	SaveListing(ctx context.Context, l *model.Listing) error

	InsertDividend(ctx context.Context, d *model.Dividend) error
	HasDividend(ctx context.Context, portfolioID string, week int) (bool, error)
}
