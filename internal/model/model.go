// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPrice is the mid-scale price used when a contestant has no
// published price yet (5 on the 1-10 rating scale).
var DefaultPrice = decimal.NewFromInt(5)

// Season owns contestants, phases and portfolios. Exactly one season is
// active at a time; that invariant is kept by whoever creates seasons.
type Season struct {
	ID              string          `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	StartingCapital decimal.Decimal `json:"starting_capital" db:"starting_capital"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	StartDate       time.Time       `json:"start_date" db:"start_date"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Contestant is a tradeable "stock". Eliminated contestants are priced at
// zero and accept no new bids or listings.
type Contestant struct {
	ID           string     `json:"id" db:"id"`
	SeasonID     string     `json:"season_id" db:"season_id"`
	Name         string     `json:"name" db:"name"`
	Tribe        string     `json:"tribe,omitempty" db:"tribe"`
	TotalShares  int64      `json:"total_shares" db:"total_shares"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	IsWinner     bool       `json:"is_winner" db:"is_winner"`
	EliminatedAt *time.Time `json:"eliminated_at,omitempty" db:"eliminated_at"`
}

// Portfolio is one player's account in one season. TotalStock, NetWorth and
// Movement are derived by the valuation recalculator.
type Portfolio struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	SeasonID    string          `json:"season_id" db:"season_id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	TotalStock  decimal.Decimal `json:"total_stock" db:"total_stock"`
	NetWorth    decimal.Decimal `json:"net_worth" db:"net_worth"`
	Movement    decimal.Decimal `json:"movement" db:"movement"` // percent vs previous net worth
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PortfolioStock is a holding of one contestant inside a portfolio.
type PortfolioStock struct {
	ID           string          `json:"id" db:"id"`
	PortfolioID  string          `json:"portfolio_id" db:"portfolio_id"`
	ContestantID string          `json:"contestant_id" db:"contestant_id"`
	Shares       int64           `json:"shares" db:"shares"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"` // volume-weighted cost basis
}

// ApplyFill adds fillShares bought at fillPrice to the holding and
// recomputes the volume-weighted average cost.
func (s *PortfolioStock) ApplyFill(fillShares int64, fillPrice decimal.Decimal) {
	if fillShares <= 0 {
		return
	}
	total := s.Shares + fillShares
	if s.Shares <= 0 {
		s.AveragePrice = fillPrice
		s.Shares = total
		return
	}
	cost := s.AveragePrice.Mul(decimal.NewFromInt(s.Shares)).
		Add(fillPrice.Mul(decimal.NewFromInt(fillShares)))
	s.AveragePrice = cost.Div(decimal.NewFromInt(total))
	s.Shares = total
}

// Bid is a buy order for one contestant within one phase.
type Bid struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	PhaseID       string          `json:"phase_id" db:"phase_id"`
	ContestantID  string          `json:"contestant_id" db:"contestant_id"`
	Shares        int64           `json:"shares" db:"shares"`
	Price         decimal.Decimal `json:"price" db:"price"`
	IsAwarded     bool            `json:"is_awarded" db:"is_awarded"`
	AwardedShares int64           `json:"awarded_shares" db:"awarded_shares"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Listing is a sell order for one contestant within one listing phase.
// RemainingShares counts down as partial fills occur.
type Listing struct {
	ID              string          `json:"id" db:"id"`
	SellerID        string          `json:"seller_id" db:"seller_id"`
	PhaseID         string          `json:"phase_id" db:"phase_id"`
	ContestantID    string          `json:"contestant_id" db:"contestant_id"`
	Shares          int64           `json:"shares" db:"shares"`
	RemainingShares int64           `json:"remaining_shares" db:"remaining_shares"`
	MinimumPrice    decimal.Decimal `json:"minimum_price" db:"minimum_price"`
	IsFilled        bool            `json:"is_filled" db:"is_filled"`
	BuyerID         string          `json:"buyer_id,omitempty" db:"buyer_id"`
	FilledAt        *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Achievement is a logged contestant accomplishment that pays a dividend.
type Achievement struct {
	ID           string          `json:"id" db:"id"`
	ContestantID string          `json:"contestant_id" db:"contestant_id"`
	WeekNumber   int             `json:"week_number" db:"week_number"`
	Type         AchievementType `json:"type" db:"type"`
	Multiplier   decimal.Decimal `json:"multiplier" db:"multiplier"` // dollars per share
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Dividend is an append-only ledger line crediting one portfolio for one
// contestant in one week.
type Dividend struct {
	ID             string          `json:"id" db:"id"`
	PortfolioID    string          `json:"portfolio_id" db:"portfolio_id"`
	WeekNumber     int             `json:"week_number" db:"week_number"`
	ContestantID   string          `json:"contestant_id" db:"contestant_id"`
	ContestantName string          `json:"contestant_name" db:"contestant_name"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	PaidAt         time.Time       `json:"paid_at" db:"paid_at"`
}

// Game is one aired episode. DividendProcessed guards dividend payouts for
// its week against double processing.
type Game struct {
	ID                string    `json:"id" db:"id"`
	SeasonID          string    `json:"season_id" db:"season_id"`
	EpisodeNumber     int       `json:"episode_number" db:"episode_number"`
	AirDate           time.Time `json:"air_date" db:"air_date"`
	Aired             bool      `json:"aired" db:"aired"`
	DividendProcessed bool      `json:"dividend_processed" db:"dividend_processed"`
}

// StockPrice is the published price of a contestant for one week.
type StockPrice struct {
	ContestantID string          `json:"contestant_id" db:"contestant_id"`
	WeekNumber   int             `json:"week_number" db:"week_number"`
	Price        decimal.Decimal `json:"price" db:"price"`
	CalculatedAt time.Time       `json:"calculated_at" db:"calculated_at"`
}

// Rating is one player's 1-10 rating of a contestant for a week.
type Rating struct {
	UserID       string    `json:"user_id" db:"user_id"`
	ContestantID string    `json:"contestant_id" db:"contestant_id"`
	WeekNumber   int       `json:"week_number" db:"week_number"`
	Value        int       `json:"value" db:"value"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
