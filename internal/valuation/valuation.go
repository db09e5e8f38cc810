// Package valuation marks every portfolio of a season to market. It is the
// single writer of the derived total stock, net worth and movement columns
// and runs after every state-changing settlement step.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/metrics"
	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Result is the new valuation of one portfolio.
type Result struct {
	PortfolioID string          `json:"portfolio_id"`
	TotalStock  decimal.Decimal `json:"total_stock"`
	NetWorth    decimal.Decimal `json:"net_worth"`
	Movement    decimal.Decimal `json:"movement"`
}

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Recalculate revalues every portfolio in the season using the prices of
// the season's current week.
func (s *Service) Recalculate(ctx context.Context, seasonID string) (results []Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRun("valuation", start, err) }()

	week, err := s.store.CurrentWeek(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("current week: %w", err)
	}
	portfolios, err := s.store.ListPortfolios(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}

	prices := make(map[string]decimal.Decimal)
	for _, p := range portfolios {
		holdings, err := s.store.ListHoldings(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("holdings of %s: %w", p.ID, err)
		}

		stock := decimal.Zero
		for _, h := range holdings {
			if h.Shares <= 0 {
				continue
			}
			price, ok := prices[h.ContestantID]
			if !ok {
				if price, err = s.currentPrice(ctx, h.ContestantID, week); err != nil {
					return nil, err
				}
				prices[h.ContestantID] = price
			}
			stock = stock.Add(model.Cost(h.Shares, price))
		}

		r := Value(p.ID, p.CashBalance, stock, p.NetWorth)
		if err := s.store.UpdatePortfolioValuation(ctx, p.ID, r.TotalStock, r.NetWorth, r.Movement); err != nil {
			return nil, fmt.Errorf("update valuation of %s: %w", p.ID, err)
		}
		metrics.PortfoliosRevalued.Inc()
		results = append(results, r)
	}

	slog.Info("portfolios revalued", "season", seasonID, "week", week, "count", len(results))
	return results, nil
}

// currentPrice is 0 for an eliminated contestant, otherwise the latest
// published price at or before week, otherwise the default mid-scale price.
func (s *Service) currentPrice(ctx context.Context, contestantID string, week int) (decimal.Decimal, error) {
	c, err := s.store.GetContestant(ctx, contestantID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("contestant %s: %w", contestantID, err)
	}
	if !c.IsActive {
		return decimal.Zero, nil
	}
	sp, err := s.store.LatestStockPrice(ctx, contestantID, week)
	if errors.Is(err, store.ErrNotFound) {
		return model.DefaultPrice, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("price of %s: %w", contestantID, err)
	}
	return sp.Price, nil
}

// Value derives the valuation columns. Stock value rounds to whole units,
// net worth and movement to cents. Movement is 0 when there is no positive
// prior net worth to compare against.
func Value(portfolioID string, cash, stockValue, previousNetWorth decimal.Decimal) Result {
	netWorth := cash.Add(stockValue)

	movement := decimal.Zero
	if previousNetWorth.IsPositive() {
		movement = netWorth.Sub(previousNetWorth).Div(previousNetWorth).Mul(hundred).Round(2)
	}

	return Result{
		PortfolioID: portfolioID,
		TotalStock:  stockValue.Round(0),
		NetWorth:    model.RoundCash(netWorth),
		Movement:    movement,
	}
}
