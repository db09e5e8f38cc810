// Package pricing turns weekly player ratings into published stock prices.
// A contestant's price for a week is the median of that week's 1-10
// ratings; unrated contestants sit at the mid-scale default and eliminated
// ones at zero.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/metrics"
	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
	"github.com/tribeshares/market-engine/internal/valuation"
)

const (
	MinRating = 1
	MaxRating = 10
)

var (
	ErrInvalidRating        = errors.New("pricing: rating must be between 1 and 10")
	ErrContestantEliminated = errors.New("pricing: contestant is eliminated")
)

// Revaluer recomputes portfolio valuations for a season.
type Revaluer interface {
	Recalculate(ctx context.Context, seasonID string) ([]valuation.Result, error)
}

// Median of values; the mean of the middle pair for an even count, 0 for
// none.
func Median(values []int) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return decimal.NewFromInt(int64(sorted[mid]))
	}
	return decimal.NewFromInt(int64(sorted[mid-1] + sorted[mid])).Div(decimal.NewFromInt(2))
}

type Service struct {
	store  store.Store
	valuer Revaluer
	now    func() time.Time
}

func NewService(st store.Store, valuer Revaluer) *Service {
	return &Service{store: st, valuer: valuer, now: func() time.Time { return time.Now().UTC() }}
}

// Rate records a player's rating of an active contestant, replacing any
// earlier rating by the same player for the same week.
func (s *Service) Rate(ctx context.Context, userID, contestantID string, week, value int) (*model.Rating, error) {
	if value < MinRating || value > MaxRating {
		return nil, ErrInvalidRating
	}
	c, err := s.store.GetContestant(ctx, contestantID)
	if err != nil {
		return nil, fmt.Errorf("load contestant: %w", err)
	}
	if !c.IsActive {
		return nil, ErrContestantEliminated
	}
	r := &model.Rating{UserID: userID, ContestantID: contestantID, WeekNumber: week, Value: value, CreatedAt: s.now()}
	if err := s.store.SaveRating(ctx, r); err != nil {
		return nil, fmt.Errorf("save rating: %w", err)
	}
	return r, nil
}

// PublishWeek prices every contestant of the season for the week, then
// revalues the season's portfolios.
func (s *Service) PublishWeek(ctx context.Context, seasonID string, week int) (prices map[string]decimal.Decimal, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRun("pricing", start, err) }()

	contestants, err := s.store.ListContestants(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("list contestants: %w", err)
	}

	at := s.now()
	prices = make(map[string]decimal.Decimal, len(contestants))
	for _, c := range contestants {
		price, err := s.priceFor(ctx, c, week)
		if err != nil {
			return prices, err
		}
		sp := &model.StockPrice{ContestantID: c.ID, WeekNumber: week, Price: price, CalculatedAt: at}
		if err := s.store.SaveStockPrice(ctx, sp); err != nil {
			return prices, fmt.Errorf("save price of %s: %w", c.ID, err)
		}
		prices[c.ID] = price
	}

	slog.Info("prices published", "season", seasonID, "week", week, "contestants", len(prices))

	if _, err := s.valuer.Recalculate(ctx, seasonID); err != nil {
		return prices, fmt.Errorf("revalue season %s: %w", seasonID, err)
	}
	return prices, nil
}

func (s *Service) priceFor(ctx context.Context, c model.Contestant, week int) (decimal.Decimal, error) {
	if !c.IsActive {
		return decimal.Zero, nil
	}
	ratings, err := s.store.ListRatings(ctx, c.ID, week)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ratings of %s: %w", c.ID, err)
	}
	if len(ratings) == 0 {
		return model.DefaultPrice, nil
	}
	values := make([]int, len(ratings))
	for i, r := range ratings {
		values[i] = r.Value
	}
	return model.RoundCash(Median(values)), nil
}
