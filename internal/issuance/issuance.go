// Package issuance sizes each contestant's tradeable share supply from the
// season's enrolment.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/metrics"
	"github.com/tribeshares/market-engine/internal/store"
)

// ErrNoContestants is returned when the season has no active contestant to
// issue shares for.
var ErrNoContestants = errors.New("issuance: season has no active contestants")

var two = decimal.NewFromInt(2)

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// SharesPerContestant is floor(players*capital / (contestants*2)).
func SharesPerContestant(players int, capital decimal.Decimal, contestants int) int64 {
	if players <= 0 || contestants <= 0 || !capital.IsPositive() {
		return 0
	}
	pool := decimal.NewFromInt(int64(players)).Mul(capital)
	return pool.Div(decimal.NewFromInt(int64(contestants)).Mul(two)).Floor().IntPart()
}

// Allocate overwrites the share total of every active contestant in the
// season. Enrolled players are the season's portfolios. Shares already sold
// are not reconciled; the auction recomputes supply as total minus held.
func (s *Service) Allocate(ctx context.Context, seasonID string) (totals map[string]int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRun("issuance", start, err) }()

	season, err := s.store.GetSeason(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("load season: %w", err)
	}
	contestants, err := s.store.ListContestants(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("list contestants: %w", err)
	}
	var active []string
	for _, c := range contestants {
		if c.IsActive {
			active = append(active, c.ID)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("season %s: %w", seasonID, ErrNoContestants)
	}
	portfolios, err := s.store.ListPortfolios(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}

	per := SharesPerContestant(len(portfolios), season.StartingCapital, len(active))
	totals = make(map[string]int64, len(active))
	for _, id := range active {
		if err := s.store.SetContestantShares(ctx, id, per); err != nil {
			return totals, fmt.Errorf("set shares of %s: %w", id, err)
		}
		totals[id] = per
	}

	slog.Info("shares issued",
		"season", seasonID,
		"players", len(portfolios),
		"contestants", len(active),
		"per_contestant", per,
	)
	return totals, nil
}
