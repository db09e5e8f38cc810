// Package season holds the week-to-week admin actions that feed the
// market: marking an episode aired, logging contestant achievements and
// eliminating contestants.
package season

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
	"github.com/tribeshares/market-engine/internal/valuation"
)

var (
	ErrInvalidWeek        = errors.New("season: week must be a positive integer")
	ErrUnknownAchievement = errors.New("season: unknown achievement type")
	ErrWrongSeason        = errors.New("season: contestant belongs to another season")
	ErrAlreadyEliminated  = errors.New("season: contestant already eliminated")
)

// Revaluer recomputes portfolio valuations for a season.
type Revaluer interface {
	Recalculate(ctx context.Context, seasonID string) ([]valuation.Result, error)
}

type Service struct {
	store  store.Store
	valuer Revaluer
	now    func() time.Time
}

func NewService(st store.Store, valuer Revaluer) *Service {
	return &Service{store: st, valuer: valuer, now: func() time.Time { return time.Now().UTC() }}
}

// MarkAired flags the week's episode as aired, creating the game record
// when none exists yet. Marking an aired week again is a no-op.
func (s *Service) MarkAired(ctx context.Context, seasonID string, week int) (*model.Game, error) {
	if week < 1 {
		return nil, ErrInvalidWeek
	}
	if _, err := s.store.GetSeason(ctx, seasonID); err != nil {
		return nil, fmt.Errorf("load season: %w", err)
	}

	_, err := s.store.GetGame(ctx, seasonID, week)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g := &model.Game{SeasonID: seasonID, EpisodeNumber: week, AirDate: s.now(), Aired: true}
		err = s.store.CreateGame(ctx, g)
		if errors.Is(err, store.ErrDuplicate) {
			err = s.store.MarkGameAired(ctx, seasonID, week)
		}
	case err == nil:
		err = s.store.MarkGameAired(ctx, seasonID, week)
	}
	if err != nil {
		return nil, fmt.Errorf("mark week %d aired: %w", week, err)
	}

	slog.Info("week marked aired", "season", seasonID, "week", week)
	return s.store.GetGame(ctx, seasonID, week)
}

// LogAchievement records an accomplishment for the week. The multiplier
// is taken from the catalogue, never from the caller.
func (s *Service) LogAchievement(ctx context.Context, seasonID, contestantID string, week int, typ model.AchievementType) (*model.Achievement, error) {
	if week < 1 {
		return nil, ErrInvalidWeek
	}
	multiplier, err := typ.Multiplier()
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAchievement, typ)
	}
	c, err := s.store.GetContestant(ctx, contestantID)
	if err != nil {
		return nil, fmt.Errorf("load contestant: %w", err)
	}
	if c.SeasonID != seasonID {
		return nil, ErrWrongSeason
	}

	a := &model.Achievement{
		ContestantID: contestantID,
		WeekNumber:   week,
		Type:         typ,
		Multiplier:   multiplier,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateAchievement(ctx, a); err != nil {
		return nil, fmt.Errorf("save achievement: %w", err)
	}

	slog.Info("achievement logged",
		"season", seasonID,
		"contestant", contestantID,
		"week", week,
		"type", string(typ),
		"multiplier", multiplier.String(),
	)
	return a, nil
}

// Eliminate marks the contestant inactive, zeroes its price for the
// current week and revalues the season so holdings drop to nothing.
func (s *Service) Eliminate(ctx context.Context, contestantID string) ([]valuation.Result, error) {
	c, err := s.store.GetContestant(ctx, contestantID)
	if err != nil {
		return nil, fmt.Errorf("load contestant: %w", err)
	}
	if !c.IsActive {
		return nil, ErrAlreadyEliminated
	}
	if err := s.store.EliminateContestant(ctx, contestantID); err != nil {
		return nil, fmt.Errorf("eliminate %s: %w", contestantID, err)
	}

	week, err := s.store.CurrentWeek(ctx, c.SeasonID)
	if err != nil {
		return nil, fmt.Errorf("current week: %w", err)
	}
	sp := &model.StockPrice{ContestantID: contestantID, WeekNumber: week, Price: decimal.Zero, CalculatedAt: s.now()}
	if err := s.store.SaveStockPrice(ctx, sp); err != nil {
		return nil, fmt.Errorf("zero price of %s: %w", contestantID, err)
	}

	slog.Info("contestant eliminated", "season", c.SeasonID, "contestant", contestantID, "week", week)

	results, err := s.valuer.Recalculate(ctx, c.SeasonID)
	if err != nil {
		return nil, fmt.Errorf("revalue season %s: %w", c.SeasonID, err)
	}
	return results, nil
}
