package season

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
	"github.com/tribeshares/market-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newSeasonFixture(t *testing.T) (*store.MemoryStore, *Service, context.Context) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	if err := ms.CreateSeason(ctx, &model.Season{ID: "s1", StartingCapital: d(100), IsActive: true}); err != nil {
		t.Fatal(err)
	}
	if err := ms.CreateSeason(ctx, &model.Season{ID: "s2", StartingCapital: d(100), IsActive: false}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []model.Contestant{
		{ID: "c1", SeasonID: "s1", Name: "One", TotalShares: 100, IsActive: true},
		{ID: "c2", SeasonID: "s1", Name: "Two", TotalShares: 100, IsActive: true},
		{ID: "old", SeasonID: "s2", Name: "Old", TotalShares: 100, IsActive: true},
	} {
		if err := ms.CreateContestant(ctx, &c); err != nil {
			t.Fatal(err)
		}
	}
	svc := NewService(ms, valuation.NewService(ms))
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 21, 0, 0, 0, time.UTC) }
	return ms, svc, ctx
}

func TestMarkAired(t *testing.T) {
	ms, svc, ctx := newSeasonFixture(t)

	g, err := svc.MarkAired(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("mark aired: %v", err)
	}
	if !g.Aired || g.EpisodeNumber != 2 || g.DividendProcessed {
		t.Errorf("unexpected game %+v", g)
	}

	// an existing, not yet aired game is updated in place
	if err := ms.CreateGame(ctx, &model.Game{ID: "g3", SeasonID: "s1", EpisodeNumber: 3}); err != nil {
		t.Fatal(err)
	}
	g, err = svc.MarkAired(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("mark aired: %v", err)
	}
	if g.ID != "g3" || !g.Aired {
		t.Errorf("expected g3 aired, got %+v", g)
	}

	// repeating is a no-op
	if _, err := svc.MarkAired(ctx, "s1", 3); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if week, _ := ms.CurrentWeek(ctx, "s1"); week != 3 {
		t.Errorf("current week %d, want 3", week)
	}
}

func TestMarkAired_Errors(t *testing.T) {
	_, svc, ctx := newSeasonFixture(t)

	if _, err := svc.MarkAired(ctx, "s1", 0); !errors.Is(err, ErrInvalidWeek) {
		t.Errorf("week 0: expected ErrInvalidWeek, got %v", err)
	}
	if _, err := svc.MarkAired(ctx, "nope", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown season: expected ErrNotFound, got %v", err)
	}
}

func TestLogAchievement_UsesCatalogueMultiplier(t *testing.T) {
	ms, svc, ctx := newSeasonFixture(t)

	tests := []struct {
		typ  model.AchievementType
		want float64
	}{
		{model.AchievementReward, 0.05},
		{model.AchievementHiddenIdol, 0.05},
		{model.AchievementTribalImmunity, 0.10},
		{model.AchievementIndividualImmunity, 0.15},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			a, err := svc.LogAchievement(ctx, "s1", "c1", 4, tt.typ)
			if err != nil {
				t.Fatalf("log: %v", err)
			}
			if !a.Multiplier.Equal(d(tt.want)) || a.Type != tt.typ || a.WeekNumber != 4 {
				t.Errorf("unexpected achievement %+v", a)
			}
		})
	}

	logged, err := ms.ListAchievements(ctx, "s1", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != len(tests) {
		t.Errorf("expected %d achievements, got %d", len(tests), len(logged))
	}
}

func TestLogAchievement_Errors(t *testing.T) {
	_, svc, ctx := newSeasonFixture(t)

	tests := []struct {
		name       string
		contestant string
		week       int
		typ        model.AchievementType
		want       error
	}{
		{"unknown type", "c1", 1, "FIRE_MAKING", ErrUnknownAchievement},
		{"zero week", "c1", 0, model.AchievementReward, ErrInvalidWeek},
		{"unknown contestant", "ghost", 1, model.AchievementReward, store.ErrNotFound},
		{"other season", "old", 1, model.AchievementReward, ErrWrongSeason},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.LogAchievement(ctx, "s1", tt.contestant, tt.week, tt.typ)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEliminate_ZeroesPriceAndRevalues(t *testing.T) {
	ms, svc, ctx := newSeasonFixture(t)

	pf := &model.Portfolio{ID: "pf-ann", UserID: "ann", SeasonID: "s1", CashBalance: d(50), NetWorth: d(100)}
	if err := ms.CreatePortfolio(ctx, pf); err != nil {
		t.Fatal(err)
	}
	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return tx.SaveHolding(ctx, &model.PortfolioStock{PortfolioID: pf.ID, ContestantID: "c1", Shares: 10, AveragePrice: d(5)})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ms.SaveStockPrice(ctx, &model.StockPrice{ContestantID: "c1", WeekNumber: 1, Price: d(5)}); err != nil {
		t.Fatal(err)
	}

	results, err := svc.Eliminate(ctx, "c1")
	if err != nil {
		t.Fatalf("eliminate: %v", err)
	}

	c, _ := ms.GetContestant(ctx, "c1")
	if c.IsActive || c.EliminatedAt == nil {
		t.Errorf("contestant should be eliminated: %+v", c)
	}
	sp, err := ms.LatestStockPrice(ctx, "c1", 1)
	if err != nil || !sp.Price.IsZero() {
		t.Errorf("week 1 price should be 0, got %+v (%v)", sp, err)
	}
	if len(results) != 1 || !results[0].TotalStock.IsZero() || !results[0].NetWorth.Equal(d(50)) {
		t.Errorf("unexpected valuation %+v", results)
	}
	got, _ := ms.GetPortfolioByID(ctx, pf.ID)
	if !got.NetWorth.Equal(d(50)) {
		t.Errorf("stored net worth %s, want 50", got.NetWorth)
	}

	if _, err := svc.Eliminate(ctx, "c1"); !errors.Is(err, ErrAlreadyEliminated) {
		t.Errorf("second elimination: expected ErrAlreadyEliminated, got %v", err)
	}
	if _, err := svc.Eliminate(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown contestant: expected ErrNotFound, got %v", err)
	}
}
