package dividend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/dividend"
	"github.com/tribeshares/market-engine/internal/journal"
	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
	"github.com/tribeshares/market-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	entries []journal.Entry
}

func (r *recorder) Record(_ context.Context, e *journal.Entry) error {
	r.entries = append(r.entries, *e)
	return nil
}

type testEnv struct {
	ms        *store.MemoryStore
	processor *dividend.Processor
	journal   *recorder
	season    string
	ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := &recorder{}
	env := &testEnv{
		ms:        ms,
		processor: dividend.NewProcessor(ms, valuation.NewService(ms), rec),
		journal:   rec,
		season:    "season-1",
		ctx:       context.Background(),
	}
	if err := ms.CreateSeason(env.ctx, &model.Season{ID: env.season, Name: "Season 50", StartingCapital: d(100), IsActive: true}); err != nil {
		t.Fatalf("seed season: %v", err)
	}
	return env
}

func (e *testEnv) contestant(t *testing.T, id, name string) string {
	t.Helper()
	c := &model.Contestant{ID: id, SeasonID: e.season, Name: name, TotalShares: 100, IsActive: true}
	if err := e.ms.CreateContestant(e.ctx, c); err != nil {
		t.Fatalf("seed contestant: %v", err)
	}
	return id
}

func (e *testEnv) portfolio(t *testing.T, userID string, cash float64, holdings map[string]int64) string {
	t.Helper()
	p := &model.Portfolio{ID: "pf-" + userID, UserID: userID, SeasonID: e.season, CashBalance: d(cash), NetWorth: d(cash)}
	if err := e.ms.CreatePortfolio(e.ctx, p); err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
	err := e.ms.WithTx(e.ctx, func(tx store.Tx) error {
		for cid, n := range holdings {
			h := &model.PortfolioStock{PortfolioID: p.ID, ContestantID: cid, Shares: n, AveragePrice: d(1)}
			if err := tx.SaveHolding(e.ctx, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed holdings: %v", err)
	}
	return p.ID
}

func (e *testEnv) game(t *testing.T, week int, aired bool) {
	t.Helper()
	g := &model.Game{SeasonID: e.season, EpisodeNumber: week, Aired: aired, AirDate: time.Date(2026, 3, week, 20, 0, 0, 0, time.UTC)}
	if err := e.ms.CreateGame(e.ctx, g); err != nil {
		t.Fatalf("seed game: %v", err)
	}
}

func (e *testEnv) achievement(t *testing.T, contestantID string, week int, typ model.AchievementType) {
	t.Helper()
	m, err := typ.Multiplier()
	if err != nil {
		t.Fatal(err)
	}
	a := &model.Achievement{ContestantID: contestantID, WeekNumber: week, Type: typ, Multiplier: m}
	if err := e.ms.CreateAchievement(e.ctx, a); err != nil {
		t.Fatalf("seed achievement: %v", err)
	}
}

func (e *testEnv) cash(t *testing.T, portfolioID string) decimal.Decimal {
	t.Helper()
	p, err := e.ms.GetPortfolioByID(e.ctx, portfolioID)
	if err != nil {
		t.Fatalf("get portfolio: %v", err)
	}
	return p.CashBalance
}

func (e *testEnv) processed(t *testing.T, week int) bool {
	t.Helper()
	g, err := e.ms.GetGame(e.ctx, e.season, week)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	return g.DividendProcessed
}

func TestProcess_PaysOnceForTheWeek(t *testing.T) {
	env := newTestEnv(t)
	c := env.contestant(t, "c1", "Parvati")
	pf := env.portfolio(t, "ann", 50, map[string]int64{c: 20})
	env.game(t, 4, true)
	env.achievement(t, c, 4, model.AchievementTribalImmunity)

	rep, err := env.processor.Process(env.ctx, env.season, 4)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !rep.Total.Equal(d(2)) {
		t.Errorf("total paid %s, want 2.00", rep.Total)
	}

	rows, _ := env.ms.ListDividends(env.ctx, pf)
	if len(rows) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(rows))
	}
	row := rows[0]
	if row.ContestantID != c || row.WeekNumber != 4 || !row.Amount.Equal(d(2)) || row.ContestantName != "Parvati" {
		t.Errorf("unexpected ledger row %+v", row)
	}
	if got := env.cash(t, pf); !got.Equal(d(52)) {
		t.Errorf("cash %s, want 52", got)
	}
	if !env.processed(t, 4) {
		t.Error("week 4 should be flagged processed")
	}

	again, err := env.processor.Process(env.ctx, env.season, 4)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if !again.AlreadyProcessed || len(again.Payouts) != 0 {
		t.Errorf("second run should be a no-op: %+v", again)
	}
	if rows, _ := env.ms.ListDividends(env.ctx, pf); len(rows) != 1 {
		t.Errorf("ledger grew on repeat: %d rows", len(rows))
	}
	if got := env.cash(t, pf); !got.Equal(d(52)) {
		t.Errorf("cash changed on repeat: %s", got)
	}
	if len(env.journal.entries) != 1 || env.journal.entries[0].Kind != journal.KindDividend {
		t.Errorf("expected one dividend journal entry, got %+v", env.journal.entries)
	}
}

func TestProcess_WeekNotAired(t *testing.T) {
	env := newTestEnv(t)
	env.game(t, 2, false)

	tests := []struct {
		name string
		week int
	}{
		{"unaired", 2},
		{"no game record", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.processor.Process(env.ctx, env.season, tt.week)
			if !errors.Is(err, dividend.ErrWeekNotAired) {
				t.Errorf("expected ErrWeekNotAired, got %v", err)
			}
		})
	}
}

func TestProcess_NoAchievementsStillMarksWeek(t *testing.T) {
	env := newTestEnv(t)
	c := env.contestant(t, "c1", "Rob")
	pf := env.portfolio(t, "ann", 50, map[string]int64{c: 20})
	env.game(t, 3, true)

	rep, err := env.processor.Process(env.ctx, env.season, 3)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(rep.Payouts) != 0 || !rep.Total.IsZero() {
		t.Errorf("expected nothing paid: %+v", rep)
	}
	if rows, _ := env.ms.ListDividends(env.ctx, pf); len(rows) != 0 {
		t.Errorf("expected no ledger rows, got %d", len(rows))
	}
	if got := env.cash(t, pf); !got.Equal(d(50)) {
		t.Errorf("cash moved: %s", got)
	}
	if !env.processed(t, 3) {
		t.Error("week 3 should be flagged processed")
	}
}

func TestProcess_OnlyTargetedWeekFlagged(t *testing.T) {
	env := newTestEnv(t)
	env.game(t, 3, true)
	env.game(t, 4, true)

	if _, err := env.processor.Process(env.ctx, env.season, 4); err != nil {
		t.Fatalf("process: %v", err)
	}
	if env.processed(t, 3) {
		t.Error("week 3 must stay unprocessed")
	}
	if !env.processed(t, 4) {
		t.Error("week 4 should be processed")
	}
}

func TestProcess_SumsMultipliersAndCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.contestant(t, "c1", "Sandra")
	c2 := env.contestant(t, "c2", "Tony")
	c3 := env.contestant(t, "c3", "Boston Rob")
	pf := env.portfolio(t, "ann", 10, map[string]int64{c1: 10, c2: 4, c3: 8})
	other := env.portfolio(t, "ben", 10, map[string]int64{c3: 5})
	env.game(t, 5, true)
	env.achievement(t, c1, 5, model.AchievementReward)
	env.achievement(t, c1, 5, model.AchievementIndividualImmunity)
	env.achievement(t, c2, 5, model.AchievementHiddenIdol)
	env.achievement(t, c2, 4, model.AchievementTribalImmunity) // different week

	rep, err := env.processor.Process(env.ctx, env.season, 5)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(rep.Payouts) != 1 || rep.Payouts[0].PortfolioID != pf {
		t.Fatalf("only %s holds paying contestants: %+v", pf, rep.Payouts)
	}

	// c1: 10 * (0.05+0.15) = 2.00, c2: 4 * 0.05 = 0.20
	rows, _ := env.ms.ListDividends(env.ctx, pf)
	if len(rows) != 2 {
		t.Fatalf("expected two ledger rows, got %+v", rows)
	}
	amounts := map[string]decimal.Decimal{}
	for _, r := range rows {
		amounts[r.ContestantID] = r.Amount
	}
	if !amounts[c1].Equal(d(2)) || !amounts[c2].Equal(d(0.2)) {
		t.Errorf("unexpected amounts %v", amounts)
	}
	if got := env.cash(t, pf); !got.Equal(d(12.2)) {
		t.Errorf("cash %s, want 12.2", got)
	}
	if got := env.cash(t, other); !got.Equal(d(10)) {
		t.Errorf("non-holder cash moved: %s", got)
	}
}

func TestProcess_ResumesWithoutDoublePaying(t *testing.T) {
	env := newTestEnv(t)
	c := env.contestant(t, "c1", "Parvati")
	paid := env.portfolio(t, "ann", 50, map[string]int64{c: 20})
	unpaid := env.portfolio(t, "ben", 50, map[string]int64{c: 10})
	env.game(t, 4, true)
	env.achievement(t, c, 4, model.AchievementTribalImmunity)

	// A previous run credited ann and stopped before flagging the week.
	err := env.ms.WithTx(env.ctx, func(tx store.Tx) error {
		if err := tx.InsertDividend(env.ctx, &model.Dividend{
			PortfolioID: paid, WeekNumber: 4, ContestantID: c, ContestantName: "Parvati", Amount: d(2),
		}); err != nil {
			return err
		}
		return tx.AdjustCash(env.ctx, paid, d(2))
	})
	if err != nil {
		t.Fatalf("seed partial run: %v", err)
	}

	if _, err := env.processor.Process(env.ctx, env.season, 4); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := env.cash(t, paid); !got.Equal(d(52)) {
		t.Errorf("ann paid twice: %s", got)
	}
	if got := env.cash(t, unpaid); !got.Equal(d(51)) {
		t.Errorf("ben cash %s, want 51", got)
	}
}

func TestProcess_RevaluesAfterCredit(t *testing.T) {
	env := newTestEnv(t)
	c := env.contestant(t, "c1", "Parvati")
	pf := env.portfolio(t, "ann", 50, nil)
	err := env.ms.WithTx(env.ctx, func(tx store.Tx) error {
		return tx.SaveHolding(env.ctx, &model.PortfolioStock{PortfolioID: pf, ContestantID: c, Shares: 20, AveragePrice: d(1)})
	})
	if err != nil {
		t.Fatal(err)
	}
	env.game(t, 1, true)
	env.achievement(t, c, 1, model.AchievementTribalImmunity)

	if _, err := env.processor.Process(env.ctx, env.season, 1); err != nil {
		t.Fatalf("process: %v", err)
	}
	p, _ := env.ms.GetPortfolioByID(env.ctx, pf)
	// 52 cash + 20 shares at the default price of 5
	if !p.NetWorth.Equal(d(152)) || !p.TotalStock.Equal(d(100)) {
		t.Errorf("valuation not refreshed: stock %s net %s", p.TotalStock, p.NetWorth)
	}
}

func TestSumMultipliers(t *testing.T) {
	got := dividend.SumMultipliers([]model.Achievement{
		{ContestantID: "a", Multiplier: d(0.05)},
		{ContestantID: "a", Multiplier: d(0.10)},
		{ContestantID: "b", Multiplier: d(0.15)},
	})
	if len(got) != 2 || !got["a"].Equal(d(0.15)) || !got["b"].Equal(d(0.15)) {
		t.Errorf("unexpected sums %v", got)
	}
}
