package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/api"
	"github.com/tribeshares/market-engine/internal/dividend"
	"github.com/tribeshares/market-engine/internal/issuance"
	"github.com/tribeshares/market-engine/internal/journal"
	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/orders"
	"github.com/tribeshares/market-engine/internal/pricing"
	"github.com/tribeshares/market-engine/internal/season"
	"github.com/tribeshares/market-engine/internal/settlement"
	"github.com/tribeshares/market-engine/internal/store"
	"github.com/tribeshares/market-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	ms     *store.MemoryStore
	router chi.Router
	ctx    context.Context
}

// newTestEnv wires every service over an in-memory store and registers the
// API on a chi router. withJournal attaches a SQLite journal in a temp dir.
func newTestEnv(t *testing.T, withJournal bool, hub *api.Hub) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	valuer := valuation.NewService(ms)

	var rec journal.Recorder
	var reader api.JournalReader
	if withJournal {
		j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
		if err != nil {
			t.Fatalf("open journal: %v", err)
		}
		t.Cleanup(func() { j.Close() })
		rec, reader = j, j
	}

	h := api.NewHandler(ms, api.Services{
		Settlement: settlement.NewEngine(ms, valuer, rec),
		Dividends:  dividend.NewProcessor(ms, valuer, rec),
		Valuation:  valuer,
		Issuance:   issuance.NewService(ms),
		Pricing:    pricing.NewService(ms, valuer),
		Orders:     orders.NewService(ms),
		Season:     season.NewService(ms, valuer),
		Journal:    reader,
	}, hub)

	r := chi.NewRouter()
	h.Routes(r)

	env := &testEnv{ms: ms, router: r, ctx: context.Background()}
	env.seed(t)
	return env
}

// seed creates season s1 with contestant c1 (10 shares), players ann and
// ben with $100 each, an open offering phase, an open listing phase and an
// open game-day phase.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	start := time.Now().Add(-time.Hour)
	must(e.ms.CreateSeason(e.ctx, &model.Season{ID: "s1", Name: "Season 50", StartingCapital: d(100), IsActive: true}))
	must(e.ms.CreateContestant(e.ctx, &model.Contestant{ID: "c1", SeasonID: "s1", Name: "Ozzy", TotalShares: 10, IsActive: true}))
	for i, user := range []string{"ann", "ben"} {
		must(e.ms.CreatePortfolio(e.ctx, &model.Portfolio{
			ID: "pf-" + user, UserID: user, SeasonID: "s1",
			CashBalance: d(100), NetWorth: d(100), CreatedAt: start.Add(time.Duration(i) * time.Second),
		}))
	}
	for _, p := range []model.Phase{
		{ID: "offer", Type: model.PhaseInitialOffering},
		{ID: "list", Type: model.PhaseFirstListing},
		{ID: "game", Type: model.PhaseGameDay},
	} {
		p.SeasonID, p.WeekNumber, p.IsOpen, p.StartDate = "s1", 1, true, start
		must(e.ms.CreatePhase(e.ctx, &p))
	}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestAuctionFlow(t *testing.T) {
	env := newTestEnv(t, true, nil)

	for _, user := range []string{"ann", "ben"} {
		w := env.do(t, "POST", "/api/v1/bids", user, api.BidRequest{
			PhaseID: "offer", ContestantID: "c1", Shares: 6, Price: d(2),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("bid by %s: expected 201, got %d: %s", user, w.Code, w.Body.String())
		}
	}

	w := env.do(t, "POST", "/api/v1/admin/phases/offer/settle", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rep := decode[settlement.Report](t, w)
	if len(rep.Awards) != 2 || rep.SharesMoved != 10 || !rep.CashMoved.Equal(d(20)) {
		t.Errorf("unexpected report %+v", rep)
	}

	w = env.do(t, "GET", "/api/v1/portfolios/pf-ann", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio: expected 200, got %d", w.Code)
	}
	pf := decode[api.PortfolioResponse](t, w)
	if !pf.CashBalance.Equal(d(90)) || len(pf.Holdings) != 1 || pf.Holdings[0].Shares != 5 {
		t.Errorf("unexpected portfolio %+v", pf)
	}
	// 90 cash + 5 shares at the default price of 5
	if !pf.NetWorth.Equal(d(115)) {
		t.Errorf("net worth %s, want 115", pf.NetWorth)
	}

	w = env.do(t, "GET", "/api/v1/journal?kind=award&phase_id=offer", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("journal: expected 200, got %d", w.Code)
	}
	if entries := decode[[]journal.Entry](t, w); len(entries) != 2 {
		t.Errorf("expected 2 award entries, got %d", len(entries))
	}

	w = env.do(t, "POST", "/api/v1/admin/phases/offer/settle", "", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second settle: expected 409, got %d", w.Code)
	}
}

func TestPlaceBid_Errors(t *testing.T) {
	env := newTestEnv(t, false, nil)
	if w := env.do(t, "POST", "/api/v1/bids", "ann", api.BidRequest{PhaseID: "offer", ContestantID: "c1", Shares: 1, Price: d(1)}); w.Code != http.StatusCreated {
		t.Fatalf("seed bid: %d %s", w.Code, w.Body.String())
	}

	tests := []struct {
		name string
		user string
		req  api.BidRequest
		want int
	}{
		{"missing user", "", api.BidRequest{PhaseID: "offer", ContestantID: "c1", Shares: 1, Price: d(1)}, http.StatusUnauthorized},
		{"duplicate", "ann", api.BidRequest{PhaseID: "offer", ContestantID: "c1", Shares: 2, Price: d(1)}, http.StatusConflict},
		{"off grid", "ben", api.BidRequest{PhaseID: "offer", ContestantID: "c1", Shares: 1, Price: d(1.1)}, http.StatusBadRequest},
		{"game day", "ben", api.BidRequest{PhaseID: "game", ContestantID: "c1", Shares: 1, Price: d(1)}, http.StatusBadRequest},
		{"no portfolio", "cat", api.BidRequest{PhaseID: "offer", ContestantID: "c1", Shares: 1, Price: d(1)}, http.StatusNotFound},
		{"no listings", "ben", api.BidRequest{PhaseID: "list", ContestantID: "c1", Shares: 1, Price: d(1)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/bids", tt.user, tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestListingFlow(t *testing.T) {
	env := newTestEnv(t, false, nil)
	if err := env.ms.WithTx(env.ctx, func(tx store.Tx) error {
		return tx.SaveHolding(env.ctx, &model.PortfolioStock{PortfolioID: "pf-ben", ContestantID: "c1", Shares: 4, AveragePrice: d(1)})
	}); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "POST", "/api/v1/listings", "ben", api.ListingRequest{PhaseID: "list", ContestantID: "c1", Shares: 5, MinimumPrice: d(2)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized listing: expected 400, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/listings", "ben", api.ListingRequest{PhaseID: "list", ContestantID: "c1", Shares: 4, MinimumPrice: d(2)})
	if w.Code != http.StatusCreated {
		t.Fatalf("listing: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/bids", "ann", api.BidRequest{PhaseID: "list", ContestantID: "c1", Shares: 3, Price: d(2.5)})
	if w.Code != http.StatusCreated {
		t.Fatalf("bid: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/admin/phases/list/close", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rep := decode[settlement.Report](t, w)
	if rep.SharesMoved != 3 || !rep.CashMoved.Equal(d(7.5)) {
		t.Errorf("unexpected report %+v", rep)
	}

	w = env.do(t, "GET", "/api/v1/portfolios/pf-ben", "", nil)
	pf := decode[api.PortfolioResponse](t, w)
	if !pf.CashBalance.Equal(d(107.5)) {
		t.Errorf("seller cash %s, want 107.5", pf.CashBalance)
	}
}

func TestSettlementErrors(t *testing.T) {
	env := newTestEnv(t, false, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown phase", "/api/v1/admin/phases/nope/settle", http.StatusNotFound},
		{"auction on listing phase", "/api/v1/admin/phases/list/settle", http.StatusBadRequest},
		{"match on offering phase", "/api/v1/admin/phases/offer/match", http.StatusBadRequest},
		{"close game day", "/api/v1/admin/phases/game/close", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, "", nil)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestDividendsEndpoint(t *testing.T) {
	env := newTestEnv(t, false, nil)
	if err := env.ms.WithTx(env.ctx, func(tx store.Tx) error {
		return tx.SaveHolding(env.ctx, &model.PortfolioStock{PortfolioID: "pf-ann", ContestantID: "c1", Shares: 20, AveragePrice: d(1)})
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.ms.CreateGame(env.ctx, &model.Game{SeasonID: "s1", EpisodeNumber: 4}); err != nil {
		t.Fatal(err)
	}
	if err := env.ms.CreateAchievement(env.ctx, &model.Achievement{
		ContestantID: "c1", WeekNumber: 4, Type: model.AchievementTribalImmunity, Multiplier: d(0.1),
	}); err != nil {
		t.Fatal(err)
	}

	if w := env.do(t, "POST", "/api/v1/admin/seasons/s1/dividends/four", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad week: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/admin/seasons/s1/dividends/4", "", nil); w.Code != http.StatusConflict {
		t.Errorf("unaired week: expected 409, got %d", w.Code)
	}

	if err := env.ms.MarkGameAired(env.ctx, "s1", 4); err != nil {
		t.Fatal(err)
	}
	w := env.do(t, "POST", "/api/v1/admin/seasons/s1/dividends/4", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dividends: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rep := decode[dividend.Report](t, w)
	if !rep.Total.Equal(d(2)) || rep.AlreadyProcessed {
		t.Errorf("unexpected report %+v", rep)
	}

	w = env.do(t, "POST", "/api/v1/admin/seasons/s1/dividends/4", "", nil)
	if again := decode[dividend.Report](t, w); !again.AlreadyProcessed {
		t.Errorf("second call should report already processed: %+v", again)
	}
}

func TestSeasonAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, false, nil)

	w := env.do(t, "POST", "/api/v1/admin/seasons/s1/shares", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("shares: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	// floor(2*100 / (1*2)) = 100
	if totals := decode[map[string]int64](t, w); totals["c1"] != 100 {
		t.Errorf("unexpected totals %v", totals)
	}
	if w := env.do(t, "POST", "/api/v1/admin/seasons/nope/shares", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown season: expected 404, got %d", w.Code)
	}

	if w := env.do(t, "POST", "/api/v1/ratings", "ann", api.RatingRequest{ContestantID: "c1", WeekNumber: 1, Value: 8}); w.Code != http.StatusCreated {
		t.Fatalf("rating: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/ratings", "ann", api.RatingRequest{ContestantID: "c1", WeekNumber: 1, Value: 11}); w.Code != http.StatusBadRequest {
		t.Errorf("bad rating: expected 400, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/admin/seasons/s1/prices/1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prices: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if prices := decode[map[string]decimal.Decimal](t, w); !prices["c1"].Equal(d(8)) {
		t.Errorf("unexpected prices %v", prices)
	}

	w = env.do(t, "POST", "/api/v1/admin/seasons/s1/revalue", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revalue: expected 200, got %d", w.Code)
	}
	if results := decode[[]valuation.Result](t, w); len(results) != 2 {
		t.Errorf("expected 2 valuations, got %d", len(results))
	}
}

func TestJournalDisabled(t *testing.T) {
	env := newTestEnv(t, false, nil)
	if w := env.do(t, "GET", "/api/v1/journal", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestGetPortfolio_NotFound(t *testing.T) {
	env := newTestEnv(t, false, nil)
	if w := env.do(t, "GET", "/api/v1/portfolios/nope", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestWeeklyAdminFlow(t *testing.T) {
	env := newTestEnv(t, false, nil)
	if err := env.ms.WithTx(env.ctx, func(tx store.Tx) error {
		return tx.SaveHolding(env.ctx, &model.PortfolioStock{PortfolioID: "pf-ann", ContestantID: "c1", Shares: 20, AveragePrice: d(1)})
	}); err != nil {
		t.Fatal(err)
	}

	if w := env.do(t, "POST", "/api/v1/admin/seasons/s1/dividends/2", "", nil); w.Code != http.StatusConflict {
		t.Fatalf("before airing: expected 409, got %d", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/admin/seasons/s1/weeks/2/aired", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("aired: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if g := decode[model.Game](t, w); !g.Aired || g.EpisodeNumber != 2 {
		t.Errorf("unexpected game %+v", g)
	}
	if w := env.do(t, "POST", "/api/v1/admin/seasons/nope/weeks/2/aired", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown season: expected 404, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/admin/seasons/s1/achievements", "", api.AchievementRequest{
		ContestantID: "c1", WeekNumber: 2, Type: model.AchievementTribalImmunity,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("achievement: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if a := decode[model.Achievement](t, w); !a.Multiplier.Equal(d(0.1)) {
		t.Errorf("multiplier %s, want 0.10", a.Multiplier)
	}
	for _, tc := range []struct {
		req  api.AchievementRequest
		want int
	}{
		{api.AchievementRequest{ContestantID: "c1", WeekNumber: 2, Type: "FIRE_MAKING"}, http.StatusBadRequest},
		{api.AchievementRequest{ContestantID: "c1", WeekNumber: 0, Type: model.AchievementReward}, http.StatusBadRequest},
		{api.AchievementRequest{ContestantID: "ghost", WeekNumber: 2, Type: model.AchievementReward}, http.StatusNotFound},
	} {
		if w := env.do(t, "POST", "/api/v1/admin/seasons/s1/achievements", "", tc.req); w.Code != tc.want {
			t.Errorf("%+v: expected %d, got %d", tc.req, tc.want, w.Code)
		}
	}

	w = env.do(t, "POST", "/api/v1/admin/seasons/s1/dividends/2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dividends: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	// 20 shares x $0.10
	if rep := decode[dividend.Report](t, w); !rep.Total.Equal(d(2)) {
		t.Errorf("dividend total %s, want 2", rep.Total)
	}

	w = env.do(t, "POST", "/api/v1/admin/contestants/c1/eliminate", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("eliminate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	for _, r := range decode[[]valuation.Result](t, w) {
		if !r.TotalStock.IsZero() {
			t.Errorf("%s still values stock at %s", r.PortfolioID, r.TotalStock)
		}
	}
	p := decode[api.PortfolioResponse](t, env.do(t, "GET", "/api/v1/portfolios/pf-ann", "", nil))
	if !p.CashBalance.Equal(d(102)) || !p.NetWorth.Equal(d(102)) {
		t.Errorf("ann cash %s net %s, want 102/102", p.CashBalance, p.NetWorth)
	}

	if w := env.do(t, "POST", "/api/v1/admin/contestants/c1/eliminate", "", nil); w.Code != http.StatusConflict {
		t.Errorf("second elimination: expected 409, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/admin/contestants/ghost/eliminate", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown contestant: expected 404, got %d", w.Code)
	}
}

func TestAdminRunOutlivesClient(t *testing.T) {
	env := newTestEnv(t, false, nil)
	if w := env.do(t, "POST", "/api/v1/bids", "ann", api.BidRequest{
		PhaseID: "offer", ContestantID: "c1", Shares: 4, Price: d(2),
	}); w.Code != http.StatusCreated {
		t.Fatalf("bid: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithCancel(env.ctx)
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/admin/phases/offer/settle", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if rep := decode[settlement.Report](t, w); rep.SharesMoved != 4 {
		t.Errorf("shares moved %d, want 4", rep.SharesMoved)
	}
	if p, _ := env.ms.GetPhase(env.ctx, "offer"); p.IsOpen {
		t.Error("phase should be closed")
	}
}
