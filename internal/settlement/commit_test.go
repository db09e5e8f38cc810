package settlement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/settlement"
	"github.com/tribeshares/market-engine/internal/store"
	"github.com/tribeshares/market-engine/internal/valuation"
)

// hookStore runs a callback before the n-th transaction, so tests can
// change state between the run snapshot and the commit.
type hookStore struct {
	*store.MemoryStore
	txs          int
	beforeTx     map[int]func()
	portfolioErr map[string]error
}

func (h *hookStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	h.txs++
	if f := h.beforeTx[h.txs]; f != nil {
		f()
	}
	return h.MemoryStore.WithTx(ctx, fn)
}

func (h *hookStore) GetPortfolio(ctx context.Context, userID, seasonID string) (*model.Portfolio, error) {
	if err := h.portfolioErr[userID]; err != nil {
		return nil, err
	}
	return h.MemoryStore.GetPortfolio(ctx, userID, seasonID)
}

// hooked rebuilds the engine over a hookStore wrapping the env's store.
func (e *testEnv) hooked() *hookStore {
	hs := &hookStore{
		MemoryStore:  e.ms,
		beforeTx:     make(map[int]func()),
		portfolioErr: make(map[string]error),
	}
	e.engine = settlement.NewEngine(hs, valuation.NewService(e.ms), e.journal)
	return hs
}

func (e *testEnv) mutate(t tb, fn func(tx store.Tx) error) {
	t.Helper()
	if err := e.ms.WithTx(e.ctx, fn); err != nil {
		t.Fatalf("mutate: %v", err)
	}
}

func TestAuction_CashDrainedBeforeCommitSkipsOnlyThatBid(t *testing.T) {
	env := newTestEnv(t)
	c := env.contestant(t, "c1", 10)
	a := env.portfolio(t, "alice", 100)
	b := env.portfolio(t, "bob", 100)
	phase := env.phase(t, "offer", model.PhaseInitialOffering)
	env.bid(t, "bid-a", "alice", phase, c, 5, 2)
	env.bid(t, "bid-b", "bob", phase, c, 5, 2)

	hs := env.hooked()
	hs.beforeTx[1] = func() {
		env.mutate(t, func(tx store.Tx) error { return tx.AdjustCash(env.ctx, a.ID, d(-100)) })
	}

	rep, err := env.engine.SettleAuction(env.ctx, phase)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if len(rep.Skipped) != 1 {
		t.Fatalf("expected 1 skip, got %+v", rep.Skipped)
	}
	if s := rep.Skipped[0]; s.BidID != "bid-a" || s.Reason != "insufficient_funds" || s.Shares != 5 {
		t.Errorf("unexpected skip %+v", s)
	}
	if awarded, n := env.bidState(t, "alice", "bid-a"); awarded || n != 0 {
		t.Errorf("bid-a awarded=%v shares=%d, want pending", awarded, n)
	}
	if got := env.cash(t, a.ID); !got.Equal(d(0)) {
		t.Errorf("alice cash %s, want 0", got)
	}
	if got := env.shares(t, a.ID, c); got != 0 {
		t.Errorf("alice holds %d, want 0", got)
	}

	if awarded, n := env.bidState(t, "bob", "bid-b"); !awarded || n != 5 {
		t.Errorf("bid-b awarded=%v shares=%d, want true/5", awarded, n)
	}
	if got := env.cash(t, b.ID); !got.Equal(d(90)) {
		t.Errorf("bob cash %s, want 90", got)
	}
	if rep.SharesMoved != 5 || len(rep.Awards) != 1 {
		t.Errorf("expected one award of 5 shares, got %d awards / %d shares", len(rep.Awards), rep.SharesMoved)
	}
	if env.phaseOpen(t, phase) {
		t.Error("phase should be closed")
	}
}

func TestMatch_CommitShortfallIsSkippedLocally(t *testing.T) {
	tests := []struct {
		name        string
		change      func(env *testEnv) func(tx store.Tx) error
		reason      string
		buyerShares int64
		sidShares   int64
	}{
		{
			name: "seller holding shrinks",
			change: func(env *testEnv) func(tx store.Tx) error {
				return func(tx store.Tx) error {
					return tx.SaveHolding(env.ctx, &model.PortfolioStock{
						PortfolioID: "pf-sam", ContestantID: "c1", Shares: 2, AveragePrice: d(1),
					})
				}
			},
			reason:      "insufficient_shares",
			buyerShares: 4,
			sidShares:   6,
		},
		{
			name: "listing partly gone",
			change: func(env *testEnv) func(tx store.Tx) error {
				return func(tx store.Tx) error {
					l, err := tx.GetListingForUpdate(env.ctx, "l-sam")
					if err != nil {
						return err
					}
					l.RemainingShares = 1
					return tx.SaveListing(env.ctx, l)
				}
			},
			reason:      "listing_exhausted",
			buyerShares: 4,
			sidShares:   6,
		},
		{
			name: "buyer cash drained",
			change: func(env *testEnv) func(tx store.Tx) error {
				return func(tx store.Tx) error {
					return tx.AdjustCash(env.ctx, "pf-bea", d(-100))
				}
			},
			reason:      "insufficient_funds",
			buyerShares: 0,
			sidShares:   10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			c := env.contestant(t, "c1", 100)
			sam := env.portfolio(t, "sam", 0)
			sid := env.portfolio(t, "sid", 0)
			bea := env.portfolio(t, "bea", 100)
			env.holding(t, sam.ID, c, 10, 1)
			env.holding(t, sid.ID, c, 10, 1)
			phase := env.phase(t, "list", model.PhaseFirstListing)
			env.listing(t, "l-sam", "sam", phase, c, 6, 1)
			env.listing(t, "l-sid", "sid", phase, c, 5, 1.5)
			env.bid(t, "b1", "bea", phase, c, 4, 2)

			hs := env.hooked()
			hs.beforeTx[1] = func() { env.mutate(t, tt.change(env)) }

			rep, err := env.engine.MatchListings(env.ctx, phase)
			if err != nil {
				t.Fatalf("match: %v", err)
			}

			if len(rep.Skipped) != 1 {
				t.Fatalf("expected 1 skip, got %+v", rep.Skipped)
			}
			if s := rep.Skipped[0]; s.BidID != "b1" || s.ListingID != "l-sam" || s.Reason != tt.reason {
				t.Errorf("unexpected skip %+v", s)
			}
			if got := env.shares(t, bea.ID, c); got != tt.buyerShares {
				t.Errorf("buyer holds %d, want %d", got, tt.buyerShares)
			}
			if got := env.shares(t, sid.ID, c); got != tt.sidShares {
				t.Errorf("sid holds %d, want %d", got, tt.sidShares)
			}
			if got := env.cash(t, sam.ID); !got.Equal(d(0)) {
				t.Errorf("sam cash %s, want 0", got)
			}
			if got := env.cash(t, bea.ID); got.IsNegative() {
				t.Errorf("buyer cash went negative: %s", got)
			}

			awarded, n := env.bidState(t, "bea", "b1")
			if tt.buyerShares == 0 {
				if awarded || n != 0 {
					t.Errorf("bid awarded=%v shares=%d, want pending", awarded, n)
				}
			} else {
				if !awarded || n != tt.buyerShares {
					t.Errorf("bid awarded=%v shares=%d, want true/%d", awarded, n, tt.buyerShares)
				}
				if got := env.cash(t, bea.ID); !got.Equal(d(92)) {
					t.Errorf("buyer cash %s, want 92", got)
				}
				if got := env.cash(t, sid.ID); !got.Equal(d(8)) {
					t.Errorf("sid cash %s, want 8", got)
				}
			}
		})
	}
}

func TestMatch_SellerLookupFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	c := env.contestant(t, "c1", 100)
	sam := env.portfolio(t, "sam", 0)
	env.holding(t, sam.ID, c, 10, 1)
	env.portfolio(t, "bea", 100)
	phase := env.phase(t, "list", model.PhaseFirstListing)
	env.listing(t, "l-sam", "sam", phase, c, 6, 1)
	env.bid(t, "b1", "bea", phase, c, 4, 2)

	down := errors.New("connection reset")
	hs := env.hooked()
	hs.portfolioErr["sam"] = down

	if _, err := env.engine.MatchListings(env.ctx, phase); !errors.Is(err, down) {
		t.Fatalf("expected store error to surface, got %v", err)
	}
	if !env.phaseOpen(t, phase) {
		t.Error("phase should stay open for a re-run")
	}
	if got := env.shares(t, sam.ID, c); got != 10 {
		t.Errorf("sam holds %d, want 10", got)
	}
}
