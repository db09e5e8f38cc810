package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/alloc"
	"github.com/tribeshares/market-engine/internal/journal"
	"github.com/tribeshares/market-engine/internal/metrics"
	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
)

// MatchListings clears a listing phase: open sell listings against open
// bids, per contestant, price tiers highest first. Buyers pay the tier
// price and sellers receive it in full. A listing may fill partially across
// several buyers and tiers. The phase closes even when one side is empty.
func (e *Engine) MatchListings(ctx context.Context, phaseID string) (rep *Report, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRun("listing", start, err) }()

	phase, err := e.openPhase(ctx, phaseID, model.KindListing)
	if err != nil {
		return nil, err
	}
	listings, err := e.store.ListOpenListings(ctx, phaseID)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	bids, err := e.store.ListOpenBids(ctx, phaseID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}

	rep = newReport(phase)
	if len(listings) == 0 || len(bids) == 0 {
		slog.Info("listing phase has nothing to match",
			"phase", phase.ID, "listings", len(listings), "bids", len(bids))
		return e.finish(ctx, rep)
	}

	m := &matcher{
		engine:    e,
		phase:     phase,
		cash:      newBook(e.store, phase.SeasonID),
		held:      make(map[string]int64),
		remaining: make(map[string]int64),
		rep:       rep,
	}
	byContestant := make(map[string][]model.Listing)
	for _, l := range listings {
		byContestant[l.ContestantID] = append(byContestant[l.ContestantID], l)
		m.remaining[l.ID] = l.RemainingShares
	}

	contestants, groups := groupByContestant(bids)
	for _, contestantID := range contestants {
		offered := byContestant[contestantID]
		if len(offered) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := m.matchContestant(ctx, contestantID, groups[contestantID], offered); err != nil {
			return rep, err
		}
	}

	slog.Info("listings matched",
		"phase", phase.ID,
		"season", phase.SeasonID,
		"listings", len(listings),
		"bids", len(bids),
		"transfers", len(rep.Awards),
		"skipped", len(rep.Skipped),
		"shares", rep.SharesMoved,
		"cash", rep.CashMoved.String(),
	)
	return e.finish(ctx, rep)
}

// matcher carries the run-scoped state of one listing match.
type matcher struct {
	engine *Engine
	phase  *model.Phase
	cash   *book
	// held is seller inventory keyed by userID|contestantID, seeded from
	// holdings on first use and only ever decremented.
	held map[string]int64
	// remaining is the unfilled size of each listing.
	remaining map[string]int64
	rep       *Report
}

func (m *matcher) sellerHeld(ctx context.Context, sellerID, contestantID string) (int64, error) {
	key := sellerID + "|" + contestantID
	if n, ok := m.held[key]; ok {
		return n, nil
	}
	acct, err := m.cash.account(ctx, sellerID)
	if errors.Is(err, store.ErrNotFound) {
		m.held[key] = 0
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	h, err := m.engine.store.GetHolding(ctx, acct.portfolioID, contestantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		n = h.Shares
	}
	m.held[key] = n
	return n, nil
}

// offer is a listing's deliverable size at one tier.
type offer struct {
	listing model.Listing
	size    int64
}

// eligible returns the listings that can trade at price, each sized to
// min(remaining, what its seller still holds) with the seller's inventory
// shared across that seller's listings.
func (m *matcher) eligible(ctx context.Context, contestantID string, listings []model.Listing, price decimal.Decimal) ([]offer, error) {
	budget := make(map[string]int64)
	var offers []offer
	for _, l := range listings {
		if l.MinimumPrice.GreaterThan(price) || m.remaining[l.ID] <= 0 {
			continue
		}
		left, ok := budget[l.SellerID]
		if !ok {
			var err error
			if left, err = m.sellerHeld(ctx, l.SellerID, contestantID); err != nil {
				return nil, fmt.Errorf("holding of seller %s: %w", l.SellerID, err)
			}
		}
		size := min(m.remaining[l.ID], left)
		budget[l.SellerID] = left - size
		if size > 0 {
			offers = append(offers, offer{listing: l, size: size})
		}
	}
	return offers, nil
}

func (m *matcher) matchContestant(ctx context.Context, contestantID string, bids []model.Bid, listings []model.Listing) error {
	contestant, err := m.engine.store.GetContestant(ctx, contestantID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("orders reference unknown contestant", "phase", m.phase.ID, "contestant", contestantID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("contestant %s: %w", contestantID, err)
	}
	if !contestant.IsActive {
		slog.Warn("skipping orders on inactive contestant", "phase", m.phase.ID, "contestant", contestantID)
		return nil
	}

	for _, t := range priceTiers(bids) {
		offers, err := m.eligible(ctx, contestantID, listings, t.price)
		if err != nil {
			return err
		}
		var supply int64
		own := make(map[string]int64)
		for _, o := range offers {
			supply += o.size
			own[o.listing.SellerID] += o.size
		}
		if supply == 0 {
			continue
		}

		var requests []alloc.Request
		for _, b := range t.bids {
			acct, err := m.cash.account(ctx, b.UserID)
			if errors.Is(err, store.ErrNotFound) {
				m.rep.skip("listing", Skip{BidID: b.ID, ContestantID: contestantID, Shares: b.Shares, Reason: "no_portfolio"})
				continue
			}
			if err != nil {
				return fmt.Errorf("portfolio of %s: %w", b.UserID, err)
			}
			want := min(b.Shares, model.AffordableShares(acct.cash, t.price), supply-own[b.UserID])
			if want <= 0 {
				continue
			}
			requests = append(requests, alloc.Request{ID: b.ID, Shares: want})
		}
		if len(requests) == 0 {
			continue
		}

		seedKey := fmt.Sprintf("%s:%s:%s:listing", m.phase.ID, contestantID, t.price.String())
		awarded := alloc.Allocate(requests, supply, seedKey)

		for _, b := range t.bids {
			if n := awarded[b.ID]; n > 0 {
				if err := m.fillBid(ctx, b, n, t.price, offers, seedKey); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// fillBid walks the tier's offers in price order and transfers up to n
// shares to the bidder, one transaction per listing touched. Commit-time
// shortfalls are reported as skips; only store lookups and a done context
// return an error.
func (m *matcher) fillBid(ctx context.Context, b model.Bid, n int64, price decimal.Decimal, offers []offer, seedKey string) error {
	buyer := m.cash.accounts[b.UserID]
	var filled int64

	for _, o := range offers {
		if filled == n {
			break
		}
		l := o.listing
		if l.SellerID == b.UserID {
			continue
		}
		seller, err := m.cash.account(ctx, l.SellerID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("portfolio of seller %s: %w", l.SellerID, err)
		}
		heldKey := l.SellerID + "|" + l.ContestantID
		qty := min(n-filled, m.remaining[l.ID], m.held[heldKey])
		if qty <= 0 {
			continue
		}

		t := transfer{
			bid:        b,
			listingID:  l.ID,
			buyer:      buyer,
			seller:     seller,
			shares:     qty,
			price:      price,
			cumulative: filled + qty,
			at:         m.engine.now(),
		}
		if err := m.engine.commitTransfer(ctx, t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("listing transfer skipped",
				"phase", m.phase.ID,
				"bid", b.ID,
				"listing", l.ID,
				"shares", qty,
				"price", price.String(),
				"err", err,
			)
			m.rep.skip("listing", Skip{BidID: b.ID, ListingID: l.ID, ContestantID: l.ContestantID, Shares: qty, Reason: skipReason(err)})
			if errors.Is(err, store.ErrInsufficientFunds) {
				return nil
			}
			continue
		}

		cost := model.Cost(qty, price)
		buyer.cash = buyer.cash.Sub(cost)
		seller.cash = seller.cash.Add(cost)
		m.remaining[l.ID] -= qty
		m.held[heldKey] -= qty
		filled += qty

		m.rep.award("listing", Award{
			BidID:             b.ID,
			BuyerID:           b.UserID,
			BuyerPortfolioID:  buyer.portfolioID,
			SellerID:          l.SellerID,
			SellerPortfolioID: seller.portfolioID,
			ListingID:         l.ID,
			ContestantID:      l.ContestantID,
			Shares:            qty,
			Price:             price,
		})
		m.engine.record(ctx, &journal.Entry{
			Kind:              journal.KindTransfer,
			SeasonID:          m.phase.SeasonID,
			PhaseID:           m.phase.ID,
			WeekNumber:        m.phase.WeekNumber,
			ContestantID:      l.ContestantID,
			BidID:             b.ID,
			ListingID:         l.ID,
			BuyerPortfolioID:  buyer.portfolioID,
			SellerPortfolioID: seller.portfolioID,
			Shares:            qty,
			Price:             price,
			Amount:            cost,
			SeedKey:           seedKey,
		})
	}
	return nil
}

type transfer struct {
	bid        model.Bid
	listingID  string
	buyer      *account
	seller     *account
	shares     int64
	price      decimal.Decimal
	cumulative int64 // shares moved for the bid so far, including this one
	at         time.Time
}

// commitTransfer moves shares from seller to buyer and cash the other way,
// decrements the listing and marks the bid awarded, all in one transaction.
func (e *Engine) commitTransfer(ctx context.Context, t transfer) error {
	cost := model.Cost(t.shares, t.price)
	contestantID := t.bid.ContestantID

	return e.store.WithTx(ctx, func(tx store.Tx) error {
		// Lock both portfolios in ID order.
		first, second := t.buyer.portfolioID, t.seller.portfolioID
		if second < first {
			first, second = second, first
		}
		for _, id := range []string{first, second} {
			if _, err := tx.GetPortfolioForUpdate(ctx, id); err != nil {
				return err
			}
		}

		l, err := tx.GetListingForUpdate(ctx, t.listingID)
		if err != nil {
			return err
		}
		if l.IsFilled || l.RemainingShares < t.shares {
			return fmt.Errorf("listing %s has %d left, transfer needs %d: %w",
				l.ID, l.RemainingShares, t.shares, store.ErrListingExhausted)
		}

		sold, err := tx.GetHolding(ctx, t.seller.portfolioID, contestantID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seller %s holds none of %s: %w", t.seller.userID, contestantID, store.ErrInsufficientShares)
		}
		if err != nil {
			return err
		}
		if sold.Shares < t.shares {
			return fmt.Errorf("seller %s holds %d of %s, transfer needs %d: %w",
				t.seller.userID, sold.Shares, contestantID, t.shares, store.ErrInsufficientShares)
		}

		if err := tx.AdjustCash(ctx, t.buyer.portfolioID, cost.Neg()); err != nil {
			return err
		}
		if err := tx.AdjustCash(ctx, t.seller.portfolioID, cost); err != nil {
			return err
		}

		sold.Shares -= t.shares
		if err := tx.SaveHolding(ctx, sold); err != nil {
			return err
		}
		bought, err := loadHolding(ctx, tx, t.buyer.portfolioID, contestantID)
		if err != nil {
			return err
		}
		bought.ApplyFill(t.shares, t.price)
		if err := tx.SaveHolding(ctx, bought); err != nil {
			return err
		}

		l.RemainingShares -= t.shares
		if l.RemainingShares == 0 {
			at := t.at
			l.IsFilled = true
			l.BuyerID = t.bid.UserID
			l.FilledAt = &at
		}
		if err := tx.SaveListing(ctx, l); err != nil {
			return err
		}
		return tx.MarkBidAwarded(ctx, t.bid.ID, t.cumulative)
	})
}
