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

// SettleAuction clears the open bids of an offering phase against each
// contestant's unissued supply (total shares minus shares held anywhere
// in the season), then closes the phase and revalues the season.
//
// Only un-awarded bids are read, so a run interrupted by a crash can be
// repeated on the still-open phase.
func (e *Engine) SettleAuction(ctx context.Context, phaseID string) (rep *Report, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRun("auction", start, err) }()

	phase, err := e.openPhase(ctx, phaseID, model.KindOffering)
	if err != nil {
		return nil, err
	}
	bids, err := e.store.ListOpenBids(ctx, phaseID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}

	rep = newReport(phase)
	cash := newBook(e.store, phase.SeasonID)
	contestants, groups := groupByContestant(bids)

	for _, contestantID := range contestants {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := e.auctionContestant(ctx, phase, contestantID, groups[contestantID], cash, rep); err != nil {
			return rep, err
		}
	}

	slog.Info("auction settled",
		"phase", phase.ID,
		"season", phase.SeasonID,
		"bids", len(bids),
		"awards", len(rep.Awards),
		"skipped", len(rep.Skipped),
		"shares", rep.SharesMoved,
		"cash", rep.CashMoved.String(),
	)
	return e.finish(ctx, rep)
}

func (e *Engine) auctionContestant(ctx context.Context, phase *model.Phase, contestantID string,
	bids []model.Bid, cash *book, rep *Report) error {
	contestant, err := e.store.GetContestant(ctx, contestantID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("bids reference unknown contestant", "phase", phase.ID, "contestant", contestantID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("contestant %s: %w", contestantID, err)
	}
	if !contestant.IsActive || contestant.SeasonID != phase.SeasonID {
		slog.Warn("skipping bids on inactive contestant", "phase", phase.ID, "contestant", contestantID)
		return nil
	}

	held, err := e.store.SumSharesHeld(ctx, phase.SeasonID, contestantID)
	if err != nil {
		return fmt.Errorf("shares held of %s: %w", contestantID, err)
	}
	supply := max(contestant.TotalShares-held, 0)

	for _, t := range priceTiers(bids) {
		if supply == 0 {
			break
		}

		var requests []alloc.Request
		for _, b := range t.bids {
			acct, err := cash.account(ctx, b.UserID)
			if errors.Is(err, store.ErrNotFound) {
				rep.skip("auction", Skip{BidID: b.ID, ContestantID: contestantID, Shares: b.Shares, Reason: "no_portfolio"})
				continue
			}
			if err != nil {
				return fmt.Errorf("portfolio of %s: %w", b.UserID, err)
			}
			want := min(b.Shares, model.AffordableShares(acct.cash, t.price))
			if want <= 0 {
				continue
			}
			requests = append(requests, alloc.Request{ID: b.ID, Shares: want})
		}
		if len(requests) == 0 {
			continue
		}

		seedKey := fmt.Sprintf("%s:%s:%s", phase.ID, contestantID, t.price.String())
		awarded := alloc.Allocate(requests, supply, seedKey)

		for _, b := range t.bids {
			n := awarded[b.ID]
			if n <= 0 {
				continue
			}
			acct := cash.accounts[b.UserID]
			if err := e.commitAward(ctx, acct, b, n, t.price); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("auction award skipped",
					"phase", phase.ID,
					"bid", b.ID,
					"user", b.UserID,
					"shares", n,
					"price", t.price.String(),
					"err", err,
				)
				rep.skip("auction", Skip{BidID: b.ID, ContestantID: contestantID, Shares: n, Reason: skipReason(err)})
				continue
			}

			cost := model.Cost(n, t.price)
			acct.cash = acct.cash.Sub(cost)
			supply -= n

			rep.award("auction", Award{
				BidID:            b.ID,
				BuyerID:          b.UserID,
				BuyerPortfolioID: acct.portfolioID,
				ContestantID:     contestantID,
				Shares:           n,
				Price:            t.price,
			})
			e.record(ctx, &journal.Entry{
				Kind:             journal.KindAward,
				SeasonID:         phase.SeasonID,
				PhaseID:          phase.ID,
				WeekNumber:       phase.WeekNumber,
				ContestantID:     contestantID,
				BidID:            b.ID,
				BuyerPortfolioID: acct.portfolioID,
				Shares:           n,
				Price:            t.price,
				Amount:           cost,
				SeedKey:          seedKey,
			})
		}
	}
	return nil
}

// commitAward moves n shares at price into the bidder's holding in one
// transaction. Cash is re-checked against the locked row, not the snapshot.
func (e *Engine) commitAward(ctx context.Context, acct *account, b model.Bid, n int64, price decimal.Decimal) error {
	cost := model.Cost(n, price)
	return e.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPortfolioForUpdate(ctx, acct.portfolioID)
		if err != nil {
			return err
		}
		if p.CashBalance.LessThan(cost) {
			return fmt.Errorf("portfolio %s has %s, award costs %s: %w",
				p.ID, p.CashBalance, cost, store.ErrInsufficientFunds)
		}
		if err := tx.AdjustCash(ctx, p.ID, cost.Neg()); err != nil {
			return err
		}

		h, err := loadHolding(ctx, tx, p.ID, b.ContestantID)
		if err != nil {
			return err
		}
		h.ApplyFill(n, price)
		if err := tx.SaveHolding(ctx, h); err != nil {
			return err
		}
		return tx.MarkBidAwarded(ctx, b.ID, n)
	})
}
