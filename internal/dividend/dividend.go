// Package dividend pays achievement dividends to shareholders.
//
// A week is paid at most once. The guard is the week's game record: it must
// have aired, and it is flagged processed once payouts are written. Each
// portfolio is credited in its own transaction that also refuses to pay a
// portfolio that already has dividend rows for the week, so a run that
// crashed half way can be repeated.
package dividend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/journal"
	"github.com/tribeshares/market-engine/internal/metrics"
	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
	"github.com/tribeshares/market-engine/internal/valuation"
)

// ErrWeekNotAired is returned when the week has no aired game record.
var ErrWeekNotAired = errors.New("dividend: week has not aired")

// Revaluer recomputes portfolio valuations for a season.
type Revaluer interface {
	Recalculate(ctx context.Context, seasonID string) ([]valuation.Result, error)
}

// Payout is the credit to one portfolio for one week.
type Payout struct {
	PortfolioID string           `json:"portfolio_id"`
	Lines       []model.Dividend `json:"lines"`
	Total       decimal.Decimal  `json:"total"`
}

// Report summarises one run. AlreadyProcessed is set when the call was a
// no-op because the week had been paid before.
type Report struct {
	SeasonID         string          `json:"season_id"`
	WeekNumber       int             `json:"week_number"`
	AlreadyProcessed bool            `json:"already_processed"`
	Payouts          []Payout        `json:"payouts"`
	Total            decimal.Decimal `json:"total"`
}

type Processor struct {
	store   store.Store
	valuer  Revaluer
	journal journal.Recorder
	now     func() time.Time
}

// NewProcessor wires a processor. A nil recorder disables journaling.
func NewProcessor(st store.Store, valuer Revaluer, rec journal.Recorder) *Processor {
	if rec == nil {
		rec = journal.Nop{}
	}
	return &Processor{
		store:   st,
		valuer:  valuer,
		journal: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process pays the week's dividends for the season. Calling it again for a
// processed week changes nothing and reports AlreadyProcessed.
func (p *Processor) Process(ctx context.Context, seasonID string, week int) (rep *Report, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRun("dividend", start, err) }()

	game, err := p.store.GetGame(ctx, seasonID, week)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("season %s week %d: %w", seasonID, week, ErrWeekNotAired)
	}
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	if !game.Aired {
		return nil, fmt.Errorf("season %s week %d: %w", seasonID, week, ErrWeekNotAired)
	}

	rep = &Report{SeasonID: seasonID, WeekNumber: week, Payouts: []Payout{}, Total: decimal.Zero}
	if game.DividendProcessed {
		rep.AlreadyProcessed = true
		slog.Info("dividends already processed", "season", seasonID, "week", week)
		return rep, nil
	}

	achievements, err := p.store.ListAchievements(ctx, seasonID, week)
	if err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}
	multipliers := SumMultipliers(achievements)

	if len(multipliers) > 0 {
		names, err := p.contestantNames(ctx, seasonID)
		if err != nil {
			return nil, err
		}
		portfolios, err := p.store.ListPortfolios(ctx, seasonID)
		if err != nil {
			return nil, fmt.Errorf("list portfolios: %w", err)
		}
		for _, pf := range portfolios {
			payout, err := p.payPortfolio(ctx, seasonID, pf.ID, week, multipliers, names)
			if err != nil {
				return rep, fmt.Errorf("pay portfolio %s: %w", pf.ID, err)
			}
			if payout == nil {
				continue
			}
			rep.Payouts = append(rep.Payouts, *payout)
			rep.Total = rep.Total.Add(payout.Total)
		}
	}

	if _, err := p.store.MarkDividendsProcessed(ctx, seasonID, week); err != nil {
		return rep, fmt.Errorf("mark week processed: %w", err)
	}
	metrics.DividendsPaid.Add(rep.Total.InexactFloat64())

	slog.Info("dividends paid",
		"season", seasonID,
		"week", week,
		"achievements", len(achievements),
		"portfolios", len(rep.Payouts),
		"total", rep.Total.String(),
	)

	if _, err := p.valuer.Recalculate(ctx, seasonID); err != nil {
		return rep, fmt.Errorf("revalue season %s: %w", seasonID, err)
	}
	return rep, nil
}

// SumMultipliers totals the per-share payout of each contestant's
// achievements.
func SumMultipliers(achievements []model.Achievement) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, a := range achievements {
		out[a.ContestantID] = out[a.ContestantID].Add(a.Multiplier)
	}
	return out
}

func (p *Processor) contestantNames(ctx context.Context, seasonID string) (map[string]string, error) {
	contestants, err := p.store.ListContestants(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("list contestants: %w", err)
	}
	names := make(map[string]string, len(contestants))
	for _, c := range contestants {
		names[c.ID] = c.Name
	}
	return names, nil
}

// payPortfolio writes the ledger rows and the single cash credit for one
// portfolio. It returns nil when nothing is payable or the portfolio was
// already paid for the week.
func (p *Processor) payPortfolio(ctx context.Context, seasonID, portfolioID string, week int,
	multipliers map[string]decimal.Decimal, names map[string]string) (*Payout, error) {
	holdings, err := p.store.ListHoldings(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	paidAt := p.now()
	payout := &Payout{PortfolioID: portfolioID, Total: decimal.Zero}
	for _, h := range holdings {
		m, ok := multipliers[h.ContestantID]
		if !ok || h.Shares <= 0 {
			continue
		}
		amount := model.RoundCash(m.Mul(decimal.NewFromInt(h.Shares)))
		if !amount.IsPositive() {
			continue
		}
		name := names[h.ContestantID]
		if name == "" {
			name = "Unknown"
		}
		payout.Lines = append(payout.Lines, model.Dividend{
			PortfolioID:    portfolioID,
			WeekNumber:     week,
			ContestantID:   h.ContestantID,
			ContestantName: name,
			Amount:         amount,
			PaidAt:         paidAt,
		})
		payout.Total = payout.Total.Add(amount)
	}
	if len(payout.Lines) == 0 {
		return nil, nil
	}

	paid := false
	err = p.store.WithTx(ctx, func(tx store.Tx) error {
		already, err := tx.HasDividend(ctx, portfolioID, week)
		if err != nil || already {
			paid = already
			return err
		}
		for i := range payout.Lines {
			if err := tx.InsertDividend(ctx, &payout.Lines[i]); err != nil {
				return err
			}
		}
		return tx.AdjustCash(ctx, portfolioID, payout.Total)
	})
	if err != nil {
		return nil, err
	}
	if paid {
		slog.Warn("portfolio already paid for week", "portfolio", portfolioID, "week", week)
		return nil, nil
	}

	for _, line := range payout.Lines {
		p.record(ctx, seasonID, line)
	}
	return payout, nil
}

func (p *Processor) record(ctx context.Context, seasonID string, line model.Dividend) {
	err := p.journal.Record(ctx, &journal.Entry{
		Kind:             journal.KindDividend,
		SeasonID:         seasonID,
		WeekNumber:       line.WeekNumber,
		ContestantID:     line.ContestantID,
		BuyerPortfolioID: line.PortfolioID,
		Amount:           line.Amount,
		CreatedAt:        line.PaidAt,
	})
	if err != nil {
		slog.Warn("journal write failed", "kind", journal.KindDividend, "portfolio", line.PortfolioID, "err", err)
	}
}
