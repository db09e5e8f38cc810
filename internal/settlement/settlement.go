// Package settlement clears trading phases into ownership and cash
// transfers.
//
// Two engines share this package. The auction engine clears offering
// phases against unissued supply; the listing engine clears listing phases
// two-sided against player sell listings. Both process price tiers highest
// first within a contestant, split ties through the seeded allocator in
// package alloc, commit every award in its own short transaction, and
// revalue the season when they finish.
//
// A run keeps a private snapshot of cash balances and seller inventory that
// is updated after each commit. That is enough within one invocation;
// concurrent settlement of the same phase needs an external lock.
package settlement

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/journal"
	"github.com/tribeshares/market-engine/internal/metrics"
	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
	"github.com/tribeshares/market-engine/internal/valuation"
)

var (
	// ErrPhaseNotFound is returned when the phase does not exist.
	ErrPhaseNotFound = errors.New("settlement: phase not found")

	// ErrWrongPhaseType is returned when an engine is asked to settle a
	// phase of a kind it does not clear.
	ErrWrongPhaseType = errors.New("settlement: wrong phase type")

	// ErrPhaseClosed is returned for a phase that has already been closed.
	// Closed phases are never settled again.
	ErrPhaseClosed = errors.New("settlement: phase already closed")
)

// Revaluer recomputes portfolio valuations for a season.
type Revaluer interface {
	Recalculate(ctx context.Context, seasonID string) ([]valuation.Result, error)
}

// Engine runs auction settlement, listing matching and plain closes.
type Engine struct {
	store   store.Store
	valuer  Revaluer
	journal journal.Recorder
	now     func() time.Time
}

// NewEngine wires an engine. A nil recorder disables journaling.
func NewEngine(st store.Store, valuer Revaluer, rec journal.Recorder) *Engine {
	if rec == nil {
		rec = journal.Nop{}
	}
	return &Engine{
		store:   st,
		valuer:  valuer,
		journal: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Award is one committed unit: an auction award (no seller) or a listing
// transfer.
type Award struct {
	BidID             string          `json:"bid_id"`
	BuyerID           string          `json:"buyer_id"`
	BuyerPortfolioID  string          `json:"buyer_portfolio_id"`
	SellerID          string          `json:"seller_id,omitempty"`
	SellerPortfolioID string          `json:"seller_portfolio_id,omitempty"`
	ListingID         string          `json:"listing_id,omitempty"`
	ContestantID      string          `json:"contestant_id"`
	Shares            int64           `json:"shares"`
	Price             decimal.Decimal `json:"price"`
}

// Skip is an award or transfer that was allocated but not committed. The
// bid stays open for operator review.
type Skip struct {
	BidID        string `json:"bid_id"`
	ListingID    string `json:"listing_id,omitempty"`
	ContestantID string `json:"contestant_id"`
	Shares       int64  `json:"shares"`
	Reason       string `json:"reason"`
}

// Report summarises one run.
type Report struct {
	PhaseID     string          `json:"phase_id"`
	SeasonID    string          `json:"season_id"`
	PhaseType   model.PhaseType `json:"phase_type"`
	Awards      []Award         `json:"awards"`
	Skipped     []Skip          `json:"skipped"`
	SharesMoved int64           `json:"shares_moved"`
	CashMoved   decimal.Decimal `json:"cash_moved"`
}

func newReport(p *model.Phase) *Report {
	return &Report{
		PhaseID:   p.ID,
		SeasonID:  p.SeasonID,
		PhaseType: p.Type,
		Awards:    []Award{},
		Skipped:   []Skip{},
		CashMoved: decimal.Zero,
	}
}

func (r *Report) award(kind string, a Award) {
	r.Awards = append(r.Awards, a)
	r.SharesMoved += a.Shares
	r.CashMoved = r.CashMoved.Add(model.Cost(a.Shares, a.Price))
	metrics.Awards.WithLabelValues(kind, "committed").Inc()
	metrics.SharesMoved.WithLabelValues(kind).Add(float64(a.Shares))
}

func (r *Report) skip(kind string, s Skip) {
	r.Skipped = append(r.Skipped, s)
	metrics.Awards.WithLabelValues(kind, s.Reason).Inc()
}

// Close ends a phase, settling it first according to its kind: offering
// phases run the auction, listing phases run the match, game days close
// with nothing to clear.
func (e *Engine) Close(ctx context.Context, phaseID string) (*Report, error) {
	phase, err := e.store.GetPhase(ctx, phaseID)
	if err != nil {
		return nil, phaseLookupError(phaseID, err)
	}

	switch phase.Type.Kind() {
	case model.KindOffering:
		return e.SettleAuction(ctx, phaseID)
	case model.KindListing:
		return e.MatchListings(ctx, phaseID)
	case model.KindGameDay:
		if !phase.IsOpen {
			return nil, fmt.Errorf("phase %s: %w", phaseID, ErrPhaseClosed)
		}
		if err := e.store.ClosePhase(ctx, phaseID); err != nil {
			return nil, fmt.Errorf("close phase %s: %w", phaseID, err)
		}
		slog.Info("phase closed", "phase", phaseID, "type", phase.Type)
		return newReport(phase), nil
	default:
		return nil, fmt.Errorf("phase %s has type %q: %w", phaseID, phase.Type, ErrWrongPhaseType)
	}
}

// openPhase loads a phase and checks it is open and of the wanted kind.
func (e *Engine) openPhase(ctx context.Context, phaseID string, want model.PhaseKind) (*model.Phase, error) {
	phase, err := e.store.GetPhase(ctx, phaseID)
	if err != nil {
		return nil, phaseLookupError(phaseID, err)
	}
	if phase.Type.Kind() != want {
		return nil, fmt.Errorf("phase %s has type %s: %w", phaseID, phase.Type, ErrWrongPhaseType)
	}
	if !phase.IsOpen {
		return nil, fmt.Errorf("phase %s: %w", phaseID, ErrPhaseClosed)
	}
	return phase, nil
}

func phaseLookupError(phaseID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("phase %s: %w", phaseID, ErrPhaseNotFound)
	}
	return fmt.Errorf("load phase %s: %w", phaseID, err)
}

// finish closes the phase and revalues the season. The report is returned
// even when revaluation fails, since the awards are already committed.
func (e *Engine) finish(ctx context.Context, rep *Report) (*Report, error) {
	if err := e.store.ClosePhase(ctx, rep.PhaseID); err != nil {
		return rep, fmt.Errorf("close phase %s: %w", rep.PhaseID, err)
	}
	if _, err := e.valuer.Recalculate(ctx, rep.SeasonID); err != nil {
		return rep, fmt.Errorf("revalue season %s: %w", rep.SeasonID, err)
	}
	return rep, nil
}

func (e *Engine) record(ctx context.Context, entry *journal.Entry) {
	if err := e.journal.Record(ctx, entry); err != nil {
		slog.Warn("journal write failed", "kind", entry.Kind, "bid", entry.BidID, "err", err)
	}
}

// --- Run-scoped snapshot ---

type account struct {
	userID      string
	portfolioID string
	cash        decimal.Decimal
}

// book is the in-memory cash snapshot of one settlement run, keyed by user.
type book struct {
	store    store.Store
	seasonID string
	accounts map[string]*account
}

func newBook(st store.Store, seasonID string) *book {
	return &book{store: st, seasonID: seasonID, accounts: make(map[string]*account)}
}

// account returns the user's snapshot, reading the portfolio once. A user
// without a portfolio in the season yields store.ErrNotFound.
func (b *book) account(ctx context.Context, userID string) (*account, error) {
	if a, ok := b.accounts[userID]; ok {
		return a, nil
	}
	p, err := b.store.GetPortfolio(ctx, userID, b.seasonID)
	if err != nil {
		return nil, err
	}
	a := &account{userID: userID, portfolioID: p.ID, cash: p.CashBalance}
	b.accounts[userID] = a
	return a, nil
}

// --- Grouping ---

// groupByContestant keeps the incoming bid order within each group and
// returns contestant IDs sorted for a stable run order.
func groupByContestant(bids []model.Bid) ([]string, map[string][]model.Bid) {
	groups := make(map[string][]model.Bid)
	for _, b := range bids {
		groups[b.ContestantID] = append(groups[b.ContestantID], b)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, groups
}

type tier struct {
	price decimal.Decimal
	bids  []model.Bid
}

// priceTiers groups bids by price, highest first. Bids inside a tier are
// ordered by creation time then ID.
func priceTiers(bids []model.Bid) []tier {
	index := make(map[string]int)
	var tiers []tier
	for _, b := range bids {
		key := b.Price.String()
		i, ok := index[key]
		if !ok {
			i = len(tiers)
			index[key] = i
			tiers = append(tiers, tier{price: b.Price})
		}
		tiers[i].bids = append(tiers[i].bids, b)
	}
	slices.SortFunc(tiers, func(a, b tier) int { return b.price.Cmp(a.price) })
	for _, t := range tiers {
		slices.SortFunc(t.bids, func(a, b model.Bid) int {
			return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
		})
	}
	return tiers
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, store.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, store.ErrListingExhausted):
		return "listing_exhausted"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	}
	return "error"
}

// loadHolding returns the holding inside tx, or an empty one.
func loadHolding(ctx context.Context, tx store.Tx, portfolioID, contestantID string) (*model.PortfolioStock, error) {
	h, err := tx.GetHolding(ctx, portfolioID, contestantID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.PortfolioStock{PortfolioID: portfolioID, ContestantID: contestantID}, nil
	}
	return h, err
}
