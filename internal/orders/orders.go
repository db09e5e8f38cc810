// Package orders validates and records player bids and sell listings.
//
// Intake enforces the rules the settlement engines rely on: prices on the
// $0.25 grid, offering bids of at least $1.00, one open bid per player per
// contestant per phase, and listings backed by shares the seller holds.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/metrics"
	"github.com/tribeshares/market-engine/internal/model"
	"github.com/tribeshares/market-engine/internal/store"
)

var (
	ErrPhaseNotOpen      = errors.New("orders: phase is not open")
	ErrGameDay           = errors.New("orders: trading is closed on game day")
	ErrNotListingPhase   = errors.New("orders: listings can only be created during listing phases")
	ErrInvalidShares     = errors.New("orders: shares must be at least 1")
	ErrPriceTooLow       = errors.New("orders: price must be at least $0.25")
	ErrPriceGrid         = errors.New("orders: price must be in $0.25 increments")
	ErrOfferingMinimum   = errors.New("orders: offering bids must be at least $1.00")
	ErrNoPortfolio       = errors.New("orders: portfolio not found")
	ErrInvalidContestant = errors.New("orders: invalid contestant")
	ErrDuplicateBid      = errors.New("orders: bid already exists for this contestant")
	ErrNoListings        = errors.New("orders: no active listings available for this contestant")
	ErrBelowListing      = errors.New("orders: bid is below the cheapest available listing")
	ErrDuplicateListing  = errors.New("orders: an active listing for this contestant already exists in this phase")
	ErrNotEnoughShares   = errors.New("orders: not enough shares")
)

var offeringMinimum = decimal.NewFromInt(1)

// Service serializes intake so that check-then-insert rules hold on a
// single instance. Cross-instance uniqueness of open bids is left to the
// store.
type Service struct {
	store store.Store
	mu    sync.Mutex
	now   func() time.Time
}

func NewService(st store.Store) *Service {
	return &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// PlaceBid records a buy order. In a listing phase the bid must reach the
// cheapest open listing offered by someone else.
func (s *Service) PlaceBid(ctx context.Context, userID, phaseID, contestantID string,
	shares int64, price decimal.Decimal) (*model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.placeBid(ctx, userID, phaseID, contestantID, shares, price)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("bid").Inc()
		return nil, err
	}
	slog.Info("bid placed",
		"id", b.ID,
		"user", userID,
		"phase", phaseID,
		"contestant", contestantID,
		"shares", shares,
		"price", price.String(),
	)
	return b, nil
}

func (s *Service) placeBid(ctx context.Context, userID, phaseID, contestantID string,
	shares int64, price decimal.Decimal) (*model.Bid, error) {
	now := s.now()
	phase, err := s.openPhase(ctx, phaseID, now)
	if err != nil {
		return nil, err
	}
	kind := phase.Type.Kind()
	if kind == model.KindGameDay {
		return nil, ErrGameDay
	}
	if err := checkOrder(shares, price); err != nil {
		return nil, err
	}
	if kind == model.KindOffering && price.LessThan(offeringMinimum) {
		return nil, ErrOfferingMinimum
	}
	if err := s.checkPortfolio(ctx, userID, phase.SeasonID); err != nil {
		return nil, err
	}
	if err := s.checkContestant(ctx, contestantID, phase.SeasonID); err != nil {
		return nil, err
	}

	if kind == model.KindListing {
		cheapest, err := s.cheapestListing(ctx, phaseID, contestantID, userID)
		if err != nil {
			return nil, err
		}
		if price.LessThan(cheapest) {
			return nil, fmt.Errorf("bid must be at least %s: %w", cheapest.StringFixed(2), ErrBelowListing)
		}
	}

	b := &model.Bid{
		ID:           uuid.NewString(),
		UserID:       userID,
		PhaseID:      phaseID,
		ContestantID: contestantID,
		Shares:       shares,
		Price:        price,
		CreatedAt:    now,
	}
	if err := s.store.CreateBid(ctx, b); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateBid
		}
		return nil, fmt.Errorf("create bid: %w", err)
	}
	return b, nil
}

// CreateListing records a sell order. The seller may keep one open listing
// per contestant per phase and must hold the shares offered.
func (s *Service) CreateListing(ctx context.Context, sellerID, phaseID, contestantID string,
	shares int64, minimumPrice decimal.Decimal) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.createListing(ctx, sellerID, phaseID, contestantID, shares, minimumPrice)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("listing").Inc()
		return nil, err
	}
	slog.Info("listing created",
		"id", l.ID,
		"seller", sellerID,
		"phase", phaseID,
		"contestant", contestantID,
		"shares", shares,
		"minimum_price", minimumPrice.String(),
	)
	return l, nil
}

func (s *Service) createListing(ctx context.Context, sellerID, phaseID, contestantID string,
	shares int64, minimumPrice decimal.Decimal) (*model.Listing, error) {
	now := s.now()
	phase, err := s.openPhase(ctx, phaseID, now)
	if err != nil {
		return nil, err
	}
	if !phase.Type.AcceptsListings() {
		return nil, ErrNotListingPhase
	}
	if err := checkOrder(shares, minimumPrice); err != nil {
		return nil, err
	}

	portfolio, err := s.store.GetPortfolio(ctx, sellerID, phase.SeasonID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPortfolio
	}
	if err != nil {
		return nil, fmt.Errorf("load portfolio: %w", err)
	}
	if err := s.checkContestant(ctx, contestantID, phase.SeasonID); err != nil {
		return nil, err
	}

	open, err := s.store.ListOpenListings(ctx, phaseID)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	for _, l := range open {
		if l.SellerID == sellerID && l.ContestantID == contestantID {
			return nil, ErrDuplicateListing
		}
	}

	holding, err := s.store.GetHolding(ctx, portfolio.ID, contestantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotEnoughShares
	}
	if err != nil {
		return nil, fmt.Errorf("load holding: %w", err)
	}
	if holding.Shares < shares {
		return nil, fmt.Errorf("holding %d, listing %d: %w", holding.Shares, shares, ErrNotEnoughShares)
	}

	l := &model.Listing{
		ID:              uuid.NewString(),
		SellerID:        sellerID,
		PhaseID:         phaseID,
		ContestantID:    contestantID,
		Shares:          shares,
		RemainingShares: shares,
		MinimumPrice:    minimumPrice,
		CreatedAt:       now,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return l, nil
}

// checkOrder applies the size and price-grid rules shared by bids and
// listings.
func checkOrder(shares int64, price decimal.Decimal) error {
	if shares < 1 {
		return ErrInvalidShares
	}
	if price.LessThan(model.MinimumPrice()) {
		return ErrPriceTooLow
	}
	if !model.OnQuarterGrid(price) {
		return ErrPriceGrid
	}
	return nil
}

func (s *Service) openPhase(ctx context.Context, phaseID string, now time.Time) (*model.Phase, error) {
	phase, err := s.store.GetPhase(ctx, phaseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("phase %s: %w", phaseID, ErrPhaseNotOpen)
	}
	if err != nil {
		return nil, fmt.Errorf("load phase: %w", err)
	}
	if !phase.AcceptingAt(now) {
		return nil, fmt.Errorf("phase %s: %w", phaseID, ErrPhaseNotOpen)
	}
	return phase, nil
}

func (s *Service) checkPortfolio(ctx context.Context, userID, seasonID string) error {
	_, err := s.store.GetPortfolio(ctx, userID, seasonID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoPortfolio
	}
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}
	return nil
}

func (s *Service) checkContestant(ctx context.Context, contestantID, seasonID string) error {
	c, err := s.store.GetContestant(ctx, contestantID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidContestant
	}
	if err != nil {
		return fmt.Errorf("load contestant: %w", err)
	}
	if c.SeasonID != seasonID || !c.IsActive {
		return ErrInvalidContestant
	}
	return nil
}

// cheapestListing is the lowest minimum price among open listings for the
// contestant not offered by the bidder.
func (s *Service) cheapestListing(ctx context.Context, phaseID, contestantID, bidderID string) (decimal.Decimal, error) {
	open, err := s.store.ListOpenListings(ctx, phaseID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list listings: %w", err)
	}
	for _, l := range open {
		if l.ContestantID == contestantID && l.SellerID != bidderID && l.RemainingShares > 0 {
			// ordered by minimum price
			return l.MinimumPrice, nil
		}
	}
	return decimal.Zero, ErrNoListings
}
