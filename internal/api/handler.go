// Package api exposes the market engine over HTTP: administrative triggers
// for settlement, dividends, valuation, issuance, pricing and the weekly
// season actions, player order intake, and read endpoints for portfolios
// and the audit journal.
// Authentication happens upstream; the acting player arrives in the
// X-User-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

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

// UserHeader carries the authenticated player id.
const UserHeader = "X-User-ID"

const (
	// RequestTimeout bounds player requests.
	RequestTimeout = 30 * time.Second
	// DefaultAdminTimeout bounds an admin run, which is detached from the
	// request.
	DefaultAdminTimeout = 10 * time.Minute
)

// JournalReader reads back audit entries.
type JournalReader interface {
	Entries(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// Services bundles the domain services the handlers drive. Journal may be
// nil when no journal is configured.
type Services struct {
	Settlement *settlement.Engine
	Dividends  *dividend.Processor
	Valuation  *valuation.Service
	Issuance   *issuance.Service
	Pricing    *pricing.Service
	Orders     *orders.Service
	Season     *season.Service
	Journal    JournalReader
}

// Handler serves the HTTP API. Pass a nil hub to disable websocket
// broadcasts.
type Handler struct {
	store        store.Store
	svc          Services
	hub          *Hub
	adminTimeout time.Duration
}

func NewHandler(st store.Store, svc Services, hub *Hub) *Handler {
	return &Handler{store: st, svc: svc, hub: hub, adminTimeout: DefaultAdminTimeout}
}

// WithAdminTimeout overrides DefaultAdminTimeout.
func (h *Handler) WithAdminTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.adminTimeout = d
	}
	return h
}

// Routes registers every API route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Post("/phases/{phaseID}/settle", h.SettlePhase)
			r.Post("/phases/{phaseID}/match", h.MatchPhase)
			r.Post("/phases/{phaseID}/close", h.ClosePhase)
			r.Post("/seasons/{seasonID}/dividends/{week}", h.ProcessDividends)
			r.Post("/seasons/{seasonID}/revalue", h.Revalue)
			r.Post("/seasons/{seasonID}/shares", h.AllocateShares)
			r.Post("/seasons/{seasonID}/prices/{week}", h.PublishPrices)
			r.Post("/seasons/{seasonID}/weeks/{week}/aired", h.MarkWeekAired)
			r.Post("/seasons/{seasonID}/achievements", h.LogAchievement)
			r.Post("/contestants/{contestantID}/eliminate", h.EliminateContestant)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))
			r.Post("/bids", h.PlaceBid)
			r.Post("/listings", h.CreateListing)
			r.Post("/ratings", h.Rate)
			r.Get("/portfolios/{portfolioID}", h.GetPortfolio)
			r.Get("/journal", h.ListJournal)
		})

		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// BidRequest is the JSON body for POST /api/v1/bids.
type BidRequest struct {
	PhaseID      string          `json:"phase_id"`
	ContestantID string          `json:"contestant_id"`
	Shares       int64           `json:"shares"`
	Price        decimal.Decimal `json:"price"`
}

// ListingRequest is the JSON body for POST /api/v1/listings.
type ListingRequest struct {
	PhaseID      string          `json:"phase_id"`
	ContestantID string          `json:"contestant_id"`
	Shares       int64           `json:"shares"`
	MinimumPrice decimal.Decimal `json:"minimum_price"`
}

// RatingRequest is the JSON body for POST /api/v1/ratings.
type RatingRequest struct {
	ContestantID string `json:"contestant_id"`
	WeekNumber   int    `json:"week_number"`
	Value        int    `json:"value"`
}

// AchievementRequest is the JSON body for
// POST /api/v1/admin/seasons/{seasonID}/achievements.
type AchievementRequest struct {
	ContestantID string                `json:"contestant_id"`
	WeekNumber   int                   `json:"week_number"`
	Type         model.AchievementType `json:"type"`
}

// PortfolioResponse is a portfolio with its holdings and dividend ledger.
type PortfolioResponse struct {
	model.Portfolio
	Holdings  []model.PortfolioStock `json:"holdings"`
	Dividends []model.Dividend       `json:"dividends"`
}

// --- Admin handlers ---

// SettlePhase handles POST /api/v1/admin/phases/{phaseID}/settle
func (h *Handler) SettlePhase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	rep, err := h.svc.Settlement.SettleAuction(ctx, chi.URLParam(r, "phaseID"))
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	h.publishReport(EventPhaseSettled, rep)
	writeJSON(w, http.StatusOK, rep)
}

// MatchPhase handles POST /api/v1/admin/phases/{phaseID}/match
func (h *Handler) MatchPhase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	rep, err := h.svc.Settlement.MatchListings(ctx, chi.URLParam(r, "phaseID"))
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	h.publishReport(EventListingsMatched, rep)
	writeJSON(w, http.StatusOK, rep)
}

// ClosePhase handles POST /api/v1/admin/phases/{phaseID}/close
func (h *Handler) ClosePhase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	rep, err := h.svc.Settlement.Close(ctx, chi.URLParam(r, "phaseID"))
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	switch rep.PhaseType.Kind() {
	case model.KindOffering:
		h.publishReport(EventPhaseSettled, rep)
	case model.KindListing:
		h.publishReport(EventListingsMatched, rep)
	default:
		h.publish(Event{Type: EventPhaseClosed, SeasonID: rep.SeasonID, PhaseID: rep.PhaseID})
	}
	writeJSON(w, http.StatusOK, rep)
}

// ProcessDividends handles POST /api/v1/admin/seasons/{seasonID}/dividends/{week}
func (h *Handler) ProcessDividends(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	week, ok := weekParam(w, r)
	if !ok {
		return
	}
	seasonID := chi.URLParam(r, "seasonID")

	rep, err := h.svc.Dividends.Process(ctx, seasonID, week)
	switch {
	case errors.Is(err, dividend.ErrWeekNotAired):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("dividend processing failed", "season", seasonID, "week", week, "err", err)
		writeError(w, "dividend processing failed", http.StatusInternalServerError)
		return
	}

	if !rep.AlreadyProcessed {
		h.publish(Event{
			Type:       EventDividendsPaid,
			SeasonID:   seasonID,
			WeekNumber: week,
			Count:      len(rep.Payouts),
			Amount:     rep.Total.StringFixed(2),
		})
		h.publish(Event{Type: EventPortfoliosRevalued, SeasonID: seasonID})
	}
	writeJSON(w, http.StatusOK, rep)
}

// Revalue handles POST /api/v1/admin/seasons/{seasonID}/revalue
func (h *Handler) Revalue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	seasonID := chi.URLParam(r, "seasonID")
	results, err := h.svc.Valuation.Recalculate(ctx, seasonID)
	if err != nil {
		slog.Error("revaluation failed", "season", seasonID, "err", err)
		writeError(w, "revaluation failed", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []valuation.Result{}
	}
	h.publish(Event{Type: EventPortfoliosRevalued, SeasonID: seasonID, Count: len(results)})
	writeJSON(w, http.StatusOK, results)
}

// AllocateShares handles POST /api/v1/admin/seasons/{seasonID}/shares
func (h *Handler) AllocateShares(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	seasonID := chi.URLParam(r, "seasonID")
	totals, err := h.svc.Issuance.Allocate(ctx, seasonID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "season not found", http.StatusNotFound)
		return
	case errors.Is(err, issuance.ErrNoContestants):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("share issuance failed", "season", seasonID, "err", err)
		writeError(w, "share issuance failed", http.StatusInternalServerError)
		return
	}
	h.publish(Event{Type: EventSharesIssued, SeasonID: seasonID, Count: len(totals)})
	writeJSON(w, http.StatusOK, totals)
}

// PublishPrices handles POST /api/v1/admin/seasons/{seasonID}/prices/{week}
func (h *Handler) PublishPrices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	week, ok := weekParam(w, r)
	if !ok {
		return
	}
	seasonID := chi.URLParam(r, "seasonID")

	prices, err := h.svc.Pricing.PublishWeek(ctx, seasonID, week)
	if err != nil {
		slog.Error("price publication failed", "season", seasonID, "week", week, "err", err)
		writeError(w, "price publication failed", http.StatusInternalServerError)
		return
	}
	h.publish(Event{Type: EventPricesPublished, SeasonID: seasonID, WeekNumber: week, Count: len(prices)})
	h.publish(Event{Type: EventPortfoliosRevalued, SeasonID: seasonID})
	writeJSON(w, http.StatusOK, prices)
}

// MarkWeekAired handles POST /api/v1/admin/seasons/{seasonID}/weeks/{week}/aired
func (h *Handler) MarkWeekAired(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	week, ok := weekParam(w, r)
	if !ok {
		return
	}
	seasonID := chi.URLParam(r, "seasonID")

	game, err := h.svc.Season.MarkAired(ctx, seasonID, week)
	if err != nil {
		writeSeasonError(w, err)
		return
	}
	h.publish(Event{Type: EventWeekAired, SeasonID: seasonID, WeekNumber: week})
	writeJSON(w, http.StatusOK, game)
}

// LogAchievement handles POST /api/v1/admin/seasons/{seasonID}/achievements
func (h *Handler) LogAchievement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	var req AchievementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := h.svc.Season.LogAchievement(ctx, chi.URLParam(r, "seasonID"), req.ContestantID, req.WeekNumber, req.Type)
	if err != nil {
		writeSeasonError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// EliminateContestant handles POST /api/v1/admin/contestants/{contestantID}/eliminate
func (h *Handler) EliminateContestant(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.adminContext(r)
	defer cancel()
	contestantID := chi.URLParam(r, "contestantID")

	results, err := h.svc.Season.Eliminate(ctx, contestantID)
	if err != nil {
		writeSeasonError(w, err)
		return
	}
	if results == nil {
		results = []valuation.Result{}
	}
	c, err := h.store.GetContestant(ctx, contestantID)
	if err == nil {
		h.publish(Event{Type: EventContestantEliminated, SeasonID: c.SeasonID, ContestantID: contestantID})
		h.publish(Event{Type: EventPortfoliosRevalued, SeasonID: c.SeasonID, Count: len(results)})
	}
	writeJSON(w, http.StatusOK, results)
}

// --- Player handlers ---

// PlaceBid handles POST /api/v1/bids
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bid, err := h.svc.Orders.PlaceBid(r.Context(), userID, req.PhaseID, req.ContestantID, req.Shares, req.Price)
	if err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// CreateListing handles POST /api/v1/listings
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req ListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	listing, err := h.svc.Orders.CreateListing(r.Context(), userID, req.PhaseID, req.ContestantID, req.Shares, req.MinimumPrice)
	if err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// Rate handles POST /api/v1/ratings
func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req RatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rating, err := h.svc.Pricing.Rate(r.Context(), userID, req.ContestantID, req.WeekNumber, req.Value)
	switch {
	case errors.Is(err, pricing.ErrInvalidRating), errors.Is(err, pricing.ErrContestantEliminated):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "contestant not found", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("rating failed", "user", userID, "err", err)
		writeError(w, "rating failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	ctx := r.Context()

	p, err := h.store.GetPortfolioByID(ctx, portfolioID)
	if err != nil {
		writeError(w, "portfolio not found", http.StatusNotFound)
		return
	}
	holdings, err := h.store.ListHoldings(ctx, portfolioID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}
	dividends, err := h.store.ListDividends(ctx, portfolioID)
	if err != nil {
		writeError(w, "failed to load dividends", http.StatusInternalServerError)
		return
	}
	if holdings == nil {
		holdings = []model.PortfolioStock{}
	}
	if dividends == nil {
		dividends = []model.Dividend{}
	}

	writeJSON(w, http.StatusOK, PortfolioResponse{Portfolio: *p, Holdings: holdings, Dividends: dividends})
}

// ListJournal handles GET /api/v1/journal
// Optional filters: ?kind=, ?season_id=, ?phase_id=, ?limit=.
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	if h.svc.Journal == nil {
		writeError(w, "journal is not enabled", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	f := journal.Filter{
		Kind:     journal.Kind(q.Get("kind")),
		SeasonID: q.Get("season_id"),
		PhaseID:  q.Get("phase_id"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	entries, err := h.svc.Journal.Entries(r.Context(), f)
	if err != nil {
		slog.Error("journal read failed", "err", err)
		writeError(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

func (h *Handler) publish(ev Event) {
	if h.hub != nil {
		h.hub.Broadcast(ev)
	}
}

func (h *Handler) publishReport(typ string, rep *settlement.Report) {
	h.publish(Event{
		Type:        typ,
		SeasonID:    rep.SeasonID,
		PhaseID:     rep.PhaseID,
		Awards:      len(rep.Awards),
		Skipped:     len(rep.Skipped),
		SharesMoved: rep.SharesMoved,
		Amount:      rep.CashMoved.StringFixed(2),
	})
	h.publish(Event{Type: EventPortfoliosRevalued, SeasonID: rep.SeasonID})
}

// adminContext detaches an admin run from the request so a dropped client
// cannot cancel it, bounded by the handler's admin timeout.
func (h *Handler) adminContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.adminTimeout)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func weekParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	week, err := strconv.Atoi(chi.URLParam(r, "week"))
	if err != nil || week < 1 {
		writeError(w, "week must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return week, true
}

func writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrPhaseNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, settlement.ErrWrongPhaseType):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, settlement.ErrPhaseClosed):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("settlement failed", "err", err)
		writeError(w, "settlement failed", http.StatusInternalServerError)
	}
}

func writeSeasonError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, season.ErrInvalidWeek),
		errors.Is(err, season.ErrUnknownAchievement),
		errors.Is(err, season.ErrWrongSeason):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, season.ErrAlreadyEliminated):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("season admin action failed", "err", err)
		writeError(w, "season admin action failed", http.StatusInternalServerError)
	}
}

// orderRejections are intake failures caused by the request itself.
var orderRejections = []error{
	orders.ErrPhaseNotOpen,
	orders.ErrGameDay,
	orders.ErrNotListingPhase,
	orders.ErrInvalidShares,
	orders.ErrPriceTooLow,
	orders.ErrPriceGrid,
	orders.ErrOfferingMinimum,
	orders.ErrInvalidContestant,
	orders.ErrNoListings,
	orders.ErrBelowListing,
	orders.ErrNotEnoughShares,
}

func writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orders.ErrNoPortfolio):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, orders.ErrDuplicateBid), errors.Is(err, orders.ErrDuplicateListing):
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	for _, target := range orderRejections {
		if errors.Is(err, target) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	slog.Error("order intake failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
