package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tribeshares/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("schema migration: %w", err)
	}
	return nil
}

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// --- Seasons ---

func (s *PostgresStore) CreateSeason(ctx context.Context, season *model.Season) error {
	season.ID = newID(season.ID)
	if season.CreatedAt.IsZero() {
		season.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seasons (id, name, starting_capital, is_active, start_date, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		season.ID, season.Name, season.StartingCapital.String(), season.IsActive, season.StartDate, season.CreatedAt,
	)
	if uniqueViolation(err) {
		return fmt.Errorf("season %s: %w", season.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetSeason(ctx context.Context, id string) (*model.Season, error) {
	var season model.Season
	var capital string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, starting_capital::TEXT, is_active, start_date, created_at
		 FROM seasons WHERE id = $1`, id).
		Scan(&season.ID, &season.Name, &capital, &season.IsActive, &season.StartDate, &season.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get season "+id)
	}
	season.StartingCapital = dec(capital)
	return &season, nil
}

// --- Contestants ---

const contestantColumns = `id, season_id, name, tribe, total_shares, is_active, is_winner, eliminated_at`

func scanContestant(row pgx.Row) (*model.Contestant, error) {
	var c model.Contestant
	if err := row.Scan(&c.ID, &c.SeasonID, &c.Name, &c.Tribe, &c.TotalShares,
		&c.IsActive, &c.IsWinner, &c.EliminatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateContestant(ctx context.Context, c *model.Contestant) error {
	c.ID = newID(c.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contestants (`+contestantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.SeasonID, c.Name, c.Tribe, c.TotalShares, c.IsActive, c.IsWinner, c.EliminatedAt,
	)
	if uniqueViolation(err) {
		return fmt.Errorf("contestant %s: %w", c.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetContestant(ctx context.Context, id string) (*model.Contestant, error) {
	c, err := scanContestant(s.pool.QueryRow(ctx,
		`SELECT `+contestantColumns+` FROM contestants WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get contestant "+id)
	}
	return c, nil
}

func (s *PostgresStore) ListContestants(ctx context.Context, seasonID string) ([]model.Contestant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contestantColumns+` FROM contestants WHERE season_id = $1 ORDER BY name, id`, seasonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Contestant
	for rows.Next() {
		c, err := scanContestant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetContestantShares(ctx context.Context, id string, total int64) error {
	return s.execOne(ctx, "contestant "+id,
		`UPDATE contestants SET total_shares = $2 WHERE id = $1`, id, total)
}

func (s *PostgresStore) EliminateContestant(ctx context.Context, id string) error {
	return s.execOne(ctx, "contestant "+id,
		`UPDATE contestants SET is_active = FALSE, eliminated_at = now() WHERE id = $1`, id)
}

// execOne runs a single-row update and maps zero affected rows to ErrNotFound.
func (s *PostgresStore) execOne(ctx context.Context, what, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// --- Phases ---

func (s *PostgresStore) CreatePhase(ctx context.Context, p *model.Phase) error {
	p.ID = newID(p.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO phases (id, season_id, phase_type, week_number, is_open, start_date, end_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.SeasonID, string(p.Type), p.WeekNumber, p.IsOpen, p.StartDate, p.EndDate,
	)
	if uniqueViolation(err) {
		return fmt.Errorf("phase %s: %w", p.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetPhase(ctx context.Context, id string) (*model.Phase, error) {
	var p model.Phase
	var phaseType string
	err := s.pool.QueryRow(ctx,
		`SELECT id, season_id, phase_type, week_number, is_open, start_date, end_date
		 FROM phases WHERE id = $1`, id).
		Scan(&p.ID, &p.SeasonID, &phaseType, &p.WeekNumber, &p.IsOpen, &p.StartDate, &p.EndDate)
	if err != nil {
		return nil, notFound(err, "get phase "+id)
	}
	if p.Type, err = model.ParsePhaseType(phaseType); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ClosePhase(ctx context.Context, id string) error {
	return s.execOne(ctx, "phase "+id, `UPDATE phases SET is_open = FALSE WHERE id = $1`, id)
}

// --- Portfolios and holdings ---

const portfolioColumns = `id, user_id, season_id, cash_balance::TEXT, total_stock::TEXT,
	net_worth::TEXT, movement::TEXT, created_at`

func scanPortfolio(row pgx.Row) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, stock, worth, movement string
	if err := row.Scan(&p.ID, &p.UserID, &p.SeasonID, &cash, &stock, &worth, &movement, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CashBalance = dec(cash)
	p.TotalStock = dec(stock)
	p.NetWorth = dec(worth)
	p.Movement = dec(movement)
	return &p, nil
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	p.ID = newID(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (id, user_id, season_id, cash_balance, total_stock, net_worth, movement, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		p.ID, p.UserID, p.SeasonID,
		p.CashBalance.String(), p.TotalStock.String(), p.NetWorth.String(), p.Movement.String(),
		p.CreatedAt,
	)
	if uniqueViolation(err) {
		return fmt.Errorf("portfolio for user %s in season %s: %w", p.UserID, p.SeasonID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID, seasonID string) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE user_id = $1 AND season_id = $2`, userID, seasonID))
	if err != nil {
		return nil, notFound(err, "get portfolio for user "+userID)
	}
	return p, nil
}

func (s *PostgresStore) GetPortfolioByID(ctx context.Context, id string) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get portfolio "+id)
	}
	return p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context, seasonID string) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE season_id = $1 ORDER BY created_at, id`, seasonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdatePortfolioValuation(ctx context.Context, id string, totalStock, netWorth, movement decimal.Decimal) error {
	return s.execOne(ctx, "portfolio "+id,
		`UPDATE portfolios
		 SET total_stock = $2::NUMERIC, net_worth = $3::NUMERIC, movement = $4::NUMERIC
		 WHERE id = $1`,
		id, totalStock.String(), netWorth.String(), movement.String())
}

func scanHolding(row pgx.Row) (*model.PortfolioStock, error) {
	var h model.PortfolioStock
	var avg string
	if err := row.Scan(&h.ID, &h.PortfolioID, &h.ContestantID, &h.Shares, &avg); err != nil {
		return nil, err
	}
	h.AveragePrice = dec(avg)
	return &h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, portfolioID string) ([]model.PortfolioStock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, contestant_id, shares, average_price::TEXT
		 FROM portfolio_stocks WHERE portfolio_id = $1 ORDER BY contestant_id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PortfolioStock
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetHolding(ctx context.Context, portfolioID, contestantID string) (*model.PortfolioStock, error) {
	return getHolding(ctx, s.pool, portfolioID, contestantID, false)
}

func getHolding(ctx context.Context, q querier, portfolioID, contestantID string, lock bool) (*model.PortfolioStock, error) {
	sql := `SELECT id, portfolio_id, contestant_id, shares, average_price::TEXT
		 FROM portfolio_stocks WHERE portfolio_id = $1 AND contestant_id = $2`
	if lock {
		sql += ` FOR UPDATE`
	}
	h, err := scanHolding(q.QueryRow(ctx, sql, portfolioID, contestantID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("holding %s/%s", portfolioID, contestantID))
	}
	return h, nil
}

func (s *PostgresStore) SumSharesHeld(ctx context.Context, seasonID, contestantID string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(ps.shares), 0)
		 FROM portfolio_stocks ps
		 JOIN portfolios p ON p.id = ps.portfolio_id
		 WHERE p.season_id = $1 AND ps.contestant_id = $2`, seasonID, contestantID).Scan(&total)
	return total, err
}

// --- Orders ---

const bidColumns = `id, user_id, phase_id, contestant_id, shares, price::TEXT, is_awarded, awarded_shares, created_at`

func scanBid(row pgx.Row) (*model.Bid, error) {
	var b model.Bid
	var price string
	if err := row.Scan(&b.ID, &b.UserID, &b.PhaseID, &b.ContestantID, &b.Shares,
		&price, &b.IsAwarded, &b.AwardedShares, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Price = dec(price)
	return &b, nil
}

func (s *PostgresStore) CreateBid(ctx context.Context, b *model.Bid) error {
	b.ID = newID(b.ID)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bids (id, user_id, phase_id, contestant_id, shares, price, is_awarded, awarded_shares, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		b.ID, b.UserID, b.PhaseID, b.ContestantID, b.Shares, b.Price.String(),
		b.IsAwarded, b.AwardedShares, b.CreatedAt,
	)
	if uniqueViolation(err) {
		return fmt.Errorf("bid for user %s on contestant %s: %w", b.UserID, b.ContestantID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) queryBids(ctx context.Context, sql string, args ...any) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListOpenBids(ctx context.Context, phaseID string) ([]model.Bid, error) {
	return s.queryBids(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE phase_id = $1 AND NOT is_awarded ORDER BY created_at, id`, phaseID)
}

func (s *PostgresStore) ListBidsByUser(ctx context.Context, userID string) ([]model.Bid, error) {
	return s.queryBids(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
}

const listingColumns = `id, seller_id, phase_id, contestant_id, shares, remaining_shares,
	minimum_price::TEXT, is_filled, COALESCE(buyer_id, ''), filled_at, created_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var minPrice string
	if err := row.Scan(&l.ID, &l.SellerID, &l.PhaseID, &l.ContestantID, &l.Shares, &l.RemainingShares,
		&minPrice, &l.IsFilled, &l.BuyerID, &l.FilledAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.MinimumPrice = dec(minPrice)
	return &l, nil
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	l.ID = newID(l.ID)
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.RemainingShares == 0 && !l.IsFilled {
		l.RemainingShares = l.Shares
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, seller_id, phase_id, contestant_id, shares, remaining_shares,
		                       minimum_price, is_filled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)`,
		l.ID, l.SellerID, l.PhaseID, l.ContestantID, l.Shares, l.RemainingShares,
		l.MinimumPrice.String(), l.IsFilled, l.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListOpenListings(ctx context.Context, phaseID string) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE phase_id = $1 AND NOT is_filled
		 ORDER BY minimum_price, created_at, id`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

// --- Achievements and dividends ---

func (s *PostgresStore) CreateAchievement(ctx context.Context, a *model.Achievement) error {
	a.ID = newID(a.ID)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO achievements (id, contestant_id, week_number, type, multiplier, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		a.ID, a.ContestantID, a.WeekNumber, string(a.Type), a.Multiplier.String(), a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAchievements(ctx context.Context, seasonID string, week int) ([]model.Achievement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.contestant_id, a.week_number, a.type, a.multiplier::TEXT, a.created_at
		 FROM achievements a
		 JOIN contestants c ON c.id = a.contestant_id
		 WHERE c.season_id = $1 AND a.week_number = $2
		 ORDER BY a.created_at, a.id`, seasonID, week)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Achievement
	for rows.Next() {
		var a model.Achievement
		var typ, mult string
		if err := rows.Scan(&a.ID, &a.ContestantID, &a.WeekNumber, &typ, &mult, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = model.AchievementType(typ)
		a.Multiplier = dec(mult)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListDividends(ctx context.Context, portfolioID string) ([]model.Dividend, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, week_number, contestant_id, contestant_name, amount::TEXT, paid_at
		 FROM dividends WHERE portfolio_id = $1 ORDER BY week_number, contestant_id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Dividend
	for rows.Next() {
		var d model.Dividend
		var amount string
		if err := rows.Scan(&d.ID, &d.PortfolioID, &d.WeekNumber, &d.ContestantID,
			&d.ContestantName, &amount, &d.PaidAt); err != nil {
			return nil, err
		}
		d.Amount = dec(amount)
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- Games ---

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game) error {
	g.ID = newID(g.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO games (id, season_id, episode_number, air_date, aired, dividend_processed)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.SeasonID, g.EpisodeNumber, g.AirDate, g.Aired, g.DividendProcessed,
	)
	if uniqueViolation(err) {
		return fmt.Errorf("game %d in season %s: %w", g.EpisodeNumber, g.SeasonID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetGame(ctx context.Context, seasonID string, week int) (*model.Game, error) {
	var g model.Game
	err := s.pool.QueryRow(ctx,
		`SELECT id, season_id, episode_number, air_date, aired, dividend_processed
		 FROM games WHERE season_id = $1 AND episode_number = $2`, seasonID, week).
		Scan(&g.ID, &g.SeasonID, &g.EpisodeNumber, &g.AirDate, &g.Aired, &g.DividendProcessed)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("game %d in season %s", week, seasonID))
	}
	return &g, nil
}

func (s *PostgresStore) MarkGameAired(ctx context.Context, seasonID string, week int) error {
	return s.execOne(ctx, fmt.Sprintf("game %d in season %s", week, seasonID),
		`UPDATE games SET aired = TRUE WHERE season_id = $1 AND episode_number = $2`, seasonID, week)
}

func (s *PostgresStore) MarkDividendsProcessed(ctx context.Context, seasonID string, week int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET dividend_processed = TRUE
		 WHERE season_id = $1 AND episode_number = $2 AND aired AND NOT dividend_processed`,
		seasonID, week)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CurrentWeek(ctx context.Context, seasonID string) (int, error) {
	var week int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(episode_number), 1) FROM games WHERE season_id = $1 AND aired`, seasonID).Scan(&week)
	return week, err
}

// --- Prices and ratings ---

func (s *PostgresStore) SaveStockPrice(ctx context.Context, p *model.StockPrice) error {
	if p.CalculatedAt.IsZero() {
		p.CalculatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stock_prices (contestant_id, week_number, price, calculated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (contestant_id, week_number) DO UPDATE SET
			price = excluded.price,
			calculated_at = excluded.calculated_at`,
		p.ContestantID, p.WeekNumber, p.Price.String(), p.CalculatedAt,
	)
	return err
}

func (s *PostgresStore) LatestStockPrice(ctx context.Context, contestantID string, week int) (*model.StockPrice, error) {
	var p model.StockPrice
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT contestant_id, week_number, price::TEXT, calculated_at
		 FROM stock_prices
		 WHERE contestant_id = $1 AND week_number <= $2
		 ORDER BY week_number DESC LIMIT 1`, contestantID, week).
		Scan(&p.ContestantID, &p.WeekNumber, &price, &p.CalculatedAt)
	if err != nil {
		return nil, notFound(err, "price for contestant "+contestantID)
	}
	p.Price = dec(price)
	return &p, nil
}

func (s *PostgresStore) SaveRating(ctx context.Context, r *model.Rating) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ratings (user_id, contestant_id, week_number, value, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, contestant_id, week_number) DO UPDATE SET value = excluded.value`,
		r.UserID, r.ContestantID, r.WeekNumber, r.Value, r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListRatings(ctx context.Context, contestantID string, week int) ([]model.Rating, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, contestant_id, week_number, value, created_at
		 FROM ratings WHERE contestant_id = $1 AND week_number = $2 ORDER BY user_id`, contestantID, week)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Rating
	for rows.Next() {
		var r model.Rating
		if err := rows.Scan(&r.UserID, &r.ContestantID, &r.WeekNumber, &r.Value, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Transactions ---

// WithTx runs fn inside a READ COMMITTED transaction. Rows fetched through
// the Tx are locked with SELECT ... FOR UPDATE.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetPortfolioForUpdate(ctx context.Context, id string) (*model.Portfolio, error) {
	p, err := scanPortfolio(t.tx.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "lock portfolio "+id)
	}
	return p, nil
}

func (t *postgresTx) AdjustCash(ctx context.Context, portfolioID string, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE portfolios SET cash_balance = cash_balance + $2::NUMERIC
		 WHERE id = $1 AND cash_balance + $2::NUMERIC >= 0`,
		portfolioID, delta.String())
	if err != nil {
		return fmt.Errorf("adjust cash %s: %w", portfolioID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s cannot absorb %s: %w", portfolioID, delta, ErrInsufficientFunds)
	}
	return nil
}

func (t *postgresTx) GetHolding(ctx context.Context, portfolioID, contestantID string) (*model.PortfolioStock, error) {
	return getHolding(ctx, t.tx, portfolioID, contestantID, true)
}

func (t *postgresTx) SaveHolding(ctx context.Context, h *model.PortfolioStock) error {
	h.ID = newID(h.ID)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO portfolio_stocks (id, portfolio_id, contestant_id, shares, average_price)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC)
		 ON CONFLICT (portfolio_id, contestant_id) DO UPDATE SET
			shares = excluded.shares,
			average_price = excluded.average_price`,
		h.ID, h.PortfolioID, h.ContestantID, h.Shares, h.AveragePrice.String(),
	)
	return err
}

func (t *postgresTx) MarkBidAwarded(ctx context.Context, bidID string, shares int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE bids SET is_awarded = TRUE, awarded_shares = $2 WHERE id = $1`, bidID, shares)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bid %s: %w", bidID, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "lock listing "+id)
	}
	return l, nil
}

func (t *postgresTx) SaveListing(ctx context.Context, l *model.Listing) error {
	var buyer *string
	if l.BuyerID != "" {
		buyer = &l.BuyerID
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE listings
		 SET remaining_shares = $2, is_filled = $3, buyer_id = $4, filled_at = $5
		 WHERE id = $1`,
		l.ID, l.RemainingShares, l.IsFilled, buyer, l.FilledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) InsertDividend(ctx context.Context, d *model.Dividend) error {
	d.ID = newID(d.ID)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO dividends (id, portfolio_id, week_number, contestant_id, contestant_name, amount, paid_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		d.ID, d.PortfolioID, d.WeekNumber, d.ContestantID, d.ContestantName, d.Amount.String(), d.PaidAt,
	)
	if uniqueViolation(err) {
		return fmt.Errorf("dividend for portfolio %s week %d: %w", d.PortfolioID, d.WeekNumber, ErrDuplicate)
	}
	return err
}

func (t *postgresTx) HasDividend(ctx context.Context, portfolioID string, week int) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dividends WHERE portfolio_id = $1 AND week_number = $2)`,
		portfolioID, week).Scan(&exists)
	return exists, err
}
