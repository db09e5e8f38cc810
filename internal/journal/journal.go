// Package journal is an append-only SQLite audit trail of every committed
// auction award, listing transfer and dividend credit. It is read back for
// dispute resolution; it is never consulted by settlement itself.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

type Kind string

const (
	KindAward    Kind = "award"
	KindTransfer Kind = "transfer"
	KindDividend Kind = "dividend"
)

// Entry is one committed unit. Fields that do not apply to a kind are left
// zero: a dividend has no phase or price, an award has no seller.
type Entry struct {
	ID                int64           `json:"id"`
	Kind              Kind            `json:"kind"`
	SeasonID          string          `json:"season_id,omitempty"`
	PhaseID           string          `json:"phase_id,omitempty"`
	WeekNumber        int             `json:"week_number,omitempty"`
	ContestantID      string          `json:"contestant_id,omitempty"`
	BidID             string          `json:"bid_id,omitempty"`
	ListingID         string          `json:"listing_id,omitempty"`
	BuyerPortfolioID  string          `json:"buyer_portfolio_id,omitempty"`
	SellerPortfolioID string          `json:"seller_portfolio_id,omitempty"`
	Shares            int64           `json:"shares"`
	Price             decimal.Decimal `json:"price"`
	Amount            decimal.Decimal `json:"amount"`
	SeedKey           string          `json:"seed_key,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Filter narrows Entries. Zero fields match everything; Limit 0 means 500.
type Filter struct {
	Kind     Kind
	SeasonID string
	PhaseID  string
	Limit    int
}

// Recorder is what the engines write through.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// Nop discards entries. Used when no journal path is configured.
type Nop struct{}

func (Nop) Record(context.Context, *Entry) error { return nil }

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Record(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO entries (kind, season_id, phase_id, week_number, contestant_id,
			bid_id, listing_id, buyer_portfolio_id, seller_portfolio_id,
			shares, price, amount, seed_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.SeasonID, e.PhaseID, e.WeekNumber, e.ContestantID,
		e.BidID, e.ListingID, e.BuyerPortfolioID, e.SellerPortfolioID,
		e.Shares, e.Price.String(), e.Amount.String(), e.SeedKey,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal %s: %w", e.Kind, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// Entries returns matching rows oldest first.
func (j *Journal) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.SeasonID != "" {
		where = append(where, "season_id = ?")
		args = append(args, f.SeasonID)
	}
	if f.PhaseID != "" {
		where = append(where, "phase_id = ?")
		args = append(args, f.PhaseID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT id, kind, season_id, phase_id, week_number, contestant_id,
			bid_id, listing_id, buyer_portfolio_id, seller_portfolio_id,
			shares, price, amount, seed_key, created_at
		FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var e Entry
		var kind, price, amount, created string
		if err := rows.Scan(&e.ID, &kind, &e.SeasonID, &e.PhaseID, &e.WeekNumber, &e.ContestantID,
			&e.BidID, &e.ListingID, &e.BuyerPortfolioID, &e.SellerPortfolioID,
			&e.Shares, &price, &amount, &e.SeedKey, &created); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("entry %d price: %w", e.ID, err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("entry %d amount: %w", e.ID, err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("entry %d time: %w", e.ID, err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
