package journal

const schemaDDL = `
CREATE TABLE IF NOT EXISTS entries (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	kind                TEXT NOT NULL,
	season_id           TEXT NOT NULL DEFAULT '',
	phase_id            TEXT NOT NULL DEFAULT '',
	week_number         INTEGER NOT NULL DEFAULT 0,
	contestant_id       TEXT NOT NULL DEFAULT '',
	bid_id              TEXT NOT NULL DEFAULT '',
	listing_id          TEXT NOT NULL DEFAULT '',
	buyer_portfolio_id  TEXT NOT NULL DEFAULT '',
	seller_portfolio_id TEXT NOT NULL DEFAULT '',
	shares              INTEGER NOT NULL DEFAULT 0,
	price               TEXT NOT NULL DEFAULT '0',
	amount              TEXT NOT NULL DEFAULT '0',
	seed_key            TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_phase ON entries(phase_id);
CREATE INDEX IF NOT EXISTS idx_entries_season ON entries(season_id, week_number);
CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);
`
