package store

// schemaDDL is the PostgreSQL schema. Money columns are NUMERIC for exact
// decimal precision.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS seasons (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	starting_capital NUMERIC(14,2) NOT NULL,
	is_active        BOOLEAN NOT NULL DEFAULT FALSE,
	start_date       TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS contestants (
	id            TEXT PRIMARY KEY,
	season_id     TEXT NOT NULL REFERENCES seasons(id),
	name          TEXT NOT NULL,
	tribe         TEXT NOT NULL DEFAULT '',
	total_shares  BIGINT NOT NULL DEFAULT 0,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	is_winner     BOOLEAN NOT NULL DEFAULT FALSE,
	eliminated_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_contestants_season ON contestants(season_id);

CREATE TABLE IF NOT EXISTS phases (
	id          TEXT PRIMARY KEY,
	season_id   TEXT NOT NULL REFERENCES seasons(id),
	phase_type  TEXT NOT NULL,
	week_number INTEGER NOT NULL,
	is_open     BOOLEAN NOT NULL DEFAULT TRUE,
	start_date  TIMESTAMPTZ NOT NULL,
	end_date    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS portfolios (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	season_id    TEXT NOT NULL REFERENCES seasons(id),
	cash_balance NUMERIC(14,2) NOT NULL CHECK (cash_balance >= 0),
	total_stock  NUMERIC(14,2) NOT NULL DEFAULT 0,
	net_worth    NUMERIC(14,2) NOT NULL DEFAULT 0,
	movement     NUMERIC(10,2) NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, season_id)
);

CREATE TABLE IF NOT EXISTS portfolio_stocks (
	id            TEXT PRIMARY KEY,
	portfolio_id  TEXT NOT NULL REFERENCES portfolios(id),
	contestant_id TEXT NOT NULL REFERENCES contestants(id),
	shares        BIGINT NOT NULL CHECK (shares >= 0),
	average_price NUMERIC NOT NULL,
	UNIQUE (portfolio_id, contestant_id)
);

CREATE TABLE IF NOT EXISTS bids (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	phase_id       TEXT NOT NULL REFERENCES phases(id),
	contestant_id  TEXT NOT NULL REFERENCES contestants(id),
	shares         BIGINT NOT NULL CHECK (shares > 0),
	price          NUMERIC(14,2) NOT NULL,
	is_awarded     BOOLEAN NOT NULL DEFAULT FALSE,
	awarded_shares BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_bids_open
	ON bids(user_id, phase_id, contestant_id) WHERE NOT is_awarded;
CREATE INDEX IF NOT EXISTS idx_bids_phase ON bids(phase_id);

CREATE TABLE IF NOT EXISTS listings (
	id               TEXT PRIMARY KEY,
	seller_id        TEXT NOT NULL,
	phase_id         TEXT NOT NULL REFERENCES phases(id),
	contestant_id    TEXT NOT NULL REFERENCES contestants(id),
	shares           BIGINT NOT NULL CHECK (shares > 0),
	remaining_shares BIGINT NOT NULL CHECK (remaining_shares >= 0),
	minimum_price    NUMERIC(14,2) NOT NULL,
	is_filled        BOOLEAN NOT NULL DEFAULT FALSE,
	buyer_id         TEXT,
	filled_at        TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_listings_phase ON listings(phase_id);

CREATE TABLE IF NOT EXISTS achievements (
	id            TEXT PRIMARY KEY,
	contestant_id TEXT NOT NULL REFERENCES contestants(id),
	week_number   INTEGER NOT NULL,
	type          TEXT NOT NULL,
	multiplier    NUMERIC(10,2) NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dividends (
	id              TEXT PRIMARY KEY,
	portfolio_id    TEXT NOT NULL REFERENCES portfolios(id),
	week_number     INTEGER NOT NULL,
	contestant_id   TEXT NOT NULL REFERENCES contestants(id),
	contestant_name TEXT NOT NULL,
	amount          NUMERIC(14,2) NOT NULL,
	paid_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (portfolio_id, contestant_id, week_number)
);

CREATE TABLE IF NOT EXISTS games (
	id                 TEXT PRIMARY KEY,
	season_id          TEXT NOT NULL REFERENCES seasons(id),
	episode_number     INTEGER NOT NULL,
	air_date           TIMESTAMPTZ NOT NULL,
	aired              BOOLEAN NOT NULL DEFAULT FALSE,
	dividend_processed BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (season_id, episode_number)
);

CREATE TABLE IF NOT EXISTS stock_prices (
	contestant_id TEXT NOT NULL REFERENCES contestants(id),
	week_number   INTEGER NOT NULL,
	price         NUMERIC(14,2) NOT NULL,
	calculated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (contestant_id, week_number)
);

CREATE TABLE IF NOT EXISTS ratings (
	user_id       TEXT NOT NULL,
	contestant_id TEXT NOT NULL REFERENCES contestants(id),
	week_number   INTEGER NOT NULL,
	value         INTEGER NOT NULL CHECK (value BETWEEN 1 AND 10),
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, contestant_id, week_number)
);
`
