package persistence

// schema creates every table the pipeline needs. internal/database has no
// migration loader; this pipeline owns one database file and keeps its
// schema inline.
const schema = `
CREATE TABLE IF NOT EXISTS stocks (
	ticker      TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	sector      TEXT NOT NULL DEFAULT '',
	asset_class TEXT NOT NULL DEFAULT '',
	delisted    INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_charts (
	ticker  TEXT NOT NULL,
	date    TEXT NOT NULL,
	open    REAL,
	high    REAL,
	low     REAL,
	close   REAL,
	volume  NUMERIC(18,4),
	indicators_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (ticker, date)
);
CREATE INDEX IF NOT EXISTS idx_daily_charts_ticker ON daily_charts(ticker);

CREATE TABLE IF NOT EXISTS company_fundamentals (
	ticker            TEXT PRIMARY KEY,
	fiscal_period_end TEXT,
	source            TEXT NOT NULL DEFAULT '',
	snapshot_json     TEXT NOT NULL DEFAULT '{}',
	provenance_json   TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS financial_ratios (
	ticker     TEXT PRIMARY KEY,
	as_of      TEXT NOT NULL,
	ratios_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS earnings_calendar (
	ticker     TEXT NOT NULL,
	event_date TEXT NOT NULL,
	reported   INTEGER NOT NULL DEFAULT 0,
	source     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (ticker, event_date)
);

CREATE TABLE IF NOT EXISTS company_scores_current (
	ticker      TEXT PRIMARY KEY,
	as_of       TEXT NOT NULL,
	composite   REAL NOT NULL,
	grade       VARCHAR(20) NOT NULL,
	score_json  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS company_scores_historical (
	ticker      TEXT NOT NULL,
	as_of       TEXT NOT NULL,
	composite   REAL NOT NULL,
	grade       VARCHAR(20) NOT NULL,
	score_json  TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (ticker, as_of)
);

CREATE TABLE IF NOT EXISTS analyst_rating_trends (
	ticker         TEXT NOT NULL,
	as_of          TEXT NOT NULL,
	consensus_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (ticker, as_of)
);
`
