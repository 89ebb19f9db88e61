// journal/schema.go
package journal

const Schema = `
CREATE TABLE IF NOT EXISTS account (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	inception REAL NOT NULL,
	balance REAL NOT NULL,
	peak REAL NOT NULL,
	trough REAL NOT NULL,
	trades INTEGER NOT NULL DEFAULT 0,
	updated DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	exit INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	strategy TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	realized_pl REAL NOT NULL,
	time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_time ON fills(time);
CREATE INDEX IF NOT EXISTS idx_fills_position ON fills(position_id);

CREATE TABLE IF NOT EXISTS risk_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	day DATETIME NOT NULL,
	day_pl REAL NOT NULL,
	reserved_json TEXT NOT NULL,
	trades_today INTEGER NOT NULL,
	consecutive_losses INTEGER NOT NULL,
	last_accept_json TEXT NOT NULL,
	updated DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS halts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	reason TEXT NOT NULL,
	limit_value REAL NOT NULL,
	observed REAL NOT NULL,
	at DATETIME NOT NULL,
	cleared_at DATETIME,
	cleared_by TEXT
);

CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	idem_key TEXT NOT NULL UNIQUE,
	account TEXT NOT NULL,
	event TEXT NOT NULL,
	symbol TEXT NOT NULL,
	bridge_symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	price REAL NOT NULL,
	stop REAL NOT NULL,
	target REAL NOT NULL,
	size_quote REAL NOT NULL,
	quantity REAL NOT NULL,
	risk_amount REAL NOT NULL,
	strategy TEXT NOT NULL,
	magic INTEGER NOT NULL,
	original_id TEXT NOT NULL,
	time DATETIME NOT NULL,
	status TEXT NOT NULL,
	created DATETIME NOT NULL,
	delivered_at DATETIME,
	attempts INTEGER NOT NULL,
	acked_at DATETIME,
	expired_at DATETIME,
	fill_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);

CREATE TABLE IF NOT EXISTS monthly (
	period TEXT PRIMARY KEY,
	opening REAL NOT NULL,
	closing REAL NOT NULL,
	pnl REAL NOT NULL,
	pnl_pct REAL NOT NULL,
	trades INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	created DATETIME NOT NULL,
	dataset TEXT NOT NULL,
	profile TEXT NOT NULL,
	sizer TEXT NOT NULL,
	start_time DATETIME NOT NULL,
	end_time DATETIME NOT NULL,
	start_balance REAL NOT NULL,
	end_balance REAL NOT NULL,
	trades INTEGER NOT NULL,
	wins INTEGER NOT NULL,
	losses INTEGER NOT NULL,
	rejected INTEGER NOT NULL,
	max_dd_pct REAL NOT NULL,
	halts INTEGER NOT NULL
);
`
