package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    plan_id TEXT NOT NULL DEFAULT 'free',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subscription_plans (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    daily_trade_limit INTEGER NOT NULL DEFAULT 0,
    allowed_modes TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS auto_trading_configs (
    user_id TEXT PRIMARY KEY,
    enabled INTEGER NOT NULL DEFAULT 0,
    mode TEXT NOT NULL DEFAULT 'conservative',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS auto_sessions (
    user_id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'disabled',
    paused_until DATETIME,
    last_reason TEXT NOT NULL DEFAULT '',
    last_transition_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS daily_counters (
    user_id TEXT NOT NULL,
    trading_day TEXT NOT NULL,
    trades_attempted INTEGER NOT NULL DEFAULT 0,
    trades_succeeded INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(user_id, trading_day)
);

CREATE TABLE IF NOT EXISTS auto_trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    requested_price REAL NOT NULL,
    executed_price REAL,
    status TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    expected_return REAL NOT NULL DEFAULT 0,
    realized_pnl REAL,
    reason TEXT NOT NULL DEFAULT '',
    broker_order_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    executed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_auto_trades_user_created
    ON auto_trades(user_id, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_auto_trades_one_pending
    ON auto_trades(user_id, symbol) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS broker_links (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    broker_id TEXT NOT NULL,
    is_primary INTEGER NOT NULL DEFAULT 0,
    api_key_encrypted TEXT NOT NULL DEFAULT '',
    api_secret_encrypted TEXT NOT NULL DEFAULT '',
    balance REAL NOT NULL DEFAULT 0,
    buying_power REAL NOT NULL DEFAULT 0,
    connected INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "users", "plan_id", "TEXT NOT NULL DEFAULT 'free'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "auto_trades", "broker_order_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "broker_links", "buying_power", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
