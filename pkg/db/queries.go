// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
	ErrPendingExists  = errors.New("a pending trade already exists for this symbol")
	ErrTradeTerminal  = errors.New("trade is already in a terminal status")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Users
// ----------------------------------------

// CreateUser inserts a new user row.
func (q *UserQueries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, plan_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, u.ID, u.Email, u.PasswordHash, u.PlanID)
	return err
}

// GetUserByEmail looks a user up for login.
func (q *UserQueries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, plan_id, created_at, updated_at
		FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.PlanID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

// GetUserByID returns the user row.
func (q *UserQueries) GetUserByID(ctx context.Context, userID string) (User, error) {
	if userID == "" {
		return User{}, ErrUserIDRequired
	}
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, plan_id, created_at, updated_at
		FROM users WHERE id = ?
	`, userID).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.PlanID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

// ----------------------------------------
// Subscription plans
// ----------------------------------------

// UpsertPlan creates or updates a subscription plan.
func (q *UserQueries) UpsertPlan(ctx context.Context, p Plan) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO subscription_plans (id, name, daily_trade_limit, allowed_modes, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			daily_trade_limit = excluded.daily_trade_limit,
			allowed_modes = excluded.allowed_modes,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.Name, p.DailyTradeLimit, strings.Join(p.AllowedModes, ","))
	return err
}

// GetPlan returns a plan by id.
func (q *UserQueries) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var p Plan
	var modes string
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, daily_trade_limit, allowed_modes, created_at, updated_at
		FROM subscription_plans WHERE id = ?
	`, planID).Scan(&p.ID, &p.Name, &p.DailyTradeLimit, &modes, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, err
	}
	p.AllowedModes = splitModes(modes)
	return p, nil
}

// GetPlanForUser resolves a user's current plan.
func (q *UserQueries) GetPlanForUser(ctx context.Context, userID string) (Plan, error) {
	if userID == "" {
		return Plan{}, ErrUserIDRequired
	}
	var p Plan
	var modes string
	err := q.db.QueryRowContext(ctx, `
		SELECT sp.id, sp.name, sp.daily_trade_limit, sp.allowed_modes, sp.created_at, sp.updated_at
		FROM users u
		JOIN subscription_plans sp ON sp.id = u.plan_id
		WHERE u.id = ?
	`, userID).Scan(&p.ID, &p.Name, &p.DailyTradeLimit, &modes, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, err
	}
	p.AllowedModes = splitModes(modes)
	return p, nil
}

func splitModes(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, m := range parts {
		if t := strings.TrimSpace(m); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ----------------------------------------
// Trading config
// ----------------------------------------

// GetTradingConfig loads the per-user config, defaulting to disabled.
func (q *UserQueries) GetTradingConfig(ctx context.Context, userID string) (TradingConfig, error) {
	if userID == "" {
		return TradingConfig{}, ErrUserIDRequired
	}
	var c TradingConfig
	var enabled int
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, enabled, mode, updated_at FROM auto_trading_configs WHERE user_id = ?
	`, userID).Scan(&c.UserID, &enabled, &c.Mode, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return TradingConfig{UserID: userID, Enabled: false, Mode: "conservative"}, nil
	}
	if err != nil {
		return TradingConfig{}, err
	}
	c.Enabled = enabled == 1
	return c, nil
}

// UpsertTradingConfig persists the per-user config.
func (q *UserQueries) UpsertTradingConfig(ctx context.Context, c TradingConfig) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO auto_trading_configs (user_id, enabled, mode, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled = excluded.enabled,
			mode = excluded.mode,
			updated_at = CURRENT_TIMESTAMP
	`, c.UserID, boolToInt(c.Enabled), c.Mode)
	return err
}

// ----------------------------------------
// Sessions
// ----------------------------------------

// GetSession returns the session row for a user; ErrNotFound when the user has
// never enabled auto-trading.
func (q *UserQueries) GetSession(ctx context.Context, userID string) (Session, error) {
	if userID == "" {
		return Session{}, ErrUserIDRequired
	}
	var s Session
	var pausedUntil sql.NullTime
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, status, paused_until, last_reason, last_transition_at
		FROM auto_sessions WHERE user_id = ?
	`, userID).Scan(&s.UserID, &s.Status, &pausedUntil, &s.LastReason, &s.LastTransitionAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if pausedUntil.Valid {
		t := pausedUntil.Time
		s.PausedUntil = &t
	}
	return s, nil
}

// UpsertSession persists a session row. Callers must hold the per-user session
// lock; nothing outside the session state machine should write this table.
func (q *UserQueries) UpsertSession(ctx context.Context, s Session) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	var pausedUntil any
	if s.PausedUntil != nil {
		pausedUntil = *s.PausedUntil
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO auto_sessions (user_id, status, paused_until, last_reason, last_transition_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			paused_until = excluded.paused_until,
			last_reason = excluded.last_reason,
			last_transition_at = excluded.last_transition_at
	`, s.UserID, s.Status, pausedUntil, s.LastReason, s.LastTransitionAt)
	return err
}

// SchedulableUserIDs returns users whose session could become eligible on the
// next tick (active, or paused and due to auto-resume).
func (q *UserQueries) SchedulableUserIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id FROM auto_sessions WHERE status IN (?, ?)
	`, SessionActive, SessionPaused)
	if err != nil {
		return nil, fmt.Errorf("query schedulable users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----------------------------------------
// Daily counters
// ----------------------------------------

// GetCounter returns the counter for a user and trading day (zeros when absent).
func (q *UserQueries) GetCounter(ctx context.Context, userID, tradingDay string) (DailyCounter, error) {
	if userID == "" {
		return DailyCounter{}, ErrUserIDRequired
	}
	c := DailyCounter{UserID: userID, TradingDay: tradingDay}
	err := q.db.QueryRowContext(ctx, `
		SELECT trades_attempted, trades_succeeded FROM daily_counters
		WHERE user_id = ? AND trading_day = ?
	`, userID, tradingDay).Scan(&c.TradesAttempted, &c.TradesSucceeded)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return DailyCounter{}, err
	}
	return c, nil
}

// IncrementAttempted bumps trades_attempted for the trading day.
func (q *UserQueries) IncrementAttempted(ctx context.Context, userID, tradingDay string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO daily_counters (user_id, trading_day, trades_attempted, trades_succeeded)
		VALUES (?, ?, 1, 0)
		ON CONFLICT(user_id, trading_day) DO UPDATE SET
			trades_attempted = trades_attempted + 1
	`, userID, tradingDay)
	return err
}

// IncrementSucceeded bumps trades_succeeded for the trading day.
func (q *UserQueries) IncrementSucceeded(ctx context.Context, userID, tradingDay string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO daily_counters (user_id, trading_day, trades_attempted, trades_succeeded)
		VALUES (?, ?, 0, 1)
		ON CONFLICT(user_id, trading_day) DO UPDATE SET
			trades_succeeded = trades_succeeded + 1
	`, userID, tradingDay)
	return err
}

// ----------------------------------------
// Auto trades
// ----------------------------------------

// InsertPendingTrade creates a trade in pending status. The partial unique
// index on (user_id, symbol) WHERE status='pending' enforces at most one
// in-flight trade per symbol; violations map to ErrPendingExists.
func (q *UserQueries) InsertPendingTrade(ctx context.Context, t AutoTrade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO auto_trades (
			id, user_id, symbol, side, qty, requested_price, status,
			confidence, expected_return, reason, broker_order_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Symbol, t.Side, t.Qty, t.RequestedPrice, TradeStatusPending,
		t.Confidence, t.ExpectedReturn, t.Reason, t.BrokerOrderID, t.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrPendingExists
	}
	return err
}

// SetBrokerOrderID records the broker-side id once the order is accepted.
func (q *UserQueries) SetBrokerOrderID(ctx context.Context, userID, tradeID, brokerOrderID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE auto_trades SET broker_order_id = ?
		WHERE id = ? AND user_id = ? AND status = ?
	`, brokerOrderID, tradeID, userID, TradeStatusPending)
	return err
}

// MarkTradeExecuted settles a pending trade as executed with its fill.
func (q *UserQueries) MarkTradeExecuted(ctx context.Context, userID, tradeID string, fillPrice, fillQty float64, executedAt time.Time) error {
	return q.settleTrade(ctx, userID, tradeID, TradeStatusExecuted, "", &fillPrice, &fillQty, &executedAt)
}

// MarkTradeFailed settles a pending trade as failed with a reason.
func (q *UserQueries) MarkTradeFailed(ctx context.Context, userID, tradeID, reason string) error {
	return q.settleTrade(ctx, userID, tradeID, TradeStatusFailed, reason, nil, nil, nil)
}

// MarkTradeCancelled settles a pending trade as cancelled with a reason.
func (q *UserQueries) MarkTradeCancelled(ctx context.Context, userID, tradeID, reason string) error {
	return q.settleTrade(ctx, userID, tradeID, TradeStatusCancelled, reason, nil, nil, nil)
}

// settleTrade transitions pending -> terminal exactly once. The WHERE guard on
// status makes the transition idempotent; a second settle is ErrTradeTerminal.
func (q *UserQueries) settleTrade(ctx context.Context, userID, tradeID, status, reason string, fillPrice, fillQty *float64, executedAt *time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	var res sql.Result
	var err error
	if status == TradeStatusExecuted {
		res, err = q.db.ExecContext(ctx, `
			UPDATE auto_trades
			SET status = ?, executed_price = ?, qty = ?, executed_at = ?
			WHERE id = ? AND user_id = ? AND status = ?
		`, status, *fillPrice, *fillQty, *executedAt, tradeID, userID, TradeStatusPending)
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE auto_trades
			SET status = ?, reason = ?
			WHERE id = ? AND user_id = ? AND status = ?
		`, status, reason, tradeID, userID, TradeStatusPending)
	}
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", tradeID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTradeTerminal
	}
	return nil
}

// SetRealizedPnL records realized PnL on an executed trade. PnL is the one
// post-terminal field that settles later than the fill itself.
func (q *UserQueries) SetRealizedPnL(ctx context.Context, userID, tradeID string, pnl float64) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE auto_trades SET realized_pnl = ?
		WHERE id = ? AND user_id = ? AND status = ?
	`, pnl, tradeID, userID, TradeStatusExecuted)
	return err
}

// GetTrade returns one trade for a user.
func (q *UserQueries) GetTrade(ctx context.Context, userID, tradeID string) (AutoTrade, error) {
	if userID == "" {
		return AutoTrade{}, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, tradeSelect+` WHERE id = ? AND user_id = ?`, tradeID, userID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return AutoTrade{}, ErrNotFound
	}
	return t, err
}

// PendingTradesByUser returns all pending trades for a user.
func (q *UserQueries) PendingTradesByUser(ctx context.Context, userID string) ([]AutoTrade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, tradeSelect+`
		WHERE user_id = ? AND status = ?
		ORDER BY created_at ASC
	`, userID, TradeStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// StalePendingTrades returns pending trades across all users created before
// the cutoff. Used by the fill poller to settle orders whose synchronous fill
// window expired.
func (q *UserQueries) StalePendingTrades(ctx context.Context, olderThan time.Time) ([]AutoTrade, error) {
	rows, err := q.db.QueryContext(ctx, tradeSelect+`
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
	`, TradeStatusPending, olderThan)
	if err != nil {
		return nil, fmt.Errorf("query stale pending trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListTradesByUser returns trades newest-first with optional filters.
func (q *UserQueries) ListTradesByUser(ctx context.Context, userID string, f TradeFilter) ([]AutoTrade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	query := tradeSelect + ` WHERE user_id = ?`
	args := []any{userID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.StartDate != nil {
		query += ` AND created_at >= ?`
		args = append(args, *f.StartDate)
	}
	if f.EndDate != nil {
		query += ` AND created_at <= ?`
		args = append(args, *f.EndDate)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

const tradeSelect = `
	SELECT id, user_id, symbol, side, qty, requested_price, executed_price,
	       status, confidence, expected_return, realized_pnl, reason,
	       COALESCE(broker_order_id, ''), created_at, executed_at
	FROM auto_trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (AutoTrade, error) {
	var t AutoTrade
	var execPrice, pnl sql.NullFloat64
	var execAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Side, &t.Qty, &t.RequestedPrice,
		&execPrice, &t.Status, &t.Confidence, &t.ExpectedReturn, &pnl, &t.Reason,
		&t.BrokerOrderID, &t.CreatedAt, &execAt)
	if err != nil {
		return AutoTrade{}, err
	}
	if execPrice.Valid {
		v := execPrice.Float64
		t.ExecutedPrice = &v
	}
	if pnl.Valid {
		v := pnl.Float64
		t.RealizedPnL = &v
	}
	if execAt.Valid {
		v := execAt.Time
		t.ExecutedAt = &v
	}
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]AutoTrade, error) {
	var trades []AutoTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Broker links
// ----------------------------------------

// UpsertBrokerLink creates or updates a broker link row.
func (q *UserQueries) UpsertBrokerLink(ctx context.Context, l BrokerLink) error {
	if l.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO broker_links (
			id, user_id, broker_id, is_primary, api_key_encrypted, api_secret_encrypted,
			balance, buying_power, connected, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			broker_id = excluded.broker_id,
			is_primary = excluded.is_primary,
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			balance = excluded.balance,
			buying_power = excluded.buying_power,
			connected = excluded.connected,
			updated_at = CURRENT_TIMESTAMP
	`, l.ID, l.UserID, l.BrokerID, boolToInt(l.IsPrimary), l.APIKeyEncrypted,
		l.APISecretEncrypted, l.Balance, l.BuyingPower, boolToInt(l.Connected))
	return err
}

// GetPrimaryBrokerLink returns the user's primary broker link.
func (q *UserQueries) GetPrimaryBrokerLink(ctx context.Context, userID string) (BrokerLink, error) {
	if userID == "" {
		return BrokerLink{}, ErrUserIDRequired
	}
	var l BrokerLink
	var isPrimary, connected int
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, broker_id, is_primary, api_key_encrypted, api_secret_encrypted,
		       balance, buying_power, connected, updated_at
		FROM broker_links
		WHERE user_id = ? AND is_primary = 1
		LIMIT 1
	`, userID).Scan(&l.ID, &l.UserID, &l.BrokerID, &isPrimary, &l.APIKeyEncrypted,
		&l.APISecretEncrypted, &l.Balance, &l.BuyingPower, &connected, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return BrokerLink{}, ErrNotFound
	}
	if err != nil {
		return BrokerLink{}, err
	}
	l.IsPrimary = isPrimary == 1
	l.Connected = connected == 1
	return l, nil
}

// UpdateBrokerFunds refreshes cached balance and buying power.
func (q *UserQueries) UpdateBrokerFunds(ctx context.Context, userID, linkID string, balance, buyingPower float64, connected bool) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE broker_links
		SET balance = ?, buying_power = ?, connected = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, balance, buyingPower, boolToInt(connected), linkID, userID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
