// Package engine provides a unified interface for the auto-trading core.
// The API layer interacts with the engine only through this interface.
package engine

import (
	"context"
	"time"
)

// Service defines the operations the control surface may invoke.
type Service interface {
	// Session commands
	Enable(ctx context.Context, userID, mode string) error
	Disable(ctx context.Context, userID string) error
	UpdateSettings(ctx context.Context, userID, mode string, enabled *bool) error
	Pause(ctx context.Context, userID string, durationMinutes int, reason string) error
	Resume(ctx context.Context, userID string) error
	EmergencyStop(ctx context.Context, userID, reason string) error

	// Queries
	Status(ctx context.Context, userID string) (*AutoTradingStatus, error)
	ListTrades(ctx context.Context, userID string, f TradeQuery) ([]TradeRecord, error)
	MarketStatus(ctx context.Context) *MarketStatus
	SystemStatus(ctx context.Context) *SystemStatus
}

// AutoTradingStatus is the per-user status view.
type AutoTradingStatus struct {
	Enabled          bool       `json:"enabled"`
	Status           string     `json:"status"`
	Mode             string     `json:"mode"`
	PausedUntil      *time.Time `json:"paused_until,omitempty"`
	LastReason       string     `json:"last_reason,omitempty"`
	DailyLimit       int        `json:"daily_limit"`
	TradesToday      int        `json:"trades_today"`
	TradesSucceeded  int        `json:"trades_succeeded"`
	RemainingTrades  int        `json:"remaining_trades"`
	IsMarketOpen     bool       `json:"is_market_open"`
	HasActiveSession bool       `json:"has_active_session"`
}

// TradeQuery narrows trade history listings.
type TradeQuery struct {
	Status    string
	Symbol    string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// TradeRecord is the JSON view of one automated trade.
type TradeRecord struct {
	ID             string     `json:"id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Qty            float64    `json:"qty"`
	RequestedPrice float64    `json:"requested_price"`
	ExecutedPrice  *float64   `json:"executed_price,omitempty"`
	Status         string     `json:"status"`
	Confidence     float64    `json:"confidence"`
	ExpectedReturn float64    `json:"expected_return"`
	RealizedPnL    *float64   `json:"realized_pnl,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
}

// MarketStatus reports the calendar gate.
type MarketStatus struct {
	Venue      string    `json:"venue"`
	IsOpen     bool      `json:"is_open"`
	TradingDay string    `json:"trading_day"`
	NextOpen   time.Time `json:"next_open"`
	ServerTime time.Time `json:"server_time"`
}

// SystemStatus reports engine runtime configuration.
type SystemStatus struct {
	BrokerMode       string    `json:"broker_mode"`
	UseMockPredictor bool      `json:"use_mock_predictor"`
	Venue            string    `json:"venue"`
	Symbols          []string  `json:"symbols"`
	Version          string    `json:"version"`
	ServerTime       time.Time `json:"server_time"`
}
