package db

import (
	"strings"
	"time"
)

// Trade statuses. A trade is created pending and moves exactly once to a
// terminal status; terminal rows are never mutated again.
const (
	TradeStatusPending   = "pending"
	TradeStatusExecuted  = "executed"
	TradeStatusFailed    = "failed"
	TradeStatusCancelled = "cancelled"
)

// Session statuses.
const (
	SessionDisabled         = "disabled"
	SessionActive           = "active"
	SessionPaused           = "paused"
	SessionEmergencyStopped = "emergency_stopped"
)

// User represents an application user.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	PlanID       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Plan represents a subscription tier and what automation it allows.
type Plan struct {
	ID              string
	Name            string
	DailyTradeLimit int
	AllowedModes    []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AllowsMode reports whether the plan permits the given trading mode.
func (p Plan) AllowsMode(mode string) bool {
	for _, m := range p.AllowedModes {
		if strings.EqualFold(m, mode) {
			return true
		}
	}
	return false
}

// TradingConfig is the per-user auto-trading configuration. Mutated only by
// explicit settings calls, never by the engine itself.
type TradingConfig struct {
	UserID    string
	Enabled   bool
	Mode      string
	UpdatedAt time.Time
}

// Session is the persisted per-user session row. One row per user, created on
// first enable. Writes go through the session state machine only.
type Session struct {
	UserID           string
	Status           string
	PausedUntil      *time.Time
	LastReason       string
	LastTransitionAt time.Time
}

// DailyCounter tracks per-(user, trading day) quota usage. Days are keyed by
// trading session, not calendar midnight.
type DailyCounter struct {
	UserID          string
	TradingDay      string
	TradesAttempted int
	TradesSucceeded int
}

// AutoTrade is a single automated trade record.
type AutoTrade struct {
	ID             string
	UserID         string
	Symbol         string
	Side           string
	Qty            float64
	RequestedPrice float64
	ExecutedPrice  *float64
	Status         string
	Confidence     float64
	ExpectedReturn float64
	RealizedPnL    *float64
	Reason         string
	BrokerOrderID  string
	CreatedAt      time.Time
	ExecutedAt     *time.Time
}

// BrokerLink binds a user to a broker account, with cached funds.
type BrokerLink struct {
	ID                 string
	UserID             string
	BrokerID           string
	IsPrimary          bool
	APIKeyEncrypted    string
	APISecretEncrypted string
	Balance            float64
	BuyingPower        float64
	Connected          bool
	UpdatedAt          time.Time
}

// TradeFilter narrows ListTradesByUser results.
type TradeFilter struct {
	Status    string
	Symbol    string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}
