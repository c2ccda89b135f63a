package events

import "time"

// Event enumerates high-level topics inside the auto-trading engine.
type Event string

const (
	EventStatusUpdate   Event = "status_update"
	EventSessionChange  Event = "session_change"
	EventTradePending   Event = "trade.pending"
	EventTradeExecuted  Event = "trade.executed"
	EventTradeFailed    Event = "trade.failed"
	EventTradeCancelled Event = "trade.cancelled"
	EventEmergencyStop  Event = "emergency_stop"
	EventMarketStatus   Event = "market_status"
)

// Envelope is the payload wrapper delivered to subscribers. UserID scopes the
// event to one tenant; Priority marks events a UI should surface immediately.
type Envelope struct {
	UserID   string    `json:"user_id"`
	Event    Event     `json:"event"`
	Priority string    `json:"priority"` // "normal" or "high"
	Payload  any       `json:"payload"`
	At       time.Time `json:"at"`
}
