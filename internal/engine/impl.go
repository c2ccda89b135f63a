package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrade-core/internal/evaluator"
	"autotrade-core/internal/market"
	"autotrade-core/internal/session"
	"autotrade-core/pkg/db"
)

// Version is stamped at build time.
var Version = "dev"

// Impl is the concrete engine service.
type Impl struct {
	queries  *db.UserQueries
	sessions *session.Manager
	calendar *market.Calendar
	cfg      Config
}

// Config carries the static runtime facts surfaced by SystemStatus.
type Config struct {
	BrokerMode       string
	UseMockPredictor bool
	WatchSymbols     []string
}

// NewImpl creates the engine service.
func NewImpl(queries *db.UserQueries, sessions *session.Manager, calendar *market.Calendar, cfg Config) *Impl {
	return &Impl{
		queries:  queries,
		sessions: sessions,
		calendar: calendar,
		cfg:      cfg,
	}
}

func (e *Impl) Enable(ctx context.Context, userID, mode string) error {
	return e.sessions.Enable(ctx, userID, mode)
}

func (e *Impl) Disable(ctx context.Context, userID string) error {
	return e.sessions.Disable(ctx, userID)
}

// UpdateSettings applies a declarative settings write: the mode, and
// optionally the enabled flag. Toggling enabled goes through the same
// session transitions as the enable/disable endpoints; writes that match
// the current state are no-ops rather than conflicts. The new mode takes
// effect on the next tick.
func (e *Impl) UpdateSettings(ctx context.Context, userID, mode string, enabled *bool) error {
	parsed, err := evaluator.ParseMode(mode)
	if err != nil {
		return err
	}
	plan, err := e.queries.GetPlanForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve plan: %w", err)
	}
	if !plan.AllowsMode(string(parsed)) {
		return session.ErrModeNotAllowed
	}

	if enabled != nil {
		if *enabled {
			switch err := e.sessions.Enable(ctx, userID, string(parsed)); {
			case err == nil:
				// Enable already persisted the mode.
				return nil
			case errors.Is(err, session.ErrInvalidTransition):
				// Already active or paused; fall through to the mode change.
			default:
				return err
			}
		} else {
			if err := e.sessions.Disable(ctx, userID); err != nil && !errors.Is(err, session.ErrAlreadyDisabled) {
				return err
			}
		}
	}

	return e.sessions.WithUserLock(userID, func() error {
		cfg, err := e.queries.GetTradingConfig(ctx, userID)
		if err != nil {
			return err
		}
		cfg.UserID = userID
		cfg.Mode = string(parsed)
		return e.queries.UpsertTradingConfig(ctx, cfg)
	})
}

func (e *Impl) Pause(ctx context.Context, userID string, durationMinutes int, reason string) error {
	return e.sessions.Pause(ctx, userID, durationMinutes, reason)
}

func (e *Impl) Resume(ctx context.Context, userID string) error {
	return e.sessions.Resume(ctx, userID)
}

func (e *Impl) EmergencyStop(ctx context.Context, userID, reason string) error {
	return e.sessions.EmergencyStop(ctx, userID, reason)
}

// Status assembles the per-user dashboard view: session, config, quota, and
// the market gate.
func (e *Impl) Status(ctx context.Context, userID string) (*AutoTradingStatus, error) {
	s, err := e.sessions.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.queries.GetTradingConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := e.queries.GetPlanForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	counter, err := e.queries.GetCounter(ctx, userID, e.calendar.TradingDay(now))
	if err != nil {
		return nil, err
	}

	remaining := plan.DailyTradeLimit - counter.TradesAttempted
	if remaining < 0 {
		remaining = 0
	}
	return &AutoTradingStatus{
		Enabled:          cfg.Enabled,
		Status:           s.Status,
		Mode:             cfg.Mode,
		PausedUntil:      s.PausedUntil,
		LastReason:       s.LastReason,
		DailyLimit:       plan.DailyTradeLimit,
		TradesToday:      counter.TradesAttempted,
		TradesSucceeded:  counter.TradesSucceeded,
		RemainingTrades:  remaining,
		IsMarketOpen:     e.calendar.IsOpen(now),
		HasActiveSession: s.Status == db.SessionActive || s.Status == db.SessionPaused,
	}, nil
}

func (e *Impl) ListTrades(ctx context.Context, userID string, f TradeQuery) ([]TradeRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	trades, err := e.queries.ListTradesByUser(ctx, userID, db.TradeFilter{
		Status:    f.Status,
		Symbol:    f.Symbol,
		StartDate: f.StartDate,
		EndDate:   f.EndDate,
		Limit:     f.Limit,
		Offset:    f.Offset,
	})
	if err != nil {
		return nil, err
	}

	records := make([]TradeRecord, 0, len(trades))
	for _, t := range trades {
		records = append(records, TradeRecord{
			ID:             t.ID,
			Symbol:         t.Symbol,
			Side:           t.Side,
			Qty:            t.Qty,
			RequestedPrice: t.RequestedPrice,
			ExecutedPrice:  t.ExecutedPrice,
			Status:         t.Status,
			Confidence:     t.Confidence,
			ExpectedReturn: t.ExpectedReturn,
			RealizedPnL:    t.RealizedPnL,
			Reason:         t.Reason,
			CreatedAt:      t.CreatedAt,
			ExecutedAt:     t.ExecutedAt,
		})
	}
	return records, nil
}

func (e *Impl) MarketStatus(_ context.Context) *MarketStatus {
	now := time.Now()
	return &MarketStatus{
		Venue:      e.calendar.Venue(),
		IsOpen:     e.calendar.IsOpen(now),
		TradingDay: e.calendar.TradingDay(now),
		NextOpen:   e.calendar.NextOpen(now),
		ServerTime: now.UTC(),
	}
}

func (e *Impl) SystemStatus(_ context.Context) *SystemStatus {
	return &SystemStatus{
		BrokerMode:       e.cfg.BrokerMode,
		UseMockPredictor: e.cfg.UseMockPredictor,
		Venue:            e.calendar.Venue(),
		Symbols:          e.cfg.WatchSymbols,
		Version:          Version,
		ServerTime:       time.Now().UTC(),
	}
}
