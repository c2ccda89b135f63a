// Package orchestrator runs the per-user evaluate-and-execute control loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"autotrade-core/internal/broker"
	"autotrade-core/internal/evaluator"
	"autotrade-core/internal/events"
	"autotrade-core/internal/market"
	"autotrade-core/internal/monitor"
	"autotrade-core/internal/notify"
	"autotrade-core/internal/prediction"
	"autotrade-core/internal/session"
	"autotrade-core/pkg/cache"
	"autotrade-core/pkg/db"
)

// Tick skip reason codes. Skips are not failures; only broker rejections and
// exhausted retries produce a failed trade row.
const (
	SkipNotActive             = "not_active"
	SkipMarketClosed          = "market_closed"
	SkipLimitExceeded         = "limit_exceeded"
	SkipBrokerUnavailable     = "broker_unavailable"
	SkipPredictionUnavailable = "prediction_unavailable"
	SkipPendingExists         = "pending_exists"
)

// Config bounds the blocking edges of a tick.
type Config struct {
	WatchSymbols      []string
	PredictionTimeout time.Duration
	OrderPlaceTimeout time.Duration
	FillPollTimeout   time.Duration
	MaxRetries        int
	RetryBackoff      []time.Duration
}

func (c *Config) applyDefaults() {
	if c.PredictionTimeout <= 0 {
		c.PredictionTimeout = 2 * time.Second
	}
	if c.OrderPlaceTimeout <= 0 {
		c.OrderPlaceTimeout = 5 * time.Second
	}
	if c.FillPollTimeout <= 0 {
		c.FillPollTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if len(c.RetryBackoff) == 0 {
		c.RetryBackoff = []time.Duration{time.Second, 3 * time.Second}
	}
}

// Orchestrator drives one user through gate checks, evaluation, and execution.
// The whole sequence runs under the user's session lock, so a concurrent
// pause or emergency stop lands strictly before or after a tick.
type Orchestrator struct {
	queries   *db.UserQueries
	sessions  *session.Manager
	calendar  *market.Calendar
	predictor prediction.Predictor
	adapter   broker.Adapter
	funds     *broker.FundsService
	publisher *notify.Publisher
	quotes    *cache.ShardedQuoteCache
	metrics   *monitor.SystemMetrics
	cancels   *CancelQueue
	cfg       Config
}

// New builds an orchestrator and registers it as the session manager's
// pending-trade canceller.
func New(
	queries *db.UserQueries,
	sessions *session.Manager,
	calendar *market.Calendar,
	predictor prediction.Predictor,
	adapter broker.Adapter,
	funds *broker.FundsService,
	publisher *notify.Publisher,
	quotes *cache.ShardedQuoteCache,
	metrics *monitor.SystemMetrics,
	cfg Config,
) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		queries:   queries,
		sessions:  sessions,
		calendar:  calendar,
		predictor: predictor,
		adapter:   adapter,
		funds:     funds,
		publisher: publisher,
		quotes:    quotes,
		metrics:   metrics,
		cfg:       cfg,
	}
	o.cancels = NewCancelQueue(queries, adapter, publisher)
	sessions.SetCanceller(o)
	return o
}

// CancelQueue exposes the async cancel retry queue for startup wiring.
func (o *Orchestrator) CancelQueue() *CancelQueue {
	return o.cancels
}

// Tick evaluates and executes one user once, under the user's session lock.
func (o *Orchestrator) Tick(ctx context.Context, userID string) error {
	start := time.Now()
	o.metrics.IncrementTicks()
	err := o.sessions.WithUserLock(userID, func() error {
		return o.tickLocked(ctx, userID)
	})
	o.metrics.TickLatency.RecordDuration(time.Since(start))
	if err != nil {
		o.metrics.IncrementErrors()
	}
	return err
}

func (o *Orchestrator) tickLocked(ctx context.Context, userID string) error {
	now := time.Now()

	s, err := o.sessions.StatusLocked(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	if s.Status != db.SessionActive {
		o.skip(userID, SkipNotActive, s.Status)
		return nil
	}

	if !o.calendar.IsOpen(now) {
		o.skip(userID, SkipMarketClosed, o.calendar.Venue())
		return nil
	}

	day := o.calendar.TradingDay(now)
	plan, err := o.queries.GetPlanForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve plan: %w", err)
	}
	counter, err := o.queries.GetCounter(ctx, userID, day)
	if err != nil {
		return fmt.Errorf("load counter: %w", err)
	}
	if counter.TradesAttempted >= plan.DailyTradeLimit {
		o.skip(userID, SkipLimitExceeded, fmt.Sprintf("%d/%d", counter.TradesAttempted, plan.DailyTradeLimit))
		o.publishStatus(userID, day, counter, plan, SkipLimitExceeded)
		return nil
	}

	// Broker outage is not the user's fault; skip without charging the limit.
	funds, err := o.funds.Fetch(ctx, userID)
	if err != nil {
		if errors.Is(err, broker.ErrDisconnected) || broker.IsTransient(err) {
			o.skip(userID, SkipBrokerUnavailable, err.Error())
			return nil
		}
		return fmt.Errorf("fetch funds: %w", err)
	}

	cfg, err := o.queries.GetTradingConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	mode, err := evaluator.ParseMode(cfg.Mode)
	if err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}

	pending, err := o.queries.PendingTradesByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load pending trades: %w", err)
	}
	pendingSymbols := make(map[string]bool, len(pending))
	deployed := 0.0
	for _, t := range pending {
		pendingSymbols[t.Symbol] = true
		deployed += t.Qty * t.RequestedPrice
	}
	deployed += o.executedValueToday(ctx, userID, now)

	attempted := counter.TradesAttempted
	for _, symbol := range o.candidates(ctx, userID) {
		if attempted >= plan.DailyTradeLimit {
			break
		}
		if pendingSymbols[symbol] {
			o.skip(userID, SkipPendingExists, symbol)
			continue
		}

		pred, err := o.predict(ctx, symbol)
		if err != nil {
			o.skip(userID, SkipPredictionUnavailable, symbol)
			continue
		}

		intent, rejection, err := evaluator.Evaluate(evaluator.Input{
			Symbol:         symbol,
			Mode:           mode,
			Confidence:     pred.Confidence,
			ExpectedReturn: pred.ExpectedReturn,
			CurrentPrice:   pred.Price,
			BuyingPower:    funds.BuyingPower,
			TotalCapital:   funds.Available + deployed,
			DeployedValue:  deployed,
		})
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", symbol, err)
		}
		if rejection != nil {
			o.skip(userID, rejection.Reason, rejection.Detail)
			continue
		}

		executed, err := o.execute(ctx, userID, day, intent)
		if err != nil {
			return err
		}
		attempted++
		if executed {
			deployed += intent.PositionValue
		}
	}

	counter, err = o.queries.GetCounter(ctx, userID, day)
	if err != nil {
		return fmt.Errorf("reload counter: %w", err)
	}
	o.publishStatus(userID, day, counter, plan, "")
	return nil
}

// candidates asks the predictor for its current signal symbols, falling back
// to the configured watch list when it has none to offer.
func (o *Orchestrator) candidates(ctx context.Context, userID string) []string {
	lister, ok := o.predictor.(prediction.CandidateLister)
	if !ok {
		return o.cfg.WatchSymbols
	}
	listCtx, cancel := context.WithTimeout(ctx, o.cfg.PredictionTimeout)
	defer cancel()
	symbols, err := lister.Candidates(listCtx, userID)
	if err != nil || len(symbols) == 0 {
		return o.cfg.WatchSymbols
	}
	return symbols
}

// predict calls the prediction client under its own timeout and caches the
// quote for status endpoints.
func (o *Orchestrator) predict(ctx context.Context, symbol string) (prediction.Prediction, error) {
	start := time.Now()
	predCtx, cancel := context.WithTimeout(ctx, o.cfg.PredictionTimeout)
	defer cancel()

	pred, err := o.predictor.Predict(predCtx, symbol)
	o.metrics.PredictionLatency.RecordDuration(time.Since(start))
	if err != nil {
		log.Printf("orchestrator: prediction for %s unavailable: %v", symbol, err)
		return prediction.Prediction{}, err
	}
	o.quotes.Set(symbol, cache.Quote{
		Price:          pred.Price,
		Confidence:     pred.Confidence,
		ExpectedReturn: pred.ExpectedReturn,
	})
	return pred, nil
}

// execute submits one accepted intent: pending row, counter charge, placement
// with retries, and fill settlement. Returns whether the trade reached the
// executed status within the fill window. Runs to completion before the user
// lock is released so at most one order per user is in flight.
func (o *Orchestrator) execute(ctx context.Context, userID, day string, intent *evaluator.Intent) (bool, error) {
	now := time.Now().UTC()
	trade := db.AutoTrade{
		ID:             uuid.New().String(),
		UserID:         userID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Qty:            intent.Qty,
		RequestedPrice: intent.Price,
		Confidence:     intent.Confidence,
		ExpectedReturn: intent.ExpectedReturn,
		CreatedAt:      now,
	}
	if err := o.queries.InsertPendingTrade(ctx, trade); err != nil {
		if errors.Is(err, db.ErrPendingExists) {
			o.skip(userID, SkipPendingExists, intent.Symbol)
			return false, nil
		}
		return false, fmt.Errorf("insert trade: %w", err)
	}
	if err := o.queries.IncrementAttempted(ctx, userID, day); err != nil {
		return false, fmt.Errorf("charge counter: %w", err)
	}
	o.metrics.IncrementAttempted()
	o.publisher.Publish(userID, events.EventTradePending, tradePayload(trade))

	orderID, err := o.placeWithRetry(ctx, userID, broker.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     broker.Side(intent.Side),
		Type:     broker.OrderTypeMarket,
		Qty:      intent.Qty,
		Price:    intent.Price,
		ClientID: trade.ID,
	})
	if err != nil {
		o.failTrade(ctx, userID, trade, err.Error())
		return false, nil
	}
	if err := o.queries.SetBrokerOrderID(ctx, userID, trade.ID, orderID); err != nil {
		log.Printf("orchestrator: record order id %s for trade %s: %v", orderID, trade.ID, err)
	}
	trade.BrokerOrderID = orderID

	fill, err := o.waitForFill(ctx, userID, orderID)
	if err != nil {
		// Still open at the broker; the fill poller settles it later.
		log.Printf("orchestrator: trade %s (order %s) not filled in window: %v", trade.ID, orderID, err)
		return false, nil
	}

	switch fill.Status {
	case broker.FillStatusFilled:
		if err := o.settleExecuted(ctx, userID, day, trade, fill); err != nil {
			return false, err
		}
		return true, nil
	case broker.FillStatusRejected:
		o.failTrade(ctx, userID, trade, "rejected by broker")
	case broker.FillStatusCancelled:
		o.cancelTrade(ctx, userID, trade, "cancelled at broker")
	}
	return false, nil
}

// placeWithRetry submits the order with per-attempt timeouts, retrying only
// transient failures.
func (o *Orchestrator) placeWithRetry(ctx context.Context, userID string, req broker.OrderRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := o.cfg.RetryBackoff[min(attempt-1, len(o.cfg.RetryBackoff)-1)]
			log.Printf("orchestrator: retrying order for user %s symbol %s in %s (attempt %d)", userID, req.Symbol, backoff, attempt+1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		placeCtx, cancel := context.WithTimeout(ctx, o.cfg.OrderPlaceTimeout)
		orderID, err := o.adapter.PlaceOrder(placeCtx, userID, req)
		cancel()
		o.metrics.OrderLatency.RecordDuration(time.Since(start))

		if err == nil {
			return orderID, nil
		}
		lastErr = err
		if !broker.IsTransient(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("order placement exhausted retries: %w", lastErr)
}

// waitForFill polls the broker until the order leaves OPEN or the window ends.
func (o *Orchestrator) waitForFill(ctx context.Context, userID, orderID string) (broker.Fill, error) {
	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.FillPollTimeout)
	defer cancel()

	for {
		fill, err := o.adapter.PollFill(pollCtx, userID, orderID)
		if err == nil && fill.Status != broker.FillStatusOpen {
			return fill, nil
		}
		if err != nil && !broker.IsTransient(err) {
			return broker.Fill{}, err
		}

		select {
		case <-pollCtx.Done():
			return broker.Fill{}, pollCtx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) settleExecuted(ctx context.Context, userID, day string, trade db.AutoTrade, fill broker.Fill) error {
	executedAt := time.Now().UTC()
	if err := o.queries.MarkTradeExecuted(ctx, userID, trade.ID, fill.FillPrice, fill.FillQty, executedAt); err != nil {
		if errors.Is(err, db.ErrTradeTerminal) {
			return nil
		}
		return fmt.Errorf("settle trade %s: %w", trade.ID, err)
	}
	if err := o.queries.IncrementSucceeded(ctx, userID, day); err != nil {
		log.Printf("orchestrator: succeeded counter for user %s: %v", userID, err)
	}
	o.metrics.IncrementExecuted()
	o.funds.Invalidate(userID)

	trade.Status = db.TradeStatusExecuted
	trade.ExecutedPrice = &fill.FillPrice
	trade.Qty = fill.FillQty
	trade.ExecutedAt = &executedAt
	o.publisher.Publish(userID, events.EventTradeExecuted, tradePayload(trade))
	log.Printf("orchestrator: user %s executed %s %.0f %s @ %.2f", userID, trade.Side, fill.FillQty, trade.Symbol, fill.FillPrice)
	return nil
}

func (o *Orchestrator) failTrade(ctx context.Context, userID string, trade db.AutoTrade, reason string) {
	if err := o.queries.MarkTradeFailed(ctx, userID, trade.ID, reason); err != nil && !errors.Is(err, db.ErrTradeTerminal) {
		log.Printf("orchestrator: mark trade %s failed: %v", trade.ID, err)
		return
	}
	o.metrics.IncrementFailed()
	trade.Status = db.TradeStatusFailed
	trade.Reason = reason
	o.publisher.Publish(userID, events.EventTradeFailed, tradePayload(trade))
	log.Printf("orchestrator: user %s trade %s failed: %s", userID, trade.ID, reason)
}

func (o *Orchestrator) cancelTrade(ctx context.Context, userID string, trade db.AutoTrade, reason string) {
	if err := o.queries.MarkTradeCancelled(ctx, userID, trade.ID, reason); err != nil && !errors.Is(err, db.ErrTradeTerminal) {
		log.Printf("orchestrator: mark trade %s cancelled: %v", trade.ID, err)
		return
	}
	trade.Status = db.TradeStatusCancelled
	trade.Reason = reason
	o.publisher.Publish(userID, events.EventTradeCancelled, tradePayload(trade))
}

// CancelAllPending cancels every pending trade for a user. Called by the
// session manager during emergency stop, under the user lock. Broker-side
// failures are handed to the async cancel queue; the count returned covers
// only trades settled here.
func (o *Orchestrator) CancelAllPending(ctx context.Context, userID, reason string) (int, error) {
	pending, err := o.queries.PendingTradesByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load pending trades: %w", err)
	}

	cancelled := 0
	var firstErr error
	for _, t := range pending {
		if t.BrokerOrderID != "" {
			if err := o.adapter.Cancel(ctx, userID, t.BrokerOrderID); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				o.cancels.Enqueue(cancelJob{
					UserID:  userID,
					TradeID: t.ID,
					OrderID: t.BrokerOrderID,
					Reason:  reason,
				})
				continue
			}
		}
		o.cancelTrade(ctx, userID, t, reason)
		cancelled++
	}
	return cancelled, firstErr
}

// executedValueToday sums the notional executed since the current trading day
// opened, feeding the deployed-capital side of the global utilization cap. The
// window matches the one the daily counters roll on.
func (o *Orchestrator) executedValueToday(ctx context.Context, userID string, now time.Time) float64 {
	dayStart := o.calendar.TradingDayStart(now)
	trades, err := o.queries.ListTradesByUser(ctx, userID, db.TradeFilter{
		Status:    db.TradeStatusExecuted,
		StartDate: &dayStart,
		Limit:     500,
	})
	if err != nil {
		log.Printf("orchestrator: executed value for user %s: %v", userID, err)
		return 0
	}
	total := 0.0
	for _, t := range trades {
		if t.ExecutedPrice != nil {
			total += t.Qty * *t.ExecutedPrice
		}
	}
	return total
}

func (o *Orchestrator) skip(userID, reason, detail string) {
	o.metrics.RecordSkip(reason)
	log.Printf("orchestrator: user %s skipped (%s): %s", userID, reason, detail)
}

func (o *Orchestrator) publishStatus(userID, day string, counter db.DailyCounter, plan db.Plan, skipReason string) {
	remaining := plan.DailyTradeLimit - counter.TradesAttempted
	if remaining < 0 {
		remaining = 0
	}
	payload := map[string]any{
		"trading_day":      day,
		"trades_attempted": counter.TradesAttempted,
		"trades_succeeded": counter.TradesSucceeded,
		"remaining_trades": remaining,
	}
	if skipReason != "" {
		payload["skip_reason"] = skipReason
	}
	o.publisher.Publish(userID, events.EventStatusUpdate, payload)
}

func tradePayload(t db.AutoTrade) map[string]any {
	payload := map[string]any{
		"trade_id":        t.ID,
		"symbol":          t.Symbol,
		"side":            t.Side,
		"qty":             t.Qty,
		"requested_price": t.RequestedPrice,
		"status":          t.Status,
		"confidence":      t.Confidence,
		"expected_return": t.ExpectedReturn,
	}
	if t.Reason != "" {
		payload["reason"] = t.Reason
	}
	if t.ExecutedPrice != nil {
		payload["executed_price"] = *t.ExecutedPrice
	}
	return payload
}
