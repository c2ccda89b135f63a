package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"autotrade-core/internal/broker"
	"autotrade-core/pkg/db"
)

func backdatedPendingTrade(t *testing.T, h *harness, userID, symbol, orderID string, age time.Duration) db.AutoTrade {
	t.Helper()
	trade := db.AutoTrade{
		ID:             uuid.NewString(),
		UserID:         userID,
		Symbol:         symbol,
		Side:           "BUY",
		Qty:            10,
		RequestedPrice: 100,
		Confidence:     0.9,
		ExpectedReturn: 0.03,
		BrokerOrderID:  orderID,
		CreatedAt:      time.Now().UTC().Add(-age),
	}
	if err := h.queries.InsertPendingTrade(context.Background(), trade); err != nil {
		t.Fatalf("InsertPendingTrade: %v", err)
	}
	return trade
}

func TestFillPollerSettlesLateFill(t *testing.T) {
	h := newHarness(t, alwaysOpenCalendar(t), 150*time.Millisecond, Config{FillPollTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	h.seedActiveUser(t, "u1", 10)
	h.linkBroker(t, "u1")
	h.pred.preds["RELIANCE"] = acceptingPrediction("RELIANCE")

	if err := h.orch.Tick(ctx, "u1"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	trades := h.trades(t, "u1")
	if len(trades) != 1 || trades[0].Status != db.TradeStatusPending {
		t.Fatalf("trades = %+v, want one pending", trades)
	}

	// Let the simulated fill land, then sweep.
	time.Sleep(200 * time.Millisecond)
	poller := NewFillPoller(h.orch, time.Millisecond, time.Millisecond)
	poller.sweep(ctx)

	trade, err := h.queries.GetTrade(ctx, "u1", trades[0].ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if trade.Status != db.TradeStatusExecuted {
		t.Fatalf("status = %s, want executed", trade.Status)
	}
	day := alwaysOpenCalendar(t).TradingDay(time.Now())
	counter, _ := h.queries.GetCounter(ctx, "u1", day)
	if counter.TradesSucceeded != 1 {
		t.Fatalf("succeeded = %d, want 1", counter.TradesSucceeded)
	}
}

func TestFillPollerFailsOrphanTrade(t *testing.T) {
	h := newHarness(t, alwaysOpenCalendar(t), 0, Config{})
	ctx := context.Background()
	h.seedActiveUser(t, "u1", 10)
	trade := backdatedPendingTrade(t, h, "u1", "TCS", "", 11*time.Minute)

	poller := NewFillPoller(h.orch, time.Millisecond, time.Millisecond)
	poller.sweep(ctx)

	got, err := h.queries.GetTrade(ctx, "u1", trade.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.Status != db.TradeStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestFillPollerCancelsStaleOpenOrder(t *testing.T) {
	h := newHarness(t, alwaysOpenCalendar(t), time.Hour, Config{})
	ctx := context.Background()
	h.seedActiveUser(t, "u1", 10)

	orderID, err := h.paper.PlaceOrder(ctx, "u1", broker.OrderRequest{
		Symbol: "TCS",
		Side:   broker.SideBuy,
		Type:   broker.OrderTypeMarket,
		Qty:    10,
		Price:  100,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	trade := backdatedPendingTrade(t, h, "u1", "TCS", orderID, 11*time.Minute)

	poller := NewFillPoller(h.orch, time.Millisecond, time.Millisecond)
	poller.sweep(ctx)

	got, err := h.queries.GetTrade(ctx, "u1", trade.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.Status != db.TradeStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestFillPollerLeavesFreshTradesAlone(t *testing.T) {
	h := newHarness(t, alwaysOpenCalendar(t), time.Hour, Config{FillPollTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	h.seedActiveUser(t, "u1", 10)
	h.linkBroker(t, "u1")
	h.pred.preds["RELIANCE"] = acceptingPrediction("RELIANCE")

	if err := h.orch.Tick(ctx, "u1"); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	poller := NewFillPoller(h.orch, time.Second, 30*time.Second)
	poller.sweep(ctx)

	trades := h.trades(t, "u1")
	if len(trades) != 1 || trades[0].Status != db.TradeStatusPending {
		t.Fatalf("trades = %+v, want one still pending", trades)
	}
}

// flakyCancelAdapter wraps the paper broker but fails Cancel a set number of
// times first.
type flakyCancelAdapter struct {
	broker.Adapter
	failures int
}

func (f *flakyCancelAdapter) Cancel(ctx context.Context, userID, orderID string) error {
	if f.failures > 0 {
		f.failures--
		return broker.NewTransientError("GATEWAY_TIMEOUT", "venue timeout")
	}
	return f.Adapter.Cancel(ctx, userID, orderID)
}

func TestCancelQueueRetriesUntilAck(t *testing.T) {
	h := newHarness(t, alwaysOpenCalendar(t), time.Hour, Config{})
	ctx := context.Background()
	h.seedActiveUser(t, "u1", 10)

	orderID, err := h.paper.PlaceOrder(ctx, "u1", broker.OrderRequest{
		Symbol: "TCS", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Qty: 10, Price: 100,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	trade := backdatedPendingTrade(t, h, "u1", "TCS", orderID, time.Minute)

	flaky := &flakyCancelAdapter{Adapter: h.paper, failures: 1}
	queue := NewCancelQueue(h.queries, flaky, h.publisher)
	job := cancelJob{UserID: "u1", TradeID: trade.ID, OrderID: orderID, Reason: "emergency_stop: test"}

	queue.process(ctx, job)
	got, _ := h.queries.GetTrade(ctx, "u1", trade.ID)
	if got.Status != db.TradeStatusPending {
		t.Fatalf("status = %s after failed cancel, want pending", got.Status)
	}

	queue.process(ctx, job)
	got, _ = h.queries.GetTrade(ctx, "u1", trade.ID)
	if got.Status != db.TradeStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if err := h.paper.Cancel(ctx, "u1", orderID); err != nil {
		t.Fatalf("cancel of already cancelled order should ack, got %v", err)
	}
}
