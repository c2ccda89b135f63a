package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"autotrade-core/internal/broker"
	"autotrade-core/pkg/db"
)

// Pending trades that never received a broker order id cannot fill; after
// this long they are written off as failed.
const orphanTradeAge = 10 * time.Minute

// FillPoller settles pending trades whose synchronous fill window expired:
// a fill that arrived late, a rejection the tick never saw, or an orphan
// with no broker order at all.
type FillPoller struct {
	orch     *Orchestrator
	interval time.Duration
	minAge   time.Duration
}

// NewFillPoller creates the poller. minAge keeps it off trades the tick is
// still actively polling.
func NewFillPoller(orch *Orchestrator, interval, minAge time.Duration) *FillPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if minAge <= 0 {
		minAge = 30 * time.Second
	}
	return &FillPoller{orch: orch, interval: interval, minAge: minAge}
}

// Run sweeps stale pending trades until ctx is done.
func (p *FillPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *FillPoller) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.minAge)
	stale, err := p.orch.queries.StalePendingTrades(ctx, cutoff)
	if err != nil {
		log.Printf("fill-poller: query stale trades: %v", err)
		return
	}

	for _, trade := range stale {
		p.settle(ctx, trade)
	}
}

func (p *FillPoller) settle(ctx context.Context, trade db.AutoTrade) {
	if trade.BrokerOrderID == "" {
		if time.Since(trade.CreatedAt) > orphanTradeAge {
			p.orch.failTrade(ctx, trade.UserID, trade, "order never reached broker")
		}
		return
	}

	fill, err := p.orch.adapter.PollFill(ctx, trade.UserID, trade.BrokerOrderID)
	if err != nil {
		if broker.IsTransient(err) {
			return
		}
		log.Printf("fill-poller: poll order %s: %v", trade.BrokerOrderID, err)
		return
	}

	switch fill.Status {
	case broker.FillStatusOpen:
		// Long-lived open orders are cancelled rather than left to fill at a
		// price the evaluator never judged.
		if time.Since(trade.CreatedAt) > orphanTradeAge {
			if err := p.orch.adapter.Cancel(ctx, trade.UserID, trade.BrokerOrderID); err != nil {
				log.Printf("fill-poller: cancel stale order %s: %v", trade.BrokerOrderID, err)
				return
			}
			p.orch.cancelTrade(ctx, trade.UserID, trade, "stale order cancelled")
		}
	case broker.FillStatusFilled:
		day := p.orch.calendar.TradingDay(time.Now())
		if err := p.orch.settleExecuted(ctx, trade.UserID, day, trade, fill); err != nil && !errors.Is(err, db.ErrTradeTerminal) {
			log.Printf("fill-poller: settle trade %s: %v", trade.ID, err)
		}
	case broker.FillStatusRejected:
		p.orch.failTrade(ctx, trade.UserID, trade, "rejected by broker")
	case broker.FillStatusCancelled:
		p.orch.cancelTrade(ctx, trade.UserID, trade, "cancelled at broker")
	}
}
