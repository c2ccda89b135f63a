package broker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	InitialBalance float64
	FeeRate        float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps    float64 // basis points applied on fills
	LatencyMinMs   int     // simulated venue latency lower bound
	LatencyMaxMs   int     // simulated venue latency upper bound
	FillDelay      time.Duration
}

// Paper is an in-memory broker for development and tests. Orders fill after
// FillDelay at the requested price adjusted by slippage; balances are tracked
// per user.
type Paper struct {
	cfg PaperConfig
	rng *rand.Rand

	mu       sync.Mutex
	accounts map[string]*paperAccount
	orders   map[string]*paperOrder

	// FailNext, when set, makes the next PlaceOrder for that user return the
	// queued error. Used by tests to exercise retry classification.
	failNext map[string]error
}

type paperAccount struct {
	available float64
	locked    float64
}

type paperOrder struct {
	userID    string
	req       OrderRequest
	fillPrice float64
	fillAt    time.Time
	status    FillStatus
}

// NewPaper creates a paper broker.
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 100000
	}
	return &Paper{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		accounts: make(map[string]*paperAccount),
		orders:   make(map[string]*paperOrder),
		failNext: make(map[string]error),
	}
}

// QueueFailure makes the next PlaceOrder for userID fail with err.
func (p *Paper) QueueFailure(userID string, err error) {
	p.mu.Lock()
	p.failNext[userID] = err
	p.mu.Unlock()
}

// SetBalance overrides a user's available balance.
func (p *Paper) SetBalance(userID string, amount float64) {
	p.mu.Lock()
	p.account(userID).available = amount
	p.mu.Unlock()
}

func (p *Paper) account(userID string) *paperAccount {
	acct, ok := p.accounts[userID]
	if !ok {
		acct = &paperAccount{available: p.cfg.InitialBalance}
		p.accounts[userID] = acct
	}
	return acct
}

// GetFunds returns the simulated account snapshot.
func (p *Paper) GetFunds(_ context.Context, userID string) (Funds, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(userID)
	return Funds{
		Available:   acct.available,
		BuyingPower: acct.available,
	}, nil
}

// PlaceOrder accepts the order and schedules a fill.
func (p *Paper) PlaceOrder(ctx context.Context, userID string, req OrderRequest) (string, error) {
	p.simulateLatency(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failNext[userID]; ok {
		delete(p.failNext, userID)
		return "", err
	}

	if req.Qty <= 0 {
		return "", NewPermanentError("INVALID_QTY", fmt.Sprintf("qty %.4f must be positive", req.Qty))
	}
	if req.Symbol == "" {
		return "", NewPermanentError("INVALID_SYMBOL", "symbol is empty")
	}

	notional := req.Price * req.Qty
	acct := p.account(userID)
	if req.Side == SideBuy && notional > acct.available {
		return "", NewPermanentError("INSUFFICIENT_MARGIN",
			fmt.Sprintf("need %.2f, have %.2f", notional, acct.available))
	}
	if req.Side == SideBuy {
		acct.available -= notional
		acct.locked += notional
	}

	price := req.Price
	slippageFrac := p.cfg.SlippageBps / 10000.0
	if slippageFrac > 0 {
		noise := p.rng.Float64() * slippageFrac
		if strings.ToUpper(string(req.Side)) == string(SideBuy) {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}

	orderID := uuid.NewString()
	p.orders[orderID] = &paperOrder{
		userID:    userID,
		req:       req,
		fillPrice: price,
		fillAt:    time.Now().Add(p.cfg.FillDelay),
		status:    FillStatusOpen,
	}
	return orderID, nil
}

// PollFill reports the order state, filling it once the delay has elapsed.
func (p *Paper) PollFill(_ context.Context, userID, orderID string) (Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.userID != userID {
		return Fill{}, NewPermanentError("UNKNOWN_ORDER", "order not found")
	}

	if o.status == FillStatusOpen && !time.Now().Before(o.fillAt) {
		o.status = FillStatusFilled
		acct := p.account(userID)
		notional := o.fillPrice * o.req.Qty
		fee := notional * p.cfg.FeeRate
		if o.req.Side == SideBuy {
			acct.locked -= o.req.Price * o.req.Qty
			acct.available -= fee
		} else {
			acct.available += notional - fee
		}
	}

	fill := Fill{OrderID: orderID, Status: o.status}
	if o.status == FillStatusFilled {
		fill.FillPrice = o.fillPrice
		fill.FillQty = o.req.Qty
	}
	return fill, nil
}

// Cancel cancels an open order; cancelling a filled order is a permanent error.
func (p *Paper) Cancel(_ context.Context, userID, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.userID != userID {
		// Cancelling an order the venue never saw is a no-op ack.
		return nil
	}
	switch o.status {
	case FillStatusFilled:
		return NewPermanentError("ALREADY_FILLED", "cannot cancel a filled order")
	case FillStatusOpen:
		o.status = FillStatusCancelled
		if o.req.Side == SideBuy {
			acct := p.account(userID)
			notional := o.req.Price * o.req.Qty
			acct.locked -= notional
			acct.available += notional
		}
	}
	return nil
}

func (p *Paper) simulateLatency(ctx context.Context) {
	maxMs := p.cfg.LatencyMaxMs
	if maxMs <= 0 {
		return
	}
	minMs := p.cfg.LatencyMinMs
	if minMs < 0 {
		minMs = 0
	}
	if minMs > maxMs {
		minMs, maxMs = maxMs, minMs
	}
	span := maxMs - minMs
	delayMs := minMs
	if span > 0 {
		// rng is shared with the slippage draw in PlaceOrder.
		p.mu.Lock()
		delayMs += p.rng.Intn(span + 1)
		p.mu.Unlock()
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
	}
}
