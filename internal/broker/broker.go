// Package broker abstracts heterogeneous brokers behind one adapter contract.
// The engine depends only on this interface; one adapter exists per broker.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// FillStatus is the broker-side state of a placed order.
type FillStatus string

const (
	FillStatusOpen      FillStatus = "OPEN"
	FillStatusFilled    FillStatus = "FILLED"
	FillStatusRejected  FillStatus = "REJECTED"
	FillStatusCancelled FillStatus = "CANCELLED"
)

// Funds is a point-in-time account snapshot.
type Funds struct {
	Available   float64
	BuyingPower float64
}

// OrderRequest is a sized order intent sent to the broker.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      float64
	Price    float64 // reference price; markets fill near it
	ClientID string  // our trade id, for idempotent resubmission
}

// Fill is the broker's answer to a fill poll.
type Fill struct {
	OrderID   string
	Status    FillStatus
	FillPrice float64
	FillQty   float64
}

// Adapter is the uniform broker contract consumed by the engine.
type Adapter interface {
	GetFunds(ctx context.Context, userID string) (Funds, error)
	PlaceOrder(ctx context.Context, userID string, req OrderRequest) (orderID string, err error)
	PollFill(ctx context.Context, userID, orderID string) (Fill, error)
	Cancel(ctx context.Context, userID, orderID string) error
}

// Error classifies broker failures. Transient errors (timeouts, 5xx) are
// retried; permanent rejections (bad symbol, insufficient margin) are not.
type Error struct {
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s (%s)", e.Message, e.Code)
}

// NewTransientError builds a retryable broker error.
func NewTransientError(code, msg string) *Error {
	return &Error{Code: code, Message: msg, Transient: true}
}

// NewPermanentError builds a non-retryable broker error.
func NewPermanentError(code, msg string) *Error {
	return &Error{Code: code, Message: msg, Transient: false}
}

// IsTransient reports whether err should be retried. Plain context deadline
// and network-shaped errors from an adapter count as transient.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// ErrDisconnected marks a user whose broker link is not connected; the tick is
// skipped without charging the daily counter.
var ErrDisconnected = errors.New("broker link disconnected")
