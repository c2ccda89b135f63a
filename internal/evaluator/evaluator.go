package evaluator

import (
	"fmt"
	"math"
)

// Rejection reason codes surfaced on skipped signals.
const (
	ReasonLowConfidence   = "low_confidence"
	ReasonLowReturn       = "low_return"
	ReasonZeroQuantity    = "zero_quantity"
	ReasonRiskCapExceeded = "risk_cap_exceeded"
)

// Input is one candidate signal plus the funds context it is judged against.
type Input struct {
	Symbol         string
	Mode           Mode
	Confidence     float64
	ExpectedReturn float64
	CurrentPrice   float64
	BuyingPower    float64
	TotalCapital   float64 // total account capital, for the global risk cap
	DeployedValue  float64 // capital already committed to open positions
}

// Intent is a sized order the orchestrator may submit.
type Intent struct {
	Symbol         string
	Side           string
	Qty            float64
	Price          float64
	PositionValue  float64
	Confidence     float64
	ExpectedReturn float64
}

// Rejection explains why a signal was not traded.
type Rejection struct {
	Reason string
	Detail string
}

// Evaluate applies mode thresholds, position sizing, and the global risk cap.
// Exactly one of intent/rejection is non-nil on success.
func Evaluate(in Input) (*Intent, *Rejection, error) {
	pol, ok := PolicyFor(in.Mode)
	if !ok {
		return nil, nil, fmt.Errorf("unknown trading mode %q", in.Mode)
	}
	if in.CurrentPrice <= 0 {
		return nil, nil, fmt.Errorf("current price must be positive, got %.4f", in.CurrentPrice)
	}

	if in.Confidence < pol.MinConfidence {
		return nil, &Rejection{
			Reason: ReasonLowConfidence,
			Detail: fmt.Sprintf("confidence %.3f < %.3f", in.Confidence, pol.MinConfidence),
		}, nil
	}
	if in.ExpectedReturn < pol.MinReturn {
		return nil, &Rejection{
			Reason: ReasonLowReturn,
			Detail: fmt.Sprintf("expected return %.4f < %.4f", in.ExpectedReturn, pol.MinReturn),
		}, nil
	}

	positionValue := pol.MaxPositionPct * in.BuyingPower

	// Clamp to the remaining risk budget under the global cap.
	if in.TotalCapital > 0 {
		remaining := MaxUtilization*in.TotalCapital - in.DeployedValue
		if remaining < positionValue {
			positionValue = remaining
		}
	}
	if positionValue <= 0 {
		return nil, &Rejection{
			Reason: ReasonRiskCapExceeded,
			Detail: fmt.Sprintf("deployed %.2f of %.2f capital, cap %.0f%%",
				in.DeployedValue, in.TotalCapital, MaxUtilization*100),
		}, nil
	}

	qty := math.Floor(positionValue / in.CurrentPrice)
	if qty == 0 {
		return nil, &Rejection{
			Reason: ReasonZeroQuantity,
			Detail: fmt.Sprintf("position value %.2f below price %.2f", positionValue, in.CurrentPrice),
		}, nil
	}

	// Re-check the cap against the actual sized order.
	if in.TotalCapital > 0 {
		projected := in.DeployedValue + qty*in.CurrentPrice
		if projected > MaxUtilization*in.TotalCapital {
			return nil, &Rejection{
				Reason: ReasonRiskCapExceeded,
				Detail: fmt.Sprintf("projected utilization %.2f exceeds %.2f",
					projected, MaxUtilization*in.TotalCapital),
			}, nil
		}
	}

	return &Intent{
		Symbol:         in.Symbol,
		Side:           "BUY",
		Qty:            qty,
		Price:          in.CurrentPrice,
		PositionValue:  qty * in.CurrentPrice,
		Confidence:     in.Confidence,
		ExpectedReturn: in.ExpectedReturn,
	}, nil, nil
}
