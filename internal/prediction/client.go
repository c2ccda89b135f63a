// Package prediction talks to the external ML scorer. The model itself is a
// black box; this package only fetches per-symbol scores.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnavailable marks a scorer outage. Ticks skip without creating a trade.
var ErrUnavailable = errors.New("prediction service unavailable")

// Prediction is one scored candidate for a symbol.
type Prediction struct {
	Symbol         string  `json:"symbol"`
	Confidence     float64 `json:"confidence"`
	ExpectedReturn float64 `json:"expected_return"`
	Price          float64 `json:"price"`
}

// Predictor fetches model scores for candidate symbols.
type Predictor interface {
	Predict(ctx context.Context, symbol string) (Prediction, error)
}

// CandidateLister is implemented by predictors that can propose their own
// candidate symbols for a user. Callers fall back to a static watch list when
// the predictor does not implement it or returns nothing.
type CandidateLister interface {
	Candidates(ctx context.Context, userID string) ([]string, error)
}

// Client calls the prediction service over HTTP.
type Client struct {
	http *resty.Client
}

// NewClient creates a prediction client with a hard per-call timeout so a slow
// scorer cannot stall the tick workers.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c}
}

// Predict fetches the score for one symbol.
func (c *Client) Predict(ctx context.Context, symbol string) (Prediction, error) {
	var out Prediction
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("symbol", symbol).
		Get("/api/v1/predict/{symbol}")
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return Prediction{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	if out.Price <= 0 {
		return Prediction{}, fmt.Errorf("%w: non-positive price for %s", ErrUnavailable, symbol)
	}
	return out, nil
}

// Candidates asks the scorer which symbols it currently has signals for.
func (c *Client) Candidates(ctx context.Context, userID string) ([]string, error) {
	var out struct {
		Symbols []string `json:"symbols"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetQueryParam("user_id", userID).
		Get("/api/v1/candidates")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	return out.Symbols, nil
}
