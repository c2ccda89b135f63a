package prediction

import (
	"context"
	"math/rand"
	"sync"
)

// MockPredictor generates synthetic scores for local development. Prices walk
// randomly per symbol; confidence and expected return are drawn per call.
type MockPredictor struct {
	mu     sync.Mutex
	prices map[string]float64
}

// NewMockPredictor creates a mock scorer.
func NewMockPredictor() *MockPredictor {
	return &MockPredictor{prices: make(map[string]float64)}
}

// Predict returns a synthetic score for the symbol.
func (m *MockPredictor) Predict(_ context.Context, symbol string) (Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[symbol]
	if !ok {
		price = 100 + rand.Float64()*2000
	}
	// simple random walk
	price += (rand.Float64()*2 - 1) * price * 0.002
	if price < 1 {
		price = 1
	}
	m.prices[symbol] = price

	return Prediction{
		Symbol:         symbol,
		Confidence:     0.5 + rand.Float64()*0.5,
		ExpectedReturn: rand.Float64() * 0.04,
		Price:          price,
	}, nil
}
