package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory implementation of API for tests and dry runs.
// Prices are set by the test; every trade is accepted unless FailTrades is set.
type MockClient struct {
	mu         sync.Mutex
	tokens     map[string]MarketToken
	FailFetch  bool
	FailTrades bool
	Buys       []MockTrade
	Sells      []MockTrade
}

// MockTrade records a trade request seen by the mock
type MockTrade struct {
	Denom         string
	Amount        string
	MinPaymentOut string
}

// NewMockClient creates an empty mock marketplace
func NewMockClient() *MockClient {
	return &MockClient{tokens: make(map[string]MarketToken)}
}

// SetPrice sets the current price/volume for a token
func (m *MockClient) SetPrice(denom string, price, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[denom] = MarketToken{Denom: denom, Price: price, Volume: volume}
}

// RemoveToken drops a token from poll responses, simulating thin liquidity
func (m *MockClient) RemoveToken(denom string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, denom)
}

func (m *MockClient) GetMarketplaceTokens(_ context.Context, limit int) ([]MarketToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailFetch {
		return nil, fmt.Errorf("mock fetch failure")
	}

	out := make([]MarketToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		if len(out) >= limit {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *MockClient) Buy(_ context.Context, denom string, paymentAmount string) (*TradeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Buys = append(m.Buys, MockTrade{Denom: denom, Amount: paymentAmount})
	if m.FailTrades {
		return &TradeResult{Status: "FAILED", Error: "mock trade failure"}, nil
	}
	return &TradeResult{
		Status: "SUCCESS",
		TxHash: fmt.Sprintf("MOCK-BUY-%d", time.Now().UnixNano()),
	}, nil
}

func (m *MockClient) Sell(_ context.Context, denom string, tokenAmount, minPaymentOut string) (*TradeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sells = append(m.Sells, MockTrade{Denom: denom, Amount: tokenAmount, MinPaymentOut: minPaymentOut})
	if m.FailTrades {
		return &TradeResult{Status: "FAILED", Error: "mock trade failure"}, nil
	}
	return &TradeResult{
		Status: "SUCCESS",
		TxHash: fmt.Sprintf("MOCK-SELL-%d", time.Now().UnixNano()),
	}, nil
}
