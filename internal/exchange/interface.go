package exchange

import "context"

// MarketDataSource provides batched price/volume snapshots
type MarketDataSource interface {
	GetMarketplaceTokens(ctx context.Context, limit int) ([]MarketToken, error)
}

// TradeExecutor submits buy/sell requests to the marketplace
type TradeExecutor interface {
	Buy(ctx context.Context, denom string, paymentAmount string) (*TradeResult, error)
	Sell(ctx context.Context, denom string, tokenAmount, minPaymentOut string) (*TradeResult, error)
}

// API combines market data and trade execution
type API interface {
	MarketDataSource
	TradeExecutor
}
