package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
)

// Portfolio is one wallet's holdings at fetch time.
type Portfolio struct {
	// Weights are percentage allocations per symbol, summing to 100 for a
	// non-empty portfolio.
	Weights drift.Allocation
	// Balances are token amounts in whole units.
	Balances map[string]decimal.Decimal
	// PricesUSD are the prices used for weighting.
	PricesUSD map[string]decimal.Decimal
	// TotalValueUSD is the portfolio's USD value.
	TotalValueUSD decimal.Decimal
	FetchedAt     time.Time
}

// PortfolioFetcher retrieves a wallet's current allocation.
type PortfolioFetcher interface {
	FetchPortfolio(ctx context.Context, wallet string) (Portfolio, error)
}

// PriceSource supplies USD prices per symbol.
type PriceSource interface {
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}
