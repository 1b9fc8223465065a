package risk

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarketData supplies prices and indicators to the monitor.
type MarketData interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Indicators(ctx context.Context, symbol string) (Indicators, error)
}

// PriceSource is anything that quotes a last trade price, such as the Alpaca
// market data client or the simulator.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceMarketData serves prices from a PriceSource and reports no
// indicators, so only the hard exit rules apply.
type PriceMarketData struct {
	src PriceSource
}

// NewPriceMarketData wraps src.
func NewPriceMarketData(src PriceSource) *PriceMarketData {
	return &PriceMarketData{src: src}
}

func (m *PriceMarketData) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return m.src.LatestPrice(ctx, symbol)
}

func (m *PriceMarketData) Indicators(context.Context, string) (Indicators, error) {
	return Indicators{}, nil
}
