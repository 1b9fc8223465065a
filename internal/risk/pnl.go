package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"vesta/internal/domain"
	"vesta/internal/store"
	"vesta/internal/util"
)

// DailyPnL is the account's profit and loss since the start of the trading
// day, across cycles.
type DailyPnL struct {
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
}

// Total is realized plus unrealized.
func (p DailyPnL) Total() decimal.Decimal { return p.Realized.Add(p.Unrealized) }

// Loss is the total loss as a non-negative amount.
func (p DailyPnL) Loss() decimal.Decimal { return lossOf(p.Total()) }

// RealizedLoss is the realized loss as a non-negative amount.
func (p DailyPnL) RealizedLoss() decimal.Decimal { return lossOf(p.Realized) }

func lossOf(pnl decimal.Decimal) decimal.Decimal {
	if pnl.IsNegative() {
		return pnl.Neg()
	}
	return decimal.Zero
}

// dailyPnL sums realized P&L of positions closed since dayStart, plus
// realized and unrealized P&L still carried by open positions.
func dailyPnL(ctx context.Context, s *store.Store, dayStart time.Time) (DailyPnL, error) {
	var pnl DailyPnL
	closed, err := s.ListPositions(ctx, store.PositionFilter{
		Statuses:    []domain.PositionStatus{domain.PositionClosed},
		ClosedSince: dayStart,
	})
	if err != nil {
		return pnl, err
	}
	for i := range closed {
		pnl.Realized = pnl.Realized.Add(closed[i].RealizedPnL)
	}

	open, err := s.OpenPositions(ctx, "")
	if err != nil {
		return pnl, err
	}
	for i := range open {
		pnl.Realized = pnl.Realized.Add(open[i].RealizedPnL)
		pnl.Unrealized = pnl.Unrealized.Add(open[i].UnrealizedPnL)
	}
	return pnl, nil
}

// TodayPnL is the daily P&L of the exchange day containing now.
func TodayPnL(ctx context.Context, s *store.Store, cal *util.TradingCalendar, now time.Time) (DailyPnL, error) {
	return dailyPnL(ctx, s, cal.DayStart(now))
}
