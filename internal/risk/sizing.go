package risk

import (
	"github.com/shopspring/decimal"

	"vesta/internal/domain"
)

// Size returns the entry quantity that risks at most RiskPerTrade between
// entry and stop, capped at MaxPositionValue and rounded down to whole lots.
// Without a usable stop the distance is DefaultStopPct of entry. The result
// is zero when not even one lot fits.
func Size(limits Limits, sec *domain.Security, entry, stop decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	distance := entry.Sub(stop).Abs()
	if !stop.IsPositive() || distance.IsZero() {
		distance = entry.Mul(decimal.NewFromFloat(limits.DefaultStopPct))
	}

	qty := decimal.NewFromFloat(limits.RiskPerTrade).Div(distance)
	if byValue := decimal.NewFromFloat(limits.MaxPositionValue).Div(entry); qty.GreaterThan(byValue) {
		qty = byValue
	}
	qty = sec.RoundQuantity(qty)
	if qty.IsNegative() {
		return decimal.Zero
	}
	return qty
}
