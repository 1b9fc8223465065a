package risk

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"vesta/internal/domain"
)

// Strength grades an exit signal.
type Strength int

const (
	SignalNone Strength = iota
	SignalWeak
	SignalModerate
	SignalStrong
)

func (s Strength) String() string {
	switch s {
	case SignalWeak:
		return "WEAK"
	case SignalModerate:
		return "MODERATE"
	case SignalStrong:
		return "STRONG"
	default:
		return "NONE"
	}
}

// Indicators are the per-symbol analytics exit rules read. A zero field
// means the value is unavailable and its rule is skipped.
type Indicators struct {
	RSI          float64
	VolumeRatio  float64
	PatternScore float64
}

// Evaluation is the combined verdict of the exit rules for one position.
type Evaluation struct {
	Strength Strength
	Points   int
	// Reason is the exit reason to record: the hard rule that fired, or the
	// soft rules joined with "+".
	Reason string
	Rules  []string
	Last   decimal.Decimal
}

// Evaluate applies the exit rules to p at price last. Stop-loss,
// take-profit and trailing give-back are hard rules and make the signal
// STRONG. The soft rules add points: RSI extremes and pattern deterioration
// count as moderate, volume fade as weak.
func Evaluate(p *domain.Position, last decimal.Decimal, ind Indicators, t SignalThresholds) Evaluation {
	ev := Evaluation{Last: last}
	if !last.IsPositive() {
		return ev
	}
	long := p.Side == domain.PositionLong

	if p.StopLoss.IsPositive() && (long && last.LessThanOrEqual(p.StopLoss) || !long && last.GreaterThanOrEqual(p.StopLoss)) {
		return strong(ev, "stop_loss")
	}
	if p.TakeProfit.IsPositive() && (long && last.GreaterThanOrEqual(p.TakeProfit) || !long && last.LessThanOrEqual(p.TakeProfit)) {
		return strong(ev, "take_profit")
	}
	if trailingHit(p, last, t) {
		return strong(ev, "trailing_stop")
	}

	if ind.RSI > 0 && (long && ind.RSI >= t.RSIOverbought || !long && ind.RSI <= t.RSIOversold) {
		ev.Points += t.RSIPoints
		ev.Rules = append(ev.Rules, "rsi")
	}
	if ind.PatternScore > 0 && ind.PatternScore < t.PatternFloor {
		ev.Points += t.PatternPoints
		ev.Rules = append(ev.Rules, "pattern")
	}
	if ind.VolumeRatio > 0 && ind.VolumeRatio < t.VolumeFadeRatio {
		ev.Points += t.VolumePoints
		ev.Rules = append(ev.Rules, "volume_fade")
	}

	switch {
	case ev.Points >= t.ModerateScore:
		ev.Strength = SignalModerate
	case ev.Points > 0:
		ev.Strength = SignalWeak
	}
	ev.Reason = strings.Join(ev.Rules, "+")
	return ev
}

func strong(ev Evaluation, rule string) Evaluation {
	ev.Strength = SignalStrong
	ev.Reason = rule
	ev.Rules = []string{rule}
	return ev
}

// trailingHit reports whether the position ran at least the activation
// percentage in its favour and then gave back the give-back percentage from
// its peak.
func trailingHit(p *domain.Position, last decimal.Decimal, t SignalThresholds) bool {
	if !p.PeakPrice.IsPositive() || !p.EntryPrice.IsPositive() {
		return false
	}
	activation := decimal.NewFromFloat(t.TrailingActivationPct)
	giveback := decimal.NewFromFloat(t.TrailingGivebackPct)

	var run, back decimal.Decimal
	if p.Side == domain.PositionLong {
		run = p.PeakPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
		back = p.PeakPrice.Sub(last).Div(p.PeakPrice)
	} else {
		run = p.EntryPrice.Sub(p.PeakPrice).Div(p.EntryPrice)
		back = last.Sub(p.PeakPrice).Div(p.PeakPrice)
	}
	return run.GreaterThanOrEqual(activation) && back.GreaterThanOrEqual(giveback)
}

// Decider settles MODERATE signals.
type Decider interface {
	ShouldExit(ctx context.Context, p *domain.Position, ev Evaluation) (bool, error)
}

// LosingDecider exits a moderate signal only when the position is under
// water at the evaluated price.
type LosingDecider struct{}

func (LosingDecider) ShouldExit(_ context.Context, p *domain.Position, ev Evaluation) (bool, error) {
	return unrealizedAt(p, ev.Last).IsNegative(), nil
}

func unrealizedAt(p *domain.Position, last decimal.Decimal) decimal.Decimal {
	return last.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.Sign())
}
