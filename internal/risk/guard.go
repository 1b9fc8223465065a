package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vesta/internal/domain"
	"vesta/internal/store"
	"vesta/internal/util"
)

// Reason names the pre-trade check that rejected an intent.
type Reason string

const (
	ReasonHalted         Reason = "trading_halted"
	ReasonMaxPositions   Reason = "max_positions"
	ReasonPositionSize   Reason = "position_size"
	ReasonDailyLoss      Reason = "daily_loss"
	ReasonSectorExposure Reason = "sector_exposure"
	ReasonDuplicate      Reason = "duplicate_position"
)

// Decision is the outcome of Validate.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   Reason `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func approve() Decision { return Decision{Approved: true} }

func reject(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Guard runs pre-trade checks against the ledgers and the active
// thresholds.
type Guard struct {
	store      *store.Store
	thresholds *ThresholdStore
	calendar   *util.TradingCalendar
	clock      util.Clock
	log        zerolog.Logger
}

// NewGuard creates a Guard.
func NewGuard(s *store.Store, thresholds *ThresholdStore, cal *util.TradingCalendar, clock util.Clock, log zerolog.Logger) *Guard {
	return &Guard{store: s, thresholds: thresholds, calendar: cal, clock: clock, log: log}
}

// Validate checks an entry intent. Checks run in a fixed order and the
// first failure wins: halt latch, position count, position size, daily loss,
// sector exposure, duplicate instrument. Exits and protective orders are
// always approved so that positions can be closed while halted. Rejections
// are persisted with their reason.
func (g *Guard) Validate(ctx context.Context, intent domain.OrderIntent) (Decision, error) {
	if intent.Purpose != domain.PurposeEntry {
		return approve(), nil
	}
	d, err := g.evaluate(ctx, intent)
	if err != nil {
		return Decision{}, fmt.Errorf("validate %s: %w", intent.Symbol, err)
	}
	if d.Approved {
		return d, nil
	}

	g.log.Info().
		Str("cycle_id", intent.CycleID).
		Str("symbol", intent.Symbol).
		Str("reason", string(d.Reason)).
		Str("detail", d.Detail).
		Msg("intent rejected")
	if err := g.store.AddRejection(ctx, &domain.RiskRejection{
		CycleID: intent.CycleID,
		Symbol:  intent.Symbol,
		Reason:  string(d.Reason),
		Detail:  d.Detail,
	}); err != nil {
		return d, fmt.Errorf("record rejection: %w", err)
	}
	return d, nil
}

func (g *Guard) evaluate(ctx context.Context, intent domain.OrderIntent) (Decision, error) {
	limits := g.thresholds.Load().Limits

	cycle, err := g.store.GetCycle(ctx, intent.CycleID)
	if err != nil {
		return Decision{}, err
	}
	halted, err := g.store.HaltedCycles(ctx)
	if err != nil {
		return Decision{}, err
	}
	switch {
	case cycle.Halted():
		return reject(ReasonHalted, "cycle %s halted at %s: %s", cycle.ID, cycle.HaltedAt.Format(time.RFC3339), cycle.HaltReason), nil
	case len(halted) > 0:
		return reject(ReasonHalted, "trading halted since %s by cycle %s", halted[0].HaltedAt.Format(time.RFC3339), halted[0].ID), nil
	case cycle.Status.IsTerminal():
		return reject(ReasonHalted, "cycle %s is %s", cycle.ID, cycle.Status), nil
	}

	open, err := g.store.OpenPositions(ctx, cycle.ID)
	if err != nil {
		return Decision{}, err
	}
	pending, err := g.store.ListOrders(ctx, store.OrderFilter{
		CycleID:  cycle.ID,
		Purposes: []domain.OrderPurpose{domain.PurposeEntry},
		Statuses: domain.NonTerminalOrderStatuses(),
	})
	if err != nil {
		return Decision{}, err
	}
	// Working entries that already produced a position are counted through
	// the position.
	unfilled := pending[:0]
	for _, o := range pending {
		if o.PositionID == nil {
			unfilled = append(unfilled, o)
		}
	}

	// (a) position count
	maxPositions := limits.PositionCap(cycle.MaxPositions)
	if n := len(open) + len(unfilled); n >= maxPositions {
		return reject(ReasonMaxPositions, "%d open or pending positions, limit %d", n, maxPositions), nil
	}

	// (b) position size
	ref := intent.PricingReference()
	if !ref.IsPositive() {
		return reject(ReasonPositionSize, "no reference price to value %s", intent.Symbol), nil
	}
	value := intent.Quantity.Mul(ref)
	maxValue := decimal.NewFromFloat(limits.MaxPositionValue)
	if value.GreaterThan(maxValue) {
		return reject(ReasonPositionSize, "position value %s exceeds %s", value.StringFixed(2), maxValue.StringFixed(2)), nil
	}

	// (c) daily loss
	pnl, err := dailyPnL(ctx, g.store, g.calendar.DayStart(g.clock.Now()))
	if err != nil {
		return Decision{}, err
	}
	worst := worstCaseLoss(intent, ref, limits)
	dailyCap := limits.DailyLossCap(cycle.MaxDailyLoss)
	if projected := pnl.RealizedLoss().Add(worst); projected.GreaterThan(dailyCap) {
		return reject(ReasonDailyLoss, "realized loss %s plus worst case %s exceeds daily cap %s",
			pnl.RealizedLoss().StringFixed(2), worst.StringFixed(2), dailyCap.StringFixed(2)), nil
	}

	// (d) sector exposure
	if intent.Sector != "" {
		exposure := value
		count := 0
		for i := range open {
			if open[i].Sector == intent.Sector {
				exposure = exposure.Add(open[i].MarketValue())
				count++
			}
		}
		for _, o := range unfilled {
			if o.Symbol != intent.Symbol && g.sectorOf(ctx, o) == intent.Sector {
				exposure = exposure.Add(o.Remaining().Mul(o.LimitPrice))
				count++
			}
		}
		if limits.MaxSectorPositions > 0 && count >= limits.MaxSectorPositions {
			return reject(ReasonSectorExposure, "%d positions in sector %s, limit %d", count, intent.Sector, limits.MaxSectorPositions), nil
		}
		if limits.MaxSectorExposure > 0 {
			if sectorCap := decimal.NewFromFloat(limits.MaxSectorExposure); exposure.GreaterThan(sectorCap) {
				return reject(ReasonSectorExposure, "sector %s exposure %s exceeds %s", intent.Sector, exposure.StringFixed(2), sectorCap.StringFixed(2)), nil
			}
		}
	}

	// (e) duplicate instrument
	for i := range open {
		if open[i].Symbol == intent.Symbol {
			return reject(ReasonDuplicate, "position %s already open in %s", open[i].ID, intent.Symbol), nil
		}
	}
	for _, o := range unfilled {
		if o.Symbol == intent.Symbol {
			return reject(ReasonDuplicate, "entry order %s already working in %s", o.ID, intent.Symbol), nil
		}
	}
	return approve(), nil
}

func (g *Guard) sectorOf(ctx context.Context, o domain.Order) string {
	sec, err := g.store.GetSecurity(ctx, o.SecurityID)
	if err != nil {
		return ""
	}
	return sec.Sector
}

// worstCaseLoss is the loss if the entry fills at ref and exits at its stop,
// or at DefaultStopPct away when it has none.
func worstCaseLoss(intent domain.OrderIntent, ref decimal.Decimal, limits Limits) decimal.Decimal {
	if intent.StopLoss.IsPositive() {
		return ref.Sub(intent.StopLoss).Abs().Mul(intent.Quantity)
	}
	return intent.Quantity.Mul(ref).Mul(decimal.NewFromFloat(limits.DefaultStopPct))
}
