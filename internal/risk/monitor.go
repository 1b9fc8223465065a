package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vesta/internal/alert"
	"vesta/internal/domain"
	"vesta/internal/orders"
	"vesta/internal/positions"
	"vesta/internal/store"
	"vesta/internal/util"
)

// AlertDailyLossWarning is sent once per cycle when the daily loss crosses
// the warning ratio of the cap.
const AlertDailyLossWarning = "DAILY_LOSS_WARNING"

// TickReport describes one monitor pass.
type TickReport struct {
	CycleID       string   `json:"cycle_id,omitempty"`
	Marked        int      `json:"marked"`
	PnL           DailyPnL `json:"pnl"`
	Warned        bool     `json:"warned"`
	Exits         []string `json:"exits,omitempty"`
	EmergencyStop *Summary `json:"emergency_stop,omitempty"`
}

// Stopper liquidates a cycle whose daily loss reached the cap. It returns
// a nil summary when the cycle needed no stop.
type Stopper func(ctx context.Context, cycleID, reason string, trigger decimal.Decimal) (*Summary, error)

// Monitor marks open positions to market, enforces the daily loss cap of
// the active cycle and acts on its exit signals.
type Monitor struct {
	store      *store.Store
	orders     *orders.Ledger
	positions  *positions.Ledger
	stop       Stopper
	thresholds *ThresholdStore
	market     MarketData
	decider    Decider
	calendar   *util.TradingCalendar
	clock      util.Clock
	alerter    alert.Alerter
	interval   time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// MonitorDeps are the collaborators of a Monitor.
type MonitorDeps struct {
	Store      *store.Store
	Orders     *orders.Ledger
	Positions  *positions.Ledger
	Liquidator *Liquidator
	Thresholds *ThresholdStore
	Market     MarketData
	Decider    Decider
	Calendar   *util.TradingCalendar
	Clock      util.Clock
	Alerter    alert.Alerter
}

// NewMonitor creates a Monitor ticking every interval. A nil Decider
// defaults to LosingDecider.
func NewMonitor(deps MonitorDeps, interval time.Duration, log zerolog.Logger) *Monitor {
	if deps.Decider == nil {
		deps.Decider = LosingDecider{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	m := &Monitor{
		store:      deps.Store,
		orders:     deps.Orders,
		positions:  deps.Positions,
		thresholds: deps.Thresholds,
		market:     deps.Market,
		decider:    deps.Decider,
		calendar:   deps.Calendar,
		clock:      deps.Clock,
		alerter:    deps.Alerter,
		interval:   interval,
		log:        log,
		warned:     make(map[string]bool),
	}
	if deps.Liquidator != nil {
		m.stop = deps.Liquidator.EmergencyStop
	}
	return m
}

// SetStopper replaces the cap-breach action, which defaults to the
// liquidator's EmergencyStop.
func (m *Monitor) SetStopper(stop Stopper) { m.stop = stop }

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	m.log.Info().Dur("interval", m.interval).Msg("risk monitor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := m.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.Error().Err(err).Msg("monitor tick")
			}
		}
	}
}

// Tick marks every open position to market, then runs the loss cap and
// exit signals over the active cycle. A halted or missing cycle is only
// marked.
func (m *Monitor) Tick(ctx context.Context) (TickReport, error) {
	var r TickReport
	cycle, err := m.store.ActiveCycle(ctx)
	if err != nil {
		return r, err
	}
	open, err := m.store.OpenPositions(ctx, "")
	if err != nil {
		return r, err
	}
	live := cycle != nil && !cycle.Halted()

	type marked struct {
		pos  *domain.Position
		last decimal.Decimal
	}
	var fresh []marked
	for i := range open {
		last, err := m.market.LastPrice(ctx, open[i].Symbol)
		if err != nil || !last.IsPositive() {
			m.log.Warn().Err(err).Str("symbol", open[i].Symbol).Msg("no price, position not marked")
			continue
		}
		p, err := m.positions.MarkToMarket(ctx, open[i].ID, last)
		if err != nil {
			m.log.Error().Err(err).Str("position_id", open[i].ID).Msg("mark to market")
			continue
		}
		r.Marked++
		if live && p.CycleID == cycle.ID && p.Status == domain.PositionOpen {
			fresh = append(fresh, marked{p, last})
		}
	}
	if !live {
		return r, nil
	}
	r.CycleID = cycle.ID
	th := m.thresholds.Load()

	r.PnL, err = dailyPnL(ctx, m.store, m.calendar.DayStart(m.clock.Now()))
	if err != nil {
		return r, err
	}
	dailyCap := th.Limits.DailyLossCap(cycle.MaxDailyLoss)
	loss := r.PnL.Loss()

	if loss.GreaterThanOrEqual(dailyCap) {
		reason := fmt.Sprintf("daily loss %s reached cap %s", loss.StringFixed(2), dailyCap.StringFixed(2))
		if m.stop == nil {
			return r, fmt.Errorf("cycle %s: %s with no stopper wired", cycle.ID, reason)
		}
		sum, err := m.stop(ctx, cycle.ID, reason, r.PnL.Total())
		r.EmergencyStop = sum
		return r, err
	}
	if loss.GreaterThanOrEqual(dailyCap.Mul(decimal.NewFromFloat(th.Limits.WarningRatio))) && m.warnOnce(cycle.ID) {
		r.Warned = true
		if err := m.alerter.Alert(ctx, alert.Alert{
			Severity: domain.SeverityWarning,
			Kind:     AlertDailyLossWarning,
			Subject:  cycle.ID,
			Message:  fmt.Sprintf("daily loss %s is %s%% of cap %s", loss.StringFixed(2), loss.Div(dailyCap).Mul(decimal.NewFromInt(100)).StringFixed(0), dailyCap.StringFixed(2)),
			At:       m.clock.Now(),
		}); err != nil {
			m.log.Error().Err(err).Msg("deliver loss warning")
		}
	}

	for _, mk := range fresh {
		ind, err := m.market.Indicators(ctx, mk.pos.Symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", mk.pos.Symbol).Msg("indicators unavailable")
			ind = Indicators{}
		}
		ev := Evaluate(mk.pos, mk.last, ind, th.Signals)
		if !m.shouldExit(ctx, mk.pos, ev) {
			continue
		}
		m.log.Info().Str("position_id", mk.pos.ID).Str("symbol", mk.pos.Symbol).
			Str("signal", ev.Strength.String()).Str("reason", ev.Reason).Msg("exit signal")
		if _, err := m.orders.ClosePosition(ctx, mk.pos.ID, ev.Reason); err != nil {
			m.log.Error().Err(err).Str("position_id", mk.pos.ID).Msg("close on exit signal")
			continue
		}
		r.Exits = append(r.Exits, mk.pos.ID)
	}
	return r, nil
}

func (m *Monitor) shouldExit(ctx context.Context, p *domain.Position, ev Evaluation) bool {
	switch ev.Strength {
	case SignalStrong:
		return true
	case SignalModerate:
		exit, err := m.decider.ShouldExit(ctx, p, ev)
		if err != nil {
			m.log.Warn().Err(err).Str("position_id", p.ID).Msg("secondary exit decision")
			return false
		}
		return exit
	default:
		return false
	}
}

func (m *Monitor) warnOnce(cycleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warned[cycleID] {
		return false
	}
	m.warned[cycleID] = true
	return true
}
