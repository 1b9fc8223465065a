package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"vesta/internal/alert"
	"vesta/internal/domain"
	"vesta/internal/orders"
	"vesta/internal/store"
	"vesta/internal/util"
)

// AlertEmergencyStop is the alert kind sent when a cycle is liquidated.
const AlertEmergencyStop = "EMERGENCY_STOP"

// Summary is persisted on the cycle after an emergency stop.
type Summary struct {
	CycleID         string          `json:"cycle_id"`
	Reason          string          `json:"reason"`
	TriggerPnL      decimal.Decimal `json:"trigger_pnl"`
	OrdersCancelled []string        `json:"orders_cancelled"`
	PositionsClosed []string        `json:"positions_closed"`
	// Unconfirmed lists positions still open when liquidation was
	// interrupted, UnconfirmedOrders the orders still working.
	Unconfirmed       []string  `json:"unconfirmed,omitempty"`
	UnconfirmedOrders []string  `json:"unconfirmed_orders,omitempty"`
	Rounds            int       `json:"rounds"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// Liquidator performs emergency stops.
type Liquidator struct {
	store   *store.Store
	orders  *orders.Ledger
	clock   util.Clock
	alerter alert.Alerter
	delay   time.Duration
	log     zerolog.Logger
}

// NewLiquidator creates a Liquidator that waits delay between liquidation
// rounds.
func NewLiquidator(s *store.Store, ol *orders.Ledger, clock util.Clock, alerter alert.Alerter, delay time.Duration, log zerolog.Logger) *Liquidator {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Liquidator{store: s, orders: ol, clock: clock, alerter: alerter, delay: delay, log: log}
}

// EmergencyStop halts the cycle, cancels its working orders, and closes its
// open positions at market. Every delay it sweeps again, re-listing what is
// still working or open, until nothing is or ctx is cancelled. The cycle is
// then stopped and the summary persisted on it. The halt latch stays set
// until an operator clears it.
func (l *Liquidator) EmergencyStop(ctx context.Context, cycleID, reason string, trigger decimal.Decimal) (*Summary, error) {
	sum := &Summary{
		CycleID:         cycleID,
		Reason:          reason,
		TriggerPnL:      trigger,
		OrdersCancelled: []string{},
		PositionsClosed: []string{},
		StartedAt:       l.clock.Now(),
	}
	l.log.Error().Str("cycle_id", cycleID).Str("reason", reason).Str("trigger_pnl", trigger.String()).Msg("emergency stop")

	if err := l.latch(ctx, cycleID, reason); err != nil {
		return nil, err
	}

	sw := newTally()
	for {
		sum.Rounds++
		if err := l.sweep(ctx, cycleID, sw, sum.Rounds); err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, err
		}
		working, open, err := l.remaining(ctx, cycleID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, err
		}
		if len(working) == 0 && len(open) == 0 {
			break
		}
		l.log.Warn().Str("cycle_id", cycleID).Int("round", sum.Rounds).Int("working_orders", len(working)).
			Int("open_positions", len(open)).Msg("liquidation incomplete")
		select {
		case <-ctx.Done():
		case <-l.clock.After(l.delay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Persist even if the operator interrupted liquidation.
	pctx := context.WithoutCancel(ctx)
	if err := l.collect(pctx, cycleID, sw, sum); err != nil {
		return nil, err
	}
	sum.CompletedAt = l.clock.Now()

	if err := l.finish(pctx, cycleID, sum); err != nil {
		return sum, err
	}
	if err := l.alerter.Alert(pctx, alert.Alert{
		Severity: domain.SeverityCritical,
		Kind:     AlertEmergencyStop,
		Subject:  cycleID,
		Message: fmt.Sprintf("%s: cancelled %d orders, closed %d positions, %d positions and %d orders unconfirmed",
			reason, len(sum.OrdersCancelled), len(sum.PositionsClosed), len(sum.Unconfirmed), len(sum.UnconfirmedOrders)),
		At: sum.CompletedAt,
	}); err != nil {
		l.log.Error().Err(err).Msg("deliver emergency stop alert")
	}
	if len(sum.Unconfirmed) > 0 || len(sum.UnconfirmedOrders) > 0 {
		return sum, fmt.Errorf("emergency stop of %s interrupted with %d positions open and %d orders working: %w",
			cycleID, len(sum.Unconfirmed), len(sum.UnconfirmedOrders), ctx.Err())
	}
	return sum, nil
}

// tally remembers, across rounds, every order asked to cancel and every
// position asked to close, in first-seen order.
type tally struct {
	cancelled []string
	closed    []string
	seen      map[string]bool
}

func newTally() *tally { return &tally{seen: make(map[string]bool)} }

func (t *tally) order(id string) {
	if !t.seen[id] {
		t.seen[id] = true
		t.cancelled = append(t.cancelled, id)
	}
}

func (t *tally) position(id string) {
	if !t.seen[id] {
		t.seen[id] = true
		t.closed = append(t.closed, id)
	}
}

// sweep runs one liquidation round. Entries and protective legs are
// cancelled, exits of positions that are no longer open are cancelled, and
// every open position gets (or keeps) a market exit. Working exits are
// refreshed by Liquidate.
func (l *Liquidator) sweep(ctx context.Context, cycleID string, sw *tally, round int) error {
	working, open, err := l.remaining(ctx, cycleID)
	if err != nil {
		return err
	}
	isOpen := make(map[string]bool, len(open))
	for _, p := range open {
		isOpen[p.ID] = true
	}
	for _, o := range working {
		if o.Purpose == domain.PurposeExit && o.PositionID != nil && isOpen[*o.PositionID] {
			continue
		}
		sw.order(o.ID)
		if _, err := l.orders.Cancel(ctx, o.ID, "emergency stop"); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			l.log.Warn().Err(err).Str("order_id", o.ID).Int("round", round).Msg("cancel during emergency stop")
		}
	}
	for _, p := range open {
		sw.position(p.ID)
		if _, err := l.orders.Liquidate(ctx, p.ID, "emergency_stop"); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			l.log.Warn().Err(err).Str("position_id", p.ID).Int("round", round).Msg("liquidate")
		}
	}
	return nil
}

// remaining lists the cycle's working orders and open positions.
func (l *Liquidator) remaining(ctx context.Context, cycleID string) ([]domain.Order, []domain.Position, error) {
	working, err := l.store.ListOrders(ctx, store.OrderFilter{
		CycleID:  cycleID,
		Statuses: domain.NonTerminalOrderStatuses(),
	})
	if err != nil {
		return nil, nil, err
	}
	open, err := l.store.OpenPositions(ctx, cycleID)
	if err != nil {
		return nil, nil, err
	}
	return working, open, nil
}

// collect fills in the outcome: orders that ended cancelled, positions that
// ended closed, and whatever is still working or open.
func (l *Liquidator) collect(ctx context.Context, cycleID string, sw *tally, sum *Summary) error {
	for _, id := range sw.cancelled {
		o, err := l.store.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if o.Status == domain.OrderCancelled {
			sum.OrdersCancelled = append(sum.OrdersCancelled, id)
		}
	}
	for _, id := range sw.closed {
		p, err := l.store.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == domain.PositionClosed {
			sum.PositionsClosed = append(sum.PositionsClosed, id)
		}
	}
	working, open, err := l.remaining(ctx, cycleID)
	if err != nil {
		return err
	}
	for _, o := range working {
		sum.UnconfirmedOrders = append(sum.UnconfirmedOrders, o.ID)
	}
	for _, p := range open {
		sum.Unconfirmed = append(sum.Unconfirmed, p.ID)
	}
	return nil
}

func (l *Liquidator) latch(ctx context.Context, cycleID, reason string) error {
	return l.store.Tx(ctx, func(tx *store.Store) error {
		c, err := tx.LockCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if c.Halted() {
			return nil
		}
		now := l.clock.Now()
		c.HaltedAt = &now
		c.HaltReason = reason
		c.HaltClearedAt = nil
		c.HaltClearedBy = ""
		return tx.UpdateCycle(ctx, c)
	})
}

func (l *Liquidator) finish(ctx context.Context, cycleID string, sum *Summary) error {
	raw, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	return l.store.Tx(ctx, func(tx *store.Store) error {
		c, err := tx.LockCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if c.Status.CanTransition(domain.CycleStopped) {
			c.Status = domain.CycleStopped
			closedAt := sum.CompletedAt
			c.ClosedAt = &closedAt
		}
		c.StopReason = "emergency stop: " + sum.Reason
		c.Summary = datatypes.JSON(raw)
		return tx.UpdateCycle(ctx, c)
	})
}
