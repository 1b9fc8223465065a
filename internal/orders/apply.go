package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/positions"
	"vesta/internal/store"
)

// effects are follow-ups that need broker I/O and so run after commit.
type effects struct {
	protect        bool
	cancelSiblings string
	positionClosed string
	overClose      string
}

// ApplyFill records a cumulative fill for an order known by its broker id.
func (l *Ledger) ApplyFill(ctx context.Context, brokerOrderID string, filledQty, avgPrice decimal.Decimal, at time.Time) (*domain.Order, error) {
	o, err := l.store.GetOrderByBrokerID(ctx, brokerOrderID)
	if err != nil {
		return nil, err
	}
	status := broker.StatusPartiallyFilled
	if filledQty.Equal(o.Quantity) {
		status = broker.StatusFilled
	}
	return l.ApplyUpdate(ctx, broker.OrderUpdate{
		BrokerOrderID:  brokerOrderID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Status:         status,
		Quantity:       o.Quantity,
		FilledQty:      filledQty,
		FilledAvgPrice: avgPrice,
		At:             at,
	})
}

// ApplyUpdate folds a broker update into the order graph. Fill quantities
// are cumulative, so replayed or stale updates change nothing. An update for
// a created order adopts it: the broker evidently has it.
func (l *Ledger) ApplyUpdate(ctx context.Context, u broker.OrderUpdate) (*domain.Order, error) {
	o, err := l.find(ctx, u)
	if err != nil {
		return nil, err
	}
	sec, err := l.registry.Get(ctx, o.SecurityID)
	if err != nil {
		return nil, err
	}

	var fx effects
	err = l.store.Tx(ctx, func(tx *store.Store) error {
		fx = effects{}
		cur, err := tx.LockOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		o = cur
		return l.apply(ctx, tx, o, sec.Sector, u, &fx)
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s update to order %s: %w", u.Status, o.ID, err)
	}

	l.followUp(ctx, o, fx)
	return o, nil
}

func (l *Ledger) find(ctx context.Context, u broker.OrderUpdate) (*domain.Order, error) {
	if u.BrokerOrderID != "" {
		o, err := l.store.GetOrderByBrokerID(ctx, u.BrokerOrderID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if u.ClientOrderID == "" {
		return nil, fmt.Errorf("broker order %s: %w", u.BrokerOrderID, domain.ErrNotFound)
	}
	return l.store.GetOrderByClientID(ctx, u.ClientOrderID)
}

func (l *Ledger) apply(ctx context.Context, tx *store.Store, o *domain.Order, sector string, u broker.OrderUpdate, fx *effects) error {
	if o.BrokerOrderID == nil && u.BrokerOrderID != "" {
		bid := u.BrokerOrderID
		o.BrokerOrderID = &bid
		if o.Status == domain.OrderCreated {
			if err := l.transition(ctx, tx, o, domain.OrderSubmitted, "adopted from broker"); err != nil {
				return err
			}
		} else if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}

	if o.Status.IsTerminal() {
		if u.FilledQty.GreaterThan(o.FilledQuantity) {
			l.log.Error().Str("order_id", o.ID).Str("status", string(o.Status)).
				Str("broker_filled", u.FilledQty.String()).Str("local_filled", o.FilledQuantity.String()).
				Msg("fill reported for a closed order")
		}
		return nil
	}

	if u.FilledQty.GreaterThan(o.FilledQuantity) {
		if err := l.fill(ctx, tx, o, sector, u, fx); err != nil {
			return err
		}
	}

	switch u.Status {
	case broker.StatusAccepted:
		if o.Status == domain.OrderSubmitted {
			return l.transition(ctx, tx, o, domain.OrderAccepted, "")
		}
	case broker.StatusCanceled:
		return l.finish(ctx, tx, o, domain.OrderCancelled, firstNonEmpty(u.Reason, o.Reason, "cancelled by broker"), fx)
	case broker.StatusExpired:
		return l.finish(ctx, tx, o, domain.OrderExpired, firstNonEmpty(u.Reason, "expired"), fx)
	case broker.StatusReplaced:
		return l.finish(ctx, tx, o, domain.OrderReplaced, firstNonEmpty(u.Reason, "replaced"), fx)
	case broker.StatusRejected:
		reason := firstNonEmpty(u.Reason, "rejected by broker")
		if o.Status == domain.OrderPartialFill {
			// Rejecting a partly filled order is not an edge of the graph;
			// what remains is simply no longer working.
			return l.finish(ctx, tx, o, domain.OrderCancelled, "rejected after partial fill: "+reason, fx)
		}
		return l.finish(ctx, tx, o, domain.OrderRejected, reason, fx)
	}
	return nil
}

// fill applies the increment between the stored and the reported
// cumulative quantities.
func (l *Ledger) fill(ctx context.Context, tx *store.Store, o *domain.Order, sector string, u broker.OrderUpdate, fx *effects) error {
	if u.FilledQty.GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: order %s quantity %s, broker reports %s filled", domain.ErrOverfill, o.ID, o.Quantity, u.FilledQty)
	}
	if o.Status == domain.OrderSubmitted {
		if err := l.transition(ctx, tx, o, domain.OrderAccepted, "implied by fill"); err != nil {
			return err
		}
	}

	delta := u.FilledQty.Sub(o.FilledQuantity)
	price := u.FilledAvgPrice
	if o.FilledQuantity.IsPositive() {
		incremental := u.FilledAvgPrice.Mul(u.FilledQty).Sub(o.FilledAvgPrice.Mul(o.FilledQuantity)).Div(delta)
		if incremental.IsPositive() {
			price = incremental
		}
	}
	fee := u.Fee.Sub(o.Fees)
	if fee.IsNegative() {
		fee = decimal.Zero
	}

	o.FilledQuantity = u.FilledQty
	o.FilledAvgPrice = u.FilledAvgPrice
	o.Fees = o.Fees.Add(fee)

	at := u.At
	if at.IsZero() {
		at = l.clock.Now()
	}
	f := positions.Fill{
		OrderID:  o.ID,
		Purpose:  o.Purpose,
		Side:     o.Side,
		Quantity: delta,
		Price:    price,
		Fee:      fee,
		Reason:   o.Reason,
		At:       at,
	}
	switch {
	case o.PositionID == nil && o.Purpose == domain.PurposeEntry:
		p, err := l.positions.OpenFromFill(ctx, tx, o, sector, f)
		if err != nil {
			return err
		}
		o.PositionID = &p.ID
	case o.PositionID != nil:
		p, err := tx.LockPosition(ctx, *o.PositionID)
		if err != nil {
			return err
		}
		booked := bookable(p, o.Side, delta)
		if booked.LessThan(delta) {
			// The broker has executed it, so the order records the whole
			// fill; only what the position holds is booked against it.
			fx.overClose = fmt.Sprintf("order %s filled %s on position %s (%s) holding %s; %s not booked",
				o.ID, delta, p.ID, p.Status, p.Quantity, delta.Sub(booked))
		}
		if booked.IsPositive() {
			f.Quantity = booked
			p, err = l.positions.ApplyFill(ctx, tx, p.ID, f)
			if err != nil {
				return err
			}
			if p.Status == domain.PositionClosed {
				fx.positionClosed = p.ID
			}
		}
	default:
		return fmt.Errorf("order %s (%s) filled without a position", o.ID, o.Purpose)
	}

	next := domain.OrderPartialFill
	if o.FilledQuantity.Equal(o.Quantity) {
		next = domain.OrderFilled
	}
	if err := l.transition(ctx, tx, o, next, ""); err != nil {
		return err
	}
	if next == domain.OrderFilled {
		l.settled(o, fx)
	}
	l.log.Info().Str("order_id", o.ID).Str("symbol", o.Symbol).Str("filled", o.FilledQuantity.String()).
		Str("of", o.Quantity.String()).Str("price", price.String()).Msg("order fill")
	return nil
}

// finish moves o to a terminal status, recording the implied accepted step
// when the broker skipped it.
func (l *Ledger) finish(ctx context.Context, tx *store.Store, o *domain.Order, to domain.OrderStatus, reason string, fx *effects) error {
	if o.Status.IsTerminal() {
		return nil
	}
	if o.Status == domain.OrderSubmitted && !o.Status.CanTransition(to) {
		if err := l.transition(ctx, tx, o, domain.OrderAccepted, "implied by "+string(to)); err != nil {
			return err
		}
	}
	if err := l.transition(ctx, tx, o, to, reason); err != nil {
		return err
	}
	l.settled(o, fx)
	return nil
}

// settled schedules the follow-ups of an order that stopped working.
func (l *Ledger) settled(o *domain.Order, fx *effects) {
	if o.PositionID == nil || !o.FilledQuantity.IsPositive() {
		return
	}
	switch o.Purpose {
	case domain.PurposeEntry:
		fx.protect = o.StopLoss.IsPositive() || o.TakeProfit.IsPositive()
	case domain.PurposeStopLoss, domain.PurposeTakeProfit:
		if o.Status == domain.OrderFilled {
			fx.cancelSiblings = *o.PositionID
		}
	}
}

// bookable is how much of a qty fill on side p can absorb: all of it on
// the entry side, at most the held quantity on the exit side, nothing once
// p is closed.
func bookable(p *domain.Position, side domain.Side, qty decimal.Decimal) decimal.Decimal {
	switch {
	case p.Status != domain.PositionOpen:
		return decimal.Zero
	case side == p.Side.EntrySide():
		return qty
	default:
		return decimal.Min(qty, p.Quantity)
	}
}

func (l *Ledger) followUp(ctx context.Context, o *domain.Order, fx effects) {
	if fx.overClose != "" {
		l.log.Error().Str("order_id", o.ID).Str("symbol", o.Symbol).Msg(fx.overClose)
		l.escalate(ctx, domain.FlagOverClose, domain.SeverityCritical, o.ID, fx.overClose)
	}
	if fx.positionClosed != "" {
		l.cancelPositionOrders(ctx, fx.positionClosed, o.ID, "position closed")
	} else if fx.cancelSiblings != "" {
		l.cancelPositionOrders(ctx, fx.cancelSiblings, o.ID, "oco: "+string(o.Purpose)+" filled")
	}
	if fx.protect {
		if err := l.protect(ctx, o); err != nil {
			l.log.Error().Err(err).Str("order_id", o.ID).Msg("place protective orders")
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
