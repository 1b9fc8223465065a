package orders

import (
	"context"
	"errors"
	"fmt"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/store"
)

// Cancel cancels a working order. A created order never reached the broker
// and is cancelled locally; otherwise cancellation is requested from the
// broker and the final state is taken from the broker's answer.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (*domain.Order, error) {
	var (
		o     *domain.Order
		local bool
	)
	err := l.store.Tx(ctx, func(tx *store.Store) error {
		cur, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		o = cur
		if cur.Status.IsTerminal() {
			return &domain.TransitionError{Entity: "order", ID: cur.ID, From: string(cur.Status), To: string(domain.OrderCancelled)}
		}
		if cur.Status == domain.OrderCreated {
			local = true
			return l.transition(ctx, tx, cur, domain.OrderCancelled, reason)
		}
		cur.CancelRequestedAt = stamp(cur.CancelRequestedAt, l.clock.Now())
		if reason != "" {
			cur.Reason = reason
		}
		return tx.UpdateOrder(ctx, cur)
	})
	if err != nil {
		return o, err
	}
	if local {
		l.log.Info().Str("order_id", id).Str("reason", reason).Msg("order cancelled before submission")
		return o, nil
	}
	if o.BrokerOrderID == nil {
		return o, fmt.Errorf("order %s is %s without a broker id", o.ID, o.Status)
	}

	if err := l.gateway.Cancel(ctx, *o.BrokerOrderID); err != nil {
		// A permanent refusal usually means the order already finished;
		// the refresh below finds out how.
		if !broker.IsPermanent(err) {
			return o, fmt.Errorf("cancel order %s: %w", o.ID, err)
		}
		l.log.Warn().Err(err).Str("order_id", o.ID).Msg("broker refused cancel")
	}
	return l.Refresh(ctx, o.ID)
}

// Refresh pulls the broker's view of an order and applies it.
func (l *Ledger) Refresh(ctx context.Context, id string) (*domain.Order, error) {
	o, err := l.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	var u *broker.OrderUpdate
	if o.BrokerOrderID != nil {
		u, err = l.gateway.GetOrder(ctx, *o.BrokerOrderID)
	} else {
		u, err = l.gateway.GetOrderByClientID(ctx, o.ClientOrderID)
	}
	if err != nil {
		return o, err
	}
	return l.ApplyUpdate(ctx, *u)
}

// ClosePosition submits a market order for the remaining quantity of an
// open position after cancelling the orders still working on it. When an
// exit is already working it is refreshed and returned instead. The result
// is nil when the position closed while its orders were being cancelled.
func (l *Ledger) ClosePosition(ctx context.Context, positionID, reason string) (*domain.Order, error) {
	return l.closeWith(ctx, l.gateway, positionID, reason)
}

// Liquidate is ClosePosition with a single broker attempt per call, for
// callers that run their own retry loop.
func (l *Ledger) Liquidate(ctx context.Context, positionID, reason string) (*domain.Order, error) {
	return l.closeWith(ctx, l.gateway.WithoutRetry(), positionID, reason)
}

func (l *Ledger) closeWith(ctx context.Context, gw *broker.Gateway, positionID, reason string) (*domain.Order, error) {
	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status != domain.PositionOpen {
		return nil, &domain.TransitionError{Entity: "position", ID: pos.ID, From: string(pos.Status), To: string(domain.PositionClosed)}
	}

	exits, err := l.store.ListOrders(ctx, store.OrderFilter{
		PositionID: pos.ID,
		Purposes:   []domain.OrderPurpose{domain.PurposeExit},
	})
	if err != nil {
		return nil, err
	}
	for i := range exits {
		o := &exits[i]
		switch {
		case o.Status == domain.OrderCreated:
			return l.submitWith(ctx, gw, o.ID)
		case !o.Status.IsTerminal():
			return l.Refresh(ctx, o.ID)
		}
	}

	l.closing.Store(pos.ID, struct{}{})
	defer l.closing.Delete(pos.ID)

	l.cancelPositionOrders(ctx, pos.ID, "", reason)
	pos, err = l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status != domain.PositionOpen {
		return nil, nil
	}

	sec, err := l.registry.Get(ctx, pos.SecurityID)
	if err != nil {
		return nil, err
	}
	o, err := l.Create(ctx, domain.OrderIntent{
		IdempotencyKey: fmt.Sprintf("%s:exit:%d", pos.ID, len(exits)+1),
		CycleID:        pos.CycleID,
		Symbol:         pos.Symbol,
		Exchange:       sec.Exchange,
		PositionID:     &pos.ID,
		Side:           pos.Side.ExitSide(),
		Type:           domain.OrderTypeMarket,
		Purpose:        domain.PurposeExit,
		Quantity:       pos.Quantity,
		ReferencePrice: pos.LastPrice,
		Reason:         reason,
	})
	if err != nil {
		return nil, err
	}
	l.log.Info().Str("position_id", pos.ID).Str("symbol", pos.Symbol).Str("qty", pos.Quantity.String()).
		Str("reason", reason).Msg("closing position")
	return l.submitWith(ctx, gw, o.ID)
}

// cancelPositionOrders cancels every working order on a position except
// the one named by except.
func (l *Ledger) cancelPositionOrders(ctx context.Context, positionID, except, reason string) {
	working, err := l.store.ListOrders(ctx, store.OrderFilter{
		PositionID: positionID,
		Statuses:   domain.NonTerminalOrderStatuses(),
	})
	if err != nil {
		l.log.Error().Err(err).Str("position_id", positionID).Msg("list position orders")
		return
	}
	for _, o := range working {
		if o.ID == except {
			continue
		}
		if _, err := l.Cancel(ctx, o.ID, reason); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			l.log.Warn().Err(err).Str("order_id", o.ID).Str("position_id", positionID).Msg("cancel position order")
		}
	}
}

// protect places the stop-loss and take-profit legs of a settled entry
// order. Leg keys derive from the entry, so repeating this is harmless.
func (l *Ledger) protect(ctx context.Context, entry *domain.Order) error {
	if _, closing := l.closing.Load(*entry.PositionID); closing {
		return nil
	}
	pos, err := l.store.GetPosition(ctx, *entry.PositionID)
	if err != nil {
		return err
	}
	if pos.Status != domain.PositionOpen || !pos.Quantity.IsPositive() {
		return nil
	}
	exits, err := l.store.ListOrders(ctx, store.OrderFilter{
		PositionID: pos.ID,
		Purposes:   []domain.OrderPurpose{domain.PurposeExit},
		Statuses:   domain.NonTerminalOrderStatuses(),
	})
	if err != nil {
		return err
	}
	if len(exits) > 0 {
		return nil
	}
	sec, err := l.registry.Get(ctx, entry.SecurityID)
	if err != nil {
		return err
	}

	base := domain.OrderIntent{
		CycleID:       entry.CycleID,
		Symbol:        sec.Symbol,
		Exchange:      sec.Exchange,
		PositionID:    &pos.ID,
		ParentOrderID: &entry.ID,
		Side:          pos.Side.ExitSide(),
		Quantity:      pos.Quantity,
	}
	var sl, tp *domain.Order
	if entry.StopLoss.IsPositive() {
		leg := base
		leg.IdempotencyKey = entry.ID + ":sl"
		leg.Type = domain.OrderTypeStop
		leg.Purpose = domain.PurposeStopLoss
		leg.StopPrice = entry.StopLoss
		leg.Reason = "stop loss"
		if sl, err = l.Create(ctx, leg); err != nil {
			return err
		}
	}
	if entry.TakeProfit.IsPositive() {
		leg := base
		leg.IdempotencyKey = entry.ID + ":tp"
		leg.Type = domain.OrderTypeLimit
		leg.Purpose = domain.PurposeTakeProfit
		leg.LimitPrice = entry.TakeProfit
		leg.Reason = "take profit"
		if tp, err = l.Create(ctx, leg); err != nil {
			return err
		}
	}

	switch {
	case sl != nil && tp != nil:
		// Both legs hold the same quantity, so the broker must see them as
		// one OCO order.
		return l.submitPair(ctx, sl.ID, tp.ID)
	case sl != nil:
		return l.submitLeg(ctx, sl)
	case tp != nil:
		return l.submitLeg(ctx, tp)
	}
	return nil
}

func (l *Ledger) submitLeg(ctx context.Context, o *domain.Order) error {
	if o.Status != domain.OrderCreated {
		return nil
	}
	_, err := l.Submit(ctx, o.ID)
	return err
}

// Stream applies broker updates until ctx is cancelled or the stream ends.
func (l *Ledger) Stream(ctx context.Context) error {
	for u := range l.gateway.Events(ctx) {
		if _, err := l.ApplyUpdate(ctx, u); err != nil {
			ev := l.log.Warn()
			if !errors.Is(err, domain.ErrNotFound) {
				ev = l.log.Error()
			}
			ev.Err(err).Str("broker_order_id", u.BrokerOrderID).Str("status", string(u.Status)).
				Msg("apply broker update")
		}
	}
	return ctx.Err()
}
