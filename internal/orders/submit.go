package orders

import (
	"context"
	"errors"
	"fmt"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/store"
)

// Submit sends a created order to the broker. A permanent rejection or an
// exhausted transient failure leaves the order rejected and is returned
// together with the updated order. If ctx ends first the order stays
// created for reconciliation to resolve. Entry orders are rejected with
// domain.ErrTradingHalted while any cycle's halt latch is set.
func (l *Ledger) Submit(ctx context.Context, id string) (*domain.Order, error) {
	return l.submitWith(ctx, l.gateway, id)
}

func (l *Ledger) submitWith(ctx context.Context, gw *broker.Gateway, id string) (*domain.Order, error) {
	o, err := l.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.OrderCreated {
		if o.BrokerOrderID != nil {
			// Already at the broker; submitting again is a no-op.
			return o, nil
		}
		return o, &domain.TransitionError{Entity: "order", ID: o.ID, From: string(o.Status), To: string(domain.OrderSubmitted)}
	}

	if o.Purpose == domain.PurposeEntry {
		if refused, err := l.admit(ctx, o.ID); err != nil || refused != nil {
			return refused, err
		}
	}

	sec, err := l.registry.Get(ctx, o.SecurityID)
	if err != nil {
		return nil, err
	}
	req, err := broker.BuildSubmitRequest(sec, o)
	if err != nil {
		return l.reject(ctx, o.ID, err.Error(), err)
	}

	u, err := gw.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return o, err
		}
		if broker.IsTransient(err) {
			l.escalate(ctx, domain.FlagSubmitExhausted, domain.SeverityWarning, o.ID,
				fmt.Sprintf("submit of %s %s %s gave up: %v", o.Side, o.Quantity, o.Symbol, err))
		}
		return l.reject(ctx, o.ID, err.Error(), err)
	}

	var cancelAtBroker bool
	err = l.store.Tx(ctx, func(tx *store.Store) (err error) {
		cancelAtBroker, err = l.recordSubmission(ctx, tx, o.ID, u.BrokerOrderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record submission of %s: %w", o.ID, err)
	}
	l.log.Info().Str("order_id", o.ID).Str("broker_order_id", u.BrokerOrderID).Str("symbol", o.Symbol).Msg("order submitted")

	if cancelAtBroker {
		if err := gw.Cancel(ctx, u.BrokerOrderID); err != nil {
			l.log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel of locally cancelled order failed")
		}
	}
	return l.ApplyUpdate(ctx, *u)
}

// submitPair sends a stop-loss and a take-profit leg as one OCO order and
// records the broker id of each leg.
func (l *Ledger) submitPair(ctx context.Context, slID, tpID string) error {
	sl, err := l.store.GetOrder(ctx, slID)
	if err != nil {
		return err
	}
	tp, err := l.store.GetOrder(ctx, tpID)
	if err != nil {
		return err
	}
	if sl.Status != domain.OrderCreated || tp.Status != domain.OrderCreated {
		return nil
	}
	sec, err := l.registry.Get(ctx, tp.SecurityID)
	if err != nil {
		return err
	}
	req, err := broker.BuildOCORequest(sec, sl, tp)
	if err != nil {
		return l.rejectPair(ctx, sl.ID, tp.ID, err)
	}

	u, err := l.gateway.SubmitOCO(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if broker.IsTransient(err) {
			l.escalate(ctx, domain.FlagSubmitExhausted, domain.SeverityWarning, tp.ID,
				fmt.Sprintf("oco submit of %s %s %s gave up: %v", tp.Side, tp.Quantity, tp.Symbol, err))
		}
		return l.rejectPair(ctx, sl.ID, tp.ID, err)
	}
	if len(u.Legs) == 0 {
		return fmt.Errorf("oco order %s for %s came back without its stop-loss leg", u.BrokerOrderID, tp.ID)
	}
	leg := u.Legs[0]

	var cancelTP, cancelSL bool
	err = l.store.Tx(ctx, func(tx *store.Store) (err error) {
		if cancelTP, err = l.recordSubmission(ctx, tx, tp.ID, u.BrokerOrderID); err != nil {
			return err
		}
		cancelSL, err = l.recordSubmission(ctx, tx, sl.ID, leg.BrokerOrderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("record oco submission of %s and %s: %w", sl.ID, tp.ID, err)
	}
	l.log.Info().Str("stop_loss", sl.ID).Str("take_profit", tp.ID).Str("broker_order_id", u.BrokerOrderID).
		Str("symbol", tp.Symbol).Msg("oco submitted")

	if cancelTP || cancelSL {
		// Cancelling either leg takes the pair down.
		if err := l.gateway.Cancel(ctx, u.BrokerOrderID); err != nil {
			l.log.Warn().Err(err).Str("order_id", tp.ID).Msg("cancel of locally cancelled oco failed")
		}
	}
	var errs []error
	for _, up := range []broker.OrderUpdate{*u, leg} {
		if _, err := l.ApplyUpdate(ctx, up); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) rejectPair(ctx context.Context, slID, tpID string, cause error) error {
	_, slErr := l.reject(ctx, slID, cause.Error(), cause)
	_, tpErr := l.reject(ctx, tpID, cause.Error(), cause)
	return errors.Join(slErr, tpErr)
}

// recordSubmission stores the broker id of a submitted order inside tx. It
// reports whether the order was cancelled locally while the request was in
// flight, in which case the broker's copy must be cancelled too.
func (l *Ledger) recordSubmission(ctx context.Context, tx *store.Store, id, brokerOrderID string) (bool, error) {
	cur, err := tx.LockOrder(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.BrokerOrderID != nil {
		// An event or reconciliation adopted the order first.
		return false, nil
	}
	bid := brokerOrderID
	cur.BrokerOrderID = &bid
	if cur.Status != domain.OrderCreated {
		return cur.Status == domain.OrderCancelled, tx.UpdateOrder(ctx, cur)
	}
	return false, l.transition(ctx, tx, cur, domain.OrderSubmitted, "")
}

// admit rejects a created entry order while any halt latch is set,
// reading the latch and rejecting in one transaction. An entry admitted
// just before a latch is set is still working when the liquidator lists
// the cycle's orders. It returns the rejected order, or nil when the entry
// may go out.
func (l *Ledger) admit(ctx context.Context, id string) (*domain.Order, error) {
	var (
		refused *domain.Order
		reason  string
	)
	err := l.store.Tx(ctx, func(tx *store.Store) error {
		refused = nil
		halted, err := tx.HaltedCycles(ctx)
		if err != nil || len(halted) == 0 {
			return err
		}
		cur, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.OrderCreated {
			return nil
		}
		refused = cur
		reason = fmt.Sprintf("trading halted: %s", halted[0].HaltReason)
		return l.transition(ctx, tx, cur, domain.OrderRejected, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("admit order %s: %w", id, err)
	}
	if refused == nil {
		return nil, nil
	}
	l.log.Warn().Str("order_id", id).Str("symbol", refused.Symbol).Str("reason", reason).Msg("entry refused")
	return refused, fmt.Errorf("submit order %s: %w", id, domain.ErrTradingHalted)
}

// reject moves a created order to rejected and returns cause alongside it.
func (l *Ledger) reject(ctx context.Context, id, reason string, cause error) (*domain.Order, error) {
	var out *domain.Order
	err := l.store.Tx(ctx, func(tx *store.Store) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		out = o
		if o.Status.IsTerminal() {
			return nil
		}
		return l.transition(ctx, tx, o, domain.OrderRejected, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("reject order %s: %w (after %v)", id, err, cause)
	}
	l.log.Warn().Str("order_id", id).Str("reason", reason).Msg("order rejected")
	return out, fmt.Errorf("submit order %s: %w", id, cause)
}
