// Package positions maintains positions derived from filled orders. It is
// the only writer of position rows.
package positions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vesta/internal/domain"
	"vesta/internal/store"
	"vesta/internal/util"
)

// priceplaces is the precision kept for averaged prices.
const priceplaces = 6

// Fill is one execution applied to a position.
type Fill struct {
	OrderID  string
	Purpose  domain.OrderPurpose
	Side     domain.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Reason   string
	At       time.Time
}

// Ledger applies fills, marks and reconciliation closes to positions.
type Ledger struct {
	store *store.Store
	clock util.Clock
	log   zerolog.Logger
}

// New creates a Ledger.
func New(s *store.Store, clock util.Clock, log zerolog.Logger) *Ledger {
	return &Ledger{store: s, clock: clock, log: log}
}

// OpenFromFill creates an open position from the first fill of an entry
// order. It runs inside the caller's transaction.
func (l *Ledger) OpenFromFill(ctx context.Context, tx *store.Store, o *domain.Order, sector string, f Fill) (*domain.Position, error) {
	if o.Purpose != domain.PurposeEntry {
		return nil, domain.Invalid("order %s is a %s order and cannot open a position", o.ID, o.Purpose)
	}
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return nil, domain.Invalid("fill needs positive quantity and price, got %s @ %s", f.Quantity, f.Price)
	}
	side, err := domain.PositionSideFor(o.Side)
	if err != nil {
		return nil, err
	}

	p := &domain.Position{
		ID:           uuid.New().String(),
		CycleID:      o.CycleID,
		SecurityID:   o.SecurityID,
		Symbol:       o.Symbol,
		Sector:       sector,
		Side:         side,
		Status:       domain.PositionOpen,
		Quantity:     f.Quantity,
		EntryPrice:   f.Price,
		EntryTime:    f.At,
		EntryOrderID: o.ID,
		StopLoss:     o.StopLoss,
		TakeProfit:   o.TakeProfit,
		LastPrice:    f.Price,
		PeakPrice:    f.Price,
		Fees:         f.Fee,
	}
	if err := tx.CreatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("create position for order %s: %w", o.ID, err)
	}
	l.log.Info().Str("position_id", p.ID).Str("symbol", p.Symbol).Str("side", string(p.Side)).
		Str("qty", p.Quantity.String()).Str("price", p.EntryPrice.String()).Msg("position opened")
	return p, nil
}

// ApplyFill adds a fill to an open position inside the caller's
// transaction. Fills on the entry side grow the position at a weighted
// average price; fills on the exit side reduce it and realise P&L.
func (l *Ledger) ApplyFill(ctx context.Context, tx *store.Store, positionID string, f Fill) (*domain.Position, error) {
	p, err := tx.LockPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PositionOpen {
		return nil, &domain.TransitionError{Entity: "position", ID: p.ID, From: string(p.Status), To: string(p.Status)}
	}
	if !f.Quantity.IsPositive() {
		return nil, domain.Invalid("fill quantity must be positive, got %s", f.Quantity)
	}
	if err := f.Side.Validate(); err != nil {
		return nil, err
	}

	p.Fees = p.Fees.Add(f.Fee)
	if f.Side == p.Side.EntrySide() {
		total := p.Quantity.Add(f.Quantity)
		p.EntryPrice = p.EntryPrice.Mul(p.Quantity).Add(f.Price.Mul(f.Quantity)).Div(total).Round(priceplaces)
		p.Quantity = total
	} else {
		if f.Quantity.GreaterThan(p.Quantity) {
			return nil, fmt.Errorf("%w: position %s holds %s, fill of %s", domain.ErrOverClose, p.ID, p.Quantity, f.Quantity)
		}
		p.RealizedPnL = p.RealizedPnL.Add(f.Price.Sub(p.EntryPrice).Mul(f.Quantity).Mul(p.Side.Sign()))
		p.ClosedQuantity = p.ClosedQuantity.Add(f.Quantity)
		p.ExitValue = p.ExitValue.Add(f.Price.Mul(f.Quantity))
		p.Quantity = p.Quantity.Sub(f.Quantity)
	}
	p.LastPrice = f.Price
	p.UnrealizedPnL = unrealized(p, f.Price)

	if p.Quantity.IsZero() {
		if err := l.close(p, exitReason(f), f.At); err != nil {
			return nil, err
		}
	}
	if err := tx.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}
	if p.Status == domain.PositionClosed {
		l.log.Info().Str("position_id", p.ID).Str("symbol", p.Symbol).Str("reason", p.ExitReason).
			Str("realized_pnl", p.RealizedPnL.String()).Msg("position closed")
	}
	return p, nil
}

// MarkToMarket records the latest price for an open position: last price,
// peak price and unrealized P&L only. Closed positions are returned as is.
func (l *Ledger) MarkToMarket(ctx context.Context, positionID string, last decimal.Decimal) (*domain.Position, error) {
	if !last.IsPositive() {
		return nil, domain.Invalid("mark price must be positive, got %s", last)
	}
	var out *domain.Position
	err := l.store.Tx(ctx, func(tx *store.Store) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		out = p
		if p.Status != domain.PositionOpen {
			return nil
		}
		p.LastPrice = last
		if p.PeakPrice.IsZero() || more(p.Side, last, p.PeakPrice) {
			p.PeakPrice = last
		}
		p.UnrealizedPnL = unrealized(p, last)
		return tx.UpdatePosition(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseByReconciliation closes a position the broker does not hold. The
// exit is booked at the last mark, or at entry when it was never marked.
func (l *Ledger) CloseByReconciliation(ctx context.Context, positionID, detail string) (*domain.Position, error) {
	var out *domain.Position
	err := l.store.Tx(ctx, func(tx *store.Store) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if !p.Status.CanTransition(domain.PositionClosed) {
			return &domain.TransitionError{Entity: "position", ID: p.ID, From: string(p.Status), To: string(domain.PositionClosed)}
		}
		exit := p.LastPrice
		if exit.IsZero() {
			exit = p.EntryPrice
		}
		p.RealizedPnL = p.RealizedPnL.Add(exit.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.Sign()))
		p.ClosedQuantity = p.ClosedQuantity.Add(p.Quantity)
		p.ExitValue = p.ExitValue.Add(exit.Mul(p.Quantity))
		p.Quantity = decimal.Zero
		if err := l.close(p, domain.ExitReasonReconciliation, l.clock.Now()); err != nil {
			return err
		}
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Warn().Str("position_id", out.ID).Str("symbol", out.Symbol).Str("detail", detail).
		Msg("position closed by reconciliation")
	return out, nil
}

// ExpectedQuantity recomputes a position's quantity from the filled
// quantities of its linked orders.
func ExpectedQuantity(p *domain.Position, orders []domain.Order) decimal.Decimal {
	qty := decimal.Zero
	for i := range orders {
		o := &orders[i]
		if o.ID != p.EntryOrderID && (o.PositionID == nil || *o.PositionID != p.ID) {
			continue
		}
		if o.Side == p.Side.EntrySide() {
			qty = qty.Add(o.FilledQuantity)
		} else {
			qty = qty.Sub(o.FilledQuantity)
		}
	}
	return qty
}

func (l *Ledger) close(p *domain.Position, reason string, at time.Time) error {
	if !p.Status.CanTransition(domain.PositionClosed) {
		return &domain.TransitionError{Entity: "position", ID: p.ID, From: string(p.Status), To: string(domain.PositionClosed)}
	}
	if p.ClosedQuantity.IsPositive() {
		p.ExitPrice = p.ExitValue.Div(p.ClosedQuantity).Round(priceplaces)
	}
	p.RealizedPnL = p.RealizedPnL.Sub(p.Fees)
	p.UnrealizedPnL = decimal.Zero
	p.Status = domain.PositionClosed
	p.ExitReason = reason
	at = at.UTC()
	p.ExitTime = &at
	return nil
}

func exitReason(f Fill) string {
	switch f.Purpose {
	case domain.PurposeStopLoss, domain.PurposeTakeProfit:
		return string(f.Purpose)
	}
	if f.Reason != "" {
		return f.Reason
	}
	return string(domain.PurposeExit)
}

func unrealized(p *domain.Position, last decimal.Decimal) decimal.Decimal {
	return last.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.Sign())
}

// more reports whether a is more favourable than b for side.
func more(side domain.PositionSide, a, b decimal.Decimal) bool {
	if side == domain.PositionShort {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}
