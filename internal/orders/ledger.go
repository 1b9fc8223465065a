// Package orders owns the order lifecycle: idempotent creation, submission
// through the broker gateway, fill and status application, cancellation,
// protective legs and position exits. It is the only writer of order rows.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/positions"
	"vesta/internal/registry"
	"vesta/internal/store"
	"vesta/internal/util"
)

// Escalator raises reconciliation flags on behalf of the ledger.
type Escalator interface {
	Raise(ctx context.Context, kind domain.FlagKind, severity domain.Severity, subject, detail string) (*domain.ReconciliationFlag, error)
}

// Ledger is the order state machine backed by the store.
type Ledger struct {
	store     *store.Store
	registry  *registry.Registry
	gateway   *broker.Gateway
	positions *positions.Ledger
	clock     util.Clock
	log       zerolog.Logger
	escalator Escalator

	// closing holds the IDs of positions with an exit being placed, so
	// that settling their entry orders does not add protective legs.
	closing sync.Map
}

// New creates a Ledger. SetEscalator must be called before submissions can
// raise flags; until then exhaustion is only logged.
func New(s *store.Store, reg *registry.Registry, gw *broker.Gateway, pos *positions.Ledger, clock util.Clock, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:     s,
		registry:  reg,
		gateway:   gw,
		positions: pos,
		clock:     clock,
		log:       log,
	}
}

// SetEscalator wires the flag sink.
func (l *Ledger) SetEscalator(e Escalator) { l.escalator = e }

// Create persists an order in the created state. Creating twice with the
// same idempotency key returns the order from the first call.
func (l *Ledger) Create(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if existing, err := l.store.GetOrderByClientID(ctx, intent.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	sec, err := l.registry.Resolve(ctx, registry.Ref{Symbol: intent.Symbol, Exchange: intent.Exchange, Sector: intent.Sector})
	if err != nil {
		return nil, err
	}
	if !sec.IsActive {
		return nil, domain.Invalid("security %s is not active", sec.Symbol)
	}
	qty := sec.RoundQuantity(intent.Quantity)
	if !qty.IsPositive() {
		return nil, domain.Invalid("quantity %s is below one lot of %s", intent.Quantity, sec.Symbol)
	}

	o := &domain.Order{
		ID:            uuid.New().String(),
		CycleID:       intent.CycleID,
		SecurityID:    sec.ID,
		Symbol:        sec.Symbol,
		PositionID:    intent.PositionID,
		ParentOrderID: intent.ParentOrderID,
		Side:          intent.Side,
		Type:          intent.Type,
		Purpose:       intent.Purpose,
		Quantity:      qty,
		LimitPrice:    sec.RoundPrice(intent.LimitPrice),
		StopPrice:     sec.RoundPrice(intent.StopPrice),
		TrailPercent:  intent.TrailPercent,
		StopLoss:      sec.RoundPrice(intent.StopLoss),
		TakeProfit:    sec.RoundPrice(intent.TakeProfit),
		ClientOrderID: intent.IdempotencyKey,
		Status:        domain.OrderCreated,
		Reason:        intent.Reason,
	}

	err = l.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		return tx.AddTransition(ctx, &domain.OrderTransition{
			OrderID: o.ID,
			To:      domain.OrderCreated,
			Reason:  intent.Reason,
			At:      l.clock.Now(),
		})
	})
	if store.IsDuplicate(err) {
		return l.store.GetOrderByClientID(ctx, intent.IdempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("create order %s: %w", intent.IdempotencyKey, err)
	}

	l.log.Info().Str("order_id", o.ID).Str("symbol", o.Symbol).Str("side", string(o.Side)).
		Str("type", string(o.Type)).Str("purpose", string(o.Purpose)).Str("qty", o.Quantity.String()).
		Msg("order created")
	return o, nil
}

// Get returns an order by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.Order, error) {
	return l.store.GetOrder(ctx, id)
}

// History returns an order's transitions, oldest first.
func (l *Ledger) History(ctx context.Context, id string) ([]domain.OrderTransition, error) {
	return l.store.OrderHistory(ctx, id)
}

// Working returns the non-terminal orders of a cycle.
func (l *Ledger) Working(ctx context.Context, cycleID string) ([]domain.Order, error) {
	return l.store.ListOrders(ctx, store.OrderFilter{
		CycleID:  cycleID,
		Statuses: domain.NonTerminalOrderStatuses(),
	})
}

// transition moves o along the order graph inside tx and appends the
// history row. Invalid edges fail with a *domain.TransitionError.
func (l *Ledger) transition(ctx context.Context, tx *store.Store, o *domain.Order, to domain.OrderStatus, reason string) error {
	if !o.Status.CanTransition(to) {
		return &domain.TransitionError{Entity: "order", ID: o.ID, From: string(o.Status), To: string(to)}
	}
	now := l.clock.Now()
	from := o.Status
	o.Status = to
	switch to {
	case domain.OrderSubmitted:
		o.SubmittedAt = stamp(o.SubmittedAt, now)
	case domain.OrderAccepted:
		o.AcceptedAt = stamp(o.AcceptedAt, now)
	case domain.OrderFilled:
		o.FilledAt = stamp(o.FilledAt, now)
	}
	if to.IsTerminal() {
		o.ClosedAt = stamp(o.ClosedAt, now)
		if reason != "" {
			o.Reason = reason
		}
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	return tx.AddTransition(ctx, &domain.OrderTransition{
		OrderID: o.ID,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      now,
	})
}

func (l *Ledger) escalate(ctx context.Context, kind domain.FlagKind, severity domain.Severity, subject, detail string) {
	if l.escalator == nil {
		l.log.Error().Str("kind", string(kind)).Str("subject", subject).Str("detail", detail).Msg("no escalator wired")
		return
	}
	if _, err := l.escalator.Raise(ctx, kind, severity, subject, detail); err != nil {
		l.log.Error().Err(err).Str("kind", string(kind)).Str("subject", subject).Msg("raise flag")
	}
}

func stamp(existing *time.Time, now time.Time) *time.Time {
	if existing != nil {
		return existing
	}
	t := now.UTC()
	return &t
}
