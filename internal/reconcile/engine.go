// Package reconcile keeps local order and position state consistent with
// the broker. It adopts orders the broker knows about, flags what it cannot
// explain, and auto-corrects only phantom positions.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/orders"
	"vesta/internal/positions"
	"vesta/internal/store"
	"vesta/internal/util"
)

// Config tunes the reconciliation loop.
type Config struct {
	Interval             time.Duration
	StuckAfter           time.Duration
	PhantomConfirmations int
}

// Report summarises one reconciliation pass.
type Report struct {
	OrdersChecked  int `json:"orders_checked"`
	Adopted        int `json:"adopted"`
	NotInBroker    int `json:"not_in_broker"`
	NeverSubmitted int `json:"never_submitted"`
	Orphans        int `json:"orphans"`
	Phantoms       int `json:"phantoms"`
	PhantomsClosed int `json:"phantoms_closed"`
	Mismatches     int `json:"mismatches"`
	Drift          int `json:"drift"`
	Cleared        int `json:"cleared"`
}

// Engine runs reconciliation passes.
type Engine struct {
	store     *store.Store
	orders    *orders.Ledger
	positions *positions.Ledger
	gateway   *broker.Gateway
	flags     *Flags
	clock     util.Clock
	cfg       Config
	log       zerolog.Logger
}

// New creates an Engine.
func New(s *store.Store, ol *orders.Ledger, pl *positions.Ledger, gw *broker.Gateway, flags *Flags, clock util.Clock, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 2 * time.Minute
	}
	if cfg.PhantomConfirmations <= 0 {
		cfg.PhantomConfirmations = 2
	}
	return &Engine{
		store:     s,
		orders:    ol,
		positions: pl,
		gateway:   gw,
		flags:     flags,
		clock:     clock,
		cfg:       cfg,
		log:       log,
	}
}

// Run reconciles on every tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	e.log.Info().Dur("interval", e.cfg.Interval).Msg("reconciliation loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			report, err := e.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.log.Error().Err(err).Msg("reconciliation pass")
				continue
			}
			e.log.Debug().Interface("report", report).Msg("reconciliation pass")
		}
	}
}

// RunOnce performs one full pass: stuck orders, never-submitted orders,
// broker positions against local positions, and ledger drift.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	var r Report
	cutoff := e.clock.Now().Add(-e.cfg.StuckAfter)

	if err := e.checkWorking(ctx, cutoff, &r); err != nil {
		return r, fmt.Errorf("working orders: %w", err)
	}
	if err := e.checkCreated(ctx, cutoff, &r); err != nil {
		return r, fmt.Errorf("created orders: %w", err)
	}
	if err := e.checkPositions(ctx, &r); err != nil {
		return r, fmt.Errorf("positions: %w", err)
	}
	if err := e.checkDrift(ctx, &r); err != nil {
		return r, fmt.Errorf("ledger drift: %w", err)
	}
	return r, nil
}

// checkWorking refreshes orders the broker should have moved along by now.
func (e *Engine) checkWorking(ctx context.Context, cutoff time.Time, r *Report) error {
	stuck, err := e.store.ListOrders(ctx, store.OrderFilter{
		Statuses:      []domain.OrderStatus{domain.OrderSubmitted, domain.OrderAccepted, domain.OrderPartialFill},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return err
	}

	active := make(map[string]bool)
	for i := range stuck {
		o := &stuck[i]
		if o.BrokerOrderID == nil {
			continue
		}
		r.OrdersChecked++
		u, err := e.gateway.GetOrder(ctx, *o.BrokerOrderID)
		switch {
		case broker.IsNotFound(err):
			active[o.ID] = true
			r.NotInBroker++
			if _, err := e.flags.Raise(ctx, domain.FlagOrderNotInBroker, domain.SeverityCritical, o.ID,
				fmt.Sprintf("%s %s %s is %s locally but unknown to the broker (broker id %s)",
					o.Side, o.Quantity, o.Symbol, o.Status, *o.BrokerOrderID)); err != nil {
				return err
			}
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Unknown outcome: keep any flag as it is.
			active[o.ID] = true
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("fetch stuck order")
		default:
			if _, err := e.orders.ApplyUpdate(ctx, *u); err != nil {
				e.log.Error().Err(err).Str("order_id", o.ID).Msg("apply reconciled update")
			}
		}
	}
	return e.clearStale(ctx, domain.FlagOrderNotInBroker, active, r)
}

// checkCreated adopts created orders the broker knows under their client
// order id. The rest are flagged, never rejected: the submission may still
// be in flight.
func (e *Engine) checkCreated(ctx context.Context, cutoff time.Time, r *Report) error {
	stale, err := e.store.ListOrders(ctx, store.OrderFilter{
		Statuses:      []domain.OrderStatus{domain.OrderCreated},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return err
	}

	active := make(map[string]bool)
	for i := range stale {
		o := &stale[i]
		r.OrdersChecked++
		u, err := e.gateway.GetOrderByClientID(ctx, o.ClientOrderID)
		switch {
		case broker.IsNotFound(err):
			active[o.ID] = true
			r.NeverSubmitted++
			if _, err := e.flags.Raise(ctx, domain.FlagOrderNeverSubmitted, domain.SeverityWarning, o.ID,
				fmt.Sprintf("%s %s %s created at %s was never acknowledged by the broker",
					o.Side, o.Quantity, o.Symbol, o.CreatedAt.Format(time.RFC3339))); err != nil {
				return err
			}
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			active[o.ID] = true
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("look up created order")
		default:
			if _, err := e.orders.ApplyUpdate(ctx, *u); err != nil {
				e.log.Error().Err(err).Str("order_id", o.ID).Msg("adopt order")
				continue
			}
			r.Adopted++
			e.log.Info().Str("order_id", o.ID).Str("broker_order_id", u.BrokerOrderID).Msg("adopted order")
		}
	}
	return e.clearStale(ctx, domain.FlagOrderNeverSubmitted, active, r)
}

// checkPositions compares broker holdings with local open positions by
// symbol.
func (e *Engine) checkPositions(ctx context.Context, r *Report) error {
	held, err := e.gateway.ListPositions(ctx)
	if err != nil {
		return err
	}
	local, err := e.store.OpenPositions(ctx, "")
	if err != nil {
		return err
	}

	remote := make(map[string]decimal.Decimal, len(held))
	for _, p := range held {
		if !p.Quantity.IsZero() {
			remote[p.Symbol] = remote[p.Symbol].Add(p.Quantity)
		}
	}
	mine := make(map[string][]domain.Position)
	for _, p := range local {
		mine[p.Symbol] = append(mine[p.Symbol], p)
	}

	orphans := make(map[string]bool)
	phantoms := make(map[string]bool)
	mismatches := make(map[string]bool)

	for _, sym := range sortedKeys(remote) {
		qty := remote[sym]
		if _, ok := mine[sym]; ok {
			continue
		}
		orphans[sym] = true
		r.Orphans++
		if _, err := e.flags.Raise(ctx, domain.FlagOrphanPosition, domain.SeverityCritical, sym,
			fmt.Sprintf("broker holds %s %s with no local position", qty, sym)); err != nil {
			return err
		}
	}

	for _, sym := range sortedKeys(mine) {
		ps := mine[sym]
		localQty := decimal.Zero
		for i := range ps {
			localQty = localQty.Add(ps[i].SignedQuantity())
		}

		qty, ok := remote[sym]
		if !ok {
			phantoms[sym] = true
			r.Phantoms++
			flag, err := e.flags.Raise(ctx, domain.FlagPhantomPosition, domain.SeverityCritical, sym,
				fmt.Sprintf("local positions hold %s %s, broker holds none", localQty, sym))
			if err != nil {
				return err
			}
			if flag.Observations >= e.cfg.PhantomConfirmations {
				closed := e.closePhantoms(ctx, ps)
				r.PhantomsClosed += closed
				if closed == len(ps) {
					delete(phantoms, sym)
					if _, err := e.flags.Resolve(ctx, flag.ID,
						fmt.Sprintf("closed %d position(s) after %d observations", closed, flag.Observations)); err != nil {
						return err
					}
				}
			}
			continue
		}

		if !qty.Equal(localQty) {
			mismatches[sym] = true
			r.Mismatches++
			if _, err := e.flags.Raise(ctx, domain.FlagQuantityMismatch, domain.SeverityCritical, sym,
				fmt.Sprintf("broker holds %s %s, local positions hold %s", qty, sym, localQty)); err != nil {
				return err
			}
		}
	}

	if err := e.clearStale(ctx, domain.FlagOrphanPosition, orphans, r); err != nil {
		return err
	}
	if err := e.clearStale(ctx, domain.FlagPhantomPosition, phantoms, r); err != nil {
		return err
	}
	return e.clearStale(ctx, domain.FlagQuantityMismatch, mismatches, r)
}

// closePhantoms closes local positions the broker does not hold and cancels
// whatever still works on them.
func (e *Engine) closePhantoms(ctx context.Context, ps []domain.Position) int {
	closed := 0
	for i := range ps {
		p := &ps[i]
		working, err := e.store.ListOrders(ctx, store.OrderFilter{
			PositionID: p.ID,
			Statuses:   domain.NonTerminalOrderStatuses(),
		})
		if err != nil {
			e.log.Error().Err(err).Str("position_id", p.ID).Msg("list phantom orders")
			continue
		}
		for _, o := range working {
			if _, err := e.orders.Cancel(ctx, o.ID, "phantom position"); err != nil {
				e.log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel phantom order")
			}
		}
		if _, err := e.positions.CloseByReconciliation(ctx, p.ID, "broker holds no "+p.Symbol); err != nil {
			e.log.Error().Err(err).Str("position_id", p.ID).Msg("close phantom position")
			continue
		}
		closed++
	}
	return closed
}

// checkDrift compares each open position with the signed sum of its
// orders' fills.
func (e *Engine) checkDrift(ctx context.Context, r *Report) error {
	local, err := e.store.OpenPositions(ctx, "")
	if err != nil {
		return err
	}
	drifted := make(map[string]bool)
	for i := range local {
		p := &local[i]
		linked, err := e.store.ListOrders(ctx, store.OrderFilter{PositionID: p.ID})
		if err != nil {
			return err
		}
		want := positions.ExpectedQuantity(p, linked)
		if want.Equal(p.Quantity) {
			continue
		}
		drifted[p.ID] = true
		r.Drift++
		if _, err := e.flags.Raise(ctx, domain.FlagLedgerDrift, domain.SeverityWarning, p.ID,
			fmt.Sprintf("position %s holds %s %s, its orders account for %s", p.ID, p.Quantity, p.Symbol, want)); err != nil {
			return err
		}
	}
	return e.clearStale(ctx, domain.FlagLedgerDrift, drifted, r)
}

// clearStale resolves open flags of kind whose subject is no longer
// affected.
func (e *Engine) clearStale(ctx context.Context, kind domain.FlagKind, active map[string]bool, r *Report) error {
	open, err := e.flags.Open(ctx, kind)
	if err != nil {
		return err
	}
	for _, f := range open {
		if active[f.Subject] {
			continue
		}
		if _, err := e.flags.Clear(ctx, kind, f.Subject); err != nil {
			return err
		}
		r.Cleared++
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
