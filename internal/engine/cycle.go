package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vesta/internal/domain"
	"vesta/internal/registry"
	"vesta/internal/risk"
	"vesta/internal/store"
)

// Rejection reasons decided by the coordinator rather than the guard.
const (
	reasonCapitalBudget = "capital_budget"
	reasonBelowLot      = "below_lot"
	reasonBadCandidate  = "invalid_candidate"
)

var errCycleEnded = errors.New("cycle ended")

// phaseRank orders the live phases.
var phaseRank = map[domain.CycleStatus]int{
	domain.CycleScanning:   0,
	domain.CycleEvaluating: 1,
	domain.CycleTrading:    2,
	domain.CycleMonitoring: 3,
}

// Skip records a candidate that did not become an order.
type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// RunReport describes one RunCycle pass.
type RunReport struct {
	CycleID   string             `json:"cycle_id"`
	Scanned   int                `json:"scanned"`
	Selected  int                `json:"selected"`
	Submitted []string           `json:"submitted"`
	Existing  []string           `json:"existing,omitempty"`
	Rejected  []Skip             `json:"rejected,omitempty"`
	Failed    []Skip             `json:"failed,omitempty"`
	Committed decimal.Decimal    `json:"committed"`
	Halted    bool               `json:"halted"`
	Status    domain.CycleStatus `json:"status"`
}

// RunCycle drives a cycle from its current phase to monitoring: candidates
// are scanned, filtered and ranked, then each is sized, checked by the
// guard and submitted as a limit entry with its protective levels.
// Re-running a cycle never places an entry twice. An emergency stop during
// the run ends it early with Halted set.
func (c *Coordinator) RunCycle(ctx context.Context, id string) (*RunReport, error) {
	cycle, err := c.store.GetCycle(ctx, id)
	if err != nil {
		return nil, err
	}
	if cycle.Status.IsTerminal() {
		return nil, &domain.TransitionError{Entity: "cycle", ID: id, From: string(cycle.Status), To: string(domain.CycleEvaluating)}
	}
	log := c.log.With().Str("cycle_id", id).Logger()
	r := &RunReport{CycleID: id, Submitted: []string{}, Status: cycle.Status}

	cands, err := c.candidates.Candidates(ctx, cycle)
	if err != nil {
		return r, fmt.Errorf("scan candidates: %w", err)
	}
	r.Scanned = len(cands)
	selected := selectCandidates(cands, c.cfg.MinScore, c.cfg.MaxCandidates)
	r.Selected = len(selected)
	log.Info().Int("scanned", r.Scanned).Int("selected", r.Selected).Msg("candidates evaluated")

	if cycle, err = c.advance(ctx, id, domain.CycleEvaluating); err != nil {
		return c.ended(ctx, r, err)
	}
	if cycle, err = c.advance(ctx, id, domain.CycleTrading); err != nil {
		return c.ended(ctx, r, err)
	}

	committed, err := c.committed(ctx, id)
	if err != nil {
		return r, err
	}
	for _, cand := range selected {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		halted, err := c.halted(ctx, id)
		if err != nil {
			return r, err
		}
		if halted {
			r.Halted = true
			break
		}
		notional, err := c.place(ctx, log, cycle, cand, committed, r)
		if err != nil {
			return r, err
		}
		committed = committed.Add(notional)
	}
	r.Committed = committed

	if r.Halted {
		cur, err := c.store.GetCycle(ctx, id)
		if err != nil {
			return r, err
		}
		r.Status = cur.Status
		return r, nil
	}
	if cycle, err = c.advance(ctx, id, domain.CycleMonitoring); err != nil {
		return c.ended(ctx, r, err)
	}
	r.Status = cycle.Status
	log.Info().Int("submitted", len(r.Submitted)).Int("rejected", len(r.Rejected)).
		Int("failed", len(r.Failed)).Str("committed", committed.String()).Msg("cycle trading complete")
	return r, nil
}

// place turns one candidate into a submitted entry and returns the notional
// it committed.
func (c *Coordinator) place(ctx context.Context, log zerolog.Logger, cycle *domain.TradingCycle, cand Candidate, committed decimal.Decimal, r *RunReport) (decimal.Decimal, error) {
	key := fmt.Sprintf("%s:%s:entry", cycle.ID, cand.Symbol)
	if o, err := c.store.GetOrderByClientID(ctx, key); err == nil {
		// Placed by an earlier run; its notional is already committed.
		r.Existing = append(r.Existing, o.ID)
		if o.Status == domain.OrderCreated {
			if _, err := c.orders.Submit(ctx, o.ID); err != nil {
				log.Warn().Err(err).Str("order_id", o.ID).Msg("resubmit entry")
			}
		}
		return decimal.Zero, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, err
	}

	side, err := domain.ParseSide(firstNonEmpty(cand.Side, "buy"))
	if err != nil {
		return decimal.Zero, c.skip(ctx, cycle.ID, &r.Rejected, cand.Symbol, reasonBadCandidate, err.Error())
	}
	if cand.Entry <= 0 {
		return decimal.Zero, c.skip(ctx, cycle.ID, &r.Rejected, cand.Symbol, reasonBadCandidate, "entry price must be positive")
	}
	sec, err := c.registry.Resolve(ctx, registry.Ref{Symbol: cand.Symbol, Exchange: cand.Exchange, Sector: cand.Sector})
	if err != nil {
		return decimal.Zero, c.skip(ctx, cycle.ID, &r.Rejected, cand.Symbol, reasonBadCandidate, err.Error())
	}

	entry := sec.RoundPrice(decimal.NewFromFloat(cand.Entry))
	stop := sec.RoundPrice(decimal.NewFromFloat(cand.Stop))
	target := sec.RoundPrice(decimal.NewFromFloat(cand.Target))
	if !protects(side, entry, stop, target) {
		return decimal.Zero, c.skip(ctx, cycle.ID, &r.Rejected, cand.Symbol, reasonBadCandidate,
			fmt.Sprintf("stop %s and target %s do not bracket entry %s for a %s", stop, target, entry, side))
	}

	limits := c.thresholds.Load().Limits
	qty := risk.Size(limits, sec, entry, stop)
	if budget := cycle.CapitalBudget; budget.IsPositive() {
		left := budget.Sub(committed)
		if fit := sec.RoundQuantity(left.Div(entry)); qty.GreaterThan(fit) {
			qty = fit
		}
		if !qty.IsPositive() {
			return decimal.Zero, c.skip(ctx, cycle.ID, &r.Rejected, cand.Symbol, reasonCapitalBudget,
				fmt.Sprintf("%s of %s budget left, entry at %s", left.StringFixed(2), budget.StringFixed(2), entry))
		}
	}
	if !qty.IsPositive() {
		return decimal.Zero, c.skip(ctx, cycle.ID, &r.Rejected, cand.Symbol, reasonBelowLot,
			fmt.Sprintf("risk budget buys less than one lot at %s", entry))
	}

	intent := domain.OrderIntent{
		IdempotencyKey: key,
		CycleID:        cycle.ID,
		Symbol:         sec.Symbol,
		Exchange:       sec.Exchange,
		Sector:         sec.Sector,
		Side:           side,
		Type:           domain.OrderTypeLimit,
		Purpose:        domain.PurposeEntry,
		Quantity:       qty,
		LimitPrice:     entry,
		StopLoss:       stop,
		TakeProfit:     target,
		Reason:         fmt.Sprintf("candidate score %.2f", cand.Score),
	}
	d, err := c.guard.Validate(ctx, intent)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.Approved {
		r.Rejected = append(r.Rejected, Skip{Symbol: sec.Symbol, Reason: string(d.Reason), Detail: d.Detail})
		return decimal.Zero, nil
	}

	o, err := c.orders.Create(ctx, intent)
	if err != nil {
		r.Failed = append(r.Failed, Skip{Symbol: sec.Symbol, Reason: "create", Detail: err.Error()})
		log.Error().Err(err).Str("symbol", sec.Symbol).Msg("create entry")
		return decimal.Zero, nil
	}
	// Re-read the latch: an emergency stop may have landed since Validate.
	if halted, err := c.halted(ctx, cycle.ID); err != nil {
		return decimal.Zero, err
	} else if halted {
		if _, err := c.orders.Cancel(ctx, o.ID, "trading halted"); err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel entry after halt")
		}
		r.Halted = true
		return decimal.Zero, nil
	}

	o, err = c.orders.Submit(ctx, o.ID)
	if err != nil {
		r.Failed = append(r.Failed, Skip{Symbol: sec.Symbol, Reason: "submit", Detail: err.Error()})
		log.Warn().Err(err).Str("symbol", sec.Symbol).Msg("submit entry")
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		return decimal.Zero, nil
	}
	r.Submitted = append(r.Submitted, o.ID)
	return qty.Mul(entry), nil
}

func (c *Coordinator) skip(ctx context.Context, cycleID string, into *[]Skip, symbol, reason, detail string) error {
	*into = append(*into, Skip{Symbol: symbol, Reason: reason, Detail: detail})
	c.log.Info().Str("cycle_id", cycleID).Str("symbol", symbol).Str("reason", reason).Str("detail", detail).Msg("candidate skipped")
	return c.store.AddRejection(ctx, &domain.RiskRejection{CycleID: cycleID, Symbol: symbol, Reason: reason, Detail: detail})
}

// committed is the entry notional already placed by the cycle. Entries that
// ended unfilled commit only what filled.
func (c *Coordinator) committed(ctx context.Context, cycleID string) (decimal.Decimal, error) {
	entries, err := c.store.ListOrders(ctx, store.OrderFilter{
		CycleID:  cycleID,
		Purposes: []domain.OrderPurpose{domain.PurposeEntry},
	})
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for i := range entries {
		o := &entries[i]
		qty := o.Quantity
		if o.Status.IsTerminal() {
			qty = o.FilledQuantity
		}
		sum = sum.Add(qty.Mul(o.LimitPrice))
	}
	return sum, nil
}

// advance moves the cycle forward to phase. A cycle already at or past
// phase is left alone; an ended cycle yields errCycleEnded.
func (c *Coordinator) advance(ctx context.Context, id string, phase domain.CycleStatus) (*domain.TradingCycle, error) {
	var out *domain.TradingCycle
	err := c.store.Tx(ctx, func(tx *store.Store) error {
		cy, err := tx.LockCycle(ctx, id)
		if err != nil {
			return err
		}
		out = cy
		if cy.Status.IsTerminal() {
			return errCycleEnded
		}
		if phaseRank[cy.Status] >= phaseRank[phase] {
			return nil
		}
		cy.Status = phase
		return tx.UpdateCycle(ctx, cy)
	})
	if err == nil {
		c.log.Debug().Str("cycle_id", id).Str("status", string(out.Status)).Msg("cycle phase")
	}
	return out, err
}

// ended turns errCycleEnded into a halted report.
func (c *Coordinator) ended(ctx context.Context, r *RunReport, err error) (*RunReport, error) {
	if !errors.Is(err, errCycleEnded) {
		return r, err
	}
	cur, gerr := c.store.GetCycle(ctx, r.CycleID)
	if gerr != nil {
		return r, gerr
	}
	r.Status = cur.Status
	r.Halted = cur.Halted()
	return r, nil
}

// halted reports whether any halt latch is set or the cycle has ended.
func (c *Coordinator) halted(ctx context.Context, cycleID string) (bool, error) {
	cy, err := c.store.GetCycle(ctx, cycleID)
	if err != nil {
		return false, err
	}
	if cy.Halted() || cy.Status.IsTerminal() {
		return true, nil
	}
	latched, err := c.store.HaltedCycles(ctx)
	return len(latched) > 0, err
}

// protects reports whether the optional stop and target sit on the correct
// sides of entry.
func protects(side domain.Side, entry, stop, target decimal.Decimal) bool {
	if side == domain.SideBuy {
		return (stop.IsZero() || stop.LessThan(entry)) && (target.IsZero() || target.GreaterThan(entry))
	}
	return (stop.IsZero() || stop.GreaterThan(entry)) && (target.IsZero() || target.LessThan(entry))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
