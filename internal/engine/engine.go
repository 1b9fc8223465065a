// Package engine coordinates trading cycles: it moves a session through its
// scanning, evaluating, trading and monitoring phases, hands candidates to the
// risk guard and order ledger, and implements the operator control surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vesta/internal/domain"
	"vesta/internal/orders"
	"vesta/internal/reconcile"
	"vesta/internal/registry"
	"vesta/internal/risk"
	"vesta/internal/store"
	"vesta/internal/util"
)

var (
	// ErrCycleActive is returned by StartCycle while another cycle is live.
	ErrCycleActive = errors.New("a trading cycle is already active")
	// ErrNoActiveCycle is returned by operations that need a live cycle.
	ErrNoActiveCycle = errors.New("no active trading cycle")
)

// autoKeyPrefix marks cycles the scheduler started and may stop.
const autoKeyPrefix = "auto:"

// Journal archives the positions of a closed cycle.
type Journal interface {
	Write(ctx context.Context, cycle *domain.TradingCycle, ps []domain.Position) (string, error)
}

// Config holds the cycle parameters that do not come from the risk
// thresholds.
type Config struct {
	Mode          domain.CycleMode
	MinScore      float64
	MaxCandidates int
	CapitalBudget decimal.Decimal

	// AutoStart lets Run open a cycle when the session opens and close it
	// once the session ends.
	AutoStart bool
	Interval  time.Duration
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store      *store.Store
	Registry   *registry.Registry
	Orders     *orders.Ledger
	Guard      *risk.Guard
	Liquidator *risk.Liquidator
	Flags      *reconcile.Flags
	Thresholds *risk.ThresholdStore
	Candidates CandidateSource
	Journal    Journal
	Calendar   *util.TradingCalendar
	Clock      util.Clock
}

// Coordinator runs trading cycles. Control operations are serialised.
type Coordinator struct {
	store      *store.Store
	registry   *registry.Registry
	orders     *orders.Ledger
	guard      *risk.Guard
	liquidator *risk.Liquidator
	flags      *reconcile.Flags
	thresholds *risk.ThresholdStore
	candidates CandidateSource
	journal    Journal
	calendar   *util.TradingCalendar
	clock      util.Clock
	cfg        Config
	log        zerolog.Logger

	mu sync.Mutex
}

// New creates a Coordinator.
func New(deps Deps, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePaper
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if deps.Candidates == nil {
		deps.Candidates = StaticCandidates(nil)
	}
	return &Coordinator{
		store:      deps.Store,
		registry:   deps.Registry,
		orders:     deps.Orders,
		guard:      deps.Guard,
		liquidator: deps.Liquidator,
		flags:      deps.Flags,
		thresholds: deps.Thresholds,
		candidates: deps.Candidates,
		journal:    deps.Journal,
		calendar:   deps.Calendar,
		clock:      deps.Clock,
		cfg:        cfg,
		log:        log,
	}
}

// ---------------------------------------------------------------------------
// Cycle lifecycle
// ---------------------------------------------------------------------------

// StartCycle opens a cycle in the scanning phase. Starting again with the
// same key returns the cycle the key already started. An empty key always
// starts a new cycle.
func (c *Coordinator) StartCycle(ctx context.Context, key string) (*domain.TradingCycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCycle(ctx, key)
}

func (c *Coordinator) startCycle(ctx context.Context, key string) (*domain.TradingCycle, error) {
	if key == "" {
		key = uuid.New().String()
	} else if existing, err := c.store.GetCycleByKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	halted, err := c.store.HaltedCycles(ctx)
	if err != nil {
		return nil, err
	}
	if len(halted) > 0 {
		return nil, fmt.Errorf("%w since %s: %s", domain.ErrTradingHalted, halted[0].HaltedAt.Format(time.RFC3339), halted[0].HaltReason)
	}
	if active, err := c.store.ActiveCycle(ctx); err != nil {
		return nil, err
	} else if active != nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrCycleActive, active.ID, active.Status)
	}

	limits := c.thresholds.Load().Limits
	cycle := &domain.TradingCycle{
		ID:             uuid.New().String(),
		IdempotencyKey: key,
		Mode:           c.cfg.Mode,
		Status:         domain.CycleScanning,
		MaxDailyLoss:   decimal.NewFromFloat(limits.MaxDailyLoss),
		MaxPositions:   limits.MaxPositions,
		CapitalBudget:  c.cfg.CapitalBudget,
		Config: map[string]any{
			"min_score":          c.cfg.MinScore,
			"max_candidates":     c.cfg.MaxCandidates,
			"max_position_value": limits.MaxPositionValue,
			"risk_per_trade":     limits.RiskPerTrade,
		},
		StartedAt: c.clock.Now(),
	}
	if err := c.store.CreateCycle(ctx, cycle); err != nil {
		if store.IsDuplicate(err) {
			return c.store.GetCycleByKey(ctx, key)
		}
		return nil, fmt.Errorf("create cycle: %w", err)
	}
	c.log.Info().Str("cycle_id", cycle.ID).Str("key", key).Str("mode", string(cycle.Mode)).Msg("cycle started")
	return cycle, nil
}

// StopReport describes a StopCycle call.
type StopReport struct {
	Cycle           *domain.TradingCycle `json:"cycle"`
	OrdersCancelled []string             `json:"orders_cancelled"`
	ExitOrders      []string             `json:"exit_orders"`
	// StillOpen lists positions whose exits had not filled when the cycle
	// closed. Reconciliation keeps tracking them.
	StillOpen []string `json:"still_open,omitempty"`
	Journal   string   `json:"journal,omitempty"`
}

// StopCycle ends the active cycle: working entries are cancelled, open
// positions are closed at market and the cycle moves to closed. Closed
// positions are journaled.
func (c *Coordinator) StopCycle(ctx context.Context, reason string) (*StopReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycle, err := c.store.ActiveCycle(ctx)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, ErrNoActiveCycle
	}
	if reason == "" {
		reason = "operator stop"
	}
	return c.stopCycle(ctx, cycle, reason)
}

func (c *Coordinator) stopCycle(ctx context.Context, cycle *domain.TradingCycle, reason string) (*StopReport, error) {
	log := c.log.With().Str("cycle_id", cycle.ID).Logger()
	log.Info().Str("reason", reason).Msg("stopping cycle")
	r := &StopReport{OrdersCancelled: []string{}, ExitOrders: []string{}}

	entries, err := c.store.ListOrders(ctx, store.OrderFilter{
		CycleID:  cycle.ID,
		Purposes: []domain.OrderPurpose{domain.PurposeEntry},
		Statuses: domain.NonTerminalOrderStatuses(),
	})
	if err != nil {
		return nil, err
	}
	for _, o := range entries {
		if _, err := c.orders.Cancel(ctx, o.ID, "cycle stop: "+reason); err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel entry")
			}
			continue
		}
		r.OrdersCancelled = append(r.OrdersCancelled, o.ID)
	}

	open, err := c.store.OpenPositions(ctx, cycle.ID)
	if err != nil {
		return nil, err
	}
	for i := range open {
		o, err := c.orders.ClosePosition(ctx, open[i].ID, "cycle_stop")
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			log.Error().Err(err).Str("position_id", open[i].ID).Msg("close position")
			continue
		}
		if o != nil {
			r.ExitOrders = append(r.ExitOrders, o.ID)
		}
	}

	ended, err := c.endCycle(ctx, cycle.ID, domain.CycleClosed, reason)
	if err != nil {
		return nil, err
	}
	r.Cycle = ended

	still, err := c.store.OpenPositions(ctx, cycle.ID)
	if err != nil {
		return nil, err
	}
	for i := range still {
		r.StillOpen = append(r.StillOpen, still[i].ID)
	}
	if r.Journal, err = c.writeJournal(ctx, ended); err != nil {
		log.Error().Err(err).Msg("journal cycle")
	}
	log.Info().Int("cancelled", len(r.OrdersCancelled)).Int("exits", len(r.ExitOrders)).
		Int("still_open", len(r.StillOpen)).Msg("cycle closed")
	return r, nil
}

func (c *Coordinator) writeJournal(ctx context.Context, cycle *domain.TradingCycle) (string, error) {
	if c.journal == nil {
		return "", nil
	}
	closed, err := c.store.ListPositions(ctx, store.PositionFilter{
		CycleID:  cycle.ID,
		Statuses: []domain.PositionStatus{domain.PositionClosed},
	})
	if err != nil {
		return "", err
	}
	return c.journal.Write(ctx, cycle, closed)
}

// endCycle moves a cycle to a terminal status.
func (c *Coordinator) endCycle(ctx context.Context, id string, to domain.CycleStatus, reason string) (*domain.TradingCycle, error) {
	var out *domain.TradingCycle
	err := c.store.Tx(ctx, func(tx *store.Store) error {
		cy, err := tx.LockCycle(ctx, id)
		if err != nil {
			return err
		}
		out = cy
		if cy.Status.IsTerminal() {
			return nil
		}
		if !cy.Status.CanTransition(to) {
			return &domain.TransitionError{Entity: "cycle", ID: id, From: string(cy.Status), To: string(to)}
		}
		now := c.clock.Now()
		cy.Status = to
		cy.ClosedAt = &now
		cy.StopReason = reason
		return tx.UpdateCycle(ctx, cy)
	})
	return out, err
}

// EmergencyStop liquidates the active cycle and latches the halt.
func (c *Coordinator) EmergencyStop(ctx context.Context, reason string) (*risk.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycle, err := c.store.ActiveCycle(ctx)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, ErrNoActiveCycle
	}
	if reason == "" {
		reason = "operator emergency stop"
	}
	pnl, err := risk.TodayPnL(ctx, c.store, c.calendar, c.clock.Now())
	if err != nil {
		return nil, err
	}
	return c.liquidate(ctx, cycle.ID, reason, pnl.Total())
}

// LiquidateCycle emergency-stops cycleID at trigger. A cycle already halted
// or closed is left alone and the summary is nil. It satisfies
// risk.Stopper.
func (c *Coordinator) LiquidateCycle(ctx context.Context, cycleID, reason string, trigger decimal.Decimal) (*risk.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycle, err := c.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.Halted() || cycle.Status.IsTerminal() {
		c.log.Info().Str("cycle_id", cycleID).Str("status", string(cycle.Status)).Msg("cycle already stopped")
		return nil, nil
	}
	return c.liquidate(ctx, cycleID, reason, trigger)
}

func (c *Coordinator) liquidate(ctx context.Context, cycleID, reason string, trigger decimal.Decimal) (*risk.Summary, error) {
	sum, err := c.liquidator.EmergencyStop(ctx, cycleID, reason, trigger)
	if sum != nil {
		if ended, gerr := c.store.GetCycle(context.WithoutCancel(ctx), cycleID); gerr == nil {
			if _, jerr := c.writeJournal(context.WithoutCancel(ctx), ended); jerr != nil {
				c.log.Error().Err(jerr).Str("cycle_id", cycleID).Msg("journal cycle")
			}
		}
	}
	return sum, err
}

// ResumeTrading clears every halt latch on behalf of operator and returns
// the cycles that were released.
func (c *Coordinator) ResumeTrading(ctx context.Context, operator string) ([]string, error) {
	if operator == "" {
		return nil, domain.Invalid("operator is required to resume trading")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	halted, err := c.store.HaltedCycles(ctx)
	if err != nil {
		return nil, err
	}
	cleared := []string{}
	for i := range halted {
		id := halted[i].ID
		err := c.store.Tx(ctx, func(tx *store.Store) error {
			cy, err := tx.LockCycle(ctx, id)
			if err != nil {
				return err
			}
			if !cy.Halted() {
				return nil
			}
			now := c.clock.Now()
			cy.HaltClearedAt = &now
			cy.HaltClearedBy = operator
			return tx.UpdateCycle(ctx, cy)
		})
		if err != nil {
			return cleared, fmt.Errorf("clear halt of %s: %w", id, err)
		}
		cleared = append(cleared, id)
		c.log.Warn().Str("cycle_id", id).Str("operator", operator).Msg("halt cleared")
	}
	return cleared, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Status is the operator view of the trading system.
type Status struct {
	Cycle         *domain.TradingCycle `json:"cycle,omitempty"`
	Active        bool                 `json:"active"`
	Halted        bool                 `json:"halted"`
	HaltReason    string               `json:"halt_reason,omitempty"`
	MarketOpen    bool                 `json:"market_open"`
	OpenPositions int                  `json:"open_positions"`
	WorkingOrders int                  `json:"working_orders"`
	OpenFlags     int                  `json:"open_flags"`
	PnL           risk.DailyPnL        `json:"pnl"`
	Rejections    int                  `json:"rejections"`
	At            time.Time            `json:"at"`
}

// GetCycleStatus reports on the active cycle, or the most recent one.
func (c *Coordinator) GetCycleStatus(ctx context.Context) (*Status, error) {
	now := c.clock.Now()
	st := &Status{At: now, MarketOpen: c.calendar.IsMarketOpen(now)}

	cycle, err := c.store.ActiveCycle(ctx)
	if err != nil {
		return nil, err
	}
	st.Active = cycle != nil
	if cycle == nil {
		if cycle, err = c.store.LatestCycle(ctx); err != nil {
			return nil, err
		}
	}
	st.Cycle = cycle

	halted, err := c.store.HaltedCycles(ctx)
	if err != nil {
		return nil, err
	}
	if len(halted) > 0 {
		st.Halted = true
		st.HaltReason = halted[0].HaltReason
	}

	open, err := c.store.OpenPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	st.OpenPositions = len(open)
	if cycle != nil {
		working, err := c.orders.Working(ctx, cycle.ID)
		if err != nil {
			return nil, err
		}
		st.WorkingOrders = len(working)
		rej, err := c.store.ListRejections(ctx, cycle.ID)
		if err != nil {
			return nil, err
		}
		st.Rejections = len(rej)
	}
	flags, err := c.store.ListFlags(ctx, store.FlagFilter{Status: domain.FlagOpen})
	if err != nil {
		return nil, err
	}
	st.OpenFlags = len(flags)
	if st.PnL, err = risk.TodayPnL(ctx, c.store, c.calendar, now); err != nil {
		return nil, err
	}
	return st, nil
}

// GetOpenPositions lists every open position, including any left open by
// a cycle that has already ended.
func (c *Coordinator) GetOpenPositions(ctx context.Context) ([]domain.Position, error) {
	return c.store.OpenPositions(ctx, "")
}

// ListFlags lists reconciliation flags.
func (c *Coordinator) ListFlags(ctx context.Context, f store.FlagFilter) ([]domain.ReconciliationFlag, error) {
	return c.store.ListFlags(ctx, f)
}

// ResolveFlag closes a flag with an operator resolution.
func (c *Coordinator) ResolveFlag(ctx context.Context, id, resolution string) (*domain.ReconciliationFlag, error) {
	if resolution == "" {
		return nil, domain.Invalid("resolution is required")
	}
	return c.flags.Resolve(ctx, id, resolution)
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Restore resumes a cycle the process left in scanning, evaluating or
// trading. Entries already placed are recognised by their keys.
func (c *Coordinator) Restore(ctx context.Context) (*RunReport, error) {
	cycle, err := c.store.ActiveCycle(ctx)
	if err != nil || cycle == nil {
		return nil, err
	}
	if cycle.Status == domain.CycleMonitoring {
		return nil, nil
	}
	c.log.Info().Str("cycle_id", cycle.ID).Str("status", string(cycle.Status)).Msg("restoring interrupted cycle")
	return c.RunCycle(ctx, cycle.ID)
}

// Run ticks until ctx is cancelled. With AutoStart it opens a cycle when
// the session opens and closes it once the session has ended.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	c.log.Info().Dur("interval", c.cfg.Interval).Bool("auto_start", c.cfg.AutoStart).Msg("coordinator started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if !c.cfg.AutoStart {
				continue
			}
			if err := c.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Error().Err(err).Msg("coordinator tick")
			}
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) error {
	now := c.clock.Now()
	active, err := c.store.ActiveCycle(ctx)
	if err != nil {
		return err
	}

	if !c.calendar.IsMarketOpen(now) {
		if active == nil || !isAuto(active) {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := c.stopCycle(ctx, active, "market close")
		return err
	}
	if active != nil {
		return nil
	}

	key := autoKeyPrefix + now.In(c.calendar.Location()).Format("2006-01-02")
	if _, err := c.store.GetCycleByKey(ctx, key); err == nil {
		// Today's session already ran.
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	cycle, err := c.StartCycle(ctx, key)
	if errors.Is(err, domain.ErrTradingHalted) {
		c.log.Debug().Err(err).Msg("session not started")
		return nil
	}
	if err != nil {
		return err
	}
	_, err = c.RunCycle(ctx, cycle.ID)
	return err
}

func isAuto(c *domain.TradingCycle) bool {
	return strings.HasPrefix(c.IdempotencyKey, autoKeyPrefix)
}
