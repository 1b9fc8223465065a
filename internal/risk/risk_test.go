package risk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vesta/internal/alert"
	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/orders"
	"vesta/internal/positions"
	"vesta/internal/registry"
	"vesta/internal/store"
	"vesta/internal/util"
)

// 10:00 in New York.
var epoch = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	store      *store.Store
	sim        *broker.SimulatorBroker
	clock      *util.FakeClock
	orders     *orders.Ledger
	guard      *Guard
	liquidator *Liquidator
	monitor    *Monitor
	thresholds *ThresholdStore
	alerts     *alert.Recorder
	cycle      *domain.TradingCycle
}

func newHarness(t *testing.T, th *Thresholds, opts ...broker.SimOption) *harness {
	t.Helper()
	clock := util.NewFakeClock(epoch)
	s, err := store.Open(store.Options{
		SQLitePath: filepath.Join(t.TempDir(), "vesta.db"),
		Now:        clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sim := broker.NewSimulatorBroker(append([]broker.SimOption{broker.WithClock(clock.Now)}, opts...)...)
	gw := broker.NewGateway(sim, broker.GatewayConfig{
		Timeout:     time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		RatePerSec:  1000,
		Burst:       100,
	}, zerolog.Nop())
	pl := positions.New(s, clock, zerolog.Nop())
	ol := orders.New(s, registry.New(s, zerolog.Nop()), gw, pl, clock, zerolog.Nop())

	if th == nil {
		th = DefaultThresholds()
	}
	ts := NewThresholdStore(th)
	cal := util.NewTradingCalendar()
	rec := &alert.Recorder{}
	liq := NewLiquidator(s, ol, clock, rec, 10*time.Millisecond, zerolog.Nop())
	mon := NewMonitor(MonitorDeps{
		Store:      s,
		Orders:     ol,
		Positions:  pl,
		Liquidator: liq,
		Thresholds: ts,
		Market:     NewPriceMarketData(sim),
		Calendar:   cal,
		Clock:      clock,
		Alerter:    rec,
	}, time.Minute, zerolog.Nop())

	cycle := &domain.TradingCycle{
		ID:             "cycle-1",
		IdempotencyKey: "2026-03-02",
		Mode:           domain.ModePaper,
		Status:         domain.CycleTrading,
		MaxDailyLoss:   d("2000"),
		StartedAt:      epoch,
	}
	require.NoError(t, s.CreateCycle(context.Background(), cycle))

	return &harness{
		store:      s,
		sim:        sim,
		clock:      clock,
		orders:     ol,
		guard:      NewGuard(s, ts, cal, clock, zerolog.Nop()),
		liquidator: liq,
		monitor:    mon,
		thresholds: ts,
		alerts:     rec,
		cycle:      cycle,
	}
}

func entry(symbol, sector string, qty, price, stop string) domain.OrderIntent {
	in := domain.OrderIntent{
		IdempotencyKey: "cycle-1:" + symbol + ":entry",
		CycleID:        "cycle-1",
		Symbol:         symbol,
		Sector:         sector,
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Purpose:        domain.PurposeEntry,
		Quantity:       d(qty),
		LimitPrice:     d(price),
	}
	if stop != "" {
		in.StopLoss = d(stop)
	}
	return in
}

// seedPosition writes a position row directly.
func (h *harness) seedPosition(t *testing.T, symbol, sector string, status domain.PositionStatus, realized string) *domain.Position {
	t.Helper()
	p := &domain.Position{
		ID:          uuid.New().String(),
		CycleID:     h.cycle.ID,
		SecurityID:  "sec-" + symbol,
		Symbol:      symbol,
		Sector:      sector,
		Side:        domain.PositionLong,
		Status:      status,
		Quantity:    d("10"),
		EntryPrice:  d("100"),
		EntryTime:   epoch,
		RealizedPnL: d(realized),
	}
	if status == domain.PositionClosed {
		at := epoch
		p.Quantity = decimal.Zero
		p.ExitTime = &at
	}
	require.NoError(t, h.store.CreatePosition(context.Background(), p))
	return p
}

// openPosition fills an entry through the ledger and the simulator.
func (h *harness) openPosition(t *testing.T, in domain.OrderIntent) *domain.Position {
	t.Helper()
	ctx := context.Background()
	h.sim.SetPrice(in.Symbol, in.LimitPrice)
	o, err := h.orders.Create(ctx, in)
	require.NoError(t, err)
	o, err = h.orders.Submit(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderFilled, o.Status)
	p, err := h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	return p
}

func TestParseThresholds(t *testing.T) {
	th, err := ParseThresholds([]byte(`
limits:
  max_positions: 3
  max_daily_loss: 1500
signals:
  rsi_overbought: 80
`))
	require.NoError(t, err)
	assert.Equal(t, 3, th.Limits.MaxPositions)
	assert.Equal(t, 1500.0, th.Limits.MaxDailyLoss)
	assert.Equal(t, 0.75, th.Limits.WarningRatio)
	assert.Equal(t, 80.0, th.Signals.RSIOverbought)
	assert.Equal(t, 2, th.Signals.ModerateScore)

	_, err = ParseThresholds([]byte("limits:\n  warning_ratio: 1.5\n"))
	assert.ErrorContains(t, err, "warning_ratio")

	_, err = ParseThresholds([]byte("signals:\n  rsi_oversold: 90\n"))
	assert.ErrorContains(t, err, "rsi_oversold")

	_, err = ParseThresholds([]byte("limits: [nope"))
	assert.Error(t, err)

	assert.Equal(t, d("500"), th.Limits.DailyLossCap(d("500")))
	assert.True(t, th.Limits.DailyLossCap(decimal.Zero).Equal(d("1500")))
	assert.Equal(t, 7, th.Limits.PositionCap(7))
	assert.Equal(t, 3, th.Limits.PositionCap(0))
}

func TestThresholdStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  max_positions: 4\n"), 0o644))
	initial, err := LoadThresholds(path)
	require.NoError(t, err)

	ts := NewThresholdStore(initial)
	clock := util.NewFakeClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ts.Watch(ctx, path, clock, 10*time.Second, zerolog.Nop()) }()
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("limits:\n  max_positions: 9\n"), 0o644))
	clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool { return ts.Load().Limits.MaxPositions == 9 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// An invalid file leaves the previous snapshot in place.
	before := ts.Load()
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  max_positions: -1\n"), 0o644))
	ts.reload(path, zerolog.Nop())
	assert.Same(t, before, ts.Load())

	require.NoError(t, os.Remove(path))
	ts.reload(path, zerolog.Nop())
	assert.Same(t, before, ts.Load())
}

func TestGuardChecksInOrder(t *testing.T) {
	th := DefaultThresholds()
	th.Limits.MaxPositions = 2
	th.Limits.MaxPositionValue = 5000
	th.Limits.MaxSectorPositions = 1

	tests := []struct {
		name   string
		seed   func(t *testing.T, h *harness)
		intent domain.OrderIntent
		want   Reason
	}{
		{
			name:   "approved",
			intent: entry("AAPL", "tech", "10", "100", "95"),
		},
		{
			name:   "position size",
			intent: entry("AAPL", "tech", "60", "100", "95"),
			want:   ReasonPositionSize,
		},
		{
			name: "daily loss with realized loss on the books",
			seed: func(t *testing.T, h *harness) {
				h.seedPosition(t, "XOM", "energy", domain.PositionClosed, "-1900")
			},
			intent: entry("AAPL", "tech", "40", "100", "95"),
			want:   ReasonDailyLoss,
		},
		{
			name:   "worst case without stop uses default stop",
			seed:   func(t *testing.T, h *harness) { h.seedPosition(t, "XOM", "energy", domain.PositionClosed, "-1800") },
			intent: entry("AAPL", "tech", "45", "100", ""),
			want:   ReasonDailyLoss,
		},
		{
			name:   "sector",
			seed:   func(t *testing.T, h *harness) { h.seedPosition(t, "MSFT", "tech", domain.PositionOpen, "0") },
			intent: entry("AAPL", "tech", "10", "100", "95"),
			want:   ReasonSectorExposure,
		},
		{
			name:   "duplicate",
			seed:   func(t *testing.T, h *harness) { h.seedPosition(t, "AAPL", "tech", domain.PositionOpen, "0") },
			intent: entry("AAPL", "", "10", "100", "95"),
			want:   ReasonDuplicate,
		},
		{
			name: "max positions wins over duplicate",
			seed: func(t *testing.T, h *harness) {
				h.seedPosition(t, "AAPL", "tech", domain.PositionOpen, "0")
				h.seedPosition(t, "XOM", "energy", domain.PositionOpen, "0")
			},
			intent: entry("AAPL", "tech", "10", "100", "95"),
			want:   ReasonMaxPositions,
		},
		{
			name: "halt wins over everything",
			seed: func(t *testing.T, h *harness) {
				now := epoch
				h.cycle.HaltedAt = &now
				h.cycle.HaltReason = "operator"
				require.NoError(t, h.store.UpdateCycle(context.Background(), h.cycle))
			},
			intent: entry("AAPL", "tech", "60", "100", "95"),
			want:   ReasonHalted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, th)
			if tt.seed != nil {
				tt.seed(t, h)
			}
			dec, err := h.guard.Validate(context.Background(), tt.intent)
			require.NoError(t, err)

			rejections, err := h.store.ListRejections(context.Background(), "cycle-1")
			require.NoError(t, err)
			if tt.want == "" {
				assert.True(t, dec.Approved, dec.Detail)
				assert.Empty(t, rejections)
				return
			}
			assert.False(t, dec.Approved)
			assert.Equal(t, tt.want, dec.Reason)
			assert.NotEmpty(t, dec.Detail)
			require.Len(t, rejections, 1)
			assert.Equal(t, string(tt.want), rejections[0].Reason)
		})
	}
}

func TestGuardCountsWorkingEntries(t *testing.T) {
	th := DefaultThresholds()
	th.Limits.MaxPositions = 1
	h := newHarness(t, th, broker.WithManualFills())
	ctx := context.Background()

	first := entry("AAPL", "tech", "10", "100", "95")
	dec, err := h.guard.Validate(ctx, first)
	require.NoError(t, err)
	require.True(t, dec.Approved)
	_, err = h.orders.Create(ctx, first)
	require.NoError(t, err)

	dec, err = h.guard.Validate(ctx, entry("MSFT", "tech", "10", "100", "95"))
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxPositions, dec.Reason)
}

func TestGuardApprovesExitsWhileHalted(t *testing.T) {
	h := newHarness(t, nil)
	now := epoch
	h.cycle.HaltedAt = &now
	require.NoError(t, h.store.UpdateCycle(context.Background(), h.cycle))

	pid := "pos-1"
	dec, err := h.guard.Validate(context.Background(), domain.OrderIntent{
		IdempotencyKey: "pos-1:exit:1",
		CycleID:        "cycle-1",
		Symbol:         "AAPL",
		PositionID:     &pid,
		Side:           domain.SideSell,
		Type:           domain.OrderTypeMarket,
		Purpose:        domain.PurposeExit,
		Quantity:       d("10"),
	})
	require.NoError(t, err)
	assert.True(t, dec.Approved)
}

func TestEvaluate(t *testing.T) {
	sig := DefaultThresholds().Signals
	long := &domain.Position{
		Side: domain.PositionLong, Quantity: d("10"), EntryPrice: d("100"),
		StopLoss: d("95"), TakeProfit: d("110"), PeakPrice: d("100"),
	}
	short := &domain.Position{
		Side: domain.PositionShort, Quantity: d("10"), EntryPrice: d("100"),
		StopLoss: d("105"), TakeProfit: d("90"), PeakPrice: d("100"),
	}
	ranLong := *long
	ranLong.PeakPrice = d("106")
	ranLong.TakeProfit = decimal.Zero

	tests := []struct {
		name   string
		pos    *domain.Position
		last   string
		ind    Indicators
		want   Strength
		reason string
	}{
		{"long stop", long, "95", Indicators{}, SignalStrong, "stop_loss"},
		{"long target", long, "110.5", Indicators{}, SignalStrong, "take_profit"},
		{"short stop", short, "105", Indicators{}, SignalStrong, "stop_loss"},
		{"short target", short, "89", Indicators{}, SignalStrong, "take_profit"},
		{"trailing give-back", &ranLong, "104", Indicators{}, SignalStrong, "trailing_stop"},
		{"trailing not given back", &ranLong, "105.5", Indicators{}, SignalNone, ""},
		{"rsi overbought", long, "101", Indicators{RSI: 80}, SignalModerate, "rsi"},
		{"rsi and fade", long, "101", Indicators{RSI: 80, VolumeRatio: 0.2}, SignalModerate, "rsi+volume_fade"},
		{"short oversold", short, "99", Indicators{RSI: 20}, SignalModerate, "rsi"},
		{"pattern", long, "101", Indicators{PatternScore: 0.1}, SignalModerate, "pattern"},
		{"volume fade only", long, "101", Indicators{VolumeRatio: 0.2}, SignalWeak, "volume_fade"},
		{"healthy", long, "101", Indicators{RSI: 55, VolumeRatio: 1.2, PatternScore: 0.8}, SignalNone, ""},
		{"no price", long, "0", Indicators{RSI: 90}, SignalNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Evaluate(tt.pos, d(tt.last), tt.ind, sig)
			assert.Equal(t, tt.want, ev.Strength, ev.Strength.String())
			assert.Equal(t, tt.reason, ev.Reason)
		})
	}
}

func TestLosingDecider(t *testing.T) {
	p := &domain.Position{Side: domain.PositionLong, Quantity: d("10"), EntryPrice: d("100")}
	exit, err := LosingDecider{}.ShouldExit(context.Background(), p, Evaluation{Strength: SignalModerate, Last: d("99")})
	require.NoError(t, err)
	assert.True(t, exit)

	exit, err = LosingDecider{}.ShouldExit(context.Background(), p, Evaluation{Strength: SignalModerate, Last: d("101")})
	require.NoError(t, err)
	assert.False(t, exit)
}

func TestSize(t *testing.T) {
	limits := DefaultThresholds().Limits // risk 200, max value 10000, default stop 5%
	lots := &domain.Security{LotSize: d("10")}

	tests := []struct {
		name        string
		sec         *domain.Security
		entry, stop string
		want        string
	}{
		{"risk bound", nil, "50", "48", "100"},
		{"value bound", nil, "100", "99", "100"},
		{"default stop", nil, "100", "0", "40"},
		{"lot rounding", lots, "50", "45.5", "40"},
		{"no entry", nil, "0", "1", "0"},
		{"under one lot", lots, "2000", "1000", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Size(limits, tt.sec, d(tt.entry), d(tt.stop))
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestDailyLossAtCapTriggersEmergencyStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedPosition(t, "XOM", "energy", domain.PositionClosed, "-2000")
	in := entry("AAPL", "tech", "10", "100", "95")
	in.TakeProfit = d("110")
	pos := h.openPosition(t, in)

	r, err := h.monitor.Tick(ctx)
	require.NoError(t, err)
	require.NotNil(t, r.EmergencyStop)
	assert.Equal(t, "-2000", r.PnL.Total().String())

	sum := r.EmergencyStop
	assert.Len(t, sum.OrdersCancelled, 2)
	assert.Equal(t, []string{pos.ID}, sum.PositionsClosed)
	assert.Empty(t, sum.Unconfirmed)
	assert.Equal(t, 1, sum.Rounds)
	assert.True(t, sum.TriggerPnL.Equal(d("-2000")))

	cycle, err := h.store.GetCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStopped, cycle.Status)
	assert.True(t, cycle.Halted())
	assert.Contains(t, cycle.StopReason, "daily loss 2000.00 reached cap 2000.00")
	assert.Contains(t, string(cycle.Summary), pos.ID)

	closed, err := h.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, closed.Status)
	assert.Equal(t, "emergency_stop", closed.ExitReason)
	assert.Equal(t, 1, h.alerts.Count(AlertEmergencyStop))

	// No new order is accepted until the latch is cleared.
	dec, err := h.guard.Validate(ctx, entry("MSFT", "tech", "1", "100", "95"))
	require.NoError(t, err)
	assert.Equal(t, ReasonHalted, dec.Reason)

	// The stopped cycle is no longer monitored.
	r, err = h.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.CycleID)
	assert.Equal(t, 1, h.alerts.Count(AlertEmergencyStop))
}

func TestDailyLossBelowCapWarnsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedPosition(t, "XOM", "energy", domain.PositionClosed, "-1999.99")

	r, err := h.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Nil(t, r.EmergencyStop)
	assert.True(t, r.Warned)

	r, err = h.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, r.Warned)
	assert.Equal(t, 1, h.alerts.Count(AlertDailyLossWarning))

	cycle, err := h.store.GetCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleTrading, cycle.Status)
}

func TestMonitorExitsOnTrailingStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pos := h.openPosition(t, entry("AAPL", "tech", "10", "100", ""))

	h.sim.SetPrice("AAPL", d("110"))
	r, err := h.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Marked)
	assert.Empty(t, r.Exits)

	marked, err := h.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "110", marked.PeakPrice.String())
	assert.Equal(t, "100", marked.UnrealizedPnL.String())

	h.sim.SetPrice("AAPL", d("108"))
	r, err = h.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{pos.ID}, r.Exits)

	closed, err := h.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, closed.Status)
	assert.Equal(t, "trailing_stop", closed.ExitReason)
	assert.Equal(t, "80", closed.RealizedPnL.String())
}

func TestMonitorRunTicks(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPosition(t, "XOM", "energy", domain.PositionClosed, "-2500")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.monitor.Run(ctx) }()
	require.Eventually(t, func() bool { return h.clock.Tickers() == 1 }, time.Second, 5*time.Millisecond)

	h.clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return h.alerts.Count(AlertEmergencyStop) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestLiquidationRetriesUntilConfirmed(t *testing.T) {
	h := newHarness(t, nil, broker.WithManualFills())
	ctx := context.Background()

	o, err := h.orders.Create(ctx, entry("AAPL", "tech", "10", "100", ""))
	require.NoError(t, err)
	o, err = h.orders.Submit(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, h.sim.Fill(*o.BrokerOrderID, d("10"), d("100")))
	o, err = h.orders.Refresh(ctx, o.ID)
	require.NoError(t, err)

	type result struct {
		sum *Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := h.liquidator.EmergencyStop(ctx, "cycle-1", "operator", decimal.Zero)
		done <- result{sum, err}
	}()

	// Round one leaves a working market exit the simulator does not fill.
	var exit domain.Order
	require.Eventually(t, func() bool {
		exits, err := h.store.ListOrders(ctx, store.OrderFilter{
			PositionID: *o.PositionID,
			Purposes:   []domain.OrderPurpose{domain.PurposeExit},
			Statuses:   []domain.OrderStatus{domain.OrderAccepted},
		})
		if err != nil || len(exits) != 1 {
			return false
		}
		exit = exits[0]
		return true
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.sim.Fill(*exit.BrokerOrderID, d("10"), d("99")))

	var res result
	require.Eventually(t, func() bool {
		h.clock.Advance(10 * time.Millisecond)
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, res.err)
	assert.Equal(t, []string{*o.PositionID}, res.sum.PositionsClosed)
	assert.GreaterOrEqual(t, res.sum.Rounds, 2)

	pos, err := h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, pos.Status)
	assert.Equal(t, "-10", pos.RealizedPnL.String())
}

func TestLiquidationInterruptedByOperator(t *testing.T) {
	h := newHarness(t, nil, broker.WithManualFills())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o, err := h.orders.Create(ctx, entry("AAPL", "tech", "10", "100", ""))
	require.NoError(t, err)
	o, err = h.orders.Submit(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, h.sim.Fill(*o.BrokerOrderID, d("10"), d("100")))
	_, err = h.orders.Refresh(ctx, o.ID)
	require.NoError(t, err)

	type result struct {
		sum *Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := h.liquidator.EmergencyStop(ctx, "cycle-1", "operator", decimal.Zero)
		done <- result{sum, err}
	}()
	require.Eventually(t, func() bool {
		exits, err := h.store.ListOrders(context.Background(), store.OrderFilter{
			Purposes: []domain.OrderPurpose{domain.PurposeExit},
			Statuses: []domain.OrderStatus{domain.OrderAccepted},
		})
		return err == nil && len(exits) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	res := <-done
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, context.Canceled))
	require.NotNil(t, res.sum)
	assert.Len(t, res.sum.Unconfirmed, 1)
	assert.Len(t, res.sum.UnconfirmedOrders, 1)
	assert.Empty(t, res.sum.PositionsClosed)

	cycle, err := h.store.GetCycle(context.Background(), "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStopped, cycle.Status)
	assert.True(t, cycle.Halted())
}

func TestLiquidationRetriesEntryCancel(t *testing.T) {
	h := newHarness(t, nil, broker.WithManualFills())
	ctx := context.Background()

	o, err := h.orders.Create(ctx, entry("AAPL", "tech", "10", "100", ""))
	require.NoError(t, err)
	o, err = h.orders.Submit(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderAccepted, o.Status)

	transient := broker.Transient("cancel", errors.New("503"))
	h.sim.FailNext("cancel", transient, transient, transient)

	type result struct {
		sum *Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := h.liquidator.EmergencyStop(ctx, "cycle-1", "operator", decimal.Zero)
		done <- result{sum, err}
	}()

	var res result
	require.Eventually(t, func() bool {
		h.clock.Advance(10 * time.Millisecond)
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, res.err)
	assert.Equal(t, []string{o.ID}, res.sum.OrdersCancelled)
	assert.Empty(t, res.sum.UnconfirmedOrders)
	assert.Empty(t, res.sum.PositionsClosed)
	assert.GreaterOrEqual(t, res.sum.Rounds, 2)

	o, err = h.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, o.Status)
	atBroker, err := h.sim.ListOrders(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, atBroker)
}

func TestMonitorMarksPositionsOutsideActiveCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pos := h.seedPosition(t, "AAPL", "tech", domain.PositionOpen, "0")

	stopped := *h.cycle
	stopped.Status = domain.CycleStopped
	require.NoError(t, h.store.UpdateCycle(ctx, &stopped))

	h.sim.SetPrice("AAPL", d("105"))
	r, err := h.monitor.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.CycleID)
	assert.Equal(t, 1, r.Marked)
	assert.Empty(t, r.Exits)

	marked, err := h.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, marked.Status)
	assert.Equal(t, "105", marked.LastPrice.String())
	assert.Equal(t, "50", marked.UnrealizedPnL.String())
}
