package orders

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/positions"
	"vesta/internal/registry"
	"vesta/internal/store"
	"vesta/internal/util"
)

var epoch = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordedFlag struct {
	kind    domain.FlagKind
	subject string
}

type recordingEscalator struct {
	mu    sync.Mutex
	flags []recordedFlag
}

func (r *recordingEscalator) Raise(_ context.Context, kind domain.FlagKind, _ domain.Severity, subject, _ string) (*domain.ReconciliationFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags = append(r.flags, recordedFlag{kind, subject})
	return &domain.ReconciliationFlag{Kind: kind, Subject: subject}, nil
}

type harness struct {
	ledger *Ledger
	store  *store.Store
	sim    *broker.SimulatorBroker
	esc    *recordingEscalator
}

func newHarness(t *testing.T, opts ...broker.SimOption) *harness {
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
	l := New(s, registry.New(s, zerolog.Nop()), gw, positions.New(s, clock, zerolog.Nop()), clock, zerolog.Nop())
	esc := &recordingEscalator{}
	l.SetEscalator(esc)
	return &harness{ledger: l, store: s, sim: sim, esc: esc}
}

func entryIntent(key string) domain.OrderIntent {
	return domain.OrderIntent{
		IdempotencyKey: key,
		CycleID:        "cycle-1",
		Symbol:         "AAPL",
		Sector:         "tech",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Purpose:        domain.PurposeEntry,
		Quantity:       d("10"),
		LimitPrice:     d("100"),
		StopLoss:       d("95"),
		TakeProfit:     d("110"),
	}
}

func statuses(h []domain.OrderTransition) []domain.OrderStatus {
	out := make([]domain.OrderStatus, len(h))
	for i, t := range h {
		out[i] = t.To
	}
	return out
}

func TestCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.ledger.Create(ctx, entryIntent("cycle-1:AAPL:entry"))
	require.NoError(t, err)
	second, err := h.ledger.Create(ctx, entryIntent("cycle-1:AAPL:entry"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := h.store.ListOrders(ctx, store.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, domain.OrderCreated, all[0].Status)
	assert.Nil(t, all[0].BrokerOrderID)

	hist, err := h.ledger.History(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderStatus{domain.OrderCreated}, statuses(hist))
}

func TestCreateRejectsInvalidIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := entryIntent("k")
	bad.Side = domain.Side("long")
	_, err := h.ledger.Create(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad = entryIntent("k")
	bad.Quantity = d("0.4")
	_, err = h.ledger.Create(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	all, err := h.store.ListOrders(ctx, store.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEntryLifecycleWithProtectiveLegs(t *testing.T) {
	h := newHarness(t, broker.WithManualFills())
	ctx := context.Background()

	o, err := h.ledger.Create(ctx, entryIntent("cycle-1:AAPL:entry"))
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAccepted, o.Status)
	require.NotNil(t, o.BrokerOrderID)

	require.NoError(t, h.sim.Fill(*o.BrokerOrderID, d("4"), d("100")))
	o, err = h.ledger.Refresh(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartialFill, o.Status)
	require.NotNil(t, o.PositionID)

	pos, err := h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "4", pos.Quantity.String())
	assert.Equal(t, "tech", pos.Sector)

	require.NoError(t, h.sim.Fill(*o.BrokerOrderID, d("6"), d("101")))
	o, err = h.ledger.Refresh(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, o.Status)
	assert.True(t, o.FilledQuantity.LessThanOrEqual(o.Quantity))

	pos, err = h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "10", pos.Quantity.String())
	assert.Equal(t, "100.6", pos.EntryPrice.String())

	legs, err := h.store.ListOrders(ctx, store.OrderFilter{
		PositionID: pos.ID,
		Purposes:   []domain.OrderPurpose{domain.PurposeStopLoss, domain.PurposeTakeProfit},
	})
	require.NoError(t, err)
	require.Len(t, legs, 2)
	byPurpose := map[domain.OrderPurpose]domain.Order{}
	for _, leg := range legs {
		byPurpose[leg.Purpose] = leg
		assert.Equal(t, domain.SideSell, leg.Side)
		assert.Equal(t, "10", leg.Quantity.String())
		assert.Equal(t, o.ID, *leg.ParentOrderID)
		assert.Equal(t, domain.OrderAccepted, leg.Status)
	}
	sl, tp := byPurpose[domain.PurposeStopLoss], byPurpose[domain.PurposeTakeProfit]
	// Both legs went out as one OCO; each maps to its own broker order.
	require.NotNil(t, sl.BrokerOrderID)
	require.NotNil(t, tp.BrokerOrderID)
	assert.NotEqual(t, *sl.BrokerOrderID, *tp.BrokerOrderID)
	slAtBroker, err := h.sim.GetOrder(ctx, *sl.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, "10", slAtBroker.Quantity.String())
	assert.Equal(t, broker.StatusAccepted, slAtBroker.Status)
	assert.Equal(t, domain.OrderTypeStop, sl.Type)
	assert.Equal(t, "95", sl.StopPrice.String())
	assert.Equal(t, domain.OrderTypeLimit, tp.Type)
	assert.Equal(t, "110", tp.LimitPrice.String())

	// Take profit fills; the stop loss is cancelled as its OCO sibling.
	require.NoError(t, h.sim.Fill(*tp.BrokerOrderID, d("10"), d("110")))
	_, err = h.ledger.Refresh(ctx, tp.ID)
	require.NoError(t, err)

	pos, err = h.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, pos.Status)
	assert.Equal(t, "take_profit", pos.ExitReason)
	assert.Equal(t, "94", pos.RealizedPnL.String())

	slNow, err := h.store.GetOrder(ctx, sl.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, slNow.Status)

	all, err := h.store.ListOrders(ctx, store.OrderFilter{})
	require.NoError(t, err)
	assert.True(t, positions.ExpectedQuantity(pos, all).IsZero())
}

func TestAdoptionRecordsImpliedAcceptedStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := entryIntent("k1")
	in.StopLoss, in.TakeProfit = decimal.Zero, decimal.Zero
	o, err := h.ledger.Create(ctx, in)
	require.NoError(t, err)

	o, err = h.ledger.ApplyUpdate(ctx, broker.OrderUpdate{
		BrokerOrderID:  "ext-1",
		ClientOrderID:  "k1",
		Status:         broker.StatusPartiallyFilled,
		Quantity:       d("10"),
		FilledQty:      d("5"),
		FilledAvgPrice: d("99"),
		At:             epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartialFill, o.Status)
	assert.Equal(t, "ext-1", *o.BrokerOrderID)

	hist, err := h.ledger.History(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderStatus{
		domain.OrderCreated, domain.OrderSubmitted, domain.OrderAccepted, domain.OrderPartialFill,
	}, statuses(hist))
}

func TestApplyFillIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := entryIntent("k1")
	in.StopLoss, in.TakeProfit = decimal.Zero, decimal.Zero
	o, err := h.ledger.Create(ctx, in)
	require.NoError(t, err)
	_, err = h.ledger.ApplyUpdate(ctx, broker.OrderUpdate{BrokerOrderID: "ext-1", ClientOrderID: "k1", Status: broker.StatusAccepted})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		o, err = h.ledger.ApplyFill(ctx, "ext-1", d("6"), d("100"), epoch)
		require.NoError(t, err)
	}
	assert.Equal(t, "6", o.FilledQuantity.String())
	hist, err := h.ledger.History(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 4)

	// An older cumulative quantity is stale and ignored.
	o, err = h.ledger.ApplyFill(ctx, "ext-1", d("3"), d("100"), epoch)
	require.NoError(t, err)
	assert.Equal(t, "6", o.FilledQuantity.String())

	pos, err := h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "6", pos.Quantity.String())

	_, err = h.ledger.ApplyFill(ctx, "ext-1", d("11"), d("100"), epoch)
	assert.ErrorIs(t, err, domain.ErrOverfill)
	o, err = h.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "6", o.FilledQuantity.String())
	assert.Equal(t, domain.OrderPartialFill, o.Status)
}

func TestSubmitPermanentRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sim.FailNext("submit", broker.Permanent("submit", errors.New("insufficient buying power")))

	o, err := h.ledger.Create(ctx, entryIntent("k1"))
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	assert.ErrorIs(t, err, broker.ErrPermanent)
	require.NotNil(t, o)
	assert.Equal(t, domain.OrderRejected, o.Status)
	assert.Contains(t, o.Reason, "insufficient buying power")
	assert.Empty(t, h.esc.flags)
}

func TestSubmitExhaustionRaisesFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transient := broker.Transient("submit", errors.New("503"))
	h.sim.FailNext("submit", transient, transient, transient)

	o, err := h.ledger.Create(ctx, entryIntent("k1"))
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.Error(t, err)
	assert.Equal(t, domain.OrderRejected, o.Status)
	require.Len(t, h.esc.flags, 1)
	assert.Equal(t, domain.FlagSubmitExhausted, h.esc.flags[0].kind)
	assert.Equal(t, o.ID, h.esc.flags[0].subject)
}

func TestSubmitThatLandedIsRecorded(t *testing.T) {
	h := newHarness(t, broker.WithManualFills())
	ctx := context.Background()
	h.sim.FailAfterLanding(broker.Transient("submit", context.DeadlineExceeded))

	o, err := h.ledger.Create(ctx, entryIntent("k1"))
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAccepted, o.Status)
	assert.Equal(t, "sim-1", *o.BrokerOrderID)
	assert.Empty(t, h.esc.flags)
}

func TestSubmitWithCancelledContextLeavesCreated(t *testing.T) {
	h := newHarness(t)
	o, err := h.ledger.Create(context.Background(), entryIntent("k1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.ledger.Submit(ctx, o.ID)
	require.Error(t, err)

	o, err = h.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCreated, o.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, broker.WithManualFills())
	ctx := context.Background()

	local, err := h.ledger.Create(ctx, entryIntent("k1"))
	require.NoError(t, err)
	local, err = h.ledger.Cancel(ctx, local.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, local.Status)
	assert.Equal(t, "operator", local.Reason)
	atBroker, err := h.sim.ListOrders(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, atBroker)

	_, err = h.ledger.Submit(ctx, local.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	working, err := h.ledger.Create(ctx, entryIntent("k2"))
	require.NoError(t, err)
	working, err = h.ledger.Submit(ctx, working.ID)
	require.NoError(t, err)
	working, err = h.ledger.Cancel(ctx, working.ID, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, working.Status)
	assert.NotNil(t, working.CancelRequestedAt)

	_, err = h.ledger.Cancel(ctx, working.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTerminalOrdersIgnoreLaterUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sim.SetPrice("MSFT", d("50"))

	in := domain.OrderIntent{
		IdempotencyKey: "k1", CycleID: "cycle-1", Symbol: "MSFT",
		Side: domain.SideBuy, Type: domain.OrderTypeMarket, Purpose: domain.PurposeEntry, Quantity: d("3"),
	}
	o, err := h.ledger.Create(ctx, in)
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderFilled, o.Status)

	o, err = h.ledger.ApplyUpdate(ctx, broker.OrderUpdate{BrokerOrderID: *o.BrokerOrderID, Status: broker.StatusCanceled, FilledQty: d("3")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, o.Status)

	_, err = h.ledger.Cancel(ctx, o.ID, "late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sim.SetPrice("MSFT", d("50"))

	o, err := h.ledger.Create(ctx, domain.OrderIntent{
		IdempotencyKey: "k1", CycleID: "cycle-1", Symbol: "MSFT",
		Side: domain.SideBuy, Type: domain.OrderTypeMarket, Purpose: domain.PurposeEntry, Quantity: d("3"),
	})
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, o.PositionID)

	h.sim.SetPrice("MSFT", d("52"))
	exit, err := h.ledger.ClosePosition(ctx, *o.PositionID, "cycle_stop")
	require.NoError(t, err)
	require.NotNil(t, exit)
	assert.Equal(t, domain.PurposeExit, exit.Purpose)
	assert.Equal(t, domain.SideSell, exit.Side)
	assert.Equal(t, domain.OrderFilled, exit.Status)

	pos, err := h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, pos.Status)
	assert.Equal(t, "cycle_stop", pos.ExitReason)
	assert.Equal(t, "6", pos.RealizedPnL.String())

	_, err = h.ledger.ClosePosition(ctx, pos.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestLiquidateReturnsWorkingExit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sim.SetPrice("MSFT", d("50"))

	o, err := h.ledger.Create(ctx, domain.OrderIntent{
		IdempotencyKey: "k1", CycleID: "cycle-1", Symbol: "MSFT",
		Side: domain.SideBuy, Type: domain.OrderTypeMarket, Purpose: domain.PurposeEntry, Quantity: d("3"),
	})
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.NoError(t, err)

	h.sim.FailNext("submit", broker.Transient("submit", errors.New("503")))
	_, err = h.ledger.Liquidate(ctx, *o.PositionID, "emergency_stop")
	require.Error(t, err)

	// The failed exit is rejected; the next round places a fresh one.
	exit, err := h.ledger.Liquidate(ctx, *o.PositionID, "emergency_stop")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, exit.Status)
	assert.Equal(t, *o.PositionID+":exit:2", exit.ClientOrderID)
}

func TestStreamAppliesBrokerEvents(t *testing.T) {
	h := newHarness(t, broker.WithManualFills())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.ledger.Stream(ctx) }()

	in := entryIntent("k1")
	in.StopLoss, in.TakeProfit = decimal.Zero, decimal.Zero
	o, err := h.ledger.Create(ctx, in)
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, h.sim.Fill(*o.BrokerOrderID, d("10"), d("100")))

	assert.Eventually(t, func() bool {
		cur, err := h.store.GetOrder(context.Background(), o.ID)
		return err == nil && cur.Status == domain.OrderFilled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestExitFillBeyondHoldingIsRecordedAndFlagged(t *testing.T) {
	h := newHarness(t, broker.WithManualFills())
	ctx := context.Background()

	o, err := h.ledger.Create(ctx, entryIntent("k1"))
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, h.sim.Fill(*o.BrokerOrderID, d("10"), d("100")))
	o, err = h.ledger.Refresh(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderFilled, o.Status)

	legs, err := h.store.ListOrders(ctx, store.OrderFilter{
		PositionID: *o.PositionID,
		Purposes:   []domain.OrderPurpose{domain.PurposeStopLoss, domain.PurposeTakeProfit},
	})
	require.NoError(t, err)
	require.Len(t, legs, 2)
	var sl, tp domain.Order
	for _, leg := range legs {
		if leg.Purpose == domain.PurposeStopLoss {
			sl = leg
		} else {
			tp = leg
		}
	}

	// Both legs execute before either cancel lands: 4 on the take profit,
	// then the full 10 on the stop loss against the 6 still held.
	_, err = h.ledger.ApplyUpdate(ctx, broker.OrderUpdate{
		BrokerOrderID: *tp.BrokerOrderID, Status: broker.StatusPartiallyFilled,
		Quantity: d("10"), FilledQty: d("4"), FilledAvgPrice: d("110"), At: epoch,
	})
	require.NoError(t, err)
	slNow, err := h.ledger.ApplyUpdate(ctx, broker.OrderUpdate{
		BrokerOrderID: *sl.BrokerOrderID, Status: broker.StatusFilled,
		Quantity: d("10"), FilledQty: d("10"), FilledAvgPrice: d("95"), At: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, slNow.Status)
	assert.Equal(t, "10", slNow.FilledQuantity.String())

	pos, err := h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, pos.Status)
	assert.True(t, pos.Quantity.IsZero())
	assert.Equal(t, "10", pos.ClosedQuantity.String())
	assert.Equal(t, "10", pos.RealizedPnL.String())

	require.Len(t, h.esc.flags, 1)
	assert.Equal(t, domain.FlagOverClose, h.esc.flags[0].kind)
	assert.Equal(t, sl.ID, h.esc.flags[0].subject)
}

func TestEntryRefusedWhileHalted(t *testing.T) {
	h := newHarness(t, broker.WithManualFills())
	ctx := context.Background()

	in := entryIntent("k1")
	in.StopLoss, in.TakeProfit = decimal.Zero, decimal.Zero
	held, err := h.ledger.Create(ctx, in)
	require.NoError(t, err)
	held, err = h.ledger.Submit(ctx, held.ID)
	require.NoError(t, err)
	require.NoError(t, h.sim.Fill(*held.BrokerOrderID, d("10"), d("100")))
	held, err = h.ledger.Refresh(ctx, held.ID)
	require.NoError(t, err)

	haltedAt := epoch
	require.NoError(t, h.store.CreateCycle(ctx, &domain.TradingCycle{
		ID: "cycle-1", IdempotencyKey: "2026-03-02", Mode: domain.ModePaper, Status: domain.CycleStopped,
		HaltedAt: &haltedAt, HaltReason: "daily loss cap", StartedAt: epoch,
	}))

	o, err := h.ledger.Create(ctx, entryIntent("k2"))
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrTradingHalted)
	require.NotNil(t, o)
	assert.Equal(t, domain.OrderRejected, o.Status)
	assert.Contains(t, o.Reason, "daily loss cap")
	assert.Nil(t, o.BrokerOrderID)
	atBroker, err := h.sim.ListOrders(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, atBroker)

	// Exits still go out.
	exit, err := h.ledger.ClosePosition(ctx, *held.PositionID, "emergency_stop")
	require.NoError(t, err)
	require.NotNil(t, exit)
	assert.Equal(t, domain.OrderAccepted, exit.Status)
}

func TestConcurrentCumulativeFills(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := entryIntent("k1")
	in.StopLoss, in.TakeProfit = decimal.Zero, decimal.Zero
	o, err := h.ledger.Create(ctx, in)
	require.NoError(t, err)
	_, err = h.ledger.ApplyUpdate(ctx, broker.OrderUpdate{BrokerOrderID: "ext-1", ClientOrderID: "k1", Status: broker.StatusAccepted})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for round := 0; round < 3; round++ {
		for qty := 1; qty <= 10; qty++ {
			wg.Add(1)
			go func(qty int64) {
				defer wg.Done()
				_, err := h.ledger.ApplyFill(ctx, "ext-1", decimal.NewFromInt(qty), d("100"), epoch)
				errs <- err
			}(int64(qty))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	o, err = h.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, o.Status)
	assert.Equal(t, "10", o.FilledQuantity.String())
	require.NotNil(t, o.PositionID)

	pos, err := h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "10", pos.Quantity.String())
	assert.Equal(t, "100", pos.EntryPrice.String())

	open, err := h.store.OpenPositions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	hist, err := h.ledger.History(ctx, o.ID)
	require.NoError(t, err)
	got := statuses(hist)
	assert.Equal(t, domain.OrderFilled, got[len(got)-1])
	for _, s := range got[:len(got)-1] {
		assert.NotEqual(t, domain.OrderFilled, s)
	}
}

func TestRefreshRacingLiveFills(t *testing.T) {
	h := newHarness(t, broker.WithManualFills())
	ctx := context.Background()

	in := entryIntent("k1")
	in.StopLoss, in.TakeProfit = decimal.Zero, decimal.Zero
	o, err := h.ledger.Create(ctx, in)
	require.NoError(t, err)
	o, err = h.ledger.Submit(ctx, o.ID)
	require.NoError(t, err)
	bid := *o.BrokerOrderID

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for qty := int64(1); qty <= 10; qty++ {
			q := decimal.NewFromInt(qty)
			assert.NoError(t, h.sim.Fill(bid, d("1"), d("100")))
			_, err := h.ledger.ApplyFill(ctx, bid, q, d("100"), epoch)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := h.ledger.Refresh(ctx, o.ID)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	o, err = h.ledger.Refresh(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, o.Status)
	assert.Equal(t, "10", o.FilledQuantity.String())
	pos, err := h.store.GetPosition(ctx, *o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "10", pos.Quantity.String())
}
