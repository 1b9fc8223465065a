package positions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vesta/internal/domain"
	"vesta/internal/store"
	"vesta/internal/util"
)

var epoch = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T) (*Ledger, *store.Store, *util.FakeClock) {
	t.Helper()
	clock := util.NewFakeClock(epoch)
	s, err := store.Open(store.Options{
		SQLitePath: filepath.Join(t.TempDir(), "vesta.db"),
		Now:        clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, clock, zerolog.Nop()), s, clock
}

func entryOrder(side domain.Side) *domain.Order {
	return &domain.Order{
		ID:         "entry-1",
		CycleID:    "cycle-1",
		SecurityID: "sec-1",
		Symbol:     "AAPL",
		Side:       side,
		Type:       domain.OrderTypeMarket,
		Purpose:    domain.PurposeEntry,
		Quantity:   d("100"),
		StopLoss:   d("95"),
		TakeProfit: d("110"),
	}
}

func open(t *testing.T, l *Ledger, s *store.Store, side domain.Side, qty, price string) *domain.Position {
	t.Helper()
	var p *domain.Position
	err := s.Tx(context.Background(), func(tx *store.Store) error {
		var err error
		p, err = l.OpenFromFill(context.Background(), tx, entryOrder(side), "tech", Fill{
			OrderID: "entry-1", Purpose: domain.PurposeEntry, Side: side,
			Quantity: d(qty), Price: d(price), Fee: d("1"), At: epoch,
		})
		return err
	})
	require.NoError(t, err)
	return p
}

func apply(l *Ledger, s *store.Store, id string, f Fill) (*domain.Position, error) {
	var p *domain.Position
	err := s.Tx(context.Background(), func(tx *store.Store) error {
		var err error
		p, err = l.ApplyFill(context.Background(), tx, id, f)
		return err
	})
	return p, err
}

func TestOpenFromFill(t *testing.T) {
	l, s, _ := newLedger(t)
	p := open(t, l, s, domain.SideBuy, "40", "100")

	got, err := s.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, got.Status)
	assert.Equal(t, domain.PositionLong, got.Side)
	assert.Equal(t, "40", got.Quantity.String())
	assert.Equal(t, "100", got.EntryPrice.String())
	assert.Equal(t, "entry-1", got.EntryOrderID)
	assert.Equal(t, "tech", got.Sector)
	assert.True(t, got.StopLoss.Equal(d("95")))
}

func TestOpenFromFillRejectsExitOrders(t *testing.T) {
	l, s, _ := newLedger(t)
	o := entryOrder(domain.SideSell)
	o.Purpose = domain.PurposeExit
	err := s.Tx(context.Background(), func(tx *store.Store) error {
		_, err := l.OpenFromFill(context.Background(), tx, o, "", Fill{Quantity: d("1"), Price: d("1")})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLongLifecycle(t *testing.T) {
	l, s, _ := newLedger(t)
	p := open(t, l, s, domain.SideBuy, "40", "100")

	// Scale in: weighted average entry.
	p, err := apply(l, s, p.ID, Fill{Purpose: domain.PurposeEntry, Side: domain.SideBuy, Quantity: d("60"), Price: d("105"), At: epoch})
	require.NoError(t, err)
	assert.Equal(t, "100", p.Quantity.String())
	assert.Equal(t, "103", p.EntryPrice.String())

	// Partial exit realises P&L but keeps the position open.
	p, err = apply(l, s, p.ID, Fill{Purpose: domain.PurposeTakeProfit, Side: domain.SideSell, Quantity: d("50"), Price: d("110"), At: epoch})
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.Equal(t, "50", p.Quantity.String())
	assert.Equal(t, "350", p.RealizedPnL.String())

	later := epoch.Add(time.Hour)
	p, err = apply(l, s, p.ID, Fill{Purpose: domain.PurposeTakeProfit, Side: domain.SideSell, Quantity: d("50"), Price: d("112"), Fee: d("1"), At: later})
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, p.Status)
	assert.True(t, p.Quantity.IsZero())
	assert.Equal(t, "111", p.ExitPrice.String())
	// (111 - 103) * 100 - fees of 2.
	assert.Equal(t, "798", p.RealizedPnL.String())
	assert.Equal(t, "take_profit", p.ExitReason)
	require.NotNil(t, p.ExitTime)
	assert.True(t, p.ExitTime.Equal(later))
	assert.True(t, p.UnrealizedPnL.IsZero())

	_, err = apply(l, s, p.ID, Fill{Side: domain.SideSell, Quantity: d("1"), Price: d("1")})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestShortRealizedPnL(t *testing.T) {
	l, s, _ := newLedger(t)
	p := open(t, l, s, domain.SideSell, "10", "50")
	assert.Equal(t, domain.PositionShort, p.Side)

	p, err := apply(l, s, p.ID, Fill{Purpose: domain.PurposeStopLoss, Side: domain.SideBuy, Quantity: d("10"), Price: d("53"), At: epoch})
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, p.Status)
	assert.Equal(t, "stop_loss", p.ExitReason)
	// (53 - 50) * 10 * -1 - 1 fee.
	assert.Equal(t, "-31", p.RealizedPnL.String())
}

func TestOverCloseRejected(t *testing.T) {
	l, s, _ := newLedger(t)
	p := open(t, l, s, domain.SideBuy, "10", "100")

	_, err := apply(l, s, p.ID, Fill{Purpose: domain.PurposeExit, Side: domain.SideSell, Quantity: d("11"), Price: d("100")})
	assert.ErrorIs(t, err, domain.ErrOverClose)

	got, err := s.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", got.Quantity.String())
	assert.Equal(t, domain.PositionOpen, got.Status)
}

func TestExitReasonDefaults(t *testing.T) {
	l, s, _ := newLedger(t)
	p := open(t, l, s, domain.SideBuy, "1", "10")
	p, err := apply(l, s, p.ID, Fill{Purpose: domain.PurposeExit, Side: domain.SideSell, Quantity: d("1"), Price: d("10"), Reason: "cycle_stop"})
	require.NoError(t, err)
	assert.Equal(t, "cycle_stop", p.ExitReason)

	p2 := open(t, l, s, domain.SideBuy, "1", "10")
	p2, err = apply(l, s, p2.ID, Fill{Purpose: domain.PurposeExit, Side: domain.SideSell, Quantity: d("1"), Price: d("10")})
	require.NoError(t, err)
	assert.Equal(t, "exit", p2.ExitReason)
}

func TestMarkToMarket(t *testing.T) {
	l, s, _ := newLedger(t)
	ctx := context.Background()
	long := open(t, l, s, domain.SideBuy, "10", "100")

	p, err := l.MarkToMarket(ctx, long.ID, d("108"))
	require.NoError(t, err)
	assert.Equal(t, "80", p.UnrealizedPnL.String())
	assert.Equal(t, "108", p.PeakPrice.String())

	p, err = l.MarkToMarket(ctx, long.ID, d("104"))
	require.NoError(t, err)
	assert.Equal(t, "40", p.UnrealizedPnL.String())
	assert.Equal(t, "108", p.PeakPrice.String())
	assert.Equal(t, "10", p.Quantity.String())
	assert.True(t, p.RealizedPnL.IsZero())

	short := open(t, l, s, domain.SideSell, "10", "100")
	p, err = l.MarkToMarket(ctx, short.ID, d("97"))
	require.NoError(t, err)
	assert.Equal(t, "30", p.UnrealizedPnL.String())
	assert.Equal(t, "97", p.PeakPrice.String())

	p, err = l.MarkToMarket(ctx, short.ID, d("99"))
	require.NoError(t, err)
	assert.Equal(t, "97", p.PeakPrice.String())

	_, err = l.MarkToMarket(ctx, short.ID, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCloseByReconciliation(t *testing.T) {
	l, s, clock := newLedger(t)
	ctx := context.Background()
	p := open(t, l, s, domain.SideBuy, "10", "100")
	_, err := l.MarkToMarket(ctx, p.ID, d("98"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	p, err = l.CloseByReconciliation(ctx, p.ID, "broker holds no AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, p.Status)
	assert.Equal(t, domain.ExitReasonReconciliation, p.ExitReason)
	assert.Equal(t, "98", p.ExitPrice.String())
	assert.Equal(t, "-21", p.RealizedPnL.String())
	assert.True(t, p.ExitTime.Equal(epoch.Add(time.Minute)))

	_, err = l.CloseByReconciliation(ctx, p.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExpectedQuantity(t *testing.T) {
	pid := "pos-1"
	p := &domain.Position{ID: pid, Side: domain.PositionLong, EntryOrderID: "e1"}
	orders := []domain.Order{
		{ID: "e1", Side: domain.SideBuy, FilledQuantity: d("10")},
		{ID: "add", PositionID: &pid, Side: domain.SideBuy, FilledQuantity: d("5")},
		{ID: "tp", PositionID: &pid, Side: domain.SideSell, FilledQuantity: d("7")},
		{ID: "other", Side: domain.SideSell, FilledQuantity: d("100")},
	}
	assert.Equal(t, "8", ExpectedQuantity(p, orders).String())
}
