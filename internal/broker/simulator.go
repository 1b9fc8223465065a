package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vesta/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It keeps orders and positions in memory, fills marketable orders
// against prices set with SetPrice, and supports fault injection. Like
// Alpaca, it refuses an order that would close more of a position than
// other working orders leave available.
type SimulatorBroker struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int
	orders    map[string]*simOrder
	byClient  map[string]string
	positions map[string]*Position
	prices    map[string]decimal.Decimal
	cash      decimal.Decimal
	manual    bool
	faults    map[string][]fault
	events    chan OrderUpdate
}

type simOrder struct {
	req    SubmitRequest
	update OrderUpdate
	// sibling is the other order of an OCO pair. The stop-loss leg has
	// leg set; its parent holds the pair's quantity.
	sibling string
	leg     bool
}

type fault struct {
	err    error
	landed bool
}

// SimOption configures a SimulatorBroker.
type SimOption func(*SimulatorBroker)

// WithClock sets the time source stamped on order updates.
func WithClock(now func() time.Time) SimOption {
	return func(b *SimulatorBroker) { b.now = now }
}

// WithManualFills disables automatic fills; orders rest until Fill is
// called.
func WithManualFills() SimOption {
	return func(b *SimulatorBroker) { b.manual = true }
}

// WithCash sets the starting cash balance.
func WithCash(cash decimal.Decimal) SimOption {
	return func(b *SimulatorBroker) { b.cash = cash }
}

// NewSimulatorBroker creates a new SimulatorBroker with empty position and
// order maps.
func NewSimulatorBroker(opts ...SimOption) *SimulatorBroker {
	b := &SimulatorBroker{
		now:       func() time.Time { return time.Now().UTC() },
		orders:    make(map[string]*simOrder),
		byClient:  make(map[string]string),
		positions: make(map[string]*Position),
		prices:    make(map[string]decimal.Decimal),
		cash:      decimal.NewFromInt(100000),
		faults:    make(map[string][]fault),
		events:    make(chan OrderUpdate, 1024),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// SubmitOrder records the order and fills it at once when marketable.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (*OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, faulted := b.takeFault("submit")
	if faulted && !f.landed {
		return nil, f.err
	}
	if err := req.Side.Validate(); err != nil {
		return nil, Permanent("submit", err)
	}
	if !req.Quantity.IsPositive() {
		return nil, Permanent("submit", errors.New("qty must be positive"))
	}
	if id, ok := b.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		// Alpaca rejects a reused client order id.
		return nil, Permanent("submit", fmt.Errorf("client_order_id %s already used by %s", req.ClientOrderID, id))
	}

	if err := b.reserve(req.Symbol, req.Side, req.Quantity); err != nil {
		return nil, err
	}

	o := b.book(req)
	b.emit(o.update)
	b.tryFill(o)

	if faulted {
		// The order landed but the caller never hears about it.
		return nil, f.err
	}
	u := b.view(o)
	return &u, nil
}

// SubmitOCO books a take-profit limit and a stop-loss stop that share one
// reservation of the quantity.
func (b *SimulatorBroker) SubmitOCO(ctx context.Context, req OCORequest) (*OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, faulted := b.takeFault("submit")
	if faulted && !f.landed {
		return nil, f.err
	}
	if err := req.Side.Validate(); err != nil {
		return nil, Permanent("submit oco", err)
	}
	if !req.Quantity.IsPositive() || !req.TakeProfit.IsPositive() || !req.StopLoss.IsPositive() {
		return nil, Permanent("submit oco", errors.New("qty and both prices must be positive"))
	}
	if id, ok := b.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return nil, Permanent("submit oco", fmt.Errorf("client_order_id %s already used by %s", req.ClientOrderID, id))
	}
	if err := b.reserve(req.Symbol, req.Side, req.Quantity); err != nil {
		return nil, err
	}

	tp := b.book(SubmitRequest{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.OrderTypeLimit,
		TimeInForce:   req.TimeInForce,
		Quantity:      req.Quantity,
		LimitPrice:    req.TakeProfit,
	})
	sl := b.book(SubmitRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        domain.OrderTypeStop,
		TimeInForce: req.TimeInForce,
		Quantity:    req.Quantity,
		StopPrice:   req.StopLoss,
	})
	tp.sibling, sl.sibling, sl.leg = sl.update.BrokerOrderID, tp.update.BrokerOrderID, true
	b.emit(tp.update)
	b.emit(sl.update)
	b.tryFill(tp)
	b.tryFill(sl)

	if faulted {
		return nil, f.err
	}
	u := b.view(tp)
	return &u, nil
}

// CancelOrder cancels a working order.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.takeFault("cancel"); ok {
		return f.err
	}
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return NotFound("cancel", fmt.Errorf("order %s", brokerOrderID))
	}
	switch o.update.Status {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected, StatusReplaced:
		return Permanent("cancel", fmt.Errorf("order %s is %s", brokerOrderID, o.update.Status))
	}
	b.cancel(o)
	b.cancelSibling(o)
	return nil
}

// GetOrder returns the simulator's view of an order.
func (b *SimulatorBroker) GetOrder(ctx context.Context, brokerOrderID string) (*OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.takeFault("get"); ok {
		return nil, f.err
	}
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, NotFound("get order", fmt.Errorf("order %s", brokerOrderID))
	}
	u := b.view(o)
	return &u, nil
}

// GetOrderByClientID finds an order by client order id.
func (b *SimulatorBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.byClient[clientOrderID]
	if !ok {
		return nil, NotFound("get order by client id", fmt.Errorf("client order %s", clientOrderID))
	}
	o, ok := b.orders[id]
	if !ok {
		return nil, NotFound("get order by client id", fmt.Errorf("client order %s", clientOrderID))
	}
	u := b.view(o)
	return &u, nil
}

// ListOrders returns simulated orders sorted by broker ID.
func (b *SimulatorBroker) ListOrders(ctx context.Context, openOnly bool) ([]OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]OrderUpdate, 0, len(b.orders))
	for _, o := range b.orders {
		if openOnly && !isOpen(o.update.Status) {
			continue
		}
		out = append(out, o.update)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

// ListPositions returns all simulated positions.
func (b *SimulatorBroker) ListPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.takeFault("positions"); ok {
		return nil, f.err
	}
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Quantity.IsZero() {
			continue
		}
		cp := *p
		if px, ok := b.prices[p.Symbol]; ok {
			cp.CurrentPrice = px
		} else {
			cp.CurrentPrice = p.AvgEntryPrice
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetAccount computes equity from cash and marked positions.
func (b *SimulatorBroker) GetAccount(ctx context.Context) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for _, p := range b.positions {
		px, ok := b.prices[p.Symbol]
		if !ok {
			px = p.AvgEntryPrice
		}
		equity = equity.Add(p.Quantity.Mul(px))
	}
	return &Account{Equity: equity, Cash: b.cash, BuyingPower: b.cash}, nil
}

// Events forwards simulator updates until ctx is cancelled.
func (b *SimulatorBroker) Events(ctx context.Context) <-chan OrderUpdate {
	out := make(chan OrderUpdate)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-b.events:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// LatestPrice returns the price set with SetPrice.
func (b *SimulatorBroker) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	px, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, NotFound("latest price", fmt.Errorf("no price for %s", symbol))
	}
	return px, nil
}

// ---------------------------------------------------------------------------
// Simulation controls
// ---------------------------------------------------------------------------

// SetPrice sets the last trade price for symbol and fills any resting order
// that became marketable.
func (b *SimulatorBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
	ids := make([]string, 0, len(b.orders))
	for id, o := range b.orders {
		if o.req.Symbol == symbol && isOpen(o.update.Status) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		b.tryFill(b.orders[id])
	}
}

// Fill executes qty more of an order at price, as a partial or final fill.
func (b *SimulatorBroker) Fill(brokerOrderID string, qty, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("simulator: unknown order %s", brokerOrderID)
	}
	if !isOpen(o.update.Status) {
		return fmt.Errorf("simulator: order %s is %s", brokerOrderID, o.update.Status)
	}
	if qty.GreaterThan(o.req.Quantity.Sub(o.update.FilledQty)) {
		return fmt.Errorf("simulator: fill of %s exceeds remaining quantity", qty)
	}
	b.execute(o, qty, price)
	return nil
}

// Reject moves a working order to rejected as the broker would after
// acceptance (for example a halted symbol).
func (b *SimulatorBroker) Reject(brokerOrderID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("simulator: unknown order %s", brokerOrderID)
	}
	o.update.Status = StatusRejected
	o.update.Reason = reason
	o.update.At = b.now()
	b.emit(o.update)
	return nil
}

// FailNext queues err for the next call of op ("submit", "cancel", "get",
// "positions").
func (b *SimulatorBroker) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, err := range errs {
		b.faults[op] = append(b.faults[op], fault{err: err})
	}
}

// FailAfterLanding makes the next submission reach the book but return err,
// like a response lost to a timeout.
func (b *SimulatorBroker) FailAfterLanding(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults["submit"] = append(b.faults["submit"], fault{err: err, landed: true})
}

// Forget drops an order from the simulator's books.
func (b *SimulatorBroker) Forget(brokerOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[brokerOrderID]; ok {
		delete(b.byClient, o.req.ClientOrderID)
	}
	delete(b.orders, brokerOrderID)
}

// SetPosition overwrites the broker-side holding for symbol. A zero
// quantity removes it.
func (b *SimulatorBroker) SetPosition(symbol string, qty, avgPrice decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty.IsZero() {
		delete(b.positions, symbol)
		return
	}
	b.positions[symbol] = &Position{Symbol: symbol, Quantity: qty, AvgEntryPrice: avgPrice}
}

// ---------------------------------------------------------------------------
// Internals (callers hold b.mu)
// ---------------------------------------------------------------------------

func (b *SimulatorBroker) book(req SubmitRequest) *simOrder {
	b.seq++
	id := fmt.Sprintf("sim-%d", b.seq)
	o := &simOrder{req: req, update: OrderUpdate{
		BrokerOrderID: id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        StatusAccepted,
		Quantity:      req.Quantity,
		At:            b.now(),
	}}
	b.orders[id] = o
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = id
	}
	return o
}

// view is the update reported for o, with the stop-loss leg attached to an
// OCO parent.
func (b *SimulatorBroker) view(o *simOrder) OrderUpdate {
	u := o.update
	if o.sibling != "" && !o.leg {
		if leg, ok := b.orders[o.sibling]; ok {
			u.Legs = []OrderUpdate{leg.update}
		}
	}
	return u
}

// reserve refuses qty on side when it would close more of the position in
// symbol than the working orders on that side leave available. Orders that
// open or add to a position are not limited.
func (b *SimulatorBroker) reserve(symbol string, side domain.Side, qty decimal.Decimal) error {
	p, ok := b.positions[symbol]
	if !ok {
		return nil
	}
	closing := (p.Quantity.IsPositive() && side == domain.SideSell) || (p.Quantity.IsNegative() && side == domain.SideBuy)
	if !closing {
		return nil
	}
	held := decimal.Zero
	for _, o := range b.orders {
		if o.leg || o.req.Symbol != symbol || o.req.Side != side || !isOpen(o.update.Status) {
			continue
		}
		held = held.Add(o.req.Quantity.Sub(o.update.FilledQty))
	}
	available := p.Quantity.Abs().Sub(held)
	if qty.GreaterThan(available) {
		return Permanent("submit", fmt.Errorf("insufficient qty available for order (requested: %s, available: %s)", qty, available))
	}
	return nil
}

func (b *SimulatorBroker) cancel(o *simOrder) {
	o.update.Status = StatusCanceled
	o.update.At = b.now()
	b.emit(o.update)
}

// cancelSibling cancels the other leg of an OCO pair once o stopped working.
func (b *SimulatorBroker) cancelSibling(o *simOrder) {
	if o.sibling == "" {
		return
	}
	if s, ok := b.orders[o.sibling]; ok && isOpen(s.update.Status) {
		b.cancel(s)
	}
}

func (b *SimulatorBroker) takeFault(op string) (fault, bool) {
	q := b.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	b.faults[op] = q[1:]
	return q[0], true
}

func (b *SimulatorBroker) emit(u OrderUpdate) {
	select {
	case b.events <- u:
	default:
		// Nobody is draining the stream; pollers still see the state.
	}
}

// tryFill fills o completely if it is marketable at the current price.
func (b *SimulatorBroker) tryFill(o *simOrder) {
	if b.manual || !isOpen(o.update.Status) {
		return
	}
	px, havePrice := b.prices[o.req.Symbol]
	buy := o.req.Side == domain.SideBuy

	var fillAt decimal.Decimal
	switch o.req.Type {
	case domain.OrderTypeMarket:
		switch {
		case havePrice:
			fillAt = px
		case o.req.LimitPrice.IsPositive():
			fillAt = o.req.LimitPrice
		default:
			return
		}
	case domain.OrderTypeLimit:
		if !havePrice {
			return
		}
		if (buy && px.LessThanOrEqual(o.req.LimitPrice)) || (!buy && px.GreaterThanOrEqual(o.req.LimitPrice)) {
			fillAt = o.req.LimitPrice
		} else {
			return
		}
	case domain.OrderTypeStop, domain.OrderTypeStopLimit:
		if !havePrice {
			return
		}
		if (buy && px.GreaterThanOrEqual(o.req.StopPrice)) || (!buy && px.LessThanOrEqual(o.req.StopPrice)) {
			fillAt = px
			if o.req.Type == domain.OrderTypeStopLimit {
				fillAt = o.req.LimitPrice
			}
		} else {
			return
		}
	default:
		return
	}

	b.execute(o, o.req.Quantity.Sub(o.update.FilledQty), fillAt)
}

func (b *SimulatorBroker) execute(o *simOrder, qty, price decimal.Decimal) {
	prevQty := o.update.FilledQty
	newQty := prevQty.Add(qty)
	notional := o.update.FilledAvgPrice.Mul(prevQty).Add(price.Mul(qty))
	o.update.FilledQty = newQty
	o.update.FilledAvgPrice = notional.Div(newQty)
	if newQty.Equal(o.req.Quantity) {
		o.update.Status = StatusFilled
	} else {
		o.update.Status = StatusPartiallyFilled
	}
	o.update.At = b.now()

	signed := qty
	if o.req.Side == domain.SideSell {
		signed = qty.Neg()
	}
	b.cash = b.cash.Sub(signed.Mul(price))
	b.applyPosition(o.req.Symbol, signed, price)
	b.emit(o.update)
	if o.update.Status == StatusFilled {
		b.cancelSibling(o)
	}
}

func (b *SimulatorBroker) applyPosition(symbol string, signed, price decimal.Decimal) {
	p, ok := b.positions[symbol]
	if !ok {
		b.positions[symbol] = &Position{Symbol: symbol, Quantity: signed, AvgEntryPrice: price}
		return
	}
	next := p.Quantity.Add(signed)
	switch {
	case next.IsZero():
		delete(b.positions, symbol)
	case p.Quantity.Sign() == signed.Sign():
		p.AvgEntryPrice = p.AvgEntryPrice.Mul(p.Quantity).Add(price.Mul(signed)).Div(next)
		p.Quantity = next
	case next.Sign() != p.Quantity.Sign():
		// Crossed through zero: the remainder is a fresh position.
		p.Quantity = next
		p.AvgEntryPrice = price
	default:
		p.Quantity = next
	}
}

func isOpen(s Status) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}
