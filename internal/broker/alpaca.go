package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vesta/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// alpacaAPI is the subset of *alpaca.Client the adapter uses.
type alpacaAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	GetPositions() ([]alpaca.Position, error)
	GetAccount() (*alpaca.Account, error)
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
	StreamTradeUpdatesInBackground(ctx context.Context, handler func(alpaca.TradeUpdate))
}

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
type AlpacaBroker struct {
	client alpacaAPI
	log    zerolog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, log zerolog.Logger) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaBroker(client, log)
}

func newAlpacaBroker(client alpacaAPI, log zerolog.Logger) *AlpacaBroker {
	return &AlpacaBroker{client: client, log: log}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder sends an order to the Alpaca API for execution.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (*OrderUpdate, error) {
	side, err := toAlpacaSide(req.Side)
	if err != nil {
		return nil, Permanent("submit", err)
	}
	typ, err := toAlpacaType(req.Type)
	if err != nil {
		return nil, Permanent("submit", err)
	}

	qty := req.Quantity
	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          typ,
		TimeInForce:   toAlpacaTIF(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice.IsPositive() {
		p := req.LimitPrice
		place.LimitPrice = &p
	}
	if req.StopPrice.IsPositive() {
		p := req.StopPrice
		place.StopPrice = &p
	}
	if req.TrailPercent.IsPositive() {
		p := req.TrailPercent
		place.TrailPercent = &p
	}

	order, err := call(ctx, func() (*alpaca.Order, error) { return b.client.PlaceOrder(place) })
	if err != nil {
		return nil, classify("submit", err)
	}
	u := fromAlpacaOrder(order)
	return &u, nil
}

// SubmitOCO places an order_class=oco pair. Alpaca returns the take-profit
// limit as the parent with the stop-loss leg nested under it.
func (b *AlpacaBroker) SubmitOCO(ctx context.Context, req OCORequest) (*OrderUpdate, error) {
	side, err := toAlpacaSide(req.Side)
	if err != nil {
		return nil, Permanent("submit oco", err)
	}
	qty, tp, sl := req.Quantity, req.TakeProfit, req.StopLoss
	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Limit,
		TimeInForce:   toAlpacaTIF(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
		OrderClass:    alpaca.OCO,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &tp},
		StopLoss:      &alpaca.StopLoss{StopPrice: &sl},
	}

	order, err := call(ctx, func() (*alpaca.Order, error) { return b.client.PlaceOrder(place) })
	if err != nil {
		return nil, classify("submit oco", err)
	}
	u := fromAlpacaOrder(order)
	return &u, nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := call(ctx, func() (struct{}, error) { return struct{}{}, b.client.CancelOrder(brokerOrderID) })
	if err != nil {
		return classify("cancel", err)
	}
	return nil
}

// GetOrder returns the current state of an order by broker ID.
func (b *AlpacaBroker) GetOrder(ctx context.Context, brokerOrderID string) (*OrderUpdate, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) { return b.client.GetOrder(brokerOrderID) })
	if err != nil {
		return nil, classify("get order", err)
	}
	u := fromAlpacaOrder(order)
	return &u, nil
}

// GetOrderByClientID returns the order submitted with clientOrderID.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*OrderUpdate, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) { return b.client.GetOrderByClientOrderID(clientOrderID) })
	if err != nil {
		return nil, classify("get order by client id", err)
	}
	u := fromAlpacaOrder(order)
	return &u, nil
}

// ListOrders returns open orders, or the most recent orders of any status.
func (b *AlpacaBroker) ListOrders(ctx context.Context, openOnly bool) ([]OrderUpdate, error) {
	status := "all"
	if openOnly {
		status = "open"
	}
	orders, err := call(ctx, func() ([]alpaca.Order, error) {
		return b.client.GetOrders(alpaca.GetOrdersRequest{Status: status, Limit: 500})
	})
	if err != nil {
		return nil, classify("list orders", err)
	}
	out := make([]OrderUpdate, 0, len(orders))
	for i := range orders {
		out = append(out, fromAlpacaOrder(&orders[i]))
	}
	return out, nil
}

// ListPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) ListPositions(ctx context.Context) ([]Position, error) {
	positions, err := call(ctx, b.client.GetPositions)
	if err != nil {
		return nil, classify("list positions", err)
	}
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty.Abs()
		if p.Side == "short" {
			qty = qty.Neg()
		}
		pos := Position{Symbol: p.Symbol, Quantity: qty, AvgEntryPrice: p.AvgEntryPrice}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = *p.CurrentPrice
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*Account, error) {
	acct, err := call(ctx, b.client.GetAccount)
	if err != nil {
		return nil, classify("account", err)
	}
	return &Account{Equity: acct.Equity, Cash: acct.Cash, BuyingPower: acct.BuyingPower}, nil
}

// Events subscribes to the trade-update stream. The SDK reconnects on its
// own; the channel closes when ctx is done.
func (b *AlpacaBroker) Events(ctx context.Context) <-chan OrderUpdate {
	b.log.Info().Msg("subscribing to trade updates")
	out := make(chan OrderUpdate, 256)
	var (
		mu     sync.Mutex
		closed bool
	)
	b.client.StreamTradeUpdatesInBackground(ctx, func(tu alpaca.TradeUpdate) {
		u := fromAlpacaOrder(&tu.Order)
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- u:
		case <-ctx.Done():
		}
	})
	go func() {
		<-ctx.Done()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out
}

// Holidays lists weekdays in [from, to] on which Alpaca's calendar has no
// session, formatted YYYY-MM-DD for util.NewTradingCalendar.
func (b *AlpacaBroker) Holidays(ctx context.Context, from, to time.Time) ([]string, error) {
	days, err := call(ctx, func() ([]alpaca.CalendarDay, error) {
		return b.client.GetCalendar(alpaca.GetCalendarRequest{Start: from, End: to})
	})
	if err != nil {
		return nil, classify("calendar", err)
	}
	open := make(map[string]bool, len(days))
	for _, d := range days {
		open[d.Date] = true
	}
	var holidays []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if date := d.Format("2006-01-02"); !open[date] {
			holidays = append(holidays, date)
		}
	}
	return holidays, nil
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// AlpacaQuotes reads latest trade prices from the Alpaca market-data API.
type AlpacaQuotes struct {
	client *marketdata.Client
}

// NewAlpacaQuotes creates a price source; dataURL may be empty.
func NewAlpacaQuotes(apiKey, apiSecret, dataURL string) *AlpacaQuotes {
	opts := marketdata.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaQuotes{client: marketdata.NewClient(opts)}
}

// LatestPrice returns the last trade price for symbol.
func (q *AlpacaQuotes) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	trade, err := call(ctx, func() (*marketdata.Trade, error) {
		return q.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return decimal.Zero, classify("latest trade", err)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

// toAlpacaSide is total over domain.Side: every valid side maps, everything
// else fails before an HTTP request is built.
func toAlpacaSide(s domain.Side) (alpaca.Side, error) {
	switch s {
	case domain.SideBuy:
		return alpaca.Buy, nil
	case domain.SideSell:
		return alpaca.Sell, nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownSide, string(s))
	}
}

func toAlpacaType(t domain.OrderType) (alpaca.OrderType, error) {
	switch t {
	case domain.OrderTypeMarket:
		return alpaca.Market, nil
	case domain.OrderTypeLimit:
		return alpaca.Limit, nil
	case domain.OrderTypeStop:
		return alpaca.Stop, nil
	case domain.OrderTypeStopLimit:
		return alpaca.StopLimit, nil
	case domain.OrderTypeTrailingStop:
		return alpaca.TrailingStop, nil
	default:
		return "", fmt.Errorf("unsupported order type %q", string(t))
	}
}

func toAlpacaTIF(t TimeInForce) alpaca.TimeInForce {
	if t == TimeInForceGTC {
		return alpaca.GTC
	}
	return alpaca.Day
}

func fromAlpacaStatus(s string) Status {
	switch s {
	case "new", "accepted", "done_for_day", "stopped", "suspended", "calculated":
		return StatusAccepted
	case "partially_filled":
		return StatusPartiallyFilled
	case "filled":
		return StatusFilled
	case "canceled":
		return StatusCanceled
	case "expired":
		return StatusExpired
	case "rejected":
		return StatusRejected
	case "replaced":
		return StatusReplaced
	default:
		// pending_new, pending_cancel, pending_replace, accepted_for_bidding
		return StatusPending
	}
}

func fromAlpacaOrder(o *alpaca.Order) OrderUpdate {
	u := OrderUpdate{
		BrokerOrderID: o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        fromAlpacaStatus(o.Status),
		FilledQty:     o.FilledQty,
		At:            o.UpdatedAt.UTC(),
	}
	if o.Qty != nil {
		u.Quantity = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		u.FilledAvgPrice = *o.FilledAvgPrice
	}
	for i := range o.Legs {
		u.Legs = append(u.Legs, fromAlpacaOrder(&o.Legs[i]))
	}
	return u
}

// ---------------------------------------------------------------------------
// Transport helpers
// ---------------------------------------------------------------------------

// call runs a blocking SDK call so that ctx bounds how long the caller
// waits. The SDK's own HTTP timeout eventually reaps the goroutine.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// classify maps SDK errors onto the broker error kinds.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return NotFound(op, err)
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return Transient(op, err)
		default:
			return Permanent(op, err)
		}
	}
	// Network-level failure: the request may or may not have landed.
	return Transient(op, err)
}
