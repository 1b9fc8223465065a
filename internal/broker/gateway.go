package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"vesta/internal/domain"
	"vesta/internal/util"
)

// GatewayConfig bounds broker calls.
type GatewayConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	RatePerSec  float64
	Burst       int
}

func (c *GatewayConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
}

// Gateway wraps a Broker with rounding, timeout, retry and a client-side
// rate limit. Everything outside this package talks to the broker through
// a Gateway.
type Gateway struct {
	b       Broker
	limiter *rate.Limiter
	cfg     GatewayConfig
	log     zerolog.Logger
}

// NewGateway wraps b.
func NewGateway(b Broker, cfg GatewayConfig, log zerolog.Logger) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		b:       b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:     cfg,
		log:     log,
	}
}

// WithoutRetry returns a gateway sharing the limiter that makes a single
// attempt per call. Liquidation uses it and drives its own retry loop.
func (g *Gateway) WithoutRetry() *Gateway {
	cp := *g
	cp.cfg.MaxAttempts = 1
	return &cp
}

// Broker returns the wrapped adapter.
func (g *Gateway) Broker() Broker { return g.b }

// Events passes the adapter's update stream through.
func (g *Gateway) Events(ctx context.Context) <-chan OrderUpdate {
	return g.b.Events(ctx)
}

// BuildSubmitRequest turns a persisted order into a broker request. Prices
// are rounded to the security's tick here, whatever the caller computed.
func BuildSubmitRequest(sec *domain.Security, o *domain.Order) (SubmitRequest, error) {
	if err := o.Side.Validate(); err != nil {
		return SubmitRequest{}, err
	}
	tif := TimeInForceDay
	if o.Purpose != domain.PurposeEntry {
		// Protective legs outlive the session they were placed in.
		tif = TimeInForceGTC
	}
	if o.Purpose == domain.PurposeExit && o.Type == domain.OrderTypeMarket {
		tif = TimeInForceDay
	}
	return SubmitRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		TimeInForce:   tif,
		Quantity:      sec.RoundQuantity(o.Quantity),
		LimitPrice:    sec.RoundPrice(o.LimitPrice),
		StopPrice:     sec.RoundPrice(o.StopPrice),
		TrailPercent:  o.TrailPercent,
	}, nil
}

// BuildOCORequest pairs the stop-loss and take-profit legs of a position
// into one broker request.
func BuildOCORequest(sec *domain.Security, sl, tp *domain.Order) (OCORequest, error) {
	if err := tp.Side.Validate(); err != nil {
		return OCORequest{}, err
	}
	if sl.Side != tp.Side || !sl.Quantity.Equal(tp.Quantity) {
		return OCORequest{}, fmt.Errorf("oco legs differ: %s %s and %s %s", sl.Side, sl.Quantity, tp.Side, tp.Quantity)
	}
	return OCORequest{
		ClientOrderID: tp.ClientOrderID,
		Symbol:        tp.Symbol,
		Side:          tp.Side,
		TimeInForce:   TimeInForceGTC,
		Quantity:      sec.RoundQuantity(tp.Quantity),
		TakeProfit:    sec.RoundPrice(tp.LimitPrice),
		StopLoss:      sec.RoundPrice(sl.StopPrice),
	}, nil
}

// Submit sends req with retry on transient failures. When a transient
// failure was seen the order may still have landed, so it is looked up by
// client order id before giving up.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*OrderUpdate, error) {
	if err := req.Side.Validate(); err != nil {
		return nil, Permanent("submit", err)
	}
	if !req.Quantity.IsPositive() {
		return nil, Permanent("submit", fmt.Errorf("quantity %s rounds to zero", req.Quantity))
	}
	return g.submit(ctx, req.ClientOrderID, func(ctx context.Context) (*OrderUpdate, error) {
		return g.b.SubmitOrder(ctx, req)
	})
}

// SubmitOCO sends an exit pair like Submit sends a single order.
func (g *Gateway) SubmitOCO(ctx context.Context, req OCORequest) (*OrderUpdate, error) {
	if err := req.Side.Validate(); err != nil {
		return nil, Permanent("submit oco", err)
	}
	if !req.Quantity.IsPositive() {
		return nil, Permanent("submit oco", fmt.Errorf("quantity %s rounds to zero", req.Quantity))
	}
	if !req.TakeProfit.IsPositive() || !req.StopLoss.IsPositive() {
		return nil, Permanent("submit oco", fmt.Errorf("oco needs both prices, got take profit %s and stop loss %s", req.TakeProfit, req.StopLoss))
	}
	return g.submit(ctx, req.ClientOrderID, func(ctx context.Context) (*OrderUpdate, error) {
		return g.b.SubmitOCO(ctx, req)
	})
}

func (g *Gateway) submit(ctx context.Context, clientOrderID string, send func(context.Context) (*OrderUpdate, error)) (*OrderUpdate, error) {
	var (
		update       *OrderUpdate
		sawTransient bool
	)
	err := g.retry(ctx, func(ctx context.Context) error {
		u, err := send(ctx)
		if err != nil {
			if IsTransient(err) {
				sawTransient = true
			}
			return err
		}
		update = u
		return nil
	})
	if err == nil {
		return update, nil
	}
	if !sawTransient || ctx.Err() != nil {
		return nil, err
	}

	// An earlier attempt may have landed; a later duplicate-id rejection
	// does not prove otherwise.
	g.log.Warn().Err(err).Str("client_order_id", clientOrderID).
		Msg("submit failed after transient error, looking order up")
	found, lookupErr := g.GetOrderByClientID(ctx, clientOrderID)
	if lookupErr == nil {
		g.log.Info().Str("client_order_id", clientOrderID).
			Str("broker_order_id", found.BrokerOrderID).Msg("submission had landed")
		return found, nil
	}
	if IsPermanent(err) {
		return nil, err
	}
	if IsNotFound(lookupErr) {
		return nil, Transient("submit", fmt.Errorf("retries exhausted and order absent at broker: %w", err))
	}
	return nil, Transient("submit", fmt.Errorf("retries exhausted, lookup failed (%v): %w", lookupErr, err))
}

// Cancel requests cancellation of a working order.
func (g *Gateway) Cancel(ctx context.Context, brokerOrderID string) error {
	return g.retry(ctx, func(ctx context.Context) error {
		return g.b.CancelOrder(ctx, brokerOrderID)
	})
}

// GetOrder fetches the broker's view of an order.
func (g *Gateway) GetOrder(ctx context.Context, brokerOrderID string) (*OrderUpdate, error) {
	var out *OrderUpdate
	err := g.retry(ctx, func(ctx context.Context) (err error) {
		out, err = g.b.GetOrder(ctx, brokerOrderID)
		return err
	})
	return out, err
}

// GetOrderByClientID fetches an order by its client order id.
func (g *Gateway) GetOrderByClientID(ctx context.Context, clientOrderID string) (*OrderUpdate, error) {
	var out *OrderUpdate
	err := g.retry(ctx, func(ctx context.Context) (err error) {
		out, err = g.b.GetOrderByClientID(ctx, clientOrderID)
		return err
	})
	return out, err
}

// ListOrders lists broker orders.
func (g *Gateway) ListOrders(ctx context.Context, openOnly bool) ([]OrderUpdate, error) {
	var out []OrderUpdate
	err := g.retry(ctx, func(ctx context.Context) (err error) {
		out, err = g.b.ListOrders(ctx, openOnly)
		return err
	})
	return out, err
}

// ListPositions lists broker positions.
func (g *Gateway) ListPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := g.retry(ctx, func(ctx context.Context) (err error) {
		out, err = g.b.ListPositions(ctx)
		return err
	})
	return out, err
}

// Account returns account balances.
func (g *Gateway) Account(ctx context.Context) (*Account, error) {
	var out *Account
	err := g.retry(ctx, func(ctx context.Context) (err error) {
		out, err = g.b.GetAccount(ctx)
		return err
	})
	return out, err
}

// retry runs fn under the rate limit with a per-attempt timeout, retrying
// transient failures with exponential backoff.
func (g *Gateway) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return util.RetryIf(ctx, g.cfg.MaxAttempts, g.cfg.BaseDelay, IsTransient, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			err = Transient("call", err)
		}
		return err
	})
}
