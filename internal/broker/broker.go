// Package broker defines the Broker interface and provides implementations
// for executing orders and managing accounts across different brokerages,
// plus the Gateway that every caller goes through.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"vesta/internal/domain"
)

// Broker abstracts brokerage operations for order execution and account
// management. Implementations return *Error values so the Gateway can tell
// permanent, transient and not-found failures apart.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage for execution.
	SubmitOrder(ctx context.Context, req SubmitRequest) (*OrderUpdate, error)

	// SubmitOCO sends a one-cancels-other exit pair. The returned update is
	// the take-profit leg; the stop-loss leg is its only entry in Legs.
	SubmitOCO(ctx context.Context, req OCORequest) (*OrderUpdate, error)

	// CancelOrder requests cancellation of an open order by its broker ID.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrder returns the broker's current view of an order.
	GetOrder(ctx context.Context, brokerOrderID string) (*OrderUpdate, error)

	// GetOrderByClientID finds an order by the client order id sent with it.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*OrderUpdate, error)

	// ListOrders returns orders known to the broker; openOnly limits the
	// result to working orders.
	ListOrders(ctx context.Context, openOnly bool) ([]OrderUpdate, error)

	// ListPositions returns all current positions held at the brokerage.
	ListPositions(ctx context.Context) ([]Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*Account, error)

	// Events streams order updates until ctx is cancelled. The channel is
	// closed when the stream ends.
	Events(ctx context.Context) <-chan OrderUpdate
}

// TimeInForce is the order duration sent to the broker.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// SubmitRequest is an order as the broker sees it. Prices are already
// rounded to the instrument's tick.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	Type          domain.OrderType
	TimeInForce   TimeInForce
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TrailPercent  decimal.Decimal
}

// OCORequest is a take-profit limit and a stop-loss stop for the same
// quantity. The broker holds the quantity once for the pair, and a fill
// or cancel of either leg cancels the other.
type OCORequest struct {
	// ClientOrderID identifies the take-profit leg, which carries the pair.
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	TimeInForce   TimeInForce
	Quantity      decimal.Decimal
	TakeProfit    decimal.Decimal
	StopLoss      decimal.Decimal
}

// Status is a broker order status normalised across adapters.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAccepted        Status = "accepted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCanceled        Status = "canceled"
	StatusExpired         Status = "expired"
	StatusRejected        Status = "rejected"
	StatusReplaced        Status = "replaced"
)

// OrderUpdate is the broker's view of one order at a point in time.
// FilledQty is cumulative, so replaying an update is harmless.
type OrderUpdate struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Status         Status
	Quantity       decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	Fee            decimal.Decimal
	Reason         string
	At             time.Time
	// Legs are the other orders of a multi-leg order, when the broker
	// reports them with it.
	Legs []OrderUpdate
}

// Position is a holding reported by the broker. Quantity is signed:
// negative for shorts.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
}

// Account is a snapshot of account balances.
type Account struct {
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
}
