// Package domain defines the core types shared across vesta: securities,
// trading cycles, orders, positions and reconciliation flags, together with
// the lifecycle graphs that govern them.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// OrderType is the execution style requested from the broker.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// OrderPurpose records why an order exists relative to its position.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "entry"
	PurposeStopLoss   OrderPurpose = "stop_loss"
	PurposeTakeProfit OrderPurpose = "take_profit"
	PurposeExit       OrderPurpose = "exit"
)

// CycleMode selects paper or live execution.
type CycleMode string

const (
	ModePaper CycleMode = "paper"
	ModeLive  CycleMode = "live"
)

// ExitReasonReconciliation marks a position closed by the reconciliation
// engine rather than by a fill.
const ExitReasonReconciliation = "reconciliation"

// ---------------------------------------------------------------------------
// Security
// ---------------------------------------------------------------------------

var (
	defaultTick  = decimal.RequireFromString("0.01")
	subPennyTick = decimal.RequireFromString("0.0001")
)

// Security is a tradable instrument. Rows are created lazily on first
// reference and are immutable apart from IsActive.
type Security struct {
	ID        string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Symbol    string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_securities_symbol_exchange" json:"symbol"`
	Exchange  string          `gorm:"type:varchar(16);not null;uniqueIndex:idx_securities_symbol_exchange" json:"exchange"`
	Currency  string          `gorm:"type:varchar(8);not null" json:"currency"`
	LotSize   decimal.Decimal `gorm:"type:numeric(24,10);not null" json:"lot_size"`
	TickSize  decimal.Decimal `gorm:"type:numeric(24,10);not null" json:"tick_size"`
	Sector    string          `gorm:"type:varchar(64)" json:"sector"`
	IsActive  bool            `gorm:"not null" json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tick returns the minimum price increment applicable to price. A zero
// TickSize means the US equity default: a penny, or 0.0001 below one dollar.
func (s *Security) Tick(price decimal.Decimal) decimal.Decimal {
	if s != nil && s.TickSize.IsPositive() {
		return s.TickSize
	}
	if price.LessThan(decimal.NewFromInt(1)) {
		return subPennyTick
	}
	return defaultTick
}

// RoundPrice rounds price to the nearest tick.
func (s *Security) RoundPrice(price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return price
	}
	tick := s.Tick(price)
	return price.Div(tick).Round(0).Mul(tick)
}

// RoundQuantity rounds qty down to a whole number of lots.
func (s *Security) RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	lot := decimal.NewFromInt(1)
	if s != nil && s.LotSize.IsPositive() {
		lot = s.LotSize
	}
	return qty.Div(lot).Floor().Mul(lot)
}

// ---------------------------------------------------------------------------
// Trading cycle
// ---------------------------------------------------------------------------

// TradingCycle is one scan-evaluate-trade-monitor session.
type TradingCycle struct {
	ID             string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	IdempotencyKey string            `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key"`
	Mode           CycleMode         `gorm:"type:varchar(8);not null" json:"mode"`
	Status         CycleStatus       `gorm:"type:varchar(16);not null;index" json:"status"`
	MaxDailyLoss   decimal.Decimal   `gorm:"type:numeric(24,10)" json:"max_daily_loss"`
	MaxPositions   int               `json:"max_positions"`
	CapitalBudget  decimal.Decimal   `gorm:"type:numeric(24,10)" json:"capital_budget"`
	Config         datatypes.JSONMap `json:"config,omitempty"`
	StopReason     string            `gorm:"type:text" json:"stop_reason,omitempty"`
	HaltedAt       *time.Time        `json:"halted_at,omitempty"`
	HaltReason     string            `gorm:"type:text" json:"halt_reason,omitempty"`
	HaltClearedAt  *time.Time        `json:"halt_cleared_at,omitempty"`
	HaltClearedBy  string            `gorm:"type:varchar(64)" json:"halt_cleared_by,omitempty"`
	Summary        datatypes.JSON    `json:"summary,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ClosedAt       *time.Time        `json:"closed_at,omitempty"`
	Version        int64             `gorm:"not null;default:0" json:"version"`
}

// Halted reports whether the cycle carries an uncleared halt latch.
func (c *TradingCycle) Halted() bool {
	return c.HaltedAt != nil && c.HaltClearedAt == nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Order is a single instruction sent, or about to be sent, to the broker.
// ClientOrderID is the idempotency key and doubles as the broker-side client
// order id so that a submission that timed out can still be found.
type Order struct {
	ID                string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CycleID           string          `gorm:"type:varchar(36);not null;index" json:"cycle_id"`
	SecurityID        string          `gorm:"type:varchar(36);not null" json:"security_id"`
	Symbol            string          `gorm:"type:varchar(32);not null;index" json:"symbol"`
	PositionID        *string         `gorm:"type:varchar(36);index" json:"position_id,omitempty"`
	ParentOrderID     *string         `gorm:"type:varchar(36);index" json:"parent_order_id,omitempty"`
	Side              Side            `gorm:"type:varchar(8);not null" json:"side"`
	Type              OrderType       `gorm:"type:varchar(16);not null" json:"type"`
	Purpose           OrderPurpose    `gorm:"type:varchar(16);not null" json:"purpose"`
	Quantity          decimal.Decimal `gorm:"type:numeric(24,10);not null" json:"quantity"`
	LimitPrice        decimal.Decimal `gorm:"type:numeric(24,10)" json:"limit_price"`
	StopPrice         decimal.Decimal `gorm:"type:numeric(24,10)" json:"stop_price"`
	TrailPercent      decimal.Decimal `gorm:"type:numeric(24,10)" json:"trail_percent"`
	StopLoss          decimal.Decimal `gorm:"type:numeric(24,10)" json:"stop_loss"`
	TakeProfit        decimal.Decimal `gorm:"type:numeric(24,10)" json:"take_profit"`
	BrokerOrderID     *string         `gorm:"type:varchar(64);uniqueIndex" json:"broker_order_id,omitempty"`
	ClientOrderID     string          `gorm:"type:varchar(128);not null;uniqueIndex" json:"client_order_id"`
	Status            OrderStatus     `gorm:"type:varchar(16);not null;index:idx_orders_status_updated,priority:1" json:"status"`
	FilledQuantity    decimal.Decimal `gorm:"type:numeric(24,10);not null" json:"filled_quantity"`
	FilledAvgPrice    decimal.Decimal `gorm:"type:numeric(24,10)" json:"filled_avg_price"`
	Fees              decimal.Decimal `gorm:"type:numeric(24,10)" json:"fees"`
	Reason            string          `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `gorm:"index:idx_orders_status_updated,priority:2" json:"updated_at"`
	SubmittedAt       *time.Time      `json:"submitted_at,omitempty"`
	AcceptedAt        *time.Time      `json:"accepted_at,omitempty"`
	FilledAt          *time.Time      `json:"filled_at,omitempty"`
	CancelRequestedAt *time.Time      `json:"cancel_requested_at,omitempty"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	Version           int64           `gorm:"not null;default:0" json:"version"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsProtective reports whether the order is a stop-loss or take-profit leg.
func (o *Order) IsProtective() bool {
	return o.Purpose == PurposeStopLoss || o.Purpose == PurposeTakeProfit
}

// OrderTransition is one row of an order's status history.
type OrderTransition struct {
	ID      uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID string      `gorm:"type:varchar(36);not null;index" json:"order_id"`
	From    OrderStatus `gorm:"column:from_status;type:varchar(16)" json:"from"`
	To      OrderStatus `gorm:"column:to_status;type:varchar(16);not null" json:"to"`
	Reason  string      `gorm:"type:text" json:"reason,omitempty"`
	At      time.Time   `gorm:"not null" json:"at"`
}

// OrderIntent is the typed command that creates an order. IdempotencyKey
// identifies the intent: creating twice with the same key yields one order.
type OrderIntent struct {
	IdempotencyKey string
	CycleID        string
	Symbol         string
	Exchange       string
	Sector         string
	PositionID     *string
	ParentOrderID  *string
	Side           Side
	Type           OrderType
	Purpose        OrderPurpose
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	TrailPercent   decimal.Decimal
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal

	// ReferencePrice is the expected fill price used by pre-trade checks
	// when the order carries no limit price. It is never sent to the broker.
	ReferencePrice decimal.Decimal
	Reason         string
}

// Validate checks the intent is internally consistent. All failures wrap
// ErrValidation.
func (i OrderIntent) Validate() error {
	if i.IdempotencyKey == "" {
		return Invalid("idempotency key is required")
	}
	if i.CycleID == "" {
		return Invalid("cycle id is required")
	}
	if i.Symbol == "" {
		return Invalid("symbol is required")
	}
	if err := i.Side.Validate(); err != nil {
		return Invalid("%v", err)
	}
	if !i.Quantity.IsPositive() {
		return Invalid("quantity must be positive, got %s", i.Quantity)
	}

	switch i.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !i.LimitPrice.IsPositive() {
			return Invalid("limit order needs a positive limit price")
		}
	case OrderTypeStop:
		if !i.StopPrice.IsPositive() {
			return Invalid("stop order needs a positive stop price")
		}
	case OrderTypeStopLimit:
		if !i.StopPrice.IsPositive() || !i.LimitPrice.IsPositive() {
			return Invalid("stop-limit order needs positive stop and limit prices")
		}
	case OrderTypeTrailingStop:
		if !i.TrailPercent.IsPositive() {
			return Invalid("trailing stop needs a positive trail percent")
		}
	default:
		return Invalid("unknown order type %q", i.Type)
	}

	switch i.Purpose {
	case PurposeEntry:
		if i.PositionID != nil {
			return Invalid("entry orders must not reference a position")
		}
	case PurposeStopLoss, PurposeTakeProfit, PurposeExit:
		if i.PositionID == nil || *i.PositionID == "" {
			return Invalid("%s orders must reference a position", i.Purpose)
		}
	default:
		return Invalid("unknown order purpose %q", i.Purpose)
	}

	if i.StopLoss.IsNegative() || i.TakeProfit.IsNegative() {
		return Invalid("protective levels must not be negative")
	}
	return nil
}

// PricingReference is the price used to value the intent before it fills.
func (i OrderIntent) PricingReference() decimal.Decimal {
	if i.LimitPrice.IsPositive() {
		return i.LimitPrice
	}
	if i.ReferencePrice.IsPositive() {
		return i.ReferencePrice
	}
	return i.StopPrice
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// Position is exposure in one instrument derived from filled orders.
type Position struct {
	ID             string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CycleID        string          `gorm:"type:varchar(36);not null;index:idx_positions_cycle_status,priority:1" json:"cycle_id"`
	SecurityID     string          `gorm:"type:varchar(36);not null" json:"security_id"`
	Symbol         string          `gorm:"type:varchar(32);not null;index" json:"symbol"`
	Sector         string          `gorm:"type:varchar(64)" json:"sector,omitempty"`
	Side           PositionSide    `gorm:"type:varchar(8);not null" json:"side"`
	Status         PositionStatus  `gorm:"type:varchar(16);not null;index:idx_positions_cycle_status,priority:2" json:"status"`
	Quantity       decimal.Decimal `gorm:"type:numeric(24,10);not null" json:"quantity"`
	EntryPrice     decimal.Decimal `gorm:"type:numeric(24,10);not null" json:"entry_price"`
	EntryTime      time.Time       `json:"entry_time"`
	EntryOrderID   string          `gorm:"type:varchar(36)" json:"entry_order_id"`
	StopLoss       decimal.Decimal `gorm:"type:numeric(24,10)" json:"stop_loss"`
	TakeProfit     decimal.Decimal `gorm:"type:numeric(24,10)" json:"take_profit"`
	LastPrice      decimal.Decimal `gorm:"type:numeric(24,10)" json:"last_price"`
	// PeakPrice is the most favourable price seen since entry: the high for
	// a long and the low for a short.
	PeakPrice      decimal.Decimal `gorm:"type:numeric(24,10)" json:"peak_price"`
	UnrealizedPnL  decimal.Decimal `gorm:"type:numeric(24,10)" json:"unrealized_pnl"`
	ClosedQuantity decimal.Decimal `gorm:"type:numeric(24,10)" json:"closed_quantity"`
	ExitValue      decimal.Decimal `gorm:"type:numeric(24,10)" json:"exit_value"`
	ExitPrice      decimal.Decimal `gorm:"type:numeric(24,10)" json:"exit_price"`
	ExitTime       *time.Time      `gorm:"index" json:"exit_time,omitempty"`
	ExitReason     string          `gorm:"type:text" json:"exit_reason,omitempty"`
	RealizedPnL    decimal.Decimal `gorm:"type:numeric(24,10)" json:"realized_pnl"`
	Fees           decimal.Decimal `gorm:"type:numeric(24,10)" json:"fees"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int64           `gorm:"not null;default:0" json:"version"`
}

// SignedQuantity is positive for longs and negative for shorts.
func (p *Position) SignedQuantity() decimal.Decimal {
	return p.Quantity.Mul(p.Side.Sign())
}

// MarketValue is quantity times the best known price.
func (p *Position) MarketValue() decimal.Decimal {
	price := p.LastPrice
	if price.IsZero() {
		price = p.EntryPrice
	}
	return p.Quantity.Mul(price)
}

// ---------------------------------------------------------------------------
// Reconciliation flags
// ---------------------------------------------------------------------------

// FlagKind names a class of local/broker inconsistency.
type FlagKind string

const (
	FlagOrderNotInBroker    FlagKind = "ORDER_NOT_IN_BROKER"
	FlagOrphanPosition      FlagKind = "ORPHAN_POSITION"
	FlagPhantomPosition     FlagKind = "PHANTOM_POSITION"
	FlagQuantityMismatch    FlagKind = "QUANTITY_MISMATCH"
	FlagOrderNeverSubmitted FlagKind = "ORDER_NEVER_SUBMITTED"
	FlagSubmitExhausted     FlagKind = "SUBMIT_EXHAUSTED"
	FlagLedgerDrift         FlagKind = "LEDGER_DRIFT"
	FlagOverClose           FlagKind = "OVER_CLOSE"
)

// Severity grades flags and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// FlagStatus is open until resolved by an operator or by the condition
// clearing.
type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

// ReconciliationFlag records one detected inconsistency. At most one open
// flag exists per Kind and Subject; repeat observations bump Observations.
type ReconciliationFlag struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Kind         FlagKind   `gorm:"type:varchar(32);not null;index:idx_flags_kind_subject,priority:1" json:"kind"`
	Subject      string     `gorm:"type:varchar(64);not null;index:idx_flags_kind_subject,priority:2" json:"subject"`
	Severity     Severity   `gorm:"type:varchar(16);not null" json:"severity"`
	Status       FlagStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Detail       string     `gorm:"type:text" json:"detail"`
	Observations int        `gorm:"not null" json:"observations"`
	Resolution   string     `gorm:"type:text" json:"resolution,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// ---------------------------------------------------------------------------
// Risk rejections
// ---------------------------------------------------------------------------

// RiskRejection persists the reason a candidate never became an order.
type RiskRejection struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CycleID   string    `gorm:"type:varchar(36);not null;index" json:"cycle_id"`
	Symbol    string    `gorm:"type:varchar(32);not null" json:"symbol"`
	Reason    string    `gorm:"type:varchar(32);not null" json:"reason"`
	Detail    string    `gorm:"type:text" json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
