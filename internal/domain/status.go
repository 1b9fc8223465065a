package domain

// ---------------------------------------------------------------------------
// Order lifecycle
// ---------------------------------------------------------------------------

// OrderStatus is a node in the order state machine.
type OrderStatus string

const (
	OrderCreated     OrderStatus = "created"
	OrderSubmitted   OrderStatus = "submitted"
	OrderAccepted    OrderStatus = "accepted"
	OrderPartialFill OrderStatus = "partial_fill"
	OrderFilled      OrderStatus = "filled"
	OrderCancelled   OrderStatus = "cancelled"
	OrderRejected    OrderStatus = "rejected"
	OrderExpired     OrderStatus = "expired"
	OrderReplaced    OrderStatus = "replaced"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:     {OrderSubmitted, OrderRejected, OrderCancelled},
	OrderSubmitted:   {OrderAccepted, OrderRejected, OrderCancelled},
	OrderAccepted:    {OrderPartialFill, OrderFilled, OrderCancelled, OrderExpired, OrderReplaced, OrderRejected},
	OrderPartialFill: {OrderPartialFill, OrderFilled, OrderCancelled, OrderExpired, OrderReplaced},
}

// CanTransition reports whether from -> to is an edge of the order graph.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderReplaced:
		return true
	default:
		return false
	}
}

// NonTerminalOrderStatuses lists the statuses of a working order.
func NonTerminalOrderStatuses() []OrderStatus {
	return []OrderStatus{OrderCreated, OrderSubmitted, OrderAccepted, OrderPartialFill}
}

// ---------------------------------------------------------------------------
// Position lifecycle
// ---------------------------------------------------------------------------

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionPending   PositionStatus = "pending"
	PositionOpen      PositionStatus = "open"
	PositionClosed    PositionStatus = "closed"
	PositionCancelled PositionStatus = "cancelled"
	PositionFailed    PositionStatus = "failed"
)

var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionPending: {PositionOpen, PositionCancelled, PositionFailed},
	PositionOpen:    {PositionClosed},
}

// CanTransition reports whether from -> to is a valid position move.
func (s PositionStatus) CanTransition(to PositionStatus) bool {
	for _, next := range positionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Cycle lifecycle
// ---------------------------------------------------------------------------

// CycleStatus is the phase of a trading cycle.
type CycleStatus string

const (
	CycleScanning   CycleStatus = "scanning"
	CycleEvaluating CycleStatus = "evaluating"
	CycleTrading    CycleStatus = "trading"
	CycleMonitoring CycleStatus = "monitoring"
	CycleClosed     CycleStatus = "closed"
	CycleStopped    CycleStatus = "stopped"
)

var cycleTransitions = map[CycleStatus][]CycleStatus{
	CycleScanning:   {CycleEvaluating, CycleClosed, CycleStopped},
	CycleEvaluating: {CycleTrading, CycleMonitoring, CycleClosed, CycleStopped},
	CycleTrading:    {CycleMonitoring, CycleClosed, CycleStopped},
	CycleMonitoring: {CycleClosed, CycleStopped},
}

// CanTransition reports whether from -> to is a valid phase change.
func (s CycleStatus) CanTransition(to CycleStatus) bool {
	for _, next := range cycleTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the cycle has ended.
func (s CycleStatus) IsTerminal() bool {
	return s == CycleClosed || s == CycleStopped
}

// TerminalCycleStatuses lists the statuses of an ended cycle.
func TerminalCycleStatuses() []CycleStatus {
	return []CycleStatus{CycleClosed, CycleStopped}
}
