package store

import (
	"context"
	"time"

	"vesta/internal/domain"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderFilter narrows ListOrders. Zero fields are ignored.
type OrderFilter struct {
	CycleID       string
	PositionID    string
	Symbol        string
	Purposes      []domain.OrderPurpose
	Statuses      []domain.OrderStatus
	UpdatedBefore time.Time
	Limit         int
}

// CreateOrder inserts a new order.
func (s *Store) CreateOrder(ctx context.Context, o *domain.Order) error {
	return s.with(ctx).Create(o).Error
}

// GetOrder retrieves a single order by its ID.
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	if err := s.with(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "order", id)
	}
	return &o, nil
}

// LockOrder reads an order for update within a transaction.
func (s *Store) LockOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	if err := s.forUpdate(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "order", id)
	}
	return &o, nil
}

// GetOrderByBrokerID looks an order up by the broker-assigned ID.
func (s *Store) GetOrderByBrokerID(ctx context.Context, brokerID string) (*domain.Order, error) {
	var o domain.Order
	if err := s.with(ctx).First(&o, "broker_order_id = ?", brokerID).Error; err != nil {
		return nil, notFound(err, "broker order", brokerID)
	}
	return &o, nil
}

// GetOrderByClientID looks an order up by its idempotency key.
func (s *Store) GetOrderByClientID(ctx context.Context, clientID string) (*domain.Order, error) {
	var o domain.Order
	if err := s.with(ctx).First(&o, "client_order_id = ?", clientID).Error; err != nil {
		return nil, notFound(err, "client order", clientID)
	}
	return &o, nil
}

// UpdateOrder persists o if nobody else changed it since it was read.
// On success o.Version is incremented.
func (s *Store) UpdateOrder(ctx context.Context, o *domain.Order) error {
	prev := o.Version
	o.Version++
	if err := s.saveVersioned(ctx, o, o.ID, prev); err != nil {
		o.Version = prev
		return err
	}
	return nil
}

// ListOrders returns orders matching f, oldest first.
func (s *Store) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	q := s.with(ctx).Model(&domain.Order{})
	if f.CycleID != "" {
		q = q.Where("cycle_id = ?", f.CycleID)
	}
	if f.PositionID != "" {
		q = q.Where("position_id = ?", f.PositionID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if len(f.Purposes) > 0 {
		q = q.Where("purpose IN ?", f.Purposes)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var orders []domain.Order
	if err := q.Order("created_at ASC").Order("id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Order history
// ---------------------------------------------------------------------------

// AddTransition appends one row to an order's status history.
func (s *Store) AddTransition(ctx context.Context, t *domain.OrderTransition) error {
	return s.with(ctx).Create(t).Error
}

// OrderHistory returns the transitions of an order in the order they
// happened.
func (s *Store) OrderHistory(ctx context.Context, orderID string) ([]domain.OrderTransition, error) {
	var rows []domain.OrderTransition
	err := s.with(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}
