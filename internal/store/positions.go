package store

import (
	"context"
	"time"

	"vesta/internal/domain"
)

// PositionFilter narrows ListPositions. Zero fields are ignored.
type PositionFilter struct {
	CycleID     string
	Symbol      string
	Sector      string
	Statuses    []domain.PositionStatus
	ClosedSince time.Time
}

// CreatePosition inserts a new position.
func (s *Store) CreatePosition(ctx context.Context, p *domain.Position) error {
	return s.with(ctx).Create(p).Error
}

// GetPosition retrieves a position by ID.
func (s *Store) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	var p domain.Position
	if err := s.with(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "position", id)
	}
	return &p, nil
}

// LockPosition reads a position for update within a transaction.
func (s *Store) LockPosition(ctx context.Context, id string) (*domain.Position, error) {
	var p domain.Position
	if err := s.forUpdate(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "position", id)
	}
	return &p, nil
}

// UpdatePosition persists p under the optimistic version check.
func (s *Store) UpdatePosition(ctx context.Context, p *domain.Position) error {
	prev := p.Version
	p.Version++
	if err := s.saveVersioned(ctx, p, p.ID, prev); err != nil {
		p.Version = prev
		return err
	}
	return nil
}

// ListPositions returns positions matching f, oldest first.
func (s *Store) ListPositions(ctx context.Context, f PositionFilter) ([]domain.Position, error) {
	q := s.with(ctx).Model(&domain.Position{})
	if f.CycleID != "" {
		q = q.Where("cycle_id = ?", f.CycleID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Sector != "" {
		q = q.Where("sector = ?", f.Sector)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.ClosedSince.IsZero() {
		q = q.Where("exit_time >= ?", f.ClosedSince.UTC())
	}

	var positions []domain.Position
	if err := q.Order("created_at ASC").Order("id ASC").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// OpenPositions is shorthand for every open position, optionally scoped to a
// cycle.
func (s *Store) OpenPositions(ctx context.Context, cycleID string) ([]domain.Position, error) {
	return s.ListPositions(ctx, PositionFilter{
		CycleID:  cycleID,
		Statuses: []domain.PositionStatus{domain.PositionOpen},
	})
}
