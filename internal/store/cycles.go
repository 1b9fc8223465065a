package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"vesta/internal/domain"
)

// CreateCycle inserts a new trading cycle.
func (s *Store) CreateCycle(ctx context.Context, c *domain.TradingCycle) error {
	return s.with(ctx).Create(c).Error
}

// GetCycle retrieves a cycle by ID.
func (s *Store) GetCycle(ctx context.Context, id string) (*domain.TradingCycle, error) {
	var c domain.TradingCycle
	if err := s.with(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "cycle", id)
	}
	return &c, nil
}

// LockCycle reads a cycle for update within a transaction.
func (s *Store) LockCycle(ctx context.Context, id string) (*domain.TradingCycle, error) {
	var c domain.TradingCycle
	if err := s.forUpdate(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "cycle", id)
	}
	return &c, nil
}

// GetCycleByKey finds the cycle started by a StartCycle command.
func (s *Store) GetCycleByKey(ctx context.Context, key string) (*domain.TradingCycle, error) {
	var c domain.TradingCycle
	if err := s.with(ctx).First(&c, "idempotency_key = ?", key).Error; err != nil {
		return nil, notFound(err, "cycle key", key)
	}
	return &c, nil
}

// UpdateCycle persists c under the optimistic version check.
func (s *Store) UpdateCycle(ctx context.Context, c *domain.TradingCycle) error {
	prev := c.Version
	c.Version++
	if err := s.saveVersioned(ctx, c, c.ID, prev); err != nil {
		c.Version = prev
		return err
	}
	return nil
}

// ActiveCycle returns the newest cycle that has not ended, or nil.
func (s *Store) ActiveCycle(ctx context.Context) (*domain.TradingCycle, error) {
	var c domain.TradingCycle
	err := s.with(ctx).
		Where("status NOT IN ?", domain.TerminalCycleStatuses()).
		Order("started_at DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LatestCycle returns the most recently started cycle, or nil.
func (s *Store) LatestCycle(ctx context.Context) (*domain.TradingCycle, error) {
	var c domain.TradingCycle
	err := s.with(ctx).Order("started_at DESC").First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// HaltedCycles returns cycles whose halt latch has not been cleared.
func (s *Store) HaltedCycles(ctx context.Context) ([]domain.TradingCycle, error) {
	var cycles []domain.TradingCycle
	err := s.with(ctx).
		Where("halted_at IS NOT NULL AND halt_cleared_at IS NULL").
		Order("halted_at ASC").
		Find(&cycles).Error
	return cycles, err
}

// ---------------------------------------------------------------------------
// Risk rejections
// ---------------------------------------------------------------------------

// AddRejection records a pre-trade rejection.
func (s *Store) AddRejection(ctx context.Context, r *domain.RiskRejection) error {
	return s.with(ctx).Create(r).Error
}

// ListRejections returns a cycle's pre-trade rejections in order.
func (s *Store) ListRejections(ctx context.Context, cycleID string) ([]domain.RiskRejection, error) {
	var rows []domain.RiskRejection
	err := s.with(ctx).Where("cycle_id = ?", cycleID).Order("id ASC").Find(&rows).Error
	return rows, err
}
