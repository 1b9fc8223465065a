package store

import (
	"context"

	"gorm.io/gorm"

	"vesta/internal/domain"
)

// GetSecurity retrieves a security by ID.
func (s *Store) GetSecurity(ctx context.Context, id string) (*domain.Security, error) {
	var sec domain.Security
	if err := s.with(ctx).First(&sec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "security", id)
	}
	return &sec, nil
}

// FindSecurity looks a security up by symbol and exchange.
func (s *Store) FindSecurity(ctx context.Context, symbol, exchange string) (*domain.Security, error) {
	var sec domain.Security
	err := s.with(ctx).First(&sec, "symbol = ? AND exchange = ?", symbol, exchange).Error
	if err != nil {
		return nil, notFound(err, "security", symbol+"@"+exchange)
	}
	return &sec, nil
}

// CreateSecurity inserts sec. A concurrent insert of the same symbol and
// exchange surfaces as a duplicate error; see IsDuplicate.
func (s *Store) CreateSecurity(ctx context.Context, sec *domain.Security) error {
	return s.with(ctx).Create(sec).Error
}

// SetSecurityActive flips the only mutable security attribute.
func (s *Store) SetSecurityActive(ctx context.Context, id string, active bool) error {
	res := s.with(ctx).Model(&domain.Security{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "security", id)
	}
	return nil
}
