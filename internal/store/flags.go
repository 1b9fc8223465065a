package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"vesta/internal/domain"
)

// FlagFilter narrows ListFlags. Zero fields are ignored.
type FlagFilter struct {
	ID      string
	Kind    domain.FlagKind
	Subject string
	Status  domain.FlagStatus
}

// CreateFlag inserts a new reconciliation flag.
func (s *Store) CreateFlag(ctx context.Context, f *domain.ReconciliationFlag) error {
	return s.with(ctx).Create(f).Error
}

// OpenFlag returns the open flag for kind and subject, or nil.
func (s *Store) OpenFlag(ctx context.Context, kind domain.FlagKind, subject string) (*domain.ReconciliationFlag, error) {
	var f domain.ReconciliationFlag
	err := s.forUpdate(ctx).
		Where("kind = ? AND subject = ? AND status = ?", kind, subject, domain.FlagOpen).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// SaveFlag writes every column of f.
func (s *Store) SaveFlag(ctx context.Context, f *domain.ReconciliationFlag) error {
	return s.with(ctx).Save(f).Error
}

// ListFlags returns flags matching f, newest first.
func (s *Store) ListFlags(ctx context.Context, f FlagFilter) ([]domain.ReconciliationFlag, error) {
	q := s.with(ctx).Model(&domain.ReconciliationFlag{})
	if f.ID != "" {
		q = q.Where("id = ?", f.ID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Subject != "" {
		q = q.Where("subject = ?", f.Subject)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var flags []domain.ReconciliationFlag
	err := q.Order("created_at DESC").Order("id DESC").Find(&flags).Error
	return flags, err
}
