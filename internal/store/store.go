// Package store persists vesta's domain objects: securities, trading cycles,
// orders and their status history, positions, reconciliation flags and risk
// rejections.
//
// Every mutation that must be atomic runs through Tx. Inside the callback use
// only the *Store handed to it; on SQLite the pool holds a single
// connection, so touching the outer Store from within a transaction blocks.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vesta/internal/domain"
)

// maxTxAttempts bounds how often a transaction that lost an optimistic
// version race is replayed.
const maxTxAttempts = 3

// Store wraps a gorm handle. The zero value is not usable; call Open.
type Store struct {
	db     *gorm.DB
	driver string
}

// Tx runs fn inside a database transaction. When fn fails with
// domain.ErrStaleVersion the whole transaction is replayed, so fn must read
// the state it validates through the handle it receives.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			return fn(&Store{db: gtx, driver: s.driver})
		})
		if !errors.Is(err, domain.ErrStaleVersion) {
			return err
		}
	}
	return err
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver reports "sqlite" or "postgres".
func (s *Store) Driver() string { return s.driver }

// Migrate creates or updates all tables and indices.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.Security{},
		&domain.TradingCycle{},
		&domain.Order{},
		&domain.OrderTransition{},
		&domain.Position{},
		&domain.ReconciliationFlag{},
		&domain.RiskRejection{},
	)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Store) with(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// forUpdate adds a row lock. The sqlite dialector drops the clause, which is
// fine because SQLite serialises writers anyway.
func (s *Store) forUpdate(ctx context.Context) *gorm.DB {
	return s.with(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

// saveVersioned writes every column of value when the stored version still
// equals prev.
func (s *Store) saveVersioned(ctx context.Context, value any, id string, prev int64) error {
	res := s.with(ctx).Model(value).
		Where("version = ?", prev).
		Select("*").
		Omit("created_at").
		Updates(value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s at version %d", domain.ErrStaleVersion, id, prev)
	}
	return nil
}

func notFound(err error, what, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, key, domain.ErrNotFound)
	}
	return err
}

// IsDuplicate reports whether err is a unique-constraint violation. The
// modernc driver's errors are not translated by the sqlite dialector, so its
// message is matched as well.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
