// Package registry resolves instrument references to Security rows,
// creating them on first reference.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vesta/internal/domain"
	"vesta/internal/store"
)

// DefaultExchange is used when a reference carries no exchange.
const DefaultExchange = "US"

// Ref identifies an instrument as upstream sources name it.
type Ref struct {
	Symbol   string
	Exchange string
	Sector   string
}

// Registry caches resolved securities. It must not be called from inside a
// store transaction.
type Registry struct {
	store *store.Store
	log   zerolog.Logger

	mu   sync.RWMutex
	byID map[string]*domain.Security
	byKR map[string]*domain.Security
}

// New creates a Registry over s.
func New(s *store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store: s,
		log:   log,
		byID:  make(map[string]*domain.Security),
		byKR:  make(map[string]*domain.Security),
	}
}

func normalize(ref Ref) Ref {
	ref.Symbol = strings.ToUpper(strings.TrimSpace(ref.Symbol))
	ref.Exchange = strings.ToUpper(strings.TrimSpace(ref.Exchange))
	if ref.Exchange == "" {
		ref.Exchange = DefaultExchange
	}
	return ref
}

func key(ref Ref) string { return ref.Symbol + "@" + ref.Exchange }

// Resolve returns the security for ref, creating it with US equity defaults
// (USD, lot size 1, automatic tick) if it has never been seen.
func (r *Registry) Resolve(ctx context.Context, ref Ref) (*domain.Security, error) {
	ref = normalize(ref)
	if ref.Symbol == "" {
		return nil, domain.Invalid("symbol is required")
	}

	r.mu.RLock()
	sec, ok := r.byKR[key(ref)]
	r.mu.RUnlock()
	if ok {
		return sec, nil
	}

	sec, err := r.store.FindSecurity(ctx, ref.Symbol, ref.Exchange)
	if errors.Is(err, domain.ErrNotFound) {
		sec, err = r.create(ctx, ref)
	}
	if err != nil {
		return nil, err
	}

	r.remember(sec)
	return sec, nil
}

func (r *Registry) create(ctx context.Context, ref Ref) (*domain.Security, error) {
	sec := &domain.Security{
		ID:       uuid.New().String(),
		Symbol:   ref.Symbol,
		Exchange: ref.Exchange,
		Currency: "USD",
		LotSize:  decimal.NewFromInt(1),
		TickSize: decimal.Zero,
		Sector:   ref.Sector,
		IsActive: true,
	}
	err := r.store.CreateSecurity(ctx, sec)
	if store.IsDuplicate(err) {
		// Lost a race with another resolver; the winner's row is canonical.
		return r.store.FindSecurity(ctx, ref.Symbol, ref.Exchange)
	}
	if err != nil {
		return nil, fmt.Errorf("create security %s: %w", key(ref), err)
	}
	r.log.Info().Str("symbol", sec.Symbol).Str("exchange", sec.Exchange).Msg("registered security")
	return sec, nil
}

// Get returns a security by ID.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Security, error) {
	r.mu.RLock()
	sec, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return sec, nil
	}
	sec, err := r.store.GetSecurity(ctx, id)
	if err != nil {
		return nil, err
	}
	r.remember(sec)
	return sec, nil
}

// SetActive flips a security's tradable flag and refreshes the cache.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	if err := r.store.SetSecurityActive(ctx, id, active); err != nil {
		return err
	}
	r.mu.Lock()
	if sec, ok := r.byID[id]; ok {
		cp := *sec
		cp.IsActive = active
		r.byID[id] = &cp
		r.byKR[cp.Symbol+"@"+cp.Exchange] = &cp
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) remember(sec *domain.Security) {
	r.mu.Lock()
	r.byID[sec.ID] = sec
	r.byKR[sec.Symbol+"@"+sec.Exchange] = sec
	r.mu.Unlock()
}
