package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vesta/internal/alert"
	"vesta/internal/domain"
	"vesta/internal/store"
	"vesta/internal/util"
)

// ResolutionCleared is recorded when a flagged condition disappears on its
// own.
const ResolutionCleared = "cleared"

// Flags raises and resolves reconciliation flags. At most one open flag
// exists per kind and subject; raising it again counts an observation.
type Flags struct {
	store   *store.Store
	clock   util.Clock
	alerter alert.Alerter
	log     zerolog.Logger
}

// NewFlags creates a Flags sink. Newly opened flags are sent to alerter.
func NewFlags(s *store.Store, clock util.Clock, alerter alert.Alerter, log zerolog.Logger) *Flags {
	return &Flags{store: s, clock: clock, alerter: alerter, log: log}
}

// Raise opens a flag or records another observation of an open one.
func (f *Flags) Raise(ctx context.Context, kind domain.FlagKind, severity domain.Severity, subject, detail string) (*domain.ReconciliationFlag, error) {
	var (
		flag   *domain.ReconciliationFlag
		opened bool
	)
	err := f.store.Tx(ctx, func(tx *store.Store) error {
		existing, err := tx.OpenFlag(ctx, kind, subject)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.Observations++
			existing.Detail = detail
			existing.Severity = severity
			flag, opened = existing, false
			return tx.SaveFlag(ctx, existing)
		}
		flag = &domain.ReconciliationFlag{
			ID:           uuid.New().String(),
			Kind:         kind,
			Subject:      subject,
			Severity:     severity,
			Status:       domain.FlagOpen,
			Detail:       detail,
			Observations: 1,
		}
		opened = true
		return tx.CreateFlag(ctx, flag)
	})
	if err != nil {
		return nil, fmt.Errorf("raise %s for %s: %w", kind, subject, err)
	}

	if opened {
		f.log.Warn().Str("kind", string(kind)).Str("subject", subject).Str("detail", detail).Msg("flag raised")
		if err := f.alerter.Alert(ctx, alert.Alert{
			Severity: severity,
			Kind:     string(kind),
			Subject:  subject,
			Message:  detail,
			At:       f.clock.Now(),
		}); err != nil {
			f.log.Error().Err(err).Str("kind", string(kind)).Msg("deliver alert")
		}
	}
	return flag, nil
}

// Resolve closes an open flag with a resolution note.
func (f *Flags) Resolve(ctx context.Context, id, resolution string) (*domain.ReconciliationFlag, error) {
	var flag domain.ReconciliationFlag
	err := f.store.Tx(ctx, func(tx *store.Store) error {
		flags, err := tx.ListFlags(ctx, store.FlagFilter{ID: id})
		if err != nil {
			return err
		}
		if len(flags) == 0 {
			return fmt.Errorf("flag %s: %w", id, domain.ErrNotFound)
		}
		flag = flags[0]
		if flag.Status == domain.FlagResolved {
			return nil
		}
		return f.resolve(ctx, tx, &flag, resolution)
	})
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

// Clear resolves the open flag for kind and subject, if any, as cleared.
func (f *Flags) Clear(ctx context.Context, kind domain.FlagKind, subject string) (bool, error) {
	var cleared bool
	err := f.store.Tx(ctx, func(tx *store.Store) error {
		flag, err := tx.OpenFlag(ctx, kind, subject)
		if err != nil || flag == nil {
			return err
		}
		cleared = true
		return f.resolve(ctx, tx, flag, ResolutionCleared)
	})
	return cleared, err
}

// Open lists the open flags of a kind.
func (f *Flags) Open(ctx context.Context, kind domain.FlagKind) ([]domain.ReconciliationFlag, error) {
	return f.store.ListFlags(ctx, store.FlagFilter{Kind: kind, Status: domain.FlagOpen})
}

func (f *Flags) resolve(ctx context.Context, tx *store.Store, flag *domain.ReconciliationFlag, resolution string) error {
	now := f.clock.Now()
	flag.Status = domain.FlagResolved
	flag.Resolution = resolution
	flag.ResolvedAt = &now
	if err := tx.SaveFlag(ctx, flag); err != nil {
		return err
	}
	f.log.Info().Str("kind", string(flag.Kind)).Str("subject", flag.Subject).Str("resolution", resolution).Msg("flag resolved")
	return nil
}
