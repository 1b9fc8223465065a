// Package risk guards the trading cycle: pre-trade validation, continuous
// position monitoring, exit signals and the emergency stop.
package risk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"vesta/internal/util"
)

// Thresholds is one immutable snapshot of the risk and signal settings.
// Monetary limits are in account currency; ratios are fractions (0.05 is
// five percent).
type Thresholds struct {
	Limits  Limits           `yaml:"limits"`
	Signals SignalThresholds `yaml:"signals"`
}

// Limits bound exposure and loss.
type Limits struct {
	MaxPositions       int     `yaml:"max_positions"`
	MaxPositionValue   float64 `yaml:"max_position_value"`
	MaxDailyLoss       float64 `yaml:"max_daily_loss"`
	WarningRatio       float64 `yaml:"warning_ratio"`
	MaxSectorExposure  float64 `yaml:"max_sector_exposure"`
	MaxSectorPositions int     `yaml:"max_sector_positions"`
	RiskPerTrade       float64 `yaml:"risk_per_trade"`
	// DefaultStopPct is the loss assumed for an entry without a stop loss.
	DefaultStopPct float64 `yaml:"default_stop_pct"`
}

// SignalThresholds drive exit-signal evaluation.
type SignalThresholds struct {
	TrailingActivationPct float64 `yaml:"trailing_activation_pct"`
	TrailingGivebackPct   float64 `yaml:"trailing_giveback_pct"`
	RSIOverbought         float64 `yaml:"rsi_overbought"`
	RSIOversold           float64 `yaml:"rsi_oversold"`
	PatternFloor          float64 `yaml:"pattern_floor"`
	VolumeFadeRatio       float64 `yaml:"volume_fade_ratio"`
	RSIPoints             int     `yaml:"rsi_points"`
	PatternPoints         int     `yaml:"pattern_points"`
	VolumePoints          int     `yaml:"volume_points"`
	ModerateScore         int     `yaml:"moderate_score"`
}

// DefaultThresholds returns conservative settings used when no file is
// configured.
func DefaultThresholds() *Thresholds {
	t := &Thresholds{}
	t.applyDefaults()
	return t
}

func (t *Thresholds) applyDefaults() {
	l := &t.Limits
	if l.MaxPositions == 0 {
		l.MaxPositions = 5
	}
	if l.MaxPositionValue == 0 {
		l.MaxPositionValue = 10000
	}
	if l.MaxDailyLoss == 0 {
		l.MaxDailyLoss = 2000
	}
	if l.WarningRatio == 0 {
		l.WarningRatio = 0.75
	}
	if l.MaxSectorPositions == 0 {
		l.MaxSectorPositions = 2
	}
	if l.RiskPerTrade == 0 {
		l.RiskPerTrade = 200
	}
	if l.DefaultStopPct == 0 {
		l.DefaultStopPct = 0.05
	}

	s := &t.Signals
	if s.TrailingActivationPct == 0 {
		s.TrailingActivationPct = 0.03
	}
	if s.TrailingGivebackPct == 0 {
		s.TrailingGivebackPct = 0.015
	}
	if s.RSIOverbought == 0 {
		s.RSIOverbought = 75
	}
	if s.RSIOversold == 0 {
		s.RSIOversold = 25
	}
	if s.PatternFloor == 0 {
		s.PatternFloor = 0.3
	}
	if s.VolumeFadeRatio == 0 {
		s.VolumeFadeRatio = 0.5
	}
	if s.RSIPoints == 0 {
		s.RSIPoints = 2
	}
	if s.PatternPoints == 0 {
		s.PatternPoints = 2
	}
	if s.VolumePoints == 0 {
		s.VolumePoints = 1
	}
	if s.ModerateScore == 0 {
		s.ModerateScore = 2
	}
}

// Validate rejects snapshots that would disable a guard or make no sense.
func (t *Thresholds) Validate() error {
	l := t.Limits
	switch {
	case l.MaxPositions < 1:
		return fmt.Errorf("thresholds: limits.max_positions must be at least 1")
	case l.MaxPositionValue <= 0:
		return fmt.Errorf("thresholds: limits.max_position_value must be positive")
	case l.MaxDailyLoss <= 0:
		return fmt.Errorf("thresholds: limits.max_daily_loss must be positive")
	case l.WarningRatio <= 0 || l.WarningRatio >= 1:
		return fmt.Errorf("thresholds: limits.warning_ratio must be between 0 and 1")
	case l.MaxSectorExposure < 0:
		return fmt.Errorf("thresholds: limits.max_sector_exposure must not be negative")
	case l.DefaultStopPct <= 0 || l.DefaultStopPct >= 1:
		return fmt.Errorf("thresholds: limits.default_stop_pct must be between 0 and 1")
	}
	s := t.Signals
	if s.RSIOversold >= s.RSIOverbought {
		return fmt.Errorf("thresholds: signals.rsi_oversold must be below rsi_overbought")
	}
	if s.TrailingGivebackPct <= 0 || s.TrailingActivationPct <= 0 {
		return fmt.Errorf("thresholds: trailing percentages must be positive")
	}
	return nil
}

// DailyLossCap returns the daily loss cap as a decimal, preferring a
// positive per-cycle override.
func (l Limits) DailyLossCap(cycleOverride decimal.Decimal) decimal.Decimal {
	if cycleOverride.IsPositive() {
		return cycleOverride
	}
	return decimal.NewFromFloat(l.MaxDailyLoss)
}

// PositionCap returns the max open positions, preferring a positive
// per-cycle override.
func (l Limits) PositionCap(cycleOverride int) int {
	if cycleOverride > 0 {
		return cycleOverride
	}
	return l.MaxPositions
}

// ParseThresholds decodes and validates a YAML snapshot.
func ParseThresholds(data []byte) (*Thresholds, error) {
	t := &Thresholds{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse thresholds: %w", err)
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadThresholds reads a snapshot from path.
func LoadThresholds(path string) (*Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseThresholds(data)
}

// ThresholdStore holds the active snapshot. Readers always see a complete
// snapshot; Watch swaps in new ones.
type ThresholdStore struct {
	current atomic.Pointer[Thresholds]
	last    []byte
}

// NewThresholdStore creates a store holding initial.
func NewThresholdStore(initial *Thresholds) *ThresholdStore {
	if initial == nil {
		initial = DefaultThresholds()
	}
	s := &ThresholdStore{}
	s.current.Store(initial)
	return s
}

// Load returns the active snapshot. Callers must not modify it.
func (s *ThresholdStore) Load() *Thresholds { return s.current.Load() }

// Swap replaces the active snapshot.
func (s *ThresholdStore) Swap(t *Thresholds) { s.current.Store(t) }

// Watch polls path every interval and swaps in the file's contents when they
// change. An unreadable or invalid file is logged and the previous snapshot
// stays active.
func (s *ThresholdStore) Watch(ctx context.Context, path string, clock util.Clock, interval time.Duration, log zerolog.Logger) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.reload(path, log)
		}
	}
}

func (s *ThresholdStore) reload(path string, log zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("read thresholds")
		return
	}
	if s.last != nil && bytes.Equal(data, s.last) {
		return
	}
	t, err := ParseThresholds(data)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("thresholds rejected, keeping previous snapshot")
		s.last = data
		return
	}
	s.last = data
	s.Swap(t)
	log.Info().Str("path", path).Msg("thresholds reloaded")
}
