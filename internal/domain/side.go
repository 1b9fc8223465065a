package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide maps every accepted spelling onto a Side. Matching is
// case-insensitive; "long" and "short" are accepted as aliases because
// upstream candidate sources speak in position terms.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSide, s)
	}
}

// Validate fails for any value that did not come out of ParseSide.
func (s Side) Validate() error {
	switch s {
	case SideBuy, SideSell:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSide, string(s))
	}
}

// Opposite returns the other side. It panics on an invalid side, which can
// only be produced by bypassing ParseSide.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		panic(fmt.Sprintf("domain: opposite of invalid side %q", string(s)))
	}
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionSideFor returns the position direction an entry order on side s
// opens.
func PositionSideFor(s Side) (PositionSide, error) {
	switch s {
	case SideBuy:
		return PositionLong, nil
	case SideSell:
		return PositionShort, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSide, string(s))
	}
}

// EntrySide is the order side that grows the position.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that reduces the position.
func (p PositionSide) ExitSide() Side {
	return p.EntrySide().Opposite()
}

// Sign is +1 for long and -1 for short.
func (p PositionSide) Sign() decimal.Decimal {
	if p == PositionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}
