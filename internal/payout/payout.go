// Package payout prices mines rounds: the exact multiplier for a number of
// safe reveals, the house edge applied to it and the payout cap.
package payout

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// DefaultGridSize is the 5x5 mines board.
	DefaultGridSize = 25

	// divisionPrecision is the number of fractional digits kept by the single
	// division that produces a multiplier.
	divisionPrecision = 28
)

var (
	// ErrInvalidEdge is returned for a house edge outside [0,100].
	ErrInvalidEdge = errors.New("house edge must be within [0,100]")
	// ErrInvalidInput is returned for hazard or reveal counts the board cannot hold.
	ErrInvalidInput = errors.New("invalid hazard or reveal count")
	// ErrInvariant is returned when the multiplier is not strictly positive.
	// It never happens for valid inputs.
	ErrInvariant = errors.New("multiplier invariant violated")
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Calculator computes fair-odds multipliers for a tile-reveal board.
type Calculator struct {
	GridSize      int
	MaxMultiplier decimal.Decimal
	// Scale is the number of decimal places of the ledger's minimum unit.
	Scale int32
}

// NewCalculator returns a Calculator for the default 25-cell board.
func NewCalculator(maxMultiplier decimal.Decimal, scale int32) Calculator {
	return Calculator{GridSize: DefaultGridSize, MaxMultiplier: maxMultiplier, Scale: scale}
}

// ValidateEdge checks a house edge percentage.
func ValidateEdge(edge decimal.Decimal) error {
	if edge.IsNegative() || edge.GreaterThan(hundred) {
		return fmt.Errorf("%w: got %s", ErrInvalidEdge, edge)
	}
	return nil
}

// SafeTiles returns the number of non-hazard cells.
func (c Calculator) SafeTiles(hazards int) int {
	return c.GridSize - hazards
}

// ValidHazardCount reports whether a board can be started with hazards hazards.
func (c Calculator) ValidHazardCount(hazards int) bool {
	return hazards >= 1 && hazards < c.GridSize
}

// Multiplier returns the edge-adjusted multiplier after revealed safe cells:
//
//	prod_{i<revealed} (G-i)/(S-i) * (1 - edge/100)
//
// Numerator and denominator products are exact integers; the only rounding
// is the final division. Zero reveals return exactly 1.
func (c Calculator) Multiplier(hazards, revealed int, edge decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateEdge(edge); err != nil {
		return decimal.Zero, err
	}
	if !c.ValidHazardCount(hazards) || revealed < 0 || revealed > c.SafeTiles(hazards) {
		return decimal.Zero, fmt.Errorf("%w: hazards=%d revealed=%d grid=%d", ErrInvalidInput, hazards, revealed, c.GridSize)
	}
	if revealed == 0 {
		return one, nil
	}
	num, den := c.odds(hazards, revealed)
	m := decimal.NewFromBigInt(num, 0).Mul(hundred.Sub(edge)).
		DivRound(decimal.NewFromBigInt(den, 0).Mul(hundred), divisionPrecision)
	if !m.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: hazards=%d revealed=%d edge=%s gives %s", ErrInvariant, hazards, revealed, edge, m)
	}
	return m, nil
}

// odds returns prod (G-i) and prod (S-i) for i in [0, revealed).
func (c Calculator) odds(hazards, revealed int) (*big.Int, *big.Int) {
	safe := c.SafeTiles(hazards)
	num, den := big.NewInt(1), big.NewInt(1)
	for i := 0; i < revealed; i++ {
		num.Mul(num, big.NewInt(int64(c.GridSize-i)))
		den.Mul(den, big.NewInt(int64(safe-i)))
	}
	return num, den
}

// Cap limits m to MaxMultiplier. The second result reports whether it bound.
// A zero MaxMultiplier disables the cap.
func (c Calculator) Cap(m decimal.Decimal) (decimal.Decimal, bool) {
	if c.MaxMultiplier.IsPositive() && m.GreaterThan(c.MaxMultiplier) {
		return c.MaxMultiplier, true
	}
	return m, false
}

// Exceeds reports whether m is above the configured maximum.
func (c Calculator) Exceeds(m decimal.Decimal) bool {
	_, capped := c.Cap(m)
	return capped
}

// Payout returns bet * multiplier rounded down to the ledger unit.
func (c Calculator) Payout(bet, multiplier decimal.Decimal) decimal.Decimal {
	return bet.Mul(multiplier).RoundFloor(c.Scale)
}

// SurvivalProbability returns the probability of revealing revealed safe
// cells in a row, as an exact ratio rounded to divisionPrecision digits.
func (c Calculator) SurvivalProbability(hazards, revealed int) (decimal.Decimal, error) {
	if !c.ValidHazardCount(hazards) || revealed < 0 || revealed > c.SafeTiles(hazards) {
		return decimal.Zero, fmt.Errorf("%w: hazards=%d revealed=%d", ErrInvalidInput, hazards, revealed)
	}
	num, den := c.odds(hazards, revealed)
	return decimal.NewFromBigInt(den, 0).DivRound(decimal.NewFromBigInt(num, 0), divisionPrecision), nil
}

// RTP returns the theoretical return of a strategy that always cashes out
// after revealed cells, with the cap applied.
func (c Calculator) RTP(hazards, revealed int, edge decimal.Decimal) (rtp decimal.Decimal, capped bool, err error) {
	m, err := c.Multiplier(hazards, revealed, edge)
	if err != nil {
		return decimal.Zero, false, err
	}
	m, capped = c.Cap(m)
	p, err := c.SurvivalProbability(hazards, revealed)
	if err != nil {
		return decimal.Zero, false, err
	}
	return p.Mul(m).Round(12), capped, nil
}
