/*
Package generic provides the domain-agnostic primitives of the KPI engine.

PURPOSE:
  Scores, money, calendar periods and the error taxonomy shared by the
  compute engines and the fund ledger. Nothing in this package knows about
  tiers, submissions or ledger entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Scores and money are decimal.Decimal, never float64
  - RoundHalfUp: the single rounding rule (2 places, half-up)
  - Mean: deterministic average used by weekly and monthly roll-ups

DESIGN PRINCIPLES:
  1. Determinism: recomputing with identical inputs yields identical values
  2. Precision: decimal arithmetic avoids drift across repeated recomputes

SEE ALSO:
  - time.go: organisation calendar
  - errors.go: error taxonomy
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// ScorePlaces is the number of decimal places kept for every score.
const ScorePlaces = 2

var (
	// MaxScore is the upper bound of a weekly or monthly score.
	MaxScore = decimal.NewFromInt(100)
)

// RoundHalfUp rounds to places using half-up rounding. Scores and money
// are never negative here, so half-away-from-zero is half-up.
func RoundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// RoundScore rounds a score to ScorePlaces.
func RoundScore(d decimal.Decimal) decimal.Decimal {
	return RoundHalfUp(d, ScorePlaces)
}

// Mean returns the rounded arithmetic mean of values, or zero if empty.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return RoundScore(sum.Div(decimal.NewFromInt(int64(len(values)))))
}

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// NullDecimal wraps d as a valid nullable decimal.
func NullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// EqualNull reports whether two nullable decimals hold the same value.
func EqualNull(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
