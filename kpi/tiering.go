/*
tiering.go - Monthly tier decision table

PURPOSE:
  Maps a 0-100 monthly score plus the subject's standing after the prior
  month to a tier, an action label and a fine. Pure: no I/O, no clock.

TIERS (highest band first):
  BONUS         top performers, eligible for a gift
  APPRECIATION  good standing
  IMPROVEMENT   below expectation, not penalized
  FINE          penalized, fine escalates on consecutive FINE months

ESCALATION:
  monthFineCount = prior.FineMonths + 1 when the prior tier was FINE, else 1.
  finalFine      = baseFine * factor(monthFineCount)

    double: factor(n) = 2^(n-1)   500, 1000, 2000, ...
    linear: factor(n) = n         500, 1000, 1500, ...
    flat:   factor(n) = 1         500, 500, 500, ...

  MaxFine, when positive, caps finalFine.

CONFIGURATION:
  Thresholds, labels, base fine and escalation are all TierConfig fields.
  DefaultTierConfig holds the house defaults; package factory parses
  overrides from JSON or YAML.
*/
package kpi

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/kpi-engine/generic"
)

// Tier is the monthly performance classification.
type Tier string

const (
	TierBonus        Tier = "BONUS"
	TierAppreciation Tier = "APPRECIATION"
	TierImprovement  Tier = "IMPROVEMENT"
	TierFine         Tier = "FINE"
)

// Valid reports whether t is one of the four tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierBonus, TierAppreciation, TierImprovement, TierFine:
		return true
	}
	return false
}

// Escalation selects how consecutive FINE months grow the fine.
type Escalation string

const (
	EscalateDouble Escalation = "double"
	EscalateLinear Escalation = "linear"
	EscalateFlat   Escalation = "flat"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// TierBand is one row of the decision table: scores >= MinScore land in Tier.
type TierBand struct {
	Tier       Tier            `json:"tier" yaml:"tier"`
	MinScore   decimal.Decimal `json:"min_score" yaml:"min_score"`
	ActionType string          `json:"action_type" yaml:"action_type"`
}

// TierConfig is the full decision table.
type TierConfig struct {
	// Bands sorted by MinScore descending. The FINE band must have the
	// lowest threshold; a score below every band is FINE.
	Bands      []TierBand
	BaseFine   decimal.Decimal
	Escalation Escalation
	MaxFine    decimal.Decimal // zero means uncapped

	// ImprovementTiers increment ConsecutiveImprovementMonths.
	ImprovementTiers []Tier
}

// DefaultTierConfig returns the house decision table.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		Bands: []TierBand{
			{Tier: TierBonus, MinScore: decimal.NewFromInt(90), ActionType: "bonus eligible"},
			{Tier: TierAppreciation, MinScore: decimal.NewFromInt(75), ActionType: "appreciation"},
			{Tier: TierImprovement, MinScore: decimal.NewFromInt(60), ActionType: "no action"},
			{Tier: TierFine, MinScore: decimal.Zero, ActionType: "fine applied"},
		},
		BaseFine:         decimal.NewFromInt(500),
		Escalation:       EscalateDouble,
		ImprovementTiers: []Tier{TierBonus, TierAppreciation, TierImprovement},
	}
}

// Validate checks the table is total and unambiguous, and sorts Bands.
func (c *TierConfig) Validate() error {
	if len(c.Bands) == 0 {
		return &generic.FieldError{Field: "bands", Message: "at least one band is required"}
	}
	seen := make(map[Tier]bool, len(c.Bands))
	for _, b := range c.Bands {
		if !b.Tier.Valid() {
			return &generic.FieldError{Field: "bands", Message: fmt.Sprintf("unknown tier %q", b.Tier)}
		}
		if seen[b.Tier] {
			return &generic.FieldError{Field: "bands", Message: fmt.Sprintf("tier %s listed twice", b.Tier)}
		}
		seen[b.Tier] = true
		if b.MinScore.IsNegative() || b.MinScore.GreaterThan(generic.MaxScore) {
			return &generic.FieldError{Field: "bands", Message: fmt.Sprintf("%s threshold %s outside 0..100", b.Tier, b.MinScore)}
		}
	}
	if !seen[TierFine] {
		return &generic.FieldError{Field: "bands", Message: "a FINE band is required"}
	}

	sort.SliceStable(c.Bands, func(i, j int) bool {
		return c.Bands[i].MinScore.GreaterThan(c.Bands[j].MinScore)
	})
	for i := 1; i < len(c.Bands); i++ {
		if c.Bands[i].MinScore.Equal(c.Bands[i-1].MinScore) {
			return &generic.FieldError{Field: "bands", Message: fmt.Sprintf("%s and %s share threshold %s",
				c.Bands[i-1].Tier, c.Bands[i].Tier, c.Bands[i].MinScore)}
		}
	}
	if c.Bands[len(c.Bands)-1].Tier != TierFine {
		return &generic.FieldError{Field: "bands", Message: "FINE must be the lowest band"}
	}

	if c.BaseFine.IsNegative() {
		return &generic.FieldError{Field: "base_fine", Message: "cannot be negative"}
	}
	if c.MaxFine.IsNegative() {
		return &generic.FieldError{Field: "max_fine", Message: "cannot be negative"}
	}
	switch c.Escalation {
	case EscalateDouble, EscalateLinear, EscalateFlat:
	case "":
		c.Escalation = EscalateDouble
	default:
		return &generic.FieldError{Field: "escalation", Message: fmt.Sprintf("unknown mode %q", c.Escalation)}
	}
	for _, t := range c.ImprovementTiers {
		if !t.Valid() || t == TierFine {
			return &generic.FieldError{Field: "improvement_tiers", Message: fmt.Sprintf("%q cannot count as improvement", t)}
		}
	}
	return nil
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Standing is a subject's position after a month. The zero value means
// no history.
type Standing struct {
	Tier              Tier `json:"tier,omitempty"`
	ImprovementMonths int  `json:"improvement_months"`
	FineMonths        int  `json:"fine_months"`
}

// Classification is the output of Classify.
type Classification struct {
	Tier           Tier
	ActionType     string
	BaseFine       decimal.Decimal
	MonthFineCount int
	FinalFine      decimal.Decimal
}

// Classify places score in a band and derives the fine from prior.
// Scores below the lowest threshold fall into the FINE band.
func (c TierConfig) Classify(score decimal.Decimal, prior Standing) Classification {
	band := c.Bands[len(c.Bands)-1]
	for _, b := range c.Bands {
		if score.GreaterThanOrEqual(b.MinScore) {
			band = b
			break
		}
	}

	out := Classification{
		Tier:       band.Tier,
		ActionType: band.ActionType,
		BaseFine:   decimal.Zero,
		FinalFine:  decimal.Zero,
	}
	if band.Tier != TierFine {
		return out
	}

	count := 1
	if prior.Tier == TierFine {
		count = prior.FineMonths + 1
	}
	fine := c.BaseFine.Mul(c.factor(count))
	if c.MaxFine.IsPositive() && fine.GreaterThan(c.MaxFine) {
		fine = c.MaxFine
	}
	out.BaseFine = c.BaseFine
	out.MonthFineCount = count
	out.FinalFine = generic.RoundHalfUp(fine, 2)
	return out
}

// NextStanding returns the standing after a month classified as cls.
func (c TierConfig) NextStanding(prior Standing, cls Classification) Standing {
	next := Standing{Tier: cls.Tier}
	if cls.Tier == TierFine {
		next.FineMonths = cls.MonthFineCount
		return next
	}
	if c.countsAsImprovement(cls.Tier) {
		next.ImprovementMonths = prior.ImprovementMonths + 1
	}
	return next
}

func (c TierConfig) factor(n int) decimal.Decimal {
	switch c.Escalation {
	case EscalateLinear:
		return decimal.NewFromInt(int64(n))
	case EscalateFlat:
		return decimal.NewFromInt(1)
	default:
		return decimal.NewFromInt(2).Pow(decimal.NewFromInt(int64(n - 1)))
	}
}

func (c TierConfig) countsAsImprovement(t Tier) bool {
	for _, it := range c.ImprovementTiers {
		if it == t {
			return true
		}
	}
	return false
}
