package kpi_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

func TestClassify_DefaultTable(t *testing.T) {
	cfg := kpi.DefaultTierConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		score string
		prior kpi.Standing
		tier  kpi.Tier
		count int
		fine  string
	}{
		{"100", kpi.Standing{}, kpi.TierBonus, 0, "0"},
		{"90", kpi.Standing{}, kpi.TierBonus, 0, "0"},
		{"89.99", kpi.Standing{}, kpi.TierAppreciation, 0, "0"},
		{"75", kpi.Standing{}, kpi.TierAppreciation, 0, "0"},
		{"60", kpi.Standing{}, kpi.TierImprovement, 0, "0"},
		{"59.99", kpi.Standing{}, kpi.TierFine, 1, "500"},
		{"0", kpi.Standing{}, kpi.TierFine, 1, "500"},
		{"40", kpi.Standing{Tier: kpi.TierFine, FineMonths: 1}, kpi.TierFine, 2, "1000"},
		{"40", kpi.Standing{Tier: kpi.TierFine, FineMonths: 2}, kpi.TierFine, 3, "2000"},
		{"40", kpi.Standing{Tier: kpi.TierImprovement, FineMonths: 0}, kpi.TierFine, 1, "500"},
		{"95", kpi.Standing{Tier: kpi.TierFine, FineMonths: 4}, kpi.TierBonus, 0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.score+"/"+string(tt.prior.Tier), func(t *testing.T) {
			cls := cfg.Classify(decimal.RequireFromString(tt.score), tt.prior)
			assert.Equal(t, tt.tier, cls.Tier)
			assert.Equal(t, tt.count, cls.MonthFineCount)
			assert.True(t, cls.FinalFine.Equal(decimal.RequireFromString(tt.fine)), "fine %s", cls.FinalFine)
		})
	}
}

func TestClassify_EscalationModes(t *testing.T) {
	prior := kpi.Standing{Tier: kpi.TierFine, FineMonths: 3} // fourth FINE month

	tests := []struct {
		mode kpi.Escalation
		max  string
		want string
	}{
		{kpi.EscalateDouble, "0", "4000"},
		{kpi.EscalateLinear, "0", "2000"},
		{kpi.EscalateFlat, "0", "500"},
		{kpi.EscalateDouble, "1500", "1500"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.max, func(t *testing.T) {
			cfg := kpi.DefaultTierConfig()
			cfg.Escalation = tt.mode
			cfg.MaxFine = decimal.RequireFromString(tt.max)
			require.NoError(t, cfg.Validate())

			cls := cfg.Classify(decimal.NewFromInt(10), prior)
			assert.Equal(t, 4, cls.MonthFineCount)
			assert.True(t, cls.BaseFine.Equal(decimal.NewFromInt(500)))
			assert.True(t, cls.FinalFine.Equal(decimal.RequireFromString(tt.want)), "fine %s", cls.FinalFine)
		})
	}
}

func TestNextStanding(t *testing.T) {
	cfg := kpi.DefaultTierConfig()
	prior := kpi.Standing{Tier: kpi.TierAppreciation, ImprovementMonths: 2}

	up := cfg.NextStanding(prior, cfg.Classify(decimal.NewFromInt(91), prior))
	assert.Equal(t, kpi.Standing{Tier: kpi.TierBonus, ImprovementMonths: 3}, up)

	down := cfg.NextStanding(prior, cfg.Classify(decimal.NewFromInt(30), prior))
	assert.Equal(t, kpi.Standing{Tier: kpi.TierFine, FineMonths: 1}, down)

	// Only configured tiers extend the improvement streak.
	cfg.ImprovementTiers = []kpi.Tier{kpi.TierBonus}
	flat := cfg.NextStanding(prior, cfg.Classify(decimal.NewFromInt(80), prior))
	assert.Equal(t, kpi.Standing{Tier: kpi.TierAppreciation}, flat)
}

func TestTierConfig_Validate(t *testing.T) {
	band := func(tier kpi.Tier, min int64) kpi.TierBand {
		return kpi.TierBand{Tier: tier, MinScore: decimal.NewFromInt(min)}
	}

	tests := []struct {
		name   string
		mutate func(c *kpi.TierConfig)
	}{
		{"no bands", func(c *kpi.TierConfig) { c.Bands = nil }},
		{"no fine band", func(c *kpi.TierConfig) { c.Bands = []kpi.TierBand{band(kpi.TierBonus, 90)} }},
		{"fine not lowest", func(c *kpi.TierConfig) {
			c.Bands = []kpi.TierBand{band(kpi.TierFine, 50), band(kpi.TierImprovement, 10)}
		}},
		{"duplicate tier", func(c *kpi.TierConfig) {
			c.Bands = []kpi.TierBand{band(kpi.TierFine, 0), band(kpi.TierFine, 10)}
		}},
		{"shared threshold", func(c *kpi.TierConfig) {
			c.Bands = []kpi.TierBand{band(kpi.TierBonus, 50), band(kpi.TierImprovement, 50), band(kpi.TierFine, 0)}
		}},
		{"threshold above 100", func(c *kpi.TierConfig) {
			c.Bands = []kpi.TierBand{band(kpi.TierBonus, 101), band(kpi.TierFine, 0)}
		}},
		{"unknown tier", func(c *kpi.TierConfig) {
			c.Bands = []kpi.TierBand{band("GOLD", 90), band(kpi.TierFine, 0)}
		}},
		{"negative base fine", func(c *kpi.TierConfig) { c.BaseFine = decimal.NewFromInt(-1) }},
		{"negative max fine", func(c *kpi.TierConfig) { c.MaxFine = decimal.NewFromInt(-1) }},
		{"unknown escalation", func(c *kpi.TierConfig) { c.Escalation = "exponential" }},
		{"fine counts as improvement", func(c *kpi.TierConfig) { c.ImprovementTiers = []kpi.Tier{kpi.TierFine} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := kpi.DefaultTierConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), generic.ErrValidation)
		})
	}
}

func TestTierConfig_ValidateSortsBands(t *testing.T) {
	cfg := kpi.DefaultTierConfig()
	cfg.Bands[0], cfg.Bands[3] = cfg.Bands[3], cfg.Bands[0]
	cfg.Escalation = ""

	require.NoError(t, cfg.Validate())
	assert.Equal(t, kpi.TierBonus, cfg.Bands[0].Tier)
	assert.Equal(t, kpi.TierFine, cfg.Bands[3].Tier)
	assert.Equal(t, kpi.EscalateDouble, cfg.Escalation)
}
