package factory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

func TestTierFactory_ParseYAML(t *testing.T) {
	f := NewTierFactory()

	// GIVEN: a YAML table listed out of order with a cap
	data := []byte(`
bands:
  - tier: fine
    min_score: "0"
    action_type: fine applied
  - tier: BONUS
    min_score: "92.5"
    action_type: bonus eligible
  - tier: APPRECIATION
    min_score: "70"
    action_type: appreciation
base_fine: "300"
escalation: linear
max_fine: "900"
improvement_tiers: [BONUS]
`)

	// WHEN: parsing
	cfg, err := f.ParseYAML(data)
	require.NoError(t, err)

	// THEN: bands are sorted and amounts exact
	require.Len(t, cfg.Bands, 3)
	assert.Equal(t, kpi.TierBonus, cfg.Bands[0].Tier)
	assert.True(t, cfg.Bands[0].MinScore.Equal(decimal.RequireFromString("92.5")))
	assert.Equal(t, kpi.TierFine, cfg.Bands[2].Tier)
	assert.True(t, cfg.BaseFine.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, kpi.EscalateLinear, cfg.Escalation)
	assert.Equal(t, []kpi.Tier{kpi.TierBonus}, cfg.ImprovementTiers)

	// AND: the fourth consecutive fine is capped
	cls := cfg.Classify(decimal.NewFromInt(10), kpi.Standing{Tier: kpi.TierFine, FineMonths: 3})
	assert.Equal(t, 4, cls.MonthFineCount)
	assert.True(t, cls.FinalFine.Equal(decimal.NewFromInt(900)))
}

func TestTierFactory_ParseJSONOverridesPreset(t *testing.T) {
	f := NewTierFactory()

	cfg, err := f.ParseJSON([]byte(`{"preset": "strict", "base_fine": "750"}`))
	require.NoError(t, err)

	strict, err := Preset(PresetStrict)
	require.NoError(t, err)
	assert.Equal(t, len(strict.Bands), len(cfg.Bands))
	assert.True(t, cfg.Bands[0].MinScore.Equal(decimal.NewFromInt(95)))
	assert.True(t, cfg.BaseFine.Equal(decimal.NewFromInt(750)))
	assert.True(t, cfg.MaxFine.Equal(decimal.NewFromInt(4000)))
}

func TestTierFactory_Rejects(t *testing.T) {
	f := NewTierFactory()

	tests := []struct {
		name string
		json string
	}{
		{"unknown preset", `{"preset": "generous"}`},
		{"no fine band", `{"bands": [{"tier": "BONUS", "min_score": "90"}]}`},
		{"fine not lowest", `{"bands": [{"tier": "FINE", "min_score": "50"}, {"tier": "BONUS", "min_score": "10"}]}`},
		{"threshold above 100", `{"bands": [{"tier": "BONUS", "min_score": "101"}, {"tier": "FINE", "min_score": "0"}]}`},
		{"bad decimal", `{"base_fine": "five hundred"}`},
		{"negative fine", `{"base_fine": "-1"}`},
		{"unknown escalation", `{"escalation": "exponential"}`},
		{"fine as improvement", `{"improvement_tiers": ["FINE"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseJSON([]byte(tt.json))
			require.Error(t, err)
			assert.True(t, errors.Is(err, generic.ErrValidation), "got %v", err)
		})
	}
}

func TestTierFactory_LoadFile(t *testing.T) {
	f := NewTierFactory()
	dir := t.TempDir()

	// GIVEN: the default table written as YAML
	out, err := f.ParseJSON([]byte(`{}`))
	require.NoError(t, err)
	path := filepath.Join(dir, "tiers.yml")
	require.NoError(t, os.WriteFile(path, []byte("preset: lenient\n"), 0o600))

	// WHEN: loading by extension
	cfg, err := f.LoadFile(path)
	require.NoError(t, err)

	// THEN: the preset applies
	assert.True(t, cfg.BaseFine.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, kpi.EscalateLinear, cfg.Escalation)
	assert.True(t, out.BaseFine.Equal(decimal.NewFromInt(500)))

	// AND: unknown extensions are refused
	bad := filepath.Join(dir, "tiers.toml")
	require.NoError(t, os.WriteFile(bad, []byte(""), 0o600))
	_, err = f.LoadFile(bad)
	assert.Error(t, err)
}

func TestTierFactory_ToFileRoundTrip(t *testing.T) {
	f := NewTierFactory()

	tf := f.ToFile(kpi.DefaultTierConfig())
	cfg, err := f.FromFile(tf)
	require.NoError(t, err)

	def := kpi.DefaultTierConfig()
	require.Len(t, cfg.Bands, len(def.Bands))
	for i := range def.Bands {
		assert.Equal(t, def.Bands[i].Tier, cfg.Bands[i].Tier)
		assert.True(t, def.Bands[i].MinScore.Equal(cfg.Bands[i].MinScore))
	}
	assert.True(t, def.BaseFine.Equal(cfg.BaseFine))
}
