/*
Package factory provides file to Go tier configuration conversion.

PURPOSE:
  Converts JSON or YAML tier definitions into kpi.TierConfig. HR can tune
  thresholds, labels and fines without a code change; the engine only
  ever sees a validated kpi.TierConfig.

FILE SCHEMA (YAML shown; JSON uses the same keys):
  preset: default            # optional, fields below override it
  bands:
    - tier: BONUS
      min_score: "90"
      action_type: bonus eligible
    - tier: APPRECIATION
      min_score: "75"
      action_type: appreciation
    - tier: IMPROVEMENT
      min_score: "60"
      action_type: no action
    - tier: FINE
      min_score: "0"
      action_type: fine applied
  base_fine: "500"
  escalation: double         # double | linear | flat
  max_fine: "4000"           # optional cap
  improvement_tiers: [BONUS, APPRECIATION, IMPROVEMENT]

  Amounts are decimal strings so no float rounding sneaks into money.

USAGE:
  f := NewTierFactory()
  cfg, err := f.LoadFile("tiers.yaml")
  engine, err := kpi.NewEngine(store, kpi.Options{Tiers: &cfg})

SEE ALSO:
  - kpi/tiering.go: TierConfig and Classify
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

// =============================================================================
// FILE SCHEMA TYPES
// =============================================================================

// TierConfigFile is the on-disk representation of a tier table.
type TierConfigFile struct {
	Preset           string     `json:"preset,omitempty" yaml:"preset,omitempty"`
	Bands            []BandFile `json:"bands,omitempty" yaml:"bands,omitempty"`
	BaseFine         string     `json:"base_fine,omitempty" yaml:"base_fine,omitempty"`
	Escalation       string     `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	MaxFine          string     `json:"max_fine,omitempty" yaml:"max_fine,omitempty"`
	ImprovementTiers []string   `json:"improvement_tiers,omitempty" yaml:"improvement_tiers,omitempty"`
}

// BandFile is one band of TierConfigFile.
type BandFile struct {
	Tier       string `json:"tier" yaml:"tier"`
	MinScore   string `json:"min_score" yaml:"min_score"`
	ActionType string `json:"action_type" yaml:"action_type"`
}

// =============================================================================
// PRESETS
// =============================================================================

// Preset names accepted in the "preset" key.
const (
	PresetDefault = "default"
	PresetStrict  = "strict"
	PresetLenient = "lenient"
)

// Preset returns a named tier table.
func Preset(name string) (kpi.TierConfig, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PresetDefault:
		return kpi.DefaultTierConfig(), nil

	case PresetStrict:
		// Higher bars, fines never stop doubling until the cap.
		return kpi.TierConfig{
			Bands: []kpi.TierBand{
				{Tier: kpi.TierBonus, MinScore: decimal.NewFromInt(95), ActionType: "bonus eligible"},
				{Tier: kpi.TierAppreciation, MinScore: decimal.NewFromInt(85), ActionType: "appreciation"},
				{Tier: kpi.TierImprovement, MinScore: decimal.NewFromInt(70), ActionType: "improvement plan"},
				{Tier: kpi.TierFine, MinScore: decimal.Zero, ActionType: "fine applied"},
			},
			BaseFine:         decimal.NewFromInt(500),
			Escalation:       kpi.EscalateDouble,
			MaxFine:          decimal.NewFromInt(4000),
			ImprovementTiers: []kpi.Tier{kpi.TierBonus, kpi.TierAppreciation},
		}, nil

	case PresetLenient:
		return kpi.TierConfig{
			Bands: []kpi.TierBand{
				{Tier: kpi.TierBonus, MinScore: decimal.NewFromInt(85), ActionType: "bonus eligible"},
				{Tier: kpi.TierAppreciation, MinScore: decimal.NewFromInt(70), ActionType: "appreciation"},
				{Tier: kpi.TierImprovement, MinScore: decimal.NewFromInt(50), ActionType: "no action"},
				{Tier: kpi.TierFine, MinScore: decimal.Zero, ActionType: "fine applied"},
			},
			BaseFine:         decimal.NewFromInt(250),
			Escalation:       kpi.EscalateLinear,
			MaxFine:          decimal.NewFromInt(1000),
			ImprovementTiers: []kpi.Tier{kpi.TierBonus, kpi.TierAppreciation, kpi.TierImprovement},
		}, nil

	default:
		return kpi.TierConfig{}, &generic.FieldError{Field: "preset", Message: fmt.Sprintf("unknown preset %q", name)}
	}
}

// =============================================================================
// TIER FACTORY
// =============================================================================

// TierFactory converts tier files to kpi.TierConfig.
type TierFactory struct{}

// NewTierFactory creates a new tier factory.
func NewTierFactory() *TierFactory {
	return &TierFactory{}
}

// ParseJSON parses a JSON tier table.
func (f *TierFactory) ParseJSON(data []byte) (kpi.TierConfig, error) {
	var tf TierConfigFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return kpi.TierConfig{}, fmt.Errorf("failed to parse tier JSON: %w", err)
	}
	return f.FromFile(tf)
}

// ParseYAML parses a YAML tier table.
func (f *TierFactory) ParseYAML(data []byte) (kpi.TierConfig, error) {
	var tf TierConfigFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return kpi.TierConfig{}, fmt.Errorf("failed to parse tier YAML: %w", err)
	}
	return f.FromFile(tf)
}

// LoadFile reads path and parses it by extension (.json, .yaml, .yml).
func (f *TierFactory) LoadFile(path string) (kpi.TierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return kpi.TierConfig{}, fmt.Errorf("failed to read tier config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return f.ParseJSON(data)
	case ".yaml", ".yml":
		return f.ParseYAML(data)
	default:
		return kpi.TierConfig{}, fmt.Errorf("unsupported tier config format %q", filepath.Ext(path))
	}
}

// FromFile applies tf over its preset and validates the result.
func (f *TierFactory) FromFile(tf TierConfigFile) (kpi.TierConfig, error) {
	cfg, err := Preset(tf.Preset)
	if err != nil {
		return kpi.TierConfig{}, err
	}

	if len(tf.Bands) > 0 {
		cfg.Bands = make([]kpi.TierBand, 0, len(tf.Bands))
		for _, bf := range tf.Bands {
			min, err := parseAmount("min_score", bf.MinScore)
			if err != nil {
				return kpi.TierConfig{}, err
			}
			cfg.Bands = append(cfg.Bands, kpi.TierBand{
				Tier:       kpi.Tier(strings.ToUpper(bf.Tier)),
				MinScore:   min,
				ActionType: bf.ActionType,
			})
		}
	}
	if tf.BaseFine != "" {
		if cfg.BaseFine, err = parseAmount("base_fine", tf.BaseFine); err != nil {
			return kpi.TierConfig{}, err
		}
	}
	if tf.MaxFine != "" {
		if cfg.MaxFine, err = parseAmount("max_fine", tf.MaxFine); err != nil {
			return kpi.TierConfig{}, err
		}
	}
	if tf.Escalation != "" {
		cfg.Escalation = kpi.Escalation(strings.ToLower(tf.Escalation))
	}
	if tf.ImprovementTiers != nil {
		cfg.ImprovementTiers = make([]kpi.Tier, 0, len(tf.ImprovementTiers))
		for _, t := range tf.ImprovementTiers {
			cfg.ImprovementTiers = append(cfg.ImprovementTiers, kpi.Tier(strings.ToUpper(t)))
		}
	}

	if err := cfg.Validate(); err != nil {
		return kpi.TierConfig{}, err
	}
	return cfg, nil
}

// ToFile converts a TierConfig back to its file representation.
func (f *TierFactory) ToFile(cfg kpi.TierConfig) TierConfigFile {
	bands := append([]kpi.TierBand(nil), cfg.Bands...)
	sort.SliceStable(bands, func(i, j int) bool {
		return bands[i].MinScore.GreaterThan(bands[j].MinScore)
	})

	tf := TierConfigFile{
		BaseFine:   cfg.BaseFine.String(),
		Escalation: string(cfg.Escalation),
	}
	for _, b := range bands {
		tf.Bands = append(tf.Bands, BandFile{
			Tier:       string(b.Tier),
			MinScore:   b.MinScore.String(),
			ActionType: b.ActionType,
		})
	}
	if cfg.MaxFine.IsPositive() {
		tf.MaxFine = cfg.MaxFine.String()
	}
	for _, t := range cfg.ImprovementTiers {
		tf.ImprovementTiers = append(tf.ImprovementTiers, string(t))
	}
	return tf
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &generic.FieldError{Field: field, Message: fmt.Sprintf("%q is not a decimal", s)}
	}
	return d, nil
}
