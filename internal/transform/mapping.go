// Package transform normalizes raw provider records onto the canonical
// schema, computes derived financial metrics through pluggable calculators,
// and scores data quality. Transformation is a pure function of its inputs
// and rule set: the same records and rules always produce identical output.
package transform

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantfabric/etl-core/internal/core"
)

// =============================================================================
// DECLARATIVE FIELD MAPPING
// Provider field names and units map onto the canonical schema through
// tables loaded and validated once at startup, not resolved by reflection.
// =============================================================================

// FieldMapping maps one provider field onto a canonical field.
type FieldMapping struct {
	// Source is the provider's field name in the raw payload.
	Source string `yaml:"source"`
	// Canonical is the provider-independent field name.
	Canonical string `yaml:"canonical"`
	// Kind is the canonical value kind (number, text, date).
	Kind core.ValueKind `yaml:"kind"`
	// Scale multiplies numeric values for unit normalization, e.g. 1000
	// when the provider reports thousands. Zero means no scaling.
	Scale decimal.Decimal `yaml:"scale,omitempty"`
	// Required marks fields whose coercion failure invalidates the record.
	Required bool `yaml:"required,omitempty"`
}

// RuleSet is the versioned transformation configuration.
type RuleSet struct {
	// Version tags the rule set; it participates in DataVersion metadata.
	Version string `yaml:"version"`
	// Mappings index field mapping tables by provider name.
	Mappings map[string][]FieldMapping `yaml:"mappings"`
	// ExpectedFields lists the canonical fields that count toward the
	// field-coverage half of the quality score.
	ExpectedFields []string `yaml:"expected_fields"`
	// MinQualityScore flags records below it as low_quality. Flagged
	// records are still forwarded; filtering is a loader-side policy.
	MinQualityScore float64 `yaml:"min_quality_score"`
	// Calculators are the enabled metric calculators, applied in order.
	Calculators []Calculator `yaml:"-"`
}

// Validate checks the rule set once at startup.
func (rs *RuleSet) Validate() error {
	if rs.Version == "" {
		return core.Errorf(core.CodeConfigInvalid, false, "rule set version is required")
	}
	if len(rs.Mappings) == 0 {
		return core.Errorf(core.CodeConfigInvalid, false, "rule set has no provider mappings")
	}
	for provider, mappings := range rs.Mappings {
		seen := make(map[string]bool, len(mappings))
		for _, m := range mappings {
			if m.Source == "" || m.Canonical == "" {
				return core.Errorf(core.CodeConfigInvalid, false,
					"provider %s: mapping needs source and canonical names", provider)
			}
			switch m.Kind {
			case core.KindNumber, core.KindText, core.KindDate:
			default:
				return core.Errorf(core.CodeConfigInvalid, false,
					"provider %s: mapping %s has unknown kind %q", provider, m.Canonical, m.Kind)
			}
			if seen[m.Canonical] {
				return core.Errorf(core.CodeConfigInvalid, false,
					"provider %s: duplicate canonical field %s", provider, m.Canonical)
			}
			seen[m.Canonical] = true
		}
	}
	names := make(map[string]bool, len(rs.Calculators))
	for _, c := range rs.Calculators {
		if names[c.Name()] {
			return core.Errorf(core.CodeConfigInvalid, false, "duplicate calculator %s", c.Name())
		}
		names[c.Name()] = true
	}
	return nil
}

// LoadRuleSet reads a rule set from a YAML file, attaches the default
// calculator catalog, and validates it.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewError(core.CodeConfigInvalid, false, fmt.Errorf("read rule set: %w", err))
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, core.NewError(core.CodeConfigInvalid, false, fmt.Errorf("parse rule set %s: %w", path, err))
	}
	rs.Calculators = DefaultCalculators()
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("rule set %s: %w", path, err)
	}
	return &rs, nil
}

// MappingsFor returns the mapping table for a provider.
func (rs *RuleSet) MappingsFor(provider string) ([]FieldMapping, bool) {
	m, ok := rs.Mappings[provider]
	return m, ok
}

func (m FieldMapping) describe() string {
	return fmt.Sprintf("%s->%s(%s)", m.Source, m.Canonical, m.Kind)
}
