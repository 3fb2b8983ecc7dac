// Package billing evaluates BillingRule expressions against collected
// dimensions to produce a per-request cost, mirroring the source
// FormulaEngine's dimension_mappings resolution (constant, dimension, matrix,
// tiered sources) on top of the sandboxed evaluator in internal/eval.
package billing

import (
	"fmt"
	"strconv"

	"github.com/nulpointcorp/llm-gateway/internal/eval"
)

// IncompleteError is raised when a required dimension is missing and
// strict_mode is enabled; dispatch maps this to failing the logical job.
type IncompleteError struct {
	MissingRequired []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("missing required dimensions: %v", e.MissingRequired)
}

// Status of a FormulaEvaluationResult.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
)

// MappingSource identifies how a dimension_mappings entry resolves its value.
type MappingSource string

const (
	SourceConstant  MappingSource = "constant"
	SourceDimension MappingSource = "dimension"
	SourceMatrix    MappingSource = "matrix"
	SourceTiered    MappingSource = "tiered"
)

// Tier is one entry of a tiered mapping: {up_to, value}. UpTo == nil means ∞.
type Tier struct {
	UpTo  *float64
	Value any
}

// Mapping binds one expression variable to a dimension source.
type Mapping struct {
	Source    MappingSource
	Key       string // dimension key; defaults to the variable name when empty
	Required  bool
	AllowZero bool
	Default   any
	Map       map[string]any // matrix source
	TierKey   string         // tiered source
	Tiers     []Tier         // tiered source
}

// Result is the Go analogue of FormulaEvaluationResult.
type Result struct {
	Status          Status
	Cost            float64
	ResolvedValues  map[string]any
	MissingRequired []string
	Error           string
}

// Engine evaluates billing expressions. Stateless; safe for concurrent use.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Evaluate mirrors FormulaEngine.evaluate: resolves dimension_mappings into
// expression variables, then evaluates the expression via internal/eval.
func (e *Engine) Evaluate(
	expression string,
	variables map[string]any,
	dimensions map[string]any,
	mappings map[string]Mapping,
	strictMode bool,
) (Result, error) {
	if dimensions == nil {
		dimensions = map[string]any{}
	}
	resolved := make(map[string]any, len(variables))
	for k, v := range variables {
		resolved[k] = v
	}

	var missingRequired []string
	for varName, mapping := range mappings {
		if mapping.Source == "" {
			mapping.Source = SourceConstant
		}
		if mapping.Source == SourceConstant {
			if _, exists := resolved[varName]; exists {
				continue
			}
		}
		value, isMissing := resolveMapping(varName, mapping, dimensions)
		if isMissing {
			missingRequired = append(missingRequired, varName)
			continue
		}
		resolved[varName] = value
	}

	if len(missingRequired) > 0 {
		if strictMode {
			return Result{}, &IncompleteError{MissingRequired: missingRequired}
		}
		return Result{
			Status:          StatusIncomplete,
			ResolvedValues:  resolved,
			MissingRequired: missingRequired,
		}, nil
	}

	cost, err := eval.EvalNumber(expression, resolved)
	if err != nil {
		if strictMode {
			return Result{}, err
		}
		return Result{
			Status:         StatusIncomplete,
			ResolvedValues: resolved,
			Error:          err.Error(),
		}, nil
	}
	if cost < 0 {
		return Result{
			Status:         StatusIncomplete,
			ResolvedValues: resolved,
			Error:          "negative_cost",
		}, nil
	}
	return Result{
		Status:         StatusComplete,
		Cost:           cost,
		ResolvedValues: resolved,
	}, nil
}

// resolveMapping mirrors FormulaEngine._resolve_mapping. Returns
// (value, isMissingRequired).
func resolveMapping(varName string, m Mapping, dims map[string]any) (any, bool) {
	missing := func() (any, bool) {
		if m.Required {
			return nil, true
		}
		if m.Default != nil {
			return m.Default, false
		}
		return 0.0, false
	}

	key := m.Key
	if key == "" {
		key = varName
	}

	switch m.Source {
	case SourceConstant:
		if m.Default != nil {
			return m.Default, false
		}
		return 0.0, false

	case SourceDimension:
		raw, ok := dims[key]
		if !ok || raw == nil {
			return missing()
		}
		if s, ok := raw.(string); ok {
			if s == "" {
				return missing()
			}
			if num, err := strconv.ParseFloat(s, 64); err == nil {
				if num == 0 && !m.AllowZero {
					return missing()
				}
				return num, false
			}
			return s, false
		}
		if num, ok := toFloat(raw); ok {
			if num == 0 && !m.AllowZero {
				return missing()
			}
			return num, false
		}
		return missing()

	case SourceMatrix:
		raw, ok := dims[key]
		if !ok || raw == nil || raw == "" {
			return missing()
		}
		rawKey := fmt.Sprintf("%v", raw)
		if val, ok := m.Map[rawKey]; ok {
			return val, false
		}
		if m.Required {
			return nil, true
		}
		if m.Default != nil {
			return m.Default, false
		}
		return 0.0, false

	case SourceTiered:
		if m.TierKey == "" {
			return missing()
		}
		raw, ok := dims[m.TierKey]
		if !ok || raw == nil {
			return missing()
		}
		tierValue, ok := toFloat(raw)
		if !ok {
			return missing()
		}
		if tierValue == 0 && !m.AllowZero {
			return missing()
		}
		for _, tier := range m.Tiers {
			if tier.UpTo == nil {
				return tier.Value, false
			}
			if tierValue <= *tier.UpTo {
				return tier.Value, false
			}
		}
		if len(m.Tiers) > 0 {
			return m.Tiers[len(m.Tiers)-1].Value, false
		}
		if m.Default != nil {
			return m.Default, false
		}
		return 0.0, false

	default:
		if m.Default != nil {
			return m.Default, false
		}
		return 0.0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
