package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
)

// StringSlice persists as a JSON array in a TEXT column; used for the
// allow-list and glob-pattern fields throughout §3.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	return string(b), err
}

func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	text, ok := asString(value)
	if !ok {
		return errors.New("store: StringSlice.Scan: unsupported type")
	}
	if strings.TrimSpace(text) == "" {
		*s = nil
		return nil
	}
	return json.Unmarshal([]byte(text), s)
}

// JSONMap persists an arbitrary JSON object in a TEXT column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	return string(b), err
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	text, ok := asString(value)
	if !ok {
		return errors.New("store: JSONMap.Scan: unsupported type")
	}
	if strings.TrimSpace(text) == "" {
		*m = nil
		return nil
	}
	return json.Unmarshal([]byte(text), m)
}

// PricingTiers persists GlobalModel/Model tiered pricing as JSON.
type PricingTiers []PricingTier

func (p PricingTiers) Value() (driver.Value, error) {
	b, err := json.Marshal([]PricingTier(p))
	return string(b), err
}

func (p *PricingTiers) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	text, ok := asString(value)
	if !ok {
		return errors.New("store: PricingTiers.Scan: unsupported type")
	}
	if strings.TrimSpace(text) == "" {
		*p = nil
		return nil
	}
	return json.Unmarshal([]byte(text), p)
}

// AlternateNames persists Model.UpstreamNames as JSON.
type AlternateNames []AlternateName

func (a AlternateNames) Value() (driver.Value, error) {
	b, err := json.Marshal([]AlternateName(a))
	return string(b), err
}

func (a *AlternateNames) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}
	text, ok := asString(value)
	if !ok {
		return errors.New("store: AlternateNames.Scan: unsupported type")
	}
	if strings.TrimSpace(text) == "" {
		*a = nil
		return nil
	}
	return json.Unmarshal([]byte(text), a)
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}
