package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// maxDecimalPlaces matches the widest price_places/amount_places accepted.
const maxDecimalPlaces = 16

// Decimal is a non-negative YAML decimal used for fee rates and pricing.
// Quote the value in YAML to keep it out of float parsing.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", value.Line)
	}
	switch value.Tag {
	case "!!str", "!!int", "!!float", "!!null", "":
	default:
		return fmt.Errorf("line %d: decimal cannot be %s", value.Line, value.Tag)
	}
	parsed, err := parseDecimal(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Decimal = parsed
	return nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "~" || raw == "null" {
		return decimal.Zero, nil
	}
	// Named here so the error says what was wrong.
	switch strings.ToLower(strings.TrimLeft(raw, "+-")) {
	case "nan", ".nan", "inf", ".inf", "infinity":
		return decimal.Zero, fmt.Errorf("decimal %q must be finite", raw)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", raw, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("decimal %q must not be negative", raw)
	}
	if -v.Exponent() > maxDecimalPlaces {
		return decimal.Zero, fmt.Errorf("decimal %q has more than %d places", raw, maxDecimalPlaces)
	}
	return v, nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
