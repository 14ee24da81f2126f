package postgres

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// parseDecimal converts a NUMERIC column rendered as text into a decimal.
func parseDecimal(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("numeric value required")
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// parseOptionalDecimal converts a nullable NUMERIC text column.
func parseOptionalDecimal(ptr *string) (*decimal.Decimal, error) {
	if ptr == nil || strings.TrimSpace(*ptr) == "" {
		return nil, nil
	}
	value, err := parseDecimal(*ptr)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// decimalArg renders an optional decimal as a query argument.
func decimalArg(value *decimal.Decimal) any {
	if value == nil {
		return nil
	}
	return value.String()
}
