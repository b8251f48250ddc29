// Package money holds the fixed-point helpers shared by the ledger and the
// reconciliation matcher. All amounts are shopspring decimals with two
// places once finalized.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of decimal places of the ledger currency.
const MinorUnits = 2

var hundred = decimal.NewFromInt(100)

// Round applies banker's rounding to the currency's minor unit.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MinorUnits)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Within reports whether |a-b| <= base*tolerance. The comparison is inclusive.
func Within(a, b, base, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(base.Mul(tolerance))
}

// Percent renders a fraction such as 0.02 as "2%".
func Percent(fraction decimal.Decimal) string {
	return fraction.Mul(hundred).String() + "%"
}

// Parse reads an amount as written in bank statements. It accepts currency
// symbols, thousands separators and either "." or "," as decimal mark:
// "1.234,56", "1,234.56", "Bs. 980,00", "980". A lone separator followed by
// exactly three digits groups thousands, so "1.234" is 1234. Amounts with
// more than MinorUnits decimals are rejected.
func Parse(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
			b.WriteRune(r)
		case r == '.', r == ',':
			b.WriteRune(r)
		case r == '-':
			negative = !negative
		}
	}
	if digits == 0 {
		return decimal.Zero, fmt.Errorf("amount %q has no digits", raw)
	}
	// Separators left over from prefixes such as "Bs." are not part of the number.
	s = strings.Trim(b.String(), ".,")

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = normalizeMark(s, ",")
	case lastDot >= 0:
		s = normalizeMark(s, ".")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if d.Exponent() < -MinorUnits {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimal places", raw, MinorUnits)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// normalizeMark rewrites s, which only uses sep as separator, into the form
// decimal.NewFromString expects.
func normalizeMark(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	if len(s)-strings.Index(s, sep)-1 == 3 {
		return strings.Replace(s, sep, "", 1)
	}
	return strings.Replace(s, sep, ".", 1)
}
