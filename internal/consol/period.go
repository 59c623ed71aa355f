package consol

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

const periodLayout = "2006-01"

// ParsePeriod validates a YYYY-MM period code and returns the first day of the month.
func ParsePeriod(code string) (time.Time, error) {
	code = strings.TrimSpace(code)
	if len(code) != len(periodLayout) {
		return time.Time{}, fmt.Errorf("consol: invalid period %q (expected YYYY-MM)", code)
	}
	ts, err := time.Parse(periodLayout, code)
	if err != nil {
		return time.Time{}, fmt.Errorf("consol: invalid period %q (expected YYYY-MM)", code)
	}
	return ts, nil
}

// FormatPeriod renders a time as a period code.
func FormatPeriod(t time.Time) string {
	return t.Format(periodLayout)
}

// ParseCurrency validates an ISO-4217 currency code.
func ParseCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("consol: invalid currency %q", code)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("consol: invalid currency %q: %w", code, err)
	}
	return unit.String(), nil
}

// Pair builds the quote pair used to translate from a local currency into the base.
func Pair(local, base string) string {
	return strings.ToUpper(local) + strings.ToUpper(base)
}
