package fx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Converter applies FX policy rules to consolidated balances.
type Converter struct {
	policy Policy
	quotes map[string]Quote
}

// NewConverter constructs a converter over quotes keyed by LOCALBASE pair.
func NewConverter(policy Policy, quotes map[string]Quote) *Converter {
	normalised := make(map[string]Quote, len(quotes))
	for pair, quote := range quotes {
		normalised[strings.ToUpper(strings.TrimSpace(pair))] = quote
	}
	policy.ReportingCurrency = strings.ToUpper(strings.TrimSpace(policy.ReportingCurrency))
	return &Converter{policy: policy, quotes: normalised}
}

// MissingRateError lists the pairs a conversion could not find a usable rate for.
type MissingRateError struct {
	Pairs []string
}

func (e *MissingRateError) Error() string {
	return fmt.Sprintf("fx: missing rates for %s", strings.Join(e.Pairs, ", "))
}

// Line is a simplified representation of an amount eligible for FX conversion.
type Line struct {
	AccountCode    string
	LocalCurrency  string
	LocalAmount    float64
	GroupAmount    float64
	HistoricalRate float64
}

// StatementMethod returns the policy method for profit and loss lines or for
// balance sheet lines.
func (c *Converter) StatementMethod(profitLoss bool) Method {
	if c == nil {
		return MethodClosing
	}
	if profitLoss {
		return c.policy.profitLossMethod()
	}
	return c.policy.balanceSheetMethod()
}

// Convert translates every line with the given method and returns the lines
// with GroupAmount replaced plus the total change against the prior group amounts.
func (c *Converter) Convert(input []Line, method Method) ([]Line, float64, error) {
	if c == nil {
		return nil, 0, fmt.Errorf("fx: converter not initialised")
	}
	out := make([]Line, len(input))
	delta := decimal.Zero
	missing := make(map[string]struct{})
	for i, line := range input {
		rate, ok := c.Rate(line.LocalCurrency, method, line.HistoricalRate)
		if !ok {
			missing[PairCode(line.LocalCurrency, c.policy.ReportingCurrency)] = struct{}{}
			continue
		}
		converted := decimal.NewFromFloat(line.LocalAmount).Mul(decimal.NewFromFloat(rate)).Round(2)
		delta = delta.Add(converted.Sub(decimal.NewFromFloat(line.GroupAmount)))
		line.GroupAmount, _ = converted.Float64()
		out[i] = line
	}
	if len(missing) > 0 {
		pairs := make([]string, 0, len(missing))
		for pair := range missing {
			pairs = append(pairs, pair)
		}
		sort.Strings(pairs)
		return nil, 0, &MissingRateError{Pairs: pairs}
	}
	total, _ := delta.Round(2).Float64()
	return out, total, nil
}

// Rate resolves the multiplier for converting local into the reporting currency.
// A historical request without a line rate answers with the closing rate.
func (c *Converter) Rate(local string, method Method, historical float64) (float64, bool) {
	if c == nil {
		return 0, false
	}
	local = strings.ToUpper(strings.TrimSpace(local))
	if local == "" || local == c.policy.ReportingCurrency {
		return 1, true
	}
	if method == MethodHistorical && historical > 0 {
		return historical, true
	}
	quote, ok := c.quotes[PairCode(local, c.policy.ReportingCurrency)]
	if !ok {
		return 0, false
	}
	rate := quote.Rate(method)
	if rate <= 0 {
		return 0, false
	}
	return rate, true
}
