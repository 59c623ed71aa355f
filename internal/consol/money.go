package consol

import "github.com/shopspring/decimal"

// BalanceEpsilon is the absolute tolerance for internal debit/credit self-checks.
const BalanceEpsilon = 1e-9

// Round rounds an amount to cents.
func Round(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// Mul multiplies two amounts and rounds the product to cents.
func Mul(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Round(2).Float64()
	return f
}

// Sum adds amounts without accumulating binary floating point drift.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	f, _ := total.Float64()
	return f
}

// Ledger accumulates signed amounts exactly.
type Ledger struct {
	total decimal.Decimal
}

// Add accumulates v.
func (l *Ledger) Add(v float64) {
	l.total = l.total.Add(decimal.NewFromFloat(v))
}

// Sub subtracts v.
func (l *Ledger) Sub(v float64) {
	l.total = l.total.Sub(decimal.NewFromFloat(v))
}

// Value returns the running total.
func (l *Ledger) Value() float64 {
	f, _ := l.total.Float64()
	return f
}

// Cents returns the running total rounded to cents.
func (l *Ledger) Cents() float64 {
	f, _ := l.total.Round(2).Float64()
	return f
}
